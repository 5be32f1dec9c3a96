package swcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceFetchRecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.set("GET", testOrigin+"/", 200, "<shell>")
	net.set("GET", testOrigin+"/static/app.css", 200, "body{}")

	var cfg Config
	cfg.App.Origin = testOrigin
	cfg.Lifecycle.Precache = []string{"/"}
	svc, err := NewService(cfg, Options{Network: net, Registry: newTestRegistry(t)})
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx))

	for i := 0; i < 2; i++ {
		resp, err := svc.Fetch(ctx, mustRequest(t, "GET", testOrigin+"/static/app.css", DestStyle))
		require.NoError(t, err)
		assert.Equal(t, CacheFirst, resp.Strategy)
	}
	resp, err := svc.Fetch(ctx, mustRequest(t, "GET", "https://fonts.example/inter.css", DestStyle))
	require.NoError(t, err)
	assert.Equal(t, Passthrough, resp.Strategy)
	assert.Equal(t, "passthrough", resp.Outcome)

	ss := svc.stats.Snapshot()
	assert.Equal(t, uint64(3), ss.TotalResponses)
	assert.Equal(t, map[string]uint64{
		"cache-first/miss":        1,
		"cache-first/hit":         1,
		"passthrough/passthrough": 1,
	}, ss.Outcomes)
	assert.Equal(t, "cache-first/hit=1 cache-first/miss=1 passthrough/passthrough=1", ss.formatOutcomes())
}

func TestServiceServesPrecachedAssetOffline(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.set("GET", testOrigin+"/", 200, "<shell>")
	net.set("GET", testOrigin+"/app.css", 200, "body{}")
	net.setHeader("GET", testOrigin+"/app.css", "Vary", "Accept-Encoding")

	var cfg Config
	cfg.App.Origin = testOrigin
	cfg.Lifecycle.Precache = []string{"/", "/app.css"}
	svc, err := NewService(cfg, Options{Network: net, Registry: newTestRegistry(t)})
	require.NoError(t, err)
	defer svc.Close()
	require.NoError(t, svc.Start(ctx))
	require.Equal(t, StateActive, svc.Lifecycle().State())

	net.setOffline(true)
	req := mustRequest(t, "GET", testOrigin+"/app.css", DestStyle)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	resp, err := svc.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "hit", resp.Outcome)
	assert.Equal(t, "body{}", readBody(t, resp))
}

func TestServiceWaitsForSkipWaiting(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.set("GET", testOrigin+"/", 200, "<shell>")

	off := false
	var cfg Config
	cfg.App.Origin = testOrigin
	cfg.Lifecycle.Precache = []string{"/"}
	cfg.Lifecycle.SkipWaiting = &off
	svc, err := NewService(cfg, Options{Network: net, Registry: newTestRegistry(t)})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Start(ctx))
	assert.Equal(t, StateInstalled, svc.Lifecycle().State())

	require.NoError(t, svc.Message(ctx, Message{Type: MsgSkipWaiting}, nil))
	assert.Equal(t, StateActive, svc.Lifecycle().State())
}

func TestServicePurgeKeepsLifecycleState(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Open("sports-analytics-static-v0")
	require.NoError(t, err)
	_, err = reg.Open("sports-analytics-dynamic-v1")
	require.NoError(t, err)

	var cfg Config
	cfg.App.Origin = testOrigin
	svc, err := NewService(cfg, Options{Network: newFakeNetwork(), Registry: reg})
	require.NoError(t, err)
	defer svc.Close()

	report := svc.Purge(context.Background())
	assert.Equal(t, []string{"sports-analytics-static-v0"}, report.Deleted)
	assert.Equal(t, StateParsed, svc.Lifecycle().State())

	names, err := reg.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"sports-analytics-dynamic-v1"}, names)
}

func TestServiceCloseIsIdempotent(t *testing.T) {
	var cfg Config
	cfg.App.Origin = testOrigin
	cfg.Storage.Path = t.TempDir()
	cfg.Logging.StatsEvery = "1h"
	cfg.Sync.Every = "1h"
	svc, err := NewService(cfg, Options{Network: newFakeNetwork()})
	require.NoError(t, err)
	svc.Close()
	svc.Close()
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "10mb", formatBytes(10<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}
