package swcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("app:\n  origin: 'HTTP://Localhost:3000/ignored/path'\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:3000", cfg.App.Origin)
	assert.Equal(t, "/api/", cfg.App.APIPrefix)
	assert.Equal(t, Versions{
		Static:  "sports-analytics-static-v1",
		Dynamic: "sports-analytics-dynamic-v1",
		API:     "sports-analytics-api-v1",
	}, cfg.Versions())
	assert.Equal(t, defaultPrecache, cfg.Lifecycle.Precache)
	require.NotNil(t, cfg.Lifecycle.SkipWaiting)
	assert.True(t, *cfg.Lifecycle.SkipWaiting)
	assert.Equal(t, "sync-pending-requests", cfg.Sync.Tag)
	assert.Equal(t, int64(10<<20), cfg.maxEntryBytes)
	assert.Equal(t, 30*time.Second, cfg.timeoutDur)
	assert.Len(t, cfg.networkOnly, 4)
	assert.Equal(t, "Sports Analytics", cfg.Notifications.Title)
	assert.Len(t, cfg.Notifications.Actions, 2)
	assert.Zero(t, cfg.syncEveryDur)
}

func TestParseConfigRequiresOrigin(t *testing.T) {
	_, err := ParseConfig([]byte("server:\n  port: 9000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.origin")
}

func TestParseConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"origin scheme":  "app:\n  origin: 'ftp://app.test'\n",
		"network only":   "app:\n  origin: 'http://app.test'\ncache:\n  networkOnly: 'Exact(/api)'\n",
		"max entry":      "app:\n  origin: 'http://app.test'\nstorage:\n  maxEntry: 'lots'\n",
		"timeout":        "app:\n  origin: 'http://app.test'\nnetwork:\n  timeout: 'soon'\n",
		"sync every":     "app:\n  origin: 'http://app.test'\nsync:\n  every: 'often'\n",
		"upstream key":   "app:\n  origin: 'http://app.test'\nnetwork:\n  upstreams:\n    'app.test': 'http://127.0.0.1:1'\n",
		"malformed yaml": "app: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("SWCACHE_PORT", "9090")
	t.Setenv("SWCACHE_APP_ORIGIN", "https://sports.example")
	t.Setenv("SWCACHE_STATIC_VERSION", "v2")
	t.Setenv("SWCACHE_SYNC_DB", "/var/lib/swcache/sync.db")

	cfg, err := ParseConfig([]byte("app:\n  origin: 'http://app.test'\ncache:\n  versions:\n    static: 'v1'\n"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://sports.example", cfg.App.Origin)
	assert.Equal(t, "sports-analytics-static-v2", cfg.Versions().Static)
	assert.Equal(t, "sports-analytics-dynamic-v1", cfg.Versions().Dynamic)
	assert.Equal(t, "/var/lib/swcache/sync.db", cfg.Sync.DB)
}

func TestParseConfigNetworkOnlyAndUpstreams(t *testing.T) {
	doc := `
app:
  origin: 'http://app.test'
cache:
  networkOnly: 'PathPrefix(/api/auth) | PathPrefix(/api/live)'
network:
  upstreams:
    'HTTP://APP.TEST': 'http://127.0.0.1:3001/'
lifecycle:
  skipWaiting: false
  precache: []
`
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []pathPrefixMatcher{{Prefix: "/api/auth"}, {Prefix: "/api/live"}}, cfg.networkOnly)
	assert.Equal(t, map[string]string{"http://app.test": "http://127.0.0.1:3001"}, cfg.Network.Upstreams)
	assert.False(t, *cfg.Lifecycle.SkipWaiting)
	assert.Empty(t, cfg.Lifecycle.Precache)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  origin: 'http://app.test'\nsync:\n  every: '5m'\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.syncEveryDur)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCompileIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	before := cfg.Versions()
	require.NoError(t, cfg.compile())
	assert.Equal(t, before, cfg.Versions())
}

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":   512,
		"64kb":  64 << 10,
		"1.5m":  3 << 19,
		"10MB":  10 << 20,
		"2g":    2 << 30,
		" 8 b ": 8,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "-1kb", "tenmb"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}
