package swcache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []Notification
}

func (n *recordingNotifier) Show(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, note)
	return nil
}

func (n *recordingNotifier) Close(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, note)
	return nil
}

func newTestNotificationHandler(t *testing.T, notifier Notifier, clients Clients, net Network) *NotificationHandler {
	t.Helper()
	cfg := testConfig(t)
	cfg.App.LandingRoute = "/dashboard"
	h := newNotificationHandler(&cfg, notifier, clients, net)
	h.now = func() time.Time { return fixedNow }
	return h
}

func TestBuildNotificationDefaults(t *testing.T) {
	h := newTestNotificationHandler(t, &recordingNotifier{}, NewHub(nil), newFakeNetwork())

	for _, payload := range []string{"", "  ", "{}"} {
		n := h.Build([]byte(payload))
		assert.Equal(t, "Sports Analytics", n.Title, "payload %q", payload)
		assert.Equal(t, "New update available", n.Body)
		assert.Equal(t, "/logo192.png", n.Icon)
		assert.Equal(t, "/logo192.png", n.Badge)
		assert.Equal(t, "sports-analytics-notification", n.Tag)
		assert.False(t, n.RequireInteraction)
		require.Len(t, n.Actions, 2)
		assert.Equal(t, "view", n.Actions[0].Action)
		assert.Equal(t, ActionDismiss, n.Actions[1].Action)
		assert.Equal(t, "/dashboard", n.Data.URL)
		assert.Equal(t, fixedNow.UnixMilli(), n.Data.Timestamp)
	}
}

func TestBuildNotificationOverlay(t *testing.T) {
	h := newTestNotificationHandler(t, &recordingNotifier{}, NewHub(nil), newFakeNetwork())

	n := h.Build([]byte(`{"body":"Goal! 2-1"}`))
	assert.Equal(t, "Sports Analytics", n.Title)
	assert.Equal(t, "Goal! 2-1", n.Body)

	n = h.Build([]byte(`{"title":"Final","requireInteraction":true,"actions":[],"data":{"url":"/games/42","id":"n-1","trackClose":true}}`))
	assert.Equal(t, "Final", n.Title)
	assert.True(t, n.RequireInteraction)
	assert.Empty(t, n.Actions)
	assert.Equal(t, NotificationData{URL: "/games/42", ID: "n-1", TrackClose: true, Timestamp: fixedNow.UnixMilli()}, n.Data)

	n = h.Build([]byte(`{"data":{"timestamp":1700000000000}}`))
	assert.Equal(t, int64(1700000000000), n.Data.Timestamp)
	assert.Empty(t, n.Data.URL, "data is replaced as a whole")
}

func TestBuildNotificationSkipsMistypedKeys(t *testing.T) {
	h := newTestNotificationHandler(t, &recordingNotifier{}, NewHub(nil), newFakeNetwork())

	n := h.Build([]byte(`{"title":5,"body":"X","requireInteraction":"yes","data":"oops","tag":null}`))
	assert.Equal(t, "Sports Analytics", n.Title)
	assert.Equal(t, "X", n.Body)
	assert.False(t, n.RequireInteraction)
	assert.Equal(t, "sports-analytics-notification", n.Tag)
	assert.Equal(t, "/dashboard", n.Data.URL)
	assert.Equal(t, fixedNow.UnixMilli(), n.Data.Timestamp)
}

func TestBuildNotificationFromText(t *testing.T) {
	h := newTestNotificationHandler(t, &recordingNotifier{}, NewHub(nil), newFakeNetwork())

	n := h.Build([]byte("Kick-off in 10 minutes"))
	assert.Equal(t, "Sports Analytics", n.Title)
	assert.Equal(t, "Kick-off in 10 minutes", n.Body)

	n = h.Build([]byte(`["not","an","object"]`))
	assert.Equal(t, `["not","an","object"]`, n.Body)

	n = h.Build([]byte(`{"title":5}`))
	assert.Equal(t, "Sports Analytics", n.Title)
	assert.Equal(t, "New update available", n.Body)
}

func TestPushShowsNotification(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newTestNotificationHandler(t, notifier, NewHub(nil), newFakeNetwork())

	n, err := h.Push(context.Background(), []byte(`{"title":"Live"}`))
	require.NoError(t, err)
	require.Len(t, notifier.shown, 1)
	assert.Equal(t, n, notifier.shown[0])
	assert.Equal(t, "Live", notifier.shown[0].Title)
}

func TestClickDismiss(t *testing.T) {
	notifier := &recordingNotifier{}
	var opened []string
	hub := NewHub(func(_ context.Context, url string) error {
		opened = append(opened, url)
		return nil
	})
	h := newTestNotificationHandler(t, notifier, hub, newFakeNetwork())

	require.NoError(t, h.Click(context.Background(), NotificationClick{Action: ActionDismiss, Notification: h.Build(nil)}))
	assert.Len(t, notifier.closed, 1)
	assert.Empty(t, opened)
}

func TestClickFocusesOpenClient(t *testing.T) {
	hub := NewHub(nil)
	foreign, disconnectForeign := hub.Connect("https://elsewhere.test/")
	defer disconnectForeign()
	c, disconnect := hub.Connect(testOrigin + "/dashboard")
	defer disconnect()

	notifier := &recordingNotifier{}
	h := newTestNotificationHandler(t, notifier, hub, newFakeNetwork())
	n := h.Build([]byte(`{"data":{"url":"/games/42"}}`))

	require.NoError(t, h.Click(context.Background(), NotificationClick{Action: "view", Notification: n}))
	assert.Len(t, notifier.closed, 1)

	focus := <-c.Events()
	assert.Equal(t, "focus", focus.Type)
	msg := <-c.Events()
	assert.Equal(t, "message", msg.Type)
	body, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"NOTIFICATION_CLICK","url":"/games/42","data":{"url":"/games/42","timestamp":`+
		jsonInt(fixedNow.UnixMilli())+`}}`, string(body))

	select {
	case ev := <-foreign.Events():
		t.Fatalf("foreign client got %s", ev.Type)
	default:
	}
}

func TestClickOpensWindowWithoutClients(t *testing.T) {
	var opened []string
	hub := NewHub(func(_ context.Context, url string) error {
		opened = append(opened, url)
		return nil
	})
	h := newTestNotificationHandler(t, &recordingNotifier{}, hub, newFakeNetwork())

	n := h.Build(nil)
	n.Data.URL = ""
	require.NoError(t, h.Click(context.Background(), NotificationClick{Notification: n}))
	assert.Equal(t, []string{testOrigin + "/dashboard"}, opened)
}

func TestClosedTracksWhenAsked(t *testing.T) {
	ctx := context.Background()
	net := newFakeNetwork()
	net.set("POST", testOrigin+"/api/analytics/notification-close", 204, "")
	h := newTestNotificationHandler(t, &recordingNotifier{}, NewHub(nil), net)

	n := h.Build([]byte(`{"data":{"id":"n-7"}}`))
	h.Closed(ctx, n)
	assert.Empty(t, net.requests(), "tracking is opt-in")

	n = h.Build([]byte(`{"data":{"id":"n-7","trackClose":true}}`))
	h.Closed(ctx, n)
	reqs := net.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "POST", reqs[0].Method)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"notificationId":"n-7","action":"close","timestamp":`+jsonInt(fixedNow.UnixMilli())+`}`, string(reqs[0].Body))

	// Failures are swallowed.
	net.setOffline(true)
	h.Closed(ctx, n)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
