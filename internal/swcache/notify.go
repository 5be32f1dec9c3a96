package swcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ActionDismiss is the notification action that closes without navigating.
const ActionDismiss = "dismiss"

type NotificationAction struct {
	Action string `json:"action" yaml:"action"`
	Title  string `json:"title" yaml:"title"`
	Icon   string `json:"icon,omitempty" yaml:"icon"`
}

type NotificationData struct {
	URL        string `json:"url,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"` // unix milliseconds
	ID         any    `json:"id,omitempty"`
	TrackClose bool   `json:"trackClose,omitempty"`
}

// Notification is the descriptor of a user-facing notification.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	Data               NotificationData     `json:"data"`
}

// NotificationClick is a click on a displayed notification or one of its
// actions.
type NotificationClick struct {
	Action       string       `json:"action"`
	Notification Notification `json:"notification"`
}

// NotificationHandler renders push payloads and routes clicks back into the
// application.
type NotificationHandler struct {
	defaults Notification
	origin   string
	landing  string
	trackURL string

	notifier Notifier
	clients  Clients
	net      Network
	now      func() time.Time
}

func newNotificationHandler(cfg *Config, notifier Notifier, clients Clients, net Network) *NotificationHandler {
	n := cfg.Notifications
	return &NotificationHandler{
		defaults: Notification{
			Title:              n.Title,
			Body:               n.Body,
			Icon:               n.Icon,
			Badge:              n.Badge,
			Tag:                n.Tag,
			RequireInteraction: n.RequireInteraction,
			Actions:            n.Actions,
			Data:               NotificationData{URL: cfg.App.LandingRoute},
		},
		origin:   cfg.App.Origin,
		landing:  cfg.App.LandingRoute,
		trackURL: n.TrackCloseURL,
		notifier: notifier,
		clients:  clients,
		net:      net,
		now:      time.Now,
	}
}

// Build merges a push payload over the defaults. A JSON object payload wins
// key by key (data is replaced as a whole, a mistyped key is skipped);
// anything else becomes the body.
func (h *NotificationHandler) Build(payload []byte) Notification {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return h.base()
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		n := h.base()
		n.Body = string(payload)
		return n
	}
	n := h.base()
	for key, raw := range keys {
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			continue
		}
		var err error
		switch key {
		case "title":
			err = decodeKey(raw, &n.Title)
		case "body":
			err = decodeKey(raw, &n.Body)
		case "icon":
			err = decodeKey(raw, &n.Icon)
		case "badge":
			err = decodeKey(raw, &n.Badge)
		case "tag":
			err = decodeKey(raw, &n.Tag)
		case "requireInteraction":
			err = decodeKey(raw, &n.RequireInteraction)
		case "actions":
			err = decodeKey(raw, &n.Actions)
		case "data":
			err = decodeKey(raw, &n.Data)
		}
		if err != nil {
			// A mistyped key keeps its default; the rest of the payload applies.
			log.Printf("push payload key ignored: key=%s err=%v", key, err)
		}
	}
	if n.Data.Timestamp == 0 {
		n.Data.Timestamp = h.now().UnixMilli()
	}
	return n
}

// decodeKey sets *dst only when raw decodes cleanly.
func decodeKey[T any](raw json.RawMessage, dst *T) error {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = v
	return nil
}

func (h *NotificationHandler) base() Notification {
	n := h.defaults
	n.Actions = append([]NotificationAction(nil), h.defaults.Actions...)
	n.Data.Timestamp = h.now().UnixMilli()
	return n
}

// Push displays the notification described by payload.
func (h *NotificationHandler) Push(ctx context.Context, payload []byte) (Notification, error) {
	n := h.Build(payload)
	if err := h.notifier.Show(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

// Click closes the notification and brings the application to the target
// URL: an open same-origin client is focused and told about the click,
// otherwise a new window is opened.
func (h *NotificationHandler) Click(ctx context.Context, ev NotificationClick) error {
	if err := h.notifier.Close(ctx, ev.Notification); err != nil {
		log.Printf("notification close failed: tag=%s err=%v", ev.Notification.Tag, err)
	}
	if ev.Action == ActionDismiss {
		return nil
	}

	target := ev.Notification.Data.URL
	if target == "" {
		target = h.landing
	}

	clients, err := h.clients.MatchAll(ctx)
	if err != nil {
		return fmt.Errorf("match clients: %w", err)
	}
	for _, c := range clients {
		if !h.sameOrigin(c.URL()) {
			continue
		}
		if err := c.Focus(ctx); err != nil {
			log.Printf("focus client %s: %v", c.ID(), err)
		}
		return c.PostMessage(ctx, map[string]any{
			"type": "NOTIFICATION_CLICK",
			"url":  target,
			"data": ev.Notification.Data,
		})
	}
	return h.clients.OpenWindow(ctx, h.absolute(target))
}

// Closed handles a notification dismissed without a click. Tracking is
// best-effort; failures are only logged.
func (h *NotificationHandler) Closed(ctx context.Context, n Notification) {
	if !n.Data.TrackClose {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"notificationId": n.Data.ID,
		"action":         "close",
		"timestamp":      h.now().UnixMilli(),
	})
	req, err := NewRequest(http.MethodPost, h.absolute(h.trackURL), DestOther)
	if err != nil {
		log.Printf("notification close tracking: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Body = body

	resp, err := h.net.Fetch(ctx, req)
	if err != nil {
		log.Printf("notification close tracking failed: %v", err)
		return
	}
	if !resp.OK() {
		log.Printf("notification close tracking failed: status %d", resp.Status)
	}
}

func (h *NotificationHandler) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return originOf(u) == h.origin
}

func (h *NotificationHandler) absolute(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return h.origin + target
}
