package swcache

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is one open foreground application instance.
type Client interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg any) error
}

// Clients gives access to the open client connections.
type Clients interface {
	MatchAll(ctx context.Context) ([]Client, error)
	OpenWindow(ctx context.Context, url string) error
	// Claim takes control of every open client without waiting for a reload.
	Claim(ctx context.Context) error
}

// Notifier displays and closes user notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, n Notification) error
}

// Event is delivered to a connected client over its event stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

const hubClientBuffer = 64

// Hub tracks foreground clients connected over event streams. It implements
// both Clients and Notifier: notifications are forwarded to the clients,
// which render them locally.
type Hub struct {
	mu      sync.Mutex
	clients []*HubClient

	// opener launches a new window; nil means no window can be opened from
	// this process and the request is only logged.
	opener func(ctx context.Context, url string) error

	dropLog *rateLimitedLogger

	done     chan struct{}
	doneOnce sync.Once
}

func NewHub(opener func(ctx context.Context, url string) error) *Hub {
	return &Hub{
		opener:  opener,
		dropLog: newRateLimitedLogger(time.Minute),
		done:    make(chan struct{}),
	}
}

// Shutdown ends every client stream. It is safe to call more than once.
func (h *Hub) Shutdown() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Done is closed once Shutdown has been called.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Connect registers a client currently showing url. The returned function
// unregisters it.
func (h *Hub) Connect(url string) (*HubClient, func()) {
	c := &HubClient{
		id:     uuid.NewString(),
		url:    url,
		events: make(chan Event, hubClientBuffer),
		hub:    h,
	}
	h.mu.Lock()
	h.clients = append(h.clients, c)
	h.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			for i, cc := range h.clients {
				if cc == c {
					h.clients = append(h.clients[:i], h.clients[i+1:]...)
					break
				}
			}
			h.mu.Unlock()
		})
	}
}

func (h *Hub) MatchAll(ctx context.Context) ([]Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out, nil
}

func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	if h.opener == nil {
		log.Printf("open window requested with no opener: url=%s", url)
		return nil
	}
	return h.opener(ctx, url)
}

func (h *Hub) Claim(ctx context.Context) error {
	h.mu.Lock()
	clients := append([]*HubClient(nil), h.clients...)
	h.mu.Unlock()
	for _, c := range clients {
		c.mu.Lock()
		c.controlled = true
		c.mu.Unlock()
		c.deliver(Event{Type: "controllerchange"})
	}
	return nil
}

func (h *Hub) Show(ctx context.Context, n Notification) error {
	h.broadcast(Event{Type: "notification", Data: n})
	return nil
}

func (h *Hub) Close(ctx context.Context, n Notification) error {
	h.broadcast(Event{Type: "notificationclose", Data: map[string]string{"tag": n.Tag}})
	return nil
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	clients := append([]*HubClient(nil), h.clients...)
	h.mu.Unlock()
	for _, c := range clients {
		c.deliver(ev)
	}
}

type HubClient struct {
	id     string
	url    string
	events chan Event
	hub    *Hub

	mu         sync.Mutex
	controlled bool
}

func (c *HubClient) ID() string  { return c.id }
func (c *HubClient) URL() string { return c.url }

// Controlled reports whether the client has been claimed.
func (c *HubClient) Controlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlled
}

func (c *HubClient) Events() <-chan Event { return c.events }

func (c *HubClient) Focus(ctx context.Context) error {
	c.deliver(Event{Type: "focus"})
	return nil
}

func (c *HubClient) PostMessage(ctx context.Context, msg any) error {
	c.deliver(Event{Type: "message", Data: msg})
	return nil
}

func (c *HubClient) deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.hub.dropLog.Printf("client event dropped: client=%s type=%s buffer full", c.id, ev.Type)
	}
}
