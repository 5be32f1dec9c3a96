package swcache

import (
	"context"
	"log"
)

// Message types accepted from the foreground application.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgGetVersion  = "GET_VERSION"
	MsgClearCache  = "CLEAR_CACHE"
)

// Message is a command from the foreground application.
type Message struct {
	Type string `json:"type"`
}

// Port carries a reply back to the sender of a Message.
type Port interface {
	PostMessage(ctx context.Context, msg any) error
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context, msg any) error

func (f PortFunc) PostMessage(ctx context.Context, msg any) error { return f(ctx, msg) }

type VersionReply struct {
	Version string `json:"version"`
}

type ClearCacheReply struct {
	Success bool     `json:"success"`
	Deleted []string `json:"deleted,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type controlChannel struct {
	lifecycle *Lifecycle
	reg       *Registry
	version   string
}

// handle runs one command. Unknown types are logged and ignored; reply may
// be nil when the sender expects nothing back.
func (c *controlChannel) handle(ctx context.Context, msg Message, reply Port) error {
	switch msg.Type {
	case MsgSkipWaiting:
		return c.lifecycle.SkipWaiting(ctx)
	case MsgGetVersion:
		return post(ctx, reply, VersionReply{Version: c.version})
	case MsgClearCache:
		return post(ctx, reply, c.clearAll())
	default:
		log.Printf("control message ignored: type=%q", msg.Type)
		return nil
	}
}

func (c *controlChannel) clearAll() ClearCacheReply {
	names, err := c.reg.Names()
	if err != nil {
		return ClearCacheReply{Error: err.Error()}
	}
	out := ClearCacheReply{Success: true}
	for _, name := range names {
		if _, err := c.reg.Delete(name); err != nil {
			log.Printf("clear cache: delete %s: %v", name, err)
			out.Success = false
			out.Error = err.Error()
			continue
		}
		out.Deleted = append(out.Deleted, name)
	}
	log.Printf("clear cache: deleted=%d", len(out.Deleted))
	return out
}

func post(ctx context.Context, reply Port, msg any) error {
	if reply == nil {
		return nil
	}
	return reply.PostMessage(ctx, msg)
}
