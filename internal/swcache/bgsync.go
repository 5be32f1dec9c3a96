package swcache

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"swcache/internal/syncstore"
)

// SyncReport summarizes one replay pass.
type SyncReport struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
	// Ignored is set when the trigger tag did not match.
	Ignored bool `json:"ignored,omitempty"`
}

// SyncQueue replays deferred writes when connectivity returns. Delivery is
// at-least-once: an item whose replay succeeded but could not be removed is
// sent again on the next trigger.
type SyncQueue struct {
	tag    string
	origin string
	store  syncstore.Store
	net    Network
}

func newSyncQueue(cfg *Config, store syncstore.Store, net Network) *SyncQueue {
	return &SyncQueue{tag: cfg.Sync.Tag, origin: cfg.App.Origin, store: store, net: net}
}

// Tag is the trigger identifier this queue answers to.
func (q *SyncQueue) Tag() string { return q.tag }

// Enqueue stores a write for later replay.
func (q *SyncQueue) Enqueue(ctx context.Context, item syncstore.Item) (syncstore.Item, error) {
	return q.store.Add(ctx, item)
}

// Pending lists the queued items, oldest first.
func (q *SyncQueue) Pending(ctx context.Context) ([]syncstore.Item, error) {
	return q.store.List(ctx)
}

// Sync replays every pending item. Items that replay successfully are
// removed; failed items stay for the next trigger. One failure never stops
// the remaining items.
func (q *SyncQueue) Sync(ctx context.Context, tag string) (SyncReport, error) {
	if tag != q.tag {
		log.Printf("sync ignored: tag=%q", tag)
		return SyncReport{Ignored: true}, nil
	}
	items, err := q.store.List(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list pending items: %w", err)
	}

	var report SyncReport
	for _, item := range items {
		report.Attempted++
		if err := q.replay(ctx, item); err != nil {
			report.Failed++
			log.Printf("sync replay failed: id=%s method=%s url=%s attempts=%d err=%v",
				item.ID, item.Method, item.URL, item.Attempts+1, err)
			if rerr := q.store.RecordFailure(ctx, item.ID, err.Error()); rerr != nil {
				log.Printf("sync record failure: id=%s err=%v", item.ID, rerr)
			}
			continue
		}
		report.Replayed++
		if err := q.store.Remove(ctx, item.ID); err != nil {
			log.Printf("sync remove: id=%s err=%v", item.ID, err)
		}
	}
	if report.Attempted > 0 {
		log.Printf("sync done: attempted=%d replayed=%d failed=%d", report.Attempted, report.Replayed, report.Failed)
	}
	return report, nil
}

func (q *SyncQueue) replay(ctx context.Context, item syncstore.Item) error {
	target := item.URL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		target = q.origin + target
	}
	method := item.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := NewRequest(method, target, DestOther)
	if err != nil {
		return err
	}
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}
	req.Body = []byte(item.Body)

	resp, err := q.net.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("status %d", resp.Status)
	}
	return nil
}
