// Package syncstore defines the durable queue of writes that failed while
// offline and must be replayed once connectivity returns.
package syncstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an item id is not in the store.
var ErrNotFound = errors.New("syncstore: item not found")

// Item is one deferred write.
type Item struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"lastError,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store persists pending items. Implementations must be safe for concurrent
// use.
type Store interface {
	// Add stores item, assigning an id and creation time when missing.
	Add(ctx context.Context, item Item) (Item, error)
	// List returns every pending item, oldest first.
	List(ctx context.Context) ([]Item, error)
	Remove(ctx context.Context, id string) error
	// RecordFailure bumps the attempt count and keeps the last error.
	RecordFailure(ctx context.Context, id string, lastError string) error
}
