package syncstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Items do not survive a restart.
type Memory struct {
	mu    sync.Mutex
	items map[string]Item
}

func NewMemory() *Memory {
	return &Memory{items: map[string]Item{}}
}

func (m *Memory) Add(ctx context.Context, item Item) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	item, err := Normalize(item)
	if err != nil {
		return Item{}, err
	}
	m.mu.Lock()
	m.items[item.ID] = item
	m.mu.Unlock()
	return item, nil
}

func (m *Memory) List(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *Memory) RecordFailure(ctx context.Context, id string, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Attempts++
	it.LastError = strings.TrimSpace(lastError)
	m.items[id] = it
	return nil
}

// Normalize validates item and fills in the id, method and creation time.
func Normalize(item Item) (Item, error) {
	item.URL = strings.TrimSpace(item.URL)
	if item.URL == "" {
		return Item{}, errorf("url is required")
	}
	item.Method = strings.ToUpper(strings.TrimSpace(item.Method))
	if item.Method == "" {
		item.Method = "POST"
	}
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	return item, nil
}

var _ Store = (*Memory)(nil)
