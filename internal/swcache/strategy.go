package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
)

// RevalidationObserver is told about background fetches that failed. Those
// failures never reach the caller of the strategy.
type RevalidationObserver interface {
	RevalidationFailed(strategy Strategy, req *Request, err error)
}

type logObserver struct {
	log   *rateLimitedLogger
	stats *statsCollector
}

func (o logObserver) RevalidationFailed(strategy Strategy, req *Request, err error) {
	if o.stats != nil {
		o.stats.RevalidationFailed()
	}
	o.log.Printf("revalidation failed: strategy=%s url=%s err=%v", strategy, req.URL, err)
}

const offlineMessage = "You are offline and this data has not been cached yet."

// Engine runs the caching strategies against a registry and a network.
type Engine struct {
	reg      *Registry
	net      Network
	tasks    *taskGroup
	observer RevalidationObserver

	// shellStores are searched, in order, for the root page when a document
	// cannot be served any other way.
	shellStores []string
	rootPage    string
}

// Run executes the strategy selected by route.
func (e *Engine) Run(ctx context.Context, route Route, req *Request) (*Response, error) {
	switch route.Strategy {
	case NetworkFirst:
		return e.networkFirst(ctx, route, req)
	case CacheFirst:
		return e.cacheFirst(ctx, route, req)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, route, req), nil
	default:
		return e.networkOnly(ctx, req)
	}
}

func (e *Engine) networkFirst(ctx context.Context, route Route, req *Request) (*Response, error) {
	resp, err := e.net.Fetch(ctx, req)
	if err == nil {
		e.write(ctx, route.Store, req, resp)
		resp.Outcome = "network"
		return resp, nil
	}

	if cached, ok := e.lookup(ctx, route.Store, req); ok {
		cached.Outcome = "fallback"
		return cached, nil
	}
	if req.Destination == DestDocument {
		if shell, ok := e.shell(ctx, req); ok {
			shell.Outcome = "shell"
			return shell, nil
		}
	}
	return nil, fmt.Errorf("network-first %s: %w", req.URL, err)
}

func (e *Engine) cacheFirst(ctx context.Context, route Route, req *Request) (*Response, error) {
	if cached, ok := e.lookup(ctx, route.Store, req); ok {
		if route.API {
			e.refreshInBackground(ctx, route, req)
		}
		cached.Outcome = "hit"
		return cached, nil
	}

	resp, err := e.net.Fetch(ctx, req)
	if err == nil {
		e.write(ctx, route.Store, req, resp)
		resp.Outcome = "miss"
		return resp, nil
	}
	if route.API && req.Method == http.MethodGet {
		log.Printf("cache-first offline: url=%s err=%v", req.URL, err)
		return offlineResponse(), nil
	}
	return nil, fmt.Errorf("cache-first %s: %w", req.URL, err)
}

// refreshInBackground re-fetches an API response that was just served from
// cache and overwrites the entry on success.
func (e *Engine) refreshInBackground(ctx context.Context, route Route, req *Request) {
	bctx := context.WithoutCancel(ctx)
	e.tasks.spawnBackground("refresh", func() {
		resp, err := e.net.Fetch(bctx, req)
		if err != nil {
			e.observer.RevalidationFailed(CacheFirst, req, err)
			return
		}
		if !resp.OK() {
			e.observer.RevalidationFailed(CacheFirst, req, fmt.Errorf("status %d", resp.Status))
			return
		}
		e.write(bctx, route.Store, req, resp)
	})
}

func (e *Engine) networkOnly(ctx context.Context, req *Request) (*Response, error) {
	resp, err := e.net.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Outcome = "network"
	return resp, nil
}

type fetchResult struct {
	resp *Response
	err  error
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, route Route, req *Request) *Response {
	revalidated := make(chan fetchResult, 1)
	bctx := context.WithoutCancel(ctx)
	e.tasks.track(func() {
		resp, err := e.net.Fetch(bctx, req)
		if err != nil {
			e.observer.RevalidationFailed(StaleWhileRevalidate, req, err)
		} else {
			e.write(bctx, route.Store, req, resp)
		}
		revalidated <- fetchResult{resp: resp, err: err}
	})

	if stale, ok := e.lookup(ctx, route.Store, req); ok {
		stale.Outcome = "stale"
		return stale
	}

	select {
	case r := <-revalidated:
		if r.err == nil {
			r.resp.Outcome = "network"
			return r.resp
		}
	case <-ctx.Done():
	}
	return networkErrorResponse()
}

// lookup reads a store and treats read errors as a miss.
func (e *Engine) lookup(ctx context.Context, store string, req *Request) (*Response, bool) {
	if store == "" {
		return nil, false
	}
	st, err := e.reg.Open(store)
	if err != nil {
		log.Printf("cache open failed: store=%s err=%v", store, err)
		return nil, false
	}
	resp, ok, err := st.Match(ctx, req)
	if err != nil {
		log.Printf("cache match failed: store=%s url=%s err=%v", store, req.URL, err)
		return nil, false
	}
	return resp, ok
}

// write caches a clone of resp, leaving resp itself unread. Only successful
// GET responses are stored.
func (e *Engine) write(ctx context.Context, store string, req *Request, resp *Response) {
	if store == "" || req.Method != http.MethodGet || !resp.OK() {
		return
	}
	clone, err := resp.Clone()
	if err != nil {
		log.Printf("cache write skipped: store=%s url=%s err=%v", store, req.URL, err)
		return
	}
	st, err := e.reg.Open(store)
	if err == nil {
		err = st.Put(ctx, req, clone)
	}
	if err != nil {
		log.Printf("cache write failed: store=%s url=%s err=%v", store, req.URL, err)
	}
}

func (e *Engine) shell(ctx context.Context, req *Request) (*Response, bool) {
	root := &Request{
		Method: http.MethodGet,
		URL:    &url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host, Path: e.rootPage},
		Header: make(http.Header),
	}
	for _, name := range e.shellStores {
		if resp, ok := e.lookup(ctx, name, root); ok {
			return resp, true
		}
	}
	return nil, false
}

// OfflineBody is the JSON body served for API reads that have neither
// network nor cache.
type OfflineBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

func offlineResponse() *Response {
	b, _ := json.Marshal(OfflineBody{Error: "Offline", Message: offlineMessage, Offline: true})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	resp := NewResponse(http.StatusServiceUnavailable, h, b)
	resp.Outcome = "offline"
	return resp
}

func networkErrorResponse() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	resp := NewResponse(http.StatusRequestTimeout, h, []byte("Network error"))
	resp.Outcome = "offline"
	return resp
}
