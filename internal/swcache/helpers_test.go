package swcache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testOrigin    = "http://app.test"
	testAPIOrigin = "http://api.test"
)

var errOffline = errors.New("network unreachable")

func testConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	cfg.App.Origin = testOrigin
	cfg.App.APIOrigin = testAPIOrigin
	cfg.Lifecycle.Precache = []string{"/"}
	require.NoError(t, cfg.compile())
	return cfg
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewMemRegistry(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func mustRequest(t *testing.T, method, rawURL string, dest Destination) *Request {
	t.Helper()
	req, err := NewRequest(method, rawURL, dest)
	require.NoError(t, err)
	return req
}

func textResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return NewResponse(status, h, []byte(body))
}

func readBody(t *testing.T, resp *Response) string {
	t.Helper()
	b, err := resp.Body()
	require.NoError(t, err)
	return string(b)
}

// putEntry seeds store with body for a GET of rawURL.
func putEntry(t *testing.T, reg *Registry, store, rawURL, body string) {
	t.Helper()
	st, err := reg.Open(store)
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), mustRequest(t, http.MethodGet, rawURL, DestOther), textResponse(200, body)))
}

// cachedBody returns the body stored for a GET of rawURL, or "" on a miss.
func cachedBody(t *testing.T, reg *Registry, store, rawURL string) string {
	t.Helper()
	st, err := reg.Open(store)
	require.NoError(t, err)
	resp, ok, err := st.Match(context.Background(), mustRequest(t, http.MethodGet, rawURL, DestOther))
	require.NoError(t, err)
	if !ok {
		return ""
	}
	return readBody(t, resp)
}

// fakeNetwork answers from a fixed table keyed by "METHOD URL". Unknown
// requests get a 404; offline makes every request fail.
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]*fakePage
	offline bool
	calls   []*Request
	count   atomic.Int32
}

type fakePage struct {
	status int
	body   string
	header http.Header
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: map[string]*fakePage{}}
}

func (n *fakeNetwork) set(method, rawURL string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[method+" "+rawURL] = &fakePage{status: status, body: body}
}

// setHeader adds a response header to a page registered with set.
func (n *fakeNetwork) setHeader(method, rawURL, key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.pages[method+" "+rawURL]
	if p.header == nil {
		p.header = make(http.Header)
	}
	p.header.Add(key, value)
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) requests() []*Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Request(nil), n.calls...)
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.count.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req)
	if n.offline {
		return nil, errOffline
	}
	p, ok := n.pages[req.Method+" "+req.URL.String()]
	if !ok {
		return textResponse(http.StatusNotFound, "not found"), nil
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	for k, vs := range p.header {
		h[k] = vs
	}
	return NewResponse(p.status, h, []byte(p.body)), nil
}

type recordingObserver struct {
	mu       sync.Mutex
	failures []error
}

func (o *recordingObserver) RevalidationFailed(_ Strategy, _ *Request, err error) {
	o.mu.Lock()
	o.failures = append(o.failures, err)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.failures)
}

func newTestEngine(t *testing.T, reg *Registry, net Network) (*Engine, *recordingObserver) {
	t.Helper()
	cfg := testConfig(t)
	v := cfg.Versions()
	obs := &recordingObserver{}
	return &Engine{
		reg:         reg,
		net:         net,
		tasks:       newTaskGroup(4),
		observer:    obs,
		shellStores: []string{v.Static, v.Dynamic},
		rootPage:    "/",
	}, obs
}
