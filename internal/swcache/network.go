package swcache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Network performs real fetches. An error means the request never produced a
// response (offline, DNS failure, reset, timeout); HTTP error statuses are
// returned as ordinary responses.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// NetworkFunc adapts a function to Network.
type NetworkFunc func(ctx context.Context, req *Request) (*Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPNetwork fetches over net/http. Requests to an origin listed in
// upstreams are sent to the mapped base URL instead.
type HTTPNetwork struct {
	client    *http.Client
	upstreams map[string]string
}

func NewHTTPNetwork(timeout time.Duration, upstreams map[string]string) *HTTPNetwork {
	return &HTTPNetwork{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are handed back to the caller unchanged.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		upstreams: upstreams,
	}
}

func (n *HTTPNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target := n.targetURL(req.URL)
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(hreq.Header, req.Header)
	hreq.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	out := NewResponse(resp.StatusCode, h, b)
	out.Outcome = "network"
	return out, nil
}

func (n *HTTPNetwork) targetURL(u *url.URL) string {
	if base, ok := n.upstreams[originOf(u)]; ok {
		return base + u.RequestURI()
	}
	return u.String()
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
