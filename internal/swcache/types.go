package swcache

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
)

// ErrBodyUsed is returned when a response body is read or cloned after it has
// already been consumed.
var ErrBodyUsed = errors.New("swcache: response body already used")

// CacheEntry is the stored form of a captured response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds

	// Vary holds the request header values named by the response Vary header
	// at the time the entry was written. A later request only matches when it
	// carries the same values.
	Vary map[string]string
}

// Destination is the kind of resource a request is loading, as reported by
// Sec-Fetch-Dest.
type Destination string

const (
	DestDocument Destination = "document"
	DestStyle    Destination = "style"
	DestScript   Destination = "script"
	DestImage    Destination = "image"
	DestFont     Destination = "font"
	DestOther    Destination = ""
)

// Request is an intercepted outbound request.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
}

// NewRequest builds a Request from a raw URL. It is mostly a convenience for
// callers that do not start from an *http.Request.
func NewRequest(method, rawURL string, dest Destination) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:      strings.ToUpper(method),
		URL:         u,
		Header:      make(http.Header),
		Destination: dest,
	}, nil
}

// Origin returns scheme://host of the request URL.
func (r *Request) Origin() string {
	return originOf(r.URL)
}

func originOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// Response is a captured response whose body can be read exactly once.
// Callers that need to both cache and return a response must Clone it before
// either consumer reads the body.
type Response struct {
	Status int
	Header http.Header

	// Strategy and Outcome describe how the response was produced, e.g.
	// cache-first and "hit". They are informational only.
	Strategy Strategy
	Outcome  string

	body []byte
	used atomic.Bool
}

// NewResponse wraps a fully read body.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{Status: status, Header: header, body: body}
}

// Body consumes the response body. A second call returns ErrBodyUsed.
func (r *Response) Body() ([]byte, error) {
	if r.used.Swap(true) {
		return nil, ErrBodyUsed
	}
	return r.body, nil
}

// Used reports whether the body has been consumed.
func (r *Response) Used() bool {
	return r.used.Load()
}

// Clone returns an independent copy of an unread response.
func (r *Response) Clone() (*Response, error) {
	if r.used.Load() {
		return nil, ErrBodyUsed
	}
	body := make([]byte, len(r.body))
	copy(body, r.body)
	return &Response{
		Status:   r.Status,
		Header:   cloneHeader(r.Header),
		Strategy: r.Strategy,
		Outcome:  r.Outcome,
		body:     body,
	}, nil
}

// Size is the body length in bytes. It does not consume the body.
func (r *Response) Size() int {
	return len(r.body)
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func (r *Response) toEntry(storedAt int64) (CacheEntry, error) {
	body, err := r.Body()
	if err != nil {
		return CacheEntry{}, err
	}
	ent := CacheEntry{
		Status:   r.Status,
		Header:   cloneHeader(r.Header),
		Body:     body,
		StoredAt: storedAt,
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func entryResponse(ent CacheEntry) *Response {
	return NewResponse(ent.Status, cloneHeader(ent.Header), ent.Body)
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
