package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"swcache/internal/syncstore"
)

const (
	swcacheHeader = "X-Swcache"
	controlPrefix = "/__swcache/"

	maxControlBody = 1 << 20
)

// Handler returns the HTTP adapter. Origin-form requests under /__swcache/
// are control endpoints; everything else is intercepted and answered by the
// caching strategies.
func (s *Service) Handler() http.Handler {
	control := http.NewServeMux()
	control.HandleFunc("POST "+controlPrefix+"push", s.handlePush)
	control.HandleFunc("POST "+controlPrefix+"notifications/click", s.handleNotificationClick)
	control.HandleFunc("POST "+controlPrefix+"notifications/close", s.handleNotificationClose)
	control.HandleFunc("POST "+controlPrefix+"sync", s.handleSync)
	control.HandleFunc("GET "+controlPrefix+"sync/pending", s.handleListPending)
	control.HandleFunc("POST "+controlPrefix+"sync/pending", s.handleEnqueue)
	control.HandleFunc("POST "+controlPrefix+"message", s.handleMessage)
	control.HandleFunc("GET "+controlPrefix+"clients", s.handleClients)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, controlPrefix) {
			control.ServeHTTP(w, r)
			return
		}
		s.handleFetch(w, r)
	})
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := s.interceptedRequest(r)
	if err != nil {
		setSwcacheHeaders(w.Header(), "bad-request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.Fetch(r.Context(), req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("fetch failed: method=%s url=%s err=%v", req.Method, req.URL, err)
		}
		setSwcacheHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, resp)
}

// interceptedRequest converts an incoming request. Absolute-form targets are
// kept as-is; origin-form targets are resolved against the app origin.
func (s *Service) interceptedRequest(r *http.Request) (*Request, error) {
	u := *r.URL
	if !u.IsAbs() {
		base, err := url.Parse(s.cfg.App.Origin)
		if err != nil {
			return nil, err
		}
		u.Scheme = base.Scheme
		u.Host = base.Host
	}
	u.Fragment = ""

	var body []byte
	if r.Body != nil {
		src := io.Reader(r.Body)
		limit := s.cfg.maxEntryBytes
		if limit > 0 {
			src = io.LimitReader(r.Body, limit+1)
		}
		b, err := io.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if limit > 0 && int64(len(b)) > limit {
			return nil, fmt.Errorf("request body exceeds %s", formatBytes(uint64(limit)))
		}
		body = b
	}
	return &Request{
		Method:      r.Method,
		URL:         &u,
		Header:      cloneHeader(r.Header),
		Body:        body,
		Destination: destinationOf(r),
	}, nil
}

// destinationOf reads Sec-Fetch-Dest. Clients that do not send it are treated
// as navigating when they ask for HTML.
func destinationOf(r *http.Request) Destination {
	d := Destination(strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest"))))
	switch d {
	case DestDocument, DestStyle, DestScript, DestImage, DestFont:
		return d
	case DestOther:
		if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
			return DestDocument
		}
	}
	return DestOther
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	body, err := resp.Body()
	if err != nil {
		setSwcacheHeaders(w.Header(), "error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for k, vs := range resp.Header {
		if strings.EqualFold(k, swcacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSwcacheHeaders(w.Header(), resp.Strategy.String()+";"+resp.Outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(body)
}

func setSwcacheHeaders(h http.Header, value string) {
	if value != "" {
		h.Set(swcacheHeader, value)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, swcacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.Push(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var ev NotificationClick
	if !decodeJSON(w, r, &ev) {
		return
	}
	if err := s.NotificationClick(r.Context(), ev); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleNotificationClose(w http.ResponseWriter, r *http.Request) {
	var n Notification
	if !decodeJSON(w, r, &n) {
		return
	}
	s.NotificationClose(r.Context(), n)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	// An empty body fires the configured tag.
	err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if body.Tag == "" {
		body.Tag = s.syncQueue.Tag()
	}
	report, err := s.Sync(r.Context(), body.Tag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Service) handleListPending(w http.ResponseWriter, r *http.Request) {
	items, err := s.syncQueue.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []syncstore.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var item syncstore.Item
	if !decodeJSON(w, r, &item) {
		return
	}
	item, err := s.Enqueue(r.Context(), item)
	if err != nil {
		var verr syncstore.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// handleMessage answers with whatever the command posted back, or 204 when
// it posted nothing.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if !decodeJSON(w, r, &msg) {
		return
	}
	var reply any
	port := PortFunc(func(_ context.Context, m any) error {
		reply = m
		return nil
	})
	if err := s.Message(r.Context(), msg, port); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidState) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleClients registers the caller as an open client and streams its
// events until the connection goes away.
func (s *Service) handleClients(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.NotFound(w, r)
		return
	}
	select {
	case <-s.hub.Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	clientURL := r.URL.Query().Get("url")
	if clientURL == "" {
		clientURL = r.Header.Get("Referer")
	}
	if clientURL == "" {
		clientURL = s.cfg.App.Origin + "/"
	}

	rc := http.NewResponseController(w)
	c, disconnect := s.hub.Connect(clientURL)
	defer disconnect()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, Event{Type: "connected", Data: map[string]string{"id": c.ID()}}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		log.Printf("client stream: flush unsupported: %v", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.hub.Done():
			return
		case ev := <-c.Events():
			if err := writeEvent(w, ev); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
