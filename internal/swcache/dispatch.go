package swcache

import (
	"strings"
)

// Strategy names a caching algorithm.
type Strategy int

const (
	// Passthrough marks a request that is not intercepted at all.
	Passthrough Strategy = iota
	NetworkFirst
	CacheFirst
	NetworkOnly
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	case NetworkOnly:
		return "network-only"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "passthrough"
	}
}

// Route is the result of classifying a request.
type Route struct {
	Strategy Strategy
	// Store is the cache store the strategy reads or writes. Empty for
	// Passthrough and NetworkOnly.
	Store string
	// API is set when the request path is under the API prefix.
	API bool
}

// Dispatcher classifies intercepted requests. Classification depends only on
// the request and the immutable settings captured at construction.
type Dispatcher struct {
	appOrigin   string
	apiOrigin   string
	apiPrefix   string
	networkOnly []pathPrefixMatcher
	versions    Versions
}

func NewDispatcher(cfg *Config) *Dispatcher {
	return &Dispatcher{
		appOrigin:   cfg.App.Origin,
		apiOrigin:   cfg.App.APIOrigin,
		apiPrefix:   cfg.App.APIPrefix,
		networkOnly: cfg.networkOnly,
		versions:    cfg.Versions(),
	}
}

// Classify picks exactly one route for req. The first matching rule wins.
func (d *Dispatcher) Classify(req *Request) Route {
	if req == nil || req.URL == nil {
		return Route{Strategy: Passthrough}
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return Route{Strategy: Passthrough}
	}
	origin := req.Origin()
	if origin != d.appOrigin && (d.apiOrigin == "" || origin != d.apiOrigin) {
		return Route{Strategy: Passthrough}
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	api := strings.HasPrefix(path, d.apiPrefix)

	for _, m := range d.networkOnly {
		if m.Match(path) {
			return Route{Strategy: NetworkOnly, API: api}
		}
	}
	if req.Destination == DestDocument {
		return Route{Strategy: NetworkFirst, Store: d.versions.Dynamic, API: api}
	}
	if api {
		if strings.EqualFold(req.Method, "GET") {
			return Route{Strategy: CacheFirst, Store: d.versions.API, API: true}
		}
		return Route{Strategy: NetworkOnly, API: true}
	}
	switch req.Destination {
	case DestStyle, DestScript, DestImage, DestFont:
		return Route{Strategy: CacheFirst, Store: d.versions.Static}
	}
	return Route{Strategy: StaleWhileRevalidate, Store: d.versions.Dynamic}
}
