package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	App struct {
		// Origin is the application's own origin, e.g. http://localhost:3000.
		Origin string `yaml:"origin"`
		// APIOrigin is the one secondary origin eligible for interception.
		APIOrigin    string `yaml:"apiOrigin"`
		APIPrefix    string `yaml:"apiPrefix"`
		RootPage     string `yaml:"rootPage"`
		LandingRoute string `yaml:"landingRoute"`
	} `yaml:"app"`

	Cache struct {
		Prefix   string `yaml:"prefix"`
		Versions struct {
			Static  string `yaml:"static"`
			Dynamic string `yaml:"dynamic"`
			API     string `yaml:"api"`
		} `yaml:"versions"`
		// NetworkOnly uses the PathPrefix(...)|PathPrefix(...) syntax.
		NetworkOnly string `yaml:"networkOnly"`
	} `yaml:"cache"`

	Storage struct {
		Path     string `yaml:"path"`
		MaxEntry string `yaml:"maxEntry"`
	} `yaml:"storage"`

	Network struct {
		Timeout string `yaml:"timeout"`
		// Upstreams maps an intercepted origin to the base URL actually dialed.
		Upstreams map[string]string `yaml:"upstreams"`
	} `yaml:"network"`

	Lifecycle struct {
		SkipWaiting *bool    `yaml:"skipWaiting"`
		Precache    []string `yaml:"precache"`
		Discover    struct {
			AssetManifests []string `yaml:"assetManifests"`
			Sitemaps       []string `yaml:"sitemaps"`
		} `yaml:"discover"`
	} `yaml:"lifecycle"`

	Notifications struct {
		Title              string               `yaml:"title"`
		Body               string               `yaml:"body"`
		Icon               string               `yaml:"icon"`
		Badge              string               `yaml:"badge"`
		Tag                string               `yaml:"tag"`
		RequireInteraction bool                 `yaml:"requireInteraction"`
		Actions            []NotificationAction `yaml:"actions"`
		TrackCloseURL      string               `yaml:"trackCloseURL"`
	} `yaml:"notifications"`

	Sync struct {
		Tag   string `yaml:"tag"`
		DB    string `yaml:"db"`
		Every string `yaml:"every"`
	} `yaml:"sync"`

	Background struct {
		MaxConcurrent int `yaml:"maxConcurrent"`
	} `yaml:"background"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	compiled      bool
	networkOnly   []pathPrefixMatcher
	maxEntryBytes int64
	timeoutDur    time.Duration
	syncEveryDur  time.Duration
	statsEveryDur time.Duration
}

// Versions holds the three cache store names derived from the version tags.
type Versions struct {
	Static  string
	Dynamic string
	API     string
}

// Names returns the current store names in a fixed order.
func (v Versions) Names() []string {
	return []string{v.Static, v.Dynamic, v.API}
}

// Has reports whether name is one of the current store names.
func (v Versions) Has(name string) bool {
	return name == v.Static || name == v.Dynamic || name == v.API
}

const (
	defaultNetworkOnly = "PathPrefix(/api/auth/login)|PathPrefix(/api/auth/logout)|PathPrefix(/api/auth/refresh)|PathPrefix(/api/notifications/send)"
	defaultSyncTag     = "sync-pending-requests"
)

var defaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/favicon.ico",
	"/logo192.png",
	"/logo512.png",
}

// LoadConfig reads a YAML config file and overlays SWCACHE_* environment
// variables on top of it.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envOverrides lists the settings that may be overridden from the
// environment, mostly for container deployments.
type envOverrides struct {
	Port           int    `env:"SWCACHE_PORT"`
	AppOrigin      string `env:"SWCACHE_APP_ORIGIN"`
	APIOrigin      string `env:"SWCACHE_API_ORIGIN"`
	StoragePath    string `env:"SWCACHE_STORAGE_PATH"`
	SyncDB         string `env:"SWCACHE_SYNC_DB"`
	StaticVersion  string `env:"SWCACHE_STATIC_VERSION"`
	DynamicVersion string `env:"SWCACHE_DYNAMIC_VERSION"`
	APIVersion     string `env:"SWCACHE_API_VERSION"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	setIf(&cfg.App.Origin, o.AppOrigin)
	setIf(&cfg.App.APIOrigin, o.APIOrigin)
	setIf(&cfg.Storage.Path, o.StoragePath)
	setIf(&cfg.Sync.DB, o.SyncDB)
	setIf(&cfg.Cache.Versions.Static, o.StaticVersion)
	setIf(&cfg.Cache.Versions.Dynamic, o.DynamicVersion)
	setIf(&cfg.Cache.Versions.API, o.APIVersion)
	return nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) compile() error {
	if c.compiled {
		return nil
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.App.Origin == "" {
		return fmt.Errorf("app.origin is required")
	}
	var err error
	if c.App.Origin, err = normalizeOrigin(c.App.Origin); err != nil {
		return fmt.Errorf("app.origin: %w", err)
	}
	if c.App.APIOrigin != "" {
		if c.App.APIOrigin, err = normalizeOrigin(c.App.APIOrigin); err != nil {
			return fmt.Errorf("app.apiOrigin: %w", err)
		}
	}
	if c.App.APIPrefix == "" {
		c.App.APIPrefix = "/api/"
	}
	if c.App.RootPage == "" {
		c.App.RootPage = "/"
	}
	if c.App.LandingRoute == "" {
		c.App.LandingRoute = "/"
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "sports-analytics"
	}
	if c.Cache.Versions.Static == "" {
		c.Cache.Versions.Static = "v1"
	}
	if c.Cache.Versions.Dynamic == "" {
		c.Cache.Versions.Dynamic = "v1"
	}
	if c.Cache.Versions.API == "" {
		c.Cache.Versions.API = "v1"
	}
	if c.Cache.NetworkOnly == "" {
		c.Cache.NetworkOnly = defaultNetworkOnly
	}
	ms, err := parseMatch(c.Cache.NetworkOnly)
	if err != nil {
		return fmt.Errorf("cache.networkOnly: %w", err)
	}
	c.networkOnly = ms

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}
	if c.Storage.MaxEntry == "" {
		c.Storage.MaxEntry = "10mb"
	}
	if c.maxEntryBytes, err = parseBytes(c.Storage.MaxEntry); err != nil {
		return fmt.Errorf("storage.maxEntry: %w", err)
	}

	if c.Network.Timeout == "" {
		c.Network.Timeout = "30s"
	}
	if c.timeoutDur, err = time.ParseDuration(c.Network.Timeout); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	ups := make(map[string]string, len(c.Network.Upstreams))
	for from, to := range c.Network.Upstreams {
		o, err := normalizeOrigin(from)
		if err != nil {
			return fmt.Errorf("network.upstreams[%q]: %w", from, err)
		}
		ups[o] = strings.TrimRight(to, "/")
	}
	c.Network.Upstreams = ups

	if c.Lifecycle.SkipWaiting == nil {
		t := true
		c.Lifecycle.SkipWaiting = &t
	}
	if c.Lifecycle.Precache == nil {
		c.Lifecycle.Precache = append([]string(nil), defaultPrecache...)
	}

	n := &c.Notifications
	if n.Title == "" {
		n.Title = "Sports Analytics"
	}
	if n.Body == "" {
		n.Body = "New update available"
	}
	if n.Icon == "" {
		n.Icon = "/logo192.png"
	}
	if n.Badge == "" {
		n.Badge = "/logo192.png"
	}
	if n.Tag == "" {
		n.Tag = "sports-analytics-notification"
	}
	if n.Actions == nil {
		n.Actions = []NotificationAction{
			{Action: "view", Title: "View"},
			{Action: ActionDismiss, Title: "Dismiss"},
		}
	}
	if n.TrackCloseURL == "" {
		n.TrackCloseURL = "/api/analytics/notification-close"
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = defaultSyncTag
	}
	if c.Sync.DB == "" {
		c.Sync.DB = "./data/sync.db"
	}
	if c.Sync.Every != "" {
		if c.syncEveryDur, err = time.ParseDuration(c.Sync.Every); err != nil {
			return fmt.Errorf("sync.every: %w", err)
		}
	}
	if c.Background.MaxConcurrent <= 0 {
		c.Background.MaxConcurrent = 32
	}
	if c.Logging.StatsEvery != "" {
		if c.statsEveryDur, err = time.ParseDuration(c.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}

	c.compiled = true
	return nil
}

// Versions returns the versioned store names.
func (c *Config) Versions() Versions {
	p := c.Cache.Prefix
	return Versions{
		Static:  p + "-static-" + c.Cache.Versions.Static,
		Dynamic: p + "-dynamic-" + c.Cache.Versions.Dynamic,
		API:     p + "-api-" + c.Cache.Versions.API,
	}
}

func normalizeOrigin(s string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", s)
	}
	return originOf(u), nil
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}
