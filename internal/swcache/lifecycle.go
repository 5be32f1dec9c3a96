package swcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// State is the worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant is entered when install fails; the worker never
	// activates.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "parsed"
	}
}

// ErrInvalidState is returned when a lifecycle step is requested out of order.
var ErrInvalidState = errors.New("swcache: invalid lifecycle state")

// InstallError reports the precache asset that made install fail.
type InstallError struct {
	Asset string
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install: precache %s: %v", e.Asset, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

const precacheConcurrency = 8

// Lifecycle drives install and activation for one worker version.
type Lifecycle struct {
	reg      *Registry
	net      Network
	clients  Clients
	versions Versions
	origin   string
	precache []string
	discover *manifestDiscoverer

	skipWaitingOnInstall bool

	mu          sync.Mutex
	state       State
	skipWaiting bool
}

func newLifecycle(cfg *Config, reg *Registry, net Network, clients Clients) *Lifecycle {
	return &Lifecycle{
		reg:      reg,
		net:      net,
		clients:  clients,
		versions: cfg.Versions(),
		origin:   cfg.App.Origin,
		precache: cfg.Lifecycle.Precache,
		discover: &manifestDiscoverer{
			net:       net,
			origin:    cfg.App.Origin,
			manifests: cfg.Lifecycle.Discover.AssetManifests,
			sitemaps:  cfg.Lifecycle.Discover.Sitemaps,
		},
		skipWaitingOnInstall: *cfg.Lifecycle.SkipWaiting,
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SkipWaitingRequested reports whether the installed worker asked to be
// activated without waiting for older clients to go away.
func (l *Lifecycle) SkipWaitingRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipWaiting
}

func (l *Lifecycle) transition(from, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, l.state, from)
	}
	l.state = to
	return nil
}

func (l *Lifecycle) set(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Install fetches every precache asset and writes them into the static store.
// Any failed fetch aborts the install and leaves the worker redundant.
func (l *Lifecycle) Install(ctx context.Context) error {
	if err := l.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	n, err := l.populateStatic(ctx)
	if err != nil {
		l.set(StateRedundant)
		log.Printf("install failed: %v", err)
		return err
	}

	l.mu.Lock()
	l.state = StateInstalled
	if l.skipWaitingOnInstall {
		l.skipWaiting = true
	}
	l.mu.Unlock()
	log.Printf("installed: store=%s precached=%d", l.versions.Static, n)
	return nil
}

func (l *Lifecycle) populateStatic(ctx context.Context) (int, error) {
	paths := append([]string(nil), l.precache...)
	discovered, err := l.discover.discover(ctx)
	if err != nil {
		return 0, &InstallError{Asset: "manifest discovery", Err: err}
	}
	paths = dedupe(append(paths, discovered...))

	reqs := make([]*Request, len(paths))
	resps := make([]*Response, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, p := range paths {
		req, err := NewRequest(http.MethodGet, l.origin+p, DestOther)
		if err != nil {
			return 0, &InstallError{Asset: p, Err: err}
		}
		reqs[i] = req
		g.Go(func() error {
			resp, err := l.net.Fetch(gctx, req)
			if err != nil {
				return &InstallError{Asset: p, Err: err}
			}
			if !resp.OK() {
				return &InstallError{Asset: p, Err: fmt.Errorf("status %d", resp.Status)}
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	st, err := l.reg.Open(l.versions.Static)
	if err != nil {
		return 0, &InstallError{Asset: l.versions.Static, Err: err}
	}
	for i, req := range reqs {
		if err := st.Put(ctx, req, resps[i]); err != nil {
			return 0, &InstallError{Asset: paths[i], Err: err}
		}
	}
	return len(reqs), nil
}

// ActivateReport lists what activation did to the stores.
type ActivateReport struct {
	Deleted []string
	// Failed maps store names whose deletion failed to the error.
	Failed map[string]error
}

// Activate deletes every store that does not belong to the current versions,
// then claims all open clients.
func (l *Lifecycle) Activate(ctx context.Context) (ActivateReport, error) {
	if err := l.transition(StateInstalled, StateActivating); err != nil {
		return ActivateReport{}, err
	}
	report := l.purge(ctx)

	for _, name := range l.versions.Names() {
		if _, err := l.reg.Open(name); err != nil {
			log.Printf("activate: open store %s: %v", name, err)
		}
	}
	if l.clients != nil {
		if err := l.clients.Claim(ctx); err != nil {
			log.Printf("activate: claim clients: %v", err)
		}
	}

	l.mu.Lock()
	l.state = StateActive
	l.skipWaiting = false
	l.mu.Unlock()
	log.Printf("activated: deleted=%d failed=%d stores=%v", len(report.Deleted), len(report.Failed), l.versions.Names())
	return report, nil
}

// purge deletes stale stores. Each deletion is independent.
func (l *Lifecycle) purge(ctx context.Context) ActivateReport {
	report := ActivateReport{Failed: map[string]error{}}
	names, err := l.reg.Names()
	if err != nil {
		log.Printf("activate: list stores: %v", err)
		return report
	}
	for _, name := range names {
		if l.versions.Has(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Failed[name] = err
			continue
		}
		if _, err := l.reg.Delete(name); err != nil {
			log.Printf("activate: delete store %s: %v", name, err)
			report.Failed[name] = err
			continue
		}
		report.Deleted = append(report.Deleted, name)
	}
	return report
}

// SkipWaiting activates an installed worker immediately. It is a no-op for
// an already active worker.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	switch l.State() {
	case StateActive, StateActivating:
		return nil
	case StateInstalled:
		l.mu.Lock()
		l.skipWaiting = true
		l.mu.Unlock()
		_, err := l.Activate(ctx)
		if errors.Is(err, ErrInvalidState) && l.State() >= StateActivating {
			return nil
		}
		return err
	default:
		return fmt.Errorf("%w: skip waiting while %s", ErrInvalidState, l.State())
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
