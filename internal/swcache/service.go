package swcache

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"swcache/internal/syncstore"
)

// Options supplies the collaborators of a Service. Zero values get working
// defaults: an HTTP network, a leveldb registry at storage.path, an
// in-memory pending store and a Hub for clients and notifications.
type Options struct {
	Network  Network
	Registry *Registry
	Pending  syncstore.Store
	Clients  Clients
	Notifier Notifier
	Observer RevalidationObserver
}

// Service is the interception service: one method per platform event.
type Service struct {
	cfg Config

	reg     *Registry
	ownsReg bool
	net     Network
	hub     *Hub

	dispatcher    *Dispatcher
	engine        *Engine
	lifecycle     *Lifecycle
	notifications *NotificationHandler
	syncQueue     *SyncQueue
	control       *controlChannel

	tasks *taskGroup
	stats *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(cfg Config, opts Options) (*Service, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		net:    opts.Network,
		reg:    opts.Registry,
		tasks:  newTaskGroup(cfg.Background.MaxConcurrent),
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	if s.net == nil {
		s.net = NewHTTPNetwork(cfg.timeoutDur, cfg.Network.Upstreams)
	}
	if s.reg == nil {
		reg, err := OpenRegistry(cfg.Storage.Path, cfg.maxEntryBytes)
		if err != nil {
			return nil, fmt.Errorf("open registry: %w", err)
		}
		s.reg = reg
		s.ownsReg = true
	}
	pending := opts.Pending
	if pending == nil {
		pending = syncstore.NewMemory()
	}
	clients, notifier := opts.Clients, opts.Notifier
	if clients == nil || notifier == nil {
		s.hub = NewHub(nil)
		if clients == nil {
			clients = s.hub
		}
		if notifier == nil {
			notifier = s.hub
		}
	}
	observer := opts.Observer
	if observer == nil {
		observer = logObserver{log: newRateLimitedLogger(time.Minute), stats: s.stats}
	}

	versions := cfg.Versions()
	s.dispatcher = NewDispatcher(&cfg)
	s.engine = &Engine{
		reg:         s.reg,
		net:         s.net,
		tasks:       s.tasks,
		observer:    observer,
		shellStores: []string{versions.Static, versions.Dynamic},
		rootPage:    cfg.App.RootPage,
	}
	s.lifecycle = newLifecycle(&cfg, s.reg, s.net, clients)
	s.notifications = newNotificationHandler(&cfg, notifier, clients, s.net)
	s.syncQueue = newSyncQueue(&cfg, pending, s.net)
	s.control = &controlChannel{lifecycle: s.lifecycle, reg: s.reg, version: cfg.Cache.Versions.Static}

	if cfg.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.statsEveryDur)
		}()
	}
	if cfg.syncEveryDur > 0 {
		log.Printf("periodic sync every %s, tag=%s", cfg.syncEveryDur, cfg.Sync.Tag)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncLoop(cfg.syncEveryDur)
		}()
	}
	return s, nil
}

// Close stops the periodic loops, waits for background cache work and
// closes the registry if the service opened it.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		if s.hub != nil {
			s.hub.Shutdown()
		}
		s.wg.Wait()
		s.tasks.wait()
		if s.ownsReg {
			if err := s.reg.Close(); err != nil {
				log.Printf("close registry: %v", err)
			}
		}
	})
}

func (s *Service) Config() Config          { return s.cfg }
func (s *Service) Registry() *Registry     { return s.reg }
func (s *Service) Lifecycle() *Lifecycle   { return s.lifecycle }
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }
func (s *Service) SyncQueue() *SyncQueue   { return s.syncQueue }
func (s *Service) Versions() Versions      { return s.cfg.Versions() }

// Hub returns the built-in client hub, or nil when both Clients and Notifier
// were supplied.
func (s *Service) Hub() *Hub { return s.hub }

// Start installs the worker and, when skip-waiting was signalled, activates
// it right away.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		return err
	}
	if !s.lifecycle.SkipWaitingRequested() {
		log.Printf("installed worker is waiting: send %s to activate", MsgSkipWaiting)
		return nil
	}
	_, err := s.Activate(ctx)
	return err
}

func (s *Service) Install(ctx context.Context) error {
	return s.lifecycle.Install(ctx)
}

func (s *Service) Activate(ctx context.Context) (ActivateReport, error) {
	return s.lifecycle.Activate(ctx)
}

// Purge deletes every store outside the current versions without touching
// the lifecycle state.
func (s *Service) Purge(ctx context.Context) ActivateReport {
	return s.lifecycle.purge(ctx)
}

// Fetch handles one intercepted request. Until the worker is active every
// request goes straight to the network.
func (s *Service) Fetch(ctx context.Context, req *Request) (*Response, error) {
	route := Route{Strategy: Passthrough}
	if s.lifecycle.State() == StateActive {
		route = s.dispatcher.Classify(req)
	}

	var (
		resp *Response
		err  error
	)
	if route.Strategy == Passthrough {
		resp, err = s.net.Fetch(ctx, req)
		if err == nil {
			resp.Outcome = "passthrough"
		}
	} else {
		resp, err = s.engine.Run(ctx, route, req)
	}
	if err != nil {
		return nil, err
	}
	resp.Strategy = route.Strategy
	s.stats.Observe(route.Strategy, resp.Outcome, resp.Size())
	return resp, nil
}

func (s *Service) Push(ctx context.Context, payload []byte) (Notification, error) {
	return s.notifications.Push(ctx, payload)
}

func (s *Service) NotificationClick(ctx context.Context, ev NotificationClick) error {
	return s.notifications.Click(ctx, ev)
}

func (s *Service) NotificationClose(ctx context.Context, n Notification) {
	s.notifications.Closed(ctx, n)
}

func (s *Service) Sync(ctx context.Context, tag string) (SyncReport, error) {
	return s.syncQueue.Sync(ctx, tag)
}

func (s *Service) Enqueue(ctx context.Context, item syncstore.Item) (syncstore.Item, error) {
	return s.syncQueue.Enqueue(ctx, item)
}

// Message handles a control command from the foreground application.
func (s *Service) Message(ctx context.Context, msg Message, reply Port) error {
	return s.control.handle(ctx, msg, reply)
}

func (s *Service) syncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			if _, err := s.Sync(ctx, s.cfg.Sync.Tag); err != nil {
				log.Printf("periodic sync: %v", err)
			}
			cancel()
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	stores, err := s.reg.Stats()
	if err != nil {
		log.Printf("stats: %v", err)
		return
	}
	parts := make([]string, 0, len(stores))
	for _, st := range stores {
		parts = append(parts, fmt.Sprintf("%s=%d/%s", st.Name, st.Entries, formatBytes(st.Bytes)))
	}
	ss := s.stats.Snapshot()
	log.Printf(
		"Stores: %s, Resp min/avg/max %s/%s/%s, Revalidation failures: %d, Outcomes: %s",
		strings.Join(parts, " "),
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
		ss.RevalidationFailures,
		ss.formatOutcomes(),
	)
}
