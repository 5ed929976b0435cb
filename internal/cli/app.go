package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"flowgen/internal/bus"
	"flowgen/internal/config"
	"flowgen/internal/coordinator"
	"flowgen/internal/dispatch"
	"flowgen/internal/metrics"
	"flowgen/internal/model"
	"flowgen/internal/monitor"
	"flowgen/internal/observability"
	"flowgen/internal/protocol"
	"flowgen/internal/session"
	"flowgen/internal/store"
	"flowgen/internal/surface"
)

// controlApp is everything a control surface needs: the hub, the dispatcher
// consuming DOWNLOAD events, the session store and the connection monitor.
type controlApp struct {
	cfg      config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	hub      *bus.Hub
	sessions *session.Store
	monitor  *monitor.Monitor
	events   *bus.Subscription
	detached chan model.Surface
	closers  []func()
}

type controlOptions struct {
	// remote drivers dial the hub instead of being attached through the
	// browser's DevTools endpoint.
	remote bool
}

func loadLogger(cfg config.Config, tui bool) (*zap.Logger, error) {
	opts := cfg.LogOptions()
	if tui && strings.TrimSpace(opts.File) == "" {
		opts.File = filepath.Join(cfg.StateDir, "flowgen.log")
	}
	return observability.NewLogger(opts)
}

func newControlApp(ctx context.Context, cfg config.Config, log *zap.Logger, opts controlOptions) (*controlApp, error) {
	a := &controlApp{
		cfg:      cfg,
		log:      observability.OrNop(log),
		metrics:  metrics.New(),
		detached: make(chan model.Surface, 16),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	lock, err := store.AcquireLock(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = lock.Release() })

	a.hub = bus.NewHub(bus.WithLogger(a.log), bus.WithDetachHook(func(s model.Surface) {
		select {
		case a.detached <- s:
		default:
		}
	}))

	sessions, closeSessions, err := openSessionStore(ctx, cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.sessions = sessions
	a.closers = append(a.closers, closeSessions)

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.New(sink, a.hub,
		dispatch.WithLogger(a.log.Named("dispatch")),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithFolder(cfg.Downloads.Folder))
	downloads := a.hub.Subscribe(protocol.TypeDownload)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		_ = dispatcher.Run(dispatchCtx, downloads.Events())
	}()
	a.closers = append(a.closers, func() {
		stopDispatch()
		<-dispatchDone
		downloads.Close()
	})

	a.events = a.hub.Subscribe(
		protocol.TypeProgress,
		protocol.TypeDownloadComplete,
		protocol.TypeGenerationComplete,
		protocol.TypeError,
	)
	a.closers = append(a.closers, a.events.Close)

	var inspector monitor.Inspector = a.hub
	var injector monitor.Injector
	if !opts.remote {
		chrome, err := surface.Connect(ctx, cfg.BrowserURL, surface.WithTargetDomain(cfg.TargetDomain))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, chrome.Close)
		hooks, err := surface.LoadHooks(cfg.Driver.Hooks.Submit, cfg.Driver.Hooks.Poll)
		if err != nil {
			return nil, err
		}
		inj := surface.NewInjector(chrome, a.hub, hooks, surface.TabOptions{
			PollInterval:     cfg.Driver.PollInterval,
			DetectionTimeout: cfg.Driver.DetectionTimeout,
		}, a.log.Named("driver"), a.metrics)
		a.closers = append(a.closers, inj.Close)
		inspector = chrome
		injector = inj
	}
	a.monitor = monitor.New(monitor.Config{
		TargetDomain: cfg.TargetDomain,
		ProbeTimeout: cfg.Monitor.ProbeTimeout,
		Grace:        cfg.Monitor.Grace,
	}, inspector, a.hub, injector, a.log.Named("monitor"), a.metrics)

	if opts.remote && strings.TrimSpace(cfg.Hub.Listen) == "" {
		return nil, errors.New("remote mode requires hub.listen")
	}
	if addr := strings.TrimSpace(cfg.Hub.Listen); addr != "" {
		stop, err := serveHTTP(addr, newRouter(a.hub, a.metrics), a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, stop)
	}
	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" && addr != strings.TrimSpace(cfg.Hub.Listen) {
		r := chi.NewRouter()
		r.Handle("/metrics", a.metrics.Handler())
		stop, err := serveHTTP(addr, r, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, stop)
	}

	ok = true
	return a, nil
}

func (a *controlApp) newCoordinator() *coordinator.Coordinator {
	return coordinator.New(a.sessions, a.hub, coordinator.WithLogger(a.log.Named("coordinator")))
}

// Close releases resources in reverse order of acquisition.
func (a *controlApp) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.log.Sync()
}

func openSessionStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*session.Store, func(), error) {
	switch cfg.Session.Backend {
	case config.BackendRedis:
		kv, err := session.NewRedisKV(ctx, cfg.Session.RedisURL, cfg.Session.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return session.NewStore(kv, log), func() { _ = kv.Close() }, nil
	default:
		return session.NewStore(session.NewFileKV(cfg.Session.Path), log), func() {}, nil
	}
}

func openSink(ctx context.Context, cfg config.Config) (dispatch.Sink, error) {
	switch cfg.Downloads.Sink {
	case config.SinkMinio:
		return dispatch.NewMinioSink(ctx, minioConfig(cfg.Downloads.Minio))
	default:
		return dispatch.FileSink{Dir: cfg.Downloads.Dir}, nil
	}
}

func minioConfig(m config.MinioConfig) dispatch.MinioConfig {
	return dispatch.MinioConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		UseSSL:    m.UseSSL,
	}
}

func newRouter(hub *bus.Hub, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":       true,
			"surfaces": hub.Surfaces(),
		})
	})
	r.Get("/ws", hub.ServeWS)
	r.Handle("/metrics", m.Handler())
	return r
}

// serveHTTP binds addr synchronously so address errors surface at startup.
func serveHTTP(addr string, handler http.Handler, log *zap.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("http server listening", zap.String("addr", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
