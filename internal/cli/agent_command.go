package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"flowgen/internal/bus"
	"flowgen/internal/config"
	"flowgen/internal/driver"
	"flowgen/internal/metrics"
	"flowgen/internal/model"
	"flowgen/internal/protocol"
	"flowgen/internal/surface"
)

// relayPublisher forwards driver events to the hub connection once it exists.
// The driver is built before the connection because the connection needs the
// driver as its request handler.
type relayPublisher struct {
	mu   sync.Mutex
	peer *bus.Peer
	log  *zap.Logger
}

func (r *relayPublisher) set(p *bus.Peer) {
	r.mu.Lock()
	r.peer = p
	r.mu.Unlock()
}

func (r *relayPublisher) Publish(msg protocol.Message) {
	r.mu.Lock()
	p := r.peer
	r.mu.Unlock()
	if p == nil {
		r.log.Warn("event dropped before hub connection", zap.String("type", string(msg.Type())))
		return
	}
	p.Publish(msg)
}

// runAgent attaches a driver to a browser tab and connects it to a remote
// control surface started with --remote.
func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	hubURL := fs.String("hub", "", "hub websocket URL (default hub.url from config)")
	targetID := fs.String("target", "", "DevTools target ID of the tab to drive (default active tab)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	log, err := loadLogger(cfg, false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	url := defaultIfEmpty(strings.TrimSpace(*hubURL), cfg.Hub.URL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chrome, err := surface.Connect(ctx, cfg.BrowserURL, surface.WithTargetDomain(cfg.TargetDomain))
	if err != nil {
		return err
	}
	defer chrome.Close()

	var s model.Surface
	if id := strings.TrimSpace(*targetID); id != "" {
		s, err = chrome.Find(ctx, id)
	} else {
		s, err = chrome.Active(ctx)
	}
	if err != nil {
		return err
	}
	if !strings.Contains(s.URL, cfg.TargetDomain) {
		log.Warn("tab is not on the target domain", zap.String("url", s.URL), zap.String("domain", cfg.TargetDomain))
	}

	hooks, err := surface.LoadHooks(cfg.Driver.Hooks.Submit, cfg.Driver.Hooks.Poll)
	if err != nil {
		return err
	}
	tab, closeTab, err := chrome.OpenTab(s, hooks, surface.TabOptions{
		PollInterval:     cfg.Driver.PollInterval,
		DetectionTimeout: cfg.Driver.DetectionTimeout,
	})
	if err != nil {
		return err
	}
	defer closeTab()

	m := metrics.New()
	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		r := chi.NewRouter()
		r.Handle("/metrics", m.Handler())
		stop, err := serveHTTP(addr, r, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	relay := &relayPublisher{log: log}
	d := driver.New(tab, relay, driver.WithLogger(log.Named("driver")), driver.WithMetrics(m))
	defer d.Close()

	peer, err := bus.Dial(ctx, url, s, d, log.Named("peer"))
	if err != nil {
		return err
	}
	relay.set(peer)
	fmt.Printf("agent: driving %s (%s) via %s\n", s.ID, s.URL, url)

	errc := make(chan error, 1)
	go func() { errc <- peer.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-tab.Done():
		_ = peer.Close()
		<-errc
		return errors.New("browser tab closed")
	case <-ctx.Done():
		<-errc
		return nil
	}
}
