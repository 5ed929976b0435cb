// Package monitor decides whether a generation driver is reachable on the
// active surface, attaching one when the page has none.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowgen/internal/bus"
	"flowgen/internal/metrics"
	"flowgen/internal/model"
	"flowgen/internal/observability"
	"flowgen/internal/protocol"
)

const (
	DefaultTargetDomain = "labs.google"
	DefaultInterval     = 2 * time.Second
	DefaultGrace        = 500 * time.Millisecond
	DefaultProbeTimeout = time.Second
)

var ErrNotTargetSurface = errors.New("active surface is not the target UI")

// Inspector reports the surface the user is currently on.
type Inspector interface {
	Active(ctx context.Context) (model.Surface, error)
}

// Injector attaches a driver to a surface.
type Injector interface {
	Inject(ctx context.Context, s model.Surface) error
}

type Config struct {
	TargetDomain string
	ProbeTimeout time.Duration
	Grace        time.Duration
}

func (c Config) normalized() Config {
	c.TargetDomain = strings.ToLower(strings.TrimSpace(c.TargetDomain))
	if c.TargetDomain == "" {
		c.TargetDomain = DefaultTargetDomain
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	return c
}

type Result struct {
	Status  model.ConnectionStatus
	Surface model.Surface
	Err     error
}

type Monitor struct {
	cfg       Config
	inspector Inspector
	sender    bus.Sender
	injector  Injector
	log       *zap.Logger
	metrics   *metrics.Metrics
	sleep     func(context.Context, time.Duration) error
}

// New builds a monitor. injector may be nil when drivers attach themselves,
// as remote agents do.
func New(cfg Config, inspector Inspector, sender bus.Sender, injector Injector, log *zap.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		cfg:       cfg.normalized(),
		inspector: inspector,
		sender:    sender,
		injector:  injector,
		log:       observability.OrNop(log),
		metrics:   m,
		sleep:     sleepCtx,
	}
}

// ShouldPoll is evaluated on every timer tick. Polling never runs during a
// run so probes cannot interleave with the driver's page interactions.
func ShouldPoll(running, connected bool) bool {
	return !running && !connected
}

func (m *Monitor) Check(ctx context.Context) Result {
	res := m.check(ctx)
	m.metrics.ConnectionChecked(string(res.Status))
	fields := []zap.Field{zap.String("status", string(res.Status)), zap.String("surface", res.Surface.ID)}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	m.log.Debug("connection check", fields...)
	return res
}

func (m *Monitor) check(ctx context.Context) Result {
	s, err := m.inspector.Active(ctx)
	if err != nil {
		return Result{Status: model.ConnError, Err: fmt.Errorf("inspect active surface: %w", err)}
	}
	if !m.IsTarget(s.URL) {
		return Result{Status: model.ConnNotTargetSurface, Surface: s, Err: ErrNotTargetSurface}
	}

	err = m.probe(ctx, s)
	if err == nil {
		return Result{Status: model.ConnConnected, Surface: s}
	}
	m.log.Debug("probe failed", zap.String("surface", s.ID), zap.Error(err))

	if m.injector == nil {
		return Result{Status: model.ConnDisconnected, Surface: s, Err: bus.ErrNoListener}
	}
	if err := m.injector.Inject(ctx, s); err != nil {
		m.log.Warn("driver injection failed", zap.String("surface", s.ID), zap.Error(err))
		return Result{Status: model.ConnDisconnected, Surface: s, Err: err}
	}
	if err := m.sleep(ctx, m.cfg.Grace); err != nil {
		return Result{Status: model.ConnDisconnected, Surface: s, Err: err}
	}
	if err := m.probe(ctx, s); err != nil {
		return Result{Status: model.ConnDisconnected, Surface: s, Err: err}
	}
	return Result{Status: model.ConnConnected, Surface: s}
}

func (m *Monitor) probe(ctx context.Context, s model.Surface) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	reply, err := m.sender.Send(probeCtx, s.ID, protocol.Ping{})
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("unexpected ping reply %q", reply.Status)
	}
	return nil
}

// IsTarget reports whether rawURL belongs to the target domain.
func (m *Monitor) IsTarget(rawURL string) bool {
	return strings.Contains(strings.ToLower(rawURL), m.cfg.TargetDomain)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
