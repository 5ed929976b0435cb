package surface

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"flowgen/internal/bus"
	"flowgen/internal/driver"
	"flowgen/internal/metrics"
	"flowgen/internal/model"
	"flowgen/internal/observability"
)

// Injector attaches a generation driver to a browser tab and registers it on
// the hub under the tab's surface ID.
type Injector struct {
	chrome  *Chrome
	hub     *bus.Hub
	hooks   Hooks
	opts    TabOptions
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	attached map[string]*attachment
}

type attachment struct {
	driver *driver.Driver
	detach func()
	cancel context.CancelFunc
}

func NewInjector(chrome *Chrome, hub *bus.Hub, hooks Hooks, opts TabOptions, log *zap.Logger, m *metrics.Metrics) *Injector {
	return &Injector{
		chrome:   chrome,
		hub:      hub,
		hooks:    hooks,
		opts:     opts,
		log:      observability.OrNop(log),
		metrics:  m,
		attached: map[string]*attachment{},
	}
}

func (i *Injector) Inject(ctx context.Context, s model.Surface) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tab, cancel, err := i.chrome.OpenTab(s, i.hooks, i.opts)
	if err != nil {
		return err
	}
	d := driver.New(tab, i.hub,
		driver.WithLogger(i.log.With(zap.String("surface", s.ID))),
		driver.WithMetrics(i.metrics))
	a := &attachment{driver: d, detach: i.hub.Attach(s, d), cancel: cancel}

	i.mu.Lock()
	prev := i.attached[s.ID]
	i.attached[s.ID] = a
	i.mu.Unlock()
	if prev != nil {
		prev.release()
	}
	i.log.Info("driver injected", zap.String("surface", s.ID), zap.String("url", s.URL))

	go func() {
		<-tab.Done()
		i.mu.Lock()
		if i.attached[s.ID] == a {
			delete(i.attached, s.ID)
		}
		i.mu.Unlock()
		a.release()
		i.log.Info("surface gone", zap.String("surface", s.ID))
	}()
	return nil
}

func (a *attachment) release() {
	a.detach()
	a.driver.Close()
	a.cancel()
}

func (i *Injector) Close() {
	i.mu.Lock()
	all := i.attached
	i.attached = map[string]*attachment{}
	i.mu.Unlock()
	for _, a := range all {
		a.release()
	}
}
