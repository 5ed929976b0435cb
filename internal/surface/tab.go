package surface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"flowgen/internal/driver"
	"flowgen/internal/model"
)

const (
	DefaultPollInterval     = time.Second
	DefaultDetectionTimeout = 3 * time.Minute
)

type TabOptions struct {
	PollInterval     time.Duration
	DetectionTimeout time.Duration
}

func (o TabOptions) normalized() TabOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DetectionTimeout <= 0 {
		o.DetectionTimeout = DefaultDetectionTimeout
	}
	return o
}

type evalFunc func(ctx context.Context, expr string, out any) error

// Tab is the target UI as seen through one browser tab.
type Tab struct {
	tabCtx context.Context
	eval   evalFunc
	hooks  Hooks
	opts   TabOptions

	mu   sync.Mutex
	seen map[string]bool
}

func NewTab(tabCtx context.Context, hooks Hooks, opts TabOptions) *Tab {
	return newTab(tabCtx, hooks, opts, func(ctx context.Context, expr string, out any) error {
		return chromedp.Run(ctx, chromedp.Evaluate(expr, out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	})
}

func newTab(tabCtx context.Context, hooks Hooks, opts TabOptions, eval evalFunc) *Tab {
	return &Tab{
		tabCtx: tabCtx,
		eval:   eval,
		hooks:  hooks,
		opts:   opts.normalized(),
		seen:   map[string]bool{},
	}
}

// Done is closed when the tab goes away.
func (t *Tab) Done() <-chan struct{} {
	return t.tabCtx.Done()
}

func (t *Tab) Submit(ctx context.Context, job model.Job) error {
	expr, err := submitExpression(t.hooks.Submit, job)
	if err != nil {
		return err
	}
	var ignored any
	if err := t.evaluate(ctx, expr, &ignored); err != nil {
		return err
	}
	return nil
}

// AwaitArtifact polls the page until the poll hook reports a URL that was not
// reported before, or the detection timeout elapses.
func (t *Tab) AwaitArtifact(ctx context.Context, job model.Job) (model.Artifact, error) {
	expr, err := pollExpression(t.hooks.Poll, job)
	if err != nil {
		return model.Artifact{}, err
	}
	deadline := time.NewTimer(t.opts.DetectionTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(t.opts.PollInterval)
	defer tick.Stop()

	for {
		var url string
		if err := t.evaluate(ctx, expr, &url); err != nil {
			return model.Artifact{}, err
		}
		if url = strings.TrimSpace(url); url != "" && t.claim(url) {
			return model.Artifact{SourceURL: url}, nil
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return model.Artifact{}, fmt.Errorf("no artifact after %s: %w", t.opts.DetectionTimeout, driver.ErrJobFailed)
		case <-ctx.Done():
			return model.Artifact{}, ctx.Err()
		case <-t.tabCtx.Done():
			return model.Artifact{}, ErrSurfaceClosed
		}
	}
}

func (t *Tab) claim(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[url] {
		return false
	}
	t.seen[url] = true
	return true
}

// evaluate runs expr in the tab. The evaluation is bound to the tab context
// and abandoned when ctx ends.
func (t *Tab) evaluate(ctx context.Context, expr string, out any) error {
	if t.tabCtx.Err() != nil {
		return ErrSurfaceClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() { errc <- t.eval(t.tabCtx, expr, out) }()
	select {
	case err := <-errc:
		if err != nil && t.tabCtx.Err() != nil {
			return ErrSurfaceClosed
		}
		if err != nil {
			return fmt.Errorf("evaluate hook: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.tabCtx.Done():
		return ErrSurfaceClosed
	}
}
