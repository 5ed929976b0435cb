// Package surface connects flowgen to the browser through the Chrome DevTools
// protocol: it finds the active tab, attaches a generation driver to it and
// drives the target UI through user supplied hook scripts.
package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"flowgen/internal/driver"
	"flowgen/internal/model"
)

var (
	ErrNoActiveSurface = errors.New("no active browser tab")
	ErrSurfaceClosed   = driver.ErrSurfaceClosed
)

// Chrome is a connection to a running browser's DevTools endpoint.
type Chrome struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
	ownTarget     target.ID
	targetDomain  string
}

type ChromeOption func(*Chrome)

// WithTargetDomain makes Active prefer tabs whose URL contains domain.
func WithTargetDomain(domain string) ChromeOption {
	return func(c *Chrome) { c.targetDomain = strings.ToLower(strings.TrimSpace(domain)) }
}

// Connect attaches to the browser at browserURL, for example
// http://127.0.0.1:9222 or a ws://.../devtools/browser/... address.
func Connect(ctx context.Context, browserURL string, opts ...ChromeOption) (*Chrome, error) {
	browserURL = strings.TrimSpace(browserURL)
	if browserURL == "" {
		return nil, errors.New("browser url is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.Background(), browserURL)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(browserCtx) }()
	select {
	case err := <-errc:
		if err != nil {
			cancelBrowser()
			cancelAlloc()
			return nil, fmt.Errorf("connect to browser %s: %w", browserURL, err)
		}
	case <-ctx.Done():
		cancelBrowser()
		cancelAlloc()
		return nil, ctx.Err()
	}

	c := &Chrome{browserCtx: browserCtx, cancelBrowser: cancelBrowser, cancelAlloc: cancelAlloc}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if cc := chromedp.FromContext(browserCtx); cc != nil && cc.Target != nil {
		c.ownTarget = cc.Target.TargetID
	}
	return c, nil
}

// Active picks the tab to drive. DevTools does not expose which tab has
// focus, so the first page on the target domain wins (see WithTargetDomain)
// and the first page of any kind is the fallback. flowgen's own helper tab is
// never picked. Use Find to pin a specific tab.
func (c *Chrome) Active(ctx context.Context) (model.Surface, error) {
	infos, err := c.targets(ctx)
	if err != nil {
		return model.Surface{}, err
	}
	return pickSurface(infos, c.ownTarget, c.targetDomain)
}

func pickSurface(infos []*target.Info, own target.ID, domain string) (model.Surface, error) {
	var fallback *target.Info
	for _, info := range infos {
		if info == nil || info.Type != "page" || info.TargetID == own {
			continue
		}
		if domain != "" && strings.Contains(strings.ToLower(info.URL), domain) {
			return model.Surface{ID: string(info.TargetID), URL: info.URL}, nil
		}
		if fallback == nil {
			fallback = info
		}
	}
	if fallback == nil {
		return model.Surface{}, ErrNoActiveSurface
	}
	return model.Surface{ID: string(fallback.TargetID), URL: fallback.URL}, nil
}

// Find looks up a page target by ID.
func (c *Chrome) Find(ctx context.Context, id string) (model.Surface, error) {
	infos, err := c.targets(ctx)
	if err != nil {
		return model.Surface{}, err
	}
	for _, info := range infos {
		if string(info.TargetID) == id && info.Type == "page" {
			return model.Surface{ID: id, URL: info.URL}, nil
		}
	}
	return model.Surface{}, fmt.Errorf("%w: %s", ErrNoActiveSurface, id)
}

// OpenTab attaches to the tab s and returns it as a target UI. cancel detaches
// without closing the tab.
func (c *Chrome) OpenTab(s model.Surface, hooks Hooks, opts TabOptions) (*Tab, context.CancelFunc, error) {
	tabCtx, cancel, err := c.tabContext(s.ID)
	if err != nil {
		return nil, nil, err
	}
	return NewTab(tabCtx, hooks, opts), cancel, nil
}

func (c *Chrome) targets(ctx context.Context) ([]*target.Info, error) {
	type result struct {
		infos []*target.Info
		err   error
	}
	done := make(chan result, 1)
	go func() {
		infos, err := chromedp.Targets(c.browserCtx)
		done <- result{infos: infos, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("list browser targets: %w", r.err)
		}
		return r.infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tabContext returns a chromedp context bound to an existing tab.
func (c *Chrome) tabContext(id string) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(target.ID(id)))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("attach to tab %s: %w", id, err)
	}
	return tabCtx, cancel, nil
}

func (c *Chrome) Close() {
	c.cancelBrowser()
	c.cancelAlloc()
}
