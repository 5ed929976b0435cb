package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"flowgen/internal/coordinator"
)

// liveProgress redraws one status line for headless runs.
type liveProgress struct {
	enabled bool
	out     io.Writer

	mu     sync.Mutex
	view   coordinator.View
	phase  string
	last   string
	start  time.Time
	stop   chan struct{}
	active bool
}

func newLiveProgress(enabled bool, out io.Writer) *liveProgress {
	return &liveProgress{
		enabled: enabled,
		out:     out,
		phase:   "connecting",
		stop:    make(chan struct{}),
	}
}

func (p *liveProgress) Start() {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	p.active = true
	p.start = time.Now()
	p.mu.Unlock()
	go func() {
		t := time.NewTicker(700 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-t.C:
				fmt.Fprintf(p.out, "\r\033[2K%s", p.render())
			}
		}
	}()
}

func (p *liveProgress) Stop(final string) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	active := p.active
	p.active = false
	p.mu.Unlock()
	if active {
		close(p.stop)
	}
	fmt.Fprintf(p.out, "\r\033[2K%s\n", final)
}

func (p *liveProgress) Update(v coordinator.View, phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view = v
	if phase != "" {
		p.phase = phase
	}
}

// Note records the latest notice so the status line shows it.
func (p *liveProgress) Note(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = strings.TrimSpace(text)
}

func (p *liveProgress) render() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.view
	parts := []string{fmt.Sprintf("[%d/%d]", v.Progress.Current, v.Progress.Total), p.phase}
	if v.Progress.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d%%", v.Progress.Percent()))
	}
	parts = append(parts, fmt.Sprintf("generated %d", v.Session.Generated))
	parts = append(parts, fmt.Sprintf("downloaded %d", v.Session.Downloaded))
	if !p.start.IsZero() {
		parts = append(parts, time.Since(p.start).Truncate(time.Second).String())
	}
	if p.last != "" {
		parts = append(parts, "| "+truncateRunes(p.last, 60))
	}
	return strings.Join(parts, "  ")
}
