package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"flowgen/internal/coordinator"
	"flowgen/internal/model"
	"flowgen/internal/monitor"
	"flowgen/internal/protocol"
)

type connectionChecker interface {
	Check(ctx context.Context) monitor.Result
}

// headlessRun drives one generation without a TUI: poll until connected,
// start, relay events until the coordinator is back in Ready, then wait for
// outstanding downloads.
type headlessRun struct {
	coord       *coordinator.Coordinator
	checker     connectionChecker
	events      <-chan protocol.Message
	detached    <-chan model.Surface
	interval    time.Duration
	connectWait time.Duration
	drain       time.Duration
	progress    *liveProgress
	notices     io.Writer
}

type headlessResult struct {
	Completed  bool `json:"completed"`
	Total      int  `json:"total"`
	Generated  int  `json:"generated"`
	Downloaded int  `json:"downloaded"`
	Errors     int  `json:"errors"`
}

var errConnectTimeout = errors.New("timed out waiting for a connection to the target page")

func (h *headlessRun) run(ctx context.Context) (headlessResult, error) {
	var res headlessResult
	h.coord.SetConnection(h.checker.Check(ctx))
	h.flush(&res)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	connectDeadline := time.NewTimer(h.connectWait)
	defer connectDeadline.Stop()

	started := false
	baseline := 0
	var drainDeadline <-chan time.Time

	for {
		v := h.coord.View()
		if !started && v.Connected {
			baseline = v.Session.Downloaded
			if err := h.coord.Start(ctx); err != nil {
				h.flush(&res)
				if errors.Is(err, coordinator.ErrNoPrompts) || errors.Is(err, coordinator.ErrDriverBusy) {
					return res, err
				}
			} else {
				started = true
				res.Total = h.coord.View().Progress.Total
				h.progress.Start()
				h.progress.Update(h.coord.View(), "generating")
			}
			h.flush(&res)
			v = h.coord.View()
		}
		if started && v.State != model.CoordRunning {
			res.Downloaded = v.Session.Downloaded - baseline
			res.Generated = v.Session.Generated
			if res.Downloaded >= res.Generated {
				return res, nil
			}
			if drainDeadline == nil {
				h.progress.Update(v, "saving")
				t := time.NewTimer(h.drain)
				defer t.Stop()
				drainDeadline = t.C
			}
		}

		select {
		case <-ctx.Done():
			if started && h.coord.View().State == model.CoordRunning {
				_ = h.coord.Stop(context.Background())
				h.flush(&res)
			}
			return h.finish(res, baseline), ctx.Err()
		case <-ticker.C:
			if h.coord.ShouldPoll() {
				h.coord.SetConnection(h.checker.Check(ctx))
			}
		case <-connectDeadline.C:
			if !started {
				return res, fmt.Errorf("%w (status: %s)", errConnectTimeout, h.coord.View().Status)
			}
		case <-drainDeadline:
			return h.finish(res, baseline), nil
		case msg, ok := <-h.events:
			if !ok {
				return h.finish(res, baseline), errors.New("event stream closed")
			}
			wasRunning := h.coord.View().State == model.CoordRunning
			h.coord.Handle(ctx, msg)
			if _, isComplete := msg.(protocol.GenerationComplete); isComplete && wasRunning && h.coord.View().State != model.CoordRunning {
				res.Completed = true
			}
		case s := <-h.detached:
			if s.ID == h.coord.View().Surface.ID {
				h.coord.TransportLost()
			}
		}
		h.progress.Update(h.coord.View(), "")
		h.flush(&res)
	}
}

func (h *headlessRun) finish(res headlessResult, baseline int) headlessResult {
	v := h.coord.View()
	res.Generated = v.Session.Generated
	res.Downloaded = v.Session.Downloaded - baseline
	return res
}

func (h *headlessRun) flush(res *headlessResult) {
	for _, n := range h.coord.Notices() {
		if n.Level == coordinator.NoticeError {
			res.Errors++
		}
		h.progress.Note(n.Text)
		if h.notices != nil {
			fmt.Fprintf(h.notices, "%s: %s\n", n.Level, n.Text)
		}
	}
}
