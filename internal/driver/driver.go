// Package driver runs a compiled job queue against the target UI on the
// execution surface. It is observable only through protocol messages: it
// answers PING, GENERATE and STOP and publishes PROGRESS, DOWNLOAD, ERROR and
// GENERATION_COMPLETE.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"flowgen/internal/bus"
	"flowgen/internal/metrics"
	"flowgen/internal/model"
	"flowgen/internal/observability"
	"flowgen/internal/protocol"
)

var (
	// ErrJobFailed marks a job the target UI did not turn into an artifact.
	// The run skips the job and continues.
	ErrJobFailed = errors.New("job produced no artifact")
	// ErrSurfaceClosed means the page driving the target UI is gone. The run
	// cannot continue.
	ErrSurfaceClosed = errors.New("execution surface closed")
)

// TargetUI is the page-specific boundary: submitting a prompt and detecting
// the artifact it produced.
type TargetUI interface {
	Submit(ctx context.Context, job model.Job) error
	AwaitArtifact(ctx context.Context, job model.Job) (model.Artifact, error)
}

type Option func(*Driver)

func WithLogger(log *zap.Logger) Option {
	return func(d *Driver) {
		d.log = observability.OrNop(log)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) {
		d.metrics = m
	}
}

type Driver struct {
	ui      TargetUI
	pub     bus.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  model.DriverState
	runID  string
	done   chan struct{}
	wake   chan struct{}
	stop   atomic.Bool
	closed bool
}

func New(ui TargetUI, pub bus.Publisher, opts ...Option) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		ui:     ui,
		pub:    pub,
		log:    zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		state:  model.DriverIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Driver) State() model.DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed when the current (or last) run ends. It is nil before the
// first run.
func (d *Driver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Handle is the bus handler for control->execution messages.
func (d *Driver) Handle(_ context.Context, msg protocol.Message) (protocol.Reply, error) {
	switch m := msg.(type) {
	case protocol.Ping:
		return protocol.Reply{Status: protocol.StatusOK}, nil
	case protocol.Generate:
		return d.start(m), nil
	case protocol.Stop:
		d.requestStop()
		return protocol.Reply{Status: protocol.StatusOK}, nil
	default:
		return protocol.Reply{}, fmt.Errorf("driver does not accept %s", msg.Type())
	}
}

func (d *Driver) start(m protocol.Generate) protocol.Reply {
	d.mu.Lock()
	if d.state == model.DriverRunning || d.closed {
		running := d.runID
		d.mu.Unlock()
		d.log.Warn("generate rejected, run in progress", zap.String("run", running))
		d.pub.Publish(protocol.ErrorReport{Error: "generation already running", RunID: m.RunID})
		return protocol.Reply{Status: protocol.StatusBusy}
	}
	if err := model.TransitionDriver(&d.state, model.DriverRunning); err != nil {
		d.mu.Unlock()
		d.pub.Publish(protocol.ErrorReport{Error: err.Error(), RunID: m.RunID})
		return protocol.Reply{Status: protocol.StatusBusy}
	}
	jobs := make([]model.Job, 0, len(m.Prompts))
	for i, p := range m.Prompts {
		jobs = append(jobs, model.Job{Prompt: p, Sequence: i})
	}
	done := make(chan struct{})
	wake := make(chan struct{})
	d.runID = m.RunID
	d.done = done
	d.wake = wake
	d.stop.Store(false)
	d.mu.Unlock()

	d.metrics.RunStarted()
	d.log.Info("run started",
		zap.String("run", m.RunID),
		zap.Int("jobs", len(jobs)),
		zap.Int("delay_ms", m.Settings.DelayMs))
	go d.run(m.RunID, jobs, m.Settings, done, wake)
	return protocol.Reply{Status: protocol.StatusOK}
}

func (d *Driver) requestStop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != model.DriverRunning {
		return
	}
	if d.stop.CompareAndSwap(false, true) {
		close(d.wake)
		d.log.Info("stop requested", zap.String("run", d.runID))
	}
}

func (d *Driver) run(runID string, jobs []model.Job, settings model.RunSettings, done, wake chan struct{}) {
	defer close(done)
	ctx := d.ctx
	delay := time.Duration(max(settings.DelayMs, 0)) * time.Millisecond
	total := len(jobs)
	current := 0

	for i, job := range jobs {
		if d.stop.Load() {
			d.finish(runID, model.DriverStopped)
			return
		}
		if i > 0 && !pause(ctx, delay, wake) {
			if ctx.Err() != nil {
				d.fail(runID, ctx.Err())
				return
			}
			d.finish(runID, model.DriverStopped)
			return
		}

		art, err := d.runJob(ctx, job)
		if err != nil {
			if errors.Is(err, ErrSurfaceClosed) || ctx.Err() != nil {
				d.fail(runID, err)
				return
			}
			d.metrics.JobDone("failed")
			d.log.Warn("job skipped", zap.String("run", runID), zap.Int("sequence", job.Sequence), zap.Error(err))
			d.pub.Publish(protocol.ErrorReport{
				Error: fmt.Sprintf("prompt %d failed: %v", job.Sequence+1, err),
				RunID: runID,
			})
			continue
		}

		d.metrics.JobDone("ok")
		if !d.stop.Load() {
			current++
			d.pub.Publish(protocol.Progress{Current: current, Total: total, RunID: runID})
		}
		d.pub.Publish(protocol.Download{URL: art.SourceURL, Filename: art.SuggestedName, RunID: runID})
	}

	if d.stop.Load() {
		d.finish(runID, model.DriverStopped)
		return
	}
	d.finish(runID, model.DriverCompleted)
	d.pub.Publish(protocol.GenerationComplete{RunID: runID})
}

func (d *Driver) runJob(ctx context.Context, job model.Job) (model.Artifact, error) {
	if err := d.ui.Submit(ctx, job); err != nil {
		return model.Artifact{}, fmt.Errorf("submit: %w", err)
	}
	art, err := d.ui.AwaitArtifact(ctx, job)
	if err != nil {
		return model.Artifact{}, err
	}
	if art.SourceURL == "" {
		return model.Artifact{}, ErrJobFailed
	}
	return art, nil
}

func (d *Driver) fail(runID string, cause error) {
	d.log.Error("run failed", zap.String("run", runID), zap.Error(cause))
	d.finish(runID, model.DriverFailed)
	d.pub.Publish(protocol.ErrorReport{Error: fmt.Sprintf("generation halted: %v", cause), Fatal: true, RunID: runID})
}

func (d *Driver) finish(runID string, to model.DriverState) {
	d.mu.Lock()
	err := model.TransitionDriver(&d.state, to)
	d.mu.Unlock()
	if err != nil {
		d.log.Error("finish run", zap.String("run", runID), zap.Error(err))
	}
	d.metrics.RunEnded()
	d.log.Info("run ended", zap.String("run", runID), zap.String("state", string(to)))
}

// Close aborts any run in progress and waits for it to end.
func (d *Driver) Close() {
	d.mu.Lock()
	d.closed = true
	done := d.done
	d.mu.Unlock()
	d.cancel()
	if done != nil {
		<-done
	}
}

// pause waits for delay. It reports false when woken by STOP or ctx.
func pause(ctx context.Context, delay time.Duration, wake <-chan struct{}) bool {
	if delay <= 0 {
		select {
		case <-wake:
			return false
		default:
			return ctx.Err() == nil
		}
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-wake:
		return false
	case <-ctx.Done():
		return false
	}
}
