// Package coordinator is the control-surface state machine. It is owned by a
// single event loop and takes no locks: every method must be called from that
// loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowgen/internal/bus"
	"flowgen/internal/compiler"
	"flowgen/internal/model"
	"flowgen/internal/monitor"
	"flowgen/internal/observability"
	"flowgen/internal/protocol"
	"flowgen/internal/session"
)

var (
	ErrNotConnected = errors.New("not connected to the target page")
	ErrNoPrompts    = errors.New("no prompts to generate")
	ErrDriverBusy   = errors.New("driver is already running a generation")
	ErrInFlight     = errors.New("a run is active or a request is in flight")
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

type Notice struct {
	Level NoticeLevel
	Text  string
}

// View is what a front end renders.
type View struct {
	State     model.CoordinatorState
	Run       model.RunState
	Connected bool
	Status    model.ConnectionStatus
	Surface   model.Surface
	Session   model.PersistedSession
	Progress  model.ProgressCounter
	Summary   compiler.Summary
	CanStart  bool
	CanStop   bool
}

type Option func(*Coordinator)

func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = observability.OrNop(log) }
}

func WithRunIDs(next func() string) Option {
	return func(c *Coordinator) {
		if next != nil {
			c.nextRunID = next
		}
	}
}

type Coordinator struct {
	store     *session.Store
	sender    bus.Sender
	log       *zap.Logger
	nextRunID func() string

	state     model.CoordinatorState
	sess      model.PersistedSession
	status    model.ConnectionStatus
	surface   model.Surface
	runID     string
	progress  model.ProgressCounter
	notices   []Notice
	starting  bool
	stopping  bool
}

func New(store *session.Store, sender bus.Sender, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		sender:    sender,
		log:       zap.NewNop(),
		nextRunID: uuid.NewString,
		state:     model.CoordIdle,
		status:    model.ConnDisconnected,
		sess:      model.PersistedSession{}.Normalized(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Init restores the saved session and starts waiting for a connection.
func (c *Coordinator) Init(ctx context.Context) error {
	sess, err := c.store.Load(ctx)
	c.sess = sess
	if err != nil {
		c.log.Warn("session restore failed, using defaults", zap.Error(err))
		c.notify(NoticeWarning, "Saved session could not be restored")
	}
	return c.transition(model.CoordConnecting)
}

// SetConnection records a connection monitor result.
func (c *Coordinator) SetConnection(res monitor.Result) {
	c.status = res.Status
	if res.Surface.ID != "" {
		c.surface = res.Surface
	}
	if c.state == model.CoordConnecting {
		_ = c.transition(model.CoordReady)
	}
}

func (c *Coordinator) Connected() bool {
	return c.status == model.ConnConnected
}

// ShouldPoll reports whether the connection monitor may run now.
func (c *Coordinator) ShouldPoll() bool {
	return monitor.ShouldPoll(c.state == model.CoordRunning, c.Connected())
}

// StartRequest is a GENERATE that passed validation and is waiting to be
// delivered.
type StartRequest struct {
	SurfaceID string
	Message   protocol.Generate
	jobs      int
}

// StopRequest is a STOP waiting to be delivered for the run it names.
type StopRequest struct {
	SurfaceID string
	RunID     string
}

// Start compiles the queue and sends GENERATE. A rejected start leaves every
// field untouched and surfaces a notice.
func (c *Coordinator) Start(ctx context.Context) error {
	req, err := c.PrepareStart()
	if errors.Is(err, ErrInFlight) {
		return nil
	}
	if err != nil {
		return err
	}
	reply, sendErr := c.Deliver(ctx, req.SurfaceID, req.Message)
	return c.ApplyStart(ctx, req, reply, sendErr)
}

// PrepareStart validates the session and builds the GENERATE message. Until
// ApplyStart is called no second start is accepted.
func (c *Coordinator) PrepareStart() (StartRequest, error) {
	if c.state == model.CoordRunning || c.starting || c.stopping {
		return StartRequest{}, ErrInFlight
	}
	if c.state != model.CoordReady || !c.Connected() {
		c.notify(NoticeError, "Not connected. Open the Flow page and wait for the connection.")
		return StartRequest{}, ErrNotConnected
	}
	jobs := compiler.Compile(c.sess.Prompts, c.sess.Repeat)
	if len(jobs) == 0 {
		c.notify(NoticeError, "Please enter at least one prompt.")
		return StartRequest{}, ErrNoPrompts
	}
	c.starting = true
	return StartRequest{
		SurfaceID: c.surface.ID,
		Message: protocol.Generate{
			Prompts:  compiler.PromptList(jobs),
			Settings: c.sess.Settings(),
			RunID:    c.nextRunID(),
		},
		jobs: len(jobs),
	}, nil
}

// Deliver sends msg to the execution surface. It touches no coordinator state
// and is the one method that may run off the owning loop.
func (c *Coordinator) Deliver(ctx context.Context, surfaceID string, msg protocol.Message) (protocol.Reply, error) {
	return c.sender.Send(ctx, surfaceID, msg)
}

// ApplyStart records the outcome of delivering a prepared start.
func (c *Coordinator) ApplyStart(ctx context.Context, req StartRequest, reply protocol.Reply, err error) error {
	c.starting = false
	runID := req.Message.RunID
	if err != nil {
		c.status = model.ConnDisconnected
		c.notify(NoticeError, "Not connected. Refresh the Flow page.")
		c.log.Warn("generate not delivered", zap.String("surface", req.SurfaceID), zap.Error(err))
		return fmt.Errorf("send generate: %w", err)
	}
	if !reply.OK() {
		c.notify(NoticeWarning, "A generation is already running on the page.")
		return ErrDriverBusy
	}
	if c.state != model.CoordReady || !c.Connected() || c.surface.ID != req.SurfaceID {
		c.log.Warn("generate accepted after the page went away", zap.String("run", runID))
		c.notify(NoticeError, "Connection to the page was lost")
		return ErrNotConnected
	}

	c.runID = runID
	c.progress = model.ProgressCounter{Total: req.jobs}
	c.sess.Generated = 0
	c.persist(ctx)
	_ = c.transition(model.CoordRunning)
	c.notify(NoticeInfo, fmt.Sprintf("Generating %d images...", req.jobs))
	c.log.Info("run started", zap.String("run", runID), zap.Int("jobs", req.jobs))
	return nil
}

// Stop sends STOP and returns to Ready without waiting for the driver.
func (c *Coordinator) Stop(ctx context.Context) error {
	req, ok := c.PrepareStop()
	if !ok {
		return nil
	}
	_, err := c.Deliver(ctx, req.SurfaceID, protocol.Stop{})
	return c.ApplyStop(req, err)
}

// PrepareStop marks the current run as stopping. It reports false when there
// is no run to stop or a stop is already in flight.
func (c *Coordinator) PrepareStop() (StopRequest, bool) {
	if c.state != model.CoordRunning || c.stopping {
		return StopRequest{}, false
	}
	c.stopping = true
	return StopRequest{SurfaceID: c.surface.ID, RunID: c.runID}, true
}

// ApplyStop ends the run named by req unless it already ended while the STOP
// was in flight.
func (c *Coordinator) ApplyStop(req StopRequest, err error) error {
	c.stopping = false
	var sendErr error
	if err != nil {
		c.log.Warn("stop not delivered", zap.String("run", req.RunID), zap.Error(err))
		sendErr = fmt.Errorf("send stop: %w", err)
	}
	if req.RunID != "" && c.current(req.RunID) {
		c.endRun()
		c.notify(NoticeInfo, "Generation stopped")
	}
	return sendErr
}

// Pending reports whether a start or stop is waiting for its reply.
func (c *Coordinator) Pending() bool {
	return c.starting || c.stopping
}

// Handle applies an execution->control or dispatcher event.
func (c *Coordinator) Handle(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Progress:
		if !c.current(m.RunID) || m.Current < c.progress.Current {
			return
		}
		c.progress = model.ProgressCounter{Current: m.Current, Total: m.Total}
		c.sess.Generated = m.Current
		c.persist(ctx)
	case protocol.DownloadComplete:
		c.sess.Downloaded++
		c.persist(ctx)
	case protocol.GenerationComplete:
		if !c.current(m.RunID) {
			return
		}
		c.endRun()
		c.notify(NoticeSuccess, "Generation complete!")
	case protocol.ErrorReport:
		if m.RunID != "" && m.RunID != c.runID {
			return
		}
		c.notify(NoticeError, m.Error)
		if m.Fatal && c.current(m.RunID) {
			c.endRun()
		}
	case protocol.Ping, protocol.Generate, protocol.Stop, protocol.Download:
		// control->execution and dispatcher input; not for the coordinator.
	}
}

// TransportLost ends a run whose execution surface went away.
func (c *Coordinator) TransportLost() {
	c.status = model.ConnDisconnected
	if c.state != model.CoordRunning {
		return
	}
	c.endRun()
	c.notify(NoticeWarning, "Connection to the page was lost")
}

func (c *Coordinator) current(runID string) bool {
	return c.state == model.CoordRunning && (runID == "" || runID == c.runID)
}

func (c *Coordinator) endRun() {
	c.log.Info("run ended", zap.String("run", c.runID), zap.Int("generated", c.sess.Generated))
	c.runID = ""
	c.progress = model.ProgressCounter{}
	_ = c.transition(model.CoordReady)
}

func (c *Coordinator) SetPrompts(ctx context.Context, text string) {
	c.sess.Prompts = text
	c.persist(ctx)
}

// SetDelay takes seconds, as edited by the user.
func (c *Coordinator) SetDelay(ctx context.Context, seconds int) {
	c.sess.Delay = seconds
	c.sess = c.sess.Normalized()
	c.persist(ctx)
}

func (c *Coordinator) SetRepeat(ctx context.Context, n int) {
	c.sess.Repeat = n
	c.sess = c.sess.Normalized()
	c.persist(ctx)
}

// Import merges the prompts of a prompt file into the editor text and returns
// how many were added.
func (c *Coordinator) Import(ctx context.Context, content string) int {
	prompts := compiler.ParseImport(content)
	if len(prompts) == 0 {
		c.notify(NoticeWarning, "No prompts found in file")
		return 0
	}
	c.sess.Prompts = compiler.MergeImport(c.sess.Prompts, prompts)
	c.persist(ctx)
	c.notify(NoticeSuccess, fmt.Sprintf("Imported %d prompts", len(prompts)))
	return len(prompts)
}

// Clear deletes the saved session and resets the editor and counters.
func (c *Coordinator) Clear(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.log.Warn("session clear failed", zap.Error(err))
		c.notify(NoticeError, "Could not clear saved session")
		return
	}
	c.sess = model.PersistedSession{}.Normalized()
	c.notify(NoticeInfo, "Cleared")
}

// Close returns the coordinator to Idle.
func (c *Coordinator) Close() {
	if c.state != model.CoordIdle {
		_ = c.transition(model.CoordIdle)
	}
}

// Notices returns and clears pending notices.
func (c *Coordinator) Notices() []Notice {
	out := c.notices
	c.notices = nil
	return out
}

func (c *Coordinator) View() View {
	running := c.state == model.CoordRunning
	summary := compiler.Summarize(c.sess.Prompts, c.sess.Repeat)
	return View{
		State:     c.state,
		Run:       model.RunStateOf(c.state, c.stopping),
		Connected: c.Connected(),
		Status:    c.status,
		Surface:   c.surface,
		Session:   c.sess,
		Progress:  c.progress,
		Summary:   summary,
		CanStart:  c.state == model.CoordReady && c.Connected() && summary.Total > 0 && !c.Pending(),
		CanStop:   running && !c.stopping,
	}
}

func (c *Coordinator) persist(ctx context.Context) {
	if err := c.store.Save(ctx, c.sess); err != nil {
		c.log.Warn("session save failed", zap.Error(err))
		c.notify(NoticeWarning, "Could not save session")
	}
}

func (c *Coordinator) notify(level NoticeLevel, text string) {
	c.notices = append(c.notices, Notice{Level: level, Text: text})
}

func (c *Coordinator) transition(to model.CoordinatorState) error {
	from := c.state
	if err := model.TransitionCoordinator(&c.state, to); err != nil {
		c.log.Error("coordinator transition rejected", zap.Error(err))
		return err
	}
	c.log.Debug("coordinator state", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}
