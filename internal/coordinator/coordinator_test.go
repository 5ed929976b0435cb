package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgen/internal/model"
	"flowgen/internal/monitor"
	"flowgen/internal/protocol"
	"flowgen/internal/session"
)

type fakeSender struct {
	sent  []protocol.Message
	reply protocol.Reply
	err   error
}

func (f *fakeSender) Send(_ context.Context, _ string, msg protocol.Message) (protocol.Reply, error) {
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return protocol.Reply{}, f.err
	}
	if f.reply.Status == "" {
		return protocol.Reply{Status: protocol.StatusOK}, nil
	}
	return f.reply, nil
}

var connected = monitor.Result{
	Status:  model.ConnConnected,
	Surface: model.Surface{ID: "tab-1", URL: "https://labs.google/fx/tools/flow"},
}

func newCoordinator(t *testing.T, sender *fakeSender) (*Coordinator, *session.Store) {
	t.Helper()
	store := session.NewStore(session.NewFileKV(filepath.Join(t.TempDir(), "state.json")), nil)
	c := New(store, sender, WithRunIDs(func() string { return "run-1" }))
	require.NoError(t, c.Init(context.Background()))
	return c, store
}

func TestInitRestoresDefaults(t *testing.T) {
	c, _ := newCoordinator(t, &fakeSender{})
	v := c.View()
	assert.Equal(t, model.CoordConnecting, v.State)
	assert.Equal(t, 20, v.Session.Delay)
	assert.Equal(t, 1, v.Session.Repeat)
	assert.True(t, c.ShouldPoll())
}

func TestStartRequiresConnection(t *testing.T) {
	sender := &fakeSender{}
	c, _ := newCoordinator(t, sender)
	c.SetPrompts(context.Background(), "cat")
	c.SetConnection(monitor.Result{Status: model.ConnNotTargetSurface})

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, model.CoordReady, c.View().State)
	assert.Empty(t, sender.sent)
	notices := c.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeError, notices[0].Level)
}

func TestStartRequiresPrompts(t *testing.T) {
	sender := &fakeSender{}
	c, _ := newCoordinator(t, sender)
	c.SetPrompts(context.Background(), "\n  \n# only a comment\n")
	c.SetConnection(connected)

	assert.ErrorIs(t, c.Start(context.Background()), ErrNoPrompts)
	assert.Equal(t, model.CoordReady, c.View().State)
	assert.Empty(t, sender.sent)
}

func TestStartSendsCompiledQueue(t *testing.T) {
	sender := &fakeSender{}
	c, store := newCoordinator(t, sender)
	ctx := context.Background()
	c.SetPrompts(ctx, "cat\ndog\n\n# comment")
	c.SetRepeat(ctx, 2)
	c.SetDelay(ctx, 5)
	c.SetConnection(connected)

	require.NoError(t, c.Start(ctx))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, protocol.Generate{
		Prompts:  []string{"cat", "dog", "cat", "dog"},
		Settings: model.RunSettings{DelayMs: 5000},
		RunID:    "run-1",
	}, sender.sent[0])

	v := c.View()
	assert.Equal(t, model.CoordRunning, v.State)
	assert.Equal(t, model.RunRunning, v.Run)
	assert.Equal(t, model.ProgressCounter{Total: 4}, v.Progress)
	assert.False(t, v.CanStart)
	assert.True(t, v.CanStop)
	assert.False(t, c.ShouldPoll())

	require.NoError(t, c.Start(ctx))
	assert.Len(t, sender.sent, 1, "start while running is ignored")

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Repeat)
	assert.Equal(t, 5, saved.Delay)
}

func TestTransportFailureOnStartStaysReady(t *testing.T) {
	sender := &fakeSender{err: errors.New("no listener")}
	c, _ := newCoordinator(t, sender)
	c.SetPrompts(context.Background(), "cat")
	c.SetConnection(connected)

	require.Error(t, c.Start(context.Background()))
	v := c.View()
	assert.Equal(t, model.CoordReady, v.State)
	assert.False(t, v.Connected)
	assert.True(t, c.ShouldPoll())
}

func TestBusyDriverRejectsStart(t *testing.T) {
	sender := &fakeSender{reply: protocol.Reply{Status: protocol.StatusBusy}}
	c, _ := newCoordinator(t, sender)
	c.SetPrompts(context.Background(), "cat")
	c.SetConnection(connected)

	assert.ErrorIs(t, c.Start(context.Background()), ErrDriverBusy)
	assert.Equal(t, model.CoordReady, c.View().State)
}

func startedRun(t *testing.T) (*Coordinator, *fakeSender, *session.Store) {
	t.Helper()
	sender := &fakeSender{}
	c, store := newCoordinator(t, sender)
	c.SetPrompts(context.Background(), "a\nb")
	c.SetRepeat(context.Background(), 2)
	c.SetConnection(connected)
	require.NoError(t, c.Start(context.Background()))
	c.Notices()
	return c, sender, store
}

func TestProgressIsMonotonicAndScopedToRun(t *testing.T) {
	c, _, store := startedRun(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.Progress{Current: 2, Total: 4, RunID: "run-1"})
	c.Handle(ctx, protocol.Progress{Current: 1, Total: 4, RunID: "run-1"})
	c.Handle(ctx, protocol.Progress{Current: 3, Total: 4, RunID: "stale"})
	assert.Equal(t, model.ProgressCounter{Current: 2, Total: 4}, c.View().Progress)

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Generated)
}

func TestCompletionReturnsToReady(t *testing.T) {
	c, _, _ := startedRun(t)
	ctx := context.Background()
	c.Handle(ctx, protocol.Progress{Current: 4, Total: 4, RunID: "run-1"})
	c.Handle(ctx, protocol.DownloadComplete{Filename: "x.png", RunID: "run-1"})
	c.Handle(ctx, protocol.GenerationComplete{RunID: "run-1"})

	v := c.View()
	assert.Equal(t, model.CoordReady, v.State)
	assert.Equal(t, model.ProgressCounter{}, v.Progress)
	assert.Equal(t, 4, v.Session.Generated)
	assert.Equal(t, 1, v.Session.Downloaded)
	notices := c.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeSuccess, notices[0].Level)
}

func TestPerJobErrorKeepsRunning(t *testing.T) {
	c, _, _ := startedRun(t)
	c.Handle(context.Background(), protocol.ErrorReport{Error: "prompt 1 failed", RunID: "run-1"})
	assert.Equal(t, model.CoordRunning, c.View().State)
	require.Len(t, c.Notices(), 1)

	c.Handle(context.Background(), protocol.ErrorReport{Error: "generation halted", Fatal: true, RunID: "run-1"})
	assert.Equal(t, model.CoordReady, c.View().State)
}

func TestStopRoundTrip(t *testing.T) {
	c, sender, _ := startedRun(t)
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, protocol.Stop{}, sender.sent[len(sender.sent)-1])
	assert.Equal(t, model.CoordReady, c.View().State)

	c.Handle(context.Background(), protocol.Progress{Current: 3, Total: 4, RunID: "run-1"})
	assert.Equal(t, model.ProgressCounter{}, c.View().Progress)
}

func TestTransportLostEndsRun(t *testing.T) {
	c, _, _ := startedRun(t)
	c.TransportLost()
	v := c.View()
	assert.Equal(t, model.CoordReady, v.State)
	assert.False(t, v.Connected)
	assert.True(t, c.ShouldPoll())
}

func TestImportAndClear(t *testing.T) {
	c, store := newCoordinator(t, &fakeSender{})
	ctx := context.Background()
	c.SetPrompts(ctx, "cat")

	n := c.Import(ctx, "# header\ndog\n\n  bird  \n")
	assert.Equal(t, 2, n)
	assert.Equal(t, "cat\ndog\nbird", c.View().Session.Prompts)

	assert.Zero(t, c.Import(ctx, "\n# nothing\n"))

	c.Clear(ctx)
	assert.Equal(t, model.PersistedSession{}.Normalized(), c.View().Session)
	saved, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PersistedSession{}.Normalized(), saved)
}

func TestEditsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store := session.NewStore(session.NewFileKV(filepath.Join(dir, "state.json")), nil)
	first := New(store, &fakeSender{})
	require.NoError(t, first.Init(ctx))
	first.SetPrompts(ctx, "a\nb")
	first.SetDelay(ctx, 7)
	first.Close()

	second := New(store, &fakeSender{})
	require.NoError(t, second.Init(ctx))
	assert.Equal(t, "a\nb", second.View().Session.Prompts)
	assert.Equal(t, 7, second.View().Session.Delay)
	assert.Equal(t, model.CoordIdle, first.View().State)
}

func TestPreparedStartBlocksSecondStart(t *testing.T) {
	sender := &fakeSender{}
	c, _ := newCoordinator(t, sender)
	ctx := context.Background()
	c.SetPrompts(ctx, "cat")
	c.SetConnection(connected)

	req, err := c.PrepareStart()
	require.NoError(t, err)
	assert.Equal(t, "tab-1", req.SurfaceID)
	assert.Equal(t, []string{"cat"}, req.Message.Prompts)
	assert.True(t, c.Pending())
	assert.False(t, c.View().CanStart)

	_, err = c.PrepareStart()
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, model.CoordReady, c.View().State)
	assert.Empty(t, sender.sent)

	require.NoError(t, c.ApplyStart(ctx, req, protocol.Reply{Status: protocol.StatusOK}, nil))
	assert.False(t, c.Pending())
	v := c.View()
	assert.Equal(t, model.CoordRunning, v.State)
	assert.Equal(t, model.ProgressCounter{Total: 1}, v.Progress)
}

func TestStartReplyAfterSurfaceLostIsDropped(t *testing.T) {
	c, _ := newCoordinator(t, &fakeSender{})
	ctx := context.Background()
	c.SetPrompts(ctx, "cat")
	c.SetConnection(connected)

	req, err := c.PrepareStart()
	require.NoError(t, err)
	c.TransportLost()

	err = c.ApplyStart(ctx, req, protocol.Reply{Status: protocol.StatusOK}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, model.CoordReady, c.View().State)
	assert.False(t, c.Pending())
}

func TestStopInFlightReportsStopping(t *testing.T) {
	c, _, _ := startedRun(t)

	req, ok := c.PrepareStop()
	require.True(t, ok)
	assert.Equal(t, "run-1", req.RunID)
	v := c.View()
	assert.Equal(t, model.RunStopping, v.Run)
	assert.False(t, v.CanStop)
	assert.False(t, v.CanStart)

	_, ok = c.PrepareStop()
	assert.False(t, ok, "second stop while one is in flight")

	require.NoError(t, c.ApplyStop(req, nil))
	v = c.View()
	assert.Equal(t, model.CoordReady, v.State)
	assert.Equal(t, model.RunIdle, v.Run)
	notices := c.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "Generation stopped", notices[0].Text)
}

func TestStopReplyAfterCompletionIsQuiet(t *testing.T) {
	c, _, _ := startedRun(t)
	ctx := context.Background()

	req, ok := c.PrepareStop()
	require.True(t, ok)
	c.Handle(ctx, protocol.GenerationComplete{RunID: "run-1"})
	c.Notices()

	err := c.ApplyStop(req, errors.New("surface closed"))
	require.Error(t, err)
	assert.Equal(t, model.CoordReady, c.View().State)
	assert.Empty(t, c.Notices())
	assert.False(t, c.Pending())
}
