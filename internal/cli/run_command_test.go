package cli

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"flowgen/internal/bus"
	"flowgen/internal/coordinator"
	"flowgen/internal/model"
	"flowgen/internal/monitor"
	"flowgen/internal/protocol"
	"flowgen/internal/session"
)

type okSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (s *okSender) Send(_ context.Context, _ string, msg protocol.Message) (protocol.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return protocol.Reply{Status: protocol.StatusOK}, nil
}

func (s *okSender) types() []protocol.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Type, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Type())
	}
	return out
}

// gatedSender holds every send until release is closed.
type gatedSender struct {
	okSender
	release chan struct{}
}

func (s *gatedSender) Send(ctx context.Context, surfaceID string, msg protocol.Message) (protocol.Reply, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
	return s.okSender.Send(ctx, surfaceID, msg)
}

type staticChecker struct {
	calls int
}

func (c *staticChecker) Check(context.Context) monitor.Result {
	c.calls++
	return monitor.Result{Status: model.ConnConnected, Surface: flowSurface}
}

func newTestFlowModel(t *testing.T, prompts string) (flowModel, *okSender, *session.Store) {
	t.Helper()
	sender := &okSender{}
	m, store := newTestFlowModelWith(t, prompts, sender)
	return m, sender, store
}

func newTestFlowModelWith(t *testing.T, prompts string, sender bus.Sender) (flowModel, *session.Store) {
	t.Helper()
	ctx := context.Background()
	store := session.NewStore(session.NewFileKV(filepath.Join(t.TempDir(), "state.json")), nil)
	if prompts != "" {
		if err := store.Save(ctx, model.PersistedSession{Prompts: prompts}); err != nil {
			t.Fatal(err)
		}
	}
	coord := coordinator.New(store, sender)
	if err := coord.Init(ctx); err != nil {
		t.Fatal(err)
	}
	return newFlowModel(ctx, coord, &staticChecker{}, nil, nil, 0), store
}

// press sends a key and feeds the start or stop result it produces back into
// the model.
func press(t *testing.T, m flowModel, key tea.KeyMsg) (flowModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.updateMain(key)
	m = next.(flowModel)
	if cmd == nil {
		return m, nil
	}
	msg := cmd()
	switch msg.(type) {
	case startResultMsg, stopResultMsg:
		next, cmd = m.Update(msg)
		return next.(flowModel), cmd
	}
	return m, cmd
}

func connect(t *testing.T, m flowModel) flowModel {
	t.Helper()
	next, _ := m.Update(connectionMsg{result: monitor.Result{Status: model.ConnConnected, Surface: flowSurface}})
	return next.(flowModel)
}

func TestFlowTypingPersistsPrompts(t *testing.T) {
	m, _, store := newTestFlowModel(t, "")

	next, _ := m.updateMain(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("cat")})
	m2 := next.(flowModel)
	if got := m2.coord.View().Session.Prompts; got != "cat" {
		t.Fatalf("expected prompts cat, got %q", got)
	}
	sess, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sess.Prompts != "cat" {
		t.Fatalf("expected persisted prompts cat, got %q", sess.Prompts)
	}
}

func TestFlowTabMovesFocusAndEditsDelay(t *testing.T) {
	m, _, _ := newTestFlowModel(t, "")

	next, _ := m.updateMain(tea.KeyMsg{Type: tea.KeyTab})
	m2 := next.(flowModel)
	if m2.focus != flowFocusDelay {
		t.Fatalf("expected delay focus after tab, got %d", m2.focus)
	}
	m2.delay.SetValue("")
	next, _ = m2.updateMain(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'9'}})
	m3 := next.(flowModel)
	if got := m3.coord.View().Session.Delay; got != 9 {
		t.Fatalf("expected delay 9, got %d", got)
	}

	m3.delay.SetValue("")
	next, _ = m3.updateMain(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})
	m4 := next.(flowModel)
	if m4.inputErr == "" {
		t.Fatal("expected an input error for a non-numeric delay")
	}
	if got := m4.coord.View().Session.Delay; got != 9 {
		t.Fatalf("invalid input must keep delay 9, got %d", got)
	}

	next, _ = m4.updateMain(tea.KeyMsg{Type: tea.KeyShiftTab})
	if next.(flowModel).focus != flowFocusPrompts {
		t.Fatalf("expected prompts focus after shift+tab, got %d", next.(flowModel).focus)
	}
}

func TestFlowStartRequiresConnection(t *testing.T) {
	m, sender, _ := newTestFlowModel(t, "cat")

	next, _ := m.updateMain(tea.KeyMsg{Type: tea.KeyCtrlS})
	m2 := next.(flowModel)
	if m2.toast.Level != coordinator.NoticeError {
		t.Fatalf("expected error toast, got %+v", m2.toast)
	}
	if len(sender.types()) != 0 {
		t.Fatalf("nothing should be sent while disconnected, got %v", sender.types())
	}
}

func TestFlowStartStopRoundTrip(t *testing.T) {
	m, sender, _ := newTestFlowModel(t, "cat\ndog")
	m = connect(t, m)

	m2, _ := press(t, m, tea.KeyMsg{Type: tea.KeyCtrlS})
	if m2.coord.View().State != model.CoordRunning {
		t.Fatalf("expected running, got %s", m2.coord.View().State)
	}

	next, _ := m2.updateMain(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	m3 := next.(flowModel)
	if got := m3.coord.View().Session.Prompts; got != "cat\ndog" {
		t.Fatalf("edits must be ignored while running, got %q", got)
	}

	next, cmd := m3.Update(monitorTickMsg{})
	m4 := next.(flowModel)
	if m4.checking {
		t.Fatal("monitor must not check while running")
	}
	if cmd == nil {
		t.Fatal("expected the next tick to be scheduled")
	}

	next, _ = m4.Update(busEventMsg{msg: protocol.Progress{Current: 1, Total: 2}})
	m5 := next.(flowModel)
	if p := m5.coord.View().Progress; p.Current != 1 || p.Total != 2 {
		t.Fatalf("unexpected progress: %+v", p)
	}

	m6, _ := press(t, m5, tea.KeyMsg{Type: tea.KeyCtrlX})
	if m6.coord.View().State != model.CoordReady {
		t.Fatalf("expected ready after stop, got %s", m6.coord.View().State)
	}
	got := sender.types()
	if len(got) != 2 || got[0] != protocol.TypeGenerate || got[1] != protocol.TypeStop {
		t.Fatalf("unexpected sent messages: %v", got)
	}
}

func TestFlowTickChecksWhenDisconnected(t *testing.T) {
	m, _, _ := newTestFlowModel(t, "")

	next, cmd := m.Update(monitorTickMsg{})
	m2 := next.(flowModel)
	if !m2.checking || cmd == nil {
		t.Fatal("expected a connection check to be scheduled")
	}
	next, _ = m2.Update(monitorTickMsg{})
	if !next.(flowModel).checking {
		t.Fatal("a second tick must not start an overlapping check")
	}

	m3 := connect(t, next.(flowModel))
	if m3.checking || !m3.coord.Connected() {
		t.Fatalf("expected connected and idle monitor, checking=%v", m3.checking)
	}
}

func TestFlowSurfaceDetachEndsRun(t *testing.T) {
	m, _, _ := newTestFlowModel(t, "cat")
	m, _ = press(t, connect(t, m), tea.KeyMsg{Type: tea.KeyCtrlS})

	next, _ := m.Update(surfaceDetachedMsg{surface: model.Surface{ID: "other"}})
	if next.(flowModel).coord.View().State != model.CoordRunning {
		t.Fatal("detach of another surface must not end the run")
	}
	next, _ = next.(flowModel).Update(surfaceDetachedMsg{surface: flowSurface})
	m2 := next.(flowModel)
	if m2.coord.View().State != model.CoordReady || m2.coord.Connected() {
		t.Fatalf("expected ready and disconnected, got %s", m2.coord.View().State)
	}
	if m2.toast.Level != coordinator.NoticeWarning {
		t.Fatalf("expected warning toast, got %+v", m2.toast)
	}
}

func TestFlowQuitStopsRunningGeneration(t *testing.T) {
	m, sender, _ := newTestFlowModel(t, "cat")
	m, _ = press(t, connect(t, m), tea.KeyMsg{Type: tea.KeyCtrlS})

	m2, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected quit after the stop was delivered")
	}
	if m2.coord.View().State != model.CoordIdle {
		t.Fatalf("expected idle after quit, got %s", m2.coord.View().State)
	}
	got := sender.types()
	if len(got) != 2 || got[1] != protocol.TypeStop {
		t.Fatalf("expected STOP before quit, got %v", got)
	}
}

func TestFlowStartDoesNotBlockWhileSending(t *testing.T) {
	sender := &gatedSender{release: make(chan struct{})}
	m, _ := newTestFlowModelWith(t, "cat", sender)
	m = connect(t, m)

	type updated struct {
		m   flowModel
		cmd tea.Cmd
	}
	done := make(chan updated, 1)
	go func() {
		next, cmd := m.updateMain(tea.KeyMsg{Type: tea.KeyCtrlS})
		done <- updated{m: next.(flowModel), cmd: cmd}
	}()
	var u updated
	select {
	case u = <-done:
	case <-time.After(2 * time.Second):
		close(sender.release)
		t.Fatal("update blocked on the page reply")
	}
	if u.cmd == nil {
		t.Fatal("expected a delivery command")
	}
	v := u.m.coord.View()
	if v.State != model.CoordReady || !u.m.coord.Pending() || v.CanStart {
		t.Fatalf("expected a pending start, got state=%s pending=%v", v.State, u.m.coord.Pending())
	}
	if !strings.Contains(u.m.View(), "starting") {
		t.Fatal("expected the run panel to show the pending start")
	}

	next, cmd := u.m.updateMain(tea.KeyMsg{Type: tea.KeyCtrlS})
	if cmd != nil {
		t.Fatal("a second start must wait for the first reply")
	}
	next, _ = next.(flowModel).updateMain(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if got := next.(flowModel).coord.View().Session.Prompts; got != "cat" {
		t.Fatalf("edits must be ignored while a start is pending, got %q", got)
	}

	result := make(chan tea.Msg, 1)
	go func() { result <- u.cmd() }()
	select {
	case <-result:
		t.Fatal("delivery returned before the page replied")
	case <-time.After(20 * time.Millisecond):
	}
	close(sender.release)
	msg := <-result
	next, _ = next.(flowModel).Update(msg)
	m2 := next.(flowModel)
	if m2.coord.View().State != model.CoordRunning || m2.coord.Pending() {
		t.Fatalf("expected running after the reply, got %s", m2.coord.View().State)
	}
	if got := sender.types(); len(got) != 1 || got[0] != protocol.TypeGenerate {
		t.Fatalf("expected a single GENERATE, got %v", got)
	}
}

func TestFlowStopShowsStoppingUntilReply(t *testing.T) {
	m, _, _ := newTestFlowModel(t, "cat")
	m, _ = press(t, connect(t, m), tea.KeyMsg{Type: tea.KeyCtrlS})

	next, cmd := m.updateMain(tea.KeyMsg{Type: tea.KeyCtrlX})
	m2 := next.(flowModel)
	if cmd == nil {
		t.Fatal("expected a delivery command")
	}
	if got := m2.coord.View().Run; got != model.RunStopping {
		t.Fatalf("expected stopping, got %s", got)
	}
	if !strings.Contains(m2.View(), "stopping") {
		t.Fatal("expected the run panel to show the pending stop")
	}
	if _, again := m2.updateMain(tea.KeyMsg{Type: tea.KeyCtrlX}); again != nil {
		t.Fatal("a second stop must wait for the first reply")
	}

	next, _ = m2.Update(cmd())
	if got := next.(flowModel).coord.View().Run; got != model.RunIdle {
		t.Fatalf("expected idle after the stop reply, got %s", got)
	}
}
