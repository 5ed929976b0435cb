package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgen/internal/metrics"
	"flowgen/internal/model"
	"flowgen/internal/protocol"
)

type recorder struct {
	mu      sync.Mutex
	msgs    []protocol.Message
	onEvent func(protocol.Message)
}

func (r *recorder) Publish(msg protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	hook := r.onEvent
	r.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
}

func (r *recorder) all() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recorder) ofType(t protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range r.all() {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeUI struct {
	mu        sync.Mutex
	submitted []string
	at        []time.Time
	fail      map[int]error
	block     chan struct{}
}

func (f *fakeUI) Submit(_ context.Context, job model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, job.Prompt)
	f.at = append(f.at, time.Now())
	return nil
}

func (f *fakeUI) AwaitArtifact(ctx context.Context, job model.Job) (model.Artifact, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return model.Artifact{}, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.fail[job.Sequence]
	f.mu.Unlock()
	if err != nil {
		return model.Artifact{}, err
	}
	return model.Artifact{SourceURL: "https://cdn.example/" + job.Prompt + ".png"}, nil
}

func (f *fakeUI) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func generate(prompts ...string) protocol.Generate {
	return protocol.Generate{Prompts: prompts, RunID: "run-1"}
}

func waitDone(t *testing.T, d *Driver) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestPingReportsOK(t *testing.T) {
	d := New(&fakeUI{}, &recorder{})
	reply, err := d.Handle(context.Background(), protocol.Ping{})
	require.NoError(t, err)
	assert.True(t, reply.OK())
}

func TestRunCompletesInOrder(t *testing.T) {
	ui := &fakeUI{}
	pub := &recorder{}
	m := metrics.New()
	d := New(ui, pub, WithMetrics(m))

	reply, err := d.Handle(context.Background(), generate("cat", "dog", "cat", "dog"))
	require.NoError(t, err)
	require.True(t, reply.OK())
	waitDone(t, d)

	assert.Equal(t, model.DriverCompleted, d.State())
	assert.Equal(t, []string{"cat", "dog", "cat", "dog"}, ui.prompts())

	msgs := pub.all()
	require.Len(t, msgs, 9)
	assert.Equal(t, protocol.Progress{Current: 1, Total: 4, RunID: "run-1"}, msgs[0])
	assert.Equal(t, protocol.Download{URL: "https://cdn.example/cat.png", RunID: "run-1"}, msgs[1])
	assert.Equal(t, protocol.GenerationComplete{RunID: "run-1"}, msgs[8])
}

func TestProgressIsMonotonic(t *testing.T) {
	ui := &fakeUI{fail: map[int]error{1: ErrJobFailed}}
	pub := &recorder{}
	d := New(ui, pub)

	_, err := d.Handle(context.Background(), generate("a", "b", "c", "d"))
	require.NoError(t, err)
	waitDone(t, d)

	last := 0
	for _, m := range pub.ofType(protocol.TypeProgress) {
		p := m.(protocol.Progress)
		assert.GreaterOrEqual(t, p.Current, last)
		last = p.Current
	}
	assert.Equal(t, 3, last)
}

func TestFailedJobIsSkipped(t *testing.T) {
	ui := &fakeUI{fail: map[int]error{0: errors.New("detection timeout")}}
	pub := &recorder{}
	d := New(ui, pub)

	_, err := d.Handle(context.Background(), generate("a", "b"))
	require.NoError(t, err)
	waitDone(t, d)

	assert.Equal(t, model.DriverCompleted, d.State())
	assert.Equal(t, []string{"a", "b"}, ui.prompts())
	require.Len(t, pub.ofType(protocol.TypeError), 1)
	assert.Len(t, pub.ofType(protocol.TypeDownload), 1)
	assert.Len(t, pub.ofType(protocol.TypeGenerationComplete), 1)
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	ui := &fakeUI{block: make(chan struct{})}
	pub := &recorder{}
	d := New(ui, pub)

	_, err := d.Handle(context.Background(), generate("a"))
	require.NoError(t, err)

	reply, err := d.Handle(context.Background(), protocol.Generate{Prompts: []string{"b"}, RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusBusy, reply.Status)
	assert.Equal(t, model.DriverRunning, d.State())
	errs := pub.ofType(protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, "run-2", errs[0].(protocol.ErrorReport).RunID)

	close(ui.block)
	waitDone(t, d)
	assert.Equal(t, []string{"a"}, ui.prompts())
}

func TestStopAfterTwoOfFour(t *testing.T) {
	ui := &fakeUI{}
	pub := &recorder{}
	d := New(ui, pub)
	pub.onEvent = func(m protocol.Message) {
		if p, ok := m.(protocol.Progress); ok && p.Current == 2 {
			_, _ = d.Handle(context.Background(), protocol.Stop{})
		}
	}

	_, err := d.Handle(context.Background(), protocol.Generate{
		Prompts:  []string{"a", "b", "c", "d"},
		Settings: model.RunSettings{DelayMs: 50},
		RunID:    "run-1",
	})
	require.NoError(t, err)
	waitDone(t, d)

	assert.Equal(t, model.DriverStopped, d.State())
	assert.Equal(t, []string{"a", "b"}, ui.prompts())
	progress := pub.ofType(protocol.TypeProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, 2, progress[1].(protocol.Progress).Current)
	assert.Empty(t, pub.ofType(protocol.TypeGenerationComplete))
}

func TestDelayBetweenSubmissions(t *testing.T) {
	ui := &fakeUI{}
	d := New(ui, &recorder{})

	_, err := d.Handle(context.Background(), protocol.Generate{
		Prompts:  []string{"a", "b", "c"},
		Settings: model.RunSettings{DelayMs: 40},
	})
	require.NoError(t, err)
	waitDone(t, d)

	require.Len(t, ui.at, 3)
	for i := 1; i < len(ui.at); i++ {
		assert.GreaterOrEqual(t, ui.at[i].Sub(ui.at[i-1]), 40*time.Millisecond)
	}
}

func TestSurfaceClosedFailsRun(t *testing.T) {
	ui := &fakeUI{fail: map[int]error{0: ErrSurfaceClosed}}
	pub := &recorder{}
	d := New(ui, pub)

	_, err := d.Handle(context.Background(), generate("a", "b"))
	require.NoError(t, err)
	waitDone(t, d)

	assert.Equal(t, model.DriverFailed, d.State())
	assert.Equal(t, []string{"a"}, ui.prompts())
	assert.Len(t, pub.ofType(protocol.TypeError), 1)
	assert.Empty(t, pub.ofType(protocol.TypeGenerationComplete))

	ui.mu.Lock()
	ui.fail = nil
	ui.mu.Unlock()
	reply, err := d.Handle(context.Background(), generate("c"))
	require.NoError(t, err)
	assert.True(t, reply.OK())
	waitDone(t, d)
	assert.Equal(t, model.DriverCompleted, d.State())
	assert.Equal(t, []string{"a", "c"}, ui.prompts())
	assert.Len(t, pub.ofType(protocol.TypeGenerationComplete), 1)
}

func TestCloseAbortsRun(t *testing.T) {
	ui := &fakeUI{block: make(chan struct{})}
	d := New(ui, &recorder{})
	_, err := d.Handle(context.Background(), generate("a"))
	require.NoError(t, err)

	d.Close()
	assert.Equal(t, model.DriverFailed, d.State())
}
