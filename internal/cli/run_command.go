package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"flowgen/internal/config"
	"flowgen/internal/coordinator"
	"flowgen/internal/model"
	"flowgen/internal/monitor"
	"flowgen/internal/protocol"
)

type flowFocus int

const (
	flowFocusPrompts flowFocus = iota
	flowFocusDelay
	flowFocusRepeat
	flowFocusCount
)

const (
	sendTimeout   = 5 * time.Second
	toastDuration = 4 * time.Second
)

type flowModel struct {
	ctx      context.Context
	coord    *coordinator.Coordinator
	checker  connectionChecker
	events   <-chan protocol.Message
	detached <-chan model.Surface
	interval time.Duration

	prompts    textarea.Model
	delay      textinput.Model
	repeat     textinput.Model
	importPath textinput.Model
	bar        progress.Model
	focus      flowFocus
	importing  bool
	checking   bool
	quitting   bool
	toast      coordinator.Notice
	toastSeq   int
	width      int
	height     int
	inputErr   string
}

type monitorTickMsg struct{}

type connectionMsg struct {
	result monitor.Result
}

type busEventMsg struct {
	msg protocol.Message
}

type surfaceDetachedMsg struct {
	surface model.Surface
}

type toastExpiredMsg struct {
	seq int
}

type startResultMsg struct {
	req   coordinator.StartRequest
	reply protocol.Reply
	err   error
}

type stopResultMsg struct {
	req coordinator.StopRequest
	err error
}

var (
	flowTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	flowMutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	flowErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	flowOKStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	flowWarnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	flowPanelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	flowFocusStyle   = flowPanelStyle.BorderForeground(lipgloss.Color("62"))
	flowBadgeStyle   = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	flowBadgeOK      = flowBadgeStyle.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("28"))
	flowBadgeBad     = flowBadgeStyle.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("124"))
	flowBadgePending = flowBadgeStyle.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("240"))
)

func runControl(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path (default flowgen.yaml if present)")
	remote := fs.Bool("remote", false, "wait for a driver to dial the hub instead of injecting through DevTools")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !stdinIsTTY() {
		return errors.New("run requires an interactive terminal (TTY); use generate for headless runs")
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	log, err := loadLogger(cfg, true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newControlApp(ctx, cfg, log, controlOptions{remote: *remote})
	if err != nil {
		return err
	}
	defer app.Close()

	coord := app.newCoordinator()
	if err := coord.Init(ctx); err != nil {
		return err
	}

	m := newFlowModel(ctx, coord, app.monitor, app.events.Events(), app.detached, cfg.Monitor.Interval)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("run requires an interactive terminal (TTY)")
		}
		return err
	}
	v := coord.View()
	fmt.Printf("generated: %d  downloaded: %d\n", v.Session.Generated, v.Session.Downloaded)
	return nil
}

func newFlowModel(ctx context.Context, coord *coordinator.Coordinator, checker connectionChecker, events <-chan protocol.Message, detached <-chan model.Surface, interval time.Duration) flowModel {
	if interval <= 0 {
		interval = monitor.DefaultInterval
	}
	v := coord.View()

	prompts := textarea.New()
	prompts.Placeholder = "One prompt per line"
	prompts.ShowLineNumbers = true
	prompts.CharLimit = 0
	prompts.SetValue(v.Session.Prompts)
	prompts.Focus()

	delay := textinput.New()
	delay.Prompt = ""
	delay.CharLimit = 5
	delay.Width = 6
	delay.SetValue(strconv.Itoa(v.Session.Delay))

	repeat := textinput.New()
	repeat.Prompt = ""
	repeat.CharLimit = 4
	repeat.Width = 6
	repeat.SetValue(strconv.Itoa(v.Session.Repeat))

	importPath := textinput.New()
	importPath.Placeholder = "prompts.txt"
	importPath.Prompt = "file: "

	m := flowModel{
		ctx:        ctx,
		coord:      coord,
		checker:    checker,
		events:     events,
		detached:   detached,
		interval:   interval,
		prompts:    prompts,
		delay:      delay,
		repeat:     repeat,
		importPath: importPath,
		bar:        progress.New(progress.WithDefaultGradient()),
		focus:      flowFocusPrompts,
	}
	m.resize(100, 30)
	return m
}

func (m flowModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		func() tea.Msg { return monitorTickMsg{} },
		waitBusEvent(m.events),
		waitDetached(m.detached),
	)
}

func (m flowModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil
	case monitorTickMsg:
		next := tea.Tick(m.interval, func(time.Time) tea.Msg { return monitorTickMsg{} })
		if m.checking || !m.coord.ShouldPoll() {
			return m, next
		}
		m.checking = true
		return m, tea.Batch(next, checkConnection(m.ctx, m.checker))
	case connectionMsg:
		m.checking = false
		m.coord.SetConnection(msg.result)
		return m, m.drainNotices()
	case busEventMsg:
		m.coord.Handle(m.ctx, msg.msg)
		return m, tea.Batch(m.drainNotices(), waitBusEvent(m.events))
	case surfaceDetachedMsg:
		if msg.surface.ID == m.coord.View().Surface.ID {
			m.coord.TransportLost()
		}
		return m, tea.Batch(m.drainNotices(), waitDetached(m.detached))
	case startResultMsg:
		_ = m.coord.ApplyStart(m.ctx, msg.req, msg.reply, msg.err)
		if m.quitting {
			return m.quitWhenSettled()
		}
		return m, m.drainNotices()
	case stopResultMsg:
		_ = m.coord.ApplyStop(msg.req, msg.err)
		if m.quitting {
			return m.quitWhenSettled()
		}
		return m, m.drainNotices()
	case toastExpiredMsg:
		if msg.seq == m.toastSeq {
			m.toast = coordinator.Notice{}
		}
		return m, nil
	case progress.FrameMsg:
		updated, cmd := m.bar.Update(msg)
		if bar, ok := updated.(progress.Model); ok {
			m.bar = bar
		}
		return m, cmd
	case tea.KeyMsg:
		if m.importing {
			return m.updateImport(msg)
		}
		return m.updateMain(msg)
	}

	var cmd tea.Cmd
	switch m.focus {
	case flowFocusPrompts:
		m.prompts, cmd = m.prompts.Update(msg)
	case flowFocusDelay:
		m.delay, cmd = m.delay.Update(msg)
	case flowFocusRepeat:
		m.repeat, cmd = m.repeat.Update(msg)
	}
	return m, cmd
}

func (m flowModel) updateMain(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	running := m.coord.View().State == model.CoordRunning || m.coord.Pending()
	switch msg.String() {
	case "ctrl+c":
		if m.quitting {
			m.coord.Close()
			return m, tea.Quit
		}
		m.quitting = true
		return m.quitWhenSettled()
	case "tab":
		m.setFocus((m.focus + 1) % flowFocusCount)
		return m, nil
	case "shift+tab":
		m.setFocus((m.focus + flowFocusCount - 1) % flowFocusCount)
		return m, nil
	case "ctrl+s":
		req, err := m.coord.PrepareStart()
		if err != nil {
			return m, m.drainNotices()
		}
		return m, deliverStart(m.ctx, m.coord, req)
	case "ctrl+x", "esc":
		req, ok := m.coord.PrepareStop()
		if !ok {
			return m, nil
		}
		return m, deliverStop(m.ctx, m.coord, req)
	case "ctrl+o":
		if running {
			return m, nil
		}
		m.importing = true
		m.importPath.SetValue("")
		m.importPath.Focus()
		return m, textinput.Blink
	case "ctrl+l":
		if running {
			return m, nil
		}
		m.coord.Clear(m.ctx)
		m.syncInputs()
		return m, m.drainNotices()
	}
	if running {
		return m, nil
	}

	var cmd tea.Cmd
	switch m.focus {
	case flowFocusPrompts:
		before := m.prompts.Value()
		m.prompts, cmd = m.prompts.Update(msg)
		if after := m.prompts.Value(); after != before {
			m.coord.SetPrompts(m.ctx, after)
		}
	case flowFocusDelay:
		m.delay, cmd = m.delay.Update(msg)
		m.inputErr = ""
		if n, ok := positiveInt(m.delay.Value()); ok {
			m.coord.SetDelay(m.ctx, n)
		} else {
			m.inputErr = "delay must be a positive number of seconds"
		}
	case flowFocusRepeat:
		m.repeat, cmd = m.repeat.Update(msg)
		m.inputErr = ""
		if n, ok := positiveInt(m.repeat.Value()); ok {
			m.coord.SetRepeat(m.ctx, n)
		} else {
			m.inputErr = "repeat must be a positive number"
		}
	}
	return m, tea.Batch(cmd, m.drainNotices())
}

func (m flowModel) updateImport(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.importing = false
		m.importPath.Blur()
		return m, nil
	case "enter":
		m.importing = false
		m.importPath.Blur()
		path := strings.TrimSpace(m.importPath.Value())
		if path == "" {
			return m, nil
		}
		content, err := readPromptSource(path)
		if err != nil {
			return m, m.showToast(coordinator.Notice{Level: coordinator.NoticeError, Text: err.Error()})
		}
		m.coord.Import(m.ctx, content)
		m.syncInputs()
		return m, m.drainNotices()
	}
	var cmd tea.Cmd
	m.importPath, cmd = m.importPath.Update(msg)
	return m, cmd
}

// quitWhenSettled stops a running generation before quitting and waits for
// any request still in flight. A second ctrl+c quits without waiting.
func (m flowModel) quitWhenSettled() (tea.Model, tea.Cmd) {
	if m.coord.Pending() {
		return m, nil
	}
	if req, ok := m.coord.PrepareStop(); ok {
		return m, deliverStop(m.ctx, m.coord, req)
	}
	m.coord.Close()
	return m, tea.Quit
}

func (m *flowModel) setFocus(f flowFocus) {
	m.focus = f
	m.prompts.Blur()
	m.delay.Blur()
	m.repeat.Blur()
	switch f {
	case flowFocusPrompts:
		m.prompts.Focus()
	case flowFocusDelay:
		m.delay.Focus()
	case flowFocusRepeat:
		m.repeat.Focus()
	}
}

// syncInputs reloads the editors after the session changed underneath them.
func (m *flowModel) syncInputs() {
	v := m.coord.View()
	m.prompts.SetValue(v.Session.Prompts)
	m.delay.SetValue(strconv.Itoa(v.Session.Delay))
	m.repeat.SetValue(strconv.Itoa(v.Session.Repeat))
	m.inputErr = ""
}

func (m *flowModel) resize(width, height int) {
	m.width = width
	m.height = height
	m.prompts.SetWidth(maxInt(width-6, 20))
	m.prompts.SetHeight(clampInt(height-14, 3, 30))
	m.bar.Width = clampInt(width-20, 10, 80)
	m.importPath.Width = maxInt(width-12, 20)
}

// drainNotices shows the most recent coordinator notice as a toast.
func (m *flowModel) drainNotices() tea.Cmd {
	notices := m.coord.Notices()
	if len(notices) == 0 {
		return nil
	}
	return m.showToast(notices[len(notices)-1])
}

func (m *flowModel) showToast(n coordinator.Notice) tea.Cmd {
	m.toastSeq++
	m.toast = n
	seq := m.toastSeq
	return tea.Tick(toastDuration, func(time.Time) tea.Msg { return toastExpiredMsg{seq: seq} })
}

func (m flowModel) View() string {
	v := m.coord.View()
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		flowTitleStyle.Render("flowgen"), " ", renderBadge(v))
	hints := flowMutedStyle.Render("tab: next field | ctrl+s: start | ctrl+x/esc: stop | ctrl+o: import | ctrl+l: clear | ctrl+c: quit")

	promptPanel := flowPanelStyle
	if m.focus == flowFocusPrompts {
		promptPanel = flowFocusStyle
	}
	editor := promptPanel.Width(maxInt(m.width-2, 24)).Render(m.prompts.View())

	delayPanel, repeatPanel := flowPanelStyle, flowPanelStyle
	if m.focus == flowFocusDelay {
		delayPanel = flowFocusStyle
	}
	if m.focus == flowFocusRepeat {
		repeatPanel = flowFocusStyle
	}
	settings := lipgloss.JoinHorizontal(lipgloss.Top,
		delayPanel.Render("delay (s) "+m.delay.View()),
		repeatPanel.Render("repeat "+m.repeat.View()),
		flowPanelStyle.Render(fmt.Sprintf("%d prompts x %d = %d images", v.Summary.Prompts, v.Summary.Repeat, v.Summary.Total)),
	)

	status := m.renderRunPanel(v)
	lines := []string{header, hints, editor, settings, status}
	if m.inputErr != "" {
		lines = append(lines, flowErrorStyle.Render(m.inputErr))
	}
	if m.importing {
		lines = append(lines, flowFocusStyle.Width(maxInt(m.width-2, 24)).Render("Import prompts\n"+m.importPath.View()))
	}
	if t := renderToast(m.toast, m.width); t != "" {
		lines = append(lines, t)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m flowModel) renderRunPanel(v coordinator.View) string {
	counters := fmt.Sprintf("generated %d | downloaded %d", v.Session.Generated, v.Session.Downloaded)
	if v.State != model.CoordRunning {
		status := string(v.Run)
		if m.coord.Pending() {
			status = "starting"
		}
		return flowPanelStyle.Width(maxInt(m.width-2, 24)).Render(kv("status", status) + "\n" + flowMutedStyle.Render(counters))
	}
	pct := 0.0
	if v.Progress.Total > 0 {
		pct = float64(v.Progress.Current) / float64(v.Progress.Total)
	}
	line := fmt.Sprintf("Progress: %d / %d  %s", v.Progress.Current, v.Progress.Total, m.bar.ViewAs(pct))
	if v.Run == model.RunStopping {
		line += "  " + flowWarnStyle.Render("stopping")
	}
	return flowPanelStyle.Width(maxInt(m.width-2, 24)).Render(line + "\n" + flowMutedStyle.Render(counters))
}

func renderBadge(v coordinator.View) string {
	switch v.Status {
	case model.ConnConnected:
		return flowBadgeOK.Render("connected")
	case model.ConnNotTargetSurface:
		return flowBadgeBad.Render("open the Flow page")
	case model.ConnError:
		return flowBadgeBad.Render("browser error")
	default:
		if v.State == model.CoordConnecting {
			return flowBadgePending.Render("connecting")
		}
		return flowBadgeBad.Render("disconnected")
	}
}

func renderToast(n coordinator.Notice, width int) string {
	text := strings.TrimSpace(n.Text)
	if text == "" {
		return ""
	}
	style := flowMutedStyle
	switch n.Level {
	case coordinator.NoticeSuccess:
		style = flowOKStyle
	case coordinator.NoticeWarning:
		style = flowWarnStyle
	case coordinator.NoticeError:
		style = flowErrorStyle
	}
	return style.Render(truncateRunes(text, maxInt(width-2, 10)))
}

func deliverStart(ctx context.Context, coord *coordinator.Coordinator, req coordinator.StartRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		reply, err := coord.Deliver(ctx, req.SurfaceID, req.Message)
		return startResultMsg{req: req, reply: reply, err: err}
	}
}

func deliverStop(ctx context.Context, coord *coordinator.Coordinator, req coordinator.StopRequest) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		_, err := coord.Deliver(ctx, req.SurfaceID, protocol.Stop{})
		return stopResultMsg{req: req, err: err}
	}
}

func checkConnection(ctx context.Context, checker connectionChecker) tea.Cmd {
	return func() tea.Msg {
		return connectionMsg{result: checker.Check(ctx)}
	}
}

func waitBusEvent(events <-chan protocol.Message) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return busEventMsg{msg: msg}
	}
}

func waitDetached(detached <-chan model.Surface) tea.Cmd {
	if detached == nil {
		return nil
	}
	return func() tea.Msg {
		s, ok := <-detached
		if !ok {
			return nil
		}
		return surfaceDetachedMsg{surface: s}
	}
}

func positiveInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
