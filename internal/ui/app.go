package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/five82/tether/internal/state"
	"github.com/five82/tether/internal/validate"
)

// Controller is what the popup needs from its context: a store to mirror
// and the user actions it can forward. app.Follower implements it.
type Controller interface {
	Store() *state.Store
	RequestRescan(ctx context.Context, force bool) error
	OverridePort(ctx context.Context, raw string) validate.Result
	ToggleTheme() state.Theme
	ToggleButton() bool
}

// Options configures the UI.
type Options struct {
	Context    context.Context
	Controller Controller
	PollTick   time.Duration
}

const (
	defaultPollTick = 250 * time.Millisecond
	labelWidth      = 10
	maxBarWidth     = 36
)

// Model is the root application state for Bubble Tea.
type Model struct {
	ctx      context.Context
	ctrl     Controller
	pollTick time.Duration

	keys      keyMap
	help      help.Model
	spinner   spinner.Model
	progress  progress.Model
	portInput textinput.Model

	theme    Theme
	width    int
	snapshot state.State
	editing  bool

	notice    string
	noticeErr bool
}

// New creates a new Bubble Tea model.
func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	pollTick := opts.PollTick
	if pollTick <= 0 {
		pollTick = defaultPollTick
	}

	input := textinput.New()
	input.Placeholder = "9090"
	input.CharLimit = 5
	input.Width = 8
	input.Prompt = "port "

	snap := state.Default()
	if opts.Controller != nil {
		snap = opts.Controller.Store().Snapshot()
	}

	return Model{
		ctx:       ctx,
		ctrl:      opts.Controller,
		pollTick:  pollTick,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(maxBarWidth)),
		portInput: input,
		theme:     GetTheme(snap.UI.Theme),
		snapshot:  snap,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tickCmd(m.pollTick),
		fetchSnapshotCmd(m.ctrl),
	)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		m.progress.Width = max(10, min(maxBarWidth, msg.Width-labelWidth-6))
		return m, nil

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.ctrl), tickCmd(m.pollTick))

	case snapshotMsg:
		m.applySnapshot(state.State(msg))
		return m, nil

	case actionMsg:
		m.notice = msg.notice
		m.noticeErr = msg.err != nil
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s: %v", msg.notice, msg.err)
		}
		return m, fetchSnapshotCmd(m.ctrl)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	return m.render()
}

func (m *Model) applySnapshot(snap state.State) {
	m.snapshot = snap
	// Theme follows the store so a toggle in another context shows up here.
	if snap.UI.Theme != m.theme.Name {
		m.theme = GetTheme(snap.UI.Theme)
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.editing {
		return m.handleEditKey(msg)
	}
	if m.help.ShowAll && !key.Matches(msg, m.keys.Quit) {
		// Any key closes help.
		m.help.ShowAll = false
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = true
		return m, nil

	case key.Matches(msg, m.keys.ToggleTheme):
		if m.ctrl == nil {
			return m, nil
		}
		m.theme = GetTheme(m.ctrl.ToggleTheme())
		return m, fetchSnapshotCmd(m.ctrl)

	case key.Matches(msg, m.keys.ToggleButton):
		if m.ctrl == nil {
			return m, nil
		}
		if m.ctrl.ToggleButton() {
			m.notice = "Download button shown"
		} else {
			m.notice = "Download button hidden"
		}
		m.noticeErr = false
		return m, fetchSnapshotCmd(m.ctrl)

	case key.Matches(msg, m.keys.Rescan):
		return m, rescanCmd(m.ctx, m.ctrl, false)

	case key.Matches(msg, m.keys.ForceRescan):
		return m, rescanCmd(m.ctx, m.ctrl, true)

	case key.Matches(msg, m.keys.EditPort):
		m.editing = true
		m.portInput.SetValue("")
		if port, ok := m.snapshot.Server.PortValue(); ok {
			m.portInput.Placeholder = fmt.Sprint(port)
		}
		return m, m.portInput.Focus()
	}
	return m, nil
}

func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case msg.Type == tea.KeyCtrlC:
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		m.editing = false
		m.portInput.Blur()
		return m, nil

	case key.Matches(msg, m.keys.Confirm):
		if m.ctrl == nil {
			return m, nil
		}
		raw := m.portInput.Value()
		res := m.ctrl.OverridePort(m.ctx, raw)
		m.snapshot = m.ctrl.Store().Snapshot()
		if !res.Valid {
			return m, nil
		}
		m.editing = false
		m.portInput.Blur()
		m.notice = fmt.Sprintf("Trying port %s", raw)
		m.noticeErr = false
		return m, nil
	}

	var cmd tea.Cmd
	m.portInput, cmd = m.portInput.Update(msg)
	return m, cmd
}

type tickMsg time.Time

type snapshotMsg state.State

type actionMsg struct {
	notice string
	err    error
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshotCmd(ctrl Controller) tea.Cmd {
	if ctrl == nil {
		return nil
	}
	return func() tea.Msg {
		return snapshotMsg(ctrl.Store().Snapshot())
	}
}

func rescanCmd(ctx context.Context, ctrl Controller, force bool) tea.Cmd {
	if ctrl == nil {
		return nil
	}
	return func() tea.Msg {
		notice := "Rescan requested"
		if force {
			notice = "Full rescan requested"
		}
		return actionMsg{notice: notice, err: ctrl.RequestRescan(ctx, force)}
	}
}

// Run starts the Bubble Tea program and blocks until the user quits or ctx
// is cancelled.
func Run(opts Options) error {
	if opts.Controller == nil {
		return fmt.Errorf("ui requires a controller")
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	p := tea.NewProgram(New(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
