package ui

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/five82/asyncstate/internal/coalesce"
	"github.com/five82/asyncstate/internal/geo"
	"github.com/five82/asyncstate/internal/kv"
	"github.com/five82/asyncstate/internal/teabridge"
)

// DefaultRefreshEvery bounds manual refreshes when Options.RefreshEvery is unset.
const DefaultRefreshEvery = 2 * time.Second

// Locator is the position source the dashboard drives. *geo.Cache implements it.
type Locator interface {
	State() geo.State
	Subscribe(fn func(geo.State)) func()
	Refresh(ctx context.Context) geo.State
	Watch() error
	ClearWatch()
}

// Options configure the dashboard.
type Options struct {
	Locator Locator
	// Theme persists the selected theme. When nil the choice lasts for the session.
	Theme        *kv.Entry[string]
	DefaultTheme string
	// Watch starts a continuous subscription when the dashboard opens.
	Watch        bool
	RefreshEvery time.Duration
	Logger       *zap.Logger
}

// session holds what the copies of Model share.
type session struct {
	ctx     context.Context
	locator Locator
	entry   *kv.Entry[string]
	logger  *zap.Logger

	positions *teabridge.Bridge[geo.State]
	themes    *teabridge.Bridge[string]
	refresh   *coalesce.Throttler[struct{}]

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// Model is the Bubble Tea model for the position dashboard.
type Model struct {
	s       *session
	keys    keyMap
	help    help.Model
	spinner spinner.Model

	theme    Theme
	state    geo.State
	watching bool
	notice   string
	width    int
}

func newModel(ctx context.Context, opts Options) (Model, error) {
	if opts.Locator == nil {
		return Model{}, errors.New("ui requires a locator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	every := opts.RefreshEvery
	if every <= 0 {
		every = DefaultRefreshEvery
	}

	s := &session{
		ctx:     ctx,
		locator: opts.Locator,
		entry:   opts.Theme,
		logger:  logger.With(zap.String("component", "ui")),
	}
	s.positions = teabridge.New(opts.Locator.Subscribe)
	s.refresh = coalesce.NewThrottler(func(struct{}) { s.startRefresh() }, every)

	themeName := opts.DefaultTheme
	if s.entry != nil {
		themeName = s.entry.Value()
		s.themes = teabridge.New(func(fn func(string)) func() {
			s.entry.OnChange(fn)
			return func() { s.entry.OnChange(nil) }
		})
	}

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	m := Model{
		s:       s,
		keys:    defaultKeyMap(),
		help:    help.New(),
		spinner: sp,
		theme:   GetTheme(themeName),
	}

	if opts.Watch {
		if err := opts.Locator.Watch(); err != nil {
			m.notice = "watch failed: " + err.Error()
			s.logger.Warn("start watch failed", zap.Error(err))
		} else {
			m.watching = true
		}
	}
	return m, nil
}

// Init starts the spinner and reads the first snapshot. Handling that snapshot
// begins the wait on the subscription.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, teabridge.SnapshotCmd(m.s.locator.State)}
	if m.s.themes != nil {
		cmds = append(cmds, m.s.themes.WaitCmd())
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case teabridge.StateMsg[geo.State]:
		m.state = msg.State
		return m, m.s.positions.WaitCmd()

	case teabridge.StateMsg[string]:
		// Another process or a local write changed the theme.
		m.theme = GetTheme(msg.State)
		return m, m.s.themes.WaitCmd()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.Refresh):
		m.notice = ""
		m.s.refresh.Call(struct{}{})

	case key.Matches(msg, m.keys.ToggleWatch):
		if m.watching {
			m.s.locator.ClearWatch()
			m.watching = false
			break
		}
		if err := m.s.locator.Watch(); err != nil {
			m.notice = "watch failed: " + err.Error()
			m.s.logger.Warn("start watch failed", zap.Error(err))
			break
		}
		m.watching = true
		m.notice = ""

	case key.Matches(msg, m.keys.CycleTheme):
		next := NextTheme(m.theme.Name)
		m.theme = GetTheme(next)
		if m.s.entry != nil {
			if err := m.s.entry.Set(next); err != nil {
				m.notice = "theme not saved"
				m.s.logger.Warn("save theme failed", zap.String("theme", next), zap.Error(err))
			}
		}
	}
	return m, nil
}

// startRefresh runs a lookup in the background; its result arrives through the
// subscription.
func (s *session) startRefresh() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.locator.Refresh(s.ctx)
	}()
}

// close releases subscriptions and waits for background refreshes.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.refresh.Cancel()
	s.positions.Close()
	if s.themes != nil {
		s.themes.Close()
	}
	s.locator.ClearWatch()
	s.wg.Wait()
}
