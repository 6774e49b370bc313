package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/simqueue/internal/logbook"
	"github.com/kingrea/simqueue/internal/manifest"
	"github.com/kingrea/simqueue/internal/store"
)

const (
	boardRefreshInterval = 2 * time.Second
	logTailLines         = 8
)

// LoadBoard reads the store and journal into a Board.
func LoadBoard(st *store.Store, lb *logbook.Logbook) (Board, error) {
	snap, err := st.Snapshot()
	if err != nil {
		return Board{}, err
	}
	tail, _ := lb.Tail(logTailLines)
	runs := map[string]manifest.Manifest{}
	for state, names := range map[store.State][]string{
		store.StateProcessing: snap.Processing,
		store.StateFinished:   snap.Finished,
	} {
		for _, name := range names {
			if m, err := manifest.Read(st.ExecDir(state, name)); err == nil {
				runs[name] = m
			}
		}
	}
	return Board{
		Project:  st.Config().ProjectDir,
		Snapshot: snap,
		Runs:     runs,
		LogPath:  lb.Path(),
		Tail:     tail,
	}, nil
}

type jobItem struct {
	name  string
	state store.State
	run   *manifest.Manifest
}

func (i jobItem) Title() string { return i.name }

func (i jobItem) Description() string {
	label := stateStyles[i.state].Render(string(i.state))
	if i.run == nil {
		return label
	}
	return fmt.Sprintf("%s · exit %d · %s · worker %s", label, i.run.ExitCode, i.run.Duration().Round(time.Second), i.run.Worker)
}

func (i jobItem) FilterValue() string { return i.name }

// jobItems orders jobs by how much attention they need: running and orphaned
// work first, then the backlog, then history.
func jobItems(b Board) []list.Item {
	snap := b.Snapshot
	var items []list.Item
	add := func(state store.State, names []string) {
		for _, name := range names {
			item := jobItem{name: name, state: state}
			if run, ok := b.Runs[name]; ok && state != store.StateOrphaned {
				item.run = &run
			}
			items = append(items, item)
		}
	}
	add(store.StateOrphaned, snap.Orphaned)
	add(store.StateProcessing, snap.Processing)
	add(store.StatePending, snap.Pending)
	add(store.StateFinished, snap.Finished)
	return items
}

type boardMsg struct {
	board Board
	err   error
}

// Watch is the live queue monitor.
type Watch struct {
	store    *store.Store
	log      *logbook.Logbook
	spinner  spinner.Model
	jobs     list.Model
	board    Board
	loaded   bool
	err      error
	width    int
	height   int
	interval time.Duration
}

// NewWatch builds the monitor for st, tailing lb.
func NewWatch(st *store.Store, lb *logbook.Logbook) *Watch {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = titleStyle
	jobs := list.New(nil, list.NewDefaultDelegate(), 40, 12)
	jobs.Title = "Jobs"
	jobs.SetShowHelp(false)
	jobs.Styles.Title = titleStyle
	return &Watch{
		store:    st,
		log:      lb,
		spinner:  sp,
		jobs:     jobs,
		width:    80,
		interval: boardRefreshInterval,
	}
}

// Init starts the spinner and the first refresh.
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.fetchBoard())
}

// Update handles refresh results, resizes and key presses.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return w, tea.Quit
		case "r":
			return w, w.fetchBoard()
		}
	case tea.WindowSizeMsg:
		w.width = msg.Width
		w.height = msg.Height
		w.jobs.SetSize(max(20, msg.Width-4), max(6, msg.Height-logTailLines-12))
		return w, nil
	case boardMsg:
		w.err = msg.err
		if msg.err == nil {
			w.board = msg.board
			w.loaded = true
			cmd := w.jobs.SetItems(jobItems(msg.board))
			return w, tea.Batch(cmd, w.scheduleRefresh())
		}
		return w, w.scheduleRefresh()
	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	var cmd tea.Cmd
	w.jobs, cmd = w.jobs.Update(msg)
	return w, cmd
}

// View renders the board.
func (w *Watch) View() string {
	if !w.loaded && w.err == nil {
		return fmt.Sprintf("%s loading queue…", w.spinner.View())
	}
	sections := []string{RenderStatus(w.board, w.width-4)}
	if len(w.jobs.Items()) > 0 {
		sections = append(sections, boxStyle.Render(w.jobs.View()))
	}
	footer := fmt.Sprintf("%s watching · r → refresh    q → quit", w.spinner.View())
	if w.err != nil {
		footer = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Render("⚠ "+w.err.Error()) + "\n" + footer
	}
	sections = append(sections, mutedStyle.MarginTop(1).Render(footer))
	return strings.Join(sections, "\n")
}

func (w *Watch) fetchBoard() tea.Cmd {
	return func() tea.Msg {
		board, err := LoadBoard(w.store, w.log)
		return boardMsg{board: board, err: err}
	}
}

func (w *Watch) scheduleRefresh() tea.Cmd {
	return tea.Tick(w.interval, func(time.Time) tea.Msg {
		board, err := LoadBoard(w.store, w.log)
		return boardMsg{board: board, err: err}
	})
}

// RunWatch runs the monitor until the user quits.
func RunWatch(st *store.Store, lb *logbook.Logbook) error {
	_, err := tea.NewProgram(NewWatch(st, lb), tea.WithAltScreen()).Run()
	return err
}
