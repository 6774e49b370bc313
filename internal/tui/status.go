package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/simqueue/internal/manifest"
	"github.com/kingrea/simqueue/internal/store"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	logTextStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)

	stateStyles = map[store.State]lipgloss.Style{
		store.StatePending:    lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true),
		store.StateProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		store.StateFinished:   lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		store.StateOrphaned:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
	}
)

const maxListed = 6

// Board is everything the status view shows.
type Board struct {
	Project  string
	Snapshot store.Snapshot
	Runs     map[string]manifest.Manifest
	LogPath  string
	Tail     []string
}

// RenderStatus draws the queue counts, a few names per state and the tail of
// the journal.
func RenderStatus(b Board, width int) string {
	snap := b.Snapshot
	header := headerStyle.Render("⬡ SIMQUEUE · " + filepath.Base(b.Project))
	counts := lipgloss.JoinVertical(lipgloss.Left,
		stateLine(store.StatePending, snap.Pending),
		stateLine(store.StateProcessing, snap.Processing),
		stateLine(store.StateFinished, snap.Finished),
		stateLine(store.StateOrphaned, snap.Orphaned),
	)
	if failed := failedRuns(b); failed != "" {
		counts = lipgloss.JoinVertical(lipgloss.Left, counts, failed)
	}
	sections := []string{header, boxStyle.Width(max(20, width)).Render(counts)}
	if panel := renderLogPanel(b.LogPath, b.Tail, width); panel != "" {
		sections = append(sections, panel)
	}
	return strings.Join(sections, "\n")
}

func stateLine(state store.State, names []string) string {
	label := stateStyles[state].Render(fmt.Sprintf("%-10s %3d", state, len(names)))
	if len(names) == 0 {
		return label
	}
	shown := names
	more := ""
	if len(shown) > maxListed {
		shown = shown[:maxListed]
		more = fmt.Sprintf(" +%d more", len(names)-maxListed)
	}
	return label + "  " + mutedStyle.Render(strings.Join(shown, ", ")+more)
}

// failedRuns lists processing jobs whose manifest records a non-zero exit.
func failedRuns(b Board) string {
	var failed []string
	for _, name := range b.Snapshot.Processing {
		if run, ok := b.Runs[name]; ok && !run.Succeeded() {
			failed = append(failed, fmt.Sprintf("%s (exit %d)", name, run.ExitCode))
		}
	}
	if len(failed) == 0 {
		return ""
	}
	label := stateStyles[store.StateOrphaned].Render(fmt.Sprintf("%-10s %3d", "failed", len(failed)))
	return label + "  " + mutedStyle.Render(strings.Join(failed, ", "))
}

func renderLogPanel(path string, tail []string, width int) string {
	if len(tail) == 0 {
		return ""
	}
	fileName := filepath.Base(path)
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := titleStyle.Render(fmt.Sprintf("LOG · %s", fileName))
	body := logTextStyle.Render(strings.Join(tail, "\n"))
	return boxStyle.Width(max(20, width)).Render(fmt.Sprintf("%s\n%s", head, body))
}
