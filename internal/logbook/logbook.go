// Package logbook persists queue activity to a line-oriented text journal that
// every worker of a project appends to. Each entry is tagged with the writing
// worker so interleaved lines from many processes can be told apart.
package logbook

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook appends entries to a journal file and optionally mirrors them to a
// console writer.
type Logbook struct {
	path   string
	worker string
	mirror io.Writer
	now    func() time.Time
	mu     sync.Mutex
}

// Option customizes a Logbook during construction.
type Option func(*Logbook)

// WithMirror copies every entry to w (usually stdout) without the timestamp.
func WithMirror(w io.Writer) Option {
	return func(l *Logbook) {
		l.mirror = w
	}
}

// WithWorker overrides the generated worker tag.
func WithWorker(tag string) Option {
	return func(l *Logbook) {
		if tag = strings.TrimSpace(tag); tag != "" {
			l.worker = tag
		}
	}
}

// WithClock overrides the clock used for entry timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		l.now = clock
	}
}

// New creates a logbook that writes to the provided path.
func New(path string, opts ...Option) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure log dir: %w", err)
	}
	l := &Logbook{
		path:   path,
		worker: NewWorkerTag(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewWorkerTag returns a short random identifier for one worker process.
func NewWorkerTag() string {
	return uuid.NewString()[:8]
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Worker returns the tag stamped on every entry.
func (l *Logbook) Worker() string {
	if l == nil {
		return ""
	}
	return l.worker
}

// Append writes a single entry to the logbook.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	message = strings.TrimSpace(message)
	if l.mirror != nil {
		if level == LevelInfo {
			fmt.Fprintln(l.mirror, message)
		} else {
			fmt.Fprintf(l.mirror, "%s: %s\n", level, message)
		}
	}
	line := fmt.Sprintf("%s %-5s [%s] %s\n",
		l.now().UTC().Format(time.RFC3339),
		string(level),
		l.worker,
		message,
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries plus the total
// number of entries in the journal.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	total := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		total++
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
