// Package lock implements the presence-based sentinel file that serializes
// access to the shared renderer. The file existing means the lock is held;
// its contents are a human-readable note for operators and are never parsed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// DefaultPoll caps the wait between checks for a released lock.
	DefaultPoll = time.Second

	minPoll = 50 * time.Millisecond
)

// Sentinel is one lock file. There is no lease: a holder that crashes leaves
// the file behind until Clear (houseclean) or an operator removes it.
type Sentinel struct {
	path     string
	poll     time.Duration
	owner    string
	progress io.Writer
	now      func() time.Time
}

// Option customizes a Sentinel.
type Option func(*Sentinel)

// WithPoll sets the maximum interval between availability checks.
func WithPoll(d time.Duration) Option {
	return func(s *Sentinel) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithOwner records who holds the lock in the sentinel contents.
func WithOwner(owner string) Option {
	return func(s *Sentinel) {
		s.owner = owner
	}
}

// WithProgress receives the "Waiting for imager . . ." output while blocked.
func WithProgress(w io.Writer) Option {
	return func(s *Sentinel) {
		s.progress = w
	}
}

// WithClock overrides the timestamp written into the sentinel.
func WithClock(clock func() time.Time) Option {
	return func(s *Sentinel) {
		s.now = clock
	}
}

// New returns a sentinel lock backed by path.
func New(path string, opts ...Option) *Sentinel {
	s := &Sentinel{
		path: path,
		poll: DefaultPoll,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the sentinel file location.
func (s *Sentinel) Path() string {
	return s.path
}

// Held reports whether the sentinel currently exists.
func (s *Sentinel) Held() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Acquire blocks until the sentinel can be created or ctx is done. The wait
// backs off from a short interval up to the configured poll.
func (s *Sentinel) Acquire(ctx context.Context) error {
	base := minPoll
	if s.poll < base {
		base = s.poll
	}
	backoff := retry.WithCappedDuration(s.poll, retry.NewExponential(base))
	waiting := false
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.tryCreate()
		if errors.Is(err, fs.ErrExist) {
			s.reportWait(waiting)
			waiting = true
			return retry.RetryableError(err)
		}
		return err
	})
	if waiting && s.progress != nil {
		fmt.Fprintln(s.progress)
	}
	if err != nil {
		return fmt.Errorf("lock: acquire %s: %w", s.path, err)
	}
	return nil
}

// Release deletes the sentinel. An already-absent sentinel is not an error.
func (s *Sentinel) Release() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: release %s: %w", s.path, err)
	}
	return nil
}

// With runs fn while holding the lock. The lock is released on every path,
// including when fn panics.
func (s *Sentinel) With(ctx context.Context, fn func() error) (err error) {
	if err := s.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// Clear removes a sentinel orphaned by a crashed holder and reports whether
// one was present.
func Clear(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("lock: clear %s: %w", path, err)
}

func (s *Sentinel) tryCreate() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	note := "LOCKED: " + s.now().Format("2006-01-02 15:04")
	if s.owner != "" {
		note += " by " + s.owner
	}
	_, werr := f.WriteString(note + "\n")
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(s.path)
	}
	return werr
}

func (s *Sentinel) reportWait(already bool) {
	if s.progress == nil {
		return
	}
	if !already {
		fmt.Fprint(s.progress, "Waiting for imager ")
		return
	}
	fmt.Fprint(s.progress, ".")
}
