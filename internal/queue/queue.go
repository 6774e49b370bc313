package queue

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/simqueue/internal/fsutil"
	"github.com/kingrea/simqueue/internal/lock"
	"github.com/kingrea/simqueue/internal/logbook"
	"github.com/kingrea/simqueue/internal/store"
)

var (
	// ErrEmpty is returned by Acquire when no pending descriptor can be
	// claimed: pending is empty, or every name left there is blocked by a
	// job of the same name still in processing.
	ErrEmpty = errors.New("queue: no pending jobs")
	// ErrEnvironment marks failures that require redeploying the project.
	ErrEnvironment = errors.New("queue: environment error")
	// ErrIncompleteArchive marks a finished descriptor without its artifacts.
	ErrIncompleteArchive = errors.New("queue: execution directory not archived")
)

// Job is a descriptor claimed into processing by this worker.
type Job struct {
	Name       string
	Descriptor string
	ExecDir    string
	ClaimedAt  time.Time
}

// FinalizeError reports a release whose descriptor reached finished but whose
// execution directory did not. The descriptor move is not rolled back.
type FinalizeError struct {
	Job string
	Err error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("queue: finalize %s: descriptor archived but execution directory was not: %v", e.Job, e.Err)
}

func (e *FinalizeError) Unwrap() []error {
	return []error{ErrIncompleteArchive, e.Err}
}

// Queue performs the state transitions over a job store.
type Queue struct {
	store     *store.Store
	log       *logbook.Logbook
	now       func() time.Time
	removeAll func(string) error
}

// Option customizes a Queue.
type Option func(*Queue)

// WithLogbook routes queue reports to lb.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(q *Queue) {
		q.log = lb
	}
}

// WithClock overrides the clock used for claim timestamps.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) {
		q.now = clock
	}
}

// New builds a queue over st.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{store: st, now: time.Now, removeAll: os.RemoveAll}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the underlying job store.
func (q *Queue) Store() *store.Store {
	return q.store
}

// Acquire claims one pending descriptor by renaming it into processing.
// Candidates are tried in lexicographic order; a rename that fails because
// another worker moved the file first just moves on to the next candidate.
// Lexicographic order means a steady stream of low-sorting names can starve
// later ones.
func (q *Queue) Acquire(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		names, err := q.store.List(store.StatePending)
		if err != nil {
			return nil, fmt.Errorf("queue: list pending: %w", err)
		}
		if len(names) == 0 {
			return nil, ErrEmpty
		}
		lost := 0
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			job, err := q.claim(name)
			if err == nil {
				q.log.Info("Executing %s", job.Descriptor)
				return job, nil
			}
			if errors.Is(err, fs.ErrNotExist) {
				lost++
				continue
			}
			if errors.Is(err, fs.ErrExist) {
				q.log.Warn("skipping %s: a descriptor of the same name is already in processing", name)
				continue
			}
			return nil, fmt.Errorf("queue: claim %s: %w", name, err)
		}
		// Every candidate went to other workers or conflicts; relist once more
		// only if something was lost to a race.
		if lost == 0 {
			return nil, ErrEmpty
		}
	}
}

func (q *Queue) claim(name string) (*Job, error) {
	src := q.store.DescriptorPath(store.StatePending, name)
	dst := q.store.DescriptorPath(store.StateProcessing, name)
	if _, err := os.Lstat(dst); err == nil {
		if _, err := os.Lstat(src); err != nil {
			return nil, err
		}
		return nil, fs.ErrExist
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, err
	}
	return q.job(name), nil
}

// Adopt copies an arbitrary descriptor into processing for an ad-hoc run
// that bypasses pending. An existing processing descriptor of the same name
// is replaced.
func (q *Queue) Adopt(descriptor string) (*Job, error) {
	info, err := os.Stat(descriptor)
	if err != nil {
		return nil, fmt.Errorf("queue: adopt %s: %w", descriptor, err)
	}
	if info.IsDir() || !store.IsDescriptor(info.Name()) {
		return nil, fmt.Errorf("queue: adopt %s: not a descriptor file", descriptor)
	}
	name := store.JobName(descriptor)
	dst := q.store.DescriptorPath(store.StateProcessing, name)
	src, err := filepath.Abs(descriptor)
	if err != nil {
		return nil, fmt.Errorf("queue: adopt %s: %w", descriptor, err)
	}
	if src != dst {
		if err := fsutil.CopyFile(src, dst); err != nil {
			return nil, fmt.Errorf("queue: adopt %s: %w", descriptor, err)
		}
	}
	job := q.job(name)
	q.log.Info("Executing %s", job.Descriptor)
	return job, nil
}

// Release moves a job out of processing. On success the descriptor and then
// the execution directory go to finished, replacing any earlier run of the
// same name. On failure both stay in processing for inspection.
func (q *Queue) Release(job *Job, success bool) error {
	if job == nil {
		return fmt.Errorf("queue: release: nil job")
	}
	if !success {
		q.log.Warn("leaving %s in processing for inspection", job.Name)
		return nil
	}
	finishedDescriptor := q.store.DescriptorPath(store.StateFinished, job.Name)
	if err := os.Rename(job.Descriptor, finishedDescriptor); err != nil {
		return fmt.Errorf("queue: release %s: move descriptor: %w", job.Name, err)
	}
	finishedDir := q.store.ExecDir(store.StateFinished, job.Name)
	if err := os.RemoveAll(finishedDir); err != nil {
		return q.finalizeFailed(job, fmt.Errorf("remove previous run: %w", err))
	}
	if !fsutil.IsDir(job.ExecDir) {
		return q.finalizeFailed(job, fmt.Errorf("%s: %w", job.ExecDir, fs.ErrNotExist))
	}
	if err := fsutil.MoveDir(job.ExecDir, finishedDir); err != nil {
		return q.finalizeFailed(job, err)
	}
	q.log.Info("Finished job: %s", store.DescriptorName(job.Name))
	return nil
}

func (q *Queue) finalizeFailed(job *Job, err error) error {
	ferr := &FinalizeError{Job: job.Name, Err: err}
	q.log.Error("copying finished directory from processing failed for %s: %v", job.Name, err)
	return ferr
}

// HousecleanReport summarizes a recovery pass.
type HousecleanReport struct {
	Requeued    []string
	Discarded   []string
	LockCleared bool
}

// Houseclean recovers from crashed workers. It must only run while no
// worker is active: descriptors in processing go back to pending, the
// processing tree is discarded and recreated, and an orphaned renderer lock
// is removed. A descriptor already queued under the same name in pending is
// kept and the processing copy is discarded. Failing to remove or recreate
// processing is an environment error.
func (q *Queue) Houseclean(lockPath string) (HousecleanReport, error) {
	var report HousecleanReport
	processing := q.store.Dir(store.StateProcessing)
	names, err := q.store.List(store.StateProcessing)
	if err != nil && !errors.Is(err, store.ErrMissingDir) {
		return report, fmt.Errorf("queue: houseclean: %w", err)
	}
	for _, name := range names {
		src := q.store.DescriptorPath(store.StateProcessing, name)
		dst := q.store.DescriptorPath(store.StatePending, name)
		if _, err := os.Lstat(dst); err == nil {
			q.log.Warn("Housecleaning: %s is already pending; discarding the copy in processing", store.DescriptorName(name))
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return report, fmt.Errorf("queue: houseclean: requeue %s: %w", name, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return report, fmt.Errorf("queue: houseclean: requeue %s: %w", name, err)
		}
		report.Requeued = append(report.Requeued, name)
		q.log.Info("Housecleaning: moved orphaned simfile back to pending: %s", store.DescriptorName(name))
	}

	if entries, err := os.ReadDir(processing); err == nil {
		for _, entry := range entries {
			report.Discarded = append(report.Discarded, entry.Name())
		}
	}
	if err := q.removeAll(processing); err != nil {
		q.log.Error("houseclean could not remove %s: %v", processing, err)
		return report, fmt.Errorf("%w: remove %s: %w", ErrEnvironment, processing, err)
	}
	// processing itself is created with Mkdir so a surviving tree fails here.
	err = os.MkdirAll(filepath.Dir(processing), 0o755)
	if err == nil {
		err = os.Mkdir(processing, 0o755)
	}
	if err != nil {
		q.log.Error("houseclean could not recreate %s: %v", processing, err)
		return report, fmt.Errorf("%w: recreate %s: %w", ErrEnvironment, processing, err)
	}

	if lockPath != "" {
		cleared, err := lock.Clear(lockPath)
		if err != nil {
			q.log.Warn("houseclean could not clear lock: %v", err)
		}
		if cleared {
			report.LockCleared = true
			q.log.Info("Cleared orphaned imager lock")
		}
	}
	return report, nil
}

func (q *Queue) job(name string) *Job {
	return &Job{
		Name:       name,
		Descriptor: q.store.DescriptorPath(store.StateProcessing, name),
		ExecDir:    q.store.ExecDir(store.StateProcessing, name),
		ClaimedAt:  q.now(),
	}
}
