// Package worker runs the queue consumer loop: acquire a job, stage and run
// it, optionally render its surfaces, then release it. A worker stops when
// pending is empty.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/kingrea/simqueue/internal/config"
	"github.com/kingrea/simqueue/internal/execute"
	"github.com/kingrea/simqueue/internal/logbook"
	"github.com/kingrea/simqueue/internal/manifest"
	"github.com/kingrea/simqueue/internal/queue"
	"github.com/kingrea/simqueue/internal/render"
	"github.com/kingrea/simqueue/internal/store"
)

// State is the worker loop position.
type State int

const (
	Polling State = iota
	Executing
	Finalizing
	Idle
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Executing:
		return "executing"
	case Finalizing:
		return "finalizing"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// JobResult records how one job ended.
type JobResult struct {
	Job      string
	ExitCode int
	Duration time.Duration
	// FinalizeErr is set when the descriptor reached finished without its
	// execution directory.
	FinalizeErr error
	// RenderErr never changes the job's own outcome.
	RenderErr error
}

// Succeeded reports whether the binary exited 0.
func (r JobResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Summary collects the results of one worker run.
type Summary struct {
	Worker string
	Jobs   []JobResult
}

// Failed counts jobs left in processing with a non-zero exit code.
func (s Summary) Failed() int {
	n := 0
	for _, job := range s.Jobs {
		if !job.Succeeded() {
			n++
		}
	}
	return n
}

// Worker consumes one project's queue.
type Worker struct {
	cfg      *config.Config
	queue    *queue.Queue
	executor *execute.Executor
	renderer *render.Renderer
	log      *logbook.Logbook
	verbose  bool
	render   bool
	onState  func(State)
	state    State
}

// Option customizes a Worker.
type Option func(*Worker)

// WithVerbose passes the verbose flag to the simulation binary.
func WithVerbose(v bool) Option {
	return func(w *Worker) {
		w.verbose = v
	}
}

// WithRender images each job's surfaces after it runs.
func WithRender(v bool) Option {
	return func(w *Worker) {
		w.render = v
	}
}

// WithLogbook routes worker reports to lb.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(w *Worker) {
		w.log = lb
	}
}

// WithExecutor replaces the default executor.
func WithExecutor(e *execute.Executor) Option {
	return func(w *Worker) {
		w.executor = e
	}
}

// WithRenderer replaces the default renderer.
func WithRenderer(r *render.Renderer) Option {
	return func(w *Worker) {
		w.renderer = r
	}
}

// WithStateHook is called on every state transition.
func WithStateHook(fn func(State)) Option {
	return func(w *Worker) {
		w.onState = fn
	}
}

// New builds a worker for cfg. Worker and render defaults come from the
// project configuration.
func New(cfg *config.Config, opts ...Option) *Worker {
	w := &Worker{
		cfg:     cfg,
		verbose: cfg.Project.Worker.Verbose,
		render:  cfg.Project.Worker.RenderImages,
		state:   Idle,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = queue.New(store.New(cfg), queue.WithLogbook(w.log))
	if w.executor == nil {
		w.executor = execute.New(cfg, execute.WithLogbook(w.log))
	}
	if w.renderer == nil {
		w.renderer = render.New(cfg, render.WithLogbook(w.log))
	}
	return w
}

// Queue returns the queue this worker consumes.
func (w *Worker) Queue() *queue.Queue {
	return w.queue
}

// State returns the current loop position.
func (w *Worker) State() State {
	return w.state
}

func (w *Worker) transition(s State) {
	w.state = s
	if w.onState != nil {
		w.onState(s)
	}
}

// Run processes jobs until pending is empty, ctx is cancelled or an
// environment error occurs. Failed jobs are reported and left in processing;
// the loop carries on with the next job.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	summary := Summary{Worker: w.log.Worker()}
	w.log.Info("Creating a new batchfile worker")
	w.transition(Polling)
	job, err := w.start(ctx)
	for {
		if errors.Is(err, queue.ErrEmpty) {
			w.transition(Idle)
			w.log.Info("no pending jobs left; worker stopping after %d job(s)", len(summary.Jobs))
			return summary, nil
		}
		if err != nil {
			w.transition(Idle)
			return summary, err
		}
		var result JobResult
		result, err = w.process(ctx, job, true)
		if err != nil {
			w.transition(Idle)
			return summary, err
		}
		summary.Jobs = append(summary.Jobs, result)

		w.transition(Polling)
		job, err = w.queue.Acquire(ctx)
	}
}

// start makes the first claim. The store may be briefly unavailable while
// other workers start against it, so non-empty failures are retried a few
// times before giving up.
func (w *Worker) start(ctx context.Context) (*queue.Job, error) {
	attempts := w.cfg.Project.Worker.StartAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := w.cfg.Project.Worker.StartDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(delay))

	var job *queue.Job
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.queue.Store().Ensure(); err != nil {
			w.log.Warn("job store not ready: %v", err)
			return retry.RetryableError(err)
		}
		var err error
		job, err = w.queue.Acquire(ctx)
		if err == nil || errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
			return err
		}
		w.log.Warn("initial claim failed: %v", err)
		return retry.RetryableError(err)
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil && !errors.Is(err, queue.ErrEmpty) {
		return nil, fmt.Errorf("%w: worker start: %w", queue.ErrEnvironment, err)
	}
	return job, err
}

// Execute runs a single descriptor outside the queue: it is copied straight
// into processing and then executed and released like a queued job.
func (w *Worker) Execute(ctx context.Context, descriptor string) (JobResult, error) {
	if err := w.queue.Store().Ensure(); err != nil {
		return JobResult{}, fmt.Errorf("%w: %w", queue.ErrEnvironment, err)
	}
	job, err := w.queue.Adopt(descriptor)
	if err != nil {
		return JobResult{}, err
	}
	result, err := w.process(ctx, job, false)
	w.transition(Idle)
	return result, err
}

func (w *Worker) process(ctx context.Context, job *queue.Job, overwriteImages bool) (JobResult, error) {
	w.transition(Executing)
	run, err := w.executor.Run(ctx, job, w.verbose)
	if err != nil {
		// The job stays in processing for houseclean.
		return JobResult{Job: job.Name, ExitCode: run.ExitCode}, fmt.Errorf("%w: %w", queue.ErrEnvironment, err)
	}
	result := JobResult{Job: job.Name, ExitCode: run.ExitCode, Duration: run.Duration}
	finished := time.Now()
	record := manifest.Manifest{
		Job:        job.Name,
		Worker:     w.log.Worker(),
		ExitCode:   run.ExitCode,
		StartedAt:  finished.Add(-run.Duration),
		FinishedAt: finished,
	}

	if w.render {
		images, err := w.renderer.Batch(ctx, job.ExecDir, overwriteImages)
		for _, img := range images {
			record.Images = append(record.Images, filepath.Base(img))
		}
		if err != nil {
			result.RenderErr = err
			record.Notes = map[string]string{"render_error": err.Error()}
			w.log.Warn("rendering %s failed: %v", job.Name, err)
		}
	}
	if sum, err := manifest.Checksum(job.Descriptor); err == nil {
		record.Checksum = sum
	}
	if err := manifest.Write(job.ExecDir, record); err != nil {
		w.log.Warn("could not write run manifest for %s: %v", job.Name, err)
	}

	w.transition(Finalizing)
	if err := w.queue.Release(job, result.Succeeded()); err != nil {
		var ferr *queue.FinalizeError
		if !errors.As(err, &ferr) {
			return result, err
		}
		result.FinalizeErr = err
	}
	return result, nil
}
