// Package execute stages a claimed job into its private execution directory
// and invokes the simulation binary there. The binary's only contract is its
// exit code.
package execute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kingrea/simqueue/internal/config"
	"github.com/kingrea/simqueue/internal/fsutil"
	"github.com/kingrea/simqueue/internal/logbook"
	"github.com/kingrea/simqueue/internal/queue"
)

// VerboseFlag is appended to the binary's arguments in verbose mode.
const VerboseFlag = "-v"

// ErrBinaryMissing is returned when the toolchain has no simulation binary.
var ErrBinaryMissing = errors.New("execute: simulation binary missing")

// Invocation describes one call of the external binary.
type Invocation struct {
	Binary string
	Args   []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner starts an invocation and waits for it. A non-zero exit is reported
// through the exit code, not the error; err is reserved for failing to run.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (exitCode int, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) (int, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (int, error) {
	return f(ctx, inv)
}

// ProcessRunner runs invocations as child processes.
type ProcessRunner struct{}

// Run executes the binary and extracts its exit code.
func (ProcessRunner) Run(ctx context.Context, inv Invocation) (int, error) {
	cmd := exec.CommandContext(ctx, inv.Binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Result holds the outcome of one job run.
type Result struct {
	Job      string
	ExecDir  string
	ExitCode int
	Duration time.Duration
	Staged   []string
}

// Success reports whether the binary exited with code 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Executor stages and runs jobs for one project.
type Executor struct {
	cfg    *config.Config
	runner Runner
	stdout io.Writer
	stderr io.Writer
	log    *logbook.Logbook
}

// Option customizes an Executor.
type Option func(*Executor)

// WithRunner replaces the process runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(e *Executor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithOutput forwards the binary's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(e *Executor) {
		e.stdout = stdout
		e.stderr = stderr
	}
}

// WithLogbook routes execution reports to lb.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(e *Executor) {
		e.log = lb
	}
}

// New creates an executor for cfg.
func New(cfg *config.Config, opts ...Option) *Executor {
	e := &Executor{
		cfg:    cfg,
		runner: ProcessRunner{},
		stdout: io.Discard,
		stderr: io.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckToolchain verifies the local bin directory holds the binary.
func (e *Executor) CheckToolchain() error {
	path := filepath.Join(e.cfg.BinDir(), e.cfg.BinaryName())
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBinaryMissing, path)
		}
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrBinaryMissing, path)
	}
	return nil
}

// Stage creates (or reuses) the job's execution directory and copies the
// descriptor plus every file of the support set into it. Reusing an existing
// directory lets a rerun pick up where an earlier attempt stopped.
func (e *Executor) Stage(job *queue.Job) (string, []string, error) {
	if err := e.CheckToolchain(); err != nil {
		return "", nil, err
	}
	if err := os.MkdirAll(job.ExecDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("execute: create %s: %w", job.ExecDir, err)
	}
	descriptor := filepath.Join(job.ExecDir, filepath.Base(job.Descriptor))
	if err := fsutil.CopyFile(job.Descriptor, descriptor); err != nil {
		return "", nil, fmt.Errorf("execute: stage descriptor: %w", err)
	}
	staged, err := fsutil.CopyFiles(e.cfg.BinDir(), job.ExecDir)
	if err != nil {
		return "", nil, fmt.Errorf("execute: stage support files: %w", err)
	}
	return descriptor, staged, nil
}

// Run stages job and invokes the binary from its execution directory. The
// returned error covers staging and launch failures only; a failing
// simulation shows up as a non-zero Result.ExitCode.
func (e *Executor) Run(ctx context.Context, job *queue.Job, verbose bool) (Result, error) {
	result := Result{Job: job.Name, ExecDir: job.ExecDir, ExitCode: -1}
	descriptor, staged, err := e.Stage(job)
	if err != nil {
		return result, err
	}
	result.Staged = staged
	abs, err := filepath.Abs(descriptor)
	if err != nil {
		return result, err
	}
	args := []string{abs}
	if verbose {
		args = append(args, VerboseFlag)
	}
	inv := Invocation{
		Binary: filepath.Join(job.ExecDir, e.cfg.BinaryName()),
		Args:   args,
		Dir:    job.ExecDir,
		Stdout: e.stdout,
		Stderr: e.stderr,
	}
	start := time.Now()
	code, err := e.runner.Run(ctx, inv)
	result.Duration = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("execute: run %s: %w", job.Name, err)
	}
	result.ExitCode = code
	if code != 0 {
		e.log.Error("received return code of %d with sim %s", code, job.Descriptor)
	}
	return result, nil
}
