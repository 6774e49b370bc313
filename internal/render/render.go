// Package render drives the external imaging tool. The tool works from one
// fixed directory and can only handle one surface at a time, so every call
// runs inside the shared sentinel lock.
package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/simqueue/internal/config"
	"github.com/kingrea/simqueue/internal/fsutil"
	"github.com/kingrea/simqueue/internal/lock"
	"github.com/kingrea/simqueue/internal/logbook"
)

// Files the imaging tool reads and writes inside its directory.
const (
	StagedSurface = "surf.asc"
	OutputImage   = "output.jpg"
)

// Scripts understood by the imaging tool.
const (
	ExportScript      = "export_jpeg.gms"
	ExportHiresScript = "export_jpeg_hires.gms"
	ViewScript        = "view.gmw"
	ViewHiresScript   = "view_hires.gmw"
)

// ErrNoSurface is returned when a requested surface raster does not exist.
var ErrNoSurface = errors.New("render: surface not found")

// Command runs one imaging script with dir as its working directory.
type Command func(ctx context.Context, script, dir string) error

// RunScript executes script as a child process.
func RunScript(ctx context.Context, script, dir string) error {
	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("render: %s: %w: %s", filepath.Base(script), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Renderer images surface rasters through the locked imaging tool.
type Renderer struct {
	cfg     *config.Config
	lock    *lock.Sentinel
	command Command
	log     *logbook.Logbook
}

// Option customizes a Renderer.
type Option func(*Renderer)

// WithCommand replaces the script runner.
func WithCommand(c Command) Option {
	return func(r *Renderer) {
		if c != nil {
			r.command = c
		}
	}
}

// WithLock replaces the sentinel lock derived from the configuration.
func WithLock(s *lock.Sentinel) Option {
	return func(r *Renderer) {
		if s != nil {
			r.lock = s
		}
	}
}

// WithLogbook routes render reports to lb.
func WithLogbook(lb *logbook.Logbook) Option {
	return func(r *Renderer) {
		r.log = lb
	}
}

// New creates a renderer using the imager directory and lock of cfg.
func New(cfg *config.Config, opts ...Option) *Renderer {
	r := &Renderer{
		cfg:     cfg,
		command: RunScript,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lock == nil {
		owner := ""
		if r.log != nil {
			owner = r.log.Worker()
		}
		r.lock = lock.New(cfg.LockPath(), lock.WithPoll(cfg.Project.Render.LockPoll), lock.WithOwner(owner))
	}
	return r
}

// Lock returns the sentinel guarding the imaging tool.
func (r *Renderer) Lock() *lock.Sentinel {
	return r.lock
}

// Image exports surf as a JPEG written to out.
func (r *Renderer) Image(ctx context.Context, surf, out string) error {
	script := ExportScript
	if r.cfg.Project.Render.Hires {
		script = ExportHiresScript
	}
	if err := r.guarded(ctx, surf, script, out); err != nil {
		return err
	}
	r.log.Info("GM_imager output: %s", out)
	return nil
}

// View opens surf in the interactive viewer and returns when it closes.
func (r *Renderer) View(ctx context.Context, surf string) error {
	script := ViewScript
	if r.cfg.Project.Render.Hires {
		script = ViewHiresScript
	}
	r.log.Info("Viewing: %s", surf)
	return r.guarded(ctx, surf, script, "")
}

// guarded stages surf into the imager directory, runs script and collects
// the output image when out is set. Staged files and the lock are removed on
// every path so the next caller never sees stale input or output.
func (r *Renderer) guarded(ctx context.Context, surf, script, out string) error {
	if !fsutil.Exists(surf) {
		return fmt.Errorf("%w: %s", ErrNoSurface, surf)
	}
	dir := r.cfg.ImagerDir()
	staged := filepath.Join(dir, StagedSurface)
	output := filepath.Join(dir, OutputImage)
	return r.lock.With(ctx, func() (err error) {
		defer func() {
			err = errors.Join(err, removeIfPresent(staged), removeIfPresent(output))
		}()
		if err := fsutil.CopyFile(surf, staged); err != nil {
			return fmt.Errorf("render: stage %s: %w", surf, err)
		}
		if err := r.command(ctx, filepath.Join(dir, script), dir); err != nil {
			return err
		}
		if out == "" {
			return nil
		}
		if err := fsutil.CopyFile(output, out); err != nil {
			return fmt.Errorf("render: collect image: %w", err)
		}
		return nil
	})
}

// Batch images every surface raster in dir to <prefix><iteration>.jpg,
// skipping images that already exist unless overwrite is set. It keeps going
// after a failed surface and returns the images it wrote.
func (r *Renderer) Batch(ctx context.Context, dir string, overwrite bool) ([]string, error) {
	surfaces, err := r.Surfaces(dir)
	if err != nil {
		return nil, err
	}
	var written []string
	var errs []error
	for _, surf := range surfaces {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		out := filepath.Join(dir, r.cfg.Project.Render.ImagePrefix+Iteration(surf)+".jpg")
		if !overwrite && fsutil.Exists(out) {
			continue
		}
		if err := r.Image(ctx, surf, out); err != nil {
			r.log.Warn("imaging %s failed: %v", filepath.Base(surf), err)
			errs = append(errs, err)
			continue
		}
		written = append(written, out)
	}
	return written, errors.Join(errs...)
}

// Finished images every job directory under finished.
func (r *Renderer) Finished(ctx context.Context, overwrite bool) ([]string, error) {
	entries, err := os.ReadDir(r.cfg.FinishedDir())
	if err != nil {
		return nil, fmt.Errorf("render: list finished: %w", err)
	}
	var written []string
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		images, err := r.Batch(ctx, filepath.Join(r.cfg.FinishedDir(), entry.Name()), overwrite)
		written = append(written, images...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
		}
	}
	return written, errors.Join(errs...)
}

// Surfaces lists the surface rasters in dir, sorted by name.
func (r *Renderer) Surfaces(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, r.cfg.Project.Render.SurfaceGlob))
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Surface finds the raster for iteration in dir.
func (r *Renderer) Surface(dir, iteration string) (string, error) {
	surfaces, err := r.Surfaces(dir)
	if err != nil {
		return "", err
	}
	for _, surf := range surfaces {
		if Iteration(surf) == iteration {
			return surf, nil
		}
	}
	return "", fmt.Errorf("%w: iteration %s in %s", ErrNoSurface, iteration, dir)
}

// Iteration extracts the iteration from a raster name such as
// run1_surf_120.asc.
func Iteration(surf string) string {
	base := filepath.Base(surf)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	return parts[len(parts)-1]
}

func removeIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
