// Package deploy refreshes the local toolchain from the shared repository.
package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/simqueue/internal/config"
	"github.com/kingrea/simqueue/internal/fsutil"
)

// Repository subdirectories mirrored into the project.
const (
	RepoBinDir    = "bin"
	RepoImagerDir = "imager"
)

// ErrNoRepository is returned when no toolchain repository is configured or
// it cannot be found.
var ErrNoRepository = errors.New("deploy: toolchain repository not available")

// Report lists the files copied into each local directory.
type Report struct {
	Bin    []string
	Imager []string
}

// Fresh creates any missing project directories and copies the repository's
// bin and imager files over the local copies.
func Fresh(cfg *config.Config) (Report, error) {
	var report Report
	repo := cfg.Repository()
	if repo == "" {
		return report, fmt.Errorf("%w: set toolchain.repository or %s", ErrNoRepository, config.RepositoryEnv)
	}
	if !fsutil.IsDir(repo) {
		return report, fmt.Errorf("%w: %s", ErrNoRepository, repo)
	}
	dirs := []string{
		cfg.PendingDir(),
		cfg.ProcessingDir(),
		cfg.FinishedDir(),
		cfg.StaticDir(),
		cfg.BinDir(),
		cfg.ImagerDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return report, fmt.Errorf("deploy: create %s: %w", dir, err)
		}
	}

	var g errgroup.Group
	mirror := func(sub, dst string, into *[]string) {
		g.Go(func() error {
			src := filepath.Join(repo, sub)
			if !fsutil.IsDir(src) {
				return fmt.Errorf("%w: missing %s", ErrNoRepository, src)
			}
			copied, err := fsutil.CopyFiles(src, dst)
			*into = copied
			if err != nil {
				return fmt.Errorf("deploy: copy %s: %w", sub, err)
			}
			return nil
		})
	}
	mirror(RepoBinDir, cfg.BinDir(), &report.Bin)
	mirror(RepoImagerDir, cfg.ImagerDir(), &report.Imager)
	return report, g.Wait()
}

// Reset discards the local toolchain directories before fetching them again,
// dropping files that no longer exist in the repository.
func Reset(cfg *config.Config) (Report, error) {
	if cfg.Repository() == "" || !fsutil.IsDir(cfg.Repository()) {
		return Report{}, fmt.Errorf("%w: %q", ErrNoRepository, cfg.Repository())
	}
	for _, dir := range []string{cfg.BinDir(), cfg.ImagerDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return Report{}, fmt.Errorf("deploy: remove %s: %w", dir, err)
		}
	}
	return Fresh(cfg)
}
