// internal/config/config.go
//
// This package handles configuration and the on-disk layout of a queue
// project. Every directory where workers run gets a simqueue.yaml plus the
// three lifecycle directories that encode queue state.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the project configuration file created in each project root.
	FileName = "simqueue.yaml"

	// StateDir holds worker-local bookkeeping (logs) that is not queue state.
	StateDir = ".simqueue"

	// RepositoryEnv overrides toolchain.repository.
	RepositoryEnv = "SIMQUEUE_REPOSITORY"

	// DescriptorExt is the fixed descriptor extension used to derive job names.
	DescriptorExt = ".simfile"
)

const defaultProjectConfigYAML = `# simqueue project configuration
version: 1

# Lifecycle directories. The directory a descriptor lives in is its queue state.
directories:
  pending: pending
  processing: processing
  finished: finished
  static: static

# Local copy of the simulation toolchain. Everything in bin_dir is copied into
# each execution directory before the binary is invoked.
toolchain:
  # repository: /shared/stab        # or set SIMQUEUE_REPOSITORY
  bin_dir: toolchain/bin
  imager_dir: toolchain/imager
  # binary: stab                    # defaults to stab (stab.exe on windows)

worker:
  verbose: false
  render_images: false
  start_attempts: 3
  start_delay: 100ms

render:
  hires: true
  lock_file: LOCKED
  lock_poll: 1s
  surface_glob: "*_surf_*.asc"
  image_prefix: _gm_img_
`

// Directories names the lifecycle directories relative to the project.
type Directories struct {
	Pending    string `yaml:"pending"`
	Processing string `yaml:"processing"`
	Finished   string `yaml:"finished"`
	Static     string `yaml:"static"`
}

// Toolchain locates the simulation binary and its support files.
type Toolchain struct {
	Repository string `yaml:"repository,omitempty"`
	BinDir     string `yaml:"bin_dir"`
	ImagerDir  string `yaml:"imager_dir"`
	Binary     string `yaml:"binary,omitempty"`
}

// WorkerConfig captures worker loop preferences.
type WorkerConfig struct {
	Verbose       bool          `yaml:"verbose"`
	RenderImages  bool          `yaml:"render_images"`
	StartAttempts int           `yaml:"start_attempts"`
	StartDelay    time.Duration `yaml:"start_delay"`
}

// RenderConfig controls the renderer collaborator and its lock.
type RenderConfig struct {
	Hires       bool          `yaml:"hires"`
	LockFile    string        `yaml:"lock_file"`
	LockPoll    time.Duration `yaml:"lock_poll"`
	SurfaceGlob string        `yaml:"surface_glob"`
	ImagePrefix string        `yaml:"image_prefix"`
}

// ProjectConfig models simqueue.yaml.
type ProjectConfig struct {
	Version     int          `yaml:"version"`
	Directories Directories  `yaml:"directories"`
	Toolchain   Toolchain    `yaml:"toolchain"`
	Worker      WorkerConfig `yaml:"worker"`
	Render      RenderConfig `yaml:"render"`
}

// Config holds the runtime configuration passed to every queue operation.
type Config struct {
	// ProjectDir is the directory shared by all workers of one queue.
	ProjectDir string

	Project ProjectConfig
}

// InitProject creates the lifecycle and toolchain directories in projectDir
// and writes a default simqueue.yaml when none exists.
//
// Structure created:
// <project>/
// ├── pending/
// ├── processing/
// ├── finished/
// ├── static/
// ├── toolchain/bin/
// ├── toolchain/imager/
// └── .simqueue/logs/
func InitProject(projectDir string) (*Config, error) {
	if err := ensureProjectConfig(filepath.Join(projectDir, FileName)); err != nil {
		return nil, fmt.Errorf("config: write default config: %w", err)
	}
	cfg, err := Load(projectDir)
	if err != nil {
		return nil, err
	}
	dirs := []string{
		cfg.PendingDir(),
		cfg.ProcessingDir(),
		cfg.FinishedDir(),
		cfg.StaticDir(),
		cfg.BinDir(),
		cfg.ImagerDir(),
		filepath.Dir(cfg.LogPath()),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return cfg, nil
}

// Load reads simqueue.yaml from projectDir. A missing file yields defaults.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{ProjectDir: abs, Project: DefaultProjectConfig()}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	if repo := strings.TrimSpace(os.Getenv(RepositoryEnv)); repo != "" {
		cfg.Project.Toolchain.Repository = resolvePath(abs, repo)
	}
	return cfg, nil
}

// DefaultProjectConfig returns the configuration used when simqueue.yaml is
// absent or leaves fields unset.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Directories: Directories{
			Pending:    "pending",
			Processing: "processing",
			Finished:   "finished",
			Static:     "static",
		},
		Toolchain: Toolchain{
			BinDir:    filepath.Join("toolchain", "bin"),
			ImagerDir: filepath.Join("toolchain", "imager"),
		},
		Worker: WorkerConfig{
			StartAttempts: 3,
			StartDelay:    100 * time.Millisecond,
		},
		Render: RenderConfig{
			Hires:       true,
			LockFile:    "LOCKED",
			LockPoll:    time.Second,
			SurfaceGlob: "*_surf_*.asc",
			ImagePrefix: "_gm_img_",
		},
	}
}

// PendingDir returns the directory of queued descriptors.
func (c *Config) PendingDir() string {
	return c.path(c.Project.Directories.Pending)
}

// ProcessingDir returns the directory of claimed descriptors and execution dirs.
func (c *Config) ProcessingDir() string {
	return c.path(c.Project.Directories.Processing)
}

// FinishedDir returns the archive of successful runs.
func (c *Config) FinishedDir() string {
	return c.path(c.Project.Directories.Finished)
}

// StaticDir returns the directory for shared static inputs.
func (c *Config) StaticDir() string {
	return c.path(c.Project.Directories.Static)
}

// BinDir returns the local support-file set copied into each execution dir.
func (c *Config) BinDir() string {
	return c.path(c.Project.Toolchain.BinDir)
}

// ImagerDir returns the fixed working location of the renderer.
func (c *Config) ImagerDir() string {
	return c.path(c.Project.Toolchain.ImagerDir)
}

// Repository returns the shared toolchain source, or "" when unset.
func (c *Config) Repository() string {
	return c.Project.Toolchain.Repository
}

// LockPath returns the renderer sentinel lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.ImagerDir(), c.Project.Render.LockFile)
}

// LogPath returns the queue journal written by every worker of this project.
func (c *Config) LogPath() string {
	return filepath.Join(c.ProjectDir, StateDir, "logs", "queue.log")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.ProjectDir, FileName)
}

// BinaryName returns the simulation executable name for this platform.
func (c *Config) BinaryName() string {
	if name := strings.TrimSpace(c.Project.Toolchain.Binary); name != "" {
		return name
	}
	return defaultBinaryName(runtime.GOOS)
}

func defaultBinaryName(goos string) string {
	if goos == "windows" {
		return "stab.exe"
	}
	return "stab"
}

// Save writes the project configuration back to simqueue.yaml.
func (c *Config) Save() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}

func (c *Config) path(candidate string) string {
	return resolvePath(c.ProjectDir, candidate)
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := DefaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func (pc *ProjectConfig) applyDefaults() {
	def := DefaultProjectConfig()
	if pc.Version == 0 {
		pc.Version = def.Version
	}
	setDefault(&pc.Directories.Pending, def.Directories.Pending)
	setDefault(&pc.Directories.Processing, def.Directories.Processing)
	setDefault(&pc.Directories.Finished, def.Directories.Finished)
	setDefault(&pc.Directories.Static, def.Directories.Static)
	setDefault(&pc.Toolchain.BinDir, def.Toolchain.BinDir)
	setDefault(&pc.Toolchain.ImagerDir, def.Toolchain.ImagerDir)
	setDefault(&pc.Render.LockFile, def.Render.LockFile)
	setDefault(&pc.Render.SurfaceGlob, def.Render.SurfaceGlob)
	setDefault(&pc.Render.ImagePrefix, def.Render.ImagePrefix)
	if pc.Worker.StartAttempts <= 0 {
		pc.Worker.StartAttempts = def.Worker.StartAttempts
	}
	if pc.Worker.StartDelay <= 0 {
		pc.Worker.StartDelay = def.Worker.StartDelay
	}
	if pc.Render.LockPoll <= 0 {
		pc.Render.LockPoll = def.Render.LockPoll
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Directories.Pending = strings.TrimSpace(pc.Directories.Pending)
	pc.Directories.Processing = strings.TrimSpace(pc.Directories.Processing)
	pc.Directories.Finished = strings.TrimSpace(pc.Directories.Finished)
	pc.Directories.Static = strings.TrimSpace(pc.Directories.Static)
	pc.Toolchain.Repository = resolvePath(base, pc.Toolchain.Repository)
	pc.Toolchain.Binary = strings.TrimSpace(pc.Toolchain.Binary)
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	dirs := map[string]string{
		"pending":    filepath.Clean(pc.Directories.Pending),
		"processing": filepath.Clean(pc.Directories.Processing),
		"finished":   filepath.Clean(pc.Directories.Finished),
	}
	seen := map[string]string{}
	for _, key := range []string{"pending", "processing", "finished"} {
		if other, ok := seen[dirs[key]]; ok {
			return fmt.Errorf("directories.%s and directories.%s must differ", other, key)
		}
		seen[dirs[key]] = key
	}
	if strings.ContainsAny(pc.Render.LockFile, `/\`) {
		return fmt.Errorf("render.lock_file must be a bare file name")
	}
	return nil
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
