// Package store exposes the job store: three sibling lifecycle directories
// whose contents are the entire queue state. A job's state is the directory
// its descriptor (and, once started, its execution directory) lives in.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/simqueue/internal/config"
)

// State enumerates where a job currently sits.
type State string

const (
	StateAbsent     State = "absent"
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateFinished   State = "finished"
	// StateOrphaned marks an execution directory in processing whose
	// descriptor is gone, typically after an interrupted finalize. A
	// descriptor in processing without an execution directory is still
	// StateProcessing: claiming happens before staging.
	StateOrphaned State = "orphaned"
)

var (
	// ErrMissingDir is returned when a lifecycle directory does not exist.
	ErrMissingDir = errors.New("store: lifecycle directory missing")
	// ErrDuplicate is returned when one job name has descriptors in more than
	// one lifecycle directory.
	ErrDuplicate = errors.New("store: descriptor present in several states")
)

// Store resolves job paths inside a project's lifecycle directories.
type Store struct {
	cfg *config.Config
}

// New builds a store for the configured project.
func New(cfg *config.Config) *Store {
	return &Store{cfg: cfg}
}

// Config returns the configuration the store was built from.
func (s *Store) Config() *config.Config {
	return s.cfg
}

// Dir returns the directory backing a lifecycle state.
func (s *Store) Dir(state State) string {
	switch state {
	case StatePending:
		return s.cfg.PendingDir()
	case StateProcessing, StateOrphaned:
		return s.cfg.ProcessingDir()
	case StateFinished:
		return s.cfg.FinishedDir()
	default:
		return ""
	}
}

// DescriptorPath returns where job's descriptor lives in state.
func (s *Store) DescriptorPath(state State, job string) string {
	return filepath.Join(s.Dir(state), DescriptorName(job))
}

// ExecDir returns where job's execution directory lives in state.
func (s *Store) ExecDir(state State, job string) string {
	return filepath.Join(s.Dir(state), job)
}

// Ensure verifies every lifecycle directory exists.
func (s *Store) Ensure() error {
	for _, state := range []State{StatePending, StateProcessing, StateFinished} {
		dir := s.Dir(state)
		info, err := os.Stat(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrMissingDir, dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrMissingDir, dir)
		}
	}
	return nil
}

// List returns the names of jobs whose descriptors sit in state, sorted
// lexicographically. The order is the queue's explicit tie-break.
func (s *Store) List(state State) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(state))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingDir, s.Dir(state))
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsDescriptor(entry.Name()) {
			continue
		}
		names = append(names, JobName(entry.Name()))
	}
	sort.Strings(names)
	return names, nil
}

// Orphans returns execution directories in processing that have no
// descriptor beside them.
func (s *Store) Orphans() ([]string, error) {
	dir := s.Dir(StateProcessing)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingDir, dir)
		}
		return nil, err
	}
	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.DescriptorPath(StateProcessing, entry.Name())); errors.Is(err, fs.ErrNotExist) {
			orphans = append(orphans, entry.Name())
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// Locate reports which state job currently occupies.
func (s *Store) Locate(job string) (State, error) {
	var found []State
	for _, state := range []State{StatePending, StateProcessing, StateFinished} {
		info, err := os.Stat(s.DescriptorPath(state, job))
		if err == nil && info.Mode().IsRegular() {
			found = append(found, state)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return StateAbsent, err
		}
	}
	switch len(found) {
	case 0:
		if info, err := os.Stat(s.ExecDir(StateProcessing, job)); err == nil && info.IsDir() {
			return StateOrphaned, nil
		}
		return StateAbsent, nil
	case 1:
		return found[0], nil
	default:
		return StateAbsent, fmt.Errorf("%w: %s in %v", ErrDuplicate, job, found)
	}
}

// Snapshot captures the contents of every lifecycle directory.
type Snapshot struct {
	Pending    []string
	Processing []string
	Finished   []string
	Orphaned   []string
}

// Total returns the number of descriptors across all states.
func (s Snapshot) Total() int {
	return len(s.Pending) + len(s.Processing) + len(s.Finished)
}

// Snapshot lists every lifecycle directory.
func (s *Store) Snapshot() (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Pending, err = s.List(StatePending); err != nil {
		return Snapshot{}, err
	}
	if snap.Processing, err = s.List(StateProcessing); err != nil {
		return Snapshot{}, err
	}
	if snap.Finished, err = s.List(StateFinished); err != nil {
		return Snapshot{}, err
	}
	if snap.Orphaned, err = s.Orphans(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// IsDescriptor reports whether name carries the descriptor extension.
func IsDescriptor(name string) bool {
	return strings.HasSuffix(name, config.DescriptorExt) && len(name) > len(config.DescriptorExt)
}

// JobName strips the directory and descriptor extension from path.
func JobName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), config.DescriptorExt)
}

// DescriptorName returns the descriptor file name for job.
func DescriptorName(job string) string {
	return job + config.DescriptorExt
}
