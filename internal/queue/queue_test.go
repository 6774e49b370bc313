package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/simqueue/internal/config"
	"github.com/kingrea/simqueue/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *config.Config) {
	t.Helper()
	cfg, err := config.InitProject(t.TempDir())
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return New(store.New(cfg)), cfg
}

func addPending(t *testing.T, q *Queue, names ...string) {
	t.Helper()
	for _, name := range names {
		path := q.Store().DescriptorPath(store.StatePending, name)
		if err := os.WriteFile(path, []byte("> speed 10\n> thickness 5\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func mustList(t *testing.T, q *Queue, state store.State) []string {
	t.Helper()
	names, err := q.Store().List(state)
	if err != nil {
		t.Fatalf("list %s: %v", state, err)
	}
	return names
}

func TestAcquireTakesLexicographicallyFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	addPending(t, q, "run_b", "run_a", "run_c")
	job, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if job.Name != "run_a" {
		t.Fatalf("acquired %s, want run_a", job.Name)
	}
	if _, err := os.Stat(job.Descriptor); err != nil {
		t.Fatalf("descriptor not in processing: %v", err)
	}
	if filepath.Base(job.ExecDir) != "run_a" {
		t.Fatalf("exec dir = %s", job.ExecDir)
	}
	if got := mustList(t, q, store.StatePending); len(got) != 2 {
		t.Fatalf("pending = %v, want two left", got)
	}
}

func TestAcquireEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Acquire(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Acquire on empty = %v, want ErrEmpty", err)
	}
}

func TestAcquireSkipsNameAlreadyInProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	addPending(t, q, "a", "b")
	if err := os.WriteFile(q.Store().DescriptorPath(store.StateProcessing, "a"), []byte("> x 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	job, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if job.Name != "b" {
		t.Fatalf("acquired %s, want b", job.Name)
	}
	if _, err := q.Acquire(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("second Acquire = %v, want ErrEmpty", err)
	}
	if got := mustList(t, q, store.StatePending); len(got) != 1 || got[0] != "a" {
		t.Fatalf("pending = %v, want [a] untouched", got)
	}
}

func TestConcurrentAcquireClaimsEachDescriptorOnce(t *testing.T) {
	const descriptors = 60
	const workers = 8
	q, cfg := newTestQueue(t)
	var names []string
	for i := 0; i < descriptors; i++ {
		names = append(names, fmt.Sprintf("job%03d", i))
	}
	addPending(t, q, names...)

	var mu sync.Mutex
	claimed := map[string]int{}
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		// Each worker gets its own Queue value, like separate processes.
		worker := New(store.New(cfg))
		g.Go(func() error {
			for {
				job, err := worker.Acquire(context.Background())
				if errors.Is(err, ErrEmpty) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				claimed[job.Name]++
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(claimed) != descriptors {
		t.Fatalf("claimed %d descriptors, want %d", len(claimed), descriptors)
	}
	for name, count := range claimed {
		if count != 1 {
			t.Fatalf("%s claimed %d times", name, count)
		}
	}
	if pending := mustList(t, q, store.StatePending); len(pending) != 0 {
		t.Fatalf("pending not empty: %v", pending)
	}
	processing := mustList(t, q, store.StateProcessing)
	if len(processing) != descriptors {
		t.Fatalf("processing has %d, want %d", len(processing), descriptors)
	}
}

func TestReleaseSuccessArchivesDescriptorAndExecDir(t *testing.T) {
	q, _ := newTestQueue(t)
	addPending(t, q, "run1")
	job, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := os.MkdirAll(job.ExecDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(job.ExecDir, "run1_surf_10.asc"), []byte("surface"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A previous run of the same name is replaced, not merged.
	stale := q.Store().ExecDir(store.StateFinished, "run1")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stale, "old.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := q.Release(job, true); err != nil {
		t.Fatalf("Release: %v", err)
	}
	state, err := q.Store().Locate("run1")
	if err != nil || state != store.StateFinished {
		t.Fatalf("Locate = %s, %v; want finished", state, err)
	}
	if _, err := os.Stat(job.ExecDir); !os.IsNotExist(err) {
		t.Fatalf("exec dir still in processing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stale, "run1_surf_10.asc")); err != nil {
		t.Fatalf("artifact not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(stale, "old.txt")); !os.IsNotExist(err) {
		t.Fatalf("previous run not replaced")
	}
}

func TestReleaseFailureLeavesJobInProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	addPending(t, q, "bad")
	job, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(job.ExecDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(job, false); err != nil {
		t.Fatalf("Release(false): %v", err)
	}
	if state, _ := q.Store().Locate("bad"); state != store.StateProcessing {
		t.Fatalf("state = %s, want processing", state)
	}
	if _, err := os.Stat(job.ExecDir); err != nil {
		t.Fatalf("exec dir removed on failure: %v", err)
	}
}

func TestReleaseWithoutExecDirReportsFinalizeError(t *testing.T) {
	q, _ := newTestQueue(t)
	addPending(t, q, "nodir")
	job, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	err = q.Release(job, true)
	var ferr *FinalizeError
	if !errors.As(err, &ferr) || !errors.Is(err, ErrIncompleteArchive) {
		t.Fatalf("Release = %v, want FinalizeError", err)
	}
	// The descriptor move is not rolled back.
	if state, _ := q.Store().Locate("nodir"); state != store.StateFinished {
		t.Fatalf("state = %s, want finished", state)
	}
}

func TestAdoptCopiesDescriptorIntoProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	external := filepath.Join(t.TempDir(), "adhoc.simfile")
	if err := os.WriteFile(external, []byte("> speed 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	job, err := q.Adopt(external)
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if job.Name != "adhoc" {
		t.Fatalf("job name = %s", job.Name)
	}
	if _, err := os.Stat(external); err != nil {
		t.Fatalf("source descriptor should be left in place: %v", err)
	}
	if state, _ := q.Store().Locate("adhoc"); state != store.StateProcessing {
		t.Fatalf("state = %s, want processing", state)
	}
	if _, err := q.Adopt(filepath.Join(t.TempDir(), "notes.txt")); err == nil {
		t.Fatalf("Adopt should reject missing/non-descriptor files")
	}
}

func TestHousecleanRequeuesOrphans(t *testing.T) {
	q, cfg := newTestQueue(t)
	addPending(t, q, "o1", "o2", "o3")
	for i := 0; i < 3; i++ {
		job, err := q.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if err := os.MkdirAll(job.ExecDir, 0o755); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := os.MkdirAll(q.Store().ExecDir(store.StateProcessing, "stale"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.LockPath(), []byte("LOCKED"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := q.Houseclean(cfg.LockPath())
	if err != nil {
		t.Fatalf("Houseclean: %v", err)
	}
	if len(report.Requeued) != 3 {
		t.Fatalf("requeued %v, want 3", report.Requeued)
	}
	if !report.LockCleared {
		t.Fatalf("expected lock cleared")
	}
	if got := mustList(t, q, store.StatePending); len(got) != 3 {
		t.Fatalf("pending = %v, want 3", got)
	}
	entries, err := os.ReadDir(cfg.ProcessingDir())
	if err != nil {
		t.Fatalf("processing not recreated: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("processing not empty: %d entries", len(entries))
	}
	if _, err := os.Stat(cfg.LockPath()); !os.IsNotExist(err) {
		t.Fatalf("lock file still present")
	}

	again, err := q.Houseclean(cfg.LockPath())
	if err != nil {
		t.Fatalf("second Houseclean: %v", err)
	}
	if len(again.Requeued) != 0 || again.LockCleared {
		t.Fatalf("second pass should be a no-op: %+v", again)
	}
}

func TestAcquireEmptyWhenEveryPendingNameIsBlocked(t *testing.T) {
	q, _ := newTestQueue(t)
	addPending(t, q, "a", "b")
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(q.Store().DescriptorPath(store.StateProcessing, name), []byte("> x 1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := q.Acquire(context.Background()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Acquire = %v, want ErrEmpty", err)
	}
	if got := mustList(t, q, store.StatePending); len(got) != 2 {
		t.Fatalf("pending = %v, want both descriptors left in place", got)
	}
}

func TestHousecleanFailsWhenProcessingCannotBeRemoved(t *testing.T) {
	q, cfg := newTestQueue(t)
	addPending(t, q, "stuck")
	if _, err := q.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	denied := errors.New("operation not permitted")
	q.removeAll = func(string) error { return denied }

	_, err := q.Houseclean(cfg.LockPath())
	if !errors.Is(err, ErrEnvironment) || !errors.Is(err, denied) {
		t.Fatalf("Houseclean = %v, want environment error wrapping the removal failure", err)
	}
	if got := mustList(t, q, store.StatePending); len(got) != 1 || got[0] != "stuck" {
		t.Fatalf("pending = %v, want descriptor requeued before the failure", got)
	}
}

func TestHousecleanFailsWhenProcessingTreeSurvives(t *testing.T) {
	q, cfg := newTestQueue(t)
	stale := q.Store().ExecDir(store.StateProcessing, "stale")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	// Removal reports success but leaves the tree behind, as a partially
	// failed delete on some filesystems does.
	q.removeAll = func(string) error { return nil }

	if _, err := q.Houseclean(cfg.LockPath()); !errors.Is(err, ErrEnvironment) {
		t.Fatalf("Houseclean = %v, want ErrEnvironment", err)
	}
	if _, err := os.Stat(stale); err != nil {
		t.Fatalf("stale exec dir: %v", err)
	}
}

func TestHousecleanKeepsPendingDescriptorOfSameName(t *testing.T) {
	q, _ := newTestQueue(t)
	addPending(t, q, "rerun")
	if _, err := q.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	newer := []byte("> speed 99\n")
	if err := os.WriteFile(q.Store().DescriptorPath(store.StatePending, "rerun"), newer, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := q.Houseclean("")
	if err != nil {
		t.Fatalf("Houseclean: %v", err)
	}
	if len(report.Requeued) != 0 {
		t.Fatalf("requeued %v, want the processing copy discarded", report.Requeued)
	}
	data, err := os.ReadFile(q.Store().DescriptorPath(store.StatePending, "rerun"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(newer) {
		t.Fatalf("pending descriptor = %q, want %q", data, newer)
	}
	entries, err := os.ReadDir(q.Store().Dir(store.StateProcessing))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("processing not empty: %d entries", len(entries))
	}
}
