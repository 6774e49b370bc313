package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kingrea/simqueue/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg, err := config.InitProject(t.TempDir())
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	return New(cfg)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("> speed 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListSortsAndFiltersDescriptors(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"run3.simfile", "run1.simfile", "notes.txt", ".simfile", "run2.simfile"} {
		touch(t, filepath.Join(s.Dir(StatePending), name))
	}
	if err := os.Mkdir(filepath.Join(s.Dir(StatePending), "dir.simfile"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := s.List(StatePending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"run1", "run2", "run3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
}

func TestLocateStates(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.DescriptorPath(StatePending, "a"))
	touch(t, s.DescriptorPath(StateProcessing, "b"))
	touch(t, s.DescriptorPath(StateFinished, "c"))
	if err := os.Mkdir(s.ExecDir(StateProcessing, "d"), 0o755); err != nil {
		t.Fatal(err)
	}
	cases := map[string]State{
		"a": StatePending,
		"b": StateProcessing,
		"c": StateFinished,
		"d": StateOrphaned,
		"e": StateAbsent,
	}
	for job, want := range cases {
		got, err := s.Locate(job)
		if err != nil {
			t.Fatalf("Locate(%s): %v", job, err)
		}
		if got != want {
			t.Fatalf("Locate(%s) = %s, want %s", job, got, want)
		}
	}
}

func TestLocateReportsDuplicates(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.DescriptorPath(StatePending, "dup"))
	touch(t, s.DescriptorPath(StateFinished, "dup"))
	if _, err := s.Locate("dup"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Locate duplicate = %v, want ErrDuplicate", err)
	}
}

func TestEnsureDetectsMissingDirectory(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ensure(); err != nil {
		t.Fatalf("Ensure on fresh project: %v", err)
	}
	if err := os.RemoveAll(s.Dir(StateFinished)); err != nil {
		t.Fatal(err)
	}
	if err := s.Ensure(); !errors.Is(err, ErrMissingDir) {
		t.Fatalf("Ensure = %v, want ErrMissingDir", err)
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.DescriptorPath(StatePending, "p1"))
	touch(t, s.DescriptorPath(StatePending, "p2"))
	touch(t, s.DescriptorPath(StateProcessing, "r1"))
	if err := os.Mkdir(s.ExecDir(StateProcessing, "r1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(s.ExecDir(StateProcessing, "lost"), 0o755); err != nil {
		t.Fatal(err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Pending) != 2 || len(snap.Processing) != 1 || len(snap.Finished) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !reflect.DeepEqual(snap.Orphaned, []string{"lost"}) {
		t.Fatalf("orphaned = %v, want [lost]", snap.Orphaned)
	}
	if snap.Total() != 3 {
		t.Fatalf("total = %d, want 3", snap.Total())
	}
}

func TestJobName(t *testing.T) {
	if got := JobName(filepath.Join("a", "b", "run1.simfile")); got != "run1" {
		t.Fatalf("JobName = %s, want run1", got)
	}
	if got := DescriptorName("run1"); got != "run1.simfile" {
		t.Fatalf("DescriptorName = %s", got)
	}
}

func TestClaimedDescriptorWithoutExecDirIsProcessing(t *testing.T) {
	s := newTestStore(t)
	touch(t, s.DescriptorPath(StateProcessing, "claimed"))
	state, err := s.Locate("claimed")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if state != StateProcessing {
		t.Fatalf("Locate = %s, want processing", state)
	}
	orphans, err := s.Orphans()
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("Orphans = %v, want none", orphans)
	}
}
