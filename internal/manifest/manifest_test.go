package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	in := Manifest{
		Job:        "run1",
		Worker:     "ab12cd34",
		Checksum:   "deadbeef",
		ExitCode:   3,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Images:     []string{"_gm_img_10.jpg"},
		Notes:      map[string]string{"render_error": "imager unavailable"},
	}
	if err := Write(dir, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if out.Job != "run1" || out.Worker != "ab12cd34" || out.ExitCode != 3 || out.Succeeded() {
		t.Fatalf("manifest = %+v", out)
	}
	if out.Duration() != 90*time.Second {
		t.Fatalf("duration = %s", out.Duration())
	}
	if len(out.Images) != 1 || out.Notes["render_error"] != "imager unavailable" {
		t.Fatalf("images/notes = %v %v", out.Images, out.Notes)
	}
}

func TestReadMissingAndInvalid(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(dir); !errors.Is(err, ErrMissing) {
		t.Fatalf("Read on empty dir = %v, want ErrMissing", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(`{"worker":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir); err == nil {
		t.Fatalf("expected error for manifest without job")
	}
	if err := Write(dir, Manifest{}); err == nil {
		t.Fatalf("Write should require a job name")
	}
}

func TestChecksumTracksContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.simfile")
	if err := os.WriteFile(path, []byte("> speed 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := Checksum(path)
	if err != nil || len(first) != 64 {
		t.Fatalf("Checksum = %q, %v", first, err)
	}
	if err := os.WriteFile(path, []byte("> speed 11\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, _ := Checksum(path)
	if first == second {
		t.Fatalf("checksum did not change with content")
	}
}
