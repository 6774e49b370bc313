// Package manifest records how a job run went in a small JSON file kept inside
// its execution directory, so the record travels with the artifacts into
// finished (or stays in processing for diagnosis).
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileName is the manifest's name inside an execution directory.
const FileName = "simqueue-run.json"

const timeLayout = time.RFC3339

// ErrMissing is returned by Read when a directory has no manifest.
var ErrMissing = errors.New("manifest: not found")

// Manifest describes one run of a job.
type Manifest struct {
	Job        string
	Worker     string
	Checksum   string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Images     []string
	Notes      map[string]string
}

// Succeeded reports whether the binary exited 0.
func (m Manifest) Succeeded() bool {
	return m.ExitCode == 0
}

// Duration is the wall time of the run.
func (m Manifest) Duration() time.Duration {
	if m.StartedAt.IsZero() || m.FinishedAt.IsZero() {
		return 0
	}
	return m.FinishedAt.Sub(m.StartedAt)
}

// Checksum returns the sha256 of the file at path, used to tie a manifest to
// the exact descriptor that was run.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write stores m in dir, replacing any manifest from an earlier attempt.
func Write(dir string, m Manifest) error {
	if m.Job == "" {
		return fmt.Errorf("manifest: job name is required")
	}
	payload := map[string]any{
		"job":       m.Job,
		"worker":    m.Worker,
		"exit_code": m.ExitCode,
		"started":   formatTime(m.StartedAt),
		"finished":  formatTime(m.FinishedAt),
	}
	if m.Checksum != "" {
		payload["checksum"] = m.Checksum
	}
	if len(m.Images) > 0 {
		payload["images"] = append([]string{}, m.Images...)
	}
	if len(m.Notes) > 0 {
		notes := make(map[string]string, len(m.Notes))
		for k, v := range m.Notes {
			notes[k] = v
		}
		payload["notes"] = notes
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode %s: %w", m.Job, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, FileName), append(encoded, '\n'), 0o644)
}

// Read loads the manifest from dir.
func Read(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w in %s", ErrMissing, dir)
		}
		return Manifest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("manifest: parse %s: %w", dir, err)
	}
	return fromMap(raw)
}

func fromMap(raw map[string]any) (Manifest, error) {
	var m Manifest
	job, _ := raw["job"].(string)
	if job == "" {
		return Manifest{}, fmt.Errorf("manifest: missing job")
	}
	m.Job = job
	m.Worker, _ = raw["worker"].(string)
	m.Checksum, _ = raw["checksum"].(string)
	code, ok := raw["exit_code"].(float64)
	if !ok {
		return Manifest{}, fmt.Errorf("manifest: %s has no exit code", job)
	}
	m.ExitCode = int(code)
	var err error
	if m.StartedAt, err = parseTime(raw["started"]); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %s started: %w", job, err)
	}
	if m.FinishedAt, err = parseTime(raw["finished"]); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %s finished: %w", job, err)
	}
	if images, ok := raw["images"].([]any); ok {
		for _, img := range images {
			if s, ok := img.(string); ok {
				m.Images = append(m.Images, s)
			}
		}
	}
	if notes, ok := raw["notes"].(map[string]any); ok {
		m.Notes = make(map[string]string, len(notes))
		for k, v := range notes {
			m.Notes[k] = fmt.Sprint(v)
		}
	}
	return m, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v any) (time.Time, error) {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
