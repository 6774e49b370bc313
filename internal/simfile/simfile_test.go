package simfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const referenceTemplate = `# reference descriptor for the current binary
this line is commentary > with a marker in the middle
> speed 1
> thickness 2
>   too_short

> bed_roughness 0.5
`

func TestParseSkipsCommentary(t *testing.T) {
	d, err := Parse(strings.NewReader(referenceTemplate))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []string{"speed", "thickness", "bed_roughness"}
	if got := d.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	if got := d.Get("bed_roughness"); got != "0.5" {
		t.Fatalf("bed_roughness = %q, want 0.5", got)
	}
}

func TestParseStripsCarriageReturns(t *testing.T) {
	d, err := Parse(strings.NewReader("> speed 10\r\n> thickness 5\r\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := d.Get("speed"); got != "10" {
		t.Fatalf("speed = %q, want 10", got)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	d := New(Pair{"speed", "10"}, Pair{"thickness", "5"}, Pair{"name", "run_1"})
	path := filepath.Join(t.TempDir(), "nested", "run1.simfile")
	if err := d.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "> speed 10\n> thickness 5\n> name run_1\n"; got != want {
		t.Fatalf("written = %q, want %q", got, want)
	}
	back, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(back.Pairs(), d.Pairs()) {
		t.Fatalf("round trip = %v, want %v", back.Pairs(), d.Pairs())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left beside descriptor: %d entries", len(entries))
	}
}

func TestAssignUnknownKeyLeavesPairsUnchanged(t *testing.T) {
	d := New(Pair{"speed", "10"}, Pair{"thickness", "5"})
	before := d.Pairs()
	err := d.Assign("velocity", "3")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Assign unknown = %v, want ErrUnknownKey", err)
	}
	if !reflect.DeepEqual(d.Pairs(), before) {
		t.Fatalf("pairs changed: %v", d.Pairs())
	}
}

func TestAssignRejectsWhitespaceValues(t *testing.T) {
	d := New(Pair{"speed", "10"})
	for _, value := range []string{"", "1 0", "1\t0"} {
		if err := d.Assign("speed", value); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("Assign(%q) = %v, want ErrInvalidValue", value, err)
		}
	}
	if d.Get("speed") != "10" {
		t.Fatalf("value changed to %q", d.Get("speed"))
	}
}

func TestGetUnknownKeyPanics(t *testing.T) {
	d := New(Pair{"speed", "10"})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Get on unknown key to panic")
		}
	}()
	_ = d.Get("velocity")
}

func TestApplyKeepsValidAssignments(t *testing.T) {
	d := New(Pair{"speed", "10"}, Pair{"thickness", "5"})
	err := d.Apply(map[string]string{"speed": "20", "bogus": "1"})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Apply = %v, want ErrUnknownKey", err)
	}
	if d.Get("speed") != "20" {
		t.Fatalf("speed = %q, want 20", d.Get("speed"))
	}
}

func TestOverlayOntoTemplate(t *testing.T) {
	tmpl, err := Parse(strings.NewReader(referenceTemplate))
	if err != nil {
		t.Fatal(err)
	}
	run := tmpl.Clone()
	if err := run.Overlay(New(Pair{"thickness", "9"})); err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if run.Get("thickness") != "9" || tmpl.Get("thickness") != "2" {
		t.Fatalf("clone not independent: run=%s tmpl=%s", run.Get("thickness"), tmpl.Get("thickness"))
	}
	var buf bytes.Buffer
	if _, err := run.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "> speed 1\n> thickness 9\n") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestLoadTemplateRequiresKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reference.simfile")
	if err := os.WriteFile(path, []byte("# nothing here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTemplate(path); err == nil {
		t.Fatalf("expected error for empty template")
	}
}
