// Package simfile reads and writes job descriptors: small text files of
// key/value parameters consumed by the simulation binary. Data lines start
// with the ">" marker; every other line is commentary and is ignored.
//
//	# free-form commentary
//	> speed 10
//	> thickness 5
package simfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Marker prefixes every data line.
const Marker = ">"

var (
	// ErrUnknownKey is returned when assigning a key the template does not define.
	ErrUnknownKey = errors.New("simfile: unknown key")
	// ErrInvalidValue is returned for values that cannot survive a write/read cycle.
	ErrInvalidValue = errors.New("simfile: invalid value")
)

// Pair is one key/value parameter.
type Pair struct {
	Key   string
	Value string
}

// Descriptor is an ordered set of unique keys. The key set is fixed at
// construction; only values change afterwards.
type Descriptor struct {
	pairs []Pair
	index map[string]int
}

// New builds a descriptor from pairs. A repeated key keeps its first position
// and its last value.
func New(pairs ...Pair) *Descriptor {
	d := &Descriptor{index: make(map[string]int, len(pairs))}
	for _, p := range pairs {
		d.put(p.Key, p.Value)
	}
	return d
}

// Parse scans r for data lines. A line is data only when it has more than two
// whitespace-separated tokens and the first one is the marker.
func Parse(r io.Reader) (*Descriptor, error) {
	d := New()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) <= 2 || fields[0] != Marker {
			continue
		}
		d.put(fields[1], strings.TrimRight(fields[2], "\r\n"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("simfile: scan: %w", err)
	}
	return d, nil
}

// Read parses the descriptor stored at path.
func Read(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("simfile: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// LoadTemplate reads the reference descriptor that enumerates every key the
// current binary understands. New descriptors start as a clone of it.
func LoadTemplate(path string) (*Descriptor, error) {
	d, err := Read(path)
	if err != nil {
		return nil, err
	}
	if d.Len() == 0 {
		return nil, fmt.Errorf("simfile: template %s defines no keys", path)
	}
	return d, nil
}

// Len returns the number of pairs.
func (d *Descriptor) Len() int {
	return len(d.pairs)
}

// Keys returns the keys in stored order.
func (d *Descriptor) Keys() []string {
	keys := make([]string, len(d.pairs))
	for i, p := range d.pairs {
		keys[i] = p.Key
	}
	return keys
}

// Pairs returns a copy of the pairs in stored order.
func (d *Descriptor) Pairs() []Pair {
	out := make([]Pair, len(d.pairs))
	copy(out, d.pairs)
	return out
}

// Clone returns an independent copy.
func (d *Descriptor) Clone() *Descriptor {
	return New(d.pairs...)
}

// Assign sets the value of an existing key. Unknown keys and values that
// contain whitespace are rejected and leave the descriptor unchanged.
func (d *Descriptor) Assign(key, value string) error {
	i, ok := d.index[key]
	if !ok {
		return fmt.Errorf("%w: %s, no assignment made", ErrUnknownKey, key)
	}
	if err := validateValue(value); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidValue, key, err)
	}
	d.pairs[i].Value = value
	return nil
}

// Apply assigns every value in values. Valid assignments are kept even when
// others fail; the returned error joins every failure.
func (d *Descriptor) Apply(values map[string]string) error {
	var errs []error
	for _, key := range sortedKeys(values) {
		if err := d.Assign(key, values[key]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Overlay assigns every pair of other onto d, as when an existing descriptor
// is read against the reference template.
func (d *Descriptor) Overlay(other *Descriptor) error {
	var errs []error
	for _, p := range other.pairs {
		if err := d.Assign(p.Key, p.Value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the value for key and whether it exists.
func (d *Descriptor) Lookup(key string) (string, bool) {
	i, ok := d.index[key]
	if !ok {
		return "", false
	}
	return d.pairs[i].Value, true
}

// Get returns the value for key. Asking for a key the descriptor does not
// define is a programming error and panics.
func (d *Descriptor) Get(key string) string {
	value, ok := d.Lookup(key)
	if !ok {
		panic(fmt.Sprintf("simfile: cannot find element %q", key))
	}
	return value
}

// WriteTo emits one "> key value" line per pair in stored order.
func (d *Descriptor) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	for _, p := range d.pairs {
		buf.WriteString(Marker)
		buf.WriteByte(' ')
		buf.WriteString(p.Key)
		buf.WriteByte(' ')
		buf.WriteString(p.Value)
		buf.WriteByte('\n')
	}
	return buf.WriteTo(w)
}

// WriteFile writes the descriptor to path, creating parent directories. The
// content lands in a temporary file first and is renamed into place, so a
// worker polling the directory never sees a partial descriptor.
func (d *Descriptor) WriteFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("simfile: ensure dir: %w", err)
	}
	var buf bytes.Buffer
	if _, err := d.WriteTo(&buf); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("simfile: write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("simfile: write %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("simfile: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("simfile: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("simfile: write %s: %w", path, err)
	}
	return nil
}

func (d *Descriptor) put(key, value string) {
	if i, ok := d.index[key]; ok {
		d.pairs[i].Value = value
		return
	}
	d.index[key] = len(d.pairs)
	d.pairs = append(d.pairs, Pair{Key: key, Value: value})
}

func validateValue(value string) error {
	if value == "" {
		return errors.New("value is empty")
	}
	if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
		return errors.New("value contains whitespace")
	}
	return nil
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
