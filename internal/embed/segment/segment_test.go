package segment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// collect loads a log into a map for assertions.
func collect(t *testing.T, l *Log) map[string][]float32 {
	t.Helper()
	got := make(map[string][]float32)
	if err := l.Load(func(key string, emb []float32) { got[key] = emb }); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return got
}

// TestAppendLoadRoundTrip verifies records survive a close/reopen cycle.
func TestAppendLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Append("k1", []float32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append("k2", []float32{4, 5}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := collect(t, reopened)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got["k1"][0] != 1 || len(got["k1"]) != 3 {
		t.Errorf("k1 corrupted: %v", got["k1"])
	}
}

// TestRotation verifies the writer rotates once a segment would exceed the
// cap, and that all records remain loadable across segments.
func TestRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, MaxBytes: 128})
	if err != nil {
		t.Fatal(err)
	}
	for i := range 10 {
		key := strings.Repeat("x", 8) + string(rune('a'+i))
		if err := l.Append(key, []float32{float32(i), float32(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "segments.json"))
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	var m struct {
		Segments []struct {
			File string `json:"file"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if len(m.Segments) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(m.Segments))
	}

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, reopened); len(got) != 10 {
		t.Errorf("expected 10 records across segments, got %d", len(got))
	}
}

// TestRotationCompresses verifies rotated segments are gzipped and still
// load transparently.
func TestRotationCompresses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, MaxBytes: 96, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	for i := range 8 {
		if err := l.Append(strings.Repeat("k", 10)+string(rune('a'+i)), []float32{1, 2, 3}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var gzCount int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ndjson.gz") {
			gzCount++
		}
	}
	if gzCount == 0 {
		t.Fatal("expected at least one compressed segment")
	}

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, reopened); len(got) != 8 {
		t.Errorf("expected 8 records, got %d", len(got))
	}
}

// TestLoadTolerance verifies malformed lines and missing files are skipped
// without aborting the load.
func TestLoadTolerance(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append("good", []float32{1}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Corrupt the tail of the live segment and list a ghost segment.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".ndjson") {
			f, err := os.OpenFile(filepath.Join(dir, e.Name()), os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				t.Fatal(err)
			}
			f.WriteString("{truncated garb")
			f.Close()
		}
	}
	raw, _ := os.ReadFile(filepath.Join(dir, "segments.json"))
	patched := strings.Replace(string(raw), `"segments": [`,
		`"segments": [{"file":"segment-ghost.ndjson","size":0,"createdAt":"2026-01-01T00:00:00Z"},`, 1)
	if err := os.WriteFile(filepath.Join(dir, "segments.json"), []byte(patched), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, reopened)
	if len(got) != 1 || got["good"] == nil {
		t.Errorf("expected the one good record to survive, got %v", got)
	}
}

// TestLoadEmptyDir verifies a fresh directory loads nothing and errors
// nothing.
func TestLoadEmptyDir(t *testing.T) {
	t.Parallel()

	l, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if got := collect(t, l); len(got) != 0 {
		t.Errorf("expected empty load, got %d records", len(got))
	}
}

// TestUnlistedSegmentRecovered verifies segments the manifest never recorded
// are still swept up by Load.
func TestUnlistedSegmentRecovered(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	orphan := `{"key":"orphan","embedding":[0.5]}` + "\n"
	if err := os.WriteFile(filepath.Join(dir, "segment-0001.ndjson"), []byte(orphan), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(t, l)
	if got["orphan"] == nil {
		t.Error("expected unlisted segment to be loaded")
	}
}
