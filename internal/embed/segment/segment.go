// Package segment implements the append-only, segmented NDJSON log that
// persists computed embeddings across restarts. Appends go to a current
// segment that rotates (optionally gzip-compressing the closed segment) once
// it would exceed a size cap; a manifest records the segments in append
// order. The reader streams segments line by line and tolerates partial
// writes, missing files, and malformed lines.
package segment

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// manifestName is the fixed manifest file name inside the log directory.
const manifestName = "segments.json"

// Record is one persisted embedding.
type Record struct {
	// Key identifies the embedded text (content hash or chunk id).
	Key string `json:"key"`
	// Embedding is the vector.
	Embedding []float32 `json:"embedding"`
}

// manifestEntry describes one segment in the manifest.
type manifestEntry struct {
	File      string    `json:"file"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// manifest is the on-disk shape of segments.json.
type manifest struct {
	Segments []manifestEntry `json:"segments"`
}

// Config holds segment log construction parameters.
type Config struct {
	// Dir is the log directory. Created if absent.
	Dir string
	// MaxBytes caps a segment's size before rotation. Zero means 4 MiB.
	MaxBytes int64
	// Compress gzips segments on rotation.
	Compress bool
	// Logger receives load/rotation diagnostics. Nil falls back to
	// slog.Default.
	Logger *slog.Logger
}

// Log is the segmented embedding log. Appends are serialized; Load may run
// concurrently with nothing (call it once at startup, before the first
// append).
type Log struct {
	dir      string
	maxBytes int64
	compress bool
	log      *slog.Logger

	mu       sync.Mutex
	manifest manifest
	current  *os.File
	curSize  int64
}

// Open prepares the log directory and resumes the manifest's last segment
// for appending. A last segment that was already compressed (or is missing)
// is left alone and a fresh segment is started on the first append.
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("segment: dir must not be empty")
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment: create dir: %w", err)
	}

	l := &Log{dir: cfg.Dir, maxBytes: maxBytes, compress: cfg.Compress, log: log}
	if err := l.readManifest(); err != nil {
		return nil, err
	}
	return l, nil
}

// readManifest loads segments.json if present. A missing manifest means an
// empty log; an unreadable one is treated the same, with a warning.
func (l *Log) readManifest() error {
	raw, err := os.ReadFile(filepath.Join(l.dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("segment: read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &l.manifest); err != nil {
		l.log.Warn("embedding segment manifest unreadable, starting fresh", "error", err)
		l.manifest = manifest{}
	}
	return nil
}

// writeManifest persists the manifest. Called after segment close/create so
// a crash can leave the manifest one step behind the directory; Load
// tolerates that.
func (l *Log) writeManifest() error {
	raw, err := json.MarshalIndent(&l.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("segment: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dir, manifestName), raw, 0o644); err != nil {
		return fmt.Errorf("segment: write manifest: %w", err)
	}
	return nil
}

// Append writes one record to the current segment, rotating first when the
// record would push the segment past the size cap.
func (l *Log) Append(key string, embedding []float32) error {
	line, err := json.Marshal(Record{Key: key, Embedding: embedding})
	if err != nil {
		return fmt.Errorf("segment: marshal record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil && l.curSize+int64(len(line)) > l.maxBytes {
		if err := l.rotateLocked(); err != nil {
			return err
		}
	}
	if l.current == nil {
		if err := l.openSegmentLocked(); err != nil {
			return err
		}
	}

	n, err := l.current.Write(line)
	l.curSize += int64(n)
	if err != nil {
		return fmt.Errorf("segment: append: %w", err)
	}
	if len(l.manifest.Segments) > 0 {
		l.manifest.Segments[len(l.manifest.Segments)-1].Size = l.curSize
	}
	return nil
}

// openSegmentLocked resumes the manifest's last plain segment or starts a
// new one, recording it in the manifest before first use.
func (l *Log) openSegmentLocked() error {
	if n := len(l.manifest.Segments); n > 0 {
		last := l.manifest.Segments[n-1]
		if !strings.HasSuffix(last.File, ".gz") {
			path := filepath.Join(l.dir, last.File)
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				info, statErr := f.Stat()
				if statErr != nil {
					f.Close()
					return fmt.Errorf("segment: stat current segment: %w", statErr)
				}
				l.current = f
				l.curSize = info.Size()
				return nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("segment: open current segment: %w", err)
			}
			// Manifest ahead of the directory after a crash; fall through
			// and start a fresh segment.
		}
	}
	return l.newSegmentLocked()
}

// newSegmentLocked creates an empty segment and appends its manifest entry.
func (l *Log) newSegmentLocked() error {
	name := fmt.Sprintf("segment-%d.ndjson", time.Now().UnixNano())
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("segment: create segment: %w", err)
	}
	l.current = f
	l.curSize = 0
	l.manifest.Segments = append(l.manifest.Segments, manifestEntry{File: name, CreatedAt: time.Now().UTC()})
	return l.writeManifest()
}

// rotateLocked closes the current segment, compresses it when configured,
// and starts a fresh one.
func (l *Log) rotateLocked() error {
	name := l.current.Name()
	if err := l.current.Close(); err != nil {
		return fmt.Errorf("segment: close segment: %w", err)
	}
	l.current = nil

	if l.compress {
		gzName, err := compressSegment(name)
		if err != nil {
			// Keep the uncompressed segment; the reader handles both forms.
			l.log.Warn("segment compression failed, keeping plain file", "file", filepath.Base(name), "error", err)
		} else if n := len(l.manifest.Segments); n > 0 {
			l.manifest.Segments[n-1].File = filepath.Base(gzName)
		}
	}
	return l.newSegmentLocked()
}

// compressSegment gzips path into path+".gz" and removes the original.
func compressSegment(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	gzPath := path + ".gz"
	dst, err := os.Create(gzPath)
	if err != nil {
		return "", err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		os.Remove(gzPath)
		return "", err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(gzPath)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(gzPath)
		return "", err
	}
	return gzPath, os.Remove(path)
}

// Close flushes and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	err := l.current.Close()
	l.current = nil
	if err != nil {
		return fmt.Errorf("segment: close: %w", err)
	}
	return l.writeManifest()
}

// Load streams every manifest segment through fn, oldest first. Missing
// files and malformed lines are skipped; only a manifest read failure
// aborts. A directory with no manifest loads nothing and returns nil.
func (l *Log) Load(fn func(key string, embedding []float32)) error {
	l.mu.Lock()
	segs := make([]manifestEntry, len(l.manifest.Segments))
	copy(segs, l.manifest.Segments)
	l.mu.Unlock()

	// The manifest can lag the directory after a crash; sweep for finished
	// segments it never recorded.
	segs = appendUnlisted(l.dir, segs)

	loaded, skipped := 0, 0
	for _, seg := range segs {
		n, bad, err := l.loadSegment(filepath.Join(l.dir, seg.File), fn)
		if err != nil {
			l.log.Warn("skipping unreadable embedding segment", "file", seg.File, "error", err)
			continue
		}
		loaded += n
		skipped += bad
	}
	if loaded > 0 || skipped > 0 {
		l.log.Info("embedding segments loaded", "records", loaded, "skipped_lines", skipped, "segments", len(segs))
	}
	return nil
}

// appendUnlisted adds directory segments the manifest does not know about,
// after the listed ones.
func appendUnlisted(dir string, segs []manifestEntry) []manifestEntry {
	listed := make(map[string]bool, len(segs))
	for _, s := range segs {
		listed[s.File] = true
		listed[strings.TrimSuffix(s.File, ".gz")] = true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return segs
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "segment-") {
			continue
		}
		if listed[name] || listed[strings.TrimSuffix(name, ".gz")] {
			continue
		}
		segs = append(segs, manifestEntry{File: name})
	}
	return segs
}

// loadSegment reads one segment file, feeding well-formed records to fn.
// It returns the record count, the skipped-line count, and a fatal open
// error if the file cannot be read at all.
func (l *Log) loadSegment(path string, fn func(key string, embedding []float32)) (loaded, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, gzErr := gzip.NewReader(f)
		if gzErr != nil {
			return 0, 0, gzErr
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if json.Unmarshal([]byte(line), &rec) != nil || rec.Key == "" || len(rec.Embedding) == 0 {
			skipped++
			continue
		}
		fn(rec.Key, rec.Embedding)
		loaded++
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// A truncated tail from a crashed writer; keep what was read.
		l.log.Warn("embedding segment truncated", "file", filepath.Base(path), "error", scanErr)
	}
	return loaded, skipped, nil
}
