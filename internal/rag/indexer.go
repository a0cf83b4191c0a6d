package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// IndexOptions tunes one indexing job.
type IndexOptions struct {
	// SkipDirs extends the store's excluded directory names.
	SkipDirs []string `json:"skipDirs,omitempty"`
	// Extensions overrides the store's indexable extensions.
	Extensions []string `json:"extensions,omitempty"`
}

// JobState is the lifecycle state of an indexing job.
type JobState string

// Job states.
const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// JobStatus is the observable state of one indexing job.
type JobStatus struct {
	// ID is the job identifier.
	ID string `json:"jobId"`
	// Root is the indexed directory.
	Root string `json:"root"`
	// State is the current lifecycle state.
	State JobState `json:"status"`
	// Files is the count of files indexed so far.
	Files int `json:"files"`
	// Chunks is the count of chunks stored so far.
	Chunks int `json:"chunks"`
	// Error holds the failure message for failed jobs.
	Error string `json:"error,omitempty"`
	// QueuedAt and FinishedAt bracket the job.
	QueuedAt   time.Time `json:"queuedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// job is one queued indexing request.
type job struct {
	id   string
	root string
	opts IndexOptions
}

// ErrJobQueueFull is returned when the indexing job queue is at capacity.
var ErrJobQueueFull = errors.New("rag: indexing job queue full")

// IndexCodebase enqueues an indexing job for root and returns its id
// immediately. The single background worker drains jobs in order.
func (s *Store) IndexCodebase(root string, opts IndexOptions) (*JobStatus, error) {
	if root == "" {
		return nil, fmt.Errorf("rag: project path must not be empty")
	}

	id := uuid.NewString()
	status := &JobStatus{ID: id, Root: root, State: JobQueued, QueuedAt: time.Now().UTC()}

	s.jobMu.Lock()
	s.jobStat[id] = status
	s.jobMu.Unlock()

	select {
	case s.jobs <- job{id: id, root: root, opts: opts}:
		snapshot := *status
		return &snapshot, nil
	default:
		s.jobMu.Lock()
		delete(s.jobStat, id)
		s.jobMu.Unlock()
		return nil, ErrJobQueueFull
	}
}

// JobStatusFor returns a copy of the status for id.
func (s *Store) JobStatusFor(id string) (JobStatus, bool) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	st, ok := s.jobStat[id]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

// worker drains the job queue one job at a time.
func (s *Store) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			s.runJob(j)
		}
	}
}

// runJob walks one root and indexes every eligible file. Per-file failures
// are logged and skipped; the job keeps going.
func (s *Store) runJob(j job) {
	s.setJobState(j.id, JobRunning, "")

	skip := s.skipDirs
	if len(j.opts.SkipDirs) > 0 {
		skip = make(map[string]bool, len(s.skipDirs)+len(j.opts.SkipDirs))
		for d := range s.skipDirs {
			skip[d] = true
		}
		for _, d := range j.opts.SkipDirs {
			skip[d] = true
		}
	}
	exts := s.extensions
	if len(j.opts.Extensions) > 0 {
		exts = toSet(j.opts.Extensions)
	}

	files, chunks := 0, 0
	err := filepath.WalkDir(j.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("index walk error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !exts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		n, fileErr := s.indexFile(j.root, path)
		if fileErr != nil {
			s.log.Warn("index file failed", "path", path, "error", fileErr)
			return nil
		}
		if n > 0 {
			files++
			chunks += n
		}
		s.updateJobProgress(j.id, files, chunks)
		return nil
	})

	s.mu.Lock()
	s.lastJobAt = time.Now().UTC()
	s.mu.Unlock()

	if err != nil {
		s.setJobState(j.id, JobFailed, err.Error())
		if s.jobCounter != nil {
			s.jobCounter.WithLabelValues("failed").Inc()
		}
	} else {
		s.setJobState(j.id, JobDone, "")
		if s.jobCounter != nil {
			s.jobCounter.WithLabelValues("done").Inc()
		}
		s.log.Info("indexing job complete", "job", j.id, "root", j.root, "files", files, "chunks", chunks)
	}

	if persistErr := s.Persist(); persistErr != nil {
		s.log.Warn("rag snapshot persist failed", "error", persistErr)
	}
}

// indexFile chunks one file and stores each chunk. It returns the chunk
// count, or zero when the file is skipped for size or encoding.
func (s *Store) indexFile(root, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size() > s.maxFileSize {
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if !utf8.Valid(raw) {
		return 0, nil
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	rel = filepath.ToSlash(rel)

	category := classifyPath(rel)
	language := languageFor(filepath.Ext(path))
	now := time.Now().UTC()

	chunks := splitChunks(string(raw), s.chunkSize)
	for i, chunk := range chunks {
		id := chunkID(rel, chunk)
		s.add(Document{
			ID:      id,
			Content: chunk,
			Metadata: Metadata{
				FilePath:   rel,
				Language:   language,
				Category:   category,
				ChunkIndex: i,
				IndexedAt:  now,
			},
		})
		if s.queue != nil {
			if err := s.queue.Enqueue(id, chunk); err != nil {
				// Backpressure leaves the chunk keyword-searchable only.
				s.log.Warn("embedding enqueue rejected", "id", id, "error", err)
			}
		}
	}
	return len(chunks), nil
}

// chunkID derives the content-addressed chunk identifier from the file path
// and the chunk text.
func chunkID(path, chunk string) string {
	sum := sha256.Sum256([]byte(path + "\x00" + chunk))
	return hex.EncodeToString(sum[:16])
}

// VectorID maps a chunk id onto a deterministic UUID for vector indexes
// that require UUID point ids.
func VectorID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// splitChunks cuts text into fixed-size character chunks. Rune-aware so a
// multi-byte character never straddles a boundary.
func splitChunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// classifyPath buckets a file by its role.
func classifyPath(path string) Category {
	lower := strings.ToLower(path)
	if strings.Contains(lower, "test") || strings.Contains(lower, "__tests__") {
		return CategoryTest
	}
	if strings.Contains(lower, "readme") || strings.Contains(lower, "doc") {
		return CategoryDoc
	}
	return CategorySource
}

// languageFor maps a file extension to a code-fence language tag.
func languageFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".go":
		return "go"
	case ".js", ".jsx":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".py":
		return "python"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cpp", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".sh":
		return "bash"
	case ".sql":
		return "sql"
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".html":
		return "html"
	case ".css":
		return "css"
	default:
		return "text"
	}
}

// setJobState transitions one job's lifecycle state.
func (s *Store) setJobState(id string, state JobState, errMsg string) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	st, ok := s.jobStat[id]
	if !ok {
		return
	}
	st.State = state
	st.Error = errMsg
	if state == JobDone || state == JobFailed {
		st.FinishedAt = time.Now().UTC()
	}
}

// updateJobProgress refreshes one job's counters.
func (s *Store) updateJobProgress(id string, files, chunks int) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if st, ok := s.jobStat[id]; ok {
		st.Files = files
		st.Chunks = chunks
	}
}
