package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
)

// Chunk is one unit of streamed generation output.
type Chunk struct {
	// Text is the incremental completion text.
	Text string
}

// Stream is a lazy finite sequence of text chunks, abortable by the
// consumer. Recv blocks until the next chunk, the end of the stream
// (io.EOF), or a mid-stream error. Close aborts the underlying call.
type Stream struct {
	ch     chan Chunk
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// streamEvent is one newline-delimited JSON event on the upstream wire.
// Only the fields the gateway consumes are decoded; text may arrive in
// text, delta.content, or content depending on the upstream version.
type streamEvent struct {
	EventType string `json:"event_type"`
	Text      string `json:"text"`
	Delta     struct {
		Content string `json:"content"`
	} `json:"delta"`
	Content string `json:"content"`
}

// NewStream starts a goroutine that parses body as newline-delimited JSON
// events and feeds chunks to the consumer. cancel aborts the underlying
// call and may be nil. Alternative Client implementations use this to
// produce streams from any event source.
func NewStream(body io.ReadCloser, cancel context.CancelFunc) *Stream {
	s := &Stream{
		ch:     make(chan Chunk, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(s.ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				// Tolerate non-JSON keepalive lines.
				continue
			}

			switch ev.EventType {
			case "stream-end":
				return
			case "stream-error":
				s.setErr(&APIError{Op: "chat-stream", Message: "upstream reported a stream error"})
				return
			}

			text := extractText(&ev)
			if text == "" {
				continue
			}
			select {
			case s.ch <- Chunk{Text: text}:
			case <-s.done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.setErr(err)
		}
	}()

	return s
}

// extractText pulls the incremental text from whichever field the event
// populated: text, delta.content, or content.
func extractText(ev *streamEvent) string {
	if ev.Text != "" {
		return ev.Text
	}
	if ev.Delta.Content != "" {
		return ev.Delta.Content
	}
	return ev.Content
}

// Recv returns the next chunk. It returns io.EOF when the stream ended
// normally, or the underlying error for an aborted stream.
func (s *Stream) Recv() (Chunk, error) {
	chunk, ok := <-s.ch
	if !ok {
		if err := s.Err(); err != nil {
			return Chunk{}, err
		}
		return Chunk{}, io.EOF
	}
	return chunk, nil
}

// Err returns the terminal stream error, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// setErr records the terminal stream error once.
func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close aborts the stream and releases the underlying connection.
// Safe to call multiple times and concurrently with Recv.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}
