package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Tokens are unique across every orchestrator in the process so a stray
// callback can never resolve to another engine's sink.
var lastToken atomic.Uintptr

// sink accumulates the output of one phase. Only engine callbacks write to
// it; the orchestrator reads it after done is closed.
type sink struct {
	scratch []byte
	limit   int

	mu       sync.Mutex
	data     []byte
	err      error
	finished bool
	done     chan struct{}
}

func newSink(scratchSize, limit int) *sink {
	return &sink{
		scratch: make([]byte, scratchSize),
		limit:   limit,
		done:    make(chan struct{}),
	}
}

// write appends p and reports whether draining should continue.
func (s *sink) write(p []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false
	}

	if s.limit > 0 && len(s.data)+len(p) > s.limit {
		s.err = fmt.Errorf("%w: output exceeds %d bytes", ErrStream, s.limit)

		return false
	}

	s.data = append(s.data, p...)

	return true
}

// fail records err unless an earlier error is already recorded.
func (s *sink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

func (s *sink) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.finished {
		s.finished = true
		close(s.done)
	}
}

// result must only be called after done is closed.
func (s *sink) result() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	return s.data, nil
}

// handleTable maps the opaque tokens handed to the engine to live sinks.
type handleTable struct {
	mu    sync.Mutex
	sinks map[uintptr]*sink
}

func newHandleTable() *handleTable {
	return &handleTable{sinks: make(map[uintptr]*sink)}
}

func (h *handleTable) register(s *sink) uintptr {
	token := lastToken.Add(1)

	h.mu.Lock()
	h.sinks[token] = s
	h.mu.Unlock()

	return token
}

func (h *handleTable) lookup(token uintptr) (*sink, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sinks[token]

	return s, ok
}

func (h *handleTable) release(token uintptr) {
	h.mu.Lock()
	delete(h.sinks, token)
	h.mu.Unlock()
}

func (h *handleTable) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.sinks)
}
