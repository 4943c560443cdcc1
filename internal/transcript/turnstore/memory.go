package turnstore

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/aptrium/internal/transcript"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store]. The zero value is ready to use.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]map[int]transcript.Turn
	closed   bool
}

// SaveTurn implements [Store].
func (m *Memory) SaveTurn(_ context.Context, sessionID string, turn transcript.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.sessions == nil {
		m.sessions = make(map[string]map[int]transcript.Turn)
	}
	turns := m.sessions[sessionID]
	if turns == nil {
		turns = make(map[int]transcript.Turn)
		m.sessions[sessionID] = turns
	}
	turns[turn.Index] = turn
	return nil
}

// Turns implements [Store].
func (m *Memory) Turns(_ context.Context, sessionID string) ([]transcript.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	turns := m.sessions[sessionID]
	out := make([]transcript.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b transcript.Turn) int { return cmp.Compare(a.Index, b.Index) })
	return out, nil
}

// Close implements [Store].
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
