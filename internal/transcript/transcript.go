// Package transcript accumulates streaming transcription deltas into
// conversation turns.
//
// Transcription arrives in fragments: "Hel", then "lo". The [Aggregator]
// concatenates fragments per speaker into an interim line until the agent
// signals that the turn is complete, at which point the pair of lines becomes
// one [Turn] in the history and both interim lines start over.
package transcript

import (
	"sync"
	"time"
)

// Role identifies the speaker of a fragment.
type Role string

const (
	// RoleUser is the person speaking into the microphone.
	RoleUser Role = "user"

	// RoleAgent is the assistant.
	RoleAgent Role = "agent"
)

// Fragment is one transcription delta.
type Fragment struct {
	Role Role
	Text string
}

// Interim holds the in-progress lines of the current turn.
type Interim struct {
	User  string
	Agent string
}

// Turn is one finalised user/agent exchange. Either side may be empty.
type Turn struct {
	// Index is the zero-based position of the turn within its conversation.
	Index int

	User  string
	Agent string

	CompletedAt time.Time
}

// Aggregator collects fragments into turns. The zero value is ready to use.
//
// All methods are safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	user    []byte
	agent   []byte
	history []Turn

	// now is replaceable in tests.
	now func() time.Time
}

// Append adds a fragment to its speaker's interim line and returns the
// updated interim state. Fragments with an unknown role are ignored.
func (a *Aggregator) Append(f Fragment) Interim {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch f.Role {
	case RoleUser:
		a.user = append(a.user, f.Text...)
	case RoleAgent:
		a.agent = append(a.agent, f.Text...)
	}
	return a.interimLocked()
}

// CompleteTurn moves both interim lines into the history as one [Turn] and
// clears them. The turn is recorded even when both lines are empty.
func (a *Aggregator) CompleteTurn() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	t := Turn{
		Index:       len(a.history),
		User:        string(a.user),
		Agent:       string(a.agent),
		CompletedAt: now(),
	}
	a.history = append(a.history, t)
	a.user = a.user[:0]
	a.agent = a.agent[:0]
	return t
}

// Interim returns the current in-progress lines.
func (a *Aggregator) Interim() Interim {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interimLocked()
}

func (a *Aggregator) interimLocked() Interim {
	return Interim{User: string(a.user), Agent: string(a.agent)}
}

// History returns a copy of the finalised turns, oldest first.
func (a *Aggregator) History() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.history))
	copy(out, a.history)
	return out
}

// Reset clears the history and both interim lines.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user = nil
	a.agent = nil
	a.history = nil
}
