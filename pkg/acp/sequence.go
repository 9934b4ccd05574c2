package acp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sequencer hands out per-session monotonic sequence numbers. The counter
// table lives on the instance, not in package state, so parallel tests and
// multiple daemons in one process never interfere.
type Sequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{counters: make(map[string]int64)}
}

// Next returns the next sequence number for the session. The first call for
// a session yields 0; numbers are gap-free within a session.
func (s *Sequencer) Next(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.counters[sessionID]
	s.counters[sessionID] = n + 1
	return n
}

// Reset zeroes the counter for the session. Called at session boundaries.
func (s *Sequencer) Reset(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, sessionID)
}

// Factory stamps canonical events with identity, sequence, and timestamp.
// One factory is shared by all drivers of one daemon.
type Factory struct {
	seq *Sequencer
}

// NewFactory returns a Factory with its own Sequencer.
func NewFactory() *Factory {
	return &Factory{seq: NewSequencer()}
}

// NewEvent wraps payload into a sequenced, timestamped canonical event.
func (f *Factory) NewEvent(sessionID string, typ EventType, payload any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:  f.seq.Next(sessionID),
		Payload:   payload,
	}
}

// ResetSequence zeroes the sequence counter for a session. Called when a
// session starts so its first event is sequence 0.
func (f *Factory) ResetSequence(sessionID string) {
	f.seq.Reset(sessionID)
}
