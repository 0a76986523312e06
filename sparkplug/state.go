package sparkplug

import (
	"fmt"
	"sync"
	"time"
)

// ErrNoBirth is returned when a DATA payload is requested for an
// endpoint that has never published a BIRTH.
var ErrNoBirth = fmt.Errorf("sparkplug: DATA before BIRTH")

// endpoint keys the state by scope.
type endpoint struct {
	group  string
	node   string
	device string
}

type endpointState struct {
	seq       uint64
	hasSeq    bool
	birthTime time.Time
}

// State tracks sequence numbers and birth status per (group, node,
// device?) endpoint. Sequence numbers are monotonic modulo 256 and
// shared between BIRTH and DATA of one endpoint; only the owning
// publisher goroutine advances them.
type State struct {
	mu        sync.Mutex
	endpoints map[endpoint]*endpointState
}

func NewState() *State {
	return &State{endpoints: make(map[endpoint]*endpointState)}
}

func (s *State) get(group, node, device string) *endpointState {
	key := endpoint{group: group, node: node, device: device}
	st, ok := s.endpoints[key]
	if !ok {
		st = &endpointState{}
		s.endpoints[key] = st
	}
	return st
}

// NextBirth records a BIRTH and returns its sequence number. The first
// BIRTH of an endpoint starts the sequence at 0; a re-birth continues
// the running sequence.
func (s *State) NextBirth(group, node, device string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(group, node, device)
	seq := s.advance(st)
	st.birthTime = time.Now().UTC()
	return seq
}

// NextData returns the sequence number for a DATA message, or
// ErrNoBirth when no BIRTH precedes it.
func (s *State) NextData(group, node, device string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(group, node, device)
	if st.birthTime.IsZero() {
		return 0, ErrNoBirth
	}
	return s.advance(st), nil
}

// Born reports whether the endpoint has published a BIRTH.
func (s *State) Born(group, node, device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(group, node, device)
	return !st.birthTime.IsZero()
}

// BirthTime returns the last BIRTH timestamp, zero if never born.
func (s *State) BirthTime(group, node, device string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(group, node, device).birthTime
}

// Death marks the endpoint dead; the next DATA requires a fresh BIRTH,
// which restarts the sequence at 0.
func (s *State) Death(group, node, device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := endpoint{group: group, node: node, device: device}
	delete(s.endpoints, key)
}

// advance yields the current sequence number and steps the counter,
// wrapping at 256.
func (s *State) advance(st *endpointState) uint64 {
	if !st.hasSeq {
		st.hasSeq = true
		st.seq = 0
	}
	seq := st.seq
	st.seq = (st.seq + 1) % 256
	return seq
}
