// Package coordinator holds the local view of the cluster: who leads and which
// participants are alive. One State is built per process and injected into
// every subsystem that needs it.
package coordinator

import (
	"sort"
	"sync"
	"time"
)

// Status is a participant's health as seen locally
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// Instance is a remote participant
type Instance struct {
	ID              string    `json:"id"`
	URL             string    `json:"url,omitempty"`
	UptimeMs        int64     `json:"uptimeMs"`
	Status          Status    `json:"status"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Leader is the instance currently believed to lead
type Leader struct {
	ID              string    `json:"id"`
	ElectedAt       time.Time `json:"electedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// ParticipantUpdate carries the fields to merge into a participant.
// Zero values leave the stored field unchanged, except HeartbeatAt which
// defaults to now.
type ParticipantUpdate struct {
	URL         string
	UptimeMs    int64
	Status      Status
	HeartbeatAt time.Time
}

// State is the local coordinator view. Safe for concurrent use.
type State struct {
	selfID    string
	startedAt time.Time
	clock     func() time.Time

	mu           sync.RWMutex
	leader       *Leader
	participants map[string]*Instance
}

// NewState creates the state for the local instance selfID
func NewState(selfID string) *State {
	return NewStateWithClock(selfID, time.Now)
}

// NewStateWithClock is NewState with an injectable clock
func NewStateWithClock(selfID string, clock func() time.Time) *State {
	return &State{
		selfID:       selfID,
		startedAt:    clock(),
		clock:        clock,
		participants: make(map[string]*Instance),
	}
}

// SelfID returns the local instance id
func (s *State) SelfID() string {
	return s.selfID
}

// UptimeMs returns the local uptime in milliseconds
func (s *State) UptimeMs() int64 {
	return s.clock().Sub(s.startedAt).Milliseconds()
}

// Now returns the state's clock reading
func (s *State) Now() time.Time {
	return s.clock()
}

// SetLeader records id as leader and returns the previous leader, if any.
// A zero electedAt means now.
func (s *State) SetLeader(id string, electedAt time.Time) (Leader, bool) {
	now := s.clock()
	if electedAt.IsZero() {
		electedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev Leader
	hadPrev := s.leader != nil
	if hadPrev {
		prev = *s.leader
	}

	s.leader = &Leader{ID: id, ElectedAt: electedAt, LastHeartbeatAt: now}
	return prev, hadPrev
}

// Leader returns the current leader
func (s *State) Leader() (Leader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.leader == nil {
		return Leader{}, false
	}
	return *s.leader, true
}

// ClearLeader forgets the leader
func (s *State) ClearLeader() {
	s.mu.Lock()
	s.leader = nil
	s.mu.Unlock()
}

// UpdateLeaderHeartbeat refreshes the leader's liveness timestamp
func (s *State) UpdateLeaderHeartbeat() {
	now := s.clock()

	s.mu.Lock()
	if s.leader != nil {
		s.leader.LastHeartbeatAt = now
	}
	s.mu.Unlock()
}

// IsLeader reports whether the local instance is the leader
func (s *State) IsLeader() bool {
	return s.IsLeaderID(s.selfID)
}

// IsLeaderID reports whether id is the leader
func (s *State) IsLeaderID(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leader != nil && s.leader.ID == id
}

// UpdateParticipant creates or merges a participant. The local instance is
// never stored as a participant.
func (s *State) UpdateParticipant(id string, u ParticipantUpdate) Instance {
	if u.HeartbeatAt.IsZero() {
		u.HeartbeatAt = s.clock()
	}
	if u.Status == "" {
		u.Status = StatusHealthy
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id == s.selfID {
		return Instance{ID: id, URL: u.URL, UptimeMs: u.UptimeMs, Status: u.Status, LastHeartbeatAt: u.HeartbeatAt}
	}

	p, ok := s.participants[id]
	if !ok {
		p = &Instance{ID: id}
		s.participants[id] = p
	}
	if u.URL != "" {
		p.URL = u.URL
	}
	if u.UptimeMs > 0 {
		p.UptimeMs = u.UptimeMs
	}
	p.Status = u.Status
	p.LastHeartbeatAt = u.HeartbeatAt

	return *p
}

// RemoveParticipant drops id, reporting whether it was present
func (s *State) RemoveParticipant(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[id]; !ok {
		return false
	}
	delete(s.participants, id)
	return true
}

// Participant returns a single participant
func (s *State) Participant(id string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[id]
	if !ok {
		return Instance{}, false
	}
	return *p, true
}

// Participants returns a snapshot of all participants ordered by id
func (s *State) Participants() []Instance {
	s.mu.RLock()
	out := make([]Instance, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthyParticipantsCount counts participants that are healthy or degraded
func (s *State) HealthyParticipantsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthyLocked()
}

func (s *State) healthyLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.Status == StatusHealthy || p.Status == StatusDegraded {
			n++
		}
	}
	return n
}

// MarkUnreachable flips every participant silent for longer than timeout to
// unreachable and returns the ones that changed
func (s *State) MarkUnreachable(timeout time.Duration) []Instance {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Instance
	for _, p := range s.participants {
		if p.Status == StatusUnreachable {
			continue
		}
		if now.Sub(p.LastHeartbeatAt) > timeout {
			p.Status = StatusUnreachable
			changed = append(changed, *p)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return changed
}

// EvictUnreachable removes participants that have been silent for longer than
// after and returns their ids. after <= 0 evicts nothing.
func (s *State) EvictUnreachable(after time.Duration) []string {
	if after <= 0 {
		return nil
	}
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, p := range s.participants {
		if p.Status == StatusUnreachable && now.Sub(p.LastHeartbeatAt) > after {
			delete(s.participants, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Reset clears the leader and all participants
func (s *State) Reset() {
	s.mu.Lock()
	s.leader = nil
	s.participants = make(map[string]*Instance)
	s.mu.Unlock()
}

// Quorum computes the current quorum from the participant set
func (s *State) Quorum() Quorum {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ComputeQuorum(len(s.participants), s.healthyLocked())
}
