package events

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Type identifies an event and selects the schema of its payload
type Type string

const (
	TypeSnapshotCreated        Type = "snapshot-created"
	TypeDiffCreated            Type = "diff-created"
	TypeLeaderElected          Type = "leader-elected"
	TypeLeaderChanged          Type = "leader-changed"
	TypeQuorumSkipped          Type = "quorum-skipped"
	TypeProposal               Type = "proposal"
	TypeVote                   Type = "vote"
	TypeAccept                 Type = "accept"
	TypeApplyFailed            Type = "apply-failed"
	TypeLockAcquired           Type = "lock-acquired"
	TypeLockReleased           Type = "lock-released"
	TypeParticipantUnreachable Type = "participant-unreachable"
	TypeParticipantEvicted     Type = "participant-evicted"

	// Wildcard subscribes to every event type
	Wildcard Type = "*"
)

// Kind is what a proposal asks the cluster to adopt
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindDiff     Kind = "diff"
)

// Decision is a single voter's answer to a proposal
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Payload is implemented by every event body. The concrete type is fixed by
// the event's Type; see decoders.
type Payload interface {
	EventType() Type
}

// SnapshotSpec identifies a full published snapshot
type SnapshotSpec struct {
	Version   string `json:"version"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// DiffSpec identifies an incremental change between two versions
type DiffSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
	Hash string `json:"hash"`
}

// SnapshotCreated announces a snapshot produced locally
type SnapshotCreated SnapshotSpec

// DiffCreated announces a diff produced locally
type DiffCreated DiffSpec

// LeaderTransition is the body shared by leader-elected and leader-changed
type LeaderTransition struct {
	PreviousLeader string    `json:"previousLeader,omitempty"`
	NewLeader      string    `json:"newLeader"`
	ElectedAt      time.Time `json:"electedAt"`
}

// LeaderElected is published when a leader is chosen and none was known
type LeaderElected LeaderTransition

// LeaderChanged is published when the leader moves from one instance to another
type LeaderChanged LeaderTransition

// QuorumSkipped records a proposal that was never created for lack of quorum
type QuorumSkipped struct {
	Kind     Kind `json:"kind"`
	Total    int  `json:"total"`
	Healthy  int  `json:"healthy"`
	Required int  `json:"required"`
}

// Proposal asks every peer to vote on adopting a snapshot or diff
type Proposal struct {
	ProposalID  string        `json:"proposalId"`
	Kind        Kind          `json:"kind"`
	ProposerID  string        `json:"proposerId"`
	ProposerURL string        `json:"proposerUrl,omitempty"`
	Snapshot    *SnapshotSpec `json:"snapshot,omitempty"`
	Diff        *DiffSpec     `json:"diff,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Vote is one instance's decision on a proposal, addressed to its proposer
type Vote struct {
	ProposalID string    `json:"proposalId"`
	ProposerID string    `json:"proposerId"`
	VoterID    string    `json:"voterId"`
	Decision   Decision  `json:"vote"`
	VotedAt    time.Time `json:"votedAt"`
}

// Accept is published once a proposal gathered enough accept votes
type Accept struct {
	ProposalID string        `json:"proposalId"`
	Kind       Kind          `json:"kind"`
	ProposerID string        `json:"proposerId"`
	Snapshot   *SnapshotSpec `json:"snapshot,omitempty"`
	Diff       *DiffSpec     `json:"diff,omitempty"`
	Accepts    int           `json:"accepts"`
	Required   int           `json:"required"`
}

// ApplyFailed records that an accepted proposal could not be applied locally
type ApplyFailed struct {
	ProposalID string `json:"proposalId"`
	Kind       Kind   `json:"kind"`
	Error      string `json:"error"`
}

// LockAcquired is published when the leader grants a lock
type LockAcquired struct {
	Resource  string    `json:"resource"`
	HolderID  string    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LockReleased is published when a lock is released, expires or is dropped on leadership loss
type LockReleased struct {
	Resource string `json:"resource"`
	HolderID string `json:"holderId"`
	Reason   string `json:"reason"`
}

// ParticipantUnreachable is published when a participant misses its heartbeat deadline
type ParticipantUnreachable struct {
	InstanceID      string    `json:"instanceId"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// ParticipantEvicted is published when an unreachable participant is dropped from the state
type ParticipantEvicted struct {
	InstanceID string `json:"instanceId"`
}

// Unknown carries a payload whose type this build does not know. It keeps the
// raw body so the event can still be journaled and relayed.
type Unknown struct {
	Kind Type
	Raw  json.RawMessage
}

func (SnapshotCreated) EventType() Type        { return TypeSnapshotCreated }
func (DiffCreated) EventType() Type            { return TypeDiffCreated }
func (LeaderElected) EventType() Type          { return TypeLeaderElected }
func (LeaderChanged) EventType() Type          { return TypeLeaderChanged }
func (QuorumSkipped) EventType() Type          { return TypeQuorumSkipped }
func (Proposal) EventType() Type               { return TypeProposal }
func (Vote) EventType() Type                   { return TypeVote }
func (Accept) EventType() Type                 { return TypeAccept }
func (ApplyFailed) EventType() Type            { return TypeApplyFailed }
func (LockAcquired) EventType() Type           { return TypeLockAcquired }
func (LockReleased) EventType() Type           { return TypeLockReleased }
func (ParticipantUnreachable) EventType() Type { return TypeParticipantUnreachable }
func (ParticipantEvicted) EventType() Type     { return TypeParticipantEvicted }
func (u Unknown) EventType() Type              { return u.Kind }

// MarshalJSON writes the raw body unchanged
func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

var decoders = map[Type]func() Payload{
	TypeSnapshotCreated:        func() Payload { return &SnapshotCreated{} },
	TypeDiffCreated:            func() Payload { return &DiffCreated{} },
	TypeLeaderElected:          func() Payload { return &LeaderElected{} },
	TypeLeaderChanged:          func() Payload { return &LeaderChanged{} },
	TypeQuorumSkipped:          func() Payload { return &QuorumSkipped{} },
	TypeProposal:               func() Payload { return &Proposal{} },
	TypeVote:                   func() Payload { return &Vote{} },
	TypeAccept:                 func() Payload { return &Accept{} },
	TypeApplyFailed:            func() Payload { return &ApplyFailed{} },
	TypeLockAcquired:           func() Payload { return &LockAcquired{} },
	TypeLockReleased:           func() Payload { return &LockReleased{} },
	TypeParticipantUnreachable: func() Payload { return &ParticipantUnreachable{} },
	TypeParticipantEvicted:     func() Payload { return &ParticipantEvicted{} },
}

// KnownTypes returns every event type this build can decode, sorted
func KnownTypes() []Type {
	types := make([]Type, 0, len(decoders))
	for t := range decoders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// DecodePayload decodes raw into the payload struct registered for t.
// Unregistered types decode to Unknown.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	newPayload, ok := decoders[t]
	if !ok {
		return Unknown{Kind: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}

	ptr := newPayload()
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, ptr); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
		}
	}
	return deref(ptr), nil
}

// deref turns the pointer produced by a decoder into the value type callers switch on
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SnapshotCreated:
		return *v
	case *DiffCreated:
		return *v
	case *LeaderElected:
		return *v
	case *LeaderChanged:
		return *v
	case *QuorumSkipped:
		return *v
	case *Proposal:
		return *v
	case *Vote:
		return *v
	case *Accept:
		return *v
	case *ApplyFailed:
		return *v
	case *LockAcquired:
		return *v
	case *LockReleased:
		return *v
	case *ParticipantUnreachable:
		return *v
	case *ParticipantEvicted:
		return *v
	}
	return p
}
