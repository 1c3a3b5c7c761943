package models

import (
	"fmt"
	"strings"

	"github.com/sheetpub/sheetpub/internal/events"
)

// HeartbeatRequest is posted by every peer on each heartbeat cycle
type HeartbeatRequest struct {
	InstanceID string `json:"instanceId"`
	Timestamp  int64  `json:"timestamp"` // epoch ms
	Uptime     int64  `json:"uptime"`    // ms
	Status     string `json:"status"`
	URL        string `json:"url,omitempty"` // sender's sync URL
}

// Validate checks required fields
func (r *HeartbeatRequest) Validate() error {
	if strings.TrimSpace(r.InstanceID) == "" {
		return fmt.Errorf("instanceId is required")
	}
	return nil
}

// ProposeSnapshotRequest asks the instance to propose a snapshot to the cluster
type ProposeSnapshotRequest struct {
	Version   string `json:"version"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// Validate checks required fields
func (r *ProposeSnapshotRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Version) == "" {
		missing = append(missing, "version")
	}
	if strings.TrimSpace(r.Hash) == "" {
		missing = append(missing, "hash")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Spec converts the request into the proposal payload
func (r *ProposeSnapshotRequest) Spec() events.SnapshotSpec {
	return events.SnapshotSpec{Version: r.Version, Hash: r.Hash, Signature: r.Signature}
}

// ProposeDiffRequest asks the instance to propose a diff to the cluster
type ProposeDiffRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Hash string `json:"hash"`
}

// Validate checks required fields
func (r *ProposeDiffRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.From) == "" {
		missing = append(missing, "from")
	}
	if strings.TrimSpace(r.To) == "" {
		missing = append(missing, "to")
	}
	if strings.TrimSpace(r.Hash) == "" {
		missing = append(missing, "hash")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Spec converts the request into the proposal payload
func (r *ProposeDiffRequest) Spec() events.DiffSpec {
	return events.DiffSpec{From: r.From, To: r.To, Hash: r.Hash}
}

// VoteRequest delivers a vote directly to the proposer
type VoteRequest struct {
	ProposalID string          `json:"proposalId"`
	VoterID    string          `json:"voterId"`
	Vote       events.Decision `json:"vote"`
}

// Validate checks required fields
func (r *VoteRequest) Validate() error {
	if r.ProposalID == "" || r.VoterID == "" {
		return fmt.Errorf("proposalId and voterId are required")
	}
	if r.Vote != events.DecisionAccept && r.Vote != events.DecisionReject {
		return fmt.Errorf("vote must be 'accept' or 'reject'")
	}
	return nil
}

// SyncRequest carries events relayed from a peer
type SyncRequest struct {
	Events []events.Event `json:"events"`
}

// LockRequest is the body of a lock acquisition
type LockRequest struct {
	TTLMs int64 `json:"ttlMs,omitempty"`
}
