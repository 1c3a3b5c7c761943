package models

import (
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/journal"
	"github.com/sheetpub/sheetpub/internal/lock"
	"github.com/sheetpub/sheetpub/internal/timesync"
)

// Error codes
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeInsufficientQuorum = "INSUFFICIENT_QUORUM"
	CodeProposalNotFound   = "PROPOSAL_NOT_FOUND"
	CodeNotLeader          = "NOT_LEADER"
	CodeConflict           = "CONFLICT"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternal           = "INTERNAL_ERROR"
)

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// InfoResponse describes the responding instance. The server clock is also
// sent in the X-Server-Time header.
type InfoResponse struct {
	InstanceID string `json:"instanceId"`
	URL        string `json:"url,omitempty"`
	Uptime     int64  `json:"uptime"`
	Status     string `json:"status"`
	Leader     string `json:"leader,omitempty"`
	IsLeader   bool   `json:"isLeader"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version,omitempty"`
}

// ProposeResponse is returned when a proposal was created
type ProposeResponse struct {
	ProposalID string             `json:"proposalId"`
	Quorum     coordinator.Quorum `json:"quorum"`
}

// VoteResponse is the outcome of a collected vote
type VoteResponse struct {
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
	Accepted bool   `json:"accepted"`
	Accepts  int    `json:"accepts"`
	Required int    `json:"required"`
}

// JournalResponse lists redacted journal records
type JournalResponse struct {
	Events []journal.Record `json:"events"`
}

// SyncResponse reports how many relayed events were ingested
type SyncResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// LeaderResponse reports the current leader
type LeaderResponse struct {
	Leader   *coordinator.Leader `json:"leader,omitempty"`
	IsLeader bool                `json:"isLeader"`
}

// ParticipantsResponse lists participants with the quorum they produce
type ParticipantsResponse struct {
	Participants []coordinator.Instance `json:"participants"`
	Quorum       coordinator.Quorum     `json:"quorum"`
}

// LocksResponse lists live locks
type LocksResponse struct {
	Locks []lock.Lock `json:"locks"`
}

// DriftResponse reports clock drift against the leader
type DriftResponse struct {
	CurrentMs int64          `json:"currentMs"`
	Stats     timesync.Stats `json:"stats"`
}

// ErrorResponse represents error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Path    string                 `json:"path,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
