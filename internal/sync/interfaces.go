package sync

import (
	"context"
	"time"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/models"
)

// Applier adopts an accepted proposal locally. It is implemented by the
// versioning subsystem that owns snapshot and diff storage.
type Applier interface {
	ApplySnapshot(ctx context.Context, version string) error
	ApplyDiff(ctx context.Context, from, to string) error
}

// RemoteClient relays events to a peer's sync endpoint
type RemoteClient interface {
	SendEvents(ctx context.Context, peerURL string, evs []events.Event) (models.SyncResponse, error)
}

// NopApplier only logs what it would apply. Used when no versioning backend is wired.
type NopApplier struct {
	Logger *logging.Logger
}

// ApplySnapshot implements Applier
func (a NopApplier) ApplySnapshot(ctx context.Context, version string) error {
	if a.Logger != nil {
		a.Logger.Info("Snapshot adopted", "version", version)
	}
	return nil
}

// ApplyDiff implements Applier
func (a NopApplier) ApplyDiff(ctx context.Context, from, to string) error {
	if a.Logger != nil {
		a.Logger.Info("Diff adopted", "from", from, "to", to)
	}
	return nil
}

// VoteRecord is one voter's recorded answer
type VoteRecord struct {
	Vote    events.Decision `json:"vote"`
	VotedAt time.Time       `json:"votedAt"`
}

// ProposalView is a pending proposal with the votes gathered so far
type ProposalView struct {
	events.Proposal
	Votes map[string]VoteRecord `json:"votes"`
}

// ProposeResult is the immediate outcome of a proposal. Acceptance happens
// later, once enough votes arrive.
type ProposeResult struct {
	Success    bool               `json:"success"`
	ProposalID string             `json:"proposalId,omitempty"`
	Quorum     coordinator.Quorum `json:"quorum"`
	Reason     coordinator.Reason `json:"reason,omitempty"`
}

// VoteResult is the outcome of collecting one vote
type VoteResult struct {
	Success  bool               `json:"success"`
	Reason   coordinator.Reason `json:"reason,omitempty"`
	Accepted bool               `json:"accepted"`
	Accepts  int                `json:"accepts"`
	Required int                `json:"required"`
}
