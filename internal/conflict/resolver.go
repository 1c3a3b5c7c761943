// Package conflict picks a winner among competing snapshot or diff proposals.
// Resolution is pure: it never touches coordinator state.
package conflict

import (
	"fmt"
	"time"

	"github.com/sheetpub/sheetpub/internal/events"
)

// Strategy names a resolution policy
type Strategy string

const (
	LastWriteWins      Strategy = "last-write-wins"
	LeaderWins         Strategy = "leader-wins"
	RejectInconsistent Strategy = "reject-inconsistent"
)

// Resolution reasons
const (
	ReasonEmptySet            = "empty_conflict_set"
	ReasonUnknownStrategy     = "unknown_strategy"
	ReasonLatestTimestamp     = "latest_timestamp"
	ReasonLeaderCandidate     = "leader_candidate"
	ReasonLeaderFallback      = "leader_absent_fallback_last_write_wins"
	ReasonConsistentHashes    = "consistent_hashes"
	ReasonInconsistentHashes  = "inconsistent_hashes"
	ReasonConsistentTargets   = "consistent_targets"
	ReasonInconsistentTargets = "inconsistent_targets"
	ReasonMixedKinds          = "mixed_kinds"
)

// Candidate is one competing proposal
type Candidate struct {
	ID         string      `json:"id"`
	ProposerID string      `json:"proposerId"`
	Kind       events.Kind `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
	Hash       string      `json:"hash"`
	// Version is the snapshot version, or the target version of a diff
	Version string `json:"version"`
}

// Resolution is the outcome of Resolve
type Resolution struct {
	Resolved bool       `json:"resolved"`
	Strategy Strategy   `json:"strategy"`
	Winner   *Candidate `json:"winner,omitempty"`
	Reason   string     `json:"reason"`
}

// ParseStrategy validates a configured strategy name
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LastWriteWins, LeaderWins, RejectInconsistent:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// CandidateFromProposal converts a proposal event payload into a candidate
func CandidateFromProposal(p events.Proposal) Candidate {
	c := Candidate{
		ID:         p.ProposalID,
		ProposerID: p.ProposerID,
		Kind:       p.Kind,
		Timestamp:  p.CreatedAt,
	}
	switch {
	case p.Snapshot != nil:
		c.Hash = p.Snapshot.Hash
		c.Version = p.Snapshot.Version
	case p.Diff != nil:
		c.Hash = p.Diff.Hash
		c.Version = p.Diff.To
	}
	return c
}

// Resolve applies strategy to set. leaderID is consulted only by LeaderWins.
func Resolve(set []Candidate, strategy Strategy, leaderID string) Resolution {
	if len(set) == 0 {
		return Resolution{Resolved: false, Strategy: strategy, Reason: ReasonEmptySet}
	}

	switch strategy {
	case LastWriteWins:
		return resolveLastWriteWins(set)
	case LeaderWins:
		return resolveLeaderWins(set, leaderID)
	case RejectInconsistent:
		return resolveRejectInconsistent(set)
	}
	return Resolution{Resolved: false, Strategy: strategy, Reason: ReasonUnknownStrategy}
}

// latest returns the candidate with the greatest timestamp, ties broken by greater id
func latest(set []Candidate) Candidate {
	best := set[0]
	for _, c := range set[1:] {
		if c.Timestamp.After(best.Timestamp) || (c.Timestamp.Equal(best.Timestamp) && c.ID > best.ID) {
			best = c
		}
	}
	return best
}

func resolveLastWriteWins(set []Candidate) Resolution {
	w := latest(set)
	return Resolution{Resolved: true, Strategy: LastWriteWins, Winner: &w, Reason: ReasonLatestTimestamp}
}

func resolveLeaderWins(set []Candidate, leaderID string) Resolution {
	if leaderID != "" {
		var fromLeader []Candidate
		for _, c := range set {
			if c.ProposerID == leaderID {
				fromLeader = append(fromLeader, c)
			}
		}
		if len(fromLeader) > 0 {
			w := latest(fromLeader)
			return Resolution{Resolved: true, Strategy: LeaderWins, Winner: &w, Reason: ReasonLeaderCandidate}
		}
	}

	w := latest(set)
	return Resolution{Resolved: true, Strategy: LeaderWins, Winner: &w, Reason: ReasonLeaderFallback}
}

func resolveRejectInconsistent(set []Candidate) Resolution {
	kind := set[0].Kind
	for _, c := range set[1:] {
		if c.Kind != kind {
			return Resolution{Resolved: false, Strategy: RejectInconsistent, Reason: ReasonMixedKinds}
		}
	}

	// snapshots must agree on content; diffs must agree on where they lead
	field := func(c Candidate) string { return c.Hash }
	ok, bad := ReasonConsistentHashes, ReasonInconsistentHashes
	if kind == events.KindDiff {
		field = func(c Candidate) string { return c.Version }
		ok, bad = ReasonConsistentTargets, ReasonInconsistentTargets
	}

	want := field(set[0])
	for _, c := range set[1:] {
		if field(c) != want {
			return Resolution{Resolved: false, Strategy: RejectInconsistent, Reason: bad}
		}
	}

	w := latest(set)
	return Resolution{Resolved: true, Strategy: RejectInconsistent, Winner: &w, Reason: ok}
}
