package coordinator

// Quorum is the majority calculation over the local instance plus its participants
type Quorum struct {
	Total      int  `json:"total"`
	Healthy    int  `json:"healthy"`
	Required   int  `json:"required"`
	Sufficient bool `json:"sufficient"`
}

// ComputeQuorum derives a quorum from participant counts. The local instance
// is always counted as present and healthy.
func ComputeQuorum(participants, healthyParticipants int) Quorum {
	total := participants + 1
	healthy := healthyParticipants + 1
	required := (total + 1) / 2

	return Quorum{
		Total:      total,
		Healthy:    healthy,
		Required:   required,
		Sufficient: healthy >= required,
	}
}

// Reason explains why a coordination request was refused
type Reason string

const (
	ReasonInsufficientQuorum Reason = "insufficient_quorum"
	ReasonProposalNotFound   Reason = "proposal_not_found"
	ReasonNotLeader          Reason = "not_leader"
	ReasonAlreadyLocked      Reason = "already_locked"
	ReasonNotHolder          Reason = "not_holder"
	ReasonLockNotFound       Reason = "lock_not_found"
	ReasonInvalidVote        Reason = "invalid_vote"
)
