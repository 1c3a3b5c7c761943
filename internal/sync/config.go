package sync

import (
	"fmt"
	"time"

	"github.com/sheetpub/sheetpub/internal/conflict"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// Config holds configuration for the sync engine
type Config struct {
	// SelfURL is the sync URL peers use to send votes back to this instance
	SelfURL string

	// Strategy decides the automatic vote when a remote proposal competes
	// with one of our own pending proposals
	Strategy conflict.Strategy

	// AutoVote answers remote proposals automatically. When false, votes
	// must be cast by an operator through the vote endpoint of the proposer.
	AutoVote bool

	// RebroadcastInterval is how often pending proposals are re-sent to
	// peers that have not voted yet
	RebroadcastInterval time.Duration

	// ProposalTTL drops pending proposals older than this. 0 keeps them
	// until quorum is reached.
	ProposalTTL time.Duration

	// OutboxSize bounds the queue of events waiting to be relayed to peers
	OutboxSize int
}

// DefaultConfig returns the default sync configuration
func DefaultConfig() Config {
	return Config{
		Strategy:            conflict.LeaderWins,
		AutoVote:            true,
		RebroadcastInterval: utils.DefaultRebroadcastInterval,
		OutboxSize:          utils.DefaultOutboxSize,
	}
}

// Validate validates the sync configuration, filling unset values with defaults
func (c *Config) Validate() error {
	if c.Strategy == "" {
		c.Strategy = conflict.LeaderWins
	}
	if _, err := conflict.ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.RebroadcastInterval <= 0 {
		c.RebroadcastInterval = utils.DefaultRebroadcastInterval
	}
	if c.ProposalTTL < 0 {
		return fmt.Errorf("proposal ttl cannot be negative")
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = utils.DefaultOutboxSize
	}
	return nil
}
