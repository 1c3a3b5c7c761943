package sync

import (
	"context"
	"sync"
	"time"

	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
)

// AntiEntropy repairs lost proposal traffic in the background: pending
// proposals are re-sent to peers whose vote is missing, and proposals older
// than the configured TTL are dropped.
type AntiEntropy struct {
	interval time.Duration
	ttl      time.Duration
	manager  *Manager
	logger   *logging.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// RepairStats reports one anti-entropy pass
type RepairStats struct {
	Resent  int
	Expired int
}

type retry struct {
	event events.Event
	voted map[string]bool
}

// NewAntiEntropy creates a new anti-entropy service
func NewAntiEntropy(interval, ttl time.Duration, manager *Manager, logger *logging.Logger) *AntiEntropy {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &AntiEntropy{
		interval: interval,
		ttl:      ttl,
		manager:  manager,
		logger:   logger.With("component", "anti_entropy"),
	}
}

// Start starts the anti-entropy background process
func (ae *AntiEntropy) Start(ctx context.Context) {
	if ae.interval <= 0 {
		ae.logger.Info("Anti-entropy is disabled")
		return
	}

	ae.mu.Lock()
	if ae.running {
		ae.mu.Unlock()
		return
	}
	ae.running = true
	ae.stopCh = make(chan struct{})
	stopCh := ae.stopCh
	ae.mu.Unlock()

	ae.logger.Info("Starting anti-entropy service",
		"interval", ae.interval.String(),
		"proposal_ttl", ae.ttl.String())

	ae.wg.Add(1)
	go ae.run(ctx, stopCh)
}

// Stop stops the anti-entropy service
func (ae *AntiEntropy) Stop() {
	ae.mu.Lock()
	if !ae.running {
		ae.mu.Unlock()
		return
	}
	ae.running = false
	close(ae.stopCh)
	ae.mu.Unlock()

	ae.wg.Wait()
	ae.logger.Info("Anti-entropy service stopped")
}

func (ae *AntiEntropy) run(ctx context.Context, stopCh chan struct{}) {
	defer ae.wg.Done()

	ticker := time.NewTicker(ae.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			stats := ae.RunOnce(ctx)
			if stats.Resent > 0 || stats.Expired > 0 {
				ae.logger.Debug("Anti-entropy pass finished",
					"resent", stats.Resent,
					"expired", stats.Expired)
			}
		}
	}
}

// RunOnce performs a single repair pass
func (ae *AntiEntropy) RunOnce(ctx context.Context) RepairStats {
	m := ae.manager
	now := m.state.Now()

	var (
		stats   RepairStats
		retries []retry
		expired []events.Proposal
	)

	m.mu.Lock()
	for id, pd := range m.active {
		if ae.ttl > 0 && now.Sub(pd.proposal.CreatedAt) > ae.ttl {
			delete(m.active, id)
			expired = append(expired, pd.proposal)
			continue
		}
		if pd.event.ID == "" {
			continue
		}
		voted := make(map[string]bool, len(pd.votes))
		for voter := range pd.votes {
			voted[voter] = true
		}
		retries = append(retries, retry{event: pd.event, voted: voted})
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.metrics.Proposal(string(p.Kind), "expired")
		ae.logger.Warn("Pending proposal expired without quorum",
			"proposal_id", p.ProposalID,
			"kind", p.Kind,
			"age", now.Sub(p.CreatedAt).String())
	}
	stats.Expired = len(expired)

	if len(retries) == 0 {
		return stats
	}

	peers, err := m.discovery.Peers(ctx)
	if err != nil {
		ae.logger.Warn("Failed to list peers for anti-entropy", "error", err)
		return stats
	}

	for _, r := range retries {
		var missing []discovery.Peer
		for _, p := range peers {
			if !r.voted[p.ID] {
				missing = append(missing, p)
			}
		}
		resent, err := m.sendTo(ctx, missing, []events.Event{r.event})
		if err != nil {
			ae.logger.Debug("Proposal resend incomplete", "event_id", r.event.ID, "error", err)
		}
		stats.Resent += resent
	}

	return stats
}
