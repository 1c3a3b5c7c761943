// Package heartbeat announces liveness to peers and tracks theirs.
//
// Two loops run independently: the send loop posts a heartbeat to every peer
// on each interval, and the sweep loop marks participants unreachable once
// they have been silent for longer than the timeout.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/models"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// Sender delivers a heartbeat to one peer
type Sender interface {
	SendHeartbeat(ctx context.Context, peerURL string, hb models.HeartbeatRequest) error
}

// Config holds heartbeat cadence
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	SweepInterval time.Duration
	EvictAfter    time.Duration // 0 disables eviction
	SelfURL       string        // advertised in every heartbeat
}

// DefaultConfig returns the default heartbeat configuration
func DefaultConfig() Config {
	return Config{
		Interval:      utils.DefaultHeartbeatInterval,
		Timeout:       utils.DefaultHeartbeatTimeout,
		SweepInterval: utils.DefaultSweepInterval,
	}
}

// Service runs the send and sweep loops
type Service struct {
	config    Config
	state     *coordinator.State
	discovery discovery.Discovery
	sender    Sender
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *logging.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewService creates the heartbeat service
func NewService(
	cfg Config,
	state *coordinator.State,
	d discovery.Discovery,
	sender Sender,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *logging.Logger,
) *Service {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Service{
		config:    cfg,
		state:     state,
		discovery: d,
		sender:    sender,
		bus:       bus,
		metrics:   m,
		logger:    logger.With("component", "heartbeat"),
	}
}

// SendOnce posts one heartbeat to every peer in parallel and returns how many
// were delivered together with the first delivery error. A failing peer never
// blocks the others.
func (s *Service) SendOnce(ctx context.Context) (int, error) {
	if s.state.IsLeader() {
		s.state.UpdateLeaderHeartbeat()
	}

	peers, err := s.discovery.Peers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list peers for heartbeat: %w", err)
	}
	if len(peers) == 0 {
		return 0, nil
	}

	now := s.state.Now()
	hb := models.HeartbeatRequest{
		InstanceID: s.state.SelfID(),
		Timestamp:  now.UnixMilli(),
		Uptime:     s.state.UptimeMs(),
		Status:     string(coordinator.StatusHealthy),
		URL:        s.config.SelfURL,
	}

	var (
		mu        sync.Mutex
		delivered int
	)
	// a plain group: one unreachable peer must not cancel the others
	var g errgroup.Group
	for _, p := range peers {
		peer := p
		g.Go(func() error {
			if err := s.sender.SendHeartbeat(ctx, peer.URL, hb); err != nil {
				s.logger.Debug("Heartbeat delivery failed", "peer", peer.ID, "error", err)
				return fmt.Errorf("heartbeat to %s: %w", peer.ID, err)
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	return delivered, err
}

// sendRound runs SendOnce for the send loop and logs an incomplete round
func (s *Service) sendRound(ctx context.Context) {
	delivered, err := s.SendOnce(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	if delivered == 0 {
		s.logger.Warn("Heartbeat reached no peer", "error", err)
		return
	}
	s.logger.Debug("Heartbeat round incomplete", "delivered", delivered, "error", err)
}

// Receive merges an inbound heartbeat into the coordinator state. The sender
// is upgraded to healthy (or the status it reports) and its timeout restarts.
func (s *Service) Receive(ctx context.Context, hb models.HeartbeatRequest) coordinator.Instance {
	url := hb.URL
	if url == "" {
		if p, ok, err := discovery.Find(ctx, s.discovery, hb.InstanceID); err == nil && ok {
			url = p.URL
		}
	}

	status := coordinator.Status(hb.Status)
	switch status {
	case coordinator.StatusHealthy, coordinator.StatusDegraded:
	default:
		status = coordinator.StatusHealthy
	}

	prev, known := s.state.Participant(hb.InstanceID)
	inst := s.state.UpdateParticipant(hb.InstanceID, coordinator.ParticipantUpdate{
		URL:      url,
		UptimeMs: hb.Uptime,
		Status:   status,
	})

	if s.state.IsLeaderID(hb.InstanceID) {
		s.state.UpdateLeaderHeartbeat()
	}

	s.metrics.HeartbeatReceived()
	if !known {
		s.logger.Info("Participant joined", "instance_id", inst.ID, "url", inst.URL)
	} else if prev.Status == coordinator.StatusUnreachable {
		s.logger.Info("Participant recovered", "instance_id", inst.ID)
	}

	return inst
}

// Sweep marks silent participants unreachable and, when eviction is enabled,
// drops those silent for longer than EvictAfter
func (s *Service) Sweep() []coordinator.Instance {
	changed := s.state.MarkUnreachable(s.config.Timeout)
	for _, p := range changed {
		s.logger.Warn("Participant unreachable",
			"instance_id", p.ID,
			"last_heartbeat_at", p.LastHeartbeatAt)
		s.publish(events.ParticipantUnreachable{InstanceID: p.ID, LastHeartbeatAt: p.LastHeartbeatAt})
	}
	s.metrics.ParticipantsUnreachable(len(changed))

	evicted := s.state.EvictUnreachable(s.config.EvictAfter)
	for _, id := range evicted {
		s.logger.Warn("Participant evicted", "instance_id", id, "evict_after", s.config.EvictAfter.String())
		s.publish(events.ParticipantEvicted{InstanceID: id})
	}
	s.metrics.ParticipantsEvicted(len(evicted))

	return changed
}

func (s *Service) publish(p events.Payload) {
	if s.bus != nil {
		s.bus.Publish(p)
	}
}

// Start launches both loops. The first heartbeat goes out immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.sendLoop(ctx, stopCh)
	go s.sweepLoop(ctx, stopCh)

	s.logger.Info("Heartbeat started",
		"interval", s.config.Interval.String(),
		"timeout", s.config.Timeout.String())
}

func (s *Service) sendLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	s.sendRound(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.sendRound(ctx)
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Stop halts both loops. In-flight sends finish on their own timeouts.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Heartbeat stopped")
}
