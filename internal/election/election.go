// Package election picks the cluster leader from the local view.
//
// Election is advisory: every instance runs it on its own timer against its
// own peer view, so instances may disagree until their views converge.
package election

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/models"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// Prober is the lightweight health check used to decide which peers can stand
type Prober interface {
	Info(ctx context.Context, peerURL string) (models.InfoResponse, error)
}

// Candidate is an instance eligible for leadership
type Candidate struct {
	ID       string
	UptimeMs int64
}

// Outcome of one election round
const (
	OutcomeElected   = "elected"
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
)

// Result describes one election round
type Result struct {
	Leader     string
	Previous   string
	Outcome    string
	Candidates int
}

// Elect returns the candidate with the greatest uptime, ties going to the
// lexicographically greatest id. The input is not modified.
func Elect(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UptimeMs != sorted[j].UptimeMs {
			return sorted[i].UptimeMs > sorted[j].UptimeMs
		}
		return sorted[i].ID > sorted[j].ID
	})
	return sorted[0], true
}

// Service re-runs the election on a fixed interval
type Service struct {
	interval  time.Duration
	state     *coordinator.State
	discovery discovery.Discovery
	prober    Prober
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *logging.Logger

	roundMu sync.Mutex // one round at a time

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewService creates the election service
func NewService(
	interval time.Duration,
	state *coordinator.State,
	d discovery.Discovery,
	prober Prober,
	bus *events.Bus,
	m *metrics.Metrics,
	logger *logging.Logger,
) *Service {
	if interval <= 0 {
		interval = utils.DefaultElectionInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Service{
		interval:  interval,
		state:     state,
		discovery: d,
		prober:    prober,
		bus:       bus,
		metrics:   m,
		logger:    logger.With("component", "election"),
	}
}

// Candidates returns the local instance plus every peer that answered the probe
func (s *Service) Candidates(ctx context.Context) []Candidate {
	self := Candidate{ID: s.state.SelfID(), UptimeMs: s.state.UptimeMs()}

	peers, err := s.discovery.Peers(ctx)
	if err != nil {
		s.logger.Warn("Failed to list peers for election", "error", err)
		return []Candidate{self}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = []Candidate{self}
	)
	for _, p := range peers {
		wg.Add(1)
		go func(peer discovery.Peer) {
			defer wg.Done()

			info, err := s.prober.Info(ctx, peer.URL)
			if err != nil {
				s.logger.Debug("Peer failed election probe", "peer", peer.ID, "error", err)
				return
			}
			// the reported id is the peer's persisted identity; the configured id may differ
			id := info.InstanceID
			if id == "" {
				id = peer.ID
			}
			mu.Lock()
			out = append(out, Candidate{ID: id, UptimeMs: info.Uptime})
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	return out
}

// RunOnce runs a single election round and publishes leader-elected or
// leader-changed when the leader moves
func (s *Service) RunOnce(ctx context.Context) Result {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	candidates := s.Candidates(ctx)
	winner, _ := Elect(candidates)

	current, hadLeader := s.state.Leader()
	res := Result{Leader: winner.ID, Candidates: len(candidates), Outcome: OutcomeUnchanged}
	if hadLeader {
		res.Previous = current.ID
	}

	if hadLeader && current.ID == winner.ID {
		s.metrics.Election(res.Outcome, s.state.IsLeader())
		return res
	}

	_, trace := logging.StartTrace(ctx, "election", "instance_id", s.state.SelfID())
	electedAt := s.state.Now()
	s.state.SetLeader(winner.ID, electedAt)
	trace.AddEvent("leader_set", "leader", winner.ID, "candidates", len(candidates))

	if hadLeader {
		res.Outcome = OutcomeChanged
		s.publish(events.LeaderChanged{PreviousLeader: current.ID, NewLeader: winner.ID, ElectedAt: electedAt})
		s.logger.Info("Leader changed", "previous", current.ID, "leader", winner.ID, "candidates", len(candidates))
	} else {
		res.Outcome = OutcomeElected
		s.publish(events.LeaderElected{NewLeader: winner.ID, ElectedAt: electedAt})
		s.logger.Info("Leader elected", "leader", winner.ID, "candidates", len(candidates))
	}
	trace.End(nil)

	s.metrics.Election(res.Outcome, winner.ID == s.state.SelfID())
	return res
}

func (s *Service) publish(p events.Payload) {
	if s.bus != nil {
		s.bus.Publish(p)
	}
}

// Start runs one round immediately, then one per interval
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

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.RunOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	s.logger.Info("Election started", "interval", s.interval.String())
}

// Stop halts the election loop
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
	s.logger.Info("Election stopped")
}
