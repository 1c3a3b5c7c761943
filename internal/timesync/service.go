// Package timesync estimates the local clock's drift against the leader.
// Samples are informational and never feed coordination decisions.
package timesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// TimeSource reads a peer's clock
type TimeSource interface {
	// ServerTime returns the peer's clock in epoch milliseconds
	ServerTime(ctx context.Context, peerURL string) (int64, error)
}

// Sample is one drift measurement
type Sample struct {
	MeasuredAt time.Time `json:"measuredAt"`
	DriftMs    int64     `json:"driftMs"`
}

// Stats summarizes the sample history
type Stats struct {
	Samples int     `json:"samples"`
	MinMs   int64   `json:"minMs"`
	MaxMs   int64   `json:"maxMs"`
	AvgMs   float64 `json:"avgMs"`
}

// Service measures drift periodically and keeps a bounded history
type Service struct {
	state     *coordinator.State
	discovery discovery.Discovery
	source    TimeSource
	metrics   *metrics.Metrics
	logger    *logging.Logger
	interval  time.Duration
	maxSize   int
	clock     func() time.Time

	mu      sync.RWMutex
	history []Sample
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewService creates the drift estimator
func NewService(
	state *coordinator.State,
	d discovery.Discovery,
	source TimeSource,
	interval time.Duration,
	historySize int,
	m *metrics.Metrics,
	logger *logging.Logger,
) *Service {
	if interval <= 0 {
		interval = utils.DefaultDriftInterval
	}
	if historySize < 1 {
		historySize = utils.DefaultDriftHistorySize
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Service{
		state:     state,
		discovery: d,
		source:    source,
		metrics:   m,
		logger:    logger.With("component", "time_sync"),
		interval:  interval,
		maxSize:   historySize,
		clock:     time.Now,
	}
}

// MeasureOnce takes one sample. Without a leader, or when the local instance
// leads, drift is 0 by definition.
func (s *Service) MeasureOnce(ctx context.Context) (Sample, error) {
	leader, ok := s.state.Leader()
	if !ok || leader.ID == s.state.SelfID() {
		return s.record(0), nil
	}

	peer, found, err := discovery.Find(ctx, s.discovery, leader.ID)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to resolve leader %s: %w", leader.ID, err)
	}
	if !found {
		if p, ok := s.state.Participant(leader.ID); ok && p.URL != "" {
			peer = discovery.Peer{ID: p.ID, URL: p.URL}
		} else {
			return Sample{}, fmt.Errorf("leader %s has no known url", leader.ID)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, utils.TimeSyncRequestTimeout)
	defer cancel()

	sent := s.clock()
	serverMs, err := s.source.ServerTime(reqCtx, peer.URL)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to read leader clock: %w", err)
	}
	received := s.clock()

	rtt := received.Sub(sent).Milliseconds()
	drift := received.UnixMilli() - (serverMs + rtt/2)

	return s.record(drift), nil
}

func (s *Service) record(driftMs int64) Sample {
	sample := Sample{MeasuredAt: s.clock(), DriftMs: driftMs}

	s.mu.Lock()
	s.history = append(s.history, sample)
	if len(s.history) > s.maxSize {
		s.history = append(s.history[:0:0], s.history[len(s.history)-s.maxSize:]...)
	}
	s.mu.Unlock()

	s.metrics.ClockDrift(driftMs)
	return sample
}

// CurrentDrift returns the latest sample's drift, or 0 with no samples
func (s *Service) CurrentDrift() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return 0
	}
	return s.history[len(s.history)-1].DriftMs
}

// DriftStats returns min, max and average drift over the retained history
func (s *Service) DriftStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) == 0 {
		return Stats{}
	}

	st := Stats{
		Samples: len(s.history),
		MinMs:   s.history[0].DriftMs,
		MaxMs:   s.history[0].DriftMs,
	}
	var sum int64
	for _, sm := range s.history {
		if sm.DriftMs < st.MinMs {
			st.MinMs = sm.DriftMs
		}
		if sm.DriftMs > st.MaxMs {
			st.MaxMs = sm.DriftMs
		}
		sum += sm.DriftMs
	}
	st.AvgMs = float64(sum) / float64(len(s.history))
	return st
}

// History returns a copy of the retained samples, oldest first
func (s *Service) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Sample, len(s.history))
	copy(out, s.history)
	return out
}

// Start measures on every interval until Stop or ctx is done
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
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if sample, err := s.MeasureOnce(ctx); err != nil {
					s.logger.Warn("Drift measurement failed", "error", err)
				} else {
					s.logger.Debug("Drift measured", "drift_ms", sample.DriftMs)
				}
			}
		}
	}()

	s.logger.Info("Time sync started", "interval", s.interval.String())
}

// Stop halts periodic measurement
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
	s.logger.Info("Time sync stopped")
}
