// Package lock implements leader-granted distributed locks with TTL expiry and
// periodic renewal. Only the instance that believes itself leader grants
// locks; losing leadership drops every lock it holds.
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// Release reasons published on lock-released events
const (
	ReleaseExplicit       = "released"
	ReleaseExpired        = "expired"
	ReleaseLeadershipLost = "leadership_lost"
	ReleaseCleared        = "cleared"
)

// Lock is a granted lock
type Lock struct {
	Resource   string        `json:"resource"`
	HolderID   string        `json:"holderId"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
	TTL        time.Duration `json:"-"`
}

// Expired reports whether the lock is past its expiry at now
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Result is the outcome of an acquire or release
type Result struct {
	Success bool               `json:"success"`
	Reason  coordinator.Reason `json:"reason,omitempty"`
	Lock    *Lock              `json:"lock,omitempty"`
}

// Config holds the lock service timings
type Config struct {
	DefaultTTL      time.Duration
	RenewInterval   time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the standard lock timings
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      utils.DefaultLockTTL,
		RenewInterval:   utils.DefaultLockRenewInterval,
		CleanupInterval: utils.DefaultLockCleanupInterval,
	}
}

type entry struct {
	lock Lock
	stop chan struct{}
}

// Service is the lock table of the local leader
type Service struct {
	config  Config
	state   *coordinator.State
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *logging.Logger
	clock   func() time.Time

	mu      sync.Mutex
	locks   map[string]*entry
	stopCh  chan struct{}
	running bool
	sub     *events.Subscription
	wg      sync.WaitGroup
}

// NewService creates a lock service. bus and m may be nil.
func NewService(cfg Config, state *coordinator.State, bus *events.Bus, m *metrics.Metrics, logger *logging.Logger) *Service {
	defaults := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaults.DefaultTTL
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = defaults.RenewInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Service{
		config:  cfg,
		state:   state,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "lock_service"),
		clock:   time.Now,
		locks:   make(map[string]*entry),
	}
}

// Acquire takes resource on behalf of the local instance
func (s *Service) Acquire(resource string, ttl time.Duration) Result {
	return s.AcquireFor(s.state.SelfID(), resource, ttl)
}

// AcquireFor takes resource on behalf of holder. The local instance must be leader.
// A holder acquiring a lock it already holds renews it with the new ttl.
func (s *Service) AcquireFor(holder, resource string, ttl time.Duration) Result {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	if !s.state.IsLeader() {
		s.record("acquire", string(coordinator.ReasonNotLeader))
		return Result{Success: false, Reason: coordinator.ReasonNotLeader}
	}

	now := s.clock()

	s.mu.Lock()
	if e, ok := s.locks[resource]; ok {
		if !e.lock.Expired(now) {
			if e.lock.HolderID != holder {
				held := e.lock
				s.mu.Unlock()
				s.record("acquire", string(coordinator.ReasonAlreadyLocked))
				return Result{Success: false, Reason: coordinator.ReasonAlreadyLocked, Lock: &held}
			}

			e.lock.TTL = ttl
			e.lock.ExpiresAt = now.Add(ttl)
			renewed := e.lock
			s.mu.Unlock()
			s.record("renew", "ok")
			return Result{Success: true, Lock: &renewed}
		}

		// stale lock: forget it and grant a fresh one below
		close(e.stop)
		delete(s.locks, resource)
		s.logger.Debug("Replacing expired lock", "resource", resource, "previous_holder", e.lock.HolderID)
	}

	e := &entry{
		lock: Lock{
			Resource:   resource,
			HolderID:   holder,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
			TTL:        ttl,
		},
		stop: make(chan struct{}),
	}
	s.locks[resource] = e
	granted := e.lock
	s.wg.Add(1)
	go s.renewLoop(resource, e)
	s.mu.Unlock()

	s.record("acquire", "ok")
	s.logger.Info("Lock acquired", "resource", resource, "holder", holder, "ttl", ttl.String())
	s.publish(events.LockAcquired{Resource: resource, HolderID: holder, ExpiresAt: granted.ExpiresAt})

	return Result{Success: true, Lock: &granted}
}

// renewLoop extends the lock while this instance leads. It drops the lock on
// the first tick that finds leadership lost or the lock already expired.
func (s *Service) renewLoop(resource string, e *entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if current, ok := s.locks[resource]; !ok || current != e {
				s.mu.Unlock()
				return
			}

			if !s.state.IsLeader() {
				delete(s.locks, resource)
				close(e.stop)
				s.mu.Unlock()

				s.logger.Warn("Leadership lost, lock released", "resource", resource, "holder", e.lock.HolderID)
				s.record("release", ReleaseLeadershipLost)
				s.publish(events.LockReleased{Resource: resource, HolderID: e.lock.HolderID, Reason: ReleaseLeadershipLost})
				return
			}

			now := s.clock()
			if e.lock.Expired(now) {
				delete(s.locks, resource)
				close(e.stop)
				expired := e.lock
				s.mu.Unlock()

				s.logger.Debug("Lock expired before renewal", "resource", resource, "holder", expired.HolderID)
				s.record("expire", "ok")
				s.publish(events.LockReleased{Resource: resource, HolderID: expired.HolderID, Reason: ReleaseExpired})
				return
			}

			e.lock.ExpiresAt = now.Add(e.lock.TTL)
			s.mu.Unlock()
			s.logger.Debug("Lock renewed", "resource", resource)
		}
	}
}

// Release releases resource as the local instance
func (s *Service) Release(resource string, checkHolder bool) Result {
	return s.ReleaseFor(s.state.SelfID(), resource, checkHolder)
}

// ReleaseFor releases resource. With checkHolder, a caller other than the
// recorded holder is refused and nothing changes.
func (s *Service) ReleaseFor(holder, resource string, checkHolder bool) Result {
	s.mu.Lock()
	e, ok := s.locks[resource]
	if !ok {
		s.mu.Unlock()
		s.record("release", string(coordinator.ReasonLockNotFound))
		return Result{Success: false, Reason: coordinator.ReasonLockNotFound}
	}
	if checkHolder && e.lock.HolderID != holder {
		held := e.lock
		s.mu.Unlock()
		s.record("release", string(coordinator.ReasonNotHolder))
		return Result{Success: false, Reason: coordinator.ReasonNotHolder, Lock: &held}
	}

	close(e.stop)
	delete(s.locks, resource)
	released := e.lock
	s.mu.Unlock()

	s.record("release", "ok")
	s.logger.Info("Lock released", "resource", resource, "holder", released.HolderID)
	s.publish(events.LockReleased{Resource: resource, HolderID: released.HolderID, Reason: ReleaseExplicit})

	return Result{Success: true, Lock: &released}
}

// Get returns the live lock on resource
func (s *Service) Get(resource string) (Lock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[resource]
	if !ok || e.lock.Expired(s.clock()) {
		return Lock{}, false
	}
	return e.lock, true
}

// List returns all live locks ordered by resource
func (s *Service) List() []Lock {
	now := s.clock()

	s.mu.Lock()
	out := make([]Lock, 0, len(s.locks))
	for _, e := range s.locks {
		if !e.lock.Expired(now) {
			out = append(out, e.lock)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// CleanupExpired removes every expired lock and returns their resources
func (s *Service) CleanupExpired() []string {
	now := s.clock()

	s.mu.Lock()
	var expired []Lock
	for resource, e := range s.locks {
		if e.lock.Expired(now) {
			close(e.stop)
			delete(s.locks, resource)
			expired = append(expired, e.lock)
		}
	}
	s.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].Resource < expired[j].Resource })
	resources := make([]string, 0, len(expired))
	for _, l := range expired {
		resources = append(resources, l.Resource)
		s.record("expire", "ok")
		s.publish(events.LockReleased{Resource: l.Resource, HolderID: l.HolderID, Reason: ReleaseExpired})
	}
	if len(resources) > 0 {
		s.logger.Debug("Expired locks removed", "resources", resources)
	}
	return resources
}

// ClearAll drops every lock and returns how many were held
func (s *Service) ClearAll() int {
	return s.clearAll(ReleaseCleared)
}

func (s *Service) clearAll(reason string) int {
	s.mu.Lock()
	cleared := make([]Lock, 0, len(s.locks))
	for resource, e := range s.locks {
		close(e.stop)
		delete(s.locks, resource)
		cleared = append(cleared, e.lock)
	}
	s.mu.Unlock()

	for _, l := range cleared {
		s.publish(events.LockReleased{Resource: l.Resource, HolderID: l.HolderID, Reason: reason})
	}
	if len(cleared) > 0 {
		s.record("clear", reason)
		s.logger.Info("All locks cleared", "count", len(cleared), "reason", reason)
	}
	return len(cleared)
}

// Start runs the expiry sweep and, when a bus is present, drops every lock as
// soon as a leader change moves leadership away from this instance
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

	if s.bus != nil {
		s.sub = s.bus.Subscribe(events.TypeLeaderChanged, func(e events.Event) error {
			if p, ok := e.Payload.(events.LeaderChanged); ok && p.NewLeader != s.state.SelfID() {
				s.clearAll(ReleaseLeadershipLost)
			}
			return nil
		})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				s.CleanupExpired()
			}
		}
	}()

	s.logger.Info("Lock service started",
		"renew_interval", s.config.RenewInterval.String(),
		"cleanup_interval", s.config.CleanupInterval.String())
}

// Stop halts the sweep and drops every lock
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.ClearAll()
		s.wg.Wait()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.bus != nil && s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}

	s.ClearAll()
	s.wg.Wait()
	s.logger.Info("Lock service stopped")
}

func (s *Service) record(op, outcome string) {
	s.mu.Lock()
	held := len(s.locks)
	s.mu.Unlock()
	s.metrics.LockOp(op, outcome, held)
}

func (s *Service) publish(p events.Payload) {
	if s.bus != nil {
		s.bus.Publish(p)
	}
}
