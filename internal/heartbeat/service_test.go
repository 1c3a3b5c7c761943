package heartbeat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu      sync.Mutex
	sent    map[string]models.HeartbeatRequest
	failFor map[string]bool
	block   map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sent:    make(map[string]models.HeartbeatRequest),
		failFor: make(map[string]bool),
		block:   make(map[string]bool),
	}
}

func (r *recordingSender) SendHeartbeat(ctx context.Context, peerURL string, hb models.HeartbeatRequest) error {
	r.mu.Lock()
	fail := r.failFor[peerURL]
	block := r.block[peerURL]
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("connection refused")
	}

	r.mu.Lock()
	r.sent[peerURL] = hb
	r.mu.Unlock()
	return nil
}

func staticPeers(selfID string, ids ...string) *discovery.Static {
	var peers []config.PeerConfig
	for _, id := range ids {
		peers = append(peers, config.PeerConfig{ID: id, URL: "http://" + id + ":7100/distributed/sync"})
	}
	return discovery.NewStatic(peers, selfID)
}

func TestSendOnceIsolatesFailures(t *testing.T) {
	state := coordinator.NewState("a")
	sender := newRecordingSender()
	sender.failFor["http://b:7100/distributed/sync"] = true

	svc := NewService(Config{SelfURL: "http://a:7100/distributed/sync"}, state, staticPeers("a", "a", "b", "c"), sender, nil, nil, nil)

	n, err := svc.SendOnce(context.Background())
	if n != 1 {
		t.Fatalf("expected 1 delivered heartbeat, got %d", n)
	}
	if err == nil || !strings.Contains(err.Error(), "heartbeat to b") {
		t.Errorf("expected the failure of b to be reported, got %v", err)
	}

	hb, ok := sender.sent["http://c:7100/distributed/sync"]
	if !ok {
		t.Fatal("peer c should have received a heartbeat")
	}
	if hb.InstanceID != "a" || hb.Status != "healthy" || hb.URL != "http://a:7100/distributed/sync" {
		t.Errorf("unexpected heartbeat %+v", hb)
	}
	if _, ok := sender.sent["http://a:7100/distributed/sync"]; ok {
		t.Error("heartbeat must not be sent to self")
	}
}

func TestSendOnceSlowPeerDoesNotBlockOthers(t *testing.T) {
	state := coordinator.NewState("a")
	sender := newRecordingSender()
	sender.block["http://b:7100/distributed/sync"] = true

	svc := NewService(Config{}, state, staticPeers("a", "b", "c"), sender, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	n, err := svc.SendOnce(ctx)
	if n != 1 {
		t.Errorf("expected c to receive its heartbeat, delivered %d", n)
	}
	if err == nil {
		t.Error("the blocked peer should surface as an error")
	}
}

func TestSendOnceRefreshesLeaderHeartbeat(t *testing.T) {
	clock := newFakeClock()
	state := coordinator.NewStateWithClock("a", clock.Now)
	state.SetLeader("a", time.Time{})

	svc := NewService(Config{}, state, staticPeers("a"), newRecordingSender(), nil, nil, nil)

	clock.Advance(7 * time.Second)
	if _, err := svc.SendOnce(context.Background()); err != nil {
		t.Fatalf("SendOnce() error = %v", err)
	}

	leader, _ := state.Leader()
	if !leader.LastHeartbeatAt.Equal(clock.Now()) {
		t.Errorf("leader heartbeat not refreshed: %v", leader.LastHeartbeatAt)
	}
}

func TestUnreachableThenHealthy(t *testing.T) {
	clock := newFakeClock()
	state := coordinator.NewStateWithClock("a", clock.Now)
	bus := events.NewBus("a", nil)
	defer bus.Close()

	var (
		mu          sync.Mutex
		unreachable []string
	)
	bus.Subscribe(events.TypeParticipantUnreachable, func(e events.Event) error {
		mu.Lock()
		unreachable = append(unreachable, e.Payload.(events.ParticipantUnreachable).InstanceID)
		mu.Unlock()
		return nil
	})

	svc := NewService(Config{Timeout: 15 * time.Second}, state, staticPeers("a", "b"), newRecordingSender(), bus, nil, nil)

	svc.Receive(context.Background(), models.HeartbeatRequest{InstanceID: "b", Uptime: 1000, Status: "healthy"})
	p, ok := state.Participant("b")
	if !ok || p.Status != coordinator.StatusHealthy {
		t.Fatalf("expected b healthy after first heartbeat, got %+v", p)
	}
	if p.URL != "http://b:7100/distributed/sync" {
		t.Errorf("expected url from discovery, got %q", p.URL)
	}

	clock.Advance(10 * time.Second)
	if changed := svc.Sweep(); len(changed) != 0 {
		t.Errorf("b is within the timeout, got %v", changed)
	}

	clock.Advance(6 * time.Second)
	changed := svc.Sweep()
	if len(changed) != 1 || changed[0].ID != "b" {
		t.Fatalf("expected b to become unreachable, got %v", changed)
	}
	if p, _ := state.Participant("b"); p.Status != coordinator.StatusUnreachable {
		t.Errorf("expected unreachable, got %s", p.Status)
	}
	if q := state.Quorum(); q.Healthy != 1 || q.Total != 2 {
		t.Errorf("unexpected quorum %+v", q)
	}

	svc.Receive(context.Background(), models.HeartbeatRequest{InstanceID: "b", Uptime: 17000, Status: "healthy"})
	if p, _ := state.Participant("b"); p.Status != coordinator.StatusHealthy || p.UptimeMs != 17000 {
		t.Errorf("expected b healthy again, got %+v", p)
	}

	bus.Flush()
	mu.Lock()
	defer mu.Unlock()
	if len(unreachable) != 1 || unreachable[0] != "b" {
		t.Errorf("expected one participant-unreachable event for b, got %v", unreachable)
	}
}

func TestReceiveKeepsDegradedAndNormalizesUnknown(t *testing.T) {
	state := coordinator.NewState("a")
	svc := NewService(Config{}, state, staticPeers("a"), newRecordingSender(), nil, nil, nil)

	inst := svc.Receive(context.Background(), models.HeartbeatRequest{InstanceID: "b", Status: "degraded"})
	if inst.Status != coordinator.StatusDegraded {
		t.Errorf("expected degraded, got %s", inst.Status)
	}

	inst = svc.Receive(context.Background(), models.HeartbeatRequest{InstanceID: "b", Status: "unreachable"})
	if inst.Status != coordinator.StatusHealthy {
		t.Errorf("a received heartbeat always upgrades, got %s", inst.Status)
	}
}

func TestReceiveFromLeaderRefreshesLeader(t *testing.T) {
	clock := newFakeClock()
	state := coordinator.NewStateWithClock("a", clock.Now)
	state.SetLeader("b", time.Time{})

	svc := NewService(Config{}, state, staticPeers("a", "b"), newRecordingSender(), nil, nil, nil)
	clock.Advance(3 * time.Second)
	svc.Receive(context.Background(), models.HeartbeatRequest{InstanceID: "b"})

	leader, _ := state.Leader()
	if !leader.LastHeartbeatAt.Equal(clock.Now()) {
		t.Errorf("expected leader heartbeat at %v, got %v", clock.Now(), leader.LastHeartbeatAt)
	}
}

func TestSweepEvicts(t *testing.T) {
	clock := newFakeClock()
	state := coordinator.NewStateWithClock("a", clock.Now)
	bus := events.NewBus("a", nil)
	defer bus.Close()

	var evicted []string
	bus.Subscribe(events.TypeParticipantEvicted, func(e events.Event) error {
		evicted = append(evicted, e.Payload.(events.ParticipantEvicted).InstanceID)
		return nil
	})

	svc := NewService(Config{Timeout: 15 * time.Second, EvictAfter: time.Minute}, state, staticPeers("a"), newRecordingSender(), bus, nil, nil)
	svc.Receive(context.Background(), models.HeartbeatRequest{InstanceID: "b"})

	clock.Advance(20 * time.Second)
	svc.Sweep()
	if _, ok := state.Participant("b"); !ok {
		t.Fatal("b should still be tracked while unreachable")
	}

	clock.Advance(time.Minute)
	svc.Sweep()
	if _, ok := state.Participant("b"); ok {
		t.Error("b should have been evicted")
	}

	bus.Flush()
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("expected eviction event for b, got %v", evicted)
	}
}

func TestStartStop(t *testing.T) {
	state := coordinator.NewState("a")
	sender := newRecordingSender()
	svc := NewService(Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond, SweepInterval: 10 * time.Millisecond},
		state, staticPeers("a", "b"), sender, nil, nil, nil)

	svc.Start(context.Background())
	svc.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	svc.Stop()
	svc.Stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if _, ok := sender.sent["http://b:7100/distributed/sync"]; !ok {
		t.Error("expected at least one heartbeat to b")
	}
}
