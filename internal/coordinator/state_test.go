package coordinator

import (
	stdsync "sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
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

func TestComputeQuorum(t *testing.T) {
	tests := []struct {
		participants int
		healthy      int
		want         Quorum
	}{
		{0, 0, Quorum{Total: 1, Healthy: 1, Required: 1, Sufficient: true}},
		{1, 0, Quorum{Total: 2, Healthy: 1, Required: 1, Sufficient: true}},
		{1, 1, Quorum{Total: 2, Healthy: 2, Required: 1, Sufficient: true}},
		{2, 0, Quorum{Total: 3, Healthy: 1, Required: 2, Sufficient: false}},
		{2, 1, Quorum{Total: 3, Healthy: 2, Required: 2, Sufficient: true}},
		{3, 1, Quorum{Total: 4, Healthy: 2, Required: 2, Sufficient: true}},
		{4, 1, Quorum{Total: 5, Healthy: 2, Required: 3, Sufficient: false}},
		{4, 2, Quorum{Total: 5, Healthy: 3, Required: 3, Sufficient: true}},
		{6, 6, Quorum{Total: 7, Healthy: 7, Required: 4, Sufficient: true}},
	}

	for _, tt := range tests {
		got := ComputeQuorum(tt.participants, tt.healthy)
		if got != tt.want {
			t.Errorf("ComputeQuorum(%d, %d) = %+v, want %+v", tt.participants, tt.healthy, got, tt.want)
		}
	}
}

func TestQuorumFormulaHolds(t *testing.T) {
	for n := 0; n < 20; n++ {
		for h := 0; h <= n; h++ {
			q := ComputeQuorum(n, h)
			if q.Total != n+1 || q.Healthy != h+1 {
				t.Fatalf("n=%d h=%d: bad totals %+v", n, h, q)
			}
			// required == ceil(total/2)
			want := q.Total / 2
			if q.Total%2 != 0 {
				want++
			}
			if q.Required != want {
				t.Fatalf("n=%d h=%d: required %d, want %d", n, h, q.Required, want)
			}
			if q.Sufficient != (q.Healthy >= q.Required) {
				t.Fatalf("n=%d h=%d: sufficient mismatch %+v", n, h, q)
			}
		}
	}
}

func TestLeaderLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := NewStateWithClock("a", clock.Now)

	if _, ok := s.Leader(); ok {
		t.Fatal("new state should have no leader")
	}
	if s.IsLeader() {
		t.Fatal("new state should not be leader")
	}

	if _, had := s.SetLeader("a", time.Time{}); had {
		t.Error("first SetLeader should report no previous leader")
	}
	if !s.IsLeader() || !s.IsLeaderID("a") {
		t.Error("expected a to be leader")
	}

	clock.Advance(5 * time.Second)
	s.UpdateLeaderHeartbeat()
	l, _ := s.Leader()
	if !l.LastHeartbeatAt.Equal(clock.Now()) {
		t.Errorf("leader heartbeat not refreshed: %v", l.LastHeartbeatAt)
	}

	prev, had := s.SetLeader("b", time.Time{})
	if !had || prev.ID != "a" {
		t.Errorf("expected previous leader a, got %+v (had=%v)", prev, had)
	}
	if s.IsLeader() {
		t.Error("a should no longer be leader")
	}

	s.ClearLeader()
	if _, ok := s.Leader(); ok {
		t.Error("leader should be cleared")
	}
}

func TestUpdateParticipantMerges(t *testing.T) {
	clock := newFakeClock()
	s := NewStateWithClock("a", clock.Now)

	s.UpdateParticipant("b", ParticipantUpdate{URL: "http://b/distributed/sync", UptimeMs: 1000})
	clock.Advance(time.Second)
	p := s.UpdateParticipant("b", ParticipantUpdate{UptimeMs: 2000, Status: StatusDegraded})

	if p.URL != "http://b/distributed/sync" {
		t.Errorf("url should be kept, got %q", p.URL)
	}
	if p.UptimeMs != 2000 || p.Status != StatusDegraded {
		t.Errorf("unexpected participant %+v", p)
	}
	if !p.LastHeartbeatAt.Equal(clock.Now()) {
		t.Errorf("heartbeat timestamp should default to now")
	}
}

func TestSelfIsNeverAParticipant(t *testing.T) {
	s := NewState("a")
	s.UpdateParticipant("a", ParticipantUpdate{})

	if len(s.Participants()) != 0 {
		t.Error("local instance must not be stored as participant")
	}
}

func TestHealthyCountIncludesDegraded(t *testing.T) {
	s := NewState("a")
	s.UpdateParticipant("b", ParticipantUpdate{Status: StatusHealthy})
	s.UpdateParticipant("c", ParticipantUpdate{Status: StatusDegraded})
	s.UpdateParticipant("d", ParticipantUpdate{Status: StatusUnreachable})

	if got := s.HealthyParticipantsCount(); got != 2 {
		t.Errorf("expected 2 healthy participants, got %d", got)
	}

	q := s.Quorum()
	want := Quorum{Total: 4, Healthy: 3, Required: 2, Sufficient: true}
	if q != want {
		t.Errorf("Quorum() = %+v, want %+v", q, want)
	}
}

func TestMarkUnreachableAndRecover(t *testing.T) {
	clock := newFakeClock()
	s := NewStateWithClock("a", clock.Now)

	s.UpdateParticipant("b", ParticipantUpdate{})
	s.UpdateParticipant("c", ParticipantUpdate{})

	clock.Advance(10 * time.Second)
	s.UpdateParticipant("c", ParticipantUpdate{})

	clock.Advance(6 * time.Second)
	changed := s.MarkUnreachable(15 * time.Second)
	if len(changed) != 1 || changed[0].ID != "b" {
		t.Fatalf("expected only b to become unreachable, got %+v", changed)
	}

	// sweeping again reports nothing new
	if again := s.MarkUnreachable(15 * time.Second); len(again) != 0 {
		t.Errorf("already unreachable participants should not be reported twice: %+v", again)
	}

	// a heartbeat always upgrades the participant back to healthy
	s.UpdateParticipant("b", ParticipantUpdate{Status: StatusHealthy})
	p, _ := s.Participant("b")
	if p.Status != StatusHealthy {
		t.Errorf("expected b healthy after heartbeat, got %s", p.Status)
	}
}

func TestEvictUnreachable(t *testing.T) {
	clock := newFakeClock()
	s := NewStateWithClock("a", clock.Now)

	s.UpdateParticipant("b", ParticipantUpdate{})
	s.UpdateParticipant("c", ParticipantUpdate{})
	clock.Advance(20 * time.Second)
	s.UpdateParticipant("c", ParticipantUpdate{})
	s.MarkUnreachable(15 * time.Second)

	if got := s.EvictUnreachable(0); got != nil {
		t.Errorf("eviction disabled should evict nothing, got %v", got)
	}

	clock.Advance(45 * time.Second)
	got := s.EvictUnreachable(time.Minute)
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("expected b evicted, got %v", got)
	}
	if _, ok := s.Participant("b"); ok {
		t.Error("b should be gone")
	}
	if _, ok := s.Participant("c"); !ok {
		t.Error("c is not unreachable and must stay")
	}
}

func TestRemoveAndReset(t *testing.T) {
	s := NewState("a")
	s.UpdateParticipant("b", ParticipantUpdate{})
	s.SetLeader("b", time.Time{})

	if !s.RemoveParticipant("b") {
		t.Error("expected removal")
	}
	if s.RemoveParticipant("b") {
		t.Error("second removal should report false")
	}

	s.UpdateParticipant("c", ParticipantUpdate{})
	s.Reset()
	if len(s.Participants()) != 0 {
		t.Error("reset should clear participants")
	}
	if _, ok := s.Leader(); ok {
		t.Error("reset should clear leader")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewState("a")
	var wg stdsync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('b' + i))
			for j := 0; j < 100; j++ {
				s.UpdateParticipant(id, ParticipantUpdate{UptimeMs: int64(j + 1)})
				_ = s.Quorum()
				_ = s.Participants()
				s.SetLeader(id, time.Time{})
				_ = s.IsLeader()
			}
		}(i)
	}
	wg.Wait()

	if got := len(s.Participants()); got != 8 {
		t.Errorf("expected 8 participants, got %d", got)
	}
}
