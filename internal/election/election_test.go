package election

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/models"
)

type fakeProber struct {
	mu      sync.Mutex
	uptimes map[string]int64 // url -> uptime; missing means unreachable
}

func (f *fakeProber) Info(ctx context.Context, peerURL string) (models.InfoResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uptimes[peerURL]
	if !ok {
		return models.InfoResponse{}, errors.New("unreachable")
	}
	return models.InfoResponse{Uptime: up}, nil
}

func (f *fakeProber) set(url string, uptime int64) {
	f.mu.Lock()
	f.uptimes[url] = uptime
	f.mu.Unlock()
}

func (f *fakeProber) drop(url string) {
	f.mu.Lock()
	delete(f.uptimes, url)
	f.mu.Unlock()
}

func peerURL(id string) string {
	return "http://" + id + ":7100/distributed/sync"
}

func staticPeers(selfID string, ids ...string) *discovery.Static {
	var peers []config.PeerConfig
	for _, id := range ids {
		peers = append(peers, config.PeerConfig{ID: id, URL: peerURL(id)})
	}
	return discovery.NewStatic(peers, selfID)
}

func TestElect(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		want       string
	}{
		{"single", []Candidate{{ID: "a", UptimeMs: 1}}, "a"},
		{"longest uptime wins", []Candidate{{ID: "a", UptimeMs: 500}, {ID: "b", UptimeMs: 900}, {ID: "c", UptimeMs: 100}}, "b"},
		{"tie goes to greatest id", []Candidate{{ID: "a", UptimeMs: 500}, {ID: "c", UptimeMs: 500}, {ID: "b", UptimeMs: 500}}, "c"},
		{"uptime beats id", []Candidate{{ID: "z", UptimeMs: 10}, {ID: "a", UptimeMs: 11}}, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Elect(tt.candidates)
			if !ok || got.ID != tt.want {
				t.Errorf("Elect() = %v, want %s", got, tt.want)
			}
		})
	}

	if _, ok := Elect(nil); ok {
		t.Error("Elect(nil) should report no winner")
	}
}

func TestElectDeterministic(t *testing.T) {
	base := []Candidate{
		{ID: "node-1", UptimeMs: 3000},
		{ID: "node-2", UptimeMs: 5000},
		{ID: "node-3", UptimeMs: 5000},
		{ID: "node-4", UptimeMs: 1000},
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := make([]Candidate, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got, _ := Elect(shuffled)
		if got.ID != "node-3" {
			t.Fatalf("iteration %d: expected node-3, got %s", i, got.ID)
		}
	}
}

func TestRunOnceWithoutPeersElectsSelf(t *testing.T) {
	state := coordinator.NewState("a")
	bus := events.NewBus("a", nil)
	defer bus.Close()

	var got []events.Event
	bus.Subscribe(events.Wildcard, func(e events.Event) error {
		got = append(got, e)
		return nil
	})

	svc := NewService(time.Minute, state, staticPeers("a"), &fakeProber{uptimes: map[string]int64{}}, bus, nil, nil)
	res := svc.RunOnce(context.Background())

	if res.Leader != "a" || res.Outcome != OutcomeElected {
		t.Fatalf("unexpected result %+v", res)
	}
	if !state.IsLeader() {
		t.Error("local instance should lead")
	}

	bus.Flush()
	if len(got) != 1 || got[0].Type != events.TypeLeaderElected {
		t.Fatalf("expected one leader-elected event, got %v", got)
	}
	if p := got[0].Payload.(events.LeaderElected); p.NewLeader != "a" || p.PreviousLeader != "" {
		t.Errorf("unexpected payload %+v", p)
	}

	res = svc.RunOnce(context.Background())
	if res.Outcome != OutcomeUnchanged {
		t.Errorf("second round should be unchanged, got %s", res.Outcome)
	}
	bus.Flush()
	if len(got) != 1 {
		t.Errorf("unchanged round must not publish, got %d events", len(got))
	}
}

func TestRunOnceSkipsUnreachablePeers(t *testing.T) {
	state := coordinator.NewState("a")
	prober := &fakeProber{uptimes: map[string]int64{
		peerURL("b"): 1 << 40,
	}}

	svc := NewService(time.Minute, state, staticPeers("a", "b", "c"), prober, nil, nil, nil)
	res := svc.RunOnce(context.Background())

	if res.Leader != "b" {
		t.Fatalf("expected b to lead, got %s", res.Leader)
	}
	if res.Candidates != 2 {
		t.Errorf("expected self and b as candidates, got %d", res.Candidates)
	}
}

func TestRunOnceLeaderChange(t *testing.T) {
	state := coordinator.NewState("a")
	bus := events.NewBus("a", nil)
	defer bus.Close()

	var changes []events.LeaderChanged
	bus.Subscribe(events.TypeLeaderChanged, func(e events.Event) error {
		changes = append(changes, e.Payload.(events.LeaderChanged))
		return nil
	})

	prober := &fakeProber{uptimes: map[string]int64{peerURL("b"): 1 << 40}}
	svc := NewService(time.Minute, state, staticPeers("a", "b"), prober, bus, nil, nil)

	if res := svc.RunOnce(context.Background()); res.Leader != "b" {
		t.Fatalf("expected b, got %s", res.Leader)
	}

	prober.drop(peerURL("b"))
	res := svc.RunOnce(context.Background())
	if res.Leader != "a" || res.Outcome != OutcomeChanged || res.Previous != "b" {
		t.Fatalf("unexpected result %+v", res)
	}

	bus.Flush()
	if len(changes) != 1 || changes[0].PreviousLeader != "b" || changes[0].NewLeader != "a" {
		t.Errorf("unexpected leader-changed events %+v", changes)
	}

	prober.set(peerURL("b"), 1<<40)
	if res := svc.RunOnce(context.Background()); res.Leader != "b" {
		t.Errorf("b should win again once reachable, got %s", res.Leader)
	}
}

func TestStartRunsEagerly(t *testing.T) {
	state := coordinator.NewState("a")
	svc := NewService(time.Hour, state, staticPeers("a"), &fakeProber{uptimes: map[string]int64{}}, nil, nil, nil)

	svc.Start(context.Background())
	defer svc.Stop()

	deadline := time.Now().Add(time.Second)
	for !state.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("startup election did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type reportedIdentities struct {
	ids map[string]string // url -> persisted instance id
}

func (p reportedIdentities) Info(ctx context.Context, peerURL string) (models.InfoResponse, error) {
	return models.InfoResponse{InstanceID: p.ids[peerURL], Uptime: 1_000_000}, nil
}

func TestCandidatesUseReportedInstanceID(t *testing.T) {
	state := coordinator.NewState("a")
	infos := reportedIdentities{ids: map[string]string{peerURL("b"): "4f1c-b"}}

	svc := NewService(time.Minute, state, staticPeers("a", "b"), infos, nil, nil, nil)
	res := svc.RunOnce(context.Background())

	if res.Leader != "4f1c-b" {
		t.Fatalf("leader should be the reported instance id, got %q", res.Leader)
	}
	if l, ok := state.Leader(); !ok || l.ID != "4f1c-b" {
		t.Errorf("state leader = %+v, want 4f1c-b", l)
	}
}
