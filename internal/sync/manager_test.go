package sync

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/conflict"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/models"
)

type countingApplier struct {
	mu        stdsync.Mutex
	snapshots []string
	diffs     []string
	err       error
}

func (a *countingApplier) ApplySnapshot(ctx context.Context, version string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots = append(a.snapshots, version)
	return a.err
}

func (a *countingApplier) ApplyDiff(ctx context.Context, from, to string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.diffs = append(a.diffs, from+"->"+to)
	return a.err
}

func (a *countingApplier) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.snapshots), len(a.diffs)
}

type sent struct {
	url    string
	events []events.Event
}

type recordingRemote struct {
	mu   stdsync.Mutex
	sent []sent
	fail map[string]bool
}

func (r *recordingRemote) SendEvents(ctx context.Context, peerURL string, evs []events.Event) (models.SyncResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peerURL] {
		return models.SyncResponse{}, errors.New("connection refused")
	}
	r.sent = append(r.sent, sent{url: peerURL, events: evs})
	return models.SyncResponse{Accepted: len(evs)}, nil
}

func (r *recordingRemote) count(url string, t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.url != url {
			continue
		}
		for _, e := range s.events {
			if e.Type == t {
				n++
			}
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
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

func healthy(state *coordinator.State, ids ...string) {
	for _, id := range ids {
		state.UpdateParticipant(id, coordinator.ParticipantUpdate{URL: peerURL(id), Status: coordinator.StatusHealthy})
	}
}

type harness struct {
	state   *coordinator.State
	bus     *events.Bus
	applier *countingApplier
	remote  *recordingRemote
	mgr     *Manager
}

func newHarness(t *testing.T, self string, cfg Config, peers ...string) *harness {
	t.Helper()
	h := &harness{
		state:   coordinator.NewState(self),
		bus:     events.NewBus(self, nil),
		applier: &countingApplier{},
		remote:  &recordingRemote{fail: map[string]bool{}},
	}
	if cfg.SelfURL == "" {
		cfg.SelfURL = peerURL(self)
	}
	h.mgr = NewManager(cfg, h.state, staticPeers(self, peers...), h.bus, h.remote, h.applier, nil, nil)
	t.Cleanup(func() {
		h.mgr.Stop()
		h.bus.Close()
	})
	return h
}

func TestQuorumFormula(t *testing.T) {
	for n := 0; n <= 12; n++ {
		h := newHarness(t, "self", Config{})
		for i := 0; i < n; i++ {
			h.state.UpdateParticipant(string(rune('a'+i)), coordinator.ParticipantUpdate{})
		}
		q := h.mgr.Quorum()
		want := (n + 2) / 2 // ceil((n+1)/2)
		if q.Total != n+1 || q.Required != want || q.Sufficient != (q.Healthy >= want) {
			t.Errorf("n=%d: unexpected quorum %+v", n, q)
		}
	}
}

func TestProposalAppliedExactlyOnce(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b", "c")
	healthy(h.state, "b", "c")

	res := h.mgr.ProposeSnapshot(context.Background(), events.SnapshotSpec{Version: "1.0.0", Hash: "abc"})
	if !res.Success || res.ProposalID == "" {
		t.Fatalf("unexpected propose result %+v", res)
	}
	if res.Quorum.Required != 2 || res.Quorum.Total != 3 {
		t.Errorf("unexpected quorum %+v", res.Quorum)
	}

	active := h.mgr.ActiveProposals()
	if len(active) != 1 || active[0].Votes["a"].Vote != events.DecisionAccept {
		t.Fatalf("expected pending proposal with the proposer's accept vote, got %+v", active)
	}

	vr := h.mgr.CollectVote(context.Background(), res.ProposalID, "b", events.DecisionAccept)
	if !vr.Success || !vr.Accepted || vr.Accepts != 2 || vr.Required != 2 {
		t.Fatalf("unexpected vote result %+v", vr)
	}

	waitFor(t, "apply", func() bool { s, _ := h.applier.counts(); return s == 1 })

	late := h.mgr.CollectVote(context.Background(), res.ProposalID, "c", events.DecisionAccept)
	if late.Success || late.Reason != coordinator.ReasonProposalNotFound {
		t.Errorf("late vote should find no proposal, got %+v", late)
	}
	again := h.mgr.CollectVote(context.Background(), res.ProposalID, "b", events.DecisionAccept)
	if again.Reason != coordinator.ReasonProposalNotFound {
		t.Errorf("repeated vote should find no proposal, got %+v", again)
	}

	h.mgr.Stop()
	if s, _ := h.applier.counts(); s != 1 {
		t.Errorf("expected exactly one apply, got %d", s)
	}
	if len(h.mgr.ActiveProposals()) != 0 {
		t.Error("accepted proposal must leave the active set")
	}
}

func TestInsufficientQuorum(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b", "c")
	h.state.UpdateParticipant("b", coordinator.ParticipantUpdate{Status: coordinator.StatusUnreachable})
	h.state.UpdateParticipant("c", coordinator.ParticipantUpdate{Status: coordinator.StatusUnreachable})

	var skipped []events.QuorumSkipped
	h.bus.Subscribe(events.TypeQuorumSkipped, func(e events.Event) error {
		skipped = append(skipped, e.Payload.(events.QuorumSkipped))
		return nil
	})

	res := h.mgr.ProposeDiff(context.Background(), events.DiffSpec{From: "1.0.0", To: "1.1.0", Hash: "h"})
	if res.Success || res.Reason != coordinator.ReasonInsufficientQuorum {
		t.Fatalf("expected insufficient_quorum, got %+v", res)
	}
	if res.ProposalID != "" || len(h.mgr.ActiveProposals()) != 0 {
		t.Error("no proposal should be created without quorum")
	}
	if res.Quorum.Healthy != 1 || res.Quorum.Required != 2 {
		t.Errorf("unexpected quorum %+v", res.Quorum)
	}

	h.bus.Flush()
	if len(skipped) != 1 || skipped[0].Kind != events.KindDiff {
		t.Errorf("expected one quorum-skipped event, got %+v", skipped)
	}
}

func TestSingleInstanceAcceptsImmediately(t *testing.T) {
	h := newHarness(t, "solo", Config{})

	res := h.mgr.ProposeDiff(context.Background(), events.DiffSpec{From: "1", To: "2", Hash: "h"})
	if !res.Success {
		t.Fatalf("unexpected result %+v", res)
	}
	waitFor(t, "diff apply", func() bool { _, d := h.applier.counts(); return d == 1 })
	if len(h.mgr.ActiveProposals()) != 0 {
		t.Error("proposal should be accepted by the proposer's own vote")
	}
}

func TestRejectVotesDoNotCount(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b", "c")
	healthy(h.state, "b", "c")

	res := h.mgr.ProposeSnapshot(context.Background(), events.SnapshotSpec{Version: "1", Hash: "h"})
	vr := h.mgr.CollectVote(context.Background(), res.ProposalID, "b", events.DecisionReject)
	if !vr.Success || vr.Accepted || vr.Accepts != 1 {
		t.Fatalf("reject must not count toward quorum, got %+v", vr)
	}

	// a voter may change its mind; the latest vote wins
	vr = h.mgr.CollectVote(context.Background(), res.ProposalID, "b", events.DecisionAccept)
	if !vr.Accepted {
		t.Errorf("expected acceptance after b switched to accept, got %+v", vr)
	}
}

func TestInvalidVote(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b")
	healthy(h.state, "b", "c")

	res := h.mgr.ProposeSnapshot(context.Background(), events.SnapshotSpec{Version: "1", Hash: "h"})
	vr := h.mgr.CollectVote(context.Background(), res.ProposalID, "b", "maybe")
	if vr.Success || vr.Reason != coordinator.ReasonInvalidVote {
		t.Errorf("expected invalid_vote, got %+v", vr)
	}
}

func TestQuorumReevaluatedOnEachVote(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b", "c", "d", "e")
	healthy(h.state, "b", "c", "d", "e")

	res := h.mgr.ProposeSnapshot(context.Background(), events.SnapshotSpec{Version: "1", Hash: "h"})
	if res.Quorum.Required != 3 {
		t.Fatalf("expected required=3, got %+v", res.Quorum)
	}

	h.state.RemoveParticipant("d")
	h.state.RemoveParticipant("e")

	vr := h.mgr.CollectVote(context.Background(), res.ProposalID, "b", events.DecisionAccept)
	if !vr.Accepted || vr.Required != 2 {
		t.Errorf("quorum should follow the current participant set, got %+v", vr)
	}
}

func TestApplyFailureIsTerminal(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b")
	h.applier.err = errors.New("version store rejected snapshot")
	healthy(h.state, "b")

	var failed []events.ApplyFailed
	var mu stdsync.Mutex
	h.bus.Subscribe(events.TypeApplyFailed, func(e events.Event) error {
		mu.Lock()
		failed = append(failed, e.Payload.(events.ApplyFailed))
		mu.Unlock()
		return nil
	})

	// total 2, required 1: the proposer's own vote is enough
	res := h.mgr.ProposeSnapshot(context.Background(), events.SnapshotSpec{Version: "9", Hash: "h"})
	waitFor(t, "apply-failed event", func() bool {
		h.bus.Flush()
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1
	})

	if failed[0].ProposalID != res.ProposalID || failed[0].Error == "" {
		t.Errorf("unexpected apply-failed payload %+v", failed[0])
	}
	if len(h.mgr.ActiveProposals()) != 0 {
		t.Error("failed proposal must not come back")
	}
	if vr := h.mgr.CollectVote(context.Background(), res.ProposalID, "b", events.DecisionAccept); vr.Reason != coordinator.ReasonProposalNotFound {
		t.Errorf("expected proposal_not_found after failed apply, got %+v", vr)
	}
}

func TestDecideAgainstOwnProposal(t *testing.T) {
	tests := []struct {
		name     string
		strategy conflict.Strategy
		leader   string
		hash     string
		want     events.Decision
	}{
		{"no conflict when hashes match", conflict.RejectInconsistent, "", "same", events.DecisionAccept},
		{"reject inconsistent hashes", conflict.RejectInconsistent, "", "other", events.DecisionReject},
		{"leader wins, remote leads", conflict.LeaderWins, "a", "other", events.DecisionAccept},
		{"leader wins, we lead", conflict.LeaderWins, "c", "other", events.DecisionReject},
		{"last write wins, remote newer", conflict.LastWriteWins, "", "other", events.DecisionAccept},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "c", Config{Strategy: tt.strategy, AutoVote: true}, "a", "b")
			healthy(h.state, "a", "b")
			if tt.leader != "" {
				h.state.SetLeader(tt.leader, time.Time{})
			}

			own := h.mgr.ProposeSnapshot(context.Background(), events.SnapshotSpec{Version: "2.0.0", Hash: "same"})
			if !own.Success || len(h.mgr.ActiveProposals()) != 1 {
				t.Fatalf("own proposal should be pending, got %+v", own)
			}

			remote := events.Proposal{
				ProposalID: "remote-1",
				Kind:       events.KindSnapshot,
				ProposerID: "a",
				Snapshot:   &events.SnapshotSpec{Version: "2.0.0", Hash: tt.hash},
				CreatedAt:  time.Now().Add(time.Hour),
			}
			got, reason := h.mgr.decide(remote)
			if got != tt.want {
				t.Errorf("decide() = %s (%s), want %s", got, reason, tt.want)
			}
		})
	}
}

func TestDecideWithoutConflict(t *testing.T) {
	h := newHarness(t, "c", Config{Strategy: conflict.RejectInconsistent}, "a")
	got, _ := h.mgr.decide(events.Proposal{ProposalID: "p", Kind: events.KindDiff, ProposerID: "a", Diff: &events.DiffSpec{To: "x"}})
	if got != events.DecisionAccept {
		t.Errorf("expected accept with no competing proposal, got %s", got)
	}
}

func TestRemoteProposalVoteDeliveredAndResent(t *testing.T) {
	h := newHarness(t, "c", Config{AutoVote: true}, "a")

	proposal := events.Event{
		ID:   "evt-1",
		Type: events.TypeProposal,
		Payload: events.Proposal{
			ProposalID:  "p-1",
			Kind:        events.KindSnapshot,
			ProposerID:  "a",
			ProposerURL: peerURL("a"),
			Snapshot:    &events.SnapshotSpec{Version: "1", Hash: "h"},
			CreatedAt:   time.Now().UTC(),
		},
		CreatedAt:        time.Now().UTC(),
		SourceInstanceID: "a",
	}

	if err := h.mgr.Ingest(proposal); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	waitFor(t, "vote delivery", func() bool { return h.remote.count(peerURL("a"), events.TypeVote) == 1 })

	h.remote.mu.Lock()
	vote := h.remote.sent[0].events[0].Payload.(events.Vote)
	h.remote.mu.Unlock()
	if vote.VoterID != "c" || vote.ProposalID != "p-1" || vote.Decision != events.DecisionAccept {
		t.Errorf("unexpected vote %+v", vote)
	}

	// a re-sent proposal is not voted again, the cached vote is re-delivered
	if err := h.mgr.Ingest(proposal); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	waitFor(t, "vote re-delivery", func() bool { return h.remote.count(peerURL("a"), events.TypeVote) == 2 })

	h.remote.mu.Lock()
	resent := h.remote.sent[1].events[0]
	first := h.remote.sent[0].events[0]
	h.remote.mu.Unlock()
	if resent.ID != first.ID {
		t.Errorf("expected the same vote event, got %s and %s", first.ID, resent.ID)
	}
}

func TestManualVotingWhenAutoVoteDisabled(t *testing.T) {
	h := newHarness(t, "c", Config{AutoVote: false}, "a")

	err := h.mgr.Ingest(events.Event{
		ID:               "evt-1",
		Type:             events.TypeProposal,
		Payload:          events.Proposal{ProposalID: "p-1", Kind: events.KindDiff, ProposerID: "a", ProposerURL: peerURL("a")},
		CreatedAt:        time.Now().UTC(),
		SourceInstanceID: "a",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	h.bus.Flush()
	h.mgr.Stop()

	if n := h.remote.count(peerURL("a"), events.TypeVote); n != 0 {
		t.Errorf("no vote should be sent when auto vote is off, got %d", n)
	}
}

func TestIngestIgnoresEchoAndInvalid(t *testing.T) {
	h := newHarness(t, "a", Config{})

	if err := h.mgr.Ingest(events.Event{}); err == nil {
		t.Error("expected validation error for empty event")
	}

	own := events.Event{
		ID:               "e",
		Type:             events.TypeSnapshotCreated,
		Payload:          events.SnapshotCreated{Version: "1", Hash: "h"},
		CreatedAt:        time.Now().UTC(),
		SourceInstanceID: "a",
	}
	var delivered int
	h.bus.Subscribe(events.Wildcard, func(events.Event) error { delivered++; return nil })
	if err := h.mgr.Ingest(own); err != nil {
		t.Fatalf("echo should be ignored silently, got %v", err)
	}
	h.bus.Flush()
	if delivered != 0 {
		t.Errorf("echo of our own event must not be re-delivered, got %d", delivered)
	}
}

func TestFollowerAppliesAcceptOnce(t *testing.T) {
	h := newHarness(t, "c", Config{}, "a")

	accept := events.Event{
		ID:   "acc-1",
		Type: events.TypeAccept,
		Payload: events.Accept{
			ProposalID: "p-9",
			Kind:       events.KindDiff,
			ProposerID: "a",
			Diff:       &events.DiffSpec{From: "1.0.0", To: "1.1.0", Hash: "h"},
			Accepts:    2,
			Required:   2,
		},
		CreatedAt:        time.Now().UTC(),
		SourceInstanceID: "a",
	}
	if err := h.mgr.Ingest(accept); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	// same proposal relayed again under a different event id
	accept.ID = "acc-2"
	if err := h.mgr.Ingest(accept); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	h.bus.Flush()
	h.mgr.Stop()
	if _, d := h.applier.counts(); d != 1 {
		t.Errorf("expected one follower apply, got %d", d)
	}
}

func TestAnnounceRelaysToPeers(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b", "c")
	h.remote.fail[peerURL("b")] = true
	h.mgr.Start(context.Background())

	h.mgr.AnnounceSnapshot(events.SnapshotSpec{Version: "1.2.0", Hash: "h"})
	h.mgr.AnnounceDiff(events.DiffSpec{From: "1.1.0", To: "1.2.0", Hash: "d"})

	waitFor(t, "relay to c", func() bool {
		return h.remote.count(peerURL("c"), events.TypeSnapshotCreated) == 1 &&
			h.remote.count(peerURL("c"), events.TypeDiffCreated) == 1
	})
	if n := h.remote.count(peerURL("b"), events.TypeSnapshotCreated); n != 0 {
		t.Errorf("failed peer should record nothing, got %d", n)
	}
}

func TestBroadcastReportsFailedPeer(t *testing.T) {
	h := newHarness(t, "a", Config{}, "b", "c", "d")
	h.remote.fail[peerURL("c")] = true

	e := events.Event{ID: "e1", Type: events.TypeSnapshotCreated, SourceInstanceID: "a"}
	delivered, err := h.mgr.Broadcast(context.Background(), []events.Event{e})
	if delivered != 2 {
		t.Errorf("expected b and d to take the event, delivered %d", delivered)
	}
	if err == nil || !strings.Contains(err.Error(), "relay to c") {
		t.Fatalf("expected the failure of c to be reported, got %v", err)
	}

	delete(h.remote.fail, peerURL("c"))
	if delivered, err := h.mgr.Broadcast(context.Background(), []events.Event{e}); err != nil || delivered != 3 {
		t.Errorf("Broadcast() = %d, %v; want 3, nil", delivered, err)
	}
}
