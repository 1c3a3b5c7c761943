// Package sync runs the propose, quorum and apply protocol that lets the
// cluster adopt a snapshot or diff, and relays coordination events to peers.
package sync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheetpub/sheetpub/internal/conflict"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
)

const (
	seenEventsSize  = 4096
	recentApplySize = 1024
)

// pending is a proposal waiting for quorum
type pending struct {
	proposal events.Proposal
	event    events.Event // the published proposal event, re-sent by anti-entropy
	votes    map[string]VoteRecord
}

func (p *pending) accepts() int {
	n := 0
	for _, v := range p.votes {
		if v.Vote == events.DecisionAccept {
			n++
		}
	}
	return n
}

func (p *pending) view() ProposalView {
	votes := make(map[string]VoteRecord, len(p.votes))
	for id, v := range p.votes {
		votes[id] = v
	}
	return ProposalView{Proposal: p.proposal, Votes: votes}
}

// Manager owns the active proposal table of the local instance
type Manager struct {
	config    Config
	state     *coordinator.State
	discovery discovery.Discovery
	bus       *events.Bus
	remote    RemoteClient
	applier   Applier
	metrics   *metrics.Metrics
	logger    *logging.Logger

	mu        sync.Mutex
	active    map[string]*pending
	applied   *recentSet              // proposal ids already applied locally
	seen      *recentSet              // remote event ids already ingested
	myVotes   map[string]events.Event // our vote event per remote proposal id
	voteOrder *recentSet
	sub       *events.Subscription
	outbox    chan events.Event
	running   bool
	stopCh    chan struct{}

	wg   sync.WaitGroup // outbox worker
	bgWg sync.WaitGroup // applies and vote deliveries
}

// NewManager creates the sync engine and attaches it to the bus
func NewManager(
	config Config,
	state *coordinator.State,
	d discovery.Discovery,
	bus *events.Bus,
	remote RemoteClient,
	applier Applier,
	m *metrics.Metrics,
	logger *logging.Logger,
) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := config.Validate(); err != nil {
		logger.Warn("Invalid sync config, using defaults", "error", err)
		config = DefaultConfig()
	}
	if applier == nil {
		applier = NopApplier{Logger: logger}
	}

	mgr := &Manager{
		config:    config,
		state:     state,
		discovery: d,
		bus:       bus,
		remote:    remote,
		applier:   applier,
		metrics:   m,
		logger:    logger.With("component", "sync"),
		active:    make(map[string]*pending),
		applied:   newRecentSet(recentApplySize),
		seen:      newRecentSet(seenEventsSize),
		myVotes:   make(map[string]events.Event),
		voteOrder: newRecentSet(recentApplySize),
		outbox:    make(chan events.Event, config.OutboxSize),
	}
	mgr.sub = bus.Subscribe(events.Wildcard, mgr.onEvent)
	return mgr
}

// Quorum returns the quorum computed from the current participant set
func (m *Manager) Quorum() coordinator.Quorum {
	return m.state.Quorum()
}

// ProposeSnapshot asks the cluster to adopt a snapshot
func (m *Manager) ProposeSnapshot(ctx context.Context, spec events.SnapshotSpec) ProposeResult {
	return m.propose(ctx, events.KindSnapshot, &spec, nil)
}

// ProposeDiff asks the cluster to adopt a diff
func (m *Manager) ProposeDiff(ctx context.Context, spec events.DiffSpec) ProposeResult {
	return m.propose(ctx, events.KindDiff, nil, &spec)
}

func (m *Manager) propose(ctx context.Context, kind events.Kind, snap *events.SnapshotSpec, diff *events.DiffSpec) ProposeResult {
	ctx, trace := logging.StartTrace(ctx, "propose", "kind", string(kind))

	q := m.state.Quorum()
	m.metrics.Quorum(q.Healthy, q.Required)

	if !q.Sufficient {
		m.bus.Publish(events.QuorumSkipped{Kind: kind, Total: q.Total, Healthy: q.Healthy, Required: q.Required})
		m.metrics.Proposal(string(kind), "skipped")
		m.logger.Warn("Proposal skipped, insufficient quorum",
			"kind", kind,
			"total", q.Total,
			"healthy", q.Healthy,
			"required", q.Required)
		trace.AddEvent("quorum_skipped", "healthy", q.Healthy, "required", q.Required)
		trace.End(nil)
		return ProposeResult{Success: false, Reason: coordinator.ReasonInsufficientQuorum, Quorum: q}
	}

	p := events.Proposal{
		ProposalID:  uuid.New().String(),
		Kind:        kind,
		ProposerID:  m.state.SelfID(),
		ProposerURL: m.config.SelfURL,
		Snapshot:    snap,
		Diff:        diff,
		CreatedAt:   m.state.Now().UTC(),
	}

	m.mu.Lock()
	m.active[p.ProposalID] = &pending{proposal: p, votes: make(map[string]VoteRecord)}
	m.mu.Unlock()

	ev := m.bus.Publish(p)

	m.mu.Lock()
	if pd, ok := m.active[p.ProposalID]; ok {
		pd.event = ev
	}
	m.mu.Unlock()

	m.metrics.Proposal(string(kind), "created")
	m.logger.Info("Proposal created",
		"proposal_id", p.ProposalID,
		"kind", kind,
		"required", q.Required,
		"trace_id", trace.ID())
	trace.AddEvent("proposal_created", "proposal_id", p.ProposalID)

	m.CollectVote(ctx, p.ProposalID, m.state.SelfID(), events.DecisionAccept)
	trace.End(nil)

	return ProposeResult{Success: true, ProposalID: p.ProposalID, Quorum: q}
}

// CollectVote records a vote on one of our proposals. Once accept votes reach
// the quorum required by the current participant set, the proposal is removed
// and applied exactly once. Votes for unknown or finished proposals are no-ops.
func (m *Manager) CollectVote(ctx context.Context, proposalID, voterID string, vote events.Decision) VoteResult {
	if vote != events.DecisionAccept && vote != events.DecisionReject {
		return VoteResult{Success: false, Reason: coordinator.ReasonInvalidVote}
	}

	m.mu.Lock()
	pd, ok := m.active[proposalID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("Vote for unknown proposal", "proposal_id", proposalID, "voter", voterID)
		return VoteResult{Success: false, Reason: coordinator.ReasonProposalNotFound}
	}

	pd.votes[voterID] = VoteRecord{Vote: vote, VotedAt: m.state.Now().UTC()}
	accepts := pd.accepts()
	q := m.state.Quorum()
	accepted := accepts >= q.Required
	if accepted {
		delete(m.active, proposalID)
		m.applied.Add(proposalID)
	}
	m.mu.Unlock()

	m.metrics.Vote(string(vote))
	m.logger.Debug("Vote collected",
		"proposal_id", proposalID,
		"voter", voterID,
		"vote", vote,
		"accepts", accepts,
		"required", q.Required)

	if accepted {
		p := pd.proposal
		m.metrics.Accepted(string(p.Kind))
		m.logger.Info("Proposal accepted",
			"proposal_id", p.ProposalID,
			"kind", p.Kind,
			"accepts", accepts,
			"required", q.Required)
		m.bus.Publish(events.Accept{
			ProposalID: p.ProposalID,
			Kind:       p.Kind,
			ProposerID: p.ProposerID,
			Snapshot:   p.Snapshot,
			Diff:       p.Diff,
			Accepts:    accepts,
			Required:   q.Required,
		})
		m.applyAsync(ctx, p)
	}

	return VoteResult{Success: true, Accepted: accepted, Accepts: accepts, Required: q.Required}
}

// applyAsync hands an accepted proposal to the applier in the background.
// A failure is terminal for the proposal; an operator must propose again.
func (m *Manager) applyAsync(ctx context.Context, p events.Proposal) {
	traceID := logging.TraceIDFromContext(ctx)

	m.bgWg.Add(1)
	go func() {
		defer m.bgWg.Done()

		applyCtx := context.Background()
		if traceID != "" {
			applyCtx = logging.WithTraceID(applyCtx, traceID)
		}
		applyCtx, trace := logging.StartTrace(applyCtx, "apply", "proposal_id", p.ProposalID, "kind", string(p.Kind))

		start := time.Now()
		err := m.apply(applyCtx, p)
		m.metrics.Applied(string(p.Kind), err, time.Since(start))
		trace.End(err)

		if err != nil {
			m.logger.Error("Failed to apply accepted proposal",
				"proposal_id", p.ProposalID,
				"kind", p.Kind,
				"error", err)
			m.bus.Publish(events.ApplyFailed{ProposalID: p.ProposalID, Kind: p.Kind, Error: err.Error()})
			return
		}
		m.logger.Info("Proposal applied", "proposal_id", p.ProposalID, "kind", p.Kind)
	}()
}

func (m *Manager) apply(ctx context.Context, p events.Proposal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("applier panicked: %v", r)
		}
	}()

	switch p.Kind {
	case events.KindSnapshot:
		if p.Snapshot == nil {
			return fmt.Errorf("snapshot proposal %s has no snapshot", p.ProposalID)
		}
		return m.applier.ApplySnapshot(ctx, p.Snapshot.Version)
	case events.KindDiff:
		if p.Diff == nil {
			return fmt.Errorf("diff proposal %s has no diff", p.ProposalID)
		}
		return m.applier.ApplyDiff(ctx, p.Diff.From, p.Diff.To)
	}
	return fmt.Errorf("unknown proposal kind %q", p.Kind)
}

// ActiveProposals lists pending proposals, oldest first
func (m *Manager) ActiveProposals() []ProposalView {
	m.mu.Lock()
	out := make([]ProposalView, 0, len(m.active))
	for _, pd := range m.active {
		out = append(out, pd.view())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return out
}

// AnnounceSnapshot publishes a locally produced snapshot; it is relayed to every peer
func (m *Manager) AnnounceSnapshot(spec events.SnapshotSpec) events.Event {
	return m.bus.Publish(events.SnapshotCreated(spec))
}

// AnnounceDiff publishes a locally produced diff; it is relayed to every peer
func (m *Manager) AnnounceDiff(spec events.DiffSpec) events.Event {
	return m.bus.Publish(events.DiffCreated(spec))
}

// Ingest accepts an event relayed by a peer. Duplicates and echoes of our own
// events are dropped. A duplicate proposal we already voted on gets our vote
// again, since the proposer re-sends only to peers whose vote it is missing.
func (m *Manager) Ingest(e events.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.SourceInstanceID == m.state.SelfID() {
		return nil
	}

	m.mu.Lock()
	if m.seen.Has(e.ID) {
		var (
			resend events.Event
			prop   events.Proposal
			found  bool
		)
		if p, ok := e.Payload.(events.Proposal); ok {
			resend, found = m.myVotes[p.ProposalID]
			prop = p
		}
		m.mu.Unlock()

		if found {
			m.deliverVote(prop, resend)
		}
		return nil
	}
	m.seen.Add(e.ID)
	m.mu.Unlock()

	return m.bus.Ingest(e)
}

// onEvent runs on the bus goroutine for every event
func (m *Manager) onEvent(e events.Event) error {
	if e.SourceInstanceID == m.state.SelfID() {
		switch e.Type {
		case events.TypeSnapshotCreated, events.TypeDiffCreated, events.TypeProposal, events.TypeAccept:
			m.enqueue(e)
		}
		return nil
	}

	switch p := e.Payload.(type) {
	case events.Proposal:
		m.handleRemoteProposal(p)
	case events.Vote:
		if p.ProposerID == m.state.SelfID() {
			ctx := logging.WithTraceID(context.Background(), p.ProposalID)
			res := m.CollectVote(ctx, p.ProposalID, p.VoterID, p.Decision)
			if !res.Success && res.Reason != coordinator.ReasonProposalNotFound {
				return fmt.Errorf("vote from %s rejected: %s", p.VoterID, res.Reason)
			}
		}
	case events.Accept:
		m.handleRemoteAccept(p)
	}
	return nil
}

func (m *Manager) handleRemoteProposal(p events.Proposal) {
	if !m.config.AutoVote {
		m.logger.Info("Remote proposal awaiting operator vote",
			"proposal_id", p.ProposalID,
			"proposer", p.ProposerID)
		return
	}

	decision, reason := m.decide(p)
	ve := m.bus.Publish(events.Vote{
		ProposalID: p.ProposalID,
		ProposerID: p.ProposerID,
		VoterID:    m.state.SelfID(),
		Decision:   decision,
		VotedAt:    m.state.Now().UTC(),
	})

	m.mu.Lock()
	m.myVotes[p.ProposalID] = ve
	if evicted, ok := m.voteOrder.Add(p.ProposalID); ok {
		delete(m.myVotes, evicted)
	}
	m.mu.Unlock()

	m.logger.Info("Voted on remote proposal",
		"proposal_id", p.ProposalID,
		"proposer", p.ProposerID,
		"vote", decision,
		"reason", reason)

	m.deliverVote(p, ve)
}

// decide accepts a remote proposal unless it competes with one of our own
// pending proposals of the same kind and the conflict strategy does not pick it
func (m *Manager) decide(p events.Proposal) (events.Decision, string) {
	remote := conflict.CandidateFromProposal(p)

	m.mu.Lock()
	var set []conflict.Candidate
	for _, pd := range m.active {
		if pd.proposal.Kind == p.Kind && pd.proposal.ProposerID == m.state.SelfID() {
			set = append(set, conflict.CandidateFromProposal(pd.proposal))
		}
	}
	m.mu.Unlock()

	if len(set) == 0 {
		return events.DecisionAccept, "no_conflict"
	}

	sort.Slice(set, func(i, j int) bool { return set[i].ID < set[j].ID })
	set = append(set, remote)

	leaderID := ""
	if l, ok := m.state.Leader(); ok {
		leaderID = l.ID
	}

	res := conflict.Resolve(set, m.config.Strategy, leaderID)
	if !res.Resolved || res.Winner == nil {
		return events.DecisionReject, res.Reason
	}
	if res.Winner.ID == remote.ID || (res.Winner.Hash == remote.Hash && res.Winner.Version == remote.Version) {
		return events.DecisionAccept, res.Reason
	}
	return events.DecisionReject, res.Reason
}

// deliverVote sends our vote event straight to the proposer
func (m *Manager) deliverVote(p events.Proposal, ve events.Event) {
	if m.remote == nil {
		return
	}

	url := p.ProposerURL
	if url == "" {
		if peer, ok, err := discovery.Find(context.Background(), m.discovery, p.ProposerID); err == nil && ok {
			url = peer.URL
		} else if inst, ok := m.state.Participant(p.ProposerID); ok {
			url = inst.URL
		}
	}
	if url == "" {
		m.logger.Warn("Cannot deliver vote, proposer address unknown",
			"proposal_id", p.ProposalID,
			"proposer", p.ProposerID)
		return
	}

	m.bgWg.Add(1)
	go func() {
		defer m.bgWg.Done()

		ctx := logging.WithTraceID(context.Background(), p.ProposalID)
		if _, err := m.remote.SendEvents(ctx, url, []events.Event{ve}); err != nil {
			m.logger.Warn("Failed to deliver vote",
				"proposal_id", p.ProposalID,
				"proposer", p.ProposerID,
				"error", err)
		}
	}()
}

// handleRemoteAccept adopts a proposal another instance got accepted
func (m *Manager) handleRemoteAccept(a events.Accept) {
	if a.ProposerID == m.state.SelfID() {
		return
	}

	m.mu.Lock()
	if m.applied.Has(a.ProposalID) {
		m.mu.Unlock()
		return
	}
	m.applied.Add(a.ProposalID)
	m.mu.Unlock()

	m.logger.Info("Adopting proposal accepted by the cluster",
		"proposal_id", a.ProposalID,
		"proposer", a.ProposerID,
		"kind", a.Kind)

	ctx := logging.WithTraceID(context.Background(), a.ProposalID)
	m.applyAsync(ctx, events.Proposal{
		ProposalID: a.ProposalID,
		Kind:       a.Kind,
		ProposerID: a.ProposerID,
		Snapshot:   a.Snapshot,
		Diff:       a.Diff,
	})
}

// Start launches the worker that relays local events to peers
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	if m.sub == nil {
		m.sub = m.bus.Subscribe(events.Wildcard, m.onEvent)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runOutbox(ctx, stopCh)

	m.logger.Info("Sync engine started",
		"strategy", m.config.Strategy,
		"auto_vote", m.config.AutoVote)
}

// Stop detaches from the bus, stops relaying and waits for in-flight applies
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.sub != nil {
		m.bus.Unsubscribe(m.sub)
		m.sub = nil
	}
	wasRunning := m.running
	if m.running {
		m.running = false
		close(m.stopCh)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.bgWg.Wait()
	if wasRunning {
		m.logger.Info("Sync engine stopped")
	}
}
