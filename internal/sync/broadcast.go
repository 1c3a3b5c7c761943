package sync

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
)

// enqueue hands a local event to the outbox worker without blocking the bus
func (m *Manager) enqueue(e events.Event) {
	select {
	case m.outbox <- e:
	default:
		m.logger.Warn("Outbox full, event will not be relayed", "event_id", e.ID, "type", e.Type)
	}
}

// runOutbox relays queued events in order, one event at a time
func (m *Manager) runOutbox(ctx context.Context, stopCh chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case e := <-m.outbox:
			if delivered, err := m.Broadcast(ctx, []events.Event{e}); err != nil {
				m.logger.Warn("Event not relayed to every peer",
					"event_id", e.ID,
					"type", e.Type,
					"delivered", delivered,
					"error", err)
			}
		}
	}
}

// Broadcast sends evs to every peer in parallel and returns how many peers
// took them together with the first relay error. Delivery is best effort.
func (m *Manager) Broadcast(ctx context.Context, evs []events.Event) (int, error) {
	peers, err := m.discovery.Peers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list peers for broadcast: %w", err)
	}
	return m.sendTo(ctx, peers, evs)
}

func (m *Manager) sendTo(ctx context.Context, peers []discovery.Peer, evs []events.Event) (int, error) {
	if m.remote == nil || len(peers) == 0 || len(evs) == 0 {
		return 0, nil
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
			if _, err := m.remote.SendEvents(ctx, peer.URL, evs); err != nil {
				m.logger.Debug("Failed to relay events to peer", "peer", peer.ID, "error", err)
				return fmt.Errorf("relay to %s: %w", peer.ID, err)
			}
			mu.Lock()
			delivered++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	return delivered, err
}
