// Package discovery resolves the peers of the local instance.
package discovery

import (
	"context"
	"strings"

	"github.com/sheetpub/sheetpub/internal/config"
)

// Endpoint names derived from a peer's sync URL
const (
	EndpointSync            = "sync"
	EndpointHeartbeat       = "heartbeat"
	EndpointQuorum          = "quorum"
	EndpointProposeSnapshot = "propose-snapshot"
	EndpointProposeDiff     = "propose-diff"
	EndpointJournal         = "journal"
	EndpointInfo            = "info"
	EndpointVote            = "vote"
	EndpointLeader          = "leader"
	EndpointLocks           = "locks"
	EndpointDrift           = "drift"
)

// Peer is a remote instance. URL is its sync endpoint.
type Peer struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Discovery lists the peers of the local instance, never including itself
type Discovery interface {
	Peers(ctx context.Context) ([]Peer, error)
}

// Endpoint derives a sibling endpoint from a peer's sync URL by replacing the
// trailing "/sync" segment: http://h/distributed/sync -> http://h/distributed/heartbeat.
// A URL without the sync suffix is treated as the base of the distributed API.
func Endpoint(syncURL, name string) string {
	base := strings.TrimRight(syncURL, "/")
	base = strings.TrimSuffix(base, "/"+EndpointSync)
	return base + "/" + name
}

// Find returns the peer with the given id
func Find(ctx context.Context, d Discovery, id string) (Peer, bool, error) {
	peers, err := d.Peers(ctx)
	if err != nil {
		return Peer{}, false, err
	}
	for _, p := range peers {
		if p.ID == id {
			return p, true, nil
		}
	}
	return Peer{}, false, nil
}

// Static serves a fixed peer list from configuration
type Static struct {
	peers []Peer
}

// NewStatic builds the static list, dropping any entry for selfID
func NewStatic(peers []config.PeerConfig, selfID string) *Static {
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.ID == selfID {
			continue
		}
		out = append(out, Peer{ID: p.ID, URL: p.URL})
	}
	return &Static{peers: out}
}

// Peers returns a copy of the configured peers
func (s *Static) Peers(ctx context.Context) ([]Peer, error) {
	out := make([]Peer, len(s.peers))
	copy(out, s.peers)
	return out, nil
}
