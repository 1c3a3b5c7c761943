package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/election"
	"github.com/sheetpub/sheetpub/internal/lock"
	"github.com/sheetpub/sheetpub/internal/models"
)

type uptimeSource struct {
	mu      sync.Mutex
	uptimes map[string]int64 // url -> uptime; missing means unreachable
}

func (p *uptimeSource) Info(ctx context.Context, peerURL string) (models.InfoResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	up, ok := p.uptimes[peerURL]
	if !ok {
		return models.InfoResponse{}, errors.New("unreachable")
	}
	return models.InfoResponse{InstanceID: "b", Uptime: up}, nil
}

func (p *uptimeSource) set(url string, uptime int64) {
	p.mu.Lock()
	p.uptimes[url] = uptime
	p.mu.Unlock()
}

func TestLockReleasedOnNextRenewalAfterLeadershipLoss(t *testing.T) {
	const peerURL = "http://b:7100/distributed/sync"

	state := coordinator.NewState("a")
	peers := discovery.NewStatic([]config.PeerConfig{{ID: "b", URL: peerURL}}, "a")
	infos := &uptimeSource{uptimes: map[string]int64{}}
	elector := election.NewService(time.Minute, state, peers, infos, nil, nil, nil)

	// b is unreachable, so the local instance is elected
	require.Equal(t, "a", elector.RunOnce(context.Background()).Leader)

	svc := lock.NewService(lock.Config{RenewInterval: 30 * time.Millisecond}, state, nil, nil, nil)
	defer svc.Stop()
	require.True(t, svc.Acquire("publish", time.Minute).Success)

	// b comes back with a longer uptime and takes over
	infos.set(peerURL, time.Hour.Milliseconds())
	res := elector.RunOnce(context.Background())
	require.Equal(t, election.OutcomeChanged, res.Outcome)
	require.Equal(t, "b", res.Leader)

	assert.Eventually(t, func() bool {
		_, held := svc.Get("publish")
		return !held && len(svc.List()) == 0
	}, time.Second, 10*time.Millisecond)
}
