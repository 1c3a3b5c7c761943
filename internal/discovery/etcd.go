package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sheetpub/sheetpub/internal/logging"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdDiscovery registers the local instance under a lease and lists the
// other registered instances. When etcd is unreachable it serves the last
// list it managed to read.
type EtcdDiscovery struct {
	client   *clientv3.Client
	prefix   string
	leaseTTL int64
	self     Peer
	logger   *logging.Logger

	mu       sync.RWMutex
	leaseID  clientv3.LeaseID
	lastGood []Peer
	cancel   context.CancelFunc
	done     chan struct{}

	retryDelay time.Duration // wait before re-registering a lost lease
}

// NewEtcdDiscovery creates an etcd-backed discovery. prefix is the key
// namespace (e.g. /sheetpub); leaseTTL is in seconds.
func NewEtcdDiscovery(client *clientv3.Client, prefix string, leaseTTL int64, self Peer, logger *logging.Logger) *EtcdDiscovery {
	if logger == nil {
		logger = logging.NewNop()
	}
	if leaseTTL < 1 {
		leaseTTL = 10
	}
	return &EtcdDiscovery{
		client:   client,
		prefix:   strings.TrimRight(prefix, "/"),
		leaseTTL: leaseTTL,
		self:     self,
		logger:   logger.With("component", "etcd_discovery"),

		retryDelay: 2 * time.Second,
	}
}

func (d *EtcdDiscovery) instancesPrefix() string {
	return d.prefix + "/instances/"
}

func (d *EtcdDiscovery) key(id string) string {
	return d.instancesPrefix() + id
}

// Register writes the local instance under a fresh lease and keeps the lease alive
func (d *EtcdDiscovery) Register(ctx context.Context) error {
	return d.register(ctx, nil)
}

// register grants a lease, writes the instance key and installs the
// keep-alive. A non-nil owner is the context of the keep-alive that asked for
// re-registration; once it is cancelled the new lease is revoked instead of
// installed.
func (d *EtcdDiscovery) register(ctx, owner context.Context) error {
	lease, err := d.client.Grant(ctx, d.leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(d.self)
	if err != nil {
		return fmt.Errorf("failed to marshal instance info: %w", err)
	}

	if _, err := d.client.Put(ctx, d.key(d.self.ID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	d.mu.Lock()
	if owner != nil && owner.Err() != nil {
		d.mu.Unlock()
		cancel()
		if _, rerr := d.client.Revoke(ctx, lease.ID); rerr != nil {
			d.logger.Warn("Failed to revoke abandoned lease", "lease_id", int64(lease.ID), "error", rerr)
		}
		return owner.Err()
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.leaseID = lease.ID
	d.cancel = cancel
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()

	go d.keepAlive(kaCtx, ch, done)

	d.logger.Info("Instance registered",
		"instance_id", d.self.ID, "url", d.self.URL, "lease_id", int64(lease.ID), "ttl", d.leaseTTL)
	return nil
}

func (d *EtcdDiscovery) keepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case ka, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("Keep-alive channel closed, re-registering")

				timer := time.NewTimer(d.retryDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}

				regCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := d.register(regCtx, ctx); err != nil && ctx.Err() == nil {
					d.logger.Error("Failed to re-register", "error", err)
				}
				cancel()
				return
			}
			if ka != nil {
				d.logger.Debug("Lease kept alive", "ttl", ka.TTL)
			}
		}
	}
}

// Peers lists registered instances other than self
func (d *EtcdDiscovery) Peers(ctx context.Context) ([]Peer, error) {
	resp, err := d.client.Get(ctx, d.instancesPrefix(), clientv3.WithPrefix())
	if err != nil {
		d.mu.RLock()
		cached := d.lastGood
		d.mu.RUnlock()

		if cached != nil {
			d.logger.Warn("etcd unavailable, serving cached peers", "error", err, "peers", len(cached))
			out := make([]Peer, len(cached))
			copy(out, cached)
			return out, nil
		}
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p Peer
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			d.logger.Warn("Skipping malformed instance record", "key", string(kv.Key), "error", err)
			continue
		}
		if p.ID == "" || p.ID == d.self.ID {
			continue
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })

	d.mu.Lock()
	d.lastGood = append([]Peer(nil), peers...)
	d.mu.Unlock()

	return peers, nil
}

// Deregister deletes the instance key and revokes the lease
func (d *EtcdDiscovery) Deregister(ctx context.Context) error {
	// cancel under the lock so a concurrent re-registration sees it
	d.mu.Lock()
	done := d.done
	leaseID := d.leaseID
	if d.cancel != nil {
		d.cancel()
	}
	d.cancel = nil
	d.leaseID = 0
	d.mu.Unlock()

	if done != nil {
		<-done
	}

	_, err := d.client.Delete(ctx, d.key(d.self.ID))
	if err != nil {
		d.logger.Error("Failed to delete instance key", "error", err)
	}

	if leaseID != 0 {
		if _, rerr := d.client.Revoke(ctx, leaseID); rerr != nil {
			d.logger.Error("Failed to revoke lease", "error", rerr)
		}
	}

	d.logger.Info("Instance deregistered", "instance_id", d.self.ID)
	return err
}
