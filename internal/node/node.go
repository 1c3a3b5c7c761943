// Package node assembles one coordination instance: identity, bus, journal,
// discovery, the periodic subsystems and the HTTP surface.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/conflict"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/election"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/handlers"
	"github.com/sheetpub/sheetpub/internal/heartbeat"
	"github.com/sheetpub/sheetpub/internal/identity"
	"github.com/sheetpub/sheetpub/internal/journal"
	"github.com/sheetpub/sheetpub/internal/lock"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/queue"
	"github.com/sheetpub/sheetpub/internal/relay"
	"github.com/sheetpub/sheetpub/internal/router"
	syncer "github.com/sheetpub/sheetpub/internal/sync"
	"github.com/sheetpub/sheetpub/internal/timesync"
	"github.com/sheetpub/sheetpub/internal/transport"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// Options carries the collaborators that live outside the coordination layer
type Options struct {
	Version string
	// Applier adopts accepted proposals. Defaults to a logging no-op.
	Applier syncer.Applier
}

// Node is a fully wired coordination instance
type Node struct {
	cfg    *config.Config
	id     string
	logger *logging.Logger

	metrics   *metrics.Metrics
	bus       *events.Bus
	journal   *journal.Journal
	state     *coordinator.State
	discovery discovery.Discovery
	etcd      *clientv3.Client
	registrar *discovery.EtcdDiscovery

	heartbeat   *heartbeat.Service
	election    *election.Service
	sync        *syncer.Manager
	antiEntropy *syncer.AntiEntropy
	locks       *lock.Service
	timeSync    *timesync.Service
	queue       queue.Queue
	relay       *relay.Relay

	app *fiber.App

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New resolves the instance identity and builds every component. Nothing
// runs until Start.
func New(cfg *config.Config, logger *logging.Logger, opts Options) (*Node, error) {
	if logger == nil {
		logger = logging.Global()
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	id, err := identity.NewStore(cfg.IdentityPath(), logger).InstanceID()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instance identity: %w", err)
	}
	logger = logger.With("instance_id", id)

	n := &Node{
		cfg:     cfg,
		id:      id,
		logger:  logger,
		metrics: metrics.New(),
		state:   coordinator.NewState(id),
	}

	n.bus = events.NewBus(id, logger)
	n.journal, err = journal.Open(cfg.JournalPath(), journal.Options{
		MaxSizeBytes: cfg.Journal.MaxSizeBytes,
		Archive:      cfg.Journal.Archive,
	}, logger)
	if err != nil {
		n.bus.Close()
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	n.bus.Subscribe(events.Wildcard, n.journal.Handler())
	n.bus.Subscribe(events.Wildcard, func(e events.Event) error {
		n.metrics.EventDelivered(string(e.Type), e.SourceInstanceID == id)
		return nil
	})

	if err := n.setupDiscovery(); err != nil {
		n.closeStorage()
		return nil, err
	}

	if err := n.setupServices(opts); err != nil {
		n.closeDiscovery()
		n.closeStorage()
		return nil, err
	}

	h := handlers.New(handlers.Deps{
		Version:   opts.Version,
		SelfURL:   cfg.GetAdvertiseURL(),
		State:     n.state,
		Journal:   n.journal,
		Heartbeat: n.heartbeat,
		Sync:      n.sync,
		Locks:     n.locks,
		TimeSync:  n.timeSync,
		Metrics:   n.metrics,
		Logger:    logger,
	})
	n.app = router.New(logger, h, *cfg)

	return n, nil
}

func (n *Node) setupDiscovery() error {
	switch n.cfg.Cluster.Discovery {
	case "etcd":
		n.logger.Info("Connecting to etcd", "endpoints", n.cfg.Etcd.Endpoints)
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   n.cfg.Etcd.Endpoints,
			DialTimeout: n.cfg.Etcd.DialTimeout,
			Username:    n.cfg.Etcd.Username,
			Password:    n.cfg.Etcd.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		n.etcd = client
		n.registrar = discovery.NewEtcdDiscovery(client, n.cfg.Etcd.Prefix, n.cfg.Etcd.LeaseTTL,
			discovery.Peer{ID: n.id, URL: n.cfg.GetAdvertiseURL()}, n.logger)
		n.discovery = n.registrar
	default:
		n.discovery = discovery.NewStatic(n.cfg.Cluster.Peers, n.id)
	}
	return nil
}

func (n *Node) setupServices(opts Options) error {
	cfg := n.cfg
	co := cfg.Coordination
	client := transport.NewClient(cfg.Transport, n.metrics)

	strategy, err := conflict.ParseStrategy(co.ConflictStrategy)
	if err != nil {
		return err
	}

	applier := opts.Applier
	if applier == nil {
		applier = syncer.NopApplier{Logger: n.logger}
	}

	n.heartbeat = heartbeat.NewService(heartbeat.Config{
		Interval:      co.HeartbeatInterval,
		Timeout:       co.HeartbeatTimeout,
		SweepInterval: co.SweepInterval,
		EvictAfter:    cfg.Cluster.EvictAfter,
		SelfURL:       cfg.GetAdvertiseURL(),
	}, n.state, n.discovery, client, n.bus, n.metrics, n.logger)

	n.election = election.NewService(co.ElectionInterval, n.state, n.discovery, client, n.bus, n.metrics, n.logger)

	n.sync = syncer.NewManager(syncer.Config{
		SelfURL:             cfg.GetAdvertiseURL(),
		Strategy:            strategy,
		AutoVote:            co.AutoVote,
		RebroadcastInterval: co.RebroadcastInterval,
		ProposalTTL:         co.ProposalTTL,
		OutboxSize:          utils.DefaultOutboxSize,
	}, n.state, n.discovery, n.bus, client, applier, n.metrics, n.logger)
	n.antiEntropy = syncer.NewAntiEntropy(co.RebroadcastInterval, co.ProposalTTL, n.sync, n.logger)

	n.locks = lock.NewService(lock.Config{
		DefaultTTL:      co.LockTTL,
		RenewInterval:   co.LockRenewInterval,
		CleanupInterval: co.LockCleanupInterval,
	}, n.state, n.bus, n.metrics, n.logger)

	n.timeSync = timesync.NewService(n.state, n.discovery, client, co.DriftInterval, co.DriftHistorySize, n.metrics, n.logger)

	if cfg.Queue.Enabled {
		n.logger.Info("Connecting to Queue", "type", cfg.Queue.Type, "url", cfg.Queue.URL)
		q, err := queue.New(cfg.Queue, n.id)
		if err != nil {
			return fmt.Errorf("failed to connect to queue: %w", err)
		}
		n.queue = q
		n.relay = relay.New(q, cfg.Queue.SubjectPrefix, n.bus, n.sync, n.metrics, n.logger)
	}

	return nil
}

// ID returns the persisted instance id
func (n *Node) ID() string {
	return n.id
}

// App returns the HTTP application
func (n *Node) App() *fiber.App {
	return n.app
}

// State returns the coordinator state
func (n *Node) State() *coordinator.State {
	return n.state
}

// Sync returns the sync engine
func (n *Node) Sync() *syncer.Manager {
	return n.sync
}

// Start launches the event relay and every periodic subsystem, then
// registers the instance with etcd when that discovery backend is used
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	if n.cfg.Auth.Enabled {
		n.logger.Info("API key authentication enabled", "num_keys", len(n.cfg.Auth.APIKeys))
	} else {
		n.logger.Warn("API key authentication DISABLED - all requests will be allowed")
	}

	runCtx, cancel := context.WithCancel(context.Background())

	if n.relay != nil {
		if err := n.relay.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start event relay: %w", err)
		}
	}

	if n.registrar != nil {
		if err := n.registrar.Register(ctx); err != nil {
			if n.relay != nil {
				n.relay.Stop()
			}
			cancel()
			return err
		}
	}

	n.sync.Start(runCtx)
	n.antiEntropy.Start(runCtx)
	n.heartbeat.Start(runCtx)
	n.election.Start(runCtx)
	n.locks.Start(runCtx)
	n.timeSync.Start(runCtx)

	n.cancel = cancel
	n.running = true

	n.logger.Info("Coordination node started",
		"discovery", n.cfg.Cluster.Discovery,
		"advertise_url", n.cfg.GetAdvertiseURL(),
		"relay", n.relay != nil)
	return nil
}

// Listen serves the HTTP API until the app is shut down
func (n *Node) Listen() error {
	addr := n.cfg.GetServerAddress()
	n.logger.Info("Server listening", "address", addr)
	return n.app.Listen(addr)
}

// Shutdown stops the HTTP server and every subsystem, then closes storage.
// It may be called without a prior Start.
func (n *Node) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := n.app.ShutdownWithContext(ctx); err != nil {
		firstErr = err
	}

	n.mu.Lock()
	wasRunning := n.running
	n.running = false
	n.mu.Unlock()

	n.timeSync.Stop()
	n.locks.Stop()
	n.election.Stop()
	n.heartbeat.Stop()
	n.antiEntropy.Stop()
	n.sync.Stop()

	if n.relay != nil {
		if wasRunning {
			n.relay.Stop()
		} else if err := n.queue.Close(); err != nil {
			n.logger.Warn("Failed to close queue", "error", err)
		}
	}

	if wasRunning {
		n.cancel()
		if n.registrar != nil {
			if err := n.registrar.Deregister(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	n.closeDiscovery()

	if err := n.closeStorage(); err != nil && firstErr == nil {
		firstErr = err
	}

	n.logger.Info("Coordination node stopped")
	return firstErr
}

func (n *Node) closeDiscovery() {
	if n.etcd != nil {
		_ = n.etcd.Close()
		n.etcd = nil
	}
}

func (n *Node) closeStorage() error {
	n.bus.Close()
	return n.journal.Close()
}
