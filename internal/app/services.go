package app

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/flowsyncd/internal/admin"
	"github.com/dokzlo13/flowsyncd/internal/bundle"
	"github.com/dokzlo13/flowsyncd/internal/config"
	"github.com/dokzlo13/flowsyncd/internal/db"
	"github.com/dokzlo13/flowsyncd/internal/eventbus"
	"github.com/dokzlo13/flowsyncd/internal/forwarder"
	"github.com/dokzlo13/flowsyncd/internal/groupreg"
	"github.com/dokzlo13/flowsyncd/internal/jobqueue"
	"github.com/dokzlo13/flowsyncd/internal/ledger"
	"github.com/dokzlo13/flowsyncd/internal/notify"
	"github.com/dokzlo13/flowsyncd/internal/ownership"
	"github.com/dokzlo13/flowsyncd/internal/ports"
	"github.com/dokzlo13/flowsyncd/internal/reconcile"
	"github.com/dokzlo13/flowsyncd/internal/resolver"
	"github.com/dokzlo13/flowsyncd/internal/rpc"
	"github.com/dokzlo13/flowsyncd/internal/store"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Bus    *eventbus.Bus
	Store  *store.SQLite
	Ledger *ledger.Ledger
	Knobs  *config.Knobs
	Client *rpc.Client

	// Per-node state
	Registry  *groupreg.Registry
	Inventory *ports.Inventory

	// Dispatch and reconciliation
	Queue       *jobqueue.Queue[rpc.Result]
	Forwarder   *forwarder.Forwarder
	Resolver    *resolver.Resolver
	Bundles     *bundle.Driver
	Coordinator *reconcile.Coordinator
	Tracker     *ownership.Tracker

	// Outer surfaces, nil when disabled
	Stream *notify.EventStream
	Admin  *admin.Server

	group *errgroup.Group
	ready atomic.Bool
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Store = store.NewSQLite(database.DB, s.Bus)
	s.Ledger = ledger.New(database.DB)
	s.Knobs = config.NewKnobs(cfg.Reconciliation)
	s.Client = rpc.NewClient(cfg.Device.Address, cfg.Device.Timeout.Duration(), cfg.Device.RateLimitRPS)

	s.Registry = groupreg.New()
	s.Inventory = ports.NewInventory()

	rc := cfg.Reconciliation
	tx := &rpc.TxIDs{}
	s.Queue = jobqueue.New[rpc.Result]("mutations", rc.Workers)
	s.Forwarder = forwarder.New(s.Client, s.Store, s.Registry, s.Queue, tx)
	s.Resolver = resolver.New(s.Forwarder, s.Inventory, s.Registry, resolver.Config{
		PerGroupTimeout: rc.PerGroupTimeout.Duration(),
		MaxTotalTimeout: rc.MaxGroupTimeout.Duration(),
		DependencyWait:  rc.DependencyWait.Duration(),
		RetryLimit:      s.Knobs.RetryCount,
	})
	s.Bundles = bundle.NewDriver(s.Client, tx)
	s.Coordinator = reconcile.New(reconcile.Deps{
		Store:     s.Store,
		Forwarder: s.Forwarder,
		Resolver:  s.Resolver,
		Bundles:   s.Bundles,
		Registry:  s.Registry,
		Knobs:     s.Knobs,
		Recorder:  s.Ledger,
	}, rc.MaxConcurrent)
	s.Tracker = ownership.New(s.Coordinator, s.Registry, s.Inventory, rc.Workers)

	if cfg.Notifications.IsEnabled() {
		s.Stream = notify.NewEventStream(cfg.Notifications.URL, notify.EventStreamConfig{
			MinBackoff:    cfg.Notifications.MinRetryBackoff.Duration(),
			MaxBackoff:    cfg.Notifications.MaxRetryBackoff.Duration(),
			Multiplier:    cfg.Notifications.RetryMultiplier,
			MaxReconnects: cfg.Notifications.MaxReconnects,
		})
	}

	if cfg.Admin.Enabled {
		s.Admin = admin.NewServer(cfg.Admin.Host, cfg.Admin.Port, s.Coordinator, s.Tracker, s.Bus, s.ready.Load)
	}

	return s, nil
}

// Start registers event handlers and starts all background services.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Event handlers
	s.Tracker.Subscribe(s.Bus)
	s.Inventory.Subscribe(s.Bus)
	forwarder.NewListener(ctx, s.Forwarder, s.Tracker).Subscribe(s.Bus)

	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	if s.Stream != nil {
		g.Go(func() error {
			err := s.Stream.Run(gctx, s.Bus)
			if errors.Is(err, notify.ErrMaxReconnectsExceeded) {
				log.Error().Msg("Event stream: max reconnects exceeded, triggering shutdown")
				if onFatalError != nil {
					onFatalError(err)
				}
			}
			return err
		})
	} else {
		log.Info().Msg("Notification stream disabled, ownership changes arrive through the admin API only")
	}

	if s.Admin != nil {
		g.Go(func() error {
			return s.Admin.Run(gctx, s.cfg.ShutdownTimeout.Duration())
		})
	} else {
		log.Debug().Msg("Admin server disabled")
	}

	g.Go(func() error {
		s.runLedgerCleanup(gctx)
		return nil
	})

	s.ready.Store(true)
	return nil
}

// ClearStore removes the stored configuration of every node.
func (s *Services) ClearStore() error {
	return s.Store.Clear("")
}

// Stop waits for background services and releases all resources.
func (s *Services) Stop() error {
	s.ready.Store(false)

	var err error
	if s.group != nil {
		if err = s.group.Wait(); err != nil {
			log.Error().Err(err).Msg("Background service stopped with error")
		}
	}

	s.Close()
	return err
}

// Close releases all resources. Reconciliations are cancelled before the
// queues they wait on are closed.
func (s *Services) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	if s.Coordinator != nil {
		s.Coordinator.Close(ctx)
	}
	if s.Tracker != nil {
		s.Tracker.Close(ctx)
	}
	if s.Queue != nil {
		s.Queue.Close(ctx)
	}
	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
	if s.Client != nil {
		s.Client.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
