package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"match-server/internal/config"
	"match-server/internal/database"
	"match-server/internal/engine"
	"match-server/internal/events"
	"match-server/internal/ledger"
	"match-server/internal/match"
	"match-server/internal/settlement"
)

type Server struct {
	cfg *config.AppConfig
	log *zap.Logger

	db  *database.Service
	rdb *redis.Client
	nc  *nats.Conn

	store  match.Store
	ledger ledger.Ledger

	hub         *Hub
	registry    *ConnectionRegistry
	dispatcher  *Dispatcher
	disconnects *DisconnectHandler
	persistence *PersistenceManager
	settler     *settlement.Service
	reconciler  *settlement.Reconciler
	rateLimiter *RateLimiter
	scheduler   gocron.Scheduler
}

// Backends are the stateful dependencies a Server runs against.
type Backends struct {
	Store     match.Store
	Ledger    ledger.Ledger
	Publisher events.Publisher
}

// New wires the match components over b. It does not restore state or start
// background jobs; see Start.
func New(cfg *config.AppConfig, b Backends, log *zap.Logger) *Server {
	if b.Publisher == nil {
		b.Publisher = events.NewLogPublisher(log.Named("events"))
	}

	engines := engine.NewFactory()
	hub := NewHub()
	registry := NewConnectionRegistry(log)

	settler := settlement.NewService(b.Store, b.Ledger, b.Publisher,
		settlement.FeePolicy{BasisPoints: cfg.HouseFeeBPS, HouseAccount: cfg.HouseAccount},
		cfg.LedgerTimeout, log)

	dispatcher := NewDispatcher(DispatcherDeps{
		Hub:           hub,
		Registry:      registry,
		Engines:       engines,
		Repo:          b.Store,
		Ledger:        b.Ledger,
		Settler:       settler,
		Publisher:     b.Publisher,
		LedgerTimeout: cfg.LedgerTimeout,
	}, log)

	return &Server{
		cfg:         cfg,
		log:         log,
		store:       b.Store,
		ledger:      b.Ledger,
		hub:         hub,
		registry:    registry,
		dispatcher:  dispatcher,
		disconnects: NewDisconnectHandler(dispatcher, cfg.ForfeitGrace, log),
		persistence: NewPersistenceManager(b.Store, hub, registry, engines, log),
		settler:     settler,
		reconciler:  settlement.NewReconciler(b.Store, settler, engines, hub.IsLive, cfg.StaleMatchAfter, log),
		rateLimiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
	}
}

// NewServer connects the configured backends and returns a started Server
// with the HTTP server that fronts it.
func NewServer(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (*Server, *http.Server, error) {
	var (
		b   Backends
		db  *database.Service
		rdb *redis.Client
		nc  *nats.Conn
	)
	closeAll := func() {
		if nc != nil {
			nc.Close()
		}
		if rdb != nil {
			_ = rdb.Close()
		}
		if db != nil {
			db.Close()
		}
	}

	if cfg.DatabaseURL != "" {
		var err error
		if db, err = database.New(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		b.Store = database.NewMatchStore(db.Pool())
		b.Ledger = database.NewLedgerStore(db.Pool(), cfg.DevStartingBalance)
		log.Info("store_selected", zap.String("store", "postgres"))
	} else {
		b.Store = match.NewMemoryStore()
		b.Ledger = ledger.NewMemory(cfg.DevStartingBalance)
		log.Warn("store_selected", zap.String("store", "memory"), zap.String("reason", "DATABASE_URL not set"))
	}

	pubs := events.Fanout{events.NewLogPublisher(log.Named("events"))}
	if cfg.RedisURL != "" {
		var err error
		if rdb, err = events.NewRedisClient(ctx, cfg.RedisURL); err != nil {
			closeAll()
			return nil, nil, err
		}
		pubs = append(pubs, events.NewRedisPublisher(rdb, cfg.EventsChannel))
	}
	if cfg.NATSURL != "" {
		var err error
		if nc, err = events.ConnectNATS(cfg.NATSURL); err != nil {
			closeAll()
			return nil, nil, err
		}
		pubs = append(pubs, events.NewNATSPublisher(nc, cfg.EventsChannel))
	}
	b.Publisher = pubs

	s := New(cfg, b, log)
	s.db, s.rdb, s.nc = db, rdb, nc

	if err := s.Start(ctx); err != nil {
		closeAll()
		return nil, nil, err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, httpServer, nil
}

// Start restores unfinished matches and schedules the background jobs.
func (s *Server) Start(ctx context.Context) error {
	if _, err := s.persistence.RestoreAll(ctx, s.disconnects.Adopt); err != nil {
		s.log.Warn("restore_failed", zap.Error(err))
	}
	return s.startScheduler()
}

// Shutdown stops background jobs, saves live matches and closes every
// connection and backend.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}

	saved, err := s.persistence.SaveLive(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	s.log.Info("shutdown_saved", zap.Int("matches", saved))

	// Rooms stop before connections close so the disconnects are not
	// treated as abandonment.
	for _, r := range s.hub.Rooms() {
		s.hub.Remove(r.ID())
	}
	s.registry.CloseAll()

	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	return errors.Join(errs...)
}
