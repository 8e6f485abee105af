package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "socketlease/backend/libs/db"
	libredis "socketlease/backend/libs/redis"
	"socketlease/backend/services/lease-service/internal/config"
	"socketlease/backend/services/lease-service/internal/events"
	httpserver "socketlease/backend/services/lease-service/internal/http"
	"socketlease/backend/services/lease-service/internal/http/handlers"
	redisstore "socketlease/backend/services/lease-service/internal/redis"
	"socketlease/backend/services/lease-service/internal/relay"
	"socketlease/backend/services/lease-service/internal/repository"
	"socketlease/backend/services/lease-service/internal/service"
)

// App wires lease-service dependencies.
type App struct {
	server      *httpserver.Server
	manager     *service.Manager
	relay       *relay.Controller
	db          *sqlx.DB
	redisClient *redis.Client
	publisher   events.Publisher
	logger      *zap.Logger
}

// New constructs the application graph. Postgres, Redis and MQTT are optional;
// without a DSN leases live in memory.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if len(cfg.Lease.Sockets) == 0 {
		return nil, errors.New("app: no sockets configured")
	}

	a := &App{logger: logger}

	deps := service.Deps{Logger: logger.Named("leases")}
	if err := a.initStore(ctx, cfg, &deps); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redisClient = client
		deps.Cache = redisstore.NewStore(client, cfg.Redis.TTL)
	}

	a.publisher = events.NopPublisher{}
	if cfg.MQTT.Broker != "" {
		publisher, err := events.NewMQTTPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix)
		if err != nil {
			logger.Warn("mqtt unavailable, lease events disabled", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		} else {
			a.publisher = publisher
		}
	}
	deps.Publisher = a.publisher

	factory := relay.NewOutputFactory(cfg.GPIO.Chip, cfg.GPIO.ActiveLow, logger.Named("gpio"))
	a.relay = relay.NewController(factory, cfg.SocketPins(), logger.Named("relay"))
	deps.Relay = a.relay

	a.manager = service.NewManager(deps, service.Options{
		SecondsPerPoint:     cfg.Lease.SecondsPerPoint,
		Sockets:             cfg.Lease.Sockets,
		DefaultHistoryLimit: cfg.Lease.DefaultHistoryLimit,
		DefaultListLimit:    cfg.Lease.DefaultListLimit,
		MaxPageSize:         cfg.Lease.MaxPageSize,
		StrictActuation:     cfg.Lease.StrictActuation,
	})

	leases := handlers.NewLeasesHandler(a.manager, logger)
	routes := httpserver.Routes{
		StartLease:    leases.HandleStart,
		StopLease:     leases.HandleStop,
		ActiveLease:   leases.HandleActive,
		HolderHistory: leases.HandleHistory,
		HolderStats:   leases.HandleStats,
		AllSessions:   leases.HandleAll,
		Health:        handlers.NewHealthHandler(a.relay.States),
	}

	router := httpserver.NewRouter(routes, logger)
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return a, nil
}

func (a *App) initStore(ctx context.Context, cfg *config.Config, deps *service.Deps) error {
	if cfg.Database.DSN == "" {
		seeds, err := cfg.Seeds()
		if err != nil {
			return err
		}
		store := repository.NewMemoryStore()
		for _, seed := range seeds {
			store.PutAccount(seed.HolderID, seed.Balance)
		}
		a.logger.Warn("no database configured, leases are kept in memory", zap.Int("seed_accounts", len(seeds)))
		deps.Sessions, deps.Ledger, deps.Transactor = store, store, store
		return nil
	}

	db, err := libdb.NewPostgresDB(cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.db = db

	if cfg.Database.Migrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		a.logger.Info("database schema migrated")
	}

	store := repository.NewPostgresStore(db)
	deps.Sessions, deps.Ledger, deps.Transactor = store.Sessions, store.Accounts, store
	return nil
}

// Manager returns the lease manager.
func (a *App) Manager() *service.Manager {
	return a.manager
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts HTTP server.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close releases resources. Relays are switched off first.
func (a *App) Close() {
	if a.relay != nil {
		if err := a.relay.Shutdown(); err != nil {
			a.logger.Error("failed to switch off relays", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close mqtt", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}
