// Package app assembles the session wallet service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"session-wallet/config"
	httpHandler "session-wallet/internal/adapter/http/handler"
	"session-wallet/internal/adapter/messaging/rabbitmq"
	memStorage "session-wallet/internal/adapter/storage/memory"
	pgStorage "session-wallet/internal/adapter/storage/postgres"
	redisStorage "session-wallet/internal/adapter/storage/redis"
	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/internal/service"
	"session-wallet/pkg/apperror"
	"session-wallet/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	webhookTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// App is a fully wired session wallet service.
type App struct {
	Config   *config.Config
	Router   *gin.Engine
	Sessions *service.SessionServiceImpl
	Custody  *service.LedgerCustody
	Metrics  *metrics.Metrics

	log     zerolog.Logger
	hub     *service.EventHub
	webhook *service.WebhookNotifier
	closers []func()
}

// stores is the persistence half of the wiring, chosen by wallet.storage.
type stores struct {
	sessions   ports.SessionRepository
	holdings   ports.HoldingRepository
	events     ports.EventRepository
	audit      ports.AuditRepository
	transactor ports.DBTransactor
	health     ports.HealthChecker
}

// New connects the configured stores and builds the HTTP router.
// Close must be called to release connections.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if cfg.JWT.Secret == "" {
		return nil, errors.New("jwt.secret must be set")
	}

	a := &App{Config: cfg, log: log, Metrics: metrics.New()}

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	checkers := []ports.HealthChecker{st.health}

	var (
		idempCache  ports.IdempotencyCache
		rateLimiter ports.RateLimiter
		sinks       []ports.EventPublisher
	)
	if cfg.Redis.Enabled {
		rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		log.Info().Msg("Redis connected")

		idempCache = redisStorage.NewIdempotencyCache(rdb)
		if cfg.RateLimit.Enabled {
			rateLimiter = redisStorage.NewRateLimitStore(rdb)
		}
		if cfg.Events.Stream != "" {
			sinks = append(sinks, redisStorage.NewEventStream(rdb, cfg.Events.Stream, cfg.Events.StreamMaxLen))
		}
		checkers = append(checkers, redisStorage.NewHealthCheck(rdb))
	}

	if cfg.Events.AMQPURL != "" {
		conn, ch, err := rabbitmq.Connect(cfg.Events.AMQPURL, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() }, func() { _ = ch.Close() })
		exchange, err := rabbitmq.NewEventExchange(ch, cfg.Events.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		sinks = append(sinks, exchange)
		checkers = append(checkers, rabbitmq.NewHealthCheck(conn))
	}

	sigSvc := service.NewHMACSignatureService()
	if cfg.Events.WebhookURL != "" {
		a.webhook = service.NewWebhookNotifier(
			cfg.Events.WebhookURL,
			cfg.Events.WebhookSecret,
			sigSvc,
			&http.Client{Timeout: webhookTimeout},
			log,
		)
		sinks = append(sinks, a.webhook)
	}

	a.hub = service.NewEventHub(cfg.Events.LiveBuffer, log)
	sinks = append(sinks, a.hub)
	publisher := service.NewEventFanout(log, sinks...)

	clock := service.SystemClock{}
	a.Custody = service.NewLedgerCustody(st.holdings, st.transactor, clock, log)
	if err := a.openHoldings(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Sessions = service.NewSessionService(service.SessionServiceDeps{
		Sessions:          st.sessions,
		Events:            st.events,
		Custody:           a.Custody,
		Transactor:        st.transactor,
		Clock:             clock,
		IdempCache:        idempCache,
		Publisher:         publisher,
		Metrics:           a.Metrics,
		Log:               log,
		Program:           domain.NewProgramID(cfg.Wallet.Program),
		RestrictPurchases: cfg.Wallet.RestrictPurchases,
		IdempotencyTTL:    cfg.Wallet.IdempotencyTTL,
	})

	a.Router = httpHandler.SetupRouter(httpHandler.RouterDeps{
		SessionSvc:     a.Sessions,
		TokenSvc:       service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer),
		RateLimiter:    rateLimiter,
		RateLimit:      cfg.RateLimit.Limit,
		RateWindow:     cfg.RateLimit.Window,
		HealthCheckers: checkers,
		AuditSvc:       service.NewAuditService(st.audit, log),
		Metrics:        a.Metrics,
		EventFeed:      a.hub,
		Logger:         log,
	})

	return a, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	switch a.Config.Wallet.Storage {
	case config.StorageMemory:
		store := memStorage.NewStore()
		a.log.Warn().Msg("Using in-memory storage; state is lost on restart")
		return &stores{
			sessions:   memStorage.NewSessionRepo(store),
			holdings:   memStorage.NewHoldingRepo(store),
			events:     memStorage.NewEventRepo(store),
			audit:      memStorage.NewAuditRepo(store),
			transactor: store,
			health:     memStorage.NewHealthCheck(),
		}, nil
	default:
		pool, err := pgStorage.NewPool(ctx, a.Config.Database, a.log)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.log.Info().Msg("PostgreSQL connected")

		if err := pgStorage.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
		return &stores{
			sessions:   pgStorage.NewSessionRepo(pool),
			holdings:   pgStorage.NewHoldingRepo(pool),
			events:     pgStorage.NewEventRepo(pool),
			audit:      pgStorage.NewAuditRepo(pool),
			transactor: pgStorage.NewTransactor(pool),
			health:     pgStorage.NewHealthCheck(pool),
		}, nil
	}
}

// openHoldings opens every configured opening holding that does not exist yet.
// Existing holdings keep their balance.
func (a *App) openHoldings(ctx context.Context) error {
	for id, balance := range a.Config.Wallet.OpeningHoldings {
		_, err := a.Custody.Balance(ctx, id)
		if err == nil {
			continue
		}
		if !apperror.Is(err, apperror.CodeNotFound) {
			return fmt.Errorf("checking holding %s: %w", id, err)
		}
		if err := a.Custody.Open(ctx, &domain.Holding{ID: id, Owner: id, Balance: balance}); err != nil {
			return fmt.Errorf("opening holding %s: %w", id, err)
		}
		a.log.Info().Str("holding", id).Int64("balance", balance).Msg("Opened holding")
	}
	return nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Live event sockets are hijacked and outlive Shutdown unless their feed ends.
	srv.RegisterOnShutdown(a.hub.Close)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	a.log.Info().Msg("Server exited")
	return nil
}

// Close finishes in-flight webhook attempts, abandons their retries and
// releases connections.
func (a *App) Close() {
	if a.webhook != nil {
		a.webhook.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
