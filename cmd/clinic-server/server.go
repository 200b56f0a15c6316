package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/queue"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/cache"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/locker"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/websocket"
	"github.com/clinic/clinic/pkg/validation"
)

const version = "0.1.0"

// server owns everything started by buildServer so shutdown can stop it in
// reverse order.
type server struct {
	echo       *echo.Echo
	dispatcher *events.Dispatcher
	hub        *websocket.Hub
	sweeper    *scheduling.ExpirySweeper
	closers    []func() error
	logger     zerolog.Logger
}

// storage is the repository set for one STORAGE mode.
type storage struct {
	schedules    scheduling.ScheduleRepository
	appointments scheduling.AppointmentRepository
	queue        queue.Repository
	serializer   scheduling.Serializer
	pool         *pgxpool.Pool
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.Storage == config.StorageMemory {
		return &storage{
			schedules:    scheduling.NewMemoryScheduleRepo(),
			appointments: scheduling.NewMemoryAppointmentRepo(),
			queue:        queue.NewMemoryRepo(),
			serializer:   locker.New(cfg.LockTimeout),
		}, nil
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}
	return &storage{
		schedules:    scheduling.NewScheduleRepoPG(pool),
		appointments: scheduling.NewAppointmentRepoPG(pool),
		queue:        queue.NewRepoPG(pool),
		serializer:   db.NewTxSerializer(pool, cfg.LockTimeout),
		pool:         pool,
	}, nil
}

// buildServer wires storage, the event sinks and the domain services behind
// an echo instance. Nothing listens until the caller starts echo.
func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	srv := &server{logger: logger}
	ok := false
	defer func() {
		if !ok {
			srv.closeAll()
		}
	}()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if store.pool != nil {
		srv.closers = append(srv.closers, func() error { store.pool.Close(); return nil })
		logger.Info().Msg("connected to database")
	}

	collector := metrics.NewCollector("clinic")

	// Event sinks
	srv.hub = websocket.NewHub(logger)
	sinks := []events.Sink{srv.hub}

	var slotCache scheduling.SlotCache
	if cfg.RedisURL != "" {
		client, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, client.Close)
		rc := cache.New(client, cfg.SlotCacheTTL, logger)
		slotCache = rc
		sinks = append(sinks, rc)
		logger.Info().Dur("ttl", cfg.SlotCacheTTL).Msg("slot cache enabled")
	}

	if cfg.AMQPURL != "" {
		sink, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, sink.Close)
		sinks = append(sinks, sink)
	}

	srv.dispatcher = events.NewDispatcher(logger, cfg.EventBuffer, sinks...)
	srv.dispatcher.OnDrop(collector.ObserveEventDropped)
	srv.dispatcher.Start()

	// Domain services
	generator := scheduling.NewSlotGenerator(store.schedules, store.appointments, loc, scheduling.SlotDefaults{
		DurationMinutes: cfg.DefaultSlotMinutes,
		Capacity:        cfg.DefaultSlotCapacity,
	})
	var availability scheduling.Availability = generator
	if slotCache != nil {
		availability = scheduling.NewCachedAvailability(generator, slotCache, loc, logger)
	}

	schedules := scheduling.NewScheduleStore(store.schedules, srv.dispatcher, logger)
	ledger := scheduling.NewLedger(generator, store.appointments, store.serializer, srv.dispatcher, logger, scheduling.LedgerOptions{
		AllowMultipleBookings: cfg.AllowMultipleBookings,
		Recorder:              collector,
	})
	manager := queue.NewManager(store.queue, ledger, generator, store.serializer, srv.dispatcher, logger, queue.Options{
		PriorityOrdering: cfg.QueuePriorityOrdering,
		Recorder:         collector,
	})

	if cfg.PendingExpiry > 0 {
		srv.sweeper = scheduling.NewExpirySweeper(ledger, store.appointments, cfg.PendingExpiry, logger)
		if err := srv.sweeper.Start(ctx, cfg.PendingSweepSchedule); err != nil {
			return nil, fmt.Errorf("start pending sweeper: %w", err)
		}
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Metrics(collector))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Roles"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if store.pool != nil {
		e.GET("/health/db", db.HealthHandler(store.pool, logger, collector.SetDBConnections))
	}
	e.GET("/metrics", echo.WrapHandler(collector.Handler()))

	authn := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	websocket.NewWebSocketHandler(srv.hub, cfg.CORSOrigins).RegisterRoutes(e, authn)

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authn, middleware.RateLimit(rateLimitCfg), middleware.RequestTimeout(cfg.RequestTimeout))
	scheduling.NewHandler(schedules, availability, ledger, logger).RegisterRoutes(apiV1)
	queue.NewHandler(manager, logger).RegisterRoutes(apiV1)

	srv.echo = e
	ok = true
	return srv, nil
}

// shutdown stops accepting requests, then drains events before closing the
// sinks they are delivered to.
func (s *server) shutdown(ctx context.Context) error {
	var errs []error
	if s.echo != nil {
		if err := s.echo.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if s.hub != nil {
		s.hub.Shutdown()
	}
	if err := s.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *server) closeAll() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
