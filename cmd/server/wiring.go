package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustlayer/internal/admin"
	"trustlayer/internal/audit"
	"trustlayer/internal/auth/device"
	authhandler "trustlayer/internal/auth/handler"
	authmetrics "trustlayer/internal/auth/metrics"
	"trustlayer/internal/auth/service"
	refreshtoken "trustlayer/internal/auth/store/refresh-token"
	"trustlayer/internal/auth/workers/cleanup"
	"trustlayer/internal/idempotency"
	jwttoken "trustlayer/internal/jwt_token"
	"trustlayer/internal/platform/config"
	"trustlayer/internal/platform/database"
	"trustlayer/internal/platform/health"
	"trustlayer/internal/platform/kafka/producer"
	"trustlayer/internal/platform/metrics"
	"trustlayer/internal/platform/middleware"
	platformredis "trustlayer/internal/platform/redis"
	"trustlayer/internal/security/alerts"
	"trustlayer/migrations"
)

// refreshStore is what both the auth service and the cleanup worker need.
type refreshStore interface {
	service.RefreshTokenStore
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type app struct {
	router  http.Handler
	cleanup *cleanup.Service
	redis   *platformredis.Client

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	healthHandler := health.New(cfg.Env)

	var (
		auditStore    audit.Store
		refresh       refreshStore
		idemStore     idempotency.Store
		idemSweepable cleanup.IdempotencyStore
	)

	if cfg.DatabaseURL != "" {
		dbCfg := database.DefaultConfig()
		dbCfg.URL = cfg.DatabaseURL
		pool, err := database.New(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, func() { _ = pool.Close() })
		if err := pool.RegisterMetrics(reg); err != nil {
			return nil, fmt.Errorf("register database metrics: %w", err)
		}
		if err := database.Migrate(ctx, pool.DB(), migrations.FS); err != nil {
			return nil, err
		}
		auditStore = audit.NewPostgresStore(pool.DB())
		refresh = refreshtoken.NewPostgres(pool.DB())
		healthHandler.RegisterCheck("database", pool.Health)
	} else {
		log.Warn("DATABASE_URL not set, using in-memory ledger and refresh token stores")
		auditStore = audit.NewInMemoryStore()
		refresh = refreshtoken.New()
	}

	rc, err := platformredis.New(ctx, cfg.Redis, reg)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if rc != nil {
		a.redis = rc
		a.closers = append(a.closers, func() { _ = rc.Close() })
		idemStore = idempotency.NewRedisStore(rc.Client)
		healthHandler.RegisterOptional("redis", rc.Health)
	} else {
		log.Warn("REDIS_URL not set, idempotency keys are local to this instance")
		mem := idempotency.NewInMemoryStore()
		idemStore = mem
		idemSweepable = mem
	}

	alertMetrics := alerts.NewMetrics(reg)
	publishers := alerts.Fanout{alerts.NewLogPublisher(log)}
	if cfg.KafkaEnabled() {
		prod, err := producer.New(producer.DefaultConfig(cfg.KafkaBrokers), log)
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		a.closers = append(a.closers, func() { prod.Close(5 * time.Second) })
		publishers = append(publishers, alerts.NewKafkaPublisher(prod, cfg.SecurityAlertTopic,
			alerts.WithKafkaLogger(log),
			alerts.WithKafkaMetrics(alertMetrics),
		))
		healthHandler.RegisterOptional("kafka", prod.Healthy)
	}

	ledger := audit.NewLedger(auditStore,
		audit.WithLogger(log),
		audit.WithMetrics(audit.NewMetrics(reg)),
		audit.WithStoreTimeout(cfg.StoreTimeout),
		audit.WithRetention(cfg.AuditRetention),
	)

	authMetrics := authmetrics.New(reg)
	tokens := jwttoken.NewJWTService(jwttoken.Config{
		AccessSecret:       cfg.AccessTokenSecret,
		RefreshSecret:      cfg.RefreshTokenSecret,
		Issuer:             cfg.TokenIssuer,
		AccessTTL:          cfg.AccessTokenTTL,
		RefreshTTL:         cfg.RefreshTokenTTL,
		AbsoluteSessionTTL: cfg.AbsoluteSessionTTL,
	},
		jwttoken.WithLogger(log),
		jwttoken.WithAnomalyObserver(service.NewAnomalyReporter(publishers, authMetrics)),
	)

	authService := service.New(refresh, tokens, ledger,
		service.WithLogger(log),
		service.WithMetrics(authMetrics),
		service.WithAlertPublisher(publishers),
		service.WithStoreTimeout(cfg.StoreTimeout),
	)

	deviceSecret, err := cfg.DeviceSecret()
	if err != nil {
		return nil, err
	}
	deviceCookies, err := device.NewService(deviceSecret, cfg.IsProduction(),
		device.WithDomain(cfg.DeviceCookieDomain))
	if err != nil {
		return nil, err
	}

	guard := idempotency.NewGuard(idemStore,
		idempotency.WithLogger(log),
		idempotency.WithMetrics(idempotency.NewMetrics(reg)),
		idempotency.WithTTL(cfg.IdempotencyTTL),
		idempotency.WithLockTTL(cfg.IdempotencyLockTTL),
		idempotency.WithWaitTimeout(cfg.IdempotencyWaitTimeout),
		idempotency.WithStoreTimeout(cfg.StoreTimeout),
	)

	a.cleanup, err = cleanup.New(refresh,
		cleanup.WithInterval(cfg.CleanupInterval),
		cleanup.WithLogger(log),
		cleanup.WithMetrics(authMetrics),
		cleanup.WithIdempotencyStore(idemSweepable),
	)
	if err != nil {
		return nil, err
	}

	a.router = newRouter(routerDeps{
		cfg:    cfg,
		log:    log,
		reg:    reg,
		health: healthHandler,
		http:   metrics.New(reg),
		device: deviceCookies,
		tokens: tokens,
		auth:   authhandler.New(authService, deviceCookies, log),
		admin:  admin.New(authService, ledger, log),
		guard:  guard,
	})
	return a, nil
}

type routerDeps struct {
	cfg    *config.Config
	log    *slog.Logger
	reg    *prometheus.Registry
	health *health.Handler
	http   *metrics.Metrics
	device *device.Service
	tokens *jwttoken.JWTService
	auth   *authhandler.Handler
	admin  *admin.Handler
	guard  *idempotency.Guard
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(d.log))
	r.Use(middleware.Logger(d.log))
	r.Use(d.http.Middleware)

	d.health.Register(r)
	r.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{Registry: d.reg}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.ClientMetadata(d.cfg.TrustedProxyPrefixes()))
		r.Use(d.device.Middleware)
		r.Use(middleware.Timeout(d.cfg.RequestTimeout))
		r.Use(middleware.ContentTypeJSON)

		// Unauthenticated: idempotency keys are namespaced by client address.
		r.With(idempotency.Middleware(d.guard)).Group(d.auth.Register)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(d.tokens, d.log))
			r.Use(middleware.RequireAdminToken(d.cfg.AdminAPIToken, d.log))
			d.admin.RegisterReads(r)
			r.With(idempotency.Middleware(d.guard)).Group(d.admin.RegisterWrites)
		})
	})
	return r
}
