package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"syncbridge/internal/capture"
	capturehandler "syncbridge/internal/capture/handler"
	capturemetrics "syncbridge/internal/capture/metrics"
	"syncbridge/internal/identity"
	identitystore "syncbridge/internal/identity/store"
	"syncbridge/internal/inbound"
	inboundhandler "syncbridge/internal/inbound/handler"
	inboundmetrics "syncbridge/internal/inbound/metrics"
	inboundstore "syncbridge/internal/inbound/store"
	jwttoken "syncbridge/internal/jwt_token"
	"syncbridge/internal/localstore"
	"syncbridge/internal/loopguard"
	lockstore "syncbridge/internal/loopguard/store"
	"syncbridge/internal/ontology"
	"syncbridge/internal/platform/config"
	platformkafka "syncbridge/internal/platform/kafka"
	"syncbridge/internal/platform/metrics"
	"syncbridge/internal/platform/middleware"
	"syncbridge/internal/platform/objectstore"
	"syncbridge/internal/platform/postgres"
	platformredis "syncbridge/internal/platform/redis"
	"syncbridge/internal/publish"
	"syncbridge/internal/publish/evault"
	kafkapublish "syncbridge/internal/publish/kafka"
	"syncbridge/internal/publish/logsink"
	"syncbridge/pkg/platform/circuit"
	"syncbridge/pkg/platform/httputil"
	"syncbridge/pkg/platform/tx"
)

type application struct {
	router     http.Handler
	dispatcher *capture.Dispatcher
	janitor    *inbound.Janitor
	listener   *localstore.Listener
	closers    []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

type repository interface {
	capture.Repository
	inbound.Writer
}

// build wires every component. On error, resources opened so far are closed.
func build(ctx context.Context, cfg config.Config, log *slog.Logger) (app *application, err error) {
	app = &application{}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	registry, err := ontology.LoadDir(cfg.Sync.MappingsDir)
	if err != nil {
		return nil, err
	}
	log.Info("mappings loaded",
		"dir", cfg.Sync.MappingsDir,
		"mappings", len(registry.Mappings()),
		"junctions", len(registry.Junctions()),
	)

	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = db.Close() })
	}

	identityStore, err := openIdentityStore(cfg, db, app)
	if err != nil {
		return nil, err
	}
	ids, err := identity.New(identityStore, identity.WithLogger(log))
	if err != nil {
		return nil, err
	}

	locks, err := openLockSet(ctx, cfg, app)
	if err != nil {
		return nil, err
	}
	guard, err := loopguard.NewGuard(locks, cfg.Sync.MaxDebounce()+cfg.Sync.LockGrace, loopguard.WithLogger(log))
	if err != nil {
		return nil, err
	}
	gate := loopguard.NewGate(
		loopguard.WithProtected(cfg.Sync.ProtectedTables...),
		loopguard.WithTrusted(cfg.Sync.TrustedServices...),
		loopguard.WithContextTTL(cfg.Sync.ContextTTL),
		loopguard.WithCloseDelay(cfg.Sync.ContextCloseDelay),
		loopguard.WithGateLogger(log),
	)

	publisher, err := openPublisher(ctx, cfg, log, app)
	if err != nil {
		return nil, err
	}

	var (
		repo       repository
		memoryRepo *localstore.MemoryRepository
		transactor inbound.Transactor = tx.NopTransactor{}
	)
	switch cfg.LocalBackend {
	case "postgres":
		repo = localstore.NewPostgres(db)
		transactor = tx.NewSQLTransactor(db)
	default:
		memoryRepo = localstore.NewMemory(nil)
		repo = memoryRepo
	}

	dispatcher, err := capture.New(registry, ids, repo, publisher,
		capture.WithLogger(log),
		capture.WithMetrics(capturemetrics.New()),
		capture.WithDebounceWindow(cfg.Sync.DebounceWindow),
		capture.WithTableWindows(cfg.Sync.DebounceOverrides),
		capture.WithGate(gate),
		capture.WithGuard(guard),
	)
	if err != nil {
		return nil, err
	}
	app.dispatcher = dispatcher

	if memoryRepo != nil {
		memoryRepo.SetSink(dispatcher)
	} else {
		if cfg.Sync.InstallTriggers {
			if err := localstore.InstallTriggers(ctx, db, cfg.Sync.NotifyChannel, triggerTables(registry)...); err != nil {
				return nil, err
			}
		}
		app.listener = localstore.NewListener(cfg.Database.URL, cfg.Sync.NotifyChannel, dispatcher, log)
	}

	var records inbound.Store = inboundstore.NewInMemory()
	if db != nil {
		records = inboundstore.NewPostgres(db)
	}
	inMetrics := inboundmetrics.New()
	procOpts := []inbound.Option{
		inbound.WithLogger(log),
		inbound.WithMetrics(inMetrics),
		inbound.WithGuard(guard),
		inbound.WithTransactor(transactor),
	}
	archive, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		return nil, err
	}
	if archive != nil {
		if err := archive.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		procOpts = append(procOpts, inbound.WithArchiver(archive))
	}
	processor, err := inbound.New(records, registry, ids, repo, procOpts...)
	if err != nil {
		return nil, err
	}
	app.janitor = inbound.NewJanitor(records, cfg.Sync.WebhookRetention, cfg.Sync.JanitorInterval, log, inMetrics)

	var validator middleware.WebhookValidator
	if cfg.Auth.WebhookSecret != "" {
		validator = jwttoken.NewJWTServiceAdapter(jwttoken.NewJWTService(cfg.Auth.WebhookSecret, cfg.Auth.Issuer,
			jwttoken.WithLeeway(cfg.Auth.Leeway),
			jwttoken.WithAllowedPlatforms(cfg.Auth.AllowedPlatforms...),
		))
	}
	webhooks, err := inboundhandler.New(processor, validator, log)
	if err != nil {
		return nil, err
	}

	if cfg.Auth.AdminToken == "" {
		log.WarnContext(ctx, "SYNC_ADMIN_TOKEN not set, change hook and operation-context routes will reject all requests")
	}
	app.router = newRouter(log, db, webhooks, capturehandler.New(dispatcher, gate, cfg.Auth.AdminToken, log))
	return app, nil
}

func openIdentityStore(cfg config.Config, db *sql.DB, app *application) (identity.Store, error) {
	switch cfg.IdentityBackend {
	case "postgres":
		return identitystore.NewPostgres(db), nil
	case "sqlite":
		s, err := identitystore.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = s.Close() })
		return s, nil
	default:
		return identitystore.NewInMemory(), nil
	}
}

func openLockSet(ctx context.Context, cfg config.Config, app *application) (loopguard.LockSet, error) {
	if cfg.LockBackend != "redis" {
		return lockstore.NewInMemory(), nil
	}
	client, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, func() { _ = client.Close() })
	return lockstore.NewRedis(client.Client), nil
}

func openPublisher(ctx context.Context, cfg config.Config, log *slog.Logger, app *application) (publish.Publisher, error) {
	switch cfg.Sync.PublishSink {
	case "kafka":
		producer, err := platformkafka.NewProducer(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, producer.Close)
		if err := producer.EnsureTopic(ctx); err != nil {
			return nil, err
		}
		return kafkapublish.New(producer, cfg.Sync.Platform)
	case "evault":
		return evault.New(cfg.EVault.RegistryURL, cfg.EVault.Timeout,
			evault.WithLogger(log),
			evault.WithBreaker(
				circuit.WithFailureThreshold(cfg.EVault.FailureThreshold),
				circuit.WithCooldown(cfg.EVault.BreakerCooldown),
			),
		)
	case "log":
		return logsink.New(log), nil
	default:
		return nil, fmt.Errorf("unknown publish sink %q", cfg.Sync.PublishSink)
	}
}

// triggerTables lists every mapped and junction table.
func triggerTables(registry *ontology.Registry) []string {
	var tables []string
	for _, m := range registry.Mappings() {
		tables = append(tables, m.TableName)
	}
	for _, j := range registry.Junctions() {
		tables = append(tables, j.Table)
	}
	return tables
}

func newRouter(log *slog.Logger, db *sql.DB, webhooks *inboundhandler.Handler, changes *capturehandler.Handler) http.Handler {
	m := metrics.New()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log))
	r.Use(m.Instrument)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	webhooks.Register(r)
	changes.Register(r)
	return r
}
