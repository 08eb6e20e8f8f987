package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxdesk/fluxdesk/internal/audit"
	"github.com/fluxdesk/fluxdesk/internal/auth"
	"github.com/fluxdesk/fluxdesk/internal/config"
	"github.com/fluxdesk/fluxdesk/internal/credentials"
	"github.com/fluxdesk/fluxdesk/internal/jobs"
	"github.com/fluxdesk/fluxdesk/internal/lifecycle"
	"github.com/fluxdesk/fluxdesk/internal/oauthflow"
	"github.com/fluxdesk/fluxdesk/internal/observability"
	"github.com/fluxdesk/fluxdesk/internal/providers"
	"github.com/fluxdesk/fluxdesk/internal/providers/google"
	"github.com/fluxdesk/fluxdesk/internal/providers/imapsrv"
	"github.com/fluxdesk/fluxdesk/internal/providers/meta"
	"github.com/fluxdesk/fluxdesk/internal/providers/microsoft"
	"github.com/fluxdesk/fluxdesk/internal/storage"
	"github.com/fluxdesk/fluxdesk/internal/syncengine"
	"github.com/fluxdesk/fluxdesk/internal/tickets"
	"github.com/fluxdesk/fluxdesk/internal/web"
	"github.com/fluxdesk/fluxdesk/internal/webhooks"
)

// runServe loads configuration, wires the service, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info(ctx, "starting fluxdesk",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "fluxdesk",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown", "error", err)
		}
	}()
	metrics := observability.NewMetrics()

	stores, db, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	registry := providers.NewRegistry()
	registerProviders(registry, cfg)
	logger.Info(ctx, "providers registered", "providers", registry.Names())

	slogger := logger.Slog()
	creator := tickets.NewMemoryCreator()

	// Audit entries and ingest jobs share the channel database when one is
	// configured; the memory driver keeps both in process.
	auditCfg := audit.Config{Logger: slogger}
	var jobStore jobs.Store = jobs.NewMemoryStore()
	if db != nil {
		auditCfg.Store = audit.NewPostgresStore(db)
		pgJobs := jobs.NewPostgresStore(db)
		if err := pgJobs.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate job store: %w", err)
		}
		jobStore = pgJobs
	}
	auditLog := audit.NewLog(auditCfg)
	defer auditLog.Close()

	manager := lifecycle.NewManager(lifecycle.Config{
		Channels:     stores.Channels,
		Credentials:  stores.Credentials,
		Integrations: stores.Integrations,
		Registry:     registry,
		Tickets:      creator,
		Audit:        auditLog,
		Metrics:      metrics,
		Logger:       slogger,
	})
	credMgr := credentials.NewManager(stores.Credentials, registry, slogger)
	coordinator := oauthflow.NewCoordinator(oauthflow.Config{
		Lifecycle:   manager,
		Registry:    registry,
		States:      stores.StateTokens,
		Credentials: stores.Credentials,
		Audit:       auditLog,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      slogger,
	})
	engine := syncengine.NewEngine(syncengine.Config{
		Channels:    stores.Channels,
		Credentials: credMgr,
		Registry:    registry,
		Lifecycle:   manager,
		Tickets:     creator,
		Audit:       auditLog,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      slogger,
		BatchLimit:  cfg.Sync.BatchLimit,
		RunTimeout:  cfg.Sync.RunTimeout,
	})
	scheduler := syncengine.NewScheduler(engine, stores.Channels, registry, slogger)
	manager.SetDescheduler(scheduler)

	queue := jobs.NewQueue(jobs.QueueConfig{
		Store:       jobStore,
		Logger:      slogger,
		Metrics:     metrics,
		Workers:     cfg.Jobs.Workers,
		MaxAttempts: cfg.Jobs.MaxAttempts,
	})
	dispatcher := webhooks.NewDispatcher(webhooks.DispatcherConfig{
		Channels:    stores.Channels,
		Registry:    registry,
		Queue:       queue,
		Audit:       auditLog,
		Metrics:     metrics,
		Tracer:      tracer,
		Logger:      slogger,
		VerifyToken: cfg.Providers.Meta.VerifyToken,
	}, creator)

	subs := webhooks.NewSubscriptionManager(webhooks.ManagerConfig{
		Channels:     stores.Channels,
		Credentials:  credMgr,
		Registry:     registry,
		Logger:       slogger,
		CallbackBase: cfg.WebhookBase(),
	})
	manager.SetPushActivator(subs)

	handler, err := web.NewHandler(web.Config{
		Lifecycle:   manager,
		OAuth:       coordinator,
		Engine:      engine,
		Scheduler:   scheduler,
		Dispatcher:  dispatcher,
		Channels:    stores.Channels,
		Credentials: credMgr,
		Registry:    registry,
		AuditLog:    auditLog,
		JWT:         auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		Metrics:     metrics,
		Logger:      slogger,
	})
	if err != nil {
		return fmt.Errorf("initialize http handler: %w", err)
	}

	queue.Start()
	defer queue.Stop()
	if err := scheduler.Reload(ctx); err != nil {
		return fmt.Errorf("load poll schedule: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	if err := subs.StartRenewalSweep(); err != nil {
		return fmt.Errorf("start renewal sweep: %w", err)
	}
	defer subs.StopRenewalSweep()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	logger.Info(ctx, "fluxdesk started", "addr", addr, "base_url", cfg.Server.BaseURL)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
	logger.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(shutdownCtx, "fluxdesk stopped")
	return nil
}

// runMigrate applies the schema to the configured Postgres database and
// exits. The memory driver has no schema.
func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("driver %q has no migrations", cfg.Database.Driver)
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// openStores opens the configured store set. The returned *sql.DB is nil
// for the memory driver; with postgres it is the shared connection pool so
// the audit and job stores can ride on it.
func openStores(ctx context.Context, cfg *config.Config) (storage.StoreSet, *sql.DB, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return storage.NewMemoryStores(), nil, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return storage.StoreSet{}, nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxConnections)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return storage.StoreSet{}, nil, fmt.Errorf("ping database: %w", err)
		}
		if err := storage.Migrate(ctx, db); err != nil {
			db.Close()
			return storage.StoreSet{}, nil, fmt.Errorf("migrate: %w", err)
		}
		return storage.NewPostgresStores(db), db, nil
	default:
		return storage.StoreSet{}, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// registerProviders wires every enabled provider into the registry. Meta
// credentials cover all three messaging surfaces.
func registerProviders(registry *providers.Registry, cfg *config.Config) {
	if cfg.Providers.Microsoft.Enabled {
		registry.Register(microsoft.New(microsoft.Config{
			TenantID:     cfg.Providers.Microsoft.TenantID,
			ClientID:     cfg.Providers.Microsoft.ClientID,
			ClientSecret: cfg.Providers.Microsoft.ClientSecret,
			RedirectURL:  cfg.RedirectURL(microsoft.Name),
		}))
	}
	if cfg.Providers.Google.Enabled {
		registry.Register(google.New(google.Config{
			ClientID:     cfg.Providers.Google.ClientID,
			ClientSecret: cfg.Providers.Google.ClientSecret,
			RedirectURL:  cfg.RedirectURL(google.Name),
		}))
	}
	if cfg.Providers.IMAP.Enabled {
		registry.Register(imapsrv.New(imapsrv.Config{
			DialTimeout: cfg.Providers.IMAP.DialTimeout,
		}))
	}
	if cfg.Providers.Meta.Enabled {
		for _, variant := range []meta.Variant{meta.VariantMessenger, meta.VariantInstagram, meta.VariantWhatsApp} {
			registry.Register(meta.New(meta.Config{
				Variant:     variant,
				AppID:       cfg.Providers.Meta.AppID,
				AppSecret:   cfg.Providers.Meta.AppSecret,
				RedirectURL: cfg.RedirectURL(string(variant)),
			}))
		}
	}
}
