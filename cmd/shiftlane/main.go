package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/shiftlane/shiftlane/pkg/audit"
	"github.com/shiftlane/shiftlane/pkg/authz"
	"github.com/shiftlane/shiftlane/pkg/config"
	"github.com/shiftlane/shiftlane/pkg/contextkeys"
	"github.com/shiftlane/shiftlane/pkg/entitlements"
	"github.com/shiftlane/shiftlane/pkg/httputil"
	"github.com/shiftlane/shiftlane/pkg/middleware"
	"github.com/shiftlane/shiftlane/pkg/observability"
	"github.com/shiftlane/shiftlane/pkg/tenants"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	jobLog := logrus.New()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)
	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	if err := authz.RunMigrations(context.Background(), db); err != nil {
		logger.WithError(err).Error("Failed to run migrations")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	catalog, stopWatch := loadCatalog(cfg, logger, jobLog)
	if stopWatch != nil {
		defer stopWatch()
	}

	store := authz.NewStore(db)

	var cache *authz.SnapshotCache
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Error("Invalid Redis URL")
			os.Exit(1)
		}
		opts.Password = cfg.Redis.Password
		opts.DB = cfg.Redis.DB
		opts.MaxRetries = cfg.Redis.MaxRetries
		opts.PoolSize = cfg.Redis.PoolSize
		cache = authz.NewSnapshotCache(redis.NewClient(opts), cfg.Authz.SnapshotTTL)
		if err := cache.Ping(context.Background()); err != nil {
			// The snapshot cache is an optimization; run without it.
			logger.WithError(err).Warn("Redis unavailable, running without snapshot cache")
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	// Snapshot reads go through the Redis cache when available, then the
	// persisted rows the refresher maintains.
	var snapshots authz.SnapshotChain
	var cacheWriter authz.CacheWriter
	if cache != nil {
		snapshots = append(snapshots, cache)
		cacheWriter = cache
	}
	snapshots = append(snapshots, store)

	resolver := authz.NewResolver(store, snapshots, catalog, cfg.Authz.SnapshotTTL, logger, metrics)

	refresher := authz.NewRefresher(store, store, cacheWriter, catalog, jobLog, metrics)
	if err := refresher.Start(cfg.Authz.RefreshSchedule); err != nil {
		logger.WithError(err).Error("Failed to start snapshot refresher")
		os.Exit(1)
	}
	defer refresher.Stop()

	trail, err := audit.NewDBTrail(db)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize decision trail")
		os.Exit(1)
	}

	tenantSvc := tenants.NewService(db)
	scopes := tenants.NewScopeResolver(tenantSvc, logger)

	entSvc, err := entitlements.NewService(db, cfg.Entitlements.PlanCacheSize)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize entitlements")
		os.Exit(1)
	}
	enforcer := entitlements.NewEnforcer(entSvc, cfg.Entitlements.UnlimitedOverride, logger, metrics)

	guard := middleware.NewGuard(headerAuthenticator{}, scopes, resolver, trail, logger)
	quotaGuard := middleware.NewQuotaGuard(enforcer, logger)

	r := mux.NewRouter()
	r.Use(httputil.RequestIDMiddleware)
	r.Use(httputil.LoggingMiddleware(logger))
	r.Use(httputil.RecoveryMiddleware(logger))
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}).Methods("GET")
	if cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", observability.Handler(registry)).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(guard.Authenticate)

	api.Handle("/contracts",
		guard.RequireAnyPermission([]string{"contract:read:own", "contract:read:organization"},
			http.HandlerFunc(listContracts))).Methods("GET")

	api.Handle("/contracts",
		guard.RequirePermission("contract:create:organization",
			guard.RequireTenant(
				quotaGuard.EnforceQuota(entitlements.ResourceContracts, 1,
					http.HandlerFunc(createContract))))).Methods("POST")

	api.Handle("/payroll/runs",
		guard.RequirePermission("payroll:run:organization",
			guard.RequireTenant(
				quotaGuard.RequireFeature("payroll",
					http.HandlerFunc(runPayroll))))).Methods("POST")

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", addr).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown failed")
	}
}

// loadCatalog builds the role catalog from the configured file, falling
// back to the built-ins, and starts the file watcher when enabled
func loadCatalog(cfg *config.Config, logger *observability.Logger, jobLog *logrus.Logger) (*authz.Catalog, func()) {
	if cfg.Authz.CatalogPath == "" {
		return authz.DefaultCatalog(), nil
	}

	catalog, err := authz.LoadCatalogFile(cfg.Authz.CatalogPath)
	if err != nil {
		logger.WithError(err).Error("Failed to load permission catalog")
		os.Exit(1)
	}

	if !cfg.Authz.WatchCatalog {
		return catalog, nil
	}
	stop, err := catalog.Watch(cfg.Authz.CatalogPath, jobLog)
	if err != nil {
		logger.WithError(err).Warn("Catalog hot reload unavailable")
		return catalog, nil
	}
	return catalog, stop
}

// headerAuthenticator trusts identity headers set by an upstream
// gateway. Production deployments replace this with a real credential
// verifier; the engine itself never validates credentials.
type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(r *http.Request) (*authz.Principal, error) {
	actorID := r.Header.Get("X-Actor-ID")
	if actorID == "" {
		return nil, nil
	}
	return &authz.Principal{
		ActorID:  actorID,
		Username: r.Header.Get("X-Actor-Username"),
		PartyRef: r.Header.Get("X-Party-Ref"),
	}, nil
}

func listContracts(w http.ResponseWriter, r *http.Request) {
	decision, _ := r.Context().Value(contextkeys.DecisionKey).(*authz.Decision)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"contracts": []interface{}{},
		"decision":  decision,
	})
}

func createContract(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusCreated)
}

func runPayroll(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}
