package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldops/api/rest/handlers"
	"fieldops/api/rest/routes"
	"fieldops/config"
	"fieldops/core/catalog"
	"fieldops/core/lifecycle"
	"fieldops/core/logger"
	"fieldops/core/monitoring"
	"fieldops/core/orchestrator"
	"fieldops/core/outbox"
	"fieldops/core/reports"
	"fieldops/core/repository"
	"fieldops/core/technician"
	"fieldops/core/workflowdef"
	"fieldops/storage"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := monitoring.InitTracing(ctx, log, monitoring.TracingConfig{
		Enabled:     cfg.OTelEnabled,
		ServiceName: "fieldops",
		Environment: cfg.LogMode,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		SampleRatio: cfg.OTelSampleRatio,
	})
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}
	defer shutdownTracing(context.Background())

	gw, closeGateway := openGateway(ctx, cfg, log)
	defer closeGateway()

	if cfg.WorkflowsDir != "" {
		seedWorkflows(cfg.WorkflowsDir, gw, log)
	}

	// Initialize offline queue
	store, err := outbox.OpenSQLite(cfg.OutboxPath)
	if err != nil {
		log.Fatal("Failed to open outbox", "path", cfg.OutboxPath, "error", err)
	}
	defer store.Close()

	monitor := orchestrator.NewMonitor(gw, cfg.ConnectivityProbeInterval, log)
	orch, err := orchestrator.New(store, monitor,
		orchestrator.WithLogger(log),
		orchestrator.WithRequestTimeout(cfg.RequestTimeout),
		orchestrator.WithMaxAttempts(cfg.OutboxMaxAttempts),
	)
	if err != nil {
		log.Fatal("Failed to create orchestrator", "error", err)
	}

	// Initialize catalog cache
	var cache catalog.Cache = catalog.NewMemoryCache()
	if cfg.RedisAddr != "" {
		redisCache, err := catalog.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "fieldops:"+cfg.OrgID+":")
		if err != nil {
			log.Warn("Redis unavailable, using in-process catalog cache", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer redisCache.Close()
			cache = redisCache
		}
	}
	cat := catalog.New(gw, cache, catalog.WithOnline(monitor.Online), catalog.WithLogger(log))

	machine, err := lifecycle.New(gw,
		lifecycle.WithLogger(log),
		lifecycle.WithReports(reports.NewGenerator(gw, log)),
	)
	if err != nil {
		log.Fatal("Failed to create lifecycle machine", "error", err)
	}
	ctrl, err := technician.NewController(technician.Config{
		Orchestrator: orch,
		Connectivity: monitor,
		Machine:      machine,
		Gateway:      gw,
		Graphs:       cat,
		Logger:       log,
	}, technician.NewSession(cfg.TechID, cfg.TruckID))
	if err != nil {
		log.Fatal("Failed to create technician controller", "error", err)
	}

	refreshCatalog := func(ctx context.Context) {
		stats, err := cat.Refresh(ctx, ctrl.Session().View().TruckID)
		if err != nil {
			log.Warn("Catalog refresh failed", "error", err)
			return
		}
		log.Info("Catalog refreshed", "workflows", stats.Workflows, "brands", stats.Brands, "graphs", stats.Graphs, "items", stats.Items)
	}
	monitor.OnReconnect(refreshCatalog)
	monitor.OnReconnect(func(ctx context.Context) {
		if _, err := orch.SyncOutbox(ctx); errors.Is(err, orchestrator.ErrBusy) {
			log.Debug("Reconnect sync skipped, writer busy")
		}
	})

	tracker := monitoring.NewTimeTracker(gw)
	jobMonitor := monitoring.NewJobMonitor(gw, tracker, 5*time.Minute, log)
	syncWorker := orchestrator.NewSyncWorker(orch, monitor, 30*time.Second)

	// Setup routes
	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Handlers{
		Technician: handlers.NewTechnicianHandler(ctrl, monitor),
		Jobs:       handlers.NewJobHandler(gw, machine),
		Dashboard:  handlers.NewDashboardHandler(monitoring.NewMetricsExporter(gw, tracker, store), tracker, orch),
	})

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		refreshCatalog(gctx)
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		syncWorker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		jobMonitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("Starting server", "port", cfg.ServerPort, "tech_id", cfg.TechID, "truck_id", cfg.TruckID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Server exited")
}

// openGateway connects to Postgres when DATABASE_URL is set and falls back to the in-memory gateway.
func openGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Gateway, func()) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory gateway")
		return repository.NewMemoryGateway(), func() {}
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to prepare schema", "error", err)
	}
	log.Info("Database connected successfully")

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize object storage", "driver", cfg.ObjectStore, "error", err)
	}
	if objects == nil {
		log.Warn("No object storage configured, photo and report uploads will fail")
	}
	return repository.NewPostgresGateway(db, cfg.OrgID, objects, log), func() { db.Close() }
}

func seedWorkflows(dir string, gw repository.Gateway, log *logger.Logger) {
	seeder, ok := gw.(workflowdef.Seeder)
	if !ok {
		log.Warn("Gateway does not accept seeded workflows; manage them in the remote store", "dir", dir)
		return
	}
	defs, err := workflowdef.LoadDir(dir)
	if err != nil {
		log.Fatal("Failed to load workflow definitions", "dir", dir, "error", err)
	}
	for _, def := range defs {
		def.Seed(seeder)
		log.Info("Workflow seeded", "workflow_id", def.Workflow.ID, "brands", len(def.Brands))
	}
}

func openObjectStore(ctx context.Context, cfg *config.Config) (repository.ObjectStore, error) {
	switch cfg.ObjectStore {
	case "s3":
		return storage.NewS3Store(ctx, cfg.AWSRegion, cfg.S3Bucket)
	case "minio":
		if cfg.MinioEndpoint == "" {
			return nil, nil
		}
		store, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown OBJECT_STORE %q", cfg.ObjectStore)
}
