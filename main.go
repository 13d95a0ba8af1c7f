package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"workflow-engine/api/pkg/config"
	"workflow-engine/api/pkg/db"
	"workflow-engine/api/pkg/logging"
	"workflow-engine/api/services/workflow"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := workflow.NewEngine(workflow.NewRegistry(nil),
		workflow.WithStore(store),
		workflow.WithLogger(logger),
		workflow.WithMaxSteps(cfg.MaxSteps),
		workflow.WithMaxParallel(cfg.MaxParallel),
	)

	if n, err := engine.LoadDefinitions(ctx); err != nil {
		slog.Error("Failed to load stored definitions", "error", err)
		return err
	} else if n > 0 {
		slog.Info("Loaded stored definitions", "count", n)
	}

	// Files on disk win over stored copies with the same id.
	defs, err := workflow.LoadDefinitionsDir(cfg.DefinitionsDir)
	if err != nil {
		slog.Error("Failed to load workflow definitions", "dir", cfg.DefinitionsDir, "error", err)
		return err
	}
	for _, def := range defs {
		if err := engine.RegisterWorkflow(ctx, def); err != nil {
			slog.Error("Failed to register workflow", "workflow_id", def.ID, "error", err)
			return err
		}
	}

	catalog := workflow.BuiltinCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = workflow.LoadCatalogFile(cfg.CatalogPath)
		if err != nil {
			slog.Error("Failed to load node-type catalog", "path", cfg.CatalogPath, "error", err)
			return err
		}
	}

	// setup router
	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	workflowService := workflow.NewService(engine, catalog, logger)
	workflowService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTPAddr, "store", cfg.Store)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)
		return err

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
		if err := engine.Shutdown(ctx); err != nil {
			slog.Warn("Workflow runs still active at shutdown", "error", err)
		}
	}
	return nil
}

// openStore selects the persistence gateway named by the configuration.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (workflow.InstanceStore, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, db.Config{
			URI:             cfg.DatabaseURL,
			MaxConns:        cfg.DatabaseMaxConn,
			ConnMaxLifetime: cfg.DatabaseConnTTL,
		})
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			return nil, nil, err
		}
		store, err := workflow.InitDB(ctx, pool)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case config.StoreBadger:
		bdb, err := db.OpenBadger(cfg.BadgerPath)
		if err != nil {
			slog.Error("Failed to open badger store", "path", cfg.BadgerPath, "error", err)
			return nil, nil, err
		}
		closeFn := func() {
			if err := bdb.Close(); err != nil {
				slog.Error("Failed to close badger store", "error", err)
			}
		}
		return workflow.NewBadgerStore(bdb, logger), closeFn, nil

	default:
		return workflow.NewMemoryStore(), func() {}, nil
	}
}
