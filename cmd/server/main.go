package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docuflow/be-doc-approvals/internal/client"
	"github.com/docuflow/be-doc-approvals/internal/config"
	"github.com/docuflow/be-doc-approvals/internal/database"
	"github.com/docuflow/be-doc-approvals/internal/handler"
	"github.com/docuflow/be-doc-approvals/internal/logger"
	"github.com/docuflow/be-doc-approvals/internal/middleware"
	"github.com/docuflow/be-doc-approvals/internal/repository"
	"github.com/docuflow/be-doc-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Document Approvals Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize stores: Postgres when configured, in-memory otherwise
	var (
		templateStore service.TemplateStore
		instanceStore service.InstanceStore
		auditStore    service.AuditStore
	)
	if cfg.Database.Host != "" {
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		log.Info().Msg("Database connection established")

		templateStore = repository.NewTemplateRepository(db)
		instanceStore = repository.NewInstanceRepository(db)
		auditStore = repository.NewAuditRepository(db)
	} else {
		log.Warn().Msg("No database configured; using in-memory store (state is not durable)")
		mem := repository.NewMemoryStore()
		templateStore = mem
		instanceStore = mem
		auditStore = mem
	}

	// Notification publisher (optional)
	var notifier service.Notifier
	if cfg.NATS.URL != "" {
		natsClient, err := client.NewNATSClient(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsClient.Close()
		notifier = client.NewNotificationPublisher(natsClient, log.Logger)
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("Notification publisher initialized")
	} else {
		log.Warn().Msg("No NATS URL configured; workflow events will not be published")
	}

	// Approver resolution for role-based steps
	var resolver service.ApproverResolver
	if cfg.Identity.BaseURL != "" {
		resolver = client.NewIdentityHTTPClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
		log.Info().Str("identity_url", cfg.Identity.BaseURL).Msg("Identity client initialized")
	} else {
		resolver = &service.StaticApproverResolver{}
		log.Warn().Msg("No identity service configured; role-based steps cannot be resolved")
	}

	// Initialize engine and orchestrator
	engine := service.NewTransitionEngine(resolver)
	orchestrator := service.NewOrchestrator(templateStore, instanceStore, auditStore, engine, notifier, log)

	// Seed workflow templates from file, if configured
	if cfg.Templates.SeedFile != "" {
		if err := orchestrator.SeedTemplates(ctx, cfg.Templates.SeedFile); err != nil {
			log.Fatal().Err(err).Str("seed_file", cfg.Templates.SeedFile).Msg("Failed to seed workflow templates")
		}
		log.Info().Str("seed_file", cfg.Templates.SeedFile).Msg("Workflow templates seeded")
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(orchestrator, log)
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	router.Handle("/metrics", promhttp.Handler())

	httpHandler.Register(router)

	// Apply middleware
	var h http.Handler = router
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
