package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hie/gateway/internal/config"
	"github.com/hie/gateway/internal/domain/document"
	"github.com/hie/gateway/internal/domain/progress"
	"github.com/hie/gateway/internal/domain/query"
	"github.com/hie/gateway/internal/gateway"
	"github.com/hie/gateway/internal/platform/auth"
	"github.com/hie/gateway/internal/platform/db"
	"github.com/hie/gateway/internal/platform/events"
	"github.com/hie/gateway/internal/platform/fhirserver"
	"github.com/hie/gateway/internal/platform/middleware"
	"github.com/hie/gateway/internal/platform/queue"
	"github.com/hie/gateway/internal/platform/storage"
	"github.com/hie/gateway/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hie-gateway",
		Short: "Federated document discovery and retrieval gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Repositories. Postgres when a database is configured, in-memory
	// otherwise (development only; Validate enforces a DB in production).
	var (
		progressRepo progress.Repository
		mappingRepo  document.MappingRepository
		pool         *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		progressRepo = progress.NewRepoPG(pool)
		mappingRepo = document.NewMappingRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		progressRepo = progress.NewInMemoryRepo()
		mappingRepo = document.NewInMemoryMappingRepo()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory repositories")
	}

	// Object storage.
	var store storage.ObjectStore
	if cfg.IsDev() && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		store = storage.NewInMemoryStore()
		logger.Warn().Msg("no AWS credentials, using in-memory object store")
	} else {
		s3store, err := storage.NewS3Store(ctx, cfg.AWSRegion, cfg.MedicalDocsBucket, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init S3 store")
		}
		store = s3store
	}

	// Conversion queue.
	var convQueue queue.Queue
	if cfg.ConversionQueueURL != "" {
		sqsQueue, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init SQS client")
		}
		convQueue = sqsQueue
	} else {
		convQueue = queue.NewInMemoryQueue()
		logger.Warn().Msg("CONVERSION_QUEUE_URL not set, using in-memory queue")
	}

	// FHIR resource server.
	fhirClient := fhirserver.NewHTTPClient(cfg.FHIRServerURL, logger)

	// External gateway bridge.
	var gatewayClient gateway.Client
	if cfg.GatewayEndpointURL != "" {
		gatewayClient = gateway.NewHTTPClient(cfg.GatewayEndpointURL, logger)
	} else {
		gatewayClient = gateway.NewCaptureClient()
		logger.Warn().Msg("GATEWAY_ENDPOINT_URL not set, outbound requests are captured in memory")
	}

	// Gateway directory and batch limits.
	directory := gateway.NewStaticDirectory()
	limits := gateway.NewLimitTable()
	if cfg.GatewayDirectoryFile != "" {
		loaded, loadedLimits, err := gateway.LoadDirectoryFile(cfg.GatewayDirectoryFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load gateway directory")
		}
		directory = loaded
		limits = loadedLimits
		logger.Info().Str("file", cfg.GatewayDirectoryFile).Msg("gateway directory loaded")
	} else {
		logger.Warn().Msg("GATEWAY_DIRECTORY_FILE not set, gateway directory is empty")
	}

	// Webhook dispatcher toward the owning application.
	var dispatcher webhook.Dispatcher
	if cfg.WebhookURL != "" {
		dispatcher = webhook.NewHTTPDispatcher(cfg.WebhookURL, cfg.WebhookSecret, logger)
	} else {
		dispatcher = webhook.NewCaptureDispatcher()
		logger.Warn().Msg("WEBHOOK_URL not set, completion webhooks are captured in memory")
	}

	// Domain event bus with a logging subscriber.
	bus := events.NewBus(logger)
	defer bus.Close()
	bus.Subscribe(ctx, "event-log", func(_ context.Context, event events.Event) {
		logger.Info().
			Str("kind", string(event.Kind)).
			Str("cx_id", event.CxID).
			Str("patient_id", event.PatientID).
			Str("request_id", event.RequestID).
			Str("phase", event.Phase).
			Msg("domain event")
	})

	tallier := progress.NewTallier(progressRepo, logger,
		progress.WithVerifyRetries(cfg.TallyMaxRetries),
		progress.WithVerifyRetryDelay(cfg.TallyRetryDelay),
	)
	notifier := progress.NewNotifier(progressRepo, dispatcher, bus, logger)
	resolver := query.NewResolver(store, fhirClient, cfg.ExistenceWorkers, logger)
	planner := query.NewPlanner(directory, limits)
	results := query.NewResultStore()
	poller := query.NewPoller(results, cfg.PollInterval, cfg.PollTimeout, logger)
	converter := query.NewConverter(convQueue, cfg.ConversionQueueURL, tallier, notifier, cfg.ConvertWorkers, logger)

	orch := query.NewOrchestrator(query.Deps{
		Mappings:  mappingRepo,
		Resolver:  resolver,
		Planner:   planner,
		Gateways:  gatewayClient,
		Directory: directory,
		FHIR:      fhirClient,
		Repo:      progressRepo,
		Tallier:   tallier,
		Notifier:  notifier,
		Converter: converter,
		Results:   results,
		Poller:    poller,
		Schedule:  query.NewScheduleStore(),
		Discovery: query.NewInMemoryDiscoveryChecker(),
		Links:     query.NewInMemoryLinkProvider(),
		Bus:       bus,
		Logger:    logger,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	api := e.Group("/medical/v1")
	api.Use(middleware.RequestTimeout(30 * time.Second))

	callbacks := e.Group("/internal")
	callbacks.Use(auth.CallbackAuth(cfg.CallbackJWTSecret))

	query.NewHandler(orch).RegisterRoutes(api, callbacks)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	// Let in-flight result processing land its tallies before exit.
	orch.Close()
	logger.Info().Msg("server stopped")
	return nil
}

// ---------------------------------------------------------------------------
// Migrations
// ---------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	newMigrator := func(ctx context.Context, dir string) (*db.Migrator, *pgxpool.Pool, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, dir), pool, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			ctx := context.Background()
			migrator, pool, err := newMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrator.EnsureMigrationsTable(ctx, "public"); err != nil {
				return err
			}
			applied, err := migrator.Up(ctx, "public")
			if err != nil {
				return err
			}
			fmt.Printf("applied %d migration(s)\n", applied)
			return nil
		},
	}
	upCmd.Flags().String("dir", "migrations", "migrations directory")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			ctx := context.Background()
			migrator, pool, err := newMigrator(ctx, dir)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrator.EnsureMigrationsTable(ctx, "public"); err != nil {
				return err
			}
			status, err := migrator.Status(ctx, "public")
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
	statusCmd.Flags().String("dir", "migrations", "migrations directory")

	cmd.AddCommand(upCmd)
	cmd.AddCommand(statusCmd)
	return cmd
}

// ---------------------------------------------------------------------------
// DLQ administration
// ---------------------------------------------------------------------------

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and redrive the conversion dead-letter queue",
	}
	cmd.AddCommand(dlqRedriveCmd())
	cmd.AddCommand(dlqPeekCmd())
	return cmd
}

func newRedriver(ctx context.Context, cfg *config.Config, logger zerolog.Logger, fingerprintAttr string) (*queue.Redriver, error) {
	if cfg.ConversionDLQURL == "" || cfg.ConversionQueueURL == "" {
		return nil, fmt.Errorf("CONVERSION_DLQ_URL and CONVERSION_QUEUE_URL are required")
	}
	q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, logger)
	if err != nil {
		return nil, fmt.Errorf("init SQS client: %w", err)
	}
	opts := []queue.RedriverOption{queue.WithParallelism(cfg.RedriveWorkers)}
	if fingerprintAttr != "" {
		opts = append(opts, queue.WithFingerprint(queue.AttributeFingerprint(fingerprintAttr)))
	}
	return queue.NewRedriver(q, cfg.ConversionDLQURL, cfg.ConversionQueueURL, logger, opts...), nil
}

func dlqRedriveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redrive",
		Short: "Move messages from the DLQ back onto the conversion queue, deduplicated",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxMessages, _ := cmd.Flags().GetInt("max")
			fingerprintAttr, _ := cmd.Flags().GetString("fingerprint-attribute")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			redriver, err := newRedriver(ctx, cfg, logger, fingerprintAttr)
			if err != nil {
				return err
			}
			summary, err := redriver.Redrive(ctx, maxMessages)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	cmd.Flags().Int("max", -1, "maximum messages to redrive (negative = all, capped at 100000)")
	cmd.Flags().String("fingerprint-attribute", "", "message attribute to deduplicate on (default: message body)")
	return cmd
}

func dlqPeekCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peek",
		Short: "Report DLQ depth and a sample of its messages without consuming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			redriver, err := newRedriver(ctx, cfg, logger, "")
			if err != nil {
				return err
			}
			summary, err := redriver.Peek(ctx)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
