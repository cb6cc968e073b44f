package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/certgen/internal/api/router"
	"github.com/cuongbtq/certgen/internal/blob"
	"github.com/cuongbtq/certgen/internal/catalog"
	"github.com/cuongbtq/certgen/internal/config"
	"github.com/cuongbtq/certgen/internal/ledger"
	"github.com/cuongbtq/certgen/internal/render"
	"github.com/cuongbtq/certgen/internal/signing"
	"github.com/cuongbtq/certgen/internal/storage/postgres"
	"github.com/cuongbtq/certgen/internal/worker"
	"github.com/cuongbtq/certgen/shared/logger"
	"github.com/cuongbtq/certgen/shared/postgresql"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Component("postgres"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := postgres.NewStore(dbClient)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	blobs, err := initBlobStore(context.Background(), &cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}

	composer, err := initComposer(cfg.Worker.FontDir, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize renderer: %w", err)
	}

	w := worker.NewWorker(&worker.Config{
		Logger:       appLogger.Component("worker"),
		Ledger:       ledger.New(store, appLogger.Component("ledger")),
		Certificates: catalog.New(store),
		Fetcher:      blob.NewFetcher(blobs, cfg.Worker.FetchTimeout, int64(cfg.Worker.MaxBackgroundMiB)<<20),
		Renderer:     composer,
		Uploader:     blobs,
	})

	verifier := signing.NewVerifier(cfg.Signing.Issuer, cfg.Signing.CurrentKey, cfg.Signing.NextKey)
	h := worker.NewHandler(w, verifier, appLogger.Component("http"))

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	r := worker.SetupRouter(h, router.LoggerMiddleware(appLogger.Component("http")))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		appLogger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker service stopped gracefully")
	return nil
}

func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectRetries:  cfg.ConnectRetries,
		ConnectBackoff:  cfg.ConnectBackoff,
	}, logger)
}

func initBlobStore(ctx context.Context, cfg *config.BlobConfig) (blob.Store, error) {
	switch cfg.Driver {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
		})
	default:
		return blob.NewLocalStore(cfg.Local.Dir, cfg.Local.PublicBaseURL)
	}
}

// initComposer loads the embedded fonts plus any .ttf files from fontDir
func initComposer(fontDir string, logger *slog.Logger) (*render.Composer, error) {
	fonts, err := render.NewFonts()
	if err != nil {
		return nil, err
	}

	if fontDir != "" {
		n, err := fonts.LoadDir(fontDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load fonts from %s: %w", fontDir, err)
		}
		logger.Info("Loaded fonts",
			slog.String("dir", fontDir),
			slog.Int("count", n),
		)
	}

	return render.NewComposer(fonts), nil
}
