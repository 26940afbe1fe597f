package main

import (
	"context"
	"errors"
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

	"github.com/wize-works/splits-network-sub004/internal/api/handler"
	"github.com/wize-works/splits-network-sub004/internal/api/router"
	"github.com/wize-works/splits-network-sub004/internal/config"
	"github.com/wize-works/splits-network-sub004/internal/deadletter"
	"github.com/wize-works/splits-network-sub004/internal/health"
	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/internal/queue/broker"
	"github.com/wize-works/splits-network-sub004/internal/queue/table"
	syncstorage "github.com/wize-works/splits-network-sub004/internal/syncqueue/storage"
	"github.com/wize-works/splits-network-sub004/migrations"
	"github.com/wize-works/splits-network-sub004/shared/logger"
	"github.com/wize-works/splits-network-sub004/shared/postgresql"
	"github.com/wize-works/splits-network-sub004/shared/rabbitmq"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_backend", cfg.Queue.Backend),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if cfg.Database.Migrate {
		if err := dbClient.Migrate(context.Background(), migrations.FS); err != nil {
			return err
		}
	}

	// Initialize job queue
	jobQueue, err := initQueue(cfg, dbClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}
	defer jobQueue.Close()

	appLogger.Info("Job queue ready", slog.String("backend", cfg.Queue.Backend))

	syncItems := syncstorage.NewStorage(dbClient.GetDB(), appLogger.Component("sync-storage"))

	// The API only produces, so liveness is reported through depth lookups
	reporter := health.NewReporter(health.DefaultTimeout, appLogger.Logger)
	reporter.Add("jobs", health.DepthFunc(jobQueue.Depth))
	reporter.Add("sync", health.DepthFunc(syncItems.Depth))
	reporter.AddCheck("database", dbClient.HealthCheck)
	if brokerQueue, ok := jobQueue.(*broker.Queue); ok {
		reporter.AddCheck("broker", brokerQueue.Ping)
	}

	deps := &handler.Dependencies{
		Logger:    appLogger.Logger,
		Queue:     jobQueue,
		SyncItems: syncItems,
		Health:    reporter,
	}

	// Initialize router
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupRouter(deps, health.NewRegistry(reporter, nil))

	// Create HTTP server
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
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down server",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed to start",
			slog.Any("error", err),
		)
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		URL:             cfg.URL,
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initQueue builds the job queue for the configured backend
func initQueue(cfg *config.Config, dbClient *postgresql.Client, logger *slog.Logger) (queue.Queue, error) {
	if cfg.Queue.Backend == config.BackendTable {
		return table.New(dbClient.GetDB(), table.Config{
			QueueName:     cfg.Queue.Name,
			MaxRetries:    *cfg.Queue.MaxRetries,
			RetryDelay:    cfg.Queue.RetryDelay,
			MaxRetryDelay: cfg.Queue.MaxRetryDelay,
		}, logger), nil
	}

	store := deadletter.NewStore(dbClient.GetDB(), logger)
	brokerQueue, err := broker.Connect(rabbitConfig(cfg), store, broker.Config{
		MaxRetries:    *cfg.Queue.MaxRetries,
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
	}, logger)
	if err != nil {
		return nil, err
	}
	return brokerQueue, nil
}

// rabbitConfig maps the broker settings onto the client config
func rabbitConfig(cfg *config.Config) *rabbitmq.Config {
	return &rabbitmq.Config{
		URL:                cfg.RabbitMQ.AMQPURL(),
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		QueueName:          cfg.Queue.Name,
		RoutingKey:         cfg.RabbitMQ.RoutingKey,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
	}
}
