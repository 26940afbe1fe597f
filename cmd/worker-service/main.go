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
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/wize-works/splits-network-sub004/internal/api/handler"
	"github.com/wize-works/splits-network-sub004/internal/api/router"
	"github.com/wize-works/splits-network-sub004/internal/config"
	"github.com/wize-works/splits-network-sub004/internal/connector"
	"github.com/wize-works/splits-network-sub004/internal/deadletter"
	"github.com/wize-works/splits-network-sub004/internal/health"
	"github.com/wize-works/splits-network-sub004/internal/queue"
	"github.com/wize-works/splits-network-sub004/internal/queue/broker"
	"github.com/wize-works/splits-network-sub004/internal/queue/table"
	"github.com/wize-works/splits-network-sub004/internal/syncqueue"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
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

	metrics := health.NewMetrics()

	// Initialize job queue
	jobQueue, err := initQueue(cfg, dbClient, metrics, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job queue: %w", err)
	}
	defer jobQueue.Close()

	appLogger.Info("Job queue ready", slog.String("backend", cfg.Queue.Backend))

	// Sync queue
	syncStore := syncstorage.NewStorage(dbClient.GetDB(), appLogger.Component("sync-storage"))

	executors, err := initExecutors(&cfg.Connector, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync executors: %w", err)
	}

	syncWorker := syncqueue.NewWorker(syncStore, executors, syncqueue.WorkerConfig{
		PollInterval:  cfg.Sync.PollInterval,
		BatchSize:     cfg.Sync.BatchSize,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		RetryBase:     cfg.Sync.RetryBase,
		MaxBackoff:    cfg.Sync.MaxBackoff,
		StaleAfter:    cfg.Sync.StaleAfter,
		Observer:      metrics,
	}, appLogger.Logger)

	scheduler := syncqueue.NewScheduler(syncStore, syncStore, syncqueue.SchedulerConfig{
		Interval: cfg.Sync.ScheduleInterval,
	}, appLogger.Logger)

	// Job handlers
	jobs := queue.NewRegistry(appLogger.Component("job-registry"))
	jobs.Register(syncqueue.JobSyncRequested, syncqueue.SyncJobHandler(syncStore, appLogger.Logger))

	// Health and metrics listener
	reporter := health.NewReporter(health.DefaultTimeout, appLogger.Logger)
	reporter.Add("jobs", jobQueue)
	reporter.Add("sync", syncWorker)
	reporter.AddCheck("database", dbClient.HealthCheck)
	if brokerQueue, ok := jobQueue.(*broker.Queue); ok {
		reporter.AddCheck("broker", brokerQueue.Ping)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	healthAddr := fmt.Sprintf(":%d", cfg.Worker.HealthPort)
	healthSrv := &http.Server{
		Addr: healthAddr,
		Handler: router.SetupHealthRouter(&handler.Dependencies{
			Logger: appLogger.Logger,
			Health: reporter,
		}, health.NewRegistry(reporter, metrics)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// The sync loop is only stopped through Stop, which drains in-flight items
	syncCtx, cancelSync := context.WithCancel(context.Background())
	defer cancelSync()

	if !cfg.Sync.DisableScheduler {
		if err := scheduler.Start(syncCtx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(context.Background())

	// Consumers stop on their own context so they drain before the sync loop
	consumeCtx, cancelConsume := context.WithCancel(gctx)
	defer cancelConsume()

	var consumers sync.WaitGroup
	startConsumer := func(name string, fn func(ctx context.Context) error) {
		consumers.Add(1)
		g.Go(func() error {
			defer consumers.Done()
			if err := fn(consumeCtx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	startConsumer("job consumer", func(ctx context.Context) error {
		return jobQueue.Consume(ctx, jobs.Process, queue.ConsumeOptions{Concurrency: cfg.Queue.Concurrency})
	})
	if brokerQueue, ok := jobQueue.(*broker.Queue); ok {
		startConsumer("dead letter archiver", brokerQueue.Archive)
	}

	g.Go(func() error {
		if err := syncWorker.Start(syncCtx); err != nil {
			return fmt.Errorf("sync worker: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		appLogger.Info("Starting health server", slog.String("address", healthAddr))
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal or a failed component, then drain
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			appLogger.Info("Received signal, shutting down gracefully",
				slog.String("signal", sig.String()),
			)
		case <-gctx.Done():
			appLogger.Warn("Component stopped, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
		defer cancel()

		return shutdown(shutdownCtx, appLogger.Logger, scheduler, cancelConsume, &consumers, syncWorker, cancelSync, healthSrv)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker service stopped with error",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// shutdown stops the producers first and the sync loop last. Every step shares
// the same deadline.
func shutdown(
	ctx context.Context,
	logger *slog.Logger,
	scheduler *syncqueue.Scheduler,
	cancelConsume context.CancelFunc,
	consumers *sync.WaitGroup,
	syncWorker *syncqueue.Worker,
	cancelSync context.CancelFunc,
	healthSrv *http.Server,
) error {
	var errs []error

	if err := scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	cancelConsume()
	done := make(chan struct{})
	go func() {
		consumers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Job consumers stopped")
	case <-ctx.Done():
		logger.Warn("Job consumer shutdown timeout exceeded")
		errs = append(errs, fmt.Errorf("failed to drain job consumers: %w", ctx.Err()))
	}

	if err := syncWorker.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	// a loop that had not started polling yet exits on the cancelled context
	cancelSync()

	if err := healthSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop health server: %w", err))
	}

	return errors.Join(errs...)
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
func initQueue(cfg *config.Config, dbClient *postgresql.Client, observer queue.Observer, logger *slog.Logger) (queue.Queue, error) {
	if cfg.Queue.Backend == config.BackendTable {
		return table.New(dbClient.GetDB(), table.Config{
			QueueName:     cfg.Queue.Name,
			MaxRetries:    *cfg.Queue.MaxRetries,
			RetryDelay:    cfg.Queue.RetryDelay,
			MaxRetryDelay: cfg.Queue.MaxRetryDelay,
			PollInterval:  cfg.Queue.PollInterval,
			BatchSize:     cfg.Queue.BatchSize,
			StaleAfter:    cfg.Queue.StaleAfter,
			Observer:      observer,
		}, logger), nil
	}

	rabbitConfig := &rabbitmq.Config{
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

	store := deadletter.NewStore(dbClient.GetDB(), logger)
	brokerQueue, err := broker.Connect(rabbitConfig, store, broker.Config{
		MaxRetries:    *cfg.Queue.MaxRetries,
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
		Observer:      observer,
	}, logger)
	if err != nil {
		return nil, err
	}
	return brokerQueue, nil
}

// initExecutors routes every provider to the connector service
func initExecutors(cfg *config.ConnectorConfig, logger *slog.Logger) (*syncqueue.Registry, error) {
	httpExecutor, err := connector.NewHTTPExecutor(connector.Config{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	executors := syncqueue.NewRegistry(logger)
	executors.SetFallback(httpExecutor)
	return executors, nil
}
