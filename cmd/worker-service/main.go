package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/dealer-jobs/internal/catalog"
	"github.com/cuongbtq/dealer-jobs/internal/config"
	"github.com/cuongbtq/dealer-jobs/internal/crm"
	"github.com/cuongbtq/dealer-jobs/internal/inventory"
	"github.com/cuongbtq/dealer-jobs/internal/jobs"
	"github.com/cuongbtq/dealer-jobs/internal/leads"
	"github.com/cuongbtq/dealer-jobs/internal/notify"
	"github.com/cuongbtq/dealer-jobs/internal/queue"
	"github.com/cuongbtq/dealer-jobs/internal/worker"
	"github.com/cuongbtq/dealer-jobs/migrations"
	"github.com/cuongbtq/dealer-jobs/shared/logger"
	"github.com/cuongbtq/dealer-jobs/shared/postgresql"
	"github.com/cuongbtq/dealer-jobs/shared/rabbitmq"
)

var errConnectionLost = errors.New("rabbitmq connection lost")

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

	// every required setting is checked before any consumer is registered
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

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := migrate(dbClient); err != nil {
			dbClient.Close()
			return err
		}
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	rt, err := initRuntime(cfg, appLogger.Component("worker"), dbClient, rabbitClient)
	if err != nil {
		rabbitClient.Close()
		dbClient.Close()
		return fmt.Errorf("failed to initialize worker runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		rabbitClient.Close()
		dbClient.Close()
		return fmt.Errorf("failed to start worker runtime: %w", err)
	}

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-rabbitClient.Lost():
		runErr = errConnectionLost
		appLogger.Error("Stopping worker service", slog.Any("error", runErr))
	}

	// in-flight jobs run to completion; there is no forced timeout
	rt.Stop()
	cancel()

	return errors.Join(runErr, shutdown(appLogger.Logger, rabbitClient, dbClient))
}

// shutdown closes the broker, then the database
func shutdown(logger *slog.Logger, rabbitClient *rabbitmq.Client, dbClient *postgresql.Client) error {
	var errs []error

	if err := rabbitClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close RabbitMQ: %w", err))
	}

	if err := dbClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("Worker service shutdown finished with errors", slog.Any("error", err))
		return err
	}

	logger.Info("Worker service shutdown complete")
	return nil
}

// initRuntime wires the job handlers of every queue into the worker runtime
func initRuntime(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) (*worker.Runtime, error) {
	db := dbClient.GetDB()

	queueClient := queue.NewClient(db, rabbitClient, logger)
	catalogRepo := catalog.NewRepository(db, logger)
	leadRepo := leads.NewRepository(db, logger)

	crmClient := crm.NewClient(cfg.CRM.URL, cfg.CRM.APIKey, cfg.CRM.Timeout, nil)
	notifyClient := notify.NewClient(cfg.Notify.URL, cfg.Notify.APIKey, cfg.Notify.Timeout, nil)

	concurrency := make(map[string]int, len(cfg.Worker.Queues))
	for name, q := range cfg.Worker.Queues {
		concurrency[name] = q.Concurrency
	}

	crmPush := jobs.NewCRMPushHandler(leadRepo, crmClient, logger)

	return worker.NewRuntime(&worker.RuntimeConfig{
		Client: queueClient,
		Source: rabbitClient,
		Logger: logger,
		Handlers: map[string]worker.Handler{
			queue.QueueInventoryImport:      jobs.NewInventoryImportHandler(inventory.NewImporter(catalogRepo, logger), logger),
			queue.QueueCRMPush:              crmPush,
			queue.QueueAppointmentReminders: jobs.NewAppointmentReminderHandler(leadRepo, catalogRepo, notifyClient, logger),
		},
		Concurrency:        concurrency,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
		StallTimeout:       cfg.Worker.StallTimeout,
		ReapInterval:       cfg.Worker.ReapInterval,
		CompletedRetention: cfg.Worker.CompletedRetention,
		FailedRetention:    cfg.Worker.FailedRetention,
		OnFailed: func(f worker.Failure) {
			if !f.Final {
				return
			}
			logger.Error("Job failed permanently",
				slog.String("job_id", f.Job.ID),
				slog.String("queue", f.Job.Queue),
				slog.Int("attempts_made", f.Job.AttemptsMade),
				slog.Any("error", f.Err),
			)
			if f.Job.Queue == queue.QueueCRMPush {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				crmPush.HandleFinalFailure(ctx, f.Job)
			}
		},
	})
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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

		ConnectAttempts:      cfg.ConnectAttempts,
		ConnectRetryInterval: cfg.ConnectRetryInterval,
	}, logger)
}

func migrate(dbClient *postgresql.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := dbClient.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// initRabbitMQ initializes the RabbitMQ client and declares every job queue
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		URL:                cfg.URL,
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Queues:             queue.Queues(),
		QueueDurable:       cfg.Queue.Durable,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}
