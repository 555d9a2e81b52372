package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
	"github.com/cuongbtq/dealer-jobs/internal/worker/domain"
)

const defaultHeartbeatInterval = 30 * time.Second

// Handler runs one attempt of a job. The returned value becomes the job's
// return value on success.
type Handler interface {
	Process(ctx context.Context, job *queue.Job) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *queue.Job) (any, error)

// Process calls f
func (f HandlerFunc) Process(ctx context.Context, job *queue.Job) (any, error) {
	return f(ctx, job)
}

// Failure describes a failed attempt. Final is set when no retry follows.
type Failure struct {
	Job     *queue.Job
	Err     error
	Final   bool
	RetryIn time.Duration
}

// FailedFunc observes failed attempts
type FailedFunc func(Failure)

// Config holds worker configuration
type Config struct {
	Queue             string
	Concurrency       int
	Handler           Handler
	Client            *queue.Client
	Source            Source
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	OnFailed          FailedFunc
}

// Worker consumes one queue with a fixed size goroutine pool
type Worker struct {
	workerID          string
	queueName         string
	concurrency       int
	handler           Handler
	client            *queue.Client
	source            Source
	logger            *slog.Logger
	heartbeatInterval time.Duration
	failures          *failureRecorder

	jobsChan       chan *domain.JobMessage
	stopChan       chan struct{}
	dispatcherDone chan struct{}
	cancelConsume  context.CancelFunc
	wg             sync.WaitGroup
	startOnce      sync.Once
	stopOnce       sync.Once
	started        bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("no handler for queue %s", cfg.Queue)
	}
	if cfg.Client == nil || cfg.Source == nil {
		return nil, errors.New("worker requires a queue client and a delivery source")
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("invalid concurrency %d for queue %s", cfg.Concurrency, cfg.Queue)
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	workerID := fmt.Sprintf("%s-%s", cfg.Queue, uuid.NewString()[:8])
	logger := cfg.Logger.With(slog.String("queue", cfg.Queue), slog.String("worker_id", workerID))

	return &Worker{
		workerID:          workerID,
		queueName:         cfg.Queue,
		concurrency:       cfg.Concurrency,
		handler:           cfg.Handler,
		client:            cfg.Client,
		source:            cfg.Source,
		logger:            logger,
		heartbeatInterval: heartbeat,
		failures:          &failureRecorder{client: cfg.Client, logger: logger, onFailed: cfg.OnFailed},
		jobsChan:          make(chan *domain.JobMessage),
		stopChan:          make(chan struct{}),
		dispatcherDone:    make(chan struct{}),
	}, nil
}

// Start registers the consumer and begins processing jobs. It returns once
// the consumer is registered. Jobs keep running when ctx is canceled; use
// Stop to drain.
func (w *Worker) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		w.logger.Info("Starting worker",
			slog.Int("concurrency", w.concurrency),
			slog.Duration("heartbeat_interval", w.heartbeatInterval),
		)

		consumeCtx, cancel := context.WithCancel(ctx)
		deliveries, consumeErr := w.setupConsumer(consumeCtx)
		if consumeErr != nil {
			cancel()
			err = consumeErr
			return
		}
		w.cancelConsume = cancel
		w.started = true

		w.spawnWorkerPool(context.WithoutCancel(ctx))
		go w.startMessageDispatcher(deliveries)
	})
	return err
}

// Stop stops intake, requeues prefetched messages that were not dispatched
// and waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if !w.started {
			return
		}

		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.cancelConsume()

		<-w.dispatcherDone
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}

// QueueName returns the queue this worker consumes
func (w *Worker) QueueName() string {
	return w.queueName
}
