package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
	"github.com/cuongbtq/dealer-jobs/internal/worker/domain"
)

const defaultReapBatch = 100

// ReaperConfig holds the maintenance loop settings
type ReaperConfig struct {
	Client             *queue.Client
	Logger             *slog.Logger
	Queues             []string
	Interval           time.Duration
	StallTimeout       time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	BatchSize          int
	OnFailed           FailedFunc
}

// Reaper recovers jobs abandoned by dead workers, republishes lost retries
// and expires finished jobs past their retention
type Reaper struct {
	cfg      ReaperConfig
	logger   *slog.Logger
	failures *failureRecorder

	stopChan chan struct{}
	done     chan struct{}
	once     sync.Once
	started  bool
}

// NewReaper creates a reaper
func NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReapBatch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHeartbeatInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 4 * defaultHeartbeatInterval
	}

	logger := cfg.Logger.With(slog.String("component", "reaper"))
	return &Reaper{
		cfg:      cfg,
		logger:   logger,
		failures: &failureRecorder{client: cfg.Client, logger: logger, onFailed: cfg.OnFailed},
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the maintenance loop in the background
func (r *Reaper) Start(ctx context.Context) {
	r.started = true
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.logger.Info("Reaper started",
			slog.Duration("interval", r.cfg.Interval),
			slog.Duration("stall_timeout", r.cfg.StallTimeout),
		)

		for {
			select {
			case <-r.stopChan:
				r.logger.Info("Reaper stopped")
				return
			case <-ticker.C:
				r.safeRunOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop after the current pass
func (r *Reaper) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
		if r.started {
			<-r.done
		}
	})
}

func (r *Reaper) safeRunOnce(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovered panic in reaper",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	r.runOnce(ctx)
}

func (r *Reaper) runOnce(ctx context.Context) {
	r.recoverStalled(ctx)
	r.requeueOverdue(ctx)
	r.expireFinished(ctx)
}

func (r *Reaper) recoverStalled(ctx context.Context) {
	jobs, err := r.cfg.Client.FindStalled(ctx, r.cfg.StallTimeout, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("Failed to find stalled jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range jobs {
		r.logger.Warn("Recovering stalled job",
			slog.String("job_id", job.ID),
			slog.String("queue", job.Queue),
			slog.Int("attempt", job.AttemptsMade),
		)
		if err := r.failures.record(ctx, job, domain.ErrJobStalled); err != nil {
			r.logger.Error("Failed to recover stalled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Reaper) requeueOverdue(ctx context.Context) {
	jobs, err := r.cfg.Client.FindOverdue(ctx, r.cfg.StallTimeout, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("Failed to find overdue jobs", slog.String("error", err.Error()))
		return
	}

	for _, job := range jobs {
		err := r.cfg.Client.Requeue(ctx, job)
		switch {
		case errors.Is(err, queue.ErrAttemptSuperseded):
			continue
		case err != nil:
			r.logger.Error("Failed to requeue overdue job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		default:
			r.logger.Warn("Requeued overdue job",
				slog.String("job_id", job.ID),
				slog.String("queue", job.Queue),
			)
		}
	}
}

func (r *Reaper) expireFinished(ctx context.Context) {
	for _, queueName := range r.cfg.Queues {
		r.clean(ctx, queueName, queue.StateCompleted, r.cfg.CompletedRetention)
		r.clean(ctx, queueName, queue.StateFailed, r.cfg.FailedRetention)
	}
}

func (r *Reaper) clean(ctx context.Context, queueName string, state queue.State, retention time.Duration) {
	if retention <= 0 {
		return
	}

	removed, err := r.cfg.Client.Clean(ctx, queueName, state, retention)
	if err != nil {
		r.logger.Error("Failed to clean jobs",
			slog.String("queue", queueName),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		r.logger.Info("Expired finished jobs",
			slog.String("queue", queueName),
			slog.String("state", string(state)),
			slog.Int64("removed", removed),
		)
	}
}
