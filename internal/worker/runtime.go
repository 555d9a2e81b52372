package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/dealer-jobs/internal/queue"
)

// RuntimeConfig holds the settings of the worker process
type RuntimeConfig struct {
	Client   *queue.Client
	Source   Source
	Logger   *slog.Logger
	Handlers map[string]Handler
	// Concurrency overrides the per-queue policy when positive
	Concurrency        map[string]int
	HeartbeatInterval  time.Duration
	StallTimeout       time.Duration
	ReapInterval       time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	OnFailed           FailedFunc
}

// Runtime hosts one worker per queue plus the reaper
type Runtime struct {
	workers []*Worker
	reaper  *Reaper
	logger  *slog.Logger
}

// NewRuntime builds a worker for every known queue. Every queue needs a handler.
func NewRuntime(cfg *RuntimeConfig) (*Runtime, error) {
	queues := queue.Queues()
	workers := make([]*Worker, 0, len(queues))

	for _, name := range queues {
		policy, err := queue.PolicyFor(name)
		if err != nil {
			return nil, err
		}

		handler, ok := cfg.Handlers[name]
		if !ok {
			return nil, fmt.Errorf("no handler registered for queue %s", name)
		}

		concurrency := policy.Concurrency
		if n := cfg.Concurrency[name]; n > 0 {
			concurrency = n
		}

		w, err := NewWorker(&Config{
			Queue:             name,
			Concurrency:       concurrency,
			Handler:           handler,
			Client:            cfg.Client,
			Source:            cfg.Source,
			Logger:            cfg.Logger,
			HeartbeatInterval: cfg.HeartbeatInterval,
			OnFailed:          cfg.OnFailed,
		})
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	reaper := NewReaper(ReaperConfig{
		Client:             cfg.Client,
		Logger:             cfg.Logger,
		Queues:             queues,
		Interval:           cfg.ReapInterval,
		StallTimeout:       cfg.StallTimeout,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
		OnFailed:           cfg.OnFailed,
	})

	return &Runtime{workers: workers, reaper: reaper, logger: cfg.Logger}, nil
}

// Start registers every consumer and the reaper. On error the consumers
// started so far are stopped again.
func (r *Runtime) Start(ctx context.Context) error {
	for i, w := range r.workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range r.workers[:i] {
				started.Stop()
			}
			return err
		}
	}
	r.reaper.Start(ctx)

	r.logger.Info("Worker runtime started", slog.Int("queues", len(r.workers)))
	return nil
}

// Stop stops intake on all queues concurrently, waits for in-flight jobs,
// then stops the reaper
func (r *Runtime) Stop() {
	r.logger.Info("Stopping worker runtime...")

	var wg sync.WaitGroup
	for _, w := range r.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()

	r.reaper.Stop()
	r.logger.Info("Worker runtime stopped")
}
