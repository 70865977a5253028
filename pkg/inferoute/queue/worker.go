package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Processor runs the pipeline for one queued message.
type Processor interface {
	Process(ctx context.Context, messageID string) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, messageID string) error

func (f ProcessorFunc) Process(ctx context.Context, messageID string) error {
	return f(ctx, messageID)
}

// Sweeper is periodic maintenance run on the cron schedule, e.g. expired
// media cleanup. Errors are logged, not propagated.
type Sweeper func() error

// WorkerConfig tunes the polling loop and the maintenance sweep.
type WorkerConfig struct {
	PollInterval time.Duration
	StuckAfter   time.Duration
	SweepSpec    string
}

// Worker drains the queue: it polls for pending jobs, runs the processor,
// and on a cron schedule requeues stuck jobs and runs sweepers.
type Worker struct {
	queue     *Queue
	processor Processor
	cfg       WorkerConfig
	sweepers  []Sweeper
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewWorker creates a worker. Zero config fields get sane defaults.
func NewWorker(queue *Queue, processor Processor, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 5 * time.Minute
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "@every 1m"
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
	}
}

// AddSweeper registers a maintenance task for the cron sweep.
func (w *Worker) AddSweeper(s Sweeper) {
	w.sweepers = append(w.sweepers, s)
}

// Run polls until the context is cancelled. It blocks.
func (w *Worker) Run(ctx context.Context) error {
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.cfg.SweepSpec, func() { w.sweep() }); err != nil {
		return err
	}
	w.cron.Start()
	defer w.cron.Stop()

	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"sweep_spec", w.cfg.SweepSpec,
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain claims and processes jobs until the queue is empty or the context
// is cancelled.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Claim()
		if errors.Is(err, ErrEmpty) {
			return
		}
		if err != nil {
			w.logger.Error("claim failed", "error", err)
			return
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	start := time.Now()
	err := w.processor.Process(ctx, job.MessageID)
	if err != nil {
		w.logger.Error("job failed",
			"job", job.ID,
			"message", job.MessageID,
			"attempt", job.Attempts,
			"error", err,
		)
		if ferr := w.queue.Fail(job.ID); ferr != nil {
			w.logger.Error("failed to record job failure", "job", job.ID, "error", ferr)
		}
		return
	}

	if err := w.queue.Complete(job.ID); err != nil {
		w.logger.Error("failed to complete job", "job", job.ID, "error", err)
		return
	}
	w.logger.Info("job done",
		"job", job.ID,
		"message", job.MessageID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) sweep() {
	if _, err := w.queue.RequeueStuck(w.cfg.StuckAfter); err != nil {
		w.logger.Error("stuck-job sweep failed", "error", err)
	}
	for _, s := range w.sweepers {
		if err := s(); err != nil {
			w.logger.Warn("sweeper failed", "error", err)
		}
	}
}
