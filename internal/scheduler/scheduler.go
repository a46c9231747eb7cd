// Package scheduler runs the worker pool that drains the job queue.
//
// Workers claim through the store's atomic claim operation, so any number of
// processes can share one queue. Liveness never depends on the submit
// notifier: an idle worker always re-polls on a bounded backoff timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/matchcut/export-orchestrator/internal/adapter/observability"
	"github.com/matchcut/export-orchestrator/internal/domain"
	"github.com/matchcut/export-orchestrator/internal/pipeline"
)

// Options tune the pool.
type Options struct {
	Concurrency        int
	PollInterval       time.Duration // idle backoff floor
	PollMax            time.Duration // idle backoff ceiling
	CancelPollInterval time.Duration
	WorkerPrefix       string // usually the hostname
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.PollMax <= 0 {
		o.PollMax = 5 * time.Second
	}
	if o.CancelPollInterval <= 0 {
		o.CancelPollInterval = 5 * time.Second
	}
	if o.WorkerPrefix == "" {
		o.WorkerPrefix = "worker"
	}
	return o
}

// Scheduler owns the worker goroutines.
type Scheduler struct {
	repo     domain.JobRepository
	drivers  map[domain.JobKind]pipeline.Driver
	sink     domain.ProgressSink
	notifier domain.Notifier
	logger   *slog.Logger
	opts     Options
}

// New wires a scheduler. The driver map decides which kinds this pool claims.
func New(repo domain.JobRepository, drivers map[domain.JobKind]pipeline.Driver, sink domain.ProgressSink, notifier domain.Notifier, logger *slog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		repo:     repo,
		drivers:  drivers,
		sink:     sink,
		notifier: notifier,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

func (s *Scheduler) kinds() []domain.JobKind {
	out := make([]domain.JobKind, 0, len(s.drivers))
	for k := range s.drivers {
		out = append(out, k)
	}
	return out
}

// Run blocks until ctx is done and all workers have drained their current
// jobs.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", s.opts.WorkerPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID string) {
	kinds := s.kinds()
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = s.opts.PollInterval
	idle.MaxInterval = s.opts.PollMax
	idle.MaxElapsedTime = 0
	idle.Reset()

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.repo.ClaimNext(ctx, workerID, kinds)
		switch {
		case err == nil:
			idle.Reset()
			s.execute(ctx, workerID, job)
			continue
		case errors.Is(err, domain.ErrNotFound):
			// Queue empty; wait for a wake-up or the next poll.
		default:
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("claim failed", slog.String("worker_id", workerID), slog.Any("error", err))
		}

		timer := time.NewTimer(idle.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.notifier.Wake():
			timer.Stop()
			idle.Reset()
		case <-timer.C:
		}
	}
}

// execute runs one claimed job to a terminal state.
func (s *Scheduler) execute(ctx context.Context, workerID string, job domain.Job) {
	log := s.logger.With(
		slog.String("worker_id", workerID),
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)))
	log.Info("job claimed", slog.Int("attempts", job.Attempts))
	observability.JobsClaimedTotal.WithLabelValues(string(job.Kind)).Inc()
	observability.JobsProcessing.Inc()
	start := time.Now()
	defer func() {
		observability.JobsProcessing.Dec()
		observability.ExportDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())
	}()

	driver, ok := s.drivers[job.Kind]
	if !ok {
		// Claim kinds mirror the driver map, so this is a wiring bug.
		s.markError(ctx, job, "no driver registered for kind "+string(job.Kind))
		return
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var userCancelled atomic.Bool
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		s.watchCancel(jobCtx, job.ID, func() {
			userCancelled.Store(true)
			cancelJob()
		})
	}()

	report := func(percent int, message, phase string) {
		s.sink.Publish(job.ID, percent, message, phase)
	}
	res, err := driver.Run(jobCtx, job, report)
	cancelJob()
	<-pollerDone

	switch {
	case err == nil:
		s.markComplete(ctx, job, res)
		log.Info("job complete",
			slog.String("output_ref", res.OutputRef),
			slog.Duration("took", time.Since(start)))
	case errors.Is(err, domain.ErrCancelled) && userCancelled.Load():
		s.markCancelled(ctx, job)
		log.Info("job cancelled", slog.Duration("took", time.Since(start)))
	case errors.Is(err, domain.ErrCancelled) && ctx.Err() != nil:
		// Shutdown interrupted the job; it stays processing and startup
		// recovery reconciles it.
		log.Warn("job interrupted by shutdown")
	default:
		s.markError(ctx, job, errorMessage(err))
		log.Error("job failed", slog.Any("error", err), slog.Duration("took", time.Since(start)))
	}
}

// watchCancel polls the store's cancel flag until the job context ends.
func (s *Scheduler) watchCancel(ctx context.Context, jobID string, onCancel func()) {
	ticker := time.NewTicker(s.opts.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		requested, err := s.repo.CancelRequested(ctx, jobID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("cancel poll failed", slog.String("job_id", jobID), slog.Any("error", err))
			}
			continue
		}
		if requested {
			onCancel()
			return
		}
	}
}

// Terminal transitions run on an uncancellable context: the outcome must be
// recorded even when the pool is shutting down.

func (s *Scheduler) markComplete(ctx context.Context, job domain.Job, res pipeline.Result) {
	bg := context.WithoutCancel(ctx)
	if err := s.repo.MarkComplete(bg, job.ID, res.OutputRef, res.OutputFilename); err != nil {
		s.logger.Error("mark complete failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(string(job.Kind)).Inc()
	s.publishTerminal(bg, job.ID)
}

func (s *Scheduler) markCancelled(ctx context.Context, job domain.Job) {
	bg := context.WithoutCancel(ctx)
	if err := s.repo.MarkCancelled(bg, job.ID); err != nil {
		s.logger.Error("mark cancelled failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsCancelledTotal.WithLabelValues(string(job.Kind)).Inc()
	s.publishTerminal(bg, job.ID)
}

func (s *Scheduler) markError(ctx context.Context, job domain.Job, message string) {
	bg := context.WithoutCancel(ctx)
	if err := s.repo.MarkError(bg, job.ID, message); err != nil {
		s.logger.Error("mark error failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	observability.JobsFailedTotal.WithLabelValues(string(job.Kind)).Inc()
	s.publishTerminal(bg, job.ID)
}

func (s *Scheduler) publishTerminal(ctx context.Context, jobID string) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		s.logger.Warn("terminal event lookup failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	s.sink.PublishTerminal(j)
}

const maxStoredErrorLen = 500

var pathRe = regexp.MustCompile(`(?:/[\w.-]+){2,}`)

// errorMessage scrubs filesystem paths from the message and bounds what lands
// in the job row.
func errorMessage(err error) string {
	msg := pathRe.ReplaceAllString(err.Error(), "[path]")
	if len(msg) > maxStoredErrorLen {
		msg = msg[:maxStoredErrorLen]
	}
	return msg
}
