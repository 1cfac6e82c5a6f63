package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// Job is a delivered unit of work as seen by a processor.
type Job struct {
	ID         uuid.UUID
	Queue      string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	Tracker    *JobTracker
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(j.Payload, v)
}

// Processor handles one job. A returned error fails the job.
type Processor func(ctx context.Context, job *Job) error

// JobTracker updates the durable job row on behalf of a processor.
type JobTracker struct {
	id     uuid.UUID
	jobs   storage.JobStore
	logger *observability.Logger
}

// NewJobTracker creates a tracker for job id.
func NewJobTracker(id uuid.UUID, jobs storage.JobStore, logger *observability.Logger) *JobTracker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &JobTracker{id: id, jobs: jobs, logger: logger}
}

// ID returns the tracked job id.
func (t *JobTracker) ID() uuid.UUID { return t.id }

// Start marks the job running.
func (t *JobTracker) Start(ctx context.Context) {
	if _, err := t.jobs.MarkRunning(ctx, t.id); err != nil {
		t.logger.Warn().Err(err).Str("job_id", t.id.String()).Msg("failed to mark job running")
	}
}

// Progress records a progress percentage and message.
func (t *JobTracker) Progress(ctx context.Context, pct int, msg string) {
	if err := t.jobs.UpdateProgress(ctx, t.id, pct, msg); err != nil {
		t.logger.Warn().Err(err).Str("job_id", t.id.String()).Msg("failed to update job progress")
	}
}

// Succeed finalizes the job as succeeded.
func (t *JobTracker) Succeed(ctx context.Context, msg string) {
	if err := t.jobs.Finish(ctx, t.id, lifecycle.JobSucceeded, msg); err != nil {
		t.logger.Warn().Err(err).Str("job_id", t.id.String()).Msg("failed to finish job")
	}
}

// Fail finalizes the job as failed.
func (t *JobTracker) Fail(ctx context.Context, msg string) {
	if err := t.jobs.Finish(ctx, t.id, lifecycle.JobFailed, msg); err != nil {
		t.logger.Warn().Err(err).Str("job_id", t.id.String()).Msg("failed to finish job")
	}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets the number of concurrent consumers.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollTimeout sets how long a consumer blocks waiting for a message.
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollTimeout = d
		}
	}
}

// WithRecoverInterval sets how often expired deliveries are requeued.
func WithRecoverInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.recoverEvery = d
		}
	}
}

// Worker consumes one queue.
type Worker struct {
	runtime      *Runtime
	queue        string
	proc         Processor
	concurrency  int
	pollTimeout  time.Duration
	recoverEvery time.Duration
	logger       *observability.Logger
}

// Queue returns the queue name.
func (w *Worker) Queue() string { return w.queue }

// Run consumes until ctx is cancelled. Jobs already started run to
// completion before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.concurrency).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.recoverLoop(ctx)
	}()

	wg.Wait()
	w.logger.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) consume(ctx context.Context, slot int) {
	broker := w.runtime.broker
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := broker.Pop(ctx, w.queue, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBrokerClosed) {
				return
			}
			w.logger.Warn().Err(err).Int("slot", slot).Msg("pop failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if d == nil {
			continue
		}

		// Shutdown does not interrupt a job in flight.
		w.handle(context.WithoutCancel(ctx), d)
	}
}

func (w *Worker) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(w.recoverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.runtime.broker.Recover(ctx, w.queue)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn().Err(err).Msg("recover expired deliveries failed")
				}
				continue
			}
			if n > 0 {
				w.logger.Warn().Int("count", n).Msg("requeued expired deliveries")
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, d *Delivery) {
	jobs := w.runtime.jobs
	ctx = observability.ContextWithJobID(ctx, d.JobID.String())
	logger := w.logger.WithContext(ctx)
	start := time.Now()

	started, err := jobs.MarkRunning(ctx, d.JobID)
	switch {
	case err == nil && !started:
		// Redelivery of a job that was already finalized.
		logger.Warn().Msg("job already finished, dropping redelivered message")
		if aerr := w.runtime.broker.Ack(ctx, d); aerr != nil {
			logger.Warn().Err(aerr).Msg("ack failed")
		}
		return
	case err != nil:
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Err(err).Msg("failed to mark job running")
		} else {
			// Message produced outside this runtime; give it a row.
			row := &storage.Job{ID: d.JobID, Type: storage.JobType(d.Queue), Status: lifecycle.JobRunning}
			now := time.Now().UTC()
			row.StartedAt = &now
			if cerr := jobs.Create(ctx, row); cerr != nil {
				logger.Warn().Err(cerr).Msg("failed to create job row for foreign message")
			}
		}
	}

	job := &Job{
		ID:         d.JobID,
		Queue:      d.Queue,
		Payload:    d.Payload,
		EnqueuedAt: d.EnqueuedAt,
		Tracker:    NewJobTracker(d.JobID, jobs, logger),
	}

	err = w.invoke(ctx, job)
	if err == nil {
		if _, ferr := jobs.FinishIfRunning(ctx, d.JobID, lifecycle.JobSucceeded, ""); ferr != nil {
			logger.Warn().Err(ferr).Msg("failed to finalize job")
		}
		if aerr := w.runtime.broker.Ack(ctx, d); aerr != nil {
			logger.Warn().Err(aerr).Msg("ack failed")
		}
		logger.Info().Dur("duration", time.Since(start)).Msg("job completed")
		return
	}

	logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("job failed")
	if _, ferr := jobs.FinishIfRunning(ctx, d.JobID, lifecycle.JobFailed, err.Error()); ferr != nil {
		logger.Warn().Err(ferr).Msg("failed to finalize job")
	}
	if berr := w.runtime.broker.Fail(ctx, d, err.Error()); berr != nil {
		logger.Warn().Err(berr).Msg("failed to record broker failure")
	}
}

func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("job_id", job.ID.String()).
				Str("stack", string(debug.Stack())).
				Msg("processor panicked")
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.proc(ctx, job)
}

// RunAll runs workers until ctx is cancelled and all of them have drained.
func RunAll(ctx context.Context, workers ...*Worker) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
