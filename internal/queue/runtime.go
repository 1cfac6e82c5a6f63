package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
	"github.com/dealdecision-ai/ingestion-engine/internal/observability"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

// Queue names.
const (
	QueueIngestDocument  = string(storage.JobIngestDocument)
	QueueVerifyDocuments = string(storage.JobVerifyDocuments)
	QueueGenerateReport  = string(storage.JobGenerateIngestionReport)
	QueueExtractVisuals  = string(storage.JobExtractVisuals)
	QueueFetchEvidence   = string(storage.JobFetchEvidence)
	QueueAnalyzeDeal     = string(storage.JobAnalyzeDeal)
)

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	Delay      time.Duration
	DealID     string
	DocumentID string
	// Type overrides the job type recorded on the job row. Defaults to the queue name.
	Type storage.JobType
}

// JobHandle identifies an enqueued job.
type JobHandle struct {
	JobID uuid.UUID
	Queue string
}

// Enqueuer is the producer side of the runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) (JobHandle, error)
}

// Runtime binds a broker to the durable job table.
type Runtime struct {
	broker Broker
	jobs   storage.JobStore
	logger *observability.Logger
}

// NewRuntime creates a queue runtime.
func NewRuntime(broker Broker, jobs storage.JobStore, logger *observability.Logger) *Runtime {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Runtime{broker: broker, jobs: jobs, logger: logger}
}

// Broker returns the underlying broker.
func (r *Runtime) Broker() Broker {
	return r.broker
}

// Enqueue records a queued job row and then pushes its message. A push
// failure marks the row failed so it never lingers as queued.
func (r *Runtime) Enqueue(ctx context.Context, queue string, payload interface{}, opts EnqueueOptions) (JobHandle, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return JobHandle{}, fmt.Errorf("encode payload: %w", err)
	}

	jobType := opts.Type
	if jobType == "" {
		jobType = storage.JobType(queue)
	}
	job := &storage.Job{Type: jobType, DealID: optional(opts.DealID), DocumentID: optional(opts.DocumentID)}
	if err := r.jobs.Create(ctx, job); err != nil {
		return JobHandle{}, fmt.Errorf("create job: %w", err)
	}

	msg := &Message{JobID: job.ID, Queue: queue, Payload: body, EnqueuedAt: time.Now().UTC()}
	if err := r.broker.Push(ctx, msg, opts.Delay); err != nil {
		if ferr := r.jobs.Finish(ctx, job.ID, lifecycle.JobFailed, "enqueue failed: "+err.Error()); ferr != nil {
			r.logger.Warn().Err(ferr).Str("job_id", job.ID.String()).Msg("failed to mark unpushed job")
		}
		return JobHandle{}, fmt.Errorf("push %s: %w", queue, err)
	}

	r.logger.Debug().
		Str("queue", queue).
		Str("job_id", job.ID.String()).
		Dur("delay", opts.Delay).
		Msg("job enqueued")

	return JobHandle{JobID: job.ID, Queue: queue}, nil
}

// CreateWorker returns a worker for queue. Call Run to start it.
func (r *Runtime) CreateWorker(queue string, proc Processor, opts ...WorkerOption) *Worker {
	w := &Worker{
		runtime:      r,
		queue:        queue,
		proc:         proc,
		concurrency:  2,
		pollTimeout:  time.Second,
		recoverEvery: 30 * time.Second,
		logger:       r.logger.With().Str("queue", queue).Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
