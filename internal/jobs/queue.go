package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxdesk/fluxdesk/internal/backoff"
	"github.com/fluxdesk/fluxdesk/internal/observability"
)

const (
	// DefaultWorkers is the worker pool size.
	DefaultWorkers = 4

	// DefaultMaxAttempts bounds handler retries per job. Delivery is
	// at-least-once; handlers must be idempotent.
	DefaultMaxAttempts = 3

	// DefaultQueueDepth bounds the in-memory dispatch channel. Enqueue
	// blocks when the queue is full rather than dropping work.
	DefaultQueueDepth = 256
)

// Handler processes one job. A nil return marks the job succeeded; an
// error triggers a retry until attempts run out.
type Handler func(ctx context.Context, job *Job) error

// Queue dispatches persisted jobs to a worker pool.
type Queue struct {
	store       Store
	logger      *slog.Logger
	metrics     *observability.Metrics
	workers     int
	maxAttempts int
	policy      backoff.Policy

	mu       sync.Mutex
	handlers map[Kind]Handler

	work chan *Job
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// QueueConfig wires a Queue.
type QueueConfig struct {
	Store       Store
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Workers     int
	MaxAttempts int
	QueueDepth  int
	Backoff     backoff.Policy
}

// NewQueue creates a queue. Register handlers, then Start.
func NewQueue(cfg QueueConfig) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	return &Queue{
		store:       cfg.Store,
		logger:      logger,
		metrics:     cfg.Metrics,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		policy:      cfg.Backoff,
		handlers:    make(map[Kind]Handler),
		work:        make(chan *Job, cfg.QueueDepth),
		stop:        make(chan struct{}),
	}
}

// Register binds a handler to a job kind. Must run before Start.
func (q *Queue) Register(kind Kind, h Handler) {
	q.mu.Lock()
	q.handlers[kind] = h
	q.mu.Unlock()
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop closes intake and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.stop)
		close(q.work)
	})
	q.wg.Wait()
}

// Enqueue persists a job and hands it to the pool. The payload is
// marshaled into the job record so a restart can reconstruct the work.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, channelID, deliveryID string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	job := &Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		ChannelID:  channelID,
		DeliveryID: deliveryID,
		Payload:    raw,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
	if err := q.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	select {
	case <-q.stop:
		return nil, fmt.Errorf("queue stopped")
	case q.work <- cloneJob(job):
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.work {
		q.process(job)
	}
}

func (q *Queue) process(job *Job) {
	q.mu.Lock()
	handler, ok := q.handlers[job.Kind]
	q.mu.Unlock()
	if !ok {
		q.finish(job, fmt.Errorf("no handler for kind %s", job.Kind))
		return
	}

	ctx := context.Background()
	job.Status = StatusRunning
	job.StartedAt = time.Now().UTC()
	if err := q.store.Update(ctx, job); err != nil {
		q.logger.Error("mark job running", "job_id", job.ID, "error", err)
	}

	err := backoff.Retry(ctx, q.policy, q.maxAttempts, func() error {
		job.Attempts++
		herr := handler(ctx, job)
		if q.metrics != nil {
			status := "success"
			if herr != nil {
				status = "error"
			}
			q.metrics.RecordJobAttempt(string(job.Kind), status)
		}
		return herr
	})
	q.finish(job, err)
}

func (q *Queue) finish(job *Job, err error) {
	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		q.logger.Warn("job failed",
			"job_id", job.ID,
			"kind", string(job.Kind),
			"channel_id", job.ChannelID,
			"attempts", job.Attempts,
			"error", err,
		)
	} else {
		job.Status = StatusSucceeded
		job.Error = ""
	}
	if uerr := q.store.Update(context.Background(), job); uerr != nil {
		q.logger.Error("persist job outcome", "job_id", job.ID, "error", uerr)
	}
}
