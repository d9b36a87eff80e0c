package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"application-workflow/internal/archive"
	"application-workflow/internal/config"
	"application-workflow/internal/models"
	"application-workflow/internal/store"
	"application-workflow/internal/telemetry"
)

// ErrUnknownJobType marks an execution whose type has no registered
// handler. This is a configuration error: the execution goes straight to
// the dead letter queue, no retry.
var ErrUnknownJobType = errors.New("unknown job type")

// NextJob is a successor enqueue requested by a handler on success.
type NextJob struct {
	Type        string
	Queue       string
	Payload     any
	MaxAttempts int
}

// Handler executes one job type and may request a successor enqueue.
type Handler interface {
	Execute(ctx context.Context, exec models.JobExecution) (*NextJob, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, exec models.JobExecution) (*NextJob, error)

func (f HandlerFunc) Execute(ctx context.Context, exec models.JobExecution) (*NextJob, error) {
	return f(ctx, exec)
}

// Registry maps job types to handlers. It is built at startup and handed
// to the processor; nothing registers into it afterwards.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.handlers[jobType] = h
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// JobQueue is the queue surface the processor drives.
type JobQueue interface {
	Enqueue(ctx context.Context, executionID, queueName string, runAt time.Time) error
	Schedule(ctx context.Context, executionID, queueName string, runAt time.Time) error
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, executionID string, extension time.Duration) error
	Ack(ctx context.Context, executionID string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, executionID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// ExecutionStore is the persistence surface the processor drives.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (models.JobExecution, error)
	CreateExecution(ctx context.Context, p store.CreateExecutionParams) (models.JobExecution, error)
	MarkExecutionRunning(ctx context.Context, id string) error
	MarkExecutionSucceeded(ctx context.Context, id string) error
	RecordExecutionFailure(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkExecutionDeadLettered(ctx context.Context, id string, lastErr string) error
	RequeueExecution(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, executionID, event, detail string) error
}

// Processor drains queues with a fixed pool of workers and settles each
// claimed execution: run the handler, then either ack + enqueue the
// successor, reschedule with backoff, or dead-letter.
type Processor struct {
	cfg      config.Config
	queue    JobQueue
	store    ExecutionStore
	registry *Registry
	archiver archive.Archiver
	log      *zap.Logger
}

func NewProcessor(cfg config.Config, q JobQueue, st ExecutionStore, registry *Registry, log *zap.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		registry: registry,
		log:      log,
	}
}

// SetDeadLetterArchiver enables copying terminal failures to cold storage.
func (p *Processor) SetDeadLetterArchiver(a archive.Archiver) {
	p.archiver = a
}

// Run blocks until ctx is cancelled, driving WorkerConcurrency claim
// loops plus one maintenance loop.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()

	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.claimLoop(ctx, worker)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

// maintenanceLoop promotes due scheduled executions (retry backoffs) and
// reclaims expired leases from crashed workers.
func (p *Processor) maintenanceLoop(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.log.Warn("promote scheduled failed", zap.Error(err))
		}
		reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
		if err != nil {
			p.log.Warn("requeue expired failed", zap.Error(err))
		}
		for _, id := range reclaimed {
			// The attempt never settled; attempts stay untouched.
			if err := p.store.RequeueExecution(ctx, id); err != nil {
				p.log.Warn("requeue execution failed", zap.String("execution_id", id), zap.Error(err))
			}
			p.log.Info("reclaimed expired lease", zap.String("execution_id", id))
		}
		if len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) claimLoop(ctx context.Context, worker int) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		executionID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || executionID == "" {
			if err != nil {
				p.log.Warn("dequeue failed", zap.Int("worker", worker), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		p.process(ctx, executionID)
	}
}

// process settles one claimed execution end to end.
func (p *Processor) process(ctx context.Context, executionID string) {
	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		// No durable record to run; drop the claim.
		p.log.Error("claimed execution not found", zap.String("execution_id", executionID), zap.Error(err))
		_ = p.queue.Ack(ctx, executionID)
		return
	}

	log := p.log.With(
		zap.String("execution_id", exec.ID),
		zap.String("job_type", exec.Type),
		zap.Int("attempt", exec.Attempts+1),
	)

	handler, ok := p.registry.Lookup(exec.Type)
	if !ok {
		log.Error("no handler registered, dead-lettering")
		p.deadLetter(ctx, exec, fmt.Errorf("%w: %s", ErrUnknownJobType, exec.Type))
		return
	}

	_ = p.store.MarkExecutionRunning(ctx, exec.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Service calls may run as long as their own timeout; keep the lease
	// ahead of the work so a slow downstream does not look like a crash.
	if p.cfg.ServiceTimeout > 0 {
		_ = p.queue.ExtendLease(ctx, exec.ID, p.cfg.ServiceTimeout+p.cfg.VisibilityTimeout)
	}

	next, err := handler.Execute(ctx, exec)
	if err == nil {
		p.settleSuccess(ctx, exec, next, log)
		return
	}

	attempts := exec.Attempts + 1
	if attempts >= exec.MaxAttempts {
		log.Error("attempts exhausted", zap.Error(err))
		p.deadLetter(ctx, exec, err)
		return
	}

	delay := withJitter(backoffDelay(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	nextRun := time.Now().Add(delay)
	_ = p.store.RecordExecutionFailure(ctx, exec.ID, attempts, nextRun, err.Error())
	_ = p.queue.Ack(ctx, exec.ID)
	if qerr := p.queue.Schedule(ctx, exec.ID, exec.Queue, nextRun); qerr != nil {
		log.Error("schedule retry failed", zap.Error(qerr))
	}
	_ = p.store.AppendAudit(ctx, exec.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d err=%s", nextRun.UTC().Format(time.RFC3339), attempts, err))
	telemetry.JobRetries.WithLabelValues(exec.Type).Inc()
	log.Warn("execution failed, retry scheduled", zap.Duration("backoff", delay), zap.Error(err))
}

// settleSuccess acks the execution and, separately, performs the
// requested successor enqueue. The two steps are not atomic: a crash
// between them re-runs the job after the lease expires, so the chain is
// at-least-once and downstream calls dedupe on applicationId.
func (p *Processor) settleSuccess(ctx context.Context, exec models.JobExecution, next *NextJob, log *zap.Logger) {
	_ = p.queue.Ack(ctx, exec.ID)
	_ = p.store.MarkExecutionSucceeded(ctx, exec.ID)

	outcome := models.JobOutcome{Status: "succeeded", ApplicationID: applicationIDFrom(exec.Payload)}
	detail, _ := json.Marshal(outcome)
	_ = p.store.AppendAudit(ctx, exec.ID, "succeeded", string(detail))
	telemetry.JobSuccess.WithLabelValues(exec.Type).Inc()
	log.Info("execution succeeded")

	if next == nil {
		return
	}
	if err := p.EnqueueJob(ctx, *next); err != nil {
		// The chain is broken here until the lease-based re-run of this
		// execution repeats the handoff.
		log.Error("successor enqueue failed", zap.String("next_type", next.Type), zap.Error(err))
	}
}

// EnqueueJob persists a new execution and makes it ready. Used both for
// the workflow's first job and for successor handoffs.
func (p *Processor) EnqueueJob(ctx context.Context, job NextJob) error {
	queueName := job.Queue
	if queueName == "" {
		queueName = models.WorkflowQueue
	}
	exec, err := p.store.CreateExecution(ctx, store.CreateExecutionParams{
		Type:        job.Type,
		Queue:       queueName,
		Payload:     job.Payload,
		MaxAttempts: job.MaxAttempts,
		RunAt:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if err := p.queue.Enqueue(ctx, exec.ID, queueName, exec.NextRunAt); err != nil {
		return err
	}
	_ = p.store.AppendAudit(ctx, exec.ID, "enqueued", fmt.Sprintf("type=%s queue=%s", job.Type, queueName))
	telemetry.EnqueueCounter.Inc()
	return nil
}

// deadLetter emits the single terminal-failure event for an execution:
// durable status, audit row, DLQ entry, metrics, optional cold archive.
// Application status is deliberately left untouched (see DESIGN.md).
func (p *Processor) deadLetter(ctx context.Context, exec models.JobExecution, cause error) {
	_ = p.store.MarkExecutionDeadLettered(ctx, exec.ID, cause.Error())
	_ = p.queue.Ack(ctx, exec.ID)
	_ = p.queue.DLQPush(ctx, exec.ID)

	outcome := models.JobOutcome{Status: "dead_lettered", ApplicationID: applicationIDFrom(exec.Payload)}
	detail, _ := json.Marshal(struct {
		models.JobOutcome
		Error string `json:"error"`
	}{outcome, cause.Error()})
	_ = p.store.AppendAudit(ctx, exec.ID, "dead_letter", string(detail))
	telemetry.TerminalFailures.WithLabelValues(exec.Type).Inc()

	if p.archiver != nil {
		if err := p.archiver.ArchiveDeadLetter(ctx, exec, cause.Error()); err != nil {
			p.log.Warn("dead letter archive failed", zap.String("execution_id", exec.ID), zap.Error(err))
		}
	}

	p.log.Error("execution dead-lettered",
		zap.String("execution_id", exec.ID),
		zap.String("job_type", exec.Type),
		zap.String("application_id", outcome.ApplicationID),
		zap.Error(cause),
	)
}

func applicationIDFrom(payload json.RawMessage) string {
	var probe struct {
		ApplicationID string `json:"application_id"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.ApplicationID
}

// backoffDelay is the deterministic retry delay: base doubling per
// attempt, capped at max. Non-decreasing in the attempt number.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 1 {
		if base > max {
			return max
		}
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait
}

// withJitter spreads retries over [delay/2, delay) so synchronized
// failures do not thundering-herd the downstream service.
func withJitter(delay time.Duration) time.Duration {
	if delay <= 1 {
		return delay
	}
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)))
}
