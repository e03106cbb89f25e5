package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/perivale/ledgersync/internal/books"
	"github.com/perivale/ledgersync/internal/gate"
)

// ErrJobNotRunnable means the job's current status does not allow the
// requested action (running a cancelled job, retrying a job with no
// failed items, and so on).
var ErrJobNotRunnable = errors.New("engine: job is not runnable")

// staleClaimAfter is how long an item may sit in processing before a later
// batch treats its claim as abandoned. Matches the operation lock's
// staleness horizon.
const staleClaimAfter = 30 * time.Minute

// Mutator is the slice of the Books client the processor consumes.
// Every mutation goes out at normal priority; bulk traffic must never
// starve interactive callers.
type Mutator interface {
	UpdateItem(ctx context.Context, id string, fields map[string]any, priority gate.Priority) (json.RawMessage, error)
	UpdateCustomer(ctx context.Context, id string, fields map[string]any, priority gate.Priority) (json.RawMessage, error)
}

// QuotaState is the daily-quota signal the processor pauses on.
type QuotaState interface {
	Paused() bool
}

// Processor drains bulk jobs one batch at a time. Each batch claims up to
// batchSize pending items, paces mutations with a client-side limiter on
// top of the shared call gate, and settles the job's counters afterwards.
type Processor struct {
	store  *Store
	client Mutator
	quota  QuotaState
	pace   *rate.Limiter
	logger *slog.Logger

	batchSize   int
	maxAttempts int
}

// NewProcessor wires a processor. itemDelay is the minimum spacing between
// consecutive item mutations within a batch.
func NewProcessor(store *Store, client Mutator, quota QuotaState, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	return &Processor{
		store:       store,
		client:      client,
		quota:       quota,
		pace:        rate.NewLimiter(rate.Every(cfg.ItemDelay), 1),
		logger:      logger,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}
}

// ProcessorConfig carries the batch tuning knobs.
type ProcessorConfig struct {
	BatchSize   int
	MaxAttempts int
	ItemDelay   time.Duration
}

// BatchResult summarizes one RunBatch invocation.
type BatchResult struct {
	Job       *BulkJob
	Completed int
	Failed    int
	Requeued  int
	// Deferred counts items released back to pending without an attempt
	// because the gate pushed back (rate limit or quota exhaustion).
	Deferred int
}

// RunBatch processes up to batchSize pending items of the job. It returns
// early without error when the daily quota pauses normal traffic or the
// remote rate-limits us; deferred items keep their attempt count so a later
// batch retries them for free.
func (p *Processor) RunBatch(ctx context.Context, jobID string) (*BatchResult, error) {
	job, err := p.store.GetBulkJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case JobPending, JobProcessing:
	default:
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotRunnable, jobID, job.Status)
	}

	if err := p.store.MarkJobProcessing(ctx, jobID); err != nil {
		return nil, err
	}

	// Items stuck in processing from a crashed run block completion; take
	// them back once their claim has gone stale.
	reclaimed, err := p.store.ReclaimStaleItems(ctx, jobID, staleClaimAfter)
	if err != nil {
		return nil, err
	}

	if reclaimed > 0 {
		p.logger.Warn("reclaimed stale item claims",
			slog.String("job_id", jobID),
			slog.Int64("items", reclaimed),
		)
	}

	items, err := p.store.PendingItems(ctx, jobID, p.batchSize)
	if err != nil {
		return nil, err
	}

	p.logger.Info("batch started",
		slog.String("job_id", jobID),
		slog.String("job_type", string(job.JobType)),
		slog.Int("items", len(items)),
	)

	result := &BatchResult{}

	for _, item := range items {
		if p.quota.Paused() {
			p.logger.Warn("daily quota paused, deferring remaining items",
				slog.String("job_id", jobID),
			)

			break
		}

		if err := p.pace.Wait(ctx); err != nil {
			return nil, fmt.Errorf("engine: batch pacing: %w", err)
		}

		if err := p.processItem(ctx, job, item, result); err != nil {
			return nil, err
		}

		if result.Deferred > 0 {
			break
		}
	}

	settled, err := p.store.RefreshJobCounters(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result.Job = settled

	p.logger.Info("batch finished",
		slog.String("job_id", jobID),
		slog.String("status", settled.Status),
		slog.Int("completed", result.Completed),
		slog.Int("failed", result.Failed),
		slog.Int("requeued", result.Requeued),
		slog.Int("deferred", result.Deferred),
	)

	return result, nil
}

// processItem runs one mutation and records its outcome. Only store errors
// propagate; remote errors are folded into the item's status.
func (p *Processor) processItem(ctx context.Context, job *BulkJob, item BulkJobItem, result *BatchResult) error {
	if err := p.store.MarkItemProcessing(ctx, item.ID); err != nil {
		return err
	}

	resp, callErr := p.mutate(ctx, job, item)
	if callErr == nil {
		result.Completed++
		return p.store.CompleteItem(ctx, item.ID, resp)
	}

	if errors.Is(callErr, books.ErrRateLimited) || errors.Is(callErr, gate.ErrQuotaExhausted) {
		result.Deferred++

		p.logger.Warn("gate pushback, releasing item",
			slog.String("job_id", job.ID),
			slog.Int64("item_id", item.ID),
			slog.String("error", callErr.Error()),
		)

		return p.store.ReleaseItem(ctx, item.ID)
	}

	if item.Attempts+1 >= p.maxAttempts {
		result.Failed++

		p.logger.Warn("item permanently failed",
			slog.String("job_id", job.ID),
			slog.String("entity_id", item.EntityID),
			slog.Int("attempts", item.Attempts+1),
			slog.String("error", callErr.Error()),
		)

		return p.store.FailItem(ctx, item.ID, callErr.Error())
	}

	result.Requeued++

	return p.store.RequeueItem(ctx, item.ID, callErr.Error())
}

// mutate dispatches the item to the right client call for the job type.
// The item's own payload wins; items without one use the job-wide fields.
func (p *Processor) mutate(ctx context.Context, job *BulkJob, item BulkJobItem) (json.RawMessage, error) {
	raw := item.Payload
	if len(raw) == 0 {
		raw = job.UpdateFields
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("engine: decoding update fields for item %d: %w", item.ID, err)
	}

	switch job.JobType {
	case JobItemPriceUpdate:
		return p.client.UpdateItem(ctx, item.EntityID, fields, gate.PriorityNormal)
	case JobCustomerUpdate:
		return p.client.UpdateCustomer(ctx, item.EntityID, fields, gate.PriorityNormal)
	default:
		return nil, fmt.Errorf("engine: unknown job type %q", job.JobType)
	}
}

// Cancel marks the job cancelled and its pending items skipped.
func (p *Processor) Cancel(ctx context.Context, jobID string) (*BulkJob, error) {
	return p.store.CancelJob(ctx, jobID)
}

// Retry moves a job's failed items back to pending for another pass.
func (p *Processor) Retry(ctx context.Context, jobID string) (*BulkJob, error) {
	return p.store.RetryJob(ctx, jobID)
}
