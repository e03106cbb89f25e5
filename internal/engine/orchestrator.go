package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/perivale/ledgersync/internal/books"
)

// Operation lock names for heavy multi-call operations.
const (
	opFullSync  = "full_sync"
	opStockSync = "stock_sync"
)

// ErrOperationInProgress means another heavy operation holds the lock.
// Callers refuse or poll; they never wait.
var ErrOperationInProgress = errors.New("engine: another heavy operation is in progress")

// ErrQuotaInsufficient means the pre-flight check refused to start a heavy
// operation because too little daily quota remains.
var ErrQuotaInsufficient = errors.New("engine: insufficient daily quota for operation")

// Catalog is the slice of the Books client the orchestrator consumes.
type Catalog interface {
	ListCustomers(ctx context.Context, page, perPage int) (*books.Page[books.Customer], error)
	ListInvoices(ctx context.Context, page, perPage int) (*books.Page[books.Invoice], error)
	ListPayments(ctx context.Context, page, perPage int) (*books.Page[books.Payment], error)
	ListItems(ctx context.Context, page, perPage int) (*books.Page[books.Item], error)
	ListLocations(ctx context.Context, page, perPage int) (*books.Page[books.Location], error)
	ListStock(ctx context.Context, page, perPage int) (*books.Page[books.StockLevel], error)
}

// OperationLock is the slice of the gate the orchestrator consumes.
type OperationLock interface {
	TryAcquire(name string) bool
	Release(name string)
}

// Preflight is the quota's read-only heavy-operation check.
type Preflight interface {
	CanStartHeavyOperation(estimatedCalls int) (bool, string)
}

// Orchestrator drives paginated, idempotent synchronization of each remote
// entity type into the local store, recording a SyncRun per attempt.
type Orchestrator struct {
	store     *Store
	client    Catalog
	lock      OperationLock
	preflight Preflight
	logger    *slog.Logger

	perPage          int
	fullSyncEstimate int
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(store *Store, client Catalog, lock OperationLock, preflight Preflight, perPage, fullSyncEstimate int, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:            store,
		client:           client,
		lock:             lock,
		preflight:        preflight,
		logger:           logger,
		perPage:          perPage,
		fullSyncEstimate: fullSyncEstimate,
	}
}

// fullSyncPlan fixes the sub-sync order and failure policy of a full sync.
// Customers, invoices and payments come first (local mappings must exist
// before dependents reference them) and abort the run on failure; the
// catalog entities are best-effort.
var fullSyncPlan = []struct {
	Entity EntityType
	Policy Policy
}{
	{EntityCustomers, PolicyFailFast},
	{EntityInvoices, PolicyFailFast},
	{EntityPayments, PolicyFailFast},
	{EntityItems, PolicyBestEffort},
	{EntityLocations, PolicyBestEffort},
	{EntityStock, PolicyBestEffort},
}

// EntityResult is one sub-sync outcome within a full or stock sync.
type EntityResult struct {
	Entity EntityType
	Policy Policy
	Run    *SyncRun
	Err    error
}

// SyncEntity synchronizes one entity type: create a run, page through the
// remote listing until the server signals no more pages or returns an empty
// page, upsert every record, and finish the run exactly once.
func (o *Orchestrator) SyncEntity(ctx context.Context, entity EntityType, triggeredBy string) (*SyncRun, error) {
	run, err := o.store.CreateSyncRun(ctx, entity, "pull", triggeredBy)
	if err != nil {
		return nil, err
	}

	o.logger.Info("sync started",
		slog.String("entity", string(entity)),
		slog.String("run_id", run.ID),
		slog.String("triggered_by", triggeredBy),
	)

	synced, failed, err := o.syncPages(ctx, entity)

	total := synced + failed

	if err != nil {
		if finishErr := o.store.FinishSyncRun(ctx, run.ID, RunFailed, synced, failed, total, err.Error()); finishErr != nil {
			o.logger.Error("recording failed sync run",
				slog.String("run_id", run.ID),
				slog.String("error", finishErr.Error()),
			)
		}

		o.logger.Warn("sync failed",
			slog.String("entity", string(entity)),
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)

		return o.store.GetSyncRun(ctx, run.ID)
	}

	if err := o.store.FinishSyncRun(ctx, run.ID, RunCompleted, synced, failed, total, ""); err != nil {
		return nil, err
	}

	o.logger.Info("sync completed",
		slog.String("entity", string(entity)),
		slog.String("run_id", run.ID),
		slog.Int("synced", synced),
		slog.Int("failed", failed),
	)

	return o.store.GetSyncRun(ctx, run.ID)
}

// syncPages dispatches to the typed page loop for the entity.
func (o *Orchestrator) syncPages(ctx context.Context, entity EntityType) (synced, failed int, err error) {
	switch entity {
	case EntityCustomers:
		return syncEntityPages(ctx, o, o.client.ListCustomers, o.store.UpsertCustomer)
	case EntityInvoices:
		return syncEntityPages(ctx, o, o.client.ListInvoices, o.store.UpsertInvoice)
	case EntityPayments:
		return syncEntityPages(ctx, o, o.client.ListPayments, o.store.UpsertPayment)
	case EntityItems:
		return syncEntityPages(ctx, o, o.client.ListItems, o.store.UpsertItem)
	case EntityLocations:
		return syncEntityPages(ctx, o, o.client.ListLocations, o.store.UpsertLocation)
	case EntityStock:
		return syncEntityPages(ctx, o, o.client.ListStock, o.store.UpsertStockLevel)
	default:
		return 0, 0, fmt.Errorf("engine: unknown entity type %q", entity)
	}
}

// syncEntityPages is the shared page loop. A page fetch error aborts the
// loop; an upsert error counts the record as failed and continues, so one
// bad record does not waste the quota already spent on the page.
func syncEntityPages[T any](
	ctx context.Context,
	o *Orchestrator,
	list func(ctx context.Context, page, perPage int) (*books.Page[T], error),
	upsert func(ctx context.Context, record T) error,
) (synced, failed int, err error) {
	for page := 1; ; page++ {
		p, listErr := list(ctx, page, o.perPage)
		if listErr != nil {
			return synced, failed, listErr
		}

		for _, record := range p.Records {
			if upsertErr := upsert(ctx, record); upsertErr != nil {
				failed++

				o.logger.Warn("record upsert failed",
					slog.Int("page", page),
					slog.String("error", upsertErr.Error()),
				)

				continue
			}

			synced++
		}

		if !p.HasMore || len(p.Records) == 0 {
			return synced, failed, nil
		}
	}
}

// FullSync runs every entity sub-sync in dependency order under the
// full_sync operation lock. The per-entity policy decides whether a
// sub-sync failure aborts the run or is logged and skipped.
func (o *Orchestrator) FullSync(ctx context.Context, triggeredBy string) ([]EntityResult, error) {
	if safe, reason := o.preflight.CanStartHeavyOperation(o.fullSyncEstimate); !safe {
		return nil, fmt.Errorf("%w: %s", ErrQuotaInsufficient, reason)
	}

	if !o.lock.TryAcquire(opFullSync) {
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, opFullSync)
	}
	defer o.lock.Release(opFullSync)

	return o.runPlan(ctx, fullSyncPlan, triggeredBy)
}

// StockSync refreshes locations and stock levels under the stock_sync
// operation lock. Both sub-syncs are fail-fast: partial stock data is
// worse than stale stock data.
func (o *Orchestrator) StockSync(ctx context.Context, triggeredBy string) ([]EntityResult, error) {
	if !o.lock.TryAcquire(opStockSync) {
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, opStockSync)
	}
	defer o.lock.Release(opStockSync)

	plan := []struct {
		Entity EntityType
		Policy Policy
	}{
		{EntityLocations, PolicyFailFast},
		{EntityStock, PolicyFailFast},
	}

	return o.runPlan(ctx, plan, triggeredBy)
}

// runPlan executes sub-syncs in order, applying each step's policy.
func (o *Orchestrator) runPlan(ctx context.Context, plan []struct {
	Entity EntityType
	Policy Policy
}, triggeredBy string,
) ([]EntityResult, error) {
	results := make([]EntityResult, 0, len(plan))

	for _, step := range plan {
		run, err := o.SyncEntity(ctx, step.Entity, triggeredBy)

		if err == nil && run != nil && run.Status == RunFailed {
			err = errors.New(run.ErrorMessage)
		}

		results = append(results, EntityResult{Entity: step.Entity, Policy: step.Policy, Run: run, Err: err})

		if err == nil {
			continue
		}

		if step.Policy == PolicyFailFast {
			return results, fmt.Errorf("engine: %s sync failed: %w", step.Entity, err)
		}

		o.logger.Warn("best-effort sub-sync failed, continuing",
			slog.String("entity", string(step.Entity)),
			slog.String("error", err.Error()),
		)
	}

	return results, nil
}
