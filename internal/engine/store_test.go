package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/perivale/ledgersync/internal/books"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// openTestStore opens a fresh migrated store in a per-test directory.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "test.db"), testLogger(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_UpsertCustomerIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	cust := books.Customer{ID: "c-1", Name: "Acme", Email: "old@acme.test", Status: "active", Balance: "120.50"}
	if err := store.UpsertCustomer(ctx, cust); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	cust.Email = "new@acme.test"
	cust.Balance = "99.25"

	if err := store.UpsertCustomer(ctx, cust); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	count, err := store.CountRows(ctx, EntityCustomers)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}

	if count != 1 {
		t.Errorf("expected one row after repeated upsert, got %d", count)
	}

	var email string
	if err := store.DB().QueryRowContext(ctx,
		`SELECT email FROM customers WHERE external_id = ?`, "c-1").Scan(&email); err != nil {
		t.Fatalf("loading customer: %v", err)
	}

	if email != "new@acme.test" {
		t.Errorf("expected updated email, got %q", email)
	}
}

func TestStore_UpsertPreservesLocalRef(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	cust := books.Customer{ID: "c-2", Name: "Globex", Status: "active"}
	if err := store.UpsertCustomer(ctx, cust); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := store.SetCustomerLocalRef(ctx, "c-2", "erp-4711"); err != nil {
		t.Fatalf("SetCustomerLocalRef: %v", err)
	}

	// A later sync pass must not clobber the locally owned mapping.
	cust.Name = "Globex Corporation"
	if err := store.UpsertCustomer(ctx, cust); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	ref, err := store.CustomerLocalRef(ctx, "c-2")
	if err != nil {
		t.Fatalf("CustomerLocalRef: %v", err)
	}

	if ref != "erp-4711" {
		t.Errorf("expected local ref preserved, got %q", ref)
	}
}

func TestStore_SetLocalRefUnknownCustomer(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)

	if err := store.SetCustomerLocalRef(context.Background(), "nope", "x"); err == nil {
		t.Error("expected error for unknown customer")
	}
}

func TestStore_UpsertStockLevelCompositeKey(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	sl := books.StockLevel{ItemID: "i-1", LocationID: "l-1", OnHand: 10, Available: 8}
	if err := store.UpsertStockLevel(ctx, sl); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Same item at a second location is a distinct row.
	sl.LocationID = "l-2"
	if err := store.UpsertStockLevel(ctx, sl); err != nil {
		t.Fatalf("second location: %v", err)
	}

	// Same item and location again is an update.
	sl.OnHand = 4
	if err := store.UpsertStockLevel(ctx, sl); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	count, err := store.CountRows(ctx, EntityStock)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}

	if count != 2 {
		t.Errorf("expected 2 stock rows, got %d", count)
	}
}

func TestStore_SyncRunLifecycle(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	run, err := store.CreateSyncRun(ctx, EntityInvoices, "pull", "manual")
	if err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	if run.Status != RunStarted {
		t.Fatalf("expected started, got %s", run.Status)
	}

	if err := store.FinishSyncRun(ctx, run.ID, RunCompleted, 42, 1, 43, ""); err != nil {
		t.Fatalf("FinishSyncRun: %v", err)
	}

	got, err := store.GetSyncRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetSyncRun: %v", err)
	}

	if got.Status != RunCompleted || got.RecordsSynced != 42 || got.RecordsFailed != 1 {
		t.Errorf("unexpected run after finish: %+v", got)
	}

	// History is append-only: a finished run cannot be finished again.
	if err := store.FinishSyncRun(ctx, run.ID, RunFailed, 0, 0, 0, "late"); err == nil {
		t.Error("expected error finishing an already-finished run")
	}
}

func TestStore_ListSyncRunsNewestFirst(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.CreateSyncRun(ctx, EntityItems, "pull", "schedule")
	if err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	second, err := store.CreateSyncRun(ctx, EntityStock, "pull", "schedule")
	if err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	runs, err := store.ListSyncRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}

	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	if runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Errorf("expected newest first, got %s then %s", runs[0].ID, runs[1].ID)
	}
}

func TestStore_CreateBulkJobValidation(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateBulkJob(ctx, JobType("bogus"), "", nil,
		[]NewJobItem{{EntityID: "i-1"}}); err == nil {
		t.Error("expected error for unknown job type")
	}

	if _, err := store.CreateBulkJob(ctx, JobItemPriceUpdate, "", nil, nil); err == nil {
		t.Error("expected error for empty item list")
	}
}

func TestStore_CreateBulkJobAndItems(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	fields := json.RawMessage(`{"rate": 15.0}`)

	job, err := store.CreateBulkJob(ctx, JobItemPriceUpdate, "category=widgets", fields, []NewJobItem{
		{EntityID: "i-1"},
		{EntityID: "i-2", Payload: json.RawMessage(`{"rate": 20.0}`)},
	})
	if err != nil {
		t.Fatalf("CreateBulkJob: %v", err)
	}

	if job.Status != JobPending || job.TotalItems != 2 {
		t.Errorf("unexpected job: %+v", job)
	}

	items, err := store.PendingItems(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("PendingItems: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(items))
	}

	if items[0].Payload != nil {
		t.Errorf("expected nil payload for item without override, got %s", items[0].Payload)
	}

	if string(items[1].Payload) != `{"rate": 20.0}` {
		t.Errorf("unexpected item payload: %s", items[1].Payload)
	}
}

func TestStore_ReclaimStaleItems(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job, err := store.CreateBulkJob(ctx, JobItemPriceUpdate, "", json.RawMessage(`{"rate":5}`),
		[]NewJobItem{{EntityID: "i-1"}, {EntityID: "i-2"}})
	if err != nil {
		t.Fatalf("CreateBulkJob: %v", err)
	}

	items, err := store.PendingItems(ctx, job.ID, 2)
	if err != nil {
		t.Fatalf("PendingItems: %v", err)
	}

	if err := store.MarkItemProcessing(ctx, items[0].ID); err != nil {
		t.Fatalf("MarkItemProcessing: %v", err)
	}

	// A fresh claim is not stale.
	reclaimed, err := store.ReclaimStaleItems(ctx, job.ID, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStaleItems: %v", err)
	}

	if reclaimed != 0 {
		t.Errorf("reclaimed %d fresh claims, want 0", reclaimed)
	}

	base := store.nowFunc()
	store.nowFunc = func() time.Time { return base.Add(time.Hour) }

	reclaimed, err = store.ReclaimStaleItems(ctx, job.ID, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStaleItems after staleness: %v", err)
	}

	if reclaimed != 1 {
		t.Fatalf("reclaimed %d items, want 1", reclaimed)
	}

	// The reclaimed item is pending again with no attempt charged.
	pending, err := store.PendingItems(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("PendingItems after reclaim: %v", err)
	}

	if len(pending) != 2 {
		t.Fatalf("got %d pending items, want 2", len(pending))
	}

	for _, item := range pending {
		if item.Attempts != 0 {
			t.Errorf("item %s has %d attempts, want 0", item.EntityID, item.Attempts)
		}
	}
}

func TestStore_ItemTransitionGuards(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	job, err := store.CreateBulkJob(ctx, JobCustomerUpdate, "", json.RawMessage(`{"status":"inactive"}`),
		[]NewJobItem{{EntityID: "c-1"}})
	if err != nil {
		t.Fatalf("CreateBulkJob: %v", err)
	}

	items, err := store.PendingItems(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("PendingItems: %v", err)
	}

	itemID := items[0].ID

	// Completing a pending item skips the processing step and must fail.
	if err := store.CompleteItem(ctx, itemID, nil); err == nil {
		t.Error("expected guard to reject pending -> completed")
	}

	if err := store.MarkItemProcessing(ctx, itemID); err != nil {
		t.Fatalf("MarkItemProcessing: %v", err)
	}

	// Double-claim must fail.
	if err := store.MarkItemProcessing(ctx, itemID); err == nil {
		t.Error("expected guard to reject double claim")
	}

	if err := store.CompleteItem(ctx, itemID, json.RawMessage(`{"code":0}`)); err != nil {
		t.Fatalf("CompleteItem: %v", err)
	}
}
