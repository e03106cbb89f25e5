package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/perivale/ledgersync/internal/books"
)

// Store is the sole writer to the ledgersync database. It persists entity
// snapshots, sync run history, and bulk job state.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// OpenStore opens the SQLite database at dbPath, runs migrations, and
// returns a ready-to-use store. WAL mode with synchronous=FULL for
// crash-safe durability.
func OpenStore(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for callers sharing the connection (tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateSyncRun inserts a new run with status started and returns it.
func (s *Store) CreateSyncRun(ctx context.Context, entity EntityType, direction, triggeredBy string) (*SyncRun, error) {
	run := &SyncRun{
		ID:          uuid.NewString(),
		EntityType:  entity,
		Direction:   direction,
		Status:      RunStarted,
		TriggeredBy: triggeredBy,
		StartedAt:   s.nowFunc(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, entity_type, direction, status, triggered_by, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.EntityType), run.Direction, run.Status, run.TriggeredBy, run.StartedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("engine: creating sync run for %s: %w", entity, err)
	}

	return run, nil
}

// FinishSyncRun records the terminal status and counts for a run. The
// guarded WHERE keeps history append-only: a finished run cannot be
// finished again.
func (s *Store) FinishSyncRun(ctx context.Context, id, status string, synced, failed, total int, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs
		 SET status = ?, records_synced = ?, records_failed = ?, records_total = ?,
		     completed_at = ?, error_msg = ?
		 WHERE id = ? AND status = ?`,
		status, synced, failed, total, s.nowFunc().UnixNano(), nullString(errMsg), id, RunStarted)
	if err != nil {
		return fmt.Errorf("engine: finishing sync run %s: %w", id, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("engine: finishing sync run %s rows affected: %w", id, rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("engine: sync run %s is not in progress", id)
	}

	return nil
}

// GetSyncRun loads one run by ID.
func (s *Store) GetSyncRun(ctx context.Context, id string) (*SyncRun, error) {
	return s.scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, entity_type, direction, status, records_synced, records_failed,
		        records_total, triggered_by, started_at, completed_at, error_msg
		 FROM sync_runs WHERE id = ?`, id))
}

// ListSyncRuns returns the most recent runs, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, direction, status, records_synced, records_failed,
		        records_total, triggered_by, started_at, completed_at, error_msg
		 FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun

	for rows.Next() {
		run, scanErr := s.scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: iterating sync runs: %w", err)
	}

	return runs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRun(row rowScanner) (*SyncRun, error) {
	var (
		run         SyncRun
		entity      string
		startedAt   int64
		completedAt sql.NullInt64
		errMsg      sql.NullString
	)

	err := row.Scan(&run.ID, &entity, &run.Direction, &run.Status,
		&run.RecordsSynced, &run.RecordsFailed, &run.RecordsTotal,
		&run.TriggeredBy, &startedAt, &completedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("engine: sync run not found")
	}

	if err != nil {
		return nil, fmt.Errorf("engine: scanning sync run: %w", err)
	}

	run.EntityType = EntityType(entity)
	run.StartedAt = time.Unix(0, startedAt)
	run.ErrorMessage = errMsg.String

	if completedAt.Valid {
		run.CompletedAt = time.Unix(0, completedAt.Int64)
	}

	return &run, nil
}

// Entity upserts. Each is keyed by the remote external identifier: insert
// if absent, otherwise update mutable fields only. The local_ref mapping
// columns are locally owned and never appear in the DO UPDATE SET list.

// UpsertCustomer inserts or updates one remote customer snapshot.
func (s *Store) UpsertCustomer(ctx context.Context, c books.Customer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (external_id, name, email, phone, status, balance, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		  name = excluded.name,
		  email = excluded.email,
		  phone = excluded.phone,
		  status = excluded.status,
		  balance = excluded.balance,
		  synced_at = excluded.synced_at`,
		c.ID, c.Name, c.Email, c.Phone, c.Status, c.Balance, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("engine: upserting customer %s: %w", c.ID, err)
	}

	return nil
}

// UpsertInvoice inserts or updates one remote invoice snapshot.
func (s *Store) UpsertInvoice(ctx context.Context, inv books.Invoice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (external_id, number, customer_id, status, date, due_date, total, balance, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		  number = excluded.number,
		  customer_id = excluded.customer_id,
		  status = excluded.status,
		  date = excluded.date,
		  due_date = excluded.due_date,
		  total = excluded.total,
		  balance = excluded.balance,
		  synced_at = excluded.synced_at`,
		inv.ID, inv.Number, inv.CustomerID, inv.Status, inv.Date, inv.DueDate, inv.Total, inv.Balance, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("engine: upserting invoice %s: %w", inv.ID, err)
	}

	return nil
}

// UpsertPayment inserts or updates one remote payment snapshot.
func (s *Store) UpsertPayment(ctx context.Context, p books.Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (external_id, customer_id, invoice_id, mode, date, amount, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		  customer_id = excluded.customer_id,
		  invoice_id = excluded.invoice_id,
		  mode = excluded.mode,
		  date = excluded.date,
		  amount = excluded.amount,
		  synced_at = excluded.synced_at`,
		p.ID, p.CustomerID, p.InvoiceID, p.Mode, p.Date, p.Amount, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("engine: upserting payment %s: %w", p.ID, err)
	}

	return nil
}

// UpsertItem inserts or updates one remote item snapshot.
func (s *Store) UpsertItem(ctx context.Context, it books.Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (external_id, name, sku, unit, status, rate, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		  name = excluded.name,
		  sku = excluded.sku,
		  unit = excluded.unit,
		  status = excluded.status,
		  rate = excluded.rate,
		  synced_at = excluded.synced_at`,
		it.ID, it.Name, it.SKU, it.Unit, it.Status, it.Rate, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("engine: upserting item %s: %w", it.ID, err)
	}

	return nil
}

// UpsertLocation inserts or updates one remote location snapshot.
func (s *Store) UpsertLocation(ctx context.Context, loc books.Location) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (external_id, name, address, status, synced_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(external_id) DO UPDATE SET
		  name = excluded.name,
		  address = excluded.address,
		  status = excluded.status,
		  synced_at = excluded.synced_at`,
		loc.ID, loc.Name, loc.Address, loc.Status, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("engine: upserting location %s: %w", loc.ID, err)
	}

	return nil
}

// UpsertStockLevel inserts or updates one per-item, per-location stock row.
func (s *Store) UpsertStockLevel(ctx context.Context, sl books.StockLevel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stock_levels (item_id, location_id, on_hand, available, synced_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(item_id, location_id) DO UPDATE SET
		  on_hand = excluded.on_hand,
		  available = excluded.available,
		  synced_at = excluded.synced_at`,
		sl.ItemID, sl.LocationID, sl.OnHand, sl.Available, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("engine: upserting stock level %s/%s: %w", sl.ItemID, sl.LocationID, err)
	}

	return nil
}

// SetCustomerLocalRef records the locally-owned mapping from a remote
// customer to a local record. Set by the host application, preserved by
// every subsequent sync upsert.
func (s *Store) SetCustomerLocalRef(ctx context.Context, externalID, localRef string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE customers SET local_ref = ? WHERE external_id = ?`, localRef, externalID)
	if err != nil {
		return fmt.Errorf("engine: setting local ref for customer %s: %w", externalID, err)
	}

	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("engine: setting local ref rows affected: %w", rowsErr)
	}

	if rows == 0 {
		return fmt.Errorf("engine: customer %s not found", externalID)
	}

	return nil
}

// CustomerLocalRef returns the mapping for a customer ("" if unset).
func (s *Store) CustomerLocalRef(ctx context.Context, externalID string) (string, error) {
	var ref sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT local_ref FROM customers WHERE external_id = ?`, externalID).Scan(&ref)
	if err != nil {
		return "", fmt.Errorf("engine: loading local ref for customer %s: %w", externalID, err)
	}

	return ref.String, nil
}

// CountRows returns the row count of one of the entity tables. Used by
// status output and tests.
func (s *Store) CountRows(ctx context.Context, entity EntityType) (int, error) {
	table, ok := entityTables[entity]
	if !ok {
		return 0, fmt.Errorf("engine: unknown entity type %q", entity)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("engine: counting %s: %w", table, err)
	}

	return count, nil
}

// entityTables maps entity types to their tables. The values are
// compile-time constants, never user input.
var entityTables = map[EntityType]string{
	EntityCustomers: "customers",
	EntityInvoices:  "invoices",
	EntityPayments:  "payments",
	EntityItems:     "items",
	EntityLocations: "locations",
	EntityStock:     "stock_levels",
}

// nullString converts "" to NULL for optional TEXT columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
