// Package engine drives multi-entity incremental synchronization and queued
// bulk mutation jobs against the Books API, persisting run history and job
// state in a local sqlite database so work survives process restarts.
package engine

import (
	"encoding/json"
	"time"
)

// EntityType names a remote entity class the orchestrator can sync.
type EntityType string

const (
	EntityCustomers EntityType = "customers"
	EntityInvoices  EntityType = "invoices"
	EntityPayments  EntityType = "payments"
	EntityItems     EntityType = "items"
	EntityLocations EntityType = "locations"
	EntityStock     EntityType = "stock"
)

// Policy decides how a sub-sync failure affects the parent full sync.
type Policy int

const (
	// PolicyFailFast aborts the whole run on any error. Used for the
	// entities later syncs depend on (customers, invoices, payments).
	PolicyFailFast Policy = iota
	// PolicyBestEffort logs the failure into the result set and
	// continues with the remaining sub-syncs.
	PolicyBestEffort
)

// String returns the policy name for logs.
func (p Policy) String() string {
	if p == PolicyBestEffort {
		return "best_effort"
	}

	return "fail_fast"
}

// Sync run status values for the sync_runs.status column.
const (
	RunStarted   = "started"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// SyncRun is one row of append-only synchronization history. Created at
// start, mutated exactly once at completion or failure.
type SyncRun struct {
	ID            string
	EntityType    EntityType
	Direction     string // "pull" for syncs, "push" for bulk jobs
	Status        string
	RecordsSynced int
	RecordsFailed int
	RecordsTotal  int
	TriggeredBy   string
	StartedAt     time.Time
	CompletedAt   time.Time
	ErrorMessage  string
}

// Bulk job status values.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobCancelled  = "cancelled"
)

// Bulk job item status values.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
	ItemSkipped    = "skipped"
)

// JobType tags the payload shape of a bulk job; the processor dispatches
// the remote mutation on it.
type JobType string

const (
	JobItemPriceUpdate JobType = "item_price_update"
	JobCustomerUpdate  JobType = "customer_update"
)

// KnownJobType reports whether t names a job type the processor can run.
func KnownJobType(t JobType) bool {
	switch t {
	case JobItemPriceUpdate, JobCustomerUpdate:
		return true
	default:
		return false
	}
}

// BulkJob is a persisted unit-of-work queue for per-entity remote mutations.
// Counters are always recomputed from item statuses, never accumulated, so
// retried batch steps cannot drift them.
type BulkJob struct {
	ID             string
	JobType        JobType
	FilterCriteria string
	// UpdateFields is the job-wide field set applied to items without
	// their own payload. Items may carry per-item payloads for
	// heterogeneous edits.
	UpdateFields   json.RawMessage
	TotalItems     int
	ProcessedItems int
	FailedItems    int
	SkippedItems   int
	Status         string
	CreatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// BulkJobItem is one mutation in a bulk job.
type BulkJobItem struct {
	ID           int64
	JobID        string
	EntityID     string
	Payload      json.RawMessage
	Status       string
	Attempts     int
	ErrorMessage string
	ResponseData json.RawMessage
}

// NewJobItem is the input shape for job creation.
type NewJobItem struct {
	EntityID string
	Payload  json.RawMessage // nil means "use the job's UpdateFields"
}
