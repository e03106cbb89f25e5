package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQuotaExhausted signals the local daily call ceiling. Distinct from
// remote throttling: callers should wait until tomorrow, not back off.
// Check with errors.Is(err, gate.ErrQuotaExhausted).
var ErrQuotaExhausted = errors.New("gate: daily quota exhausted")

// QuotaError carries the quota state at rejection time.
type QuotaError struct {
	Used     int
	Limit    int
	Reserve  int
	Priority Priority
}

func (e *QuotaError) Error() string {
	if e.Priority == PriorityHigh {
		return fmt.Sprintf("gate: daily quota exhausted (%d/%d used)", e.Used, e.Limit)
	}

	return fmt.Sprintf("gate: daily quota exhausted for normal priority (%d/%d used, %d reserved)",
		e.Used, e.Limit, e.Reserve)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExhausted
}

// dayKeyFormat keys the quota counter to a calendar day in local time.
const dayKeyFormat = "2006-01-02"

// Quota enforces a hard ceiling on calls per calendar day. A reserve slice
// is withheld from normal-priority callers so urgent operations still run
// after routine syncing has consumed the day's budget. The counter and the
// usage monitor reset together on the first access after the day changes.
type Quota struct {
	mu      sync.Mutex
	limit   int
	reserve int
	used    int
	dayKey  string

	monitor *Monitor
	logger  *slog.Logger
	nowFunc func() time.Time
}

// QuotaSnapshot is a point-in-time view for status output.
type QuotaSnapshot struct {
	Used    int
	Limit   int
	Reserve int
	DayKey  string
	Paused  bool
}

// NewQuota creates a tracker for limit calls/day with the given reserve.
func NewQuota(limit, reserve int, monitor *Monitor, logger *slog.Logger) *Quota {
	q := &Quota{
		limit:   limit,
		reserve: reserve,
		monitor: monitor,
		logger:  logger,
		nowFunc: time.Now,
	}
	q.dayKey = q.nowFunc().Format(dayKeyFormat)

	return q
}

// admit checks and debits one call for the given priority. Called by the
// Limiter before queuing, so a request past quota is rejected synchronously
// and never waits for a token it could not use.
func (q *Quota) admit(priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked()

	if err := q.checkLocked(priority); err != nil {
		return err
	}

	q.used++

	return nil
}

// Check reports whether a call of the given priority would be admitted,
// without consuming anything.
func (q *Quota) Check(priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked()

	return q.checkLocked(priority)
}

// checkLocked applies the threshold for the priority class: normal callers
// stop at limit-reserve, high priority may consume the reserve up to limit.
func (q *Quota) checkLocked(priority Priority) error {
	threshold := q.limit - q.reserve
	if priority == PriorityHigh {
		threshold = q.limit
	}

	if q.used >= threshold {
		return &QuotaError{Used: q.used, Limit: q.limit, Reserve: q.reserve, Priority: priority}
	}

	return nil
}

// CanStartHeavyOperation is a read-only pre-flight check for multi-call
// operations: safe only if the whole estimated budget fits under the
// normal-priority ceiling. Consumes nothing.
func (q *Quota) CanStartHeavyOperation(estimatedCalls int) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked()

	available := q.limit - q.reserve - q.used
	if estimatedCalls > available {
		return false, fmt.Sprintf("estimated %d calls exceed the %d remaining before the daily reserve (%d/%d used)",
			estimatedCalls, available, q.used, q.limit)
	}

	return true, ""
}

// Paused reports whether normal-priority traffic is blocked for the rest of
// the day. The bulk job processor uses this as its backpressure signal.
func (q *Quota) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked()

	return q.used >= q.limit-q.reserve
}

// Snapshot returns the current quota state.
func (q *Quota) Snapshot() QuotaSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rolloverLocked()

	return QuotaSnapshot{
		Used:    q.used,
		Limit:   q.limit,
		Reserve: q.reserve,
		DayKey:  q.dayKey,
		Paused:  q.used >= q.limit-q.reserve,
	}
}

// rolloverLocked resets the counter exactly once per day-key transition.
// The monitor's call log and per-caller aggregates clear at the same
// boundary so usage statistics never straddle two quota days.
func (q *Quota) rolloverLocked() {
	key := q.nowFunc().Format(dayKeyFormat)
	if key == q.dayKey {
		return
	}

	q.logger.Info("quota: day rollover",
		slog.String("previous_day", q.dayKey),
		slog.String("day", key),
		slog.Int("used", q.used),
	)

	q.dayKey = key
	q.used = 0
	q.monitor.Reset()
}
