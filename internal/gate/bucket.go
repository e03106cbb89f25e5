package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Priority classifies an acquire request for the daily quota gate.
// High priority may consume the quota reserve; it never jumps the token
// bucket queue, which stays strictly FIFO across priorities.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// String returns the priority name for logs.
func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}

	return "normal"
}

// waiter is a queued acquirer. The drain goroutine closes ready after
// debiting a token on the waiter's behalf and sets granted under the
// limiter mutex, so a canceled caller can tell whether its token was
// already consumed.
type waiter struct {
	label   string
	ready   chan struct{}
	granted bool
}

// Limiter is a token bucket smoothing outbound calls to capacity tokens per
// window. Capacity exhaustion produces queuing, never errors; the only error
// Acquire returns before the context's is quota exhaustion, which rejects
// synchronously without queuing.
type Limiter struct {
	mu         sync.Mutex
	capacity   int
	window     time.Duration
	tokens     int
	lastRefill time.Time
	waiters    []*waiter
	timer      *time.Timer

	quota   *Quota
	monitor *Monitor
	logger  *slog.Logger

	// nowFunc is injectable for deterministic refill tests.
	nowFunc func() time.Time
}

// NewLimiter creates a full bucket of capacity tokens refilling over window.
func NewLimiter(capacity int, window time.Duration, quota *Quota, monitor *Monitor, logger *slog.Logger) *Limiter {
	l := &Limiter{
		capacity: capacity,
		window:   window,
		tokens:   capacity,
		quota:    quota,
		monitor:  monitor,
		logger:   logger,
		nowFunc:  time.Now,
	}
	l.lastRefill = l.nowFunc()

	return l
}

// Acquire blocks until a token has been debited for label, or fails fast.
// The daily quota is consulted and debited before queuing: a denial returns
// a *QuotaError (errors.Is ErrQuotaExhausted) and nothing is consumed.
// Waiters of every priority are served strictly FIFO. Cancellation via ctx
// removes the waiter from the queue without consuming a token.
func (l *Limiter) Acquire(ctx context.Context, label string, priority Priority) error {
	l.mu.Lock()

	if err := l.quota.admit(priority); err != nil {
		l.mu.Unlock()
		return err
	}

	l.refillLocked()

	// Fast path: token available and nobody queued ahead.
	if len(l.waiters) == 0 && l.tokens > 0 {
		l.tokens--
		l.monitor.Record(label)
		l.mu.Unlock()

		return nil
	}

	w := &waiter{label: label, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.armTimerLocked()

	queued := len(l.waiters)
	l.mu.Unlock()

	l.logger.Debug("limiter: queued",
		slog.String("label", label),
		slog.String("priority", priority.String()),
		slog.Int("queue_len", queued),
	)

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// Drain won the race; the token is ours.
			l.mu.Unlock()
			return nil
		}

		l.removeWaiterLocked(w)
		l.mu.Unlock()

		return fmt.Errorf("gate: acquire %s: %w", label, ctx.Err())
	}
}

// Tokens reports the currently available token count after refill.
func (l *Limiter) Tokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	return l.tokens
}

// QueueLen reports the number of queued waiters.
func (l *Limiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.waiters)
}

// refillLocked adds floor(elapsed*capacity/window) tokens, capped at
// capacity, advancing lastRefill by exactly the elapsed portion consumed so
// fractional progress toward the next token is never lost.
func (l *Limiter) refillLocked() {
	now := l.nowFunc()

	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}

	add := int(int64(elapsed) * int64(l.capacity) / int64(l.window))
	if add <= 0 {
		return
	}

	if l.tokens+add >= l.capacity {
		l.tokens = l.capacity
		l.lastRefill = now

		return
	}

	l.tokens += add
	l.lastRefill = l.lastRefill.Add(time.Duration(int64(add) * int64(l.window) / int64(l.capacity)))
}

// armTimerLocked schedules a drain at the next token instant. The timer only
// exists while waiters are queued; with an empty queue there is no polling.
func (l *Limiter) armTimerLocked() {
	if l.timer != nil {
		return
	}

	next := l.lastRefill.Add(l.window / time.Duration(l.capacity))

	delay := next.Sub(l.nowFunc())
	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	l.timer = time.AfterFunc(delay, l.drain)
}

// drain refills and serves queued waiters FIFO until the queue empties or
// tokens run out, then re-arms or tears down the timer.
func (l *Limiter) drain() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.timer = nil

	l.refillLocked()

	for len(l.waiters) > 0 && l.tokens > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]

		l.tokens--
		w.granted = true
		l.monitor.Record(w.label)
		close(w.ready)
	}

	if len(l.waiters) > 0 {
		l.armTimerLocked()
	}
}

// removeWaiterLocked drops a canceled waiter from the queue.
func (l *Limiter) removeWaiterLocked(target *waiter) {
	for i, w := range l.waiters {
		if w == target {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}
