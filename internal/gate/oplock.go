package gate

import (
	"log/slog"
	"sync"
	"time"
)

// OpLock is an advisory single-holder mutex over logical heavy operations
// (full sync, stock sync), not over individual API calls. TryAcquire never
// blocks: callers refuse or poll. A holder older than the staleness timeout
// is treated as a crashed operation and cleared on the next lock check.
type OpLock struct {
	mu         sync.Mutex
	holder     string
	acquiredAt time.Time
	staleAfter time.Duration

	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewOpLock creates an OpLock with the given staleness timeout.
func NewOpLock(staleAfter time.Duration, logger *slog.Logger) *OpLock {
	return &OpLock{
		staleAfter: staleAfter,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// TryAcquire takes the lock for name if no live holder exists.
func (o *OpLock) TryAcquire(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.clearStaleLocked()

	if o.holder != "" {
		o.logger.Debug("oplock: busy",
			slog.String("requested", name),
			slog.String("holder", o.holder),
		)

		return false
	}

	o.holder = name
	o.acquiredAt = o.nowFunc()

	return true
}

// Release clears the lock only if name still holds it, so a delayed release
// from an old operation cannot clobber a newer holder.
func (o *OpLock) Release(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.holder != name {
		return
	}

	o.holder = ""
	o.acquiredAt = time.Time{}
}

// Holder returns the current holder and acquisition time ("" when free).
func (o *OpLock) Holder() (string, time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.clearStaleLocked()

	return o.holder, o.acquiredAt
}

// clearStaleLocked force-releases a holder past the staleness timeout.
func (o *OpLock) clearStaleLocked() {
	if o.holder == "" {
		return
	}

	held := o.nowFunc().Sub(o.acquiredAt)
	if held <= o.staleAfter {
		return
	}

	o.logger.Warn("oplock: clearing stale holder",
		slog.String("holder", o.holder),
		slog.Duration("held", held),
	)

	o.holder = ""
	o.acquiredAt = time.Time{}
}
