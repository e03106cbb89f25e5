// Package gate implements the admission control layer for outbound Books API
// calls: a token bucket limiter smoothing calls to a per-minute ceiling, a
// daily quota tracker with a reserved slice for priority operations, an
// advisory operation lock serializing heavy multi-call operations, and a
// bounded usage monitor producing rolling call statistics.
//
// All state is process-local and owned by a single Gate value constructed at
// startup and passed to every consumer. There is no package-level mutable
// state, so tests get isolated instances for free.
package gate

import (
	"log/slog"
	"time"
)

// Defaults for Options fields left zero.
const (
	DefaultTokensPerWindow = 80
	DefaultWindow          = time.Minute
	DefaultDailyLimit      = 10000
	DefaultDailyReserve    = 500
	DefaultLockStaleAfter  = 30 * time.Minute
	DefaultMonitorCapacity = 1000
)

// Options configures a Gate. Zero fields take the package defaults.
type Options struct {
	TokensPerWindow int
	Window          time.Duration
	DailyLimit      int
	DailyReserve    int
	LockStaleAfter  time.Duration
	MonitorCapacity int
}

// withDefaults returns a copy of o with zero fields filled in.
func (o Options) withDefaults() Options {
	if o.TokensPerWindow <= 0 {
		o.TokensPerWindow = DefaultTokensPerWindow
	}

	if o.Window <= 0 {
		o.Window = DefaultWindow
	}

	if o.DailyLimit <= 0 {
		o.DailyLimit = DefaultDailyLimit
	}

	if o.DailyReserve < 0 {
		o.DailyReserve = DefaultDailyReserve
	}

	if o.LockStaleAfter <= 0 {
		o.LockStaleAfter = DefaultLockStaleAfter
	}

	if o.MonitorCapacity <= 0 {
		o.MonitorCapacity = DefaultMonitorCapacity
	}

	return o
}

// Gate bundles the four admission-control singletons. The Limiter consults
// the Quota before queuing, and the Quota clears the Monitor on day rollover,
// so the two always share a reset boundary.
type Gate struct {
	Limiter *Limiter
	Quota   *Quota
	Lock    *OpLock
	Monitor *Monitor
}

// New assembles a Gate from the given options.
func New(opts Options, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	opts = opts.withDefaults()

	monitor := NewMonitor(opts.MonitorCapacity)
	quota := NewQuota(opts.DailyLimit, opts.DailyReserve, monitor, logger)
	limiter := NewLimiter(opts.TokensPerWindow, opts.Window, quota, monitor, logger)
	lock := NewOpLock(opts.LockStaleAfter, logger)

	return &Gate{
		Limiter: limiter,
		Quota:   quota,
		Lock:    lock,
		Monitor: monitor,
	}
}
