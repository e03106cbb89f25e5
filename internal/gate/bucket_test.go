package gate

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
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

// newTestGate builds an isolated Gate with the given options.
func newTestGate(t *testing.T, opts Options) *Gate {
	t.Helper()

	return New(opts, testLogger(t))
}

func TestLimiter_FastPath(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Options{TokensPerWindow: 5, Window: time.Minute})

	for i := range 5 {
		if err := g.Limiter.Acquire(context.Background(), "GET /items", PriorityNormal); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	if got := g.Limiter.Tokens(); got != 0 {
		t.Errorf("tokens = %d, want 0", got)
	}

	if got := g.Monitor.Total(); got != 5 {
		t.Errorf("monitor total = %d, want 5", got)
	}
}

func TestLimiter_RefillNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Options{TokensPerWindow: 10, Window: time.Minute})
	l := g.Limiter

	now := time.Now()
	l.nowFunc = func() time.Time { return now }
	l.lastRefill = now

	// A full window plus change must cap at capacity, not overflow.
	now = now.Add(90 * time.Second)

	if got := l.Tokens(); got != 10 {
		t.Errorf("tokens after long idle = %d, want 10", got)
	}
}

func TestLimiter_ProportionalRefill(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Options{TokensPerWindow: 10, Window: time.Minute})
	l := g.Limiter

	now := time.Now()
	l.nowFunc = func() time.Time { return now }
	l.lastRefill = now
	l.tokens = 0

	// 6s per token at 10/min. 15s elapsed -> 2 tokens, 3s of fractional
	// progress preserved in lastRefill.
	now = now.Add(15 * time.Second)

	if got := l.Tokens(); got != 2 {
		t.Fatalf("tokens after 15s = %d, want 2", got)
	}

	// 3 more seconds completes the third token from the retained fraction.
	now = now.Add(3 * time.Second)

	if got := l.Tokens(); got != 3 {
		t.Errorf("tokens after 18s = %d, want 3", got)
	}

	if l.tokens < 0 || l.tokens > l.capacity {
		t.Errorf("token invariant violated: %d not in [0,%d]", l.tokens, l.capacity)
	}
}

func TestLimiter_WaitersServedFIFO(t *testing.T) {
	t.Parallel()

	// 10 tokens/min = one token every 6s, so the armed timer cannot fire
	// during the test. Draining is driven manually with injected time,
	// one token per step, which makes the serve order fully observable.
	g := newTestGate(t, Options{TokensPerWindow: 10, Window: time.Minute})
	l := g.Limiter

	var (
		mu  sync.Mutex
		now = time.Now()
	)

	l.nowFunc = func() time.Time {
		mu.Lock()
		defer mu.Unlock()

		return now
	}
	l.lastRefill = now
	l.tokens = 0

	granted := make(chan string, 3)

	var wg sync.WaitGroup

	labels := []string{"first", "second", "third"}
	for i, label := range labels {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := l.Acquire(context.Background(), label, PriorityNormal); err != nil {
				t.Errorf("acquire %s: %v", label, err)
				return
			}

			granted <- label
		}()

		// Wait until this waiter is enqueued before starting the next,
		// so queue positions match the label order.
		for l.QueueLen() < i+1 {
			time.Sleep(time.Millisecond)
		}
	}

	// Grant one token at a time and observe who wakes.
	for _, want := range labels {
		mu.Lock()
		now = now.Add(6 * time.Second)
		mu.Unlock()

		l.drain()

		got := <-granted
		if got != want {
			t.Errorf("served %q, want %q", got, want)
		}
	}

	wg.Wait()

	if l.QueueLen() != 0 {
		t.Errorf("queue not drained: %d waiters left", l.QueueLen())
	}
}

func TestLimiter_CancelWhileQueued(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Options{TokensPerWindow: 1, Window: time.Hour})
	l := g.Limiter

	if err := l.Acquire(context.Background(), "seed", PriorityNormal); err != nil {
		t.Fatalf("seed acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "canceled", PriorityNormal)
	if err == nil {
		t.Fatal("expected context error for canceled waiter")
	}

	if l.QueueLen() != 0 {
		t.Errorf("canceled waiter still queued: %d", l.QueueLen())
	}
}

func TestLimiter_QuotaRejectsBeforeQueuing(t *testing.T) {
	t.Parallel()

	g := newTestGate(t, Options{TokensPerWindow: 1, Window: time.Hour, DailyLimit: 10, DailyReserve: 5})
	l := g.Limiter

	// Consume the normal-priority budget (10-5 = 5 calls), topping the
	// bucket up before each call so only the quota gate is exercised.
	for i := range 5 {
		l.mu.Lock()
		l.tokens = 1
		l.mu.Unlock()

		if err := l.Acquire(context.Background(), "seed", PriorityHigh); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	err := l.Acquire(context.Background(), "blocked", PriorityNormal)
	if err == nil {
		t.Fatal("expected quota rejection")
	}

	if l.QueueLen() != 0 {
		t.Error("quota-rejected caller must not queue")
	}
}
