package gate

import (
	"testing"
	"time"
)

func TestOpLock_SingleHolder(t *testing.T) {
	t.Parallel()

	lock := NewOpLock(30*time.Minute, testLogger(t))

	if !lock.TryAcquire("full_sync") {
		t.Fatal("first TryAcquire should succeed")
	}

	if lock.TryAcquire("full_sync") {
		t.Error("second TryAcquire without release should fail")
	}

	if lock.TryAcquire("stock_sync") {
		t.Error("TryAcquire under a different name should also fail")
	}

	lock.Release("full_sync")

	if !lock.TryAcquire("stock_sync") {
		t.Error("TryAcquire after release should succeed")
	}
}

func TestOpLock_ReleaseRequiresMatchingHolder(t *testing.T) {
	t.Parallel()

	lock := NewOpLock(30*time.Minute, testLogger(t))

	if !lock.TryAcquire("full_sync") {
		t.Fatal("TryAcquire failed")
	}

	// A late release from a different operation must not clear the lock.
	lock.Release("stock_sync")

	if holder, _ := lock.Holder(); holder != "full_sync" {
		t.Errorf("holder = %q after mismatched release, want full_sync", holder)
	}
}

func TestOpLock_StaleHolderCleared(t *testing.T) {
	t.Parallel()

	lock := NewOpLock(30*time.Minute, testLogger(t))

	now := time.Now()
	lock.nowFunc = func() time.Time { return now }

	if !lock.TryAcquire("full_sync") {
		t.Fatal("TryAcquire failed")
	}

	// Within the staleness window the lock stays held.
	now = now.Add(29 * time.Minute)

	if lock.TryAcquire("stock_sync") {
		t.Error("lock held 29m should not be stealable")
	}

	// Past the window the holder is treated as crashed.
	now = now.Add(2 * time.Minute)

	if !lock.TryAcquire("stock_sync") {
		t.Error("lock held 31m should be cleared and acquirable")
	}

	if holder, _ := lock.Holder(); holder != "stock_sync" {
		t.Errorf("holder = %q, want stock_sync", holder)
	}
}
