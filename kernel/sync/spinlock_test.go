package sync

import "testing"

func TestSpinlockTryToAcquire(t *testing.T) {
	var sl Spinlock

	if !sl.TryToAcquire() {
		t.Fatalf("expected TryToAcquire on a free lock to succeed")
	}

	if sl.TryToAcquire() {
		t.Fatalf("expected TryToAcquire on a held lock to fail")
	}

	sl.Release()

	if !sl.TryToAcquire() {
		t.Fatalf("expected TryToAcquire after Release to succeed")
	}
}
