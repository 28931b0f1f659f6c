package ntdb

import "testing"

func newTestLocks() *ctxLocks {
	return newCtxLocks(newLockTable(-1, noopLockBackend{}))
}

func TestHashBucketLockRejectsSecondBucketWithoutAllRecord(t *testing.T) {
	l := newTestLocks()
	if err := l.lockHashBucket(0, lockExclusive); err != nil {
		t.Fatal(err)
	}
	defer l.unlockHashBucket(0)

	err := l.lockHashBucket(1, lockExclusive)
	if e, ok := err.(*Error); !ok || e.Kind != EINVAL {
		t.Fatalf("expected EINVAL taking a second hash-bucket lock, got %v", err)
	}
}

func TestHashBucketLockNestsSameBucket(t *testing.T) {
	l := newTestLocks()
	if err := l.lockHashBucket(3, lockShared); err != nil {
		t.Fatal(err)
	}
	if err := l.lockHashBucket(3, lockShared); err != nil {
		t.Fatal(err)
	}
	if err := l.unlockHashBucket(3); err != nil {
		t.Fatal(err)
	}
	if err := l.unlockHashBucket(3); err != nil {
		t.Fatal(err)
	}
}

func TestLockOpenRequiresAllRecordHeld(t *testing.T) {
	l := newTestLocks()
	err := l.lockOpen()
	if e, ok := err.(*Error); !ok || e.Kind != EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
	if err := l.lockAllRecord(lockExclusive); err != nil {
		t.Fatal(err)
	}
	defer l.unlockAllRecord()
	if err := l.lockOpen(); err != nil {
		t.Fatal(err)
	}
	if err := l.unlockOpen(); err != nil {
		t.Fatal(err)
	}
}

func TestAllRecordLockUpgradesFromSharedToExclusive(t *testing.T) {
	l := newTestLocks()
	if err := l.lockAllRecord(lockShared); err != nil {
		t.Fatal(err)
	}
	if err := l.lockAllRecord(lockExclusive); err != nil {
		t.Fatal(err)
	}
	if l.allRecordMode != lockExclusive {
		t.Fatal("expected all-record lock mode to have upgraded to exclusive")
	}
	if err := l.unlockAllRecord(); err != nil {
		t.Fatal(err)
	}
}

func TestUnlockAllRecordWithoutHoldingIsEINVAL(t *testing.T) {
	l := newTestLocks()
	err := l.unlockAllRecord()
	if e, ok := err.(*Error); !ok || e.Kind != EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestLockTableDetectsFork(t *testing.T) {
	table := newLockTable(-1, noopLockBackend{})
	table.pid = table.pid + 1 // simulate a fork: cached pid no longer matches
	err := table.acquire(0, lockExclusive, true)
	if e, ok := err.(*Error); !ok || e.Kind != Lock {
		t.Fatalf("expected Lock error after simulated fork, got %v", err)
	}
}
