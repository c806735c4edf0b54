package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/novusdb/kernel/storage"
)

func loc(pageId, slot uint64) storage.Location {
	return storage.RecordLocation(storage.PageId(pageId), storage.SlotId(slot))
}

func TestAcquireRelease(t *testing.T) {
	lm := NewLockManager(LockPolicyWait)

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lm.ReleaseRecord(loc(1, 1))

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	lm.ReleaseRecord(loc(1, 1))
}

func TestLockPolicyFail(t *testing.T) {
	lm := NewLockManager(LockPolicyFail)

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if err := lm.AcquireRecord(loc(1, 1)); err == nil {
		t.Fatal("expected error on second acquire with LockPolicyFail")
	}

	lm.ReleaseRecord(loc(1, 1))

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	lm.ReleaseRecord(loc(1, 1))
}

func TestLockPolicyWait(t *testing.T) {
	lm := NewLockManager(LockPolicyWait)
	lm.SetTimeout(2 * time.Second)

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		lm.ReleaseRecord(loc(1, 1))
	}()

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("waited acquire: %v", err)
	}
	lm.ReleaseRecord(loc(1, 1))
}

func TestLockTimeout(t *testing.T) {
	lm := NewLockManager(LockPolicyWait)
	lm.SetTimeout(100 * time.Millisecond)

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := lm.AcquireRecord(loc(1, 1)); err == nil {
		t.Fatal("expected timeout error")
	}

	lm.ReleaseRecord(loc(1, 1))
}

func TestDifferentRecordsNoContention(t *testing.T) {
	lm := NewLockManager(LockPolicyFail)

	if err := lm.AcquireRecord(loc(1, 1)); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := lm.AcquireRecord(loc(1, 2)); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if err := lm.AcquireRecord(loc(2, 1)); err != nil {
		t.Fatalf("acquire other/1: %v", err)
	}

	lm.ReleaseRecord(loc(1, 1))
	lm.ReleaseRecord(loc(1, 2))
	lm.ReleaseRecord(loc(2, 1))
}

func TestConcurrentLockDifferentRecords(t *testing.T) {
	lm := NewLockManager(LockPolicyWait)
	lm.SetTimeout(5 * time.Second)

	var wg sync.WaitGroup
	errCh := make(chan error, 100)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := lm.AcquireRecord(loc(1, id)); err != nil {
					errCh <- err
					return
				}
				lm.ReleaseRecord(loc(1, id))
			}
		}(uint64(i))
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("lock error: %v", err)
	}
}

func TestConcurrentLockSameRecord(t *testing.T) {
	lm := NewLockManager(LockPolicyWait)
	lm.SetTimeout(5 * time.Second)

	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := lm.AcquireRecord(loc(1, 1)); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				counter++
				lm.ReleaseRecord(loc(1, 1))
			}
		}()
	}

	wg.Wait()

	if counter != 1000 {
		t.Errorf("expected counter=1000, got %d", counter)
	}
}

func TestReleaseWithoutAcquire(t *testing.T) {
	lm := NewLockManager(LockPolicyWait)
	lm.ReleaseRecord(loc(9, 9))
}
