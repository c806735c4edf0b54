// Package concurrency provides a record-level lock manager: one exclusive
// lock per record Location, used by the record manager to serialize
// logical multi-slot operations (Update, Remove) that would otherwise
// race against each other on the same record.
package concurrency

import (
	"fmt"
	"sync"
	"time"

	"github.com/novusdb/kernel/storage"
)

// LockPolicy chooses what AcquireRecord does when a lock is already held.
type LockPolicy int

const (
	LockPolicyWait LockPolicy = iota // block until the lock is released or timeout elapses
	LockPolicyFail                   // return an error immediately
)

// DefaultLockTimeout bounds how long LockPolicyWait blocks.
const DefaultLockTimeout = 5 * time.Second

// LockManager hands out one exclusive lock per record Location.
type LockManager struct {
	mu      sync.Mutex
	locks   map[storage.Location]*recordLock
	policy  LockPolicy
	timeout time.Duration
}

type recordLock struct {
	mu     sync.Mutex
	held   bool
	cond   *sync.Cond
}

// NewLockManager creates a lock manager with the given contention policy
// and DefaultLockTimeout.
func NewLockManager(policy LockPolicy) *LockManager {
	return &LockManager{
		locks:   make(map[storage.Location]*recordLock),
		policy:  policy,
		timeout: DefaultLockTimeout,
	}
}

// SetTimeout overrides the wait timeout for LockPolicyWait.
func (lm *LockManager) SetTimeout(d time.Duration) {
	lm.timeout = d
}

func (lm *LockManager) getOrCreateLock(loc storage.Location) *recordLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rl, ok := lm.locks[loc]
	if !ok {
		rl = &recordLock{}
		rl.cond = sync.NewCond(&rl.mu)
		lm.locks[loc] = rl
	}
	return rl
}

// AcquireRecord takes the exclusive lock for loc, the record's head
// Location.
func (lm *LockManager) AcquireRecord(loc storage.Location) error {
	rl := lm.getOrCreateLock(loc)

	if lm.policy == LockPolicyFail {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		if rl.held {
			return fmt.Errorf("lock: record at %s already locked", loc)
		}
		rl.held = true
		return nil
	}

	acquired := make(chan struct{})
	var cancelled bool
	go func() {
		rl.mu.Lock()
		for rl.held && !cancelled {
			rl.cond.Wait()
		}
		if cancelled {
			rl.mu.Unlock()
			return
		}
		rl.held = true
		rl.mu.Unlock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return nil
	case <-time.After(lm.timeout):
		// The goroutine above may still be waiting on rl.cond: tell it to
		// abandon the attempt instead of letting it set held=true after we
		// have already returned an error, which would leave loc locked
		// with no corresponding ReleaseRecord ever coming.
		rl.mu.Lock()
		cancelled = true
		rl.cond.Broadcast()
		rl.mu.Unlock()
		return fmt.Errorf("lock: timeout acquiring lock on record at %s", loc)
	}
}

// ReleaseRecord releases loc's lock. Safe to call on an unlocked or
// never-acquired Location.
func (lm *LockManager) ReleaseRecord(loc storage.Location) {
	lm.mu.Lock()
	rl, ok := lm.locks[loc]
	lm.mu.Unlock()
	if !ok {
		return
	}

	rl.mu.Lock()
	rl.held = false
	rl.cond.Broadcast()
	rl.mu.Unlock()
}
