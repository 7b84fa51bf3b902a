package indexer

import (
	"sync/atomic"
	"time"
)

// IndexLock is a non-blocking lock that remembers when it was taken, so a
// status call can report how long the running pass has been going.
type IndexLock struct {
	since atomic.Int64 // unix nanos; 0 = unlocked
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *IndexLock) TryAcquire() bool {
	return l.since.CompareAndSwap(0, time.Now().UnixNano())
}

// Release frees the lock. Only the holder may call it.
func (l *IndexLock) Release() {
	l.since.Store(0)
}

// HeldSince returns when the lock was taken and whether it is held.
func (l *IndexLock) HeldSince() (time.Time, bool) {
	n := l.since.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
