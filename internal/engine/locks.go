package engine

import "sync"

// subLocks hands out per-subscriber try-locks so overlapping trigger
// invocations inside one process never work on the same subscriber at
// once. Cross-process races are handled by the ledger claim, not here.
type subLocks struct {
	mu   sync.Mutex
	held map[int64]bool
}

func newSubLocks() *subLocks {
	return &subLocks{held: make(map[int64]bool)}
}

func (l *subLocks) tryAcquire(chatID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[chatID] {
		return false
	}
	l.held[chatID] = true
	return true
}

func (l *subLocks) release(chatID int64) {
	l.mu.Lock()
	delete(l.held, chatID)
	l.mu.Unlock()
}
