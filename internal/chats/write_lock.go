package chats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a chat lock times out.
	ErrLockTimeout = errors.New("chats: lock acquisition timeout")

	// ErrLockHeld is returned when another turn already holds the chat lock.
	ErrLockHeld = errors.New("chats: chat busy with another turn")
)

// chatLock guards writes to a single chat.
type chatLock struct {
	holder   string
	acquired time.Time
	mu       sync.Mutex
	cond     *sync.Cond
	locked   bool
}

// LockManager hands out per-chat write leases. A chat history has
// exactly one writer at a time: a running turn holds the lease for its
// whole duration, so a second send, edit, or retry on the same chat is
// rejected at the boundary instead of interleaving with the stream.
//
// Thread Safety:
// LockManager is safe for concurrent use.
type LockManager struct {
	locks      map[string]*chatLock
	mu         sync.RWMutex
	defaultTTL time.Duration
}

// NewLockManager creates a lock manager. defaultTTL bounds how long
// Acquire waits when no explicit timeout is given.
func NewLockManager(defaultTTL time.Duration) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}

	mgr := &LockManager{
		locks:      make(map[string]*chatLock),
		defaultTTL: defaultTTL,
	}

	go mgr.cleanupLoop()

	return mgr
}

func (m *LockManager) lockFor(chatID string) *chatLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[chatID]
	if !ok {
		lock = &chatLock{}
		lock.cond = sync.NewCond(&lock.mu)
		m.locks[chatID] = lock
	}
	return lock
}

// Acquire takes the write lease for a chat, waiting up to timeout if
// another writer holds it. Returns a release function that must be
// called when the turn is done.
func (m *LockManager) Acquire(ctx context.Context, chatID, holder string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = m.defaultTTL
	}

	lock := m.lockFor(chatID)

	// Wake the waiter on timeout or cancellation. cond.Wait must only
	// run on the goroutine that owns lock.mu, so the timer and the
	// context hook just flag and broadcast.
	var expired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		expired.Store(true)
		lock.cond.Broadcast()
	})
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() {
		lock.cond.Broadcast()
	})
	defer stop()

	lock.mu.Lock()
	defer lock.mu.Unlock()

	for lock.locked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if expired.Load() {
			return nil, ErrLockTimeout
		}
		lock.cond.Wait()
	}

	lock.locked = true
	lock.holder = holder
	lock.acquired = time.Now()

	return func() {
		lock.mu.Lock()
		defer lock.mu.Unlock()
		lock.locked = false
		lock.holder = ""
		lock.cond.Broadcast()
	}, nil
}

// TryAcquire takes the lease without waiting. The HTTP boundary uses
// this so a concurrent send turns into an immediate conflict response.
func (m *LockManager) TryAcquire(chatID, holder string) (func(), bool) {
	lock := m.lockFor(chatID)

	lock.mu.Lock()
	defer lock.mu.Unlock()

	if lock.locked {
		return nil, false
	}

	lock.locked = true
	lock.holder = holder
	lock.acquired = time.Now()

	return func() {
		lock.mu.Lock()
		defer lock.mu.Unlock()
		lock.locked = false
		lock.holder = ""
		lock.cond.Broadcast()
	}, true
}

// IsLocked reports whether a turn currently holds the chat's lease.
func (m *LockManager) IsLocked(chatID string) bool {
	m.mu.RLock()
	lock, ok := m.locks[chatID]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.locked
}

// LockInfo returns the current holder, if any.
func (m *LockManager) LockInfo(chatID string) (holder string, since time.Time, locked bool) {
	m.mu.RLock()
	lock, ok := m.locks[chatID]
	m.mu.RUnlock()

	if !ok {
		return "", time.Time{}, false
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.holder, lock.acquired, lock.locked
}

// cleanupLoop periodically drops idle lock entries.
func (m *LockManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.cleanup()
	}
}

func (m *LockManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)

	for id, lock := range m.locks {
		lock.mu.Lock()
		if !lock.locked && lock.acquired.Before(cutoff) {
			delete(m.locks, id)
		}
		lock.mu.Unlock()
	}
}
