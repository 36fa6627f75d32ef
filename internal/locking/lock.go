package locking

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Owner identifies the holder of a Lock. Each session gets its own owner id.
type Owner uint64

const (
	NoOwner Owner = 0
	// CacheOwner is used by the cache while it saves or evicts an object.
	CacheOwner Owner = math.MaxUint64
)

const DefaultTimeout = time.Second

var (
	ErrLockTimeout  = errors.New("locking: lock timeout")
	ErrNotLocked    = errors.New("locking: lock is not held")
	ErrNotOwner     = errors.New("locking: lock is held by another owner")
	ErrInvalidOwner = errors.New("locking: invalid owner")
)

// Status is the result of Test.
type Status uint8

const (
	Unlocked Status = iota
	HeldBySelf
	HeldByOther
)

// Lock is a per-object lock with an owner. It is reentrant for its owner:
// every Require must be matched by a Release, and the lock is free again once
// the depth drops to zero. Waiters give up after the timeout.
type Lock struct {
	mu      sync.Mutex
	owner   Owner
	depth   int
	free    chan struct{} // closed on the release that frees the lock
	timeout time.Duration
}

func NewLock(timeout time.Duration) *Lock {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Lock{timeout: timeout}
}

func (l *Lock) take(owner Owner) bool {
	if l.depth == 0 || l.owner == owner {
		l.owner = owner
		l.depth++
		return true
	}
	return false
}

// Require acquires the lock for owner, waiting up to the timeout.
func (l *Lock) Require(owner Owner) error {
	if owner == NoOwner {
		return ErrInvalidOwner
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		l.mu.Lock()
		if l.take(owner) {
			l.mu.Unlock()
			return nil
		}
		if l.free == nil {
			l.free = make(chan struct{})
		}
		wait := l.free
		holder := l.owner
		l.mu.Unlock()

		if timer == nil {
			timeout := l.timeout
			if timeout <= 0 {
				timeout = DefaultTimeout
			}
			timer = time.NewTimer(timeout)
		}
		select {
		case <-wait:
		case <-timer.C:
			return errors.Wrapf(ErrLockTimeout, "owner %d waiting on owner %d", owner, holder)
		}
	}
}

// TryRequire acquires the lock only if that is possible without waiting.
func (l *Lock) TryRequire(owner Owner) bool {
	if owner == NoOwner {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.take(owner)
}

// Test reports the lock status as seen by owner.
func (l *Lock) Test(owner Owner) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.depth == 0:
		return Unlocked
	case l.owner == owner:
		return HeldBySelf
	default:
		return HeldByOther
	}
}

// Release drops one level of the owner's hold.
func (l *Lock) Release(owner Owner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.depth == 0 {
		return ErrNotLocked
	}
	if l.owner != owner {
		return errors.Wrapf(ErrNotOwner, "owner %d releasing lock of owner %d", owner, l.owner)
	}
	l.depth--
	if l.depth == 0 {
		l.owner = NoOwner
		if l.free != nil {
			close(l.free)
			l.free = nil
		}
	}
	return nil
}

// Owner returns the current holder, NoOwner when unlocked.
func (l *Lock) Owner() Owner {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Manager hands out locks sharing one timeout and unique owner ids.
type Manager struct {
	Timeout time.Duration
	next    atomic.Uint64
}

func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{Timeout: timeout}
}

func (m *Manager) NewLock() *Lock {
	if m == nil {
		return NewLock(DefaultTimeout)
	}
	return NewLock(m.Timeout)
}

// NextOwner returns a fresh owner id, never NoOwner or CacheOwner.
func (m *Manager) NextOwner() Owner {
	return Owner(m.next.Add(1))
}
