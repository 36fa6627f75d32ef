package locking

// RefCount counts borrowers of a cached object (pins).
// A cache slot with a non-zero count is never chosen as an eviction victim.

import (
	"fmt"
	"sync/atomic"
)

type RefCount struct {
	count int32
}

func (r *RefCount) Inc() {
	atomic.AddInt32(&r.count, 1)
}

// Dec drops one reference and reports whether none are left.
// Calling Dec on a zero count is a no-op that reports true.
func (r *RefCount) Dec() bool {
	for {
		cur := atomic.LoadInt32(&r.count)
		if cur <= 0 {
			return true
		}
		if atomic.CompareAndSwapInt32(&r.count, cur, cur-1) {
			return cur-1 == 0
		}
	}
}

func (r *RefCount) Get() int32 {
	return atomic.LoadInt32(&r.count)
}

func (r *RefCount) String() string {
	return fmt.Sprintf("RefCount: %d", r.Get())
}
