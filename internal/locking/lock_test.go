package locking

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_RequireRelease(t *testing.T) {
	l := NewLock(50 * time.Millisecond)
	require.Equal(t, Unlocked, l.Test(1))

	require.NoError(t, l.Require(1))
	assert.Equal(t, HeldBySelf, l.Test(1))
	assert.Equal(t, HeldByOther, l.Test(2))
	assert.Equal(t, Owner(1), l.Owner())

	require.NoError(t, l.Release(1))
	assert.Equal(t, Unlocked, l.Test(1))
	assert.Equal(t, NoOwner, l.Owner())
}

func TestLock_ReentrantByOwner(t *testing.T) {
	l := NewLock(50 * time.Millisecond)

	require.NoError(t, l.Require(7))
	require.NoError(t, l.Require(7))

	require.NoError(t, l.Release(7))
	// still held after the inner release
	assert.Equal(t, HeldByOther, l.Test(8))

	require.NoError(t, l.Release(7))
	assert.Equal(t, Unlocked, l.Test(8))
}

func TestLock_ReleaseErrors(t *testing.T) {
	l := NewLock(50 * time.Millisecond)
	require.ErrorIs(t, l.Release(1), ErrNotLocked)

	require.NoError(t, l.Require(1))
	require.ErrorIs(t, l.Release(2), ErrNotOwner)
	require.NoError(t, l.Release(1))
}

func TestLock_InvalidOwner(t *testing.T) {
	l := NewLock(0)
	require.ErrorIs(t, l.Require(NoOwner), ErrInvalidOwner)
	require.False(t, l.TryRequire(NoOwner))
}

func TestLock_Timeout(t *testing.T) {
	l := NewLock(20 * time.Millisecond)
	require.NoError(t, l.Require(1))

	start := time.Now()
	err := l.Require(2)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.False(t, l.TryRequire(2))
	assert.True(t, l.TryRequire(1))
}

func TestLock_WaiterWakesOnRelease(t *testing.T) {
	l := NewLock(2 * time.Second)
	require.NoError(t, l.Require(1))

	done := make(chan error, 1)
	go func() { done <- l.Require(2) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Release(1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, Owner(2), l.Owner())
}

func TestLock_SerializesOwners(t *testing.T) {
	m := NewManager(2 * time.Second)
	l := m.NewLock()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		owner := m.NextOwner()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := l.Require(owner); err != nil {
					t.Error(err)
					return
				}
				counter++
				_ = l.Release(owner)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, counter)
}

func TestManager_NextOwner(t *testing.T) {
	m := NewManager(0)
	a, b := m.NextOwner(), m.NextOwner()
	assert.NotEqual(t, NoOwner, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, DefaultTimeout, m.Timeout)
}

func TestRefCount(t *testing.T) {
	var r RefCount
	r.Inc()
	r.Inc()
	assert.Equal(t, int32(2), r.Get())
	assert.False(t, r.Dec())
	assert.True(t, r.Dec())
	assert.True(t, r.Dec())
	assert.Equal(t, int32(0), r.Get())
}
