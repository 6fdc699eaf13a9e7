// ABOUTME: Tests for the per-deployment lock manager.
// ABOUTME: Validates mutual exclusion, FIFO ordering, error propagation, and cleanup.

package deploy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_MutualExclusion(t *testing.T) {
	lm := NewLockManager()

	var inside int
	var maxInside int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lm.WithLock("dep-1", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "critical section must never be shared")
}

func TestLockManager_FIFOOrder(t *testing.T) {
	lm := NewLockManager()

	const n = 10
	var order []int
	var mu sync.Mutex

	// Hold the lock while the contenders queue up, so their arrival order is
	// fixed before any of them can run.
	release := make(chan struct{})
	queued := make(chan struct{}, n)
	var holder sync.WaitGroup
	holder.Add(1)
	go func() {
		defer holder.Done()
		_ = lm.WithLock("dep-1", func() error {
			for i := 0; i < n; i++ {
				<-queued
			}
			<-release
			return nil
		})
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		// Wait until the contender is queued before starting the next, so
		// arrival order is deterministic.
		i := i
		wg.Add(1)
		started := make(chan struct{})
		go func() {
			defer wg.Done()
			close(started)
			_ = lm.WithLock("dep-1", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		<-started
		// Give the goroutine time to reach the queue before the next one.
		time.Sleep(5 * time.Millisecond)
		queued <- struct{}{}
	}

	close(release)
	holder.Wait()
	wg.Wait()

	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "waiters must acquire in arrival order")
	}
}

func TestLockManager_IndependentKeys(t *testing.T) {
	lm := NewLockManager()

	blocked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = lm.WithLock("dep-1", func() error {
			close(blocked)
			<-done
			return nil
		})
	}()
	<-blocked

	// A different deployment's lock must not be affected.
	finished := make(chan struct{})
	go func() {
		_ = lm.WithLock("dep-2", func() error { return nil })
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind unrelated lock")
	}
	close(done)
}

func TestLockManager_ErrorPropagation(t *testing.T) {
	lm := NewLockManager()

	wantErr := errors.New("boom")
	err := lm.WithLock("dep-1", func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// The lock must still be usable after a failing critical section.
	err = lm.WithLock("dep-1", func() error { return nil })
	assert.NoError(t, err)
}

func TestLockManager_CleanupAfterRelease(t *testing.T) {
	lm := NewLockManager()

	require.NoError(t, lm.WithLock("dep-1", func() error { return nil }))
	assert.Equal(t, 0, lm.Held(), "lock entry must be removed once idle")
}

func TestLockManager_HeldWhileLocked(t *testing.T) {
	lm := NewLockManager()

	inside := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = lm.WithLock("dep-1", func() error {
			close(inside)
			<-done
			return nil
		})
	}()
	<-inside

	assert.Equal(t, 1, lm.Held())
	close(done)
}
