// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry(nil)

	assert.False(t, r.IsLocked(Ingestion))

	h := r.Acquire(Ingestion, "ingest src/")
	assert.True(t, r.IsLocked(Ingestion))

	h.Release()
	assert.False(t, r.IsLocked(Ingestion))
}

func TestReentrantCount(t *testing.T) {
	r := NewRegistry(nil)

	h1 := r.Acquire(Ingestion, "batch 1")
	h2 := r.Acquire(Ingestion, "batch 2")

	st := r.GetStatus(Ingestion)
	assert.True(t, st.IsLocked)
	assert.Equal(t, 2, st.OperationCount)
	require.Len(t, st.Operations, 2)
	assert.Equal(t, "batch 1", st.Operations[0].Description)
	assert.Equal(t, "batch 2", st.Operations[1].Description)

	h1.Release()
	assert.True(t, r.IsLocked(Ingestion), "still held by second op")

	h2.Release()
	assert.False(t, r.IsLocked(Ingestion))
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	r := NewRegistry(nil)

	h1 := r.Acquire(Embedding, "a")
	h2 := r.Acquire(Embedding, "b")

	h1.Release()
	h1.Release() // must not decrement twice
	assert.True(t, r.IsLocked(Embedding))

	h2.Release()
	assert.False(t, r.IsLocked(Embedding))
}

func TestWaitForUnlockAlreadyFree(t *testing.T) {
	r := NewRegistry(nil)
	assert.True(t, r.WaitForUnlock(context.Background(), Ingestion, time.Millisecond))
}

func TestWaitForUnlockTimesOut(t *testing.T) {
	r := NewRegistry(nil)
	h := r.Acquire(Ingestion, "long ingest")
	defer h.Release()

	start := time.Now()
	ok := r.WaitForUnlock(context.Background(), Ingestion, 50*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForUnlockObservesDrain(t *testing.T) {
	r := NewRegistry(nil)
	h := r.Acquire(Ingestion, "ingest")

	done := make(chan bool, 1)
	go func() {
		done <- r.WaitForUnlock(context.Background(), Ingestion, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	h.Release()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake up")
	}
}

func TestWaitForUnlockCancelled(t *testing.T) {
	r := NewRegistry(nil)
	h := r.Acquire(Embedding, "embed")
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	assert.False(t, r.WaitForUnlock(ctx, Embedding, 5*time.Second))
}

func TestObserverFiresOnTransitionsOnly(t *testing.T) {
	r := NewRegistry(nil)

	var mu sync.Mutex
	var events []bool
	r.SetObserver(func(name string, isLocked bool) {
		mu.Lock()
		defer mu.Unlock()
		if name == Ingestion {
			events = append(events, isLocked)
		}
	})

	h1 := r.Acquire(Ingestion, "a")
	h2 := r.Acquire(Ingestion, "b") // no transition
	h2.Release()                    // no transition
	h1.Release()                    // held → free

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, events)
}

func TestWithLockReleasesOnError(t *testing.T) {
	r := NewRegistry(nil)

	wantErr := errors.New("boom")
	err := r.WithLock(Ingestion, "failing op", func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, r.IsLocked(Ingestion))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	r := NewRegistry(nil)

	assert.Panics(t, func() {
		_ = r.WithLock(Ingestion, "panicking op", func() error { panic("boom") })
	})
	assert.False(t, r.IsLocked(Ingestion))
}

func TestConcurrentAcquireVisibleAsSingleState(t *testing.T) {
	r := NewRegistry(nil)

	const n = 50
	var wg sync.WaitGroup
	handles := make([]*Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.Acquire(Ingestion, "op")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, r.GetStatus(Ingestion).OperationCount)

	for _, h := range handles {
		h.Release()
	}
	assert.False(t, r.IsLocked(Ingestion))
}
