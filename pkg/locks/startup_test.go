// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package locks

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "daemon-startup.lock")
}

func TestStartupLockAcquireRelease(t *testing.T) {
	sl := NewStartupLock(lockPath(t))

	ok, err := sl.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, os.Getpid(), sl.HolderPID())

	sl.Release()
	_, err = os.Stat(sl.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestStartupLockSecondAcquireFails(t *testing.T) {
	path := lockPath(t)

	first := NewStartupLock(path)
	ok, err := first.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer first.Release()

	second := NewStartupLock(path)
	ok, err = second.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok, "fresh lock must not be stolen")
}

func TestStartupLockStaleIsReclaimed(t *testing.T) {
	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("99999\n"), 0600))

	// Age the file past the stale threshold.
	old := time.Now().Add(-StartupStaleAfter - time.Second)
	require.NoError(t, os.Chtimes(path, old, old))

	sl := NewStartupLock(path)
	ok, err := sl.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok, "stale lock must be removed and re-acquired")
	assert.Equal(t, os.Getpid(), sl.HolderPID())
	sl.Release()
}

func TestStartupLockTouchKeepsFresh(t *testing.T) {
	sl := NewStartupLock(lockPath(t))
	ok, err := sl.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer sl.Release()

	require.NoError(t, sl.Touch())
	stale, err := sl.IsStale()
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestWithStartupLockReleasesOnError(t *testing.T) {
	path := lockPath(t)

	wantErr := errors.New("startup failed")
	ran, err := WithStartupLock(path, func() error { return wantErr })
	assert.True(t, ran)
	assert.ErrorIs(t, err, wantErr)

	_, serr := os.Stat(path)
	assert.True(t, os.IsNotExist(serr), "lock must be released on error")
}

func TestWithStartupLockReleasesOnPanic(t *testing.T) {
	path := lockPath(t)

	assert.Panics(t, func() {
		_, _ = WithStartupLock(path, func() error { panic("boom") })
	})

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "lock must be released on panic")
}

func TestWithStartupLockHeldElsewhere(t *testing.T) {
	path := lockPath(t)
	holder := NewStartupLock(path)
	ok, err := holder.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer holder.Release()

	ran, err := WithStartupLock(path, func() error {
		t.Fatal("fn must not run while lock is held")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
}
