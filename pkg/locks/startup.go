// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package locks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StartupStaleAfter is how old the startup lock file may be before any
// process may treat it as abandoned and remove it.
const StartupStaleAfter = 30 * time.Second

// StartupLock is the filesystem lock that arbitrates daemon startup across
// processes. The file content is the holder's PID; a file whose mtime is
// older than StartupStaleAfter is stale.
type StartupLock struct {
	path string
	held bool
}

// NewStartupLock creates a startup lock at path without acquiring it.
func NewStartupLock(path string) *StartupLock {
	return &StartupLock{path: path}
}

// Path returns the lock file path.
func (sl *StartupLock) Path() string { return sl.path }

// TryAcquire attempts to create the lock file exclusively. A fresh existing
// file means another process is starting the daemon and false is returned; a
// stale file is removed and acquisition retried once.
func (sl *StartupLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(sl.path), 0750); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(sl.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(sl.path)
				return false, fmt.Errorf("write lock file: %w", werr)
			}
			sl.held = true
			return true, nil
		}
		if !os.IsExist(err) {
			return false, fmt.Errorf("open lock file: %w", err)
		}

		stale, serr := sl.IsStale()
		if serr != nil {
			// File vanished between Open and Stat: retry the create.
			if os.IsNotExist(serr) {
				continue
			}
			return false, serr
		}
		if !stale {
			return false, nil
		}
		// Stale lock from a dead process: remove and retry once.
		if rerr := os.Remove(sl.path); rerr != nil && !os.IsNotExist(rerr) {
			return false, fmt.Errorf("remove stale lock: %w", rerr)
		}
	}
	return false, nil
}

// IsStale reports whether the lock file exists with an mtime older than
// StartupStaleAfter.
func (sl *StartupLock) IsStale() (bool, error) {
	info, err := os.Stat(sl.path)
	if err != nil {
		return false, err
	}
	return time.Since(info.ModTime()) > StartupStaleAfter, nil
}

// HolderPID reads the PID stored in the lock file, or 0 when absent.
func (sl *StartupLock) HolderPID() int {
	data, err := os.ReadFile(sl.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Touch refreshes the lock file's mtime so waiters keep treating it as fresh
// during a slow startup.
func (sl *StartupLock) Touch() error {
	if !sl.held {
		return nil
	}
	now := time.Now()
	return os.Chtimes(sl.path, now, now)
}

// Release removes the lock file if this process holds it. Safe to call more
// than once.
func (sl *StartupLock) Release() {
	if !sl.held {
		return
	}
	sl.held = false
	_ = os.Remove(sl.path)
}

// WithStartupLock acquires the lock, runs fn, and guarantees release on all
// exit paths including panic. When the lock is held fresh by another process,
// fn is not run and (false, nil) is returned.
func WithStartupLock(path string, fn func() error) (bool, error) {
	sl := NewStartupLock(path)
	ok, err := sl.TryAcquire()
	if err != nil || !ok {
		return false, err
	}
	defer sl.Release()
	return true, fn()
}
