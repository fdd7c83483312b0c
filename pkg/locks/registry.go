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

// Package locks provides the daemon's named advisory locks.
//
// The registry holds a fixed set of reentrant counted locks. Concurrent
// holders of the same lock are visible as a single locked state with a list
// of operation descriptions; the lock is free only when every holder has
// released. Graph readers use WaitForUnlock to observe writes draining.
//
// Locks never nest by acquisition. A caller that needs both the ingestion
// and embedding locks must acquire them in that fixed order.
package locks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Well-known lock names.
const (
	Ingestion = "ingestion"
	Embedding = "embedding"
)

// Operation describes one active holder of a lock.
type Operation struct {
	Description string    `json:"description"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// Status is the observable state of one named lock.
type Status struct {
	Name           string      `json:"name"`
	IsLocked       bool        `json:"is_locked"`
	OperationCount int         `json:"operation_count"`
	Operations     []Operation `json:"operations"`
}

// Observer is notified when a lock transitions between free and held.
type Observer func(name string, isLocked bool)

// Handle represents one acquisition; it must be released exactly once.
type Handle struct {
	lock *namedLock
	id   int
	once sync.Once
}

// Release releases the acquisition. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h == nil || h.lock == nil {
		return
	}
	h.once.Do(func() { h.lock.release(h.id) })
}

type namedLock struct {
	name   string
	reg    *Registry
	mu     sync.Mutex
	ops    map[int]Operation
	nextID int
	// drained is closed when the count reaches zero and replaced when the
	// lock is next acquired. Waiters select on it.
	drained chan struct{}
}

func newNamedLock(reg *Registry, name string) *namedLock {
	ch := make(chan struct{})
	close(ch) // free at creation
	return &namedLock{name: name, reg: reg, ops: make(map[int]Operation), drained: ch}
}

// Registry is the process-wide set of named locks.
type Registry struct {
	mu       sync.RWMutex
	locks    map[string]*namedLock
	observer Observer
	logger   *slog.Logger
}

// NewRegistry creates a registry containing the ingestion and embedding locks.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{locks: make(map[string]*namedLock), logger: logger}
	for _, name := range []string{Ingestion, Embedding} {
		r.locks[name] = newNamedLock(r, name)
	}
	return r
}

// SetObserver registers the status-change observer. It fires on every
// free→held and held→free transition, outside the lock's critical section.
func (r *Registry) SetObserver(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = obs
}

func (r *Registry) get(name string) *namedLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = newNamedLock(r, name)
		r.locks[name] = l
	}
	return l
}

func (r *Registry) notify(name string, isLocked bool) {
	r.mu.RLock()
	obs := r.observer
	r.mu.RUnlock()
	if obs != nil {
		obs(name, isLocked)
	}
}

// Acquire increments the lock's operation count and returns a handle.
// The transition from zero holders fires the status observer.
func (r *Registry) Acquire(name, description string) *Handle {
	l := r.get(name)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	wasFree := len(l.ops) == 0
	if wasFree {
		l.drained = make(chan struct{})
	}
	l.ops[id] = Operation{Description: description, AcquiredAt: time.Now()}
	l.mu.Unlock()

	r.logger.Debug("lock.acquire", "lock", name, "description", description, "first_holder", wasFree)
	if wasFree {
		r.notify(name, true)
	}
	return &Handle{lock: l, id: id}
}

func (l *namedLock) release(id int) {
	l.mu.Lock()
	delete(l.ops, id)
	nowFree := len(l.ops) == 0
	var drained chan struct{}
	if nowFree {
		drained = l.drained
	}
	l.mu.Unlock()

	if nowFree {
		close(drained)
		l.reg.notify(l.name, false)
	}
}

// IsLocked reports whether the named lock currently has any holder.
func (r *Registry) IsLocked(name string) bool {
	l := r.get(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops) > 0
}

// GetStatus returns the observable state of the named lock, with holder
// descriptions ordered by acquisition time.
func (r *Registry) GetStatus(name string) Status {
	l := r.get(name)
	l.mu.Lock()
	defer l.mu.Unlock()

	ops := make([]Operation, 0, len(l.ops))
	for _, op := range l.ops {
		ops = append(ops, op)
	}
	// insertion sort by AcquiredAt; holder counts are tiny
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && ops[j].AcquiredAt.Before(ops[j-1].AcquiredAt); j-- {
			ops[j], ops[j-1] = ops[j-1], ops[j]
		}
	}

	return Status{
		Name:           name,
		IsLocked:       len(l.ops) > 0,
		OperationCount: len(l.ops),
		Operations:     ops,
	}
}

// WaitForUnlock blocks until the named lock has no holders, the timeout
// elapses, or ctx is cancelled. It returns true only when the lock drained.
func (r *Registry) WaitForUnlock(ctx context.Context, name string, timeout time.Duration) bool {
	l := r.get(name)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		if len(l.ops) == 0 {
			l.mu.Unlock()
			return true
		}
		drained := l.drained
		l.mu.Unlock()

		select {
		case <-drained:
			// Re-check: another holder may have acquired between the close
			// and our wakeup.
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// WithLock runs fn while holding the named lock, releasing on every exit
// path including panic.
func (r *Registry) WithLock(name, description string, fn func() error) error {
	h := r.Acquire(name, description)
	defer h.Release()
	return fn()
}
