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

// Package watcher feeds filesystem changes into the ingestion pipeline.
//
// Events are buffered per path and coalesced within a debounce window, so a
// burst of writes to one file yields a single parse+ingest call. A tail
// deadline bounds how long a steady stream of events can delay the flush.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kraklabs/ragforge/pkg/ingest"
	"github.com/kraklabs/ragforge/pkg/parser"
)

// ChangeType classifies one buffered file change.
type ChangeType string

const (
	Created ChangeType = "created"
	Updated ChangeType = "updated"
	Deleted ChangeType = "deleted"
)

const (
	// DefaultDebounce is the quiet period before a flush.
	DefaultDebounce = 1000 * time.Millisecond
	// DefaultMaxDelay bounds how long a busy stream can postpone a flush.
	DefaultMaxDelay = 5 * time.Second
)

// Directories never watched. Saves descriptors and noise.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "bin": true,
}

// Applier applies a parsed delta plus deletions to the graph.
type Applier interface {
	Apply(ctx context.Context, delta *parser.Delta, removedFiles []string) (*ingest.Result, error)
}

// Config describes one project watch.
type Config struct {
	RootPath     string
	IncludeGlobs []string
	ExcludeGlobs []string
	Debounce     time.Duration
	MaxDelay     time.Duration

	// StartupScan runs a full parse+ingest on Start to catch edits made
	// while the daemon was down.
	StartupScan bool

	// KnownFiles lists file paths the graph currently holds for this
	// project; the startup scan diffs them against disk to detect files
	// deleted while the daemon was down. Optional.
	KnownFiles func(ctx context.Context) ([]string, error)

	// AfterIngestion runs after every non-empty ingestion. Panics are
	// logged and swallowed.
	AfterIngestion func(res *ingest.Result)
}

// Snapshot is the observable state of one watcher.
type Snapshot struct {
	ProjectRoot   string    `json:"project_root"`
	Running       bool      `json:"running"`
	PendingEvents int       `json:"pending_events"`
	FlushCount    int       `json:"flush_count"`
	LastFlush     time.Time `json:"last_flush,omitempty"`
}

// Watcher owns one project's filesystem subscription and debounce buffer.
type Watcher struct {
	cfg     Config
	parser  parser.Parser
	applier Applier
	logger  *slog.Logger

	injected chan event

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	pending    map[string]ChangeType
	flushCount int
	lastFlush  time.Time
}

type event struct {
	path string
	typ  ChangeType
}

// New creates a watcher for one project root.
func New(cfg Config, p parser.Parser, applier Applier, logger *slog.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:      cfg,
		parser:   p,
		applier:  applier,
		logger:   logger,
		injected: make(chan event, 64),
		pending:  make(map[string]ChangeType),
	}
}

// Start subscribes to the filesystem and begins the debounce loop. Calling
// Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := w.addDirs(fsw, w.cfg.RootPath); err != nil {
		_ = fsw.Close()
		w.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		defer fsw.Close()

		if w.cfg.StartupScan {
			w.startupScan(runCtx)
		}
		w.loop(runCtx, fsw)
	}()

	w.logger.Info("watcher.started", "root", w.cfg.RootPath)
	return nil
}

// Stop flushes the buffer, tears down the subscription, and waits for the
// loop to exit. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("watcher.stopped", "root", w.cfg.RootPath)
}

// QueueChange injects a change as if the filesystem had reported it. Used by
// the daemon's /queue-file-change endpoint.
func (w *Watcher) QueueChange(path string, typ ChangeType) {
	select {
	case w.injected <- event{path: path, typ: typ}:
	default:
		w.logger.Warn("watcher.queue.full", "path", path)
	}
}

// Snapshot returns the watcher's observable state.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ProjectRoot:   w.cfg.RootPath,
		Running:       w.running,
		PendingEvents: len(w.pending),
		FlushCount:    w.flushCount,
		LastFlush:     w.lastFlush,
	}
}

// Root returns the watched project root.
func (w *Watcher) Root() string { return w.cfg.RootPath }

// addDirs subscribes root and every non-skipped subdirectory.
func (w *Watcher) addDirs(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		base := d.Name()
		if path != root && (skipDirs[base] || strings.HasPrefix(base, ".")) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn("watcher.add_failed", "path", path, "error", err)
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

// loop is the debounce state machine. The quiet timer resets on every event;
// the tail timer starts with the first buffered event and forces a flush
// after MaxDelay regardless of event pressure.
func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	var quiet, tail *time.Timer
	var quietCh, tailCh <-chan time.Time

	arm := func() {
		if quiet != nil {
			quiet.Stop()
		}
		quiet = time.NewTimer(w.cfg.Debounce)
		quietCh = quiet.C
		if tailCh == nil {
			tail = time.NewTimer(w.cfg.MaxDelay)
			tailCh = tail.C
		}
	}
	disarm := func() {
		if quiet != nil {
			quiet.Stop()
		}
		if tail != nil {
			tail.Stop()
		}
		quietCh, tailCh = nil, nil
	}

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if w.handleFsEvent(fsw, ev) {
				arm()
			}
		case ev := <-w.injected:
			if w.buffer(ev.path, ev.typ) {
				arm()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher.fs_error", "error", err)
		case <-quietCh:
			disarm()
			w.flush(ctx)
		case <-tailCh:
			disarm()
			w.flush(ctx)
		case <-ctx.Done():
			disarm()
			// Drain policy: apply whatever is buffered before exit.
			w.flush(context.Background())
			return
		}
	}
}

// handleFsEvent maps an fsnotify op onto the buffer. New directories are
// added to the subscription so nested creates keep flowing.
func (w *Watcher) handleFsEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) bool {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !skipDirs[filepath.Base(ev.Name)] && !strings.HasPrefix(filepath.Base(ev.Name), ".") {
				_ = fsw.Add(ev.Name)
			}
			return false
		}
		return w.buffer(ev.Name, Created)
	case ev.Op.Has(fsnotify.Write):
		return w.buffer(ev.Name, Updated)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		return w.buffer(ev.Name, Deleted)
	}
	return false
}

// buffer coalesces a change into the pending map. created followed by
// updated stays created; anything followed by deleted becomes deleted;
// deleted followed by created becomes updated (the file still exists and
// its graph state is stale).
func (w *Watcher) buffer(path string, typ ChangeType) bool {
	rel, err := filepath.Rel(w.cfg.RootPath, path)
	if err != nil {
		rel = path
	}
	if !parser.Selected(filepath.ToSlash(rel), w.cfg.IncludeGlobs, w.cfg.ExcludeGlobs) {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, seen := w.pending[path]
	switch {
	case !seen:
		w.pending[path] = typ
	case typ == Deleted:
		w.pending[path] = Deleted
	case prev == Created:
		// still created from the graph's point of view
	case prev == Deleted && typ == Created:
		w.pending[path] = Updated
	default:
		w.pending[path] = typ
	}
	return true
}

// flush parses buffered created/updated paths, applies the delta with the
// deleted list, and fires the afterIngestion hook.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]ChangeType)
	w.mu.Unlock()

	var changed, deleted []string
	for path, typ := range batch {
		if typ == Deleted {
			deleted = append(deleted, path)
		} else {
			changed = append(changed, path)
		}
	}

	w.logger.Debug("watcher.flush", "changed", len(changed), "deleted", len(deleted))

	delta := &parser.Delta{}
	if len(changed) > 0 {
		var err error
		delta, err = w.parser.Parse(ctx, parser.Request{
			RootPath:     w.cfg.RootPath,
			IncludeGlobs: w.cfg.IncludeGlobs,
			ExcludeGlobs: w.cfg.ExcludeGlobs,
			ChangedFiles: changed,
		})
		if err != nil {
			w.logger.Error("watcher.parse_failed", "error", err)
			return
		}
	}

	res, err := w.applier.Apply(ctx, delta, deleted)
	if err != nil {
		w.logger.Error("watcher.ingest_failed", "error", err)
		return
	}

	w.mu.Lock()
	w.flushCount++
	w.lastFlush = time.Now()
	w.mu.Unlock()

	if res.Created+res.Updated+res.Removed > 0 {
		w.fireAfterIngestion(res)
	}
}

func (w *Watcher) fireAfterIngestion(res *ingest.Result) {
	if w.cfg.AfterIngestion == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("watcher.after_ingestion.panic", "panic", r)
		}
	}()
	w.cfg.AfterIngestion(res)
}

// startupScan reconciles the graph with disk: a full parse+ingest, plus
// deletion of files the graph knows but disk no longer has.
func (w *Watcher) startupScan(ctx context.Context) {
	var deleted []string
	if w.cfg.KnownFiles != nil {
		known, err := w.cfg.KnownFiles(ctx)
		if err != nil {
			w.logger.Warn("watcher.startup.known_files_failed", "error", err)
		}
		for _, path := range known {
			if _, err := os.Stat(filepath.FromSlash(path)); os.IsNotExist(err) {
				deleted = append(deleted, path)
			}
		}
	}

	delta, err := w.parser.Parse(ctx, parser.Request{
		RootPath:     w.cfg.RootPath,
		IncludeGlobs: w.cfg.IncludeGlobs,
		ExcludeGlobs: w.cfg.ExcludeGlobs,
	})
	if err != nil {
		w.logger.Error("watcher.startup.parse_failed", "error", err)
		return
	}

	res, err := w.applier.Apply(ctx, delta, deleted)
	if err != nil {
		w.logger.Error("watcher.startup.ingest_failed", "error", err)
		return
	}
	w.logger.Info("watcher.startup.scan_done",
		"created", res.Created, "updated", res.Updated, "removed", res.Removed)

	if res.Created+res.Updated+res.Removed > 0 {
		w.fireAfterIngestion(res)
	}
}
