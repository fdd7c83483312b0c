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

package daemon

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/ragforge/pkg/watcher"
)

// Project statuses.
const (
	ProjectActive   = "active"
	ProjectExcluded = "excluded"
)

// Project is one registered source root. Unique by Path.
type Project struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	IncludeGlobs []string  `json:"include_globs,omitempty"`
	ExcludeGlobs []string  `json:"exclude_globs,omitempty"`
	Status       string    `json:"status"`
}

// ProjectRegistry is the daemon's process-wide project table plus the
// project→watcher map. Watchers are stored directly against the project id;
// "is watching" is map membership, not a flag to keep in sync.
type ProjectRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byPath   map[string]*Project
	watchers map[string]*watcher.Watcher // project ID → watcher
}

// NewProjectRegistry creates an empty registry.
func NewProjectRegistry(logger *slog.Logger) *ProjectRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectRegistry{
		logger:   logger,
		byPath:   make(map[string]*Project),
		watchers: make(map[string]*watcher.Watcher),
	}
}

// Register returns the project for path, creating it on first sight.
func (pr *ProjectRegistry) Register(path, displayName string, include, exclude []string) (*Project, bool) {
	path = filepath.Clean(path)
	if displayName == "" {
		displayName = filepath.Base(path)
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if p, ok := pr.byPath[path]; ok {
		return p, false
	}
	p := &Project{
		ID:           uuid.NewString(),
		Path:         path,
		DisplayName:  displayName,
		CreatedAt:    time.Now().UTC(),
		IncludeGlobs: include,
		ExcludeGlobs: exclude,
		Status:       ProjectActive,
	}
	pr.byPath[path] = p
	pr.logger.Info("daemon.project.registered", "project", p.ID, "path", path)
	return p, true
}

// Get finds a project by id or path.
func (pr *ProjectRegistry) Get(identifier string) (*Project, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	if p, ok := pr.byPath[filepath.Clean(identifier)]; ok {
		return p, true
	}
	for _, p := range pr.byPath {
		if p.ID == identifier {
			return p, true
		}
	}
	return nil, false
}

// List returns all projects sorted by path.
func (pr *ProjectRegistry) List() []*Project {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make([]*Project, 0, len(pr.byPath))
	for _, p := range pr.byPath {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Unregister removes a project and stops its watcher. Conversations are not
// cascaded; they outlive the project on purpose.
func (pr *ProjectRegistry) Unregister(identifier string) error {
	p, ok := pr.Get(identifier)
	if !ok {
		return fmt.Errorf("project %s not found", identifier)
	}

	pr.mu.Lock()
	w := pr.watchers[p.ID]
	delete(pr.watchers, p.ID)
	delete(pr.byPath, p.Path)
	pr.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	pr.logger.Info("daemon.project.unregistered", "project", p.ID, "path", p.Path)
	return nil
}

// AttachWatcher binds a started watcher to a project. An existing watcher
// for the same project is stopped first.
func (pr *ProjectRegistry) AttachWatcher(projectID string, w *watcher.Watcher) {
	pr.mu.Lock()
	old := pr.watchers[projectID]
	pr.watchers[projectID] = w
	pr.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// WatcherFor returns the watcher bound to a project, if any.
func (pr *ProjectRegistry) WatcherFor(projectID string) (*watcher.Watcher, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	w, ok := pr.watchers[projectID]
	return w, ok
}

// WatcherForPath returns the watcher whose project root contains path.
// The longest matching root wins when projects nest.
func (pr *ProjectRegistry) WatcherForPath(path string) (*watcher.Watcher, bool) {
	path = filepath.Clean(path)
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	var best *watcher.Watcher
	bestLen := -1
	for _, p := range pr.byPath {
		if p.Path != path && !strings.HasPrefix(path, p.Path+string(filepath.Separator)) {
			continue
		}
		if w, ok := pr.watchers[p.ID]; ok && len(p.Path) > bestLen {
			best, bestLen = w, len(p.Path)
		}
	}
	return best, best != nil
}

// Snapshots returns the observable state of every bound watcher, keyed by
// project id.
func (pr *ProjectRegistry) Snapshots() map[string]watcher.Snapshot {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	out := make(map[string]watcher.Snapshot, len(pr.watchers))
	for id, w := range pr.watchers {
		out[id] = w.Snapshot()
	}
	return out
}

// StopWatchers stops every bound watcher. Used during drain.
func (pr *ProjectRegistry) StopWatchers() {
	pr.mu.Lock()
	ws := make([]*watcher.Watcher, 0, len(pr.watchers))
	for _, w := range pr.watchers {
		ws = append(ws, w)
	}
	pr.mu.Unlock()
	for _, w := range ws {
		w.Stop()
	}
}
