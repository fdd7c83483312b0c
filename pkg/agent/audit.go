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

package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one event in a session trail.
type AuditEntry struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Iteration int       `json:"iteration,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// SessionLog records agent session events to a JSON file. The full file
// is rewritten on every event so a crash mid-session still leaves a
// complete, valid document behind.
type SessionLog struct {
	mu      sync.Mutex
	path    string
	entries []AuditEntry
	logger  *slog.Logger
}

// NewSessionLog creates a session trail at path. The parent directory is
// created on the first write.
func NewSessionLog(path string, logger *slog.Logger) *SessionLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionLog{path: path, logger: logger}
}

// Path returns the file the trail is written to.
func (s *SessionLog) Path() string { return s.path }

// Record appends an event and flushes the trail. Audit is best effort:
// write failures are logged, never propagated into the agent loop.
func (s *SessionLog) Record(typ string, iteration int, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, AuditEntry{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Iteration: iteration,
		Data:      data,
	})

	out, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		s.logger.Warn("agent.audit.marshal_failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Warn("agent.audit.write_failed", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(s.path, out, 0o644); err != nil {
		s.logger.Warn("agent.audit.write_failed", "path", s.path, "error", err)
	}
}

// Entries returns a copy of the recorded events.
func (s *SessionLog) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
