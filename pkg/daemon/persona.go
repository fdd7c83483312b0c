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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultPersonaName is the built-in persona; it cannot be deleted.
const DefaultPersonaName = "default"

// Persona shapes the agent's tone without rewriting the system prompt.
type Persona struct {
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	Language    string    `json:"language,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	BuiltIn     bool      `json:"built_in,omitempty"`
}

type personaFile struct {
	Active   string    `json:"active"`
	Personas []Persona `json:"personas"`
}

// PersonaStore keeps personas in memory, persisted to a JSON file on every
// mutation. An empty path keeps the store memory-only (tests).
type PersonaStore struct {
	logger *slog.Logger
	path   string

	mu       sync.RWMutex
	personas map[string]Persona
	active   string
}

func builtinPersona() Persona {
	return Persona{
		Name:        DefaultPersonaName,
		Description: "Concise technical assistant. Answers from graph evidence.",
		CreatedAt:   time.Time{},
		BuiltIn:     true,
	}
}

// NewPersonaStore loads personas from path, seeding the built-in default.
// Load failures fall back to the default alone.
func NewPersonaStore(path string, logger *slog.Logger) *PersonaStore {
	if logger == nil {
		logger = slog.Default()
	}
	ps := &PersonaStore{
		logger:   logger,
		path:     path,
		personas: map[string]Persona{DefaultPersonaName: builtinPersona()},
		active:   DefaultPersonaName,
	}
	if path == "" {
		return ps
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("daemon.persona.load_failed", "path", path, "error", err)
		}
		return ps
	}
	var pf personaFile
	if err := json.Unmarshal(data, &pf); err != nil {
		logger.Warn("daemon.persona.load_failed", "path", path, "error", err)
		return ps
	}
	for _, p := range pf.Personas {
		if p.Name == "" || p.Name == DefaultPersonaName {
			continue
		}
		ps.personas[strings.ToLower(p.Name)] = p
	}
	if pf.Active != "" {
		if _, ok := ps.personas[strings.ToLower(pf.Active)]; ok {
			ps.active = strings.ToLower(pf.Active)
		}
	}
	return ps
}

// persistLocked writes the store to disk. Callers hold ps.mu.
func (ps *PersonaStore) persistLocked() {
	if ps.path == "" {
		return
	}
	pf := personaFile{Active: ps.active}
	for _, p := range ps.personas {
		if p.BuiltIn {
			continue
		}
		pf.Personas = append(pf.Personas, p)
	}
	sort.Slice(pf.Personas, func(i, j int) bool { return pf.Personas[i].Name < pf.Personas[j].Name })

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		ps.logger.Warn("daemon.persona.persist_failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(ps.path), 0o750); err != nil {
		ps.logger.Warn("daemon.persona.persist_failed", "path", ps.path, "error", err)
		return
	}
	if err := os.WriteFile(ps.path, data, 0o640); err != nil {
		ps.logger.Warn("daemon.persona.persist_failed", "path", ps.path, "error", err)
	}
}

// Active returns the currently selected persona.
func (ps *PersonaStore) Active() Persona {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.personas[ps.active]
}

// List returns all personas sorted by name, the built-in default first.
func (ps *PersonaStore) List() []Persona {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]Persona, 0, len(ps.personas))
	for _, p := range ps.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BuiltIn != out[j].BuiltIn {
			return out[i].BuiltIn
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SetActive switches the active persona by name.
func (ps *PersonaStore) SetActive(identifier string) (Persona, error) {
	key := strings.ToLower(strings.TrimSpace(identifier))
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.personas[key]
	if !ok {
		return Persona{}, fmt.Errorf("persona %q not found", identifier)
	}
	ps.active = key
	ps.persistLocked()
	ps.logger.Info("daemon.persona.activated", "persona", p.Name)
	return p, nil
}

// Create adds a persona. Names are unique, case-insensitive.
func (ps *PersonaStore) Create(p Persona) (Persona, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Persona{}, fmt.Errorf("persona name is required")
	}
	key := strings.ToLower(p.Name)
	p.CreatedAt = time.Now().UTC()
	p.BuiltIn = false

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exists := ps.personas[key]; exists {
		return Persona{}, fmt.Errorf("persona %q already exists", p.Name)
	}
	ps.personas[key] = p
	ps.persistLocked()
	ps.logger.Info("daemon.persona.created", "persona", p.Name)
	return p, nil
}

// Delete removes a persona. The built-in default is protected; deleting the
// active persona falls back to the default.
func (ps *PersonaStore) Delete(name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == DefaultPersonaName {
		return fmt.Errorf("the built-in persona cannot be deleted")
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.personas[key]; !ok {
		return fmt.Errorf("persona %q not found", name)
	}
	delete(ps.personas, key)
	if ps.active == key {
		ps.active = DefaultPersonaName
	}
	ps.persistLocked()
	ps.logger.Info("daemon.persona.deleted", "persona", name)
	return nil
}
