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

// Package tools is the registry of named handlers the agent can call.
//
// Tools declare a JSON-schema input, a category, and whether they read the
// live graph. Graph readers are wrapped with a bounded wait on the
// ingestion and embedding locks; on timeout they run anyway and their
// result carries stale=true. Batched calls execute in stages so a parallel
// read never races a write emitted in the same LLM response.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kraklabs/ragforge/pkg/locks"
)

// lockAwaitTimeout bounds the pre-execution wait of graph-read tools.
const lockAwaitTimeout = 5 * time.Second

// Tool categories.
const (
	CategoryBrain   = "brain"
	CategoryFile    = "file"
	CategoryProject = "project"
	CategoryAgent   = "agent"
	CategoryDebug   = "debug"
)

// Handler executes a tool with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a named handler with a JSON-schema input contract.
type Tool struct {
	Name        string
	Description string
	Category    string
	InputSchema map[string]any
	Handler     Handler

	// ReadsGraph marks tools that query live graph state; they wait for
	// in-flight writes to drain before running.
	ReadsGraph bool

	// Mutating marks file tools that modify the working tree; batched
	// execution runs them sequentially before any parallel reads.
	Mutating bool
}

// Call is one requested tool invocation.
type Call struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Result is the outcome of one tool invocation.
type Result struct {
	Tool       string `json:"tool"`
	Output     any    `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Stale      bool   `json:"stale,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Info describes a registered tool for listings and prompt blocks.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Registry holds the tool set and executes calls with lock discipline.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	locks  *locks.Registry
	logger *slog.Logger

	lockAwait time.Duration
}

// NewRegistry creates an empty registry bound to the process lock set.
func NewRegistry(reg *locks.Registry, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:     make(map[string]*Tool),
		locks:     reg,
		logger:    logger,
		lockAwait: lockAwaitTimeout,
	}
}

// Register adds a tool; duplicate names are rejected.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

func (r *Registry) get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns tool descriptions sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:        t.Name,
			Description: t.Description,
			Category:    t.Category,
			InputSchema: t.InputSchema,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// DefinitionsJSON renders the tool list as a JSON block for LLM prompts.
func (r *Registry) DefinitionsJSON() string {
	data, err := json.MarshalIndent(r.List(), "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Execute runs one tool. Graph-read tools first wait up to 5 s for each of
// the ingestion and embedding locks; on timeout the call proceeds and the
// result is marked stale.
func (r *Registry) Execute(ctx context.Context, call Call) Result {
	toolMetrics.init()

	t := r.get(call.Name)
	if t == nil {
		return Result{Tool: call.Name, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	stale := false
	if t.ReadsGraph && r.locks != nil {
		for _, name := range []string{locks.Ingestion, locks.Embedding} {
			if !r.locks.WaitForUnlock(ctx, name, r.lockAwait) {
				stale = true
			}
		}
	}

	start := time.Now()
	output, err := r.run(ctx, t, call.Args)
	elapsed := time.Since(start)

	res := Result{
		Tool:       call.Name,
		Output:     output,
		Stale:      stale,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		res.Output = nil
		toolMetrics.failures.Inc()
	}
	toolMetrics.calls.Inc()
	toolMetrics.duration.Observe(elapsed.Seconds())

	r.logger.Info("tool.executed",
		"tool", call.Name,
		"args", SanitizeArgs(call.Args),
		"duration_ms", res.DurationMs,
		"result_size", resultSize(res.Output),
		"stale", stale,
		"error", res.Error != "")
	return res
}

// run isolates handler panics into errors.
func (r *Registry) run(ctx context.Context, t *Tool, args map[string]any) (output any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name, rec)
		}
	}()
	return t.Handler(ctx, args)
}

// ExecuteBatch runs a batch of calls in staged order: project tools
// sequentially, then mutating file tools sequentially, then everything
// else in parallel. Results come back in call order.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))

	stage3 := make([]int, 0, len(calls))
	runSeq := func(idx int) { results[idx] = r.Execute(ctx, calls[idx]) }

	// Stage 1: project management.
	for i, c := range calls {
		if t := r.get(c.Name); t != nil && t.Category == CategoryProject {
			runSeq(i)
		}
	}
	// Stage 2: file modification.
	for i, c := range calls {
		if t := r.get(c.Name); t != nil && t.Category != CategoryProject && t.Mutating {
			runSeq(i)
		}
	}
	// Stage 3: the rest, in parallel. Unknown tools land here so the
	// caller sees their error in order.
	for i, c := range calls {
		t := r.get(c.Name)
		if t == nil || (t.Category != CategoryProject && !t.Mutating) {
			stage3 = append(stage3, i)
		}
	}
	var wg sync.WaitGroup
	for _, idx := range stage3 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Execute(ctx, calls[i])
		}(idx)
	}
	wg.Wait()

	return results
}

func resultSize(v any) int {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
