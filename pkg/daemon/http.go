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
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/pkg/locks"
	"github.com/kraklabs/ragforge/pkg/tools"
	"github.com/kraklabs/ragforge/pkg/watcher"
)

const sseHeartbeat = 15 * time.Second

// routes builds the full handler chain: CORS, activity accounting, then the
// endpoint mux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /projects", s.handleProjects)
	mux.HandleFunc("GET /watchers", s.handleWatchers)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("POST /tool/{name}", s.handleTool)
	mux.HandleFunc("POST /queue-file-change", s.handleQueueFileChange)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("GET /logs", s.handleLogs)
	mux.HandleFunc("GET /logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /persona/active", s.handlePersonaActive)
	mux.HandleFunc("GET /persona/list", s.handlePersonaList)
	mux.HandleFunc("POST /persona/set", s.handlePersonaSet)
	mux.HandleFunc("POST /persona/create", s.handlePersonaCreate)
	mux.HandleFunc("POST /persona/delete", s.handlePersonaDelete)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.touch()

		w.Header().Set("Access-Control-Allow-Origin", originOf(r))
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

// originOf mirrors the request origin (CORS origin:true semantics on a
// loopback-only server).
func originOf(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return "*"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error taxonomy to HTTP status. Raw causes stay in the
// daemon log; the response carries the user-facing message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	ue := uerr.AsUser(err)
	s.logger.Warn("daemon.request.failed", "error", err)
	writeJSON(w, ue.HTTPStatus(), map[string]any{"success": false, "error": ue.Message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	state := s.state
	lastActivity := s.lastActivity
	connected := s.graphStore != nil
	s.mu.Unlock()

	uptime := time.Since(s.startedAt)
	toolCount := 0
	if s.registry != nil {
		toolCount = len(s.registry.List())
	}

	pendingEdits := 0
	for _, snap := range s.projects.Snapshots() {
		pendingEdits += snap.PendingEvents
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          string(state),
		"pid":             os.Getpid(),
		"port":            s.Port(),
		"uptime_ms":       uptime.Milliseconds(),
		"uptime_human":    uptime.Round(time.Second).String(),
		"started_at":      s.startedAt.UTC().Format(time.RFC3339),
		"last_activity":   lastActivity.UTC().Format(time.RFC3339),
		"request_count":   s.requestCount.Load(),
		"idle_timeout_ms": s.opts.IdleTimeout.Milliseconds(),
		"brain": map[string]any{
			"connected":        connected,
			"projects":         len(s.projects.List()),
			"watchers":         len(s.projects.Snapshots()),
			"ingestion_status": lockStatusWord(s.locks, locks.Ingestion),
			"embedding_status": lockStatusWord(s.locks, locks.Embedding),
			"pending_edits":    pendingEdits,
			"brain_path":       s.configName(),
			"config":           s.configSummary(),
		},
		"tools": map[string]any{"count": toolCount},
		"memory": map[string]any{
			"rss_mb":       mem.Sys / (1 << 20),
			"heap_used_mb": mem.HeapAlloc / (1 << 20),
		},
	})
}

func lockStatusWord(reg *locks.Registry, name string) string {
	if reg.IsLocked(name) {
		return "busy"
	}
	return "idle"
}

func (s *Server) configName() string {
	if s.opts.Config != nil {
		return s.opts.Config.Name
	}
	return ""
}

func (s *Server) configSummary() map[string]any {
	if s.opts.Config == nil {
		return nil
	}
	return map[string]any{
		"neo4j_uri":          s.opts.Config.Neo4j.URI,
		"embedding_provider": s.opts.Config.Embeddings.Defaults.Provider,
		"embedding_model":    s.opts.Config.Embeddings.Defaults.Model,
	}
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.projects.List()})
}

func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"watchers": s.projects.Snapshots()})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.registry != nil {
		for _, info := range s.registry.List() {
			names = append(names, info.Name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": names, "count": len(names)})
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.registry == nil || !s.registry.Has(name) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   fmt.Sprintf("unknown tool %q", name),
		})
		return
	}

	args := map[string]any{}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil && err.Error() != "EOF" {
			s.writeError(w, uerr.NewInputError("invalid tool arguments", err.Error(), "send a JSON object body"))
			return
		}
	}

	res := s.registry.Execute(r.Context(), tools.Call{Name: name, Args: args})
	if res.Error != "" {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   res.Error,
		})
		return
	}
	body := map[string]any{
		"success":     true,
		"result":      res.Output,
		"duration_ms": res.DurationMs,
	}
	if res.Stale {
		body["stale"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleQueueFileChange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path       string `json:"path"`
		ChangeType string `json:"change_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, uerr.NewInputError("invalid request body", err.Error(), "send {path, change_type}"))
		return
	}

	var typ watcher.ChangeType
	switch req.ChangeType {
	case "created":
		typ = watcher.Created
	case "updated":
		typ = watcher.Updated
	case "deleted":
		typ = watcher.Deleted
	default:
		s.writeError(w, uerr.NewInputError(
			fmt.Sprintf("invalid change_type %q", req.ChangeType), "",
			"use created, updated, or deleted"))
		return
	}

	wtc, ok := s.projects.WatcherForPath(req.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   fmt.Sprintf("no watcher covers %s", req.Path),
		})
		return
	}
	wtc.QueueChange(req.Path, typ)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting_down"})
	s.triggerShutdown("shutdown request")
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sink == nil {
		s.writeError(w, uerr.NewInputError("log sink not configured", "", ""))
		return
	}
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeError(w, uerr.NewInputError("invalid lines parameter", v, "pass a non-negative integer"))
			return
		}
		n = parsed
	}
	lines, total, err := s.opts.Sink.Tail(n)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"log_file":       s.opts.Sink.Path(),
		"total_lines":    total,
		"returned_lines": len(lines),
		"logs":           lines,
	})
}

// handleLogStream serves live log lines over SSE. A comment heartbeat every
// 15s keeps intermediaries from closing the idle connection.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sink == nil {
		s.writeError(w, uerr.NewInputError("log sink not configured", "", ""))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, uerr.NewInputError("streaming unsupported", "", ""))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if lines, _, err := s.opts.Sink.Tail(n); err == nil {
				for _, line := range lines {
					fmt.Fprintf(w, "data: %s\n\n", line)
				}
			}
		}
	}
	flusher.Flush()

	id, ch := s.opts.Sink.Subscribe()
	defer s.opts.Sink.Unsubscribe(id)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handlePersonaActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.personas.Active())
}

func (s *Server) handlePersonaList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"personas": s.personas.List()})
}

func (s *Server) handlePersonaSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, uerr.NewInputError("invalid request body", err.Error(), "send {identifier}"))
		return
	}
	p, err := s.personas.SetActive(req.Identifier)
	if err != nil {
		s.writeError(w, uerr.NewInputError(err.Error(), "", "list personas with /persona/list"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePersonaCreate(w http.ResponseWriter, r *http.Request) {
	var req Persona
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, uerr.NewInputError("invalid request body", err.Error(), "send {name,color,language,description}"))
		return
	}
	p, err := s.personas.Create(req)
	if err != nil {
		s.writeError(w, uerr.NewInputError(err.Error(), "", ""))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePersonaDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, uerr.NewInputError("invalid request body", err.Error(), "send {name}"))
		return
	}
	if err := s.personas.Delete(req.Name); err != nil {
		s.writeError(w, uerr.NewInputError(err.Error(), "", ""))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
