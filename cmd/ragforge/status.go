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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ragforge/internal/config"
	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/internal/output"
	"github.com/kraklabs/ragforge/internal/ui"
	"github.com/kraklabs/ragforge/pkg/daemon"
)

// statusResult mirrors the daemon's /status payload.
type statusResult struct {
	Status        string `json:"status"`
	PID           int    `json:"pid"`
	Port          int    `json:"port"`
	UptimeHuman   string `json:"uptime_human"`
	LastActivity  string `json:"last_activity"`
	RequestCount  int64  `json:"request_count"`
	IdleTimeoutMS int64  `json:"idle_timeout_ms"`
	Brain         struct {
		Connected       bool   `json:"connected"`
		Projects        int    `json:"projects"`
		Watchers        int    `json:"watchers"`
		IngestionStatus string `json:"ingestion_status"`
		EmbeddingStatus string `json:"embedding_status"`
		PendingEdits    int    `json:"pending_edits"`
		BrainPath       string `json:"brain_path"`
	} `json:"brain"`
	Tools struct {
		Count int `json:"count"`
	} `json:"tools"`
	Memory struct {
		RSSMB      uint64 `json:"rss_mb"`
		HeapUsedMB uint64 `json:"heap_used_mb"`
	} `json:"memory"`
}

func runStatus(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	port := fs.Int("port", config.DaemonPort(), "Daemon port")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ragforge status [options]

Description:
  Show the daemon's state: uptime, projects, watchers, lock status,
  tool count, and memory use.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx := context.Background()
	client := daemon.NewClient(*port, nil)

	if !client.Healthy(ctx) {
		if globals.JSON {
			_ = output.JSONCompact(map[string]any{"status": "not_running", "port": *port})
			os.Exit(1)
		}
		ui.Warningf("Daemon is not running on port %d", *port)
		ui.Info("Start it with: ragforge start")
		os.Exit(1)
	}

	if globals.JSON {
		var raw json.RawMessage
		if err := client.Get(ctx, "/status", &raw); err != nil {
			uerr.FatalError(err, true)
		}
		_ = output.JSONCompact(raw)
		return
	}

	var st statusResult
	if err := client.Get(ctx, "/status", &st); err != nil {
		uerr.FatalError(err, false)
	}

	ui.Header("RagForge Daemon")
	fmt.Printf("  State:          %s\n", st.Status)
	fmt.Printf("  PID:            %d\n", st.PID)
	fmt.Printf("  Port:           %d\n", st.Port)
	fmt.Printf("  Uptime:         %s\n", st.UptimeHuman)
	fmt.Printf("  Requests:       %d\n", st.RequestCount)
	fmt.Println()

	ui.Header("Brain")
	fmt.Printf("  Graph:          %s\n", connectedWord(st.Brain.Connected))
	fmt.Printf("  Projects:       %d\n", st.Brain.Projects)
	fmt.Printf("  Watchers:       %d\n", st.Brain.Watchers)
	fmt.Printf("  Ingestion:      %s\n", st.Brain.IngestionStatus)
	fmt.Printf("  Embedding:      %s\n", st.Brain.EmbeddingStatus)
	fmt.Printf("  Pending edits:  %d\n", st.Brain.PendingEdits)
	fmt.Println()

	fmt.Printf("  Tools:          %d registered\n", st.Tools.Count)
	fmt.Printf("  Memory:         %d MB rss, %d MB heap\n", st.Memory.RSSMB, st.Memory.HeapUsedMB)
}

func connectedWord(connected bool) string {
	if connected {
		return "connected"
	}
	return "not connected (dials on first use)"
}
