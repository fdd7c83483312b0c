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

func runTool(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("tool", flag.ExitOnError)
	port := fs.Int("port", config.DaemonPort(), "Daemon port")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ragforge tool <name> [json-arguments] [options]

Description:
  Invoke a daemon tool directly. Arguments are a single JSON object.

Examples:
  ragforge tool brain_list_tools
  ragforge tool brain_search '{"query": "watcher debounce", "top_k": 5}'
  ragforge tool project_load '{"path": "/home/me/src/app"}'

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		os.Exit(1)
	}
	name := rest[0]

	toolArgs := map[string]any{}
	if len(rest) > 1 {
		if err := json.Unmarshal([]byte(rest[1]), &toolArgs); err != nil {
			uerr.FatalError(uerr.NewInputError("arguments must be a JSON object",
				err.Error(), `e.g. '{"query": "..."}'`), globals.JSON)
		}
	}

	client := daemon.NewClient(*port, nil)
	var raw json.RawMessage
	if err := client.Post(context.Background(), "/tool/"+name, toolArgs, &raw); err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSONCompact(raw)
		return
	}

	// Pretty-print for humans; fall back to the raw bytes.
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return
	}
	if stale, ok := pretty["stale"].(bool); ok && stale {
		ui.Warning("Result may be stale: an ingestion is in progress")
	}
	_ = output.JSON(pretty)
}
