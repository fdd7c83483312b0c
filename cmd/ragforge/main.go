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

// Package main implements the ragforge CLI: a thin client for the
// knowledge-graph daemon plus the daemon entry point itself.
//
// Usage:
//
//	ragforge start               Ensure the daemon is running
//	ragforge daemon              Run the daemon in the foreground
//	ragforge stop                Shut the daemon down
//	ragforge status [--json]     Show daemon status
//	ragforge ingest [path]       One-shot full ingestion (no daemon)
//	ragforge tool <name> [json]  Invoke a tool through the daemon
//	ragforge logs [--follow]     Show or stream the daemon log
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/ragforge/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags carry options every subcommand honors.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		jsonOutput  = flag.Bool("json", false, "Machine-readable JSON output")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
		configPath  = flag.String("config", "", "Path to config.yaml (default: ~/.ragforge/config.yaml)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `RagForge - Knowledge-Graph Daemon

RagForge keeps a live knowledge graph of your source trees: parsed
structure, embeddings, and conversation memory, served to agents and
editors over a loopback HTTP API.

Usage:
  ragforge <command> [options]

Commands:
  start    Ensure the daemon is running (spawning it if needed)
  daemon   Run the daemon in the foreground (what start spawns)
  stop     Ask the daemon to drain and shut down
  status   Show daemon status
  ingest   One-shot full ingestion of a source tree, without the daemon
  tool     Invoke a daemon tool: ragforge tool brain_search '{"query":"..."}'
  logs     Show recent daemon logs, or stream them with --follow

Global Options:
  --json       Machine-readable output
  --no-color   Disable colored output
  --config     Path to config.yaml
  --version    Show version and exit

Environment Variables:
  RAGFORGE_HOME            Config directory (default: ~/.ragforge)
  RAGFORGE_DAEMON_PORT     Daemon port (default: 6969)
  RAGFORGE_DAEMON_VERBOSE  Set to 1 for debug logging

For detailed command help: ragforge <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ragforge version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	globals := GlobalFlags{JSON: *jsonOutput, NoColor: *noColor}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "daemon":
		runDaemon(cmdArgs, *configPath, globals)
	case "start":
		runStart(cmdArgs, globals)
	case "stop":
		runStop(cmdArgs, globals)
	case "status":
		runStatus(cmdArgs, globals)
	case "ingest":
		runIngest(cmdArgs, *configPath, globals)
	case "tool":
		runTool(cmdArgs, globals)
	case "logs":
		runLogs(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
