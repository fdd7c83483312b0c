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
	"fmt"
	"os"
	"os/exec"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ragforge/internal/config"
	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/internal/output"
	"github.com/kraklabs/ragforge/internal/ui"
	"github.com/kraklabs/ragforge/pkg/daemon"
)

func runStart(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	port := fs.Int("port", config.DaemonPort(), "Daemon port")
	timeout := fs.Duration("timeout", daemon.DefaultStartupTimeout, "How long to wait for the daemon to become healthy")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ragforge start [options]

Description:
  Ensure the knowledge-graph daemon is running, spawning it in the
  background if it is not. Safe to run from several shells at once:
  only one caller spawns, the rest wait for it.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if err := config.EnsureDirs(); err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	if !globals.JSON {
		ui.Header("Starting RagForge daemon")
	}

	err := daemon.EnsureRunning(context.Background(), daemon.EnsureOptions{
		Port:           *port,
		StartupTimeout: *timeout,
		LockPath:       config.StartupLockPath(),
		Spawn:          func() error { return spawnDaemon(*port) },
	})
	if err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSONCompact(map[string]any{"status": "running", "port": *port})
		return
	}
	ui.Successf("Daemon is running on port %d", *port)
	ui.Info("Check it with: ragforge status")
}

// spawnDaemon execs this binary's own `daemon` subcommand, detached, with
// stdout/stderr appended to the client log.
func spawnDaemon(port int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}

	logFile, err := os.OpenFile(config.ClientLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open client log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(exe, "daemon", "--port", fmt.Sprintf("%d", port))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("cannot spawn daemon: %w", err)
	}
	// Reap the child when it eventually exits so it never zombies; the
	// daemon outlives us, so this goroutine usually dies with the process.
	go func() { _ = cmd.Wait() }()

	fmt.Fprintf(logFile, "[%s] spawned daemon pid=%d port=%d\n",
		time.Now().Format(time.RFC3339), cmd.Process.Pid, port)
	return nil
}
