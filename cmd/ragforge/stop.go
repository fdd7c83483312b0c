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
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ragforge/internal/config"
	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/internal/output"
	"github.com/kraklabs/ragforge/internal/ui"
	"github.com/kraklabs/ragforge/pkg/daemon"
)

func runStop(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	port := fs.Int("port", config.DaemonPort(), "Daemon port")
	wait := fs.Duration("wait", 30*time.Second, "How long to wait for the daemon to go away (0 = don't wait)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ragforge stop [options]

Description:
  Ask the daemon to drain in-flight work and shut down.

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
			_ = output.JSONCompact(map[string]any{"status": "not_running"})
			return
		}
		ui.Info("Daemon is not running")
		return
	}

	var resp map[string]any
	if err := client.Post(ctx, "/shutdown", nil, &resp); err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	if *wait > 0 {
		deadline := time.Now().Add(*wait)
		for time.Now().Before(deadline) {
			if !client.Healthy(ctx) {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
		if client.Healthy(ctx) {
			uerr.FatalError(uerr.NewTimeoutError("daemon still running",
				fmt.Sprintf("it did not stop within %s (a long drain may be in progress)", *wait),
				"check `ragforge logs` or retry with a longer --wait", nil), globals.JSON)
		}
	}

	if globals.JSON {
		_ = output.JSONCompact(map[string]any{"status": "stopped"})
		return
	}
	ui.Success("Daemon stopped")
}
