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
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ragforge/internal/config"
	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/internal/output"
	"github.com/kraklabs/ragforge/internal/ui"
	"github.com/kraklabs/ragforge/pkg/daemon"
)

type logsResult struct {
	LogFile       string   `json:"log_file"`
	TotalLines    int      `json:"total_lines"`
	ReturnedLines int      `json:"returned_lines"`
	Logs          []string `json:"logs"`
}

func runLogs(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	port := fs.Int("port", config.DaemonPort(), "Daemon port")
	lines := fs.Int("lines", 100, "Number of trailing lines to show")
	follow := fs.BoolP("follow", "f", false, "Stream new log lines as they arrive")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ragforge logs [options]

Description:
  Show the daemon's recent log lines, or stream them live with --follow.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *follow {
		if err := streamLogs(*port, *lines); err != nil {
			uerr.FatalError(err, globals.JSON)
		}
		return
	}

	client := daemon.NewClient(*port, nil)
	var res logsResult
	if err := client.Get(context.Background(), fmt.Sprintf("/logs?lines=%d", *lines), &res); err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		_ = output.JSONCompact(res)
		return
	}

	ui.Infof("%s (last %d of %d lines)", res.LogFile, res.ReturnedLines, res.TotalLines)
	for _, line := range res.Logs {
		fmt.Println(line)
	}
}

// streamLogs tails the daemon's SSE log stream until interrupted.
func streamLogs(port, backfill int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/logs/stream?tail=%d", port, backfill)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return uerr.NewUpstreamError("daemon not reachable", err.Error(),
			"start it with `ragforge start`", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return uerr.NewUpstreamError("log stream refused",
			fmt.Sprintf("daemon answered %s", resp.Status), "check `ragforge status`", nil)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			fmt.Println(strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ":"):
			// heartbeat
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
