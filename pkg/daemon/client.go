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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/pkg/locks"
)

// DefaultStartupTimeout bounds how long a client waits for the daemon to
// report healthy.
const DefaultStartupTimeout = 30 * time.Second

const healthPollInterval = 250 * time.Millisecond

// Client talks to a running daemon over loopback HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for the daemon on port.
func NewClient(port int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Healthy reports whether the daemon answers /health with status ok.
func (c *Client) Healthy(ctx context.Context) bool {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.Get(ctx, "/health", &out); err != nil {
		return false
	}
	return out.Status == "ok"
}

// Get performs a GET and decodes the JSON response into out (nil to discard).
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// Post performs a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return uerr.NewUpstreamError("daemon not reachable", err.Error(),
			"start it with `ragforge start`", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("daemon: %s", e.Error)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// EnsureOptions parameterize the single-owner startup discipline.
type EnsureOptions struct {
	Port           int
	StartupTimeout time.Duration
	// LockPath is the filesystem startup lock file.
	LockPath string
	// Spawn starts the daemon process (or initializes it in-process). It is
	// called at most once, only by the process that won the startup lock.
	Spawn func() error
	Logger *slog.Logger
}

// EnsureRunning makes sure exactly one daemon serves the port, whichever
// process calls it first:
//
//  1. If /health already answers ok, return as a client.
//  2. If the port is bound but health fails, another daemon is coming up:
//     poll health until StartupTimeout.
//  3. Otherwise race for the filesystem startup lock (stale at mtime+30s).
//     The winner spawns the daemon and releases the lock on exit; losers
//     poll health.
func EnsureRunning(ctx context.Context, opts EnsureOptions) error {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := NewClient(opts.Port, logger)

	if client.Healthy(ctx) {
		return nil
	}

	if portInUse(opts.Port) {
		logger.Info("daemon.ensure.port_busy", "port", opts.Port)
		return pollHealth(ctx, client, opts.StartupTimeout)
	}

	acquired, err := locks.WithStartupLock(opts.LockPath, func() error {
		logger.Info("daemon.ensure.spawning", "port", opts.Port)
		if err := opts.Spawn(); err != nil {
			return fmt.Errorf("spawn daemon: %w", err)
		}
		return pollHealth(ctx, client, opts.StartupTimeout)
	})
	if err != nil {
		return err
	}
	if !acquired {
		// Someone else holds a fresh startup lock; they are spawning.
		logger.Info("daemon.ensure.waiting_on_lock", "path", opts.LockPath)
		return pollHealth(ctx, client, opts.StartupTimeout)
	}
	return nil
}

// portInUse probes whether anything is bound to the loopback port.
func portInUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// pollHealth waits for /health to answer ok, up to timeout.
func pollHealth(ctx context.Context, client *Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	return uerr.NewTimeoutError("daemon did not become healthy",
		fmt.Sprintf("waited %s", timeout),
		"check logs/daemon.log for startup errors", nil)
}
