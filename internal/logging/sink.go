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

// Package logging provides the daemon's log sink.
//
// The sink has three outputs: an append-only log file, a fan-out to live
// subscribers (the /logs/stream SSE endpoint), and an EPIPE-safe mirror to
// the original terminal. A write on a closed pipe must never crash the
// daemon, so mirror errors are swallowed.
package logging

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// Sink is an io.Writer that appends to a log file, fans out complete lines to
// subscribers, and mirrors to the original terminal.
//
// Sink is safe for concurrent use. It implements io.Writer so it can back a
// slog handler directly.
type Sink struct {
	mu          sync.Mutex
	file        *os.File
	filePath    string
	mirror      io.Writer
	subscribers map[int]chan string
	nextSubID   int
	partial     strings.Builder
}

// NewSink opens (creating if needed) the log file at path in append mode.
// mirror is the original terminal writer; pass nil to disable mirroring.
func NewSink(path string, mirror io.Writer) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, err
	}
	return &Sink{
		file:        f,
		filePath:    path,
		mirror:      mirror,
		subscribers: make(map[int]chan string),
	}, nil
}

// Write appends p to the log file, mirrors it to the terminal, and broadcasts
// complete lines to subscribers. File write errors are returned; mirror and
// subscriber failures are swallowed (Transient per the error taxonomy).
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.file.Write(p)

	if s.mirror != nil {
		if _, merr := s.mirror.Write(p); merr != nil && !isBrokenPipe(merr) {
			// Non-EPIPE mirror failures are also non-fatal. The file copy
			// is the source of truth.
			_ = merr
		}
	}

	// Accumulate partial lines so subscribers only ever see whole lines.
	s.partial.Write(p)
	for {
		buffered := s.partial.String()
		idx := strings.IndexByte(buffered, '\n')
		if idx < 0 {
			break
		}
		line := buffered[:idx]
		s.partial.Reset()
		s.partial.WriteString(buffered[idx+1:])
		s.broadcastLocked(line)
	}

	return n, err
}

// broadcastLocked sends one line to every subscriber, dropping the line for
// subscribers whose channel is full. Callers hold s.mu.
func (s *Sink) broadcastLocked(line string) {
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe registers a live log consumer. The returned channel receives one
// log line per message; slow consumers lose lines rather than block writers.
// Call Unsubscribe with the returned id when done.
func (s *Sink) Subscribe() (int, <-chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan string, 256)
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Sink) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Path returns the log file path.
func (s *Sink) Path() string {
	return s.filePath
}

// Tail returns the last n lines of the log file and the total line count.
func (s *Sink) Tail(n int) ([]string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.filePath)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}

	total := len(lines)
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, total, nil
}

// Close closes the log file and all subscriber channels.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	return s.file.Close()
}

// isBrokenPipe reports whether err is a write-on-closed-pipe failure.
func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe)
}

// NewLogger builds a slog.Logger writing to the sink.
// verbose enables debug-level records.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
