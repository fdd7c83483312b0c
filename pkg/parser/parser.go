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

// Package parser turns a source tree into a graph delta.
//
// A Parser walks the files selected by include/exclude globs (or an explicit
// changed-file set) and emits nodes and edges keyed by stable prefixed IDs.
// The ingestor resolves each key's label from its prefix, so deltas are
// self-describing and safe to replay.
package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Node labels emitted in deltas.
const (
	LabelProject         = "Project"
	LabelDirectory       = "Directory"
	LabelFile            = "File"
	LabelScope           = "Scope"
	LabelExternalLibrary = "ExternalLibrary"
)

// Key prefixes. Every delta key carries its label namespace.
const (
	PrefixFile    = "file:"
	PrefixDir     = "dir:"
	PrefixScope   = "scope:"
	PrefixLib     = "lib:"
	PrefixProject = "project:"
)

// Request selects what to parse. An empty ChangedFiles means a full scan of
// RootPath; otherwise only the listed files are parsed (still subject to the
// globs).
type Request struct {
	RootPath     string
	IncludeGlobs []string
	ExcludeGlobs []string
	ChangedFiles []string
}

// Node is one graph node in a delta. Key carries the label prefix;
// Properties is a flat map ready for an upsert row.
type Node struct {
	Key        string
	Label      string
	Properties map[string]any
}

// Edge is one graph edge in a delta. From and To are prefixed keys.
type Edge struct {
	Type       string
	From       string
	To         string
	Properties map[string]any
}

// Stats counts what one parse produced, by label.
type Stats struct {
	Directories int `json:"directories"`
	Files       int `json:"files"`
	Scopes      int `json:"scopes"`
	Libraries   int `json:"libraries"`
}

// Delta is the parse output the ingestor applies.
type Delta struct {
	Nodes          []Node
	Edges          []Edge
	FilesProcessed int
	Stats          Stats
}

// Parser is the language-adapter contract.
type Parser interface {
	Parse(ctx context.Context, req Request) (*Delta, error)
}

// NormalizePath makes a path stable across platforms for key generation:
// forward slashes, no leading "./", cleaned.
func NormalizePath(path string) string {
	path = strings.TrimPrefix(path, "./")
	return filepath.ToSlash(filepath.Clean(path))
}

// FileKey returns the delta key for a file path.
func FileKey(path string) string { return PrefixFile + NormalizePath(path) }

// DirKey returns the delta key for a directory path.
func DirKey(path string) string { return PrefixDir + NormalizePath(path) }

// LibKey returns the delta key for an external library import path.
func LibKey(importPath string) string { return PrefixLib + importPath }

// ProjectKey returns the delta key for a project root.
func ProjectKey(rootPath string) string { return PrefixProject + NormalizePath(rootPath) }

// ScopeUUID generates the deterministic identity of a scope from its file,
// name, and full position range. The signature is deliberately excluded so
// IDs stay stable when signature extraction improves.
func ScopeUUID(filePath, name string, startLine, endLine, startCol, endCol int) string {
	idStr := fmt.Sprintf("%s|%s|%d|%d|%d|%d",
		NormalizePath(filePath), name, startLine, endLine, startCol, endCol)
	hash := sha256.Sum256([]byte(idStr))
	return hex.EncodeToString(hash[:])
}

// ScopeKey returns the delta key for a scope uuid.
func ScopeKey(uuid string) string { return PrefixScope + uuid }

// LabelForKey resolves a delta key's label from its prefix. Returns ""
// for an unknown prefix.
func LabelForKey(key string) string {
	switch {
	case strings.HasPrefix(key, PrefixFile):
		return LabelFile
	case strings.HasPrefix(key, PrefixDir):
		return LabelDirectory
	case strings.HasPrefix(key, PrefixScope):
		return LabelScope
	case strings.HasPrefix(key, PrefixLib):
		return LabelExternalLibrary
	case strings.HasPrefix(key, PrefixProject):
		return LabelProject
	}
	return ""
}

// KeyValue strips the label prefix, leaving the value stored in the node's
// key field.
func KeyValue(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// KeyField returns the node property a label is keyed by.
func KeyField(label string) string {
	switch label {
	case LabelScope:
		return "uuid"
	case LabelExternalLibrary:
		return "name"
	case LabelProject:
		return "id"
	default:
		return "path"
	}
}
