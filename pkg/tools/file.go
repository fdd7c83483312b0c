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

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadBytes caps read_content output.
const maxReadBytes = 256 * 1024

// resolveInRoot joins a relative path against root and rejects escapes.
func resolveInRoot(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes project root", path)
	}
	return abs, nil
}

// RegisterFileTools adds filesystem tools scoped to a project root.
// read_content and explore_source are treated as graph readers: their
// output should reflect what the graph has ingested, so they wait for
// writes to drain like the search tools do.
func RegisterFileTools(r *Registry, root string) error {
	root = filepath.Clean(root)

	fileTools := []*Tool{
		{
			Name:        "read_content",
			Description: "Read a file, optionally a line range",
			Category:    CategoryFile,
			ReadsGraph:  true,
			InputSchema: schemaObject(map[string]any{
				"path":       map[string]any{"type": "string"},
				"start_line": map[string]any{"type": "integer"},
				"end_line":   map[string]any{"type": "integer"},
			}, "path"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				abs, err := resolveInRoot(root, argString(args, "path"))
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return nil, err
				}
				if len(data) > maxReadBytes {
					data = data[:maxReadBytes]
				}
				content := string(data)

				start := argInt(args, "start_line", 0)
				end := argInt(args, "end_line", 0)
				if start > 0 || end > 0 {
					lines := strings.Split(content, "\n")
					if start < 1 {
						start = 1
					}
					if end == 0 || end > len(lines) {
						end = len(lines)
					}
					if start > len(lines) {
						return nil, fmt.Errorf("start_line %d past end of file (%d lines)", start, len(lines))
					}
					content = strings.Join(lines[start-1:end], "\n")
				}
				return map[string]any{"path": abs, "content": content}, nil
			},
		},
		{
			Name:        "explore_source",
			Description: "List files and directories under a path",
			Category:    CategoryFile,
			ReadsGraph:  true,
			InputSchema: schemaObject(map[string]any{
				"path": map[string]any{"type": "string", "description": "Defaults to the project root"},
			}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path := argString(args, "path")
				if path == "" {
					path = root
				}
				abs, err := resolveInRoot(root, path)
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(abs)
				if err != nil {
					return nil, err
				}
				var dirs, files []string
				for _, e := range entries {
					if strings.HasPrefix(e.Name(), ".") {
						continue
					}
					if e.IsDir() {
						dirs = append(dirs, e.Name()+"/")
					} else {
						files = append(files, e.Name())
					}
				}
				sort.Strings(dirs)
				sort.Strings(files)
				return map[string]any{"path": abs, "directories": dirs, "files": files}, nil
			},
		},
		{
			Name:        "file_write",
			Description: "Create or overwrite a file",
			Category:    CategoryFile,
			Mutating:    true,
			InputSchema: schemaObject(map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}, "path", "content"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				abs, err := resolveInRoot(root, argString(args, "path"))
				if err != nil {
					return nil, err
				}
				content := argString(args, "content")
				if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
					return nil, err
				}
				return map[string]any{"path": abs, "bytes_written": len(content)}, nil
			},
		},
		{
			Name:        "file_edit",
			Description: "Replace an exact string in a file",
			Category:    CategoryFile,
			Mutating:    true,
			InputSchema: schemaObject(map[string]any{
				"path":       map[string]any{"type": "string"},
				"old_string": map[string]any{"type": "string"},
				"new_string": map[string]any{"type": "string"},
			}, "path", "old_string", "new_string"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				abs, err := resolveInRoot(root, argString(args, "path"))
				if err != nil {
					return nil, err
				}
				oldStr := argString(args, "old_string")
				if oldStr == "" {
					return nil, fmt.Errorf("old_string is required")
				}
				data, err := os.ReadFile(abs)
				if err != nil {
					return nil, err
				}
				content := string(data)
				n := strings.Count(content, oldStr)
				if n == 0 {
					return nil, fmt.Errorf("old_string not found in %s", abs)
				}
				if n > 1 {
					return nil, fmt.Errorf("old_string matches %d locations in %s; provide more context", n, abs)
				}
				content = strings.Replace(content, oldStr, argString(args, "new_string"), 1)
				if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
					return nil, err
				}
				return map[string]any{"path": abs, "replaced": true}, nil
			},
		},
		{
			Name:        "file_delete",
			Description: "Delete a file",
			Category:    CategoryFile,
			Mutating:    true,
			InputSchema: schemaObject(map[string]any{
				"path": map[string]any{"type": "string"},
			}, "path"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				abs, err := resolveInRoot(root, argString(args, "path"))
				if err != nil {
					return nil, err
				}
				info, err := os.Stat(abs)
				if err != nil {
					return nil, err
				}
				if info.IsDir() {
					return nil, fmt.Errorf("%s is a directory", abs)
				}
				if err := os.Remove(abs); err != nil {
					return nil, err
				}
				return map[string]any{"path": abs, "deleted": true}, nil
			},
		},
	}

	for _, t := range fileTools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
