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
)

// ProjectOps are the callbacks the project tools dispatch to. The daemon
// wires them against its project registry, ingestor, and embedder; keeping
// them as functions avoids a dependency on the daemon package.
type ProjectOps struct {
	// Create registers a project root.
	Create func(ctx context.Context, path, displayName string) (any, error)
	// Load registers a project and starts its watcher.
	Load func(ctx context.Context, path string) (any, error)
	// Ingest runs a full parse and ingestion of a project root.
	Ingest func(ctx context.Context, path string) (any, error)
	// Embed runs the embedding pipeline over dirty nodes.
	Embed func(ctx context.Context, path string) (any, error)
}

func projectHandler(name string, fn func(ctx context.Context, path string) (any, error)) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		path := argString(args, "path")
		if path == "" {
			return nil, fmt.Errorf("path is required")
		}
		if fn == nil {
			return nil, fmt.Errorf("%s is not available in this process", name)
		}
		return fn(ctx, path)
	}
}

// RegisterProjectTools adds the project-management tools. These run in
// stage one of a batch: sequentially, before any file mutation or read.
func RegisterProjectTools(r *Registry, ops ProjectOps) error {
	pathSchema := schemaObject(map[string]any{
		"path": map[string]any{"type": "string", "description": "Absolute project root"},
	}, "path")

	projectTools := []*Tool{
		{
			Name:        "project_create",
			Description: "Register a project root with the daemon",
			Category:    CategoryProject,
			InputSchema: schemaObject(map[string]any{
				"path":         map[string]any{"type": "string"},
				"display_name": map[string]any{"type": "string"},
			}, "path"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path := argString(args, "path")
				if path == "" {
					return nil, fmt.Errorf("path is required")
				}
				if ops.Create == nil {
					return nil, fmt.Errorf("project_create is not available in this process")
				}
				return ops.Create(ctx, path, argString(args, "display_name"))
			},
		},
		{
			Name:        "project_load",
			Description: "Register a project and start watching it",
			Category:    CategoryProject,
			InputSchema: pathSchema,
			Handler:     projectHandler("project_load", ops.Load),
		},
		{
			Name:        "project_ingest",
			Description: "Run a full parse and ingestion of a project",
			Category:    CategoryProject,
			Mutating:    true,
			InputSchema: pathSchema,
			Handler:     projectHandler("project_ingest", ops.Ingest),
		},
		{
			Name:        "project_embed",
			Description: "Generate embeddings for nodes marked dirty",
			Category:    CategoryProject,
			Mutating:    true,
			InputSchema: pathSchema,
			Handler:     projectHandler("project_embed", ops.Embed),
		},
	}

	for _, t := range projectTools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
