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

	"github.com/kraklabs/ragforge/pkg/graph"
)

// BrainGraph is the graph surface the knowledge tools need. *graph.Store
// satisfies it.
type BrainGraph interface {
	Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error)
	VectorSearch(ctx context.Context, indexName string, queryEmbedding []float32, topK int, opts graph.SearchOptions) ([]graph.SearchHit, error)
}

// QueryEmbedder embeds retrieval queries for brain_search.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// schemaObject builds a minimal JSON schema for a tool input.
func schemaObject(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func argFloat(args map[string]any, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// RegisterBrainTools adds the knowledge-graph tools: project listing,
// semantic search, raw cypher, and project forgetting.
func RegisterBrainTools(r *Registry, g BrainGraph, embedder QueryEmbedder, scopeIndex string) error {
	brainTools := []*Tool{
		{
			Name:        "brain_projects",
			Description: "List the projects stored in the knowledge graph",
			Category:    CategoryBrain,
			ReadsGraph:  true,
			InputSchema: schemaObject(map[string]any{}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				qr, err := g.Run(ctx, "MATCH (p:Project) RETURN properties(p) AS props ORDER BY p.id", nil)
				if err != nil {
					return nil, err
				}
				projects := make([]any, 0, len(qr.Records))
				for _, rec := range qr.Records {
					projects = append(projects, rec["props"])
				}
				return map[string]any{"projects": projects, "count": len(projects)}, nil
			},
		},
		{
			Name:        "brain_search",
			Description: "Semantic search over ingested code scopes",
			Category:    CategoryBrain,
			ReadsGraph:  true,
			InputSchema: schemaObject(map[string]any{
				"query":     map[string]any{"type": "string", "description": "Natural-language query"},
				"top_k":     map[string]any{"type": "integer", "default": 10},
				"min_score": map[string]any{"type": "number", "default": 0.5},
			}, "query"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				query := argString(args, "query")
				if query == "" {
					return nil, fmt.Errorf("query is required")
				}
				if embedder == nil {
					return nil, fmt.Errorf("semantic search requires an embedding provider")
				}
				embedding, err := embedder.EmbedQuery(ctx, query)
				if err != nil {
					return nil, fmt.Errorf("embed query: %w", err)
				}
				hits, err := g.VectorSearch(ctx, scopeIndex, embedding,
					argInt(args, "top_k", 10),
					graph.SearchOptions{MinScore: argFloat(args, "min_score", 0.5)})
				if err != nil {
					return nil, err
				}
				return map[string]any{"hits": hits, "count": len(hits)}, nil
			},
		},
		{
			Name:        "run_cypher",
			Description: "Run a raw Cypher query against the knowledge graph",
			Category:    CategoryBrain,
			ReadsGraph:  true,
			InputSchema: schemaObject(map[string]any{
				"query":  map[string]any{"type": "string"},
				"params": map[string]any{"type": "object"},
			}, "query"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				query := argString(args, "query")
				if query == "" {
					return nil, fmt.Errorf("query is required")
				}
				params, _ := args["params"].(map[string]any)
				qr, err := g.Run(ctx, query, params)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"records":  qr.Records,
					"counters": qr.Counters,
				}, nil
			},
		},
		{
			Name:        "brain_forget",
			Description: "Remove a project and everything ingested under its path",
			Category:    CategoryBrain,
			InputSchema: schemaObject(map[string]any{
				"project_path": map[string]any{"type": "string", "description": "Absolute project root"},
			}, "project_path"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				path := argString(args, "project_path")
				if path == "" {
					return nil, fmt.Errorf("project_path is required")
				}
				qr, err := g.Run(ctx, `
					MATCH (f:File) WHERE f.path STARTS WITH $prefix
					OPTIONAL MATCH (f)-[:HAS_SCOPE]->(s:Scope)
					DETACH DELETE s, f
					WITH count(*) AS _
					MATCH (d:Directory) WHERE d.path STARTS WITH $prefix
					DETACH DELETE d
					WITH count(*) AS __
					MATCH (p:Project {id: $path})
					DETACH DELETE p`,
					map[string]any{"path": path, "prefix": path + "/"})
				if err != nil {
					return nil, err
				}
				return map[string]any{"forgotten": path, "nodes_deleted": qr.Counters.NodesDeleted}, nil
			},
		},
	}

	for _, t := range brainTools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
