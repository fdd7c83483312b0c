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
	"encoding/json"
	"fmt"

	"github.com/kraklabs/ragforge/pkg/memory"
)

// RegisterConversationTools adds conversation lifecycle tools. Reading and
// debugging conversations lives in the debug tool set; these mutate.
func RegisterConversationTools(r *Registry, store *memory.Store) error {
	idSchema := schemaObject(map[string]any{
		"conversation_id": map[string]any{"type": "string"},
	}, "conversation_id")

	convTools := []*Tool{
		{
			Name:        "conversation_create",
			Description: "Start a new conversation and return its id",
			Category:    CategoryBrain,
			InputSchema: schemaObject(map[string]any{
				"title": map[string]any{"type": "string"},
				"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "title"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				title := argString(args, "title")
				if title == "" {
					return nil, fmt.Errorf("title is required")
				}
				var tags []string
				if raw, ok := args["tags"].([]any); ok {
					for _, t := range raw {
						if s, ok := t.(string); ok {
							tags = append(tags, s)
						}
					}
				}
				conv, err := store.CreateConversation(ctx, title, tags)
				if err != nil {
					return nil, err
				}
				return map[string]any{"conversation": conv}, nil
			},
		},
		{
			Name:        "conversation_archive",
			Description: "Archive a conversation (kept, excluded from active lists)",
			Category:    CategoryBrain,
			InputSchema: idSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id := argString(args, "conversation_id")
				if id == "" {
					return nil, fmt.Errorf("conversation_id is required")
				}
				if err := store.SetStatus(ctx, id, memory.StatusArchived); err != nil {
					return nil, err
				}
				return map[string]any{"conversation_id": id, "status": memory.StatusArchived}, nil
			},
		},
		{
			Name:        "conversation_delete",
			Description: "Delete a conversation with its messages and summaries",
			Category:    CategoryBrain,
			InputSchema: idSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id := argString(args, "conversation_id")
				if id == "" {
					return nil, fmt.Errorf("conversation_id is required")
				}
				if err := store.DeleteConversation(ctx, id); err != nil {
					return nil, err
				}
				return map[string]any{"conversation_id": id, "deleted": true}, nil
			},
		},
		{
			Name:        "conversation_export",
			Description: "Export a conversation with all messages and summaries",
			Category:    CategoryBrain,
			InputSchema: idSchema,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id := argString(args, "conversation_id")
				if id == "" {
					return nil, fmt.Errorf("conversation_id is required")
				}
				exp, err := store.ExportConversation(ctx, id)
				if err != nil {
					return nil, err
				}
				return exp, nil
			},
		},
		{
			Name:        "conversation_import",
			Description: "Recreate a conversation from an exported payload",
			Category:    CategoryBrain,
			InputSchema: schemaObject(map[string]any{
				"export": map[string]any{"type": "object", "description": "A conversation_export payload"},
			}, "export"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				raw, ok := args["export"]
				if !ok {
					return nil, fmt.Errorf("export is required")
				}
				// Round-trip through JSON: tool args arrive as generic maps.
				data, err := json.Marshal(raw)
				if err != nil {
					return nil, fmt.Errorf("export is not serializable: %w", err)
				}
				var exp memory.Export
				if err := json.Unmarshal(data, &exp); err != nil {
					return nil, fmt.Errorf("export payload malformed: %w", err)
				}
				if err := store.ImportConversation(ctx, &exp); err != nil {
					return nil, err
				}
				return map[string]any{
					"conversation_id": exp.Conversation.UUID,
					"messages":        len(exp.Messages),
					"summaries":       len(exp.Summaries),
				}, nil
			},
		},
	}

	for _, t := range convTools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
