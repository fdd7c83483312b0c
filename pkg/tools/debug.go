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

	"github.com/kraklabs/ragforge/pkg/memory"
)

// RegisterDebugTools adds conversation introspection tools.
func RegisterDebugTools(r *Registry, store *memory.Store) error {
	debugTools := []*Tool{
		{
			Name:        "debug_conversation",
			Description: "Inspect a conversation: counters, messages, summary hierarchy",
			Category:    CategoryDebug,
			InputSchema: schemaObject(map[string]any{
				"conversation_id": map[string]any{"type": "string"},
				"include_content": map[string]any{"type": "boolean", "default": false},
			}, "conversation_id"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				id := argString(args, "conversation_id")
				if id == "" {
					return nil, fmt.Errorf("conversation_id is required")
				}
				conv, err := store.GetConversation(ctx, id)
				if err != nil {
					return nil, err
				}
				sums, err := store.Summaries(ctx, id, 0)
				if err != nil {
					return nil, err
				}
				byLevel := map[int]int{}
				for _, s := range sums {
					byLevel[s.Level]++
				}

				out := map[string]any{
					"conversation":       conv,
					"summaries_by_level": byLevel,
				}
				if include, _ := args["include_content"].(bool); include {
					msgs, err := store.Messages(ctx, id)
					if err != nil {
						return nil, err
					}
					out["messages"] = msgs
					out["summaries"] = sums
				}
				return out, nil
			},
		},
		{
			Name:        "debug_conversations",
			Description: "List stored conversations",
			Category:    CategoryDebug,
			InputSchema: schemaObject(map[string]any{
				"status": map[string]any{"type": "string", "enum": []string{"active", "archived"}},
			}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				convs, err := store.ListConversations(ctx, argString(args, "status"))
				if err != nil {
					return nil, err
				}
				return map[string]any{"conversations": convs, "count": len(convs)}, nil
			},
		},
	}

	for _, t := range debugTools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
