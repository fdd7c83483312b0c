// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kraklabs/ragforge/pkg/graph"
)

// memGraph is an in-memory stand-in for the graph store. It recognizes the
// statements this package issues by shape, which keeps the tests honest
// about the data flowing through without a live database.
type memGraph struct {
	mu            sync.Mutex
	conversations map[string]map[string]any
	messages      map[string][]map[string]any // conversation uuid -> message props
	toolCalls     map[string][]map[string]any // message uuid -> tool call props
	summaries     map[string][]map[string]any // conversation uuid -> summary props
}

func newMemGraph() *memGraph {
	return &memGraph{
		conversations: make(map[string]map[string]any),
		messages:      make(map[string][]map[string]any),
		toolCalls:     make(map[string][]map[string]any),
		summaries:     make(map[string][]map[string]any),
	}
}

func (g *memGraph) Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case strings.Contains(cypher, "CREATE (c:Conversation"):
		uuid := params["uuid"].(string)
		props := map[string]any{
			"uuid":       uuid,
			"title":      params["title"],
			"tags":       params["tags"],
			"created_at": params["created_at"],
			"updated_at": params["updated_at"],
			"status":     params["status"],
		}
		if mc, ok := params["message_count"]; ok {
			props["message_count"] = mc
			props["total_chars"] = params["total_chars"]
		} else {
			props["message_count"] = 0
			props["total_chars"] = 0
		}
		g.conversations[uuid] = props
		return &graph.QueryResult{}, nil

	case strings.Contains(cypher, "CREATE (m:Message"):
		cid := params["conversation_id"].(string)
		conv, ok := g.conversations[cid]
		if !ok {
			return &graph.QueryResult{}, nil
		}
		msg := map[string]any{
			"uuid":            params["uuid"],
			"conversation_id": cid,
			"role":            params["role"],
			"content":         params["content"],
			"reasoning":       params["reasoning"],
			"timestamp":       params["timestamp"],
			"char_count":      params["char_count"],
		}
		g.messages[cid] = append(g.messages[cid], msg)
		if tcs, ok := params["tool_calls"].([]map[string]any); ok {
			mid := params["uuid"].(string)
			for _, tc := range tcs {
				props := map[string]any{"message_id": mid}
				for k, v := range tc {
					props[k] = v
				}
				g.toolCalls[mid] = append(g.toolCalls[mid], props)
			}
		}
		if strings.Contains(cypher, "SET c.message_count") {
			conv["message_count"] = conv["message_count"].(int) + 1
			conv["total_chars"] = conv["total_chars"].(int) + params["char_count"].(int)
			conv["updated_at"] = params["timestamp"]
			return &graph.QueryResult{Records: []map[string]any{{
				"total_chars":   conv["total_chars"],
				"message_count": conv["message_count"],
			}}}, nil
		}
		return &graph.QueryResult{}, nil

	case strings.Contains(cypher, "CREATE (s:Summary"):
		cid := params["conversation_id"].(string)
		if _, ok := g.conversations[cid]; !ok {
			return &graph.QueryResult{}, nil
		}
		props := map[string]any{
			"uuid":                 params["uuid"],
			"conversation_id":      cid,
			"level":                params["level"],
			"char_range_start":     params["char_range_start"],
			"char_range_end":       params["char_range_end"],
			"summary_char_count":   params["summary_char_count"],
			"conversation_summary": params["conversation_summary"],
			"actions_summary":      params["actions_summary"],
			"parent_summaries":     params["parent_summaries"],
			"created_at":           params["created_at"],
		}
		g.summaries[cid] = append(g.summaries[cid], props)
		return &graph.QueryResult{}, nil

	case strings.Contains(cypher, "DETACH DELETE"):
		uuid := params["uuid"].(string)
		for _, msg := range g.messages[uuid] {
			delete(g.toolCalls, msg["uuid"].(string))
		}
		delete(g.conversations, uuid)
		delete(g.messages, uuid)
		delete(g.summaries, uuid)
		return &graph.QueryResult{}, nil

	case strings.Contains(cypher, "SET c.status"):
		if conv, ok := g.conversations[params["uuid"].(string)]; ok {
			conv["status"] = params["status"]
			conv["updated_at"] = params["now"]
		}
		return &graph.QueryResult{}, nil

	case strings.Contains(cypher, "HAS_MESSAGE]->(m:Message)"):
		cid := params["uuid"].(string)
		var records []map[string]any
		for _, msg := range g.messages[cid] {
			var tcs []any
			for _, tc := range g.toolCalls[msg["uuid"].(string)] {
				tcs = append(tcs, tc)
			}
			records = append(records, map[string]any{"msg": msg, "tool_calls": tcs})
		}
		return &graph.QueryResult{Records: records}, nil

	case strings.Contains(cypher, "MATCH (s:Summary"):
		cid := params["uuid"].(string)
		var records []map[string]any
		for _, s := range g.summaries[cid] {
			if lvl, ok := params["level"]; ok && s["level"] != lvl {
				continue
			}
			records = append(records, map[string]any{"props": s})
		}
		return &graph.QueryResult{Records: records}, nil

	case strings.Contains(cypher, "MATCH (c:Conversation {uuid: $uuid}) RETURN properties(c)"):
		if conv, ok := g.conversations[params["uuid"].(string)]; ok {
			return &graph.QueryResult{Records: []map[string]any{{"props": conv}}}, nil
		}
		return &graph.QueryResult{}, nil

	case strings.Contains(cypher, "MATCH (c:Conversation)"):
		var records []map[string]any
		for _, conv := range g.conversations {
			if st, ok := params["status"]; ok && conv["status"] != st {
				continue
			}
			records = append(records, map[string]any{"props": conv})
		}
		return &graph.QueryResult{Records: records}, nil
	}

	return nil, fmt.Errorf("memGraph: unrecognized statement: %.80s", cypher)
}
