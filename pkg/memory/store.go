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

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kraklabs/ragforge/pkg/graph"
)

// GraphRunner is the slice of the graph store conversation persistence
// needs. *graph.Store satisfies it.
type GraphRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error)
}

// Store persists conversations, messages, tool calls, and summaries.
//
// Message storage is serialized per conversation so total_chars
// accumulation and summary triggering stay linearizable even under
// concurrent agents.
type Store struct {
	graph  GraphRunner
	logger *slog.Logger

	mu      sync.Mutex
	convMus map[string]*sync.Mutex
}

// NewStore creates a conversation store over the graph.
func NewStore(g GraphRunner, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{graph: g, logger: logger, convMus: make(map[string]*sync.Mutex)}
}

func (s *Store) convMu(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.convMus[id]
	if !ok {
		m = &sync.Mutex{}
		s.convMus[id] = m
	}
	return m
}

// CreateConversation stores a new active conversation.
func (s *Store) CreateConversation(ctx context.Context, title string, tags []string) (*Conversation, error) {
	conv := &Conversation{
		UUID:      uuid.NewString(),
		Title:     title,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
		Status:    StatusActive,
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.graph.Run(ctx, `
		CREATE (c:Conversation {
			uuid: $uuid, title: $title, tags: $tags,
			created_at: $created_at, updated_at: $updated_at,
			message_count: 0, total_chars: 0, status: $status
		})`,
		map[string]any{
			"uuid":       conv.UUID,
			"title":      conv.Title,
			"tags":       conv.Tags,
			"created_at": conv.CreatedAt.Format(time.RFC3339Nano),
			"updated_at": conv.UpdatedAt.Format(time.RFC3339Nano),
			"status":     conv.Status,
		})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Info("memory.conversation.created", "uuid", conv.UUID, "title", title)
	return conv, nil
}

// GetConversation fetches a conversation by uuid.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	qr, err := s.graph.Run(ctx,
		"MATCH (c:Conversation {uuid: $uuid}) RETURN properties(c) AS props",
		map[string]any{"uuid": id})
	if err != nil {
		return nil, err
	}
	if len(qr.Records) == 0 {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	props, _ := qr.Records[0]["props"].(map[string]any)
	return conversationFromProps(props), nil
}

// ListConversations returns conversations, optionally filtered by status,
// newest first.
func (s *Store) ListConversations(ctx context.Context, status string) ([]*Conversation, error) {
	cypher := "MATCH (c:Conversation) "
	params := map[string]any{}
	if status != "" {
		cypher += "WHERE c.status = $status "
		params["status"] = status
	}
	cypher += "RETURN properties(c) AS props ORDER BY c.updated_at DESC"

	qr, err := s.graph.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	convs := make([]*Conversation, 0, len(qr.Records))
	for _, rec := range qr.Records {
		if props, ok := rec["props"].(map[string]any); ok {
			convs = append(convs, conversationFromProps(props))
		}
	}
	return convs, nil
}

// StoreMessage appends a message (and its tool calls) to a conversation in
// one statement, updating message_count and total_chars atomically. Missing
// uuid, timestamp, and char_count are filled in.
func (s *Store) StoreMessage(ctx context.Context, msg *Message) (*Conversation, error) {
	if msg.ConversationID == "" {
		return nil, fmt.Errorf("message has no conversation id")
	}
	if msg.UUID == "" {
		msg.UUID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.CharCount == 0 {
		msg.CharCount = utf8.RuneCountInString(msg.Content)
	}

	toolCalls := make([]map[string]any, 0, len(msg.ToolCalls))
	for i := range msg.ToolCalls {
		tc := &msg.ToolCalls[i]
		if tc.UUID == "" {
			tc.UUID = uuid.NewString()
		}
		tc.MessageID = msg.UUID
		toolCalls = append(toolCalls, map[string]any{
			"uuid":        tc.UUID,
			"tool_name":   tc.ToolName,
			"arguments":   tc.Arguments,
			"started_at":  tc.StartedAt.Format(time.RFC3339Nano),
			"duration_ms": tc.DurationMs,
			"success":     tc.Success,
			"iteration":   tc.Iteration,
			"result":      tc.Result,
		})
	}

	mu := s.convMu(msg.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	qr, err := s.graph.Run(ctx, `
		MATCH (c:Conversation {uuid: $conversation_id})
		CREATE (m:Message {
			uuid: $uuid, conversation_id: $conversation_id,
			role: $role, content: $content, reasoning: $reasoning,
			timestamp: $timestamp, char_count: $char_count, dirty: true
		})
		CREATE (c)-[:HAS_MESSAGE]->(m)
		SET c.message_count = c.message_count + 1,
		    c.total_chars = c.total_chars + $char_count,
		    c.updated_at = $timestamp
		FOREACH (tc IN $tool_calls |
			CREATE (t:ToolCall)
			SET t = tc, t.message_id = $uuid
			CREATE (m)-[:HAS_TOOL_CALL]->(t)
		)
		RETURN c.total_chars AS total_chars, c.message_count AS message_count`,
		map[string]any{
			"conversation_id": msg.ConversationID,
			"uuid":            msg.UUID,
			"role":            msg.Role,
			"content":         msg.Content,
			"reasoning":       msg.Reasoning,
			"timestamp":       msg.Timestamp.Format(time.RFC3339Nano),
			"char_count":      msg.CharCount,
			"tool_calls":      toolCalls,
		})
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	if len(qr.Records) == 0 {
		return nil, fmt.Errorf("conversation %s not found", msg.ConversationID)
	}

	conv := &Conversation{
		UUID:         msg.ConversationID,
		TotalChars:   toInt(qr.Records[0]["total_chars"]),
		MessageCount: toInt(qr.Records[0]["message_count"]),
		UpdatedAt:    msg.Timestamp,
	}
	return conv, nil
}

// Messages returns all messages of a conversation in timestamp order, with
// their tool calls attached.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	qr, err := s.graph.Run(ctx, `
		MATCH (c:Conversation {uuid: $uuid})-[:HAS_MESSAGE]->(m:Message)
		OPTIONAL MATCH (m)-[:HAS_TOOL_CALL]->(t:ToolCall)
		WITH m, t ORDER BY m.timestamp, t.started_at
		WITH m, [tc IN collect(t) WHERE tc IS NOT NULL | properties(tc)] AS tool_calls
		RETURN properties(m) AS msg, tool_calls
		ORDER BY m.timestamp`,
		map[string]any{"uuid": conversationID})
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(qr.Records))
	for _, rec := range qr.Records {
		props, ok := rec["msg"].(map[string]any)
		if !ok {
			continue
		}
		m := messageFromProps(props)
		if raw, ok := rec["tool_calls"].([]any); ok {
			for _, tc := range raw {
				if tcProps, ok := tc.(map[string]any); ok {
					m.ToolCalls = append(m.ToolCalls, toolCallFromProps(tcProps))
				}
			}
		}
		msgs = append(msgs, m)
	}
	// The driver preserves order, but fakes may not.
	sort.SliceStable(msgs, func(a, b int) bool { return msgs[a].Timestamp.Before(msgs[b].Timestamp) })
	return msgs, nil
}

// DeleteConversation removes a conversation with all its messages, tool
// calls, and summaries.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.graph.Run(ctx, `
		MATCH (c:Conversation {uuid: $uuid})
		OPTIONAL MATCH (c)-[:HAS_MESSAGE]->(m:Message)
		OPTIONAL MATCH (m)-[:HAS_TOOL_CALL]->(t:ToolCall)
		OPTIONAL MATCH (sum:Summary {conversation_id: $uuid})
		DETACH DELETE t, m, sum, c`,
		map[string]any{"uuid": id})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.logger.Info("memory.conversation.deleted", "uuid", id)
	return nil
}

// SetStatus updates a conversation's status (active or archived).
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	if status != StatusActive && status != StatusArchived {
		return fmt.Errorf("invalid conversation status %q", status)
	}
	_, err := s.graph.Run(ctx,
		"MATCH (c:Conversation {uuid: $uuid}) SET c.status = $status, c.updated_at = $now",
		map[string]any{"uuid": id, "status": status, "now": time.Now().UTC().Format(time.RFC3339Nano)})
	return err
}

// StoreSummary persists a summary node, flagged dirty for embedding.
func (s *Store) StoreSummary(ctx context.Context, sum *Summary) error {
	if sum.UUID == "" {
		sum.UUID = uuid.NewString()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	_, err := s.graph.Run(ctx, `
		MATCH (c:Conversation {uuid: $conversation_id})
		CREATE (s:Summary {
			uuid: $uuid, conversation_id: $conversation_id, level: $level,
			char_range_start: $char_range_start, char_range_end: $char_range_end,
			summary_char_count: $summary_char_count,
			conversation_summary: $conversation_summary,
			actions_summary: $actions_summary,
			parent_summaries: $parent_summaries,
			created_at: $created_at, dirty: true
		})
		CREATE (c)-[:HAS_SUMMARY]->(s)`,
		map[string]any{
			"uuid":                 sum.UUID,
			"conversation_id":      sum.ConversationID,
			"level":                sum.Level,
			"char_range_start":     sum.CharRangeStart,
			"char_range_end":       sum.CharRangeEnd,
			"summary_char_count":   sum.SummaryCharCount,
			"conversation_summary": sum.ConversationSummary,
			"actions_summary":      sum.ActionsSummary,
			"parent_summaries":     sum.ParentSummaries,
			"created_at":           sum.CreatedAt.Format(time.RFC3339Nano),
		})
	if err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	s.logger.Info("memory.summary.stored",
		"conversation", sum.ConversationID, "level", sum.Level,
		"range_start", sum.CharRangeStart, "range_end", sum.CharRangeEnd)
	return nil
}

// Summaries returns a conversation's summaries at one level, ordered by
// char_range_start. Level 0 returns all levels.
func (s *Store) Summaries(ctx context.Context, conversationID string, level int) ([]Summary, error) {
	cypher := "MATCH (s:Summary {conversation_id: $uuid}) "
	params := map[string]any{"uuid": conversationID}
	if level > 0 {
		cypher += "WHERE s.level = $level "
		params["level"] = level
	}
	cypher += "RETURN properties(s) AS props ORDER BY s.level, s.char_range_start"

	qr, err := s.graph.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	sums := make([]Summary, 0, len(qr.Records))
	for _, rec := range qr.Records {
		if props, ok := rec["props"].(map[string]any); ok {
			sums = append(sums, summaryFromProps(props))
		}
	}
	sort.SliceStable(sums, func(a, b int) bool {
		if sums[a].Level != sums[b].Level {
			return sums[a].Level < sums[b].Level
		}
		return sums[a].CharRangeStart < sums[b].CharRangeStart
	})
	return sums, nil
}

// ExportConversation bundles a conversation with its messages and summaries.
func (s *Store) ExportConversation(ctx context.Context, id string) (*Export, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	sums, err := s.Summaries(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	return &Export{Conversation: *conv, Messages: msgs, Summaries: sums}, nil
}

// ImportConversation recreates an exported conversation, preserving uuids,
// timestamps, and counters.
func (s *Store) ImportConversation(ctx context.Context, exp *Export) error {
	c := exp.Conversation
	_, err := s.graph.Run(ctx, `
		CREATE (c:Conversation {
			uuid: $uuid, title: $title, tags: $tags,
			created_at: $created_at, updated_at: $updated_at,
			message_count: $message_count, total_chars: $total_chars,
			status: $status
		})`,
		map[string]any{
			"uuid":          c.UUID,
			"title":         c.Title,
			"tags":          c.Tags,
			"created_at":    c.CreatedAt.Format(time.RFC3339Nano),
			"updated_at":    c.UpdatedAt.Format(time.RFC3339Nano),
			"message_count": c.MessageCount,
			"total_chars":   c.TotalChars,
			"status":        c.Status,
		})
	if err != nil {
		return fmt.Errorf("import conversation: %w", err)
	}

	for i := range exp.Messages {
		m := exp.Messages[i]
		toolCalls := make([]map[string]any, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			toolCalls = append(toolCalls, map[string]any{
				"uuid":        tc.UUID,
				"tool_name":   tc.ToolName,
				"arguments":   tc.Arguments,
				"started_at":  tc.StartedAt.Format(time.RFC3339Nano),
				"duration_ms": tc.DurationMs,
				"success":     tc.Success,
				"iteration":   tc.Iteration,
				"result":      tc.Result,
			})
		}
		// Counters were imported verbatim; do not re-accumulate.
		_, err := s.graph.Run(ctx, `
			MATCH (c:Conversation {uuid: $conversation_id})
			CREATE (m:Message {
				uuid: $uuid, conversation_id: $conversation_id,
				role: $role, content: $content, reasoning: $reasoning,
				timestamp: $timestamp, char_count: $char_count, dirty: true
			})
			CREATE (c)-[:HAS_MESSAGE]->(m)
			FOREACH (tc IN $tool_calls |
				CREATE (t:ToolCall)
				SET t = tc, t.message_id = $uuid
				CREATE (m)-[:HAS_TOOL_CALL]->(t)
			)`,
			map[string]any{
				"conversation_id": m.ConversationID,
				"uuid":            m.UUID,
				"role":            m.Role,
				"content":         m.Content,
				"reasoning":       m.Reasoning,
				"timestamp":       m.Timestamp.Format(time.RFC3339Nano),
				"char_count":      m.CharCount,
				"tool_calls":      toolCalls,
			})
		if err != nil {
			return fmt.Errorf("import message %s: %w", m.UUID, err)
		}
	}

	for i := range exp.Summaries {
		sum := exp.Summaries[i]
		if err := s.StoreSummary(ctx, &sum); err != nil {
			return fmt.Errorf("import summary %s: %w", sum.UUID, err)
		}
	}
	return nil
}

// Property decoding. The driver hands back int64 and strings; fakes in
// tests hand back native Go values. Tolerate both.

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

func toTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toStrSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, x := range vals {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func conversationFromProps(props map[string]any) *Conversation {
	return &Conversation{
		UUID:         toStr(props["uuid"]),
		Title:        toStr(props["title"]),
		Tags:         toStrSlice(props["tags"]),
		CreatedAt:    toTime(props["created_at"]),
		UpdatedAt:    toTime(props["updated_at"]),
		MessageCount: toInt(props["message_count"]),
		TotalChars:   toInt(props["total_chars"]),
		Status:       toStr(props["status"]),
	}
}

func messageFromProps(props map[string]any) Message {
	return Message{
		UUID:           toStr(props["uuid"]),
		ConversationID: toStr(props["conversation_id"]),
		Role:           toStr(props["role"]),
		Content:        toStr(props["content"]),
		Reasoning:      toStr(props["reasoning"]),
		Timestamp:      toTime(props["timestamp"]),
		CharCount:      toInt(props["char_count"]),
	}
}

func toolCallFromProps(props map[string]any) ToolCall {
	return ToolCall{
		UUID:       toStr(props["uuid"]),
		MessageID:  toStr(props["message_id"]),
		ToolName:   toStr(props["tool_name"]),
		Arguments:  toStr(props["arguments"]),
		StartedAt:  toTime(props["started_at"]),
		DurationMs: int64(toInt(props["duration_ms"])),
		Success:    props["success"] == true,
		Iteration:  toInt(props["iteration"]),
		Result:     toStr(props["result"]),
	}
}

func summaryFromProps(props map[string]any) Summary {
	return Summary{
		UUID:                toStr(props["uuid"]),
		ConversationID:      toStr(props["conversation_id"]),
		Level:               toInt(props["level"]),
		CharRangeStart:      toInt(props["char_range_start"]),
		CharRangeEnd:        toInt(props["char_range_end"]),
		SummaryCharCount:    toInt(props["summary_char_count"]),
		ConversationSummary: toStr(props["conversation_summary"]),
		ActionsSummary:      toStr(props["actions_summary"]),
		ParentSummaries:     toStrSlice(props["parent_summaries"]),
		CreatedAt:           toTime(props["created_at"]),
	}
}
