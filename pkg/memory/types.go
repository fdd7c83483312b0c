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

// Package memory persists conversations in the graph and assembles agent
// context from them.
//
// A conversation accumulates messages; total_chars is the running sum of
// message character counts and acts as the clock for hierarchical
// summarization. Level-1 summaries condense raw messages; level-N summaries
// condense level-(N-1) summaries, treating their summary_char_count values
// as a linear stream.
package memory

import "time"

// Conversation statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Graph labels for conversation data.
const (
	LabelConversation = "Conversation"
	LabelMessage      = "Message"
	LabelToolCall     = "ToolCall"
	LabelSummary      = "Summary"
)

// Conversation is a stored chat session.
type Conversation struct {
	UUID         string    `json:"uuid"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	TotalChars   int       `json:"total_chars"`
	Status       string    `json:"status"`
}

// Message is one turn of a conversation.
type Message struct {
	UUID           string     `json:"uuid"`
	ConversationID string     `json:"conversation_id"`
	Role           string     `json:"role"` // user, assistant, system
	Content        string     `json:"content"`
	Reasoning      string     `json:"reasoning,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	CharCount      int        `json:"char_count"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall records one tool invocation attached to a message.
type ToolCall struct {
	UUID       string    `json:"uuid"`
	MessageID  string    `json:"message_id"`
	ToolName   string    `json:"tool_name"`
	Arguments  string    `json:"arguments"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Iteration  int       `json:"iteration"`
	Result     string    `json:"result,omitempty"`
}

// Summary condenses a contiguous char-range of the level stream below it.
type Summary struct {
	UUID                string    `json:"uuid"`
	ConversationID      string    `json:"conversation_id"`
	Level               int       `json:"level"`
	CharRangeStart      int       `json:"char_range_start"`
	CharRangeEnd        int       `json:"char_range_end"`
	SummaryCharCount    int       `json:"summary_char_count"`
	ConversationSummary string    `json:"conversation_summary"`
	ActionsSummary      string    `json:"actions_summary"`
	ParentSummaries     []string  `json:"parent_summaries,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Export is the portable form of a conversation with all its children.
type Export struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Summaries    []Summary    `json:"summaries"`
}
