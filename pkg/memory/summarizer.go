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
	"strings"
	"unicode/utf8"

	"github.com/kraklabs/ragforge/pkg/llm"
)

const (
	// DefaultTriggerChars is the per-level summarization trigger: a new
	// summary is due when the uncovered suffix of the level stream reaches
	// this many characters.
	DefaultTriggerChars = 10_000
	// DefaultMaxLevel caps the summary hierarchy.
	DefaultMaxLevel = 3
)

// Summarizer maintains the summary hierarchy of conversations.
//
// Each level covers a prefix of the stream below it: raw messages for
// level 1, level-(N-1) summaries for level N. The clock at every level is
// characters, not message counts, so behavior is stable regardless of how
// chatty individual turns are.
type Summarizer struct {
	store  *Store
	llm    llm.Provider
	logger *slog.Logger

	TriggerChars int
	MaxLevel     int
}

// NewSummarizer creates a summarizer with the default trigger and depth.
func NewSummarizer(store *Store, provider llm.Provider, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:        store,
		llm:          provider,
		logger:       logger,
		TriggerChars: DefaultTriggerChars,
		MaxLevel:     DefaultMaxLevel,
	}
}

// CheckAndSummarize creates every summary currently due for the
// conversation, level 1 upward. It is called after message storage; a
// single large message can trigger several levels in one pass.
func (z *Summarizer) CheckAndSummarize(ctx context.Context, conversationID string) ([]Summary, error) {
	var created []Summary

	conv, err := z.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if sum, err := z.checkLevel1(ctx, conv); err != nil {
		return created, err
	} else if sum != nil {
		created = append(created, *sum)
	}

	for level := 2; level <= z.MaxLevel; level++ {
		sum, err := z.checkHigherLevel(ctx, conversationID, level)
		if err != nil {
			return created, err
		}
		if sum != nil {
			created = append(created, *sum)
		}
	}
	return created, nil
}

func (z *Summarizer) checkLevel1(ctx context.Context, conv *Conversation) (*Summary, error) {
	existing, err := z.store.Summaries(ctx, conv.UUID, 1)
	if err != nil {
		return nil, err
	}
	covered := 0
	for _, s := range existing {
		if s.CharRangeEnd > covered {
			covered = s.CharRangeEnd
		}
	}
	if conv.TotalChars-covered < z.TriggerChars {
		return nil, nil
	}

	msgs, err := z.store.Messages(ctx, conv.UUID)
	if err != nil {
		return nil, err
	}

	// Select messages whose char-position overlaps (covered, totalChars].
	var parts []string
	pos := 0
	for _, m := range msgs {
		end := pos + m.CharCount
		if end > covered {
			parts = append(parts, fmt.Sprintf("[%s] %s", m.Role, m.Content))
		}
		pos = end
	}
	if len(parts) == 0 {
		return nil, nil
	}

	convSum, actSum, err := z.summarize(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		ConversationID:      conv.UUID,
		Level:               1,
		CharRangeStart:      covered,
		CharRangeEnd:        conv.TotalChars,
		SummaryCharCount:    utf8.RuneCountInString(convSum) + utf8.RuneCountInString(actSum),
		ConversationSummary: convSum,
		ActionsSummary:      actSum,
	}
	if err := z.store.StoreSummary(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

func (z *Summarizer) checkHigherLevel(ctx context.Context, conversationID string, level int) (*Summary, error) {
	lower, err := z.store.Summaries(ctx, conversationID, level-1)
	if err != nil {
		return nil, err
	}
	streamTotal := 0
	for _, s := range lower {
		streamTotal += s.SummaryCharCount
	}

	existing, err := z.store.Summaries(ctx, conversationID, level)
	if err != nil {
		return nil, err
	}
	covered := 0
	for _, s := range existing {
		if s.CharRangeEnd > covered {
			covered = s.CharRangeEnd
		}
	}
	if streamTotal-covered < z.TriggerChars {
		return nil, nil
	}

	// Lower-level summaries form the stream; consume those overlapping the
	// uncovered suffix and remember them as parents.
	var parts []string
	var parents []string
	pos := 0
	for _, s := range lower {
		end := pos + s.SummaryCharCount
		if end > covered {
			parts = append(parts, s.ConversationSummary)
			if s.ActionsSummary != "" {
				parts = append(parts, s.ActionsSummary)
			}
			parents = append(parents, s.UUID)
		}
		pos = end
	}
	if len(parents) == 0 {
		return nil, nil
	}

	convSum, actSum, err := z.summarize(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		ConversationID:      conversationID,
		Level:               level,
		CharRangeStart:      covered,
		CharRangeEnd:        streamTotal,
		SummaryCharCount:    utf8.RuneCountInString(convSum) + utf8.RuneCountInString(actSum),
		ConversationSummary: convSum,
		ActionsSummary:      actSum,
		ParentSummaries:     parents,
	}
	if err := z.store.StoreSummary(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

const summaryPrompt = `Summarize the following conversation excerpt.
Respond with exactly two sections, nothing else:

CONVERSATION:
3-4 lines capturing what was discussed and decided.

ACTIONS:
3-4 lines listing concrete actions taken or requested.

Excerpt:
%s`

func (z *Summarizer) summarize(ctx context.Context, text string) (conversation, actions string, err error) {
	resp, err := z.llm.Generate(ctx, llm.GenerateRequest{
		Prompt:      fmt.Sprintf(summaryPrompt, text),
		Temperature: 0.2,
	})
	if err != nil {
		return "", "", fmt.Errorf("summarize: %w", err)
	}
	conversation, actions = parseSummaryResponse(resp.Text)
	return conversation, actions, nil
}

// parseSummaryResponse splits the LLM output into its two sections. A
// malformed response becomes a conversation summary with empty actions.
func parseSummaryResponse(text string) (conversation, actions string) {
	upper := strings.ToUpper(text)
	ci := strings.Index(upper, "CONVERSATION:")
	ai := strings.Index(upper, "ACTIONS:")

	switch {
	case ci >= 0 && ai > ci:
		conversation = strings.TrimSpace(text[ci+len("CONVERSATION:") : ai])
		actions = strings.TrimSpace(text[ai+len("ACTIONS:"):])
	case ci >= 0:
		conversation = strings.TrimSpace(text[ci+len("CONVERSATION:"):])
	default:
		conversation = strings.TrimSpace(text)
	}
	return conversation, actions
}
