// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ragforge/pkg/llm"
)

func scriptedLLM(response string) *llm.MockProvider {
	return &llm.MockProvider{Responses: []string{response}}
}

const cannedSummary = `CONVERSATION:
The user and assistant discussed the parser.
ACTIONS:
Reviewed two files and fixed a glob bug.`

func fillConversation(t *testing.T, s *Store, convID string, chars int) {
	t.Helper()
	// 500-char messages until the requested volume is stored.
	chunk := strings.Repeat("x", 500)
	for stored := 0; stored < chars; stored += 500 {
		_, err := s.StoreMessage(context.Background(), &Message{
			ConversationID: convID, Role: "user", Content: chunk,
		})
		require.NoError(t, err)
	}
}

func TestSummarizerBelowTriggerDoesNothing(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)
	fillConversation(t, s, conv.UUID, 5_000)

	z := NewSummarizer(s, scriptedLLM(cannedSummary), nil)
	created, err := z.CheckAndSummarize(context.Background(), conv.UUID)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestSummarizerCreatesLevel1AtTrigger(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)
	fillConversation(t, s, conv.UUID, 10_000)

	z := NewSummarizer(s, scriptedLLM(cannedSummary), nil)
	created, err := z.CheckAndSummarize(context.Background(), conv.UUID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	sum := created[0]
	assert.Equal(t, 1, sum.Level)
	assert.Equal(t, 0, sum.CharRangeStart)
	assert.Equal(t, 10_000, sum.CharRangeEnd)
	assert.Equal(t, "The user and assistant discussed the parser.", sum.ConversationSummary)
	assert.Equal(t, "Reviewed two files and fixed a glob bug.", sum.ActionsSummary)
	assert.Equal(t,
		len(sum.ConversationSummary)+len(sum.ActionsSummary),
		sum.SummaryCharCount)
}

func TestSummarizerRangesAreContiguous(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)
	z := NewSummarizer(s, scriptedLLM(cannedSummary), nil)

	for _, target := range []int{10_000, 20_000, 30_000} {
		fillConversation(t, s, conv.UUID, 10_000)
		_, err := z.CheckAndSummarize(context.Background(), conv.UUID)
		require.NoError(t, err)

		got, err := s.GetConversation(context.Background(), conv.UUID)
		require.NoError(t, err)
		assert.Equal(t, target, got.TotalChars)
	}

	l1, err := s.Summaries(context.Background(), conv.UUID, 1)
	require.NoError(t, err)
	require.Len(t, l1, 3, "one L1 summary per 10k crossing")

	prev := 0
	for _, sum := range l1 {
		assert.Equal(t, prev, sum.CharRangeStart, "ranges cover a contiguous prefix")
		assert.Greater(t, sum.CharRangeEnd, sum.CharRangeStart)
		prev = sum.CharRangeEnd
	}
	assert.Equal(t, 30_000, prev)
}

func TestSummarizerBuildsLevel2FromLevel1Stream(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	// Seed L1 summaries whose summary_char_count total crosses the trigger.
	var parents []string
	for i := 0; i < 4; i++ {
		sum := &Summary{
			ConversationID:      conv.UUID,
			Level:               1,
			CharRangeStart:      i * 10_000,
			CharRangeEnd:        (i + 1) * 10_000,
			SummaryCharCount:    3_000,
			ConversationSummary: "chunk summary",
			ActionsSummary:      "chunk actions",
		}
		require.NoError(t, s.StoreSummary(context.Background(), sum))
		parents = append(parents, sum.UUID)
	}

	z := NewSummarizer(s, scriptedLLM(cannedSummary), nil)
	created, err := z.CheckAndSummarize(context.Background(), conv.UUID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	l2 := created[0]
	assert.Equal(t, 2, l2.Level)
	assert.Equal(t, 0, l2.CharRangeStart)
	assert.Equal(t, 12_000, l2.CharRangeEnd, "range measured in the L1 char stream")
	assert.Equal(t, parents, l2.ParentSummaries)
}

func TestParseSummaryResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantConv string
		wantAct  string
	}{
		{
			"both sections",
			"CONVERSATION:\ntalked\nACTIONS:\ndid things",
			"talked", "did things",
		},
		{
			"conversation only",
			"CONVERSATION:\njust talk",
			"just talk", "",
		},
		{
			"no markers falls back to whole text",
			"  a plain summary  ",
			"a plain summary", "",
		},
		{
			"lowercase markers",
			"conversation:\nx\nactions:\ny",
			"x", "y",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, act := parseSummaryResponse(tt.input)
			assert.Equal(t, tt.wantConv, conv)
			assert.Equal(t, tt.wantAct, act)
		})
	}
}
