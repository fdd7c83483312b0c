// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetConversation(t *testing.T) {
	s := NewStore(newMemGraph(), nil)

	conv, err := s.CreateConversation(context.Background(), "debugging session", []string{"go", "bugs"})
	require.NoError(t, err)
	require.NotEmpty(t, conv.UUID)

	got, err := s.GetConversation(context.Background(), conv.UUID)
	require.NoError(t, err)
	assert.Equal(t, "debugging session", got.Title)
	assert.Equal(t, []string{"go", "bugs"}, got.Tags)
	assert.Equal(t, StatusActive, got.Status)
	assert.Zero(t, got.TotalChars)
}

func TestGetConversationNotFound(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	_, err := s.GetConversation(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStoreMessageAccumulatesTotalChars(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	contents := []string{"hello", "a longer reply from the assistant", "ok"}
	want := 0
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		updated, err := s.StoreMessage(context.Background(), &Message{
			ConversationID: conv.UUID, Role: role, Content: c,
		})
		require.NoError(t, err)
		want += len(c)
		assert.Equal(t, want, updated.TotalChars)
		assert.Equal(t, i+1, updated.MessageCount)
	}

	got, err := s.GetConversation(context.Background(), conv.UUID)
	require.NoError(t, err)
	assert.Equal(t, want, got.TotalChars, "total_chars equals the sum of message char counts")
}

func TestStoreMessageSerializedPerConversation(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.StoreMessage(context.Background(), &Message{
				ConversationID: conv.UUID, Role: "user",
				Content: fmt.Sprintf("message %d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetConversation(context.Background(), conv.UUID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.MessageCount)

	msgs, err := s.Messages(context.Background(), conv.UUID)
	require.NoError(t, err)
	sum := 0
	for _, m := range msgs {
		sum += m.CharCount
	}
	assert.Equal(t, got.TotalChars, sum)
}

func TestMessagesCarryToolCalls(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	_, err = s.StoreMessage(context.Background(), &Message{
		ConversationID: conv.UUID, Role: "assistant", Content: "looked it up",
		ToolCalls: []ToolCall{{
			ToolName: "brain_search", Arguments: `{"query":"foo"}`,
			StartedAt: time.Now().UTC(), DurationMs: 42, Success: true,
			Iteration: 1, Result: "3 hits",
		}},
	})
	require.NoError(t, err)

	msgs, err := s.Messages(context.Background(), conv.UUID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)

	tc := msgs[0].ToolCalls[0]
	assert.Equal(t, "brain_search", tc.ToolName)
	assert.Equal(t, msgs[0].UUID, tc.MessageID)
	assert.True(t, tc.Success)
	assert.EqualValues(t, 42, tc.DurationMs)
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	base := time.Now().UTC()
	// Store out of order; reads must come back chronological.
	for _, offset := range []int{2, 0, 1} {
		_, err := s.StoreMessage(context.Background(), &Message{
			ConversationID: conv.UUID, Role: "user",
			Content:   fmt.Sprintf("msg %d", offset),
			Timestamp: base.Add(time.Duration(offset) * time.Second),
		})
		require.NoError(t, err)
	}

	msgs, err := s.Messages(context.Background(), conv.UUID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "msg 0", msgs[0].Content)
	assert.Equal(t, "msg 1", msgs[1].Content)
	assert.Equal(t, "msg 2", msgs[2].Content)
}

func TestDeleteConversationCascades(t *testing.T) {
	g := newMemGraph()
	s := NewStore(g, nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	_, err = s.StoreMessage(context.Background(), &Message{
		ConversationID: conv.UUID, Role: "user", Content: "hi",
		ToolCalls: []ToolCall{{ToolName: "x", Arguments: "{}"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.StoreSummary(context.Background(), &Summary{
		ConversationID: conv.UUID, Level: 1, CharRangeEnd: 2,
	}))

	require.NoError(t, s.DeleteConversation(context.Background(), conv.UUID))

	_, err = s.GetConversation(context.Background(), conv.UUID)
	require.Error(t, err)
	assert.Empty(t, g.messages[conv.UUID])
	assert.Empty(t, g.summaries[conv.UUID])
	assert.Empty(t, g.toolCalls)
}

func TestSetStatusValidation(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	require.Error(t, s.SetStatus(context.Background(), conv.UUID, "paused"))
	require.NoError(t, s.SetStatus(context.Background(), conv.UUID, StatusArchived))

	got, err := s.GetConversation(context.Background(), conv.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, got.Status)
}

func TestSummariesFilteredByLevel(t *testing.T) {
	s := NewStore(newMemGraph(), nil)
	conv, err := s.CreateConversation(context.Background(), "t", nil)
	require.NoError(t, err)

	for _, sum := range []Summary{
		{ConversationID: conv.UUID, Level: 1, CharRangeStart: 0, CharRangeEnd: 100},
		{ConversationID: conv.UUID, Level: 1, CharRangeStart: 100, CharRangeEnd: 250},
		{ConversationID: conv.UUID, Level: 2, CharRangeStart: 0, CharRangeEnd: 40},
	} {
		sum := sum
		require.NoError(t, s.StoreSummary(context.Background(), &sum))
	}

	l1, err := s.Summaries(context.Background(), conv.UUID, 1)
	require.NoError(t, err)
	require.Len(t, l1, 2)
	assert.Equal(t, 0, l1[0].CharRangeStart)
	assert.Equal(t, 100, l1[1].CharRangeStart)

	all, err := s.Summaries(context.Background(), conv.UUID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := NewStore(newMemGraph(), nil)
	conv, err := src.CreateConversation(context.Background(), "exported", []string{"tag"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := src.StoreMessage(context.Background(), &Message{
			ConversationID: conv.UUID, Role: "user",
			Content: fmt.Sprintf("message number %d", i),
			ToolCalls: []ToolCall{{
				ToolName: "brain_search", Arguments: "{}", Success: true, Iteration: i,
			}},
		})
		require.NoError(t, err)
	}
	require.NoError(t, src.StoreSummary(context.Background(), &Summary{
		ConversationID: conv.UUID, Level: 1, CharRangeEnd: 48,
		ConversationSummary: "talked about messages",
	}))

	exp, err := src.ExportConversation(context.Background(), conv.UUID)
	require.NoError(t, err)

	dst := NewStore(newMemGraph(), nil)
	require.NoError(t, dst.ImportConversation(context.Background(), exp))

	reimported, err := dst.ExportConversation(context.Background(), conv.UUID)
	require.NoError(t, err)
	assert.Equal(t, exp.Conversation, reimported.Conversation)
	assert.Equal(t, exp.Messages, reimported.Messages)
	assert.Equal(t, exp.Summaries, reimported.Summaries)
}
