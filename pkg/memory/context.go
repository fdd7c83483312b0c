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
	"strings"
	"time"

	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/locks"
)

const (
	// lockAwaitTimeout bounds how long context assembly waits for writes
	// to drain. On timeout it proceeds with possibly stale reads.
	lockAwaitTimeout = 5 * time.Second

	// DefaultRecentMaxChars caps the recent-messages block.
	DefaultRecentMaxChars = 5_000
	// DefaultRecentMaxTurns caps the number of recent messages.
	DefaultRecentMaxTurns = 10
	// DefaultRAGMaxSummaries caps retrieved summaries.
	DefaultRAGMaxSummaries = 5
	// DefaultRAGMinScore is the boosted-score floor for retrieval.
	DefaultRAGMinScore = 0.7
	// DefaultRecencyDecayDays is the window of the linear recency boost.
	DefaultRecencyDecayDays = 7

	// recencyWeight scales the recency boost: a summary created just now
	// gets a 10% bump, one older than the decay window gets none.
	recencyWeight = 0.1

	// toolResultLimit truncates tool results in the recent block.
	toolResultLimit = 200
)

// QueryEmbedder embeds retrieval queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SummarySearcher runs vector search over summary embeddings.
// *graph.Store satisfies it.
type SummarySearcher interface {
	VectorSearch(ctx context.Context, indexName string, queryEmbedding []float32, topK int, opts graph.SearchOptions) ([]graph.SearchHit, error)
}

// BuildResult is the assembled context plus its staleness marker.
type BuildResult struct {
	Text  string `json:"text"`
	Stale bool   `json:"stale"`
}

// ContextBuilder assembles the enriched context for an agent turn: the
// most recent messages verbatim plus summaries retrieved by similarity to
// the query.
type ContextBuilder struct {
	store    *Store
	locks    *locks.Registry
	embedder QueryEmbedder   // nil disables retrieval
	searcher SummarySearcher // nil disables retrieval
	logger   *slog.Logger

	IndexName        string
	LockAwait        time.Duration
	RecentMaxChars   int
	RecentMaxTurns   int
	RAGMaxSummaries  int
	RAGMinScore      float64
	RecencyDecayDays int
	LevelBoost       map[int]float64

	now func() time.Time
}

// NewContextBuilder creates a builder with default limits. Pass nil
// embedder or searcher to run in recent-only mode.
func NewContextBuilder(store *Store, reg *locks.Registry, embedder QueryEmbedder, searcher SummarySearcher, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{
		store:            store,
		locks:            reg,
		embedder:         embedder,
		searcher:         searcher,
		logger:           logger,
		IndexName:        "summary_embedding_index",
		LockAwait:        lockAwaitTimeout,
		RecentMaxChars:   DefaultRecentMaxChars,
		RecentMaxTurns:   DefaultRecentMaxTurns,
		RAGMaxSummaries:  DefaultRAGMaxSummaries,
		RAGMinScore:      DefaultRAGMinScore,
		RecencyDecayDays: DefaultRecencyDecayDays,
		LevelBoost:       map[int]float64{1: 1.0, 2: 1.1, 3: 1.2},
		now:              time.Now,
	}
}

// Build assembles the context block for one agent turn. It waits up to 5 s
// each for the ingestion and embedding locks; on timeout the result is
// marked stale but still returned.
func (b *ContextBuilder) Build(ctx context.Context, conversationID, query string) (*BuildResult, error) {
	stale := false
	for _, name := range []string{locks.Ingestion, locks.Embedding} {
		if !b.locks.WaitForUnlock(ctx, name, b.LockAwait) {
			stale = true
			b.logger.Warn("context.await.timeout", "lock", name, "conversation", conversationID)
		}
	}

	recent, err := b.recentMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var retrieved []scoredSummary
	if b.embedder != nil && b.searcher != nil && query != "" {
		retrieved, err = b.retrieveSummaries(ctx, conversationID, query)
		if err != nil {
			// Retrieval is additive; a failed search degrades to
			// recent-only context.
			b.logger.Warn("context.retrieve.failed", "conversation", conversationID, "error", err)
		}
	}

	if len(recent) == 0 && len(retrieved) == 0 {
		return &BuildResult{Stale: stale}, nil
	}
	return &BuildResult{Text: b.format(recent, retrieved), Stale: stale}, nil
}

// recentMessages returns the newest messages in chronological order,
// bounded by RecentMaxChars and RecentMaxTurns.
func (b *ContextBuilder) recentMessages(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := b.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var picked []Message
	chars := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if len(picked) >= b.RecentMaxTurns || chars >= b.RecentMaxChars {
			break
		}
		picked = append(picked, msgs[i])
		chars += msgs[i].CharCount
	}
	// Reverse back to chronological order.
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked, nil
}

type scoredSummary struct {
	summary Summary
	score   float64
	ageDays float64
}

func (b *ContextBuilder) retrieveSummaries(ctx context.Context, conversationID, query string) ([]scoredSummary, error) {
	all, err := b.store.Summaries(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	byUUID := make(map[string]Summary, len(all))
	uuids := make([]string, 0, len(all))
	for _, s := range all {
		byUUID[s.UUID] = s
		uuids = append(uuids, s.UUID)
	}

	embedding, err := b.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := b.searcher.VectorSearch(ctx, b.IndexName, embedding, b.RAGMaxSummaries, graph.SearchOptions{
		FilterUUIDs: uuids,
	})
	if err != nil {
		return nil, err
	}

	now := b.now()
	var scored []scoredSummary
	for _, hit := range hits {
		sum, ok := byUUID[hit.NodeID]
		if !ok {
			continue
		}
		boost := b.LevelBoost[sum.Level]
		if boost == 0 {
			boost = 1.0
		}
		ageDays := now.Sub(sum.CreatedAt).Hours() / 24
		freshness := 1 - ageDays/float64(b.RecencyDecayDays)
		if freshness < 0 {
			freshness = 0
		}
		boosted := hit.Score * boost * (1 + recencyWeight*freshness)
		if boosted < b.RAGMinScore {
			continue
		}
		scored = append(scored, scoredSummary{summary: sum, score: boosted, ageDays: ageDays})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > b.RAGMaxSummaries {
		scored = scored[:b.RAGMaxSummaries]
	}
	return scored, nil
}

func (b *ContextBuilder) format(recent []Message, retrieved []scoredSummary) string {
	var sb strings.Builder
	sb.WriteString("## Conversation Context\n")

	if len(retrieved) > 0 {
		sb.WriteString("\n### Relevant History\n")
		for _, s := range retrieved {
			relevance := int(s.score * 100)
			if relevance > 100 {
				relevance = 100
			}
			sb.WriteString(fmt.Sprintf("[L%d — %dd — %d%%] %s\n",
				s.summary.Level, int(s.ageDays), relevance, s.summary.ConversationSummary))
			if s.summary.ActionsSummary != "" {
				sb.WriteString(fmt.Sprintf("  Actions: %s\n", s.summary.ActionsSummary))
			}
		}
	}

	if len(recent) > 0 {
		sb.WriteString("\n### Recent Conversation\n")
		for _, m := range recent {
			sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
			if m.Reasoning != "" {
				sb.WriteString(fmt.Sprintf("  (reasoning: %s)\n", m.Reasoning))
			}
			for _, tc := range m.ToolCalls {
				sb.WriteString(fmt.Sprintf("  [tool] %s(%s)", tc.ToolName, tc.Arguments))
				if tc.Result != "" {
					sb.WriteString(" -> " + truncate(tc.Result, toolResultLimit))
				}
				sb.WriteString("\n")
			}
		}
	}
	return sb.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
