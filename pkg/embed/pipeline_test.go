// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/locks"
)

type upsertCall struct {
	label    string
	keyField string
	rows     []map[string]any
}

// fakeGraph serves canned query records and captures write-backs.
type fakeGraph struct {
	mu      sync.Mutex
	records []map[string]any
	queries []string
	upserts []upsertCall
	onWrite func()
}

func (f *fakeGraph) Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, cypher)
	return &graph.QueryResult{Records: f.records}, nil
}

func (f *fakeGraph) UpsertNodes(ctx context.Context, label, keyField string, rows []map[string]any) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onWrite != nil {
		f.onWrite()
	}
	f.upserts = append(f.upserts, upsertCall{label: label, keyField: keyField, rows: rows})
	return 0, len(rows), nil
}

func scopeIndex() graph.VectorIndex {
	return graph.VectorIndex{
		Name:        "scope_content_index",
		NodeLabel:   "Scope",
		SourceField: "content",
		Dimension:   16,
	}
}

func newTestPipeline(g *fakeGraph) (*Pipeline, *locks.Registry) {
	reg := locks.NewRegistry(nil)
	p := NewPipeline(g, NewMockProvider(16), reg, nil)
	p.retry.InitialBackoff = 0
	return p, reg
}

func TestRunEmbedsDirtyNodes(t *testing.T) {
	g := &fakeGraph{records: []map[string]any{
		{"key": "u1", "content": "func A() {}"},
		{"key": "u2", "content": "func B() {}"},
	}}
	p, _ := newTestPipeline(g)

	res, err := p.Run(context.Background(), Options{Index: scopeIndex(), OnlyDirty: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Failed)

	require.Len(t, g.queries, 1)
	assert.Contains(t, g.queries[0], "MATCH (n:Scope)")
	assert.Contains(t, g.queries[0], "WHERE n.dirty = true")

	require.Len(t, g.upserts, 1)
	call := g.upserts[0]
	assert.Equal(t, "Scope", call.label)
	assert.Equal(t, "uuid", call.keyField)
	require.Len(t, call.rows, 2)
	assert.Equal(t, "u1", call.rows[0]["uuid"])
	assert.Equal(t, false, call.rows[0]["dirty"])
	vec, ok := call.rows[0]["content_embedding"].([]float32)
	require.True(t, ok, "vector written under <source>_embedding")
	assert.Len(t, vec, 16)
}

func TestRunFullReembedSkipsDirtyFilter(t *testing.T) {
	g := &fakeGraph{records: []map[string]any{{"key": "u1", "content": "x"}}}
	p, _ := newTestPipeline(g)

	_, err := p.Run(context.Background(), Options{Index: scopeIndex(), OnlyDirty: false})
	require.NoError(t, err)
	assert.NotContains(t, g.queries[0], "dirty")
}

func TestRunBatchesWriteback(t *testing.T) {
	g := &fakeGraph{}
	for i := 0; i < 120; i++ {
		g.records = append(g.records, map[string]any{
			"key": fmt.Sprintf("u%d", i), "content": fmt.Sprintf("func F%d()", i),
		})
	}
	p, _ := newTestPipeline(g)

	res, err := p.Run(context.Background(), Options{Index: scopeIndex(), OnlyDirty: true})
	require.NoError(t, err)
	assert.Equal(t, 120, res.Succeeded)

	require.Len(t, g.upserts, 3, "120 vectors split at 50")
	assert.Len(t, g.upserts[0].rows, 50)
	assert.Len(t, g.upserts[1].rows, 50)
	assert.Len(t, g.upserts[2].rows, 20)
}

func TestRunHoldsEmbeddingLock(t *testing.T) {
	g := &fakeGraph{records: []map[string]any{{"key": "u1", "content": "x"}}}
	p, reg := newTestPipeline(g)
	g.onWrite = func() {
		assert.True(t, reg.IsLocked(locks.Embedding), "write-back runs under the embedding lock")
	}

	_, err := p.Run(context.Background(), Options{Index: scopeIndex(), OnlyDirty: true})
	require.NoError(t, err)
	assert.False(t, reg.IsLocked(locks.Embedding))
}

func TestRunWaitsForIngestionDrain(t *testing.T) {
	g := &fakeGraph{records: []map[string]any{{"key": "u1", "content": "x"}}}
	p, reg := newTestPipeline(g)

	h := reg.Acquire(locks.Ingestion, "test ingest")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.Run(context.Background(), Options{Index: scopeIndex(), OnlyDirty: true})
		assert.NoError(t, err)
	}()

	// The run must not query while ingestion holds its lock.
	assert.Never(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.queries) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	h.Release()
	<-done
	assert.Len(t, g.queries, 1)
}

type failingProvider struct {
	mock *MockProvider
	fail string
}

func (f *failingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(text, f.fail) {
		return nil, errors.New("status 400: text rejected")
	}
	return f.mock.Embed(ctx, text)
}

func TestRunCountsFailuresAndKeepsGoing(t *testing.T) {
	g := &fakeGraph{records: []map[string]any{
		{"key": "u1", "content": "good one"},
		{"key": "u2", "content": "poison pill"},
		{"key": "u3", "content": "another good"},
	}}
	p, _ := newTestPipeline(g)
	p.provider = &failingProvider{mock: NewMockProvider(16), fail: "poison"}

	res, err := p.Run(context.Background(), Options{Index: scopeIndex(), OnlyDirty: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, g.upserts, 1)
	for _, row := range g.upserts[0].rows {
		assert.NotEqual(t, "u2", row["uuid"], "failed nodes stay dirty")
	}
}

func TestCombineText(t *testing.T) {
	tgt := target{key: "u1", fields: map[string]string{
		"content":   "body",
		"signature": "func F()",
	}}
	fields := []string{"content", "signature"}

	assert.Equal(t, "body\n\nfunc F()", combineText(tgt, fields, CombineConcat))
	assert.Equal(t, "body\n\nbody\n\nfunc F()", combineText(tgt, fields, CombineWeighted))
	assert.Equal(t, "body", combineText(tgt, fields, CombineSeparate))
}

func TestCombineTextTruncates(t *testing.T) {
	tgt := target{key: "u1", fields: map[string]string{"content": strings.Repeat("a", 5000)}}
	out := combineText(tgt, []string{"content"}, CombineConcat)
	assert.Len(t, out, maxTextLength)
}
