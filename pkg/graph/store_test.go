// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"context"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResult replays canned records and never produces a summary.
type fakeResult struct {
	records []*neo4j.Record
	pos     int
}

func (f *fakeResult) Next(ctx context.Context) bool {
	if f.pos >= len(f.records) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeResult) Record() *neo4j.Record { return f.records[f.pos-1] }

func (f *fakeResult) Consume(ctx context.Context) (neo4j.ResultSummary, error) {
	return nil, nil
}

// fakeSession records every Run call and returns the next canned result.
type fakeSession struct {
	cyphers []string
	params  []map[string]any
	results []*fakeResult
	runErr  error
	closed  bool
}

func (f *fakeSession) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	f.cyphers = append(f.cyphers, cypher)
	f.params = append(f.params, params)
	if f.runErr != nil {
		return nil, f.runErr
	}
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r, nil
	}
	return &fakeResult{}, nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func record(keys []string, values []any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

func newTestStore(sess *fakeSession) *Store {
	s := New(nil, "", nil)
	s.newSession = func(ctx context.Context) runner { return sess }
	return s
}

func TestRunCollectsRecords(t *testing.T) {
	sess := &fakeSession{results: []*fakeResult{{records: []*neo4j.Record{
		record([]string{"name", "count"}, []any{"main.go", int64(3)}),
		record([]string{"name", "count"}, []any{"util.go", int64(1)}),
	}}}}
	s := newTestStore(sess)

	out, err := s.Run(context.Background(), "MATCH (n) RETURN n.name AS name, n.count AS count", nil)
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, "main.go", out.Records[0]["name"])
	assert.Equal(t, int64(1), out.Records[1]["count"])
	assert.True(t, sess.closed)
}

func TestUpsertNodesBuildsMergeByKey(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	rows := []map[string]any{
		{"path": "/a.go", "name": "a.go"},
		{"path": "/b.go", "name": "b.go"},
	}
	_, _, err := s.UpsertNodes(context.Background(), "File", "path", rows)
	require.NoError(t, err)

	require.Len(t, sess.cyphers, 1)
	assert.Contains(t, sess.cyphers[0], "MERGE (n:File {path: row.path})")
	assert.Contains(t, sess.cyphers[0], "SET n += row")
	assert.Equal(t, rows, sess.params[0]["rows"])
}

func TestUpsertNodesRejectsMissingKey(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	_, _, err := s.UpsertNodes(context.Background(), "File", "path", []map[string]any{{"name": "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing key field")
	assert.Empty(t, sess.cyphers, "no query on invalid input")
}

func TestUpsertNodesEmptyIsNoop(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	created, updated, err := s.UpsertNodes(context.Background(), "File", "path", nil)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Zero(t, updated)
	assert.Empty(t, sess.cyphers)
}

func TestUpsertNodesSanitizesLabel(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	_, _, err := s.UpsertNodes(context.Background(), "File) DETACH DELETE (m", "path",
		[]map[string]any{{"path": "/a.go"}})
	require.NoError(t, err)
	assert.Contains(t, sess.cyphers[0], "MERGE (n:FileDETACHDELETEm")
	assert.NotContains(t, sess.cyphers[0], ")) DETACH")
}

func TestUpsertEdges(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	_, err := s.UpsertEdges(context.Background(), "contains",
		Endpoint{Label: "Directory", KeyField: "path"},
		Endpoint{Label: "File", KeyField: "path"},
		[]EdgeRow{{From: "/src", To: "/src/a.go"}})
	require.NoError(t, err)

	require.Len(t, sess.cyphers, 1)
	assert.Contains(t, sess.cyphers[0], "MATCH (a:Directory {path: row.from})")
	assert.Contains(t, sess.cyphers[0], "MATCH (b:File {path: row.to})")
	assert.Contains(t, sess.cyphers[0], "MERGE (a)-[r:CONTAINS]->(b)")
}

func TestDeleteByKeyCascade(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	_, err := s.DeleteByKey(context.Background(), "File", "path", "/a.go",
		&Cascade{Rel: "HAS_SCOPE", Label: "Scope"})
	require.NoError(t, err)

	assert.Contains(t, sess.cyphers[0], "MATCH (n:File {path: $value})")
	assert.Contains(t, sess.cyphers[0], "OPTIONAL MATCH (n)-[:HAS_SCOPE]->(c:Scope)")
	assert.Contains(t, sess.cyphers[0], "DETACH DELETE c, n")
	assert.Equal(t, "/a.go", sess.params[0]["value"])
}

func TestDeleteByKeyNoCascade(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	_, err := s.DeleteByKey(context.Background(), "Directory", "path", "/src", nil)
	require.NoError(t, err)
	assert.NotContains(t, sess.cyphers[0], "OPTIONAL MATCH")
}

func TestMarkDirty(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	err := s.MarkDirty(context.Background(), "Scope", "uuid", []any{"u1", "u2"})
	require.NoError(t, err)
	assert.Contains(t, sess.cyphers[0], "WHERE n.uuid IN $values")
	assert.Contains(t, sess.cyphers[0], "SET n.dirty = true")

	require.NoError(t, s.MarkDirty(context.Background(), "Scope", "uuid", nil))
	assert.Len(t, sess.cyphers, 1, "empty values must not query")
}

func TestOverFetchK(t *testing.T) {
	tests := []struct {
		name     string
		topK     int
		filtered bool
		want     int
	}{
		{"unfiltered uses topK", 10, false, 10},
		{"filtered small topK floors at 100", 10, true, 100},
		{"filtered large topK uses 3x", 50, true, 150},
		{"filtered boundary", 34, true, 102},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, overFetchK(tt.topK, tt.filtered))
		})
	}
}

func TestVectorSearchParsesHits(t *testing.T) {
	sess := &fakeSession{results: []*fakeResult{{records: []*neo4j.Record{
		record([]string{"uuid", "score", "props"},
			[]any{"u1", 0.92, map[string]any{"name": "Foo", "content_embedding": []any{0.1}}}),
		record([]string{"uuid", "score", "props"},
			[]any{"u2", 0.81, map[string]any{"name": "Bar"}}),
	}}}}
	s := newTestStore(sess)

	hits, err := s.VectorSearch(context.Background(), "scope_embeddings", []float32{0.1, 0.2}, 5, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "u1", hits[0].NodeID)
	assert.InDelta(t, 0.92, hits[0].Score, 1e-9)
	assert.NotContains(t, hits[0].Properties, "content_embedding", "vectors stripped from results")
	assert.Equal(t, 5, sess.params[0]["k"], "no over-fetch without filters")
}

func TestVectorSearchOverFetchesWithFilters(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	_, err := s.VectorSearch(context.Background(), "idx", []float32{0.1}, 5, SearchOptions{
		MinScore:    0.7,
		FilterUUIDs: []string{"u1", "u2"},
	})
	require.NoError(t, err)

	assert.Equal(t, 100, sess.params[0]["k"])
	assert.Equal(t, 5, sess.params[0]["top_k"])
	assert.Contains(t, sess.cyphers[0], "score >= $min_score")
	assert.Contains(t, sess.cyphers[0], "node.uuid IN $uuids")
}

func TestEnsureSchemaIssuesIdempotentDDL(t *testing.T) {
	sess := &fakeSession{}
	s := newTestStore(sess)

	err := s.EnsureSchema(context.Background(),
		[]Constraint{{Label: "File", Field: "path"}},
		[]Index{{Label: "Scope", Field: "dirty"}},
		[]VectorIndex{{Name: "scope_embeddings", NodeLabel: "Scope", SourceField: "content", Dimension: 768}})
	require.NoError(t, err)

	require.Len(t, sess.cyphers, 3)
	assert.Contains(t, sess.cyphers[0], "CREATE CONSTRAINT uniq_file_path IF NOT EXISTS")
	assert.Contains(t, sess.cyphers[1], "CREATE INDEX idx_scope_dirty IF NOT EXISTS")
	assert.Contains(t, sess.cyphers[2], "CREATE VECTOR INDEX scope_embeddings IF NOT EXISTS")
	assert.Contains(t, sess.cyphers[2], "(n.content_embedding)")
	assert.Equal(t, 768, sess.params[2]["dim"])
}

func TestSanitizeRelType(t *testing.T) {
	assert.Equal(t, "CONTAINS_SCOPE", sanitizeRelType("contains_scope"))
	assert.Equal(t, "IMPORTS", sanitizeRelType("im-ports!"))
	assert.Equal(t, "RELATED_TO", sanitizeRelType("---"))
}
