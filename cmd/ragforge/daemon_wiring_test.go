// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ragforge/internal/config"
	"github.com/kraklabs/ragforge/pkg/embed"
	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/parser"
)

type recordingRunner struct {
	cypher  string
	params  map[string]any
	records []map[string]any
}

func (r *recordingRunner) Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error) {
	r.cypher = cypher
	r.params = params
	return &graph.QueryResult{Records: r.records}, nil
}

func TestSchemaForCoversEveryLabel(t *testing.T) {
	d := config.EmbeddingDefaults{Provider: "mock", Model: "m", Dimensions: 8}
	schema := schemaFor(scopeIndex(d), summaryIndex(d))

	byLabel := map[string]string{}
	for _, c := range schema.constraints {
		byLabel[c.Label] = c.Field
	}

	assert.Equal(t, "uuid", byLabel[parser.LabelScope])
	assert.Equal(t, "path", byLabel[parser.LabelFile])
	assert.Equal(t, "uuid", byLabel["Conversation"])
	assert.Equal(t, "uuid", byLabel["Summary"])

	require.Len(t, schema.vectorIndexes, 2)
	assert.Equal(t, scopeIndexName, schema.vectorIndexes[0].Name)
	assert.Equal(t, summaryIndexName, schema.vectorIndexes[1].Name)
	assert.Equal(t, 8, schema.vectorIndexes[0].Dimension)
}

func TestKnownFilesForQueriesGraphUnderRoot(t *testing.T) {
	runner := &recordingRunner{records: []map[string]any{
		{"path": "/work/proj/main.go"},
		{"path": "/work/proj/pkg/util.go"},
		{"path": nil},
	}}

	known := knownFilesFor(runner, "/work/proj")
	paths, err := known(context.Background())
	require.NoError(t, err)

	// Non-string records are dropped; order follows the query result.
	assert.Equal(t, []string{"/work/proj/main.go", "/work/proj/pkg/util.go"}, paths)
	assert.Contains(t, runner.cypher, "STARTS WITH $prefix")
	// Trailing separator keeps /work/proj from matching /work/proj2.
	assert.Equal(t, "/work/proj/", runner.params["prefix"])
}

func TestQueryEmbedderFallsBackToEmbed(t *testing.T) {
	// MockProvider has no dedicated query path; the adapter must fall back
	// to document embedding rather than fail.
	q := queryEmbedder{embed.NewMockProvider(4)}
	vec, err := q.EmbedQuery(context.Background(), "where is the debounce loop")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}
