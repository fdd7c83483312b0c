// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/locks"
	"github.com/kraklabs/ragforge/pkg/parser"
)

type nodeCall struct {
	label    string
	keyField string
	rows     int
}

type edgeCall struct {
	edgeType  string
	fromLabel string
	toLabel   string
	rows      int
}

type dirtyCall struct {
	label  string
	values []any
}

// fakeWriter records every graph write and can fail the first N upserts.
type fakeWriter struct {
	nodes       []nodeCall
	edges       []edgeCall
	deletes     []string
	dirty       []dirtyCall
	failUpserts int
	onWrite     func()
}

func (f *fakeWriter) UpsertNodes(ctx context.Context, label, keyField string, rows []map[string]any) (int, int, error) {
	if f.onWrite != nil {
		f.onWrite()
	}
	if f.failUpserts > 0 {
		f.failUpserts--
		return 0, 0, errors.New("connection reset")
	}
	f.nodes = append(f.nodes, nodeCall{label: label, keyField: keyField, rows: len(rows)})
	return len(rows), 0, nil
}

func (f *fakeWriter) UpsertEdges(ctx context.Context, edgeType string, from, to graph.Endpoint, rows []graph.EdgeRow) (int, error) {
	if f.onWrite != nil {
		f.onWrite()
	}
	f.edges = append(f.edges, edgeCall{edgeType: edgeType, fromLabel: from.Label, toLabel: to.Label, rows: len(rows)})
	return len(rows), nil
}

func (f *fakeWriter) DeleteByKey(ctx context.Context, label, keyField string, value any, cascade *graph.Cascade) (int, error) {
	if f.onWrite != nil {
		f.onWrite()
	}
	f.deletes = append(f.deletes, fmt.Sprintf("%s.%s=%v cascade=%v", label, keyField, value, cascade != nil))
	return 2, nil
}

func (f *fakeWriter) MarkDirty(ctx context.Context, label, keyField string, values []any) error {
	if f.onWrite != nil {
		f.onWrite()
	}
	f.dirty = append(f.dirty, dirtyCall{label: label, values: values})
	return nil
}

func newTestIngestor(w GraphWriter) (*Ingestor, *locks.Registry) {
	reg := locks.NewRegistry(nil)
	ing := New(w, reg, nil)
	ing.backoff = func(int) time.Duration { return 0 }
	return ing, reg
}

func sampleDelta() *parser.Delta {
	return &parser.Delta{
		Nodes: []parser.Node{
			{Key: parser.ScopeKey("u1"), Label: parser.LabelScope, Properties: map[string]any{"uuid": "u1", "content": "func A()"}},
			{Key: parser.FileKey("src/a.go"), Label: parser.LabelFile, Properties: map[string]any{"path": "src/a.go"}},
			{Key: parser.DirKey("src"), Label: parser.LabelDirectory, Properties: map[string]any{"path": "src"}},
			{Key: parser.ProjectKey("/p"), Label: parser.LabelProject, Properties: map[string]any{"id": "/p"}},
			{Key: parser.LibKey("fmt"), Label: parser.LabelExternalLibrary, Properties: map[string]any{"name": "fmt"}},
		},
		Edges: []parser.Edge{
			{Type: "CONTAINS", From: parser.DirKey("src"), To: parser.FileKey("src/a.go")},
			{Type: "HAS_SCOPE", From: parser.FileKey("src/a.go"), To: parser.ScopeKey("u1")},
			{Type: "IMPORTS", From: parser.FileKey("src/a.go"), To: parser.LibKey("fmt")},
		},
	}
}

func TestApplyUpsertsInLabelOrder(t *testing.T) {
	w := &fakeWriter{}
	ing, _ := newTestIngestor(w)

	res, err := ing.Apply(context.Background(), sampleDelta(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Created)

	var labels []string
	for _, c := range w.nodes {
		labels = append(labels, c.label)
	}
	assert.Equal(t, []string{
		parser.LabelDirectory, parser.LabelFile, parser.LabelProject,
		parser.LabelExternalLibrary, parser.LabelScope,
	}, labels)
}

func TestApplyGroupsEdges(t *testing.T) {
	w := &fakeWriter{}
	ing, _ := newTestIngestor(w)

	_, err := ing.Apply(context.Background(), sampleDelta(), nil)
	require.NoError(t, err)

	require.Len(t, w.edges, 3)
	assert.Equal(t, edgeCall{edgeType: "CONTAINS", fromLabel: "Directory", toLabel: "File", rows: 1}, w.edges[0])
	assert.Equal(t, edgeCall{edgeType: "HAS_SCOPE", fromLabel: "File", toLabel: "Scope", rows: 1}, w.edges[1])
	assert.Equal(t, edgeCall{edgeType: "IMPORTS", fromLabel: "File", toLabel: "ExternalLibrary", rows: 1}, w.edges[2])
}

func TestApplyBatchesLargeDeltas(t *testing.T) {
	delta := &parser.Delta{}
	for i := 0; i < 1200; i++ {
		uuid := fmt.Sprintf("u%d", i)
		delta.Nodes = append(delta.Nodes, parser.Node{
			Key:        parser.ScopeKey(uuid),
			Label:      parser.LabelScope,
			Properties: map[string]any{"uuid": uuid},
		})
	}

	w := &fakeWriter{}
	ing, _ := newTestIngestor(w)

	_, err := ing.Apply(context.Background(), delta, nil)
	require.NoError(t, err)

	require.Len(t, w.nodes, 3, "1200 rows split at 500")
	assert.Equal(t, 500, w.nodes[0].rows)
	assert.Equal(t, 500, w.nodes[1].rows)
	assert.Equal(t, 200, w.nodes[2].rows)
}

func TestApplyDeletesRemovedWithCascade(t *testing.T) {
	w := &fakeWriter{}
	ing, _ := newTestIngestor(w)

	res, err := ing.Apply(context.Background(), &parser.Delta{}, []string{"./src/gone.go"})
	require.NoError(t, err)

	require.Len(t, w.deletes, 1)
	assert.Equal(t, "File.path=src/gone.go cascade=true", w.deletes[0])
	assert.Equal(t, 1, res.Removed)
}

func TestApplyMarksDirty(t *testing.T) {
	w := &fakeWriter{}
	ing, _ := newTestIngestor(w)

	_, err := ing.Apply(context.Background(), sampleDelta(), nil)
	require.NoError(t, err)

	require.Len(t, w.dirty, 2)
	assert.Equal(t, parser.LabelScope, w.dirty[0].label)
	assert.Equal(t, []any{"u1"}, w.dirty[0].values)
	assert.Equal(t, parser.LabelFile, w.dirty[1].label)
	assert.Equal(t, []any{"src/a.go"}, w.dirty[1].values)
}

func TestApplyRetriesFailedBatch(t *testing.T) {
	w := &fakeWriter{failUpserts: 2}
	ing, _ := newTestIngestor(w)

	_, err := ing.Apply(context.Background(), sampleDelta(), nil)
	require.NoError(t, err, "two failures then success is within the retry budget")
	assert.Len(t, w.nodes, 5)
}

func TestApplyGivesUpAfterRetries(t *testing.T) {
	w := &fakeWriter{failUpserts: 3}
	ing, reg := newTestIngestor(w)

	_, err := ing.Apply(context.Background(), sampleDelta(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, reg.IsLocked(locks.Ingestion), "lock released on failure")
}

func TestApplyHoldsIngestionLock(t *testing.T) {
	w := &fakeWriter{}
	ing, reg := newTestIngestor(w)
	w.onWrite = func() {
		assert.True(t, reg.IsLocked(locks.Ingestion), "writes must run under the ingestion lock")
	}

	_, err := ing.Apply(context.Background(), sampleDelta(), nil)
	require.NoError(t, err)
	assert.False(t, reg.IsLocked(locks.Ingestion))
}

func TestApplySkipsUnknownEdgeKeys(t *testing.T) {
	w := &fakeWriter{}
	ing, _ := newTestIngestor(w)

	delta := &parser.Delta{
		Edges: []parser.Edge{{Type: "X", From: "bogus:1", To: parser.FileKey("a.go")}},
	}
	_, err := ing.Apply(context.Background(), delta, nil)
	require.NoError(t, err)
	assert.Empty(t, w.edges)
}
