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

// Package ingest applies parser deltas to the graph.
//
// The whole apply runs under the ingestion lock. Each batch is idempotent
// (MERGE semantics), so a failed run leaves the graph consistent and the
// next run re-applies whatever is missing. Dirty flags set here are picked
// up later by the embedding pipeline.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/locks"
	"github.com/kraklabs/ragforge/pkg/parser"
)

const (
	// DefaultBatchSize caps rows per write statement.
	DefaultBatchSize = 500
	// maxAttempts bounds per-batch retries on upstream failures.
	maxAttempts = 3
)

// nodeLabelOrder fixes the upsert sequence so edge endpoints exist before
// the edges that reference them.
var nodeLabelOrder = []string{
	parser.LabelDirectory,
	parser.LabelFile,
	parser.LabelProject,
	parser.LabelExternalLibrary,
	parser.LabelScope,
}

// scopeCascade deletes a file's scopes together with the file.
var scopeCascade = &graph.Cascade{Rel: "HAS_SCOPE", Label: "Scope"}

// GraphWriter is the slice of the graph store the ingestor writes through.
type GraphWriter interface {
	UpsertNodes(ctx context.Context, label, keyField string, rows []map[string]any) (created, updated int, err error)
	UpsertEdges(ctx context.Context, edgeType string, from, to graph.Endpoint, rows []graph.EdgeRow) (int, error)
	DeleteByKey(ctx context.Context, label, keyField string, value any, cascade *graph.Cascade) (int, error)
	MarkDirty(ctx context.Context, label, keyField string, values []any) error
}

// Result summarizes one delta application.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// Ingestor applies deltas incrementally under the ingestion lock.
type Ingestor struct {
	graph     GraphWriter
	locks     *locks.Registry
	logger    *slog.Logger
	batchSize int
	backoff   func(attempt int) time.Duration
}

// New creates an ingestor writing through gw, serialized by reg.
func New(gw GraphWriter, reg *locks.Registry, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		graph:     gw,
		locks:     reg,
		logger:    logger,
		batchSize: DefaultBatchSize,
		backoff: func(attempt int) time.Duration {
			// 1s, 2s
			return time.Duration(attempt) * time.Second
		},
	}
}

// Apply deletes removed files, upserts the delta's nodes and edges in label
// order, and marks embeddable nodes dirty. The entire call holds the
// ingestion lock.
func (ing *Ingestor) Apply(ctx context.Context, delta *parser.Delta, removedFiles []string) (*Result, error) {
	ingestMetrics.init()
	start := time.Now()
	res := &Result{}

	desc := fmt.Sprintf("apply delta: %d nodes, %d edges, %d removed",
		len(delta.Nodes), len(delta.Edges), len(removedFiles))

	err := ing.locks.WithLock(locks.Ingestion, desc, func() error {
		if err := ing.deleteRemoved(ctx, removedFiles, res); err != nil {
			return err
		}
		if err := ing.upsertNodes(ctx, delta, res); err != nil {
			return err
		}
		if err := ing.upsertEdges(ctx, delta); err != nil {
			return err
		}
		return ing.markDirty(ctx, delta)
	})
	if err != nil {
		return nil, err
	}

	ingestMetrics.applyDuration.Observe(time.Since(start).Seconds())
	ing.logger.Info("ingest.apply.done",
		"created", res.Created,
		"updated", res.Updated,
		"removed", res.Removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (ing *Ingestor) deleteRemoved(ctx context.Context, removedFiles []string, res *Result) error {
	for _, path := range removedFiles {
		value := parser.NormalizePath(path)
		err := ing.withRetry(ctx, "delete "+value, func() error {
			deleted, err := ing.graph.DeleteByKey(ctx, parser.LabelFile, "path", value, scopeCascade)
			if err != nil {
				return err
			}
			if deleted > 0 {
				res.Removed++
				ingestMetrics.nodesDeleted.Add(float64(deleted))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete removed file %s: %w", value, err)
		}
	}
	return nil
}

func (ing *Ingestor) upsertNodes(ctx context.Context, delta *parser.Delta, res *Result) error {
	byLabel := map[string][]map[string]any{}
	for _, n := range delta.Nodes {
		byLabel[n.Label] = append(byLabel[n.Label], n.Properties)
	}

	for _, label := range nodeLabelOrder {
		rows := byLabel[label]
		if len(rows) == 0 {
			continue
		}
		keyField := parser.KeyField(label)

		for _, batch := range chunk(rows, ing.batchSize) {
			batch := batch
			err := ing.withRetry(ctx, fmt.Sprintf("upsert %d %s nodes", len(batch), label), func() error {
				created, updated, err := ing.graph.UpsertNodes(ctx, label, keyField, batch)
				if err != nil {
					return err
				}
				res.Created += created
				res.Updated += updated
				return nil
			})
			if err != nil {
				return fmt.Errorf("upsert %s nodes: %w", label, err)
			}
			ingestMetrics.batchesSent.Inc()
		}
	}
	return nil
}

// edgeGroup keys a batchable set of edges.
type edgeGroup struct {
	edgeType  string
	fromLabel string
	toLabel   string
}

func (ing *Ingestor) upsertEdges(ctx context.Context, delta *parser.Delta) error {
	groups := map[edgeGroup][]graph.EdgeRow{}
	var order []edgeGroup

	for _, e := range delta.Edges {
		fromLabel := parser.LabelForKey(e.From)
		toLabel := parser.LabelForKey(e.To)
		if fromLabel == "" || toLabel == "" {
			ing.logger.Warn("ingest.edge.unknown_key", "type", e.Type, "from", e.From, "to", e.To)
			continue
		}
		g := edgeGroup{edgeType: e.Type, fromLabel: fromLabel, toLabel: toLabel}
		if _, seen := groups[g]; !seen {
			order = append(order, g)
		}
		groups[g] = append(groups[g], graph.EdgeRow{
			From:       parser.KeyValue(e.From),
			To:         parser.KeyValue(e.To),
			Properties: e.Properties,
		})
	}

	for _, g := range order {
		from := graph.Endpoint{Label: g.fromLabel, KeyField: parser.KeyField(g.fromLabel)}
		to := graph.Endpoint{Label: g.toLabel, KeyField: parser.KeyField(g.toLabel)}

		for _, batch := range chunk(groups[g], ing.batchSize) {
			batch := batch
			err := ing.withRetry(ctx, fmt.Sprintf("upsert %d %s edges", len(batch), g.edgeType), func() error {
				_, err := ing.graph.UpsertEdges(ctx, g.edgeType, from, to, batch)
				return err
			})
			if err != nil {
				return fmt.Errorf("upsert %s edges (%s->%s): %w", g.edgeType, g.fromLabel, g.toLabel, err)
			}
			ingestMetrics.batchesSent.Inc()
		}
	}
	return nil
}

// markDirty flags this delta's Scope and File nodes for re-embedding.
func (ing *Ingestor) markDirty(ctx context.Context, delta *parser.Delta) error {
	dirty := map[string][]any{}
	for _, n := range delta.Nodes {
		switch n.Label {
		case parser.LabelScope:
			dirty[parser.LabelScope] = append(dirty[parser.LabelScope], n.Properties["uuid"])
		case parser.LabelFile:
			dirty[parser.LabelFile] = append(dirty[parser.LabelFile], n.Properties["path"])
		}
	}

	for _, label := range []string{parser.LabelScope, parser.LabelFile} {
		values := dirty[label]
		keyField := parser.KeyField(label)
		for _, batch := range chunk(values, ing.batchSize) {
			batch := batch
			err := ing.withRetry(ctx, fmt.Sprintf("mark %d %s dirty", len(batch), label), func() error {
				return ing.graph.MarkDirty(ctx, label, keyField, batch)
			})
			if err != nil {
				return fmt.Errorf("mark %s dirty: %w", label, err)
			}
			ingestMetrics.nodesDirtied.Add(float64(len(batch)))
		}
	}
	return nil
}

// withRetry runs fn up to maxAttempts times with 1s/2s backoff. Each batch
// is idempotent, so retrying after a partial failure is safe.
func (ing *Ingestor) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		ingestMetrics.batchRetries.Inc()
		delay := ing.backoff(attempt)
		ing.logger.Warn("ingest.batch.retry",
			"op", op, "attempt", attempt, "delay", delay, "error", lastErr)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// chunk splits rows into slices of at most size.
func chunk[T any](rows []T, size int) [][]T {
	if size <= 0 || len(rows) == 0 {
		if len(rows) == 0 {
			return nil
		}
		return [][]T{rows}
	}
	var out [][]T
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
