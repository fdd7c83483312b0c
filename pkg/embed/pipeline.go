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

package embed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/locks"
)

const (
	// DefaultBatchSize is how many vectors are written back per graph call.
	DefaultBatchSize = 50
	// DefaultConcurrency is how many provider calls run in parallel.
	DefaultConcurrency = 10
	// maxTextLength caps the text sent to a provider; longer source fields
	// are truncated, most models cut off far earlier anyway.
	maxTextLength = 2000
	// ingestionDrainTimeout bounds how long a run waits for in-flight
	// ingestion to finish before giving up.
	ingestionDrainTimeout = 20 * time.Minute
)

// Combine strategies for multi-field embedding text.
const (
	CombineConcat   = "concat"   // all fields joined with blank lines
	CombineWeighted = "weighted" // primary field repeated to dominate the vector
	CombineSeparate = "separate" // primary field only
)

// GraphClient is the slice of the graph store the pipeline needs.
// *graph.Store satisfies it.
type GraphClient interface {
	Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error)
	UpsertNodes(ctx context.Context, label, keyField string, rows []map[string]any) (int, int, error)
}

// Options parameterize one pipeline run.
type Options struct {
	Index graph.VectorIndex

	// KeyField identifies nodes in write-back; defaults to "uuid".
	KeyField string

	// SourceFields are the node properties embedded, in priority order.
	// Defaults to the index source field.
	SourceFields []string

	// CombineStrategy merges multiple source fields into one text.
	CombineStrategy string

	// OnlyDirty restricts the run to nodes flagged dirty (the normal mode).
	// A full re-embed passes false.
	OnlyDirty bool
}

// Result summarizes one pipeline run.
type Result struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"duration_ms"`
}

// Pipeline embeds dirty graph nodes and writes the vectors back.
type Pipeline struct {
	graph    GraphClient
	provider Provider
	locks    *locks.Registry
	logger   *slog.Logger

	batchSize   int
	concurrency int
	retry       RetryConfig
}

// NewPipeline creates a pipeline with default batch size and concurrency.
func NewPipeline(g GraphClient, provider Provider, reg *locks.Registry, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		graph:       g,
		provider:    provider,
		locks:       reg,
		logger:      logger,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		retry:       DefaultRetryConfig(),
	}
}

type target struct {
	key    any
	fields map[string]string
}

// Run selects the nodes to embed, generates vectors through the worker
// pool, and writes them back clearing the dirty flag. The whole run holds
// the embedding lock; it first waits for any in-flight ingestion to drain
// so vectors never race half-applied deltas.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	embedMetrics.init()

	if opts.KeyField == "" {
		opts.KeyField = "uuid"
	}
	if len(opts.SourceFields) == 0 {
		opts.SourceFields = []string{opts.Index.SourceField}
	}
	if opts.CombineStrategy == "" {
		opts.CombineStrategy = CombineConcat
	}

	if !p.locks.WaitForUnlock(ctx, locks.Ingestion, ingestionDrainTimeout) {
		return nil, fmt.Errorf("ingestion lock did not drain within %s", ingestionDrainTimeout)
	}

	start := time.Now()
	var res *Result
	desc := fmt.Sprintf("embed %s.%s", opts.Index.NodeLabel, opts.Index.SourceField)
	err := p.locks.WithLock(locks.Embedding, desc, func() error {
		targets, err := p.selectTargets(ctx, opts)
		if err != nil {
			return err
		}
		res = p.embedAll(ctx, opts, targets)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.DurationMs = time.Since(start).Milliseconds()
	embedMetrics.runDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("embedding.run.done",
		"label", opts.Index.NodeLabel,
		"total", res.Total,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration_ms", res.DurationMs)
	return res, nil
}

func (p *Pipeline) selectTargets(ctx context.Context, opts Options) ([]target, error) {
	var returns []string
	returns = append(returns, fmt.Sprintf("n.%s AS key", opts.KeyField))
	for _, f := range opts.SourceFields {
		returns = append(returns, fmt.Sprintf("n.%s AS %s", f, f))
	}

	where := ""
	if opts.OnlyDirty {
		where = "WHERE n.dirty = true "
	}
	cypher := fmt.Sprintf("MATCH (n:%s) %sRETURN %s",
		opts.Index.NodeLabel, where, strings.Join(returns, ", "))

	qr, err := p.graph.Run(ctx, cypher, nil)
	if err != nil {
		return nil, fmt.Errorf("select embedding targets: %w", err)
	}

	targets := make([]target, 0, len(qr.Records))
	for _, rec := range qr.Records {
		key, ok := rec["key"]
		if !ok || key == nil {
			continue
		}
		t := target{key: key, fields: make(map[string]string, len(opts.SourceFields))}
		for _, f := range opts.SourceFields {
			if v, ok := rec[f].(string); ok {
				t.fields[f] = v
			}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// combineText builds the provider input from the target's source fields.
func combineText(t target, fields []string, strategy string) string {
	primary := t.fields[fields[0]]
	switch strategy {
	case CombineSeparate:
		return truncateText(primary)
	case CombineWeighted:
		parts := []string{primary, primary}
		for _, f := range fields[1:] {
			if v := t.fields[f]; v != "" {
				parts = append(parts, v)
			}
		}
		return truncateText(strings.Join(parts, "\n\n"))
	default: // concat
		var parts []string
		for _, f := range fields {
			if v := t.fields[f]; v != "" {
				parts = append(parts, v)
			}
		}
		return truncateText(strings.Join(parts, "\n\n"))
	}
}

func truncateText(s string) string {
	if len(s) > maxTextLength {
		return s[:maxTextLength]
	}
	return s
}

type embedded struct {
	idx int
	key any
	vec []float32
}

func (p *Pipeline) embedAll(ctx context.Context, opts Options, targets []target) *Result {
	res := &Result{Total: len(targets)}
	if len(targets) == 0 {
		return res
	}

	jobs := make(chan int)
	results := make(chan embedded, len(targets))
	var failed sync.Map

	var wg sync.WaitGroup
	workers := p.concurrency
	if workers > len(targets) {
		workers = len(targets)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				t := targets[i]
				text := combineText(t, opts.SourceFields, opts.CombineStrategy)
				if text == "" {
					failed.Store(i, true)
					continue
				}
				vec, err := embedWithRetry(ctx, p.provider, text, p.retry, func(attempt int, cause error) {
					embedMetrics.retries.Inc()
					p.logger.Warn("embedding.retry", "key", t.key, "attempt", attempt, "error", cause)
				})
				if err != nil {
					embedMetrics.failures.Inc()
					p.logger.Warn("embedding.failed", "key", t.key, "error", err)
					failed.Store(i, true)
					continue
				}
				embedMetrics.vectors.Inc()
				results <- embedded{idx: i, key: t.key, vec: vec}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range targets {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)

	done := make([]embedded, 0, len(targets))
	for e := range results {
		done = append(done, e)
	}
	// Write-back order should not depend on worker scheduling.
	sort.Slice(done, func(a, b int) bool { return done[a].idx < done[b].idx })

	embField := opts.Index.EmbeddingField()
	for i := 0; i < len(done); i += p.batchSize {
		end := i + p.batchSize
		if end > len(done) {
			end = len(done)
		}
		rows := make([]map[string]any, 0, end-i)
		for _, e := range done[i:end] {
			rows = append(rows, map[string]any{
				opts.KeyField: e.key,
				embField:      e.vec,
				"dirty":       false,
			})
		}
		if _, _, err := p.graph.UpsertNodes(ctx, opts.Index.NodeLabel, opts.KeyField, rows); err != nil {
			// Nodes in a failed write-back stay dirty and are retried on
			// the next run.
			p.logger.Error("embedding.writeback.failed", "rows", len(rows), "error", err)
			res.Failed += len(rows)
			continue
		}
		res.Succeeded += len(rows)
	}

	failed.Range(func(any, any) bool {
		res.Failed++
		return true
	})
	return res
}
