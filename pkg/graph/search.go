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

package graph

import (
	"context"
	"fmt"
	"strings"
)

// overFetchK returns how many candidates the index scan requests. With
// post-scan filters the scan asks for at least 3×topK or 100, whichever is
// larger, so filtering cannot shrink the result below topK.
func overFetchK(topK int, filtered bool) int {
	if !filtered {
		return topK
	}
	k := 3 * topK
	if k < 100 {
		k = 100
	}
	return k
}

// VectorSearch queries the named vector index and returns up to topK hits in
// descending score order. Options narrow the result after the index scan.
func (s *Store) VectorSearch(ctx context.Context, indexName string, queryEmbedding []float32, topK int, opts SearchOptions) ([]SearchHit, error) {
	if topK <= 0 {
		topK = 10
	}

	filtered := len(opts.FilterUUIDs) > 0 || opts.ExtraWhere != ""
	fetchK := overFetchK(topK, filtered)

	var where []string
	params := map[string]any{
		"index":     indexName,
		"k":         fetchK,
		"embedding": queryEmbedding,
		"top_k":     topK,
	}
	if opts.MinScore > 0 {
		where = append(where, "score >= $min_score")
		params["min_score"] = opts.MinScore
	}
	if len(opts.FilterUUIDs) > 0 {
		where = append(where, "node.uuid IN $uuids")
		params["uuids"] = opts.FilterUUIDs
	}
	if opts.ExtraWhere != "" {
		where = append(where, "("+opts.ExtraWhere+")")
	}

	var b strings.Builder
	b.WriteString("CALL db.index.vector.queryNodes($index, $k, $embedding) YIELD node, score\n")
	if len(where) > 0 {
		b.WriteString("WHERE " + strings.Join(where, " AND ") + "\n")
	}
	b.WriteString("RETURN node.uuid AS uuid, score, properties(node) AS props\n")
	b.WriteString("ORDER BY score DESC LIMIT $top_k")

	sess := s.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, b.String(), params)
	if err != nil {
		return nil, fmt.Errorf("vector search %s: %w", indexName, err)
	}

	var hits []SearchHit
	for res.Next(ctx) {
		rec := res.Record()
		hit := SearchHit{}
		if v, ok := rec.Get("uuid"); ok {
			hit.NodeID, _ = v.(string)
		}
		if v, ok := rec.Get("score"); ok {
			hit.Score, _ = v.(float64)
		}
		if v, ok := rec.Get("props"); ok {
			if props, ok := v.(map[string]any); ok {
				// Stored vectors are large and never useful to callers.
				for k := range props {
					if strings.HasSuffix(k, "_embedding") {
						delete(props, k)
					}
				}
				hit.Properties = props
			}
		}
		hits = append(hits, hit)
	}

	s.logger.Debug("graph.vector_search", "index", indexName, "fetch_k", fetchK, "hits", len(hits))
	return hits, nil
}
