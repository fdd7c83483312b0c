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

// Endpoint identifies one side of an edge upsert: the node label and the
// property that carries its stable key.
type Endpoint struct {
	Label    string
	KeyField string
}

// EdgeRow is one edge in a batched upsert. From and To are key values
// resolved against the Endpoint key fields.
type EdgeRow struct {
	From       any
	To         any
	Properties map[string]any
}

// Cascade describes children deleted together with a node: follow Rel from
// the node and delete every attached Label node.
type Cascade struct {
	Rel   string
	Label string
}

// VectorIndex describes one vector index registered at startup. The vector
// property is derived from SourceField as "<sourceField>_embedding".
type VectorIndex struct {
	Name        string
	NodeLabel   string
	SourceField string
	Dimension   int
	Provider    string
	Model       string
}

// EmbeddingField returns the node property the index reads vectors from.
func (vi VectorIndex) EmbeddingField() string {
	return vi.SourceField + "_embedding"
}

// Constraint is a uniqueness constraint on (Label, Field).
type Constraint struct {
	Label string
	Field string
}

// Index is a plain range index on (Label, Field).
type Index struct {
	Label string
	Field string
}

// Counters summarizes the write effects of a query. Zero-valued when the
// underlying driver returned no summary.
type Counters struct {
	NodesCreated         int `json:"nodes_created"`
	NodesDeleted         int `json:"nodes_deleted"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsDeleted int `json:"relationships_deleted"`
	PropertiesSet        int `json:"properties_set"`
}

// QueryResult is the outcome of an opaque cypher pass-through.
type QueryResult struct {
	Records  []map[string]any `json:"records"`
	Counters Counters         `json:"counters"`
}

// SearchHit is one vector-search match, descending by Score.
type SearchHit struct {
	NodeID     string         `json:"node_id"`
	Score      float64        `json:"score"`
	Properties map[string]any `json:"properties"`
}

// SearchOptions narrows a vector search after the index scan.
type SearchOptions struct {
	MinScore    float64
	FilterUUIDs []string
	ExtraWhere  string
}
