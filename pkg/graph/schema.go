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

// DefaultConstraints covers the node identities the ingestor writes plus the
// conversation-memory labels.
var DefaultConstraints = []Constraint{
	{Label: "Project", Field: "id"},
	{Label: "Directory", Field: "path"},
	{Label: "File", Field: "path"},
	{Label: "Scope", Field: "uuid"},
	{Label: "ExternalLibrary", Field: "name"},
	{Label: "Conversation", Field: "uuid"},
	{Label: "Message", Field: "uuid"},
	{Label: "ToolCall", Field: "uuid"},
	{Label: "Summary", Field: "uuid"},
}

// DefaultIndexes speeds up dirty-node selection and message ordering.
var DefaultIndexes = []Index{
	{Label: "Scope", Field: "dirty"},
	{Label: "File", Field: "dirty"},
	{Label: "Message", Field: "conversation_id"},
	{Label: "Summary", Field: "conversation_id"},
}

// EnsureSchema creates constraints, indexes, and vector indexes with IF NOT
// EXISTS semantics. Safe to call on every start.
func (s *Store) EnsureSchema(ctx context.Context, constraints []Constraint, indexes []Index, vectorIndexes []VectorIndex) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	for _, c := range constraints {
		label := sanitizeLabel(c.Label)
		field := sanitizeIdentifier(c.Field)
		cypher := fmt.Sprintf(
			"CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
			constraintName(label, field), label, field)
		if _, err := sess.Run(ctx, cypher, nil); err != nil {
			return fmt.Errorf("create constraint on %s.%s: %w", label, field, err)
		}
	}

	for _, ix := range indexes {
		label := sanitizeLabel(ix.Label)
		field := sanitizeIdentifier(ix.Field)
		cypher := fmt.Sprintf(
			"CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)",
			indexName(label, field), label, field)
		if _, err := sess.Run(ctx, cypher, nil); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", label, field, err)
		}
	}

	for _, vi := range vectorIndexes {
		label := sanitizeLabel(vi.NodeLabel)
		field := sanitizeIdentifier(vi.EmbeddingField())
		cypher := fmt.Sprintf(
			"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s) "+
				"OPTIONS {indexConfig: {`vector.dimensions`: $dim, `vector.similarity_function`: 'cosine'}}",
			sanitizeIdentifier(vi.Name), label, field)
		if _, err := sess.Run(ctx, cypher, map[string]any{"dim": vi.Dimension}); err != nil {
			return fmt.Errorf("create vector index %s: %w", vi.Name, err)
		}
	}

	s.logger.Info("graph.schema.ensured",
		"constraints", len(constraints), "indexes", len(indexes), "vector_indexes", len(vectorIndexes))
	return nil
}

func constraintName(label, field string) string {
	return "uniq_" + strings.ToLower(label) + "_" + strings.ToLower(field)
}

func indexName(label, field string) string {
	return "idx_" + strings.ToLower(label) + "_" + strings.ToLower(field)
}
