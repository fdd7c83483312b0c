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

// Package graph adapts the daemon to its labeled-property graph database.
//
// All writes go through batched MERGE statements, so repeating an identical
// batch is a no-op on the node/edge set. Vector search over-fetches when
// post-scan filters are present so trimming cannot drop below the requested
// topK.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Consume(ctx context.Context) (neo4j.ResultSummary, error)
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Config carries the connection settings for the graph database.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Store is the daemon's adapter to the graph database. It owns the driver
// and opens one short-lived session per operation.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger

	newSession func(ctx context.Context) runner // for testing
}

// Connect opens a driver against cfg and verifies connectivity.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create driver for %s: %w", cfg.URI, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify connectivity to %s: %w", cfg.URI, err)
	}
	return New(driver, cfg.Database, logger), nil
}

// New wraps an existing driver. database may be empty for the default.
func New(driver neo4j.DriverWithContext, database string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{driver: driver, database: database, logger: logger}
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// neo4jSessionAdapter adapts neo4j.SessionWithContext to the runner interface.
type neo4jSessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

func (s *Store) session(ctx context.Context) runner {
	if s.newSession != nil {
		return s.newSession(ctx)
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	return &neo4jSessionAdapter{sess: sess}
}

// Run executes an opaque cypher query and collects records plus write
// counters. Tools use this as their pass-through.
func (s *Store) Run(ctx context.Context, cypher string, params map[string]any) (*QueryResult, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}

	out := &QueryResult{}
	for res.Next(ctx) {
		rec := res.Record()
		row := make(map[string]any, len(rec.Keys))
		for _, key := range rec.Keys {
			v, _ := rec.Get(key)
			row[key] = v
		}
		out.Records = append(out.Records, row)
	}

	if sum, err := res.Consume(ctx); err == nil && sum != nil {
		if c := sum.Counters(); c != nil {
			out.Counters = Counters{
				NodesCreated:         c.NodesCreated(),
				NodesDeleted:         c.NodesDeleted(),
				RelationshipsCreated: c.RelationshipsCreated(),
				RelationshipsDeleted: c.RelationshipsDeleted(),
				PropertiesSet:        c.PropertiesSet(),
			}
		}
	}
	return out, nil
}

// UpsertNodes merges one batch of rows under label, keyed by keyField.
// Each row is a flat property map that must contain keyField; properties
// absent from the row are preserved on existing nodes. Returns (created,
// updated) counts derived from the write counters.
func (s *Store) UpsertNodes(ctx context.Context, label, keyField string, rows []map[string]any) (int, int, error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	label = sanitizeLabel(label)
	keyField = sanitizeIdentifier(keyField)

	for i, row := range rows {
		if _, ok := row[keyField]; !ok {
			return 0, 0, fmt.Errorf("upsert %s: row %d missing key field %q", label, i, keyField)
		}
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		"UNWIND $rows AS row MERGE (n:%s {%s: row.%s}) SET n += row",
		label, keyField, keyField)
	res, err := sess.Run(ctx, cypher, map[string]any{"rows": rows})
	if err != nil {
		return 0, 0, fmt.Errorf("upsert %s nodes: %w", label, err)
	}

	created := 0
	if sum, err := res.Consume(ctx); err == nil && sum != nil {
		if c := sum.Counters(); c != nil {
			created = c.NodesCreated()
		}
	}
	updated := len(rows) - created
	if updated < 0 {
		updated = 0
	}
	s.logger.Debug("graph.upsert_nodes", "label", label, "rows", len(rows), "created", created, "updated", updated)
	return created, updated, nil
}

// UpsertEdges merges one batch of edges of a single type between from and to
// endpoints. Idempotent under (type, from, to).
func (s *Store) UpsertEdges(ctx context.Context, edgeType string, from, to Endpoint, rows []EdgeRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	edgeType = sanitizeRelType(edgeType)

	params := make([]map[string]any, len(rows))
	for i, r := range rows {
		props := r.Properties
		if props == nil {
			props = map[string]any{}
		}
		params[i] = map[string]any{"from": r.From, "to": r.To, "props": props}
	}

	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`UNWIND $rows AS row
		 MATCH (a:%s {%s: row.from})
		 MATCH (b:%s {%s: row.to})
		 MERGE (a)-[r:%s]->(b)
		 SET r += row.props`,
		sanitizeLabel(from.Label), sanitizeIdentifier(from.KeyField),
		sanitizeLabel(to.Label), sanitizeIdentifier(to.KeyField),
		edgeType)
	res, err := sess.Run(ctx, cypher, map[string]any{"rows": params})
	if err != nil {
		return 0, fmt.Errorf("upsert %s edges: %w", edgeType, err)
	}

	created := 0
	if sum, err := res.Consume(ctx); err == nil && sum != nil {
		if c := sum.Counters(); c != nil {
			created = c.RelationshipsCreated()
		}
	}
	s.logger.Debug("graph.upsert_edges", "type", edgeType, "rows", len(rows), "created", created)
	return created, nil
}

// DeleteByKey detach-deletes the node matched by (label, keyField=value).
// When cascade is non-nil, children reached over cascade.Rel with
// cascade.Label are deleted first. Returns the number of nodes deleted.
func (s *Store) DeleteByKey(ctx context.Context, label, keyField string, value any, cascade *Cascade) (int, error) {
	label = sanitizeLabel(label)
	keyField = sanitizeIdentifier(keyField)

	sess := s.session(ctx)
	defer sess.Close(ctx)

	var cypher string
	if cascade != nil {
		cypher = fmt.Sprintf(
			`MATCH (n:%s {%s: $value})
			 OPTIONAL MATCH (n)-[:%s]->(c:%s)
			 DETACH DELETE c, n`,
			label, keyField, sanitizeRelType(cascade.Rel), sanitizeLabel(cascade.Label))
	} else {
		cypher = fmt.Sprintf("MATCH (n:%s {%s: $value}) DETACH DELETE n", label, keyField)
	}

	res, err := sess.Run(ctx, cypher, map[string]any{"value": value})
	if err != nil {
		return 0, fmt.Errorf("delete %s %v: %w", label, value, err)
	}

	deleted := 0
	if sum, err := res.Consume(ctx); err == nil && sum != nil {
		if c := sum.Counters(); c != nil {
			deleted = c.NodesDeleted()
		}
	}
	s.logger.Debug("graph.delete", "label", label, "key", value, "deleted", deleted)
	return deleted, nil
}

// MarkDirty sets dirty=true on every node matched by (label, keyField IN
// values), queueing them for the embedding pipeline.
func (s *Store) MarkDirty(ctx context.Context, label, keyField string, values []any) error {
	if len(values) == 0 {
		return nil
	}
	label = sanitizeLabel(label)
	keyField = sanitizeIdentifier(keyField)

	sess := s.session(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		"MATCH (n:%s) WHERE n.%s IN $values SET n.dirty = true",
		label, keyField)
	if _, err := sess.Run(ctx, cypher, map[string]any{"values": values}); err != nil {
		return fmt.Errorf("mark %s dirty: %w", label, err)
	}
	s.logger.Debug("graph.mark_dirty", "label", label, "count", len(values))
	return nil
}

// sanitizeLabel keeps [A-Za-z0-9_] so a label can be interpolated into
// cypher. Falls back to "Node" when nothing survives.
func sanitizeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteByte(c)
		}
	}
	if b.Len() == 0 {
		return "Node"
	}
	return b.String()
}

// sanitizeIdentifier is sanitizeLabel with an "f" fallback for property names.
func sanitizeIdentifier(name string) string {
	out := sanitizeLabel(name)
	if out == "Node" && name != "Node" {
		return "f"
	}
	return out
}

// sanitizeRelType keeps [A-Za-z0-9_] and uppercases, per relationship-type
// convention. Falls back to RELATED_TO.
func sanitizeRelType(t string) string {
	safe := make([]byte, 0, len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "RELATED_TO"
	}
	for i := range safe {
		if safe[i] >= 'a' && safe[i] <= 'z' {
			safe[i] -= 32
		}
	}
	return string(safe)
}
