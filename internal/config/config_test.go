// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_NEO4J_PASSWORD", "s3cret")

	path := writeConfig(t, `
name: myproject
version: "1"
neo4j:
  uri: bolt://localhost:7687
  username: neo4j
  password: ${TEST_NEO4J_PASSWORD}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "myproject", cfg.Name)
	assert.Equal(t, "s3cret", cfg.Neo4j.Password)
}

func TestLoadUnsetPlaceholderExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
name: p
neo4j:
  password: ${RAGFORGE_DEFINITELY_UNSET_VAR}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Neo4j.Password)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "name: p\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bolt://localhost:7687", cfg.Neo4j.URI)
	assert.Equal(t, "ollama", cfg.Embeddings.Defaults.Provider)
	assert.Equal(t, 50, cfg.Embeddings.Defaults.BatchSize)
	assert.Equal(t, 10, cfg.Embeddings.Defaults.Concurrency)
	assert.Equal(t, "concat", cfg.Embeddings.Defaults.CombineStrategy)
	assert.NotEmpty(t, cfg.Source.Include)
}

func TestLoadEmbeddingEntities(t *testing.T) {
	path := writeConfig(t, `
name: p
embeddings:
  defaults:
    provider: mock
    dimensions: 384
  entities:
    Scope:
      source_field: content
      index_name: scope_embeddings
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	ent, ok := cfg.Embeddings.Entities["Scope"]
	require.True(t, ok)
	assert.Equal(t, "content", ent.SourceField)
	assert.Equal(t, "scope_embeddings", ent.IndexName)
	assert.Equal(t, 384, cfg.Embeddings.Defaults.Dimensions)
}

func TestDirHonorsRagforgeHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RAGFORGE_HOME", dir)

	assert.Equal(t, dir, Dir())
	assert.Equal(t, filepath.Join(dir, "logs", "daemon.log"), LogPath())
	assert.Equal(t, filepath.Join(dir, "daemon.pid"), PIDPath())
	assert.Equal(t, filepath.Join(dir, "daemon-startup.lock"), StartupLockPath())
}

func TestDaemonPort(t *testing.T) {
	t.Setenv("RAGFORGE_DAEMON_PORT", "")
	assert.Equal(t, DefaultDaemonPort, DaemonPort())

	t.Setenv("RAGFORGE_DAEMON_PORT", "7070")
	assert.Equal(t, 7070, DaemonPort())

	t.Setenv("RAGFORGE_DAEMON_PORT", "not-a-port")
	assert.Equal(t, DefaultDaemonPort, DaemonPort())
}
