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

// Package config loads the ragforge YAML configuration and resolves the
// filesystem layout under the user's config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultDaemonPort is used when RAGFORGE_DAEMON_PORT is not set.
const DefaultDaemonPort = 6969

// Config represents the ragforge config.yaml file.
type Config struct {
	Name       string           `yaml:"name"`
	Version    string           `yaml:"version"`
	Entities   []EntityConfig   `yaml:"entities,omitempty"`
	Source     SourceConfig     `yaml:"source"`
	Neo4j      Neo4jConfig      `yaml:"neo4j"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EntityConfig declares a graph entity the parser emits.
type EntityConfig struct {
	Label        string `yaml:"label"`
	KeyField     string `yaml:"key_field"`
	ContentField string `yaml:"content_field,omitempty"`
}

// SourceConfig describes the source tree to ingest.
type SourceConfig struct {
	Type    string   `yaml:"type"`    // "code" or "documents"
	Adapter string   `yaml:"adapter"` // parser adapter, e.g. "go"
	Root    string   `yaml:"root"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Neo4jConfig holds graph database connection settings.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database,omitempty"`
}

// EmbeddingsConfig configures embedding generation.
type EmbeddingsConfig struct {
	Defaults EmbeddingDefaults          `yaml:"defaults"`
	Entities map[string]EntityEmbedding `yaml:"entities,omitempty"`
}

// EmbeddingDefaults are applied to every vector index unless overridden.
type EmbeddingDefaults struct {
	Provider        string `yaml:"provider"` // ollama, openai, mock
	Model           string `yaml:"model"`
	Dimensions      int    `yaml:"dimensions"`
	BatchSize       int    `yaml:"batch_size,omitempty"`
	Concurrency     int    `yaml:"concurrency,omitempty"`
	CombineStrategy string `yaml:"combine_strategy,omitempty"` // concat, weighted, separate
}

// EntityEmbedding overrides embedding settings for one entity label.
type EntityEmbedding struct {
	SourceField string `yaml:"source_field"`
	IndexName   string `yaml:"index_name,omitempty"`
	Provider    string `yaml:"provider,omitempty"`
	Model       string `yaml:"model,omitempty"`
	Dimensions  int    `yaml:"dimensions,omitempty"`
}

// Load reads and parses the config file at path. Environment placeholders of
// the form ${VAR} are expanded before YAML parsing; unset variables expand to
// the empty string.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadDefault loads ~/.ragforge/config.yaml if present, otherwise returns a
// config with built-in defaults.
func LoadDefault() (*Config, error) {
	path := filepath.Join(Dir(), "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{Name: "ragforge", Version: "1"}
		cfg.applyDefaults()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}
	if c.Neo4j.Username == "" {
		c.Neo4j.Username = "neo4j"
	}
	if c.Embeddings.Defaults.Provider == "" {
		c.Embeddings.Defaults.Provider = "ollama"
	}
	if c.Embeddings.Defaults.Model == "" {
		c.Embeddings.Defaults.Model = "nomic-embed-text"
	}
	if c.Embeddings.Defaults.Dimensions == 0 {
		c.Embeddings.Defaults.Dimensions = 768
	}
	if c.Embeddings.Defaults.BatchSize == 0 {
		c.Embeddings.Defaults.BatchSize = 50
	}
	if c.Embeddings.Defaults.Concurrency == 0 {
		c.Embeddings.Defaults.Concurrency = 10
	}
	if c.Embeddings.Defaults.CombineStrategy == "" {
		c.Embeddings.Defaults.CombineStrategy = "concat"
	}
	if len(c.Source.Include) == 0 {
		c.Source.Include = []string{"**/*.go"}
	}
	if len(c.Source.Exclude) == 0 {
		c.Source.Exclude = []string{"**/vendor/**", "**/node_modules/**", "**/.git/**"}
	}
}

// Dir returns the ragforge config directory, creating nothing.
// RAGFORGE_HOME overrides the default ~/.ragforge.
func Dir() string {
	if dir := os.Getenv("RAGFORGE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragforge"
	}
	return filepath.Join(home, ".ragforge")
}

// EnsureDirs creates the config directory tree (logs/, debug/).
func EnsureDirs() error {
	for _, d := range []string{Dir(), filepath.Join(Dir(), "logs"), filepath.Join(Dir(), "debug")} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return nil
}

// LogPath is the daemon's append-only log file.
func LogPath() string { return filepath.Join(Dir(), "logs", "daemon.log") }

// ClientLogPath is the client-side diagnostic log file.
func ClientLogPath() string { return filepath.Join(Dir(), "logs", "daemon-client.log") }

// PIDPath holds the current daemon PID.
func PIDPath() string { return filepath.Join(Dir(), "daemon.pid") }

// StartupLockPath is the filesystem startup lock (content: PID; stale at mtime+30s).
func StartupLockPath() string { return filepath.Join(Dir(), "daemon-startup.lock") }

// DebugDir holds agent prompt-extraction dumps.
func DebugDir() string { return filepath.Join(Dir(), "debug") }

// PersonasPath is the persona store file.
func PersonasPath() string { return filepath.Join(Dir(), "personas.json") }

// DaemonPort returns the daemon port, honoring RAGFORGE_DAEMON_PORT.
func DaemonPort() int {
	if v := os.Getenv("RAGFORGE_DAEMON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			return port
		}
	}
	return DefaultDaemonPort
}

// Verbose reports whether RAGFORGE_DAEMON_VERBOSE=1 is set.
func Verbose() bool {
	return os.Getenv("RAGFORGE_DAEMON_VERBOSE") == "1"
}
