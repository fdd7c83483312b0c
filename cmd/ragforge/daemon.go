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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ragforge/internal/config"
	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/internal/logging"
	"github.com/kraklabs/ragforge/pkg/agent"
	"github.com/kraklabs/ragforge/pkg/daemon"
	"github.com/kraklabs/ragforge/pkg/embed"
	"github.com/kraklabs/ragforge/pkg/graph"
	"github.com/kraklabs/ragforge/pkg/ingest"
	"github.com/kraklabs/ragforge/pkg/llm"
	"github.com/kraklabs/ragforge/pkg/locks"
	"github.com/kraklabs/ragforge/pkg/memory"
	"github.com/kraklabs/ragforge/pkg/parser"
	"github.com/kraklabs/ragforge/pkg/tools"
	"github.com/kraklabs/ragforge/pkg/watcher"
)

const (
	scopeIndexName   = "scope_embedding_index"
	summaryIndexName = "summary_embedding_index"
)

// runDaemon runs the daemon in the foreground. This is what `ragforge
// start` spawns; it can also be run directly for debugging.
func runDaemon(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	port := fs.Int("port", config.DaemonPort(), "Loopback port to bind")
	idle := fs.Duration("idle-timeout", daemon.DefaultIdleTimeout, "Shut down after this much HTTP silence")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ragforge daemon [options]

Description:
  Run the knowledge-graph daemon in the foreground. The daemon owns the
  graph database connection, file watchers, embedding generation, and
  the agent executor; it exits on its own after the idle timeout.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		uerr.FatalError(err, globals.JSON)
	}
	if err := config.EnsureDirs(); err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	sink, err := logging.NewSink(config.LogPath(), os.Stderr)
	if err != nil {
		uerr.FatalError(uerr.NewFatalError("cannot open daemon log", err.Error(),
			"check permissions on "+config.Dir(), err), globals.JSON)
	}
	defer func() { _ = sink.Close() }()
	logger := logging.NewLogger(sink, config.Verbose())
	slog.SetDefault(logger)

	server, err := buildServer(cfg, logger, sink, *port, *idle)
	if err != nil {
		uerr.FatalError(err, globals.JSON)
	}
	if err := server.Run(context.Background()); err != nil {
		uerr.FatalError(uerr.NewFatalError("daemon failed", err.Error(),
			"is another daemon bound to the port?", err), globals.JSON)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// buildServer wires every component: graph (lazy), parser, ingestor,
// watchers, embedding, memory, agent, tools, personas.
func buildServer(cfg *config.Config, logger *slog.Logger, sink *logging.Sink, port int, idle time.Duration) (*daemon.Server, error) {
	lreg := locks.NewRegistry(logger)
	lazy := newLazyGraph(cfg, logger)

	defaults := cfg.Embeddings.Defaults
	embProvider, err := embed.NewProvider(embed.Config{
		Provider:   defaults.Provider,
		Model:      defaults.Model,
		Dimensions: defaults.Dimensions,
	}, logger)
	if err != nil {
		return nil, uerr.NewFatalError("embedding provider setup failed", err.Error(),
			"check the embeddings section of config.yaml", err)
	}
	qe := queryEmbedder{embProvider}

	llmProvider, err := llm.DefaultProvider()
	if err != nil {
		return nil, uerr.NewFatalError("llm provider setup failed", err.Error(),
			"set OLLAMA_MODEL, OPENAI_API_KEY, or ANTHROPIC_API_KEY", err)
	}

	goParser := parser.NewGoParser(logger)
	ingestor := ingest.New(lazy, lreg, logger)
	pipeline := embed.NewPipeline(lazy, embProvider, lreg, logger)
	memStore := memory.NewStore(lazy, logger)
	projects := daemon.NewProjectRegistry(logger)
	personas := daemon.NewPersonaStore(config.PersonasPath(), logger)

	scopeIdx := scopeIndex(defaults)
	summaryIdx := summaryIndex(defaults)
	lazy.schema = schemaFor(scopeIdx, summaryIdx)

	runEmbeddings := func(ctx context.Context) (map[string]*embed.Result, error) {
		out := make(map[string]*embed.Result, 2)
		for _, target := range []struct {
			idx    graph.VectorIndex
			fields []string
		}{
			{scopeIdx, []string{"content"}},
			{summaryIdx, []string{"conversation_summary", "actions_summary"}},
		} {
			res, err := pipeline.Run(ctx, embed.Options{
				Index:        target.idx,
				SourceFields: target.fields,
				OnlyDirty:    true,
			})
			if err != nil {
				return out, err
			}
			out[target.idx.Name] = res
		}
		return out, nil
	}

	registry := tools.NewRegistry(lreg, logger)
	if err := tools.RegisterBrainTools(registry, lazy, qe, scopeIndexName); err != nil {
		return nil, err
	}
	root := cfg.Source.Root
	if root == "" {
		root, _ = os.Getwd()
	}
	if err := tools.RegisterFileTools(registry, root); err != nil {
		return nil, err
	}
	if err := tools.RegisterDebugTools(registry, memStore); err != nil {
		return nil, err
	}
	if err := tools.RegisterConversationTools(registry, memStore); err != nil {
		return nil, err
	}

	startWatcher := func(ctx context.Context, p *daemon.Project) error {
		w := watcher.New(watcher.Config{
			RootPath:     p.Path,
			IncludeGlobs: includeOr(p.IncludeGlobs, cfg.Source.Include),
			ExcludeGlobs: includeOr(p.ExcludeGlobs, cfg.Source.Exclude),
			StartupScan:  true,
			KnownFiles:   knownFilesFor(lazy, p.Path),
			AfterIngestion: func(res *ingest.Result) {
				go func() {
					if _, err := runEmbeddings(context.Background()); err != nil {
						logger.Warn("daemon.embed.after_ingest", "error", err)
					}
				}()
			},
		}, goParser, ingestor, logger)
		if err := w.Start(ctx); err != nil {
			return err
		}
		projects.AttachWatcher(p.ID, w)
		return nil
	}

	fullIngest := func(ctx context.Context, path string) (any, error) {
		p, _ := projects.Register(path, "", cfg.Source.Include, cfg.Source.Exclude)
		delta, err := goParser.Parse(ctx, parser.Request{
			RootPath:     path,
			IncludeGlobs: includeOr(p.IncludeGlobs, cfg.Source.Include),
			ExcludeGlobs: includeOr(p.ExcludeGlobs, cfg.Source.Exclude),
		})
		if err != nil {
			return nil, err
		}
		res, err := ingestor.Apply(ctx, delta, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"project": p, "stats": delta.Stats, "result": res}, nil
	}

	err = tools.RegisterProjectTools(registry, tools.ProjectOps{
		Create: func(ctx context.Context, path, displayName string) (any, error) {
			p, created := projects.Register(path, displayName, cfg.Source.Include, cfg.Source.Exclude)
			return map[string]any{"project": p, "created": created}, nil
		},
		Load: func(ctx context.Context, path string) (any, error) {
			p, _ := projects.Register(path, "", cfg.Source.Include, cfg.Source.Exclude)
			if _, watching := projects.WatcherFor(p.ID); !watching {
				if err := startWatcher(context.Background(), p); err != nil {
					return nil, err
				}
			}
			return map[string]any{"project": p, "watching": true}, nil
		},
		Ingest: fullIngest,
		Embed: func(ctx context.Context, path string) (any, error) {
			return runEmbeddings(ctx)
		},
	})
	if err != nil {
		return nil, err
	}

	// The agent gets the full registry, including itself via agent_ask;
	// sub-agent recursion is bounded by the loop's iteration cap.
	builder := memory.NewContextBuilder(memStore, lreg, qe, lazy, logger)
	summarizer := memory.NewSummarizer(memStore, llmProvider, logger)
	loop := agent.NewLoop(llmProvider, registry, agent.Config{}, logger)
	loop.ContextBuilder = builder
	loop.Audit = agent.NewSessionLog(filepath.Join(config.Dir(), "logs", "agent-session.json"), logger)

	// recordTurn persists an exchange and lets the summarizer catch up.
	// Summaries embed on the next pipeline run; a turn that fails to persist
	// degrades recall but never the answer.
	recordTurn := func(convID, question string, res *agent.RunResult) {
		ctx := context.Background()
		now := time.Now().UTC()
		_, err := memStore.StoreMessage(ctx, &memory.Message{
			ConversationID: convID,
			Role:           "user",
			Content:        question,
			Timestamp:      now,
		})
		if err != nil {
			logger.Warn("daemon.memory.store_failed", "conversation", convID, "error", err)
			return
		}
		_, err = memStore.StoreMessage(ctx, &memory.Message{
			ConversationID: convID,
			Role:           "assistant",
			Content:        res.Answer,
			Reasoning:      res.Reasoning,
			Timestamp:      now,
		})
		if err != nil {
			logger.Warn("daemon.memory.store_failed", "conversation", convID, "error", err)
			return
		}
		if _, err := summarizer.CheckAndSummarize(ctx, convID); err != nil {
			logger.Warn("daemon.memory.summarize_failed", "conversation", convID, "error", err)
			return
		}
		if _, err := pipeline.Run(ctx, embed.Options{
			Index:        summaryIdx,
			SourceFields: []string{"conversation_summary", "actions_summary"},
			OnlyDirty:    true,
		}); err != nil {
			logger.Warn("daemon.memory.embed_failed", "conversation", convID, "error", err)
		}
	}

	err = registry.Register(&tools.Tool{
		Name:        "agent_ask",
		Description: "Run the tool-calling agent over the knowledge graph",
		Category:    tools.CategoryAgent,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question":        map[string]any{"type": "string"},
				"conversation_id": map[string]any{"type": "string"},
			},
			"required": []string{"question"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			question, _ := args["question"].(string)
			if question == "" {
				return nil, fmt.Errorf("question is required")
			}
			convID, _ := args["conversation_id"].(string)
			res, err := loop.Run(ctx, agent.Input{
				Question:       question,
				ConversationID: convID,
				Persona:        personas.Active().Description,
			})
			if err != nil {
				return nil, err
			}
			if convID != "" {
				go recordTurn(convID, question, res)
			}
			return res, nil
		},
	})
	if err != nil {
		return nil, err
	}

	err = registry.Register(&tools.Tool{
		Name:        "extract_agent_prompt",
		Description: "Dump one prompt/response round to debug/extract_<ts>/ without running tools",
		Category:    tools.CategoryDebug,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question":        map[string]any{"type": "string"},
				"conversation_id": map[string]any{"type": "string"},
			},
			"required": []string{"question"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			question, _ := args["question"].(string)
			if question == "" {
				return nil, fmt.Errorf("question is required")
			}
			convID, _ := args["conversation_id"].(string)
			return loop.ExtractPrompt(ctx, agent.Input{
				Question:       question,
				ConversationID: convID,
				Persona:        personas.Active().Description,
			}, config.Dir())
		},
	})
	if err != nil {
		return nil, err
	}

	return daemon.New(daemon.Options{
		Port:        port,
		IdleTimeout: idle,
		Config:      cfg,
		Logger:      logger,
		Sink:        sink,
		DialGraph:   lazy.dial,
		PIDPath:     config.PIDPath(),
	}, lreg, registry, personas, projects), nil
}

func includeOr(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

// cypherRunner is the slice of the graph store the startup scan needs.
type cypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error)
}

// knownFilesFor returns the file paths the graph already holds under root.
// The watcher's startup scan diffs them against disk, so files removed
// while the daemon was down get pruned from the graph.
func knownFilesFor(g cypherRunner, root string) func(context.Context) ([]string, error) {
	prefix := parser.NormalizePath(root)
	if prefix != "/" {
		prefix += "/"
	}
	return func(ctx context.Context) ([]string, error) {
		qr, err := g.Run(ctx,
			"MATCH (f:File) WHERE f.path STARTS WITH $prefix RETURN f.path AS path",
			map[string]any{"prefix": prefix})
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(qr.Records))
		for _, rec := range qr.Records {
			if p, ok := rec["path"].(string); ok {
				paths = append(paths, p)
			}
		}
		return paths, nil
	}
}

func scopeIndex(d config.EmbeddingDefaults) graph.VectorIndex {
	return graph.VectorIndex{
		Name:        scopeIndexName,
		NodeLabel:   parser.LabelScope,
		SourceField: "content",
		Dimension:   d.Dimensions,
		Provider:    d.Provider,
		Model:       d.Model,
	}
}

func summaryIndex(d config.EmbeddingDefaults) graph.VectorIndex {
	return graph.VectorIndex{
		Name:        summaryIndexName,
		NodeLabel:   memory.LabelSummary,
		SourceField: "conversation_summary",
		Dimension:   d.Dimensions,
		Provider:    d.Provider,
		Model:       d.Model,
	}
}

// schemaFor lists the constraints and vector indexes ensured on first dial.
func schemaFor(vectorIndexes ...graph.VectorIndex) graphSchema {
	var constraints []graph.Constraint
	for _, label := range []string{
		parser.LabelProject, parser.LabelDirectory, parser.LabelFile,
		parser.LabelExternalLibrary, parser.LabelScope,
	} {
		constraints = append(constraints, graph.Constraint{Label: label, Field: parser.KeyField(label)})
	}
	for _, label := range []string{
		memory.LabelConversation, memory.LabelMessage,
		memory.LabelSummary, memory.LabelToolCall,
	} {
		constraints = append(constraints, graph.Constraint{Label: label, Field: "uuid"})
	}
	return graphSchema{
		constraints: constraints,
		indexes: []graph.Index{
			{Label: parser.LabelScope, Field: "dirty"},
			{Label: memory.LabelSummary, Field: "dirty"},
		},
		vectorIndexes: vectorIndexes,
	}
}

type graphSchema struct {
	constraints   []graph.Constraint
	indexes       []graph.Index
	vectorIndexes []graph.VectorIndex
}

// lazyGraph dials the graph store on first use and ensures the schema once.
// It fans the one connection out to every component that needs a slice of
// it (ingestor, embedder, memory store, brain tools, daemon).
type lazyGraph struct {
	cfg    *config.Config
	logger *slog.Logger
	schema graphSchema

	mu    sync.Mutex
	store *graph.Store
}

func newLazyGraph(cfg *config.Config, logger *slog.Logger) *lazyGraph {
	return &lazyGraph{cfg: cfg, logger: logger}
}

// dial satisfies daemon.GraphDialer.
func (lg *lazyGraph) dial(ctx context.Context) (*graph.Store, error) {
	return lg.get(ctx)
}

func (lg *lazyGraph) get(ctx context.Context) (*graph.Store, error) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.store != nil {
		return lg.store, nil
	}

	st, err := graph.Connect(ctx, graph.Config{
		URI:      lg.cfg.Neo4j.URI,
		Username: lg.cfg.Neo4j.Username,
		Password: lg.cfg.Neo4j.Password,
		Database: lg.cfg.Neo4j.Database,
	}, lg.logger)
	if err != nil {
		return nil, uerr.NewUpstreamError("graph database unavailable", err.Error(),
			"check the neo4j section of config.yaml and that the database is up", err)
	}
	if err := st.EnsureSchema(ctx, lg.schema.constraints, lg.schema.indexes, lg.schema.vectorIndexes); err != nil {
		_ = st.Close(ctx)
		return nil, uerr.NewFatalError("graph schema setup failed", err.Error(),
			"the database user needs schema privileges", err)
	}
	lg.store = st
	return st, nil
}

func (lg *lazyGraph) Run(ctx context.Context, cypher string, params map[string]any) (*graph.QueryResult, error) {
	st, err := lg.get(ctx)
	if err != nil {
		return nil, err
	}
	return st.Run(ctx, cypher, params)
}

func (lg *lazyGraph) UpsertNodes(ctx context.Context, label, keyField string, rows []map[string]any) (int, int, error) {
	st, err := lg.get(ctx)
	if err != nil {
		return 0, 0, err
	}
	return st.UpsertNodes(ctx, label, keyField, rows)
}

func (lg *lazyGraph) UpsertEdges(ctx context.Context, edgeType string, from, to graph.Endpoint, rows []graph.EdgeRow) (int, error) {
	st, err := lg.get(ctx)
	if err != nil {
		return 0, err
	}
	return st.UpsertEdges(ctx, edgeType, from, to, rows)
}

func (lg *lazyGraph) DeleteByKey(ctx context.Context, label, keyField string, value any, cascade *graph.Cascade) (int, error) {
	st, err := lg.get(ctx)
	if err != nil {
		return 0, err
	}
	return st.DeleteByKey(ctx, label, keyField, value, cascade)
}

func (lg *lazyGraph) MarkDirty(ctx context.Context, label, keyField string, values []any) error {
	st, err := lg.get(ctx)
	if err != nil {
		return err
	}
	return st.MarkDirty(ctx, label, keyField, values)
}

func (lg *lazyGraph) VectorSearch(ctx context.Context, indexName string, queryEmbedding []float32, topK int, opts graph.SearchOptions) ([]graph.SearchHit, error) {
	st, err := lg.get(ctx)
	if err != nil {
		return nil, err
	}
	return st.VectorSearch(ctx, indexName, queryEmbedding, topK, opts)
}

// queryEmbedder adapts an embedding provider to the retrieval-query
// contract, applying the asymmetric query prefix when the provider
// distinguishes queries from documents.
type queryEmbedder struct {
	provider embed.Provider
}

func (q queryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if qe, ok := q.provider.(interface {
		EmbedQuery(ctx context.Context, text string) ([]float32, error)
	}); ok {
		return qe.EmbedQuery(ctx, text)
	}
	return q.provider.Embed(ctx, text)
}
