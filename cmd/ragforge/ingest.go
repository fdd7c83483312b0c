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
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ragforge/internal/config"
	uerr "github.com/kraklabs/ragforge/internal/errors"
	"github.com/kraklabs/ragforge/internal/output"
	"github.com/kraklabs/ragforge/internal/ui"
	"github.com/kraklabs/ragforge/pkg/embed"
	"github.com/kraklabs/ragforge/pkg/ingest"
	"github.com/kraklabs/ragforge/pkg/locks"
	"github.com/kraklabs/ragforge/pkg/parser"
)

// runIngest does a one-shot full parse and ingestion of a source tree,
// talking to the graph directly. No daemon involved; useful for initial
// loads and CI.
func runIngest(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	withEmbeddings := fs.Bool("embed", false, "Also generate embeddings for the ingested nodes")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ragforge ingest [path] [options]

Description:
  Parse a source tree and load it into the knowledge graph in one shot,
  without the daemon. Defaults to the configured source root, or the
  current directory.

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

	root := cfg.Source.Root
	if rest := fs.Args(); len(rest) > 0 {
		root = rest[0]
	}
	if root == "" {
		root, _ = os.Getwd()
	}
	root, err = filepath.Abs(root)
	if err != nil {
		uerr.FatalError(uerr.NewInputError("bad path", err.Error(), "pass an absolute path"), globals.JSON)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))

	ctx := context.Background()
	lazy := newLazyGraph(cfg, logger)
	defaults := cfg.Embeddings.Defaults
	lazy.schema = schemaFor(scopeIndex(defaults), summaryIndex(defaults))

	progress := NewProgressConfig(globals)
	if !globals.JSON {
		ui.Header("Ingesting " + root)
	}

	spinner := NewSpinner(progress, "Parsing source tree")
	start := time.Now()

	goParser := parser.NewGoParser(logger)
	delta, err := goParser.Parse(ctx, parser.Request{
		RootPath:     root,
		IncludeGlobs: cfg.Source.Include,
		ExcludeGlobs: cfg.Source.Exclude,
	})
	if spinner != nil {
		_ = spinner.Finish()
	}
	if err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	spinner = NewSpinner(progress, "Writing to graph")
	lreg := locks.NewRegistry(logger)
	ingestor := ingest.New(lazy, lreg, logger)
	res, err := ingestor.Apply(ctx, delta, nil)
	if spinner != nil {
		_ = spinner.Finish()
	}
	if err != nil {
		uerr.FatalError(err, globals.JSON)
	}

	var embedded *embed.Result
	if *withEmbeddings {
		provider, perr := embed.NewProvider(embed.Config{
			Provider:   defaults.Provider,
			Model:      defaults.Model,
			Dimensions: defaults.Dimensions,
		}, logger)
		if perr != nil {
			uerr.FatalError(perr, globals.JSON)
		}
		spinner = NewSpinner(progress, "Generating embeddings")
		pipeline := embed.NewPipeline(lazy, provider, lreg, logger)
		embedded, err = pipeline.Run(ctx, embed.Options{
			Index:        scopeIndex(defaults),
			SourceFields: []string{"content"},
			OnlyDirty:    true,
		})
		if spinner != nil {
			_ = spinner.Finish()
		}
		if err != nil {
			uerr.FatalError(err, globals.JSON)
		}
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if globals.JSON {
		_ = output.JSONCompact(map[string]any{
			"root":       root,
			"stats":      delta.Stats,
			"result":     res,
			"embeddings": embedded,
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return
	}

	ui.Successf("Ingested %d files in %s", delta.FilesProcessed, elapsed)
	ui.Infof("  %d directories, %d files, %d scopes, %d libraries",
		delta.Stats.Directories, delta.Stats.Files, delta.Stats.Scopes, delta.Stats.Libraries)
	ui.Infof("  graph: %d created, %d updated, %d removed", res.Created, res.Updated, res.Removed)
	if embedded != nil {
		ui.Infof("  embeddings: %d of %d succeeded", embedded.Succeeded, embedded.Total)
	}
}

func logLevel() slog.Level {
	if config.Verbose() {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}
