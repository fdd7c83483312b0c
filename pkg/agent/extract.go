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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kraklabs/ragforge/pkg/llm"
)

// Extraction points at the files a prompt dump produced. Paths are
// absolute so they can be handed straight to a caller on another cwd.
type Extraction struct {
	Dir             string `json:"dir"`
	PromptFile      string `json:"prompt_file"`
	ResponseFile    string `json:"response_file"`
	ContextFile     string `json:"context_file,omitempty"`
	ParsedFile      string `json:"parsed_file"`
	MetadataFile    string `json:"metadata_file"`
	ParseError      string `json:"parse_error,omitempty"`
}

// ExtractPrompt runs a single prompt/response round outside the loop and
// dumps every artifact under baseDir/debug/extract_<timestamp>/ for
// offline inspection. Tools are never executed.
func (l *Loop) ExtractPrompt(ctx context.Context, input Input, baseDir string) (*Extraction, error) {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	dir, err := filepath.Abs(filepath.Join(baseDir, "debug", "extract_"+ts))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create extract dir: %w", err)
	}

	enriched := ""
	if l.ContextBuilder != nil && input.ConversationID != "" {
		br, err := l.ContextBuilder.Build(ctx, input.ConversationID, input.Question)
		if err != nil {
			return nil, fmt.Errorf("build enriched context: %w", err)
		}
		enriched = br.Text
	}

	ex := &Extraction{Dir: dir}
	write := func(name, content string) (string, error) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", name, err)
		}
		return path, nil
	}

	prompt := l.buildPrompt(input, enriched, nil)
	if ex.PromptFile, err = write("prompt.txt", prompt); err != nil {
		return nil, err
	}
	if enriched != "" {
		if ex.ContextFile, err = write("enriched_context.txt", enriched); err != nil {
			return nil, err
		}
	}

	resp, err := l.provider.Generate(ctx, llm.GenerateRequest{Prompt: prompt, Model: l.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}
	if ex.ResponseFile, err = write("response.txt", resp.Text); err != nil {
		return nil, err
	}

	var parsedJSON []byte
	parsed, perr := ParseResponse(resp.Text)
	if perr != nil {
		ex.ParseError = perr.Error()
		parsedJSON, _ = json.MarshalIndent(map[string]string{"error": perr.Error()}, "", "  ")
	} else {
		parsedJSON, _ = json.MarshalIndent(parsed, "", "  ")
	}
	if ex.ParsedFile, err = write("parsed_response.json", string(parsedJSON)); err != nil {
		return nil, err
	}

	meta := map[string]any{
		"timestamp":       ts,
		"provider":        l.provider.Name(),
		"model":           resp.Model,
		"mode":            string(l.cfg.Mode),
		"question":        input.Question,
		"conversation_id": input.ConversationID,
		"prompt_chars":    len(prompt),
		"response_chars":  len(resp.Text),
		"files": map[string]string{
			"prompt":           ex.PromptFile,
			"response":         ex.ResponseFile,
			"enriched_context": ex.ContextFile,
			"parsed_response":  ex.ParsedFile,
		},
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if ex.MetadataFile, err = write("metadata.json", string(metaJSON)); err != nil {
		return nil, err
	}
	return ex, nil
}
