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
	"log/slog"
	"strings"

	"github.com/kraklabs/ragforge/pkg/llm"
	"github.com/kraklabs/ragforge/pkg/memory"
	"github.com/kraklabs/ragforge/pkg/tools"
)

// DefaultMaxIterations bounds the think-act cycle.
const DefaultMaxIterations = 10

// toolResultMaxChars caps how much of one tool result is fed back into
// the next prompt.
const toolResultMaxChars = 8000

// Mode selects the terminal output field the loop waits for.
type Mode string

const (
	// ModeDefault terminates on an "answer" field.
	ModeDefault Mode = "default"
	// ModeSubAgent terminates on "final_answer", letting a parent agent
	// distinguish partial output from the sub-agent's conclusion.
	ModeSubAgent Mode = "subagent"
)

func (m Mode) terminalField() string {
	if m == ModeSubAgent {
		return "final_answer"
	}
	return "answer"
}

// Config parameterizes a Loop.
type Config struct {
	// BasePrompt replaces the built-in system prompt when set.
	BasePrompt string
	// TaskContext is caller-supplied background included in every prompt.
	TaskContext string
	Mode        Mode
	Model       string
	// MaxIterations defaults to DefaultMaxIterations.
	MaxIterations int
}

// Input is one question for the loop.
type Input struct {
	Question string
	// Persona, when set, is included as a labeled input field.
	Persona string
	// ConversationID enables enriched context from the conversation store.
	ConversationID string
}

// RunResult is the outcome of a completed loop.
type RunResult struct {
	Answer     string            `json:"answer"`
	Fields     map[string]string `json:"fields,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Iterations int               `json:"iterations"`
	ToolCalls  int               `json:"tool_calls"`
	// Stale reports that enriched context was built while graph writes
	// were still in flight.
	Stale bool `json:"stale,omitempty"`
}

// Loop drives prompt / parse / dispatch iterations against one provider
// and one tool registry.
type Loop struct {
	provider llm.Provider
	registry *tools.Registry
	logger   *slog.Logger
	cfg      Config

	// ContextBuilder, when set, enriches prompts from the conversation
	// store for inputs that carry a ConversationID.
	ContextBuilder *memory.ContextBuilder
	// Audit, when set, receives the session trail.
	Audit *SessionLog
}

// NewLoop wires a loop. Provider and registry are required.
func NewLoop(provider llm.Provider, registry *tools.Registry, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDefault
	}
	return &Loop{provider: provider, registry: registry, logger: logger, cfg: cfg}
}

// Run executes the loop until a terminal answer, a reply without valid
// tool calls, cancellation, or the iteration cap.
func (l *Loop) Run(ctx context.Context, input Input) (*RunResult, error) {
	result := &RunResult{}

	enriched := ""
	if l.ContextBuilder != nil && input.ConversationID != "" {
		br, err := l.ContextBuilder.Build(ctx, input.ConversationID, input.Question)
		if err != nil {
			// Enrichment is additive; run without it rather than fail.
			l.logger.Warn("agent.context.failed", "conversation", input.ConversationID, "error", err)
		} else {
			enriched = br.Text
			result.Stale = br.Stale
		}
	}

	l.record("session.start", 0, map[string]any{
		"question":     input.Question,
		"conversation": input.ConversationID,
		"mode":         string(l.cfg.Mode),
	})

	var toolContext []string
	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		// Cancellation is honored between iterations; results of any
		// in-flight batch from a cancelled run are discarded with it.
		if err := ctx.Err(); err != nil {
			l.record("session.cancelled", iter, nil)
			return nil, err
		}
		result.Iterations = iter

		prompt := l.buildPrompt(input, enriched, toolContext)
		l.record("prompt", iter, map[string]any{"chars": len(prompt)})

		resp, err := l.provider.Generate(ctx, llm.GenerateRequest{Prompt: prompt, Model: l.cfg.Model})
		if err != nil {
			l.record("error", iter, map[string]any{"error": err.Error()})
			return nil, fmt.Errorf("llm generate: %w", err)
		}
		l.record("response", iter, map[string]any{"chars": len(resp.Text), "model": resp.Model})

		parsed, err := ParseResponse(resp.Text)
		if err != nil {
			l.logger.Warn("agent.parse.failed", "iteration", iter, "error", err)
			l.record("parse_error", iter, map[string]any{"error": err.Error()})
			toolContext = append(toolContext, fmt.Sprintf(
				"Your previous reply could not be parsed (%v). Reply again with a single <response> block.", err))
			continue
		}
		if parsed.Reasoning != "" {
			result.Reasoning = parsed.Reasoning
		}
		fields := parsed.First()

		if ans := strings.TrimSpace(fields[l.cfg.Mode.terminalField()]); ans != "" {
			result.Answer = ans
			result.Fields = fields
			l.record("session.done", iter, map[string]any{"tool_calls": result.ToolCalls})
			l.logger.Info("agent.run.done", "iterations", iter, "tool_calls", result.ToolCalls)
			return result, nil
		}

		calls := make([]tools.Call, 0, len(parsed.ToolCalls))
		for _, tc := range parsed.ToolCalls {
			if !l.registry.Has(tc.Name) {
				l.logger.Warn("agent.tool.unknown", "tool", tc.Name, "iteration", iter)
				continue
			}
			calls = append(calls, tools.Call{Name: tc.Name, Args: tc.Args})
		}

		if len(calls) == 0 {
			// Nothing left to do: hand back whatever the model produced.
			result.Fields = fields
			if len(fields) == 0 {
				result.Answer = strings.TrimSpace(resp.Text)
			}
			l.record("session.done", iter, map[string]any{"tool_calls": result.ToolCalls, "terminal": false})
			return result, nil
		}

		l.record("tool_calls", iter, sanitizedCalls(calls))
		batch := l.registry.ExecuteBatch(ctx, calls)
		if err := ctx.Err(); err != nil {
			l.record("session.cancelled", iter, nil)
			return nil, err
		}
		result.ToolCalls += len(calls)
		toolContext = append(toolContext, formatToolResults(iter, batch))
		l.record("tool_results", iter, summarizeResults(batch))
	}

	l.record("session.exhausted", l.cfg.MaxIterations, nil)
	return nil, fmt.Errorf("no terminal answer after %d iterations", l.cfg.MaxIterations)
}

func (l *Loop) record(typ string, iteration int, data any) {
	if l.Audit != nil {
		l.Audit.Record(typ, iteration, data)
	}
}

const defaultBasePrompt = `You are a code-intelligence assistant working against a knowledge
graph of source code. Use the available tools to gather evidence before
answering. Prefer graph searches over guessing.`

// buildPrompt assembles the full prompt for one iteration.
func (l *Loop) buildPrompt(input Input, enriched string, toolContext []string) string {
	var sb strings.Builder

	base := l.cfg.BasePrompt
	if base == "" {
		base = defaultBasePrompt
	}
	sb.WriteString(base)
	sb.WriteString("\n")

	if l.cfg.TaskContext != "" {
		sb.WriteString("\n## Task Context\n")
		sb.WriteString(l.cfg.TaskContext)
		sb.WriteString("\n")
	}
	if enriched != "" {
		sb.WriteString("\n")
		sb.WriteString(enriched)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Available Tools\n")
	sb.WriteString(l.registry.DefinitionsJSON())
	sb.WriteString("\n")

	if input.Persona != "" {
		sb.WriteString("\n## Persona\n")
		sb.WriteString(input.Persona)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Question\n")
	sb.WriteString(input.Question)
	sb.WriteString("\n")

	for _, tc := range toolContext {
		sb.WriteString("\n## Tool Results\n")
		sb.WriteString(tc)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Output Format\n")
	sb.WriteString(l.responseSchema())
	return sb.String()
}

func (l *Loop) responseSchema() string {
	terminal := l.cfg.Mode.terminalField()
	return fmt.Sprintf(`Reply with exactly one XML block:

<response>
  <reasoning>why you are doing what you are doing</reasoning>
  <output>
    <item id="0">
      <%s>your answer, once you have enough evidence</%s>
    </item>
  </output>
  <tool_calls>
    <tool_call>
      <tool_name>name</tool_name>
      <arguments>{"key": "value"}</arguments>
    </tool_call>
  </tool_calls>
</response>

Omit <tool_calls> when you can answer. Omit <%s> while you still need
tool results. Arguments must be valid JSON.`, terminal, terminal, terminal)
}

// formatToolResults renders a batch for the next prompt.
func formatToolResults(iteration int, results []tools.Result) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Iteration %d:\n", iteration))
	for _, res := range results {
		sb.WriteString(fmt.Sprintf("### %s\n", res.Tool))
		switch {
		case res.Error != "":
			sb.WriteString("Error: " + res.Error + "\n")
		default:
			out, err := json.Marshal(res.Output)
			if err != nil {
				out = []byte(fmt.Sprintf("%v", res.Output))
			}
			text := string(out)
			if len(text) > toolResultMaxChars {
				text = text[:toolResultMaxChars] + "... [truncated]"
			}
			sb.WriteString(text + "\n")
		}
		if res.Stale {
			sb.WriteString("(stale: graph writes were still in flight)\n")
		}
	}
	return sb.String()
}

func sanitizedCalls(calls []tools.Call) []map[string]any {
	out := make([]map[string]any, len(calls))
	for i, c := range calls {
		out[i] = map[string]any{"tool": c.Name, "args": tools.SanitizeArgs(c.Args)}
	}
	return out
}

func summarizeResults(results []tools.Result) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		entry := map[string]any{"tool": r.Tool, "duration_ms": r.DurationMs}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		if r.Stale {
			entry["stale"] = true
		}
		out[i] = entry
	}
	return out
}
