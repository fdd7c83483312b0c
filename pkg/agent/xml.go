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

// Package agent runs the bounded tool-calling loop: prompt, parse the
// model's XML reply, dispatch tool calls, and iterate until a terminal
// answer appears.
package agent

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// ToolCallRequest is one tool invocation parsed from the model output.
type ToolCallRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// OutputItem is one <item> of the response with its field values.
type OutputItem struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// ParsedResponse is the structured form of a model reply.
type ParsedResponse struct {
	Reasoning string            `json:"reasoning,omitempty"`
	Items     []OutputItem      `json:"items,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
}

// First returns the fields of the first output item, or nil.
func (p *ParsedResponse) First() map[string]string {
	if len(p.Items) == 0 {
		return nil
	}
	return p.Items[0].Fields
}

type xmlNode struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlItem struct {
	ID    string    `xml:"id,attr"`
	Nodes []xmlNode `xml:",any"`
}

type xmlToolCall struct {
	Name      string `xml:"tool_name"`
	Arguments string `xml:"arguments"`
}

type xmlResponse struct {
	Reasoning string        `xml:"reasoning"`
	Items     []xmlItem     `xml:"output>item"`
	ToolCalls []xmlToolCall `xml:"tool_calls>tool_call"`
}

// ParseResponse extracts the <response> block from raw model text and
// parses it. Some models emit the same <item id=k> more than once; items
// sharing an id are merged field-wise, first value wins. Tool-call
// arguments are JSON.
func ParseResponse(text string) (*ParsedResponse, error) {
	segment := extractResponseXML(text)
	if segment == "" {
		return nil, fmt.Errorf("no <response> block in model output")
	}

	var raw xmlResponse
	dec := xml.NewDecoder(strings.NewReader(segment))
	dec.Strict = false
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse response XML: %w", err)
	}

	parsed := &ParsedResponse{Reasoning: strings.TrimSpace(raw.Reasoning)}

	// Merge items sharing an id, first-seen order, first value wins.
	byID := make(map[string]*OutputItem)
	var order []string
	for _, it := range raw.Items {
		item, ok := byID[it.ID]
		if !ok {
			item = &OutputItem{ID: it.ID, Fields: make(map[string]string)}
			byID[it.ID] = item
			order = append(order, it.ID)
		}
		for _, n := range it.Nodes {
			field := n.XMLName.Local
			if _, exists := item.Fields[field]; !exists {
				item.Fields[field] = strings.TrimSpace(n.Value)
			}
		}
	}
	for _, id := range order {
		parsed.Items = append(parsed.Items, *byID[id])
	}

	for _, tc := range raw.ToolCalls {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			continue
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("tool call %s has malformed arguments: %w", name, err)
			}
		}
		parsed.ToolCalls = append(parsed.ToolCalls, ToolCallRequest{Name: name, Args: args})
	}
	return parsed, nil
}

// extractResponseXML pulls the <response>...</response> segment out of
// surrounding prose or code fences.
func extractResponseXML(text string) string {
	start := strings.Index(text, "<response")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "</response>")
	if end < 0 {
		return ""
	}
	return text[start : end+len("</response>")]
}
