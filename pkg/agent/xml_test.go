// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseFull(t *testing.T) {
	text := `Sure, here is my plan.

<response>
  <reasoning>Need to search the graph first.</reasoning>
  <output>
    <item id="0">
      <answer></answer>
    </item>
  </output>
  <tool_calls>
    <tool_call>
      <tool_name>brain_search</tool_name>
      <arguments>{"query": "http handler", "top_k": 5}</arguments>
    </tool_call>
    <tool_call>
      <tool_name>read_content</tool_name>
      <arguments>{"path": "main.go"}</arguments>
    </tool_call>
  </tool_calls>
</response>`

	parsed, err := ParseResponse(text)
	require.NoError(t, err)
	assert.Equal(t, "Need to search the graph first.", parsed.Reasoning)
	require.Len(t, parsed.ToolCalls, 2)
	assert.Equal(t, "brain_search", parsed.ToolCalls[0].Name)
	assert.Equal(t, "http handler", parsed.ToolCalls[0].Args["query"])
	assert.Equal(t, float64(5), parsed.ToolCalls[0].Args["top_k"])
	assert.Equal(t, "read_content", parsed.ToolCalls[1].Name)
}

func TestParseResponseInsideCodeFence(t *testing.T) {
	text := "```xml\n<response><output><item id=\"0\"><answer>42</answer></item></output></response>\n```"
	parsed, err := ParseResponse(text)
	require.NoError(t, err)
	assert.Equal(t, "42", parsed.First()["answer"])
}

func TestParseResponseMergesRepeatedItems(t *testing.T) {
	// Some models emit the same item id twice instead of one element
	// with all fields.
	text := `<response>
  <output>
    <item id="0"><answer>first</answer></item>
    <item id="0"><answer>second</answer><confidence>high</confidence></item>
    <item id="1"><answer>other</answer></item>
  </output>
</response>`

	parsed, err := ParseResponse(text)
	require.NoError(t, err)
	require.Len(t, parsed.Items, 2)
	assert.Equal(t, "first", parsed.Items[0].Fields["answer"], "first value wins on conflict")
	assert.Equal(t, "high", parsed.Items[0].Fields["confidence"], "new fields still merge in")
	assert.Equal(t, "other", parsed.Items[1].Fields["answer"])
}

func TestParseResponseNoBlock(t *testing.T) {
	_, err := ParseResponse("I cannot answer that.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no <response> block")
}

func TestParseResponseMalformedArguments(t *testing.T) {
	text := `<response><tool_calls><tool_call>
<tool_name>brain_search</tool_name>
<arguments>{not json}</arguments>
</tool_call></tool_calls></response>`

	_, err := ParseResponse(text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed arguments")
}

func TestParseResponseEmptyArguments(t *testing.T) {
	text := `<response><tool_calls><tool_call>
<tool_name>brain_projects</tool_name>
<arguments></arguments>
</tool_call></tool_calls></response>`

	parsed, err := ParseResponse(text)
	require.NoError(t, err)
	require.Len(t, parsed.ToolCalls, 1)
	assert.Empty(t, parsed.ToolCalls[0].Args)
}
