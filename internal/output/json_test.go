// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONToPrettyPrints(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONTo(&buf, map[string]any{"status": "ok", "port": 6969}))

	assert.Contains(t, buf.String(), "  \"port\": 6969")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestJSONCompactToIsSingleLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSONCompactTo(&buf, map[string]any{"a": 1, "b": "two"}))

	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.NotContains(t, buf.String(), "  ")
}

func TestJSONToRejectsUnencodable(t *testing.T) {
	var buf bytes.Buffer
	err := JSONTo(&buf, func() {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON encoding failed")
}
