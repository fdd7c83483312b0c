// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyPrefixRoundTrip(t *testing.T) {
	tests := []struct {
		key       string
		wantLabel string
		wantValue string
	}{
		{FileKey("./src/main.go"), LabelFile, "src/main.go"},
		{DirKey("src"), LabelDirectory, "src"},
		{LibKey("github.com/fatih/color"), LabelExternalLibrary, "github.com/fatih/color"},
		{ProjectKey("/home/u/proj"), LabelProject, "/home/u/proj"},
		{ScopeKey("abc123"), LabelScope, "abc123"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.wantLabel, LabelForKey(tt.key), tt.key)
		assert.Equal(t, tt.wantValue, KeyValue(tt.key), tt.key)
	}

	assert.Empty(t, LabelForKey("bogus:xyz"))
}

func TestKeyField(t *testing.T) {
	assert.Equal(t, "path", KeyField(LabelFile))
	assert.Equal(t, "path", KeyField(LabelDirectory))
	assert.Equal(t, "uuid", KeyField(LabelScope))
	assert.Equal(t, "name", KeyField(LabelExternalLibrary))
	assert.Equal(t, "id", KeyField(LabelProject))
}

func TestScopeUUIDDeterministic(t *testing.T) {
	a := ScopeUUID("src/main.go", "Run", 10, 20, 1, 2)
	b := ScopeUUID("./src/main.go", "Run", 10, 20, 1, 2)
	assert.Equal(t, a, b, "path normalization must not change identity")

	c := ScopeUUID("src/main.go", "Run", 10, 21, 1, 2)
	assert.NotEqual(t, a, c, "range change must change identity")
	assert.Len(t, a, 64)
}
