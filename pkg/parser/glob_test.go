// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesGlob(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		pattern string
		want    bool
	}{
		{"exact match", "foo.go", "foo.go", true},
		{"exact no match", "foo.go", "bar.go", false},

		{"star by extension", "foo.go", "*.go", true},
		{"star extension any depth", "a/b/foo.go", "*.go", true},
		{"star wrong extension", "foo.txt", "*.go", false},

		{"doublestar prefix any depth", "a/b/c/foo.go", "**/*.go", true},
		{"doublestar prefix at root", "foo.go", "**/*.go", true},
		{"doublestar dir contents", "vendor/pkg/errors.go", "vendor/**", true},
		{"doublestar dir nested anywhere", "x/node_modules/a/b.js", "node_modules/**", true},
		{"doublestar test files", "pkg/graph/store_test.go", "**/*_test.go", true},

		{"question mark", "foo.go", "fo?.go", true},
		{"question mark too long", "fooo.go", "fo?.go", false},

		{"char class", "foo.go", "foo.[gt]o", true},
		{"char range", "file1.go", "file[0-9].go", true},
		{"negated class", "foo.go", "foo.[!ab]o", true},
		{"negated class hit", "foo.ao", "foo.[!ab]o", false},

		{"literal dir prefix", "testdata/x.go", "testdata", true},
		{"literal trailing component", "a/b/testdata", "testdata", true},
		{"literal not present", "a/src/x.go", "testdata", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesGlob(tt.path, tt.pattern),
				"path=%q pattern=%q", tt.path, tt.pattern)
		})
	}
}

func TestSelected(t *testing.T) {
	include := []string{"**/*.go"}
	exclude := []string{"vendor/**", "**/*_test.go"}

	assert.True(t, Selected("pkg/a.go", include, exclude))
	assert.False(t, Selected("vendor/lib/a.go", include, exclude))
	assert.False(t, Selected("pkg/a_test.go", include, exclude))
	assert.False(t, Selected("README.md", include, exclude))

	assert.True(t, Selected("anything.txt", nil, nil), "empty include selects all")
	assert.False(t, Selected("vendor/x", nil, []string{"vendor/**"}))
}
