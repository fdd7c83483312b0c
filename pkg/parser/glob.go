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

package parser

import (
	"path/filepath"
	"strings"
)

// Selected reports whether path passes the include globs and is not denied
// by the exclude globs. An empty include list selects everything.
func Selected(path string, includeGlobs, excludeGlobs []string) bool {
	normalized := filepath.ToSlash(path)
	for _, pattern := range excludeGlobs {
		if MatchesGlob(normalized, pattern) {
			return false
		}
	}
	if len(includeGlobs) == 0 {
		return true
	}
	for _, pattern := range includeGlobs {
		if MatchesGlob(normalized, pattern) {
			return true
		}
	}
	return false
}

// MatchesGlob matches path against pattern with support for:
//   - *  : any sequence of non-separator characters
//   - ** : any sequence including separators
//   - ?  : any single non-separator character
//   - [abc], [a-z], [!abc] : character classes
//
// A pattern that does not start with ** may still match anywhere in the path
// (implicit **/ prefix), matching the way ignore files behave.
func MatchesGlob(path, pattern string) bool {
	pattern = filepath.ToSlash(pattern)

	// dir/** selects the directory and everything below it, at any depth.
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
		parts := strings.Split(path, "/")
		for i := range parts {
			sub := strings.Join(parts[i:], "/")
			if sub == prefix || strings.HasPrefix(sub, prefix+"/") {
				return true
			}
		}
	}

	// *.ext matches by extension regardless of depth.
	if strings.HasPrefix(pattern, "*.") && !strings.Contains(pattern, "/") {
		return strings.HasSuffix(path, pattern[1:])
	}

	if strings.HasPrefix(pattern, "**/") {
		suffix := pattern[3:]
		if path == suffix || strings.HasSuffix(path, "/"+suffix) {
			return true
		}
		if matchSegments(path, suffix) {
			return true
		}
		parts := strings.Split(path, "/")
		for i := range parts {
			if matchSegments(strings.Join(parts[i:], "/"), suffix) {
				return true
			}
		}
		return false
	}

	// Literal pattern: exact match or whole path component.
	if !strings.ContainsAny(pattern, "*?[") {
		return path == pattern ||
			strings.HasSuffix(path, "/"+pattern) ||
			strings.HasPrefix(path, pattern+"/")
	}

	if matchSegments(path, pattern) {
		return true
	}
	// Implicit **/ prefix.
	parts := strings.Split(path, "/")
	for i := range parts {
		if matchSegments(strings.Join(parts[i:], "/"), pattern) {
			return true
		}
	}
	return false
}

func matchSegments(path, pattern string) bool {
	return matchGlobAt(path, pattern, 0, 0)
}

func matchGlobAt(path, pattern string, pi, pti int) bool {
	for pi < len(path) || pti < len(pattern) {
		if pti >= len(pattern) {
			return false
		}

		// **
		if pti+1 < len(pattern) && pattern[pti] == '*' && pattern[pti+1] == '*' {
			next := pti + 2
			if next < len(pattern) && pattern[next] == '/' {
				next++
			}
			if next >= len(pattern) {
				return true
			}
			for i := pi; i <= len(path); i++ {
				if matchGlobAt(path, pattern, i, next) {
					return true
				}
			}
			return false
		}

		// *
		if pattern[pti] == '*' {
			next := pti + 1
			for i := pi; i <= len(path); i++ {
				if i > pi && path[i-1] == '/' {
					break
				}
				if matchGlobAt(path, pattern, i, next) {
					return true
				}
			}
			return false
		}

		// ?
		if pattern[pti] == '?' {
			if pi >= len(path) || path[pi] == '/' {
				return false
			}
			pi++
			pti++
			continue
		}

		// [class]
		if pattern[pti] == '[' {
			if pi >= len(path) {
				return false
			}
			end := strings.IndexByte(pattern[pti:], ']')
			if end <= 0 {
				return false
			}
			class := pattern[pti+1 : pti+end]
			if !matchClass(path[pi], class) {
				return false
			}
			pi++
			pti += end + 1
			continue
		}

		if pi >= len(path) || path[pi] != pattern[pti] {
			return false
		}
		pi++
		pti++
	}
	return true
}

func matchClass(c byte, class string) bool {
	negate := false
	if len(class) > 0 && (class[0] == '!' || class[0] == '^') {
		negate = true
		class = class[1:]
	}
	matched := false
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if c >= class[i] && c <= class[i+2] {
				matched = true
			}
			i += 2
			continue
		}
		if class[i] == c {
			matched = true
		}
	}
	if negate {
		return !matched
	}
	return matched
}
