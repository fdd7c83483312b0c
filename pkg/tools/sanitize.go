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

package tools

import "regexp"

const (
	sanitizeMaxString = 200
	sanitizeMaxArray  = 10
	sanitizeMaxDepth  = 3
	redactedValue     = "[REDACTED]"
)

var sensitiveKey = regexp.MustCompile(`(?i)(password|api[_-]?key|token|secret|auth|credential|private)`)

// SanitizeArgs prepares tool arguments for logging: sensitive keys are
// redacted, long strings and arrays are truncated, and nesting is cut off
// at depth 3.
func SanitizeArgs(args map[string]any) map[string]any {
	out, _ := sanitizeValue(args, 0).(map[string]any)
	return out
}

func sanitizeValue(v any, depth int) any {
	switch val := v.(type) {
	case map[string]any:
		if depth >= sanitizeMaxDepth {
			return "[...]"
		}
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey.MatchString(k) {
				out[k] = redactedValue
				continue
			}
			out[k] = sanitizeValue(inner, depth+1)
		}
		return out
	case []any:
		if depth >= sanitizeMaxDepth {
			return "[...]"
		}
		n := len(val)
		if n > sanitizeMaxArray {
			n = sanitizeMaxArray
		}
		out := make([]any, 0, n+1)
		for _, inner := range val[:n] {
			out = append(out, sanitizeValue(inner, depth+1))
		}
		if len(val) > sanitizeMaxArray {
			out = append(out, "[...]")
		}
		return out
	case string:
		if len(val) > sanitizeMaxString {
			return val[:sanitizeMaxString] + "..."
		}
		return val
	default:
		return val
	}
}
