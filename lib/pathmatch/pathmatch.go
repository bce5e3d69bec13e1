/*
 * Authgate
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package pathmatch implements Ant-style request path matching:
//
//   - "/api/users" matches exactly (trailing slash normalized)
//   - "/api/users/*" matches one additional non-empty segment
//   - "/api/users/**" matches the prefix itself and anything beneath it
package pathmatch

import "strings"

// Matches reports whether path matches the given pattern. Empty path or
// pattern never matches.
func Matches(path, pattern string) bool {
	if path == "" || pattern == "" {
		return false
	}

	// Normalize a trailing slash so "/a/b/" and "/a/b" are equivalent.
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}

	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if prefix == "" {
			// "/**" matches everything.
			return true
		}
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}

	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		if !strings.HasPrefix(path, prefix+"/") {
			return false
		}
		remainder := path[len(prefix)+1:]
		return remainder != "" && !strings.Contains(remainder, "/")
	}

	return path == pattern
}

// MatchesAny reports whether path matches any of the given patterns. A nil
// pattern list never matches.
func MatchesAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if Matches(path, pattern) {
			return true
		}
	}
	return false
}
