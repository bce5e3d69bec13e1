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

package authz

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// InputSource identifies this gateway in the policy input context document.
const InputSource = "sidecar"

// Input is the authorization query document handed to the policy engine.
type Input struct {
	Request  RequestInfo    `json:"request"`
	User     UserInfo       `json:"user"`
	Resource ResourceInfo   `json:"resource"`
	Context  map[string]any `json:"context"`
}

// RequestInfo describes the inbound HTTP request.
type RequestInfo struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"queryParams"`
}

// UserInfo describes the authenticated caller.
type UserInfo struct {
	ID          string   `json:"id"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Tenant      string   `json:"tenant,omitempty"`
}

// ResourceInfo is derived from the request path.
type ResourceInfo struct {
	Type   *string `json:"type"`
	ID     *string `json:"id"`
	Action *string `json:"action"`
}

var versionSegment = regexp.MustCompile(`^v\d+$`)

// ResourceFromPath extracts resource type and ID from REST paths of the
// form /api[/vN]/{type}[/{id}], skipping empty segments, the literal "api"
// and version segments. Paths without such segments yield null type and ID.
func ResourceFromPath(path string) ResourceInfo {
	var info ResourceInfo
	typeIdx := -1
	for i, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "api" || versionSegment.MatchString(segment) {
			continue
		}
		if typeIdx == -1 {
			s := segment
			info.Type = &s
			typeIdx = i
		} else if i == typeIdx+1 {
			s := segment
			info.ID = &s
			break
		}
	}
	return info
}

// NewInput assembles the policy input for one request.
func NewInput(ctx *Context, method, path string, headers, queryParams map[string]string, now time.Time) *Input {
	if ctx == nil {
		ctx = Anonymous()
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if queryParams == nil {
		queryParams = map[string]string{}
	}
	return &Input{
		Request: RequestInfo{
			Method:      method,
			Path:        path,
			Headers:     headers,
			QueryParams: queryParams,
		},
		User: UserInfo{
			ID:          ctx.UserID,
			Email:       ctx.Email,
			Roles:       ctx.Roles,
			Permissions: ctx.Permissions,
			Tenant:      ctx.Tenant,
		},
		Resource: ResourceFromPath(path),
		Context: map[string]any{
			"timestamp": now.UnixMilli(),
			"source":    InputSource,
		},
	}
}

// CacheKey returns canonical bytes identifying the input for decision
// caching. Volatile context fields (the timestamp) are excluded so that
// identical requests hit the cache.
func (in *Input) CacheKey() string {
	stable := struct {
		Request  RequestInfo  `json:"request"`
		User     UserInfo     `json:"user"`
		Resource ResourceInfo `json:"resource"`
		Source   string       `json:"source"`
	}{
		Request:  in.Request,
		User:     in.User,
		Resource: in.Resource,
		Source:   InputSource,
	}
	// Map keys are sorted by encoding/json, so the encoding is canonical.
	b, err := json.Marshal(stable)
	if err != nil {
		return ""
	}
	return string(b)
}
