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

// RolesResponse is the document returned by the external roles service.
type RolesResponse struct {
	UserID      string   `json:"userId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Tenant      string   `json:"tenant,omitempty"`
}

// EmptyRolesResponse returns a well-formed response carrying no grants,
// used as the fallback when the roles service is unavailable.
func EmptyRolesResponse(userID string) *RolesResponse {
	return &RolesResponse{
		UserID:      userID,
		Roles:       []string{},
		Permissions: []string{},
	}
}
