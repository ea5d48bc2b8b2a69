// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"fmt"
	"strings"
)

// Well-known capabilities
const (
	// PermissionAdmin implies every other permission.
	PermissionAdmin = "admin"
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionExec  = "execute"
)

// MaxPermissionLength bounds a single capability string.
const MaxPermissionLength = 128

// HasPermission reports whether the granted set satisfies required.
//
// Matching rules:
//   - "admin" grants everything
//   - exact match: "deploy" grants "deploy"
//   - namespace wildcard: "deploy:*" grants "deploy:staging"
func HasPermission(granted []string, required string) bool {
	if required == "" {
		return false
	}
	for _, p := range granted {
		if p == PermissionAdmin || p == required {
			return true
		}
		if strings.HasSuffix(p, ":*") && strings.HasPrefix(required, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// ValidatePermissionFormat validates a capability string.
//
// Valid examples:
//   - "read"
//   - "deploy:staging"
//   - "deploy:*"
//
// Invalid examples:
//   - "" (empty)
//   - "deploy:" (trailing colon)
//   - "deploy::prod" (empty segment)
//   - "has space"
func ValidatePermissionFormat(permission string) error {
	if permission == "" {
		return fmt.Errorf("permission cannot be empty")
	}
	if len(permission) > MaxPermissionLength {
		return fmt.Errorf("permission %q exceeds %d characters", permission, MaxPermissionLength)
	}

	for _, segment := range strings.Split(permission, ":") {
		if segment == "" {
			return fmt.Errorf("invalid permission format: %q (empty segment)", permission)
		}
	}

	for _, c := range permission {
		if c <= ' ' || c == 0x7f {
			return fmt.Errorf("invalid permission format: %q (whitespace or control character)", permission)
		}
	}

	// "*" is only valid as a whole trailing segment
	if n := strings.Count(permission, "*"); n > 1 || (n == 1 && !strings.HasSuffix(permission, ":*")) {
		return fmt.Errorf("invalid permission format: %q (wildcard must be a trailing segment)", permission)
	}

	return nil
}

// Normalize validates every permission and returns a de-duplicated copy
// in the original order.
func Normalize(permissions []string) ([]string, error) {
	seen := make(map[string]struct{}, len(permissions))
	out := make([]string, 0, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if err := ValidatePermissionFormat(p); err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}
