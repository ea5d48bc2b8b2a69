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

package gateway

import (
	"fmt"
	"net/http"
)

// Reason is the code returned to callers when a connection is denied.
// Codes never carry the underlying error detail.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonInvalidOrigin      Reason = "InvalidOrigin"
	ReasonMissingCredentials Reason = "MissingCredentials"
	ReasonInvalidAPIKey      Reason = "InvalidApiKey"
	ReasonInvalidToken       Reason = "InvalidToken"
	ReasonTokenExpired       Reason = "TokenExpired"
	ReasonTokenSuperseded    Reason = "TokenSuperseded"
	ReasonRateLimited        Reason = "RateLimited"
	ReasonBlockedIP          Reason = "BlockedIP"
	ReasonSuspiciousActivity Reason = "SuspiciousActivity"
)

// HTTPStatus maps a denial reason onto a response status.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonNone:
		return http.StatusOK
	case ReasonInvalidOrigin, ReasonBlockedIP, ReasonSuspiciousActivity:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

// DeniedError is returned by operations that run the connection gate
// and were refused.
type DeniedError struct {
	Reason Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("connection denied: %s", e.Reason)
}
