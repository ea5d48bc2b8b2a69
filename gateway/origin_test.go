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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginMatcher(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		header   string
		want     bool
	}{
		{name: "empty list admits all", patterns: nil, header: "https://anything.io", want: true},
		{name: "exact host", patterns: []string{"localhost"}, header: "http://localhost:3000", want: true},
		{name: "bare host with port", patterns: []string{"localhost"}, header: "localhost:8080", want: true},
		{name: "entry admits subdomains", patterns: []string{"example.com"}, header: "https://api.example.com", want: true},
		{name: "suffix is not a subdomain", patterns: []string{"example.com"}, header: "https://badexample.com", want: false},
		{name: "leading wildcard excludes parent", patterns: []string{"*.example.com"}, header: "https://example.com", want: false},
		{name: "leading wildcard admits child", patterns: []string{"*.example.com"}, header: "https://a.b.example.com", want: true},
		{name: "star admits all", patterns: []string{"*"}, header: "https://evil.com", want: true},
		{name: "case insensitive", patterns: []string{"Example.COM"}, header: "https://EXAMPLE.com", want: true},
		{name: "ipv4", patterns: []string{"127.0.0.1"}, header: "http://127.0.0.1:9000", want: true},
		{name: "null origin", patterns: []string{"localhost"}, header: "null", want: false},
		{name: "garbage", patterns: []string{"localhost"}, header: "http://", want: false},
		{name: "not listed", patterns: []string{"localhost"}, header: "https://evil.com", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newOriginMatcher(tt.patterns).Allowed(tt.header))
		})
	}
}

func TestValidateOriginPattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{pattern: "localhost"},
		{pattern: "*"},
		{pattern: "*.example.com"},
		{pattern: "10.0.0.1"},
		{pattern: "", wantErr: true},
		{pattern: "https://example.com", wantErr: true},
		{pattern: "example.com/path", wantErr: true},
		{pattern: "a.*.example.com", wantErr: true},
		{pattern: "*example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := validateOriginPattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		forwarded  string
		trustProxy bool
		want       string
	}{
		{name: "remote addr", remote: "10.0.0.9:5555", want: "10.0.0.9"},
		{name: "forwarded ignored", remote: "10.0.0.9:5555", forwarded: "1.2.3.4", want: "10.0.0.9"},
		{name: "forwarded trusted", remote: "10.0.0.9:5555", forwarded: "1.2.3.4, 10.0.0.1", trustProxy: true, want: "1.2.3.4"},
		{name: "no port", remote: "10.0.0.9", want: "10.0.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(r, tt.trustProxy))
		})
	}
}

func TestReasonHTTPStatus(t *testing.T) {
	assert.Equal(t, 200, ReasonNone.HTTPStatus())
	assert.Equal(t, 401, ReasonInvalidAPIKey.HTTPStatus())
	assert.Equal(t, 401, ReasonMissingCredentials.HTTPStatus())
	assert.Equal(t, 401, ReasonTokenSuperseded.HTTPStatus())
	assert.Equal(t, 403, ReasonInvalidOrigin.HTTPStatus())
	assert.Equal(t, 403, ReasonBlockedIP.HTTPStatus())
	assert.Equal(t, 429, ReasonRateLimited.HTTPStatus())
}
