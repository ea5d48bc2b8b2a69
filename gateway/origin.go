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
	"net"
	"net/http"
	"net/url"
	"strings"
)

const wildcardOrigin = "*"

// originMatcher decides whether an Origin header names an allowed host.
// A pattern admits the host itself and its subdomains; "*.parent" admits
// subdomains only and "*" admits every origin. An empty list admits
// every origin.
type originMatcher struct {
	patterns []string
}

func newOriginMatcher(patterns []string) *originMatcher {
	m := &originMatcher{}
	for _, p := range patterns {
		m.patterns = append(m.patterns, strings.ToLower(strings.TrimSpace(p)))
	}
	return m
}

// Allowed reports whether header is accepted. Malformed headers are not.
func (m *originMatcher) Allowed(header string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	host, ok := originHost(header)
	if !ok {
		return false
	}
	for _, p := range m.patterns {
		switch {
		case p == wildcardOrigin:
			return true
		case strings.HasPrefix(p, "*."):
			if strings.HasSuffix(host, p[1:]) {
				return true
			}
		case host == p || strings.HasSuffix(host, "."+p):
			return true
		}
	}
	return false
}

// originHost extracts the lower-cased hostname from an Origin header,
// which may be a full URL or a bare host[:port].
func originHost(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" || header == "null" {
		return "", false
	}
	if strings.Contains(header, "://") {
		u, err := url.Parse(header)
		if err != nil || u.Hostname() == "" {
			return "", false
		}
		return strings.ToLower(u.Hostname()), true
	}
	host := header
	if h, _, err := net.SplitHostPort(header); err == nil {
		host = h
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return "", false
	}
	return strings.ToLower(host), true
}

func validateOriginPattern(p string) error {
	p = strings.TrimSpace(p)
	switch {
	case p == "":
		return fmt.Errorf("allowed_origins entries must not be empty")
	case p == wildcardOrigin:
		return nil
	case strings.Contains(p, "://") || strings.ContainsAny(p, "/ "):
		return fmt.Errorf("invalid allowed origin %q: use a hostname, not a URL", p)
	case strings.Contains(strings.TrimPrefix(p, "*."), "*"):
		return fmt.Errorf("invalid allowed origin %q: wildcard is only allowed as a leading \"*.\"", p)
	}
	return nil
}

// clientIP returns the address a request came from. X-Forwarded-For is
// honoured only when the gateway sits behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
