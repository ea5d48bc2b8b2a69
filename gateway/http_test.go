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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/gateway/audit"
	"agentgate/gateway/token"
)

type apiFixture struct {
	g     *Gateway
	srv   *httptest.Server
	admin token.Credentials
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	g, err := New(DefaultConfig(), WithLogger(testLogger()))
	require.NoError(t, err)

	admin, err := g.IssueCredentials("admin", []string{"admin"}, "127.0.0.1")
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		g.Shutdown(context.Background())
		srv.Close()
	})
	return &apiFixture{g: g, srv: srv, admin: admin}
}

func (f *apiFixture) do(t *testing.T, method, path string, headers map[string]string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func (f *apiFixture) adminHeaders() map[string]string {
	return map[string]string{headerAPIKey: f.admin.APIKey}
}

func errorMessage(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	msg, _ := e["message"].(string)
	return msg
}

func TestHTTP_Health(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestHTTP_Validate(t *testing.T) {
	f := newAPIFixture(t)
	creds, err := f.g.IssueCredentials("worker", []string{"read"}, "")
	require.NoError(t, err)

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantReason string
	}{
		{name: "api key", headers: map[string]string{headerAPIKey: creds.APIKey}, wantStatus: http.StatusOK},
		{name: "bearer token", headers: map[string]string{"Authorization": "Bearer " + creds.Token}, wantStatus: http.StatusOK},
		{name: "missing", headers: nil, wantStatus: http.StatusUnauthorized, wantReason: "MissingCredentials"},
		{name: "bad key", headers: map[string]string{headerAPIKey: "agk_bad"}, wantStatus: http.StatusUnauthorized, wantReason: "InvalidApiKey"},
		{name: "bad origin", headers: map[string]string{headerAPIKey: creds.APIKey, "Origin": "https://evil.com"}, wantStatus: http.StatusForbidden, wantReason: "InvalidOrigin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "POST", "/api/v1/validate", tt.headers, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantReason == "" {
				assert.Equal(t, true, body["valid"])
				assert.Equal(t, creds.AgentID, body["agent_id"])
			} else {
				assert.Equal(t, false, body["valid"])
				assert.Equal(t, tt.wantReason, body["reason"])
			}
		})
	}
}

func TestHTTP_BlockedOriginGets403(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 5; i++ {
		f.do(t, "POST", "/api/v1/validate", map[string]string{headerAPIKey: "agk_bad"}, nil)
	}
	resp, body := f.do(t, "POST", "/api/v1/validate", f.adminHeaders(), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "BlockedIP", body["reason"])
}

func TestHTTP_RefreshToken(t *testing.T) {
	f := newAPIFixture(t)
	creds, err := f.g.IssueCredentials("worker", nil, "")
	require.NoError(t, err)

	resp, body := f.do(t, "POST", "/api/v1/token/refresh", map[string]string{headerAPIKey: creds.APIKey}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fresh, _ := body["token"].(string)
	require.NotEmpty(t, fresh)

	resp, body = f.do(t, "POST", "/api/v1/validate", map[string]string{"Authorization": "Bearer " + creds.Token}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "TokenSuperseded", body["reason"])

	resp, _ = f.do(t, "POST", "/api/v1/validate", map[string]string{"Authorization": "Bearer " + fresh}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, "POST", "/api/v1/token/refresh", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "MissingCredentials", errorMessage(body))
}

func TestHTTP_AdminRequired(t *testing.T) {
	f := newAPIFixture(t)
	worker, err := f.g.IssueCredentials("worker", []string{"read"}, "")
	require.NoError(t, err)

	resp, _ := f.do(t, "GET", "/api/v1/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := f.do(t, "GET", "/api/v1/stats", map[string]string{headerAPIKey: worker.APIKey}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "admin permission required", errorMessage(body))

	resp, body = f.do(t, "GET", "/api/v1/stats", f.adminHeaders(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["active_agents"])
}

func TestHTTP_AgentLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "POST", "/api/v1/agents", f.adminHeaders(), IssueCredentialsRequest{
		Name:        "deployer",
		Permissions: []string{"deploy:*"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	agentID, _ := body["agent_id"].(string)
	apiKey, _ := body["api_key"].(string)
	require.NotEmpty(t, agentID)
	require.True(t, strings.HasPrefix(apiKey, "agk_"))

	resp, body = f.do(t, "POST", "/api/v1/permissions/check", f.adminHeaders(), PermissionCheckRequest{
		AgentID:    agentID,
		Permission: "deploy:prod",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["allowed"])

	resp, body = f.do(t, "GET", "/api/v1/agents", f.adminHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
	agents, _ := body["agents"].([]interface{})
	for _, a := range agents {
		assert.NotContains(t, a, "api_key_hash", "hashes are never serialized")
	}

	resp, _ = f.do(t, "DELETE", "/api/v1/agents/"+agentID+"?reason=rotated", f.adminHeaders(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "DELETE", "/api/v1/agents/"+agentID, f.adminHeaders(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/api/v1/validate", map[string]string{headerAPIKey: apiKey}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_IssueCredentialsBadRequest(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "not json", body: "{"},
		{name: "unknown field", body: `{"name":"x","role":"root"}`},
		{name: "missing name", body: IssueCredentialsRequest{Permissions: []string{"read"}}},
		{name: "bad permission", body: IssueCredentialsRequest{Name: "x", Permissions: []string{"a::b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, "POST", "/api/v1/agents", f.adminHeaders(), tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHTTP_OriginBlocking(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, "POST", "/api/v1/origins/block", f.adminHeaders(), BlockOriginRequest{Address: "10.0.0.50", Reason: "scanner"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ReasonBlockedIP, f.g.Validate(context.Background(), Request{OriginAddress: "10.0.0.50"}).Reason)

	resp, body := f.do(t, "GET", "/api/v1/origins/blocked", f.adminHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = f.do(t, "DELETE", "/api/v1/origins/10.0.0.50", f.adminHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["unblocked"])

	resp, body = f.do(t, "DELETE", "/api/v1/origins/10.0.0.50", f.adminHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["unblocked"])

	resp, _ = f.do(t, "POST", "/api/v1/origins/block", f.adminHeaders(), BlockOriginRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_RecentEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.g.Validate(context.Background(), Request{APIKey: "agk_bad", OriginAddress: "10.0.0.60"})

	resp, body := f.do(t, "GET", "/api/v1/events?limit=2", f.adminHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])

	resp, _ = f.do(t, "GET", "/api/v1/events?limit=zero", f.adminHeaders(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_UpdateConfig(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, "PATCH", "/api/v1/config", f.adminHeaders(),
		`{"rate_limits": {"requests_per_minute": 500, "requests_per_hour": 5000}, "threat": {"failure_threshold": 3, "failure_window": "10m", "block_duration": "30m"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, errorMessage(body))

	cfg := f.g.Config()
	assert.Equal(t, 500, cfg.RateLimits.RequestsPerMinute)
	assert.Equal(t, 3, cfg.Threat.FailureThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Threat.FailureWindow)
	assert.Equal(t, 30*time.Minute, cfg.Threat.BlockDuration)

	resp, body = f.do(t, "PATCH", "/api/v1/config", f.adminHeaders(), `{"threat": {"failure_threshold": 4}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, errorMessage(body))
	cfg = f.g.Config()
	assert.Equal(t, 4, cfg.Threat.FailureThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Threat.FailureWindow, "unset threat fields keep their value")

	resp, _ = f.do(t, "PATCH", "/api/v1/config", f.adminHeaders(), `{"unknown_setting": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, "PATCH", "/api/v1/config", f.adminHeaders(), `{"rate_limits": {"requests_per_minute": 0, "requests_per_hour": 1}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 500, f.g.Config().RateLimits.RequestsPerMinute)

	resp, body = f.do(t, "GET", "/api/v1/config", f.adminHeaders(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "jwt_secret")
	assert.Contains(t, body, "rate_limits")
}

func TestHTTP_Metrics(t *testing.T) {
	f := newAPIFixture(t)
	f.do(t, "POST", "/api/v1/validate", map[string]string{headerAPIKey: "agk_bad"}, nil)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `agentgate_validations_total{reason="InvalidApiKey",result="denied"} 1`)
	assert.Contains(t, text, `agentgate_security_events_total{kind="auth_failure",severity="medium"} 1`)
	assert.Contains(t, text, "agentgate_active_agents 1")
	assert.Contains(t, text, "agentgate_validation_duration_milliseconds_bucket")
}

func TestHTTP_CORS(t *testing.T) {
	f := newAPIFixture(t)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest("OPTIONS", f.srv.URL+"/api/v1/validate", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("http://localhost:3000")
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = preflight("https://evil.com")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHTTP_EventStream(t *testing.T) {
	f := newAPIFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/events/stream?kind=auth_failure"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "stream requires credentials")
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	header := http.Header{}
	header.Set(headerAPIKey, f.admin.APIKey)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.g.hub.count() == 1 }, time.Second, 5*time.Millisecond)

	// filtered out: auth_success
	f.g.Validate(context.Background(), Request{APIKey: f.admin.APIKey, OriginAddress: "10.0.0.70"})
	f.g.Validate(context.Background(), Request{APIKey: "agk_bad", OriginAddress: "10.0.0.70"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e audit.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, audit.KindAuthFailure, e.Kind)
	assert.Equal(t, "10.0.0.70", e.OriginAddress)
	assert.Equal(t, string(ReasonInvalidAPIKey), e.Reason())

	require.NoError(t, f.g.Shutdown(context.Background()))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "shutdown closes streams")
	assert.Equal(t, 0, f.g.hub.count())
}

func TestHTTP_EventStreamBadFilter(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, "GET", "/api/v1/events/stream?kind=nonsense", f.adminHeaders(), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseStreamFilter(t *testing.T) {
	f, err := parseStreamFilter(map[string][]string{"min_severity": {"high"}})
	require.NoError(t, err)
	assert.True(t, f.match(audit.Event{Kind: audit.KindSuspiciousActivity, Severity: audit.SeverityCritical}))
	assert.False(t, f.match(audit.Event{Kind: audit.KindAuthFailure, Severity: audit.SeverityMedium}))

	_, err = parseStreamFilter(map[string][]string{"min_severity": {"extreme"}})
	assert.Error(t, err)
}
