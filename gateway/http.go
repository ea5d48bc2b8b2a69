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
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"gopkg.in/yaml.v3"

	"agentgate/gateway/policy"
)

const (
	headerAPIKey = "X-API-Key"
	maxBodyBytes = 1 << 20

	defaultEventLimit = 100
)

type contextKey int

const resultKey contextKey = iota

// Handler returns the HTTP API with CORS applied.
func (g *Gateway) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", g.handleHealth).Methods("GET")
	router.Handle("/metrics", g.metrics.handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/validate", g.handleValidate).Methods("POST")
	api.HandleFunc("/token/refresh", g.handleRefreshToken).Methods("POST")

	admin := api.NewRoute().Subrouter()
	admin.Use(g.requireAdmin)
	admin.HandleFunc("/agents", g.handleListAgents).Methods("GET")
	admin.HandleFunc("/agents", g.handleIssueCredentials).Methods("POST")
	admin.HandleFunc("/agents/{id}", g.handleRevokeAgent).Methods("DELETE")
	admin.HandleFunc("/permissions/check", g.handleCheckPermission).Methods("POST")
	admin.HandleFunc("/origins/blocked", g.handleListBlocked).Methods("GET")
	admin.HandleFunc("/origins/block", g.handleBlockOrigin).Methods("POST")
	admin.HandleFunc("/origins/{address}", g.handleUnblockOrigin).Methods("DELETE")
	admin.HandleFunc("/stats", g.handleStats).Methods("GET")
	admin.HandleFunc("/events", g.handleRecentEvents).Methods("GET")
	admin.HandleFunc("/events/stream", g.handleEventStream).Methods("GET")
	admin.HandleFunc("/config", g.handleGetConfig).Methods("GET")
	admin.HandleFunc("/config", g.handleUpdateConfig).Methods("PATCH")

	c := cors.New(cors.Options{
		AllowOriginFunc:  func(origin string) bool { return g.originMatcher().Allowed(origin) },
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", headerAPIKey},
		AllowCredentials: true,
	})
	return c.Handler(router)
}

// requestFromHTTP extracts credentials and origin from a request.
// The API key header wins over a bearer token.
func (g *Gateway) requestFromHTTP(r *http.Request) Request {
	req := Request{
		APIKey:        strings.TrimSpace(r.Header.Get(headerAPIKey)),
		OriginAddress: clientIP(r, g.Config().TrustProxy),
		OriginHeader:  r.Header.Get("Origin"),
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, tok, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			req.Token = strings.TrimSpace(tok)
		}
	}
	return req
}

// requireAdmin admits requests from agents holding the admin permission.
func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := g.requestFromHTTP(r)
		res := g.validate(r.Context(), req, true)
		if !res.Valid {
			writeJSONError(w, string(res.Reason), res.Reason.HTTPStatus())
			return
		}
		if !g.HasPermission(res.AgentID, policy.PermissionAdmin) {
			g.log.Warn(res.AgentID, req.OriginAddress, "admin endpoint refused", map[string]interface{}{
				"path": r.URL.Path,
			})
			writeJSONError(w, "admin permission required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resultKey, res)))
	})
}

func callerFrom(ctx context.Context) Result {
	res, _ := ctx.Value(resultKey).(Result)
	return res
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]interface{}{
		"status":    "healthy",
		"service":   "agentgate",
		"timestamp": g.now().UTC(),
	}, http.StatusOK)
}

func (g *Gateway) handleValidate(w http.ResponseWriter, r *http.Request) {
	res := g.Validate(r.Context(), g.requestFromHTTP(r))
	writeJSONResponse(w, res, res.Reason.HTTPStatus())
}

func (g *Gateway) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	tok, expiresAt, err := g.RefreshToken(r.Context(), g.requestFromHTTP(r))
	if err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			writeJSONError(w, string(denied.Reason), denied.Reason.HTTPStatus())
			return
		}
		writeJSONError(w, "failed to refresh token", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"token":      tok,
		"expires_at": expiresAt,
	}, http.StatusOK)
}

// IssueCredentialsRequest is the body of POST /api/v1/agents.
type IssueCredentialsRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

func (g *Gateway) handleIssueCredentials(w http.ResponseWriter, r *http.Request) {
	var body IssueCredentialsRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	creds, err := g.IssueCredentials(body.Name, body.Permissions, clientIP(r, g.Config().TrustProxy))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	g.log.Info(callerFrom(r.Context()).AgentID, "", "credentials issued", map[string]interface{}{
		"new_agent_id": creds.AgentID,
	})
	writeJSONResponse(w, creds, http.StatusCreated)
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := g.Agents()
	writeJSONResponse(w, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	}, http.StatusOK)
}

func (g *Gateway) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "revoked by " + callerFrom(r.Context()).AgentID
	}

	if err := g.RevokeAgent(id, reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"revoked": id}, http.StatusOK)
}

// PermissionCheckRequest is the body of POST /api/v1/permissions/check.
type PermissionCheckRequest struct {
	AgentID    string `json:"agent_id"`
	Permission string `json:"permission"`
}

func (g *Gateway) handleCheckPermission(w http.ResponseWriter, r *http.Request) {
	var body PermissionCheckRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.Permission == "" {
		writeJSONError(w, "agent_id and permission are required", http.StatusBadRequest)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"agent_id":   body.AgentID,
		"permission": body.Permission,
		"allowed":    g.HasPermission(body.AgentID, body.Permission),
	}, http.StatusOK)
}

// BlockOriginRequest is the body of POST /api/v1/origins/block.
type BlockOriginRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

func (g *Gateway) handleBlockOrigin(w http.ResponseWriter, r *http.Request) {
	var body BlockOriginRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSONError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := g.BlockOrigin(body.Address, body.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{"blocked": body.Address}, http.StatusOK)
}

func (g *Gateway) handleUnblockOrigin(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	writeJSONResponse(w, map[string]interface{}{
		"address":   addr,
		"unblocked": g.UnblockOrigin(addr),
	}, http.StatusOK)
}

func (g *Gateway) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	blocked := g.BlockedOrigins()
	writeJSONResponse(w, map[string]interface{}{
		"blocked": blocked,
		"count":   len(blocked),
	}, http.StatusOK)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, g.Stats(), http.StatusOK)
}

func (g *Gateway) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events := g.RecentEvents(limit)
	writeJSONResponse(w, map[string]interface{}{
		"events": events,
		"count":  len(events),
	}, http.StatusOK)
}

func (g *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, g.Config(), http.StatusOK)
}

// handleUpdateConfig accepts a ConfigPatch as JSON or YAML. JSON is
// decoded by the YAML parser so durations can be given as "15m".
func (g *Gateway) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	dec := yaml.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.KnownFields(true)
	if err := dec.Decode(&patch); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "Invalid config patch: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := g.UpdateConfig(patch); err != nil {
		writeServiceError(w, err)
		return
	}
	g.log.Info(callerFrom(r.Context()).AgentID, "", "configuration patched over HTTP", nil)
	writeJSONResponse(w, g.Config(), http.StatusOK)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps gateway errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAgentNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	default:
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeJSONResponse writes a JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[GatewayAPI] Error encoding response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("[GatewayAPI] Error encoding error response: %v", err)
	}
}

// newHTTPServer wraps the handler with the timeouts used in production.
func (g *Gateway) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
