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

// Package main is the entry point for the agentgate service.
//
// agentgate authenticates connecting agents and decides whether each
// connection is admitted:
// - Issues API keys and short-lived signed tokens
// - Enforces origin allow-lists and per-agent/per-origin rate limits
// - Blocks origins that repeatedly fail authentication
// - Keeps a bounded security event log, exported to Postgres/Redis
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	GATEWAY_CONFIG_FILE - optional YAML configuration file
//	GATEWAY_LISTEN_ADDR - HTTP listen address (default: :8090)
//	GATEWAY_JWT_SECRET - token signing secret seed (random when unset)
//	GATEWAY_BOOTSTRAP_ADMIN - issue an admin agent at startup
//	GATEWAY_BOOTSTRAP_KEY_FILE - file receiving the admin API key (default: stderr)
//	GATEWAY_DATABASE_URL - PostgreSQL URL for audit export
//	GATEWAY_REDIS_URL - Redis URL for audit export
package main

import (
	"log"

	"agentgate/gateway"
)

func main() {
	if err := gateway.Run(); err != nil {
		log.Fatalf("agentgate: %v", err)
	}
}
