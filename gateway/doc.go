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

/*
Package gateway is the agent security gateway: it issues credentials to
agents and decides, connection by connection, whether to admit them.

# Admission

Validate runs a fixed sequence of checks and stops at the first failure:

 1. Origin header against the allow-list (InvalidOrigin)
 2. Blocked origin (BlockedIP, not audited)
 3. API key or bearer token (InvalidApiKey, InvalidToken, TokenExpired,
    TokenSuperseded, MissingCredentials)
 4. Per-agent and per-origin rate limits (RateLimited)

Every outcome except the first two is recorded in the audit log. Repeated
auth failures from one origin block it for a while; see package threat.

# Usage

	g, err := gateway.New(gateway.DefaultConfig())
	if err != nil {
	    return err
	}
	if err := g.Start(ctx); err != nil {
	    return err
	}
	defer g.Shutdown(context.Background())

	creds, _ := g.IssueCredentials("builder", []string{"read"}, addr)
	res := g.Validate(ctx, gateway.Request{APIKey: creds.APIKey, OriginAddress: addr})

Handler exposes the same operations over HTTP, and Run wires everything
from GATEWAY_* environment variables for the cmd/gateway binary.
*/
package gateway
