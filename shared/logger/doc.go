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
Package logger provides structured JSON logging for the gateway components.

Each log entry is a single JSON line with:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, ratelimit, threat, ...)
  - Instance ID and container name
  - Agent ID and origin address, when known
  - Custom fields

# Usage

	log := logger.New("gateway")

	log.Info("agent_123", "10.0.0.1", "Agent validated", map[string]interface{}{
	    "permissions": []string{"read"},
	})

	log.ErrorWithErr("", "", "Export failed", err, nil)

# Environment Variables

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
