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
Package policy evaluates agent capabilities.

# Permission Format

A permission is a capability string, optionally namespaced with colons:

	read
	deploy:staging
	deploy:*

"admin" implies every other permission. A trailing ":*" segment grants
everything in that namespace.

# Usage

	if !policy.HasPermission(agent.Permissions, "deploy:prod") {
	    return errForbidden
	}
*/
package policy
