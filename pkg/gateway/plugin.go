// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import "context"

// GatewayPlugin is a hot-pluggable connector: it spawns a long-lived worker
// that reads external events and calls Gateway.Send on behalf of remote
// users (spec §4.2). Telegram/iMessage/cron-style bridges are all
// GatewayPlugin implementations; none are built in this package — a plugin
// is an external collaborator wired up by the host process.
type GatewayPlugin interface {
	Name() string
	// Start launches the plugin's worker; it must return promptly, leaving
	// any long-running work on its own goroutine.
	Start(ctx context.Context, gw *Gateway) error
	// Stop tears the worker down. Called during Gateway.Stop's drain.
	Stop()
}
