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

package engine

import (
	"context"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// Persister is the narrow slice of pkg/store.Store's incremental-writer API
// (spec §4.3 part 1) the engine depends on, so tests can drive the state
// machine against a fake instead of a real database — the same boundary
// loom draws between pkg/agent and pkg/agent/session_store.go.
type Persister interface {
	CreateExecution(ctx context.Context, execID, sessionID string, trigger types.TriggerType) error
	RecordTickStart(ctx context.Context, execID string, tick int) error
	CommitEntry(ctx context.Context, sessionID string, entry types.Message, execID string, tick, seq int) error
	RecordTickEnd(ctx context.Context, execID string, tick int, model string, usage types.Usage, stopReason string) error
	CompleteExecution(ctx context.Context, execID string, status types.ExecutionStatus, tickCount int, errMsg string) error
}
