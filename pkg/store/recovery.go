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

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// RecoverCrashedExecutions marks every execution left in status=running with
// no completed_at as failed (spec Execution invariant: a running execution
// with no terminating process is a crash, not a hang — scenario S2). Called
// once at daemon startup before any new execution is created.
func (s *Store) RecoverCrashedExecutions(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, error_message = COALESCE(error_message, 'process exited while execution was running'), completed_at = ?
		WHERE status = ? AND completed_at IS NULL
	`, string(types.ExecutionFailed), now, string(types.ExecutionRunning))
	if err != nil {
		return 0, fmt.Errorf("store: recover crashed executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: recover crashed executions rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Sugar().Warnf("recovered %d execution(s) left running from a prior crash", n)
	}
	return int(n), nil
}
