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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// CreateEntity upserts an Entity row. Entities are referenced from sessions
// and messages but owned by neither (spec §3 ownership summary).
func (s *Store) CreateEntity(ctx context.Context, e types.Entity) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal entity metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, type, name, summary, is_owner, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type, name = excluded.name, summary = excluded.summary,
			is_owner = excluded.is_owner, metadata_json = excluded.metadata_json
	`, e.ID, e.Type, e.Name, e.Summary, boolToInt(e.IsOwner), string(meta), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: create entity: %w", err)
	}
	return nil
}

// CreateSession inserts a new Session row.
func (s *Store) CreateSession(ctx context.Context, sessionID string, sessionType types.SessionType,
	parentID, forkAfterMessageID, workspacePath, ownerEntityID string) error {
	now := time.Now().Unix()
	var parent, forkAfter any
	if parentID != "" {
		parent = parentID
	}
	if forkAfterMessageID != "" {
		forkAfter = forkAfterMessageID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, parent_id, fork_after_message_id, type, workspace_path,
			status, owner_entity_id, tick, schema_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?, ?)
	`, sessionID, parent, forkAfter, string(sessionType), workspacePath,
		string(types.SessionActive), ownerEntityID, now, now)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// CreateExecution records the start of a new Execution (spec §4.3,
// "createExecution ... at execution_start — fails fast on FK violation").
func (s *Store) CreateExecution(ctx context.Context, execID, sessionID string, trigger types.TriggerType) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, session_id, trigger, status, tick_count, started_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, execID, sessionID, string(trigger), string(types.ExecutionRunning), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: create execution (session %s): %w", sessionID, err)
	}
	return nil
}

// RecordTickStart inserts the tick row if absent; idempotent on
// (execution_id, tick_number) per spec §4.3.
func (s *Store) RecordTickStart(ctx context.Context, execID string, tick int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO ticks (execution_id, tick_number, started_at)
		VALUES (?, ?, ?)
	`, execID, tick, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: record tick start (exec %s tick %d): %w", execID, tick, err)
	}
	return nil
}

// CommitEntry persists a Message and all its ContentBlocks in one
// transaction, idempotent on message id (spec §4.3 "INSERT OR IGNORE"). It
// also bumps the owning session's tick counter, preserving the monotone
// non-decreasing invariant (spec §3).
func (s *Store) CommitEntry(ctx context.Context, sessionID string, entry types.Message, execID string, tick, seq int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: commit entry begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal tags: %w", err)
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal message metadata: %w", err)
	}

	var execCol any
	if execID != "" {
		execCol = execID
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, session_id, execution_id, entity_id, role, tick,
			sequence_in_tick, preview, visibility, tags_json, token_count, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, sessionID, execCol, nullableString(entry.EntityID), string(entry.Role), tick, seq,
		entry.Preview, string(entry.Visibility), string(tags), entry.TokenCount, string(meta), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if inserted > 0 {
		for _, b := range entry.Blocks {
			if err := insertBlock(ctx, tx, entry.ID, b); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET tick = MAX(tick, ?), updated_at = ? WHERE id = ?
	`, tick, time.Now().Unix(), sessionID); err != nil {
		return fmt.Errorf("store: bump session tick: %w", err)
	}

	return tx.Commit()
}

// insertBlock writes one ContentBlock. Blocks are stripped of transient
// semantic/formatter fields before serialization (spec §3 invariant) —
// types.ContentBlock carries only persisted fields, so no stripping step
// is needed here; ContentJSON is the caller-prepared, already-stripped
// payload.
func insertBlock(ctx context.Context, tx *sql.Tx, messageID string, b types.ContentBlock) error {
	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal block metadata: %w", err)
	}
	id := b.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", messageID, b.Position)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO content_blocks (id, message_id, position, block_type, text_content, content_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, messageID, b.Position, string(b.Type), nullableString(b.TextContent), string(b.ContentJSON), string(meta))
	if err != nil {
		return fmt.Errorf("store: insert content block: %w", err)
	}
	return nil
}

// RecordTickEnd finalizes a tick's model/usage/stop_reason (spec §4.3).
func (s *Store) RecordTickEnd(ctx context.Context, execID string, tick int, model string, usage types.Usage, stopReason string) error {
	usageJSON, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("store: marshal usage: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE ticks SET model = ?, usage_json = ?, stop_reason = ?, completed_at = ?
		WHERE execution_id = ? AND tick_number = ?
	`, model, string(usageJSON), stopReason, time.Now().Unix(), execID, tick)
	if err != nil {
		return fmt.Errorf("store: record tick end: %w", err)
	}
	return nil
}

// CompleteExecution finalizes an Execution row (spec §4.3).
func (s *Store) CompleteExecution(ctx context.Context, execID string, status types.ExecutionStatus, tickCount int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ?, tick_count = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, string(status), tickCount, nullableString(errMsg), time.Now().Unix(), execID)
	if err != nil {
		return fmt.Errorf("store: complete execution: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
