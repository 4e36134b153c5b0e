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

// SessionRow mirrors the sessions table (spec §3 Session entity).
type SessionRow struct {
	ID                  string
	ParentID            string
	ForkAfterMessageID  string
	Type                types.SessionType
	WorkspacePath       string
	Status              types.SessionStatus
	OwnerEntityID       string
	Tick                int
	SchemaVersion       int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Snapshot is the whole-session view returned by Load and accepted by Save:
// the session row, the full ordered timeline (with blocks populated), the
// knob map stored under session_snapshots, and the usage aggregate derived
// by summation over the session's executions' ticks (spec §4.3 invariant 6).
type Snapshot struct {
	Session  SessionRow
	Timeline []types.Message
	ComState map[string]json.RawMessage
	Usage    types.Usage
}

// Save upserts the session row, incrementally inserts any timeline entries
// not already present (the fallback path used e.g. after restoring from an
// external snapshot — the normal path is the per-event CommitEntry calls),
// and replaces the com_state blob (spec §4.3).
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	sess := snap.Session
	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, parent_id, fork_after_message_id, type, workspace_path,
			status, owner_entity_id, tick, schema_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type, workspace_path = excluded.workspace_path,
			status = excluded.status, owner_entity_id = excluded.owner_entity_id,
			tick = MAX(sessions.tick, excluded.tick), schema_version = excluded.schema_version,
			updated_at = excluded.updated_at
	`, sess.ID, nullableString(sess.ParentID), nullableString(sess.ForkAfterMessageID), string(sess.Type),
		sess.WorkspacePath, string(sess.Status), nullableString(sess.OwnerEntityID), sess.Tick,
		max(sess.SchemaVersion, 1), firstNonZero(sess.CreatedAt, now), now)
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}

	for _, m := range snap.Timeline {
		var execCol any
		if m.ExecutionID != "" {
			execCol = m.ExecutionID
		}
		tags, _ := json.Marshal(m.Tags)
		meta, _ := json.Marshal(m.Metadata)
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (id, session_id, execution_id, entity_id, role, tick,
				sequence_in_tick, preview, visibility, tags_json, token_count, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, sess.ID, execCol, nullableString(m.EntityID), string(m.Role), m.Tick, m.SequenceInTick,
			m.Preview, string(m.Visibility), string(tags), m.TokenCount, string(meta), now)
		if err != nil {
			return fmt.Errorf("store: save fallback insert message %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			for _, b := range m.Blocks {
				if err := insertBlock(ctx, tx, m.ID, b); err != nil {
					return err
				}
			}
		}
	}

	comState, err := json.Marshal(snap.ComState)
	if err != nil {
		return fmt.Errorf("store: marshal com_state: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_snapshots (session_id, key, json_value, updated_at)
		VALUES (?, 'com_state', ?, ?)
		ON CONFLICT (session_id, key) DO UPDATE SET json_value = excluded.json_value, updated_at = excluded.updated_at
	`, sess.ID, string(comState), now)
	if err != nil {
		return fmt.Errorf("store: upsert com_state: %w", err)
	}

	return tx.Commit()
}

// Load reconstructs a Snapshot: the session row, every message ordered by
// (tick, sequence_in_tick) with its content blocks attached via a single
// joined query (scales to >=500 messages in one round trip, spec §4.3),
// the com_state blob, and the derived usage aggregate.
func (s *Store) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	sess, err := s.loadSessionRow(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	timeline, err := s.loadTimeline(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	comState, err := s.loadComState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	usage, err := s.loadUsage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{Session: *sess, Timeline: timeline, ComState: comState, Usage: usage}, nil
}

func (s *Store) loadSessionRow(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(parent_id, ''), COALESCE(fork_after_message_id, ''), type, workspace_path,
			status, COALESCE(owner_entity_id, ''), tick, schema_version, created_at, updated_at
		FROM sessions WHERE id = ?
	`, sessionID)

	var sess SessionRow
	var sessType, status string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.ParentID, &sess.ForkAfterMessageID, &sessType, &sess.WorkspacePath,
		&status, &sess.OwnerEntityID, &sess.Tick, &sess.SchemaVersion, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session row: %w", err)
	}
	sess.Type = types.SessionType(sessType)
	sess.Status = types.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

func (s *Store) loadTimeline(ctx context.Context, sessionID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.execution_id, COALESCE(m.entity_id, ''), m.role, m.tick, m.sequence_in_tick,
			m.preview, m.visibility, m.tags_json, m.token_count, m.metadata_json, m.created_at,
			b.id, b.position, b.block_type, b.text_content, b.content_json, b.metadata_json
		FROM messages m
		LEFT JOIN content_blocks b ON b.message_id = m.id
		WHERE m.session_id = ?
		ORDER BY m.tick, m.sequence_in_tick, b.position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: load timeline: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*types.Message)
	var order []string

	for rows.Next() {
		var (
			m                                                                              types.Message
			execID, tags, meta                                                            sql.NullString
			createdAt                                                                      int64
			blockID, blockType, textContent, blockJSON, blockMeta                          sql.NullString
			position                                                                       sql.NullInt64
		)
		var role, visibility string
		if err := rows.Scan(&m.ID, &execID, &m.EntityID, &role, &m.Tick, &m.SequenceInTick,
			&m.Preview, &visibility, &tags, &m.TokenCount, &meta, &createdAt,
			&blockID, &position, &blockType, &textContent, &blockJSON, &blockMeta); err != nil {
			return nil, fmt.Errorf("store: scan timeline row: %w", err)
		}

		existing, ok := byID[m.ID]
		if !ok {
			m.Role = types.Role(role)
			m.Visibility = types.Visibility(visibility)
			m.ExecutionID = execID.String
			m.CreatedAt = time.Unix(createdAt, 0)
			if tags.Valid {
				_ = json.Unmarshal([]byte(tags.String), &m.Tags)
			}
			if meta.Valid {
				_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
			}
			mm := m
			byID[mm.ID] = &mm
			existing = byID[mm.ID]
			order = append(order, mm.ID)
		}

		if blockID.Valid {
			existing.Blocks = append(existing.Blocks, types.ContentBlock{
				ID:          blockID.String,
				MessageID:   existing.ID,
				Position:    int(position.Int64),
				Type:        types.BlockType(blockType.String),
				TextContent: textContent.String,
				ContentJSON: []byte(blockJSON.String),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate timeline rows: %w", err)
	}

	timeline := make([]types.Message, 0, len(order))
	for _, id := range order {
		timeline = append(timeline, *byID[id])
	}
	return timeline, nil
}

func (s *Store) loadComState(ctx context.Context, sessionID string) (map[string]json.RawMessage, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT json_value FROM session_snapshots WHERE session_id = ? AND key = 'com_state'
	`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows || !raw.Valid {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load com_state: %w", err)
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("store: unmarshal com_state: %w", err)
	}
	return out, nil
}

// loadUsage derives the session-level usage aggregate by summing
// ticks.usage_json across every execution belonging to sessionID (spec
// §4.3 invariant 6) — never stored, always computed from ticks.
func (s *Store) loadUsage(ctx context.Context, sessionID string) (types.Usage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.usage_json FROM ticks t
		JOIN executions e ON e.id = t.execution_id
		WHERE e.session_id = ? AND t.usage_json IS NOT NULL
	`, sessionID)
	if err != nil {
		return types.Usage{}, fmt.Errorf("store: load usage: %w", err)
	}
	defer rows.Close()

	var total types.Usage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return types.Usage{}, fmt.Errorf("store: scan usage row: %w", err)
		}
		var u types.Usage
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			continue
		}
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
	}
	return total, rows.Err()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func firstNonZero(t time.Time, fallback int64) int64 {
	if t.IsZero() {
		return fallback
	}
	return t.Unix()
}
