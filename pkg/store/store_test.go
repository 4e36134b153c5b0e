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
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/tentickle/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/tentickle.db"
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *Store, sessionID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateEntity(ctx, types.Entity{ID: "owner-1", Type: "human", Name: "Ada", IsOwner: true}))
	require.NoError(t, s.CreateSession(ctx, sessionID, types.SessionTypeChat, "", "", "/workspace", "owner-1"))
}

func TestCommitEntry_MonotoneTimelineOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")
	require.NoError(t, s.CreateExecution(ctx, "exec-1", "sess-1", types.TriggerSend))
	require.NoError(t, s.RecordTickStart(ctx, "exec-1", 1))

	for i := 0; i < 5; i++ {
		msg := types.Message{
			ID: uuid.NewString(), Role: types.RoleAssistant, Tick: 1, SequenceInTick: i,
			Preview: "hello", Visibility: types.VisibilityModel,
		}
		require.NoError(t, s.CommitEntry(ctx, "sess-1", msg, "exec-1", 1, i))
	}

	snap, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Timeline, 5)
	for i, m := range snap.Timeline {
		assert.Equal(t, i, m.SequenceInTick)
	}
	assert.Equal(t, 1, snap.Session.Tick, "session tick bumped to max committed tick")
}

func TestCommitEntry_IdempotentOnMessageID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")
	require.NoError(t, s.CreateExecution(ctx, "exec-1", "sess-1", types.TriggerSend))
	require.NoError(t, s.RecordTickStart(ctx, "exec-1", 1))

	msg := types.Message{
		ID: "msg-dup", Role: types.RoleAssistant, Tick: 1, SequenceInTick: 0,
		Preview: "hi", Visibility: types.VisibilityModel,
		Blocks: []types.ContentBlock{{Position: 0, Type: types.BlockText, TextContent: "hi", ContentJSON: []byte(`{}`)}},
	}
	require.NoError(t, s.CommitEntry(ctx, "sess-1", msg, "exec-1", 1, 0))
	require.NoError(t, s.CommitEntry(ctx, "sess-1", msg, "exec-1", 1, 0), "replaying the same commit must be a no-op, not an error")

	snap, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	require.Len(t, snap.Timeline[0].Blocks, 1)
}

func TestForeignKeyEnforcement_RejectsOrphanMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	err := s.CommitEntry(ctx, "nonexistent-session", types.Message{
		ID: uuid.NewString(), Role: types.RoleUser, Tick: 0, SequenceInTick: 0,
	}, "", 0, 0)
	assert.Error(t, err, "messages.session_id has no matching sessions row; PRAGMA foreign_keys=ON must reject the insert")
}

func TestCascadeDelete_SessionRemovesMessagesAndBlocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")
	require.NoError(t, s.CreateExecution(ctx, "exec-1", "sess-1", types.TriggerSend))
	require.NoError(t, s.RecordTickStart(ctx, "exec-1", 1))
	msg := types.Message{
		ID: uuid.NewString(), Role: types.RoleAssistant, Tick: 1, SequenceInTick: 0,
		Blocks: []types.ContentBlock{{Position: 0, Type: types.BlockText, TextContent: "x", ContentJSON: []byte(`{}`)}},
	}
	require.NoError(t, s.CommitEntry(ctx, "sess-1", msg, "exec-1", 1, 0))

	_, err := s.DB().ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", "sess-1")
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", "sess-1").Scan(&count))
	assert.Zero(t, count)
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM content_blocks").Scan(&count))
	assert.Zero(t, count, "content_blocks cascades through messages")
}

func TestUsageAggregate_SumsAcrossTicksNotStored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")
	require.NoError(t, s.CreateExecution(ctx, "exec-1", "sess-1", types.TriggerSend))
	require.NoError(t, s.RecordTickStart(ctx, "exec-1", 1))
	require.NoError(t, s.RecordTickStart(ctx, "exec-1", 2))
	require.NoError(t, s.RecordTickEnd(ctx, "exec-1", 1, "test-model", types.Usage{InputTokens: 100, OutputTokens: 20}, "end_turn"))
	require.NoError(t, s.RecordTickEnd(ctx, "exec-1", 2, "test-model", types.Usage{InputTokens: 50, OutputTokens: 10}, "end_turn"))

	snap, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 150, snap.Usage.InputTokens)
	assert.Equal(t, 30, snap.Usage.OutputTokens)
}

func TestContentBlockRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")
	require.NoError(t, s.CreateExecution(ctx, "exec-1", "sess-1", types.TriggerSend))
	require.NoError(t, s.RecordTickStart(ctx, "exec-1", 1))

	msg := types.Message{
		ID: uuid.NewString(), Role: types.RoleAssistant, Tick: 1, SequenceInTick: 0,
		Blocks: []types.ContentBlock{
			{Position: 0, Type: types.BlockText, TextContent: "analysis", ContentJSON: []byte(`{"text":"analysis"}`)},
			{Position: 1, Type: types.BlockToolUse, ToolName: "search", ContentJSON: []byte(`{"name":"search","input":{}}`)},
		},
	}
	require.NoError(t, s.CommitEntry(ctx, "sess-1", msg, "exec-1", 1, 0))

	snap, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, snap.Timeline, 1)
	require.Len(t, snap.Timeline[0].Blocks, 2)
	assert.Equal(t, types.BlockText, snap.Timeline[0].Blocks[0].Type)
	assert.Equal(t, types.BlockToolUse, snap.Timeline[0].Blocks[1].Type)
}

func TestCrashRecovery_MarksRunningExecutionsFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")
	require.NoError(t, s.CreateExecution(ctx, "exec-1", "sess-1", types.TriggerSend))

	n, err := s.RecoverCrashedExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var status string
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", "exec-1").Scan(&status))
	assert.Equal(t, "failed", status)

	n, err = s.RecoverCrashedExecutions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recovery is idempotent: already-failed executions are left alone")
}

func TestSaveAndLoad_RoundTripsComStateAndTimeline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "sess-1")

	snap := Snapshot{
		Session:  SessionRow{ID: "sess-1", Type: types.SessionTypeChat, WorkspacePath: "/workspace", Status: types.SessionActive, Tick: 3, SchemaVersion: 1},
		Timeline: []types.Message{{ID: uuid.NewString(), Role: types.RoleUser, Tick: 1, SequenceInTick: 0, Preview: "hi"}},
		ComState: map[string]json.RawMessage{"knob.foo": json.RawMessage(`"bar"`)},
	}
	require.NoError(t, s.Save(ctx, snap))

	loaded, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.SessionActive, loaded.Session.Status)
	assert.Len(t, loaded.Timeline, 1)
	assert.Equal(t, `"bar"`, string(loaded.ComState["knob.foo"]))
}
