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

package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/tentickle/pkg/types"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()
	s, err := NewJobStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestJobStore_CreateSlugifiesAndDedupesID(t *testing.T) {
	s := newTestStore(t)
	a, err := s.Create(Job{Name: "Morning Digest", Cron: "0 8 * * *", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "morning-digest", a.ID)

	b, err := s.Create(Job{Name: "Morning Digest", Cron: "0 9 * * *", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "morning-digest-2", b.ID)
}

func TestJobStore_ListSkipsMalformedFiles(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Job{Name: "ok", Cron: "* * * * *", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "noid.json"), []byte(`{"name":"x"}`), 0o644))

	jobs, err := s.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "ok", jobs[0].ID)
}

func TestScheduler_Invariant8_ResyncPreservesUnchangedEntryIdentity(t *testing.T) {
	store := newTestStore(t)
	job, err := store.Create(Job{Name: "ping", Cron: "* * * * *", Enabled: true})
	require.NoError(t, err)

	sched := New(store, t.TempDir(), nil)
	require.NoError(t, sched.sync())
	firstEntry := sched.entries[job.ID]

	require.NoError(t, sched.sync())
	assert.Equal(t, firstEntry, sched.entries[job.ID], "unchanged cron expression must keep the same timer identity")

	job.Cron = "*/5 * * * *"
	_, err = store.Update(job)
	require.NoError(t, err)
	require.NoError(t, sched.sync())
	assert.NotEqual(t, firstEntry, sched.entries[job.ID], "changed cron expression must get a fresh timer")
	assert.Equal(t, job.Cron, sched.exprs[job.ID])
}

func TestScheduler_InvalidCronIsSkippedSilently(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(Job{Name: "bad", Cron: "not a cron expr", Enabled: true})
	require.NoError(t, err)

	sched := New(store, t.TempDir(), nil)
	require.NoError(t, sched.sync())
	assert.Empty(t, sched.entries)
}

func TestScheduler_S3_HeartbeatGateSuppressesOrAppendsTrigger(t *testing.T) {
	store := newTestStore(t)
	triggersDir := t.TempDir()
	hbPath := filepath.Join(t.TempDir(), "HEARTBEAT.md")

	job, err := store.Create(Job{
		Name: "hb", Cron: "* * * * *", Enabled: true, Prompt: "daily check-in",
		Metadata: map[string]string{"heartbeatFile": hbPath},
	})
	require.NoError(t, err)

	sched := New(store, triggersDir, nil)

	sched.fire(job.ID)
	entries, _ := os.ReadDir(triggersDir)
	assert.Empty(t, entries, "missing heartbeat file must suppress the trigger")

	require.NoError(t, os.WriteFile(hbPath, []byte("Priority"), 0o644))
	sched.fire(job.ID)
	entries, _ = os.ReadDir(triggersDir)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(triggersDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "daily check-in\\n\\n---\\n\\nPriority")
}

type fakeSender struct {
	sent []string
	fail map[string]bool
}

func (f *fakeSender) Send(ctx context.Context, key string, input []types.Message) (string, error) {
	f.sent = append(f.sent, key)
	if f.fail[key] {
		return "", assertErr
	}
	return "exec-1", nil
}

var assertErr = &sendError{"send failed"}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }

func TestTriggerWatcher_Invariant9_DrainsExistingInTimestampOrder(t *testing.T) {
	dir := t.TempDir()
	jobs := newTestStore(t)

	early := time.UnixMilli(1000)
	late := time.UnixMilli(2000)
	require.NoError(t, writeTrigger(dir, Trigger{JobID: "b", Target: "chat:late", FiredAt: late}))
	require.NoError(t, writeTrigger(dir, Trigger{JobID: "a", Target: "chat:early", FiredAt: early}))

	sender := &fakeSender{}
	w, err := NewTriggerWatcher(dir, sender, jobs, "chat:default", nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	w.drainExisting(ctx)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, []string{"chat:early", "chat:late"}, sender.sent)

	remaining, _ := os.ReadDir(dir)
	assert.Empty(t, remaining, "delivered triggers must be deleted")
}

func TestTriggerWatcher_Invariant10_FailureDeliveryPreservesFile(t *testing.T) {
	dir := t.TempDir()
	jobs := newTestStore(t)

	require.NoError(t, writeTrigger(dir, Trigger{JobID: "x", Target: "chat:bad", FiredAt: time.UnixMilli(500)}))

	sender := &fakeSender{fail: map[string]bool{"chat:bad": true}}
	var gotErr error
	w, err := NewTriggerWatcher(dir, sender, jobs, "chat:default", func(jobID string, err error) { gotErr = err }, nil)
	require.NoError(t, err)

	w.drainExisting(context.Background())

	require.Error(t, gotErr)
	remaining, _ := os.ReadDir(dir)
	require.Len(t, remaining, 1, "a failed delivery must preserve the trigger file for retry")
}
