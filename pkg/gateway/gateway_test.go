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

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/tentickle/pkg/session"
	"github.com/teradata-labs/tentickle/pkg/types"
)

type fakeApp struct {
	name    string
	opens   int32
	execs   int32
	blockCh chan struct{}
}

func (a *fakeApp) Name() string { return a.name }

func (a *fakeApp) Open(ctx context.Context, localKey string) (*session.Session, error) {
	atomic.AddInt32(&a.opens, 1)
	time.Sleep(5 * time.Millisecond) // widen the dedup race window
	return session.New(a.name+":"+localKey, types.SessionTypeChat, "", localKey, nil), nil
}

func (a *fakeApp) Execute(ctx context.Context, sess *session.Session, trigger types.TriggerType, input []types.Message) (*types.Execution, error) {
	atomic.AddInt32(&a.execs, 1)
	if a.blockCh != nil {
		select {
		case <-a.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &types.Execution{ID: "exec-1", SessionID: sess.ID(), Status: types.ExecutionCompleted}, nil
}

func TestParseSessionKey(t *testing.T) {
	app, local, err := ParseSessionKey("chat:alice")
	require.NoError(t, err)
	assert.Equal(t, "chat", app)
	assert.Equal(t, "alice", local)

	app, local, err = ParseSessionKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "", app)
	assert.Equal(t, "alice", local)

	_, _, err = ParseSessionKey("has a space")
	assert.Error(t, err)

	_, _, err = ParseSessionKey("")
	assert.Error(t, err)
}

func TestEntryFor_ConcurrentCreationDedupes(t *testing.T) {
	app := &fakeApp{name: "chat"}
	gw := New("chat", nil)
	gw.Register(app)

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := gw.sessionFor(context.Background(), "chat:alice")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&app.opens), "concurrent Opens for the same key must dedupe to one")
}

func TestSend_ReturnsExecutionIDFromExecutor(t *testing.T) {
	app := &fakeApp{name: "chat"}
	gw := New("chat", nil)
	gw.Register(app)

	execID, err := gw.Send(context.Background(), "chat:bob", nil)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", execID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&app.execs))
}

func TestAbort_CancelsExecutionContextNotFutureSends(t *testing.T) {
	app := &fakeApp{name: "chat", blockCh: make(chan struct{})}
	gw := New("chat", nil)
	gw.Register(app)

	entry, err := gw.entryFor(context.Background(), "chat:carol")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := gw.Send(context.Background(), "chat:carol", nil)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, gw.Abort(context.Background(), "chat:carol"))
	close(app.blockCh)
	<-done

	entry2, err := gw.entryFor(context.Background(), "chat:carol")
	require.NoError(t, err)
	assert.Same(t, entry, entry2, "Abort must not destroy the session entry")

	_, err = gw.Send(context.Background(), "chat:carol", nil)
	assert.NoError(t, err, "a session must remain usable for new Sends after a prior abort resolved")
}

func TestStop_DrainsWithinGracePeriod(t *testing.T) {
	app := &fakeApp{name: "chat"}
	gw := New("chat", nil)
	gw.Register(app)

	_, _, err := gw.sessionFor(context.Background(), "chat:dave")
	require.NoError(t, err)

	start := time.Now()
	gw.Stop()
	assert.Less(t, time.Since(start), DrainGracePeriod, "Stop must not need the full grace period when nothing is blocked")
}

func TestConfirm_NoPendingConfirmationIsAnError(t *testing.T) {
	app := &fakeApp{name: "chat"}
	gw := New("chat", nil)
	gw.Register(app)

	err := gw.Confirm(context.Background(), "chat:erin", "tu-404", true)
	assert.Error(t, err, "resolving a confirmation nothing is waiting on must fail")
}

func TestConfirm_ResolvesAWaitingTool(t *testing.T) {
	app := &fakeApp{name: "chat"}
	gw := New("chat", nil)
	gw.Register(app)

	sess, _, err := gw.sessionFor(context.Background(), "chat:frank")
	require.NoError(t, err)

	got := make(chan bool, 1)
	go func() {
		approved, err := sess.AwaitConfirmation(context.Background(), "tu-1")
		assert.NoError(t, err)
		got <- approved
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, gw.Confirm(context.Background(), "chat:frank", "tu-1", true))
	select {
	case approved := <-got:
		assert.True(t, approved)
	case <-time.After(time.Second):
		t.Fatal("AwaitConfirmation did not resolve")
	}
}
