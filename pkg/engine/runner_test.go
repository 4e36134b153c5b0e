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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/tentickle/pkg/events"
	"github.com/teradata-labs/tentickle/pkg/session"
	"github.com/teradata-labs/tentickle/pkg/types"
)

// fakePersister records every call instead of touching a database, so
// Runner tests exercise only the state machine.
type fakePersister struct {
	mu          sync.Mutex
	executions  []string
	tickStarts  []int
	committed   []types.Message
	tickEnds    []int
	completions []types.ExecutionStatus
}

func (p *fakePersister) CreateExecution(_ context.Context, execID, _ string, _ types.TriggerType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executions = append(p.executions, execID)
	return nil
}

func (p *fakePersister) RecordTickStart(_ context.Context, _ string, tick int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickStarts = append(p.tickStarts, tick)
	return nil
}

func (p *fakePersister) CommitEntry(_ context.Context, _ string, entry types.Message, _ string, _, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, entry)
	return nil
}

func (p *fakePersister) RecordTickEnd(_ context.Context, _ string, tick int, _ string, _ types.Usage, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickEnds = append(p.tickEnds, tick)
	return nil
}

func (p *fakePersister) CompleteExecution(_ context.Context, _ string, status types.ExecutionStatus, _ int, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, status)
	return nil
}

// scriptedModel returns one canned ModelResponse per call, in order.
type scriptedModel struct {
	responses []*types.ModelResponse
	calls     int
	block     chan struct{} // if set, Call waits on this channel before returning
}

func (m *scriptedModel) Name() string  { return "fake" }
func (m *scriptedModel) Model() string { return "fake-model" }

func (m *scriptedModel) Call(ctx context.Context, _ []types.Message, _ []types.ToolSchema) (*types.ModelResponse, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	i := m.calls
	m.calls++
	return m.responses[i], nil
}

// echoTool returns a fixed result for every call.
type echoTool struct {
	name string
	text string
}

func (t *echoTool) Schema() types.ToolSchema {
	return types.ToolSchema{Name: t.name}
}

func (t *echoTool) Call(_ context.Context, _ types.ToolCall) ([]types.ContentBlock, bool, error) {
	return []types.ContentBlock{{Type: types.BlockText, TextContent: t.text}}, false, nil
}

func TestRunner_S1_TwoTickToolUse(t *testing.T) {
	model := &scriptedModel{responses: []*types.ModelResponse{
		{
			Text:       "Let me check.",
			ToolCalls:  []types.ToolCall{{ID: "tc-1", Name: "grep", Input: map[string]any{"pattern": "TODO"}}},
			StopReason: "tool_use",
		},
		{
			Text:       "Found 3 TODO comments in the codebase.",
			StopReason: "end_turn",
		},
	}}
	cfg := ExecutionConfig{
		Model: model,
		Tools: NewToolCatalogue(&echoTool{name: "grep", text: "Found 3 TODOs"}),
	}
	persister := &fakePersister{}
	runner := NewRunner(persister, nil)
	sess := session.New("s1", types.SessionTypeChat, "/workspace", "owner-1", nil)

	exec, err := runner.Run(context.Background(), sess, cfg, types.TriggerSend,
		[]types.Message{{Role: types.RoleUser, Blocks: []types.ContentBlock{{Type: types.BlockText, TextContent: "Find all TODO comments"}}}})

	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.TickCount)

	require.Len(t, persister.committed, 4, "user, assistant@tick1, tool@tick1, assistant@tick2")
	assert.Equal(t, types.RoleUser, persister.committed[0].Role)
	assert.Equal(t, types.RoleAssistant, persister.committed[1].Role)
	assert.Equal(t, types.RoleTool, persister.committed[2].Role)
	assert.Equal(t, types.RoleAssistant, persister.committed[3].Role)

	assert.Equal(t, []int{1, 2}, persister.tickStarts)
}

func TestRunner_Invariant15_AbortDuringToolCallEndsExecutionAborted(t *testing.T) {
	block := make(chan struct{})
	model := &scriptedModel{
		responses: []*types.ModelResponse{{
			Text:       "working",
			ToolCalls:  []types.ToolCall{{ID: "tc-1", Name: "slow"}},
			StopReason: "tool_use",
		}},
	}
	cfg := ExecutionConfig{
		Model: model,
		Tools: NewToolCatalogue(&blockingTool{unblock: block}),
	}
	persister := &fakePersister{}
	runner := NewRunner(persister, nil)
	sess := session.New("s2", types.SessionTypeChat, "/workspace", "owner-1", nil)

	ctx, cancel := context.WithCancel(context.Background())

	sub := sess.Subscribe(func(e events.Event) bool { return e.Type == events.ExecutionEnd })

	done := make(chan struct{})
	var exec *types.Execution
	go func() {
		exec, _ = runner.Run(ctx, sess, cfg, types.TriggerSend,
			[]types.Message{{Role: types.RoleUser}})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after abort")
	}

	require.NotNil(t, exec)
	assert.Equal(t, types.ExecutionAborted, exec.Status)

	select {
	case ev := <-sub.C:
		assert.True(t, ev.Aborted)
	default:
		t.Fatal("execution_end was not published")
	}
}

type blockingTool struct{ unblock chan struct{} }

func (t *blockingTool) Schema() types.ToolSchema { return types.ToolSchema{Name: "slow"} }

func (t *blockingTool) Call(ctx context.Context, _ types.ToolCall) ([]types.ContentBlock, bool, error) {
	select {
	case <-t.unblock:
	case <-ctx.Done():
	}
	return []types.ContentBlock{{Type: types.BlockText, TextContent: "done"}}, false, nil
}

func TestCompactTimeline_S6(t *testing.T) {
	execStart := time.Now()
	old := execStart.Add(-time.Hour)

	longText := ""
	for i := 0; i < 50; i++ {
		longText += "this sentence pads out the tool result past the summarization threshold. "
	}

	timeline := []types.Message{
		{Role: types.RoleUser, CreatedAt: old, Blocks: []types.ContentBlock{
			{Type: types.BlockImage}, {Type: types.BlockText, TextContent: "look at this"},
		}},
		{Role: types.RoleAssistant, CreatedAt: old, Blocks: []types.ContentBlock{
			{Type: types.BlockText, TextContent: "sure, one moment"},
		}},
		{Role: types.RoleTool, CreatedAt: old, Blocks: []types.ContentBlock{
			{Type: types.BlockText, TextContent: longText},
		}},
		{Role: types.RoleUser, CreatedAt: old, Blocks: []types.ContentBlock{
			{Type: types.BlockText, TextContent: "thanks"},
		}},
		{Role: types.RoleAssistant, CreatedAt: execStart.Add(time.Minute), Blocks: []types.ContentBlock{
			{Type: types.BlockText, TextContent: "current turn, unchanged"},
		}},
	}

	out := compactTimeline(timeline, execStart, func(int) bool { return false })

	require.Len(t, out, 5)
	assert.Nil(t, out[0].Blocks, "user(media) summarized")
	assert.Contains(t, out[0].Preview, "image")
	assert.Equal(t, timeline[1], out[1], "assistant never modified")
	assert.Nil(t, out[2].Blocks, "tool(long text) summarized")
	assert.Contains(t, out[2].Preview, "…")
	assert.Equal(t, timeline[3], out[3], "user(text-only) unchanged")
	assert.Equal(t, timeline[4], out[4], "current-execution message unchanged")
}

// gatedModel blocks its first call on gate, then answers every call with a
// plain end_turn response.
type gatedModel struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (m *gatedModel) Name() string  { return "fake" }
func (m *gatedModel) Model() string { return "fake-model" }

func (m *gatedModel) Call(ctx context.Context, _ []types.Message, _ []types.ToolSchema) (*types.ModelResponse, error) {
	m.mu.Lock()
	n := m.calls
	m.calls++
	m.mu.Unlock()
	if n == 0 {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &types.ModelResponse{Text: "ok", StopReason: "end_turn"}, nil
}

func TestRunner_QueuedInputDrainsAsFollowupExecution(t *testing.T) {
	model := &gatedModel{gate: make(chan struct{})}
	cfg := ExecutionConfig{Model: model, Tools: NewToolCatalogue()}
	persister := &fakePersister{}
	runner := NewRunner(persister, nil)
	sess := session.New("s3", types.SessionTypeChat, "/workspace", "owner-1", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := runner.Run(context.Background(), sess, cfg, types.TriggerSend,
			[]types.Message{{Role: types.RoleUser, Preview: "first"}})
		assert.NoError(t, err)
	}()

	// wait for the first execution to claim the slot and reach the model
	require.Eventually(t, func() bool {
		persister.mu.Lock()
		defer persister.mu.Unlock()
		return len(persister.executions) == 1
	}, 2*time.Second, 5*time.Millisecond)

	exec, err := runner.Run(context.Background(), sess, cfg, types.TriggerSend,
		[]types.Message{{Role: types.RoleUser, Preview: "second"}})
	require.NoError(t, err)
	assert.Nil(t, exec, "a running execution means the input is queued, not run")

	close(model.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first Run did not finish")
	}

	persister.mu.Lock()
	defer persister.mu.Unlock()
	assert.Len(t, persister.executions, 2, "the queued batch must run as its own execution")
	var previews []string
	for _, m := range persister.committed {
		if m.Role == types.RoleUser {
			previews = append(previews, m.Preview)
		}
	}
	assert.Equal(t, []string{"first", "second"}, previews)
}

// confirmTool asks for confirmation on the first call and produces its
// result only once re-invoked with Confirmed set.
type confirmTool struct{}

func (t *confirmTool) Schema() types.ToolSchema { return types.ToolSchema{Name: "deploy"} }

func (t *confirmTool) Call(_ context.Context, call types.ToolCall) ([]types.ContentBlock, bool, error) {
	if !call.Confirmed {
		return nil, true, nil
	}
	return []types.ContentBlock{{Type: types.BlockText, TextContent: "deployed"}}, false, nil
}

func TestRunner_ToolConfirmationSuspendsUntilResolved(t *testing.T) {
	model := &scriptedModel{responses: []*types.ModelResponse{
		{ToolCalls: []types.ToolCall{{ID: "tc-9", Name: "deploy"}}, StopReason: "tool_use"},
		{Text: "done", StopReason: "end_turn"},
	}}
	cfg := ExecutionConfig{Model: model, Tools: NewToolCatalogue(&confirmTool{})}
	persister := &fakePersister{}
	runner := NewRunner(persister, nil)
	sess := session.New("s4", types.SessionTypeChat, "/workspace", "owner-1", nil)

	sub := sess.Subscribe(func(e events.Event) bool { return e.Type == events.ToolConfirmationRequest })

	done := make(chan struct{})
	go func() {
		defer close(done)
		exec, err := runner.Run(context.Background(), sess, cfg, types.TriggerSend,
			[]types.Message{{Role: types.RoleUser}})
		assert.NoError(t, err)
		assert.Equal(t, types.ExecutionCompleted, exec.Status)
	}()

	select {
	case ev := <-sub.C:
		assert.Equal(t, "tc-9", ev.ToolUseID)
		require.True(t, sess.ResolveConfirmation("tc-9", true))
	case <-time.After(2 * time.Second):
		t.Fatal("tool_confirmation_request was never published")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after the confirmation was approved")
	}

	persister.mu.Lock()
	defer persister.mu.Unlock()
	var toolTexts []string
	for _, m := range persister.committed {
		if m.Role == types.RoleTool {
			for _, b := range m.Blocks {
				toolTexts = append(toolTexts, b.TextContent)
			}
		}
	}
	assert.Equal(t, []string{"deployed"}, toolTexts)
}

// flakyModel fails with a retryable error until failures is exhausted.
type flakyModel struct {
	failures int
	calls    int
}

func (m *flakyModel) Name() string  { return "fake" }
func (m *flakyModel) Model() string { return "fake-model" }

func (m *flakyModel) Call(_ context.Context, _ []types.Message, _ []types.ToolSchema) (*types.ModelResponse, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, types.Retryable(errRateLimited)
	}
	return &types.ModelResponse{Text: "recovered", StopReason: "end_turn"}, nil
}

var errRateLimited = &modelErr{"rate limited"}

type modelErr struct{ msg string }

func (e *modelErr) Error() string { return e.msg }

func TestRunner_RetryableModelErrorIsRetriedWithBackoff(t *testing.T) {
	model := &flakyModel{failures: 2}
	cfg := ExecutionConfig{Model: model, Tools: NewToolCatalogue(), ModelRetries: 3}
	persister := &fakePersister{}
	runner := NewRunner(persister, nil)
	sess := session.New("s5", types.SessionTypeChat, "/workspace", "owner-1", nil)

	exec, err := runner.Run(context.Background(), sess, cfg, types.TriggerSend,
		[]types.Message{{Role: types.RoleUser}})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, model.calls, "two transient failures then success")
}

func TestRunner_NonRetryableModelErrorFailsExecution(t *testing.T) {
	broken := &protocolErrModel{}
	cfg := ExecutionConfig{Model: broken, Tools: NewToolCatalogue()}
	persister := &fakePersister{}
	runner := NewRunner(persister, nil)
	sess := session.New("s6", types.SessionTypeChat, "/workspace", "owner-1", nil)

	exec, err := runner.Run(context.Background(), sess, cfg, types.TriggerSend,
		[]types.Message{{Role: types.RoleUser}})
	require.Error(t, err)
	assert.Equal(t, types.ExecutionFailed, exec.Status)
	assert.Equal(t, 1, broken.calls, "protocol errors are not retried")

	persister.mu.Lock()
	defer persister.mu.Unlock()
	require.NotEmpty(t, persister.completions)
	assert.Equal(t, types.ExecutionFailed, persister.completions[len(persister.completions)-1])
}

type protocolErrModel struct{ calls int }

func (m *protocolErrModel) Name() string  { return "fake" }
func (m *protocolErrModel) Model() string { return "fake-model" }

func (m *protocolErrModel) Call(_ context.Context, _ []types.Message, _ []types.ToolSchema) (*types.ModelResponse, error) {
	m.calls++
	return nil, &modelErr{"malformed response"}
}

func TestCompactTimeline_ExpansionKnobRestoresFullMessage(t *testing.T) {
	execStart := time.Now()
	old := execStart.Add(-time.Hour)

	timeline := []types.Message{
		{Role: types.RoleTool, CreatedAt: old, Blocks: []types.ContentBlock{
			{Type: types.BlockText, TextContent: "short result"},
		}},
	}

	expanded := compactTimeline(timeline, execStart, func(i int) bool { return i == 0 })
	assert.Equal(t, timeline[0], expanded[0], "an expanded message renders at full fidelity")

	collapsed := compactTimeline(timeline, execStart, func(int) bool { return false })
	assert.Nil(t, collapsed[0].Blocks, "without the knob the tool message is summarized")
}
