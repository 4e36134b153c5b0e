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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/events"
	"github.com/teradata-labs/tentickle/pkg/session"
	"github.com/teradata-labs/tentickle/pkg/types"
)

const mountedKnob = "__engine_mounted"

// Runner drives one or more executions against Sessions, persisting every
// event through a Persister as it goes (spec §4.1, §4.3). A single Runner
// is shared across Sessions; it holds no per-execution state itself.
//
// Spawn capability (spec §4.1 "ctx.spawn"): rather than threading a spawn
// function through the Tool interface, a Tool that needs to spawn children
// embeds a *Runner at construction time and calls Runner.Spawn directly —
// narrower than plumbing a capability object through every tool call, and
// consistent with this engine's other external collaborators (ModelClient,
// Sandbox) being plain dependencies rather than context values.
type Runner struct {
	persister Persister
	logger    *zap.Logger
}

// NewRunner builds a Runner bound to a Persister.
func NewRunner(persister Persister, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{persister: persister, logger: logger}
}

// SpawnOptions configures a child session created via Runner.Spawn (spec
// §4.1 "ctx.spawn(Agent, input, {label, maxTicks})").
type SpawnOptions struct {
	Label    string
	MaxTicks int
}

// SpawnHandle is awaited by the tool that spawned a child session; it
// resolves when the child execution ends.
type SpawnHandle struct {
	Session *session.Session
	done    chan struct{}
	result  types.Execution
	err     error
}

// Wait blocks until the child execution completes.
func (h *SpawnHandle) Wait() (types.Execution, error) {
	<-h.done
	return h.result, h.err
}

// Spawn creates a child Session sharing the parent's workspace, runs cfg to
// completion on it, and returns a handle the calling tool can await without
// blocking other tools dispatched in the same tick (spec §4.1 "Spawning").
// Aborting parentCtx cancels the child: "a spawn tree MUST terminate when
// the root session terminates".
func (r *Runner) Spawn(parentCtx context.Context, parent *session.Session, cfg ExecutionConfig,
	input []types.Message, opts SpawnOptions) *SpawnHandle {
	child := session.New(uuid.NewString(), types.SessionTypeSpawn, parent.WorkspacePath(), parent.OwnerEntityID(), r.logger)
	if opts.MaxTicks > 0 {
		cfg.MaxTicks = opts.MaxTicks
	}
	h := &SpawnHandle{Session: child, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		exec, err := r.Run(parentCtx, child, cfg, types.TriggerSpawn, input)
		if exec != nil {
			h.result = *exec
		}
		h.err = err
	}()
	return h
}

// Run executes cfg against sess starting from trigger and the given input
// batch, implementing the state machine of spec §4.1: start -> render ->
// call_model -> commit -> dispatch_tools -> continuation, looping until the
// ContinuationPolicy says stop, MaxTicks is reached, or ctx is cancelled
// ("abort" — cooperative, checked at every suspension point per spec §5).
//
// If an execution is already running on sess, input is queued and Run
// returns (nil, nil); the running call drains the queue one batch at a
// time, each as its own execution, before releasing the session.
func (r *Runner) Run(ctx context.Context, sess *session.Session, cfg ExecutionConfig,
	trigger types.TriggerType, input []types.Message) (*types.Execution, error) {

	if !sess.TryBeginExecution() {
		sess.Enqueue(input)
		return nil, nil
	}
	defer sess.EndExecution()

	if cfg.Model == nil {
		return nil, fmt.Errorf("engine: ExecutionConfig.Model is nil; no model provider is wired for session %s", sess.ID())
	}

	exec, err := r.runExecution(ctx, sess, cfg, trigger, input)
	if err != nil || (exec != nil && exec.Status == types.ExecutionAborted) {
		return exec, err
	}

	for {
		next, ok := sess.DequeueNext()
		if !ok || ctx.Err() != nil {
			break
		}
		if _, qerr := r.runExecution(ctx, sess, cfg, types.TriggerSend, next); qerr != nil {
			break
		}
	}
	return exec, err
}

func (r *Runner) runExecution(ctx context.Context, sess *session.Session, cfg ExecutionConfig,
	trigger types.TriggerType, input []types.Message) (*types.Execution, error) {

	execID := uuid.NewString()
	started := time.Now()

	if err := r.persister.CreateExecution(ctx, execID, sess.ID(), trigger); err != nil {
		return nil, fmt.Errorf("engine: create execution: %w", err)
	}
	sess.Publish(events.Event{
		Type: events.ExecutionStart, SessionID: sess.ID(), ExecutionID: execID,
		Sequence: sess.NextSequence(), Timestamp: time.Now(),
	})

	if err := r.mountOnce(ctx, sess, cfg); err != nil {
		return r.fail(ctx, sess, execID, started, 0, fmt.Errorf("engine: mount grounding providers: %w", err))
	}

	var newEntries []types.Message
	for _, m := range input {
		committed, err := r.commit(ctx, sess, execID, sess.Tick(), m)
		if err != nil {
			return r.fail(ctx, sess, execID, started, 0, err)
		}
		newEntries = append(newEntries, committed)
	}

	tickCount := 0
	aborted := false
	var lastErr error

tickLoop:
	for {
		if ctx.Err() != nil {
			aborted = true
			break
		}

		tick := sess.Tick() + 1
		sess.BumpTick(tick)
		tickCount++

		if err := r.persister.RecordTickStart(ctx, execID, tick); err != nil {
			lastErr = fmt.Errorf("engine: record tick start: %w", err)
			break
		}
		sess.Publish(events.Event{
			Type: events.TickStart, SessionID: sess.ID(), ExecutionID: execID, Tick: tick,
			Sequence: sess.NextSequence(), Timestamp: time.Now(),
		})

		system, err := r.render(ctx, sess, cfg, started)
		if err != nil {
			lastErr = fmt.Errorf("engine: render: %w", err)
			break
		}

		resp, err := r.callModel(ctx, cfg, system)
		if err != nil {
			if terr := r.persister.RecordTickEnd(ctx, execID, tick, modelName(cfg.Model), types.Usage{}, "error"); terr != nil {
				r.logger.Sugar().Warnf("engine: record tick end after model error: %v", terr)
			}
			return r.fail(ctx, sess, execID, started, tickCount, fmt.Errorf("engine: call model: %w", err))
		}

		assistant := assistantMessage(sess.ID(), execID, tick, resp)
		committed, err := r.commit(ctx, sess, execID, tick, assistant)
		if err != nil {
			lastErr = err
			break
		}
		newEntries = append(newEntries, committed)

		toolResults := r.dispatchTools(ctx, sess, cfg, execID, tick, resp.ToolCalls)
		for _, tr := range toolResults {
			committed, err := r.commit(ctx, sess, execID, tick, tr)
			if err != nil {
				lastErr = err
				break tickLoop
			}
			newEntries = append(newEntries, committed)
		}

		if err := r.persister.RecordTickEnd(ctx, execID, tick, modelName(cfg.Model), resp.Usage, resp.StopReason); err != nil {
			r.logger.Sugar().Warnf("engine: record tick end: %v", err)
		}
		sess.Publish(events.Event{
			Type: events.TickEnd, SessionID: sess.ID(), ExecutionID: execID, Tick: tick,
			Sequence: sess.NextSequence(), Timestamp: time.Now(),
			Model: modelName(cfg.Model), Usage: resp.Usage, StopReason: resp.StopReason,
		})

		if ctx.Err() != nil {
			aborted = true
			break
		}
		if tick >= cfg.maxTicks() {
			break
		}
		if !cfg.continuation()(TickResult{Tick: tick, StopReason: resp.StopReason, ToolCalls: len(resp.ToolCalls), Usage: resp.Usage}) {
			break
		}
	}

	status := types.ExecutionCompleted
	errMsg := ""
	switch {
	case lastErr != nil:
		status = types.ExecutionFailed
		errMsg = lastErr.Error()
	case aborted:
		status = types.ExecutionAborted
	}

	if err := r.persister.CompleteExecution(ctx, execID, status, tickCount, errMsg); err != nil {
		r.logger.Sugar().Warnf("engine: complete execution: %v", err)
	}
	sess.SetStatus(statusForExecution(status))
	sess.Publish(events.Event{
		Type: events.ExecutionEnd, SessionID: sess.ID(), ExecutionID: execID,
		Sequence: sess.NextSequence(), Timestamp: time.Now(),
		Aborted: aborted, Error: errMsg, NewTimelineEntries: newEntries,
	})

	return &types.Execution{
		ID: execID, SessionID: sess.ID(), Trigger: trigger, Status: status,
		TickCount: tickCount, Error: errMsg, StartedAt: started,
	}, lastErr
}

// callModel submits the rendered payload, retrying transient errors
// (types.IsRetryable) with exponential backoff up to cfg.modelRetries()
// attempts. Protocol/parse errors are not retried (spec §7).
func (r *Runner) callModel(ctx context.Context, cfg ExecutionConfig, payload []types.Message) (*types.ModelResponse, error) {
	backoff := modelRetryBaseBackoff
	attempts := cfg.modelRetries()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := cfg.Model.Call(ctx, payload, cfg.Tools.Schemas())
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !types.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		r.logger.Sugar().Warnf("engine: transient model error (attempt %d/%d): %v", attempt, attempts, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, lastErr
}

func statusForExecution(s types.ExecutionStatus) types.SessionStatus {
	switch s {
	case types.ExecutionFailed:
		return types.SessionFailed
	default:
		return types.SessionActive
	}
}

func modelName(m types.ModelClient) string {
	if m == nil {
		return ""
	}
	return m.Model()
}

// fail records a model-call failure (spec §4.1 "Failure semantics": "A
// model error during call_model emits execution_end with error field").
func (r *Runner) fail(ctx context.Context, sess *session.Session, execID string, started time.Time, tickCount int, err error) (*types.Execution, error) {
	errMsg := err.Error()
	if cerr := r.persister.CompleteExecution(ctx, execID, types.ExecutionFailed, tickCount, errMsg); cerr != nil {
		r.logger.Sugar().Warnf("engine: complete execution after failure: %v", cerr)
	}
	sess.SetStatus(types.SessionFailed)
	sess.Publish(events.Event{
		Type: events.ExecutionEnd, SessionID: sess.ID(), ExecutionID: execID,
		Sequence: sess.NextSequence(), Timestamp: time.Now(),
		Error: errMsg,
	})
	return &types.Execution{ID: execID, SessionID: sess.ID(), Status: types.ExecutionFailed, Error: errMsg, StartedAt: started, TickCount: tickCount}, err
}

// mountOnce runs every GroundingProvider's Init hook exactly once per
// session lifetime (spec §4.1 "useOnMount runs exactly once per session
// lifetime"), tracked via a reserved session knob so it survives restarts
// within the same process without a dedicated field on Session.
func (r *Runner) mountOnce(ctx context.Context, sess *session.Session, cfg ExecutionConfig) error {
	if _, ok := sess.Knob(mountedKnob); ok {
		return nil
	}
	for _, g := range cfg.Grounding {
		if err := g.Init(ctx); err != nil {
			return fmt.Errorf("grounding provider %q init: %w", g.Name(), err)
		}
	}
	sess.SetKnob(mountedKnob, []byte("true"))
	return nil
}

// render walks the grounding providers (useOnTickStart) and compacts the
// timeline, producing the prompt payload passed to the model client (spec
// §4.1 step 1). Rendering itself is pure; grounding I/O already happened in
// Init or a provider's own cached Refresh.
func (r *Runner) render(ctx context.Context, sess *session.Session, cfg ExecutionConfig, executionStart time.Time) ([]types.Message, error) {
	var sections []string
	for _, g := range cfg.Grounding {
		section, err := g.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("grounding provider %q refresh: %w", g.Name(), err)
		}
		if section != "" {
			sections = append(sections, section)
		}
	}

	timeline := sess.Timeline()
	compacted := compactTimeline(timeline, executionStart, func(i int) bool {
		v, ok := sess.Knob(expansionKnob(i))
		if ok {
			// one-shot: the expansion applies to this render pass only
			// (spec §4.6 "resets each execution").
			sess.DeleteKnob(expansionKnob(i))
		}
		return ok && string(v) == "true"
	})

	if len(sections) == 0 {
		return compacted, nil
	}
	system := types.Message{
		Role:    types.RoleSystem,
		Preview: strings.Join(sections, "\n\n"),
	}
	return append([]types.Message{system}, compacted...), nil
}

// commit appends m to the in-memory timeline, persists it, and emits
// entry_committed — always before any tool derived from it runs (spec §4.1
// step 3, §5 ordering guarantee).
func (r *Runner) commit(ctx context.Context, sess *session.Session, execID string, tick int, m types.Message) (types.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.SessionID = sess.ID()
	m.ExecutionID = execID
	m.Tick = tick
	m.CreatedAt = time.Now()

	seq := int(sess.NextSequence())
	m.SequenceInTick = seq
	idx := sess.AppendEntry(m)

	if err := r.persister.CommitEntry(ctx, sess.ID(), m, execID, tick, seq); err != nil {
		return m, fmt.Errorf("engine: commit entry: %w", err)
	}
	sess.Publish(events.Event{
		Type: events.EntryCommitted, SessionID: sess.ID(), ExecutionID: execID, Tick: tick,
		Sequence: sess.NextSequence(), Timestamp: time.Now(),
		Entry: &m, TimelineIndex: idx,
	})
	return m, nil
}

// dispatchTools routes every tool_use call to its tool, fanning out in
// parallel and joining before the tick ends (spec §4.1 step 4, §5 "tool
// dispatch fans out in parallel"). A tool requesting confirmation suspends
// on its own goroutine — other parallel tools keep running — until a client
// resolves it via Session.ResolveConfirmation or the execution is aborted.
// A tool ignoring ctx cancellation still runs to completion but its result
// is dropped (spec §5 "Cancellation").
func (r *Runner) dispatchTools(ctx context.Context, sess *session.Session, cfg ExecutionConfig,
	execID string, tick int, calls []types.ToolCall) (results []types.Message) {
	if len(calls) == 0 {
		return nil
	}

	type outcome struct {
		call   types.ToolCall
		blocks []types.ContentBlock
		err    error
	}

	out := make([]outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call types.ToolCall) {
			defer wg.Done()
			sess.Publish(events.Event{
				Type: events.ToolCallStart, SessionID: sess.ID(), ExecutionID: execID, Tick: tick,
				Sequence: sess.NextSequence(), Timestamp: time.Now(),
				CallID: call.ID, ToolName: call.Name, ToolInput: call.Input,
			})

			tool, ok := cfg.Tools.Lookup(call.Name)
			if !ok {
				out[i] = outcome{call: call, err: fmt.Errorf("engine: unknown tool %q", call.Name)}
				return
			}
			blocks, confirm, err := tool.Call(ctx, call)
			if confirm && err == nil {
				sess.Publish(events.Event{
					Type: events.ToolConfirmationRequest, SessionID: sess.ID(), ExecutionID: execID, Tick: tick,
					Sequence: sess.NextSequence(), Timestamp: time.Now(),
					ToolUseID: call.ID, ToolName: call.Name, Arguments: call.Input,
				})
				approved, werr := sess.AwaitConfirmation(ctx, call.ID)
				switch {
				case werr != nil:
					err = werr
				case approved:
					call.Confirmed = true
					blocks, _, err = tool.Call(ctx, call)
				default:
					err = fmt.Errorf("engine: tool %q declined by user", call.Name)
				}
			}
			out[i] = outcome{call: call, blocks: blocks, err: err}
		}(i, call)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// spec §5: a tool result for an aborted execution is dropped, not
		// committed — the caller's tickLoop will observe ctx.Err() next.
		return nil
	}

	for _, o := range out {
		blocks := o.blocks
		isError := o.err != nil
		if isError {
			// spec §4.1 "Failure semantics": tool errors are wrapped as a
			// tool_result with isError=true and fed back to the model, not
			// treated as an execution failure.
			blocks = []types.ContentBlock{{
				Type:        types.BlockToolResult,
				TextContent: o.err.Error(),
				ToolUseID:   o.call.ID,
				IsError:     true,
			}}
		}
		sess.Publish(events.Event{
			Type: events.ToolResult, SessionID: sess.ID(), ExecutionID: execID, Tick: tick,
			Sequence: sess.NextSequence(), Timestamp: time.Now(),
			CallID: o.call.ID, ToolName: o.call.Name, ResultBlocks: blocks, IsError: isError,
		})
		results = append(results, types.Message{
			Role:   types.RoleTool,
			Blocks: blocks,
		})
	}
	return results
}

// assistantMessage builds the committed timeline entry for one tick's model
// response: a text block (if any) followed by one tool_use block per call.
func assistantMessage(sessionID, execID string, tick int, resp *types.ModelResponse) types.Message {
	var blocks []types.ContentBlock
	if resp.Text != "" {
		blocks = append(blocks, types.ContentBlock{Type: types.BlockText, TextContent: resp.Text, Position: 0})
	}
	for _, tc := range resp.ToolCalls {
		blocks = append(blocks, types.ContentBlock{
			Type:      types.BlockToolUse,
			Position:  len(blocks),
			ToolName:  tc.Name,
			ToolUseID: tc.ID,
		})
	}
	m := types.Message{
		SessionID:   sessionID,
		ExecutionID: execID,
		Role:        types.RoleAssistant,
		Tick:        tick,
		Blocks:      blocks,
	}
	m.TruncatePreview(resp.Text)
	return m
}
