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

// Package session holds the in-memory state a Session owns (spec §4.1): the
// ordered timeline, the reactive knob map used by components, and the
// fan-out event subscriber list. It knows nothing about how ticks run —
// that is pkg/engine's job, driven against the accessors here — matching
// loom's separation of pkg/agent.Session (state) from the conversation loop
// that drives it (pkg/agent.Agent.runConversationLoop).
package session

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/internal/pubsub"
	"github.com/teradata-labs/tentickle/pkg/events"
	"github.com/teradata-labs/tentickle/pkg/types"
)

// Session is the unit of conversation (spec §3, §4.1).
type Session struct {
	mu sync.RWMutex

	id                 string
	parentID           string
	forkAfterMessageID string
	sessType           types.SessionType
	workspacePath      string
	ownerEntityID      string
	status             types.SessionStatus
	tick               int

	timeline []types.Message
	knobs    map[string]json.RawMessage

	inputQueue [][]types.Message
	running    bool

	pendingConfirm map[string]chan bool

	broker *pubsub.Broker[events.Event]
	seq    events.Sequencer
	logger *zap.Logger
}

// New constructs an empty Session. Restoring one from persistence is
// Restore's job.
func New(id string, sessType types.SessionType, workspacePath, ownerEntityID string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:             id,
		sessType:       sessType,
		workspacePath:  workspacePath,
		ownerEntityID:  ownerEntityID,
		status:         types.SessionActive,
		knobs:          make(map[string]json.RawMessage),
		pendingConfirm: make(map[string]chan bool),
		broker:         pubsub.NewBroker[events.Event](pubsub.DefaultBufferSize, logger),
		logger:         logger,
	}
}

// Restore rebuilds a Session from a persisted snapshot (pkg/store.Snapshot),
// reusing its timeline, tick counter and knob map verbatim.
func Restore(id string, sessType types.SessionType, workspacePath, ownerEntityID string, status types.SessionStatus,
	tick int, timeline []types.Message, knobs map[string]json.RawMessage, logger *zap.Logger) *Session {
	s := New(id, sessType, workspacePath, ownerEntityID, logger)
	s.status = status
	s.tick = tick
	s.timeline = timeline
	if knobs != nil {
		s.knobs = knobs
	}
	return s
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Type() types.SessionType     { return s.sessType }
func (s *Session) WorkspacePath() string       { return s.workspacePath }
func (s *Session) OwnerEntityID() string       { return s.ownerEntityID }
func (s *Session) Status() types.SessionStatus { return s.status }
func (s *Session) Tick() int                   { return s.tick }

func (s *Session) SetStatus(status types.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// BumpTick advances the session's monotone tick counter; t is only applied
// if it exceeds the current value (spec §3 Session invariant).
func (s *Session) BumpTick(t int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t > s.tick {
		s.tick = t
	}
}

// Timeline returns a copy of the current in-memory timeline.
func (s *Session) Timeline() []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Message, len(s.timeline))
	copy(out, s.timeline)
	return out
}

// AppendEntry appends m to the in-memory timeline and returns its index —
// the engine calls this at commit time, immediately before emitting
// entry_committed (spec §4.1 step 3).
func (s *Session) AppendEntry(m types.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append(s.timeline, m)
	return len(s.timeline) - 1
}

// Knob reads a reactive-state value by key.
func (s *Session) Knob(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.knobs[key]
	return v, ok
}

// SetKnob writes a reactive-state value. Used for component state (e.g.
// timeline compaction's `ref:<index>` expansion flags, spec §4.6).
func (s *Session) SetKnob(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knobs[key] = value
}

// DeleteKnob removes a key — used by the engine to consume a compaction
// expansion knob in the render pass that reads it (spec §4.6).
func (s *Session) DeleteKnob(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.knobs, key)
}

// Knobs returns a shallow copy of the full knob map, e.g. for snapshot save.
func (s *Session) Knobs() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.knobs))
	for k, v := range s.knobs {
		out[k] = v
	}
	return out
}

// NextSequence assigns the next monotone per-session event sequence number
// (spec §5 ordering guarantee).
func (s *Session) NextSequence() uint64 {
	return s.seq.Next()
}

// Publish fans ev out to every subscriber (spec §4.1 "fan-out event
// subscriber list"); critical events (entry_committed, tick_end,
// execution_end) must be delivered or the subscriber is evicted.
func (s *Session) Publish(ev events.Event) {
	s.broker.Publish(ev, func(e events.Event) bool { return e.Critical() })
}

// Subscribe attaches a listener to this session's event stream (spec §4.1
// "subscribe(filter)").
func (s *Session) Subscribe(filter func(events.Event) bool) *pubsub.Subscription[events.Event] {
	return s.broker.Subscribe(filter)
}

// Enqueue queues an input batch for the next execution when one is already
// running (spec §4.1 send(): "If an execution is already running, the
// input is queued").
func (s *Session) Enqueue(input []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputQueue = append(s.inputQueue, input)
}

// DequeueNext pops the oldest queued input batch, if any.
func (s *Session) DequeueNext() ([]types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputQueue) == 0 {
		return nil, false
	}
	next := s.inputQueue[0]
	s.inputQueue = s.inputQueue[1:]
	return next, true
}

// TryBeginExecution atomically claims the running slot; returns false if an
// execution is already running (caller should Enqueue instead).
func (s *Session) TryBeginExecution() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

// EndExecution releases the running slot.
func (s *Session) EndExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// AwaitConfirmation blocks the calling tool until a client resolves the
// confirmation request for toolUseID, or ctx is cancelled (spec §4.1 step 4:
// a tool "requests user confirmation (suspending the tool until the response
// arrives)"). At most one waiter per toolUseID; registering twice replaces
// the earlier, now-orphaned waiter.
func (s *Session) AwaitConfirmation(ctx context.Context, toolUseID string) (bool, error) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.pendingConfirm[toolUseID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.pendingConfirm[toolUseID] == ch {
			delete(s.pendingConfirm, toolUseID)
		}
		s.mu.Unlock()
	}()

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ResolveConfirmation answers a pending confirmation request. Returns false
// if no tool is waiting on toolUseID (already resolved, or never requested).
func (s *Session) ResolveConfirmation(toolUseID string, approved bool) bool {
	s.mu.Lock()
	ch, ok := s.pendingConfirm[toolUseID]
	if ok {
		delete(s.pendingConfirm, toolUseID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// Close shuts down the session's event broker, evicting all subscribers.
func (s *Session) Close() {
	s.broker.Close()
}
