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

// Package events defines the execution event stream (spec §4.1, §6):
// execution_start, tick_start, entry_committed, tool_call_start,
// tool_result, tool_confirmation_request, tick_end, execution_end.
//
// Events are treated as a tagged union (spec §9 "Tagged unions for events
// and content"): one Event struct carries a Type discriminant plus the
// fields relevant to that type. Dispatch sites MUST handle every Type via
// Dispatch, which panics on an unhandled type so new event types cannot
// silently go unrouted — the Go-idiomatic stand-in for exhaustiveness
// checking on a closed sum type.
package events

import (
	"time"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// Type discriminates an Event.
type Type string

const (
	ExecutionStart          Type = "execution_start"
	TickStart               Type = "tick_start"
	EntryCommitted          Type = "entry_committed"
	ToolCallStart           Type = "tool_call_start"
	ToolResult              Type = "tool_result"
	ToolConfirmationRequest Type = "tool_confirmation_request"
	TickEnd                 Type = "tick_end"
	ExecutionEnd            Type = "execution_end"
	TickPartial             Type = "tick_partial" // non-critical, droppable
)

// Event is the wire envelope for every event emitted by an execution
// (spec §6 "Event envelope"). Every event carries session id, execution id
// and a monotone per-session Sequence assigned at emission time.
type Event struct {
	Type        Type
	SessionID   string
	ExecutionID string
	Tick        int
	Sequence    uint64
	Timestamp   time.Time

	// entry_committed
	Entry         *types.Message
	TimelineIndex int

	// tool_call_start / tool_result / tool_confirmation_request
	CallID       string
	ToolName     string
	ToolInput    map[string]any
	ResultBlocks []types.ContentBlock
	IsError      bool
	ToolUseID    string
	Arguments    map[string]any
	Message      string

	// tick_end
	Model      string
	Usage      types.Usage
	StopReason string

	// execution_end
	Aborted            bool
	Error              string
	NewTimelineEntries []types.Message
	Output             string
}

// Critical reports whether this event MUST be delivered to a subscriber
// rather than dropped under backpressure (spec §4.1, §5): entry_committed,
// tick_end and execution_end are critical; tick_partial and other progress
// events are not.
func (e Event) Critical() bool {
	switch e.Type {
	case EntryCommitted, TickEnd, ExecutionEnd:
		return true
	default:
		return false
	}
}

// Sequencer assigns a strictly increasing per-session sequence number at
// emission time, independent of subscriber count (spec §5 ordering
// guarantee).
type Sequencer struct {
	next uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 {
	s.next++
	return s.next
}

// Dispatcher routes an Event to the handler registered for its Type.
// Handler is invoked synchronously; Dispatch panics if no handler is
// registered for e.Type, so adding a new Type without wiring every
// dispatch site fails loudly instead of being silently ignored.
type Dispatcher struct {
	handlers map[Type]func(Event)
}

// NewDispatcher builds a Dispatcher from a handler-per-type map. Passing a
// map missing one of the eight canonical types is a programmer error and
// will panic the first time that type is dispatched.
func NewDispatcher(handlers map[Type]func(Event)) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Dispatch routes ev to its registered handler.
func (d *Dispatcher) Dispatch(ev Event) {
	h, ok := d.handlers[ev.Type]
	if !ok {
		panic("events: unhandled event type " + string(ev.Type))
	}
	h(ev)
}
