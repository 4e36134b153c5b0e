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

// Package engine implements the execution state machine driving a
// pkg/session.Session through render -> call_model -> commit ->
// dispatch_tools -> continuation (spec §4.1), plus timeline compaction
// (§4.6). It generalizes loom's pkg/agent.Agent conversation loop and
// pkg/agent/registry.go agent-definition struct (tools + provider + memory)
// into the systems-shaped ExecutionConfig the spec calls for: an ordered
// slice of GroundingProvider instead of a reactive component tree.
package engine

import (
	"context"
	"time"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// GroundingProvider contributes one ordered section to the rendered prompt.
// Init runs once per session lifetime (mount); Refresh runs at the head of
// every tick (useOnTickStart) and returns the section's current text.
type GroundingProvider interface {
	Name() string
	Init(ctx context.Context) error
	Refresh(ctx context.Context) (string, error)
}

// Tool is one callable the model may invoke via a tool_use block.
type Tool interface {
	Schema() types.ToolSchema
	// Call executes the tool. Returning confirmationRequired suspends the
	// call awaiting a separate confirmation response (spec §4.1 step 4)
	// instead of producing result blocks immediately; once the user
	// approves, the engine re-invokes Call with call.Confirmed set.
	Call(ctx context.Context, call types.ToolCall) (result []types.ContentBlock, confirmationRequired bool, err error)
}

// ToolCatalogue is the set of tools available to a model for one execution.
type ToolCatalogue struct {
	tools map[string]Tool
}

// NewToolCatalogue builds a catalogue from a list of tools, keyed by their
// schema name.
func NewToolCatalogue(tools ...Tool) *ToolCatalogue {
	c := &ToolCatalogue{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		c.tools[t.Schema().Name] = t
	}
	return c
}

// Schemas returns the tool schemas for inclusion in the rendered payload.
func (c *ToolCatalogue) Schemas() []types.ToolSchema {
	if c == nil {
		return nil
	}
	out := make([]types.ToolSchema, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.Schema())
	}
	return out
}

// Lookup resolves a tool by name; ok is false if the model named a tool
// outside the active catalogue.
func (c *ToolCatalogue) Lookup(name string) (Tool, bool) {
	if c == nil {
		return nil, false
	}
	t, ok := c.tools[name]
	return t, ok
}

// TickResult summarizes one completed tick for the ContinuationPolicy.
type TickResult struct {
	Tick       int
	StopReason string
	ToolCalls  int
	Usage      types.Usage
}

// ContinuationPolicy decides whether the execution should loop for another
// tick (spec §4.1 step 5, "continuation predicate").
type ContinuationPolicy func(TickResult) bool

// StopOnNoToolCalls is the default ContinuationPolicy: continue only while
// the model keeps emitting tool calls.
func StopOnNoToolCalls(r TickResult) bool {
	return r.ToolCalls > 0
}

// ExecutionConfig binds everything an execution needs to run: grounding
// providers (ordered, rendered into the system payload in order), the model
// client, the tool catalogue, and the continuation predicate.
type ExecutionConfig struct {
	Grounding []GroundingProvider
	Model     types.ModelClient
	Tools     *ToolCatalogue
	Continue  ContinuationPolicy
	MaxTicks  int

	// ModelRetries is the total number of model call attempts made, with
	// backoff between them, while the error is transient (types.IsRetryable)
	// before the execution fails; zero selects DefaultModelRetries.
	ModelRetries int
}

// DefaultMaxTicks bounds an execution when ExecutionConfig.MaxTicks is left
// at zero.
const DefaultMaxTicks = 50

// DefaultModelRetries is the retry budget for transient model errors.
const DefaultModelRetries = 3

// modelRetryBaseBackoff is the first retry delay; each subsequent attempt
// doubles it.
const modelRetryBaseBackoff = 500 * time.Millisecond

func (c ExecutionConfig) maxTicks() int {
	if c.MaxTicks > 0 {
		return c.MaxTicks
	}
	return DefaultMaxTicks
}

func (c ExecutionConfig) continuation() ContinuationPolicy {
	if c.Continue != nil {
		return c.Continue
	}
	return StopOnNoToolCalls
}

func (c ExecutionConfig) modelRetries() int {
	if c.ModelRetries > 0 {
		return c.ModelRetries
	}
	return DefaultModelRetries
}
