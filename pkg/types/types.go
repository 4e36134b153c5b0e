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

// Package types defines the data model shared by the persistence store, the
// execution engine and the gateway: entities, sessions, executions, ticks,
// messages, content blocks and the abstract ModelClient contract.
//
// Shapes are grounded on loom's pkg/types.Message/ContentBlock/Usage, split
// here across Session/Execution/Tick/Message/ContentBlock to match the
// relational schema instead of loom's single flattened Message struct.
package types

import (
	"context"
	"errors"
	"time"
)

// Role is who produced a timeline Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleEvent     Role = "event"
)

// Visibility controls who a Message is rendered to.
type Visibility string

const (
	VisibilityModel    Visibility = "model"
	VisibilityObserver Visibility = "observer"
	VisibilityLog      Visibility = "log"
)

// SessionType distinguishes how a Session came to exist.
type SessionType string

const (
	SessionTypeChat   SessionType = "chat"
	SessionTypeFork   SessionType = "fork"
	SessionTypeSpawn  SessionType = "spawn"
	SessionTypeSystem SessionType = "system"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionArchived  SessionStatus = "archived"
)

// TriggerType is what caused an Execution to start.
type TriggerType string

const (
	TriggerSend    TriggerType = "send"
	TriggerCron    TriggerType = "cron"
	TriggerRestart TriggerType = "restart"
	TriggerSpawn   TriggerType = "spawn"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionAborted   ExecutionStatus = "aborted"
	ExecutionFailed    ExecutionStatus = "failed"
)

// BlockType discriminates ContentBlock's sum type.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockAudio      BlockType = "audio"
	BlockVideo      BlockType = "video"
	BlockDocument   BlockType = "document"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockCode       BlockType = "code"
	BlockJSON       BlockType = "json"
)

// IsMedia reports whether a block type is always treated as media content
// by timeline compaction (§4.6) — tool_use is explicitly never media even
// though it, too, is a non-text block.
func (t BlockType) IsMedia() bool {
	switch t {
	case BlockImage, BlockAudio, BlockVideo, BlockDocument:
		return true
	default:
		return false
	}
}

// Entity is a person, model, org, agent or project referenced from sessions
// and messages.
type Entity struct {
	ID       string
	Type     string
	Name     string
	Summary  string
	IsOwner  bool
	Metadata map[string]any
}

// Usage tracks token accounting for one Tick; session-level aggregates are
// always derived by summation (spec §4.3 invariant 6), never stored.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ContentBlock is one element of a Message's content (spec §3). Fields
// outside the active BlockType are expected to be zero; ContentJSON is the
// full round-trippable payload, TextContent an extracted convenience copy
// used for search/preview.
type ContentBlock struct {
	ID          string
	MessageID   string
	Position    int
	Type        BlockType
	TextContent string
	ContentJSON []byte
	Metadata    map[string]any

	// ToolUseID correlates a tool_result block back to the tool_use block
	// (possibly in a prior message) it answers.
	ToolUseID string
	// ToolName is set on tool_use blocks.
	ToolName string
	// IsError marks a tool_result block produced by a failed tool call.
	IsError bool
}

// ToolCall is a single tool invocation requested by the model, extracted
// from a message's tool_use blocks for the engine's dispatch step.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any

	// Confirmed is set by the engine when the user has approved a call the
	// tool previously suspended on confirmation; the tool must not ask again.
	Confirmed bool
}

// Message is one timeline entry (spec §3). Ordering within a session is
// (Tick, SequenceInTick), asserted total by the persistence store.
type Message struct {
	ID             string
	SessionID      string
	ExecutionID    string // empty if restored without execution context
	EntityID       string
	Role           Role
	Tick           int
	SequenceInTick int
	Preview        string // truncated to 500 chars at write time
	Visibility     Visibility
	Tags           []string
	TokenCount     int
	Metadata       map[string]any
	Blocks         []ContentBlock
	CreatedAt      time.Time
}

// TruncatePreview mutates Preview to at most 500 runes, the write-time
// invariant spec §4.3 requires ("Text previews are truncated to 500
// characters at write time").
func (m *Message) TruncatePreview(full string) {
	r := []rune(full)
	if len(r) > 500 {
		r = r[:500]
	}
	m.Preview = string(r)
}

// Tick is one model round-trip within an Execution.
type Tick struct {
	ExecutionID string
	Number      int
	Model       string
	Usage       Usage
	StopReason  string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Execution is one invocation of the engine spanning one or more ticks.
type Execution struct {
	ID          string
	SessionID   string
	Trigger     TriggerType
	Status      ExecutionStatus
	TickCount   int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ModelResponse is what a ModelClient returns for one tick.
type ModelResponse struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// ModelClient is the abstract contract the execution engine depends on.
// Concrete provider SDK wiring (Anthropic, OpenAI, Bedrock, ...) is an
// external collaborator per spec §1 and is not implemented here.
type ModelClient interface {
	// Name identifies the provider for logging/metrics.
	Name() string
	// Model returns the model identifier currently bound.
	Model() string
	// Call submits a rendered prompt payload and returns the assistant
	// response. tools describes the active tool catalogue as JSON schemas.
	Call(ctx context.Context, messages []Message, tools []ToolSchema) (*ModelResponse, error)
}

// RetryableError marks a model error as transient (network, rate limit).
// The engine retries these with backoff before failing the execution;
// protocol or parse errors are never wrapped and fail immediately (spec §7).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is or wraps a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// MemoryEntry is a recallable fact (spec §3). Its companion vector, when
// present, lives in a separate virtual table keyed by ID and partitioned by
// Namespace — never embedded in this struct.
type MemoryEntry struct {
	ID              string
	Namespace       string
	Content         string
	Topic           string
	Importance      float64
	Metadata        map[string]any
	SourceSessionID string
	AccessCount     int
	LastAccessedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	HasVector       bool
}

// ToolSchema describes one tool available to the model for a single call.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Sandbox is the abstract contract for the workspace execution primitive
// (spec §1: "the sandbox primitive (only its exec/mount/read contract)").
// A concrete sandbox (container, chroot, ...) is an external collaborator.
type Sandbox interface {
	Exec(ctx context.Context, cmd []string, workdir string) (stdout, stderr string, exitCode int, err error)
	Mount(ctx context.Context, hostPath, sandboxPath string) error
	Read(ctx context.Context, path string) ([]byte, error)
}
