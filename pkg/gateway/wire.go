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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/teradata-labs/tentickle/pkg/events"
	"github.com/teradata-labs/tentickle/pkg/types"
)

// WireEvent is the JSON shape of the event envelope (spec §6 "Event
// envelope"). Field names follow the wire format exactly; Event's internal
// Go field names are deliberately looser since that struct also serves
// as an in-process tagged union.
type WireEvent struct {
	Type        events.Type `json:"type"`
	SessionID   string      `json:"sessionId"`
	ExecutionID string      `json:"executionId,omitempty"`
	Tick        int         `json:"tick,omitempty"`
	Sequence    uint64      `json:"sequence"`
	Timestamp   string      `json:"timestamp"`

	Entry         *types.Message `json:"entry,omitempty"`
	TimelineIndex int            `json:"timelineIndex,omitempty"`

	CallID    string         `json:"callId,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Message   string         `json:"message,omitempty"`

	ResultBlocks []types.ContentBlock `json:"resultBlocks,omitempty"`
	IsError      bool                 `json:"isError,omitempty"`
	ToolUseID    string               `json:"toolUseId,omitempty"`

	Model      string      `json:"model,omitempty"`
	Usage      types.Usage `json:"usage,omitempty"`
	StopReason string      `json:"stopReason,omitempty"`

	Aborted            bool            `json:"aborted,omitempty"`
	Error              string          `json:"error,omitempty"`
	NewTimelineEntries []types.Message `json:"newTimelineEntries,omitempty"`
	Output             string          `json:"output,omitempty"`
}

// toWire translates an internal Event into its wire envelope.
func toWire(ev events.Event) WireEvent {
	return WireEvent{
		Type:               ev.Type,
		SessionID:          ev.SessionID,
		ExecutionID:        ev.ExecutionID,
		Tick:               ev.Tick,
		Sequence:           ev.Sequence,
		Timestamp:          ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Entry:              ev.Entry,
		TimelineIndex:      ev.TimelineIndex,
		CallID:             ev.CallID,
		Name:               ev.ToolName,
		Input:              ev.ToolInput,
		Arguments:          ev.Arguments,
		Message:            ev.Message,
		ResultBlocks:       ev.ResultBlocks,
		IsError:            ev.IsError,
		ToolUseID:          ev.ToolUseID,
		Model:              ev.Model,
		Usage:              ev.Usage,
		StopReason:         ev.StopReason,
		Aborted:            ev.Aborted,
		Error:              ev.Error,
		NewTimelineEntries: ev.NewTimelineEntries,
		Output:             ev.Output,
	}
}

// wireRequest is the single request shape accepted over the socket
// transport: op selects the Gateway method, the rest are its arguments.
type wireRequest struct {
	Op       string        `json:"op"`
	Key      string        `json:"key"`
	Envelope InputEnvelope `json:"envelope,omitempty"`

	// confirm
	ToolUseID string `json:"toolUseId,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
}

type wireResponse struct {
	ExecutionID string `json:"executionId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// writeFrame writes a length-prefixed JSON document: a 4-byte big-endian
// length followed by exactly that many bytes of JSON (spec SPEC_FULL.md §4.2
// "length-prefixed JSON document").
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("gateway: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("gateway: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON document into v.
func readFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	const maxFrame = 16 << 20
	if n > maxFrame {
		return fmt.Errorf("gateway: frame of %d bytes exceeds %d byte limit", n, maxFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("gateway: read frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("gateway: unmarshal frame: %w", err)
	}
	return nil
}
