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
	"fmt"
	"strings"
	"time"

	"github.com/teradata-labs/tentickle/pkg/types"
)

const (
	toolSummaryThreshold = 280
	toolSummaryEdge      = 140
)

// expansionKnob is the per-message one-shot expansion knob name (spec §4.6
// "ref:<index>"); index is the message's position in the timeline slice
// passed to compactTimeline.
func expansionKnob(index int) string {
	return fmt.Sprintf("ref:%d", index)
}

// compactTimeline rewrites historical messages for model consumption only
// (spec §4.6); the persisted timeline (msgs, as loaded from the session) is
// never mutated — compaction returns a new slice.
//
// expanded reports, for a message index, whether its one-shot expansion
// knob is currently set (session.Knob(expansionKnob(i))) — callers pass a
// closure reading the session's knob map so this function stays pure and
// testable without a *session.Session dependency.
func compactTimeline(msgs []types.Message, executionStart time.Time, expanded func(index int) bool) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case types.RoleAssistant:
			out[i] = m
		case types.RoleTool:
			if m.CreatedAt.Before(executionStart) && !expanded(i) {
				out[i] = summarizeToolMessage(m)
			} else {
				out[i] = m
			}
		case types.RoleUser:
			if hasMediaBlock(m.Blocks) && m.CreatedAt.Before(executionStart) {
				out[i] = summarizeUserMessage(m)
			} else {
				out[i] = m
			}
		default:
			out[i] = m
		}
	}
	return out
}

func hasMediaBlock(blocks []types.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type.IsMedia() {
			return true
		}
	}
	return false
}

// summarizeToolMessage truncates long text to 140 leading + 140 trailing
// chars around an ellipsis, appends a count of non-text block types, and
// falls back to "[tool result]" if there is nothing to show (spec §4.6).
func summarizeToolMessage(m types.Message) types.Message {
	summary := m
	summary.Blocks = nil

	var text string
	for _, b := range m.Blocks {
		if b.Type == types.BlockText {
			text += b.TextContent
		}
	}
	text = truncateMiddle(text)

	counts := nonTextBlockCounts(m.Blocks)
	summary.Preview = joinToolSummary(text, counts)
	return summary
}

// summarizeUserMessage preserves truncated text and appends a media-type
// list (spec §4.6 "preserve text truncated, append media-type list").
func summarizeUserMessage(m types.Message) types.Message {
	summary := m
	summary.Blocks = nil

	var text string
	for _, b := range m.Blocks {
		if b.Type == types.BlockText {
			text += b.TextContent
		}
	}
	text = truncateMiddle(text)

	counts := nonTextBlockCounts(m.Blocks)
	summary.Preview = joinToolSummary(text, counts)
	return summary
}

func truncateMiddle(text string) string {
	r := []rune(text)
	if len(r) <= toolSummaryThreshold {
		return text
	}
	return string(r[:toolSummaryEdge]) + "…" + string(r[len(r)-toolSummaryEdge:])
}

// nonTextBlockCounts lists non-text block types with their counts, e.g.
// "[image ×3, document]" (spec §4.6).
func nonTextBlockCounts(blocks []types.ContentBlock) string {
	order := []types.BlockType{}
	counts := map[types.BlockType]int{}
	for _, b := range blocks {
		if b.Type == types.BlockText {
			continue
		}
		if _, seen := counts[b.Type]; !seen {
			order = append(order, b.Type)
		}
		counts[b.Type]++
	}
	if len(order) == 0 {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, t := range order {
		n := counts[t]
		if n > 1 {
			parts = append(parts, fmt.Sprintf("%s ×%d", t, n))
		} else {
			parts = append(parts, string(t))
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func joinToolSummary(text, blockList string) string {
	switch {
	case text == "" && blockList == "":
		return "[tool result]"
	case text == "":
		return blockList
	case blockList == "":
		return text
	default:
		return text + " " + blockList
	}
}
