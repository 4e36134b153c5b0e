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

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/tentickle/pkg/events"
	"github.com/teradata-labs/tentickle/pkg/types"
)

func TestAppendEntry_ReturnsMonotoneIndices(t *testing.T) {
	s := New("s1", types.SessionTypeChat, "/ws", "owner", nil)
	i0 := s.AppendEntry(types.Message{ID: "m0"})
	i1 := s.AppendEntry(types.Message{ID: "m1"})
	assert.Equal(t, 0, i0)
	assert.Equal(t, 1, i1)
	assert.Len(t, s.Timeline(), 2)
}

func TestTryBeginExecution_SecondCallQueuesInsteadOfRunning(t *testing.T) {
	s := New("s1", types.SessionTypeChat, "/ws", "owner", nil)
	require.True(t, s.TryBeginExecution())
	require.False(t, s.TryBeginExecution(), "an execution is already running")

	s.Enqueue([]types.Message{{ID: "queued"}})
	s.EndExecution()

	require.True(t, s.TryBeginExecution())
	batch, ok := s.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, "queued", batch[0].ID)
}

func TestKnobs_SetGetDelete(t *testing.T) {
	s := New("s1", types.SessionTypeChat, "/ws", "owner", nil)
	_, ok := s.Knob("ref:0")
	assert.False(t, ok)

	s.SetKnob("ref:0", []byte("true"))
	v, ok := s.Knob("ref:0")
	require.True(t, ok)
	assert.Equal(t, []byte("true"), []byte(v))

	s.DeleteKnob("ref:0")
	_, ok = s.Knob("ref:0")
	assert.False(t, ok)
}

func TestPublish_CriticalEventDelivered(t *testing.T) {
	s := New("s1", types.SessionTypeChat, "/ws", "owner", nil)
	sub := s.Subscribe(nil)

	s.Publish(events.Event{Type: events.EntryCommitted})
	select {
	case ev := <-sub.C:
		assert.Equal(t, events.EntryCommitted, ev.Type)
	default:
		t.Fatal("critical event was not delivered")
	}
}

func TestNextSequence_IsMonotone(t *testing.T) {
	s := New("s1", types.SessionTypeChat, "/ws", "owner", nil)
	a := s.NextSequence()
	b := s.NextSequence()
	assert.Less(t, a, b)
}
