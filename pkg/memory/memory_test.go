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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/tentickle/internal/vecsupport"
	"github.com/teradata-labs/tentickle/pkg/dbconn"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := dbconn.Open(t.TempDir() + "/tentickle.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := Open(db, nil, opts...)
	require.NoError(t, err)
	return s
}

func TestRemember_PersistsRowSynchronously(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry, err := s.Remember(ctx, "ns1", "Ryan prefers TypeScript", "preferences", 0.5, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	list, err := s.List(ctx, "ns1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ryan prefers TypeScript", list[0].Content)
	assert.False(t, list[0].HasVector, "no embedder configured: row persists without a vector")
}

func TestRecall_EmptyQueryReturnsTopicMap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Remember(ctx, "ns1", "a fact about Go", "go", 0.5, nil, "")
	require.NoError(t, err)
	_, err = s.Remember(ctx, "ns1", "another Go fact", "go", 0.5, nil, "")
	require.NoError(t, err)

	result, err := s.Recall(ctx, "ns1", "", "", 10, -1)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
	require.Len(t, result.Hints.TopicMap, 1)
	assert.Equal(t, "go", result.Hints.TopicMap[0].Topic)
	assert.Equal(t, 2, result.Hints.TopicMap[0].Count)
}

func TestRecall_FTSOnly_ScoreBoundsAndAccessTracking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Remember(ctx, "ns1", "Ryan prefers TypeScript over JavaScript", "preferences", 0.5, nil, "")
	require.NoError(t, err)
	_, err = s.Remember(ctx, "ns1", "unrelated memory about weather", "misc", 0.5, nil, "")
	require.NoError(t, err)

	result, err := s.Recall(ctx, "ns1", "TypeScript", "", 10, -1)
	require.NoError(t, err)
	require.NotEmpty(t, result.Entries)
	for _, e := range result.Entries {
		assert.True(t, e.Score > 0 && e.Score <= 1, "score out of (0,1] bound: %f", e.Score)
	}
	assert.InDelta(t, 1.0, result.Entries[0].Score, 1e-9, "top score normalizes to exactly 1")
	assert.Equal(t, 1, result.Entries[0].AccessCount, "recall bumped access_count")
	assert.WithinDuration(t, time.Now(), *result.Entries[0].LastAccessedAt, 5*time.Second)
}

func TestRecall_DecayReducesOlderEntryScore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	older, err := s.Remember(ctx, "ns1", "TypeScript note one", "", 0.5, nil, "")
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE memories SET created_at = ? WHERE id = ?`,
		time.Now().Add(-90*24*time.Hour).Unix(), older.ID)
	require.NoError(t, err)
	_, err = s.Remember(ctx, "ns1", "TypeScript note two", "", 0.5, nil, "")
	require.NoError(t, err)

	result, err := s.Recall(ctx, "ns1", "TypeScript", "", 10, DecayLambda)
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)

	var oldScore, newScore float64
	for _, e := range result.Entries {
		if e.ID == older.ID {
			oldScore = e.Score
		} else {
			newScore = e.Score
		}
	}
	assert.Less(t, oldScore, newScore, "90-day-old entry should decay below the fresh one given equal FTS rank")
}

// fakeEmbedder returns a deterministic unit-ish vector so tests can assert
// dedup/recall behavior without a real embedding model. Only exercised
// when the build supports sqlite-vec (vecsupport.Supported).
type fakeEmbedder struct{ vectors map[string][]float32 }

func (f *fakeEmbedder) VectorDim() int { return 4 }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func TestDedupMerge_NearDuplicateContentMergesIntoOneRow(t *testing.T) {
	if !vecsupport.Supported {
		t.Skip("vec0 requires a cgo build with sqlite-vec registered")
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"Ryan prefers TypeScript":          {1, 0, 0, 0},
		"Ryan prefers TypeScript strongly": {0.99, 0.01, 0, 0},
	}}
	s := openTestStore(t, WithEmbedder(embedder))
	ctx := context.Background()

	_, err := s.Remember(ctx, "ns1", "Ryan prefers TypeScript", "", 0.5, nil, "")
	require.NoError(t, err)
	waitForPending(t, s)

	_, err = s.Remember(ctx, "ns1", "Ryan prefers TypeScript strongly", "", 0.5, nil, "")
	require.NoError(t, err)
	waitForPending(t, s)

	list, err := s.List(ctx, "ns1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ryan prefers TypeScript strongly", list[0].Content)
}

func waitForPending(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for embed goroutine to finish")
}

func TestReciprocalRankFusion_S5_OrderingAndNormalization(t *testing.T) {
	// FTS matched only the first memory; the vector leg matched all three.
	fts := []rankedID{{id: "m1", score: 0.8}}
	vec := []string{"m2", "m1", "m3"}

	fused := reciprocalRankFusionVariadic(fts, vec)
	require.Len(t, fused, 3)

	// m1 appears in both lists (1/(60+1) + 1/(60+2)) and must outrank m2
	// (1/(60+1) alone), which outranks m3 (1/(60+3)).
	assert.Equal(t, "m1", fused[0].id)
	assert.Equal(t, "m2", fused[1].id)
	assert.Equal(t, "m3", fused[2].id)

	normalizeTop(fused)
	assert.InDelta(t, 1.0, fused[0].score, 1e-12, "top fused score normalizes to exactly 1")
	for _, f := range fused {
		assert.True(t, f.score > 0 && f.score <= 1, "score out of (0,1]: %f", f.score)
	}
}
