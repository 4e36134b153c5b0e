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
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// rrfK is Reciprocal Rank Fusion's rank-smoothing constant (spec §4.5 step
// 4: "k=60").
const rrfK = 60

// ftsCandidateMultiplier sizes the FTS leg's candidate pool ahead of
// fusion; the vector leg uses k = 3 x limit (step 3).
const ftsCandidateMultiplier = 5

// ScoredEntry pairs a MemoryEntry with its final, normalized recall score.
type ScoredEntry struct {
	types.MemoryEntry
	Score float64
}

// TopicCount is one row of a recall Hints.TopicMap.
type TopicCount struct {
	Topic string
	Count int
}

// Hints accompanies a RecallResult for UI/discovery purposes (spec §4.5
// step 7).
type Hints struct {
	MatchedTopics []string
	RelatedTopics []string
	TopicMap      []TopicCount
}

// RecallResult is the output of Recall.
type RecallResult struct {
	Entries []ScoredEntry
	Hints   Hints
}

// Recall implements spec §4.5's recall(query, namespace, topic, limit,
// decay) pipeline: FTS5 BM25 retrieval, optional vector k-NN, RRF fusion,
// time-decay + access-boost post-scoring, and access-tracking update.
// decayLambda < 0 selects DecayLambda; 0 disables decay.
func (s *Store) Recall(ctx context.Context, namespace, query, topic string, limit int, decayLambda float64) (*RecallResult, error) {
	if limit <= 0 {
		limit = 10
	}
	query = strings.TrimSpace(query)
	if query == "" {
		topicMap, err := s.topicMap(ctx, namespace)
		if err != nil {
			return nil, err
		}
		return &RecallResult{Entries: nil, Hints: Hints{TopicMap: topicMap}}, nil
	}
	if decayLambda < 0 {
		decayLambda = DecayLambda
	}

	ftsRanked, err := s.searchFTS(ctx, namespace, query, topic, limit*ftsCandidateMultiplier)
	if err != nil {
		return nil, err
	}

	var vecRanked []string
	vecOverflow := map[string]bool{}
	if s.vecOK {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("memory: recall query embed failed, degrading to FTS-only")
		} else {
			k := 3 * limit
			hits, err := s.knnSearch(ctx, namespace, vec, k)
			if err != nil {
				s.logger.Warn("memory: vector recall failed, degrading to FTS-only")
			} else {
				for _, h := range hits {
					vecRanked = append(vecRanked, h.MemoryID)
					vecOverflow[h.MemoryID] = true
				}
			}
		}
	}

	fused := reciprocalRankFusionVariadic(ftsRanked, vecRanked)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	normalizeTop(fused)

	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.id
	}
	entries, err := s.loadByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	scored := make([]ScoredEntry, 0, len(fused))
	for _, f := range fused {
		e, ok := entries[f.id]
		if !ok {
			continue
		}
		ref := e.CreatedAt
		if e.LastAccessedAt != nil {
			ref = *e.LastAccessedAt
		}
		ageDays := now.Sub(ref).Hours() / 24
		boost := 1 + math.Log1p(float64(e.AccessCount))*0.1
		score := f.score * math.Exp(-decayLambda*ageDays) * boost
		scored = append(scored, ScoredEntry{MemoryEntry: e, Score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > 0 {
		top := scored[0].Score
		if top > 0 {
			for i := range scored {
				scored[i].Score /= top
			}
		}
	}

	if len(ids) > 0 {
		if err := s.touchAccess(ctx, ids, now); err != nil {
			return nil, err
		}
		for i := range scored {
			scored[i].AccessCount++
			scored[i].LastAccessedAt = &now
		}
	}

	hints, err := s.buildHints(ctx, namespace, topic, scored, vecOverflow)
	if err != nil {
		return nil, err
	}

	return &RecallResult{Entries: scored, Hints: hints}, nil
}

type rankedID struct {
	id    string
	score float64
}

// searchFTS runs the BM25 leg: each whitespace-delimited query token is
// quoted and OR-joined (spec §4.5 step 2), mirroring loom's
// convertToFTS5Query but escaping with quotes instead of bare OR so tokens
// containing FTS5 syntax characters stay literal.
func (s *Store) searchFTS(ctx context.Context, namespace, query, topic string, limit int) ([]rankedID, error) {
	ftsQuery := escapeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	sqlQuery := `
		SELECT m.id, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.memory_id
		WHERE memories_fts.namespace = ? AND memories_fts MATCH ?
	`
	args := []any{namespace, ftsQuery}
	if topic != "" {
		sqlQuery += " AND m.topic = ?"
		args = append(args, topic)
	}
	sqlQuery += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: fts search: %w", err)
	}
	defer rows.Close()

	var out []rankedID
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("memory: scan fts hit: %w", err)
		}
		// bm25() is negative, more negative = better; normalize to (0,1).
		score := -rank / (-rank + 1)
		out = append(out, rankedID{id: id, score: score})
	}
	return out, rows.Err()
}

func escapeFTSQuery(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// reciprocalRankFusion combines one or more already-ranked id lists via
// RRF: rank i (1-based) in a list contributes 1/(rrfK+i) to that id's
// fused score (spec §4.5 step 4).
func reciprocalRankFusion(lists ...[]rankedID) []rankedID {
	scores := map[string]float64{}
	order := []string{}
	add := func(ids []string) {
		for i, id := range ids {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(rrfK+i+1)
		}
	}
	for _, list := range lists {
		ids := make([]string, len(list))
		for i, r := range list {
			ids[i] = r.id
		}
		add(ids)
	}

	out := make([]rankedID, len(order))
	for i, id := range order {
		out[i] = rankedID{id: id, score: scores[id]}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// reciprocalRankFusionVariadic is a convenience overload for the vector leg,
// which arrives as a bare id slice rather than rankedIDs.
func reciprocalRankFusionVariadic(fts []rankedID, vecIDs []string) []rankedID {
	vecRanked := make([]rankedID, len(vecIDs))
	for i, id := range vecIDs {
		vecRanked[i] = rankedID{id: id}
	}
	return reciprocalRankFusion(fts, vecRanked)
}

func normalizeTop(ranked []rankedID) {
	if len(ranked) == 0 {
		return
	}
	top := ranked[0].score
	if top <= 0 {
		return
	}
	for i := range ranked {
		ranked[i].score /= top
	}
}

func (s *Store) loadByIDs(ctx context.Context, ids []string) (map[string]types.MemoryEntry, error) {
	out := map[string]types.MemoryEntry{}
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, content, COALESCE(topic, ''), importance, COALESCE(metadata_json, '{}'),
			COALESCE(source_session_id, ''), access_count, last_accessed_at, created_at, updated_at, has_vector
		FROM memories WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: load by ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

func (s *Store) touchAccess(ctx context.Context, ids []string, now time.Time) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, now.Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("memory: touch access: %w", err)
	}
	return nil
}

func (s *Store) buildHints(ctx context.Context, namespace, topicFilter string, entries []ScoredEntry, vecOverflow map[string]bool) (Hints, error) {
	matchedSet := map[string]bool{}
	var matched []string
	for _, e := range entries {
		if e.Topic != "" && !matchedSet[e.Topic] {
			matchedSet[e.Topic] = true
			matched = append(matched, e.Topic)
		}
	}

	var related []string
	if topicFilter == "" && len(vecOverflow) > 0 {
		overflowTopics, err := s.topicsForIDs(ctx, overflowIDsNotIn(vecOverflow, entries))
		if err != nil {
			return Hints{}, err
		}
		seen := map[string]bool{}
		for _, t := range overflowTopics {
			if t == "" || matchedSet[t] || seen[t] {
				continue
			}
			seen[t] = true
			related = append(related, t)
		}
	}

	topicMap, err := s.topicMap(ctx, namespace)
	if err != nil {
		return Hints{}, err
	}

	return Hints{MatchedTopics: matched, RelatedTopics: related, TopicMap: topicMap}, nil
}

func indexOf(entries []ScoredEntry, id string) (int, bool) {
	for i, e := range entries {
		if e.ID == id {
			return i, true
		}
	}
	return -1, false
}

func overflowIDsNotIn(overflow map[string]bool, entries []ScoredEntry) []string {
	var out []string
	for id := range overflow {
		if _, found := indexOf(entries, id); !found {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) topicsForIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(topic, '') FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: topics for ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// topicMap enumerates every topic in namespace with its memory count, top
// 50 descending (spec §4.5 step 7).
func (s *Store) topicMap(ctx context.Context, namespace string) ([]TopicCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, COUNT(*) FROM memories
		WHERE namespace = ? AND topic IS NOT NULL
		GROUP BY topic ORDER BY COUNT(*) DESC LIMIT 50
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("memory: topic map: %w", err)
	}
	defer rows.Close()
	var out []TopicCount
	for rows.Next() {
		var tc TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
