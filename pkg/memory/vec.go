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

	"github.com/teradata-labs/tentickle/internal/vecsupport"
)

// ensureVecTable creates the optional memory_vec virtual table (spec §6:
// "memory_vec (virtual vec0, optional)"). Namespace is declared a vec0
// partition key so k-NN search can scope to one namespace without a full
// scan; memory_id is an unindexed auxiliary column used to join back to
// the memories row.
func (s *Store) ensureVecTable(dim int) error {
	stmt := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(
			namespace TEXT PARTITION KEY,
			embedding FLOAT[%d] DISTANCE_METRIC=cosine,
			+memory_id TEXT
		)
	`, dim)
	_, err := s.db.Exec(stmt)
	if err != nil {
		return fmt.Errorf("memory: create memory_vec: %w", err)
	}
	return nil
}

func (s *Store) upsertVector(ctx context.Context, id, namespace string, vec []float32) error {
	blob, err := vecsupport.SerializeFloat32(vec)
	if err != nil {
		return fmt.Errorf("serialize vector: %w", err)
	}
	if namespace == "" {
		if err := s.db.QueryRowContext(ctx, `SELECT namespace FROM memories WHERE id = ?`, id).Scan(&namespace); err != nil {
			return fmt.Errorf("resolve namespace: %w", err)
		}
	}
	if err := s.deleteVector(ctx, id); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_vec (namespace, embedding, memory_id) VALUES (?, ?, ?)
	`, namespace, blob, id)
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

func (s *Store) deleteVector(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_vec WHERE memory_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

type vecHit struct {
	MemoryID string
	Distance float64
}

// knnSearch runs a k-NN query over memory_vec, scoped to namespace via the
// partition key, and returns the k nearest neighbors by cosine distance
// (spec §4.5 step 3).
func (s *Store) knnSearch(ctx context.Context, namespace string, query []float32, k int) ([]vecHit, error) {
	blob, err := vecsupport.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("serialize query vector: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, distance FROM memory_vec
		WHERE namespace = ? AND embedding MATCH ? AND k = ?
		ORDER BY distance
	`, namespace, blob, k)
	if err != nil {
		return nil, fmt.Errorf("knn search: %w", err)
	}
	defer rows.Close()

	var hits []vecHit
	for rows.Next() {
		var h vecHit
		if err := rows.Scan(&h.MemoryID, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan knn hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// findDuplicate looks for an existing entry (other than excludeID) in
// namespace within the configured cosine-similarity dedup threshold (spec
// §4.5 "Dedup on remember").
func (s *Store) findDuplicate(ctx context.Context, namespace, excludeID string, vec []float32) (string, bool, error) {
	hits, err := s.knnSearch(ctx, namespace, vec, 5)
	if err != nil {
		return "", false, err
	}
	for _, h := range hits {
		if h.MemoryID == excludeID {
			continue
		}
		similarity := 1 - h.Distance
		if similarity >= s.dedupThreshold {
			return h.MemoryID, true, nil
		}
	}
	return "", false, nil
}
