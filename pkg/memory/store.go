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

// Package memory implements the hybrid FTS+vector recall subsystem (spec
// §4.5): a relational memories table with a synchronous write path, a
// fire-and-forget background embedding path, FTS5+vec0 hybrid recall with
// reciprocal rank fusion, time decay, access boosting, and semantic dedup.
//
// Grounded on loom's pkg/agent/session_store.go SearchFTS5 (FTS5 MATCH +
// bm25() ranking shape) and segmented_memory.go (BM25-first retrieval
// pipeline), generalized here with a true k-NN vector leg (loom reranks
// with an LLM instead; that dependency is out of scope per spec §1, so
// this layer fuses BM25 with sqlite-vec k-NN via RRF instead of reranking).
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/internal/vecsupport"
	"github.com/teradata-labs/tentickle/pkg/dbmigrate"
	sqlitemigrations "github.com/teradata-labs/tentickle/pkg/memory/sqlite"
	"github.com/teradata-labs/tentickle/pkg/types"
)

// PackageName is the _schema_versions row key for this package's migrations.
const PackageName = "memory"

// DedupThreshold is the default cosine-similarity floor above which a new
// memory is merged into an existing one at write time (spec §4.5). Zero
// disables dedup.
const DedupThreshold = 0.90

// DecayLambda is the default time-decay rate used by recall's post-score
// step (spec §4.5: "30d→86%, 90d→64%, 365d→16%"). Zero disables decay.
const DecayLambda = 0.005

// backfillBatchSize is how many pending-vector memories the background
// backfill task embeds per tick (spec §4.5: "batches of ~10").
const backfillBatchSize = 10

// Store is the memory subsystem. It shares its *sql.DB with pkg/store
// (spec §6: single SQLite file).
type Store struct {
	db       *sql.DB
	logger   *zap.Logger
	embedder Embedder
	vecOK    bool

	dedupThreshold float64

	mu      sync.Mutex
	pending map[string]bool // memory ids with an embed in flight

	stopBackfill chan struct{}
	backfillDone chan struct{}
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithEmbedder enables vector search and dedup by supplying an embedding
// model. Without one, recall degrades to FTS-only (spec §4.5 failure mode).
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithDedupThreshold overrides DedupThreshold; 0 disables dedup.
func WithDedupThreshold(t float64) Option {
	return func(s *Store) { s.dedupThreshold = t }
}

// Open shares an already-open connection (e.g. pkg/store's) and ensures the
// memory schema is migrated.
func Open(db *sql.DB, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:             db,
		logger:         logger,
		dedupThreshold: DedupThreshold,
		pending:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	m, err := dbmigrate.New(db, PackageName, sqlitemigrations.MigrationsFS, logger)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	if err := m.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}

	if s.embedder != nil && vecsupport.Supported {
		if err := s.ensureVecTable(s.embedder.VectorDim()); err != nil {
			logger.Warn("memory: vector table unavailable, degrading to FTS-only", zap.Error(err))
		} else {
			s.vecOK = true
		}
	}

	return s, nil
}

// StartBackfill launches the background task that embeds memories written
// before vector search was enabled, or whose embed previously failed (spec
// §4.5: "a background backfill task ... scans for memories without vectors
// in batches of ~10"). No-op if vector search is unavailable.
func (s *Store) StartBackfill(ctx context.Context, interval time.Duration) {
	if !s.vecOK {
		return
	}
	s.stopBackfill = make(chan struct{})
	s.backfillDone = make(chan struct{})
	go func() {
		defer close(s.backfillDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopBackfill:
				return
			case <-ticker.C:
				s.runBackfillBatch(ctx)
			}
		}
	}()
}

// StopBackfill stops the background task started by StartBackfill and
// waits for the current batch to finish.
func (s *Store) StopBackfill() {
	if s.stopBackfill == nil {
		return
	}
	close(s.stopBackfill)
	<-s.backfillDone
}

func (s *Store) runBackfillBatch(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, content FROM memories WHERE has_vector = 0 LIMIT ?
	`, backfillBatchSize)
	if err != nil {
		s.logger.Warn("memory: backfill scan failed", zap.Error(err))
		return
	}
	type pendingRow struct{ id, namespace, content string }
	var batch []pendingRow
	for rows.Next() {
		var r pendingRow
		if err := rows.Scan(&r.id, &r.namespace, &r.content); err != nil {
			rows.Close()
			s.logger.Warn("memory: backfill scan row failed", zap.Error(err))
			return
		}
		batch = append(batch, r)
	}
	rows.Close()

	for _, r := range batch {
		s.mu.Lock()
		if s.pending[r.id] {
			s.mu.Unlock()
			continue
		}
		s.pending[r.id] = true
		s.mu.Unlock()
		s.embedAndDedup(ctx, r.id, r.namespace, r.content)
	}
}

// Remember inserts a MemoryEntry row synchronously and, if vector search is
// enabled, kicks off an asynchronous embed+dedup pass. Remember returns as
// soon as the row is persisted (spec §4.5).
func (s *Store) Remember(ctx context.Context, namespace, content, topic string, importance float64, metadata map[string]any, sourceSessionID string) (*types.MemoryEntry, error) {
	entry := types.MemoryEntry{
		ID:              uuid.NewString(),
		Namespace:       namespace,
		Content:         content,
		Topic:           topic,
		Importance:      importance,
		Metadata:        metadata,
		SourceSessionID: sourceSessionID,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}

	meta, err := marshalMeta(metadata)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal metadata: %w", err)
	}
	now := entry.CreatedAt.Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, namespace, content, topic, importance, metadata_json,
			source_session_id, access_count, created_at, updated_at, has_vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 0)
	`, entry.ID, namespace, content, nullableString(topic), importance, string(meta),
		nullableString(sourceSessionID), now, now)
	if err != nil {
		return nil, fmt.Errorf("memory: insert: %w", err)
	}

	if s.vecOK {
		s.mu.Lock()
		s.pending[entry.ID] = true
		s.mu.Unlock()
		go s.embedAndDedup(context.Background(), entry.ID, namespace, content)
	}

	return &entry, nil
}

// embedAndDedup embeds content, stores the vector, and merges into a
// near-duplicate if one exists within the dedup threshold (spec §4.5).
// Embed failures are silent: the row persists without a vector and the
// backfill task retries it later.
func (s *Store) embedAndDedup(ctx context.Context, id, namespace, content string) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.logger.Warn("memory: embed failed, will retry via backfill", zap.String("id", id), zap.Error(err))
		return
	}

	if s.dedupThreshold > 0 {
		if dupID, ok, err := s.findDuplicate(ctx, namespace, id, vec); err != nil {
			s.logger.Warn("memory: dedup lookup failed", zap.String("id", id), zap.Error(err))
		} else if ok {
			if err := s.mergeInto(ctx, dupID, id, content, vec); err != nil {
				s.logger.Warn("memory: dedup merge failed", zap.String("id", id), zap.Error(err))
			}
			return
		}
	}

	if err := s.upsertVector(ctx, id, namespace, vec); err != nil {
		s.logger.Warn("memory: store vector failed", zap.String("id", id), zap.Error(err))
		return
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE memories SET has_vector = 1 WHERE id = ?`, id); err != nil {
		s.logger.Warn("memory: mark has_vector failed", zap.String("id", id), zap.Error(err))
	}
}

// mergeInto folds newID's content into existingID (spec §4.5 dedup merge /
// invariant 11): existing row's content and updated_at become the new
// values, its vector is replaced, and the newly-inserted row is deleted.
func (s *Store) mergeInto(ctx context.Context, existingID, newID, content string, vec []float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET content = ?, updated_at = ?, has_vector = 1 WHERE id = ?
	`, content, time.Now().Unix(), existingID); err != nil {
		return fmt.Errorf("update merged row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, newID); err != nil {
		return fmt.Errorf("delete duplicate row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := s.deleteVector(ctx, existingID); err != nil {
		return fmt.Errorf("replace vector: %w", err)
	}
	return s.upsertVector(ctx, existingID, "", vec)
}

// List returns every memory in namespace, most recently updated first. Used
// by tests and by CLI introspection; recall is the production read path.
func (s *Store) List(ctx context.Context, namespace string) ([]types.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, content, COALESCE(topic, ''), importance, COALESCE(metadata_json, '{}'),
			COALESCE(source_session_id, ''), access_count, last_accessed_at, created_at, updated_at, has_vector
		FROM memories WHERE namespace = ? ORDER BY updated_at DESC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryEntry
	for rows.Next() {
		e, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases backfill resources. It does not close the shared *sql.DB.
func (s *Store) Close() {
	s.StopBackfill()
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
