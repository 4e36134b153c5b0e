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

// Package store implements the persistence layer (spec §4.3): incremental
// writers called synchronously from execution event handlers, and
// snapshot load/save for whole-session I/O.
//
// Grounded on loom's pkg/agent/session_store.go (SQLite schema + WAL +
// FTS5-sync-trigger shape) and pkg/storage/sqlite/migrator.go (embedded
// migrations applied inside BEGIN...COMMIT), adapted to the spec's
// relational shape (separate executions/ticks/messages/content_blocks
// tables instead of loom's single flattened messages table).
package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/tentickle/pkg/dbconn"
	"github.com/teradata-labs/tentickle/pkg/dbmigrate"
	sqlitemigrations "github.com/teradata-labs/tentickle/pkg/store/sqlite"
)

// PackageName is the _schema_versions row key for this package's migrations.
const PackageName = "store"

// Store is the persistence store. It owns no connection lifecycle beyond
// what it's given — callers share one *sql.DB across Store and memory.Store
// per spec §6.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens the database at path (via dbconn.Open) and ensures the store
// schema is migrated. Use OpenWithDB to share an existing connection (e.g.
// with the memory subsystem).
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := dbconn.Open(path)
	if err != nil {
		return nil, err
	}
	return OpenWithDB(db, logger)
}

// OpenWithDB wraps an already-open shared connection and ensures schema.
func OpenWithDB(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	m, err := dbmigrate.New(s.db, PackageName, sqlitemigrations.MigrationsFS, s.logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return m.EnsureSchema(ctx)
}

// DB exposes the underlying connection for packages (memory) that must
// share it.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }
