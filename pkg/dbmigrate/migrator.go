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

// Package dbmigrate applies embedded SQL migrations against the shared
// tentickle SQLite database, tracking one schema version per logical
// package in a shared _schema_versions(package, version) table (spec
// §4.3), the way loom's pkg/storage/sqlite.Migrator tracks a single global
// schema_migrations table — generalized here to one row per package since
// store and memory own independent migration sequences in the same file.
package dbmigrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Migration is a single up/down SQL pair at a given version.
type Migration struct {
	Version     int
	Description string
	UpSQL       string
	DownSQL     string
}

// Migrator applies a package's pending migrations inside BEGIN...COMMIT,
// rolling back and leaving the recorded version untouched on failure.
type Migrator struct {
	db      *sql.DB
	pkg     string
	logger  *zap.Logger
	mu      sync.Mutex
	migrate []Migration
}

// New constructs a Migrator for the given logical package, loading
// migrations from fsys's "migrations" directory (files named
// NNNNNN_description.up.sql / .down.sql, as loom's sqlite migrator names
// them).
func New(db *sql.DB, pkg string, fsys embed.FS, logger *zap.Logger) (*Migrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations, err := loadMigrations(fsys)
	if err != nil {
		return nil, fmt.Errorf("dbmigrate: load migrations for %s: %w", pkg, err)
	}
	return &Migrator{db: db, pkg: pkg, logger: logger, migrate: migrations}, nil
}

// EnsureSchema runs every migration with Version greater than the
// package's recorded version, in order, each inside its own transaction.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _schema_versions (
			package TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("dbmigrate: ensure _schema_versions: %w", err)
	}

	current, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrate {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("dbmigrate: %s migration %d failed: %w", m.pkg, mig.Version, err)
		}
		m.logger.Info("applied migration", zap.String("package", m.pkg), zap.Int("version", mig.Version))
	}
	return nil
}

func (m *Migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx,
		"SELECT version FROM _schema_versions WHERE package = ?", m.pkg,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dbmigrate: read current version: %w", err)
	}
	return version, nil
}

// apply runs one migration's up SQL and records its version transactionally;
// any failure rolls the transaction back and leaves the version row as it
// was (spec §4.3: "A failed migration MUST ROLLBACK and leave the version
// unchanged").
func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
		return fmt.Errorf("exec up sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _schema_versions (package, version) VALUES (?, ?)
		ON CONFLICT (package) DO UPDATE SET version = excluded.version
	`, m.pkg, mig.Version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

func loadMigrations(fsys embed.FS) ([]Migration, error) {
	entries, err := fsys.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	ups := make(map[int]string)
	downs := make(map[int]string)
	descs := make(map[int]string)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		content, err := fsys.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		remainder := parts[1]
		switch {
		case strings.HasSuffix(remainder, ".up.sql"):
			descs[version] = strings.TrimSuffix(remainder, ".up.sql")
			ups[version] = string(content)
		case strings.HasSuffix(remainder, ".down.sql"):
			downs[version] = string(content)
		}
	}

	versions := make([]int, 0, len(ups))
	for v := range ups {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	migrations := make([]Migration, 0, len(versions))
	for _, v := range versions {
		migrations = append(migrations, Migration{
			Version:     v,
			Description: descs[v],
			UpSQL:       ups[v],
			DownSQL:     downs[v],
		})
	}
	return migrations, nil
}
