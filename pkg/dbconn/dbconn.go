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

// Package dbconn opens the single shared SQLite connection the store and
// memory packages both operate on (spec §6: "single SQLite file"). All
// writes serialize through this one connection in WAL mode (spec §5), and
// PRAGMA foreign_keys = ON is mandatory at connection open (spec §4.3).
package dbconn

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/teradata-labs/tentickle/internal/sqlitedriver" // registers "sqlite3"
)

// Open opens (creating parent directories and the file as needed) the
// SQLite database at path with WAL journaling and foreign keys enforced.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("dbconn: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbconn: open %s: %w", path, err)
	}

	// SQLite only supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent goroutines instead of papering over it
	// with retries.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbconn: %s: %w", pragma, err)
		}
	}

	return db, nil
}
