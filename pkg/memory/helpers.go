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
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teradata-labs/tentickle/pkg/types"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(r rowScanner) (types.MemoryEntry, error) {
	var e types.MemoryEntry
	var metaJSON string
	var lastAccessed sql.NullInt64
	var createdAt, updatedAt int64
	var hasVector int
	if err := r.Scan(&e.ID, &e.Namespace, &e.Content, &e.Topic, &e.Importance, &metaJSON,
		&e.SourceSessionID, &e.AccessCount, &lastAccessed, &createdAt, &updatedAt, &hasVector); err != nil {
		return e, err
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	e.HasVector = hasVector != 0
	if lastAccessed.Valid {
		t := time.Unix(lastAccessed.Int64, 0)
		e.LastAccessedAt = &t
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
	}
	return e, nil
}
