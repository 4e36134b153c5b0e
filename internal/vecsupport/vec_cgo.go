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

//go:build cgo

// Package vecsupport gates the optional sqlite-vec vector search extension
// behind the same cgo build tag as SQLCipher support (internal/sqlitedriver):
// sqlite-vec-go-bindings' cgo build registers the vec0 module via
// sqlite3_auto_extension, which only the cgo-backed driver honors.
package vecsupport

import (
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// Supported reports whether the active build can load the vec0 virtual
// table module (spec §4.5: "if vector search is active").
const Supported = true

func init() {
	sqlite_vec.Auto()
}

// SerializeFloat32 encodes a vector into the blob format vec0 columns
// expect.
func SerializeFloat32(vec []float32) ([]byte, error) {
	return sqlite_vec.SerializeFloat32(vec)
}
