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

//go:build !cgo

package vecsupport

// Supported is false under the pure-Go modernc.org/sqlite driver: vec0
// loads as a SQLite loadable extension, which modernc's driver has no
// mechanism to auto-register. Memory recall degrades to FTS-only.
const Supported = false

// SerializeFloat32 is never called when Supported is false.
func SerializeFloat32(vec []float32) ([]byte, error) {
	return nil, nil
}
