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

import "context"

// Embedder is the abstract embedding-model contract (external collaborator,
// same standing as types.ModelClient — spec §1). A concrete provider
// wiring is not implemented here; recall degrades to FTS-only when no
// Embedder is configured.
type Embedder interface {
	// Embed returns a fixed-dimension vector for text. Dimension must be
	// constant across calls for a given Embedder; VectorDim documents it.
	Embed(ctx context.Context, text string) ([]float32, error)
	// VectorDim is the dimensionality Embed returns.
	VectorDim() int
}
