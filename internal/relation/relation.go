// Copyright 2025 uzqw
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package relation computes the 5x5 cross-layer relation matrix: how
// strongly each pair of layer vectors co-varies for a single artifact.
package relation

import (
	"github.com/prismcache/prismcache/internal/vector"
)

// WeightKey addresses one (i, j) cell of the relation matrix for the
// purpose of applying user-supplied relationWeights.
type WeightKey struct {
	A, B vector.Layer
}

// Options configures relation matrix construction: co-occurrence
// adjustment, a user relation-weight override, and symmetrization.
type Options struct {
	UseCooccurrenceAnalysis bool
	RelationWeights         map[WeightKey]float32
	Symmetrize              bool
	// TokenCooccurrence maps a token pair to the number of times the pair
	// appeared together in the source text; only consulted when
	// UseCooccurrenceAnalysis is true.
	TokenCooccurrence map[[2]string]int
}

// Compute builds the 5x5 relation matrix for a single MultiLayerVector's
// layers.
//
// Base entries are cosine similarities between layer pairs. When
// UseCooccurrenceAnalysis is enabled, this implementation adds
// min(0.05*cooccurrenceCount, 0.3) to every off-diagonal cell, symmetric
// by construction since cooccurrence counts are taken per unordered token
// pair, then clamps to [-1,1]. The choice of coefficient and cap is
// documented rather than reverse-engineered (see DESIGN.md).
func Compute(v *vector.MultiLayerVector, opts Options) [vector.NumLayers][vector.NumLayers]float32 {
	var m [vector.NumLayers][vector.NumLayers]float32

	for i, li := range vector.Layers {
		for j, lj := range vector.Layers {
			cos, _ := vector.CosineSimilarity(v.Layer(li), v.Layer(lj))
			m[i][j] = cos
		}
	}

	if opts.UseCooccurrenceAnalysis && len(opts.TokenCooccurrence) > 0 {
		total := 0
		for _, count := range opts.TokenCooccurrence {
			total += count
		}
		if total > 0 {
			boost := float32(0.05) * float32(total)
			if boost > 0.3 {
				boost = 0.3
			}
			for i := range vector.Layers {
				for j := range vector.Layers {
					if i == j {
						continue
					}
					m[i][j] = clamp(m[i][j]+boost, -1, 1)
				}
			}
		}
	}

	if opts.RelationWeights != nil {
		for i, li := range vector.Layers {
			for j, lj := range vector.Layers {
				if w, ok := opts.RelationWeights[WeightKey{li, lj}]; ok {
					m[i][j] = clamp(m[i][j]*w, -1, 1)
				}
			}
		}
	}

	if opts.Symmetrize {
		var sym [vector.NumLayers][vector.NumLayers]float32
		for i := range vector.Layers {
			for j := range vector.Layers {
				sym[i][j] = (m[i][j] + m[j][i]) / 2
			}
		}
		m = sym
	}

	return m
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
