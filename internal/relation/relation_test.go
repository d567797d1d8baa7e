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

package relation

import (
	"math"
	"testing"

	"github.com/prismcache/prismcache/internal/vector"
)

func TestComputeDiagonalIsOne(t *testing.T) {
	v := &vector.MultiLayerVector{
		Subject:     []float32{1, 0},
		Attribute:   []float32{0, 1},
		Style:       []float32{1, 1},
		Composition: []float32{1, 0},
		Emotion:     []float32{0, 0},
	}
	m := Compute(v, Options{})
	for i := range vector.Layers {
		if math.Abs(float64(m[i][i]-1)) > 1e-6 {
			// a zero layer cosine-against-itself is 0, not 1
			if vector.Magnitude(v.Layer(vector.Layers[i])) == 0 {
				continue
			}
			t.Errorf("diagonal[%d] = %v, want 1", i, m[i][i])
		}
	}
}

func TestComputeBoundedRange(t *testing.T) {
	v := &vector.MultiLayerVector{
		Subject:     []float32{1, 0},
		Attribute:   []float32{-1, 0},
		Style:       []float32{0, 1},
		Composition: []float32{1, 1},
		Emotion:     []float32{0, 0},
	}
	m := Compute(v, Options{})
	for i := range vector.Layers {
		for j := range vector.Layers {
			if m[i][j] < -1-1e-6 || m[i][j] > 1+1e-6 {
				t.Errorf("m[%d][%d] = %v out of [-1,1]", i, j, m[i][j])
			}
		}
	}
}

func TestSymmetrize(t *testing.T) {
	v := &vector.MultiLayerVector{
		Subject:     []float32{1, 0.3},
		Attribute:   []float32{0.2, 1},
		Style:       []float32{1, 1},
		Composition: []float32{1, 0},
		Emotion:     []float32{0.5, 0.5},
	}
	m := Compute(v, Options{Symmetrize: true})
	for i := range vector.Layers {
		for j := range vector.Layers {
			if math.Abs(float64(m[i][j]-m[j][i])) > 1e-6 {
				t.Errorf("m[%d][%d]=%v != m[%d][%d]=%v after symmetrize", i, j, m[i][j], j, i, m[j][i])
			}
		}
	}
}

func TestCooccurrenceBoostClampedToOne(t *testing.T) {
	v := &vector.MultiLayerVector{
		Subject:     []float32{1, 0},
		Attribute:   []float32{1, 0},
		Style:       []float32{1, 0},
		Composition: []float32{1, 0},
		Emotion:     []float32{1, 0},
	}
	m := Compute(v, Options{
		UseCooccurrenceAnalysis: true,
		TokenCooccurrence:       map[[2]string]int{{"a", "b"}: 100},
	})
	for i := range vector.Layers {
		for j := range vector.Layers {
			if i == j {
				continue
			}
			if m[i][j] > 1+1e-6 {
				t.Errorf("m[%d][%d] = %v exceeds clamp of 1", i, j, m[i][j])
			}
		}
	}
}

func TestRelationWeightsOverride(t *testing.T) {
	v := &vector.MultiLayerVector{
		Subject:     []float32{1, 0},
		Attribute:   []float32{1, 0},
		Style:       []float32{0, 1},
		Composition: []float32{1, 0},
		Emotion:     []float32{1, 0},
	}
	m := Compute(v, Options{
		RelationWeights: map[WeightKey]float32{
			{vector.Subject, vector.Attribute}: 0.5,
		},
	})
	base := Compute(v, Options{})
	want := clamp(base[0][1]*0.5, -1, 1)
	if math.Abs(float64(m[0][1]-want)) > 1e-6 {
		t.Errorf("weighted m[0][1] = %v, want %v", m[0][1], want)
	}
}
