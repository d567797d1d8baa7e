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

// Package adjust implements the Vector-Space Adjuster: a per-layer
// linear transform, contrastively updated from confusion patterns, that
// pushes confused embeddings apart.
package adjust

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/prismcache/prismcache/internal/feedback"
	"github.com/prismcache/prismcache/internal/vector"
)

const (
	DefaultRegStrength  = 1e-3
	DefaultLearningRate = 1e-2

	RegStrengthMin  = 0
	RegStrengthMax  = 0.01
	LearningRateMin = 1e-4
	LearningRateMax = 0.1

	maxHistory = 100
)

// TransformationMatrix is the per-layer (W, b, epoch) owned exclusively by
// the adjuster.
type TransformationMatrix struct {
	W     *mat.Dense
	B     *mat.VecDense
	Epoch int
}

func identityTransform(dim int) *TransformationMatrix {
	w := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		w.Set(i, i, 1)
	}
	return &TransformationMatrix{
		W: w,
		B: mat.NewVecDense(dim, nil),
	}
}

// HistoryEntry records one adjustment epoch for later inspection.
type HistoryEntry struct {
	Epoch           int
	PatternsApplied int
}

// VectorLookup resolves a logical id (a promptId/resultId from a
// CrossUserPattern) to the vector it should be contrasted against. The
// adjuster doesn't own the cache store, so the caller supplies this.
type VectorLookup func(id string) (*vector.MultiLayerVector, bool)

// Adjuster is the Vector-Space Adjuster.
type Adjuster struct {
	mu           sync.Mutex
	transforms   map[vector.Layer]*TransformationMatrix
	regStrength  float32
	learningRate float32
	history      []HistoryEntry
}

// New creates an Adjuster with every layer's transform at identity/zero.
func New() *Adjuster {
	a := &Adjuster{
		transforms:   make(map[vector.Layer]*TransformationMatrix, vector.NumLayers),
		regStrength:  DefaultRegStrength,
		learningRate: DefaultLearningRate,
	}
	a.resetLocked()
	return a
}

func (a *Adjuster) resetLocked() {
	for _, l := range vector.Layers {
		a.transforms[l] = identityTransform(vector.LayerDim(l))
	}
}

// Reset clears every layer's transform back to identity/zero.
func (a *Adjuster) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// SetRates overrides the regularization strength and learning rate,
// clamped to their fixed ranges.
func (a *Adjuster) SetRates(regStrength, learningRate float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regStrength = clamp(regStrength, RegStrengthMin, RegStrengthMax)
	a.learningRate = clamp(learningRate, LearningRateMin, LearningRateMax)
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

// History returns the bounded (<=100) adjustment history, most recent last.
func (a *Adjuster) History() []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]HistoryEntry, len(a.history))
	copy(out, a.history)
	return out
}

// ApplyConfusionPatterns runs one adjustment epoch: for every pattern
// whose two vectors resolve via lookup, nudges every layer's (W, b)
// contrastively apart, then regularizes W. Patterns whose ids don't
// resolve are skipped (a missing vector is not a fatal error here: the
// confusion signal may reference an id the vector store has since
// evicted).
func (a *Adjuster) ApplyConfusionPatterns(patterns []feedback.CrossUserPattern, lookup VectorLookup) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	applied := 0
	for _, pat := range patterns {
		v1, ok1 := lookup(pat.PromptA)
		v2, ok2 := lookup(pat.PromptB)
		if !ok1 || !ok2 {
			continue
		}
		for _, l := range vector.Layers {
			a.applyOneLocked(l, v1.Layer(l), v2.Layer(l), pat.ConfusionRate)
		}
		applied++
	}

	for _, l := range vector.Layers {
		a.transforms[l].Epoch++
	}

	a.history = append(a.history, HistoryEntry{Epoch: a.transforms[vector.Subject].Epoch, PatternsApplied: applied})
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
	return applied
}

func (a *Adjuster) applyOneLocked(l vector.Layer, v1, v2 []float32, rate float32) {
	dim := vector.LayerDim(l)
	if len(v1) != dim || len(v2) != dim {
		return
	}

	d := make([]float64, dim)
	for i := range d {
		d[i] = float64(v1[i] - v2[i])
	}
	dVec := mat.NewVecDense(dim, d)

	t := a.transforms[l]

	var delta mat.Dense
	delta.Outer(float64(rate*a.learningRate), dVec, dVec)

	t.W.Add(t.W, &delta)
	t.W.Scale(float64(1-a.regStrength), t.W)

	scale := float64(a.learningRate * rate * 0.1)
	for i := 0; i < dim; i++ {
		t.B.SetVec(i, t.B.AtVec(i)+scale*d[i])
	}
}

// Transform applies every layer's current (W, b) to v and L2-normalizes
// each resulting layer, returning a new vector. v's relation matrix is
// copied unchanged: the adjuster only redefines the per-layer encoders, not the
// cross-layer coupling.
func (a *Adjuster) Transform(v *vector.MultiLayerVector) *vector.MultiLayerVector {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := v.Clone()
	for _, l := range vector.Layers {
		dim := vector.LayerDim(l)
		src := out.Layer(l)
		in := make([]float64, dim)
		for i := 0; i < dim && i < len(src); i++ {
			in[i] = float64(src[i])
		}
		inVec := mat.NewVecDense(dim, in)

		t := a.transforms[l]
		var resVec mat.VecDense
		resVec.MulVec(t.W, inVec)
		resVec.AddVec(&resVec, t.B)

		transformed := make([]float32, dim)
		for i := 0; i < dim; i++ {
			transformed[i] = float32(resVec.AtVec(i))
		}
		out.SetLayer(l, vector.Normalize(transformed))
	}
	return out
}
