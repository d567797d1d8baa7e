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

package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prismcache/prismcache/internal/generator"
	"github.com/prismcache/prismcache/internal/index"
	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/shard"
	"github.com/prismcache/prismcache/internal/vector"
)

// mkVec sets the same two-component split across every layer so the
// weighted cosine between two mkVec outputs equals the per-layer cosine
// directly (the default layer weights sum to 1), letting tests reason
// about the 0.8/0.6 fixed knobs in terms of a single scalar.
func mkVec(x float32) *vector.MultiLayerVector {
	v := vector.NewZero()
	for _, l := range vector.Layers {
		values := v.Layer(l)
		values[0] = x
		values[1] = 1 - x
		v.SetLayer(l, vector.Normalize(values))
	}
	return v
}

// mkVecCos builds a unit vector per layer whose cosine against mkVec(1.0)
// (the canonical [1,0,...] query) is exactly cos, for tests that need to
// place a candidate precisely relative to the 0.8/0.6 fixed knobs.
func mkVecCos(cos float32) *vector.MultiLayerVector {
	v := vector.NewZero()
	second := float32(0)
	if cos < 1 {
		second = float32(math.Sqrt(float64(1 - cos*cos)))
	}
	for _, l := range vector.Layers {
		values := v.Layer(l)
		values[0] = cos
		values[1] = second
		v.SetLayer(l, vector.Normalize(values))
	}
	return v
}

func newSelector() *Selector {
	return New(index.New(), shard.New(shard.DefaultConfig()), generator.NewStub(), params.NewStore(params.Default()))
}

func TestSelectEmptyStoresYieldsNew(t *testing.T) {
	s := newSelector()
	res, err := s.Select(context.Background(), mkVec(1.0), "prompt", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.Strategy != New {
		t.Errorf("Strategy = %s, want new", res.Strategy)
	}
}

func TestSelectCacheHitAboveThreshold(t *testing.T) {
	s := newSelector()
	s.Cache.Insert(&shard.CacheItem{ID: "hit", Vector: mkVec(1.0), Artifact: []byte("cached"), CreatedAt: time.Now()})

	res, err := s.Select(context.Background(), mkVec(1.0), "prompt", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.Strategy != Cache {
		t.Fatalf("Strategy = %s, want cache", res.Strategy)
	}
	if string(res.Artifact) != "cached" {
		t.Errorf("Artifact = %q, want cached", res.Artifact)
	}
}

func TestSelectDiffWhenTopSimilarityAboveFixedKnob(t *testing.T) {
	s := newSelector()
	s.Parts.IndexParts([]*index.Part{
		{ID: "a", Type: index.Global, Vector: mkVecCos(0.85), Blob: []byte("a")},
	})

	res, err := s.Select(context.Background(), mkVec(1.0), "prompt", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.Strategy != Diff {
		t.Fatalf("Strategy = %s, want diff", res.Strategy)
	}
	if res.UsedParts[0].ID != "a" {
		t.Errorf("BasePart = %s, want a", res.UsedParts[0].ID)
	}
}

func TestSelectCompositionWithThreeModerateResults(t *testing.T) {
	s := newSelector()
	s.Parts.IndexParts([]*index.Part{
		{ID: "a", Type: index.Foreground, Vector: mkVecCos(0.65), Blob: []byte("a")},
		{ID: "b", Type: index.Background, Vector: mkVecCos(0.65), Blob: []byte("b")},
		{ID: "c", Type: index.Detail, Vector: mkVecCos(0.65), Blob: []byte("c")},
	})

	res, err := s.Select(context.Background(), mkVec(1.0), "prompt", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.Strategy != Composition {
		t.Fatalf("Strategy = %s, want composition", res.Strategy)
	}
}

func TestSelectForcedStrategyBypassesDecisionTree(t *testing.T) {
	s := newSelector()
	forced := New
	res, err := s.Select(context.Background(), mkVec(1.0), "prompt", &forced)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if res.Strategy != New {
		t.Errorf("Strategy = %s, want new", res.Strategy)
	}
}

func TestGenerateVariationsZeroSigmaIsNoOp(t *testing.T) {
	s := newSelector()
	s.Parts.IndexParts([]*index.Part{{ID: "a", Type: index.Global, Vector: mkVec(0.5), Blob: []byte("a")}})

	base := mkVec(0.5)
	results, err := GenerateVariations(context.Background(), s.Parts, nil, base, 3, 0, 0.95, "prompt", DefaultGenerationParams(), s.Generator)
	if err != nil {
		t.Fatalf("GenerateVariations() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
}
