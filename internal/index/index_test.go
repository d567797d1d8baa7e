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

package index

import (
	"testing"

	"github.com/prismcache/prismcache/internal/vector"
)

// mkVec sets the same two-component split across every layer so the
// default weighted cosine between two mkVec outputs equals the per-layer
// cosine directly (the default layer weights sum to 1) instead of being
// capped at the subject layer's 0.30 weight.
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

func TestIndexPartsIdempotent(t *testing.T) {
	ix := New()
	p := &Part{ID: "p1", Type: Foreground, Vector: mkVec(1)}

	ix.IndexParts([]*Part{p})
	ix.IndexParts([]*Part{p})

	if ix.Count() != 1 {
		t.Errorf("Count() = %d, want 1 after idempotent re-index", ix.Count())
	}
}

func TestRemovePartPurgesAllViews(t *testing.T) {
	ix := New()
	p := &Part{ID: "p1", Type: Foreground, Vector: mkVec(1)}
	ix.IndexParts([]*Part{p})

	if !ix.RemovePart("p1") {
		t.Fatal("RemovePart() = false, want true")
	}
	if _, ok := ix.Get("p1"); ok {
		t.Error("part still present after RemovePart")
	}
	results, err := ix.Search(mkVec(1), 5, 0, nil, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() after RemovePart returned %d results, want 0", len(results))
	}
}

func TestSearchTopKAndThreshold(t *testing.T) {
	ix := New()
	ix.IndexParts([]*Part{
		{ID: "a", Type: Foreground, Vector: mkVec(1.0)},
		{ID: "b", Type: Foreground, Vector: mkVec(0.9)},
		{ID: "c", Type: Background, Vector: mkVec(0.0)},
	})

	results, err := ix.Search(mkVec(1.0), 1, 0.5, nil, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Part.ID != "a" {
		t.Fatalf("Search() top result = %+v, want part a", results)
	}
}

func TestSearchTypeFilter(t *testing.T) {
	ix := New()
	ix.IndexParts([]*Part{
		{ID: "fg", Type: Foreground, Vector: mkVec(1.0)},
		{ID: "bg", Type: Background, Vector: mkVec(1.0)},
	})

	bg := Background
	results, err := ix.Search(mkVec(1.0), 10, 0, nil, &bg)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Part.ID != "bg" {
		t.Fatalf("type-filtered Search() = %+v, want only part bg", results)
	}
}

func TestClearIndexThenReindexMatchesFreshIndex(t *testing.T) {
	mk := func() []*Part {
		return []*Part{
			{ID: "a", Type: Foreground, Vector: mkVec(1.0)},
			{ID: "b", Type: Foreground, Vector: mkVec(0.8)},
		}
	}

	reused := New()
	reused.IndexParts(mk())
	reused.ClearIndex()
	reused.IndexParts(mk())

	fresh := New()
	fresh.IndexParts(mk())

	q := mkVec(1.0)
	rRes, err := reused.Search(q, 10, 0, nil, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	fRes, err := fresh.Search(q, 10, 0, nil, nil)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(rRes) != len(fRes) {
		t.Fatalf("result count mismatch: %d vs %d", len(rRes), len(fRes))
	}
	for i := range rRes {
		if rRes[i].Part.ID != fRes[i].Part.ID {
			t.Errorf("result[%d] = %s, want %s", i, rRes[i].Part.ID, fRes[i].Part.ID)
		}
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := New()
	results, err := ix.Search(mkVec(1.0), 5, 0, nil, nil)
	if err != nil {
		t.Fatalf("Search() on empty index error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Search() on empty index = %d results, want 0", len(results))
	}
}
