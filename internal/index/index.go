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

// Package index implements the Part Indexer: the in-memory map of
// segmented image parts, keyed by id and bucketed by type, with a
// weighted-cosine similarity search. Collapsed to a single map since the
// part index (unlike the shard manager) is not itself sharded --
// single-writer discipline here comes from an explicit mutex instead.
package index

import (
	"sort"
	"sync"

	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/vector"
)

// PartType is one of the four region roles a segmented part can fill.
type PartType string

const (
	Foreground PartType = "foreground"
	Background PartType = "background"
	Detail     PartType = "detail"
	Global     PartType = "global"
)

// Metadata carries the provenance and confidence of a segmented part.
type Metadata struct {
	Confidence  float32
	BoundingBox *BoundingBox
	Provenance  string
}

// BoundingBox is an optional pixel-space region within the source image.
type BoundingBox struct {
	X, Y, Width, Height int
}

// Part is an indexed, segmented piece of a generated image. The Part
// Indexer is its exclusive owner: created by the (external) segmenter,
// destroyed only via RemovePart or ClearIndex.
type Part struct {
	ID       string
	Type     PartType
	Vector   *vector.MultiLayerVector
	Blob     []byte
	Metadata Metadata
}

// Index is the Part Indexer: byId, byType and a linear scan list kept
// in sync under a single lock.
type Index struct {
	mu     sync.RWMutex
	byID   map[string]*Part
	byType map[PartType][]string
	order  []string
}

// New creates an empty Part Indexer.
func New() *Index {
	return &Index{
		byID:   make(map[string]*Part),
		byType: make(map[PartType][]string),
	}
}

// IndexParts inserts or replaces parts by id. Idempotent on id.
func (ix *Index) IndexParts(parts []*Part) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, p := range parts {
		ix.indexOneLocked(p)
	}
}

func (ix *Index) indexOneLocked(p *Part) {
	if existing, ok := ix.byID[p.ID]; ok {
		ix.removeFromTypeLocked(existing.Type, p.ID)
	} else {
		ix.order = append(ix.order, p.ID)
	}
	ix.byID[p.ID] = p
	ix.byType[p.Type] = append(ix.byType[p.Type], p.ID)
}

func (ix *Index) removeFromTypeLocked(t PartType, id string) {
	ids := ix.byType[t]
	for i, existingID := range ids {
		if existingID == id {
			ix.byType[t] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// RemovePart purges a part from all three views atomically.
func (ix *Index) RemovePart(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	p, ok := ix.byID[id]
	if !ok {
		return false
	}
	ix.removeFromTypeLocked(p.Type, id)
	delete(ix.byID, id)
	for i, existingID := range ix.order {
		if existingID == id {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
	return true
}

// ClearIndex removes every part from the index.
func (ix *Index) ClearIndex() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byID = make(map[string]*Part)
	ix.byType = make(map[PartType][]string)
	ix.order = nil
}

// Get returns a part by id.
func (ix *Index) Get(id string) (*Part, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	p, ok := ix.byID[id]
	return p, ok
}

// Count returns the number of indexed parts.
func (ix *Index) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// CountByType returns the number of indexed parts per type bucket.
func (ix *Index) CountByType() map[PartType]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[PartType]int, len(ix.byType))
	for t, ids := range ix.byType {
		out[t] = len(ids)
	}
	return out
}

// AllParts returns every indexed part, in insertion order. Used by the
// export path; callers must not mutate the returned parts.
func (ix *Index) AllParts() []*Part {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*Part, 0, len(ix.order))
	for _, id := range ix.order {
		if p, ok := ix.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// SearchResult is a single scored hit from Search.
type SearchResult struct {
	Part       *Part
	Similarity float32
}

// Search scans the (optionally type-filtered) candidate set, scores every
// candidate with the weighted cosine shared with the shard manager, and
// returns the top K results at or above minSimilarity, sorted descending.
// An empty index returns an empty slice, never an error -- a cold-start
// query against an empty index falls through to the "new" strategy rather
// than failing.
func (ix *Index) Search(query *vector.MultiLayerVector, topK int, minSimilarity float32, weights map[vector.Layer]float32, partType *PartType) ([]SearchResult, error) {
	if weights == nil {
		weights = vector.DefaultLayerWeights()
	}

	ix.mu.RLock()
	var candidateIDs []string
	if partType != nil {
		candidateIDs = append(candidateIDs, ix.byType[*partType]...)
	} else {
		candidateIDs = append(candidateIDs, ix.order...)
	}
	candidates := make([]*Part, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		candidates = append(candidates, ix.byID[id])
	}
	ix.mu.RUnlock()

	results := make([]SearchResult, 0, len(candidates))
	for _, p := range candidates {
		score, err := vector.WeightedCosine(query, p.Vector, weights)
		if err != nil {
			return nil, err
		}
		if score >= minSimilarity {
			results = append(results, SearchResult{Part: p, Similarity: score})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DefaultWeights is a convenience accessor used by callers that want the
// indexer's search to follow the live learned SystemParams rather than the
// static default weights.
func DefaultWeights(store *params.Store) map[vector.Layer]float32 {
	if store == nil {
		return vector.DefaultLayerWeights()
	}
	return store.Get().LayerWeights
}
