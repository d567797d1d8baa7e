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

// Package shard implements the Shard Manager: hash-routed shards of
// finalized cache items, centroid-guided shard pre-selection during
// retrieval, and threshold-triggered rebalancing. Fixed-shard,
// single-writer-discipline design, keyed by a folded MultiLayerVector
// hash instead of a plain string hash, and carrying a live centroid per
// shard instead of a bare map.
package shard

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prismcache/prismcache/internal/vector"
)

var (
	ErrShardNotFound     = errors.New("shard: shard id out of range")
	ErrDimensionMismatch = vector.ErrDimensionMismatch
)

const (
	// DefaultNumShards is the default shard count.
	DefaultNumShards = 8
	// DefaultRebalanceThreshold is the default rebalance trigger.
	DefaultRebalanceThreshold = 100
)

// CacheItem is a finalized generation record, owned exclusively by the
// Shard Manager.
type CacheItem struct {
	ID        string
	Vector    *vector.MultiLayerVector
	Artifact  []byte
	CreatedAt time.Time
	HitCount  int
}

// Shard holds a subset of cache items plus their running centroid.
type Shard struct {
	ID       uint32
	Items    map[string]*CacheItem
	Centroid *vector.MultiLayerVector // nil when Count == 0
	Count    int
}

// Config configures a Manager.
type Config struct {
	NumShards          int
	PrimaryLayer       vector.Layer
	RebalanceThreshold int
}

// DefaultConfig returns the default shard manager configuration.
func DefaultConfig() Config {
	return Config{
		NumShards:          DefaultNumShards,
		PrimaryLayer:       vector.Subject,
		RebalanceThreshold: DefaultRebalanceThreshold,
	}
}

// Manager is the Shard Manager. A single sync.RWMutex enforces a
// single-writer contract: every mutating method (Insert, Remove,
// rebalance, and the atomic swap used by the vector-space adjuster) takes
// the write lock, so SearchSimilar callers always observe either the
// entirely-old or entirely-new store, never a mix.
type Manager struct {
	cfg    Config
	mu     sync.RWMutex
	shards []*Shard
}

// New builds a Manager with numShards empty shards, created once at
// startup and never destroyed.
func New(cfg Config) *Manager {
	if cfg.NumShards <= 0 {
		cfg.NumShards = DefaultNumShards
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = DefaultRebalanceThreshold
	}
	m := &Manager{cfg: cfg}
	m.shards = make([]*Shard, cfg.NumShards)
	for i := range m.shards {
		m.shards[i] = &Shard{ID: uint32(i), Items: make(map[string]*CacheItem)}
	}
	return m
}

// calculateShardID implements the shard routing hash: fold the
// primary-layer components of v via
// hash = (hash*31 + floor(component*1000)) mod 2^32, then mod numShards.
func (m *Manager) calculateShardID(v *vector.MultiLayerVector) uint32 {
	var hash uint32
	for _, c := range v.Layer(m.cfg.PrimaryLayer) {
		scaled := int64(math.Floor(float64(c) * 1000))
		hash = hash*31 + uint32(scaled)
	}
	return hash % uint32(m.cfg.NumShards)
}

// NumShards returns the fixed shard count.
func (m *Manager) NumShards() int {
	return m.cfg.NumShards
}

// Count returns the total number of cache items across all shards.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, s := range m.shards {
		total += s.Count
	}
	return total
}

// Insert places item in its routed shard, recomputes that shard's
// centroid, and rebalances the whole store if the shard-count spread now
// exceeds RebalanceThreshold.
func (m *Manager) Insert(item *CacheItem) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.calculateShardID(item.Vector)
	s := m.shards[id]
	s.Items[item.ID] = item
	s.Count = len(s.Items)
	m.recomputeCentroidLocked(s)

	if m.spreadLocked() > m.cfg.RebalanceThreshold {
		m.rebalanceLocked()
	}
}

// Remove deletes an item by id from whichever shard holds it.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.shards {
		if _, ok := s.Items[id]; ok {
			delete(s.Items, id)
			s.Count = len(s.Items)
			m.recomputeCentroidLocked(s)
			return true
		}
	}
	return false
}

func (m *Manager) recomputeCentroidLocked(s *Shard) {
	if s.Count == 0 {
		s.Centroid = nil
		return
	}
	centroid := vector.NewZero()
	for _, l := range vector.Layers {
		vs := make([][]float32, 0, s.Count)
		for _, item := range s.Items {
			vs = append(vs, item.Vector.Layer(l))
		}
		centroid.SetLayer(l, vector.Mean(vs))
	}
	s.Centroid = centroid
}

func (m *Manager) spreadLocked() int {
	if len(m.shards) == 0 {
		return 0
	}
	minC, maxC := m.shards[0].Count, m.shards[0].Count
	for _, s := range m.shards[1:] {
		if s.Count < minC {
			minC = s.Count
		}
		if s.Count > maxC {
			maxC = s.Count
		}
	}
	return maxC - minC
}

// Spread exposes the current max-min shard count gap, used by tests.
func (m *Manager) Spread() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spreadLocked()
}

// rebalanceLocked drains every shard and re-inserts every item by
// calculateShardID, then recomputes all centroids. Caller must hold mu.
func (m *Manager) rebalanceLocked() {
	var all []*CacheItem
	for _, s := range m.shards {
		for _, item := range s.Items {
			all = append(all, item)
		}
	}
	for _, s := range m.shards {
		s.Items = make(map[string]*CacheItem)
		s.Count = 0
		s.Centroid = nil
	}
	for _, item := range all {
		id := m.calculateShardID(item.Vector)
		s := m.shards[id]
		s.Items[item.ID] = item
		s.Count = len(s.Items)
	}
	for _, s := range m.shards {
		m.recomputeCentroidLocked(s)
	}
}

// Rebalance forces an out-of-band rebalance regardless of the current
// spread, exposed for operational use and tests.
func (m *Manager) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebalanceLocked()
}

// SearchOptions configures SearchSimilar.
type SearchOptions struct {
	// MaxShards caps how many top-scoring shards are scanned; 0 means all.
	MaxShards int
	Threshold float32
	MaxResults int
	Weights    map[vector.Layer]float32
}

// SearchSimilar scores and ranks shards by centroid similarity, scan the top MaxShards shards
// concurrently (one goroutine per shard via errgroup, mirroring the
// pack's bounded fan-out idiom), retain items at or above Threshold, and
// return the global top MaxResults.
func (m *Manager) SearchSimilar(ctx context.Context, q *vector.MultiLayerVector, opts SearchOptions) ([]vector.SearchResult, error) {
	weights := opts.Weights
	if weights == nil {
		weights = vector.DefaultLayerWeights()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scoredShard struct {
		shard *Shard
		score float32
	}
	var candidates []scoredShard
	for _, s := range m.shards {
		if s.Count == 0 || s.Centroid == nil {
			continue
		}
		score, err := vector.WeightedCosine(q, s.Centroid, weights)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scoredShard{s, score})
	}
	if len(candidates) == 0 {
		return []vector.SearchResult{}, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	maxShards := opts.MaxShards
	if maxShards <= 0 || maxShards > len(candidates) {
		maxShards = len(candidates)
	}
	selected := candidates[:maxShards]

	perShardResults := make([][]vector.SearchResult, len(selected))
	g, _ := errgroup.WithContext(ctx)
	for i, sel := range selected {
		i, sel := i, sel
		g.Go(func() error {
			var local []vector.SearchResult
			for _, item := range sel.shard.Items {
				score, err := vector.WeightedCosine(q, item.Vector, weights)
				if err != nil {
					return err
				}
				if score >= opts.Threshold {
					local = append(local, vector.SearchResult{ID: item.ID, Similarity: score})
				}
			}
			perShardResults[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []vector.SearchResult
	for _, r := range perShardResults {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Similarity > all[j].Similarity })

	maxResults := opts.MaxResults
	if maxResults > 0 && len(all) > maxResults {
		all = all[:maxResults]
	}
	if all == nil {
		all = []vector.SearchResult{}
	}
	return all, nil
}

// Get returns a cache item by id, scanning shards linearly (item count per
// shard is small relative to shard count in the intended deployment).
func (m *Manager) Get(id string) (*CacheItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.shards {
		if item, ok := s.Items[id]; ok {
			return item, true
		}
	}
	return nil, false
}

// AllItems returns every cache item across all shards, used by the
// vector-space adjuster to rebuild the store and by export.
func (m *Manager) AllItems() []*CacheItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*CacheItem
	for _, s := range m.shards {
		for _, item := range s.Items {
			all = append(all, item)
		}
	}
	return all
}

// ReplaceAll atomically swaps every item's vector for a transformed one
// (no item is dropped), then re-routes every item and recomputes all
// centroids -- the "swap under the single-writer lock" operation
// vector-space adjustment requires: in-flight SearchSimilar calls
// see either entirely the pre-swap or entirely the post-swap store.
func (m *Manager) ReplaceAll(transform func(*vector.MultiLayerVector) *vector.MultiLayerVector) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.shards {
		for _, item := range s.Items {
			item.Vector = transform(item.Vector)
		}
	}
	m.rebalanceLocked()
}

// Clear empties every shard.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.shards {
		s.Items = make(map[string]*CacheItem)
		s.Count = 0
		s.Centroid = nil
	}
}
