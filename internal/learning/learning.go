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

// Package learning implements the Self-Learning Engine: it wires
// feedback collection, parameter optimization and vector-space
// adjustment to the serving path on a fixed feedback-count schedule.
package learning

import (
	"sync"
	"time"

	"github.com/prismcache/prismcache/internal/adjust"
	"github.com/prismcache/prismcache/internal/feedback"
	"github.com/prismcache/prismcache/internal/optimize"
	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/shard"
	"github.com/prismcache/prismcache/internal/vector"
)

const (
	optimizationInterval       = 50
	minFeedbackForOptimization = 20

	adjustmentInterval       = 100
	minFeedbackForAdjustment = 50

	maxQueryVectors = 10000
)

// PerformanceMetrics is the engine's self-reported health, recomputed
// after every feedback record.
type PerformanceMetrics struct {
	AcceptanceRate           float32
	AverageRegenerationCount float32
	ParameterConvergence     bool
	VectorSpaceQuality       float32
	LastUpdated              time.Time
}

// Engine ties the feedback collector, the parameter optimizer and the
// vector-space adjuster into one scheduled learning loop.
type Engine struct {
	mu sync.Mutex

	feedback  *feedback.Collector
	optimizer *optimize.Optimizer
	adjuster  *adjust.Adjuster
	params    *params.Store
	cache     *shard.Manager

	// queryVectors remembers the vector a prompt resolved to at serving
	// time, keyed by promptId. AnalyzeCrossUserPatterns reports
	// confusion by promptId, not by the CacheItem id the served result
	// lives under, so the adjuster needs this side table to resolve
	// "id1, id2" in a confusion pattern back to vectors; a natural
	// extension of what the serving path already computes once per
	// request.
	queryVectors map[string]*vector.MultiLayerVector
	queryOrder   []string

	totalFeedback int
	lastOptEpoch  int
	lastAdjEpoch  int

	metrics PerformanceMetrics
}

// New creates a learning Engine over the given collaborators. fb, opt and
// adj may be freshly constructed; store and cache are the live
// params.Store and shard.Manager the serving path already uses.
func New(fb *feedback.Collector, opt *optimize.Optimizer, adj *adjust.Adjuster, store *params.Store, cache *shard.Manager) *Engine {
	return &Engine{
		feedback:     fb,
		optimizer:    opt,
		adjuster:     adj,
		params:       store,
		cache:        cache,
		queryVectors: make(map[string]*vector.MultiLayerVector),
	}
}

// RecordQueryVector remembers the vector a promptId last resolved to, so a
// later confusion pattern naming that promptId can be adjusted against it.
func (e *Engine) RecordQueryVector(promptID string, v *vector.MultiLayerVector) {
	if promptID == "" || v == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.queryVectors[promptID]; !exists {
		e.queryOrder = append(e.queryOrder, promptID)
		if len(e.queryOrder) > maxQueryVectors {
			evict := e.queryOrder[0]
			e.queryOrder = e.queryOrder[1:]
			delete(e.queryVectors, evict)
		}
	}
	e.queryVectors[promptID] = v
}

func (e *Engine) lookupQueryVector(id string) (*vector.MultiLayerVector, bool) {
	v, ok := e.queryVectors[id]
	return v, ok
}

// RecordFeedback buffers r into the feedback collector, then runs the
// learning engine's one synchronous post-commit step: maybe-optimize,
// maybe-adjust, recompute metrics. Folding all three into this single
// call (rather than a background goroutine per concern) keeps them from
// racing over the same feedback snapshot and params.Store.
func (e *Engine) RecordFeedback(r feedback.Record) bool {
	if !e.feedback.Record(r) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalFeedback++
	e.maybeOptimizeLocked()
	e.maybeAdjustLocked()
	e.updateMetricsLocked()
	return true
}

func (e *Engine) maybeOptimizeLocked() {
	if e.totalFeedback-e.lastOptEpoch < optimizationInterval {
		return
	}
	if e.totalFeedback < minFeedbackForOptimization {
		return
	}

	records := e.feedback.Snapshot()
	cur := e.params.Get()
	next := e.optimizer.Step(cur, records)
	// next is always valid post-ClampRenormalize; Set's Validate is a
	// belt-and-braces check against a future optimizer bug, not an
	// expected failure path here.
	_ = e.params.Set(next)

	e.lastOptEpoch = e.totalFeedback
}

func (e *Engine) maybeAdjustLocked() {
	if e.totalFeedback-e.lastAdjEpoch < adjustmentInterval {
		return
	}
	if e.totalFeedback < minFeedbackForAdjustment {
		return
	}

	patterns := e.feedback.AnalyzeCrossUserPatterns()
	if len(patterns) > 0 {
		e.adjuster.ApplyConfusionPatterns(patterns, e.lookupQueryVector)
		e.cache.ReplaceAll(e.adjuster.Transform)
	}

	e.lastAdjEpoch = e.totalFeedback
}

func (e *Engine) updateMetricsLocked() {
	agg := e.feedback.AggregateFeedback()
	patterns := e.feedback.AnalyzeCrossUserPatterns()

	quality := float32(1)
	if len(patterns) > 0 {
		var sum float32
		for _, p := range patterns {
			sum += p.ConfusionRate
		}
		quality = 1 - sum/float32(len(patterns))
	}

	e.metrics = PerformanceMetrics{
		AcceptanceRate:           agg.AcceptanceRate,
		AverageRegenerationCount: agg.AverageRegenerationCount,
		ParameterConvergence:     e.optimizer.Converged(),
		VectorSpaceQuality:       quality,
		LastUpdated:              time.Now(),
	}
}

// Metrics returns the most recently computed performance snapshot.
func (e *Engine) Metrics() PerformanceMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// TotalFeedback reports how many feedback records have been buffered
// across the engine's lifetime.
func (e *Engine) TotalFeedback() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFeedback
}
