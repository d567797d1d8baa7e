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

package metrics

import (
	"encoding/json"
	"runtime"
	"sync/atomic"
	"time"
)

// Stats holds all system metrics using atomic operations for thread-safety
// This design avoids mutex overhead and provides lock-free performance monitoring
type Stats struct {
	// Core counters
	totalRequests     atomic.Uint64 // Total number of serve() calls processed
	activeConnections atomic.Int64  // Current number of active connections
	totalCacheItems   atomic.Uint64 // Total number of finalized generations cached
	totalParts        atomic.Uint64 // Total number of indexed image parts
	memoryUsage       atomic.Uint64 // Approximate memory usage in bytes

	// Strategy selection counters
	cacheHits      atomic.Uint64
	compositions   atomic.Uint64
	diffs          atomic.Uint64
	hybrids        atomic.Uint64
	newGenerations atomic.Uint64

	// Self-learning counters
	totalFeedback      atomic.Uint64
	optimizationEpochs atomic.Uint64
	adjustmentEpochs   atomic.Uint64
	converged          atomic.Bool

	// Timing
	startTime time.Time // Server start time for uptime calculation
}

// Global stats instance
var global = &Stats{
	startTime: time.Now(),
}

// Global returns the global stats instance
func Global() *Stats {
	return global
}

// IncrementRequests increments the total serve() counter.
func (s *Stats) IncrementRequests() {
	s.totalRequests.Add(1)
}

// IncrementActiveConnections increments the active connection counter
func (s *Stats) IncrementActiveConnections() {
	s.activeConnections.Add(1)
}

// DecrementActiveConnections decrements the active connection counter
func (s *Stats) DecrementActiveConnections() {
	s.activeConnections.Add(-1)
}

// IncrementCacheItems increments the total cached-generation counter.
func (s *Stats) IncrementCacheItems() {
	s.totalCacheItems.Add(1)
}

// DecrementCacheItems decrements the total cached-generation counter.
func (s *Stats) DecrementCacheItems() {
	s.totalCacheItems.Add(^uint64(0))
}

// SetTotalParts sets the indexed-part counter to the indexer's current count.
func (s *Stats) SetTotalParts(n uint64) {
	s.totalParts.Store(n)
}

// SetMemoryUsage sets the approximate memory usage
func (s *Stats) SetMemoryUsage(bytes uint64) {
	s.memoryUsage.Store(bytes)
}

// RecordStrategy increments the counter matching a strategy selector
// outcome. name is the lowercase strategy name ("cache", "composition",
// "diff", "hybrid", "new"); an unrecognized name is silently dropped.
func (s *Stats) RecordStrategy(name string) {
	switch name {
	case "cache":
		s.cacheHits.Add(1)
	case "composition":
		s.compositions.Add(1)
	case "diff":
		s.diffs.Add(1)
	case "hybrid":
		s.hybrids.Add(1)
	case "new":
		s.newGenerations.Add(1)
	}
}

// IncrementFeedback increments the total buffered-feedback counter.
func (s *Stats) IncrementFeedback() {
	s.totalFeedback.Add(1)
}

// IncrementOptimizationEpochs increments the parameter-optimizer run counter.
func (s *Stats) IncrementOptimizationEpochs() {
	s.optimizationEpochs.Add(1)
}

// IncrementAdjustmentEpochs increments the vector-space-adjuster run counter.
func (s *Stats) IncrementAdjustmentEpochs() {
	s.adjustmentEpochs.Add(1)
}

// SetConverged records the optimizer's current convergence flag.
func (s *Stats) SetConverged(v bool) {
	s.converged.Store(v)
}

// GetUptime returns the server uptime duration
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot represents a point-in-time view of all metrics
type Snapshot struct {
	Goroutines         int     `json:"goroutines"`
	TotalRequests      uint64  `json:"total_requests"`
	ActiveConnections  int64   `json:"active_connections"`
	TotalCacheItems    uint64  `json:"total_cache_items"`
	TotalParts         uint64  `json:"total_parts"`
	MemoryUsageMB      float64 `json:"memory_usage_mb"`
	Uptime             string  `json:"uptime"`
	QPS                float64 `json:"qps"`
	CacheHits          uint64  `json:"cache_hits"`
	Compositions       uint64  `json:"compositions"`
	Diffs              uint64  `json:"diffs"`
	Hybrids            uint64  `json:"hybrids"`
	NewGenerations     uint64  `json:"new_generations"`
	TotalFeedback      uint64  `json:"total_feedback"`
	OptimizationEpochs uint64  `json:"optimization_epochs"`
	AdjustmentEpochs   uint64  `json:"adjustment_epochs"`
	Converged          bool    `json:"converged"`
}

// Snapshot creates a consistent snapshot of all metrics
func (s *Stats) Snapshot() *Snapshot {
	uptime := s.GetUptime()
	totalRequests := s.totalRequests.Load()

	var qps float64
	if uptime.Seconds() > 0 {
		qps = float64(totalRequests) / uptime.Seconds()
	}

	return &Snapshot{
		Goroutines:         runtime.NumGoroutine(),
		TotalRequests:      totalRequests,
		ActiveConnections:  s.activeConnections.Load(),
		TotalCacheItems:    s.totalCacheItems.Load(),
		TotalParts:         s.totalParts.Load(),
		MemoryUsageMB:      float64(s.memoryUsage.Load()) / 1024 / 1024,
		Uptime:             uptime.String(),
		QPS:                qps,
		CacheHits:          s.cacheHits.Load(),
		Compositions:       s.compositions.Load(),
		Diffs:              s.diffs.Load(),
		Hybrids:            s.hybrids.Load(),
		NewGenerations:     s.newGenerations.Load(),
		TotalFeedback:      s.totalFeedback.Load(),
		OptimizationEpochs: s.optimizationEpochs.Load(),
		AdjustmentEpochs:   s.adjustmentEpochs.Load(),
		Converged:          s.converged.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string
func (s *Stats) JSON() (string, error) {
	snapshot := s.Snapshot()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
