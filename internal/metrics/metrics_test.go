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
	"strings"
	"testing"
	"time"
)

func TestGlobal(t *testing.T) {
	g := Global()
	if g == nil {
		t.Fatal("Global() returned nil")
	}

	// Should return same instance
	g2 := Global()
	if g != g2 {
		t.Error("Global() should return the same instance")
	}
}

func TestStatsRequests(t *testing.T) {
	s := &Stats{startTime: time.Now()}

	s.IncrementRequests()
	s.IncrementRequests()
	s.IncrementRequests()

	if got := s.totalRequests.Load(); got != 3 {
		t.Errorf("totalRequests = %d, want 3", got)
	}
}

func TestStatsActiveConnections(t *testing.T) {
	s := &Stats{startTime: time.Now()}

	s.IncrementActiveConnections()
	s.IncrementActiveConnections()
	if s.activeConnections.Load() != 2 {
		t.Errorf("activeConnections = %d, want 2", s.activeConnections.Load())
	}

	s.DecrementActiveConnections()
	if s.activeConnections.Load() != 1 {
		t.Errorf("activeConnections after decrement = %d, want 1", s.activeConnections.Load())
	}
}

func TestStatsCacheItems(t *testing.T) {
	s := &Stats{startTime: time.Now()}

	s.IncrementCacheItems()
	s.IncrementCacheItems()
	s.IncrementCacheItems()

	if s.totalCacheItems.Load() != 3 {
		t.Errorf("totalCacheItems = %d, want 3", s.totalCacheItems.Load())
	}

	s.DecrementCacheItems()
	if s.totalCacheItems.Load() != 2 {
		t.Errorf("totalCacheItems after decrement = %d, want 2", s.totalCacheItems.Load())
	}
}

func TestStatsRecordStrategy(t *testing.T) {
	s := &Stats{startTime: time.Now()}

	s.RecordStrategy("cache")
	s.RecordStrategy("cache")
	s.RecordStrategy("diff")
	s.RecordStrategy("hybrid")
	s.RecordStrategy("composition")
	s.RecordStrategy("new")
	s.RecordStrategy("unknown") // silently dropped

	snap := s.Snapshot()
	if snap.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", snap.CacheHits)
	}
	if snap.Diffs != 1 || snap.Hybrids != 1 || snap.Compositions != 1 || snap.NewGenerations != 1 {
		t.Errorf("strategy snapshot = %+v, want 1 each", snap)
	}
}

func TestStatsLearningCounters(t *testing.T) {
	s := &Stats{startTime: time.Now()}

	s.IncrementFeedback()
	s.IncrementFeedback()
	s.IncrementOptimizationEpochs()
	s.IncrementAdjustmentEpochs()
	s.SetConverged(true)

	snap := s.Snapshot()
	if snap.TotalFeedback != 2 {
		t.Errorf("TotalFeedback = %d, want 2", snap.TotalFeedback)
	}
	if snap.OptimizationEpochs != 1 || snap.AdjustmentEpochs != 1 {
		t.Errorf("epoch counters = %+v, want 1 each", snap)
	}
	if !snap.Converged {
		t.Error("Converged = false, want true")
	}
}

func TestStatsMemoryUsage(t *testing.T) {
	s := &Stats{startTime: time.Now()}

	s.SetMemoryUsage(1024 * 1024 * 100) // 100 MB

	if s.memoryUsage.Load() != 104857600 {
		t.Errorf("memoryUsage = %d, want 104857600", s.memoryUsage.Load())
	}
}

func TestStatsUptime(t *testing.T) {
	s := &Stats{startTime: time.Now().Add(-time.Second * 5)}

	uptime := s.GetUptime()
	if uptime < time.Second*4 || uptime > time.Second*6 {
		t.Errorf("GetUptime() = %v, expected around 5s", uptime)
	}
}

func TestSnapshot(t *testing.T) {
	s := &Stats{startTime: time.Now().Add(-time.Second * 10)}

	s.IncrementRequests()
	s.IncrementRequests()
	s.IncrementActiveConnections()
	s.IncrementCacheItems()
	s.SetTotalParts(7)
	s.SetMemoryUsage(1024 * 1024)

	snapshot := s.Snapshot()

	if snapshot.TotalRequests < 2 {
		t.Errorf("Snapshot.TotalRequests = %d, want >= 2", snapshot.TotalRequests)
	}
	if snapshot.ActiveConnections != 1 {
		t.Errorf("Snapshot.ActiveConnections = %d, want 1", snapshot.ActiveConnections)
	}
	if snapshot.TotalCacheItems < 1 {
		t.Errorf("Snapshot.TotalCacheItems = %d, want >= 1", snapshot.TotalCacheItems)
	}
	if snapshot.TotalParts != 7 {
		t.Errorf("Snapshot.TotalParts = %d, want 7", snapshot.TotalParts)
	}
	if snapshot.MemoryUsageMB < 0.9 || snapshot.MemoryUsageMB > 1.1 {
		t.Errorf("Snapshot.MemoryUsageMB = %f, want ~1.0", snapshot.MemoryUsageMB)
	}
	if snapshot.Goroutines <= 0 {
		t.Error("Snapshot.Goroutines should be > 0")
	}
	if snapshot.QPS <= 0 {
		t.Error("Snapshot.QPS should be > 0")
	}
	if snapshot.Uptime == "" {
		t.Error("Snapshot.Uptime should not be empty")
	}
}

func TestJSON(t *testing.T) {
	s := &Stats{startTime: time.Now()}

	s.IncrementRequests()
	s.IncrementActiveConnections()
	s.IncrementCacheItems()
	s.SetMemoryUsage(1024)

	jsonStr, err := s.JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		t.Fatalf("JSON() returned invalid JSON: %v", err)
	}

	requiredFields := []string{
		"goroutines", "total_requests", "active_connections", "total_cache_items",
		"total_parts", "memory_usage_mb", "uptime", "qps", "cache_hits",
		"compositions", "diffs", "hybrids", "new_generations", "total_feedback",
		"optimization_epochs", "adjustment_epochs", "converged",
	}
	for _, field := range requiredFields {
		if _, ok := result[field]; !ok {
			t.Errorf("JSON() missing field: %s", field)
		}
	}

	if !strings.Contains(jsonStr, "\n") {
		t.Error("JSON() should be pretty printed with newlines")
	}
}
