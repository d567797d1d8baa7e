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

// Package feedback implements the Feedback Collector: an
// append-only per-prompt feedback log, per-user session tracking, and
// the two aggregation views (acceptance-rate aggregation and cross-user
// confusion patterns) the learning loop consumes.
package feedback

import (
	"sync"
	"time"
)

// Implicit carries the signals gathered without an explicit user verdict.
type Implicit struct {
	RegenerationCount int
	EditCount         int
	DwellTimeMs       int64
	ClickedVariants   int
}

// Record is one piece of feedback on a served result. Explicit is nil
// when the user gave no accept/reject verdict, only implicit signals.
type Record struct {
	PromptID  string
	ResultID  string
	Explicit  *bool
	Implicit  Implicit
	UserID    string
	SessionID string
	Timestamp time.Time
}

// Accepted reports whether r carries an explicit "accepted" verdict.
func (r Record) Accepted() bool {
	return r.Explicit != nil && *r.Explicit
}

// Rejected reports whether r carries an explicit "rejected" verdict.
func (r Record) Rejected() bool {
	return r.Explicit != nil && !*r.Explicit
}

// SessionState is a per-user session's lifecycle stage.
type SessionState int

const (
	NotStarted SessionState = iota
	Active
	Ended
)

// Aggregate is the result of AggregateFeedback.
type Aggregate struct {
	AcceptanceRate          float32
	AverageRegenerationCount float32
	Patterns                []Pattern
}

// Pattern is a named, counted behavioral bucket surfaced by aggregation.
// The source system names "patterns" in its aggregate but leaves the
// bucketing scheme unspecified; see DESIGN.md for the chosen buckets.
type Pattern struct {
	Label string
	Count int
}

// CrossUserPattern is the confusion signal fed into the vector-space
// adjuster: two prompts that resolved to the same served result,
// and what fraction of those shared occurrences were rejected.
type CrossUserPattern struct {
	PromptA       string
	PromptB       string
	ConfusionRate float32
}

// Collector buffers feedback records and cross-user confusion patterns
// under single-writer discipline via one mutex.
type Collector struct {
	mu       sync.Mutex
	log      []Record
	sessions map[string]SessionState
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{sessions: make(map[string]SessionState)}
}

// StartSession transitions a session from not-started to active.
func (c *Collector) StartSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sessionID] == NotStarted {
		c.sessions[sessionID] = Active
	}
}

// EndSession transitions a session to the terminal ended state.
func (c *Collector) EndSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = Ended
}

// SessionState returns a session's current lifecycle stage.
func (c *Collector) SessionState(sessionID string) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sessionID]
}

// Record appends a feedback record. If the record names a session already
// in the Ended state, the event is discarded (the caller should log a
// warning) and Record returns false.
func (c *Collector) Record(r Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.SessionID != "" && c.sessions[r.SessionID] == Ended {
		return false
	}
	if r.SessionID != "" && c.sessions[r.SessionID] == NotStarted {
		c.sessions[r.SessionID] = Active
	}
	c.log = append(c.log, r)
	return true
}

// Len returns the number of feedback records collected so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

// Snapshot returns a defensive copy of the feedback log, used by the
// optimizer to work off a stable view of "all collected feedback at
// trigger time" rather than one that mutates mid-pass.
func (c *Collector) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.log))
	copy(out, c.log)
	return out
}

// AggregateFeedback computes the acceptance rate, average regeneration
// count, and a small set of behavioral patterns over every record
// collected so far.
func (c *Collector) AggregateFeedback() Aggregate {
	return AggregateRecords(c.Snapshot())
}

// AggregateRecords computes an Aggregate over an arbitrary record set,
// exposed so the learning engine can aggregate a specific snapshot rather
// than the collector's live log.
func AggregateRecords(records []Record) Aggregate {
	if len(records) == 0 {
		return Aggregate{}
	}

	var accepted, explicitTotal, regenSum int
	var quickAccept, quickReject, heavyRegen int
	for _, r := range records {
		if r.Explicit != nil {
			explicitTotal++
			if *r.Explicit {
				accepted++
			}
		}
		regenSum += r.Implicit.RegenerationCount
		switch {
		case r.Implicit.RegenerationCount >= 3:
			heavyRegen++
		case r.Accepted() && r.Implicit.RegenerationCount == 0:
			quickAccept++
		case r.Rejected() && r.Implicit.RegenerationCount == 0:
			quickReject++
		}
	}

	agg := Aggregate{
		AverageRegenerationCount: float32(regenSum) / float32(len(records)),
	}
	if explicitTotal > 0 {
		agg.AcceptanceRate = float32(accepted) / float32(explicitTotal)
	}
	if quickAccept > 0 {
		agg.Patterns = append(agg.Patterns, Pattern{Label: "quick-accept", Count: quickAccept})
	}
	if quickReject > 0 {
		agg.Patterns = append(agg.Patterns, Pattern{Label: "quick-reject", Count: quickReject})
	}
	if heavyRegen > 0 {
		agg.Patterns = append(agg.Patterns, Pattern{Label: "heavy-regeneration", Count: heavyRegen})
	}
	return agg
}

// AnalyzeCrossUserPatterns groups records by ResultID to find prompts that
// resolved to the same served result -- a signal that the two prompts are
// being confused by the cache/index -- and reports the fraction of those
// shared occurrences that were rejected.
func (c *Collector) AnalyzeCrossUserPatterns() []CrossUserPattern {
	records := c.Snapshot()

	byResult := make(map[string][]Record)
	for _, r := range records {
		if r.ResultID == "" {
			continue
		}
		byResult[r.ResultID] = append(byResult[r.ResultID], r)
	}

	type pairStats struct{ total, rejected int }
	pairs := make(map[[2]string]*pairStats)

	for _, group := range byResult {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i].PromptID, group[j].PromptID
				if a == "" || b == "" || a == b {
					continue
				}
				key := [2]string{a, b}
				if key[0] > key[1] {
					key[0], key[1] = key[1], key[0]
				}
				ps, ok := pairs[key]
				if !ok {
					ps = &pairStats{}
					pairs[key] = ps
				}
				ps.total++
				if group[i].Rejected() {
					ps.rejected++
				}
				ps.total++
				if group[j].Rejected() {
					ps.rejected++
				}
			}
		}
	}

	patterns := make([]CrossUserPattern, 0, len(pairs))
	for key, ps := range pairs {
		var rate float32
		if ps.total > 0 {
			rate = float32(ps.rejected) / float32(ps.total)
		}
		patterns = append(patterns, CrossUserPattern{PromptA: key[0], PromptB: key[1], ConfusionRate: rate})
	}
	return patterns
}
