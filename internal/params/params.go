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

// Package params holds SystemParams, the learned scoring and strategy
// parameters shared by the shard manager, the strategy selector
// and the parameter optimizer. It lives in its own package so none of
// those three need to import one another just to agree on this one value
// object.
package params

import (
	"errors"
	"sync"

	"github.com/prismcache/prismcache/internal/vector"
)

var ErrWeightSumDrift = errors.New("layer weights do not sum to 1.0 within tolerance")

// Thresholds are the learned gates that decide whether a selected
// candidate is actually returned vs. demoted to the next strategy.
type Thresholds struct {
	CacheHit        float32
	DiffGeneration  float32
}

const (
	CacheHitMin = 0.5
	CacheHitMax = 0.99

	DiffGenerationMin = 0.3
	DiffGenerationMax = 0.95

	LearningRateMin = 1e-4
	LearningRateMax = 0.1

	weightSumTolerance = 1e-6
)

// SystemParams is the mutable, learned configuration of the serving path.
type SystemParams struct {
	LayerWeights map[vector.Layer]float32
	Thresholds   Thresholds
	LearningRate float32
}

// Default returns the out-of-the-box SystemParams: default layer weights,
// the fixed strategy knobs as the initial learned thresholds, and a
// mid-range learning rate.
func Default() *SystemParams {
	return &SystemParams{
		LayerWeights: vector.DefaultLayerWeights(),
		Thresholds: Thresholds{
			CacheHit:       0.8,
			DiffGeneration: 0.6,
		},
		LearningRate: 0.01,
	}
}

// Clone returns a deep copy, so concurrent readers (the strategy selector,
// the shard manager) never observe a half-updated map while the optimizer
// is writing.
func (p *SystemParams) Clone() *SystemParams {
	weights := make(map[vector.Layer]float32, len(p.LayerWeights))
	for k, v := range p.LayerWeights {
		weights[k] = v
	}
	return &SystemParams{
		LayerWeights: weights,
		Thresholds:   p.Thresholds,
		LearningRate: p.LearningRate,
	}
}

// Validate checks that layer weights stay in [0,1] and sum to 1 within
// tolerance, and that both thresholds and the learning rate stay within
// their fixed ranges.
func (p *SystemParams) Validate() error {
	var sum float32
	for _, w := range p.LayerWeights {
		if w < 0 || w > 1 {
			return errors.New("layer weight out of [0,1]")
		}
		sum += w
	}
	diff := sum - 1.0
	if diff < 0 {
		diff = -diff
	}
	if diff > weightSumTolerance {
		return ErrWeightSumDrift
	}
	if p.Thresholds.CacheHit < CacheHitMin || p.Thresholds.CacheHit > CacheHitMax {
		return errors.New("cacheHit threshold out of range")
	}
	if p.Thresholds.DiffGeneration < DiffGenerationMin || p.Thresholds.DiffGeneration > DiffGenerationMax {
		return errors.New("diffGeneration threshold out of range")
	}
	if p.LearningRate < LearningRateMin || p.LearningRate > LearningRateMax {
		return errors.New("learning rate out of range")
	}
	return nil
}

// ClampRenormalize clamps every layer weight into [0,1] and rescales the
// set back to sum-to-1, then clamps the two thresholds and the learning
// rate into their fixed ranges. This is the post-update step the
// parameter optimizer runs after every gradient step.
func (p *SystemParams) ClampRenormalize() {
	var sum float32
	for l, w := range p.LayerWeights {
		w = clamp(w, 0, 1)
		p.LayerWeights[l] = w
		sum += w
	}
	if sum > 0 {
		for l, w := range p.LayerWeights {
			p.LayerWeights[l] = w / sum
		}
	}
	p.Thresholds.CacheHit = clamp(p.Thresholds.CacheHit, CacheHitMin, CacheHitMax)
	p.Thresholds.DiffGeneration = clamp(p.Thresholds.DiffGeneration, DiffGenerationMin, DiffGenerationMax)
	p.LearningRate = clamp(p.LearningRate, LearningRateMin, LearningRateMax)
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

// Store is a single-writer-discipline holder for the live SystemParams,
// guarded by a mutex.
type Store struct {
	mu   sync.RWMutex
	cur  *SystemParams
}

// NewStore seeds a Store with the given initial params.
func NewStore(initial *SystemParams) *Store {
	return &Store{cur: initial}
}

// Get returns a defensive clone of the current params.
func (s *Store) Get() *SystemParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Clone()
}

// Set installs new params after validating them.
func (s *Store) Set(p *SystemParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = p
	s.mu.Unlock()
	return nil
}
