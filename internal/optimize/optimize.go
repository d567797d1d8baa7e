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

// Package optimize implements the Parameter Optimizer: a
// gradient-style update of SystemParams.layerWeights and the two learned
// thresholds, driven by a batch of feedback records.
package optimize

import (
	"github.com/prismcache/prismcache/internal/feedback"
	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/vector"
)

// sensitivities are the hardcoded per-layer gradient coefficients, subject
// weighted most heavily and emotion least.
var sensitivities = map[vector.Layer]float32{
	vector.Subject:     0.10,
	vector.Attribute:   0.08,
	vector.Style:       0.06,
	vector.Composition: 0.04,
	vector.Emotion:     0.02,
}

const (
	cacheHitGradAccepted  = -0.01
	cacheHitGradRejected  = 0.01
	diffGenGradAccepted   = cacheHitGradAccepted / 2
	diffGenGradRejected   = cacheHitGradRejected / 2

	lrGrowth  = 1.05
	lrShrink  = 0.95
	lrCap     = 0.1
	lrFloor   = 1e-4
	patienceN = 5

	convergenceWindow    = 10
	convergenceThreshold = 1e-3

	maxHistory = 1000
)

// Step is one recorded optimization pass, kept for the bounded history.
type Step struct {
	Loss          float32
	LearningRate  float32
	BatchSize     int
}

// Optimizer runs a gradient-style update and tracks the adaptive
// learning rate and convergence state across calls.
type Optimizer struct {
	bestLoss    float32
	haveBest    bool
	patience    int
	history     []Step
	lossWindow  []float32
	converged   bool
}

// New creates an Optimizer with no prior history.
func New() *Optimizer {
	return &Optimizer{}
}

// Converged reports whether the last Step call detected convergence: the
// variance of the last convergenceWindow losses is below
// convergenceThreshold.
func (o *Optimizer) Converged() bool {
	return o.converged
}

// History returns the bounded optimization history, most recent last.
func (o *Optimizer) History() []Step {
	out := make([]Step, len(o.history))
	copy(out, o.history)
	return out
}

// Step runs one optimization pass over records against p, returning the
// updated (and already clamp-renormalized) SystemParams. p is not
// mutated; the caller installs the result via params.Store.Set.
//
// An all-accept or all-reject batch, or a batch that yields a zero
// gradient, is a non-fatal learning anomaly: the step still
// runs, just produces a small or zero update, and the loss/convergence
// bookkeeping still advances.
func (o *Optimizer) Step(p *params.SystemParams, records []feedback.Record) *params.SystemParams {
	next := p.Clone()
	if len(records) == 0 {
		o.recordLoss(0)
		return next
	}

	gradW := make(map[vector.Layer]float32, len(sensitivities))
	var gradCacheHit, gradDiffGen float32
	var lossSum float32

	weightSum := sumWeights(p.LayerWeights)
	predicted := weightSum
	if predicted > 1 {
		predicted = 1
	}

	for _, r := range records {
		y := float32(0)
		if r.Accepted() {
			y = 1
		}
		diff := predicted - y
		loss := diff*diff + 0.1*float32(r.Implicit.RegenerationCount) + 0.05*float32(r.Implicit.EditCount)
		lossSum += loss

		for layer, k := range sensitivities {
			gradW[layer] += 2 * diff * k
		}

		if r.Explicit != nil {
			if *r.Explicit {
				gradCacheHit += cacheHitGradAccepted
				gradDiffGen += diffGenGradAccepted
			} else {
				gradCacheHit += cacheHitGradRejected
				gradDiffGen += diffGenGradRejected
			}
		}
	}

	n := float32(len(records))
	avgLoss := lossSum / n

	for layer, w := range next.LayerWeights {
		g := gradW[layer] / n
		next.LayerWeights[layer] = w - next.LearningRate*g
	}
	next.Thresholds.CacheHit -= next.LearningRate * (gradCacheHit / n)
	next.Thresholds.DiffGeneration -= next.LearningRate * (gradDiffGen / n)

	next.LearningRate = o.nextLearningRate(next.LearningRate, avgLoss)
	next.ClampRenormalize()

	o.recordLoss(avgLoss)
	o.history = append(o.history, Step{Loss: avgLoss, LearningRate: next.LearningRate, BatchSize: len(records)})
	if len(o.history) > maxHistory {
		o.history = o.history[len(o.history)-maxHistory:]
	}

	return next
}

func (o *Optimizer) nextLearningRate(lr, loss float32) float32 {
	if !o.haveBest || loss < o.bestLoss {
		o.bestLoss = loss
		o.haveBest = true
		o.patience = 0
		lr *= lrGrowth
		if lr > lrCap {
			lr = lrCap
		}
		return lr
	}
	o.patience++
	if o.patience >= patienceN {
		o.patience = 0
		lr *= lrShrink
		if lr < lrFloor {
			lr = lrFloor
		}
	}
	return lr
}

func (o *Optimizer) recordLoss(loss float32) {
	o.lossWindow = append(o.lossWindow, loss)
	if len(o.lossWindow) > convergenceWindow {
		o.lossWindow = o.lossWindow[len(o.lossWindow)-convergenceWindow:]
	}
	if len(o.lossWindow) < convergenceWindow {
		o.converged = false
		return
	}
	o.converged = variance(o.lossWindow) < convergenceThreshold
}

func variance(xs []float32) float32 {
	var mean float32
	for _, x := range xs {
		mean += x
	}
	mean /= float32(len(xs))

	var sq float32
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return sq / float32(len(xs))
}

func sumWeights(weights map[vector.Layer]float32) float32 {
	var sum float32
	for _, w := range weights {
		sum += w
	}
	return sum
}
