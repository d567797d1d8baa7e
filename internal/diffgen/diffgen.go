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

// Package diffgen implements the Diff Generator: picks the single
// highest-scoring indexed part as a base and requests a low-strength
// re-render from the external generator back-end.
package diffgen

import (
	"context"
	"errors"

	"github.com/prismcache/prismcache/internal/generator"
	"github.com/prismcache/prismcache/internal/index"
	"github.com/prismcache/prismcache/internal/vector"
)

// ErrNoCandidate is returned when the part index has nothing to base a
// diff render on; the strategy selector is expected to have already
// routed away from diff in this case (an empty index selects "new"), so
// this signals a caller-side contract violation rather than a normal path.
var ErrNoCandidate = errors.New("diffgen: no candidate part available")

// MinStrength is the floor applied below the learned diffGeneration
// envelope so an (almost) exact match still nudges the render slightly.
const MinStrength = 0.05

// Result is the outcome of a diff-generation pass.
type Result struct {
	BasePart          *index.Part
	DenoisingStrength float32
	Artifact          []byte
}

// Generate selects ix's best match for query, derives a denoising strength
// inversely proportional to that match's similarity (lower similarity ->
// higher strength), clamps it to [MinStrength, diffGenerationEnvelope],
// and delegates the render to gen.
func Generate(ctx context.Context, ix *index.Index, query *vector.MultiLayerVector, weights map[vector.Layer]float32, diffGenerationEnvelope float32, prompt string, gp GenerationParams, gen generator.Generator) (*Result, error) {
	matches, err := ix.Search(query, 1, 0, weights, nil)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNoCandidate
	}

	best := matches[0]
	strength := 1 - best.Similarity
	if strength < MinStrength {
		strength = MinStrength
	}
	if strength > diffGenerationEnvelope {
		strength = diffGenerationEnvelope
	}

	artifact, err := gen.Generate(ctx, generator.Request{
		Model:     gp.Model,
		Seed:      gp.Seed,
		Steps:     gp.Steps,
		CFGScale:  gp.CFGScale,
		Prompt:    prompt,
		BaseImage: best.Part.Blob,
		Strength:  &strength,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		BasePart:          best.Part,
		DenoisingStrength: strength,
		Artifact:          artifact,
	}, nil
}

// GenerationParams is the subset of the strategy selector's generation
// parameters the diff generator threads through to the back-end.
type GenerationParams struct {
	Model    string
	Seed     uint32
	Steps    int
	CFGScale float32
}
