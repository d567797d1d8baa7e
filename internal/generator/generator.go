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

// Package generator defines the external image-generation back-end
// contract and a deterministic stub implementation for tests and local
// development.
package generator

import (
	"context"
	"encoding/binary"
	"hash/fnv"
)

// Request is everything the core supplies to a Generator; the core never
// retries or streams.
type Request struct {
	Model     string
	Seed      uint32
	Steps     int
	CFGScale  float32
	Prompt    string
	BaseImage []byte
	Strength  *float32 // nil for a fresh generation, set for a diff render
}

// Generator is the single operation the serving path depends on.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// StubGenerator produces a deterministic, content-addressable byte blob
// instead of calling a real diffusion back-end. It exists so the rest of
// the core can be exercised and tested without a network dependency.
type StubGenerator struct{}

// NewStub returns a StubGenerator.
func NewStub() *StubGenerator {
	return &StubGenerator{}
}

// Generate folds the model, prompt, seed, base image and (when set)
// strength into an FNV-1a digest and returns it as an 8-byte "artifact" --
// deterministic so the same request always produces the same bytes,
// regardless of call order or wall-clock time. Steps and CFGScale do not
// affect the output.
func (StubGenerator) Generate(ctx context.Context, req Request) ([]byte, error) {
	h := fnv.New64a()
	h.Write([]byte(req.Model))
	h.Write([]byte(req.Prompt))
	var seedBuf [4]byte
	binary.BigEndian.PutUint32(seedBuf[:], req.Seed)
	h.Write(seedBuf[:])
	h.Write(req.BaseImage)
	if req.Strength != nil {
		var strengthBuf [4]byte
		binary.BigEndian.PutUint32(strengthBuf[:], uint32(*req.Strength*1e6))
		h.Write(strengthBuf[:])
	}
	sum := h.Sum64()
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, sum)
	return out, nil
}
