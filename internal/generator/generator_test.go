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

package generator

import (
	"bytes"
	"context"
	"testing"
)

func TestStubGeneratorIsDeterministic(t *testing.T) {
	g := NewStub()
	req := Request{Model: "stable-diffusion-v1", Seed: 42, Prompt: "a red cat"}

	a, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("StubGenerator.Generate() not deterministic for identical requests")
	}
}

func TestStubGeneratorVariesWithStrength(t *testing.T) {
	g := NewStub()
	s1 := float32(0.2)
	s2 := float32(0.8)

	a, err := g.Generate(context.Background(), Request{Model: "m", Prompt: "p", Strength: &s1})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, err := g.Generate(context.Background(), Request{Model: "m", Prompt: "p", Strength: &s2})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("Generate() with differing strength produced identical output")
	}
}
