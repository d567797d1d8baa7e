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

package persist

import (
	"testing"

	"github.com/prismcache/prismcache/internal/index"
	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/shard"
	"github.com/prismcache/prismcache/internal/vector"
)

func mkPart(id string, t index.PartType) *index.Part {
	v := vector.NewZero()
	v.Subject[0] = 1
	return &index.Part{
		ID:     id,
		Type:   t,
		Vector: v,
		Blob:   []byte("blob-" + id),
		Metadata: index.Metadata{
			Confidence: 0.9,
			BoundingBox: &index.BoundingBox{
				X: 1, Y: 2, Width: 3, Height: 4,
			},
			Provenance: "segmenter-v1",
		},
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ix := index.New()
	ix.IndexParts([]*index.Part{
		mkPart("p1", index.Foreground),
		mkPart("p2", index.Background),
	})
	store := params.NewStore(params.Default())
	shardCfg := shard.DefaultConfig()

	doc := Export(ix, store, shardCfg)
	data, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() = %v", err)
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() = %v", err)
	}
	if parsed.Version != DocumentVersion {
		t.Errorf("Version = %q, want %q", parsed.Version, DocumentVersion)
	}
	if len(parsed.Parts) != 2 {
		t.Fatalf("len(Parts) = %d, want 2", len(parsed.Parts))
	}

	ix2 := index.New()
	store2 := params.NewStore(params.Default())
	gotCfg, err := Import(parsed, ix2, store2)
	if err != nil {
		t.Fatalf("Import() = %v", err)
	}

	if ix2.Count() != 2 {
		t.Errorf("ix2.Count() = %d, want 2", ix2.Count())
	}
	p1, ok := ix2.Get("p1")
	if !ok {
		t.Fatal("p1 missing after import")
	}
	if p1.Type != index.Foreground {
		t.Errorf("p1.Type = %v, want Foreground", p1.Type)
	}
	if string(p1.Blob) != "blob-p1" {
		t.Errorf("p1.Blob = %q, want %q", p1.Blob, "blob-p1")
	}
	if p1.Metadata.BoundingBox == nil || p1.Metadata.BoundingBox.Width != 3 {
		t.Errorf("p1.Metadata.BoundingBox = %+v, want Width 3", p1.Metadata.BoundingBox)
	}

	if gotCfg.NumShards != shardCfg.NumShards || gotCfg.PrimaryLayer != shardCfg.PrimaryLayer {
		t.Errorf("Import() shard config = %+v, want %+v", gotCfg, shardCfg)
	}

	restored := store2.Get()
	original := params.Default()
	if restored.Thresholds != original.Thresholds {
		t.Errorf("restored thresholds = %+v, want %+v", restored.Thresholds, original.Thresholds)
	}
}

func TestImportClearsExistingParts(t *testing.T) {
	ix := index.New()
	ix.IndexParts([]*index.Part{mkPart("stale", index.Detail)})

	doc := &Document{
		Version: DocumentVersion,
		Config: Config{
			LayerWeights: map[string]float32{
				"subject": 0.3, "attribute": 0.25, "style": 0.2, "composition": 0.15, "emotion": 0.1,
			},
			CacheHitThreshold: 0.8,
			DiffGenThreshold:  0.6,
			LearningRate:      0.01,
			ShardCount:        8,
			PrimaryLayer:      "subject",
		},
	}

	store := params.NewStore(params.Default())
	if _, err := Import(doc, ix, store); err != nil {
		t.Fatalf("Import() = %v", err)
	}
	if ix.Count() != 0 {
		t.Errorf("Count() after importing an empty document = %d, want 0", ix.Count())
	}
}
