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

// Package persist implements the export/import document: a
// self-describing JSON snapshot of the part index and its learned
// configuration.
package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/prismcache/prismcache/internal/index"
	"github.com/prismcache/prismcache/internal/params"
	"github.com/prismcache/prismcache/internal/shard"
	"github.com/prismcache/prismcache/internal/vector"
)

// DocumentVersion is the current export schema version.
const DocumentVersion = "1.0.0"

// Document is the top-level export/import payload.
type Document struct {
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Stats     Stats     `json:"stats"`
	Parts     []PartDoc `json:"parts"`
	Config    Config    `json:"config"`
}

// Stats is an index stats snapshot, taken at export time.
type Stats struct {
	TotalParts  int            `json:"totalParts"`
	PartsByType map[string]int `json:"partsByType"`
}

// VectorDoc serializes a MultiLayerVector: per-layer reals as arrays, the
// relation matrix as nested arrays.
type VectorDoc struct {
	Subject     []float32                                   `json:"subject"`
	Attribute   []float32                                   `json:"attribute"`
	Style       []float32                                   `json:"style"`
	Composition []float32                                   `json:"composition"`
	Emotion     []float32                                   `json:"emotion"`
	Relation    [vector.NumLayers][vector.NumLayers]float32 `json:"relationMatrix"`
}

// BoundingBoxDoc mirrors index.BoundingBox.
type BoundingBoxDoc struct {
	X, Y, Width, Height int
}

// MetadataDoc mirrors index.Metadata.
type MetadataDoc struct {
	Confidence  float32          `json:"confidence"`
	BoundingBox *BoundingBoxDoc  `json:"boundingBox,omitempty"`
	Provenance  string           `json:"provenance"`
}

// PartDoc is the exported form of an index.Part. Blob marshals as a
// base64 string via the standard []byte JSON encoding.
type PartDoc struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Vector   VectorDoc   `json:"vector"`
	Blob     []byte      `json:"blob"`
	Metadata MetadataDoc `json:"metadata"`
}

// Config is the document's nested configuration block. There is no
// standalone segmenter in this system (segmentation
// is left to an external pre-processor), so the exported config is the
// two actually-owned configurable surfaces: the learned SystemParams
// (layer weights, thresholds, learning rate) and the shard manager's
// sharding config.
type Config struct {
	LayerWeights       map[string]float32 `json:"layerWeights"`
	CacheHitThreshold  float32            `json:"cacheHitThreshold"`
	DiffGenThreshold   float32            `json:"diffGenerationThreshold"`
	LearningRate       float32            `json:"learningRate"`
	ShardCount         int                `json:"shardCount"`
	PrimaryLayer       string             `json:"primaryLayer"`
	RebalanceThreshold int                `json:"rebalanceThreshold"`
}

// Export snapshots ix and the current params/shard config into a
// Document ready for json.Marshal.
func Export(ix *index.Index, paramStore *params.Store, shardCfg shard.Config) *Document {
	parts := ix.AllParts()
	partDocs := make([]PartDoc, len(parts))
	for i, p := range parts {
		partDocs[i] = toPartDoc(p)
	}

	byType := ix.CountByType()
	statsByType := make(map[string]int, len(byType))
	for t, n := range byType {
		statsByType[string(t)] = n
	}

	p := paramStore.Get()
	weights := make(map[string]float32, len(p.LayerWeights))
	for l, w := range p.LayerWeights {
		weights[l.String()] = w
	}

	return &Document{
		Version:   DocumentVersion,
		Timestamp: time.Now(),
		Stats: Stats{
			TotalParts:  ix.Count(),
			PartsByType: statsByType,
		},
		Parts: partDocs,
		Config: Config{
			LayerWeights:       weights,
			CacheHitThreshold:  p.Thresholds.CacheHit,
			DiffGenThreshold:   p.Thresholds.DiffGeneration,
			LearningRate:       p.LearningRate,
			ShardCount:         shardCfg.NumShards,
			PrimaryLayer:       shardCfg.PrimaryLayer.String(),
			RebalanceThreshold: shardCfg.RebalanceThreshold,
		},
	}
}

// Marshal renders doc as indented JSON.
func Marshal(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Unmarshal parses a previously exported document.
func Unmarshal(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("persist: unmarshal document: %w", err)
	}
	return &doc, nil
}

// Import clears ix, re-ingests doc's parts, and reapplies doc's learned
// params into paramStore. The shard config embedded in
// doc is returned rather than applied in place, since shard.Manager has
// no in-place reconfiguration method -- a config change there means
// constructing a new Manager, which is the caller's call to make.
func Import(doc *Document, ix *index.Index, paramStore *params.Store) (shard.Config, error) {
	ix.ClearIndex()

	parts := make([]*index.Part, len(doc.Parts))
	for i, pd := range doc.Parts {
		parts[i] = fromPartDoc(pd)
	}
	ix.IndexParts(parts)

	weights := make(map[vector.Layer]float32, len(doc.Config.LayerWeights))
	for name, w := range doc.Config.LayerWeights {
		l, err := vector.ParseLayer(name)
		if err != nil {
			return shard.Config{}, fmt.Errorf("persist: config: %w", err)
		}
		weights[l] = w
	}
	p := &params.SystemParams{
		LayerWeights: weights,
		Thresholds: params.Thresholds{
			CacheHit:       doc.Config.CacheHitThreshold,
			DiffGeneration: doc.Config.DiffGenThreshold,
		},
		LearningRate: doc.Config.LearningRate,
	}
	if err := paramStore.Set(p); err != nil {
		return shard.Config{}, fmt.Errorf("persist: config: %w", err)
	}

	primaryLayer, err := vector.ParseLayer(doc.Config.PrimaryLayer)
	if err != nil {
		return shard.Config{}, fmt.Errorf("persist: config: %w", err)
	}
	return shard.Config{
		NumShards:          doc.Config.ShardCount,
		PrimaryLayer:       primaryLayer,
		RebalanceThreshold: doc.Config.RebalanceThreshold,
	}, nil
}

func toPartDoc(p *index.Part) PartDoc {
	var bb *BoundingBoxDoc
	if p.Metadata.BoundingBox != nil {
		bb = &BoundingBoxDoc{
			X:      p.Metadata.BoundingBox.X,
			Y:      p.Metadata.BoundingBox.Y,
			Width:  p.Metadata.BoundingBox.Width,
			Height: p.Metadata.BoundingBox.Height,
		}
	}
	return PartDoc{
		ID:   p.ID,
		Type: string(p.Type),
		Vector: VectorDoc{
			Subject:     p.Vector.Subject,
			Attribute:   p.Vector.Attribute,
			Style:       p.Vector.Style,
			Composition: p.Vector.Composition,
			Emotion:     p.Vector.Emotion,
			Relation:    p.Vector.Relation,
		},
		Blob: p.Blob,
		Metadata: MetadataDoc{
			Confidence:  p.Metadata.Confidence,
			BoundingBox: bb,
			Provenance:  p.Metadata.Provenance,
		},
	}
}

func fromPartDoc(pd PartDoc) *index.Part {
	var bb *index.BoundingBox
	if pd.Metadata.BoundingBox != nil {
		bb = &index.BoundingBox{
			X:      pd.Metadata.BoundingBox.X,
			Y:      pd.Metadata.BoundingBox.Y,
			Width:  pd.Metadata.BoundingBox.Width,
			Height: pd.Metadata.BoundingBox.Height,
		}
	}
	v := &vector.MultiLayerVector{
		Subject:     pd.Vector.Subject,
		Attribute:   pd.Vector.Attribute,
		Style:       pd.Vector.Style,
		Composition: pd.Vector.Composition,
		Emotion:     pd.Vector.Emotion,
		Relation:    pd.Vector.Relation,
		CreatedAt:   time.Now(),
	}
	return &index.Part{
		ID:     pd.ID,
		Type:   index.PartType(pd.Type),
		Vector: v,
		Blob:   pd.Blob,
		Metadata: index.Metadata{
			Confidence:  pd.Metadata.Confidence,
			BoundingBox: bb,
			Provenance:  pd.Metadata.Provenance,
		},
	}
}
