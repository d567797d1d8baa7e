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

// Package compose implements the Composer: it selects the
// best-scoring indexed part per region role and blends the results into
// one composite artifact.
package compose

import (
	"bytes"
	"encoding/binary"

	"github.com/prismcache/prismcache/internal/index"
	"github.com/prismcache/prismcache/internal/vector"
)

// Roles lists the region roles a composite draws from, in blend order.
var Roles = [4]index.PartType{index.Background, index.Global, index.Detail, index.Foreground}

// Result is the outcome of a composition pass.
type Result struct {
	Blob      []byte
	UsedParts []*index.Part
}

// Compose picks the single best-scoring part for each role in Roles (skipping
// roles with no candidates) and concatenates their blobs behind a small
// length-prefixed header, in back-to-front blend order so later roles paint
// over earlier ones -- a deterministic stand-in for a real image compositor,
// since no pixel-level codec is in scope here.
func Compose(ix *index.Index, query *vector.MultiLayerVector, weights map[vector.Layer]float32) (*Result, error) {
	res := &Result{}
	var buf bytes.Buffer

	for _, role := range Roles {
		role := role
		matches, err := ix.Search(query, 1, 0, weights, &role)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			continue
		}
		part := matches[0].Part
		res.UsedParts = append(res.UsedParts, part)

		if err := binary.Write(&buf, binary.BigEndian, uint32(len(part.Blob))); err != nil {
			return nil, err
		}
		buf.Write(part.Blob)
	}

	res.Blob = buf.Bytes()
	return res, nil
}
