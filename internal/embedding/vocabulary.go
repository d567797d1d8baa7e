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

package embedding

import "github.com/prismcache/prismcache/internal/vector"

// vocabularies fixes, per layer, the closed set of tokens that layer
// recognizes. A token not present in any layer's vocabulary contributes to
// none of the five layer vectors -- this is what keeps stopwords like "a"
// and "of" from polluting every layer.
var vocabularies = map[vector.Layer][]string{
	vector.Subject: {
		"cat", "dog", "person", "man", "woman", "child", "car", "tree",
		"house", "mountain", "river", "bird", "horse", "flower", "city",
		"forest", "ocean", "robot", "dragon", "castle", "ship", "bicycle",
		"building", "bridge", "lion", "tiger", "fox", "wolf", "rabbit",
		"boat", "train", "plane", "table", "chair", "book", "phone",
		"computer", "guitar", "violin", "sword", "shield", "crown", "star",
		"moon", "sun", "cloud", "rain", "snow", "fire", "water", "island",
	},
	vector.Attribute: {
		"red", "blue", "green", "yellow", "black", "white", "purple",
		"orange", "pink", "brown", "gray", "golden", "silver", "small",
		"large", "tiny", "huge", "bright", "dark", "shiny", "old", "new",
		"ancient", "modern", "soft", "rough", "smooth", "sharp", "round",
		"square", "tall", "short", "wide", "narrow", "thick", "thin",
		"heavy", "light", "transparent", "glowing", "rusty", "wooden",
		"metallic", "glass", "stone", "fluffy", "wet", "dry", "cold", "hot",
	},
	vector.Style: {
		"realistic", "cartoon", "anime", "watercolor", "oilpainting",
		"sketch", "photorealistic", "impressionist", "cubist", "abstract",
		"minimalist", "surreal", "vintage", "retro", "futuristic",
		"cyberpunk", "steampunk", "noir", "pastel", "vibrant",
		"monochrome", "sepia", "pixelart", "lowpoly", "claymation",
		"concept", "illustration", "comic", "pop-art", "baroque",
	},
	vector.Composition: {
		"closeup", "wideshot", "portrait", "landscape", "aerial",
		"centered", "symmetrical", "panoramic", "macro", "fisheye",
		"isometric", "birdseye", "overhead", "silhouette", "foreground",
		"background", "fullbody", "headshot", "rule-of-thirds", "framed",
	},
	vector.Emotion: {
		"happy", "sad", "angry", "calm", "peaceful", "joyful",
		"melancholic", "excited", "scared", "serene", "dramatic",
		"mysterious", "whimsical", "nostalgic", "triumphant", "tense",
		"hopeful", "lonely", "playful", "majestic",
	},
}
