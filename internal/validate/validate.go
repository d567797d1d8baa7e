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

// Package validate enforces the serving path's input contract: a
// MultiModalInput is rejected outright, with a structured ValidationError,
// or accepted with zero or more non-fatal warnings.
package validate

import (
	"fmt"
	"time"
)

// Code is a stable validation failure identifier, the "code" field of the
// structured validation result the core returns rather than throws.
type Code string

const (
	CodeEmptyInput         Code = "EMPTY_INPUT"
	CodeEmptyText          Code = "EMPTY_TEXT"
	CodeTextTooLong        Code = "TEXT_TOO_LONG"
	CodeInvalidCharacters  Code = "INVALID_CHARACTERS"
	CodeEmptyImage         Code = "EMPTY_IMAGE"
	CodeImageTooLarge      Code = "IMAGE_TOO_LARGE"
	CodeInvalidImageFormat Code = "INVALID_IMAGE_FORMAT"
	CodeUnsupportedFormat  Code = "UNSUPPORTED_FORMAT"
	CodeTooManyReferences  Code = "TOO_MANY_REFERENCES"
)

const (
	MaxTextLength            = 5000
	MaxImageBytes            = 10 << 20 // 10 MiB
	MaxReferenceImages       = 5
	WarnReferenceImages      = 3
	DefaultPerformanceTarget = 50 * time.Millisecond
)

// ValidationError reports why a MultiModalInput was rejected. It is
// always returned, never panicked or wrapped as a generic error: the
// core's own invariant violations are a separate, fatal class (see
// internal/engine).
type ValidationError struct {
	Code    Code
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
}

func newErr(code Code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// Input mirrors the input pre-processor's MultiModalInput.
type Input struct {
	Text            string
	Image           []byte
	Sketch          []byte
	ReferenceImages [][]byte
}

// Warning is a non-fatal observation surfaced alongside a successful
// validation.
type Warning struct {
	Field   string
	Message string
}

// Result is the outcome of a successful Validate call.
type Result struct {
	Warnings []Warning
}

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// Validate checks in against the input contract. elapsed is
// the caller-measured processing duration so far, used only to raise the
// performanceTarget warning; pass 0 if unknown.
func Validate(in Input, performanceTarget, elapsed time.Duration) (*Result, *ValidationError) {
	if in.Text == "" && in.Image == nil && in.Sketch == nil && len(in.ReferenceImages) == 0 {
		return nil, newErr(CodeEmptyInput, "", "at least one of text, image, sketch or referenceImages is required")
	}

	if in.Text != "" {
		if isBlank(in.Text) {
			return nil, newErr(CodeEmptyText, "text", "text must not be blank")
		}
		if len(in.Text) > MaxTextLength {
			return nil, newErr(CodeTextTooLong, "text", fmt.Sprintf("text exceeds %d characters", MaxTextLength))
		}
		if hasC0Control(in.Text) {
			return nil, newErr(CodeInvalidCharacters, "text", "text contains C0 control characters")
		}
	}

	if in.Image != nil {
		if err := validateImageBytes(in.Image, "image"); err != nil {
			return nil, err
		}
	}
	if in.Sketch != nil {
		if err := validateImageBytes(in.Sketch, "sketch"); err != nil {
			return nil, err
		}
	}

	if len(in.ReferenceImages) > MaxReferenceImages {
		return nil, newErr(CodeTooManyReferences, "referenceImages", fmt.Sprintf("at most %d reference images are allowed", MaxReferenceImages))
	}
	for i, ref := range in.ReferenceImages {
		if err := validateImageBytes(ref, fmt.Sprintf("referenceImages[%d]", i)); err != nil {
			return nil, err
		}
	}

	var warnings []Warning
	if len(in.ReferenceImages) > WarnReferenceImages {
		warnings = append(warnings, Warning{
			Field:   "referenceImages",
			Message: fmt.Sprintf("%d reference images exceeds the recommended %d", len(in.ReferenceImages), WarnReferenceImages),
		})
	}
	if performanceTarget <= 0 {
		performanceTarget = DefaultPerformanceTarget
	}
	if elapsed > performanceTarget {
		warnings = append(warnings, Warning{
			Field:   "",
			Message: fmt.Sprintf("processing took %s, exceeding the %s performance target", elapsed, performanceTarget),
		})
	}

	return &Result{Warnings: warnings}, nil
}

func validateImageBytes(b []byte, field string) *ValidationError {
	if len(b) == 0 {
		return newErr(CodeEmptyImage, field, "image payload is empty")
	}
	if len(b) > MaxImageBytes {
		return newErr(CodeImageTooLarge, field, fmt.Sprintf("image exceeds %d bytes", MaxImageBytes))
	}
	if !hasKnownMagic(b) {
		if looksLikeImageContainer(b) {
			return newErr(CodeUnsupportedFormat, field, "image container is not PNG, JPEG or WEBP")
		}
		return newErr(CodeInvalidImageFormat, field, "image magic bytes do not match any supported format")
	}
	return nil
}

func hasKnownMagic(b []byte) bool {
	return hasPrefix(b, pngMagic) || hasPrefix(b, jpegMagic) || isWebP(b)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i, c := range prefix {
		if b[i] != c {
			return false
		}
	}
	return true
}

// isWebP checks the RIFF....WEBP container: 'RIFF', 4 bytes of size, then
// 'WEBP'.
func isWebP(b []byte) bool {
	if len(b) < 12 {
		return false
	}
	return string(b[0:4]) == "RIFF" && string(b[8:12]) == "WEBP"
}

// looksLikeImageContainer recognizes a RIFF container that isn't WEBP, so
// that case is reported as UNSUPPORTED_FORMAT (a recognizable but
// unsupported container) rather than INVALID_IMAGE_FORMAT (garbage).
func looksLikeImageContainer(b []byte) bool {
	return len(b) >= 4 && string(b[0:4]) == "RIFF"
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

// hasC0Control reports whether s contains a C0 control character (U+0000
// through U+001F), excluding the whitespace already tolerated by isBlank
// (tab, newline, carriage return) since those are common in free-form
// prompt text.
func hasC0Control(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}
