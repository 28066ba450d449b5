// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package stream decodes incrementally delivered model responses.
//
// Two wire formats are handled: newline-delimited JSON as produced by the
// Ollama generate endpoint, and Server-Sent Events as produced by
// OpenAI-compatible chat completion endpoints. Both decoders turn a raw
// line-oriented byte stream into an ordered sequence of content chunks,
// independent of the transport that produced it.
package stream

import (
	"encoding/json"
	"errors"
)

// =============================================================================
// CHUNK TYPES
// =============================================================================

// Chunk is a single decoded increment of a streaming response.
type Chunk struct {
	// Content is the incremental text carried by this chunk. For
	// error-flavored chunks it holds the user-visible error text.
	Content string

	// Context is the opaque continuation token, populated whenever the
	// wire carries one (NDJSON only, in practice on the final line).
	Context json.RawMessage

	// Done marks the last chunk of the stream.
	Done bool

	// Err flags an error-flavored chunk. The Content of such a chunk is
	// still meant for display.
	Err error
}

// Callback receives decoded chunks strictly in arrival order.
type Callback func(Chunk)

// =============================================================================
// ERRORS
// =============================================================================

// ParseFailureMessage is the fixed user-visible text shown when a stream
// line cannot be decoded.
const ParseFailureMessage = "Error parsing response."

var (
	// ErrMalformedLine is returned when a stream line is not valid JSON.
	// A single malformed line is fatal to the request: the decoder stops
	// and ParseFailureMessage becomes the effective final response.
	ErrMalformedLine = errors.New("malformed stream line")

	// ErrAPIResponse flags an in-band error object delivered by the remote
	// API instead of a content delta.
	ErrAPIResponse = errors.New("api returned an error")
)
