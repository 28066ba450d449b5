// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"strings"
	"unicode"
)

// =============================================================================
// WORD-BOUNDARY BUFFER
// =============================================================================

// WordBuffer wraps a Callback so that partial words are never delivered.
// Incremental text is withheld until a run of non-whitespace is known to be
// complete (followed by whitespace); the remainder is flushed unconditionally
// at end of stream. This trades a little latency for cleaner rendering, and
// callers that want raw per-line chunks simply skip the wrapper.
type WordBuffer struct {
	out     Callback
	pending strings.Builder
}

// NewWordBuffer creates a buffer that forwards complete words to out.
func NewWordBuffer(out Callback) *WordBuffer {
	return &WordBuffer{out: out}
}

// Callback returns the wrapping callback to hand to a decoder.
func (b *WordBuffer) Callback() Callback {
	return func(chunk Chunk) {
		b.add(chunk)
	}
}

// add buffers chunk content and forwards everything up to the last
// whitespace boundary. Terminal and error chunks flush the buffer first.
func (b *WordBuffer) add(chunk Chunk) {
	if chunk.Err != nil || chunk.Done {
		// Flush whatever is held, then forward the chunk unchanged so
		// Done/Context/Err survive intact.
		if b.pending.Len() > 0 {
			b.out(Chunk{Content: b.pending.String()})
			b.pending.Reset()
		}
		b.out(chunk)
		return
	}

	if chunk.Content == "" {
		if len(chunk.Context) > 0 {
			b.out(Chunk{Context: chunk.Context})
		}
		return
	}

	b.pending.WriteString(chunk.Content)

	buffered := b.pending.String()
	cut := lastSpaceIndex(buffered)
	if cut < 0 {
		return
	}

	flushed := buffered[:cut+1]
	b.pending.Reset()
	b.pending.WriteString(buffered[cut+1:])

	forwarded := Chunk{Content: flushed, Context: chunk.Context}
	b.out(forwarded)
}

// lastSpaceIndex returns the byte index of the final rune of the last
// whitespace character in s, or -1 if s holds no whitespace.
func lastSpaceIndex(s string) int {
	last := -1
	for i, r := range s {
		if unicode.IsSpace(r) {
			last = i + len(string(r)) - 1
		}
	}
	return last
}
