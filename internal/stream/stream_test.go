// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/TheoThePerson/copilot-core/internal/logx"
)

func init() {
	logx.Discard()
}

// collect gathers chunks into a slice for assertions.
func collect(chunks *[]Chunk) Callback {
	return func(c Chunk) {
		*chunks = append(*chunks, c)
	}
}

// =============================================================================
// NDJSON DECODER TESTS
// =============================================================================

func TestNDJSONDecoder_BasicStream(t *testing.T) {
	input := `{"response":"Hello","done":false}
{"response":" world","done":false}
{"response":"!","done":true,"context":[1,2,3]}
`
	d := NewNDJSONDecoder(strings.NewReader(input))

	var chunks []Chunk
	if err := d.Process(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if d.Accumulated() != "Hello world!" {
		t.Errorf("Accumulated = %q, want 'Hello world!'", d.Accumulated())
	}

	last := chunks[len(chunks)-1]
	if !last.Done {
		t.Error("final chunk should have Done set")
	}
	if string(last.Context) != "[1,2,3]" {
		t.Errorf("Context = %s, want [1,2,3]", last.Context)
	}
}

func TestNDJSONDecoder_EOFWithoutDoneMarker(t *testing.T) {
	// End-of-stream is signaled by the transport, not a terminator field.
	input := `{"response":"partial","done":false}`
	d := NewNDJSONDecoder(strings.NewReader(input))

	var chunks []Chunk
	if err := d.Process(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if d.Accumulated() != "partial" {
		t.Errorf("Accumulated = %q", d.Accumulated())
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("decoder must synthesize a terminal chunk on EOF")
	}
}

func TestNDJSONDecoder_ContextOnIntermediateLine(t *testing.T) {
	// The token usually arrives on the final line but must be kept
	// whenever present.
	input := `{"response":"a","context":"T1","done":false}
{"response":"b","done":true}
`
	d := NewNDJSONDecoder(strings.NewReader(input))
	if err := d.Process(context.Background(), func(Chunk) {}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if string(d.ContextToken()) != `"T1"` {
		t.Errorf("ContextToken = %s, want \"T1\"", d.ContextToken())
	}
}

func TestNDJSONDecoder_MalformedLineIsFatal(t *testing.T) {
	input := `{"response":"ok","done":false}
this is not json
{"response":"never seen","done":true}
`
	d := NewNDJSONDecoder(strings.NewReader(input))

	var chunks []Chunk
	err := d.Process(context.Background(), collect(&chunks))
	if !errors.Is(err, ErrMalformedLine) {
		t.Fatalf("Process error = %v, want ErrMalformedLine", err)
	}

	last := chunks[len(chunks)-1]
	if last.Content != ParseFailureMessage {
		t.Errorf("final chunk content = %q, want %q", last.Content, ParseFailureMessage)
	}
	if !last.Done {
		t.Error("error chunk should terminate the stream")
	}

	// The line after the malformed one was never processed.
	if d.Accumulated() != "ok" {
		t.Errorf("Accumulated = %q, want 'ok'", d.Accumulated())
	}
}

func TestNDJSONDecoder_InBandError(t *testing.T) {
	input := `{"error":"model not loaded"}
`
	d := NewNDJSONDecoder(strings.NewReader(input))

	var chunks []Chunk
	if err := d.Process(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	found := false
	for _, c := range chunks {
		if errors.Is(c.Err, ErrAPIResponse) && c.Content == "model not loaded" {
			found = true
		}
	}
	if !found {
		t.Error("in-band error was not surfaced as an error chunk")
	}
}

func TestNDJSONDecoder_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewNDJSONDecoder(strings.NewReader(`{"response":"x","done":false}` + "\n"))
	var chunks []Chunk
	err := d.Process(ctx, collect(&chunks))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Process error = %v, want context.Canceled", err)
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("cancellation must still settle the stream with a terminal chunk")
	}
}

// =============================================================================
// SSE DECODER TESTS
// =============================================================================

func sseLine(content string) string {
	return `data: {"choices":[{"delta":{"content":"` + content + `"}}]}` + "\n"
}

func TestSSEDecoder_BasicStream(t *testing.T) {
	input := sseLine("Hello") + "\n" + sseLine(" there") + "data: [DONE]\n"
	d := NewSSEDecoder(strings.NewReader(input))

	var chunks []Chunk
	if err := d.Process(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if d.Accumulated() != "Hello there" {
		t.Errorf("Accumulated = %q, want 'Hello there'", d.Accumulated())
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("DONE marker should produce a terminal chunk")
	}
}

func TestSSEDecoder_StopsAtDoneMarker(t *testing.T) {
	// Nothing after the DONE marker may be emitted.
	input := sseLine("before") + "data: [DONE]\n" + sseLine("after")
	d := NewSSEDecoder(strings.NewReader(input))

	var chunks []Chunk
	if err := d.Process(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if d.Accumulated() != "before" {
		t.Errorf("Accumulated = %q, want 'before'", d.Accumulated())
	}
	for _, c := range chunks {
		if c.Content == "after" {
			t.Error("content after DONE marker was emitted")
		}
	}
}

func TestSSEDecoder_IgnoresNonDataLines(t *testing.T) {
	input := ": comment\n" +
		"event: message\n" +
		sseLine("kept") +
		"\n" +
		"data: [DONE]\n"
	d := NewSSEDecoder(strings.NewReader(input))

	if err := d.Process(context.Background(), func(Chunk) {}); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if d.Accumulated() != "kept" {
		t.Errorf("Accumulated = %q, want 'kept'", d.Accumulated())
	}
}

func TestSSEDecoder_ErrorObject(t *testing.T) {
	input := `data: {"error":{"message":"invalid api key"}}` + "\n" + "data: [DONE]\n"
	d := NewSSEDecoder(strings.NewReader(input))

	var chunks []Chunk
	if err := d.Process(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	found := false
	for _, c := range chunks {
		if errors.Is(c.Err, ErrAPIResponse) && c.Content == "invalid api key" {
			found = true
		}
	}
	if !found {
		t.Error("error object was not surfaced as an error chunk")
	}
}

func TestSSEDecoder_MalformedPayloadIsFatal(t *testing.T) {
	input := sseLine("good") + "data: {broken\n" + sseLine("never")
	d := NewSSEDecoder(strings.NewReader(input))

	var chunks []Chunk
	err := d.Process(context.Background(), collect(&chunks))
	if !errors.Is(err, ErrMalformedLine) {
		t.Fatalf("Process error = %v, want ErrMalformedLine", err)
	}
	if d.Accumulated() != "good" {
		t.Errorf("Accumulated = %q, want 'good'", d.Accumulated())
	}
	last := chunks[len(chunks)-1]
	if last.Content != ParseFailureMessage || !last.Done {
		t.Errorf("final chunk = %+v, want fatal parse failure", last)
	}
}

func TestSSEDecoder_EOFWithoutDoneMarker(t *testing.T) {
	d := NewSSEDecoder(strings.NewReader(sseLine("cut off")))

	var chunks []Chunk
	if err := d.Process(context.Background(), collect(&chunks)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !chunks[len(chunks)-1].Done {
		t.Error("EOF must settle the stream with a terminal chunk")
	}
}

// =============================================================================
// WORD BUFFER TESTS
// =============================================================================

func TestWordBuffer_HoldsPartialWords(t *testing.T) {
	var got []Chunk
	wb := NewWordBuffer(collect(&got))
	cb := wb.Callback()

	cb(Chunk{Content: "Hel"})
	if len(got) != 0 {
		t.Fatalf("partial word was forwarded: %+v", got)
	}

	cb(Chunk{Content: "lo wor"})
	if len(got) != 1 || got[0].Content != "Hello " {
		t.Fatalf("expected 'Hello ' after boundary, got %+v", got)
	}

	cb(Chunk{Done: true})
	if len(got) != 3 {
		t.Fatalf("expected flush + terminal chunk, got %+v", got)
	}
	if got[1].Content != "wor" {
		t.Errorf("flushed remainder = %q, want 'wor'", got[1].Content)
	}
	if !got[2].Done {
		t.Error("terminal chunk must be forwarded unchanged")
	}
}

func TestWordBuffer_ReassemblesFullText(t *testing.T) {
	pieces := []string{"The q", "uick b", "rown ", "fox", " jumps"}

	var sb strings.Builder
	wb := NewWordBuffer(func(c Chunk) {
		sb.WriteString(c.Content)
	})
	cb := wb.Callback()
	for _, p := range pieces {
		cb(Chunk{Content: p})
	}
	cb(Chunk{Done: true})

	if sb.String() != "The quick brown fox jumps" {
		t.Errorf("reassembled = %q", sb.String())
	}
}

func TestWordBuffer_ErrorChunkFlushesFirst(t *testing.T) {
	var got []Chunk
	wb := NewWordBuffer(collect(&got))
	cb := wb.Callback()

	cb(Chunk{Content: "held"})
	cb(Chunk{Content: ParseFailureMessage, Done: true, Err: ErrMalformedLine})

	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].Content != "held" {
		t.Errorf("buffered text lost: %+v", got[0])
	}
	if got[1].Err == nil || !got[1].Done {
		t.Errorf("error chunk not forwarded intact: %+v", got[1])
	}
}
