// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/TheoThePerson/copilot-core/internal/logx"
)

// =============================================================================
// SSE DECODER
// =============================================================================

// dataPrefix marks SSE payload lines; everything else (blank lines,
// comments, event names) is ignored.
const dataPrefix = "data: "

// doneMarker signals graceful end-of-stream and must not be JSON-parsed.
const doneMarker = "[DONE]"

// SSEDecoder parses Server-Sent-Events streams from OpenAI-compatible chat
// completion endpoints. Payload lines carry either a delta object with the
// incremental text or an in-band error object.
type SSEDecoder struct {
	reader      *bufio.Reader
	accumulator strings.Builder
	done        bool
}

// NewSSEDecoder creates a decoder reading from r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{reader: bufio.NewReader(r)}
}

// sseEvent mirrors the fields of interest on each chat completion delta.
type sseEvent struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

// Process reads the stream until the DONE marker, transport EOF,
// cancellation, or a fatal decode error. Content after the DONE marker is
// never emitted.
func (d *SSEDecoder) Process(ctx context.Context, callback Callback) error {
	for {
		select {
		case <-ctx.Done():
			d.finish(callback)
			return ctx.Err()
		default:
		}

		line, err := d.reader.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			stop, perr := d.processLine(trimmed, callback)
			if perr != nil {
				return perr
			}
			if stop {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				d.finish(callback)
				return nil
			}
			d.finish(callback)
			return err
		}
	}
}

// processLine handles a single SSE line. Returns stop=true once the DONE
// marker has been seen; a malformed payload is fatal.
func (d *SSEDecoder) processLine(line string, callback Callback) (stop bool, err error) {
	if !strings.HasPrefix(line, dataPrefix) {
		return false, nil
	}
	payload := strings.TrimPrefix(line, dataPrefix)

	if payload == doneMarker {
		d.done = true
		callback(Chunk{Done: true})
		return true, nil
	}

	var event sseEvent
	if jerr := json.Unmarshal([]byte(payload), &event); jerr != nil {
		logx.Error().Err(jerr).Msg("failed to parse stream event")
		d.done = true
		callback(Chunk{Content: ParseFailureMessage, Done: true, Err: ErrMalformedLine})
		return true, ErrMalformedLine
	}

	if event.Error != nil {
		logx.Error().Str("error", event.Error.Message).Msg("api stream reported an error")
		callback(Chunk{Content: event.Error.Message, Err: ErrAPIResponse})
		return false, nil
	}

	if len(event.Choices) == 0 {
		return false, nil
	}

	content := event.Choices[0].Delta.Content
	if content != "" {
		d.accumulator.WriteString(content)
		callback(Chunk{Content: content})
	}
	return false, nil
}

// finish delivers the terminal chunk if the stream ended without a DONE
// marker (servers are expected to send one, but a closed connection must
// still settle the session).
func (d *SSEDecoder) finish(callback Callback) {
	if d.done {
		return
	}
	d.done = true
	callback(Chunk{Done: true})
}

// Accumulated returns all content received so far.
func (d *SSEDecoder) Accumulated() string {
	return d.accumulator.String()
}
