// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/TheoThePerson/copilot-core/internal/logx"
)

// =============================================================================
// NDJSON DECODER
// =============================================================================

// NDJSONDecoder parses newline-delimited JSON streams from the Ollama
// generate endpoint. Each line is a complete object carrying an incremental
// "response" field and, on the last line, an opaque "context" token.
type NDJSONDecoder struct {
	reader      *bufio.Reader
	accumulator strings.Builder
	contextTok  json.RawMessage
	done        bool
}

// NewNDJSONDecoder creates a decoder reading from r.
func NewNDJSONDecoder(r io.Reader) *NDJSONDecoder {
	return &NDJSONDecoder{reader: bufio.NewReader(r)}
}

// ndjsonLine mirrors the fields of interest on each generate stream line.
type ndjsonLine struct {
	Response string          `json:"response"`
	Context  json.RawMessage `json:"context,omitempty"`
	Done     bool            `json:"done"`
	Error    string          `json:"error,omitempty"`
}

// Process reads the stream until completion, cancellation, or a fatal
// decode error, invoking the callback once per decoded chunk. End of
// stream is signaled by the transport (EOF) or an explicit done marker;
// either way a final chunk with Done set is delivered exactly once.
func (d *NDJSONDecoder) Process(ctx context.Context, callback Callback) error {
	for {
		select {
		case <-ctx.Done():
			d.finish(callback)
			return ctx.Err()
		default:
		}

		line, err := d.reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if perr := d.processLine(bytes.TrimSpace(line), callback); perr != nil {
				return perr
			}
			if d.done {
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

// processLine decodes one line and relays its content. A malformed line is
// fatal: the parse failure message is surfaced as an error chunk and the
// stream stops.
func (d *NDJSONDecoder) processLine(line []byte, callback Callback) error {
	var parsed ndjsonLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		logx.Error().Err(err).Msg("failed to parse stream line")
		d.done = true
		callback(Chunk{Content: ParseFailureMessage, Done: true, Err: ErrMalformedLine})
		return ErrMalformedLine
	}

	if parsed.Error != "" {
		logx.Error().Str("error", parsed.Error).Msg("ollama stream reported an error")
		callback(Chunk{Content: parsed.Error, Err: ErrAPIResponse})
		return nil
	}

	if len(parsed.Context) > 0 {
		d.contextTok = parsed.Context
	}

	if parsed.Response != "" {
		d.accumulator.WriteString(parsed.Response)
	}

	chunk := Chunk{Content: parsed.Response, Done: parsed.Done}
	if parsed.Done {
		d.done = true
		chunk.Context = d.contextTok
	}
	callback(chunk)
	return nil
}

// finish delivers the terminal chunk if the stream ended without an
// explicit done marker.
func (d *NDJSONDecoder) finish(callback Callback) {
	if d.done {
		return
	}
	d.done = true
	callback(Chunk{Done: true, Context: d.contextTok})
}

// Accumulated returns all content received so far.
func (d *NDJSONDecoder) Accumulated() string {
	return d.accumulator.String()
}

// ContextToken returns the continuation token seen on the stream, or nil.
func (d *NDJSONDecoder) ContextToken() json.RawMessage {
	return d.contextTok
}
