// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/TheoThePerson/copilot-core/internal/logx"
	"github.com/TheoThePerson/copilot-core/internal/stream"
)

// =============================================================================
// OLLAMA CONFIGURATION
// =============================================================================

// OllamaConfig holds configuration options for the Ollama adapter.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	// Note: Uses explicit IPv4 address instead of localhost to avoid IPv6
	// resolution issues on some systems
	BaseURL string

	// NumCtx is the context window size attached to generation options
	NumCtx int

	// Temperature for generation (0.0-2.0)
	Temperature float64

	// Timeout for non-streaming requests such as model listing (default: 30s)
	Timeout time.Duration

	// IdleTimeout aborts a stream when no data arrives for this long
	// (default: 90s, 0 disables)
	IdleTimeout time.Duration
}

// DefaultOllamaConfig returns the default adapter configuration.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:     "http://127.0.0.1:11434",
		NumCtx:      4096,
		Temperature: 0.7,
		Timeout:     30 * time.Second,
		IdleTimeout: 90 * time.Second,
	}
}

// =============================================================================
// OLLAMA ADAPTER
// =============================================================================

// Ollama streams chat turns through a local Ollama server. The server is
// stateful: each response carries an opaque context token that the next
// request must thread back to preserve multi-turn coherence.
type Ollama struct {
	config     OllamaConfig
	httpClient *http.Client
}

// NewOllama creates an Ollama adapter, filling zero config values with
// defaults.
func NewOllama(config OllamaConfig) *Ollama {
	defaults := DefaultOllamaConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.NumCtx == 0 {
		config.NumCtx = defaults.NumCtx
	}
	if config.Temperature == 0 {
		config.Temperature = defaults.Temperature
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}

	return &Ollama{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name identifies the adapter.
func (o *Ollama) Name() string { return "ollama" }

// Kind reports the backend flavor.
func (o *Ollama) Kind() Kind { return KindLocal }

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// generateRequest is the request body for the /api/generate endpoint.
type generateRequest struct {
	Model   string           `json:"model"`
	Prompt  string           `json:"prompt"`
	Stream  bool             `json:"stream"`
	Options *generateOptions `json:"options,omitempty"`
	Context json.RawMessage  `json:"context,omitempty"`
}

// generateOptions carries the generation parameters of interest.
type generateOptions struct {
	NumCtx      int     `json:"num_ctx,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// tagsResponse is the response from the /api/tags endpoint.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// Send issues a streaming generate request. The response body stays open
// until the returned call settles; every exit path closes it.
func (o *Ollama) Send(ctx context.Context, req Request) (*Call, error) {
	body, err := json.Marshal(generateRequest{
		Model:  req.Model,
		Prompt: req.Message,
		Stream: true,
		Options: &generateOptions{
			NumCtx:      o.config.NumCtx,
			Temperature: o.config.Temperature,
		},
		Context: req.Context,
	})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	call := newCall(cancel)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, o.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// Streaming uses a client without a global timeout; stalls are handled
	// by the idle watchdog and explicit cancellation.
	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		cancel()
		// A cancelled context is the caller aborting, not the service
		// being down; keep it distinguishable from connection failures.
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, fmt.Errorf("generate request aborted: %w", context.Canceled)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return nil, &ClientError{Type: ErrTypeHTTPStatus, Message: apiErr.Error}
		}
		return nil, &ClientError{Type: ErrTypeHTTPStatus, Message: "generate request failed: " + resp.Status}
	}

	go o.consume(streamCtx, call, resp, req.OnData)
	return call, nil
}

// consume drains the NDJSON stream and settles the call.
func (o *Ollama) consume(ctx context.Context, call *Call, resp *http.Response, onData stream.Callback) {
	defer resp.Body.Close()
	defer call.cancel()

	watchdog := newIdleWatchdog(o.config.IdleTimeout, call.Cancel)
	defer watchdog.stop()

	decoder := stream.NewNDJSONDecoder(resp.Body)
	err := decoder.Process(ctx, func(chunk stream.Chunk) {
		watchdog.touch()
		if onData != nil {
			onData(chunk)
		}
	})

	result := Result{
		Response: decoder.Accumulated(),
		Context:  decoder.ContextToken(),
	}

	switch {
	case err == nil:
		call.settle(result, nil)
	case call.Cancelled() || errors.Is(err, context.Canceled):
		// Graceful short-circuit: partial text is the response.
		logx.Debug().Str("provider", o.Name()).Msg("stream cancelled, settling with partial response")
		call.settle(result, nil)
	case errors.Is(err, stream.ErrMalformedLine):
		call.settle(result, &ClientError{Type: ErrTypeInvalidResponse, Message: stream.ParseFailureMessage, Cause: err})
	default:
		call.settle(result, &ClientError{Type: ErrTypeUnknown, Message: "stream read failed", Cause: err})
	}
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ListModels retrieves the installed models from the local server. An
// absent service surfaces as ErrNotRunning, never a panic; callers render
// a descriptive message alongside an empty list.
func (o *Ollama) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{Type: ErrTypeHTTPStatus, Message: "failed to list models: " + resp.Status}
	}

	var result tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode model list", Cause: err}
	}

	models := make([]ModelDescriptor, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, ModelDescriptor{Name: m.Name, Kind: KindLocal})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models, nil
}
