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
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/TheoThePerson/copilot-core/internal/logx"
	"github.com/TheoThePerson/copilot-core/internal/stream"
)

// =============================================================================
// OPENAI CONFIGURATION
// =============================================================================

// OpenAIConfig holds configuration options for the OpenAI adapter.
type OpenAIConfig struct {
	// BaseURL is the API base URL (default: https://api.openai.com)
	BaseURL string

	// APIKey authorizes every request. Sending without one is a
	// configuration error reported before any network call.
	APIKey string

	// Temperature for chat completions
	Temperature float64

	// Timeout for non-streaming requests such as model listing (default: 30s)
	Timeout time.Duration

	// IdleTimeout aborts a stream when no data arrives for this long
	// (default: 90s, 0 disables)
	IdleTimeout time.Duration

	// RequestsPerMinute caps outgoing requests client-side (default: 60)
	RequestsPerMinute int
}

// DefaultOpenAIConfig returns the default adapter configuration.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:           "https://api.openai.com",
		Temperature:       0.7,
		Timeout:           30 * time.Second,
		IdleTimeout:       90 * time.Second,
		RequestsPerMinute: 60,
	}
}

// =============================================================================
// OPENAI ADAPTER
// =============================================================================

// OpenAI streams chat turns through the hosted chat completions API. The
// API is stateless, so every request replays the conversation history as a
// role-tagged message list.
type OpenAI struct {
	config     OpenAIConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOpenAI creates an OpenAI adapter, filling zero config values with
// defaults.
func NewOpenAI(config OpenAIConfig) *OpenAI {
	defaults := DefaultOpenAIConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
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
	if config.RequestsPerMinute == 0 {
		config.RequestsPerMinute = defaults.RequestsPerMinute
	}

	return &OpenAI{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.RequestsPerMinute)), config.RequestsPerMinute),
	}
}

// Name identifies the adapter.
func (a *OpenAI) Name() string { return "openai" }

// Kind reports the backend flavor.
func (a *OpenAI) Kind() Kind { return KindHosted }

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// chatCompletionRequest is the request body for /v1/chat/completions.
type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature,omitempty"`
}

// modelCatalogResponse is the response from /v1/models.
type modelCatalogResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// Send issues a streaming chat completion request. A missing API key fails
// fast; otherwise the call settles once the SSE stream ends, errors, or is
// cancelled, closing the response body on every path.
func (a *OpenAI) Send(ctx context.Context, req Request) (*Call, error) {
	if a.config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	messages := make([]Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.Message})

	body, err := json.Marshal(chatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: a.config.Temperature,
	})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	if err := a.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
			return nil, fmt.Errorf("chat request aborted: %w", context.Canceled)
		}
		return nil, &ClientError{Type: ErrTypeTimeout, Message: "rate limit wait aborted", Cause: err}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	call := newCall(cancel)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, a.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		cancel()
		// A cancelled context is the caller aborting, not a transport
		// failure; keep it distinguishable for the session layer.
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, fmt.Errorf("chat request aborted: %w", context.Canceled)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "chat request failed", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error.Message != "" {
			return nil, &ClientError{Type: ErrTypeHTTPStatus, Message: apiErr.Error.Message}
		}
		return nil, &ClientError{Type: ErrTypeHTTPStatus, Message: "chat request failed: " + resp.Status}
	}

	go a.consume(streamCtx, call, resp, req.OnData)
	return call, nil
}

// consume drains the SSE stream and settles the call.
func (a *OpenAI) consume(ctx context.Context, call *Call, resp *http.Response, onData stream.Callback) {
	defer resp.Body.Close()
	defer call.cancel()

	watchdog := newIdleWatchdog(a.config.IdleTimeout, call.Cancel)
	defer watchdog.stop()

	decoder := stream.NewSSEDecoder(resp.Body)
	err := decoder.Process(ctx, func(chunk stream.Chunk) {
		watchdog.touch()
		if onData != nil {
			onData(chunk)
		}
	})

	result := Result{Response: decoder.Accumulated()}

	switch {
	case err == nil:
		call.settle(result, nil)
	case call.Cancelled() || errors.Is(err, context.Canceled):
		logx.Debug().Str("provider", a.Name()).Msg("stream cancelled, settling with partial response")
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

// ListModels fetches the hosted model catalog and filters it down to the
// chat-capable entries worth offering in a picker.
func (a *OpenAI) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	if a.config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "model list request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ClientError{Type: ErrTypeHTTPStatus, Message: "failed to list models: " + resp.Status}
	}

	var catalog modelCatalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode model list", Cause: err}
	}

	ids := make([]string, 0, len(catalog.Data))
	for _, m := range catalog.Data {
		ids = append(ids, m.ID)
	}

	filtered := FilterChatModels(ids)
	models := make([]ModelDescriptor, 0, len(filtered))
	for _, id := range filtered {
		models = append(models, ModelDescriptor{Name: id, Kind: KindHosted})
	}
	return models, nil
}

// =============================================================================
// CATALOG FILTERING
// =============================================================================

// excludedVariants marks model id substrings that are never chat targets
// for this client: instruction-tuned, audio, search and realtime variants.
var excludedVariants = []string{"instruct", "audio", "search", "realtime"}

// dateSuffixRe matches dated snapshot suffixes such as "-2024-01-25" or
// the short form "-0613".
var dateSuffixRe = regexp.MustCompile(`-(\d{4}-\d{2}-\d{2}|\d{4})$`)

// FilterChatModels reduces a raw model catalog to the entries a chat
// picker should show:
//
//   - keep only chat-capable gpt families
//   - drop instruction-tuned, audio, search and realtime variants
//   - per base family, prefer the non-preview variant over previews, and
//     among previews prefer the one without a date suffix
//
// The result is sorted alphabetically.
func FilterChatModels(ids []string) []string {
	families := make(map[string][]chatCandidate)

	for _, id := range ids {
		if !strings.HasPrefix(id, "gpt-") {
			continue
		}
		if hasExcludedVariant(id) {
			continue
		}

		dated := dateSuffixRe.MatchString(id)
		base := dateSuffixRe.ReplaceAllString(id, "")
		preview := strings.HasSuffix(base, "-preview")
		family := strings.TrimSuffix(base, "-preview")

		families[family] = append(families[family], chatCandidate{id: id, preview: preview, dated: dated})
	}

	var result []string
	for _, candidates := range families {
		// Non-preview beats preview; undated beats dated; ties resolve to
		// the lexicographically latest id so newer snapshots win.
		best := candidates[0]
		for _, c := range candidates[1:] {
			if rankCandidate(c) > rankCandidate(best) ||
				(rankCandidate(c) == rankCandidate(best) && c.id > best.id) {
				best = c
			}
		}
		result = append(result, best.id)
	}

	sort.Strings(result)
	return result
}

// chatCandidate is one catalog entry competing within its base family.
type chatCandidate struct {
	id      string
	preview bool
	dated   bool
}

func rankCandidate(c chatCandidate) int {
	switch {
	case !c.preview && !c.dated:
		return 3
	case !c.preview:
		return 2
	case !c.dated:
		return 1
	default:
		return 0
	}
}

func hasExcludedVariant(id string) bool {
	for _, v := range excludedVariants {
		if strings.Contains(id, v) {
			return true
		}
	}
	return false
}
