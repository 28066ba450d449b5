// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/TheoThePerson/copilot-core/internal/logx"
	"github.com/TheoThePerson/copilot-core/internal/stream"
)

func init() {
	logx.Discard()
}

// =============================================================================
// OLLAMA ADAPTER TESTS
// =============================================================================

func TestOllama_SendStreamsAndSettles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s, want /api/generate", r.URL.Path)
		}
		fmt.Fprintln(w, `{"response":"Hello","done":false}`)
		fmt.Fprintln(w, `{"response":" world","done":true,"context":[9,9]}`)
	}))
	defer server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL})

	var chunks []string
	call, err := adapter.Send(context.Background(), Request{
		Message: "hi",
		Model:   "llama3",
		OnData: func(c stream.Chunk) {
			if c.Content != "" {
				chunks = append(chunks, c.Content)
			}
		},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	result, err := call.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if result.Response != "Hello world" {
		t.Errorf("Response = %q, want 'Hello world'", result.Response)
	}
	if string(result.Context) != "[9,9]" {
		t.Errorf("Context = %s, want [9,9]", result.Context)
	}
	if !reflect.DeepEqual(chunks, []string{"Hello", " world"}) {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestOllama_SendIncludesOptionsAndContext(t *testing.T) {
	var captured generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request body not JSON: %v", err)
		}
		fmt.Fprintln(w, `{"response":"ok","done":true}`)
	}))
	defer server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL, NumCtx: 2048, Temperature: 0.4})

	call, err := adapter.Send(context.Background(), Request{
		Message: "continue",
		Model:   "llama3",
		Context: json.RawMessage(`"T1"`),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := call.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	if captured.Model != "llama3" || captured.Prompt != "continue" || !captured.Stream {
		t.Errorf("captured request = %+v", captured)
	}
	if captured.Options == nil || captured.Options.NumCtx != 2048 || captured.Options.Temperature != 0.4 {
		t.Errorf("options = %+v, want num_ctx 2048 temperature 0.4", captured.Options)
	}
	if string(captured.Context) != `"T1"` {
		t.Errorf("context token = %s, want \"T1\"", captured.Context)
	}
}

func TestOllama_CancelResolvesWithPartial(t *testing.T) {
	firstChunkSent := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"partial","done":false}`)
		flusher.Flush()
		close(firstChunkSent)
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	}))
	defer server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL})

	received := make(chan struct{}, 1)
	call, err := adapter.Send(context.Background(), Request{
		Message: "hi",
		Model:   "llama3",
		OnData: func(c stream.Chunk) {
			if c.Content != "" {
				select {
				case received <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	<-firstChunkSent
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	call.Cancel()

	result, err := call.Wait()
	if err != nil {
		t.Fatalf("cancellation must resolve, not reject: %v", err)
	}
	if result.Response != "partial" {
		t.Errorf("Response = %q, want accumulated partial text", result.Response)
	}
}

func TestOllama_MalformedLineFailsCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"ok","done":false}`)
		fmt.Fprintln(w, `garbage`)
	}))
	defer server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL})
	call, err := adapter.Send(context.Background(), Request{Message: "hi", Model: "m"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	_, err = call.Wait()
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrTypeInvalidResponse {
		t.Fatalf("Wait error = %v, want invalid-response ClientError", err)
	}
	if clientErr.Message != stream.ParseFailureMessage {
		t.Errorf("message = %q, want %q", clientErr.Message, stream.ParseFailureMessage)
	}
}

func TestOllama_ListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		fmt.Fprintln(w, `{"models":[{"name":"qwen2.5:14b"},{"name":"llama3:8b"}]}`)
	}))
	defer server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL})
	models, err := adapter.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}

	want := []ModelDescriptor{
		{Name: "llama3:8b", Kind: KindLocal},
		{Name: "qwen2.5:14b", Kind: KindLocal},
	}
	if !reflect.DeepEqual(models, want) {
		t.Errorf("models = %v, want %v", models, want)
	}
}

func TestOllama_ListModelsServiceAbsent(t *testing.T) {
	// A closed port must surface as ErrNotRunning, not a panic or a raw
	// transport error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL})
	models, err := adapter.ListModels(context.Background())
	if len(models) != 0 {
		t.Errorf("models = %v, want empty", models)
	}
	if !IsNotRunning(err) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestOllama_SendAbortedWhileConnecting(t *testing.T) {
	// Cancelling the context while the request is still connecting must
	// surface as context.Canceled, not as the service being down.
	reached := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		close(reached)
		<-r.Context().Done()
	}))
	defer server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-reached
		cancel()
	}()

	call, err := adapter.Send(ctx, Request{Message: "hi", Model: "llama3"})
	if call != nil {
		t.Fatal("Send must not return a call handle for an aborted connect")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if IsNotRunning(err) {
		t.Error("an aborted connect must not be reported as the service being down")
	}
}

func TestOllama_IdleTimeoutSettlesPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"stalled","done":false}`)
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	adapter := NewOllama(OllamaConfig{BaseURL: server.URL, IdleTimeout: 100 * time.Millisecond})
	call, err := adapter.Send(context.Background(), Request{Message: "hi", Model: "m"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	done := make(chan struct{})
	var result Result
	var waitErr error
	go func() {
		result, waitErr = call.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle timeout did not settle the call")
	}

	if waitErr != nil {
		t.Fatalf("idle timeout must degrade to the cancelled path: %v", waitErr)
	}
	if result.Response != "stalled" {
		t.Errorf("Response = %q, want partial text", result.Response)
	}
}

// =============================================================================
// OPENAI ADAPTER TESTS
// =============================================================================

func TestOpenAI_MissingKeyFailsFast(t *testing.T) {
	// No server at all: the precondition must trip before any network I/O.
	adapter := NewOpenAI(OpenAIConfig{BaseURL: "http://127.0.0.1:1"})

	if _, err := adapter.Send(context.Background(), Request{Message: "hi", Model: "gpt-4"}); !IsMissingKey(err) {
		t.Errorf("Send err = %v, want ErrMissingAPIKey", err)
	}
	if _, err := adapter.ListModels(context.Background()); !IsMissingKey(err) {
		t.Errorf("ListModels err = %v, want ErrMissingAPIKey", err)
	}
}

func TestOpenAI_SendStreamsAndSettles(t *testing.T) {
	var captured chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &captured)

		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"Hi"}}]}`)
		fmt.Fprintln(w)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":" there"}}]}`)
		fmt.Fprintln(w)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer server.Close()

	adapter := NewOpenAI(OpenAIConfig{BaseURL: server.URL, APIKey: "sk-test"})

	history := []Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
	}
	call, err := adapter.Send(context.Background(), Request{
		Message: "new question",
		Model:   "gpt-4",
		History: history,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	result, err := call.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if result.Response != "Hi there" {
		t.Errorf("Response = %q, want 'Hi there'", result.Response)
	}

	// History plus the new turn, role-tagged in order.
	if !captured.Stream {
		t.Error("request must ask for streaming")
	}
	wantMessages := append(append([]Message{}, history...), Message{Role: "user", Content: "new question"})
	if !reflect.DeepEqual(captured.Messages, wantMessages) {
		t.Errorf("messages = %v, want %v", captured.Messages, wantMessages)
	}
}

func TestOpenAI_HTTPErrorSurfacesAPIMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, `{"error":{"message":"Incorrect API key provided"}}`)
	}))
	defer server.Close()

	adapter := NewOpenAI(OpenAIConfig{BaseURL: server.URL, APIKey: "sk-bad"})
	_, err := adapter.Send(context.Background(), Request{Message: "hi", Model: "gpt-4"})

	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrTypeHTTPStatus {
		t.Fatalf("err = %v, want HTTP status ClientError", err)
	}
	if clientErr.Message != "Incorrect API key provided" {
		t.Errorf("message = %q", clientErr.Message)
	}
}

func TestOpenAI_SendAbortedWhileConnecting(t *testing.T) {
	reached := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		close(reached)
		<-r.Context().Done()
	}))
	defer server.Close()

	adapter := NewOpenAI(OpenAIConfig{BaseURL: server.URL, APIKey: "sk-test"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-reached
		cancel()
	}()

	_, err := adapter.Send(ctx, Request{Message: "hi", Model: "gpt-4"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestOpenAI_ListModelsFilters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s, want /v1/models", r.URL.Path)
		}
		fmt.Fprintln(w, `{"data":[{"id":"gpt-4"},{"id":"gpt-4-preview"},{"id":"whisper-1"},{"id":"gpt-3.5-turbo"}]}`)
	}))
	defer server.Close()

	adapter := NewOpenAI(OpenAIConfig{BaseURL: server.URL, APIKey: "sk-test"})
	models, err := adapter.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}

	want := []ModelDescriptor{
		{Name: "gpt-3.5-turbo", Kind: KindHosted},
		{Name: "gpt-4", Kind: KindHosted},
	}
	if !reflect.DeepEqual(models, want) {
		t.Errorf("models = %v, want %v", models, want)
	}
}

// =============================================================================
// CATALOG FILTER TESTS
// =============================================================================

func TestFilterChatModels(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		want []string
	}{
		{
			name: "non-preview wins, instruct excluded",
			ids:  []string{"gpt-4", "gpt-4-preview", "gpt-4-preview-2024-01-25", "gpt-4-instruct"},
			want: []string{"gpt-4"},
		},
		{
			name: "undated preview beats dated preview",
			ids:  []string{"gpt-5-preview", "gpt-5-preview-2025-03-01"},
			want: []string{"gpt-5-preview"},
		},
		{
			name: "dated preview kept when alone",
			ids:  []string{"gpt-5-preview-2025-03-01"},
			want: []string{"gpt-5-preview-2025-03-01"},
		},
		{
			name: "non-gpt families dropped",
			ids:  []string{"whisper-1", "dall-e-3", "text-embedding-3-small", "gpt-4o"},
			want: []string{"gpt-4o"},
		},
		{
			name: "audio search realtime excluded",
			ids:  []string{"gpt-4o", "gpt-4o-audio-preview", "gpt-4o-search-preview", "gpt-4o-realtime-preview"},
			want: []string{"gpt-4o"},
		},
		{
			name: "short date suffix collapses to base",
			ids:  []string{"gpt-3.5-turbo", "gpt-3.5-turbo-0125"},
			want: []string{"gpt-3.5-turbo"},
		},
		{
			name: "separate families both kept, sorted",
			ids:  []string{"gpt-4o", "gpt-3.5-turbo"},
			want: []string{"gpt-3.5-turbo", "gpt-4o"},
		},
		{
			name: "empty catalog",
			ids:  nil,
			want: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterChatModels(tc.ids)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("FilterChatModels(%v) = %v, want %v", tc.ids, got, tc.want)
			}
		})
	}
}
