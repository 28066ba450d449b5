// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package provider implements streaming chat backends behind one interface.
//
// Two adapters exist: Ollama (local server, NDJSON generate endpoint with an
// opaque continuation token) and OpenAI (hosted API, SSE chat completions
// replaying the conversation history). The session manager routes requests
// by model descriptor and never cares which wire format sits underneath.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/TheoThePerson/copilot-core/internal/stream"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from a provider adapter.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches on error type so sentinel comparisons survive wrapping.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// ErrorType categorizes adapter errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeMissingKey
	ErrTypeTimeout
	ErrTypeHTTPStatus
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrMissingAPIKey = &ClientError{Type: ErrTypeMissingKey, Message: "OpenAI API key is not configured"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
)

// IsNotRunning checks if an error indicates the local service is absent.
func IsNotRunning(err error) bool {
	return errors.Is(err, ErrNotRunning)
}

// IsMissingKey checks if an error is a missing-API-key precondition failure.
func IsMissingKey(err error) bool {
	return errors.Is(err, ErrMissingAPIKey)
}

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// Kind identifies which flavor of backend an adapter talks to.
type Kind int

const (
	// KindLocal is a stateful local server carrying its own continuation
	// token between turns.
	KindLocal Kind = iota
	// KindHosted is a stateless hosted API given the full history on
	// every turn.
	KindHosted
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindHosted:
		return "hosted"
	default:
		return "unknown"
	}
}

// ModelDescriptor names a model together with the kind of provider that
// serves it. Carrying the kind everywhere removes any need to guess the
// backend from the model name.
type ModelDescriptor struct {
	Name string
	Kind Kind
}

// Message is one turn of a conversation as sent to a hosted provider.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Request describes one streaming chat turn.
type Request struct {
	// Message is the new user turn.
	Message string

	// Model selects the concrete model on the backend.
	Model string

	// Context is the opaque continuation token from the prior turn.
	// Only meaningful for local providers; nil starts a fresh thread.
	Context json.RawMessage

	// History is the prior conversation, replayed by hosted providers.
	History []Message

	// OnData receives each decoded content increment, strictly in
	// arrival order. May be nil.
	OnData stream.Callback
}

// Result is the settled outcome of a streaming call.
type Result struct {
	// Response is the full assembled text (or the partial text when the
	// call was cancelled mid-stream).
	Response string

	// Context is the continuation token to thread into the next request,
	// when the provider returned one.
	Context json.RawMessage
}

// Adapter is the uniform interface over chat backends.
type Adapter interface {
	// Name identifies the adapter for logging and error messages.
	Name() string

	// Kind reports whether this backend is local or hosted.
	Kind() Kind

	// Send issues a streaming chat request. The returned call settles
	// through Wait; Cancel aborts the transport gracefully.
	Send(ctx context.Context, req Request) (*Call, error)

	// ListModels fetches the backend's model catalog.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
}

// =============================================================================
// CALL HANDLE
// =============================================================================

// Call is one in-flight streaming request. At most one caller is expected
// to Wait on it; Cancel may be called from any goroutine, any number of
// times.
type Call struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	result    Result
	err       error
}

func newCall(cancel context.CancelFunc) *Call {
	return &Call{cancel: cancel, done: make(chan struct{})}
}

// Cancel aborts the underlying connection and stream reading. The pending
// Wait settles with whatever partial text accumulated; cancellation is a
// graceful short-circuit, never an error.
func (c *Call) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.cancel()
}

// Wait blocks until the call settles and returns the outcome.
func (c *Call) Wait() (Result, error) {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Done exposes the settlement channel for select-based callers.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Cancelled reports whether Cancel was invoked.
func (c *Call) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// settle records the outcome and releases Wait. The first settle wins.
func (c *Call) settle(result Result, err error) {
	c.mu.Lock()
	c.result = result
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

// =============================================================================
// IDLE WATCHDOG
// =============================================================================

// idleWatchdog cancels a stalled stream when no data arrives for the
// configured window. Firing degrades to the same cancelled/partial-result
// path as an explicit Cancel, so a dead connection cannot hang a session.
type idleWatchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

func newIdleWatchdog(timeout time.Duration, onFire func()) *idleWatchdog {
	if timeout <= 0 {
		return nil
	}
	return &idleWatchdog{
		timer:   time.AfterFunc(timeout, onFire),
		timeout: timeout,
	}
}

// touch pushes the deadline out after each received chunk.
func (w *idleWatchdog) touch() {
	if w == nil {
		return
	}
	w.timer.Reset(w.timeout)
}

// stop disarms the watchdog.
func (w *idleWatchdog) stop() {
	if w == nil {
		return
	}
	w.timer.Stop()
}
