// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/TheoThePerson/copilot-core/internal/logx"
	"github.com/TheoThePerson/copilot-core/internal/provider"
	"github.com/TheoThePerson/copilot-core/internal/registry"
	"github.com/TheoThePerson/copilot-core/internal/storage"
	"github.com/TheoThePerson/copilot-core/internal/stream"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the lifecycle phase of the current message.
type State int

const (
	// StateIdle means no request is in flight.
	StateIdle State = iota
	// StateSending means the user turn is recorded and the adapter is being called.
	StateSending
	// StateStreaming means chunks are flowing to the caller's callback.
	StateStreaming
	// StateCompleted means the last request resolved with a full response.
	StateCompleted
	// StateCancelled means the last request was stopped with partial text kept.
	StateCancelled
	// StateFailed means the last request ended in an error string.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// ErrClosed is returned by operations on a closed manager.
var ErrClosed = errors.New("session manager is closed")

// ErrEmptyMessage is returned when SendMessage gets a blank user turn.
var ErrEmptyMessage = errors.New("message is empty")

// Config holds the collaborators and initial settings for a Manager.
type Config struct {
	// Local is the Ollama adapter (required).
	Local provider.Adapter
	// Hosted is the OpenAI adapter (required).
	Hosted provider.Adapter
	// Model is the initially active model.
	Model provider.ModelDescriptor
	// SystemPrompt, when set, opens every fresh conversation as a system turn.
	SystemPrompt string
	// Archive, when set, receives the conversation on reset or close.
	Archive *storage.Archive
	// PersistModel, when set, is invoked (fire-and-forget) after SetModel.
	PersistModel func(name string) error
}

// Manager owns the conversation history and runs at most one streaming
// request at a time. Starting a new request cancels the previous one;
// the previous request's partial text is still recorded before the new
// user turn enters history.
type Manager struct {
	adapters     map[provider.Kind]provider.Adapter
	registry     *registry.Registry
	systemPrompt string
	archive      *storage.Archive
	persistModel func(name string) error

	// sendMu serializes entire send lifecycles so history mutations from
	// an outgoing request never interleave with those of its successor.
	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	lastPhase  State // terminal phase of the most recent request
	model      provider.ModelDescriptor
	history    []provider.Message
	contextTok json.RawMessage
	active     *provider.Call
	interrupt  context.CancelFunc // cancels the in-flight lifecycle, set before Send
	lastErr    error
	closed     bool
}

// NewManager creates a session manager over the given adapters.
func NewManager(cfg Config) *Manager {
	adapters := map[provider.Kind]provider.Adapter{
		provider.KindLocal:  cfg.Local,
		provider.KindHosted: cfg.Hosted,
	}
	return &Manager{
		adapters:     adapters,
		registry:     registry.New(cfg.Local, cfg.Hosted),
		systemPrompt: cfg.SystemPrompt,
		archive:      cfg.Archive,
		persistModel: cfg.PersistModel,
		state:        StateIdle,
		model:        cfg.Model,
	}
}

// =============================================================================
// SENDING
// =============================================================================

// SendMessage runs one full request lifecycle and returns the display string:
// the assistant's response, the partial text on cancellation, or a
// user-facing error description on failure. Provider errors never escape as
// Go errors; they are converted to strings, appended to history, and kept
// for LastError. The returned error covers only caller mistakes.
func (m *Manager) SendMessage(ctx context.Context, text string, onData stream.Callback) (string, error) {
	if text == "" {
		return "", ErrEmptyMessage
	}

	// Last-writer-wins: interrupt whatever lifecycle is in flight, then wait
	// for it to finish recording before starting ours.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if prior := m.active; prior != nil {
		prior.Cancel()
	}
	if m.interrupt != nil {
		m.interrupt()
	}
	m.mu.Unlock()

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.state = StateSending
	m.interrupt = cancel
	if len(m.history) == 0 && m.systemPrompt != "" {
		m.history = append(m.history, provider.Message{Role: "system", Content: m.systemPrompt})
	}
	priorHistory := append([]provider.Message(nil), m.history...)
	m.history = append(m.history, provider.Message{Role: "user", Content: text})
	model := m.model
	contextTok := m.contextTok
	m.mu.Unlock()

	adapter := m.adapters[model.Kind]

	call, err := adapter.Send(ctx, provider.Request{
		Message: text,
		Model:   model.Name,
		Context: contextTok,
		History: priorHistory,
		OnData:  onData,
	})
	if err != nil {
		// Preempted before the stream opened: record an empty partial turn
		// rather than an error, matching the cancellation semantics.
		if errors.Is(err, context.Canceled) {
			return m.finishCancelledEarly(), nil
		}
		return m.finishFailed(err), nil
	}

	m.mu.Lock()
	m.state = StateStreaming
	m.active = call
	m.mu.Unlock()

	result, err := call.Wait()

	m.mu.Lock()
	if m.active == call {
		m.active = nil
	}
	m.mu.Unlock()

	if err != nil {
		return m.finishFailed(err), nil
	}
	return m.finishResolved(call, result), nil
}

// finishCancelledEarly records a lifecycle that was preempted before any
// content arrived.
func (m *Manager) finishCancelledEarly() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPhase = StateCancelled
	m.history = append(m.history, provider.Message{Role: "assistant", Content: ""})
	m.interrupt = nil
	m.state = StateIdle
	return ""
}

// finishResolved records a completed or cancelled request.
func (m *Manager) finishResolved(call *provider.Call, result provider.Result) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if call.Cancelled() {
		m.lastPhase = StateCancelled
	} else {
		m.lastPhase = StateCompleted
	}
	if result.Context != nil {
		m.contextTok = result.Context
	}
	m.history = append(m.history, provider.Message{Role: "assistant", Content: result.Response})
	m.interrupt = nil
	m.state = StateIdle
	return result.Response
}

// finishFailed converts an error into its display string and records it as
// the assistant turn so the failure is visible in the transcript.
func (m *Manager) finishFailed(err error) string {
	display := displayError(err)
	logx.Error().Err(err).Msg("message send failed")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPhase = StateFailed
	m.lastErr = err
	m.history = append(m.history, provider.Message{Role: "assistant", Content: display})
	m.interrupt = nil
	m.state = StateIdle
	return display
}

// displayError maps adapter errors onto the strings shown to the user.
func displayError(err error) string {
	switch {
	case provider.IsNotRunning(err):
		return "Unable to reach the local model service. Check if Ollama is running."
	case provider.IsMissingKey(err):
		return "No OpenAI API key is configured. Check your API key."
	}
	var clientErr *provider.ClientError
	if errors.As(err, &clientErr) && clientErr.Message != "" {
		return clientErr.Message
	}
	return err.Error()
}

// =============================================================================
// CANCELLATION
// =============================================================================

// StopMessage cancels the in-flight request, if any, and returns the partial
// text it had accumulated. The second return is false when nothing was in
// flight.
func (m *Manager) StopMessage() (string, bool) {
	m.mu.Lock()
	call := m.active
	interrupt := m.interrupt
	sending := m.state == StateSending
	m.mu.Unlock()

	if call == nil {
		// Still connecting: no call handle exists yet, so abort the
		// lifecycle through its context. Nothing streamed, so the
		// partial text is empty.
		if sending && interrupt != nil {
			interrupt()
			return "", true
		}
		return "", false
	}
	call.Cancel()
	result, err := call.Wait()
	if err != nil {
		return "", true
	}
	return result.Response, true
}

// =============================================================================
// HISTORY AND MODEL
// =============================================================================

// History returns a copy of the conversation so far.
func (m *Manager) History() []provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]provider.Message, len(m.history))
	copy(out, m.history)
	return out
}

// ClearHistory archives the current conversation (when an archive is
// attached), then empties history and drops the continuation token. An
// in-flight request is not cancelled; that is StopMessage's job.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	archived := m.history
	model := m.model.Name
	m.history = nil
	m.contextTok = nil
	m.mu.Unlock()

	m.archiveConversation(model, archived)
}

// SetModel switches the active model for subsequent sends and persists the
// choice in the background. The request path never waits on persistence.
func (m *Manager) SetModel(desc provider.ModelDescriptor) {
	m.mu.Lock()
	m.model = desc
	persist := m.persistModel
	m.mu.Unlock()

	if persist == nil {
		return
	}
	go func() {
		if err := persist(desc.Name); err != nil {
			logx.Warn().Err(err).Str("model", desc.Name).Msg("failed to persist model choice")
		}
	}()
}

// SetSystemPrompt replaces the prompt that opens fresh conversations. A
// conversation already under way keeps the prompt it started with.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	m.systemPrompt = prompt
	m.mu.Unlock()
}

// Model returns the active model descriptor.
func (m *Manager) Model() provider.ModelDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// FetchModelNames returns the merged catalog across all backends.
func (m *Manager) FetchModelNames(ctx context.Context) ([]provider.ModelDescriptor, error) {
	return m.registry.FetchModelNames(ctx)
}

// LastError returns the most recent send failure, or nil.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// State reports the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastPhase reports how the most recent request ended: StateCompleted,
// StateCancelled, or StateFailed. StateIdle means nothing has run yet.
func (m *Manager) LastPhase() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPhase
}

// =============================================================================
// TEARDOWN
// =============================================================================

// Close cancels any in-flight request, archives the conversation, and marks
// the manager unusable.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	call := m.active
	if m.interrupt != nil {
		m.interrupt()
	}
	m.mu.Unlock()

	if call != nil {
		call.Cancel()
		call.Wait() //nolint:errcheck // teardown; the result no longer matters
	}

	// Wait for the send lifecycle to finish recording its turn.
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	archived := m.history
	model := m.model.Name
	m.history = nil
	m.contextTok = nil
	m.mu.Unlock()

	m.archiveConversation(model, archived)
	return nil
}

// archiveConversation persists a finished conversation, skipping empty ones.
func (m *Manager) archiveConversation(model string, messages []provider.Message) {
	if m.archive == nil || len(messages) == 0 {
		return
	}
	stored := make([]storage.StoredMessage, len(messages))
	for i, msg := range messages {
		stored[i] = storage.StoredMessage{Role: msg.Role, Content: msg.Content}
	}
	if _, err := m.archive.SaveConversation(model, stored); err != nil {
		logx.Warn().Err(err).Msg("failed to archive conversation")
	}
}
