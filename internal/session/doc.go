// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session manages the conversation lifecycle over provider adapters.
//
// A Manager owns the conversation history and the continuation token, runs
// at most one streaming request at a time, and converts every provider
// failure into a display string that lands in the transcript.
//
// # Key Types
//
//   - Manager: the conversation state machine and request router
//   - State: lifecycle phase (idle, sending, streaming, ...)
//
// # Usage
//
// Create a manager over the two adapters:
//
//	mgr := session.NewManager(session.Config{
//	    Local:  provider.NewOllama(provider.DefaultOllamaConfig()),
//	    Hosted: provider.NewOpenAI(provider.OpenAIConfig{APIKey: key}),
//	    Model:  provider.ModelDescriptor{Name: "llama3:8b", Kind: provider.KindLocal},
//	})
//	defer mgr.Close()
//
// Send a message and stream chunks:
//
//	reply, err := mgr.SendMessage(ctx, "hello", func(c stream.Chunk) {
//	    fmt.Print(c.Content)
//	})
//
// Stop an in-flight request, keeping the partial text:
//
//	partial, ok := mgr.StopMessage()
//
// # Lifecycle
//
// IDLE -> SENDING -> STREAMING -> (COMPLETED | CANCELLED | FAILED) -> IDLE.
// State reports the current phase; the terminal phase of the most recent
// request stays observable through LastPhase after the return to idle.
// Starting a send while another is active cancels the prior one; its partial
// text is still recorded before the new user turn enters history.
package session
