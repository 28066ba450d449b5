// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package registry merges model catalogs from every configured backend.
//
// Fetches run concurrently and tolerate individual failures: one backend
// being down must not suppress another's models. An empty combined list
// produces an error whose message tells the user which backend failed and
// why, so the UI can show "start Ollama" or "configure a key" instead of a
// bare "no models".
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheoThePerson/copilot-core/internal/logx"
	"github.com/TheoThePerson/copilot-core/internal/provider"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultFetchTimeout bounds one full catalog fetch across all backends.
	DefaultFetchTimeout = 10 * time.Second
)

// ErrNoModels is returned when every backend came back empty or failed.
var ErrNoModels = errors.New("no models available")

// =============================================================================
// REGISTRY
// =============================================================================

// Registry aggregates model catalogs across provider adapters.
type Registry struct {
	adapters []provider.Adapter

	mu      sync.RWMutex
	timeout time.Duration
	cached  []provider.ModelDescriptor
}

// New creates a registry over the given adapters. The adapter order decides
// tie-breaking when two backends expose the same model name.
func New(adapters ...provider.Adapter) *Registry {
	return &Registry{
		adapters: adapters,
		timeout:  DefaultFetchTimeout,
	}
}

// SetTimeout overrides the per-fetch deadline. Zero restores the default.
func (r *Registry) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultFetchTimeout
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// fetchResult carries one adapter's catalog back from its goroutine.
type fetchResult struct {
	adapter string
	models  []provider.ModelDescriptor
	err     error
}

// FetchModelNames queries every backend concurrently and returns the merged,
// de-duplicated catalog. Partial results are fine: a backend failure is
// logged and folded into the error only when nothing at all came back.
func (r *Registry) FetchModelNames(ctx context.Context) ([]provider.ModelDescriptor, error) {
	r.mu.RLock()
	timeout := r.timeout
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan fetchResult, len(r.adapters))

	var wg sync.WaitGroup
	for _, adapter := range r.adapters {
		wg.Add(1)
		go func(a provider.Adapter) {
			defer wg.Done()
			models, err := a.ListModels(ctx)
			results <- fetchResult{adapter: a.Name(), models: models, err: err}
		}(adapter)
	}
	wg.Wait()
	close(results)

	var (
		merged   []provider.ModelDescriptor
		failures []fetchResult
	)
	seen := make(map[string]bool)

	for res := range results {
		if res.err != nil {
			logx.Warn().Str("backend", res.adapter).Err(res.err).Msg("model catalog fetch failed")
			failures = append(failures, res)
			continue
		}
		for _, m := range res.models {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			merged = append(merged, m)
		}
	}

	if len(merged) == 0 {
		return nil, r.emptyCatalogError(failures)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })

	r.mu.Lock()
	r.cached = merged
	r.mu.Unlock()

	return merged, nil
}

// Cached returns the catalog from the last successful fetch, or nil.
func (r *Registry) Cached() []provider.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.ModelDescriptor, len(r.cached))
	copy(out, r.cached)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Find returns the descriptor for an exact model name from the last fetch.
func (r *Registry) Find(name string) (provider.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.cached {
		if m.Name == name {
			return m, true
		}
	}
	return provider.ModelDescriptor{}, false
}

// emptyCatalogError builds a user-facing error naming each failed backend
// with the most actionable description available.
func (r *Registry) emptyCatalogError(failures []fetchResult) error {
	if len(failures) == 0 {
		return ErrNoModels
	}

	var parts []string
	for _, f := range failures {
		parts = append(parts, f.adapter+": "+describeFailure(f.err))
	}
	sort.Strings(parts)

	return errors.Join(ErrNoModels, errors.New(strings.Join(parts, "; ")))
}

// describeFailure maps adapter errors onto the short phrases the UI shows.
func describeFailure(err error) string {
	switch {
	case provider.IsNotRunning(err):
		return "service unreachable"
	case provider.IsMissingKey(err):
		return "no key configured"
	default:
		return err.Error()
	}
}
