// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later

// Package extract pulls plain text out of binary document formats by
// shelling out to whichever external tool is installed.
//
// Each format carries an ordered list of approaches tried in sequence; the
// first one whose cleaned output clears a minimum length wins. Tools that
// are missing, fail, or emit only markup noise fall through to the next.
package extract

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/TheoThePerson/copilot-core/internal/logx"
)

// =============================================================================
// APPROACHES
// =============================================================================

// PathPlaceholder marks where the input file path goes in an approach's args.
const PathPlaceholder = "{path}"

// MinMeaningfulLength is the cleaned-output length an approach must exceed.
// Shorter output means the tool ran but produced markup residue or nothing.
const MinMeaningfulLength = 20

// Approach is one external-tool invocation strategy.
type Approach struct {
	Command string
	Args    []string
}

// Runner executes an external command and returns its stdout. Injectable so
// tests never depend on installed tools.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// docxApproaches lists the DOCX strategies in preference order. The unzip
// fallback reads the raw document XML; tag stripping happens in cleaning.
var docxApproaches = []Approach{
	{Command: "docx2txt", Args: []string{PathPlaceholder, "-"}},
	{Command: "pandoc", Args: []string{"--to=plain", PathPlaceholder}},
	{Command: "unzip", Args: []string{"-p", PathPlaceholder, "word/document.xml"}},
}

// docApproaches lists the legacy DOC strategies in preference order.
var docApproaches = []Approach{
	{Command: "antiword", Args: []string{PathPlaceholder}},
	{Command: "catdoc", Args: []string{PathPlaceholder}},
	{Command: "textract", Args: []string{PathPlaceholder}},
}

// =============================================================================
// EXTRACTOR
// =============================================================================

// Extractor converts documents to plain text via external tools.
type Extractor struct {
	run Runner
}

// New creates an extractor using the system's installed commands.
func New() *Extractor {
	return &Extractor{run: execRunner}
}

// NewWithRunner creates an extractor with a custom command runner.
func NewWithRunner(run Runner) *Extractor {
	return &Extractor{run: run}
}

// ExtractFile extracts text from path, dispatching on file extension.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx":
		return e.tryInOrder(ctx, "DOCX", docxApproaches, path)
	case ".doc":
		return e.tryInOrder(ctx, "DOC", docApproaches, path)
	default:
		return "", fmt.Errorf("unsupported document format %q", filepath.Ext(path))
	}
}

// tryInOrder runs approaches in sequence until one yields meaningful text.
func (e *Extractor) tryInOrder(ctx context.Context, format string, approaches []Approach, path string) (string, error) {
	for _, a := range approaches {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		args := make([]string, len(a.Args))
		for i, arg := range a.Args {
			if arg == PathPlaceholder {
				args[i] = path
			} else {
				args[i] = arg
			}
		}

		out, err := e.run(ctx, a.Command, args...)
		if err != nil {
			logx.Debug().Str("command", a.Command).Err(err).Msg("extraction approach failed")
			continue
		}

		text := Clean(string(out))
		if len(text) <= MinMeaningfulLength {
			logx.Debug().Str("command", a.Command).Int("length", len(text)).
				Msg("extraction output below meaningful threshold")
			continue
		}
		return text, nil
	}
	return "", fmt.Errorf("failed to extract text from %s after trying all methods", format)
}

// =============================================================================
// OUTPUT CLEANING
// =============================================================================

var (
	tagRe       = regexp.MustCompile(`<[^>]*>`)
	spaceRunRe  = regexp.MustCompile(`[ \t]+`)
	breakRunRe  = regexp.MustCompile(`\n{3,}`)
	trailingWS  = regexp.MustCompile(`[ \t]+\n`)
	controlsOut = runes.Remove(runes.Predicate(func(r rune) bool {
		return unicode.IsControl(r) && r != '\n' && r != '\t'
	}))
)

// Clean strips markup remnants and control characters, collapses whitespace
// runs, and normalizes paragraph breaks.
func Clean(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s, _, _ = transform.String(controlsOut, s)
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = trailingWS.ReplaceAllString(s, "\n")
	s = breakRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
