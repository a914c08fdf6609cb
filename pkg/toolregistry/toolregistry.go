// Package toolregistry defines the tool-registry boundary (spec.md §6):
// the core never implements file I/O, shell, grep or edit itself — it
// calls whatever Registry the caller wired in and truncates output that
// exceeds a configured ceiling before persisting it to a ToolCall row.
package toolregistry

import (
	"context"
	"fmt"
	"log/slog"
)

// Result is what a tool invocation returns to its caller.
type Result struct {
	Content      string
	ErrorMessage string
	Metadata     map[string]any
}

// Registry executes named tools against author-supplied input,
// per spec.md §6's `execute(name, inputJson, ctx)` contract.
type Registry interface {
	Execute(ctx context.Context, name, inputJSON string) (Result, error)
}

// DefaultTruncationCeiling is the byte ceiling applied when a caller
// does not configure one explicitly (spec.md §6 "Tool output may be
// truncated by the core if it exceeds a configured ceiling").
const DefaultTruncationCeiling = 64 * 1024

// Truncating wraps an underlying Registry and enforces a byte ceiling
// on Content, logging once per truncation with the original and
// truncated sizes — spec.md §14 "Tool-output truncation ceiling".
type Truncating struct {
	Inner    Registry
	CeilingB int
}

// NewTruncating returns a Truncating registry with the given ceiling,
// defaulting to DefaultTruncationCeiling when ceilingB <= 0.
func NewTruncating(inner Registry, ceilingB int) *Truncating {
	if ceilingB <= 0 {
		ceilingB = DefaultTruncationCeiling
	}
	return &Truncating{Inner: inner, CeilingB: ceilingB}
}

// Execute runs name against the wrapped Registry and truncates Content
// to CeilingB bytes if it exceeds that length.
func (t *Truncating) Execute(ctx context.Context, name, inputJSON string) (Result, error) {
	res, err := t.Inner.Execute(ctx, name, inputJSON)
	if err != nil {
		return res, err
	}
	if len(res.Content) > t.CeilingB {
		originalLen := len(res.Content)
		res.Content = res.Content[:t.CeilingB]
		slog.Info("toolregistry: truncated tool output",
			"tool", name, "original_bytes", originalLen, "truncated_bytes", t.CeilingB)
		if res.Metadata == nil {
			res.Metadata = map[string]any{}
		}
		res.Metadata["truncated"] = true
		res.Metadata["original_bytes"] = originalLen
	}
	return res, nil
}

// Static is a minimal Registry for tests and demos: it maps a tool
// name straight to a canned Result, returning an error for any name it
// has no entry for.
type Static struct {
	Tools map[string]Result
}

// Execute implements Registry.
func (s *Static) Execute(ctx context.Context, name, inputJSON string) (Result, error) {
	res, ok := s.Tools[name]
	if !ok {
		return Result{}, fmt.Errorf("toolregistry: unknown tool %q", name)
	}
	return res, nil
}
