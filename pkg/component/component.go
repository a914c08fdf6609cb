// Package component is the author-facing surface a workflow script
// programs against (spec.md §6): CreateRoot plus builder functions for
// every node kind, the two reactive hooks, and a small runner that ties
// the engine's components together for one Execution.
package component

import (
	"context"
	"fmt"

	"github.com/smithers-run/smithers/pkg/reactive"
	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/store"
	"github.com/smithers-run/smithers/pkg/supersmithers"
)

// RootConfig is the input to CreateRoot.
type RootConfig struct {
	Store           *store.Store
	ExecutionID     string
	MaxIterations   int
	GlobalTimeoutMs int64
	Child           Node
}

// Node is an alias so author scripts only ever import this package,
// not pkg/reconciler directly, matching spec.md §6's component API
// surface.
type Node = reconciler.Node

// CreateRoot wraps child as the execution boundary the reconciler
// mounts (spec.md §6 `createRoot`).
func CreateRoot(cfg RootConfig) *reconciler.RootNode {
	return &reconciler.RootNode{
		ExecutionID:     cfg.ExecutionID,
		MaxIterations:   cfg.MaxIterations,
		GlobalTimeoutMs: cfg.GlobalTimeoutMs,
		Child:           cfg.Child,
	}
}

// RalphLoop declares the iteration controller's children (usually a
// sequence of Phases).
func RalphLoop(children ...Node) *reconciler.RalphLoopNode {
	return &reconciler.RalphLoopNode{NodeChildren: children}
}

// PhaseOpts configures an optional SkipIf predicate and lifecycle hooks
// for Phase.
type PhaseOpts struct {
	SkipIf     func(*reconciler.RenderCtx) bool
	OnStart    func(*reconciler.RenderCtx)
	OnComplete func(*reconciler.RenderCtx)
	Key        string
}

// Phase declares a named phase (spec.md §4.3/§4.4).
func Phase(name string, opts PhaseOpts, children ...Node) *reconciler.PhaseNode {
	return &reconciler.PhaseNode{
		Name:         name,
		SkipIf:       opts.SkipIf,
		OnStart:      opts.OnStart,
		OnComplete:   opts.OnComplete,
		NodeChildren: children,
		NodeKey:      opts.Key,
	}
}

// StepOpts configures an optional SkipIf predicate for Step.
type StepOpts struct {
	SkipIf func(*reconciler.RenderCtx) bool
	Key    string
}

// Step declares a child of a Phase with the same lifecycle shape.
func Step(name string, opts StepOpts, children ...Node) *reconciler.StepNode {
	return &reconciler.StepNode{
		Name:         name,
		SkipIf:       opts.SkipIf,
		NodeChildren: children,
		NodeKey:      opts.Key,
	}
}

// Parallel marks its children as concurrently eligible.
func Parallel(children ...Node) *reconciler.ParallelNode {
	return &reconciler.ParallelNode{NodeChildren: children}
}

// AgentOpts configures an Agent leaf.
type AgentOpts struct {
	Model        string
	AllowedTools []string
	Key          string
}

// Agent declares a generic agent invocation.
func Agent(prompt string, opts AgentOpts) *reconciler.AgentNode {
	return &reconciler.AgentNode{
		Model:        opts.Model,
		Prompt:       prompt,
		AllowedTools: opts.AllowedTools,
		NodeKey:      opts.Key,
	}
}

// Claude is the Anthropic-flavoured convenience constructor over Agent,
// defaulting Model to "claude" when unset (spec.md §4.3 "provider-
// specific subclasses, e.g. Claude").
func Claude(prompt string, allowedTools []string) *reconciler.AgentNode {
	return &reconciler.AgentNode{Model: "claude", Prompt: prompt, AllowedTools: allowedTools}
}

// If declares a Conditional node (spec.md §6 `If`).
func If(predicate func(*reconciler.RenderCtx) bool, child Node) *reconciler.ConditionalNode {
	return &reconciler.ConditionalNode{Predicate: predicate, Child: child}
}

// Stop declares a terminal node.
func Stop(reason string) *reconciler.StopNode {
	return &reconciler.StopNode{Reason: reason}
}

// Task declares a presentational leaf.
func Task(name string) *reconciler.TaskNode {
	return &reconciler.TaskNode{Name: name}
}

// SuperSmithers wraps a branded proxy as the mountable node the
// reconciler treats as a rewritable scope (spec.md §4.6). Build proxy
// with supersmithers.CreateProxy first.
func SuperSmithers(proxy *supersmithers.Proxy) *reconciler.SuperSmithersNode {
	return proxy.Node()
}

// Hooks bundles the reactive layer a node's render-time callbacks can
// use, matching spec.md §6 `useStore()`.
type Hooks struct {
	Store       *store.Store
	Reactive    *reactive.Queries
	ExecutionID string
}

// UseStore returns the store/reactive/executionID triple, per spec.md
// §6 `useStore()`.
func UseStore(h Hooks) (*store.Store, *reactive.Queries, string) {
	return h.Store, h.Reactive, h.ExecutionID
}

// UseReactive registers (or reuses) a reactive query and returns its
// current value, per spec.md §6 `useReactive<T>(sql, params)`.
func UseReactive[T any](ctx context.Context, h Hooks, sqlText string, args ...any) (T, bool) {
	handle := reactive.Query[T](ctx, h.Reactive, sqlText, args...)
	return handle.Data()
}

// MustReactiveValue is a convenience over reactive.QueryValue for
// author scripts that want a single scalar and are willing to panic on
// a programming error (missing table, bad SQL) rather than thread an
// error through every render callback.
func MustReactiveValue[T any](ctx context.Context, h Hooks, sqlText string, args ...any) T {
	handle := reactive.QueryValue[T](ctx, h.Reactive, sqlText, args...)
	v, ok := handle.Data()
	if !ok {
		var zero T
		return zero
	}
	return v
}

// ErrMissingChild is returned by CreateRoot callers that forgot to wrap
// a tree; kept here rather than pkg/serrors since it is a component-
// authoring mistake, not an engine-level UsageError.
var ErrMissingChild = fmt.Errorf("component: root has no child")
