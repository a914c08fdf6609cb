// Package serrors defines the stable error taxonomy described in the
// engine's error-handling design: each error kind has a structured
// payload and a stable code so callers can classify failures with
// errors.As instead of string matching.
package serrors

import (
	"errors"
	"fmt"
)

// StoreErrorSubkind classifies what went wrong inside the Store.
type StoreErrorSubkind string

// Store failure subkinds.
const (
	StoreSubkindSchema     StoreErrorSubkind = "schema"
	StoreSubkindConstraint StoreErrorSubkind = "constraint"
	StoreSubkindIO         StoreErrorSubkind = "io"
	StoreSubkindClosed     StoreErrorSubkind = "closed"
	StoreSubkindCorrupt    StoreErrorSubkind = "corrupt"
)

// UsageError reports a malformed workflow: a missing maxIterations, an
// un-branded plan handed to SuperSmithers, a cyclic phase declaration.
// It is fatal — the driver aborts before the first iteration.
type UsageError struct {
	Reason string
	Cause  error
}

func (e *UsageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("usage error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("usage error: %s", e.Reason)
}

func (e *UsageError) Unwrap() error { return e.Cause }

// Code returns the stable error code for this taxonomy member.
func (e *UsageError) Code() string { return "usage_error" }

// NewUsage builds a UsageError with the given reason.
func NewUsage(reason string) *UsageError {
	return &UsageError{Reason: reason}
}

// StoreError reports an underlying storage failure.
type StoreError struct {
	Subkind StoreErrorSubkind
	Op      string
	Cause   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error (%s) during %s: %v", e.Subkind, e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

func (e *StoreError) Code() string { return "store_error" }

// Retryable reports whether this subkind is worth retrying once, per
// spec: only transient io failures are retried.
func (e *StoreError) Retryable() bool { return e.Subkind == StoreSubkindIO }

// NewStore wraps cause as a StoreError of the given subkind.
func NewStore(subkind StoreErrorSubkind, op string, cause error) *StoreError {
	return &StoreError{Subkind: subkind, Op: op, Cause: cause}
}

// ReconcileError records that a node's render/mount callback threw. The
// offending node is marked error(cause); the iteration still completes.
type ReconcileError struct {
	NodeID string
	Cause  error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile error on node %s: %v", e.NodeID, e.Cause)
}

func (e *ReconcileError) Unwrap() error { return e.Cause }

func (e *ReconcileError) Code() string { return "reconcile_error" }

// AgentError records that the external executor surfaced a failure for
// an AgentRun. The owning node is marked error; the parent Phase still
// advances.
type AgentError struct {
	AgentRunID string
	Cause      error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent run %s failed: %v", e.AgentRunID, e.Cause)
}

func (e *AgentError) Unwrap() error { return e.Cause }

func (e *AgentError) Code() string { return "agent_error" }

// ToolError records a failed ToolCall, visible to the owning AgentRun.
type ToolError struct {
	ToolCallID string
	ToolName   string
	Cause      error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s (%s) failed: %v", e.ToolName, e.ToolCallID, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }

func (e *ToolError) Code() string { return "tool_error" }

// RewriteValidationError reports that the SuperSmithers validator
// rejected a rewriter proposal. RuleIDs enumerates every rule the code
// violated so the rewriter can be re-prompted with concrete feedback.
type RewriteValidationError struct {
	RuleIDs []string
	Details []string
}

func (e *RewriteValidationError) Error() string {
	return fmt.Sprintf("overlay rejected, violated rules: %v", e.RuleIDs)
}

func (e *RewriteValidationError) Code() string { return "rewrite_validation_error" }

// HasRule reports whether ruleID is among the violations.
func (e *RewriteValidationError) HasRule(ruleID string) bool {
	for _, id := range e.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// OverlayLoadError reports that activating a ModuleVersion failed (no
// registered factory for its version_id). The ActiveOverride is cleared
// by the caller and the baseline resumes.
type OverlayLoadError struct {
	VersionID string
	Cause     error
}

func (e *OverlayLoadError) Error() string {
	return fmt.Sprintf("overlay %s failed to load: %v", e.VersionID, e.Cause)
}

func (e *OverlayLoadError) Unwrap() error { return e.Cause }

func (e *OverlayLoadError) Code() string { return "overlay_load_error" }

// Interrupted reports an external cancel. The Execution's status becomes
// interrupted; resuming later is legal.
type Interrupted struct {
	ExecutionID string
}

func (e *Interrupted) Error() string {
	return fmt.Sprintf("execution %s interrupted", e.ExecutionID)
}

func (e *Interrupted) Code() string { return "interrupted" }

// Coder is implemented by every member of the taxonomy.
type Coder interface {
	error
	Code() string
}

// IsFatal reports whether err should abort the driver before or during
// iteration rather than simply being recorded on a node. Per spec §7,
// only UsageError and a non-retryable StoreError are fatal.
func IsFatal(err error) bool {
	var usage *UsageError
	if errors.As(err, &usage) {
		return true
	}
	var store *StoreError
	if errors.As(err, &store) {
		return !store.Retryable()
	}
	return false
}
