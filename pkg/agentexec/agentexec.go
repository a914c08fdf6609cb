// Package agentexec defines the agent-executor boundary (spec.md §6):
// the core never talks to an LLM provider directly, it hands an
// AgentRun to whatever Executor the caller wired in and learns about
// progress purely through Store writes on that same AgentRun row.
package agentexec

import (
	"context"

	"github.com/smithers-run/smithers/pkg/store"
)

// Handle is returned by Start and lets the caller cancel an in-flight
// run. It carries no other observable state; every fact about the run
// lives in the Store row the Executor updates as it progresses.
type Handle interface {
	// Cancel requests best-effort termination of the underlying call.
	Cancel()
}

// Executor is the external collaborator that actually talks to an LLM
// provider. Start must return without blocking: it schedules the work
// (e.g. a goroutine making an HTTP call) and returns immediately, per
// spec.md §6 "non-blocking; schedules work and returns a handle".
// Statuses the Executor writes back must only advance forward through
// the AgentRun state machine (store.CanTransition).
type Executor interface {
	Start(ctx context.Context, s *store.Store, run *store.AgentRun) (Handle, error)
}
