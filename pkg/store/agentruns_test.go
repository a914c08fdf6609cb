package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/store"
)

func TestAgentRunForwardOnlyTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	run, err := s.CreateAgentRun(ctx, store.CreateAgentRunParams{
		ExecutionID: exec.ID,
		Prompt:      "do the thing",
		Model:       "claude",
	})
	require.NoError(t, err)
	require.Equal(t, store.AgentRunPending, run.Status)

	require.NoError(t, s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunStreaming, ""))
	require.NoError(t, s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunTools, ""))
	require.NoError(t, s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunCompleted, ""))

	err = s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunStreaming, "")
	require.Error(t, err)

	loaded, err := s.GetAgentRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentRunCompleted, loaded.Status)
}

func TestAgentRunFailureRecordsError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	run, err := s.CreateAgentRun(ctx, store.CreateAgentRunParams{ExecutionID: exec.ID, Prompt: "p", Model: "m"})
	require.NoError(t, err)

	require.NoError(t, s.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunFailed, "boom"))
	loaded, err := s.GetAgentRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.AgentRunFailed, loaded.Status)
	require.NotNil(t, loaded.Error)
	require.Equal(t, "boom", *loaded.Error)
}

func TestToolCallLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)
	run, err := s.CreateAgentRun(ctx, store.CreateAgentRunParams{ExecutionID: exec.ID, Prompt: "p", Model: "m"})
	require.NoError(t, err)

	tc, err := s.CreateToolCall(ctx, run.ID, "Read", `{"path":"a.go"}`)
	require.NoError(t, err)
	require.NoError(t, s.CompleteToolCall(ctx, tc.ID, "file contents", ""))

	calls, err := s.ListToolCallsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "completed", calls[0].Status)
	require.NotNil(t, calls[0].Output)
}

func TestListAgentRunsInStatuses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	r1, err := s.CreateAgentRun(ctx, store.CreateAgentRunParams{ExecutionID: exec.ID, Prompt: "a", Model: "m"})
	require.NoError(t, err)
	r2, err := s.CreateAgentRun(ctx, store.CreateAgentRunParams{ExecutionID: exec.ID, Prompt: "b", Model: "m"})
	require.NoError(t, err)
	require.NoError(t, s.UpdateAgentRunStatus(ctx, r2.ID, store.AgentRunCompleted, ""))

	pending, err := s.ListAgentRunsInStatuses(ctx, exec.ID, store.AgentRunPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, r1.ID, pending[0].ID)
}
