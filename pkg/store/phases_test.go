package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/store"
)

func TestPhaseLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	phase := &store.Phase{ID: "setup", ExecutionID: exec.ID, Name: "setup", Status: store.PhasePending, Position: 0}
	require.NoError(t, s.UpsertPhase(ctx, phase))
	// Upsert is idempotent.
	require.NoError(t, s.UpsertPhase(ctx, phase))

	loaded, err := s.GetPhase(ctx, exec.ID, "setup")
	require.NoError(t, err)
	require.Equal(t, store.PhasePending, loaded.Status)

	require.NoError(t, s.SetPhaseStatus(ctx, exec.ID, "setup", store.PhaseActive))
	loaded, err = s.GetPhase(ctx, exec.ID, "setup")
	require.NoError(t, err)
	require.NotNil(t, loaded.StartedAt)

	time.Sleep(time.Millisecond)
	require.NoError(t, s.SetPhaseStatus(ctx, exec.ID, "setup", store.PhaseCompleted))
	loaded, err = s.GetPhase(ctx, exec.ID, "setup")
	require.NoError(t, err)
	require.NotNil(t, loaded.EndedAt)
	require.NotNil(t, loaded.DurationMs)
}

func TestPhaseTransitionRejectsBackwardMove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	phase := &store.Phase{ID: "setup", ExecutionID: exec.ID, Name: "setup", Status: store.PhasePending, Position: 0}
	require.NoError(t, s.UpsertPhase(ctx, phase))
	require.NoError(t, s.SetPhaseStatus(ctx, exec.ID, "setup", store.PhaseActive))
	require.NoError(t, s.SetPhaseStatus(ctx, exec.ID, "setup", store.PhaseCompleted))

	err = s.SetPhaseStatus(ctx, exec.ID, "setup", store.PhaseActive)
	require.Error(t, err)
}

func TestListPhasesOrdersByPosition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	require.NoError(t, s.UpsertPhase(ctx, &store.Phase{ID: "b", ExecutionID: exec.ID, Name: "b", Status: store.PhasePending, Position: 1}))
	require.NoError(t, s.UpsertPhase(ctx, &store.Phase{ID: "a", ExecutionID: exec.ID, Name: "a", Status: store.PhasePending, Position: 0}))

	phases, err := s.ListPhases(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	require.Equal(t, "a", phases[0].ID)
	require.Equal(t, "b", phases[1].ID)
}

func TestStepLifecycleMirrorsPhase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)
	require.NoError(t, s.UpsertPhase(ctx, &store.Phase{ID: "p", ExecutionID: exec.ID, Name: "p", Status: store.PhasePending, Position: 0}))

	step := &store.Step{ID: "s1", ExecutionID: exec.ID, PhaseID: "p", Name: "s1", Status: store.PhasePending, Position: 0}
	require.NoError(t, s.UpsertStep(ctx, step))
	require.NoError(t, s.SetStepStatus(ctx, exec.ID, "s1", store.PhaseActive))
	require.NoError(t, s.SetStepStatus(ctx, exec.ID, "s1", store.PhaseCompleted))

	steps, err := s.ListStepsForPhase(ctx, exec.ID, "p")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, store.PhaseCompleted, steps[0].Status)
}
