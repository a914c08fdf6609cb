package ralph_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/agentexec"
	"github.com/smithers-run/smithers/pkg/phase"
	"github.com/smithers-run/smithers/pkg/ralph"
	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "smithers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func twoPhaseTree() reconciler.Node {
	return &reconciler.RootNode{
		ExecutionID: "exec",
		Child: &reconciler.RalphLoopNode{
			NodeChildren: []reconciler.Node{
				&reconciler.PhaseNode{
					Name:         "A",
					NodeChildren: []reconciler.Node{&reconciler.AgentNode{Model: "claude", Prompt: "say hi"}},
				},
				&reconciler.PhaseNode{
					Name:         "B",
					NodeChildren: []reconciler.Node{&reconciler.AgentNode{Model: "claude", Prompt: "say bye"}},
				},
			},
		},
	}
}

func fastConfig(maxIter int) ralph.Config {
	return ralph.Config{MaxIterations: maxIter, SettlePollInterval: time.Millisecond}
}

// S1 Sequential sanity.
func TestSequentialSanity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "s1", "/plans/s1.go")
	require.NoError(t, err)

	rec := reconciler.New(s, exec.ID, nil)
	reg := phase.New(s, exec.ID)
	loop := ralph.New(s, rec, reg, exec.ID, twoPhaseTree(), &agentexec.Stub{}, fastConfig(5))

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, result.Status)
	require.GreaterOrEqual(t, result.Iterations, 2)
	require.LessOrEqual(t, result.Iterations, 3)

	phases, err := s.ListPhases(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	require.Equal(t, store.PhaseCompleted, phases[0].Status)
	require.Equal(t, store.PhaseCompleted, phases[1].Status)

	runs, err := s.ListAgentRuns(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		require.Equal(t, store.AgentRunCompleted, r.Status)
	}
}

// S2 Skip.
func TestSkipPhase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "s2", "/plans/s2.go")
	require.NoError(t, err)

	tree := &reconciler.RootNode{
		ExecutionID: exec.ID,
		Child: &reconciler.RalphLoopNode{
			NodeChildren: []reconciler.Node{
				&reconciler.PhaseNode{
					Name:         "A",
					NodeChildren: []reconciler.Node{&reconciler.AgentNode{Model: "claude", Prompt: "say hi"}},
				},
				&reconciler.PhaseNode{
					Name:         "B",
					SkipIf:       func(*reconciler.RenderCtx) bool { return true },
					NodeChildren: []reconciler.Node{&reconciler.AgentNode{Model: "claude", Prompt: "say bye"}},
				},
			},
		},
	}

	rec := reconciler.New(s, exec.ID, nil)
	reg := phase.New(s, exec.ID)
	loop := ralph.New(s, rec, reg, exec.ID, tree, &agentexec.Stub{}, fastConfig(5))

	_, err = loop.Run(ctx)
	require.NoError(t, err)

	phases, err := s.ListPhases(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.PhaseCompleted, phases[0].Status)
	require.Equal(t, store.PhaseSkipped, phases[1].Status)

	runs, err := s.ListAgentRuns(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

// S5 Bounded iterations: a loop that never terminates naturally stops
// at maxIterations.
func TestBoundedIterations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "s5", "/plans/s5.go")
	require.NoError(t, err)

	// An Agent mounted directly under RalphLoop, with no enclosing
	// Phase at all: PhaseRegistry tracks zero Phases for this tree, so
	// allPhasesTerminal never reports true (spec.md §8 scenario S5 "an
	// agent that completes and remounts identically"). The agent
	// completes synchronously on first mount and, because its identity
	// is stable, every later render rebinds to the same completed
	// AgentRun row — the tree XML stops changing, so natural quiescence
	// is the only other way out; StallWindow is set far above
	// MaxIterations so the bound is what actually fires.
	tree := &reconciler.RootNode{
		ExecutionID: exec.ID,
		Child: &reconciler.RalphLoopNode{
			NodeChildren: []reconciler.Node{&reconciler.AgentNode{Model: "claude", Prompt: "again"}},
		},
	}

	rec := reconciler.New(s, exec.ID, nil)
	reg := phase.New(s, exec.ID)
	cfg := fastConfig(3)
	cfg.StallWindow = 100
	loop := ralph.New(s, rec, reg, exec.ID, tree, &agentexec.Stub{}, cfg)

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, result.Iterations)
	require.Equal(t, ralph.ReasonMaxIterations, result.Reason)

	frames, err := s.ListRenderFrames(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, frames, 3)
}

// S3 Resume: killing the process mid-run marks the in-flight AgentRun
// failed("interrupted") on restart, and the Execution still completes.
func TestResumeAfterInterruption(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "s3", "/plans/s3.go")
	require.NoError(t, err)

	rec := reconciler.New(s, exec.ID, nil)
	tree := twoPhaseTree()

	// Simulate the process dying mid-run: render, activate phase A,
	// render again so A's agent mounts and creates its AgentRun, and
	// push that run straight to "streaming" without ever completing it,
	// as if the HTTP connection were severed.
	rendered, err := rec.Render(ctx, tree, 0)
	require.NoError(t, err)

	reg := phase.New(s, exec.ID)
	require.NoError(t, reg.Advance(ctx, rendered, &reconciler.RenderCtx{Ctx: ctx, ExecutionID: exec.ID}))

	rendered, err = rec.Render(ctx, tree, 0)
	require.NoError(t, err)
	require.Len(t, rendered.NewlyMountedAgents, 1)
	agentRunID := rendered.NewlyMountedAgents[0].DurableID
	require.NoError(t, s.UpdateAgentRunStatus(ctx, agentRunID, store.AgentRunStreaming, ""))

	// "Restart": a fresh Reconciler against the same Store and tree.
	rec2 := reconciler.New(s, exec.ID, nil)
	loop := ralph.New(s, rec2, reg, exec.ID, tree, &agentexec.Stub{}, fastConfig(5))

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionCompleted, result.Status)

	run, err := s.GetAgentRun(ctx, agentRunID)
	require.NoError(t, err)
	require.Equal(t, store.AgentRunFailed, run.Status)
	require.NotNil(t, run.Error)
	require.Equal(t, "interrupted", *run.Error)

	phases, err := s.ListPhases(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.PhaseCompleted, phases[0].Status)
	require.Equal(t, store.PhaseCompleted, phases[1].Status)
}
