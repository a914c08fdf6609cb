package reconciler_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

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

func simpleTree() reconciler.Node {
	return &reconciler.RootNode{
		ExecutionID: "exec-1",
		Child: &reconciler.RalphLoopNode{
			NodeChildren: []reconciler.Node{
				&reconciler.PhaseNode{
					Name: "A",
					NodeChildren: []reconciler.Node{
						&reconciler.AgentNode{Model: "claude", Prompt: "say hi"},
					},
				},
				&reconciler.PhaseNode{
					Name: "B",
					NodeChildren: []reconciler.Node{
						&reconciler.AgentNode{Model: "claude", Prompt: "say bye"},
					},
				},
			},
		},
	}
}

func TestRenderCreatesFirstPhaseOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "test", "/tmp/x.ts")
	require.NoError(t, err)

	rec := reconciler.New(s, exec.ID, nil)
	rendered, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)

	phases, err := s.ListPhases(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	require.Equal(t, store.PhasePending, phases[0].Status)
	require.Equal(t, store.PhasePending, phases[1].Status)

	// Neither phase is active yet, so neither renders its Agent child.
	require.Empty(t, rendered.NewlyMountedAgents)
}

func TestRenderMountsAgentOnceActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "test", "/tmp/x.ts")
	require.NoError(t, err)

	rec := reconciler.New(s, exec.ID, nil)
	_, err = rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)

	phases, err := s.ListPhases(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetPhaseStatus(ctx, exec.ID, phases[0].ID, store.PhaseActive))

	rendered, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)
	require.Len(t, rendered.NewlyMountedAgents, 1)
	require.Equal(t, "say hi", rendered.NewlyMountedAgents[0].Name)

	runs, err := s.ListAgentRuns(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// Re-render without state change must not create a second AgentRun.
	rendered2, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)
	require.Empty(t, rendered2.NewlyMountedAgents)
	runs, err = s.ListAgentRuns(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestNodeIDStableAcrossRenders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "test", "/tmp/x.ts")
	require.NoError(t, err)

	rec := reconciler.New(s, exec.ID, nil)
	r1, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)
	r2, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)

	require.Equal(t, r1.Root.ID, r2.Root.ID)
	require.Equal(t, r1.Root.Children[0].ID, r2.Root.Children[0].ID)
}

func TestConditionalUnmountsChildWhenPredicateFlips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "test", "/tmp/x.ts")
	require.NoError(t, err)

	show := true
	tree := func() reconciler.Node {
		return &reconciler.RootNode{
			ExecutionID: exec.ID,
			Child: &reconciler.ConditionalNode{
				Predicate: func(*reconciler.RenderCtx) bool { return show },
				Child:     &reconciler.TaskNode{Name: "only-if-shown"},
			},
		}
	}

	rec := reconciler.New(s, exec.ID, nil)
	r1, err := rec.Render(ctx, tree(), 0)
	require.NoError(t, err)
	require.Len(t, r1.Root.Children[0].Children, 1)

	show = false
	r2, err := rec.Render(ctx, tree(), 0)
	require.NoError(t, err)
	require.Len(t, r2.Unmounted, 1)
	require.Empty(t, r2.Root.Children[0].Children)
}

func TestStopNodeSetsRenderedStop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "test", "/tmp/x.ts")
	require.NoError(t, err)

	tree := &reconciler.RootNode{
		ExecutionID: exec.ID,
		Child:       &reconciler.StopNode{Reason: "done"},
	}

	rec := reconciler.New(s, exec.ID, nil)
	rendered, err := rec.Render(ctx, tree, 0)
	require.NoError(t, err)
	require.NotNil(t, rendered.Stop)
	require.Equal(t, "done", rendered.Stop.Reason)
}

func TestSerializeXMLIsByteIdenticalAcrossStableRenders(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "test", "/tmp/x.ts")
	require.NoError(t, err)

	rec := reconciler.New(s, exec.ID, nil)
	r1, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)
	r2, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)

	require.Equal(t, reconciler.SerializeXML(r1.Root), reconciler.SerializeXML(r2.Root))
}

func TestRenderBindsExistingAgentRunAfterRestart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec, err := s.CreateExecution(ctx, "test", "/tmp/x.ts")
	require.NoError(t, err)

	rec := reconciler.New(s, exec.ID, nil)
	_, err = rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)
	phases, err := s.ListPhases(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, s.SetPhaseStatus(ctx, exec.ID, phases[0].ID, store.PhaseActive))

	rendered, err := rec.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)
	require.Len(t, rendered.NewlyMountedAgents, 1)
	originalID := rendered.NewlyMountedAgents[0].DurableID

	// A brand-new Reconciler has no in-memory NodeState, simulating a
	// process restart; it must bind back to the same AgentRun row
	// instead of creating a second one.
	rec2 := reconciler.New(s, exec.ID, nil)
	rendered2, err := rec2.Render(ctx, simpleTree(), 0)
	require.NoError(t, err)
	require.Empty(t, rendered2.NewlyMountedAgents)
	require.Equal(t, originalID, rendered2.Root.Children[0].Children[0].Children[0].DurableID)

	runs, err := s.ListAgentRuns(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
