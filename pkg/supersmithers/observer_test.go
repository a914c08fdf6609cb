package supersmithers_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/ralph"
	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/store"
	"github.com/smithers-run/smithers/pkg/supersmithers"
	"github.com/smithers-run/smithers/pkg/supersmithers/overlay"
	"github.com/smithers-run/smithers/pkg/vcs"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "smithers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func openTestRepo(t *testing.T) *vcs.Repo {
	t.Helper()
	r, err := vcs.Open(context.Background(), filepath.Join(t.TempDir(), "overlays"))
	require.NoError(t, err)
	return r
}

func snapshotWith(execID, xml string, anyRunning bool, ssNode *reconciler.SuperSmithersNode) ralph.IterationSnapshot {
	ssRendered := &reconciler.RenderedNode{Kind: reconciler.KindSuperSmithers, Node: ssNode, Status: reconciler.StatusRunning}
	root := &reconciler.RenderedNode{Kind: reconciler.KindRoot, Children: []*reconciler.RenderedNode{ssRendered}}
	return ralph.IterationSnapshot{
		ExecutionID: execID,
		TreeXML:     xml,
		Rendered:    &reconciler.Rendered{Root: root},
		AnyRunning:  anyRunning,
	}
}

// S4: a stalled scope (identical tree, nothing running, for StallWindow
// consecutive iterations) gets analysed and rewritten, and the rewrite
// activates atomically: ActiveOverride set, factory registered, and the
// execution's scope_rev bumped so the next render remounts it.
func TestObserverStallTriggersRewrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := openTestRepo(t)
	registry := overlay.NewRegistry()

	exec, err := s.CreateExecution(ctx, "s4", "/plans/s4.go")
	require.NoError(t, err)

	ssNode := &reconciler.SuperSmithersNode{
		Scope:          "loop-body",
		ModuleHash:     "hash-s4",
		BaselineSource: "package baseline",
		Baseline:       &reconciler.StopNode{Reason: "baseline done"},
	}

	analyser := &supersmithers.StubAnalyser{Summary: "stalled, simplify", Goals: []string{"terminate"}, Risk: "low"}
	rewriter := &supersmithers.StubRewriter{
		Summary:   "replace with a direct stop",
		Rationale: "baseline never changes the tree",
		Risk:      "low",
		Code:      "package overlay\n\nfunc Run() {}\n",
		Factory:   func() reconciler.Node { return &reconciler.StopNode{Reason: "rewritten"} },
	}

	obs := supersmithers.NewObserver(s, repo, registry, analyser, rewriter, supersmithers.Config{
		Trigger:     supersmithers.TriggerConfig{StallEnabled: true, StallWindow: 2},
		MaxAttempts: 2,
	})

	require.NoError(t, obs.OnIteration(ctx, snapshotWith(exec.ID, "xml-1", false, ssNode)))
	override, err := s.GetActiveOverride(ctx, "hash-s4")
	require.NoError(t, err)
	require.Nil(t, override, "no rewrite before the stall window elapses")

	require.NoError(t, obs.OnIteration(ctx, snapshotWith(exec.ID, "xml-1", false, ssNode)))

	override, err = s.GetActiveOverride(ctx, "hash-s4")
	require.NoError(t, err)
	require.NotNil(t, override)
	require.NotNil(t, override.VersionID)

	node, ok := registry.Resolve(ctx, "hash-s4", *override.VersionID)
	require.True(t, ok)
	stop, ok := node.(*reconciler.StopNode)
	require.True(t, ok)
	require.Equal(t, "rewritten", stop.Reason)

	reloaded, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.ScopeRev)
}

// S6: a rewriter's first attempt violates an overlay-code constraint;
// the Observer retries with the validation errors, and the second
// attempt activates once it passes.
func TestObserverRetriesPastValidationFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := openTestRepo(t)
	registry := overlay.NewRegistry()

	exec, err := s.CreateExecution(ctx, "s6", "/plans/s6.go")
	require.NoError(t, err)

	ssNode := &reconciler.SuperSmithersNode{
		Scope:          "loop-body",
		ModuleHash:     "hash-s6",
		BaselineSource: "package baseline",
		Baseline:       &reconciler.StopNode{Reason: "baseline done"},
	}

	analyser := &supersmithers.StubAnalyser{Summary: "retry test", Goals: []string{"terminate"}}
	rewriter := &supersmithers.StubRewriter{
		Code:        "package overlay\n\nfunc Run() {}\n",
		InvalidCode: `package overlay

import "./helper"
`,
		Factory: func() reconciler.Node { return &reconciler.StopNode{Reason: "rewritten"} },
	}

	obs := supersmithers.NewObserver(s, repo, registry, analyser, rewriter, supersmithers.Config{
		Trigger:     supersmithers.TriggerConfig{StallEnabled: true, StallWindow: 1},
		MaxAttempts: 2,
	})

	require.NoError(t, obs.OnIteration(ctx, snapshotWith(exec.ID, "xml-1", false, ssNode)))

	override, err := s.GetActiveOverride(ctx, "hash-s6")
	require.NoError(t, err)
	require.NotNil(t, override, "second attempt should have passed validation and activated")
}

// When every attempt fails validation, the baseline stays active and
// OnError observes the exhaustion.
func TestObserverExhaustsAttemptsWithoutActivating(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := openTestRepo(t)
	registry := overlay.NewRegistry()

	exec, err := s.CreateExecution(ctx, "s6b", "/plans/s6b.go")
	require.NoError(t, err)

	ssNode := &reconciler.SuperSmithersNode{
		Scope:          "loop-body",
		ModuleHash:     "hash-s6b",
		BaselineSource: "package baseline",
		Baseline:       &reconciler.StopNode{Reason: "baseline done"},
	}

	analyser := &supersmithers.StubAnalyser{Summary: "always wrong"}
	badCode := `package overlay

import "./helper"
`
	rewriter := &supersmithers.StubRewriter{Code: badCode, InvalidCode: badCode}

	var observedErr error
	obs := supersmithers.NewObserver(s, repo, registry, analyser, rewriter, supersmithers.Config{
		Trigger:     supersmithers.TriggerConfig{StallEnabled: true, StallWindow: 1},
		MaxAttempts: 2,
		OnError: func(scope, moduleHash string, err error) {
			observedErr = err
		},
	})

	require.NoError(t, obs.OnIteration(ctx, snapshotWith(exec.ID, "xml-1", false, ssNode)))

	require.Error(t, observedErr)
	override, err := s.GetActiveOverride(ctx, "hash-s6b")
	require.NoError(t, err)
	require.Nil(t, override)
}
