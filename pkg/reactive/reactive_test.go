package reactive_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/reactive"
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

func TestQueryRecomputesOnDependentTableChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := reactive.New(s)

	exec, err := s.CreateExecution(ctx, "example", "/tmp/x.ts")
	require.NoError(t, err)

	handle := reactive.Query[[]store.Phase](ctx, q,
		`SELECT id, execution_id, name, status, position, started_at, ended_at, duration_ms, created_at
		 FROM phases WHERE execution_id = ?`, exec.ID)

	data, ok := handle.Data()
	require.True(t, ok)
	require.Empty(t, data)

	var notified []store.Phase
	handle.OnChange(func(phases []store.Phase) { notified = phases })

	require.NoError(t, s.UpsertPhase(ctx, &store.Phase{ID: "a", ExecutionID: exec.ID, Name: "a", Status: store.PhasePending, Position: 0}))

	data, ok = handle.Data()
	require.True(t, ok)
	require.Len(t, data, 1)
	require.Len(t, notified, 1)
}

func TestQueryIgnoresUnrelatedTableChanges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := reactive.New(s)

	exec, err := s.CreateExecution(ctx, "example", "/tmp/x.ts")
	require.NoError(t, err)

	handle := reactive.Query[[]store.Phase](ctx, q,
		`SELECT id, execution_id, name, status, position, started_at, ended_at, duration_ms, created_at
		 FROM phases WHERE execution_id = ?`, exec.ID)

	fired := 0
	handle.OnChange(func([]store.Phase) { fired++ })

	require.NoError(t, s.State(exec.ID).Set(ctx, "unrelated", "value", ""))
	require.Equal(t, 0, fired)
}

func TestQueryValueReportsAbsence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := reactive.New(s)

	handle := reactive.QueryValue[store.Execution](ctx, q,
		`SELECT id, name, script_path, status, scope_rev, started_at, ended_at, created_at
		 FROM executions WHERE id = ?`, "missing-id")

	_, ok := handle.Data()
	require.False(t, ok)
}

func TestHandleInvalidateForcesRecompute(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := reactive.New(s)

	exec, err := s.CreateExecution(ctx, "example", "/tmp/x.ts")
	require.NoError(t, err)

	handle := reactive.QueryValue[store.Execution](ctx, q,
		`SELECT id, name, script_path, status, scope_rev, started_at, ended_at, created_at
		 FROM executions WHERE id = ?`, exec.ID)

	data, ok := handle.Data()
	require.True(t, ok)
	require.Equal(t, store.ExecutionRunning, data.Status)

	handle.Invalidate()
	data, ok = handle.Data()
	require.True(t, ok)
	require.Equal(t, store.ExecutionRunning, data.Status)
}

func TestCloseStopsRecompute(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := reactive.New(s)

	exec, err := s.CreateExecution(ctx, "example", "/tmp/x.ts")
	require.NoError(t, err)

	handle := reactive.Query[[]store.Phase](ctx, q,
		`SELECT id, execution_id, name, status, position, started_at, ended_at, duration_ms, created_at
		 FROM phases WHERE execution_id = ?`, exec.ID)
	handle.Close()

	require.NoError(t, s.UpsertPhase(ctx, &store.Phase{ID: "a", ExecutionID: exec.ID, Name: "a", Status: store.PhasePending, Position: 0}))

	data, _ := handle.Data()
	require.Empty(t, data)
}

func TestExtractTablesFallsBackToAllTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := reactive.New(s)

	exec, err := s.CreateExecution(ctx, "example", "/tmp/x.ts")
	require.NoError(t, err)

	// No FROM/JOIN to parse: falls back to depends-on-all-tables, so an
	// unrelated phases write still triggers a recompute, and
	// total_changes() grows with that write, so the value changes.
	handle := reactive.QueryValue[int](ctx, q, `SELECT total_changes()`)

	fired := 0
	handle.OnChange(func(int) { fired++ })

	require.NoError(t, s.UpsertPhase(ctx, &store.Phase{ID: "a", ExecutionID: exec.ID, Name: "a", Status: store.PhasePending, Position: 0}))
	require.Equal(t, 1, fired)
}
