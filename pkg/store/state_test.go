package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateSetAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	st := s.State(exec.ID)
	require.NoError(t, st.Set(ctx, "attempt", 1, "init"))

	var attempt int
	ok, err := st.Get(ctx, "attempt", &attempt)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, attempt)

	ok, err = st.Has(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStateSetManyIsAtomicAndLogsTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	st := s.State(exec.ID)
	require.NoError(t, st.Set(ctx, "a", "one", "init"))
	require.NoError(t, st.SetMany(ctx, map[string]any{"a": "two", "b": "three"}, "batch"))

	var a, b string
	_, err = st.Get(ctx, "a", &a)
	require.NoError(t, err)
	_, err = st.Get(ctx, "b", &b)
	require.NoError(t, err)
	require.Equal(t, "two", a)
	require.Equal(t, "three", b)

	history, err := st.History(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, `"two"`, history[0].NewJSON)
	require.NotNil(t, history[0].OldJSON)
	require.Equal(t, `"one"`, *history[0].OldJSON)
}

func TestStateDeleteRecordsNullTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	st := s.State(exec.ID)
	require.NoError(t, st.Set(ctx, "k", "v", ""))
	require.NoError(t, st.Delete(ctx, "k"))

	ok, err := st.Has(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	history, err := st.History(ctx, "k", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "null", history[0].NewJSON)
}
