package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "smithers.db")
	s, err := store.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "smithers.db")
	s, err := store.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.True(t, s.IsClosed())
}

func TestQueryOnClosedStoreFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "smithers.db")
	s, err := store.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.Error(t, err)
}

func TestSubscribeFiresOnCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fired := make(chan map[string]bool, 1)
	unsubscribe := s.Subscribe([]string{"executions"}, func(changed map[string]bool) {
		fired <- changed
	})
	defer unsubscribe()

	_, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	select {
	case changed := <-fired:
		require.True(t, changed["executions"])
	default:
		t.Fatal("expected subscriber to fire after commit")
	}
}

func TestSubscribeDoesNotFireOnRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fired := false
	unsubscribe := s.Subscribe([]string{"executions"}, func(changed map[string]bool) {
		fired = true
	})
	defer unsubscribe()

	err := s.Transaction(ctx, func(tx store.Tx) error {
		_, err := tx.Run(ctx, `INSERT INTO executions (id, name, script_path, status, started_at) VALUES (?, ?, ?, ?, datetime('now'))`,
			"exec-1", "example", "/tmp/x.ts", "running")
		require.NoError(t, err)
		return context.Canceled
	})
	require.Error(t, err)
	require.False(t, fired)
}
