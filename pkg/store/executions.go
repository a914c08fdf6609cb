package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// FindRunningExecution returns the unfinished Execution for scriptPath,
// if any, so the driver can resume it instead of starting a fresh run
// (spec.md §3 invariant: at most one running Execution per script_path).
func (s *Store) FindRunningExecution(ctx context.Context, scriptPath string) (*Execution, error) {
	var exec Execution
	err := s.QueryOne(ctx, &exec,
		`SELECT id, name, script_path, status, scope_rev, started_at, ended_at, created_at
		 FROM executions WHERE script_path = ? AND status = 'running'`, scriptPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &exec, err
}

// CreateExecution inserts a fresh, running Execution.
func (s *Store) CreateExecution(ctx context.Context, name, scriptPath string) (*Execution, error) {
	exec := &Execution{
		ID:         uuid.NewString(),
		Name:       name,
		ScriptPath: scriptPath,
		Status:     ExecutionRunning,
		ScopeRev:   0,
		StartedAt:  time.Now(),
	}
	_, err := s.Run(ctx,
		`INSERT INTO executions (id, name, script_path, status, scope_rev, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Name, exec.ScriptPath, exec.Status, exec.ScopeRev, exec.StartedAt)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// GetExecution loads an Execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	err := s.QueryOne(ctx, &exec,
		`SELECT id, name, script_path, status, scope_rev, started_at, ended_at, created_at
		 FROM executions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// FinishExecution marks an Execution terminal.
func (s *Store) FinishExecution(ctx context.Context, id string, status ExecutionStatus) error {
	now := time.Now()
	_, err := s.Run(ctx,
		`UPDATE executions SET status = ?, ended_at = ? WHERE id = ?`, status, now, id)
	return err
}

// BumpScopeRev increments scope_rev, used by SuperSmithers when it swaps
// in a new overlay (spec.md §4.6 step 6).
func (s *Store) BumpScopeRev(ctx context.Context, id string) (int, error) {
	var newRev int
	err := s.Transaction(ctx, func(tx Tx) error {
		var exec Execution
		if err := tx.QueryOne(ctx, &exec,
			`SELECT id, name, script_path, status, scope_rev, started_at, ended_at, created_at
			 FROM executions WHERE id = ?`, id); err != nil {
			return err
		}
		newRev = exec.ScopeRev + 1
		_, err := tx.Run(ctx, `UPDATE executions SET scope_rev = ? WHERE id = ?`, newRev, id)
		return err
	})
	return newRev, err
}
