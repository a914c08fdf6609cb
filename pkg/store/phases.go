package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertPhase inserts a Phase row if one with the given (execution_id,
// id) does not yet exist, otherwise leaves it untouched. Phase.id is
// stable across runs (derived from position+name), so re-rendering the
// same node never creates a duplicate row.
func (s *Store) UpsertPhase(ctx context.Context, p *Phase) error {
	_, err := s.Run(ctx,
		`INSERT INTO phases (id, execution_id, name, status, position, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, id) DO NOTHING`,
		p.ID, p.ExecutionID, p.Name, p.Status, p.Position, p.StartedAt, p.EndedAt, p.DurationMs)
	return err
}

// GetPhase loads a Phase by its durable id.
func (s *Store) GetPhase(ctx context.Context, executionID, id string) (*Phase, error) {
	var p Phase
	err := s.QueryOne(ctx, &p,
		`SELECT id, execution_id, name, status, position, started_at, ended_at, duration_ms, created_at
		 FROM phases WHERE execution_id = ? AND id = ?`, executionID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &p, err
}

// ListPhases returns every Phase of an Execution in declaration order.
func (s *Store) ListPhases(ctx context.Context, executionID string) ([]Phase, error) {
	var rows []Phase
	err := s.Query(ctx, &rows,
		`SELECT id, execution_id, name, status, position, started_at, ended_at, duration_ms, created_at
		 FROM phases WHERE execution_id = ? ORDER BY position ASC`, executionID)
	return rows, err
}

// SetPhaseStatus transitions a Phase's status, stamping started_at/
// ended_at/duration_ms as appropriate. It enforces the monotonic
// pending -> active -> {completed, skipped} order (spec.md §8 property 1).
func (s *Store) SetPhaseStatus(ctx context.Context, executionID, id string, status PhaseStatus) error {
	now := time.Now()
	return s.Transaction(ctx, func(tx Tx) error {
		var p Phase
		if err := tx.QueryOne(ctx, &p,
			`SELECT id, execution_id, name, status, position, started_at, ended_at, duration_ms, created_at
			 FROM phases WHERE execution_id = ? AND id = ?`, executionID, id); err != nil {
			return err
		}
		if !phaseTransitionAllowed(p.Status, status) {
			return &phaseTransitionError{from: p.Status, to: status}
		}

		switch status {
		case PhaseActive:
			_, err := tx.Run(ctx,
				`UPDATE phases SET status = ?, started_at = ? WHERE execution_id = ? AND id = ?`,
				status, now, executionID, id)
			tx.Touched("phases")
			return err
		case PhaseCompleted, PhaseSkipped:
			var durationMs *int64
			if p.StartedAt != nil {
				d := now.Sub(*p.StartedAt).Milliseconds()
				durationMs = &d
			}
			_, err := tx.Run(ctx,
				`UPDATE phases SET status = ?, ended_at = ?, duration_ms = ? WHERE execution_id = ? AND id = ?`,
				status, now, durationMs, executionID, id)
			tx.Touched("phases")
			return err
		default:
			_, err := tx.Run(ctx,
				`UPDATE phases SET status = ? WHERE execution_id = ? AND id = ?`, status, executionID, id)
			tx.Touched("phases")
			return err
		}
	})
}

func phaseTransitionAllowed(from, to PhaseStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case PhasePending:
		return to == PhaseActive || to == PhaseSkipped
	case PhaseActive:
		return to == PhaseCompleted || to == PhaseSkipped
	default:
		return false
	}
}

type phaseTransitionError struct {
	from, to PhaseStatus
}

func (e *phaseTransitionError) Error() string {
	return "illegal phase transition from " + string(e.from) + " to " + string(e.to)
}

// UpsertStep mirrors UpsertPhase for Step rows.
func (s *Store) UpsertStep(ctx context.Context, st *Step) error {
	_, err := s.Run(ctx,
		`INSERT INTO steps (id, execution_id, phase_id, name, status, position, started_at, ended_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, id) DO NOTHING`,
		st.ID, st.ExecutionID, st.PhaseID, st.Name, st.Status, st.Position, st.StartedAt, st.EndedAt, st.DurationMs)
	return err
}

// ListStepsForPhase returns every Step belonging to a Phase in order.
func (s *Store) ListStepsForPhase(ctx context.Context, executionID, phaseID string) ([]Step, error) {
	var rows []Step
	err := s.Query(ctx, &rows,
		`SELECT id, execution_id, phase_id, name, status, position, started_at, ended_at, duration_ms, created_at
		 FROM steps WHERE execution_id = ? AND phase_id = ? ORDER BY position ASC`, executionID, phaseID)
	return rows, err
}

// SetStepStatus mirrors SetPhaseStatus for Step rows.
func (s *Store) SetStepStatus(ctx context.Context, executionID, id string, status PhaseStatus) error {
	now := time.Now()
	return s.Transaction(ctx, func(tx Tx) error {
		var st Step
		if err := tx.QueryOne(ctx, &st,
			`SELECT id, execution_id, phase_id, name, status, position, started_at, ended_at, duration_ms, created_at
			 FROM steps WHERE execution_id = ? AND id = ?`, executionID, id); err != nil {
			return err
		}
		if !phaseTransitionAllowed(st.Status, status) {
			return &phaseTransitionError{from: st.Status, to: status}
		}
		switch status {
		case PhaseActive:
			_, err := tx.Run(ctx,
				`UPDATE steps SET status = ?, started_at = ? WHERE execution_id = ? AND id = ?`,
				status, now, executionID, id)
			tx.Touched("steps")
			return err
		case PhaseCompleted, PhaseSkipped:
			var durationMs *int64
			if st.StartedAt != nil {
				d := now.Sub(*st.StartedAt).Milliseconds()
				durationMs = &d
			}
			_, err := tx.Run(ctx,
				`UPDATE steps SET status = ?, ended_at = ?, duration_ms = ? WHERE execution_id = ? AND id = ?`,
				status, now, durationMs, executionID, id)
			tx.Touched("steps")
			return err
		default:
			_, err := tx.Run(ctx,
				`UPDATE steps SET status = ? WHERE execution_id = ? AND id = ?`, status, executionID, id)
			tx.Touched("steps")
			return err
		}
	})
}
