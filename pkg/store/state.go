package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// State is the author-facing key/value API over StateEntry +
// StateTransition, scoped to one Execution. All values are
// JSON-serialisable (spec.md §6).
type State struct {
	store       *Store
	executionID string
}

// State returns the State API scoped to executionID.
func (s *Store) State(executionID string) *State {
	return &State{store: s, executionID: executionID}
}

// Get decodes the value stored under key into dest. It returns
// (false, nil) if the key is unset.
func (st *State) Get(ctx context.Context, key string, dest any) (bool, error) {
	var entry StateEntry
	err := st.store.QueryOne(ctx, &entry,
		`SELECT execution_id, key, value_json, updated_at FROM state_entries
		 WHERE execution_id = ? AND key = ?`, st.executionID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if dest == nil {
		return true, nil
	}
	return true, json.Unmarshal([]byte(entry.ValueJSON), dest)
}

// Has reports whether key is set.
func (st *State) Has(ctx context.Context, key string) (bool, error) {
	return st.Get(ctx, key, nil)
}

// Set stores value under key, recording a StateTransition with the
// given trigger (empty string if unknown/not applicable).
func (st *State) Set(ctx context.Context, key string, value any, trigger string) error {
	return st.SetMany(ctx, map[string]any{key: value}, trigger)
}

// SetMany atomically sets multiple keys, recording one StateTransition
// per key, all within a single Store transaction so subscribers see one
// notification batch for the whole write.
func (st *State) SetMany(ctx context.Context, values map[string]any, trigger string) error {
	now := time.Now()
	var triggerVal *string
	if trigger != "" {
		triggerVal = &trigger
	}

	return st.store.Transaction(ctx, func(tx Tx) error {
		for key, value := range values {
			newJSON, err := json.Marshal(value)
			if err != nil {
				return err
			}

			var oldJSON *string
			var existing StateEntry
			err = tx.QueryOne(ctx, &existing,
				`SELECT execution_id, key, value_json, updated_at FROM state_entries
				 WHERE execution_id = ? AND key = ?`, st.executionID, key)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				// no previous value
			case err != nil:
				return err
			default:
				v := existing.ValueJSON
				oldJSON = &v
			}

			if _, err := tx.Run(ctx,
				`INSERT INTO state_entries (execution_id, key, value_json, updated_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(execution_id, key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
				st.executionID, key, string(newJSON), now); err != nil {
				return err
			}
			tx.Touched("state_entries")

			if _, err := tx.Run(ctx,
				`INSERT INTO state_transitions (execution_id, key, old_json, new_json, trigger, at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				st.executionID, key, oldJSON, string(newJSON), triggerVal, now); err != nil {
				return err
			}
			tx.Touched("state_transitions")
		}
		return nil
	})
}

// Delete removes key, recording a transition to a JSON null new value.
func (st *State) Delete(ctx context.Context, key string) error {
	now := time.Now()
	return st.store.Transaction(ctx, func(tx Tx) error {
		var existing StateEntry
		err := tx.QueryOne(ctx, &existing,
			`SELECT execution_id, key, value_json, updated_at FROM state_entries
			 WHERE execution_id = ? AND key = ?`, st.executionID, key)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Run(ctx,
			`DELETE FROM state_entries WHERE execution_id = ? AND key = ?`,
			st.executionID, key); err != nil {
			return err
		}
		tx.Touched("state_entries")

		oldJSON := existing.ValueJSON
		if _, err := tx.Run(ctx,
			`INSERT INTO state_transitions (execution_id, key, old_json, new_json, trigger, at)
			 VALUES (?, ?, ?, 'null', 'delete', ?)`,
			st.executionID, key, oldJSON, now); err != nil {
			return err
		}
		tx.Touched("state_transitions")
		return nil
	})
}

// History returns the transition log for key (most recent first), or
// for every key if key is empty, bounded by limit (0 means unbounded).
func (st *State) History(ctx context.Context, key string, limit int) ([]StateTransition, error) {
	var rows []StateTransition
	var err error
	switch {
	case key != "" && limit > 0:
		err = st.store.Query(ctx, &rows,
			`SELECT execution_id, key, old_json, new_json, trigger, at FROM state_transitions
			 WHERE execution_id = ? AND key = ? ORDER BY id DESC LIMIT ?`, st.executionID, key, limit)
	case key != "":
		err = st.store.Query(ctx, &rows,
			`SELECT execution_id, key, old_json, new_json, trigger, at FROM state_transitions
			 WHERE execution_id = ? AND key = ? ORDER BY id DESC`, st.executionID, key)
	case limit > 0:
		err = st.store.Query(ctx, &rows,
			`SELECT execution_id, key, old_json, new_json, trigger, at FROM state_transitions
			 WHERE execution_id = ? ORDER BY id DESC LIMIT ?`, st.executionID, limit)
	default:
		err = st.store.Query(ctx, &rows,
			`SELECT execution_id, key, old_json, new_json, trigger, at FROM state_transitions
			 WHERE execution_id = ? ORDER BY id DESC`, st.executionID)
	}
	return rows, err
}
