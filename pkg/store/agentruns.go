package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAgentRunParams is the input to CreateAgentRun.
type CreateAgentRunParams struct {
	ExecutionID  string
	NodeID       string
	PhaseID      *string
	StepID       *string
	Prompt       string
	Model        string
	AllowedTools []string
}

// CreateAgentRun inserts a new AgentRun in status=pending.
func (s *Store) CreateAgentRun(ctx context.Context, p CreateAgentRunParams) (*AgentRun, error) {
	toolsJSON, err := json.Marshal(p.AllowedTools)
	if err != nil {
		return nil, err
	}
	run := &AgentRun{
		ID:           uuid.NewString(),
		ExecutionID:  p.ExecutionID,
		NodeID:       p.NodeID,
		PhaseID:      p.PhaseID,
		StepID:       p.StepID,
		Prompt:       p.Prompt,
		Model:        p.Model,
		AllowedTools: string(toolsJSON),
		Status:       AgentRunPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	_, err = s.Run(ctx,
		`INSERT INTO agent_runs (id, execution_id, node_id, phase_id, step_id, prompt, model, allowed_tools, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ExecutionID, run.NodeID, run.PhaseID, run.StepID, run.Prompt, run.Model, run.AllowedTools,
		run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetAgentRun loads an AgentRun by id.
func (s *Store) GetAgentRun(ctx context.Context, id string) (*AgentRun, error) {
	var run AgentRun
	err := s.QueryOne(ctx, &run, agentRunSelect+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &run, err
}

// GetAgentRunByNodeID looks up the AgentRun bound to a reconciler
// node's durable identity, so a Reconciler rebuilt after a process
// restart (with no in-memory NodeState) binds back to the existing row
// instead of creating a duplicate (spec.md §8 property 4, "Resume
// equivalence").
func (s *Store) GetAgentRunByNodeID(ctx context.Context, executionID, nodeID string) (*AgentRun, error) {
	if nodeID == "" {
		return nil, nil
	}
	var run AgentRun
	err := s.QueryOne(ctx, &run, agentRunSelect+` WHERE execution_id = ? AND node_id = ?`, executionID, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &run, err
}

// ListAgentRuns returns every AgentRun for an Execution.
func (s *Store) ListAgentRuns(ctx context.Context, executionID string) ([]AgentRun, error) {
	var rows []AgentRun
	err := s.Query(ctx, &rows, agentRunSelect+` WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	return rows, err
}

// ListAgentRunsInStatuses returns every AgentRun for an Execution whose
// status is one of statuses.
func (s *Store) ListAgentRunsInStatuses(ctx context.Context, executionID string, statuses ...AgentRunStatus) ([]AgentRun, error) {
	placeholders := ""
	args := []any{executionID}
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, st)
	}
	var rows []AgentRun
	err := s.Query(ctx, &rows,
		agentRunSelect+fmt.Sprintf(` WHERE execution_id = ? AND status IN (%s) ORDER BY created_at ASC`, placeholders),
		args...)
	return rows, err
}

const agentRunSelect = `SELECT id, execution_id, node_id, phase_id, step_id, prompt, model, allowed_tools, status,
	tokens_input, tokens_output, error, created_at, updated_at FROM agent_runs`

// UpdateAgentRunStatus transitions an AgentRun's status, enforcing the
// forward-only state machine (spec.md §6).
func (s *Store) UpdateAgentRunStatus(ctx context.Context, id string, status AgentRunStatus, errMsg string) error {
	return s.Transaction(ctx, func(tx Tx) error {
		var run AgentRun
		if err := tx.QueryOne(ctx, &run, agentRunSelect+` WHERE id = ?`, id); err != nil {
			return err
		}
		if !CanTransition(run.Status, status) {
			return fmt.Errorf("illegal agent run transition from %s to %s", run.Status, status)
		}
		var errPtr *string
		if errMsg != "" {
			errPtr = &errMsg
		}
		_, err := tx.Run(ctx,
			`UPDATE agent_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			status, errPtr, time.Now(), id)
		tx.Touched("agent_runs")
		return err
	})
}

// UpdateAgentRunTokens records token usage once an AgentRun completes.
func (s *Store) UpdateAgentRunTokens(ctx context.Context, id string, input, output int64) error {
	_, err := s.Run(ctx,
		`UPDATE agent_runs SET tokens_input = ?, tokens_output = ?, updated_at = ? WHERE id = ?`,
		input, output, time.Now(), id)
	return err
}

// CreateToolCall inserts a new ToolCall row.
func (s *Store) CreateToolCall(ctx context.Context, agentRunID, toolName, inputJSON string) (*ToolCall, error) {
	tc := &ToolCall{
		ID:         uuid.NewString(),
		AgentRunID: agentRunID,
		ToolName:   toolName,
		InputJSON:  inputJSON,
		Status:     "pending",
	}
	_, err := s.Run(ctx,
		`INSERT INTO tool_calls (id, agent_run_id, tool_name, input_json, status) VALUES (?, ?, ?, ?, ?)`,
		tc.ID, tc.AgentRunID, tc.ToolName, tc.InputJSON, tc.Status)
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// CompleteToolCall records a tool's output or error.
func (s *Store) CompleteToolCall(ctx context.Context, id, output, errMsg string) error {
	var outPtr, errPtr *string
	status := "completed"
	if output != "" {
		outPtr = &output
	}
	if errMsg != "" {
		errPtr = &errMsg
		status = "failed"
	}
	_, err := s.Run(ctx,
		`UPDATE tool_calls SET status = ?, output = ?, error = ? WHERE id = ?`, status, outPtr, errPtr, id)
	return err
}

// ListToolCallsForRun returns every ToolCall belonging to an AgentRun.
func (s *Store) ListToolCallsForRun(ctx context.Context, agentRunID string) ([]ToolCall, error) {
	var rows []ToolCall
	err := s.Query(ctx, &rows,
		`SELECT id, agent_run_id, tool_name, input_json, status, output, error
		 FROM tool_calls WHERE agent_run_id = ? ORDER BY rowid ASC`, agentRunID)
	return rows, err
}
