package ralph

import (
	"context"
	"log/slog"

	"github.com/smithers-run/smithers/pkg/store"
)

// Summary is the structured terminal summary spec.md §7 requires the
// driver to print on every exit: counts of completed/failed phases and
// agent runs, final status, and a resume hint when interrupted.
type Summary struct {
	ExecutionID      string                  `json:"execution_id"`
	Status           store.ExecutionStatus   `json:"status"`
	Reason           TerminationReason       `json:"reason"`
	Iterations       int                     `json:"iterations"`
	PhasesCompleted  int                     `json:"phases_completed"`
	PhasesSkipped    int                     `json:"phases_skipped"`
	AgentRunsOK      int                     `json:"agent_runs_completed"`
	AgentRunsFailed  int                     `json:"agent_runs_failed"`
	ResumeHint       string                  `json:"resume_hint,omitempty"`
}

func (l *Loop) buildSummary(ctx context.Context, ralphCount int, status store.ExecutionStatus, reason TerminationReason) Summary {
	s := Summary{
		ExecutionID: l.executionID,
		Status:      status,
		Reason:      reason,
		Iterations:  ralphCount,
	}

	phases, err := l.store.ListPhases(ctx, l.executionID)
	if err != nil {
		slog.Error("ralph: summary: list phases", "error", err)
	}
	for _, p := range phases {
		switch p.Status {
		case store.PhaseCompleted:
			s.PhasesCompleted++
		case store.PhaseSkipped:
			s.PhasesSkipped++
		}
	}

	runs, err := l.store.ListAgentRuns(ctx, l.executionID)
	if err != nil {
		slog.Error("ralph: summary: list agent runs", "error", err)
	}
	for _, r := range runs {
		switch r.Status {
		case store.AgentRunCompleted:
			s.AgentRunsOK++
		case store.AgentRunFailed, store.AgentRunCancelled:
			s.AgentRunsFailed++
		}
	}

	if status == store.ExecutionInterrupted {
		s.ResumeHint = "re-run the same script path to resume from the last persisted iteration"
	}
	return s
}

// LogAndPrint emits the summary both as a structured slog record and,
// via printBanner, a human-readable banner — the dual treatment
// cmd/smithers/main.go's own bootstrap banner gets (spec.md §14).
func (s Summary) LogAndPrint(printBanner func(string, ...any)) {
	slog.Info("ralph: execution summary",
		"execution_id", s.ExecutionID,
		"status", s.Status,
		"reason", s.Reason,
		"iterations", s.Iterations,
		"phases_completed", s.PhasesCompleted,
		"phases_skipped", s.PhasesSkipped,
		"agent_runs_completed", s.AgentRunsOK,
		"agent_runs_failed", s.AgentRunsFailed,
	)
	printBanner("execution %s finished: status=%s reason=%s iterations=%d phases(completed=%d skipped=%d) agents(ok=%d failed=%d)",
		s.ExecutionID, s.Status, s.Reason, s.Iterations, s.PhasesCompleted, s.PhasesSkipped, s.AgentRunsOK, s.AgentRunsFailed)
	if s.ResumeHint != "" {
		printBanner("resume hint: %s", s.ResumeHint)
	}
}
