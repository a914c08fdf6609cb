package agentexec

import (
	"context"
	"log/slog"

	"github.com/smithers-run/smithers/pkg/store"
)

// Stub is a synchronous, in-process Executor used by the engine's own
// tests and the end-to-end scenarios of spec.md §8: it completes an
// AgentRun immediately, on the calling goroutine, skipping streaming/
// tools/continuing entirely; a Script entry can only make the run fail
// instead of complete.
type Stub struct {
	// Script maps a prompt to a canned outcome; prompts absent from
	// Script complete. Output is not persisted to the AgentRun.
	Script map[string]StubOutcome
	// Pause, if set, blocks Start from completing the run until Resume
	// is called — used to simulate the "killed mid-run" scenario S3.
	Pause bool

	paused chan struct{}
}

// StubOutcome describes how a Stub should resolve one scripted prompt.
type StubOutcome struct {
	Fail   bool
	Error  string
	Output string
}

type stubHandle struct{ cancel func() }

func (h *stubHandle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Start implements Executor. It writes the AgentRun straight to
// completed/failed, synchronously, unless Pause is set, in which case
// it blocks until Resume unblocks it (simulating an executor that is
// mid-flight when the process dies).
func (s *Stub) Start(ctx context.Context, st *store.Store, run *store.AgentRun) (Handle, error) {
	if s.Pause {
		s.paused = make(chan struct{})
		<-s.paused
	}

	outcome, scripted := s.Script[run.Prompt]
	if !scripted {
		outcome = StubOutcome{Output: run.Prompt}
	}

	if outcome.Fail {
		if err := st.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunFailed, outcome.Error); err != nil {
			return nil, err
		}
		slog.Warn("agentexec: stub run failed", "agent_run_id", run.ID, "error", outcome.Error)
		return &stubHandle{}, nil
	}

	if err := st.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunCompleted, ""); err != nil {
		return nil, err
	}
	slog.Debug("agentexec: stub run completed", "agent_run_id", run.ID)
	return &stubHandle{}, nil
}

// Resume releases a Pause'd Start call.
func (s *Stub) Resume() {
	if s.paused != nil {
		close(s.paused)
	}
}
