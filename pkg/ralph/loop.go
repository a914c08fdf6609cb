// Package ralph implements RalphLoop: the top-level iteration driver
// (spec.md §4.5). One "iteration" is a render → schedule → settle →
// persist-frame → bump-counter cycle; the loop runs until a Stop node
// mounts, every phase reaches a terminal state, the tree stabilises for
// StallWindow consecutive iterations with nothing in flight, the
// iteration bound is reached, or the global timeout elapses.
package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smithers-run/smithers/pkg/agentexec"
	"github.com/smithers-run/smithers/pkg/phase"
	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/serrors"
	"github.com/smithers-run/smithers/pkg/store"
)

// Config is RalphLoop's configuration, per spec.md §4.5.
type Config struct {
	// MaxIterations is the required hard upper bound on ralphCount.
	MaxIterations int
	// GlobalTimeoutMs is an optional absolute wall-clock budget.
	GlobalTimeoutMs int64
	// OnIteration is an observational hook invoked once per completed
	// iteration with the new ralphCount.
	OnIteration func(n int)
	// StallWindow (K) is the number of consecutive byte-identical
	// RenderFrame XMLs, with nothing in flight, that signal natural
	// quiescence. Defaults to 3 when zero.
	StallWindow int
	// SettlePollInterval paces the cooperative settle loop. Defaults
	// to 5ms when zero; tests override it to run fast.
	SettlePollInterval time.Duration
	// Observer is invoked once per completed iteration, after phase
	// advancement and before the termination check, so it sees the same
	// settled tree RalphLoop just persisted (spec.md §4.6 "On each
	// RalphLoop iteration, the observer may invoke an analyser"). Nil
	// when the workflow has no SuperSmithers nodes. A non-nil error is
	// logged and otherwise ignored: SuperSmithers failures never abort
	// the driver (spec.md §7 propagation policy — only UsageError and
	// fatal StoreError are fatal).
	Observer Observer
}

// Observer is the hook pkg/supersmithers implements to analyse and
// possibly rewrite a running plan once per iteration, without pkg/ralph
// importing pkg/supersmithers (the dependency runs the other way, same
// pattern as reconciler.OverlayResolver).
type Observer interface {
	OnIteration(ctx context.Context, snap IterationSnapshot) error
}

// IterationSnapshot is everything an Observer needs to decide whether to
// trigger a rewrite: the settled tree, its stability fingerprint, and
// whether anything is still in flight.
type IterationSnapshot struct {
	ExecutionID string
	RalphCount  int
	ScopeRev    int
	TreeXML     string
	Rendered    *reconciler.Rendered
	AnyRunning  bool
}

func (c Config) stallWindow() int {
	if c.StallWindow <= 0 {
		return 3
	}
	return c.StallWindow
}

func (c Config) settlePollInterval() time.Duration {
	if c.SettlePollInterval <= 0 {
		return 5 * time.Millisecond
	}
	return c.SettlePollInterval
}

// TerminationReason enumerates why a Loop stopped looping.
type TerminationReason string

// Termination reasons, per spec.md §4.5 step 6.
const (
	ReasonStop           TerminationReason = "stop_node"
	ReasonPhasesTerminal TerminationReason = "all_phases_terminal"
	ReasonQuiescence     TerminationReason = "natural_quiescence"
	ReasonMaxIterations  TerminationReason = "max_iterations"
	ReasonGlobalTimeout  TerminationReason = "global_timeout"
	ReasonInterrupted    TerminationReason = "interrupted"
)

// Result is what Run returns once the loop terminates.
type Result struct {
	Status     store.ExecutionStatus
	Iterations int
	Reason     TerminationReason
	Summary    Summary
}

// Loop is bound to one Execution, its rendered tree, and the external
// collaborators that schedule and observe agent work.
type Loop struct {
	store       *store.Store
	rec         *reconciler.Reconciler
	phases      *phase.Registry
	executionID string
	tree        reconciler.Node
	executor    agentexec.Executor
	cfg         Config

	mu      sync.Mutex
	handles map[string]agentexec.Handle // AgentRun.ID -> cancel handle
}

// New returns a Loop ready to Run.
func New(s *store.Store, rec *reconciler.Reconciler, phases *phase.Registry, executionID string, tree reconciler.Node, executor agentexec.Executor, cfg Config) *Loop {
	return &Loop{
		store:       s,
		rec:         rec,
		phases:      phases,
		executionID: executionID,
		tree:        tree,
		executor:    executor,
		cfg:         cfg,
		handles:     map[string]agentexec.Handle{},
	}
}

// Run implements the seven numbered steps of spec.md §4.5, including
// resume (step 0, implicit in §4.5 "Resume") and cancellation (§5).
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	if l.cfg.MaxIterations <= 0 {
		return nil, serrors.NewUsage("RalphLoop.maxIterations must be > 0")
	}

	logger := slog.With("execution_id", l.executionID)

	scopeRev, ralphCount, err := l.resume(ctx, logger)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if l.cfg.GlobalTimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(l.cfg.GlobalTimeoutMs) * time.Millisecond)
	}

	var lastXML string
	stableCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return l.interrupt(ctx, logger, ralphCount)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return l.finish(ctx, logger, ralphCount, store.ExecutionCompleted, ReasonGlobalTimeout)
		}

		// Step 1: render.
		rendered, err := l.rec.Render(ctx, l.tree, scopeRev)
		if err != nil {
			return nil, fmt.Errorf("ralph: render: %w", err)
		}

		// Step 2: schedule newly-mounted work.
		if err := l.scheduleNewAgents(ctx, rendered); err != nil {
			return nil, fmt.Errorf("ralph: schedule: %w", err)
		}

		// Step 3: settle.
		rendered, err = l.settle(ctx, scopeRev)
		if err != nil {
			if serrors.IsFatal(err) {
				return nil, err
			}
			return l.interrupt(ctx, logger, ralphCount)
		}

		// Phase advancement, evaluated once per iteration after settle
		// (spec.md §5).
		rctx := &reconciler.RenderCtx{Ctx: ctx, ExecutionID: l.executionID}
		if err := l.phases.Advance(ctx, rendered, rctx); err != nil {
			return nil, fmt.Errorf("ralph: advance phases: %w", err)
		}

		// Re-render once to capture the post-advancement tree shape
		// for the persisted frame and termination checks.
		rendered, err = l.rec.Render(ctx, l.tree, scopeRev)
		if err != nil {
			return nil, fmt.Errorf("ralph: re-render after advance: %w", err)
		}
		if err := l.scheduleNewAgents(ctx, rendered); err != nil {
			return nil, fmt.Errorf("ralph: schedule after advance: %w", err)
		}

		// Step 4: persist a RenderFrame.
		xml := reconciler.SerializeXML(rendered.Root)
		ralphCount++
		if err := l.store.SaveRenderFrame(ctx, l.executionID, ralphCount, xml); err != nil {
			return nil, fmt.Errorf("ralph: save render frame: %w", err)
		}

		// Step 5: increment the iteration counter.
		if err := l.store.State(l.executionID).Set(ctx, "ralphCount", ralphCount, "ralph_loop"); err != nil {
			return nil, fmt.Errorf("ralph: bump ralphCount: %w", err)
		}
		if l.cfg.OnIteration != nil {
			l.cfg.OnIteration(ralphCount)
		}
		logger.Info("ralph: iteration complete", "ralph_count", ralphCount)

		if xml == lastXML && !l.rec.AnyRunning() {
			stableCount++
		} else {
			stableCount = 0
		}
		lastXML = xml

		// SuperSmithers observation (spec.md §4.6): runs once per
		// iteration, after settle/advance, before the termination check,
		// so a rewrite triggered by this iteration's tree shape can bump
		// scope_rev in time for the next render to unmount/remount
		// atomically (spec.md §8 property 6).
		if l.cfg.Observer != nil {
			snap := IterationSnapshot{
				ExecutionID: l.executionID,
				RalphCount:  ralphCount,
				ScopeRev:    scopeRev,
				TreeXML:     xml,
				Rendered:    rendered,
				AnyRunning:  l.rec.AnyRunning(),
			}
			if err := l.cfg.Observer.OnIteration(ctx, snap); err != nil {
				logger.Error("ralph: supersmithers observer failed", "error", err)
			}
		}

		// Step 6: termination check.
		if rendered.Stop != nil {
			reason := ReasonStop
			if rendered.Stop.Reason != "" {
				reason = TerminationReason(rendered.Stop.Reason)
			}
			return l.finish(ctx, logger, ralphCount, store.ExecutionCompleted, reason)
		}
		terminal, err := l.allPhasesTerminal(ctx)
		if err != nil {
			return nil, err
		}
		if terminal {
			return l.finish(ctx, logger, ralphCount, store.ExecutionCompleted, ReasonPhasesTerminal)
		}
		if stableCount >= l.cfg.stallWindow() {
			return l.finish(ctx, logger, ralphCount, store.ExecutionCompleted, ReasonQuiescence)
		}
		if ralphCount >= l.cfg.MaxIterations {
			return l.finish(ctx, logger, ralphCount, store.ExecutionCompleted, ReasonMaxIterations)
		}

		// Step 7: otherwise, loop — re-reading scope_rev in case the
		// observer just bumped it (an overlay swap unmounts/remounts the
		// affected subtree on the very next render).
		exec, err := l.store.GetExecution(ctx, l.executionID)
		if err != nil {
			return nil, fmt.Errorf("ralph: reload execution: %w", err)
		}
		scopeRev = exec.ScopeRev
	}
}

// resume implements spec.md §4.5 "Resume": load the persisted
// ralphCount and mark any AgentRun whose status was streaming or
// continuing as failed, because the external streaming connection did
// not survive a restart.
func (l *Loop) resume(ctx context.Context, logger *slog.Logger) (scopeRev int, ralphCount int, err error) {
	exec, err := l.store.GetExecution(ctx, l.executionID)
	if err != nil {
		return 0, 0, fmt.Errorf("ralph: load execution: %w", err)
	}
	scopeRev = exec.ScopeRev

	var n int
	_, err = l.store.State(l.executionID).Get(ctx, "ralphCount", &n)
	if err != nil {
		return 0, 0, fmt.Errorf("ralph: load ralphCount: %w", err)
	}
	ralphCount = n

	interrupted, err := l.store.ListAgentRunsInStatuses(ctx, l.executionID, store.AgentRunStreaming, store.AgentRunContinuing)
	if err != nil {
		return 0, 0, fmt.Errorf("ralph: list interrupted agent runs: %w", err)
	}
	for _, run := range interrupted {
		logger.Warn("ralph: marking interrupted agent run failed on resume", "agent_run_id", run.ID)
		if err := l.store.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunFailed, "interrupted"); err != nil {
			return 0, 0, fmt.Errorf("ralph: fail interrupted agent run %s: %w", run.ID, err)
		}
	}
	return scopeRev, ralphCount, nil
}

func (l *Loop) scheduleNewAgents(ctx context.Context, rendered *reconciler.Rendered) error {
	for _, n := range rendered.NewlyMountedAgents {
		run, err := l.store.GetAgentRun(ctx, n.DurableID)
		if err != nil {
			return err
		}
		if run == nil {
			continue
		}
		handle, err := l.executor.Start(ctx, l.store, run)
		if err != nil {
			cause := err
			if uErr := l.store.UpdateAgentRunStatus(ctx, run.ID, store.AgentRunFailed, cause.Error()); uErr != nil {
				return uErr
			}
			l.rec.SetStatus(n.ID, reconciler.StatusError, &serrors.AgentError{AgentRunID: run.ID, Cause: cause})
			continue
		}
		l.mu.Lock()
		l.handles[run.ID] = handle
		l.mu.Unlock()
	}
	return nil
}

// settle waits until no tracked node is running and nothing is
// in-flight, re-rendering on a cooperative poll (spec.md §4.5 step 3,
// §5 "settle's ... wait"). It yields between wake-ups rather than
// busy-spinning.
func (l *Loop) settle(ctx context.Context, scopeRev int) (*reconciler.Rendered, error) {
	var rendered *reconciler.Rendered
	ticker := time.NewTicker(l.cfg.settlePollInterval())
	defer ticker.Stop()

	for {
		r, err := l.rec.Render(ctx, l.tree, scopeRev)
		if err != nil {
			return nil, err
		}
		rendered = r
		if err := l.scheduleNewAgents(ctx, rendered); err != nil {
			return nil, err
		}
		if !l.rec.AnyRunning() {
			return rendered, nil
		}
		select {
		case <-ctx.Done():
			return nil, &serrors.Interrupted{ExecutionID: l.executionID}
		case <-ticker.C:
		}
	}
}

func (l *Loop) allPhasesTerminal(ctx context.Context) (bool, error) {
	phases, err := l.store.ListPhases(ctx, l.executionID)
	if err != nil {
		return false, err
	}
	if len(phases) == 0 {
		return false, nil
	}
	for _, p := range phases {
		if p.Status != store.PhaseCompleted && p.Status != store.PhaseSkipped {
			return false, nil
		}
	}
	return true, nil
}

// interrupt implements the cancellation path of spec.md §5: unblock the
// settle wait, mark every still in-flight AgentRun cancelled via its
// executor handle, and finish the Execution as interrupted.
func (l *Loop) interrupt(ctx context.Context, logger *slog.Logger, ralphCount int) (*Result, error) {
	bg := context.Background()
	l.mu.Lock()
	handles := make(map[string]agentexec.Handle, len(l.handles))
	for k, v := range l.handles {
		handles[k] = v
	}
	l.mu.Unlock()

	runs, err := l.store.ListAgentRunsInStatuses(bg, l.executionID,
		store.AgentRunPending, store.AgentRunStreaming, store.AgentRunTools, store.AgentRunContinuing)
	if err == nil {
		for _, run := range runs {
			if h, ok := handles[run.ID]; ok {
				h.Cancel()
			}
			if uErr := l.store.UpdateAgentRunStatus(bg, run.ID, store.AgentRunCancelled, "interrupted"); uErr != nil {
				logger.Error("ralph: cancel agent run on interrupt", "agent_run_id", run.ID, "error", uErr)
			}
		}
	}

	if fErr := l.store.FinishExecution(bg, l.executionID, store.ExecutionInterrupted); fErr != nil {
		return nil, fErr
	}
	logger.Warn("ralph: execution interrupted", "ralph_count", ralphCount)
	summary := l.buildSummary(bg, ralphCount, store.ExecutionInterrupted, ReasonInterrupted)
	return &Result{Status: store.ExecutionInterrupted, Iterations: ralphCount, Reason: ReasonInterrupted, Summary: summary}, &serrors.Interrupted{ExecutionID: l.executionID}
}

func (l *Loop) finish(ctx context.Context, logger *slog.Logger, ralphCount int, status store.ExecutionStatus, reason TerminationReason) (*Result, error) {
	if err := l.store.FinishExecution(ctx, l.executionID, status); err != nil {
		return nil, err
	}
	logger.Info("ralph: execution finished", "ralph_count", ralphCount, "status", status, "reason", reason)
	summary := l.buildSummary(ctx, ralphCount, status, reason)
	return &Result{Status: status, Iterations: ralphCount, Reason: reason, Summary: summary}, nil
}
