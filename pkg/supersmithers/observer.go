package supersmithers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smithers-run/smithers/pkg/ralph"
	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/serrors"
	"github.com/smithers-run/smithers/pkg/store"
	"github.com/smithers-run/smithers/pkg/supersmithers/overlay"
	"github.com/smithers-run/smithers/pkg/vcs"
)

// TriggerConfig decides when a mounted SuperSmithers scope is worth
// analysing at all, before an Analyser is even consulted (spec.md §4.6
// "Trigger conditions (any may apply)"). A scope must cross at least one
// configured threshold to be analysed on a given iteration.
type TriggerConfig struct {
	// ErrorRateThreshold analyses a scope once its AgentError/ToolError
	// count reaches this many since the last successful rewrite.
	ErrorRateThreshold int
	// StallEnabled analyses a scope whose RenderFrame XML has been
	// byte-identical for StallWindow consecutive iterations.
	StallEnabled bool
	StallWindow  int
	// TokenCeiling analyses a scope once its cumulative token usage
	// crosses this many tokens.
	TokenCeiling int64
	// Predicate, if set, is an additional author-supplied trigger
	// evaluated alongside the built-in ones; either is sufficient.
	Predicate func(RewriteContext) bool
}

// Config is the Observer's tuning, per spec.md §4.6 "Trigger
// conditions" and §7 "retry the rewriter up to maxAttempts".
type Config struct {
	Trigger TriggerConfig
	// RewriteCooldown keeps a module hash from being re-analysed for
	// this long after a rewrite activates, so a single burst of error
	// reports doesn't trigger a second rewrite before the first has had
	// a chance to help (spec.md §4.6 "cooldown between rewrites of the
	// same scope").
	RewriteCooldown time.Duration
	// MaxRewrites caps how many times a single module hash may be
	// rewritten over the life of an execution. Zero means unlimited.
	MaxRewrites int
	// MaxAttempts bounds the analyse/rewrite/validate retry loop for a
	// single triggered rewrite (spec.md §7). Defaults to 2.
	MaxAttempts int
	// OnError is called, if set, whenever a rewrite attempt is
	// exhausted without producing a valid overlay. The baseline stays
	// active; this is observational only.
	OnError func(scope, moduleHash string, err error)
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 2
	}
	return c.MaxAttempts
}

// scopeState is the Observer's per-module-hash bookkeeping, reset
// whenever a rewrite activates for that hash. errorBaseline/tokenBaseline
// hold the live totals observed at the last rewrite (or zero, initially)
// so trigger checks compare against activity accrued since then rather
// than the scope's entire lifetime.
type scopeState struct {
	lastXML       string
	stallStreak   int
	errorBaseline int
	tokenBaseline int64
	rewriteCount  int
	cooldownUntil time.Time
}

// Observer implements ralph.Observer: once per RalphLoop iteration it
// inspects every mounted SuperSmithers scope and, if a scope's trigger
// conditions are met and it is out of cooldown, runs the analyse →
// rewrite → validate → activate pipeline of spec.md §4.6.
type Observer struct {
	store    *store.Store
	repo     *vcs.Repo
	registry *overlay.Registry
	analyser Analyser
	rewriter Rewriter
	cfg      Config

	mu     sync.Mutex
	scopes map[string]*scopeState
}

// NewObserver builds an Observer. repo is the VCS-tracked overlay
// repository (spec.md §6 "Storage layout"); registry is the in-process
// factory table the reconciler's OverlayResolver reads from.
func NewObserver(st *store.Store, repo *vcs.Repo, registry *overlay.Registry, an Analyser, rw Rewriter, cfg Config) *Observer {
	return &Observer{
		store:    st,
		repo:     repo,
		registry: registry,
		analyser: an,
		rewriter: rw,
		cfg:      cfg,
		scopes:   make(map[string]*scopeState),
	}
}

var _ ralph.Observer = (*Observer)(nil)

// OnIteration implements ralph.Observer.
func (o *Observer) OnIteration(ctx context.Context, snap ralph.IterationSnapshot) error {
	var firstErr error
	for _, rn := range superSmithersNodes(snap.Rendered.Root) {
		n, ok := rn.Node.(*reconciler.SuperSmithersNode)
		if !ok {
			continue
		}
		if err := o.observeScope(ctx, snap, rn, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func superSmithersNodes(root *reconciler.RenderedNode) []*reconciler.RenderedNode {
	if root == nil {
		return nil
	}
	var out []*reconciler.RenderedNode
	var walk func(*reconciler.RenderedNode)
	walk = func(n *reconciler.RenderedNode) {
		if n.Kind == reconciler.KindSuperSmithers {
			out = append(out, n)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return out
}

func (o *Observer) observeScope(ctx context.Context, snap ralph.IterationSnapshot, rn *reconciler.RenderedNode, n *reconciler.SuperSmithersNode) error {
	st := o.scopeBookkeeping(n, snap)

	o.mu.Lock()
	inCooldown := time.Now().Before(st.cooldownUntil)
	exhausted := o.cfg.MaxRewrites > 0 && st.rewriteCount >= o.cfg.MaxRewrites
	errBaseline, tokenBaseline := st.errorBaseline, st.tokenBaseline
	o.mu.Unlock()
	if inCooldown || exhausted {
		return nil
	}

	liveErrors, liveTokens, err := o.scopeMetrics(ctx, rn)
	if err != nil {
		return fmt.Errorf("supersmithers: collect metrics for scope %s: %w", n.Scope, err)
	}
	metrics := Metrics{
		Tokens:     liveTokens - tokenBaseline,
		ErrorCount: liveErrors - errBaseline,
		StallCount: st.stallStreak,
	}

	trigger, triggered := o.checkTrigger(st, n, snap, metrics)
	if !triggered {
		return nil
	}

	rc := RewriteContext{
		Scope:          n.Scope,
		ModuleHash:     n.ModuleHash,
		Trigger:        trigger,
		Metrics:        metrics,
		CurrentTreeXML: snap.TreeXML,
		BaselineSource: n.BaselineSource,
	}

	analysis, err := o.analyser.Analyze(ctx, rc)
	if err != nil {
		return fmt.Errorf("supersmithers: analyse scope %s: %w", n.Scope, err)
	}
	if !analysis.Rewrite.Recommended {
		return nil
	}

	proposal, err := o.runRewritePipeline(ctx, rc, analysis)
	if err != nil {
		slog.Warn("supersmithers: rewrite exhausted, keeping baseline",
			"scope", n.Scope, "module_hash", n.ModuleHash, "error", err)
		if o.cfg.OnError != nil {
			o.cfg.OnError(n.Scope, n.ModuleHash, err)
		}
		return nil
	}

	if err := o.activate(ctx, n, rc, analysis, proposal, snap.ExecutionID); err != nil {
		return fmt.Errorf("supersmithers: activate scope %s: %w", n.Scope, err)
	}

	o.mu.Lock()
	st.rewriteCount++
	st.errorBaseline = liveErrors
	st.tokenBaseline = liveTokens
	st.stallStreak = 0
	st.cooldownUntil = time.Now().Add(o.cfg.RewriteCooldown)
	o.mu.Unlock()
	return nil
}

// scopeMetrics walks the AgentRun descendants of rn and sums their
// token usage and error count, giving the live totals a trigger check
// compares against a scope's recorded baseline (spec.md §4.6 "metrics
// (tokens, agent count, error count, stall count)").
func (o *Observer) scopeMetrics(ctx context.Context, rn *reconciler.RenderedNode) (errorCount int, tokens int64, err error) {
	var walk func(*reconciler.RenderedNode) error
	walk = func(cur *reconciler.RenderedNode) error {
		if cur.Kind == reconciler.KindAgent && cur.DurableID != "" {
			run, rerr := o.store.GetAgentRun(ctx, cur.DurableID)
			if rerr != nil {
				return rerr
			}
			if run != nil {
				if run.TokensInput != nil {
					tokens += *run.TokensInput
				}
				if run.TokensOutput != nil {
					tokens += *run.TokensOutput
				}
			}
		}
		if cur.Status == reconciler.StatusError {
			errorCount++
		}
		for _, c := range cur.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	err = walk(rn)
	return errorCount, tokens, err
}

func (o *Observer) scopeBookkeeping(n *reconciler.SuperSmithersNode, snap ralph.IterationSnapshot) *scopeState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.scopes[n.ModuleHash]
	if !ok {
		st = &scopeState{}
		o.scopes[n.ModuleHash] = st
	}
	switch {
	case snap.AnyRunning:
		st.stallStreak = 0
	case st.lastXML == snap.TreeXML:
		st.stallStreak++
	default:
		st.stallStreak = 1
	}
	st.lastXML = snap.TreeXML
	return st
}

func (o *Observer) checkTrigger(st *scopeState, n *reconciler.SuperSmithersNode, snap ralph.IterationSnapshot, metrics Metrics) (string, bool) {
	cfg := o.cfg.Trigger
	if cfg.ErrorRateThreshold > 0 && metrics.ErrorCount >= cfg.ErrorRateThreshold {
		return "error_rate", true
	}
	if cfg.StallEnabled && cfg.StallWindow > 0 && st.stallStreak >= cfg.StallWindow {
		return "stall", true
	}
	if cfg.TokenCeiling > 0 && metrics.Tokens >= cfg.TokenCeiling {
		return "token_ceiling", true
	}
	if cfg.Predicate != nil {
		rc := RewriteContext{Scope: n.Scope, ModuleHash: n.ModuleHash, CurrentTreeXML: snap.TreeXML}
		if cfg.Predicate(rc) {
			return "predicate", true
		}
	}
	return "", false
}

// runRewritePipeline calls the rewriter, validates its output, and
// retries with the validation errors fed back up to MaxAttempts times
// (spec.md §7 "the rewriter is re-prompted with the error list").
func (o *Observer) runRewritePipeline(ctx context.Context, rc RewriteContext, analysis *AnalysisResult) (*RewriteProposal, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.maxAttempts(); attempt++ {
		proposal, err := o.rewriter.Rewrite(ctx, rc, analysis)
		if err != nil {
			lastErr = err
			continue
		}
		violations := Validate(proposal.NewCode)
		if len(violations) == 0 {
			return proposal, nil
		}
		lastErr = &serrors.RewriteValidationError{RuleIDs: violations}
		rc.ValidationErrors = violations
	}
	return nil, lastErr
}

// activate writes the accepted proposal to the VCS overlay repository,
// persists its ModuleVersion, registers its factory, activates it, and
// bumps the execution's scope_rev so the next render remounts the
// scope from the overlay (spec.md §4.6 steps 4-7).
func (o *Observer) activate(ctx context.Context, n *reconciler.SuperSmithersNode, rc RewriteContext, analysis *AnalysisResult, proposal *RewriteProposal, executionID string) error {
	lock, err := o.repo.Lock(ctx, vcs.LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	hashPrefix := n.ModuleHash
	if len(hashPrefix) > 12 {
		hashPrefix = hashPrefix[:12]
	}
	relPath := fmt.Sprintf("%s/%s.go", n.Scope, hashPrefix)
	commitMsg := fmt.Sprintf("rewrite %s: %s", n.Scope, proposal.Summary)
	commitID, err := o.repo.WriteAndCommit(ctx, relPath, proposal.NewCode, commitMsg)
	if err != nil {
		return serrors.NewStore(serrors.StoreSubkindIO, "supersmithers.activate", err)
	}

	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return err
	}

	versionID := uuid.NewString()
	mv, err := o.store.CreateModuleVersion(ctx, store.CreateModuleVersionParams{
		VersionID:    versionID,
		ModuleHash:   n.ModuleHash,
		Code:         proposal.NewCode,
		Trigger:      rc.Trigger,
		AnalysisJSON: string(analysisJSON),
		VCSCommitID:  commitID,
	})
	if err != nil {
		return err
	}

	o.registry.Register(mv.VersionID, proposal.Factory)

	if err := o.store.ActivateModuleVersion(ctx, n.ModuleHash, mv.VersionID); err != nil {
		o.registry.Forget(mv.VersionID)
		return err
	}

	if _, err := o.store.BumpScopeRev(ctx, executionID); err != nil {
		return err
	}

	slog.Info("supersmithers: activated rewrite",
		"scope", n.Scope, "module_hash", n.ModuleHash, "version_id", mv.VersionID, "trigger", rc.Trigger)
	return nil
}
