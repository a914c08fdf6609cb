package supersmithers

import (
	"context"

	"github.com/smithers-run/smithers/pkg/supersmithers/overlay"
)

// Metrics summarises a scope's recent activity, the first ingredient of
// the context an analyser sees (spec.md §4.6 step 1 "metrics (tokens,
// agent count, error count, stall count)").
type Metrics struct {
	Tokens     int64
	AgentCount int
	ErrorCount int
	StallCount int
}

// RewriteContext is everything the analyser and rewriter are given:
// metrics, recent error signatures, recent RenderFrame XMLs, the
// current tree XML, and the baseline source of the target module
// (spec.md §4.6 step 1), plus — on a retry — the validator's complaints
// about the previous attempt (spec.md §6 "the rewriter is re-prompted
// with the error list").
type RewriteContext struct {
	Scope            string
	ModuleHash       string
	Trigger          string
	Metrics          Metrics
	ErrorSignatures  []string
	RecentFrames     []string
	CurrentTreeXML   string
	BaselineSource   string
	ValidationErrors []string
}

// RewriteRecommendation is the analyser's verdict on whether a rewrite
// is warranted (spec.md §4.6 step 2 "rewrite: { recommended, goals[],
// risk, confidence }").
type RewriteRecommendation struct {
	Recommended bool
	Goals       []string
	Risk        string
	Confidence  float64
}

// AnalysisResult is the analyser's full response (spec.md §4.6 step 2
// "AnalysisResult { summary, issues[], rewrite }").
type AnalysisResult struct {
	Summary string
	Issues  []string
	Rewrite RewriteRecommendation
}

// RewriteProposal is the rewriter's response (spec.md §4.6 step 3
// "RewriteProposal { summary, rationale, risk, newCode }"). Factory is
// this implementation's registry-of-factories substitute for runtime
// compilation (spec.md §9): the actual Go behaviour the rewriter wants
// activated, registered under the version id the pipeline assigns once
// NewCode passes validation.
type RewriteProposal struct {
	Summary   string
	Rationale string
	Risk      string
	NewCode   string
	Factory   overlay.Factory
}

// Analyser decides whether a scope's current state warrants a rewrite
// (spec.md §4.6 step 2 "Call analyser").
type Analyser interface {
	Analyze(ctx context.Context, rc RewriteContext) (*AnalysisResult, error)
}

// Rewriter produces a candidate replacement for the target module
// (spec.md §4.6 step 3 "If recommended, call rewriter"). It is called
// again with rc.ValidationErrors populated on each retry up to
// Config.MaxAttempts (spec.md §6 "retry the rewriter up to maxAttempts
// with the validation errors fed back").
type Rewriter interface {
	Rewrite(ctx context.Context, rc RewriteContext, analysis *AnalysisResult) (*RewriteProposal, error)
}
