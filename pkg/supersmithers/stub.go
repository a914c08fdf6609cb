package supersmithers

import (
	"context"

	"github.com/smithers-run/smithers/pkg/supersmithers/overlay"
)

// StubAnalyser is a scripted Analyser for tests and the demo rewriter:
// it always recommends a rewrite with the configured goals, ignoring
// rc entirely.
type StubAnalyser struct {
	Summary string
	Goals   []string
	Risk    string
}

func (a *StubAnalyser) Analyze(ctx context.Context, rc RewriteContext) (*AnalysisResult, error) {
	return &AnalysisResult{
		Summary: a.Summary,
		Rewrite: RewriteRecommendation{
			Recommended: true,
			Goals:       a.Goals,
			Risk:        a.Risk,
			Confidence:  1,
		},
	}, nil
}

// StubRewriter is a scripted Rewriter used by tests and the end-to-end
// scenarios of spec.md §8 (S4, S6): it returns Code/Factory verbatim on
// every call. InvalidCode, if set, is returned instead of Code on the
// first call for a given module hash, so tests can exercise the
// validator's retry path (rc.ValidationErrors is populated on the
// following call).
type StubRewriter struct {
	Summary     string
	Rationale   string
	Risk        string
	Code        string
	Factory     overlay.Factory
	InvalidCode string

	attempted map[string]bool
}

func (r *StubRewriter) Rewrite(ctx context.Context, rc RewriteContext, analysis *AnalysisResult) (*RewriteProposal, error) {
	if r.attempted == nil {
		r.attempted = make(map[string]bool)
	}
	code := r.Code
	if r.InvalidCode != "" && !r.attempted[rc.ModuleHash] {
		r.attempted[rc.ModuleHash] = true
		code = r.InvalidCode
	}
	return &RewriteProposal{
		Summary:   r.Summary,
		Rationale: r.Rationale,
		Risk:      r.Risk,
		NewCode:   code,
		Factory:   r.Factory,
	}, nil
}
