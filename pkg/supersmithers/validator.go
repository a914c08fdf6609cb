package supersmithers

import (
	"go/parser"
	"go/token"
	"regexp"
)

// Rule IDs the validator can report, enumerated per spec.md §6
// "Overlay-code constraints" / §7 RewriteValidationError ("enumerated
// rule IDs").
const (
	RuleRelativeImport      = "no_relative_import"
	RuleSideEffectImport    = "no_relative_side_effect_import"
	RuleRelativeRequire     = "no_relative_require"
	RuleEphemeralPhaseState = "no_ephemeral_phase_state"
	RuleMustParse           = "must_parse"
)

// relativeImportRE matches an import path literal beginning with "./"
// or "../", in either a Go-style `import "./x"` declaration or the
// distilled spec's own `import x from "./y"` phrasing — the validator
// runs over overlay source text before it is known to be syntactically
// valid Go, so it is deliberately textual rather than AST-only for this
// rule (spec.md §6 "No author-local relative imports").
var relativeImportRE = regexp.MustCompile(`(?m)^\s*import\b[^"'\n]*["']((?:\./|\.\./)[^"']*)["']`)

// sideEffectImportRE matches a bare side-effect import of a relative
// path: `import "./x"` with no binding, or `import _ "./x"`.
var sideEffectImportRE = regexp.MustCompile(`(?m)^\s*import\s+(?:_\s+)?["'](\./|\.\./)[^"']*["']\s*$`)

// relativeRequireRE matches a CommonJS-style require() of a relative
// path (spec.md §6 "No CommonJS-style requires of relative paths") —
// kept even though this is a Go repository because the rule is a
// textual constraint on whatever source text a rewriter emits, and
// nothing stops a rewriter from emitting JS-flavoured glue.
var relativeRequireRE = regexp.MustCompile(`require\(\s*["'](\./|\.\./)[^"']*["']\s*\)`)

// ephemeralPhaseStateRE is a conservative heuristic for "ephemeral
// in-component state for control flow of phases" (spec.md §6): a
// package-level mutable variable whose name suggests it tracks phase
// progression directly, instead of routing through the durable State
// API (store.state.*). This cannot be proven sound in general — it is
// documented in DESIGN.md as a heuristic, not a guarantee.
var ephemeralPhaseStateRE = regexp.MustCompile(`(?m)^\s*var\s+\w*(?i:phase|step)\w*(State|Status|Cursor)\s+`)

// Validate checks code against every overlay-code constraint in
// spec.md §6 and returns the rule IDs it violates, in the order they
// were found. An empty result means code is acceptable to activate.
func Validate(code string) []string {
	var violations []string

	if relativeImportRE.MatchString(code) {
		violations = append(violations, RuleRelativeImport)
	}
	if sideEffectImportRE.MatchString(code) {
		violations = append(violations, RuleSideEffectImport)
	}
	if relativeRequireRE.MatchString(code) {
		violations = append(violations, RuleRelativeRequire)
	}
	if ephemeralPhaseStateRE.MatchString(code) {
		violations = append(violations, RuleEphemeralPhaseState)
	}

	// "Code must parse successfully by the target runtime's build/
	// transpile step" (spec.md §6) — our target runtime is the Go
	// toolchain, so this is go/parser rather than a JS/TS transpiler.
	// Skipped when a relative-import violation already matched: that
	// phrasing (`import x from "./y"`) is not valid Go syntax either,
	// and reporting both RuleRelativeImport and a redundant RuleMustParse
	// for the same token would bury the actionable rule under noise the
	// rewriter's next attempt cannot act on any more usefully.
	if !contains(violations, RuleRelativeImport) {
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, "overlay.go", code, parser.AllErrors); err != nil {
			violations = append(violations, RuleMustParse)
		}
	}

	return violations
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
