package supersmithers_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/supersmithers"
)

func TestValidateAcceptsCleanCode(t *testing.T) {
	code := `package overlay

import "fmt"

func Run() { fmt.Println("ok") }
`
	require.Empty(t, supersmithers.Validate(code))
}

func TestValidateRejectsRelativeImport(t *testing.T) {
	code := `package overlay

import "./helper"

func Run() {}
`
	violations := supersmithers.Validate(code)
	require.Contains(t, violations, supersmithers.RuleRelativeImport)
}

func TestValidateRejectsSideEffectImport(t *testing.T) {
	code := "package overlay\n\nimport \"./init\"\n"
	violations := supersmithers.Validate(code)
	require.Contains(t, violations, supersmithers.RuleSideEffectImport)
}

func TestValidateRejectsRelativeRequire(t *testing.T) {
	code := `const helper = require("./helper")`
	violations := supersmithers.Validate(code)
	require.Contains(t, violations, supersmithers.RuleRelativeRequire)
}

func TestValidateRejectsEphemeralPhaseState(t *testing.T) {
	code := `package overlay

var phaseState int
`
	violations := supersmithers.Validate(code)
	require.Contains(t, violations, supersmithers.RuleEphemeralPhaseState)
}

func TestValidateRejectsUnparsableCode(t *testing.T) {
	violations := supersmithers.Validate("this is not go code {{{")
	require.Contains(t, violations, supersmithers.RuleMustParse)
}
