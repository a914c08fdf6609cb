package supersmithers_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/supersmithers"
)

func TestAsProxyAcceptsBrandedValue(t *testing.T) {
	baseline := &reconciler.PhaseNode{Name: "baseline"}
	p := supersmithers.CreateProxy(supersmithers.Meta{Scope: "scope-a", ModuleAbsPath: "/plans/a.go"}, "package a", baseline)

	got, err := supersmithers.AsProxy(p)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestAsProxyRejectsUnbrandedValue(t *testing.T) {
	_, err := supersmithers.AsProxy(&reconciler.PhaseNode{Name: "not a proxy"})
	require.Error(t, err)
}

func TestModuleHashStableForSameInput(t *testing.T) {
	meta := supersmithers.Meta{Scope: "s", ModuleAbsPath: "/plans/a.go"}
	h1 := supersmithers.ModuleHash(meta, "package a")
	h2 := supersmithers.ModuleHash(meta, "package a")
	require.Equal(t, h1, h2)

	h3 := supersmithers.ModuleHash(meta, "package a // changed")
	require.NotEqual(t, h1, h3)
}

func TestProxyNodeCarriesBaselineSource(t *testing.T) {
	baseline := &reconciler.PhaseNode{Name: "baseline"}
	p := supersmithers.CreateProxy(supersmithers.Meta{Scope: "scope-a", ModuleAbsPath: "/plans/a.go"}, "package a", baseline)

	n := p.Node()
	require.Equal(t, "scope-a", n.Scope)
	require.Equal(t, "package a", n.BaselineSource)
	require.Equal(t, p.ModuleHash(), n.ModuleHash)
	require.Same(t, baseline, n.Baseline)
}
