package overlay_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/supersmithers/overlay"
)

func TestRegistryResolveReturnsFreshNodePerCall(t *testing.T) {
	r := overlay.NewRegistry()
	calls := 0
	r.Register("v1", func() reconciler.Node {
		calls++
		return &reconciler.PhaseNode{Name: "overlay"}
	})

	n1, ok := r.Resolve(context.Background(), "hash", "v1")
	require.True(t, ok)
	n2, ok := r.Resolve(context.Background(), "hash", "v1")
	require.True(t, ok)

	require.NotSame(t, n1, n2)
	require.Equal(t, 2, calls)
}

func TestRegistryResolveUnknownVersion(t *testing.T) {
	r := overlay.NewRegistry()
	_, ok := r.Resolve(context.Background(), "hash", "missing")
	require.False(t, ok)
}

func TestRegistryForget(t *testing.T) {
	r := overlay.NewRegistry()
	r.Register("v1", func() reconciler.Node { return &reconciler.PhaseNode{} })
	r.Forget("v1")
	_, ok := r.Resolve(context.Background(), "hash", "v1")
	require.False(t, ok)
}
