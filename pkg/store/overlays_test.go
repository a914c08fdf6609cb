package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/store"
)

func TestModuleVersionActivationAndResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	code, ok, err := s.ResolveActiveModule(ctx, "hash-a")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, code)

	mv, err := s.CreateModuleVersion(ctx, store.CreateModuleVersionParams{
		ModuleHash:   "hash-a",
		Code:         "export default function(){}",
		Trigger:      "error_rate",
		AnalysisJSON: `{"reason":"too many failures"}`,
		VCSCommitID:  "abc123",
	})
	require.NoError(t, err)

	require.NoError(t, s.ActivateModuleVersion(ctx, "hash-a", mv.VersionID))

	code, ok, err = s.ResolveActiveModule(ctx, "hash-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, mv.Code, code)

	override, err := s.GetActiveOverride(ctx, "hash-a")
	require.NoError(t, err)
	require.NotNil(t, override)
	require.Equal(t, mv.VersionID, *override.VersionID)
}

func TestModuleVersionRevertToBaseline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mv, err := s.CreateModuleVersion(ctx, store.CreateModuleVersionParams{
		ModuleHash: "hash-b",
		Code:       "v1",
		Trigger:    "stall",
	})
	require.NoError(t, err)
	require.NoError(t, s.ActivateModuleVersion(ctx, "hash-b", mv.VersionID))
	require.NoError(t, s.ActivateModuleVersion(ctx, "hash-b", ""))

	_, ok, err := s.ResolveActiveModule(ctx, "hash-b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListModuleVersionsTracksLineage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v1, err := s.CreateModuleVersion(ctx, store.CreateModuleVersionParams{ModuleHash: "hash-c", Code: "v1", Trigger: "stall"})
	require.NoError(t, err)
	v2, err := s.CreateModuleVersion(ctx, store.CreateModuleVersionParams{
		ModuleHash:      "hash-c",
		ParentVersionID: &v1.VersionID,
		Code:            "v2",
		Trigger:         "token_ceiling",
	})
	require.NoError(t, err)

	versions, err := s.ListModuleVersions(ctx, "hash-c")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, v1.VersionID, versions[0].VersionID)
	require.Equal(t, v2.VersionID, versions[1].VersionID)
	require.NotNil(t, versions[1].ParentVersionID)
	require.Equal(t, v1.VersionID, *versions[1].ParentVersionID)
}
