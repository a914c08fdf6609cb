package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smithers-run/smithers/pkg/store"
)

func TestSaveRenderFramePrunesToRetention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	total := store.RenderFrameRetention + 5
	for i := 0; i < total; i++ {
		require.NoError(t, s.SaveRenderFrame(ctx, exec.ID, i, fmt.Sprintf("<tree seq=%d/>", i)))
	}

	frames, err := s.ListRenderFrames(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, frames, store.RenderFrameRetention)
	require.Equal(t, total-store.RenderFrameRetention, frames[0].SequenceNumber)
	require.Equal(t, total-1, frames[len(frames)-1].SequenceNumber)

	latest, err := s.LatestRenderFrame(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, total-1, latest.SequenceNumber)
}

func TestLatestRenderFrameNilWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exec, err := s.CreateExecution(ctx, "example", "/tmp/example.smithers.ts")
	require.NoError(t, err)

	latest, err := s.LatestRenderFrame(ctx, exec.ID)
	require.NoError(t, err)
	require.Nil(t, latest)
}
