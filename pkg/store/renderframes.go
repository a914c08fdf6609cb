package store

import (
	"context"
)

// SaveRenderFrame persists the rendered tree XML for one iteration
// boundary and prunes older frames beyond RenderFrameRetention, so the
// table never grows unbounded across a long-running Execution
// (spec.md §3).
func (s *Store) SaveRenderFrame(ctx context.Context, executionID string, sequenceNumber int, treeXML string) error {
	return s.Transaction(ctx, func(tx Tx) error {
		if _, err := tx.Run(ctx,
			`INSERT INTO render_frames (execution_id, sequence_number, tree_xml)
			 VALUES (?, ?, ?)
			 ON CONFLICT(execution_id, sequence_number) DO UPDATE SET tree_xml = excluded.tree_xml`,
			executionID, sequenceNumber, treeXML); err != nil {
			return err
		}
		tx.Touched("render_frames")

		_, err := tx.Run(ctx,
			`DELETE FROM render_frames WHERE execution_id = ? AND sequence_number NOT IN (
				SELECT sequence_number FROM render_frames WHERE execution_id = ?
				ORDER BY sequence_number DESC LIMIT ?
			)`, executionID, executionID, RenderFrameRetention)
		return err
	})
}

// LatestRenderFrame returns the most recently saved RenderFrame for an
// Execution, or nil if none exists yet.
func (s *Store) LatestRenderFrame(ctx context.Context, executionID string) (*RenderFrame, error) {
	var frames []RenderFrame
	err := s.Query(ctx, &frames,
		`SELECT execution_id, sequence_number, tree_xml, created_at FROM render_frames
		 WHERE execution_id = ? ORDER BY sequence_number DESC LIMIT 1`, executionID)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return &frames[0], nil
}

// ListRenderFrames returns the retained RenderFrames for an Execution in
// ascending sequence order.
func (s *Store) ListRenderFrames(ctx context.Context, executionID string) ([]RenderFrame, error) {
	var rows []RenderFrame
	err := s.Query(ctx, &rows,
		`SELECT execution_id, sequence_number, tree_xml, created_at FROM render_frames
		 WHERE execution_id = ? ORDER BY sequence_number ASC`, executionID)
	return rows, err
}
