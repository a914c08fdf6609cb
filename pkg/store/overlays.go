package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// CreateModuleVersionParams is the input to CreateModuleVersion.
type CreateModuleVersionParams struct {
	// VersionID, if set, is used verbatim instead of generating a fresh
	// uuid — SuperSmithers' overlay.Registry needs to know the id before
	// the row exists so it can register the rewriter's factory under it.
	VersionID       string
	ModuleHash      string
	ParentVersionID *string
	Code            string
	Trigger         string
	AnalysisJSON    string
	VCSCommitID     string
}

// CreateModuleVersion records a new rewritten overlay produced by a
// SuperSmithers rewrite pass (spec.md §4.6 step 5: persist before
// activation).
func (s *Store) CreateModuleVersion(ctx context.Context, p CreateModuleVersionParams) (*ModuleVersion, error) {
	versionID := p.VersionID
	if versionID == "" {
		versionID = uuid.NewString()
	}
	sum := sha256.Sum256([]byte(p.Code))
	mv := &ModuleVersion{
		VersionID:       versionID,
		ModuleHash:      p.ModuleHash,
		ParentVersionID: p.ParentVersionID,
		Code:            p.Code,
		CodeSHA256:      hex.EncodeToString(sum[:]),
		Trigger:         p.Trigger,
		AnalysisJSON:    p.AnalysisJSON,
		VCSCommitID:     p.VCSCommitID,
	}
	_, err := s.Run(ctx,
		`INSERT INTO module_versions (version_id, module_hash, parent_version_id, code, code_sha256, trigger, analysis_json, vcs_commit_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mv.VersionID, mv.ModuleHash, mv.ParentVersionID, mv.Code, mv.CodeSHA256, mv.Trigger, mv.AnalysisJSON, mv.VCSCommitID)
	if err != nil {
		return nil, err
	}
	return mv, nil
}

// GetModuleVersion loads a ModuleVersion by id.
func (s *Store) GetModuleVersion(ctx context.Context, versionID string) (*ModuleVersion, error) {
	var mv ModuleVersion
	err := s.QueryOne(ctx,
		&mv,
		`SELECT version_id, module_hash, parent_version_id, code, code_sha256, trigger, analysis_json, vcs_commit_id
		 FROM module_versions WHERE version_id = ?`, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return &mv, err
}

// ListModuleVersions returns every version recorded for a module hash,
// oldest first, so callers can walk the rewrite lineage via
// ParentVersionID.
func (s *Store) ListModuleVersions(ctx context.Context, moduleHash string) ([]ModuleVersion, error) {
	var rows []ModuleVersion
	err := s.Query(ctx, &rows,
		`SELECT version_id, module_hash, parent_version_id, code, code_sha256, trigger, analysis_json, vcs_commit_id
		 FROM module_versions WHERE module_hash = ? ORDER BY rowid ASC`, moduleHash)
	return rows, err
}

// ActivateModuleVersion points moduleHash's active override at
// versionID, so future mounts load the rewritten overlay instead of the
// baseline (spec.md §4.6 step 6). Passing an empty versionID reverts to
// the baseline.
func (s *Store) ActivateModuleVersion(ctx context.Context, moduleHash, versionID string) error {
	var versionPtr *string
	if versionID != "" {
		versionPtr = &versionID
	}
	_, err := s.Run(ctx,
		`INSERT INTO active_overrides (module_hash, version_id) VALUES (?, ?)
		 ON CONFLICT(module_hash) DO UPDATE SET version_id = excluded.version_id`,
		moduleHash, versionPtr)
	return err
}

// GetActiveOverride returns the currently active override for a module
// hash, or nil if the module is running its baseline (never rewritten,
// or explicitly reverted).
func (s *Store) GetActiveOverride(ctx context.Context, moduleHash string) (*ActiveOverride, error) {
	var ao ActiveOverride
	err := s.QueryOne(ctx, &ao,
		`SELECT module_hash, version_id FROM active_overrides WHERE module_hash = ?`, moduleHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ao.VersionID == nil {
		return nil, nil
	}
	return &ao, nil
}

// ResolveActiveModule returns the code that should be loaded for a
// module hash: the active override's code if one is set, otherwise
// ("", false) so the caller falls back to its compiled-in baseline.
func (s *Store) ResolveActiveModule(ctx context.Context, moduleHash string) (string, bool, error) {
	override, err := s.GetActiveOverride(ctx, moduleHash)
	if err != nil {
		return "", false, err
	}
	if override == nil {
		return "", false, nil
	}
	mv, err := s.GetModuleVersion(ctx, *override.VersionID)
	if err != nil {
		return "", false, err
	}
	if mv == nil {
		return "", false, nil
	}
	return mv.Code, true, nil
}
