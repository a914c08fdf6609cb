// Package overlay implements the registry-of-factories substitute for
// runtime dynamic module loading that spec.md §9 sanctions for targets
// without a first-class import mechanism: a rewritten overlay is
// registered as a compiled-in factory under its ModuleVersion's
// version_id, and the reconciler looks it up by id instead of importing
// a file path at runtime.
package overlay

import (
	"context"
	"sync"

	"github.com/smithers-run/smithers/pkg/reconciler"
)

// Factory builds the root Node of one registered overlay version. It is
// called fresh on every Resolve so a remounted overlay always starts
// from a clean node tree, the same as a freshly-constructed baseline.
type Factory func() reconciler.Node

// Registry maps a ModuleVersion.VersionID to the factory that produces
// its root Node. It implements reconciler.OverlayResolver.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string]Factory)}
}

// Register binds versionID to f. Called once a rewrite's ModuleVersion
// row exists, so the two branches of the pipeline (durable id,
// in-process factory) never race.
func (r *Registry) Register(versionID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[versionID] = f
}

// Forget removes versionID's factory, e.g. after a rollback that will
// never reference it again. Safe to call on an unknown id.
func (r *Registry) Forget(versionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.versions, versionID)
}

// Resolve implements reconciler.OverlayResolver: it looks up versionID
// and, if registered, builds a fresh root Node from its factory.
// moduleHash is accepted to satisfy the interface but unused — the
// version id alone is a sufficient key since every version belongs to
// exactly one module hash by construction.
func (r *Registry) Resolve(ctx context.Context, moduleHash, versionID string) (reconciler.Node, bool) {
	r.mu.RLock()
	f, ok := r.versions[versionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}
