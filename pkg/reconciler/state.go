package reconciler

import (
	"context"
	"sync"

	"github.com/smithers-run/smithers/pkg/store"
)

// Status is a node's execution state (spec.md §4.3).
type Status string

// Execution statuses a mounted node can be in.
const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// NodeState is the reconciler's in-memory record for one mounted node,
// rebuilt every render from the previous render's map plus the current
// tree shape (spec.md §4.3), mirroring the mutex-guarded
// map[id]*execution pattern used for sub-agent bookkeeping in the
// teacher's orchestrator package.
type NodeState struct {
	ID     NodeID
	Kind   Kind
	Status Status
	Cause  error

	// AgentRunID is set once an Agent node's first mount creates its
	// durable AgentRun row; subsequent renders reuse it instead of
	// creating a new row.
	AgentRunID string
	// MountedScopeRev is the Execution.scope_rev in effect when this
	// node was mounted; a scope_rev bump forces unmount+remount of the
	// affected subtree (spec.md §4.6 step 6).
	MountedScopeRev int
}

// OverlayResolver resolves an active overlay's root Node for a module
// hash, if SuperSmithers has swapped one in. pkg/supersmithers/overlay
// implements this; the reconciler only depends on the interface to
// avoid an import cycle (reconciler is the lower-level package).
type OverlayResolver interface {
	Resolve(ctx context.Context, moduleHash, versionID string) (Node, bool)
}

// Reconciler mounts an author's tree, tracks each node's durable
// identity and execution state, and renders the current view of the
// tree against pkg/store.
type Reconciler struct {
	store       *store.Store
	executionID string
	overlays    OverlayResolver

	mu     sync.Mutex
	states map[NodeID]*NodeState
}

// New returns a Reconciler bound to one Execution. overlays may be nil
// if the tree has no SuperSmithers nodes.
func New(s *store.Store, executionID string, overlays OverlayResolver) *Reconciler {
	return &Reconciler{
		store:       s,
		executionID: executionID,
		overlays:    overlays,
		states:      make(map[NodeID]*NodeState),
	}
}

func (r *Reconciler) stateFor(id NodeID, kind Kind) *NodeState {
	if st, ok := r.states[id]; ok {
		return st
	}
	st := &NodeState{ID: id, Kind: kind, Status: StatusPending}
	r.states[id] = st
	return st
}

// State returns a snapshot of a node's current execution state.
func (r *Reconciler) State(id NodeID) (NodeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return NodeState{}, false
	}
	return *st, true
}

// SetStatus updates a node's execution state, e.g. once an AgentRun
// this node owns completes or fails. Called by pkg/ralph after
// observing a Store change, never during Render.
func (r *Reconciler) SetStatus(id NodeID, status Status, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[id]; ok {
		st.Status = status
		st.Cause = cause
	}
}

// AnyRunning reports whether any leaf node with actual in-flight work is
// still in StatusRunning, used by RalphLoop's settle condition (spec.md
// §4.5 step 3). Structural container kinds (Root, RalphLoop, Parallel,
// an active Phase/Step, SuperSmithers) are marked StatusRunning by
// Render merely to reflect that they are currently mounted, not that
// anything is in flight under them — only a mounted Agent genuinely
// blocks settling, so only KindAgent nodes are consulted here.
func (r *Reconciler) AnyRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st.Kind == KindAgent && st.Status == StatusRunning {
			return true
		}
	}
	return false
}
