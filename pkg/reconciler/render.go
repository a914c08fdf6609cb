package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smithers-run/smithers/pkg/serrors"
	"github.com/smithers-run/smithers/pkg/store"
)

// RenderedNode is one node of the tree Render produced: its durable
// identity, current execution state, and children in the same shape
// the author declared (minus subtrees a Phase/Conditional chose not to
// render).
type RenderedNode struct {
	ID       NodeID
	Kind     Kind
	Name     string
	Status   Status
	Cause    error
	DurableID string // Phase.ID / Step.ID / AgentRun.ID, when applicable
	Children []*RenderedNode
	Node     Node
}

// StopInfo records the first Stop node observed mounted in a render.
type StopInfo struct {
	NodeID NodeID
	Reason string
}

// Rendered is the result of one Render call.
type Rendered struct {
	Root               *RenderedNode
	NewlyMountedAgents []*RenderedNode
	Unmounted          []NodeID
	Stop               *StopInfo
}

// renderAccum carries the bookkeeping a single Render call threads
// through its recursive walk. It is not shared across renders.
type renderAccum struct {
	ctx       context.Context
	scopeRev  int
	seen      map[NodeID]bool
	phaseByID map[string]store.PhaseStatus
	stepCache map[string]map[string]store.PhaseStatus // phaseID -> stepID -> status
	agentByID map[string]store.AgentRun
	newAgents []*RenderedNode
	stop      *StopInfo
}

// Render walks tree, matching each node against its durable identity
// from the previous render, creating/advancing Phase, Step and
// AgentRun rows as needed, and returns the current view of the tree
// plus the set of Agent nodes that mounted for the first time this
// call (pkg/ralph schedules these on the external executor).
//
// Render only reads from the Store (phase/step/agent-run snapshots
// taken once at the start of the call) and writes the idempotent rows
// a first mount requires; it never blocks on external work, matching
// spec.md §4.3 "Rendering ... Pure with respect to Store reads".
func (r *Reconciler) Render(ctx context.Context, tree Node, scopeRev int) (*Rendered, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	phases, err := r.store.ListPhases(ctx, r.executionID)
	if err != nil {
		return nil, fmt.Errorf("reconciler: list phases: %w", err)
	}
	phaseByID := make(map[string]store.PhaseStatus, len(phases))
	for _, p := range phases {
		phaseByID[p.ID] = p.Status
	}

	agentRuns, err := r.store.ListAgentRuns(ctx, r.executionID)
	if err != nil {
		return nil, fmt.Errorf("reconciler: list agent runs: %w", err)
	}
	agentByID := make(map[string]store.AgentRun, len(agentRuns))
	for _, run := range agentRuns {
		agentByID[run.ID] = run
	}

	acc := &renderAccum{
		ctx:       ctx,
		scopeRev:  scopeRev,
		seen:      map[NodeID]bool{},
		phaseByID: phaseByID,
		stepCache: map[string]map[string]store.PhaseStatus{},
		agentByID: agentByID,
	}

	root, err := r.renderNode(tree, RootNodeID, 0, "", "", acc)
	if err != nil {
		return nil, err
	}

	var unmounted []NodeID
	for id := range r.states {
		if !acc.seen[id] {
			unmounted = append(unmounted, id)
		}
	}
	for _, id := range unmounted {
		delete(r.states, id)
	}

	return &Rendered{
		Root:               root,
		NewlyMountedAgents: acc.newAgents,
		Unmounted:          unmounted,
		Stop:               acc.stop,
	}, nil
}

func phaseDurableID(position int, name string) string {
	return fmt.Sprintf("%d-%s", position, name)
}

func stepDurableID(position int, name string) string {
	return fmt.Sprintf("%d-%s", position, name)
}

func (r *Reconciler) renderNode(node Node, parentID NodeID, position int, phaseID, stepID string, acc *renderAccum) (*RenderedNode, error) {
	if node == nil {
		return nil, nil
	}
	id := computeNodeID(parentID, position, node.Kind(), node.Key())
	_, existedBefore := r.states[id]
	acc.seen[id] = true
	st := r.stateFor(id, node.Kind())
	if !existedBefore {
		st.MountedScopeRev = acc.scopeRev
	}

	switch n := node.(type) {
	case *RootNode:
		rn := &RenderedNode{ID: id, Kind: KindRoot, Name: n.ExecutionID, Node: node}
		if n.Child != nil {
			child, err := r.renderNode(n.Child, id, 0, phaseID, stepID, acc)
			if err != nil {
				return nil, err
			}
			rn.Children = []*RenderedNode{child}
		}
		st.Status = StatusRunning
		rn.Status = st.Status
		return rn, nil

	case *RalphLoopNode:
		return r.renderChildren(n.NodeChildren, id, phaseID, stepID, acc, KindRalphLoop, "", st)

	case *PhaseNode:
		return r.renderPhase(n, id, position, acc, st)

	case *StepNode:
		return r.renderStep(n, id, position, phaseID, acc, st)

	case *ParallelNode:
		return r.renderChildren(n.NodeChildren, id, phaseID, stepID, acc, KindParallel, "", st)

	case *AgentNode:
		return r.renderAgent(n, id, phaseID, stepID, acc, st)

	case *ConditionalNode:
		rctx := &RenderCtx{Ctx: acc.ctx, ExecutionID: r.executionID}
		rn := &RenderedNode{ID: id, Kind: KindConditional, Node: node}
		if n.Predicate != nil && n.Predicate(rctx) && n.Child != nil {
			child, err := r.renderNode(n.Child, id, 0, phaseID, stepID, acc)
			if err != nil {
				return nil, err
			}
			rn.Children = []*RenderedNode{child}
			st.Status = StatusComplete
		} else {
			st.Status = StatusComplete
		}
		rn.Status = st.Status
		return rn, nil

	case *StopNode:
		if acc.stop == nil {
			acc.stop = &StopInfo{NodeID: id, Reason: n.Reason}
		}
		st.Status = StatusComplete
		return &RenderedNode{ID: id, Kind: KindStop, Name: n.Reason, Status: st.Status, Node: node}, nil

	case *SuperSmithersNode:
		return r.renderSuperSmithers(n, id, phaseID, stepID, acc, st)

	case *TaskNode:
		st.Status = StatusComplete
		return &RenderedNode{ID: id, Kind: KindTask, Name: n.Name, Status: st.Status, Node: node}, nil

	default:
		return nil, fmt.Errorf("reconciler: unknown node kind %T", node)
	}
}

func (r *Reconciler) renderChildren(children []Node, parentID NodeID, phaseID, stepID string, acc *renderAccum, kind Kind, name string, st *NodeState) (*RenderedNode, error) {
	rn := &RenderedNode{ID: parentID, Kind: kind, Name: name}
	for i, c := range children {
		child, err := r.renderNode(c, parentID, i, phaseID, stepID, acc)
		if err != nil {
			return nil, err
		}
		rn.Children = append(rn.Children, child)
	}
	st.Status = StatusRunning
	rn.Status = st.Status
	return rn, nil
}

func (r *Reconciler) renderPhase(n *PhaseNode, id NodeID, position int, acc *renderAccum, st *NodeState) (*RenderedNode, error) {
	durableID := phaseDurableID(position, n.Name)
	status, known := acc.phaseByID[durableID]
	if !known {
		if err := r.store.UpsertPhase(acc.ctx, &store.Phase{
			ID: durableID, ExecutionID: r.executionID, Name: n.Name,
			Status: store.PhasePending, Position: position,
		}); err != nil {
			return nil, fmt.Errorf("reconciler: upsert phase %s: %w", durableID, err)
		}
		status = store.PhasePending
		acc.phaseByID[durableID] = status
	}

	rn := &RenderedNode{ID: id, Kind: KindPhase, Name: n.Name, DurableID: durableID, Node: n}
	switch status {
	case store.PhaseCompleted, store.PhaseSkipped:
		st.Status = StatusComplete
	case store.PhaseActive:
		st.Status = StatusRunning
		for i, c := range n.NodeChildren {
			child, err := r.renderNode(c, id, i, durableID, "", acc)
			if err != nil {
				return nil, err
			}
			rn.Children = append(rn.Children, child)
		}
	default:
		st.Status = StatusPending
	}
	rn.Status = st.Status
	return rn, nil
}

func (r *Reconciler) renderStep(n *StepNode, id NodeID, position int, phaseID string, acc *renderAccum, st *NodeState) (*RenderedNode, error) {
	durableID := stepDurableID(position, n.Name)
	statuses, ok := acc.stepCache[phaseID]
	if !ok {
		loaded, err := r.store.ListStepsForPhase(acc.ctx, r.executionID, phaseID)
		if err != nil {
			return nil, fmt.Errorf("reconciler: list steps for phase %s: %w", phaseID, err)
		}
		statuses = make(map[string]store.PhaseStatus, len(loaded))
		for _, s := range loaded {
			statuses[s.ID] = s.Status
		}
		acc.stepCache[phaseID] = statuses
	}

	status, known := statuses[durableID]
	if !known {
		if err := r.store.UpsertStep(acc.ctx, &store.Step{
			ID: durableID, ExecutionID: r.executionID, PhaseID: phaseID, Name: n.Name,
			Status: store.PhasePending, Position: position,
		}); err != nil {
			return nil, fmt.Errorf("reconciler: upsert step %s: %w", durableID, err)
		}
		status = store.PhasePending
		statuses[durableID] = status
	}

	rn := &RenderedNode{ID: id, Kind: KindStep, Name: n.Name, DurableID: durableID, Node: n}
	switch status {
	case store.PhaseCompleted, store.PhaseSkipped:
		st.Status = StatusComplete
	case store.PhaseActive:
		st.Status = StatusRunning
		for i, c := range n.NodeChildren {
			child, err := r.renderNode(c, id, i, phaseID, durableID, acc)
			if err != nil {
				return nil, err
			}
			rn.Children = append(rn.Children, child)
		}
	default:
		st.Status = StatusPending
	}
	rn.Status = st.Status
	return rn, nil
}

func (r *Reconciler) renderAgent(n *AgentNode, id NodeID, phaseID, stepID string, acc *renderAccum, st *NodeState) (*RenderedNode, error) {
	rn := &RenderedNode{ID: id, Kind: KindAgent, Name: n.Prompt, Node: n}

	if st.AgentRunID == "" {
		// A fresh Reconciler (process restart) has no in-memory
		// NodeState; bind back to the durable row this node's identity
		// already owns before assuming it needs a new one (spec.md §8
		// property 4 "Resume equivalence").
		existing, err := r.store.GetAgentRunByNodeID(acc.ctx, r.executionID, id.String())
		if err != nil {
			return nil, fmt.Errorf("reconciler: lookup agent run by node id: %w", err)
		}
		if existing != nil {
			st.AgentRunID = existing.ID
			acc.agentByID[existing.ID] = *existing
		} else {
			var phasePtr, stepPtr *string
			if phaseID != "" {
				phasePtr = &phaseID
			}
			if stepID != "" {
				stepPtr = &stepID
			}
			run, err := r.store.CreateAgentRun(acc.ctx, store.CreateAgentRunParams{
				ExecutionID:  r.executionID,
				NodeID:       id.String(),
				PhaseID:      phasePtr,
				StepID:       stepPtr,
				Prompt:       n.Prompt,
				Model:        n.Model,
				AllowedTools: n.AllowedTools,
			})
			if err != nil {
				return nil, fmt.Errorf("reconciler: create agent run: %w", err)
			}
			st.AgentRunID = run.ID
			acc.agentByID[run.ID] = *run
			rn.DurableID = run.ID
			rn.Status = StatusRunning
			st.Status = StatusRunning
			acc.newAgents = append(acc.newAgents, rn)
			return rn, nil
		}
	}

	rn.DurableID = st.AgentRunID
	run, ok := acc.agentByID[st.AgentRunID]
	if !ok {
		rn.Status = st.Status
		return rn, nil
	}
	switch run.Status {
	case store.AgentRunCompleted:
		st.Status = StatusComplete
	case store.AgentRunFailed, store.AgentRunCancelled:
		st.Status = StatusError
		if run.Error != nil {
			st.Cause = fmt.Errorf("%s", *run.Error)
		}
	default:
		st.Status = StatusRunning
	}
	rn.Status = st.Status
	rn.Cause = st.Cause
	return rn, nil
}

func (r *Reconciler) renderSuperSmithers(n *SuperSmithersNode, id NodeID, phaseID, stepID string, acc *renderAccum, st *NodeState) (*RenderedNode, error) {
	rn := &RenderedNode{ID: id, Kind: KindSuperSmithers, Name: n.Scope, Node: n}
	target := n.Baseline

	if r.overlays != nil {
		override, err := r.store.GetActiveOverride(acc.ctx, n.ModuleHash)
		if err != nil {
			return nil, fmt.Errorf("reconciler: get active override: %w", err)
		}
		if override != nil && override.VersionID != nil {
			if overlayNode, ok := r.overlays.Resolve(acc.ctx, n.ModuleHash, *override.VersionID); ok {
				target = overlayNode
			} else {
				// spec.md §7 OverlayLoadError: an ActiveOverride naming a
				// version_id the registry can't resolve is a reported
				// failure, not a silent downgrade. Clear the override so
				// future renders stop trying to resolve it, record the
				// error on this node, and fall back to the baseline
				// (already assigned to target above).
				loadErr := &serrors.OverlayLoadError{
					VersionID: *override.VersionID,
					Cause:     fmt.Errorf("no factory registered for version %s", *override.VersionID),
				}
				slog.Error("reconciler: overlay load failed, reverting to baseline",
					"scope", n.Scope, "module_hash", n.ModuleHash, "version_id", *override.VersionID, "error", loadErr)
				if clearErr := r.store.ActivateModuleVersion(acc.ctx, n.ModuleHash, ""); clearErr != nil {
					slog.Error("reconciler: clear unresolved active override", "module_hash", n.ModuleHash, "error", clearErr)
				}
				st.Cause = loadErr
			}
		}
	}

	if target != nil {
		child, err := r.renderNode(target, id, 0, phaseID, stepID, acc)
		if err != nil {
			return nil, err
		}
		rn.Children = []*RenderedNode{child}
	}
	st.Status = StatusRunning
	rn.Status = st.Status
	rn.Cause = st.Cause
	return rn, nil
}
