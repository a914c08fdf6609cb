// Package phase implements PhaseRegistry: the state machine that
// enforces sequential phase (and, one layer down, step) semantics
// across re-renders (spec.md §4.4).
package phase

import (
	"context"
	"fmt"

	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/store"
)

// Registry advances Phase and Step rows for one Execution.
type Registry struct {
	store       *store.Store
	executionID string
}

// New returns a Registry bound to one Execution.
func New(s *store.Store, executionID string) *Registry {
	return &Registry{store: s, executionID: executionID}
}

// phaseUnit is one position in a phase (or step) ordering: usually a
// single node, or several Parallel-wrapped siblings that must all
// complete together before the ordering advances (spec.md §4.4
// "Tie-breaks").
type phaseUnit struct {
	members []*reconciler.RenderedNode
}

// Advance implements the three numbered rules of spec.md §4.4, plus
// the same algorithm one layer down for a Phase's own Step children
// (spec.md §3: Step "same lifecycle" as Phase). It is evaluated once
// per RalphLoop iteration after settle (spec.md §5).
//
// Simplification (recorded in DESIGN.md): a Phase or Step nested
// underneath a Conditional node is not picked up by automatic
// ordering at that container level; authors needing conditional
// phases should gate with a Phase's own SkipIf instead.
func (reg *Registry) Advance(ctx context.Context, rendered *reconciler.Rendered, rctx *reconciler.RenderCtx) error {
	if rendered == nil || rendered.Root == nil {
		return nil
	}
	return reg.advanceContainer(ctx, rendered.Root, rctx)
}

func (reg *Registry) advanceContainer(ctx context.Context, container *reconciler.RenderedNode, rctx *reconciler.RenderCtx) error {
	if container == nil {
		return nil
	}
	units := collectUnitsAtThisLevel(container)
	if len(units) == 0 {
		for _, c := range container.Children {
			if err := reg.advanceContainer(ctx, c, rctx); err != nil {
				return err
			}
		}
		return nil
	}

	if err := reg.advanceUnits(ctx, units, rctx); err != nil {
		return err
	}
	// Recurse into the active unit's own children to advance any
	// nested Step ordering.
	for _, u := range units {
		if unitHasActive(u) {
			for _, m := range u.members {
				if err := reg.advanceContainer(ctx, m, rctx); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func collectUnitsAtThisLevel(container *reconciler.RenderedNode) []phaseUnit {
	var units []phaseUnit
	for _, c := range container.Children {
		if c == nil {
			continue
		}
		switch c.Kind {
		case reconciler.KindPhase, reconciler.KindStep:
			units = append(units, phaseUnit{members: []*reconciler.RenderedNode{c}})
		case reconciler.KindParallel:
			group := make([]*reconciler.RenderedNode, 0, len(c.Children))
			ok := len(c.Children) > 0
			for _, gc := range c.Children {
				if gc == nil || (gc.Kind != reconciler.KindPhase && gc.Kind != reconciler.KindStep) {
					ok = false
					break
				}
				group = append(group, gc)
			}
			if ok {
				units = append(units, phaseUnit{members: group})
			}
		}
	}
	return units
}

func unitHasActive(u phaseUnit) bool {
	for _, m := range u.members {
		if m.Status == reconciler.StatusRunning {
			return true
		}
	}
	return false
}

// unitTerminal reports whether every member of u, and everything it
// mounted while active, has reached a terminal state (spec.md §4.4
// rule 2).
func unitTerminal(u phaseUnit) bool {
	for _, m := range u.members {
		for _, c := range m.Children {
			if !isSubtreeTerminal(c) {
				return false
			}
		}
	}
	return true
}

// isSubtreeTerminal treats Phase/Step/Agent/Task/Stop nodes' own
// Status as authoritative (it already reflects their durable row or
// AgentRun), and recurses through any other wrapper kind
// (Parallel/Conditional/SuperSmithers/RalphLoop/Root) to find the
// actual units of work underneath.
func isSubtreeTerminal(n *reconciler.RenderedNode) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case reconciler.KindAgent, reconciler.KindTask, reconciler.KindStop,
		reconciler.KindPhase, reconciler.KindStep:
		return n.Status == reconciler.StatusComplete || n.Status == reconciler.StatusError
	default:
		for _, c := range n.Children {
			if !isSubtreeTerminal(c) {
				return false
			}
		}
		return true
	}
}

func hooksFor(n *reconciler.RenderedNode) (skipIf func(*reconciler.RenderCtx) bool, onStart, onComplete func(*reconciler.RenderCtx)) {
	switch t := n.Node.(type) {
	case *reconciler.PhaseNode:
		return t.SkipIf, t.OnStart, t.OnComplete
	case *reconciler.StepNode:
		return t.SkipIf, nil, nil
	}
	return nil, nil, nil
}

func (reg *Registry) setStatus(ctx context.Context, m *reconciler.RenderedNode, status store.PhaseStatus) error {
	switch m.Kind {
	case reconciler.KindPhase:
		return reg.store.SetPhaseStatus(ctx, reg.executionID, m.DurableID, status)
	case reconciler.KindStep:
		return reg.store.SetStepStatus(ctx, reg.executionID, m.DurableID, status)
	default:
		return fmt.Errorf("phase: unexpected unit member kind %s", m.Kind)
	}
}

func (reg *Registry) advanceUnits(ctx context.Context, units []phaseUnit, rctx *reconciler.RenderCtx) error {
	activeIdx := -1
	for i, u := range units {
		if unitHasActive(u) {
			activeIdx = i
			break
		}
	}

	if activeIdx >= 0 {
		u := units[activeIdx]
		if !unitTerminal(u) {
			return nil
		}
		for _, m := range u.members {
			// Error policy (spec.md §4.4): a child terminating in
			// error still rolls the Phase/Step up to completed, never
			// a distinct "failed" status; the error itself stays
			// recorded on the AgentRun/Step row that produced it.
			if err := reg.setStatus(ctx, m, store.PhaseCompleted); err != nil {
				return fmt.Errorf("phase: complete %s: %w", m.DurableID, err)
			}
			if _, _, onComplete := hooksFor(m); onComplete != nil {
				onComplete(rctx)
			}
		}
		return reg.activateFrom(ctx, units, activeIdx+1, rctx)
	}

	return reg.activateFrom(ctx, units, 0, rctx)
}

func (reg *Registry) activateFrom(ctx context.Context, units []phaseUnit, from int, rctx *reconciler.RenderCtx) error {
	for i := from; i < len(units); i++ {
		u := units[i]
		activated := false
		for _, m := range u.members {
			if m.Status != reconciler.StatusPending {
				continue
			}
			skipIf, onStart, _ := hooksFor(m)
			if skipIf != nil && skipIf(rctx) {
				if err := reg.setStatus(ctx, m, store.PhaseSkipped); err != nil {
					return fmt.Errorf("phase: skip %s: %w", m.DurableID, err)
				}
				continue
			}
			if err := reg.setStatus(ctx, m, store.PhaseActive); err != nil {
				return fmt.Errorf("phase: activate %s: %w", m.DurableID, err)
			}
			if onStart != nil {
				onStart(rctx)
			}
			activated = true
		}
		if activated {
			return nil
		}
		// Every member of this unit was skipped; rule 1 continues
		// scanning for the next unit in order.
	}
	return nil
}
