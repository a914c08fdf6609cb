// Package reconciler interprets an author's declarative component tree
// as a set of nodes with durable identity and execution state, mounts
// and unmounts them across re-renders, and serialises the result for
// persistence and stall detection.
package reconciler

import "context"

// Kind is the closed set of node kinds the reconciler understands
// (spec.md §4.3). It is exhaustive: every Node implementation in this
// package corresponds to exactly one Kind, and nothing outside this
// package may introduce a new one (isNode is unexported).
type Kind string

// Node kinds, per spec.md §4.3.
const (
	KindRoot          Kind = "root"
	KindRalphLoop     Kind = "ralph_loop"
	KindPhase         Kind = "phase"
	KindStep          Kind = "step"
	KindParallel      Kind = "parallel"
	KindAgent         Kind = "agent"
	KindConditional   Kind = "conditional"
	KindStop          Kind = "stop"
	KindSuperSmithers Kind = "super_smithers"
	KindTask          Kind = "task"
)

// RenderCtx is passed to author-supplied predicates and callbacks
// (SkipIf, Predicate, OnStart, OnComplete) so they can read reactive
// state without the reconciler exposing its internals.
type RenderCtx struct {
	Ctx         context.Context
	ExecutionID string
}

// Node is the closed sum type every component in an author's tree
// implements. isNode is unexported so no type outside this package can
// satisfy it, keeping the kind set exhaustive per spec.md §4.3.
type Node interface {
	isNode()
	Kind() Kind
	// Key disambiguates siblings of the same kind at the same position
	// (e.g. two Agent nodes produced by a loop). Empty if unset.
	Key() string
	// Children returns this node's direct children in declaration
	// order. Leaves return nil.
	Children() []Node
}

// RootNode is the execution boundary: it holds the top-level
// configuration and wraps the rest of the author's tree.
type RootNode struct {
	ExecutionID     string
	MaxIterations   int
	GlobalTimeoutMs int64
	Child           Node
	NodeKey         string
}

func (*RootNode) isNode() {}
func (*RootNode) Kind() Kind { return KindRoot }
func (n *RootNode) Key() string { return n.NodeKey }
func (n *RootNode) Children() []Node {
	if n.Child == nil {
		return nil
	}
	return []Node{n.Child}
}

// RalphLoopNode is the iteration controller; its children are the
// declared Phases (and any interleaved Task/Conditional nodes).
type RalphLoopNode struct {
	NodeChildren []Node
	NodeKey      string
}

func (*RalphLoopNode) isNode() {}
func (*RalphLoopNode) Kind() Kind { return KindRalphLoop }
func (n *RalphLoopNode) Key() string { return n.NodeKey }
func (n *RalphLoopNode) Children() []Node { return n.NodeChildren }

// PhaseNode is a named phase with an optional skip predicate and
// lifecycle callbacks (spec.md §4.3/§4.4).
type PhaseNode struct {
	Name         string
	SkipIf       func(*RenderCtx) bool
	OnStart      func(*RenderCtx)
	OnComplete   func(*RenderCtx)
	NodeChildren []Node
	NodeKey      string
}

func (*PhaseNode) isNode() {}
func (*PhaseNode) Kind() Kind { return KindPhase }
func (n *PhaseNode) Key() string {
	if n.NodeKey != "" {
		return n.NodeKey
	}
	return n.Name
}
func (n *PhaseNode) Children() []Node { return n.NodeChildren }

// StepNode is a child of a Phase with the same lifecycle shape but no
// phase-advancement semantics of its own.
type StepNode struct {
	Name         string
	SkipIf       func(*RenderCtx) bool
	NodeChildren []Node
	NodeKey      string
}

func (*StepNode) isNode() {}
func (*StepNode) Kind() Kind { return KindStep }
func (n *StepNode) Key() string {
	if n.NodeKey != "" {
		return n.NodeKey
	}
	return n.Name
}
func (n *StepNode) Children() []Node { return n.NodeChildren }

// ParallelNode marks its direct children as concurrently eligible.
type ParallelNode struct {
	NodeChildren []Node
	NodeKey      string
}

func (*ParallelNode) isNode() {}
func (*ParallelNode) Kind() Kind { return KindParallel }
func (n *ParallelNode) Key() string { return n.NodeKey }
func (n *ParallelNode) Children() []Node { return n.NodeChildren }

// AgentNode is a leaf that invokes the external agent executor once
// per mount. Its durable identity is the AgentRun row created on
// first mount.
type AgentNode struct {
	Model        string
	Prompt       string
	AllowedTools []string
	NodeKey      string
}

func (*AgentNode) isNode() {}
func (*AgentNode) Kind() Kind { return KindAgent }
func (n *AgentNode) Key() string { return n.NodeKey }
func (n *AgentNode) Children() []Node { return nil }

// ConditionalNode renders its child iff Predicate evaluates true.
type ConditionalNode struct {
	Predicate func(*RenderCtx) bool
	Child     Node
	NodeKey   string
}

func (*ConditionalNode) isNode() {}
func (*ConditionalNode) Kind() Kind { return KindConditional }
func (n *ConditionalNode) Key() string { return n.NodeKey }
func (n *ConditionalNode) Children() []Node {
	if n.Child == nil {
		return nil
	}
	return []Node{n.Child}
}

// StopNode is a terminal node: when mounted, the RalphLoop finishes
// with status completed and the given Reason.
type StopNode struct {
	Reason  string
	NodeKey string
}

func (*StopNode) isNode() {}
func (*StopNode) Kind() Kind { return KindStop }
func (n *StopNode) Key() string { return n.NodeKey }
func (n *StopNode) Children() []Node { return nil }

// SuperSmithersNode proxies a plan subtree so it can be analysed and
// rewritten at runtime (spec.md §4.6). ModuleHash identifies the
// baseline for ModuleVersion/ActiveOverride lookups. BaselineSource is
// the source text SuperSmithers feeds an analyser/rewriter as "the
// baseline source of the target module" (spec.md §4.6 step 1); it is
// carried on the node, not looked up separately, so an Observer has no
// side-channel dependency on whoever built the tree.
type SuperSmithersNode struct {
	Scope          string
	ModuleHash     string
	BaselineSource string
	Baseline       Node
	NodeKey        string
}

func (*SuperSmithersNode) isNode() {}
func (*SuperSmithersNode) Kind() Kind { return KindSuperSmithers }
func (n *SuperSmithersNode) Key() string { return n.NodeKey }
func (n *SuperSmithersNode) Children() []Node {
	if n.Baseline == nil {
		return nil
	}
	return []Node{n.Baseline}
}

// TaskNode is a presentational leaf with no execution semantics.
type TaskNode struct {
	Name    string
	NodeKey string
}

func (*TaskNode) isNode() {}
func (*TaskNode) Kind() Kind { return KindTask }
func (n *TaskNode) Key() string { return n.NodeKey }
func (n *TaskNode) Children() []Node { return nil }
