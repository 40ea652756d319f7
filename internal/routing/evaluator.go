// Package routing decides which outgoing edges of a finished node fire.
package routing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/petrijr/promptflow/internal/condition"
	"github.com/petrijr/promptflow/internal/graph"
	"github.com/petrijr/promptflow/pkg/api"
)

// Reasons recorded on traversals.
const (
	ReasonFired          = "fired"
	ReasonConditionTrue  = "condition_true"
	ReasonConditionFalse = "condition_false"
	ReasonConditionError = "condition_error"
	ReasonSuperseded     = "superseded"
	ReasonDefault        = "default"
	ReasonDefaultSkipped = "default_not_taken"
	ReasonDisabled       = "disabled"
	ReasonEventEmitted   = "event_emitted"
	ReasonEventMissing   = "event_not_emitted"
	ReasonLoopContinue   = "loop_continue"
	ReasonLoopExit       = "loop_exit"
	ReasonLoopExhausted  = "loop_exhausted"
	ReasonGuardFalse     = "guard_false"
	ReasonErrorHandled   = "error_handled"
	ReasonTimeoutHandled = "timeout_handled"
	ReasonNotApplicable  = "not_applicable"
	ReasonSourceFailed   = "source_failed"
)

// EventsKey is the output field Event edges match their SourcePort against.
const EventsKey = "events"

// Outcome is the result of a node the evaluator routes from.
type Outcome struct {
	Status api.NodeStatus
	Input  map[string]any
	Output map[string]any

	// Iteration is the loop entry count of the source node.
	Iteration int

	// Continue is the continue flag of a Loop node.
	Continue bool

	// CanReenter reports whether a Loop edge may re-enter the target. Nil
	// means no budget is tracked.
	CanReenter func(target int) bool
}

// Decision is the routing verdict for one candidate edge.
type Decision struct {
	Edge            int
	Fires           bool
	Reason          string
	ConditionResult *bool
	Err             error
}

// Evaluator routes a compiled graph. It holds no run state and is safe for
// concurrent use.
type Evaluator struct {
	g          *graph.Graph
	candidates [][]int
}

// NewEvaluator prepares candidate orderings for every node.
func NewEvaluator(g *graph.Graph) (*Evaluator, error) {
	if g == nil {
		return nil, errors.New("routing: nil graph")
	}
	ev := &Evaluator{g: g, candidates: make([][]int, g.NumNodes())}
	for i := 0; i < g.NumNodes(); i++ {
		defaults := 0
		out := append([]int(nil), g.Out(i)...)
		for _, e := range out {
			if g.Edge(e).IsDefault {
				defaults++
			}
		}
		if defaults > 1 {
			return nil, &api.ValidationError{
				Flow:   g.Def.Name,
				Reason: fmt.Sprintf("node %q has %d default edges", g.Node(i).Key, defaults),
			}
		}
		sort.SliceStable(out, func(a, b int) bool {
			return g.Edge(out[a]).Priority < g.Edge(out[b]).Priority
		})
		ev.candidates[i] = out
	}
	return ev, nil
}

// Candidates returns the outgoing edges of src in evaluation order.
func (ev *Evaluator) Candidates(src int) []int { return ev.candidates[src] }

// Evaluate returns one Decision per candidate edge of src. Cancelled and
// Skipped sources are not routed and yield nil.
func (ev *Evaluator) Evaluate(src int, out Outcome, vars map[string]any) []Decision {
	switch out.Status {
	case api.NodeCompleted:
		return ev.completed(src, out, vars)
	case api.NodeFailed:
		return ev.failed(src, api.EdgeErrorHandler, ReasonErrorHandled)
	case api.NodeTimedOut:
		if ev.hasEnabled(src, api.EdgeTimeout) {
			return ev.failed(src, api.EdgeTimeout, ReasonTimeoutHandled)
		}
		return ev.failed(src, api.EdgeErrorHandler, ReasonErrorHandled)
	default:
		return nil
	}
}

func (ev *Evaluator) hasEnabled(src int, typ api.EdgeType) bool {
	for _, e := range ev.candidates[src] {
		edge := ev.g.Edge(e)
		if edge.Enabled && edge.Type == typ {
			return true
		}
	}
	return false
}

// failed fires every enabled edge of the handler type.
func (ev *Evaluator) failed(src int, handler api.EdgeType, reason string) []Decision {
	cands := ev.candidates[src]
	decs := make([]Decision, len(cands))
	for i, e := range cands {
		edge := ev.g.Edge(e)
		switch {
		case !edge.Enabled:
			decs[i] = Decision{Edge: e, Reason: ReasonDisabled}
		case edge.Type == handler:
			decs[i] = Decision{Edge: e, Fires: true, Reason: reason}
		default:
			decs[i] = Decision{Edge: e, Reason: ReasonNotApplicable}
		}
	}
	return decs
}

func (ev *Evaluator) completed(src int, out Outcome, vars map[string]any) []Decision {
	g := ev.g
	srcNode := g.Node(src)
	isLoop := srcNode.Type == api.NodeLoop
	fanOut := srcNode.Type == api.NodeParallel

	scope := condition.Scope{
		Output:    out.Output,
		Input:     out.Input,
		Vars:      vars,
		Iteration: out.Iteration,
	}

	cands := ev.candidates[src]
	decs := make([]Decision, len(cands))
	deferred := make([]int, 0, 2)

	var (
		conditionalFired bool
		conditionFailed  bool
	)

	for i, e := range cands {
		edge := g.Edge(e)
		d := Decision{Edge: e}

		switch {
		case !edge.Enabled:
			d.Reason = ReasonDisabled

		case edge.IsDefault, edge.Type == api.EdgeErrorHandler:
			deferred = append(deferred, i)
			continue

		case edge.Type == api.EdgeConditional:
			ok, err := ev.condition(e, scope)
			switch {
			case err != nil:
				d.Reason = ReasonConditionError
				d.Err = err
				conditionFailed = true
			case !ok:
				d.ConditionResult = boolPtr(false)
				d.Reason = ReasonConditionFalse
			case conditionalFired && !fanOut:
				d.ConditionResult = boolPtr(true)
				d.Reason = ReasonSuperseded
			default:
				d.ConditionResult = boolPtr(true)
				d.Fires = true
				d.Reason = ReasonConditionTrue
				conditionalFired = true
			}

		case edge.Type == api.EdgeLoop:
			d = ev.loop(e, out, scope, isLoop)
			if d.Err != nil {
				conditionFailed = true
			}

		case edge.Type == api.EdgeEvent:
			if emitted(out.Output, edge.SourcePort) {
				d.Fires = true
				d.Reason = ReasonEventEmitted
			} else {
				d.Reason = ReasonEventMissing
			}

		case edge.Type == api.EdgeTimeout:
			d.Reason = ReasonNotApplicable

		case isLoop:
			// Body edges run while the loop continues, everything else
			// leaves the loop.
			body := edge.SourcePort == api.PortBody
			d.Fires = body == out.Continue
			switch {
			case d.Fires && body:
				d.Reason = ReasonLoopContinue
			case d.Fires:
				d.Reason = ReasonLoopExit
			case body:
				d.Reason = ReasonLoopExit
			default:
				d.Reason = ReasonLoopContinue
			}

		default:
			d.Fires = true
			d.Reason = ReasonFired
		}

		decs[i] = d
	}

	// A condition that cannot be evaluated fails the source: only handler
	// edges may fire.
	if conditionFailed {
		return ev.conditionFailed(cands, decs)
	}

	// Default edges are decided once every conditional sibling is known.
	for _, i := range deferred {
		e := cands[i]
		edge := g.Edge(e)
		if edge.Type == api.EdgeErrorHandler {
			continue
		}
		d := Decision{Edge: e}
		if conditionalFired {
			d.Reason = ReasonDefaultSkipped
		} else {
			d.Fires = true
			d.Reason = ReasonDefault
		}
		decs[i] = d
	}

	for _, i := range deferred {
		e := cands[i]
		edge := g.Edge(e)
		if edge.Type != api.EdgeErrorHandler {
			continue
		}
		decs[i] = Decision{Edge: e, Reason: ReasonNotApplicable}
	}
	return decs
}

func (ev *Evaluator) conditionFailed(cands []int, decs []Decision) []Decision {
	for i, e := range cands {
		edge := ev.g.Edge(e)
		d := decs[i]
		d.Edge = e
		switch {
		case !edge.Enabled:
			d = Decision{Edge: e, Reason: ReasonDisabled}
		case d.Err != nil:
		case edge.Type == api.EdgeErrorHandler:
			d = Decision{Edge: e, Fires: true, Reason: ReasonErrorHandled}
		default:
			d.Fires = false
			d.Reason = ReasonSourceFailed
		}
		decs[i] = d
	}
	return decs
}

func (ev *Evaluator) loop(e int, out Outcome, scope condition.Scope, fromLoopNode bool) Decision {
	d := Decision{Edge: e}
	if fromLoopNode && !out.Continue {
		d.Reason = ReasonLoopExit
		return d
	}
	if out.CanReenter != nil && !out.CanReenter(ev.g.Target(e)) {
		d.Reason = ReasonLoopExhausted
		return d
	}
	if ev.g.Condition(e) != nil {
		ok, err := ev.condition(e, scope)
		if err != nil {
			d.Reason = ReasonConditionError
			d.Err = err
			return d
		}
		d.ConditionResult = boolPtr(ok)
		if !ok {
			d.Reason = ReasonGuardFalse
			return d
		}
	}
	d.Fires = true
	d.Reason = ReasonLoopContinue
	return d
}

func (ev *Evaluator) condition(e int, scope condition.Scope) (bool, error) {
	expr := ev.g.Condition(e)
	if expr == nil {
		return false, &api.ConditionError{EdgeID: ev.g.Edge(e).ID, Err: errors.New("no condition")}
	}
	ok, err := expr.Bool(scope)
	if err != nil {
		return false, &api.ConditionError{EdgeID: ev.g.Edge(e).ID, Expression: expr.Source(), Err: err}
	}
	return ok, nil
}

func emitted(output map[string]any, port string) bool {
	if port == "" {
		return false
	}
	switch events := output[EventsKey].(type) {
	case []string:
		for _, ev := range events {
			if ev == port {
				return true
			}
		}
	case []any:
		for _, ev := range events {
			if s, ok := ev.(string); ok && s == port {
				return true
			}
		}
	case string:
		return events == port
	}
	return false
}

func boolPtr(b bool) *bool { return &b }

// AnyFired reports whether at least one decision fired.
func AnyFired(decs []Decision) bool {
	for _, d := range decs {
		if d.Fires {
			return true
		}
	}
	return false
}

// FirstError returns the first condition error among decs.
func FirstError(decs []Decision) error {
	for _, d := range decs {
		if d.Err != nil {
			return d.Err
		}
	}
	return nil
}
