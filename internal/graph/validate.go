package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/petrijr/promptflow/internal/condition"
	"github.com/petrijr/promptflow/pkg/api"
)

// Validate checks a definition without mutating it. It is a pure function
// of its input.
func Validate(def api.FlowDefinition) api.ValidationResult {
	_, res := Compile(def)
	return res
}

// Compile validates def and returns the arena graph. The graph is nil when
// the result carries errors.
func Compile(def api.FlowDefinition) (*Graph, api.ValidationResult) {
	v := &validator{def: def}
	g := v.run()
	res := v.result()
	if !res.OK() {
		return nil, res
	}
	return g, res
}

type validator struct {
	def  api.FlowDefinition
	msgs []api.ValidationMessage
}

func (v *validator) errorf(code, subject, format string, args ...any) {
	v.msgs = append(v.msgs, api.ValidationMessage{
		Severity: api.SeverityError,
		Code:     code,
		Subject:  subject,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v *validator) warnf(code, subject, format string, args ...any) {
	v.msgs = append(v.msgs, api.ValidationMessage{
		Severity: api.SeverityWarning,
		Code:     code,
		Subject:  subject,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v *validator) result() api.ValidationResult {
	msgs := append([]api.ValidationMessage(nil), v.msgs...)
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.Severity != b.Severity {
			return a.Severity == api.SeverityError
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		return a.Message < b.Message
	})

	status := api.StatusValid
	for _, m := range msgs {
		if m.Severity == api.SeverityError {
			status = api.StatusError
			break
		}
		status = api.StatusWarning
	}
	return api.ValidationResult{Status: status, Messages: msgs}
}

func (v *validator) run() *Graph {
	def := v.def
	if len(def.Nodes) == 0 {
		v.errorf(api.CodeEmptyFlow, def.Name, "flow has no nodes")
		return nil
	}

	g := &Graph{
		Def:        def,
		nodeIndex:  make(map[string]int, len(def.Nodes)),
		keyIndex:   make(map[string]int, len(def.Nodes)),
		edgeIndex:  make(map[string]int, len(def.Edges)),
		out:        make([][]int, len(def.Nodes)),
		in:         make([][]int, len(def.Nodes)),
		conditions: make([]*condition.Expr, len(def.Edges)),
		programs:   make([]*condition.Program, len(def.Nodes)),
	}

	v.checkNodes(g)
	valid := v.checkEdges(g)

	if def.Hash != "" && def.Hash != def.ComputeHash() {
		v.warnf(api.CodeHashMismatch, def.Name, "stored hash does not match definition content")
	}

	v.findEntries(g, valid)
	v.checkReachability(g, valid)
	v.checkCycles(g, valid)

	return g
}

func (v *validator) checkNodes(g *Graph) {
	for i, n := range v.def.Nodes {
		if n.ID == "" {
			v.errorf(api.CodeDuplicateNode, fmt.Sprintf("#%d", i), "node at position %d has no id", i)
			continue
		}
		if _, dup := g.nodeIndex[n.ID]; dup {
			v.errorf(api.CodeDuplicateNode, n.ID, "node id %q declared more than once", n.ID)
		} else {
			g.nodeIndex[n.ID] = i
		}

		if n.Key == "" {
			v.errorf(api.CodeDuplicateKey, n.ID, "node %q has no key", n.ID)
		} else if _, dup := g.keyIndex[n.Key]; dup {
			v.errorf(api.CodeDuplicateKey, n.Key, "node key %q is not unique", n.Key)
		} else {
			g.keyIndex[n.Key] = i
		}

		if !n.Type.Valid() {
			v.errorf(api.CodeUnknownNodeType, n.ID, "node %q has unknown type %q", n.ID, n.Type)
		}
		if !n.Enabled {
			v.warnf(api.CodeDisabledNode, n.ID, "node %q is disabled and will be skipped", n.ID)
		}
		if n.Priority < 0 || n.Priority > api.LowestPriority {
			v.warnf(api.CodePriorityRange, n.ID, "node %q priority %d is outside 1..10", n.ID, n.Priority)
		}
		g.programs[i] = v.compileConfig(n)
	}
}

// checkEdges indexes edges whose endpoints resolve and returns a mask of
// those usable for structural analysis.
func (v *validator) checkEdges(g *Graph) []bool {
	valid := make([]bool, len(v.def.Edges))
	defaults := make(map[string][]string)

	for i, e := range v.def.Edges {
		subject := e.ID
		if subject == "" {
			subject = fmt.Sprintf("#%d", i)
		} else if _, dup := g.edgeIndex[e.ID]; dup {
			v.errorf(api.CodeDuplicateEdge, e.ID, "edge id %q declared more than once", e.ID)
		} else {
			g.edgeIndex[e.ID] = i
		}

		if !e.Type.Valid() {
			v.errorf(api.CodeUnknownEdgeType, subject, "edge %s has unknown type %q", subject, e.Type)
		}

		src, okS := g.nodeIndex[e.Source]
		dst, okT := g.nodeIndex[e.Target]
		if !okS {
			v.errorf(api.CodeMissingEndpoint, subject, "edge %s source %q does not exist", subject, e.Source)
		}
		if !okT {
			v.errorf(api.CodeMissingEndpoint, subject, "edge %s target %q does not exist", subject, e.Target)
		}
		if okS && okT {
			valid[i] = true
			g.out[src] = append(g.out[src], i)
			g.in[dst] = append(g.in[dst], i)
		}

		if e.IsDefault {
			defaults[e.Source] = append(defaults[e.Source], subject)
		}
		if !e.Enabled {
			v.warnf(api.CodeDisabledEdge, subject, "edge %s is disabled and will never fire", subject)
		}

		switch {
		case strings.TrimSpace(e.Condition) != "":
			expr, err := condition.Compile(e.Condition)
			if err != nil {
				v.errorf(api.CodeBadCondition, subject, "edge %s condition: %v", subject, err)
				continue
			}
			g.conditions[i] = expr
		case e.Type == api.EdgeConditional && !e.IsDefault:
			v.errorf(api.CodeMissingCondition, subject, "conditional edge %s has no condition and is not the default", subject)
		}
	}

	for _, src := range sortedKeys(defaults) {
		if ids := defaults[src]; len(ids) > 1 {
			v.errorf(api.CodeMultipleDefaults, src, "node %q has %d default edges (%s)", src, len(ids), strings.Join(ids, ", "))
		}
	}
	return valid
}

// findEntries records nodes with no incoming edges other than Loop edges.
func (v *validator) findEntries(g *Graph, valid []bool) {
	for i := range v.def.Nodes {
		entry := true
		for _, e := range g.in[i] {
			if valid[e] && v.def.Edges[e].Type != api.EdgeLoop {
				entry = false
				break
			}
		}
		if entry {
			g.entries = append(g.entries, i)
		}
	}
	if len(g.entries) == 0 {
		v.errorf(api.CodeNoEntryNode, v.def.Name, "flow has no entry node")
	}
}

// checkReachability walks all edges from the entry nodes. Targets of Event
// edges count as additional roots since they can be triggered externally.
func (v *validator) checkReachability(g *Graph, valid []bool) {
	seen := make([]bool, len(v.def.Nodes))
	queue := append([]int(nil), g.entries...)
	for i, e := range v.def.Edges {
		if valid[i] && e.Type == api.EdgeEvent {
			queue = append(queue, g.nodeIndex[e.Target])
		}
	}
	for _, n := range queue {
		seen[n] = true
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range g.out[n] {
			t := g.nodeIndex[v.def.Edges[e].Target]
			if !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	for i, ok := range seen {
		if !ok {
			n := v.def.Nodes[i]
			v.errorf(api.CodeUnreachable, n.ID, "node %q is not reachable from any entry node", n.Key)
		}
	}
}

// checkCycles rejects cycles that are not closed by a Loop edge and loops
// without an iteration bound.
func (v *validator) checkCycles(g *Graph, valid []bool) {
	n := len(v.def.Nodes)

	forward := make([][]int, n)
	all := make([][]int, n)
	for i, e := range v.def.Edges {
		if !valid[i] {
			continue
		}
		s, t := g.nodeIndex[e.Source], g.nodeIndex[e.Target]
		all[s] = append(all[s], t)
		if e.Type != api.EdgeLoop {
			forward[s] = append(forward[s], t)
		}
	}

	_, fwdMembers := tarjan(forward)
	for _, members := range fwdMembers {
		if len(members) == 1 && !selfLoop(forward, members[0]) {
			continue
		}
		keys := make([]string, 0, len(members))
		for _, m := range members {
			keys = append(keys, v.def.Nodes[m].Key)
		}
		sort.Strings(keys)
		v.errorf(api.CodeCycle, v.def.Nodes[members[0]].ID,
			"cycle without a Loop edge through %s", strings.Join(keys, ", "))
	}

	comp, members := tarjan(all)
	g.scc = comp
	g.members = members
	g.cyclic = make([]bool, len(members))
	for c, m := range members {
		g.cyclic[c] = len(m) > 1 || selfLoop(all, m[0])
	}

	for i, e := range v.def.Edges {
		if !valid[i] || e.Type != api.EdgeLoop {
			continue
		}
		s, t := g.nodeIndex[e.Source], g.nodeIndex[e.Target]
		if comp[s] != comp[t] {
			v.errorf(api.CodeLoopWithoutCycle, e.ID, "loop edge %s does not close a cycle", e.ID)
			continue
		}
		if v.def.Nodes[t].MaxIterations <= 0 {
			v.errorf(api.CodeUnboundedLoop, e.ID,
				"loop edge %s re-enters %q which has no MaxIterations bound", e.ID, v.def.Nodes[t].Key)
		}
	}
}

func selfLoop(adj [][]int, n int) bool {
	for _, t := range adj[n] {
		if t == n {
			return true
		}
	}
	return false
}

// tarjan returns the component of every node and the members of each
// component. Members are sorted by node index.
func tarjan(adj [][]int) ([]int, [][]int) {
	n := len(adj)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	comp := make([]int, n)
	for i := range index {
		index[i] = -1
	}

	var (
		stack   []int
		members [][]int
		counter int
	)

	var strongConnect func(v int)
	strongConnect = func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if index[w] == -1 {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			var group []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp[w] = len(members)
				group = append(group, w)
				if w == v {
					break
				}
			}
			sort.Ints(group)
			members = append(members, group)
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == -1 {
			strongConnect(v)
		}
	}
	return comp, members
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
