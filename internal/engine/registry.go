package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/promptflow/internal/graph"
	"github.com/petrijr/promptflow/internal/routing"
	"github.com/petrijr/promptflow/pkg/api"
)

// DefaultVersion is assigned to definitions registered without a version.
const DefaultVersion = "v1"

// compiledFlow is a validated definition ready to run. It is shared
// read-only by every run of that version.
type compiledFlow struct {
	def    api.FlowDefinition
	graph  *graph.Graph
	router *routing.Evaluator
	result api.ValidationResult
}

func compile(def api.FlowDefinition) (*compiledFlow, error) {
	g, res := graph.Compile(def)
	if !res.OK() {
		return nil, &api.ValidationError{Flow: def.Name, Result: res}
	}
	router, err := routing.NewEvaluator(g)
	if err != nil {
		return nil, err
	}
	return &compiledFlow{def: def, graph: g, router: router, result: res}, nil
}

type flowRegistry struct {
	mu     sync.RWMutex
	byName map[string]map[string]*compiledFlow
	latest map[string]string
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{
		byName: make(map[string]map[string]*compiledFlow),
		latest: make(map[string]string),
	}
}

func (r *flowRegistry) Register(cf *compiledFlow) error {
	name, version := cf.def.Name, cf.def.Version

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[name]
	if versions == nil {
		versions = make(map[string]*compiledFlow)
		r.byName[name] = versions
	}

	if _, exists := versions[version]; exists {
		return fmt.Errorf("flow %q version %q: %w", name, version, api.ErrDuplicateFlow)
	}

	versions[version] = cf
	r.latest[name] = version
	return nil
}

// Get returns a version of a flow. An empty version selects the most
// recently registered one.
func (r *flowRegistry) Get(name, version string) (*compiledFlow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	if versions == nil {
		return nil, fmt.Errorf("flow %q: %w", name, api.ErrFlowNotFound)
	}
	if version == "" {
		version = r.latest[name]
	}

	cf, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("flow %q version %q: %w", name, version, api.ErrFlowNotFound)
	}
	return cf, nil
}

func (r *flowRegistry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	return out
}
