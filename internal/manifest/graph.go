package manifest

import (
	"context"
	"sort"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/bayleafwalker/bindery-kernel/internal/kernelerr"
)

// Graph is a dependency graph between manifest nodes. Edges point from a dependency to
// the nodes that depend on it; Indegree counts each node's distinct dependencies.
type Graph struct {
	Nodes      map[string]*Node
	Dependents map[string]map[string]struct{}
	Indegree   map[string]int
}

func NewGraph() *Graph {
	return &Graph{
		Nodes:      map[string]*Node{},
		Dependents: map[string]map[string]struct{}{},
		Indegree:   map[string]int{},
	}
}

func (g *Graph) Len() int { return len(g.Nodes) }

// AddNode inserts n with no dependencies. It reports false when the key was present.
func (g *Graph) AddNode(n *Node) bool {
	key := n.Key()
	if _, ok := g.Nodes[key]; ok {
		return false
	}
	g.Nodes[key] = n
	g.Indegree[key] = 0
	return true
}

// AddEdge records that dependent needs dependency. Repeated edges and self-edges are
// ignored.
func (g *Graph) AddEdge(dependency, dependent string) {
	if dependency == dependent {
		return
	}
	deps, ok := g.Dependents[dependency]
	if !ok {
		deps = map[string]struct{}{}
		g.Dependents[dependency] = deps
	}
	if _, dup := deps[dependent]; dup {
		return
	}
	deps[dependent] = struct{}{}
	g.Indegree[dependent]++
}

// BuildGraph resolves reqs and everything they transitively declare. A node's
// dependencies are only walked the first time it is visited; every first visit also
// issues a preload hint for the node's entry.
func (r *Resolver) BuildGraph(ctx context.Context, reqs []Request) (*Graph, error) {
	g := NewGraph()

	var visit func(req Request) (string, error)
	visit = func(req Request) (string, error) {
		n, err := r.ResolveAndFetch(ctx, req.Name, req.Range)
		if err != nil {
			return "", err
		}
		key := n.Key()
		if !g.AddNode(n) {
			return key, nil
		}
		r.preload(ctx, n)

		for _, dep := range n.Dependencies() {
			depKey, err := visit(dep)
			if err != nil {
				return "", err
			}
			g.AddEdge(depKey, key)
		}
		return key, nil
	}

	for _, req := range reqs {
		if _, err := visit(req); err != nil {
			return nil, err
		}
	}
	log.FromContext(ctx).V(1).Info("built dependency graph", "nodes", g.Len())
	return g, nil
}

// TopoBatches layers g into batches of nodes whose dependencies are all in earlier
// batches. Batches are sorted. g is not modified.
//
// When g contains a cycle the nodes that never reach indegree zero are either reported
// as a DependencyCycle error (CycleFail) or emitted as one final batch (CycleBestEffort).
func TopoBatches(ctx context.Context, g *Graph, policy CyclePolicy) ([][]string, error) {
	indegree := make(map[string]int, len(g.Indegree))
	for k := range g.Nodes {
		indegree[k] = g.Indegree[k]
	}

	var ready []string
	for k, d := range indegree {
		if d == 0 {
			ready = append(ready, k)
		}
	}

	var batches [][]string
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		batches = append(batches, ready)
		placed += len(ready)

		var next []string
		for _, k := range ready {
			for dep := range g.Dependents[k] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if placed == len(g.Nodes) {
		return batches, nil
	}

	var stuck []string
	for k, d := range indegree {
		if d > 0 {
			stuck = append(stuck, k)
		}
	}
	sort.Strings(stuck)

	if policy == CycleBestEffort {
		log.FromContext(ctx).Info("dependency cycle detected, loading remaining units as one batch", "stuck", stuck)
		return append(batches, stuck), nil
	}
	return nil, kernelerr.Newf(kernelerr.CodeDependencyCycle, "topo batches", "stuck: %s", strings.Join(stuck, ", "))
}
