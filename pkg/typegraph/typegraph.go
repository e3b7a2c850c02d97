// Package typegraph orders named nodes by their dependencies and detects cycles.
// It is used to order entity type linking and service startup.
package typegraph

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is a directed graph where an edge from a to b means "a depends on b".
type Graph struct {
	edges map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[string]map[string]struct{})}
}

// FromDependencies builds a graph from node -> dependencies.
func FromDependencies(deps map[string][]string) *Graph {
	g := New()
	for node, on := range deps {
		g.AddNode(node)
		for _, d := range on {
			g.AddEdge(node, d)
		}
	}
	return g
}

// AddNode adds a node with no edges.
func (g *Graph) AddNode(node string) {
	if _, ok := g.edges[node]; !ok {
		g.edges[node] = make(map[string]struct{})
	}
}

// AddEdge records that from depends on to.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	g.edges[from][to] = struct{}{}
}

// Nodes returns every node, sorted.
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

func (g *Graph) neighbors(node string) []string {
	out := make([]string, 0, len(g.edges[node]))
	for n := range g.edges[node] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// HasCycle reports whether any path leads back to a node already on the stack.
func (g *Graph) HasCycle() bool {
	return len(g.FindCycle()) > 0
}

// FindCycle returns the nodes of one cycle, closed with its first node, or nil.
func (g *Graph) FindCycle() []string {
	state := make(map[string]visitState, len(g.edges))
	stack := make([]string, 0)

	var visit func(node string) []string
	visit = func(node string) []string {
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range g.neighbors(node) {
			switch state[next] {
			case visiting:
				for i, n := range stack {
					if n == next {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, next)
					}
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = visited
		return nil
	}

	for _, node := range g.Nodes() {
		if state[node] == unvisited {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// TopologicalOrder returns nodes with every dependency before its dependents.
// Ties are broken alphabetically so the order is stable.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if cycle := g.FindCycle(); cycle != nil {
		return nil, fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
	}

	pending := make(map[string]int, len(g.edges))
	dependents := make(map[string][]string, len(g.edges))
	for node, deps := range g.edges {
		pending[node] = len(deps)
		for d := range deps {
			dependents[d] = append(dependents[d], node)
		}
	}

	ready := make([]string, 0)
	for node, n := range pending {
		if n == 0 {
			ready = append(ready, node)
		}
	}

	order := make([]string, 0, len(g.edges))
	for len(ready) > 0 {
		sort.Strings(ready)
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, dep := range dependents[node] {
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order, nil
}
