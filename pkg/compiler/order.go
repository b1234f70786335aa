package compiler

import (
	"fmt"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// ExecutionOrder returns every node of g and its nested subgraphs in a
// deterministic topological order. Nodes become ready when all their
// producers in the same graph have been emitted; among ready nodes the one
// inserted first wins. A subgraph node is followed immediately by the order
// of its inner graph. Nodes left over because of a cycle are appended in
// insertion order and reported.
func ExecutionOrder(g *graph.Graph) ([]*graph.Node, []Diagnostic) {
	var (
		out   []*graph.Node
		diags []Diagnostic
	)
	var visit func(g *graph.Graph)
	visit = func(g *graph.Graph) {
		order, cyclic := graphOrder(g)
		for _, n := range cyclic {
			diags = append(diags, Diagnostic{NodeID: n.ExecutionID(), Message: "node is on or downstream of a cycle; ordered by insertion"})
		}
		for _, n := range order {
			out = append(out, n)
			if n.Role == graph.RoleSubgraph && n.Subgraph != nil {
				visit(n.Subgraph)
			}
		}
	}
	visit(g)
	return out, diags
}

// graphOrder orders the nodes of a single graph. The second result lists the
// nodes that could not be ordered topologically; they are also included at
// the end of the first result.
func graphOrder(g *graph.Graph) ([]*graph.Node, []*graph.Node) {
	nodes := g.Nodes()
	pos := make(map[graph.NodeID]int, len(nodes))
	for i, n := range nodes {
		pos[n.ID] = i
	}

	indegree := make([]int, len(nodes))
	succ := make([][]int, len(nodes))
	for _, l := range g.Links() {
		from, okFrom := pos[l.OriginID]
		to, okTo := pos[l.TargetID]
		if !okFrom || !okTo {
			continue
		}
		indegree[to]++
		succ[from] = append(succ[from], to)
	}

	var ready []int
	for i := range nodes {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	done := make([]bool, len(nodes))
	order := make([]*graph.Node, 0, len(nodes))
	for len(ready) > 0 {
		// ready is kept sorted by insertion position.
		i := ready[0]
		ready = ready[1:]
		done[i] = true
		order = append(order, nodes[i])
		for _, j := range succ[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = insertSorted(ready, j)
			}
		}
	}

	var cyclic []*graph.Node
	for i, n := range nodes {
		if !done[i] {
			cyclic = append(cyclic, n)
			order = append(order, n)
		}
	}
	return order, cyclic
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// describe renders a node for log output.
func describe(n *graph.Node) string {
	if n == nil {
		return "<nil>"
	}
	if n.Class != "" {
		return fmt.Sprintf("%s (%s %s)", n.ExecutionID(), n.Role, n.Class)
	}
	return fmt.Sprintf("%s (%s)", n.ExecutionID(), n.Role)
}
