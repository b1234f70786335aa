package compiler

import (
	"fmt"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// Evaluate runs one step of frontend computation over g so that the Data of
// every link fed by a frontend node is current. Backend nodes are not
// evaluated. Reroutes, boundary nodes and subgraph nodes forward values so
// literals reach backend inputs through them. Muted and bypassed nodes are
// skipped.
func Evaluate(g *graph.Graph) []Diagnostic {
	var diags []Diagnostic
	evaluateGraph(g, &diags)
	return diags
}

func evaluateGraph(g *graph.Graph, diags *[]Diagnostic) {
	order, _ := graphOrder(g)
	for _, n := range order {
		if !modeActive(n) {
			continue
		}
		switch n.Role {
		case graph.RoleFrontend:
			evaluateFrontend(n, diags)
		case graph.RoleReroute:
			if l := n.InputLink(0); l != nil {
				setOutputs(n, []any{l.Data})
			}
		case graph.RoleGraphInput:
			owner := g.Owner()
			if owner == nil {
				continue
			}
			v, ok := owner.InputValue(owner.InputIndex(n.Port))
			if !ok {
				continue
			}
			vals := make([]any, len(n.Outputs))
			for i := range vals {
				vals[i] = v
			}
			setOutputs(n, vals)
		case graph.RoleSubgraph:
			if n.Subgraph == nil {
				continue
			}
			evaluateGraph(n.Subgraph, diags)
			vals := make([]any, len(n.Outputs))
			for i, out := range n.Outputs {
				if b := n.Subgraph.OutputBoundary(out.Name); b != nil {
					if l := b.InputLink(0); l != nil {
						vals[i] = l.Data
					}
				}
			}
			setOutputs(n, vals)
		}
	}
}

func evaluateFrontend(n *graph.Node, diags *[]Diagnostic) {
	if n.Compute == nil {
		vals := make([]any, len(n.Outputs))
		for i, out := range n.Outputs {
			vals[i] = out.Value
		}
		setOutputs(n, vals)
		return
	}
	inputs := make([]any, len(n.Inputs))
	for i := range n.Inputs {
		inputs[i], _ = n.InputValue(i)
	}
	vals, err := n.Compute(n, inputs)
	if err != nil {
		*diags = append(*diags, Diagnostic{NodeID: n.ExecutionID(), Message: fmt.Sprintf("frontend evaluation failed: %v", err)})
		return
	}
	setOutputs(n, vals)
}

// setOutputs stores vals[i] on every link leaving output slot i.
func setOutputs(n *graph.Node, vals []any) {
	g := n.Graph()
	for i, out := range n.Outputs {
		if i >= len(vals) {
			return
		}
		for _, id := range out.Links {
			if l := g.Link(id); l != nil {
				l.Data = vals[i]
			}
		}
	}
}
