package graph

import (
	"fmt"
	"strings"
)

// LintError describes a structural problem in a graph.
type LintError struct {
	// NodeID is the execution id of the offending node, if any.
	NodeID  string
	Message string
}

func (e LintError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %q: %s", e.NodeID, e.Message)
	}
	return e.Message
}

// Validate checks a graph and all nested subgraphs for structural
// correctness. Returns all discovered errors (not just the first).
func Validate(g *Graph) []LintError {
	var errs []LintError
	validateGraph(g, &errs)
	return errs
}

func validateGraph(g *Graph, errs *[]LintError) {
	add := func(n *Node, format string, args ...any) {
		e := LintError{Message: fmt.Sprintf(format, args...)}
		if n != nil {
			e.NodeID = n.ExecutionID()
		}
		*errs = append(*errs, e)
	}

	// Link endpoints must resolve within this graph.
	for _, l := range g.Links() {
		origin, target := g.Node(l.OriginID), g.Node(l.TargetID)
		if origin == nil {
			add(nil, "link %d references unknown origin node %d%s", l.ID, l.OriginID, where(g))
		} else if l.OriginSlot < 0 || l.OriginSlot >= len(origin.Outputs) {
			add(origin, "link %d uses missing output slot %d", l.ID, l.OriginSlot)
		}
		if target == nil {
			add(nil, "link %d references unknown target node %d%s", l.ID, l.TargetID, where(g))
		} else if l.TargetSlot < 0 || l.TargetSlot >= len(target.Inputs) {
			add(target, "link %d uses missing input slot %d", l.ID, l.TargetSlot)
		}
	}

	for _, n := range g.nodes {
		for i, in := range n.Inputs {
			if in.Link != nil && g.Link(*in.Link) == nil {
				add(n, "input %d (%s) references unknown link %d", i, in.Name, *in.Link)
			}
		}

		switch n.Role {
		case RoleBackend:
			if n.Class == "" {
				add(n, "backend node has no class")
			}
		case RoleReroute:
			if len(n.Inputs) != 1 {
				add(n, "reroute must have exactly one input, has %d", len(n.Inputs))
			}
		case RoleGraphInput, RoleGraphOutput:
			owner := g.owner
			if owner == nil {
				add(n, "%s node outside a subgraph", n.Role)
				break
			}
			if n.Port == "" {
				add(n, "%s node has no port name", n.Role)
				break
			}
			if n.Role == RoleGraphInput && owner.InputIndex(n.Port) < 0 {
				add(n, "subgraph %s has no input %q", owner.ExecutionID(), n.Port)
			}
			if n.Role == RoleGraphOutput {
				if owner.OutputIndex(n.Port) < 0 {
					add(n, "subgraph %s has no output %q", owner.ExecutionID(), n.Port)
				}
				if len(n.Inputs) != 1 {
					add(n, "graph_output must have exactly one input, has %d", len(n.Inputs))
				}
			}
		case RoleSubgraph:
			if n.Subgraph == nil {
				add(n, "subgraph node has no inner graph")
				break
			}
			for _, out := range n.Outputs {
				if n.Subgraph.OutputBoundary(out.Name) == nil {
					add(n, "output %q has no graph_output node in the inner graph", out.Name)
				}
			}
			validateGraph(n.Subgraph, errs)
		}
	}
}

func where(g *Graph) string {
	if g.owner == nil {
		return ""
	}
	return " in subgraph " + g.owner.ExecutionID()
}

// ValidateErr calls Validate and returns nil if there are no errors, or a
// combined error message listing all lint errors.
func ValidateErr(g *Graph) error {
	errs := Validate(g)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("graph validation failed:\n  %s", strings.Join(msgs, "\n  "))
}
