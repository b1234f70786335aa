package compiler

import (
	"fmt"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// LocateOptions configures an upstream search.
type LocateOptions struct {
	// Tag filters active nodes; empty means no tag filter.
	Tag string
	// Target selects the node to stop at. Defaults to IsBackend.
	Target func(n *graph.Node) bool
	// Report receives traversal diagnostics. May be nil.
	Report func(Diagnostic)
}

// Upstream is the result of Locate. Node is nil when nothing was found.
type Upstream struct {
	// Node is the located node.
	Node *graph.Node
	// Link is the link leaving Node on the resolved path.
	Link *graph.Link
	// Slot is the output slot of Node that Link leaves from.
	Slot int
	// Last is the last node visited, found or not.
	Last *graph.Node
	// Graph owns Link and Node.
	Graph *graph.Graph
}

// Found reports whether a target node was located.
func (u Upstream) Found() bool { return u.Node != nil }

type linkKey struct {
	g  *graph.Graph
	id graph.LinkID
}

// Locate walks backwards from input slot input of from and returns the
// nearest active node accepted by opts.Target, passing through inactive and
// non-target nodes, reroutes and subgraph boundaries on the way.
func Locate(from *graph.Node, input int, opts LocateOptions) Upstream {
	if opts.Target == nil {
		opts.Target = IsBackend
	}
	report := opts.Report
	if report == nil {
		report = func(Diagnostic) {}
	}
	inputName := ""
	if input >= 0 && input < len(from.Inputs) {
		inputName = from.Inputs[input].Name
	}
	diag := func(format string, args ...any) {
		report(Diagnostic{NodeID: from.ExecutionID(), Input: inputName, Message: fmt.Sprintf(format, args...)})
	}

	link := from.InputLink(input)
	if link == nil {
		return Upstream{}
	}
	g := from.Graph()
	seen := make(map[linkKey]bool)
	parent := g.Node(link.OriginID)
	last := parent

	for parent != nil {
		key := linkKey{g, link.ID}
		if seen[key] {
			diag("link %d revisited at %s; upstream cycle", link.ID, describe(parent))
			return Upstream{Last: parent}
		}
		seen[key] = true

		if IsActive(parent, opts.Tag) && opts.Target(parent) {
			return Upstream{Node: parent, Link: link, Slot: link.OriginSlot, Last: parent, Graph: g}
		}

		nextGraph, next, err := hop(g, parent, link)
		if err != nil {
			diag("%v", err)
			return Upstream{Last: parent}
		}
		if next == nil {
			return Upstream{Last: parent}
		}
		g, link = nextGraph, next
		parent = g.Node(link.OriginID)
		if parent == nil {
			diag("link %d references unknown origin node %d", link.ID, link.OriginID)
			return Upstream{Last: last}
		}
		last = parent
	}
	return Upstream{Last: last}
}

// GetUpstreamLink follows one hop upstream from node n, which was reached
// through link via. It returns the graph owning the next link, the next link,
// that link's origin slot and its origin node. All results are zero (slot -1)
// when the walk cannot continue.
func GetUpstreamLink(n *graph.Node, via *graph.Link) (*graph.Graph, *graph.Link, int, *graph.Node) {
	g, next, err := hop(n.Graph(), n, via)
	if err != nil || next == nil {
		return nil, nil, -1, nil
	}
	return g, next, next.OriginSlot, g.Node(next.OriginID)
}

// hop advances one step upstream from parent, reached through via in g.
// A nil link with a nil error means the chain ends at parent.
func hop(g *graph.Graph, parent *graph.Node, via *graph.Link) (*graph.Graph, *graph.Link, error) {
	switch parent.Role {
	case graph.RoleSubgraph:
		inner := parent.Subgraph
		if inner == nil {
			return nil, nil, fmt.Errorf("subgraph %s has no inner graph", describe(parent))
		}
		if via.OriginSlot < 0 || via.OriginSlot >= len(parent.Outputs) {
			return nil, nil, fmt.Errorf("subgraph %s has no output slot %d", describe(parent), via.OriginSlot)
		}
		name := parent.Outputs[via.OriginSlot].Name
		b := inner.OutputBoundary(name)
		if b == nil {
			return nil, nil, fmt.Errorf("subgraph %s has no graph_output node for %q", describe(parent), name)
		}
		return inner, b.InputLink(0), nil

	case graph.RoleGraphInput:
		owner := g.Owner()
		if owner == nil || g.Parent() == nil {
			return nil, nil, fmt.Errorf("graph_input %s is not inside a subgraph", describe(parent))
		}
		name := parent.Port
		if name == "" && via.OriginSlot >= 0 && via.OriginSlot < len(parent.Outputs) {
			name = parent.Outputs[via.OriginSlot].Name
		}
		idx := owner.InputIndex(name)
		if idx < 0 {
			return nil, nil, fmt.Errorf("subgraph %s has no input %q", describe(owner), name)
		}
		return g.Parent(), owner.InputLink(idx), nil
	}

	if parent.Upstream != nil {
		return g, parent.Upstream(parent, via), nil
	}
	switch len(parent.Inputs) {
	case 0:
		return g, nil, nil
	case 1:
		return g, parent.InputLink(0), nil
	}
	return nil, nil, fmt.Errorf("cannot follow %s upstream: %d inputs and no upstream accessor", describe(parent), len(parent.Inputs))
}
