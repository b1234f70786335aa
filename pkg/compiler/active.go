package compiler

import "github.com/ravi-parthasarathy/comfyflow/pkg/graph"

// IsBackend reports whether n is executed by the backend.
func IsBackend(n *graph.Node) bool {
	return n != nil && n.Role == graph.RoleBackend
}

// IsActive reports whether n takes part in a serialization filtered by tag.
//
// A node is active when its mode is "always" and, for a non-empty tag, it
// carries the tag directly or through an enclosing subgraph. Reroutes and
// boundary nodes ignore tags. Every enclosing subgraph must itself be active.
func IsActive(n *graph.Node, tag string) bool {
	if n == nil || !modeActive(n) {
		return false
	}
	if tag != "" && !tagExempt(n) && !tagged(n, tag) {
		return false
	}
	for _, a := range n.Ancestors() {
		if !modeActive(a) {
			return false
		}
		if tag != "" && !tagged(a, tag) {
			return false
		}
	}
	return true
}

func modeActive(n *graph.Node) bool {
	return n.Mode == "" || n.Mode == graph.ModeAlways
}

func tagExempt(n *graph.Node) bool {
	return n.Role == graph.RoleReroute || n.Role.IsBoundary()
}

// tagged reports whether n or one of its enclosing subgraphs carries tag.
func tagged(n *graph.Node, tag string) bool {
	if n.HasTag(tag) {
		return true
	}
	for _, a := range n.Ancestors() {
		if a.HasTag(tag) {
			return true
		}
	}
	return false
}
