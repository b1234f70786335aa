package graph

import (
	"slices"
	"strconv"
)

// NodeID identifies a node within the graph that owns it.
type NodeID int

// LinkID identifies a link within the graph that owns it.
type LinkID int

// Role identifies the structural kind of a node.
type Role string

const (
	RoleBackend     Role = "backend"
	RoleFrontend    Role = "frontend"
	RoleReroute     Role = "reroute"
	RoleGraphInput  Role = "graph_input"
	RoleGraphOutput Role = "graph_output"
	RoleSubgraph    Role = "subgraph"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBackend, RoleFrontend, RoleReroute, RoleGraphInput, RoleGraphOutput, RoleSubgraph:
		return true
	}
	return false
}

// IsBoundary reports whether r marks a subgraph interface placeholder.
func (r Role) IsBoundary() bool {
	return r == RoleGraphInput || r == RoleGraphOutput
}

// Mode controls whether a node takes part in serialization.
type Mode string

const (
	ModeAlways   Mode = "always"
	ModeMuted    Mode = "muted"
	ModeBypassed Mode = "bypassed"
)

// ComputeFunc produces a frontend node's output values from its input values.
// The returned slice is indexed by output slot; missing entries leave the
// corresponding links untouched.
type ComputeFunc func(n *Node, inputs []any) ([]any, error)

// UpstreamFunc lets a node define its own backward traversal. Given the link
// through which the node was reached, it returns the link to follow next, or
// nil when traversal ends at this node.
type UpstreamFunc func(n *Node, via *Link) *Link

// InputSlot is one typed input of a node.
type InputSlot struct {
	Name string
	Type string
	// Link is the attached link, or nil when the slot is unconnected.
	Link *LinkID
	// Default is the configured literal used when the slot is unconnected.
	Default    any
	HasDefault bool
}

// OutputSlot is one typed output of a node.
type OutputSlot struct {
	Name  string
	Type  string
	Links []LinkID
	// Value is a constant emitted by frontend nodes without a Compute hook.
	Value any
}

// Node is a single vertex of a graph.
type Node struct {
	ID    NodeID
	Class string
	Role  Role
	Mode  Mode
	Tags  []string
	Title string
	// Port is the interface name of a boundary node.
	Port string

	Inputs  []InputSlot
	Outputs []OutputSlot

	// Subgraph is the inner graph of a RoleSubgraph node.
	Subgraph *Graph

	Compute  ComputeFunc
	Upstream UpstreamFunc

	graph *Graph
}

// Graph returns the graph that owns n.
func (n *Node) Graph() *Graph { return n.graph }

// HasTag reports whether the node carries tag directly.
func (n *Node) HasTag(tag string) bool {
	return slices.Contains(n.Tags, tag)
}

// InputIndex returns the index of the named input slot, or -1.
func (n *Node) InputIndex(name string) int {
	for i, in := range n.Inputs {
		if in.Name == name {
			return i
		}
	}
	return -1
}

// OutputIndex returns the index of the named output slot, or -1.
func (n *Node) OutputIndex(name string) int {
	for i, out := range n.Outputs {
		if out.Name == name {
			return i
		}
	}
	return -1
}

// InputLink returns the link attached to input slot i, or nil.
func (n *Node) InputLink(i int) *Link {
	if n.graph == nil || i < 0 || i >= len(n.Inputs) || n.Inputs[i].Link == nil {
		return nil
	}
	return n.graph.Link(*n.Inputs[i].Link)
}

// InputValue returns the current value of input slot i: the data of the
// attached link when connected, the slot default otherwise.
func (n *Node) InputValue(i int) (any, bool) {
	if i < 0 || i >= len(n.Inputs) {
		return nil, false
	}
	if n.Inputs[i].Link != nil {
		l := n.InputLink(i)
		if l == nil {
			return nil, false
		}
		return l.Data, true
	}
	if n.Inputs[i].HasDefault {
		return n.Inputs[i].Default, true
	}
	return nil, false
}

// ExecutionID is the id under which the node appears in a prompt: the node id
// prefixed with the ids of its enclosing subgraph nodes.
func (n *Node) ExecutionID() string {
	id := strconv.Itoa(int(n.ID))
	if n.graph == nil || n.graph.owner == nil {
		return id
	}
	return n.graph.owner.ExecutionID() + ":" + id
}

// Ancestors returns the enclosing subgraph nodes, innermost first.
func (n *Node) Ancestors() []*Node {
	var out []*Node
	for g := n.graph; g != nil && g.owner != nil; g = g.parent {
		out = append(out, g.owner)
	}
	return out
}

// Link is a directed connection from an output slot to an input slot.
type Link struct {
	ID         LinkID
	OriginID   NodeID
	OriginSlot int
	TargetID   NodeID
	TargetSlot int
	Type       string
	// Data is the last value computed for this link by frontend evaluation.
	Data any
}

// Graph is an ordered collection of nodes and the links between them.
type Graph struct {
	Name string

	nodes []*Node
	byID  map[NodeID]*Node
	links map[LinkID]*Link

	parent *Graph
	owner  *Node
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		Name:  name,
		byID:  make(map[NodeID]*Node),
		links: make(map[LinkID]*Link),
	}
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id NodeID) *Node { return g.byID[id] }

// Link returns the link with the given id, or nil.
func (g *Graph) Link(id LinkID) *Link { return g.links[id] }

// Links returns all links ordered by id.
func (g *Graph) Links() []*Link {
	out := make([]*Link, 0, len(g.links))
	for _, l := range g.links {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b *Link) int { return int(a.ID) - int(b.ID) })
	return out
}

// Parent returns the graph containing this graph's owner node.
func (g *Graph) Parent() *Graph { return g.parent }

// Owner returns the subgraph node that embeds this graph, or nil for a root.
func (g *Graph) Owner() *Node { return g.owner }

// Add appends n to the graph. A node carrying a Subgraph is attached as the
// owner of that inner graph.
func (g *Graph) Add(n *Node) *Node {
	n.graph = g
	if n.Mode == "" {
		n.Mode = ModeAlways
	}
	g.nodes = append(g.nodes, n)
	g.byID[n.ID] = n
	if n.Subgraph != nil {
		n.Subgraph.parent = g
		n.Subgraph.owner = n
	}
	return n
}

// Connect links output originSlot of origin to input targetSlot of target.
// Any link previously attached to the target slot is replaced.
func (g *Graph) Connect(id LinkID, origin NodeID, originSlot int, target NodeID, targetSlot int) *Link {
	l := &Link{
		ID:         id,
		OriginID:   origin,
		OriginSlot: originSlot,
		TargetID:   target,
		TargetSlot: targetSlot,
	}
	if o := g.byID[origin]; o != nil && originSlot >= 0 && originSlot < len(o.Outputs) {
		l.Type = o.Outputs[originSlot].Type
		o.Outputs[originSlot].Links = append(o.Outputs[originSlot].Links, id)
	}
	if t := g.byID[target]; t != nil && targetSlot >= 0 && targetSlot < len(t.Inputs) {
		if prev := t.Inputs[targetSlot].Link; prev != nil {
			g.disconnect(*prev)
		}
		linkID := id
		t.Inputs[targetSlot].Link = &linkID
	}
	g.links[id] = l
	return l
}

func (g *Graph) disconnect(id LinkID) {
	l, ok := g.links[id]
	if !ok {
		return
	}
	delete(g.links, id)
	if o := g.byID[l.OriginID]; o != nil && l.OriginSlot >= 0 && l.OriginSlot < len(o.Outputs) {
		o.Outputs[l.OriginSlot].Links = slices.DeleteFunc(o.Outputs[l.OriginSlot].Links, func(x LinkID) bool { return x == id })
	}
}

// InputBoundary returns the graph_input node exposing the named port.
func (g *Graph) InputBoundary(port string) *Node {
	return g.boundary(RoleGraphInput, port)
}

// OutputBoundary returns the graph_output node exposing the named port.
func (g *Graph) OutputBoundary(port string) *Node {
	return g.boundary(RoleGraphOutput, port)
}

func (g *Graph) boundary(role Role, port string) *Node {
	for _, n := range g.nodes {
		if n.Role == role && n.Port == port {
			return n
		}
	}
	return nil
}

// OutgoingLinks returns all links leaving nodeID, ordered by id.
func (g *Graph) OutgoingLinks(nodeID NodeID) []*Link {
	var out []*Link
	for _, l := range g.Links() {
		if l.OriginID == nodeID {
			out = append(out, l)
		}
	}
	return out
}

// IncomingLinks returns all links arriving at nodeID, ordered by id.
func (g *Graph) IncomingLinks(nodeID NodeID) []*Link {
	var out []*Link
	for _, l := range g.Links() {
		if l.TargetID == nodeID {
			out = append(out, l)
		}
	}
	return out
}

// Walk calls fn for every node of g and its nested subgraphs, depth first.
func (g *Graph) Walk(fn func(n *Node)) {
	for _, n := range g.nodes {
		fn(n)
		if n.Subgraph != nil {
			n.Subgraph.Walk(fn)
		}
	}
}
