package graph

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
)

// ParseDOT parses a Graphviz DOT description of a flat workflow.
//
// Node attributes: class, role, mode, title, port, id (numeric, otherwise
// assigned in declaration order), tags/inputs/outputs (comma separated,
// slots may be written "name:TYPE") and in_<name>=<literal> for input
// defaults. Edges use DOT ports to name slots: `ckpt:CLIP -> enc:clip`. An
// edge without ports connects output 0 to input 0.
func ParseDOT(src string) (*Workflow, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("dot parse error: %w", err)
	}

	// The permissive collector accepts any attribute name, unlike
	// gographviz.Graph which validates against the Graphviz attribute set.
	collector := newDOTCollector()
	if err := gographviz.Analyse(graphAst, collector); err != nil {
		return nil, fmt.Errorf("dot analyse error: %w", err)
	}

	w := &Workflow{Name: collector.name, Nodes: []WorkflowNode{}, Links: []WorkflowLink{}}
	index := make(map[string]int, len(collector.order))
	used := make(map[NodeID]bool)
	next := NodeID(1)

	for _, name := range collector.order {
		attrs := collector.nodes[name]
		wn := WorkflowNode{
			Class: attrs["class"],
			Role:  Role(attrs["role"]),
			Mode:  Mode(attrs["mode"]),
			Title: attrs["title"],
			Port:  attrs["port"],
			Tags:  splitList(attrs["tags"]),
		}
		if wn.Title == "" {
			wn.Title = name
		}
		if raw, ok := attrs["id"]; ok {
			id, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("node %q: id must be an integer, got %q", name, raw)
			}
			wn.ID = NodeID(id)
		} else {
			for used[next] {
				next++
			}
			wn.ID = next
		}
		if used[wn.ID] {
			return nil, fmt.Errorf("node %q: duplicate id %d", name, wn.ID)
		}
		used[wn.ID] = true

		for _, slot := range splitList(attrs["inputs"]) {
			slotName, slotType := splitSlot(slot)
			wn.Inputs = append(wn.Inputs, WorkflowInput{Name: slotName, Type: slotType})
		}
		for _, slot := range splitList(attrs["outputs"]) {
			slotName, slotType := splitSlot(slot)
			wn.Outputs = append(wn.Outputs, WorkflowOutput{Name: slotName, Type: slotType})
		}
		for _, k := range sortedKeys(attrs) {
			inName, ok := strings.CutPrefix(k, "in_")
			if !ok {
				continue
			}
			i := inputIndex(wn.Inputs, inName)
			if i < 0 {
				wn.Inputs = append(wn.Inputs, WorkflowInput{Name: inName})
				i = len(wn.Inputs) - 1
			}
			wn.Inputs[i].Value = parseLiteral(attrs[k])
		}

		index[name] = len(w.Nodes)
		w.Nodes = append(w.Nodes, wn)
	}

	for i, e := range collector.edges {
		src, dst := &w.Nodes[index[e.from]], &w.Nodes[index[e.to]]
		originSlot, err := outputSlot(src, e.fromPort)
		if err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.from, e.to, err)
		}
		targetSlot, err := inputSlot(dst, e.toPort)
		if err != nil {
			return nil, fmt.Errorf("edge %s -> %s: %w", e.from, e.to, err)
		}
		w.Links = append(w.Links, WorkflowLink{
			ID:         LinkID(i + 1),
			Origin:     src.ID,
			OriginSlot: originSlot,
			Target:     dst.ID,
			TargetSlot: targetSlot,
		})
	}
	return w, nil
}

// ─── permissive DOT collector ─────────────────────────────────────────────────

type rawEdge struct {
	from, fromPort string
	to, toPort     string
}

// dotCollector implements gographviz.Interface without attribute validation.
type dotCollector struct {
	name  string
	nodes map[string]map[string]string
	order []string
	edges []rawEdge
}

func newDOTCollector() *dotCollector {
	return &dotCollector{nodes: make(map[string]map[string]string)}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(_ string, name string, attrs map[string]string) error {
	attrsOf := c.touch(unquote(name))
	for k, v := range attrs {
		attrsOf[k] = unquote(v)
	}
	return nil
}

// touch registers a node on first sight, keeping declaration order.
func (c *dotCollector) touch(id string) map[string]string {
	if _, ok := c.nodes[id]; !ok {
		c.nodes[id] = make(map[string]string)
		c.order = append(c.order, id)
	}
	return c.nodes[id]
}

func (c *dotCollector) AddEdge(src, dst string, directed bool, attrs map[string]string) error {
	return c.AddPortEdge(src, "", dst, "", directed, attrs)
}

func (c *dotCollector) AddPortEdge(src, srcPort, dst, dstPort string, _ bool, _ map[string]string) error {
	c.touch(unquote(src))
	c.touch(unquote(dst))
	c.edges = append(c.edges, rawEdge{
		from:     unquote(src),
		fromPort: portName(srcPort),
		to:       unquote(dst),
		toPort:   portName(dstPort),
	})
	return nil
}

func (c *dotCollector) AddAttr(_ string, _, _ string) error { return nil }

func (c *dotCollector) AddSubGraph(_, _ string, _ map[string]string) error { return nil }

// ─── helpers ─────────────────────────────────────────────────────────────────

// unquote strips surrounding double-quotes from a DOT attribute value.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// portName turns a gographviz port (":name" or ":name:compass") into name.
func portName(p string) string {
	p = strings.TrimPrefix(p, ":")
	if i := strings.Index(p, ":"); i >= 0 {
		p = p[:i]
	}
	return unquote(p)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitSlot(s string) (name, typ string) {
	name, typ, _ = strings.Cut(s, ":")
	return strings.TrimSpace(name), strings.TrimSpace(typ)
}

func inputIndex(in []WorkflowInput, name string) int {
	for i := range in {
		if in[i].Name == name {
			return i
		}
	}
	return -1
}

func outputSlot(n *WorkflowNode, port string) (int, error) {
	if port == "" {
		return 0, nil
	}
	if i, err := strconv.Atoi(port); err == nil {
		return i, nil
	}
	for i := range n.Outputs {
		if n.Outputs[i].Name == port {
			return i, nil
		}
	}
	return 0, fmt.Errorf("node %d has no output %q", n.ID, port)
}

func inputSlot(n *WorkflowNode, port string) (int, error) {
	if port == "" {
		return 0, nil
	}
	if i, err := strconv.Atoi(port); err == nil {
		return i, nil
	}
	if i := inputIndex(n.Inputs, port); i >= 0 {
		return i, nil
	}
	// Undeclared inputs are created on first use.
	n.Inputs = append(n.Inputs, WorkflowInput{Name: port})
	return len(n.Inputs) - 1, nil
}

// parseLiteral interprets a DOT attribute value as an int, float, bool or
// string, in that order.
func parseLiteral(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
