package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is the serializable form of a graph. It is what workflow files
// contain and what Graph.Snapshot returns.
type Workflow struct {
	Name  string         `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []WorkflowNode `json:"nodes" yaml:"nodes"`
	Links []WorkflowLink `json:"links" yaml:"links"`
}

// WorkflowNode is the serializable form of a Node.
type WorkflowNode struct {
	ID       NodeID           `json:"id" yaml:"id"`
	Class    string           `json:"class,omitempty" yaml:"class,omitempty"`
	Role     Role             `json:"role,omitempty" yaml:"role,omitempty"`
	Mode     Mode             `json:"mode,omitempty" yaml:"mode,omitempty"`
	Tags     []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Title    string           `json:"title,omitempty" yaml:"title,omitempty"`
	Port     string           `json:"port,omitempty" yaml:"port,omitempty"`
	Inputs   []WorkflowInput  `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  []WorkflowOutput `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Subgraph *Workflow        `json:"subgraph,omitempty" yaml:"subgraph,omitempty"`
}

// WorkflowInput is the serializable form of an InputSlot. A non-nil Value is
// the slot's default literal.
type WorkflowInput struct {
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// WorkflowOutput is the serializable form of an OutputSlot.
type WorkflowOutput struct {
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// WorkflowLink is the serializable form of a Link.
type WorkflowLink struct {
	ID         LinkID `json:"id" yaml:"id"`
	Origin     NodeID `json:"origin" yaml:"origin"`
	OriginSlot int    `json:"origin_slot" yaml:"origin_slot"`
	Target     NodeID `json:"target" yaml:"target"`
	TargetSlot int    `json:"target_slot" yaml:"target_slot"`
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Binder attaches frontend capabilities (Compute, Upstream) to nodes after a
// graph has been built.
type Binder interface {
	Bind(n *Node) error
}

// Build constructs a Graph from a workflow document. Link endpoints are not
// checked here; use Validate for structural linting.
func Build(w *Workflow, b Binder) (*Graph, error) {
	g, err := build(w)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return g, nil
	}
	var bindErr error
	g.Walk(func(n *Node) {
		if bindErr != nil {
			return
		}
		if err := b.Bind(n); err != nil {
			bindErr = fmt.Errorf("node %s: %w", n.ExecutionID(), err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return g, nil
}

func build(w *Workflow) (*Graph, error) {
	g := New(w.Name)
	for _, wn := range w.Nodes {
		if g.Node(wn.ID) != nil {
			return nil, fmt.Errorf("duplicate node id %d", wn.ID)
		}
		role := wn.Role
		if role == "" {
			role = RoleBackend
		}
		if !role.Valid() {
			return nil, fmt.Errorf("node %d: unknown role %q", wn.ID, wn.Role)
		}
		mode := wn.Mode
		switch mode {
		case "":
			mode = ModeAlways
		case ModeAlways, ModeMuted, ModeBypassed:
		default:
			return nil, fmt.Errorf("node %d: unknown mode %q", wn.ID, wn.Mode)
		}
		n := &Node{
			ID:    wn.ID,
			Class: wn.Class,
			Role:  role,
			Mode:  mode,
			Tags:  append([]string(nil), wn.Tags...),
			Title: wn.Title,
			Port:  wn.Port,
		}
		for _, in := range wn.Inputs {
			n.Inputs = append(n.Inputs, InputSlot{
				Name:       in.Name,
				Type:       in.Type,
				Default:    in.Value,
				HasDefault: in.Value != nil,
			})
		}
		for _, out := range wn.Outputs {
			n.Outputs = append(n.Outputs, OutputSlot{Name: out.Name, Type: out.Type, Value: out.Value})
		}
		if wn.Subgraph != nil {
			if role != RoleSubgraph {
				return nil, fmt.Errorf("node %d: only subgraph nodes may embed a graph", wn.ID)
			}
			inner, err := build(wn.Subgraph)
			if err != nil {
				return nil, fmt.Errorf("subgraph %d: %w", wn.ID, err)
			}
			n.Subgraph = inner
		}
		g.Add(n)
	}
	for _, wl := range w.Links {
		if g.Link(wl.ID) != nil {
			return nil, fmt.Errorf("duplicate link id %d", wl.ID)
		}
		l := g.Connect(wl.ID, wl.Origin, wl.OriginSlot, wl.Target, wl.TargetSlot)
		if wl.Type != "" {
			l.Type = wl.Type
		}
	}
	return g, nil
}

// Snapshot returns the serializable form of g. The snapshot shares no
// mutable state with the graph.
func (g *Graph) Snapshot() *Workflow {
	w := &Workflow{Name: g.Name, Nodes: []WorkflowNode{}, Links: []WorkflowLink{}}
	for _, n := range g.nodes {
		wn := WorkflowNode{
			ID:    n.ID,
			Class: n.Class,
			Role:  n.Role,
			Mode:  n.Mode,
			Tags:  append([]string(nil), n.Tags...),
			Title: n.Title,
			Port:  n.Port,
		}
		for _, in := range n.Inputs {
			wi := WorkflowInput{Name: in.Name, Type: in.Type}
			if in.HasDefault {
				wi.Value = in.Default
			}
			wn.Inputs = append(wn.Inputs, wi)
		}
		for _, out := range n.Outputs {
			wn.Outputs = append(wn.Outputs, WorkflowOutput{Name: out.Name, Type: out.Type, Value: out.Value})
		}
		if n.Subgraph != nil {
			wn.Subgraph = n.Subgraph.Snapshot()
		}
		w.Nodes = append(w.Nodes, wn)
	}
	for _, l := range g.Links() {
		w.Links = append(w.Links, WorkflowLink{
			ID:         l.ID,
			Origin:     l.OriginID,
			OriginSlot: l.OriginSlot,
			Target:     l.TargetID,
			TargetSlot: l.TargetSlot,
			Type:       l.Type,
		})
	}
	return w
}

// LoadJSON parses a JSON workflow document and builds its graph.
func LoadJSON(data []byte, b Binder) (*Graph, error) {
	var w Workflow
	if err := DecodeJSON(data, &w); err != nil {
		return nil, fmt.Errorf("workflow json: %w", err)
	}
	return Build(&w, b)
}

// DecodeJSON is json.Unmarshal with numbers kept as json.Number, so 64-bit
// literals such as seeds are re-encoded exactly as written.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after top-level value")
	}
	return nil
}

// LoadYAML parses a YAML workflow document and builds its graph.
func LoadYAML(data []byte, b Binder) (*Graph, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("workflow yaml: %w", err)
	}
	return Build(&w, b)
}

// LoadFile reads a workflow file, choosing the format from its extension:
// .json, .yaml/.yml or .dot/.gv.
func LoadFile(path string, b Binder) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(data, b)
	case ".yaml", ".yml":
		return LoadYAML(data, b)
	case ".dot", ".gv":
		w, err := ParseDOT(string(data))
		if err != nil {
			return nil, err
		}
		return Build(w, b)
	default:
		return nil, fmt.Errorf("unsupported workflow format %q: use .json, .yaml or .dot", filepath.Ext(path))
	}
}
