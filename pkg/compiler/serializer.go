package compiler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// NodeRef is a link-shaped prompt input: the execution id of the origin node
// and its output slot. It marshals as a two-element JSON array.
type NodeRef struct {
	ID   string
	Slot int
}

func (r NodeRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.ID, r.Slot})
}

func (r *NodeRef) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("node ref: want 2 elements, got %d", len(raw))
	}
	// Origin ids appear both as strings and as bare numbers.
	var id any
	if err := json.Unmarshal(raw[0], &id); err != nil {
		return fmt.Errorf("node ref id: %w", err)
	}
	switch v := id.(type) {
	case string:
		r.ID = v
	case float64:
		r.ID = strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Errorf("node ref id: unexpected %T", id)
	}
	if err := json.Unmarshal(raw[1], &r.Slot); err != nil {
		return fmt.Errorf("node ref slot: %w", err)
	}
	return nil
}

// PromptMeta carries display metadata the backend ignores.
type PromptMeta struct {
	Title string `json:"title"`
}

// PromptNode is one backend node of a prompt. Input values are literals or
// NodeRef values.
type PromptNode struct {
	Inputs    map[string]any `json:"inputs"`
	ClassType string         `json:"class_type"`
	Meta      *PromptMeta    `json:"_meta,omitempty"`
}

// UnmarshalJSON keeps literal numbers as json.Number and turns every
// two-element [id, slot] input into a NodeRef, the same rule the backend
// applies when it reads a prompt.
func (n *PromptNode) UnmarshalJSON(data []byte) error {
	type plain PromptNode
	var p plain
	if err := graph.DecodeJSON(data, &p); err != nil {
		return err
	}
	for name, v := range p.Inputs {
		if ref, ok := asNodeRef(v); ok {
			p.Inputs[name] = ref
		}
	}
	*n = PromptNode(p)
	return nil
}

func asNodeRef(v any) (NodeRef, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return NodeRef{}, false
	}
	num, ok := pair[1].(json.Number)
	if !ok {
		return NodeRef{}, false
	}
	slot, err := num.Int64()
	if err != nil {
		return NodeRef{}, false
	}
	switch id := pair[0].(type) {
	case string:
		return NodeRef{ID: id, Slot: int(slot)}, true
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return NodeRef{}, false
		}
		return NodeRef{ID: id.String(), Slot: int(slot)}, true
	}
	return NodeRef{}, false
}

// Prompt maps execution ids to backend nodes.
type Prompt map[string]PromptNode

// Refs returns the link-shaped inputs of node id keyed by input name.
func (p Prompt) Refs(id string) map[string]NodeRef {
	out := make(map[string]NodeRef)
	for name, v := range p[id].Inputs {
		if ref, ok := v.(NodeRef); ok {
			out[name] = ref
		}
	}
	return out
}

// Result is the output of a serialization.
type Result struct {
	Workflow    *graph.Workflow `json:"workflow"`
	Output      Prompt          `json:"output"`
	Diagnostics []Diagnostic    `json:"-"`
}

// Compiler serializes graphs into backend prompts.
type Compiler struct {
	Logger *slog.Logger
}

// New returns a Compiler logging to logger, or to slog.Default() when nil.
func New(logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{Logger: logger}
}

// Serialize compiles g with the default compiler.
func Serialize(g *graph.Graph, tag string) *Result {
	return New(nil).Serialize(g, tag)
}

// Serialize evaluates frontend nodes, snapshots g and emits one prompt entry
// per active backend node. tag, when non-empty, restricts the prompt to nodes
// carrying it directly or through an enclosing subgraph. Structural problems
// never abort: the affected input is omitted and a Diagnostic recorded.
func (c *Compiler) Serialize(g *graph.Graph, tag string) *Result {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rep := &reporter{logger: logger}

	for _, d := range Evaluate(g) {
		rep.report(d)
	}

	res := &Result{
		Workflow: g.Snapshot(),
		Output:   make(Prompt),
	}

	order, cyc := ExecutionOrder(g)
	for _, d := range cyc {
		rep.report(d)
	}

	for _, n := range order {
		if !IsBackend(n) || !IsActive(n, tag) {
			continue
		}
		inputs := make(map[string]any)
		serializeInputValues(n, tag, inputs)
		serializeBackendLinks(n, tag, inputs, rep)

		pn := PromptNode{Inputs: inputs, ClassType: n.Class}
		if n.Title != "" {
			pn.Meta = &PromptMeta{Title: n.Title}
		}
		res.Output[n.ExecutionID()] = pn
	}

	prune(res.Output, logger)

	res.Diagnostics = rep.diags
	logger.Debug("serialized prompt", "graph", g.Name, "tag", tag, "nodes", len(res.Output), "diagnostics", len(res.Diagnostics))
	return res
}

// serializeInputValues fills literal inputs of backend node n: defaults of
// unconnected slots and computed data of links fed by active non-backend
// producers. Inputs fed by an inactive producer are left out entirely.
func serializeInputValues(n *graph.Node, tag string, inputs map[string]any) {
	g := n.Graph()
	for i, in := range n.Inputs {
		if in.Link == nil {
			if in.HasDefault {
				inputs[in.Name] = in.Default
			}
			continue
		}
		l := n.InputLink(i)
		if l == nil {
			continue
		}
		origin := g.Node(l.OriginID)
		if origin == nil || !IsActive(origin, tag) {
			delete(inputs, in.Name)
			continue
		}
		if !IsBackend(origin) && l.Data != nil {
			inputs[in.Name] = l.Data
		}
	}
}

// serializeBackendLinks resolves every connected input of n to the nearest
// active backend node upstream. A resolved reference overwrites any literal
// of the same name. Traversal diagnostics are only kept for inputs that end
// up omitted.
func serializeBackendLinks(n *graph.Node, tag string, inputs map[string]any, rep *reporter) {
	for i, in := range n.Inputs {
		if in.Link == nil {
			continue
		}
		var pending []Diagnostic
		up := Locate(n, i, LocateOptions{Tag: tag, Report: func(d Diagnostic) { pending = append(pending, d) }})
		if up.Found() {
			inputs[in.Name] = NodeRef{ID: up.Node.ExecutionID(), Slot: up.Slot}
			continue
		}
		if _, ok := inputs[in.Name]; ok {
			continue
		}
		for _, d := range pending {
			rep.report(d)
		}
		rep.report(Diagnostic{
			NodeID:  n.ExecutionID(),
			Input:   in.Name,
			Message: fmt.Sprintf("no upstream backend node found (last visited %s)", describe(up.Last)),
		})
	}
}

// prune drops every NodeRef input whose origin is not part of the prompt.
func prune(p Prompt, logger *slog.Logger) {
	for id, node := range p {
		for name, v := range node.Inputs {
			ref, ok := v.(NodeRef)
			if !ok {
				continue
			}
			if _, ok := p[ref.ID]; !ok {
				logger.Debug("pruning dangling input", "node", id, "input", name, "origin", ref.ID)
				delete(node.Inputs, name)
			}
		}
	}
}
