package graph_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// ─── Model ────────────────────────────────────────────────────────────────────

func TestConnect_ReplacesTargetLink(t *testing.T) {
	g := graph.New("g")
	g.Add(&graph.Node{ID: 1, Class: "A", Outputs: []graph.OutputSlot{{Name: "out", Type: "MODEL"}}})
	g.Add(&graph.Node{ID: 2, Class: "B", Outputs: []graph.OutputSlot{{Name: "out", Type: "MODEL"}}})
	g.Add(&graph.Node{ID: 3, Class: "C", Inputs: []graph.InputSlot{{Name: "model"}}})

	l := g.Connect(1, 1, 0, 3, 0)
	assert.Equal(t, "MODEL", l.Type)
	assert.Equal(t, graph.ModeAlways, g.Node(1).Mode)

	g.Connect(2, 2, 0, 3, 0)
	assert.Nil(t, g.Link(1), "previous link must be removed")
	assert.Empty(t, g.Node(1).Outputs[0].Links)
	assert.Equal(t, []graph.LinkID{2}, g.Node(2).Outputs[0].Links)
	assert.Equal(t, graph.LinkID(2), g.Node(3).InputLink(0).ID)
	assert.Len(t, g.IncomingLinks(3), 1)
	assert.Len(t, g.OutgoingLinks(1), 0)
}

func TestInputValue(t *testing.T) {
	g := graph.New("g")
	g.Add(&graph.Node{ID: 1, Outputs: []graph.OutputSlot{{Name: "out"}}, Role: graph.RoleFrontend})
	n := g.Add(&graph.Node{ID: 2, Class: "K", Inputs: []graph.InputSlot{
		{Name: "a"},
		{Name: "b", Default: 4, HasDefault: true},
		{Name: "c"},
	}})
	g.Connect(1, 1, 0, 2, 0).Data = "hi"

	v, ok := n.InputValue(0)
	assert.True(t, ok)
	assert.Equal(t, "hi", v)
	v, ok = n.InputValue(1)
	assert.True(t, ok)
	assert.Equal(t, 4, v)
	_, ok = n.InputValue(2)
	assert.False(t, ok)
	_, ok = n.InputValue(9)
	assert.False(t, ok)
}

func TestExecutionIDAndAncestors(t *testing.T) {
	inner2 := graph.New("inner2")
	leaf := inner2.Add(&graph.Node{ID: 4, Class: "Leaf"})
	inner1 := graph.New("inner1")
	mid := inner1.Add(&graph.Node{ID: 3, Role: graph.RoleSubgraph, Subgraph: inner2})
	root := graph.New("root")
	top := root.Add(&graph.Node{ID: 7, Role: graph.RoleSubgraph, Subgraph: inner1})

	assert.Equal(t, "7:3:4", leaf.ExecutionID())
	assert.Equal(t, "7", top.ExecutionID())
	assert.Equal(t, []*graph.Node{mid, top}, leaf.Ancestors())
	assert.Same(t, root, inner1.Parent())
	assert.Same(t, top, inner1.Owner())

	var ids []string
	root.Walk(func(n *graph.Node) { ids = append(ids, n.ExecutionID()) })
	assert.Equal(t, []string{"7", "7:3", "7:3:4"}, ids)
}

// ─── Build / Snapshot ─────────────────────────────────────────────────────────

const nestedJSON = `{
  "name": "nested",
  "nodes": [
    {"id": 1, "class": "CheckpointLoaderSimple", "outputs": [{"name": "MODEL", "type": "MODEL"}]},
    {"id": 2, "role": "subgraph", "title": "Refiner", "tags": ["hires"],
     "inputs": [{"name": "model", "type": "MODEL"}],
     "outputs": [{"name": "model", "type": "MODEL"}],
     "subgraph": {
       "nodes": [
         {"id": 1, "role": "graph_input", "port": "model", "outputs": [{"name": "model"}]},
         {"id": 2, "class": "LoraLoader", "inputs": [{"name": "model"}, {"name": "strength", "value": 0.8}], "outputs": [{"name": "MODEL"}]},
         {"id": 3, "role": "graph_output", "port": "model", "inputs": [{"name": "model"}]}
       ],
       "links": [
         {"id": 1, "origin": 1, "origin_slot": 0, "target": 2, "target_slot": 0},
         {"id": 2, "origin": 2, "origin_slot": 0, "target": 3, "target_slot": 0}
       ]
     }},
    {"id": 3, "class": "KSampler", "mode": "bypassed", "inputs": [{"name": "model"}]}
  ],
  "links": [
    {"id": 1, "origin": 1, "origin_slot": 0, "target": 2, "target_slot": 0},
    {"id": 2, "origin": 2, "origin_slot": 0, "target": 3, "target_slot": 0}
  ]
}`

func TestLoadJSON_Nested(t *testing.T) {
	g, err := graph.LoadJSON([]byte(nestedJSON), nil)
	require.NoError(t, err)
	assert.Empty(t, graph.Validate(g))

	sub := g.Node(2)
	require.NotNil(t, sub.Subgraph)
	assert.Equal(t, graph.RoleSubgraph, sub.Role)
	assert.Same(t, sub, sub.Subgraph.Owner())
	assert.Equal(t, "2:2", sub.Subgraph.Node(2).ExecutionID())
	assert.Equal(t, graph.ModeBypassed, g.Node(3).Mode)
	assert.Equal(t, "MODEL", g.Link(1).Type)

	strength := sub.Subgraph.Node(2).Inputs[1]
	assert.True(t, strength.HasDefault)
	assert.Equal(t, json.Number("0.8"), strength.Default)
	assert.NotNil(t, sub.Subgraph.InputBoundary("model"))
	assert.NotNil(t, sub.Subgraph.OutputBoundary("model"))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	g, err := graph.LoadJSON([]byte(nestedJSON), nil)
	require.NoError(t, err)

	snap := g.Snapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	g2, err := graph.LoadJSON(data, nil)
	require.NoError(t, err)
	if diff := cmp.Diff(snap, g2.Snapshot()); diff != "" {
		t.Errorf("snapshot changed after round trip (-first +second):\n%s", diff)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		w    graph.Workflow
		want string
	}{
		{"duplicate node", graph.Workflow{Nodes: []graph.WorkflowNode{{ID: 1, Class: "A"}, {ID: 1, Class: "B"}}}, "duplicate node id 1"},
		{"unknown role", graph.Workflow{Nodes: []graph.WorkflowNode{{ID: 1, Role: "widget"}}}, "unknown role"},
		{"unknown mode", graph.Workflow{Nodes: []graph.WorkflowNode{{ID: 1, Class: "A", Mode: "never"}}}, "unknown mode"},
		{"subgraph on backend", graph.Workflow{Nodes: []graph.WorkflowNode{{ID: 1, Class: "A", Subgraph: &graph.Workflow{}}}}, "only subgraph nodes"},
		{"duplicate link", graph.Workflow{
			Nodes: []graph.WorkflowNode{{ID: 1, Class: "A", Outputs: []graph.WorkflowOutput{{Name: "o"}}}, {ID: 2, Class: "B", Inputs: []graph.WorkflowInput{{Name: "a"}, {Name: "b"}}}},
			Links: []graph.WorkflowLink{{ID: 1, Origin: 1, Target: 2}, {ID: 1, Origin: 1, Target: 2, TargetSlot: 1}},
		}, "duplicate link id 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := graph.Build(&tt.w, nil)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

type failingBinder struct{}

func (failingBinder) Bind(n *graph.Node) error {
	if n.Class == "bad" {
		return assert.AnError
	}
	return nil
}

func TestBuild_BinderError(t *testing.T) {
	_, err := graph.Build(&graph.Workflow{Nodes: []graph.WorkflowNode{{ID: 4, Class: "bad", Role: graph.RoleFrontend}}}, failingBinder{})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "node 4")
}

func TestLoadYAML(t *testing.T) {
	src := `
name: tiny
nodes:
  - id: 1
    class: EmptyLatentImage
    inputs:
      - {name: width, value: 512}
    outputs: [{name: LATENT}]
  - id: 2
    class: SaveImage
    tags: [final]
    inputs: [{name: images}]
links:
  - {id: 1, origin: 1, origin_slot: 0, target: 2, target_slot: 0}
`
	g, err := graph.LoadYAML([]byte(src), nil)
	require.NoError(t, err)
	assert.Equal(t, "tiny", g.Name)
	assert.Equal(t, 512, g.Node(1).Inputs[0].Default)
	assert.True(t, g.Node(2).HasTag("final"))
	assert.Equal(t, graph.LinkID(1), g.Node(2).InputLink(0).ID)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "wf.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(nestedJSON), 0o644))
	g, err := graph.LoadFile(jsonPath, nil)
	require.NoError(t, err)
	assert.Equal(t, "nested", g.Name)

	dotPath := filepath.Join(dir, "wf.dot")
	require.NoError(t, os.WriteFile(dotPath, []byte(`digraph d { a [class=SaveImage] }`), 0o644))
	g, err = graph.LoadFile(dotPath, nil)
	require.NoError(t, err)
	assert.Len(t, g.Nodes(), 1)

	_, err = graph.LoadFile(filepath.Join(dir, "wf.txt"), nil)
	assert.Error(t, err)

	txtPath := filepath.Join(dir, "wf.toml")
	require.NoError(t, os.WriteFile(txtPath, []byte(`x = 1`), 0o644))
	_, err = graph.LoadFile(txtPath, nil)
	assert.ErrorContains(t, err, "unsupported workflow format")
}

// ─── DOT ──────────────────────────────────────────────────────────────────────

func TestParseDOT(t *testing.T) {
	src := `digraph txt2img {
		ckpt    [class=CheckpointLoaderSimple, outputs="MODEL:MODEL,CLIP:CLIP,VAE:VAE", in_ckpt_name="sd15.safetensors"]
		pos     [class=CLIPTextEncode, inputs="clip:CLIP", in_text="a red fox", tags="prompt"]
		sampler [class=KSampler, id=10, inputs="model,positive", in_steps=20, in_cfg=7.5, mode=bypassed]
		ckpt:CLIP -> pos:clip
		ckpt:MODEL -> sampler:model
		pos -> sampler:positive
	}`
	w, err := graph.ParseDOT(src)
	require.NoError(t, err)
	assert.Equal(t, "txt2img", w.Name)
	require.Len(t, w.Nodes, 3)

	ckpt, pos, sampler := w.Nodes[0], w.Nodes[1], w.Nodes[2]
	assert.Equal(t, graph.NodeID(1), ckpt.ID)
	assert.Equal(t, graph.NodeID(2), pos.ID)
	assert.Equal(t, graph.NodeID(10), sampler.ID)
	assert.Equal(t, "ckpt", ckpt.Title)
	assert.Equal(t, []graph.WorkflowOutput{{Name: "MODEL", Type: "MODEL"}, {Name: "CLIP", Type: "CLIP"}, {Name: "VAE", Type: "VAE"}}, ckpt.Outputs)
	assert.Equal(t, []graph.WorkflowInput{{Name: "ckpt_name", Value: "sd15.safetensors"}}, ckpt.Inputs)
	assert.Equal(t, []string{"prompt"}, pos.Tags)
	assert.Equal(t, graph.ModeBypassed, sampler.Mode)

	steps := sampler.Inputs[inputAt(sampler.Inputs, "steps")]
	assert.Equal(t, int64(20), steps.Value)
	cfg := sampler.Inputs[inputAt(sampler.Inputs, "cfg")]
	assert.Equal(t, 7.5, cfg.Value)

	assert.Equal(t, []graph.WorkflowLink{
		{ID: 1, Origin: 1, OriginSlot: 1, Target: 2, TargetSlot: 0},
		{ID: 2, Origin: 1, OriginSlot: 0, Target: 10, TargetSlot: 0},
		{ID: 3, Origin: 2, OriginSlot: 0, Target: 10, TargetSlot: 1},
	}, w.Links)

	g, err := graph.Build(w, nil)
	require.NoError(t, err)
	assert.Empty(t, graph.Validate(g))
}

func inputAt(in []graph.WorkflowInput, name string) int {
	for i := range in {
		if in[i].Name == name {
			return i
		}
	}
	return -1
}

func TestParseDOT_Errors(t *testing.T) {
	_, err := graph.ParseDOT(`digraph {`)
	assert.ErrorContains(t, err, "dot parse error")

	_, err = graph.ParseDOT(`digraph { a [id=x] }`)
	assert.ErrorContains(t, err, "id must be an integer")

	_, err = graph.ParseDOT(`digraph { a [id=1] b [id=1] }`)
	assert.ErrorContains(t, err, "duplicate id")

	_, err = graph.ParseDOT(`digraph { a [outputs="IMAGE"] b a:LATENT -> b }`)
	assert.ErrorContains(t, err, `no output "LATENT"`)
}

// ─── Validate ─────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	g := graph.New("bad")
	g.Add(&graph.Node{ID: 1, Role: graph.RoleBackend, Outputs: []graph.OutputSlot{{Name: "o"}}})
	g.Add(&graph.Node{ID: 2, Role: graph.RoleReroute})
	g.Add(&graph.Node{ID: 3, Role: graph.RoleGraphInput, Port: "x"})
	g.Add(&graph.Node{ID: 4, Role: graph.RoleSubgraph, Outputs: []graph.OutputSlot{{Name: "y"}}})
	g.Add(&graph.Node{ID: 5, Class: "Sink", Inputs: []graph.InputSlot{{Name: "in"}}})
	g.Connect(1, 1, 3, 5, 0)
	g.Connect(2, 1, 0, 99, 0)

	var msgs []string
	for _, e := range graph.Validate(g) {
		msgs = append(msgs, e.Error())
	}
	joined := strings.Join(msgs, "\n")
	for _, want := range []string{
		"missing output slot 3",
		"unknown target node 99",
		"backend node has no class",
		"reroute must have exactly one input",
		"graph_input node outside a subgraph",
		"subgraph node has no inner graph",
	} {
		assert.Contains(t, joined, want)
	}
	assert.Error(t, graph.ValidateErr(g))
}

func TestValidate_SubgraphBoundaries(t *testing.T) {
	w := &graph.Workflow{Nodes: []graph.WorkflowNode{{
		ID: 1, Role: graph.RoleSubgraph,
		Inputs:  []graph.WorkflowInput{{Name: "a"}},
		Outputs: []graph.WorkflowOutput{{Name: "b"}, {Name: "c"}},
		Subgraph: &graph.Workflow{Nodes: []graph.WorkflowNode{
			{ID: 1, Role: graph.RoleGraphInput, Port: "zzz"},
			{ID: 2, Role: graph.RoleGraphOutput, Port: "b"},
			{ID: 3, Role: graph.RoleGraphInput},
		}},
	}}}
	g, err := graph.Build(w, nil)
	require.NoError(t, err)

	var msgs []string
	for _, e := range graph.Validate(g) {
		msgs = append(msgs, e.Error())
	}
	joined := strings.Join(msgs, "\n")
	assert.Contains(t, joined, `subgraph 1 has no input "zzz"`)
	assert.Contains(t, joined, "graph_output must have exactly one input")
	assert.Contains(t, joined, `output "c" has no graph_output node`)
	assert.Contains(t, joined, "graph_input node has no port name")
}
