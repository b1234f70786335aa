package frontend_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/comfyflow/pkg/compiler"
	"github.com/ravi-parthasarathy/comfyflow/pkg/frontend"
	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

func TestRegistry_GetUnknown(t *testing.T) {
	r := frontend.NewRegistry()
	_, err := r.Get("nope")
	assert.ErrorContains(t, err, "nope")
}

func TestDefaultRegistry_Classes(t *testing.T) {
	assert.Equal(t,
		[]string{"concat", "env", "json_extract", "math", "primitive", "regex", "string_transform", "switch", "template"},
		frontend.DefaultRegistry().Classes())
}

func TestRegistry_Bind(t *testing.T) {
	r := frontend.DefaultRegistry()

	sw := &graph.Node{ID: 1, Class: "switch", Role: graph.RoleFrontend}
	require.NoError(t, r.Bind(sw))
	assert.NotNil(t, sw.Compute)
	assert.NotNil(t, sw.Upstream)

	tpl := &graph.Node{ID: 2, Class: "template", Role: graph.RoleFrontend}
	require.NoError(t, r.Bind(tpl))
	assert.NotNil(t, tpl.Compute)
	assert.Nil(t, tpl.Upstream)

	be := &graph.Node{ID: 3, Class: "KSampler", Role: graph.RoleBackend}
	require.NoError(t, r.Bind(be))
	assert.Nil(t, be.Compute)

	bad := &graph.Node{ID: 4, Class: "mystery", Role: graph.RoleFrontend}
	assert.Error(t, r.Bind(bad))
}

func TestLoad_UnknownFrontendClass(t *testing.T) {
	_, err := graph.LoadJSON([]byte(`{"nodes":[{"id":1,"role":"frontend","class":"mystery"}],"links":[]}`), frontend.DefaultRegistry())
	assert.ErrorContains(t, err, "mystery")
}

const switchWorkflow = `{
  "nodes": [
    {"id": 1, "class": "CheckpointLoaderSimple", "outputs": [{"name": "MODEL"}]},
    {"id": 2, "class": "UNETLoader", "outputs": [{"name": "MODEL"}]},
    {"id": 3, "class": "primitive", "role": "frontend", "outputs": [{"name": "value", "value": %t}]},
    {"id": 4, "class": "switch", "role": "frontend",
     "inputs": [{"name": "condition", "value": "use_checkpoint"}, {"name": "use_checkpoint"}, {"name": "on_true"}, {"name": "on_false"}],
     "outputs": [{"name": "out"}]},
    {"id": 5, "class": "KSampler", "inputs": [{"name": "model"}]}
  ],
  "links": [
    {"id": 1, "origin": 3, "origin_slot": 0, "target": 4, "target_slot": 1},
    {"id": 2, "origin": 1, "origin_slot": 0, "target": 4, "target_slot": 2},
    {"id": 3, "origin": 2, "origin_slot": 0, "target": 4, "target_slot": 3},
    {"id": 4, "origin": 4, "origin_slot": 0, "target": 5, "target_slot": 0}
  ]
}`

func TestSwitch_RoutesUpstreamResolution(t *testing.T) {
	for _, tt := range []struct {
		flag bool
		want string
	}{
		{true, "1"},
		{false, "2"},
	} {
		t.Run(fmt.Sprint(tt.flag), func(t *testing.T) {
			g, err := graph.LoadJSON(fmt.Appendf(nil, switchWorkflow, tt.flag), frontend.DefaultRegistry())
			require.NoError(t, err)
			require.Empty(t, graph.Validate(g))

			res := compiler.Serialize(g, "")
			assert.Equal(t, compiler.NodeRef{ID: tt.want, Slot: 0}, res.Output["5"].Inputs["model"])
			assert.Len(t, res.Output, 3)
			assert.Empty(t, res.Diagnostics)
		})
	}
}

const promptWorkflow = `
nodes:
  - id: 1
    class: primitive
    role: frontend
    outputs: [{name: value, value: "  A Red Fox  "}]
  - id: 2
    class: string_transform
    role: frontend
    inputs:
      - {name: text}
      - {name: ops, value: "trim, lower"}
    outputs: [{name: text}]
  - id: 3
    class: template
    role: frontend
    inputs:
      - {name: template, value: "photo of {{.subject}}, {{.quality}}"}
      - {name: subject}
      - {name: quality, value: "highly detailed"}
    outputs: [{name: text}]
  - id: 4
    class: CLIPTextEncode
    inputs:
      - {name: text}
      - {name: clip}
links:
  - {id: 1, origin: 1, origin_slot: 0, target: 2, target_slot: 0}
  - {id: 2, origin: 2, origin_slot: 0, target: 3, target_slot: 1}
  - {id: 3, origin: 3, origin_slot: 0, target: 4, target_slot: 0}
`

func TestFrontendChain_ProducesLiteral(t *testing.T) {
	g, err := graph.LoadYAML([]byte(promptWorkflow), frontend.DefaultRegistry())
	require.NoError(t, err)

	res := compiler.Serialize(g, "")
	require.Contains(t, res.Output, "4")
	assert.Equal(t, map[string]any{"text": "photo of a red fox, highly detailed"}, res.Output["4"].Inputs)
	assert.Len(t, res.Output, 1)
	assert.Empty(t, res.Diagnostics)
}
