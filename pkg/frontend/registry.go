// Package frontend implements the frontend-only node ops: value producers
// and routing helpers that are evaluated locally and never sent to the
// backend.
package frontend

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// Op computes the output values of a frontend node from its input values.
type Op interface {
	Compute(n *graph.Node, args Args) ([]any, error)
}

// Router is implemented by ops that define their own upstream traversal.
type Router interface {
	Upstream(n *graph.Node, via *graph.Link) *graph.Link
}

// Registry maps frontend classes to Op implementations. It implements
// graph.Binder.
type Registry struct {
	ops map[string]Op
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Op)}
}

// DefaultRegistry returns a Registry holding every built-in op.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("primitive", &PrimitiveOp{})
	r.Register("concat", &ConcatOp{})
	r.Register("template", &TemplateOp{})
	r.Register("string_transform", &StringTransformOp{})
	r.Register("regex", &RegexOp{})
	r.Register("math", &MathOp{})
	r.Register("switch", &SwitchOp{})
	r.Register("json_extract", &JSONExtractOp{})
	r.Register("env", &EnvOp{})
	return r
}

// Register associates an op with a frontend class.
func (r *Registry) Register(class string, op Op) {
	r.ops[class] = op
}

// Get returns the op for a class, or an error if not registered.
func (r *Registry) Get(class string) (Op, error) {
	op, ok := r.ops[class]
	if !ok {
		return nil, fmt.Errorf("no op registered for frontend class %q", class)
	}
	return op, nil
}

// Classes returns the registered classes in sorted order.
func (r *Registry) Classes() []string {
	out := make([]string, 0, len(r.ops))
	for c := range r.ops {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Bind attaches the registered op of a frontend node as its Compute hook,
// and as its Upstream hook when the op is a Router. Other roles and frontend
// nodes without a class are left alone.
func (r *Registry) Bind(n *graph.Node) error {
	if n.Role != graph.RoleFrontend || n.Class == "" {
		return nil
	}
	op, err := r.Get(n.Class)
	if err != nil {
		return err
	}
	n.Compute = func(n *graph.Node, inputs []any) ([]any, error) {
		out, err := op.Compute(n, argsFrom(n, inputs))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Class, err)
		}
		slog.Debug("frontend op computed", "node", n.ExecutionID(), "class", n.Class, "outputs", len(out))
		return out, nil
	}
	if router, ok := op.(Router); ok {
		n.Upstream = router.Upstream
	}
	return nil
}
