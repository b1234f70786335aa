package frontend

import (
	"log/slog"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// SwitchOp is a routing node. Its "condition" input is evaluated with
// EvalCondition against all of the node's input values; the node then
// forwards "on_true" or "on_false". Because it is a Router, upstream
// resolution follows the selected branch, so a switch can choose between two
// backend producers.
type SwitchOp struct{}

func (o *SwitchOp) Compute(_ *graph.Node, args Args) ([]any, error) {
	branch, err := o.branch(args)
	if err != nil {
		return nil, err
	}
	return []any{args[branch]}, nil
}

// Upstream returns the link attached to the selected branch input. A
// condition that fails to parse ends the traversal at the switch.
func (o *SwitchOp) Upstream(n *graph.Node, _ *graph.Link) *graph.Link {
	branch, err := o.branch(ArgsOf(n))
	if err != nil {
		slog.Warn("switch node: condition failed", "node", n.ExecutionID(), "err", err)
		return nil
	}
	return n.InputLink(n.InputIndex(branch))
}

func (o *SwitchOp) branch(args Args) (string, error) {
	if err := args.Require("condition"); err != nil {
		return "", err
	}
	ok, err := EvalCondition(args.String("condition"), args)
	if err != nil {
		return "", err
	}
	if ok {
		return "on_true", nil
	}
	return "on_false", nil
}
