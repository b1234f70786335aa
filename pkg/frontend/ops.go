package frontend

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// PrimitiveOp emits its "value" input, or the constant values configured on
// its outputs when that input is unset.
type PrimitiveOp struct{}

func (o *PrimitiveOp) Compute(n *graph.Node, args Args) ([]any, error) {
	if v, ok := args["value"]; ok {
		return []any{v}, nil
	}
	out := make([]any, len(n.Outputs))
	for i, slot := range n.Outputs {
		out[i] = slot.Value
	}
	return out, nil
}

// ConcatOp joins every set input other than "separator", in slot order.
type ConcatOp struct{}

func (o *ConcatOp) Compute(n *graph.Node, args Args) ([]any, error) {
	sep := args.String("separator")
	var parts []string
	for _, in := range n.Inputs {
		if in.Name == "separator" {
			continue
		}
		if s := args.String(in.Name); s != "" {
			parts = append(parts, s)
		}
	}
	return []any{strings.Join(parts, sep)}, nil
}

// TemplateOp renders its "template" input as a Go template over the other
// inputs.
type TemplateOp struct{}

func (o *TemplateOp) Compute(_ *graph.Node, args Args) ([]any, error) {
	if err := args.Require("template"); err != nil {
		return nil, err
	}
	s, err := renderTemplate(args.String("template"), args)
	if err != nil {
		return nil, fmt.Errorf("template error: %w", err)
	}
	return []any{s}, nil
}

// StringTransformOp applies the comma-separated "ops" chain to "text".
type StringTransformOp struct{}

func (o *StringTransformOp) Compute(_ *graph.Node, args Args) ([]any, error) {
	if err := args.Require("ops"); err != nil {
		return nil, err
	}
	val := args.String("text")
	for _, op := range strings.Split(args.String("ops"), ",") {
		switch op = strings.TrimSpace(op); op {
		case "trim":
			val = strings.TrimSpace(val)
		case "upper":
			val = strings.ToUpper(val)
		case "lower":
			val = strings.ToLower(val)
		case "replace":
			val = strings.ReplaceAll(val, args.String("old"), args.String("new"))
		default:
			return nil, fmt.Errorf("unknown op %q (supported: trim, upper, lower, replace)", op)
		}
	}
	return []any{val}, nil
}

// RegexOp extracts capture group "group" (default 0) of "pattern" from
// "text", or "no_match" when the pattern does not match.
type RegexOp struct{}

func (o *RegexOp) Compute(_ *graph.Node, args Args) ([]any, error) {
	if err := args.Require("pattern"); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(args.String("pattern"))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	group, err := args.Int("group", 0)
	if err != nil || group < 0 {
		return nil, fmt.Errorf("group must be a non-negative integer, got %q", args.String("group"))
	}
	matches := re.FindStringSubmatch(args.String("text"))
	if matches == nil {
		return []any{args.String("no_match")}, nil
	}
	if group >= len(matches) {
		return nil, fmt.Errorf("group %d out of range (pattern has %d groups)", group, len(matches)-1)
	}
	return []any{matches[group]}, nil
}

// MathOp applies "op" (add, sub, mul, div, min, max) to "a" and "b". The
// result is an int when both operands are integers and the op is not div.
type MathOp struct{}

func (o *MathOp) Compute(_ *graph.Node, args Args) ([]any, error) {
	a, aInt, err := number(args, "a")
	if err != nil {
		return nil, err
	}
	b, bInt, err := number(args, "b")
	if err != nil {
		return nil, err
	}
	op := args.String("op")
	if op == "" {
		op = "add"
	}
	var r float64
	switch op {
	case "add":
		r = a + b
	case "sub":
		r = a - b
	case "mul":
		r = a * b
	case "div":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return []any{a / b}, nil
	case "min":
		r = math.Min(a, b)
	case "max":
		r = math.Max(a, b)
	default:
		return nil, fmt.Errorf("unknown op %q (supported: add, sub, mul, div, min, max)", op)
	}
	if aInt && bInt {
		return []any{int(r)}, nil
	}
	return []any{r}, nil
}

func number(args Args, name string) (float64, bool, error) {
	switch v := args[name].(type) {
	case nil:
		return 0, false, fmt.Errorf("missing input(s): %s", name)
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case float64:
		return v, v == math.Trunc(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("%s: %q is not a number", name, v)
		}
		return f, f == math.Trunc(f), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %q is not a number", name, v)
		}
		return f, f == math.Trunc(f), nil
	default:
		return 0, false, fmt.Errorf("%s: unsupported type %T", name, v)
	}
}
