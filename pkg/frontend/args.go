package frontend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// Args holds the current input values of a frontend node keyed by input
// name. Unconnected inputs without a default are absent.
type Args map[string]any

// ArgsOf collects the current input values of n.
func ArgsOf(n *graph.Node) Args {
	args := make(Args, len(n.Inputs))
	for i, in := range n.Inputs {
		if v, ok := n.InputValue(i); ok && v != nil {
			args[in.Name] = v
		}
	}
	return args
}

func argsFrom(n *graph.Node, inputs []any) Args {
	args := make(Args, len(n.Inputs))
	for i, in := range n.Inputs {
		if i < len(inputs) && inputs[i] != nil {
			args[in.Name] = inputs[i]
		}
	}
	return args
}

// String returns the named value formatted as a string, or "".
func (a Args) String(name string) string {
	return stringify(a[name])
}

// Int returns the named value as an int, or def when unset.
func (a Args) Int(name string, def int) (int, error) {
	v, ok := a[name]
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("%s: %v is not an integer", name, x)
		}
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s: %s is not an integer", name, x)
		}
		return int(n), nil
	}
	n, err := strconv.Atoi(stringify(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", name, stringify(v))
	}
	return n, nil
}

// Require returns an error naming every listed input that is unset or empty.
func (a Args) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if a.String(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing input(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	}
	return fmt.Sprint(v)
}

// renderTemplate executes a Go template string against a data map.
func renderTemplate(tplStr string, data map[string]any) (string, error) {
	tpl, err := template.New("").Parse(tplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
