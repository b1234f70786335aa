package frontend

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/tidwall/gjson"

	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// JSONExtractOp reads the gjson "path" out of the "json" input. A string
// input is parsed as JSON text; any other value is encoded first. When the
// path does not resolve, "default" is emitted if set.
type JSONExtractOp struct{}

func (o *JSONExtractOp) Compute(_ *graph.Node, args Args) ([]any, error) {
	if err := args.Require("json", "path"); err != nil {
		return nil, err
	}
	var raw string
	switch v := args["json"].(type) {
	case string:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json input: %w", err)
		}
		raw = string(b)
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("json input is not valid JSON")
	}
	path := args.String("path")
	res := gjson.Get(raw, path)
	if !res.Exists() {
		if def, ok := args["default"]; ok {
			return []any{def}, nil
		}
		return nil, fmt.Errorf("path %q not found", path)
	}
	return []any{jsonValue(res)}, nil
}

// jsonValue converts a gjson result, keeping integral numbers as ints.
// Numbers a float64 cannot hold exactly keep their source text.
func jsonValue(r gjson.Result) any {
	if r.Type != gjson.Number {
		return r.Value()
	}
	if math.Abs(r.Num) >= 1<<53 {
		return json.Number(r.Raw)
	}
	if r.Num == math.Trunc(r.Num) {
		return int(r.Num)
	}
	return r.Num
}

// EnvOp emits the environment variable named by "name". An unset variable
// yields "default", or an error when "required" is true.
type EnvOp struct{}

func (o *EnvOp) Compute(_ *graph.Node, args Args) ([]any, error) {
	if err := args.Require("name"); err != nil {
		return nil, err
	}
	name := args.String("name")
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return []any{v}, nil
	}
	if truthy(args["required"]) {
		return nil, fmt.Errorf("required environment variable %q is not set", name)
	}
	return []any{args.String("default")}, nil
}
