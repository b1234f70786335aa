package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/comfyflow/pkg/compiler"
	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

func graphCmd(g *globals) *cobra.Command {
	var (
		format string
		tag    string
	)

	cmd := &cobra.Command{
		Use:   "graph <workflow>",
		Short: "Print a summary of the prompt a workflow compiles to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("tag") {
				tag = g.cfg.Compile.Tag
			}
			gr, res, err := compileFile(args[0], tag)
			if err != nil {
				return err
			}
			printDiagnostics(cmd.ErrOrStderr(), res.Diagnostics)
			order := promptOrder(gr, res.Output)

			name := gr.Name
			if name == "" {
				name = "prompt"
			}
			switch strings.ToLower(format) {
			case "dot":
				out, err := renderDOT(name, order, res.Output)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
			case "text", "":
				fmt.Fprint(cmd.OutOrStdout(), renderText(name, order, res.Output))
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	cmd.Flags().StringVar(&tag, "tag", "", "only include nodes carrying this tag")
	return cmd
}

// promptOrder lists the prompt's execution ids in graph execution order;
// ids the graph does not know are appended sorted.
func promptOrder(g *graph.Graph, p compiler.Prompt) []string {
	nodes, _ := compiler.ExecutionOrder(g)
	seen := make(map[string]bool, len(p))
	var order []string
	for _, n := range nodes {
		id := n.ExecutionID()
		if _, ok := p[id]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	var rest []string
	for id := range p {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

type promptEdge struct {
	from  compiler.NodeRef
	to    string
	input string
}

// promptEdges returns every link-shaped input in render order.
func promptEdges(order []string, p compiler.Prompt) []promptEdge {
	var edges []promptEdge
	for _, id := range order {
		refs := p.Refs(id)
		names := make([]string, 0, len(refs))
		for name := range refs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			edges = append(edges, promptEdge{from: refs[name], to: id, input: name})
		}
	}
	return edges
}

// literals formats the non-link inputs of a prompt node as key=value pairs.
func literals(n compiler.PromptNode) string {
	keys := make([]string, 0, len(n.Inputs))
	for k, v := range n.Inputs {
		if _, isRef := v.(compiler.NodeRef); !isRef {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+truncate(fmt.Sprint(n.Inputs[k]), 40))
	}
	return strings.Join(parts, " ")
}

// truncate shortens s to maxLen chars, appending "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// renderText produces the human-readable text summary.
func renderText(name string, order []string, p compiler.Prompt) string {
	var sb strings.Builder
	edges := promptEdges(order, p)
	fmt.Fprintf(&sb, "Prompt: %s  (%d nodes, %d links)\n", name, len(order), len(edges))

	idW, classW := 2, 5
	for _, id := range order {
		idW = max(idW, len(id))
		classW = max(classW, len(p[id].ClassType))
	}

	fmt.Fprintf(&sb, "\nNodes:\n")
	for _, id := range order {
		n := p[id]
		fmt.Fprintf(&sb, "  %-*s  %-*s  %s\n", idW, id, classW, n.ClassType, literals(n))
	}

	fmt.Fprintf(&sb, "\nLinks:\n")
	for _, e := range edges {
		from := fmt.Sprintf("%s[%d]", e.from.ID, e.from.Slot)
		fmt.Fprintf(&sb, "  %-*s  →  %s.%s\n", idW+4, from, e.to, e.input)
	}
	return sb.String()
}

// renderDOT produces a DOT digraph of the prompt.
func renderDOT(name string, order []string, p compiler.Prompt) (string, error) {
	g := gographviz.NewEscape()
	if err := g.SetName(name); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	for _, id := range order {
		n := p[id]
		label := id + `\n` + n.ClassType
		if n.Meta != nil && n.Meta.Title != "" && n.Meta.Title != n.ClassType {
			label = id + `\n` + n.Meta.Title + `\n(` + n.ClassType + ")"
		}
		attrs := map[string]string{"label": label, "shape": "box"}
		if lit := literals(n); lit != "" {
			attrs["tooltip"] = lit
		}
		if err := g.AddNode(name, id, attrs); err != nil {
			return "", fmt.Errorf("dot node %s: %w", id, err)
		}
	}
	for _, e := range promptEdges(order, p) {
		attrs := map[string]string{"label": fmt.Sprintf("%d → %s", e.from.Slot, e.input)}
		if err := g.AddEdge(e.from.ID, e.to, true, attrs); err != nil {
			return "", fmt.Errorf("dot edge %s -> %s: %w", e.from.ID, e.to, err)
		}
	}
	return g.String(), nil
}
