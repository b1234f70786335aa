package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/comfyflow/pkg/compiler"
	"github.com/ravi-parthasarathy/comfyflow/pkg/config"
	"github.com/ravi-parthasarathy/comfyflow/pkg/frontend"
	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

// globals holds the configuration resolved before any subcommand runs.
type globals struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	url        string

	cfg *config.Config
}

func rootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "comfyflow",
		Short: "comfyflow: node-graph prompt compiler and backend client",
		Long: `comfyflow compiles node-graph workflows into the flat prompt format
accepted by a ComfyUI-compatible backend, queues them and follows their
execution over the backend's realtime socket.

Workflows are read from .json, .yaml or .dot files. Frontend-only nodes
(primitive, concat, template, ...) are evaluated locally and folded into the
prompt as literal inputs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.resolve(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", config.DefaultPath(), "path to the YAML config file")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file loaded before the config (ignored when missing)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&g.url, "url", "", "backend base URL")

	root.AddCommand(compileCmd(g))
	root.AddCommand(lintCmd())
	root.AddCommand(graphCmd(g))
	root.AddCommand(queueCmd(g))
	root.AddCommand(watchCmd(g))
	root.AddCommand(itemsCmd(g))
	root.AddCommand(deleteCmd(g))
	root.AddCommand(clearCmd(g))
	root.AddCommand(interruptCmd(g))
	root.AddCommand(statsCmd(g))
	root.AddCommand(nodesCmd(g))
	return root
}

// resolve loads the dotenv and config files and applies flag overrides.
// Precedence, lowest first: config file, environment, flags.
func (g *globals) resolve(cmd *cobra.Command) error {
	if g.envFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(g.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", g.envFile, err)
		}
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if flags.Changed("url") {
		cfg.Backend.URL = g.url
	}
	if err := initLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}

// initLogger installs the default slog logger on stderr.
func initLogger(level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// ─── compile ──────────────────────────────────────────────────────────────────

func compileCmd(g *globals) *cobra.Command {
	var (
		tag        string
		out        string
		promptOnly bool
		strict     bool
	)

	cmd := &cobra.Command{
		Use:   "compile <workflow>",
		Short: "Compile a workflow into a backend prompt",
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
			if strict && len(res.Diagnostics) > 0 {
				return fmt.Errorf("%d diagnostic(s) while compiling %s", len(res.Diagnostics), args[0])
			}
			var doc any = res
			if promptOnly {
				doc = res.Output
			}
			if err := writeJSON(out, cmd.OutOrStdout(), doc); err != nil {
				return err
			}
			slog.Info("compiled workflow", "file", args[0], "graph", gr.Name, "nodes", len(res.Output))
			return nil
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "only include nodes carrying this tag")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the result to this file instead of stdout")
	cmd.Flags().BoolVar(&promptOnly, "prompt-only", false, "emit only the prompt, without the workflow snapshot")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when compilation reports diagnostics")
	return cmd
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint <workflow>",
		Short: "Validate a workflow without compiling it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gr, err := loadGraph(args[0])
			if err != nil {
				return err
			}
			if lintErr := graph.ValidateErr(gr); lintErr != nil {
				return lintErr
			}
			nodes, links := 0, 0
			gr.Walk(func(n *graph.Node) {
				nodes++
				if n.Subgraph != nil {
					links += len(n.Subgraph.Links())
				}
			})
			links += len(gr.Links())
			fmt.Fprintf(cmd.OutOrStdout(), "OK: workflow %q is valid (%d nodes, %d links)\n", gr.Name, nodes, links)
			return nil
		},
	}
	return cmd
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// loadGraph reads a workflow file with the built-in frontend ops bound.
func loadGraph(path string) (*graph.Graph, error) {
	gr, err := graph.LoadFile(path, frontend.DefaultRegistry())
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return gr, nil
}

// compileFile loads, validates and serializes a workflow.
func compileFile(path, tag string) (*graph.Graph, *compiler.Result, error) {
	gr, err := loadGraph(path)
	if err != nil {
		return nil, nil, err
	}
	if lintErr := graph.ValidateErr(gr); lintErr != nil {
		return nil, nil, fmt.Errorf("invalid workflow: %w", lintErr)
	}
	res := compiler.New(slog.Default()).Serialize(gr, tag)
	return gr, res, nil
}

func printDiagnostics(w io.Writer, diags []compiler.Diagnostic) {
	warn := color.New(color.FgYellow).SprintFunc()
	for _, d := range diags {
		fmt.Fprintf(w, "%s %s\n", warn("warning:"), d)
	}
}

// writeJSON writes v as indented JSON to path, or to w when path is empty.
func writeJSON(path string, w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')
	if path == "" {
		_, err = w.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[comfyflow] interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
