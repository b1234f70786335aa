package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/comfyflow/pkg/backend"
)

// newClient builds a backend client from the resolved configuration.
func (g *globals) newClient() (*backend.Client, error) {
	b := g.cfg.Backend
	return backend.New(backend.Options{
		BaseURL:         b.URL,
		HTTPClient:      &http.Client{Timeout: b.RequestTimeout},
		Logger:          slog.Default(),
		Store:           &backend.FileSessionStore{Path: b.SessionFile},
		ReconnectDelay:  b.ReconnectDelay,
		PollInterval:    b.PollInterval,
		HistoryMaxItems: b.HistoryMaxItems,
	})
}

// retry runs fn with the configured number of attempts.
func (g *globals) retry(ctx context.Context, fn func() error) error {
	return backend.WithRetry(ctx, g.cfg.Backend.Retries, 500*time.Millisecond, fn)
}

// retrySubmit is retry for prompt submission: a request that may have
// reached the backend is never sent twice.
func (g *globals) retrySubmit(ctx context.Context, fn func() error) error {
	return backend.WithRetryIf(ctx, g.cfg.Backend.Retries, 500*time.Millisecond, backend.Unsent, fn)
}

// ─── queue ────────────────────────────────────────────────────────────────────

func queueCmd(g *globals) *cobra.Command {
	var (
		tag    string
		front  bool
		number int
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "queue <workflow>",
		Short: "Compile a workflow and submit it to the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("tag") {
				tag = g.cfg.Compile.Tag
			}
			if front {
				number = -1
			}
			_, res, err := compileFile(args[0], tag)
			if err != nil {
				return err
			}
			printDiagnostics(cmd.ErrOrStderr(), res.Diagnostics)

			c, err := g.newClient()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var (
				follow func(id string)
				done   <-chan error
			)
			if watch {
				// Subscribe before queueing so no event of the prompt is missed.
				follow, done = followPrompt(ctx, c, cmd.OutOrStdout())
				c.Start(ctx)
				defer c.Close()
			}

			var resp *backend.PromptResponse
			err = g.retrySubmit(ctx, func() error {
				var qerr error
				resp, qerr = c.QueuePrompt(ctx, number, res)
				return qerr
			})
			if err != nil {
				var perr *backend.PromptError
				if errors.As(err, &perr) {
					printPromptError(cmd.ErrOrStderr(), perr)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s (number %d)\n", resp.PromptID, resp.Number)
			if !watch {
				return nil
			}
			follow(resp.PromptID)
			return <-done
		},
	}

	cmd.Flags().StringVar(&tag, "tag", "", "only include nodes carrying this tag")
	cmd.Flags().BoolVar(&front, "front", false, "queue at the front")
	cmd.Flags().IntVar(&number, "number", 0, "explicit queue number (0 leaves ordering to the backend)")
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the prompt until it finishes")
	return cmd
}

// followPrompt prints the events of one prompt until it succeeds, fails or
// is interrupted. Events that arrive before the prompt id is passed to the
// returned function are buffered and replayed.
func followPrompt(ctx context.Context, c *backend.Client, w io.Writer) (func(id string), <-chan error) {
	promptIDs := make(chan string, 1)
	events := make(chan backend.Event, 256)
	c.Events().SubscribeAll(func(e backend.Event) {
		select {
		case events <- e:
		default:
			slog.Warn("dropping event; watcher is behind", "type", e.Type)
		}
	})
	done := make(chan error, 1)
	go func() {
		var (
			id      string
			pending []backend.Event
		)
		handle := func(e backend.Event) (bool, error) {
			if pid := eventPromptID(e); pid != "" && pid != id {
				return false, nil
			}
			fmt.Fprintln(w, formatEvent(e))
			switch d := e.Data.(type) {
			case *backend.ExecutionSuccess:
				return true, nil
			case *backend.ExecutionError:
				return true, fmt.Errorf("prompt %s failed in node %s (%s): %s", id, d.NodeID, d.NodeType, d.ExceptionMessage)
			case *backend.ExecutionInterrupted:
				return true, fmt.Errorf("prompt %s interrupted", id)
			case *backend.Executing:
				return d.Node == nil, nil
			}
			return false, nil
		}
		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case id = <-promptIDs:
				for _, e := range pending {
					if fin, err := handle(e); fin {
						done <- err
						return
					}
				}
				pending = nil
			case e := <-events:
				if id == "" {
					pending = append(pending, e)
					continue
				}
				if fin, err := handle(e); fin {
					done <- err
					return
				}
			}
		}
	}()
	return func(id string) { promptIDs <- id }, done
}

func printPromptError(w io.Writer, perr *backend.PromptError) {
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	if d := perr.Response.Error; d != nil {
		fmt.Fprintf(w, "%s: %s\n", red(d.Type), d.Message)
		if d.Details != "" {
			fmt.Fprintf(w, "  %s\n", d.Details)
		}
	}
	ids := make([]string, 0, len(perr.Response.NodeErrors))
	for id := range perr.Response.NodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ne := perr.Response.NodeErrors[id]
		for _, e := range ne.Errors {
			fmt.Fprintf(w, "  node %s (%s): %s", id, ne.ClassType, e.Message)
			if e.Details != "" {
				fmt.Fprintf(w, ": %s", e.Details)
			}
			fmt.Fprintln(w)
		}
	}
}

// ─── watch ────────────────────────────────────────────────────────────────────

func watchCmd(g *globals) *cobra.Command {
	var extra []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print backend events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.newClient()
			if err != nil {
				return err
			}
			for _, t := range extra {
				c.RegisterMessageType(t)
			}
			out := cmd.OutOrStdout()
			c.Events().SubscribeAll(func(e backend.Event) {
				fmt.Fprintln(out, formatEvent(e))
			})
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			c.Start(ctx)
			<-c.Done()
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&extra, "type", nil, "extra message types to surface (repeatable)")
	return cmd
}

// eventPromptID returns the prompt an event belongs to, if it names one.
func eventPromptID(e backend.Event) string {
	switch d := e.Data.(type) {
	case *backend.Progress:
		return d.PromptID
	case *backend.Executing:
		return d.PromptID
	case *backend.Executed:
		return d.PromptID
	case *backend.ExecutionStart:
		return d.PromptID
	case *backend.ExecutionCached:
		return d.PromptID
	case *backend.ExecutionInterrupted:
		return d.PromptID
	case *backend.ExecutionError:
		return d.PromptID
	case *backend.ExecutionSuccess:
		return d.PromptID
	}
	return ""
}

// formatEvent renders an event as one line.
func formatEvent(e backend.Event) string {
	switch d := e.Data.(type) {
	case nil:
		if e.Type == backend.EventStatus {
			return "status: backend unreachable"
		}
		return string(e.Type)
	case *backend.Status:
		return fmt.Sprintf("status: %d queued", d.ExecInfo.QueueRemaining)
	case *backend.Progress:
		return fmt.Sprintf("progress: node %s %d/%d", d.Node, d.Value, d.Max)
	case *backend.Executing:
		if d.Node == nil {
			return fmt.Sprintf("executing: prompt %s done", d.PromptID)
		}
		return fmt.Sprintf("executing: node %s", *d.Node)
	case *backend.Executed:
		return fmt.Sprintf("executed: node %s", d.Node)
	case *backend.ExecutionStart:
		return fmt.Sprintf("execution_start: prompt %s", d.PromptID)
	case *backend.ExecutionCached:
		return fmt.Sprintf("execution_cached: %s", strings.Join(d.Nodes, ", "))
	case *backend.ExecutionInterrupted:
		return fmt.Sprintf("execution_interrupted: node %s", d.NodeID)
	case *backend.ExecutionError:
		return fmt.Sprintf("execution_error: node %s (%s): %s", d.NodeID, d.NodeType, d.ExceptionMessage)
	case *backend.ExecutionSuccess:
		return fmt.Sprintf("execution_success: prompt %s", d.PromptID)
	case *backend.Preview:
		return fmt.Sprintf("b_preview: %s, %d bytes", d.Mime, len(d.Data))
	case json.RawMessage:
		return fmt.Sprintf("%s: %s", e.Type, d)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Data)
}

// ─── queue and history items ──────────────────────────────────────────────────

func parseKind(s string) (backend.ItemKind, error) {
	k := backend.ItemKind(strings.ToLower(s))
	if !k.Valid() {
		return "", fmt.Errorf("unknown item kind %q: use queue or history", s)
	}
	return k, nil
}

func itemsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "items <queue|history>",
		Short:     "List the prompts in the queue or the history",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(backend.ItemQueue), string(backend.ItemHistory)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			c, err := g.newClient()
			if err != nil {
				return err
			}
			var items *backend.Items
			err = g.retry(cmd.Context(), func() error {
				var ierr error
				items, ierr = c.GetItems(cmd.Context(), kind)
				return ierr
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderItems(kind, items))
			return nil
		},
	}
	return cmd
}

func renderItems(kind backend.ItemKind, items *backend.Items) string {
	var sb strings.Builder
	if kind == backend.ItemQueue {
		fmt.Fprintf(&sb, "Running (%d):\n", len(items.Running))
		for _, it := range items.Running {
			fmt.Fprintf(&sb, "  #%-4d %s  %d nodes\n", it.Number, it.PromptID, len(it.Prompt))
		}
		fmt.Fprintf(&sb, "Pending (%d):\n", len(items.Pending))
		for _, it := range items.Pending {
			fmt.Fprintf(&sb, "  #%-4d %s  %d nodes\n", it.Number, it.PromptID, len(it.Prompt))
		}
		return sb.String()
	}
	fmt.Fprintf(&sb, "History (%d):\n", len(items.History))
	for _, h := range items.History {
		status := "unknown"
		if h.Status != nil && h.Status.StatusStr != "" {
			status = h.Status.StatusStr
		}
		fmt.Fprintf(&sb, "  %s  %-8s %d outputs\n", h.ID, status, len(h.Outputs))
	}
	return sb.String()
}

func deleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <queue|history> <prompt-id>",
		Short: "Remove one prompt from the queue or the history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			c, err := g.newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteItem(cmd.Context(), kind, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s from %s\n", args[1], kind)
			return nil
		},
	}
}

func clearCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <queue|history>",
		Short: "Empty the queue or the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			c, err := g.newClient()
			if err != nil {
				return err
			}
			if err := c.ClearItems(cmd.Context(), kind); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", kind)
			return nil
		},
	}
}

func interruptCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt",
		Short: "Stop the prompt currently executing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.newClient()
			if err != nil {
				return err
			}
			return c.Interrupt(cmd.Context())
		},
	}
}

// ─── backend metadata ─────────────────────────────────────────────────────────

func statsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show backend system and device information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.newClient()
			if err != nil {
				return err
			}
			var s *backend.SystemStats
			err = g.retry(cmd.Context(), func() error {
				var serr error
				s, serr = c.GetSystemStats(cmd.Context())
				return serr
			})
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "OS: %s  Python: %s\n", s.System.OS, s.System.PythonVersion)
			if s.System.RAMTotal > 0 {
				fmt.Fprintf(w, "RAM: %s free of %s\n", mib(s.System.RAMFree), mib(s.System.RAMTotal))
			}
			for _, d := range s.Devices {
				fmt.Fprintf(w, "Device %d: %s (%s)  VRAM %s free of %s\n",
					d.Index, d.Name, d.Type, mib(d.VRAMFree), mib(d.VRAMTotal))
			}
			return nil
		},
	}
}

func mib(b int64) string {
	return fmt.Sprintf("%d MiB", b/(1<<20))
}

func nodesCmd(g *globals) *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List the node classes the backend provides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.newClient()
			if err != nil {
				return err
			}
			var defs map[string]backend.NodeDef
			err = g.retry(cmd.Context(), func() error {
				var derr error
				defs, derr = c.GetNodeDefs(cmd.Context())
				return derr
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderNodeDefs(defs, category))
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "only list classes whose category starts with this prefix")
	return cmd
}

func renderNodeDefs(defs map[string]backend.NodeDef, category string) string {
	names := make([]string, 0, len(defs))
	for name, d := range defs {
		if category == "" || strings.HasPrefix(d.Category, category) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		d := defs[name]
		fmt.Fprintf(&sb, "%-32s %-24s -> %s\n", name, d.Category, strings.Join(d.OutputName, ", "))
	}
	return sb.String()
}
