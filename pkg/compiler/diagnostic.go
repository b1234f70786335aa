package compiler

import (
	"fmt"
	"log/slog"
)

// Diagnostic records a traversal inconsistency found while compiling. It is
// never fatal: the affected input is simply left out of the prompt.
type Diagnostic struct {
	// NodeID is the execution id of the node being processed.
	NodeID string
	// Input names the input slot involved, if any.
	Input   string
	Message string
}

func (d Diagnostic) String() string {
	switch {
	case d.NodeID != "" && d.Input != "":
		return fmt.Sprintf("node %s input %q: %s", d.NodeID, d.Input, d.Message)
	case d.NodeID != "":
		return fmt.Sprintf("node %s: %s", d.NodeID, d.Message)
	}
	return d.Message
}

// reporter collects diagnostics and mirrors them to a logger.
type reporter struct {
	logger *slog.Logger
	diags  []Diagnostic
}

func (r *reporter) report(d Diagnostic) {
	r.diags = append(r.diags, d)
	r.logger.Warn("compile diagnostic", "node", d.NodeID, "input", d.Input, "msg", d.Message)
}
