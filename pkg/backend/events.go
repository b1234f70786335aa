package backend

import (
	"encoding/json"
)

// EventType names an event emitted by the Client.
type EventType string

const (
	EventStatus               EventType = "status"
	EventProgress             EventType = "progress"
	EventExecuting            EventType = "executing"
	EventExecuted             EventType = "executed"
	EventExecutionStart       EventType = "execution_start"
	EventExecutionCached      EventType = "execution_cached"
	EventExecutionInterrupted EventType = "execution_interrupted"
	EventExecutionError       EventType = "execution_error"
	EventExecutionSuccess     EventType = "execution_success"
	EventPreview              EventType = "b_preview"
	EventReconnecting         EventType = "reconnecting"
	EventReconnected          EventType = "reconnected"
)

// Event is a typed message from the backend or from the connection itself.
//
// Data holds, by type: *Status for status (nil when the backend is
// unreachable), *Progress, *Executing, *Executed, *ExecutionStart,
// *ExecutionCached, *ExecutionInterrupted, *ExecutionError,
// *ExecutionSuccess, *Preview, nil for reconnecting/reconnected and
// json.RawMessage for registered extension types.
type Event struct {
	Type EventType
	Data any
}

// Status reports the backend queue state.
type Status struct {
	ExecInfo ExecInfo `json:"exec_info"`
	// SID is the session id assigned by the backend, when present.
	SID string `json:"sid,omitempty"`
}

type ExecInfo struct {
	QueueRemaining int `json:"queue_remaining"`
}

type Progress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

// Executing reports the node currently running. Node is nil when the prompt
// has finished.
type Executing struct {
	Node        *string `json:"node"`
	DisplayNode string  `json:"display_node,omitempty"`
	PromptID    string  `json:"prompt_id"`
}

type Executed struct {
	Node        string          `json:"node"`
	DisplayNode string          `json:"display_node,omitempty"`
	Output      json.RawMessage `json:"output"`
	PromptID    string          `json:"prompt_id"`
}

type ExecutionStart struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

type ExecutionCached struct {
	Nodes     []string `json:"nodes"`
	PromptID  string   `json:"prompt_id"`
	Timestamp int64    `json:"timestamp"`
}

type ExecutionInterrupted struct {
	PromptID  string   `json:"prompt_id"`
	NodeID    string   `json:"node_id"`
	NodeType  string   `json:"node_type"`
	Executed  []string `json:"executed"`
	Timestamp int64    `json:"timestamp"`
}

type ExecutionError struct {
	PromptID         string          `json:"prompt_id"`
	NodeID           string          `json:"node_id"`
	NodeType         string          `json:"node_type"`
	Executed         []string        `json:"executed"`
	ExceptionMessage string          `json:"exception_message"`
	ExceptionType    string          `json:"exception_type"`
	Traceback        []string        `json:"traceback"`
	CurrentInputs    json.RawMessage `json:"current_inputs,omitempty"`
	CurrentOutputs   json.RawMessage `json:"current_outputs,omitempty"`
	Timestamp        int64           `json:"timestamp"`
}

type ExecutionSuccess struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

// Preview is a live preview image streamed during sampling.
type Preview struct {
	Mime string
	Data []byte
}
