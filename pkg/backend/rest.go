package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/ravi-parthasarathy/comfyflow/pkg/compiler"
	"github.com/ravi-parthasarathy/comfyflow/pkg/graph"
)

// ItemKind selects the queue or the history for item operations.
type ItemKind string

const (
	ItemQueue   ItemKind = "queue"
	ItemHistory ItemKind = "history"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool { return k == ItemQueue || k == ItemHistory }

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	ClientID  string          `json:"client_id"`
	Prompt    compiler.Prompt `json:"prompt"`
	ExtraData map[string]any  `json:"extra_data,omitempty"`
	Front     bool            `json:"front,omitempty"`
	Number    *int            `json:"number,omitempty"`
}

// NewPromptRequest wraps a compiled prompt for submission. number -1 queues
// at the front, any other non-zero number is sent as the ordering number and
// 0 leaves ordering to the backend. The workflow snapshot is embedded under
// extra_data.extra_pnginfo.workflow.
func NewPromptRequest(clientID string, number int, res *compiler.Result) PromptRequest {
	req := PromptRequest{ClientID: clientID, Prompt: res.Output}
	if res.Workflow != nil {
		req.ExtraData = map[string]any{"extra_pnginfo": map[string]any{"workflow": res.Workflow}}
	}
	switch {
	case number == -1:
		req.Front = true
	case number != 0:
		n := number
		req.Number = &n
	}
	return req
}

// PromptResponse is returned by POST /prompt on success.
type PromptResponse struct {
	PromptID   string                `json:"prompt_id"`
	Number     int                   `json:"number"`
	NodeErrors map[string]NodeErrors `json:"node_errors,omitempty"`
}

// QueueItem is one prompt in the queue or history. The backend encodes it
// as a positional array. Numbers in Prompt and ExtraData decode as
// json.Number and link inputs of Prompt as compiler.NodeRef.
type QueueItem struct {
	Number           int
	PromptID         string
	Prompt           compiler.Prompt
	ExtraData        map[string]any
	OutputsToExecute []string
}

func (q *QueueItem) UnmarshalJSON(data []byte) error {
	arr := gjson.ParseBytes(data)
	if !arr.IsArray() {
		return fmt.Errorf("queue item: want array, got %s", arr.Type)
	}
	el := arr.Array()
	get := func(i int) gjson.Result {
		if i < len(el) {
			return el[i]
		}
		return gjson.Result{}
	}
	q.Number = int(get(0).Int())
	q.PromptID = get(1).String()
	if p := get(2); p.IsObject() {
		if err := graph.DecodeJSON([]byte(p.Raw), &q.Prompt); err != nil {
			return fmt.Errorf("queue item prompt: %w", err)
		}
	}
	if x := get(3); x.IsObject() {
		if err := graph.DecodeJSON([]byte(x.Raw), &q.ExtraData); err != nil {
			return fmt.Errorf("queue item extra data: %w", err)
		}
	}
	for _, o := range get(4).Array() {
		q.OutputsToExecute = append(q.OutputsToExecute, o.String())
	}
	return nil
}

// Workflow returns the workflow snapshot embedded at submission, if any.
func (q *QueueItem) Workflow() *graph.Workflow {
	raw, err := json.Marshal(q.ExtraData)
	if err != nil {
		return nil
	}
	wf := gjson.GetBytes(raw, "extra_pnginfo.workflow")
	if !wf.IsObject() {
		return nil
	}
	var w graph.Workflow
	if err := graph.DecodeJSON([]byte(wf.Raw), &w); err != nil {
		return nil
	}
	return &w
}

// Queue is a snapshot of the backend queue.
type Queue struct {
	Running []QueueItem `json:"queue_running"`
	Pending []QueueItem `json:"queue_pending"`
}

// HistoryEntry is one finished prompt.
type HistoryEntry struct {
	ID      string                     `json:"-"`
	Prompt  QueueItem                  `json:"prompt"`
	Outputs map[string]json.RawMessage `json:"outputs"`
	Status  *HistoryStatus             `json:"status,omitempty"`
}

type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// Items is the result of GetItems: queue lists for ItemQueue, History for
// ItemHistory.
type Items struct {
	Running []QueueItem
	Pending []QueueItem
	History []HistoryEntry
}

// NodeDef describes a backend node class as reported by /object_info.
type NodeDef struct {
	Name         string       `json:"name"`
	DisplayName  string       `json:"display_name"`
	Description  string       `json:"description"`
	Category     string       `json:"category"`
	OutputNode   bool         `json:"output_node"`
	Input        NodeDefInput `json:"input"`
	Output       []any        `json:"output"`
	OutputName   []string     `json:"output_name"`
	OutputIsList []bool       `json:"output_is_list"`
}

type NodeDefInput struct {
	Required map[string]json.RawMessage `json:"required"`
	Optional map[string]json.RawMessage `json:"optional,omitempty"`
}

// SystemStats is returned by /system_stats.
type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		PythonVersion  string `json:"python_version"`
		EmbeddedPython bool   `json:"embedded_python"`
		RAMTotal       int64  `json:"ram_total"`
		RAMFree        int64  `json:"ram_free"`
	} `json:"system"`
	Devices []DeviceInfo `json:"devices"`
}

// DeviceInfo describes one compute device.
type DeviceInfo struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Index          int    `json:"index"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}

// QueuePrompt submits a compiled prompt. See NewPromptRequest for number.
// A rejected prompt yields a *PromptError carrying the backend's payload.
func (c *Client) QueuePrompt(ctx context.Context, number int, res *compiler.Result) (*PromptResponse, error) {
	req := NewPromptRequest(c.ClientID(), number, res)
	body, status, err := c.do(ctx, http.MethodPost, "/prompt", req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		perr := &PromptError{StatusCode: status}
		if jerr := json.Unmarshal(body, &perr.Response); jerr != nil || perr.Response.Error == nil {
			perr.Response.Error = &ErrorDetail{Type: "unknown", Message: http.StatusText(status), Details: string(bytes.TrimSpace(body))}
		}
		return nil, perr
	}
	var out PromptResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &RequestError{Method: http.MethodPost, Route: "/prompt", StatusCode: status, Err: err}
	}
	c.logger.Info("prompt queued", "prompt_id", out.PromptID, "number", out.Number)
	return &out, nil
}

// GetPromptStatus returns the queue state from GET /prompt.
func (c *Client) GetPromptStatus(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.getJSON(ctx, "/prompt", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetQueue returns the running and pending prompts. On failure both lists
// are empty and the error is a *RequestError.
func (c *Client) GetQueue(ctx context.Context) (Queue, error) {
	var q Queue
	if err := c.getJSON(ctx, "/queue", &q); err != nil {
		return Queue{Running: []QueueItem{}, Pending: []QueueItem{}}, err
	}
	if q.Running == nil {
		q.Running = []QueueItem{}
	}
	if q.Pending == nil {
		q.Pending = []QueueItem{}
	}
	return q, nil
}

// GetHistory returns up to maxItems finished prompts in backend order;
// maxItems <= 0 uses the client default.
func (c *Client) GetHistory(ctx context.Context, maxItems int) ([]HistoryEntry, error) {
	if maxItems <= 0 {
		maxItems = c.historyMaxItems
	}
	route := "/history?max_items=" + strconv.Itoa(maxItems)
	body, status, err := c.do(ctx, http.MethodGet, route, nil)
	if err == nil && status != http.StatusOK {
		err = &RequestError{Method: http.MethodGet, Route: route, StatusCode: status}
	}
	if err != nil {
		return []HistoryEntry{}, err
	}
	if !gjson.ValidBytes(body) {
		return []HistoryEntry{}, &RequestError{Method: http.MethodGet, Route: route, StatusCode: status, Err: errors.New("invalid json")}
	}
	out := []HistoryEntry{}
	var decodeErr error
	// Iterate the raw object to keep the backend's ordering.
	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(value.Raw), &e); err != nil {
			decodeErr = fmt.Errorf("history %s: %w", key.String(), err)
			return false
		}
		e.ID = key.String()
		out = append(out, e)
		return true
	})
	if decodeErr != nil {
		return []HistoryEntry{}, &RequestError{Method: http.MethodGet, Route: route, StatusCode: status, Err: decodeErr}
	}
	return out, nil
}

// GetItems fetches the queue or the history.
func (c *Client) GetItems(ctx context.Context, kind ItemKind) (*Items, error) {
	switch kind {
	case ItemQueue:
		q, err := c.GetQueue(ctx)
		return &Items{Running: q.Running, Pending: q.Pending}, err
	case ItemHistory:
		h, err := c.GetHistory(ctx, 0)
		return &Items{History: h}, err
	}
	return &Items{}, fmt.Errorf("unknown item kind %q", kind)
}

// DeleteItem removes one prompt from the queue or the history.
func (c *Client) DeleteItem(ctx context.Context, kind ItemKind, id string) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown item kind %q", kind)
	}
	return c.postJSON(ctx, "/"+string(kind), map[string]any{"delete": []string{id}})
}

// ClearItems empties the queue or the history.
func (c *Client) ClearItems(ctx context.Context, kind ItemKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown item kind %q", kind)
	}
	return c.postJSON(ctx, "/"+string(kind), map[string]any{"clear": true})
}

// Interrupt stops the prompt currently executing.
func (c *Client) Interrupt(ctx context.Context) error {
	return c.postJSON(ctx, "/interrupt", nil)
}

// GetNodeDefs returns every backend node class keyed by class name.
func (c *Client) GetNodeDefs(ctx context.Context) (map[string]NodeDef, error) {
	defs := map[string]NodeDef{}
	if err := c.getJSON(ctx, "/object_info", &defs); err != nil {
		return map[string]NodeDef{}, err
	}
	return defs, nil
}

// GetSystemStats returns device and host information.
func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	var s SystemStats
	if err := c.getJSON(ctx, "/system_stats", &s); err != nil {
		return &SystemStats{}, err
	}
	return &s, nil
}

// GetExtensions returns the URLs of frontend extensions served by the
// backend.
func (c *Client) GetExtensions(ctx context.Context) ([]string, error) {
	out := []string{}
	if err := c.getJSON(ctx, "/extensions", &out); err != nil {
		return []string{}, err
	}
	return out, nil
}

// GetEmbeddings returns the names of the installed textual inversions.
func (c *Client) GetEmbeddings(ctx context.Context) ([]string, error) {
	out := []string{}
	if err := c.getJSON(ctx, "/embeddings", &out); err != nil {
		return []string{}, err
	}
	return out, nil
}

// ─── transport ────────────────────────────────────────────────────────────────

// do sends a request and returns the body and status. Only transport
// failures are returned as errors.
func (c *Client) do(ctx context.Context, method, route string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, &RequestError{Method: method, Route: route, Err: fmt.Errorf("marshal: %w", err)}
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(route), reader)
	if err != nil {
		return nil, 0, &RequestError{Method: method, Route: route, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &RequestError{Method: method, Route: route, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &RequestError{Method: method, Route: route, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug("backend request", "method", method, "route", route, "status", resp.StatusCode)
	return data, resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, route string, out any) error {
	body, status, err := c.do(ctx, http.MethodGet, route, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &RequestError{Method: http.MethodGet, Route: route, StatusCode: status}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &RequestError{Method: http.MethodGet, Route: route, StatusCode: status, Err: err}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, route string, body any) error {
	_, status, err := c.do(ctx, http.MethodPost, route, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &RequestError{Method: http.MethodPost, Route: route, StatusCode: status}
	}
	return nil
}
