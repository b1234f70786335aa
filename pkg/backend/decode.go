package backend

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/tidwall/gjson"
)

// Binary frame tags.
const (
	binaryPreviewImage = 1

	imageJPEG = 1
	imagePNG  = 2
)

// Decoder turns websocket frames into events. It is safe for concurrent
// use.
type Decoder struct {
	mu     sync.RWMutex
	custom map[string]bool
}

// NewDecoder creates a Decoder that knows only the built-in message types.
func NewDecoder() *Decoder {
	return &Decoder{custom: make(map[string]bool)}
}

// RegisterMessageType makes JSON frames of the given type decode to an
// Event of that type carrying the raw data payload.
func (d *Decoder) RegisterMessageType(t string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.custom[t] = true
}

func (d *Decoder) registered(t string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.custom[t]
}

// DecodeBinary decodes a binary frame: a big-endian uint32 event tag, then
// for previews a big-endian uint32 image tag and the image bytes.
func DecodeBinary(frame []byte) (Event, error) {
	if len(frame) < 4 {
		return Event{}, &DecodeError{Kind: "binary", Err: fmt.Errorf("frame too short: %d bytes", len(frame))}
	}
	tag := binary.BigEndian.Uint32(frame[:4])
	switch tag {
	case binaryPreviewImage:
		if len(frame) < 8 {
			return Event{}, &DecodeError{Kind: "binary", Type: strconv.Itoa(int(tag)), Err: errors.New("missing image type")}
		}
		mime := "image/jpeg"
		if binary.BigEndian.Uint32(frame[4:8]) == imagePNG {
			mime = "image/png"
		}
		data := make([]byte, len(frame)-8)
		copy(data, frame[8:])
		return Event{Type: EventPreview, Data: &Preview{Mime: mime, Data: data}}, nil
	default:
		return Event{}, &DecodeError{Kind: "binary", Type: strconv.FormatUint(uint64(tag), 10), Err: errors.New("unknown binary event type")}
	}
}

// DecodeText decodes a JSON control frame of the form {"type": ..., "data": ...}.
func (d *Decoder) DecodeText(frame []byte) (Event, error) {
	if !gjson.ValidBytes(frame) {
		return Event{}, &DecodeError{Kind: "json", Err: errors.New("invalid json")}
	}
	msgType := gjson.GetBytes(frame, "type").String()
	data := gjson.GetBytes(frame, "data")
	raw := []byte(data.Raw)
	if !data.Exists() {
		raw = []byte("null")
	}

	var payload any
	switch EventType(msgType) {
	case EventStatus:
		var s Status
		// Status frames nest the queue state under data.status.
		if st := data.Get("status"); st.Exists() && st.Type != gjson.Null {
			if err := json.Unmarshal([]byte(st.Raw), &s); err != nil {
				return Event{}, &DecodeError{Kind: "json", Type: msgType, Err: err}
			}
		}
		s.SID = data.Get("sid").String()
		payload = &s
	case EventProgress:
		payload = &Progress{}
	case EventExecuting:
		payload = &Executing{}
	case EventExecuted:
		payload = &Executed{}
	case EventExecutionStart:
		payload = &ExecutionStart{}
	case EventExecutionCached:
		payload = &ExecutionCached{}
	case EventExecutionInterrupted:
		payload = &ExecutionInterrupted{}
	case EventExecutionError:
		payload = &ExecutionError{}
	case EventExecutionSuccess:
		payload = &ExecutionSuccess{}
	default:
		if msgType != "" && d.registered(msgType) {
			return Event{Type: EventType(msgType), Data: json.RawMessage(raw)}, nil
		}
		return Event{}, &DecodeError{Kind: "json", Type: msgType, Err: errors.New("unknown message type")}
	}

	if msgType != string(EventStatus) {
		if err := json.Unmarshal(raw, payload); err != nil {
			return Event{}, &DecodeError{Kind: "json", Type: msgType, Err: err}
		}
	}
	return Event{Type: EventType(msgType), Data: payload}, nil
}
