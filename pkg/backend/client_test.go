package backend_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/comfyflow/pkg/backend"
)

// ─── fake backend ─────────────────────────────────────────────────────────────

type fakeBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// wsDown makes /ws answer 503 instead of upgrading.
	wsDown atomic.Bool
	conns  chan *websocket.Conn

	mu        sync.Mutex
	clientIDs []string
	queueLen  int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(chan *websocket.Conn, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if fb.wsDown.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fb.mu.Lock()
		fb.clientIDs = append(fb.clientIDs, r.URL.Query().Get("clientId"))
		fb.mu.Unlock()
		conn, err := fb.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.conns <- conn
	})
	mux.HandleFunc("GET /prompt", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		n := fb.queueLen
		fb.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"exec_info": map[string]any{"queue_remaining": n}})
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fb.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket")
		return nil
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T, baseURL string, store backend.SessionStore) *backend.Client {
	t.Helper()
	c, err := backend.New(backend.Options{
		BaseURL:        baseURL,
		Logger:         quietLogger(),
		Store:          store,
		ReconnectDelay: 20 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// collect subscribes to every event and returns the receiving channel.
func collect(c *backend.Client) <-chan backend.Event {
	ch := make(chan backend.Event, 64)
	c.Events().SubscribeAll(func(e backend.Event) { ch <- e })
	return ch
}

func next(t *testing.T, ch <-chan backend.Event) backend.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return backend.Event{}
	}
}

// ─── socket tests ─────────────────────────────────────────────────────────────

func TestClient_PreviewAndUnknownFrames(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	c := newClient(t, fb.srv.URL, nil)
	events := collect(c)
	c.Start(t.Context())
	conn := fb.nextConn(t)

	frame := []byte{0, 0, 0, 1, 0, 0, 0, 2, 0x89, 'P', 'N', 'G'}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"crystools.monitor","data":{}}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 9}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"node":"3","prompt_id":"p1"}}`)))

	ev := next(t, events)
	require.Equal(t, backend.EventPreview, ev.Type)
	p, ok := ev.Data.(*backend.Preview)
	require.True(t, ok)
	assert.Equal(t, "image/png", p.Mime)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, p.Data)

	// The unknown frames are dropped without closing the socket.
	ev = next(t, events)
	require.Equal(t, backend.EventExecuting, ev.Type)
	ex := ev.Data.(*backend.Executing)
	require.NotNil(t, ex.Node)
	assert.Equal(t, "3", *ex.Node)
	assert.Equal(t, "p1", ex.PromptID)
}

func TestClient_RegisteredMessageType(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	c := newClient(t, fb.srv.URL, nil)
	c.RegisterMessageType("crystools.monitor")
	got := make(chan backend.Event, 1)
	c.Events().Subscribe("crystools.monitor", func(e backend.Event) { got <- e })
	c.Start(t.Context())
	conn := fb.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"crystools.monitor","data":{"cpu":12}}`)))
	ev := next(t, got)
	assert.JSONEq(t, `{"cpu":12}`, string(ev.Data.(json.RawMessage)))
}

func TestClient_ReconnectSequence(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	c := newClient(t, fb.srv.URL, nil)
	events := collect(c)
	c.Start(t.Context())
	conn := fb.nextConn(t)

	require.NoError(t, conn.Close())

	ev := next(t, events)
	assert.Equal(t, backend.EventStatus, ev.Type)
	assert.Nil(t, ev.Data)
	assert.Equal(t, backend.EventReconnecting, next(t, events).Type)

	fb.nextConn(t)
	assert.Equal(t, backend.EventReconnected, next(t, events).Type)
}

func TestClient_CloseFromHandler(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	c := newClient(t, fb.srv.URL, nil)
	returned := make(chan struct{})
	c.Events().Subscribe(backend.EventExecuting, func(backend.Event) {
		c.Close()
		close(returned)
	})
	c.Start(t.Context())
	conn := fb.nextConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`)))
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked inside the handler")
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit")
	}
}

func TestClient_InitIsIdempotent(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	c := newClient(t, fb.srv.URL, nil)
	c.Start(t.Context())
	c.Init()
	c.Init()
	fb.nextConn(t)

	select {
	case <-fb.conns:
		t.Fatal("Init opened a second socket")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_PollingFallback(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	fb.wsDown.Store(true)
	fb.mu.Lock()
	fb.queueLen = 3
	fb.mu.Unlock()

	c := newClient(t, fb.srv.URL, nil)
	events := collect(c)
	c.Start(t.Context())

	ev := next(t, events)
	require.Equal(t, backend.EventStatus, ev.Type)
	st, ok := ev.Data.(*backend.Status)
	require.True(t, ok)
	assert.Equal(t, 3, st.ExecInfo.QueueRemaining)

	fb.wsDown.Store(false)
	fb.nextConn(t)

	// Drain polled statuses until the socket reports it is back.
	for {
		ev = next(t, events)
		if ev.Type == backend.EventReconnected {
			break
		}
		require.Equal(t, backend.EventStatus, ev.Type)
	}

	// Polling stops once the socket is open.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after reconnect: %s", ev.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestClient_SessionIDPersisted(t *testing.T) {
	t.Parallel()
	fb := newFakeBackend(t)
	store := backend.NewMemorySessionStore()
	c := newClient(t, fb.srv.URL, store)
	events := collect(c)

	initial := c.ClientID()
	require.NotEmpty(t, initial)
	saved, err := store.Load(backend.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, initial, saved)

	c.Start(t.Context())
	conn := fb.nextConn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}},"sid":"abc123"}}`)))

	ev := next(t, events)
	require.Equal(t, backend.EventStatus, ev.Type)
	st := ev.Data.(*backend.Status)
	assert.Equal(t, 1, st.ExecInfo.QueueRemaining)
	assert.Equal(t, "abc123", st.SID)
	assert.Equal(t, "abc123", c.ClientID())

	saved, err = store.Load(backend.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, "abc123", saved)

	// The next socket identifies with the assigned id.
	require.NoError(t, conn.Close())
	fb.nextConn(t)
	fb.mu.Lock()
	ids := append([]string(nil), fb.clientIDs...)
	fb.mu.Unlock()
	require.Len(t, ids, 2)
	assert.Equal(t, initial, ids[0])
	assert.Equal(t, "abc123", ids[1])
}

func TestClient_StoredIDReused(t *testing.T) {
	t.Parallel()
	store := backend.NewMemorySessionStore()
	require.NoError(t, store.Save(backend.SessionKey, "kept"))
	c := newClient(t, "http://127.0.0.1:1", store)
	assert.Equal(t, "kept", c.ClientID())
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	_, err := backend.New(backend.Options{})
	require.Error(t, err)
	_, err = backend.New(backend.Options{BaseURL: "ftp://example.com"})
	require.ErrorContains(t, err, "unsupported scheme")
}

func TestClient_CloseBeforeStart(t *testing.T) {
	t.Parallel()
	c, err := backend.New(backend.Options{BaseURL: "http://127.0.0.1:1", Logger: quietLogger()})
	require.NoError(t, err)
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}
