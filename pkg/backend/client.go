// Package backend talks to a ComfyUI-compatible backend: it keeps a
// realtime websocket session that turns frames into typed events, and it
// wraps the REST routes used to queue prompts and inspect the queue.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultReconnectDelay  = 300 * time.Millisecond
	DefaultPollInterval    = time.Second
	DefaultHistoryMaxItems = 200
)

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. http://127.0.0.1:8188.
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
	// Store persists the client id. Defaults to an in-memory store.
	Store           SessionStore
	ReconnectDelay  time.Duration
	PollInterval    time.Duration
	HistoryMaxItems int
}

type socketState int

const (
	stateDisconnected socketState = iota
	stateConnecting
	stateOpen
	stateWaiting // reconnect scheduled
)

// Client is a session with one backend. Socket lifecycle callbacks run on a
// single loop goroutine started by Start, so handlers registered on Events
// are invoked one at a time in arrival order.
type Client struct {
	base            *url.URL
	http            *http.Client
	dialer          *websocket.Dialer
	logger          *slog.Logger
	store           SessionStore
	reconnectDelay  time.Duration
	pollInterval    time.Duration
	historyMaxItems int

	events  *Dispatcher
	decoder *Decoder

	idMu     sync.RWMutex
	clientID string

	ops       chan func()
	stopped   chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// dispatching is set while the loop runs a callback.
	dispatching atomic.Bool

	// Owned by the loop goroutine.
	state       socketState
	gen         uint64
	conn        *websocket.Conn
	isReconnect bool
	opened      bool
	timer       *time.Timer
	pollCancel  context.CancelFunc
	pollGen     uint64
}

// New creates a Client. The client id is read from the store, or generated
// and saved when the store has none.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend: unsupported scheme %q", base.Scheme)
	}
	c := &Client{
		base:            base,
		http:            opts.HTTPClient,
		dialer:          opts.Dialer,
		logger:          opts.Logger,
		store:           opts.Store,
		reconnectDelay:  opts.ReconnectDelay,
		pollInterval:    opts.PollInterval,
		historyMaxItems: opts.HistoryMaxItems,
		events:          NewDispatcher(),
		decoder:         NewDecoder(),
		ops:             make(chan func(), 64),
		stopped:         make(chan struct{}),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.store == nil {
		c.store = NewMemorySessionStore()
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.historyMaxItems <= 0 {
		c.historyMaxItems = DefaultHistoryMaxItems
	}

	id, err := c.store.Load(SessionKey)
	if err != nil {
		c.logger.Warn("load client id", "err", err)
	}
	if id == "" {
		id = NewClientID()
		if err := c.store.Save(SessionKey, id); err != nil {
			c.logger.Warn("save client id", "err", err)
		}
	}
	c.clientID = id
	return c, nil
}

// Events returns the dispatcher that receives every event of this client.
func (c *Client) Events() *Dispatcher { return c.events }

// RegisterMessageType makes JSON frames of type t surface as events instead
// of being dropped.
func (c *Client) RegisterMessageType(t string) { c.decoder.RegisterMessageType(t) }

// ClientID returns the current session id.
func (c *Client) ClientID() string {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.clientID
}

func (c *Client) setClientID(id string) {
	c.idMu.Lock()
	changed := c.clientID != id
	c.clientID = id
	c.idMu.Unlock()
	if !changed {
		return
	}
	if err := c.store.Save(SessionKey, id); err != nil {
		c.logger.Warn("save client id", "err", err)
	}
	c.logger.Debug("client id assigned", "client_id", id)
}

// Start runs the event loop until ctx is cancelled or Close is called, and
// opens the socket. Calling Start again only re-runs Init.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.run()
	})
	c.Init()
}

// Init opens the socket. It does nothing while a socket exists or a
// reconnect is pending.
func (c *Client) Init() {
	c.post(func() { c.createSocket(false) })
}

// Close stops the loop, the poller and any pending reconnect, and waits
// for the loop to exit. Called while an event handler runs, it returns
// without waiting, since the loop cannot exit before the handler returns;
// use Done to observe the exit.
func (c *Client) Close() {
	started := true
	c.startOnce.Do(func() { started = false })
	if !started {
		c.stopOnce.Do(func() { close(c.stopped) })
		return
	}
	c.cancel()
	if c.dispatching.Load() {
		return
	}
	<-c.stopped
}

// Done is closed once the loop has exited.
func (c *Client) Done() <-chan struct{} { return c.stopped }

func (c *Client) run() {
	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		case fn := <-c.ops:
			c.dispatching.Store(true)
			fn()
			c.dispatching.Store(false)
		}
	}
}

// post schedules fn on the loop. It reports false once the loop is gone.
func (c *Client) post(fn func()) bool {
	select {
	case <-c.stopped:
		return false
	default:
	}
	select {
	case c.ops <- fn:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Client) teardown() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.stopPolling()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = stateDisconnected
	c.stopOnce.Do(func() { close(c.stopped) })
	c.logger.Debug("backend client stopped")
}

func (c *Client) wsURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	if id := c.ClientID(); id != "" {
		q.Set("clientId", id)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) apiURL(route string) string {
	return c.base.String() + route
}

// ─── socket lifecycle (loop goroutine) ────────────────────────────────────────

func (c *Client) createSocket(isReconnect bool) {
	if c.state != stateDisconnected {
		return
	}
	c.gen++
	gen := c.gen
	c.state = stateConnecting
	c.isReconnect = isReconnect
	c.opened = false
	target := c.wsURL()
	c.logger.Debug("dialing backend socket", "url", target, "reconnect", isReconnect)

	ctx := c.ctx
	go func() {
		conn, resp, err := c.dialer.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			c.post(func() { c.onError(gen, err) })
			c.post(func() { c.onClose(gen) })
			return
		}
		if !c.post(func() { c.onOpen(gen, conn) }) {
			_ = conn.Close()
		}
	}()
}

func (c *Client) onOpen(gen uint64, conn *websocket.Conn) {
	if gen != c.gen || c.state != stateConnecting {
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = stateOpen
	c.opened = true
	c.stopPolling()
	c.logger.Info("backend socket open", "reconnect", c.isReconnect)
	if c.isReconnect {
		c.events.Emit(Event{Type: EventReconnected})
	}
	go c.read(gen, conn)
}

func (c *Client) read(gen uint64, conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.post(func() { c.onClose(gen) })
			return
		}
		if !c.post(func() { c.onMessage(gen, mt, data) }) {
			return
		}
	}
}

func (c *Client) onError(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.logger.Warn("backend socket error", "err", err, "reconnect", c.isReconnect)
	// A first connection that never opened falls back to polling.
	if !c.isReconnect && !c.opened {
		c.startPolling()
	}
}

func (c *Client) onClose(gen uint64) {
	if gen != c.gen || c.state == stateDisconnected || c.state == stateWaiting {
		return
	}
	wasOpen := c.opened
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = stateWaiting
	c.timer = time.AfterFunc(c.reconnectDelay, func() {
		c.post(func() {
			if c.state != stateWaiting || gen != c.gen {
				return
			}
			c.timer = nil
			c.state = stateDisconnected
			c.createSocket(true)
		})
	})
	if wasOpen {
		c.logger.Info("backend socket closed; reconnecting", "delay", c.reconnectDelay)
		c.events.Emit(Event{Type: EventStatus})
		c.events.Emit(Event{Type: EventReconnecting})
	}
}

func (c *Client) onMessage(gen uint64, mt int, data []byte) {
	if gen != c.gen {
		return
	}
	var (
		ev  Event
		err error
	)
	switch mt {
	case websocket.BinaryMessage:
		ev, err = DecodeBinary(data)
	case websocket.TextMessage:
		ev, err = c.decoder.DecodeText(data)
	default:
		return
	}
	if err != nil {
		c.logger.Warn("unhandled backend message", "err", err)
		return
	}
	if ev.Type == EventStatus {
		if s, ok := ev.Data.(*Status); ok && s.SID != "" {
			c.setClientID(s.SID)
		}
	}
	c.events.Emit(ev)
}

// ─── polling fallback ─────────────────────────────────────────────────────────

func (c *Client) startPolling() {
	if c.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.pollCancel = cancel
	c.pollGen++
	pg := c.pollGen
	c.logger.Info("backend socket unavailable; polling queue status", "interval", c.pollInterval)

	go func() {
		t := time.NewTicker(c.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			st, err := c.GetPromptStatus(ctx)
			if ctx.Err() != nil {
				return
			}
			c.post(func() {
				if c.pollCancel == nil || c.pollGen != pg {
					return
				}
				if err != nil {
					c.logger.Debug("poll queue status", "err", err)
					c.events.Emit(Event{Type: EventStatus})
					return
				}
				c.events.Emit(Event{Type: EventStatus, Data: st})
			})
		}
	}()
}

func (c *Client) stopPolling() {
	if c.pollCancel == nil {
		return
	}
	c.pollCancel()
	c.pollCancel = nil
}
