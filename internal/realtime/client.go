// Package realtime keeps one Socket.IO connection to the backend joined to the session's
// tenant room and delivers alert events to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/apiclient"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/metrics"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/realtime/sio"
	"github.com/raoufmedjdoub-netizen/Ohmguard-Mobile/internal/telemetry"
)

// State is the connection state of the channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateJoined:
		return "JOINED"
	}
	return "DISCONNECTED"
}

var (
	errConnectRejected = errors.New("realtime: connection rejected")
	errJoinRejected    = errors.New("realtime: join rejected")
	errServerClosed    = errors.New("realtime: closed by server")
)

// TokenSource returns the access token for the next (re)connect. rejected is the token the
// server refused on the previous attempt, or empty; again reports that rejected was itself
// obtained after a refusal. An error matching apiclient.ErrUnauthenticated stops reconnection.
type TokenSource func(ctx context.Context, rejected string, again bool) (string, error)

// Options configures a Client. Zero values select defaults.
type Options struct {
	// URL is the backend origin (ws, wss, http or https).
	URL string
	// Path is the Socket.IO endpoint (default "/socket.io/").
	Path string
	// MinDelay and MaxDelay bound the reconnect backoff (defaults 1s and 30s).
	MinDelay time.Duration
	MaxDelay time.Duration
	// JoinTimeout bounds the handshake and room join (default 10s).
	JoinTimeout time.Duration
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Emitter     telemetry.EventEmitter
}

// Client is the realtime channel. Connect and Disconnect may be called from any goroutine.
// Subscribers are invoked sequentially, in arrival order, from the connection goroutine.
type Client struct {
	endpoint    string
	minDelay    time.Duration
	maxDelay    time.Duration
	joinTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	emitter     telemetry.EventEmitter

	lifecycle sync.Mutex // serializes Connect and Disconnect

	mu       sync.Mutex
	state    State
	tenant   string
	token    string
	source   TokenSource
	cancel   context.CancelFunc
	done     chan struct{}
	conn     *websocket.Conn
	subs     map[int]func(Event)
	nextSub  int
	watchers map[int]func(State)
}

// New returns a disconnected Client for opts.URL.
func New(opts Options) (*Client, error) {
	endpoint, err := socketURL(opts.URL, opts.Path)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:    endpoint,
		minDelay:    opts.MinDelay,
		maxDelay:    opts.MaxDelay,
		joinTimeout: opts.JoinTimeout,
		dialer:      opts.Dialer,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		emitter:     opts.Emitter,
		subs:        make(map[int]func(Event)),
		watchers:    make(map[int]func(State)),
	}
	if c.minDelay <= 0 {
		c.minDelay = time.Second
	}
	if c.maxDelay < c.minDelay {
		c.maxDelay = max(30*time.Second, c.minDelay)
	}
	if c.joinTimeout <= 0 {
		c.joinTimeout = 10 * time.Second
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func socketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("realtime: invalid url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = "/" + strings.Trim(path, "/") + "/"
	u.RawQuery = sio.Query
	return u.String(), nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for inbound events and returns a function that removes it.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// WatchState registers fn for state transitions and returns a function that removes it.
func (c *Client) WatchState(fn func(State)) (unwatch func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// SetTokenSource makes every (re)connect ask src for the token instead of using the last
// token passed to Connect or UpdateToken.
func (c *Client) SetTokenSource(src TokenSource) {
	c.mu.Lock()
	c.source = src
	c.mu.Unlock()
}

// UpdateToken replaces the token used by the next reconnect. The live connection is kept.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Connect joins tenantID's room and keeps reconnecting until Disconnect. Calling it again
// for the same tenant only updates the token; a different tenant tears down and rejoins.
func (c *Client) Connect(tenantID, token string) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.cancel != nil && c.tenant == tenantID && !isClosed(c.done) {
		c.token = token
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.tenant, c.token = tenantID, token
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	go c.run(ctx, tenantID, done)
}

// Disconnect closes the connection, stops reconnecting and drops every subscription.
// It is safe to call repeatedly.
func (c *Client) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stop()
	c.mu.Lock()
	c.subs = make(map[int]func(Event))
	c.tenant, c.token = "", ""
	c.mu.Unlock()
}

// stop cancels the run loop and waits for it to exit.
func (c *Client) stop() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

func (c *Client) run(ctx context.Context, tenantID string, done chan struct{}) {
	defer close(done)
	defer c.setState(StateDisconnected)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.minDelay
	b.MaxInterval = c.maxDelay
	b.Reset()

	// rejected is the last token refused by the server since the last successful join.
	var rejected string
	again := false
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.IncReconnect()
		}
		c.setState(StateConnecting)
		token, err := c.nextToken(ctx, rejected, again)
		if errors.Is(err, apiclient.ErrUnauthenticated) {
			c.logger.Info("realtime: session no longer valid, not reconnecting", "error", err)
			return
		}
		if err == nil {
			var joined bool
			joined, err = c.session(ctx, tenantID, token)
			switch {
			case joined:
				b.Reset()
				rejected, again = "", false
			case errors.Is(err, errConnectRejected) && token != rejected:
				again = rejected != ""
				rejected = token
			}
		}
		if ctx.Err() != nil {
			return
		}
		c.setState(StateDisconnected)
		delay := b.NextBackOff()
		c.logger.Warn("realtime: connection lost, retrying", "error", err, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) nextToken(ctx context.Context, rejected string, again bool) (string, error) {
	c.mu.Lock()
	src, token := c.source, c.token
	c.mu.Unlock()
	if src == nil {
		if rejected != "" && token == rejected {
			return "", fmt.Errorf("%w: token refused by server", apiclient.ErrUnauthenticated)
		}
		return token, nil
	}
	// src may end the session, which calls Disconnect and waits for this loop.
	type result struct {
		token string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := src(ctx, rejected, again)
		ch <- result{t, err}
	}()
	select {
	case r := <-ch:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// session runs one connection until it fails or ctx is cancelled. joined reports whether
// the room join succeeded.
func (c *Client) session(ctx context.Context, tenantID, token string) (joined bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, c.endpoint, http.Header{})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("%w: %s", errConnectRejected, resp.Status)
		}
		return false, fmt.Errorf("realtime: dial: %w", err)
	}
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return false, ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	open, err := c.handshake(conn, tenantID, token)
	if err != nil {
		return false, err
	}
	c.setState(StateJoined)
	c.logger.Info("realtime: joined tenant room", "tenant_id", tenantID, "sid", open.SID)
	telemetry.EmitAsync(c.emitter, &telemetry.Event{Type: telemetry.EventRealtimeJoined, TenantID: tenantID, Source: "realtime"})

	return true, c.readLoop(conn, open)
}

// handshake performs the Engine.IO open, Socket.IO connect and join_tenant exchange.
func (c *Client) handshake(conn *websocket.Conn, tenantID, token string) (sio.OpenPayload, error) {
	var open sio.OpenPayload
	_ = conn.SetReadDeadline(time.Now().Add(c.joinTimeout))

	p, err := readPacket(conn)
	if err != nil {
		return open, err
	}
	if p.Type != sio.Open {
		return open, fmt.Errorf("realtime: expected open packet, got %q", p.Type)
	}
	if err := json.Unmarshal(p.Data, &open); err != nil {
		return open, fmt.Errorf("realtime: open packet: %w", err)
	}

	msg, err := sio.EncodeConnect(map[string]string{"token": token})
	if err != nil {
		return open, err
	}
	if err := writePacket(conn, msg); err != nil {
		return open, err
	}
	if err := c.await(conn, func(p sio.Packet) (bool, error) {
		switch p.SIO {
		case sio.Connect:
			return true, nil
		case sio.ConnectError:
			return false, fmt.Errorf("%w: %s", errConnectRejected, p.Data)
		}
		return false, nil
	}); err != nil {
		return open, err
	}

	const joinAck = 1
	join := map[string]string{"tenant_id": tenantID, "token": token}
	if msg, err = sio.EncodeEvent(joinAck, EventJoinTenant, join); err != nil {
		return open, err
	}
	if err := writePacket(conn, msg); err != nil {
		return open, err
	}
	err = c.await(conn, func(p sio.Packet) (bool, error) {
		switch {
		case p.SIO == sio.Ack && p.AckID == joinAck:
			args, err := p.AckArgs()
			if err != nil || len(args) == 0 {
				return true, nil
			}
			var res struct {
				Success *bool  `json:"success"`
				Error   string `json:"error"`
			}
			if json.Unmarshal(args[0], &res) == nil && res.Success != nil && !*res.Success {
				return false, fmt.Errorf("%w: %s", errJoinRejected, res.Error)
			}
			return true, nil
		case p.SIO == sio.Event:
			name, _, err := p.EventArgs()
			return err == nil && name == EventJoined, nil
		}
		return false, nil
	})
	_ = conn.SetReadDeadline(time.Time{})
	return open, err
}

// await reads packets, answering pings, until match reports done or an error.
func (c *Client) await(conn *websocket.Conn, match func(sio.Packet) (bool, error)) error {
	for {
		p, err := readPacket(conn)
		if err != nil {
			return err
		}
		switch p.Type {
		case sio.Ping:
			if err := writePacket(conn, []byte{sio.Pong}); err != nil {
				return err
			}
			continue
		case sio.Close:
			return errServerClosed
		case sio.Message:
			if p.SIO == sio.Disconnect {
				return errServerClosed
			}
			ok, err := match(p)
			if err != nil || ok {
				return err
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, open sio.OpenPayload) error {
	// The server pings every pingInterval; missing one for pingTimeout means the link is dead.
	idle := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if idle <= 0 {
		idle = 45 * time.Second
	}
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		p, err := readPacket(conn)
		if err != nil {
			return err
		}
		switch p.Type {
		case sio.Ping:
			if err := writePacket(conn, []byte{sio.Pong}); err != nil {
				return err
			}
		case sio.Close:
			return errServerClosed
		case sio.Message:
			switch p.SIO {
			case sio.Disconnect:
				return errServerClosed
			case sio.Event:
				c.dispatch(p)
			}
		}
	}
}

func (c *Client) dispatch(p sio.Packet) {
	name, args, err := p.EventArgs()
	if err != nil {
		c.logger.Warn("realtime: malformed event", "error", err)
		return
	}
	ev, err := decodeEvent(name, args)
	if errors.Is(err, errIgnored) {
		c.logger.Debug("realtime: event ignored", "event", name)
		return
	}
	if err != nil {
		c.logger.Warn("realtime: dropping undecodable event", "event", name, "error", err)
		return
	}
	c.metrics.IncEvent(ev.Kind.String())

	c.mu.Lock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	watchers := make([]func(State), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()
	c.metrics.SetRealtimeState(int(s))
	for _, fn := range watchers {
		fn(s)
	}
}

func readPacket(conn *websocket.Conn) (sio.Packet, error) {
	typ, msg, err := conn.ReadMessage()
	if err != nil {
		return sio.Packet{}, err
	}
	if typ != websocket.TextMessage {
		return sio.Packet{Type: sio.Noop}, nil
	}
	return sio.Parse(msg)
}

func writePacket(conn *websocket.Conn, msg []byte) error {
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
