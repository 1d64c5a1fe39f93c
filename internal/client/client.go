// Package client implements the reconnecting hub connection shared by the
// agent and the dashboard.
//
// A Client owns one goroutine that dials the hub, runs the session timers
// (liveness ping and periodic self-status) while the socket is open, and
// schedules reconnects with capped exponential backoff when it is not.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/backoff"
	"github.com/remote-agent-terminal/relayhub/internal/config"
	"github.com/remote-agent-terminal/relayhub/internal/model"
	"github.com/remote-agent-terminal/relayhub/pkg/envelope"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingInterval   = 20 * time.Second
	defaultStatusInterval = 30 * time.Second

	writeWait = 10 * time.Second
)

// State is the connection state of a Client.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Client.
type Options struct {
	// URL is the hub base address. http/https are mapped to ws/wss, a
	// missing scheme means ws and an empty path means /ws.
	URL   string
	Role  envelope.Role
	Token string

	// DeviceID and Name identify an agent. Ignored for dashboards.
	DeviceID string
	Name     string

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	StatusInterval time.Duration
	Backoff        backoff.Policy

	// StatusType and Status produce the periodic self-status envelope.
	// A nil Status disables it.
	StatusType string
	Status     func() any

	// OnEnvelope receives every inbound envelope except liveness replies.
	// It runs on the read goroutine and must not block for long. It may
	// call Close, which then returns without waiting for the loop.
	OnEnvelope func(*envelope.Envelope)

	// OnStateChange is called from the run goroutine on every transition.
	// Like OnEnvelope it may call Close.
	OnStateChange func(State)

	Logger zerolog.Logger
	Dialer *websocket.Dialer
}

// OptionsFromConfig maps the shared client configuration onto Options.
func OptionsFromConfig(cfg *config.ClientConfig, role envelope.Role, log zerolog.Logger) Options {
	return Options{
		URL:            cfg.HubURL,
		Role:           role,
		Token:          cfg.Token,
		DeviceID:       cfg.DeviceID,
		Name:           cfg.Name,
		ConnectTimeout: cfg.ConnectTimeout,
		PingInterval:   cfg.PingInterval,
		StatusInterval: cfg.StatusInterval,
		Backoff:        backoff.New(cfg.BackoffFloor, cfg.BackoffCeiling),
		Logger:         log,
	}
}

// Client is a reconnecting hub connection.
type Client struct {
	opts Options
	url  string
	log  zerolog.Logger

	state   atomic.Int32
	attempt atomic.Int32
	delay   atomic.Int64
	welcome atomic.Pointer[envelope.Welcome]

	mu   sync.Mutex
	conn *websocket.Conn

	// Serialises data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	lifeMu    sync.Mutex
	started   bool
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	// callbacks counts OnEnvelope and OnStateChange calls in progress.
	callbacks atomic.Int32
}

// New validates opts and returns an idle client. Call Start to connect.
func New(opts Options) (*Client, error) {
	if !opts.Role.Valid() {
		return nil, model.ErrInvalidRole
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, model.ErrEmptyToken
	}
	target, err := BuildURL(opts.URL, opts.Role, opts.Token, opts.DeviceID, opts.Name)
	if err != nil {
		return nil, err
	}

	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = defaultStatusInterval
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.ConnectTimeout,
		}
	}

	return &Client{
		opts: opts,
		url:  target,
		log: opts.Logger.With().
			Str("component", "client").
			Str("role", string(opts.Role)).
			Logger(),
		done: make(chan struct{}),
	}, nil
}

// BuildURL normalises a hub base address and appends the handshake query.
func BuildURL(base string, role envelope.Role, token, deviceID, name string) (string, error) {
	raw := strings.TrimSpace(base)
	if raw == "" {
		return "", errors.New("hub url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid hub url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid hub url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid hub url %q: missing host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	// Parameter names match the hub's handshake.
	q := u.Query()
	q.Set("role", string(role))
	q.Set("token", token)
	if role == envelope.RoleAgent {
		if deviceID != "" {
			q.Set("deviceId", deviceID)
		}
		if name != "" {
			q.Set("name", name)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start launches the connection loop. It returns ErrClientClosed if the
// client was already started or closed.
func (c *Client) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started || c.closed.Load() {
		return model.ErrClientClosed
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Close stops the client permanently and waits for the connection loop to
// exit. It is safe to call more than once. Called from a callback it only
// stops the loop, since the loop cannot finish until the callback returns.
func (c *Client) Close() error {
	idle := false
	c.closeOnce.Do(func() {
		c.lifeMu.Lock()
		c.closed.Store(true)
		started, cancel := c.started, c.cancel
		c.lifeMu.Unlock()

		if started {
			cancel()
			return
		}
		idle = true
	})
	if idle {
		// No loop to wait for.
		c.setState(StateTerminated)
		close(c.done)
		return nil
	}
	if c.callbacks.Load() > 0 {
		return nil
	}
	<-c.done
	return nil
}

// Done is closed once the client has terminated.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Attempt returns the number of consecutive failed connections.
func (c *Client) Attempt() int {
	return int(c.attempt.Load())
}

// BackoffDelay returns the wait before the pending or most recent reconnect.
func (c *Client) BackoffDelay() time.Duration {
	return time.Duration(c.delay.Load())
}

// Welcome returns the hub_welcome of the current session, or nil.
func (c *Client) Welcome() *envelope.Welcome {
	return c.welcome.Load()
}

// URL returns the normalised handshake address. It carries the token.
func (c *Client) URL() string {
	return c.url
}

// redact drops the handshake query so the token stays out of logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}

// Send writes env to the hub. It never queues: when the socket is not open
// it fails immediately with ErrNotConnected.
func (c *Client) Send(env *envelope.Envelope) error {
	if c.closed.Load() {
		return model.ErrClientClosed
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return model.ErrNotConnected
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	return nil
}

// SendType builds an envelope of typ around payload and sends it.
func (c *Client) SendType(typ string, payload any) error {
	env, err := envelope.New(typ, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.log.Debug().Stringer("from", old).Stringer("to", s).Msg("state changed")
	if c.opts.OnStateChange != nil {
		c.callbacks.Add(1)
		defer c.callbacks.Add(-1)
		c.opts.OnStateChange(s)
	}
}

// run is the connection loop. It owns the connect timeout, the session
// timers and the reconnect timer, so none of them outlive it.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateTerminated)

	for {
		conn, err := c.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			c.log.Warn().Err(err).Int("attempt", c.Attempt()).Msg("failed to connect to hub")
		} else {
			c.attempt.Store(0)
			c.session(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}

		attempt := int(c.attempt.Add(1))
		delay := c.opts.Backoff.Delay(attempt)
		c.delay.Store(int64(delay))
		c.setState(StateBackoff)
		c.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnect scheduled")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// dial opens the socket within ConnectTimeout. A handshake that has not
// completed by then is abandoned and its transport closed.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// session runs one open connection until it fails or ctx is cancelled.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go c.readLoop(conn, readErr)

	c.setState(StateOpen)
	c.log.Info().Str("url", redact(c.url)).Msg("connected to hub")

	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	status := time.NewTicker(c.opts.StatusInterval)
	defer status.Stop()

	c.sendStatus()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.welcome.Store(nil)
	}()

	for {
		select {
		case err := <-readErr:
			c.log.Warn().Err(err).Msg("hub connection lost")
			conn.Close()
			return

		case <-ping.C:
			if err := c.Send(envelope.MustNew(envelope.TypePing, nil)); err != nil {
				c.log.Debug().Err(err).Msg("liveness ping failed")
				conn.Close()
			}

		case <-status.C:
			c.sendStatus()

		case <-ctx.Done():
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
			<-readErr
			c.log.Info().Msg("disconnected from hub")
			return
		}
	}
}

func (c *Client) sendStatus() {
	if c.opts.Status == nil || c.opts.StatusType == "" {
		return
	}
	if err := c.SendType(c.opts.StatusType, c.opts.Status()); err != nil {
		c.log.Debug().Err(err).Msg("self-status not sent")
	}
}

// readLoop reads until the socket fails. Any frame, including hub
// heartbeat pings, extends the read deadline.
func (c *Client) readLoop(conn *websocket.Conn, errc chan<- error) {
	timeout := 2 * c.opts.PingInterval
	extend := func() {
		conn.SetReadDeadline(time.Now().Add(timeout))
	}
	extend()

	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		extend()

		env, err := envelope.Parse(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed frame from hub")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypePong, envelope.TypePing:
		return
	case envelope.TypeHubWelcome:
		var welcome envelope.Welcome
		if err := env.Decode(&welcome); err == nil {
			c.welcome.Store(&welcome)
			c.log.Info().
				Str("clientId", welcome.ClientID).
				Int("peers", len(welcome.Peers)).
				Msg("welcomed by hub")
		}
	}
	if c.opts.OnEnvelope != nil {
		c.callbacks.Add(1)
		defer c.callbacks.Add(-1)
		c.opts.OnEnvelope(env)
	}
}
