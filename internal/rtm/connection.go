// Package rtm manages the shared real-time connection: dialing through
// route discovery, reconnection with backoff, environment gating, command
// correlation with timeouts, and heartbeats.
package rtm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/clock"
	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/logging"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/serial"
	"github.com/leancloud/swift-sdk-sub001/internal/transport"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	// DefaultCommandTimeout bounds a correlated call.
	DefaultCommandTimeout = 30 * time.Second
	// PingInterval is the idle time after which a ping is sent.
	PingInterval = 180 * time.Second
	// PongTimeout is how long a ping may stay unanswered before it is
	// re-sent.
	PongTimeout = 20 * time.Second
	// MaxMissedPongs unanswered pings in a row fail the socket.
	MaxMissedPongs = 3

	tickInterval = time.Second
	outboxSize   = 256
)

// Config configures a Connection.
type Config struct {
	AppID   string
	Variant protocol.Variant
	// ServerURL, when set, is dialed directly and Router is not used.
	ServerURL string
	Router    *Router
	Dialer    transport.Dialer
	Clock     clock.Clock
	Logger    *zap.Logger
	// CommandTimeout defaults to DefaultCommandTimeout.
	CommandTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Variant == "" {
		c.Variant = protocol.Unread
	}
	if c.Dialer == nil {
		c.Dialer = &transport.WebSocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
}

// State is the socket state of a Connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
)

// Delegate receives connection events for one peer. Methods run on the
// queue the peer registered with.
type Delegate interface {
	ConnectionInConnecting(c *Connection)
	ConnectionDidConnect(c *Connection)
	ConnectionDidDisconnect(c *Connection, err error)
	ConnectionDidReceive(c *Connection, cmd *protocol.Command)
}

type peer struct {
	id       string
	delegate Delegate
	queue    *serial.Queue
}

// ============================================================================
// Connection
// ============================================================================

// Connection is one physical socket shared by every peer of an
// (application, protocol variant) pair. All fields below the queue are
// owned by it.
type Connection struct {
	cfg Config
	log *zap.Logger
	q   *serial.Queue

	ctx    context.Context
	cancel context.CancelFunc
	ticker *clock.Ticker

	state        State
	gen          int
	socket       transport.Conn
	socketCancel context.CancelFunc
	outbox       chan outbound
	peers        map[string]*peer
	queues       map[string]*serial.Queue
	needPeerID   bool
	useSecondary bool

	backoff        backoff
	reconnectTimer *clock.Timer
	background     bool
	unreachable    bool

	calls callTable

	lastActivity time.Time
	lastPing     time.Time
	awaitingPong bool
	missedPongs  int
}

type outbound struct {
	cmd   *protocol.Command
	index int32
}

// New creates an idle connection. Use a Registry to share connections
// between peers.
func New(cfg Config) *Connection {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		peers:  make(map[string]*peer),
		queues: make(map[string]*serial.Queue),
		calls:  newCallTable(),
		log: logging.OrNop(cfg.Logger).Named("rtm").With(
			zap.String("app", cfg.AppID),
			zap.String("protocol", string(cfg.Variant)),
		),
	}
	c.q = serial.New(func(v any) {
		c.log.Error("panic in connection queue", zap.Any("panic", v))
	})
	c.ticker = cfg.Clock.NewTicker(tickInterval)
	go c.tickLoop()
	return c
}

// AppID returns the application the connection belongs to.
func (c *Connection) AppID() string { return c.cfg.AppID }

// Variant returns the negotiated protocol variant.
func (c *Connection) Variant() protocol.Variant { return c.cfg.Variant }

// State returns the socket state.
func (c *Connection) State() State {
	var s State
	if !c.q.Sync(func() { s = c.state }) {
		return StateClosed
	}
	return s
}

// Connect registers delegate for peerID and starts connecting if needed.
// Delegate methods are invoked on queue.
func (c *Connection) Connect(peerID string, delegate Delegate, queue *serial.Queue) {
	c.q.Async(func() {
		p := &peer{id: peerID, delegate: delegate, queue: queue}
		c.peers[peerID] = p
		c.queues[peerID] = queue
		if len(c.peers) > 1 {
			c.needPeerID = true
		}
		switch c.state {
		case StateConnected:
			queue.Async(func() { delegate.ConnectionDidConnect(c) })
		case StateConnecting:
			queue.Async(func() { delegate.ConnectionInConnecting(c) })
		case StateIdle:
			c.connect()
		}
	})
}

// Disconnect removes the delegate of peerID. The socket is closed when no
// peer remains. Callbacks of commands the peer sends afterwards still run
// on the queue it connected with.
func (c *Connection) Disconnect(peerID string) {
	c.q.Async(func() {
		if _, ok := c.peers[peerID]; !ok {
			return
		}
		delete(c.peers, peerID)
		if len(c.peers) == 0 {
			c.stopReconnectTimer()
			if c.state != StateIdle && c.state != StateClosed {
				c.teardown(errs.New(errs.CodeConnectionLost, "no registered client"), false)
			}
		}
	})
}

// Close tears the connection down permanently.
func (c *Connection) Close() {
	c.q.Async(func() {
		if c.state == StateClosed {
			return
		}
		c.stopReconnectTimer()
		if c.state != StateIdle {
			c.teardown(errs.New(errs.CodeConnectionLost, "connection closed"), true)
		}
		c.state = StateClosed
		c.ticker.Stop()
		c.cancel()
		c.q.Close()
	})
}

// ============================================================================
// Environment gating
// ============================================================================

// SetNetworkReachable reports network reachability changes.
func (c *Connection) SetNetworkReachable(reachable bool) {
	c.q.Async(func() {
		if c.unreachable == !reachable {
			return
		}
		c.unreachable = !reachable
		c.environmentChanged()
	})
}

// SetForeground reports application foreground/background changes.
func (c *Connection) SetForeground(foreground bool) {
	c.q.Async(func() {
		if c.background == !foreground {
			return
		}
		c.background = !foreground
		c.environmentChanged()
	})
}

func (c *Connection) blocked() bool {
	return c.background || c.unreachable
}

func (c *Connection) environmentChanged() {
	if c.state == StateClosed {
		return
	}
	c.log.Info("environment changed", zap.Bool("background", c.background), zap.Bool("unreachable", c.unreachable))
	c.backoff.reset()
	c.stopReconnectTimer()
	if c.state != StateIdle {
		c.teardown(errs.New(errs.CodeConnectionLost, "environment changed"), true)
	}
	if !c.blocked() {
		c.connect()
	}
}

// ============================================================================
// Connect / teardown
// ============================================================================

func (c *Connection) connect() {
	if c.state != StateIdle || len(c.peers) == 0 || c.blocked() {
		return
	}
	c.stopReconnectTimer()
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	for _, p := range c.peers {
		p := p
		p.queue.Async(func() { p.delegate.ConnectionInConnecting(c) })
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.socketCancel = cancel
	secondary := c.useSecondary
	go func() {
		url, err := c.resolveURL(ctx, secondary)
		if err != nil {
			c.q.Async(func() { c.dialFinished(gen, nil, err) })
			return
		}
		c.log.Debug("dialing", zap.String("url", url))
		conn, err := c.cfg.Dialer.Dial(ctx, url, c.cfg.Variant)
		c.q.Async(func() { c.dialFinished(gen, conn, err) })
	}()
}

func (c *Connection) resolveURL(ctx context.Context, secondary bool) (string, error) {
	if c.cfg.ServerURL != "" {
		return c.cfg.ServerURL, nil
	}
	if c.cfg.Router == nil {
		return "", errs.Inconsistency("neither a server URL nor a router is configured")
	}
	table, err := c.cfg.Router.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return table.URL(secondary), nil
}

func (c *Connection) dialFinished(gen int, conn transport.Conn, err error) {
	if gen != c.gen || c.state != StateConnecting {
		if conn != nil {
			go conn.Close("stale")
		}
		return
	}
	if err != nil {
		c.log.Warn("connect failed", zap.Error(err))
		c.socketCancel()
		c.state = StateIdle
		if c.cfg.Router != nil {
			c.cfg.Router.RecordFailure()
		}
		c.useSecondary = !c.useSecondary
		lost := errs.Annotate(err, errs.CodeConnectionLost, "connect failed")
		c.notifyDisconnect(lost)
		c.scheduleReconnect()
		return
	}

	c.state = StateConnected
	c.socket = conn
	c.backoff.reset()
	if c.cfg.Router != nil {
		c.cfg.Router.RecordSuccess()
	}
	now := c.cfg.Clock.Now()
	c.lastActivity = now
	c.awaitingPong = false
	c.missedPongs = 0
	c.outbox = make(chan outbound, outboxSize)

	ctx, cancel := context.WithCancel(c.ctx)
	c.socketCancel = cancel
	go c.readLoop(ctx, gen, conn)
	go c.writeLoop(ctx, gen, conn, c.outbox)

	c.log.Info("connected")
	for _, p := range c.peers {
		p := p
		p.queue.Async(func() { p.delegate.ConnectionDidConnect(c) })
	}
}

// teardown closes the socket, fails every pending call with err and
// optionally notifies peers.
func (c *Connection) teardown(err *errs.Error, notify bool) {
	c.gen++
	if c.socketCancel != nil {
		c.socketCancel()
		c.socketCancel = nil
	}
	if c.socket != nil {
		socket := c.socket
		go socket.Close(err.Reason)
		c.socket = nil
	}
	c.outbox = nil
	c.state = StateIdle
	c.awaitingPong = false
	c.missedPongs = 0
	c.failAllCalls(err)
	if notify {
		c.notifyDisconnect(err)
	}
}

func (c *Connection) notifyDisconnect(err error) {
	for _, p := range c.peers {
		p := p
		p.queue.Async(func() { p.delegate.ConnectionDidDisconnect(c, err) })
	}
}

func (c *Connection) scheduleReconnect() {
	if c.state == StateClosed || len(c.peers) == 0 || c.blocked() {
		return
	}
	c.stopReconnectTimer()
	delay := c.backoff.next()
	c.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", c.backoff.attempt))
	c.reconnectTimer = c.cfg.Clock.AfterFunc(delay, func() {
		c.q.Async(func() {
			c.reconnectTimer = nil
			c.connect()
		})
	})
}

func (c *Connection) stopReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// ============================================================================
// Socket loops
// ============================================================================

func (c *Connection) readLoop(ctx context.Context, gen int, conn transport.Conn) {
	for {
		cmd, err := conn.Receive(ctx)
		if err != nil {
			if errs.HasCode(err, errs.CodeMalformedData) {
				c.log.Warn("dropping undecodable frame", zap.Error(err))
				continue
			}
			c.q.Async(func() { c.socketFailed(gen, err) })
			return
		}
		c.q.Async(func() { c.handleInbound(gen, cmd) })
	}
}

func (c *Connection) writeLoop(ctx context.Context, gen int, conn transport.Conn, outbox <-chan outbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-outbox:
			err := conn.Send(ctx, out.cmd)
			if err == nil {
				continue
			}
			if errs.HasCode(err, errs.CodeCommandDataLengthTooLong) || errs.HasCode(err, errs.CodeMalformedData) {
				index := out.index
				c.q.Async(func() { c.resolveCall(index, nil, err) })
				continue
			}
			c.q.Async(func() { c.socketFailed(gen, err) })
			return
		}
	}
}

func (c *Connection) socketFailed(gen int, err error) {
	if gen != c.gen || c.state != StateConnected {
		return
	}
	c.log.Warn("socket failed", zap.Error(err))
	c.useSecondary = !c.useSecondary
	c.teardown(errs.Annotate(err, errs.CodeConnectionLost, "socket failed"), true)
	c.scheduleReconnect()
}

func (c *Connection) handleInbound(gen int, cmd *protocol.Command) {
	if gen != c.gen || c.state != StateConnected {
		return
	}
	c.lastActivity = c.cfg.Clock.Now()

	if cmd.I != 0 {
		if !c.resolveCall(cmd.I, cmd, replyError(cmd)) {
			c.log.Debug("dropping reply without pending call", zap.Int32("i", cmd.I), zap.String("cmd", string(cmd.Cmd)))
		}
		return
	}

	if cmd.Cmd == protocol.CmdGoaway {
		c.log.Info("server asked to go away")
		if c.cfg.Router != nil {
			c.cfg.Router.Clear()
		}
		c.teardown(errs.New(errs.CodeConnectionLost, "server goaway"), true)
		c.backoff.reset()
		c.connect()
		return
	}

	p := c.route(cmd.PeerID)
	if p == nil {
		c.log.Debug("dropping command for unknown peer", zap.String("peer", cmd.PeerID), zap.String("cmd", string(cmd.Cmd)))
		return
	}
	p.queue.Async(func() { p.delegate.ConnectionDidReceive(c, cmd) })
}

func (c *Connection) route(peerID string) *peer {
	if peerID != "" {
		return c.peers[peerID]
	}
	if len(c.peers) == 1 {
		for _, p := range c.peers {
			return p
		}
	}
	return nil
}

// replyError extracts a command-level failure from a correlated reply.
func replyError(cmd *protocol.Command) error {
	switch {
	case cmd.Cmd == protocol.CmdError && cmd.Error != nil:
		e := cmd.Error
		return errs.Server(int(e.Code), e.Reason, int(e.AppCode), e.Detail)
	case cmd.Cmd == protocol.CmdError:
		return errs.ErrCommandInvalid
	case cmd.Cmd == protocol.CmdSession && cmd.Op == protocol.OpClosed && cmd.Session != nil && cmd.Session.Code != 0:
		s := cmd.Session
		return errs.Server(int(s.Code), s.Reason, 0, s.Detail)
	}
	return nil
}

// ============================================================================
// Tick: timeouts and heartbeat
// ============================================================================

func (c *Connection) tickLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.ticker.C:
			c.q.Async(c.tick)
		}
	}
}

func (c *Connection) tick() {
	if c.state == StateClosed {
		return
	}
	now := c.cfg.Clock.Now()
	c.expireCalls(now)
	if c.state != StateConnected {
		return
	}

	if c.awaitingPong {
		if now.Sub(c.lastPing) < PongTimeout {
			return
		}
		c.missedPongs++
		if c.missedPongs >= MaxMissedPongs {
			c.log.Warn("heartbeat lost", zap.Int("missed", c.missedPongs))
			c.useSecondary = !c.useSecondary
			c.teardown(errs.New(errs.CodeConnectionLost, "heartbeat timeout"), true)
			c.scheduleReconnect()
			return
		}
		c.sendPing(now)
		return
	}
	if now.Sub(c.lastActivity) >= PingInterval {
		c.sendPing(now)
	}
}

func (c *Connection) sendPing(now time.Time) {
	c.lastPing = now
	c.awaitingPong = true
	gen := c.gen
	socket := c.socket
	parent := c.ctx
	go func() {
		ctx, cancel := context.WithTimeout(parent, PongTimeout)
		defer cancel()
		if err := socket.Ping(ctx); err != nil {
			return
		}
		c.q.Async(func() { c.pongReceived(gen) })
	}()
}

func (c *Connection) pongReceived(gen int) {
	if gen != c.gen || c.state != StateConnected {
		return
	}
	c.awaitingPong = false
	c.missedPongs = 0
	c.lastActivity = c.cfg.Clock.Now()
}
