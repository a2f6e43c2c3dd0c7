// Package transporttest provides an in-memory Dialer for exercising the
// connection and session layers without a network.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/transport"
)

// ErrClosed is returned by Receive after the fake socket is closed.
var ErrClosed = errors.New("transporttest: socket closed")

// Handler plays the server: it is called for every command the client
// sends and may answer through conn.Push.
type Handler func(conn *Conn, cmd *protocol.Command)

// Dialer hands out fake sockets.
type Dialer struct {
	mu       sync.Mutex
	handler  Handler
	failures []error
	conns    []*Conn
	urls     []string
	dialed   chan *Conn
}

// NewDialer returns a dialer whose sockets are served by h. h may be nil.
func NewDialer(h Handler) *Dialer {
	return &Dialer{handler: h, dialed: make(chan *Conn, 64)}
}

// FailNext makes the next dials fail with the given errors, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// SetHandler replaces the server handler for sockets dialed afterwards.
func (d *Dialer) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string, variant protocol.Variant) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		codec:   variant.Codec(),
		handler: d.handler,
		inbox:   make(chan *protocol.Command, 256),
		sent:    make(chan *protocol.Command, 256),
		closed:  make(chan struct{}),
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dialed delivers every socket successfully dialed.
func (d *Dialer) Dialed() <-chan *Conn { return d.dialed }

// URLs returns the URLs dialed so far, including failed attempts.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conn is one fake socket.
type Conn struct {
	codec   protocol.Codec
	handler Handler
	inbox   chan *protocol.Command
	sent    chan *protocol.Command

	mu        sync.Mutex
	closed    chan struct{}
	closeErr  error
	dropPings bool
}

// Send encodes cmd with the variant codec, hands a decoded copy to the
// handler and records it.
func (c *Conn) Send(ctx context.Context, cmd *protocol.Command) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	data, err := transport.Encode(c.codec, cmd)
	if err != nil {
		return err
	}
	var copied protocol.Command
	if err := c.codec.Unmarshal(data, &copied); err != nil {
		return err
	}
	select {
	case c.sent <- &copied:
	default:
	}
	if c.handler != nil {
		c.handler(c, &copied)
	}
	return nil
}

// Receive returns pushed commands until the socket is closed or failed.
func (c *Conn) Receive(ctx context.Context) (*protocol.Command, error) {
	select {
	case cmd := <-c.inbox:
		return cmd, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping succeeds immediately unless DropPings was called.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	drop := c.dropPings
	c.mu.Unlock()
	if !drop {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// Close implements transport.Conn.
func (c *Conn) Close(reason string) error {
	c.fail(nil)
	return nil
}

// Push delivers cmd to the client as if sent by the server.
func (c *Conn) Push(cmd *protocol.Command) {
	select {
	case c.inbox <- cmd:
	case <-c.closed:
	}
}

// Reply answers req with resp, copying the correlation index.
func (c *Conn) Reply(req, resp *protocol.Command) {
	resp.I = req.I
	if resp.PeerID == "" {
		resp.PeerID = req.PeerID
	}
	c.Push(resp)
}

// Fail breaks the socket; pending and later Receive calls return err.
func (c *Conn) Fail(err error) { c.fail(err) }

// DropPings makes later pings go unanswered.
func (c *Conn) DropPings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropPings = true
}

// Sent delivers every command the client wrote.
func (c *Conn) Sent() <-chan *protocol.Command { return c.sent }

// Closed is closed once the socket is closed or failed.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	c.closeErr = err
	close(c.closed)
}
