// Package transport owns the physical socket: it dials the server, frames
// outbound commands with the negotiated codec and deframes inbound ones.
package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// DefaultReadLimit bounds a single inbound frame.
const DefaultReadLimit = 1 << 20

// Conn is one established socket speaking a protocol variant.
type Conn interface {
	// Send encodes and writes cmd. An encoded command larger than
	// protocol.MaxPayloadSize fails without touching the socket.
	Send(ctx context.Context, cmd *protocol.Command) error
	// Receive blocks for the next command. A frame that cannot be decoded
	// yields an errs.CodeMalformedData error; the socket stays usable.
	Receive(ctx context.Context) (*protocol.Command, error)
	// Ping sends a ping frame and waits for its pong.
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, variant protocol.Variant) (Conn, error)
}

// WebSocketDialer dials WebSocket servers.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

// Dial connects to url negotiating variant as the sub-protocol.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, variant protocol.Variant) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   d.Header,
		Subprotocols: []string{string(variant)},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if conn.Subprotocol() != string(variant) {
		conn.Close(websocket.StatusProtocolError, "unsupported sub-protocol")
		return nil, fmt.Errorf("server negotiated sub-protocol %q, want %q", conn.Subprotocol(), variant)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return NewConn(conn, variant), nil
}

// NewConn wraps an established WebSocket connection.
func NewConn(conn *websocket.Conn, variant protocol.Variant) Conn {
	typ := websocket.MessageText
	codec := variant.Codec()
	if codec.Binary() {
		typ = websocket.MessageBinary
	}
	return &wsConn{conn: conn, codec: codec, typ: typ}
}

type wsConn struct {
	conn  *websocket.Conn
	codec protocol.Codec
	typ   websocket.MessageType
}

func (c *wsConn) Send(ctx context.Context, cmd *protocol.Command) error {
	data, err := Encode(c.codec, cmd)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, c.typ, data)
}

func (c *wsConn) Receive(ctx context.Context) (*protocol.Command, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var cmd protocol.Command
	if err := c.codec.Unmarshal(data, &cmd); err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedData, "undecodable frame")
	}
	return &cmd, nil
}

func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// Encode marshals cmd and enforces the outbound size cap.
func Encode(codec protocol.Codec, cmd *protocol.Command) ([]byte, error) {
	data, err := codec.Marshal(cmd)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedData, "cannot encode command")
	}
	if len(data) > protocol.MaxPayloadSize {
		return nil, errs.Newf(errs.CodeCommandDataLengthTooLong,
			"encoded command is %d bytes, limit %d", len(data), protocol.MaxPayloadSize)
	}
	return data, nil
}
