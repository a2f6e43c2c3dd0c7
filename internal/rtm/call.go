package rtm

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/serial"
)

// Callback receives the correlated reply of a command, or the error that
// ended the wait. It runs on the queue of the peer that sent the command.
type Callback func(reply *protocol.Command, err error)

type waiter struct {
	queue *serial.Queue
	cb    Callback
}

type pendingCall struct {
	index       int32
	seq         uint64
	expiration  time.Time
	waiters     []waiter
	throttleKey string
}

// callTable holds in-flight correlated commands keyed by index, plus the
// throttle index of identical in-flight commands. seq numbers calls in
// send order since indexes wrap.
type callTable struct {
	pending   map[int32]*pendingCall
	throttled map[string]*pendingCall
	lastIndex uint16
	seq       uint64
}

func newCallTable() callTable {
	return callTable{
		pending:   make(map[int32]*pendingCall),
		throttled: make(map[string]*pendingCall),
	}
}

// ordered returns the calls accepted by keep in send order.
func (t *callTable) ordered(keep func(*pendingCall) bool) []*pendingCall {
	var out []*pendingCall
	for _, call := range t.pending {
		if keep(call) {
			out = append(out, call)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// nextIndex returns an unused index in 1..65535.
func (t *callTable) nextIndex() int32 {
	for {
		t.lastIndex++
		if t.lastIndex == 0 {
			t.lastIndex = 1
		}
		if _, used := t.pending[int32(t.lastIndex)]; !used {
			return int32(t.lastIndex)
		}
	}
}

// throttleExempt lists commands that are never merged even when an
// identical one is in flight.
func throttleExempt(cmd *protocol.Command) bool {
	switch cmd.Cmd {
	case protocol.CmdDirect, protocol.CmdPatch:
		return true
	case protocol.CmdConv:
		switch cmd.Op {
		case protocol.OpStart, protocol.OpUpdate, protocol.OpAdd, protocol.OpRemove:
			return true
		}
	}
	return false
}

func throttleKey(cmd *protocol.Command) string {
	if throttleExempt(cmd) {
		return ""
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return ""
	}
	return string(b)
}

// ============================================================================
// Sending
// ============================================================================

// Send writes cmd on behalf of peerID. With a nil callback the command is
// fire-and-forget; otherwise cb receives the reply or an error after the
// default command timeout.
func (c *Connection) Send(peerID string, cmd *protocol.Command, cb Callback) {
	c.SendTimeout(peerID, cmd, c.cfg.CommandTimeout, cb)
}

// SendTimeout is Send with an explicit timeout.
func (c *Connection) SendTimeout(peerID string, cmd *protocol.Command, timeout time.Duration, cb Callback) {
	ok := c.q.Async(func() { c.send(peerID, cmd, timeout, cb) })
	if !ok && cb != nil {
		go cb(nil, errs.New(errs.CodeConnectionLost, "connection closed"))
	}
}

// Call sends cmd and blocks until the reply arrives, the command times out
// or ctx is done.
func (c *Connection) Call(ctx context.Context, peerID string, cmd *protocol.Command) (*protocol.Command, error) {
	type result struct {
		reply *protocol.Command
		err   error
	}
	done := make(chan result, 1)
	c.Send(peerID, cmd, func(reply *protocol.Command, err error) {
		done <- result{reply, err}
	})
	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) send(peerID string, cmd *protocol.Command, timeout time.Duration, cb Callback) {
	w := waiter{queue: c.queues[peerID], cb: cb}
	if c.state != StateConnected {
		c.deliver(w, nil, errs.New(errs.CodeConnectionLost, "not connected"))
		return
	}

	if c.needPeerID || cmd.Cmd == protocol.CmdSession {
		cmd.PeerID = peerID
	}
	if cmd.AppID == "" && cmd.Cmd == protocol.CmdSession {
		cmd.AppID = c.cfg.AppID
	}

	if cb == nil {
		cmd.I = 0
		c.enqueue(outbound{cmd: cmd})
		return
	}

	key := throttleKey(cmd)
	if key != "" {
		if existing, ok := c.calls.throttled[key]; ok {
			c.log.Debug("merging identical in-flight command", zap.String("cmd", string(cmd.Cmd)), zap.String("op", string(cmd.Op)))
			existing.waiters = append(existing.waiters, w)
			return
		}
	}

	index := c.calls.nextIndex()
	cmd.I = index
	c.calls.seq++
	call := &pendingCall{
		index:       index,
		seq:         c.calls.seq,
		expiration:  c.cfg.Clock.Now().Add(timeout),
		waiters:     []waiter{w},
		throttleKey: key,
	}
	c.calls.pending[index] = call
	if key != "" {
		c.calls.throttled[key] = call
	}
	c.enqueue(outbound{cmd: cmd, index: index})
}

func (c *Connection) enqueue(out outbound) {
	select {
	case c.outbox <- out:
	default:
		err := errs.New(errs.CodeConnectionLost, "outbox full")
		if out.index != 0 {
			c.resolveCall(out.index, nil, err)
		}
		c.log.Warn("dropping outbound command", zap.String("cmd", string(out.cmd.Cmd)), zap.Error(err))
	}
}

// ============================================================================
// Resolution
// ============================================================================

// resolveCall completes the pending call with the given index. It reports
// false if no such call is pending.
func (c *Connection) resolveCall(index int32, reply *protocol.Command, err error) bool {
	call, ok := c.calls.pending[index]
	if !ok {
		return false
	}
	c.removeCall(call)
	for _, w := range call.waiters {
		c.deliver(w, reply, err)
	}
	return true
}

func (c *Connection) removeCall(call *pendingCall) {
	delete(c.calls.pending, call.index)
	if call.throttleKey != "" && c.calls.throttled[call.throttleKey] == call {
		delete(c.calls.throttled, call.throttleKey)
	}
}

// expireCalls fails every call whose deadline passed, oldest first.
func (c *Connection) expireCalls(now time.Time) {
	expired := c.calls.ordered(func(call *pendingCall) bool { return !now.Before(call.expiration) })
	for _, call := range expired {
		c.removeCall(call)
		for _, w := range call.waiters {
			c.deliver(w, nil, errs.New(errs.CodeCommandTimeout, ""))
		}
	}
}

func (c *Connection) failAllCalls(err error) {
	calls := c.calls.ordered(func(*pendingCall) bool { return true })
	last, seq := c.calls.lastIndex, c.calls.seq
	c.calls = newCallTable()
	c.calls.lastIndex, c.calls.seq = last, seq
	for _, call := range calls {
		for _, w := range call.waiters {
			c.deliver(w, nil, err)
		}
	}
}

func (c *Connection) deliver(w waiter, reply *protocol.Command, err error) {
	if w.cb == nil {
		return
	}
	if w.queue != nil && w.queue.Async(func() { w.cb(reply, err) }) {
		return
	}
	go w.cb(reply, err)
}
