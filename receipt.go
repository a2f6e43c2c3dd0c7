package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// processReceipt applies a delivery or read receipt. Receipts that
// advance neither the tracked message nor the conversation are ignored.
func (c *Client) processReceipt(rcp *protocol.RcpCommand, serverTs int64) {
	if rcp.Cid == "" || rcp.ID == "" || rcp.T == 0 {
		return
	}
	c.resolveConversation(rcp.Cid, func(conv *Conversation, err error) {
		if err != nil {
			c.log.Warn("receipt dropped", zap.String("cid", rcp.Cid), zap.String("mid", rcp.ID), zap.Error(err))
			return
		}
		ev := Event{
			Kind:         EventMessageDelivered,
			Conversation: conv,
			MessageID:    rcp.ID,
			FromClientID: rcp.From,
			At:           rcp.T,
		}
		if rcp.Read {
			ev.Kind = EventMessageRead
		}

		advanced := false
		if msg, ok := c.receiptTracked[rcp.ID]; ok {
			ev.Message = msg
			if rcp.Read {
				advanced = msg.markRead(rcp.T)
				delete(c.receiptTracked, rcp.ID)
			} else {
				advanced = msg.markDelivered(rcp.T)
			}
		}
		var delivered, read int64
		if rcp.Read {
			read = rcp.T
		} else {
			delivered = rcp.T
		}
		if c.advanceReceipts(conv, delivered, read) {
			advanced = true
		}
		c.updateLocalRecord(serverTs, 0)
		if advanced {
			c.events.emit(ev)
		}
	})
}

// advanceReceipts moves the conversation receipt timestamps forward and
// emits an event per timestamp that moved. Zero values are ignored.
func (c *Client) advanceReceipts(conv *Conversation, delivered, read int64) bool {
	conv.mu.Lock()
	deliveredMoved := delivered > conv.lastDeliveredAt
	if deliveredMoved {
		conv.lastDeliveredAt = delivered
	}
	readMoved := read > conv.lastReadAt
	if readMoved {
		conv.lastReadAt = read
	}
	conv.mu.Unlock()

	if deliveredMoved {
		c.events.emit(Event{Kind: EventLastDeliveredAtUpdated, Conversation: conv, At: delivered})
	}
	if readMoved {
		c.events.emit(Event{Kind: EventLastReadAtUpdated, Conversation: conv, At: read})
	}
	return deliveredMoved || readMoved
}

// FetchReceiptTimestamps asks the server how far other members have
// received and read the conversation. It needs ProtocolUnread.
func (conv *Conversation) FetchReceiptTimestamps(ctx context.Context) error {
	if err := conv.require(CapReceipts, "receipt timestamps"); err != nil {
		return err
	}
	if conv.kind == KindSystem {
		return errs.Inconsistency("receipt timestamps are not supported by system conversations")
	}
	c := conv.client
	if c.cfg.variant != protocol.Unread {
		return errs.Inconsistency("receipt timestamps need the unread protocol")
	}
	return awaitErr(ctx, c, func(done func(error)) {
		cmd := &protocol.Command{Cmd: protocol.CmdConv, Op: protocol.OpMaxRead, Conv: &protocol.ConvCommand{Cid: conv.id}}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err != nil {
				done(err)
				return
			}
			if reply.Conv == nil {
				done(errs.ErrCommandInvalid)
				return
			}
			c.advanceReceipts(conv, reply.Conv.MaxAckTimestamp, reply.Conv.MaxReadTimestamp)
			done(nil)
		})
	})
}
