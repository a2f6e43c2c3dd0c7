package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// ============================================================================
// Send
// ============================================================================

// Send sends msg, which must be new or failed. It returns once the server
// acknowledged the message; on failure the message status is failed and
// the caller may keep it with InsertFailedMessage. opts may be nil.
func (conv *Conversation) Send(ctx context.Context, msg *Message, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}
	prior := msg.underlyingStatus()
	if prior != StatusNone && prior != StatusFailed {
		return errs.Inconsistency("only a message in status none or failed can be sent")
	}
	var pushData string
	if len(opts.PushData) > 0 {
		data, err := json.Marshal(opts.PushData)
		if err != nil {
			return errs.Wrap(err, errs.CodeMalformedData, "encode push data")
		}
		pushData = string(data)
	}

	c := conv.client
	return awaitErr(ctx, c, func(done func(error)) {
		msg.setup(c.id, conv.id)

		msg.mu.Lock()
		failedToken, failedAt := msg.dedupToken, msg.sendingTimestamp
		msg.transient, msg.will = opts.Transient, opts.Will
		if conv.kind != KindTransient && !opts.Transient && !opts.Will {
			if msg.dedupToken == "" {
				msg.dedupToken = uuid.NewString()
			}
			msg.sendingTimestamp = c.nowMillis()
		}
		msg.status = StatusSending
		msg.mu.Unlock()

		cmd := &protocol.Command{Cmd: protocol.CmdDirect, Direct: msg.directCommand(conv.id, opts.Receipt, pushData)}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err == nil {
				err = conv.acknowledged(msg, reply, opts.Receipt)
			}
			if err != nil {
				msg.setStatus(StatusFailed)
				done(err)
				return
			}
			if prior == StatusFailed && failedToken != "" {
				conv.deleteFailed(failedToken, failedAt)
			}
			done(nil)
		})
	})
}

func (conv *Conversation) acknowledged(msg *Message, reply *protocol.Command, receipt bool) error {
	ack := reply.Ack
	if ack == nil {
		return errs.ErrCommandInvalid
	}
	if ack.Code != 0 {
		return errs.Server(int(ack.Code), ack.Reason, int(ack.AppCode), "")
	}
	if ack.UID == "" || ack.T == 0 {
		return errs.ErrCommandInvalid
	}
	msg.markSent(ack.UID, ack.T)
	conv.updateLastMessage(msg, true, true)
	if receipt {
		conv.client.receiptTracked[ack.UID] = msg
	}
	return nil
}

// ============================================================================
// Patch and recall
// ============================================================================

// Update replaces the content of a sent message with newMessage, which
// must be unsent. On success newMessage takes over the identity of
// oldMessage.
func (conv *Conversation) Update(ctx context.Context, oldMessage, newMessage *Message) error {
	return conv.patch(ctx, oldMessage, newMessage, false)
}

// Recall withdraws a sent message and returns its placeholder.
func (conv *Conversation) Recall(ctx context.Context, msg *Message) (*Message, error) {
	recalled := NewRecalledMessage()
	if err := conv.patch(ctx, msg, recalled, true); err != nil {
		return nil, err
	}
	return recalled, nil
}

func (conv *Conversation) patch(ctx context.Context, old, replacement *Message, recall bool) error {
	old.mu.RLock()
	id, ts, status := old.id, old.sentTimestamp, old.status
	cid, from := old.conversationID, old.fromClientID
	delivered, read := old.deliveredTimestamp, old.readTimestamp
	old.mu.RUnlock()

	if id == "" || ts == 0 || status != StatusSent {
		return errs.New(errs.CodeUpdatingMessageNotSent, "message to update has not been sent")
	}
	if cid != conv.id || from != conv.clientID {
		return errs.New(errs.CodeUpdatingMessageNotAllowed, "only messages sent by the current client to this conversation can be updated")
	}
	if replacement.underlyingStatus() != StatusNone {
		return errs.Inconsistency("new message should be in status none")
	}

	item := protocol.PatchItem{Cid: conv.id, Mid: id, Timestamp: ts, Recall: recall}
	if content := replacement.Content(); content.IsBinary() {
		item.BinaryMsg = content.Binary
	} else {
		item.Data = content.Text
	}
	item.MentionAll, item.MentionPids = replacement.Mentions()

	c := conv.client
	return awaitErr(ctx, c, func(done func(error)) {
		cmd := &protocol.Command{
			Cmd:   protocol.CmdPatch,
			Op:    protocol.OpModify,
			Patch: &protocol.PatchCommand{Patches: []protocol.PatchItem{item}},
		}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err != nil {
				done(err)
				return
			}
			if reply.Patch == nil || reply.Patch.LastPatchTime == 0 {
				done(errs.ErrCommandInvalid)
				return
			}
			replacement.setup(c.id, conv.id)
			replacement.markSent(id, ts)
			replacement.mu.Lock()
			replacement.patchedTimestamp = reply.Patch.LastPatchTime
			replacement.deliveredTimestamp = delivered
			replacement.readTimestamp = read
			replacement.recalled = replacement.recalled || recall
			replacement.mu.Unlock()

			conv.updateLastMessage(replacement, true, true)
			conv.storePatched(replacement)
			done(nil)
		})
	})
}

func (conv *Conversation) storePatched(msg *Message) {
	if !conv.persisted() {
		return
	}
	if err := conv.client.store.UpdateMessage(context.Background(), msg.row()); err != nil {
		conv.log().Warn("store patched message", zap.Error(err))
	}
}

// ============================================================================
// Read
// ============================================================================

// Read marks the conversation read up to msg, or up to the last message
// when msg is nil. It does nothing when nothing is unread.
func (conv *Conversation) Read(msg *Message) {
	if !conv.Can(CapReceipts) {
		return
	}
	c := conv.client
	c.q.Async(func() {
		conv.mu.Lock()
		if conv.unreadCount <= 0 {
			conv.mu.Unlock()
			return
		}
		target := msg
		if target == nil {
			target = conv.lastMessage
		}
		conv.mentioned = false
		conv.mu.Unlock()
		if target == nil {
			return
		}
		ts, id := target.identity()
		if id == "" || ts == 0 {
			return
		}
		c.sendCommand(&protocol.Command{
			Cmd:  protocol.CmdRead,
			Read: &protocol.ReadCommand{Convs: []protocol.ReadTuple{{Cid: conv.id, Mid: id, Timestamp: ts}}},
		}, nil)
	})
}

// ============================================================================
// Incoming messages
// ============================================================================

func (c *Client) processDirect(d *protocol.DirectCommand) {
	if d.Cid == "" || d.ID == "" || d.Timestamp == 0 {
		c.log.Debug("direct command without identity", zap.String("cid", d.Cid), zap.String("mid", d.ID))
		return
	}
	c.resolveConversation(d.Cid, func(conv *Conversation, err error) {
		if err != nil {
			c.log.Warn("message dropped", zap.String("cid", d.Cid), zap.String("mid", d.ID), zap.Error(err))
			return
		}
		msg := receivedMessage(messageFields{
			conversationID:   conv.id,
			currentClientID:  c.id,
			fromClientID:     d.FromPeerID,
			id:               d.ID,
			sentTimestamp:    d.Timestamp,
			patchedTimestamp: d.PatchTimestamp,
			content:          contentFrom(d.Msg, d.BinaryMsg),
			allMentioned:     d.MentionAll,
			mentionedMembers: d.MentionPids,
			transient:        d.Transient,
		})
		if conv.updateLastMessage(msg, true, true) && c.cfg.variant == protocol.Unread {
			conv.mu.Lock()
			conv.unreadCount++
			if msg.MentionsCurrentClient() {
				conv.mentioned = true
			}
			conv.mu.Unlock()
			c.events.emit(Event{Kind: EventUnreadMessageCountUpdated, Conversation: conv})
		}
		if !d.Transient && conv.kind != KindTransient {
			c.sendCommand(&protocol.Command{
				Cmd: protocol.CmdAck,
				Ack: &protocol.AckCommand{Cid: conv.id, Mid: d.ID},
			}, nil)
		}
		c.events.emit(Event{Kind: EventMessageReceived, Conversation: conv, Message: msg})
	})
}

// ============================================================================
// Unread counts
// ============================================================================

// processUnread applies an unread push. Batches older than the committed
// notify time are stale and dropped; the notify time advances only when
// every uncached conversation of the batch was resolved.
func (c *Client) processUnread(u *protocol.UnreadCommand) {
	if u.NotifTime != 0 && u.NotifTime < c.lastUnreadNotifTime {
		c.log.Debug("stale unread batch", zap.Int64("notifTime", u.NotifTime))
		return
	}
	pending := make(map[string]protocol.UnreadTuple)
	var ordinary, temporary []string
	for _, tuple := range u.Convs {
		if tuple.Cid == "" {
			continue
		}
		if conv := c.cachedConversation(tuple.Cid); conv != nil {
			c.applyUnread(conv, tuple)
			continue
		}
		if _, dup := pending[tuple.Cid]; !dup {
			if isTemporaryID(tuple.Cid) {
				temporary = append(temporary, tuple.Cid)
			} else {
				ordinary = append(ordinary, tuple.Cid)
			}
		}
		pending[tuple.Cid] = tuple
	}

	commit := func() {
		if c.cfg.variant == protocol.Unread && u.NotifTime > c.lastUnreadNotifTime {
			c.lastUnreadNotifTime = u.NotifTime
		}
	}
	if len(pending) == 0 {
		commit()
		return
	}
	c.fetchGroups(ordinary, temporary, func(conv *Conversation) {
		if tuple, ok := pending[conv.id]; ok {
			c.applyUnread(conv, tuple)
		}
	}, func(err error) {
		if err != nil {
			c.log.Warn("resolve conversations of unread batch", zap.Error(err))
			return
		}
		commit()
	})
}

func (c *Client) applyUnread(conv *Conversation, t protocol.UnreadTuple) {
	if t.Mid != "" && t.Timestamp != 0 {
		conv.updateLastMessage(receivedMessage(messageFields{
			conversationID:   conv.id,
			currentClientID:  c.id,
			fromClientID:     t.From,
			id:               t.Mid,
			sentTimestamp:    t.Timestamp,
			patchedTimestamp: t.PatchTimestamp,
			content:          contentFrom(t.Data, t.BinaryMsg),
		}), true, true)
	}
	conv.mu.Lock()
	changed := conv.unreadCount != int(t.Unread)
	if changed {
		conv.unreadCount = int(t.Unread)
		conv.mentioned = t.Mentioned
	}
	conv.mu.Unlock()
	if changed {
		c.events.emit(Event{Kind: EventUnreadMessageCountUpdated, Conversation: conv})
	}
}

// ============================================================================
// Patches
// ============================================================================

// processPatch applies modified and recalled messages. The highest patch
// timestamp of the batch is recorded once every conversation involved
// was resolved.
func (c *Client) processPatch(p *protocol.PatchCommand) {
	var maxPatch int64
	pending := make(map[string][]protocol.PatchItem)
	var ordinary, temporary []string
	for _, item := range p.Patches {
		if item.PatchTimestamp > maxPatch {
			maxPatch = item.PatchTimestamp
		}
		if item.Cid == "" {
			continue
		}
		if conv := c.cachedConversation(item.Cid); conv != nil {
			c.applyPatch(conv, item)
			continue
		}
		if _, seen := pending[item.Cid]; !seen {
			if isTemporaryID(item.Cid) {
				temporary = append(temporary, item.Cid)
			} else {
				ordinary = append(ordinary, item.Cid)
			}
		}
		pending[item.Cid] = append(pending[item.Cid], item)
	}

	if len(pending) == 0 {
		c.updateLocalRecord(0, maxPatch)
		return
	}
	c.fetchGroups(ordinary, temporary, func(conv *Conversation) {
		for _, item := range pending[conv.id] {
			c.applyPatch(conv, item)
		}
	}, func(err error) {
		if err != nil {
			c.log.Warn("resolve conversations of patch batch", zap.Error(err))
			return
		}
		c.updateLocalRecord(0, maxPatch)
	})
}

func (c *Client) applyPatch(conv *Conversation, item protocol.PatchItem) {
	if item.Mid == "" || item.Timestamp == 0 {
		return
	}
	content := contentFrom(item.Data, item.BinaryMsg)
	if item.Recall && item.Data == "" && item.BinaryMsg == nil {
		content = Content{Text: recalledContent}
	}
	msg := receivedMessage(messageFields{
		conversationID:   conv.id,
		currentClientID:  c.id,
		fromClientID:     item.From,
		id:               item.Mid,
		sentTimestamp:    item.Timestamp,
		patchedTimestamp: item.PatchTimestamp,
		content:          content,
		allMentioned:     item.MentionAll,
		mentionedMembers: item.MentionPids,
	})
	if item.Recall {
		msg.recalled = true
	}
	conv.updateLastMessage(msg, true, true)
	conv.storePatched(msg)

	ev := Event{Kind: EventMessageUpdated, Conversation: conv, Message: msg}
	if item.PatchCode != 0 || item.PatchReason != "" {
		ev.PatchedReason = &PatchedReason{Code: int(item.PatchCode), Reason: item.PatchReason}
	}
	c.events.emit(ev)
}
