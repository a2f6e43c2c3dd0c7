package realtime

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/localcache"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit     = 100
)

// QueryMessages reads history, oldest first. With the default policy a
// persisted conversation is read from the local cache and the network
// fills any gap; network results are written back to the cache.
func (conv *Conversation) QueryMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	limit := q.Limit
	if limit == 0 {
		limit = defaultQueryLimit
	}
	if limit < 1 || limit > maxQueryLimit {
		return nil, errs.Inconsistency("limit should be in 1...%d", maxQueryLimit)
	}

	policy := q.Policy
	if policy == PolicyDefault {
		policy = PolicyNetworkOnly
		if conv.persisted() {
			policy = PolicyCacheThenNetwork
		}
	}
	if policy != PolicyNetworkOnly && !conv.persisted() {
		if conv.client.store == nil {
			return nil, errNoLocalCache
		}
		return nil, errs.Inconsistency("%s conversations are not cached locally", conv.kind)
	}

	switch policy {
	case PolicyCacheOnly:
		msgs, _, err := conv.queryCache(ctx, q, limit)
		return msgs, err
	case PolicyCacheThenNetwork:
		msgs, gap, err := conv.queryCache(ctx, q, limit)
		if err == nil && !gap && len(msgs) == limit {
			return msgs, nil
		}
		if err != nil {
			conv.log().Warn("local history unreadable, querying server", zap.Error(err))
		}
	}
	return conv.queryNetwork(ctx, q, limit)
}

func (conv *Conversation) queryCache(ctx context.Context, q MessageQuery, limit int) ([]*Message, bool, error) {
	dir := localcache.NewToOld
	if q.Direction == OldToNew {
		dir = localcache.OldToNew
	}
	rows, gap, err := conv.client.store.SelectMessages(ctx, conv.id, storeEndpoint(q.Start), storeEndpoint(q.End), dir, limit)
	if err != nil {
		return nil, false, errs.Wrap(err, errs.CodeUnderlying, "select stored messages")
	}
	msgs := make([]*Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, messageFromRow(row, conv.clientID))
	}
	return msgs, gap, nil
}

func storeEndpoint(e *MessageEndpoint) *localcache.Endpoint {
	if e == nil {
		return nil
	}
	return &localcache.Endpoint{MessageID: e.MessageID, SentTimestamp: e.Timestamp, Closed: e.Closed}
}

func (conv *Conversation) queryNetwork(ctx context.Context, q MessageQuery, limit int) ([]*Message, error) {
	logs := &protocol.LogsCommand{Cid: conv.id, Limit: int32(limit), Direction: protocol.DirectionNewToOld}
	if q.Direction == OldToNew {
		logs.Direction = protocol.DirectionOldToNew
	}
	if s := q.Start; s != nil {
		logs.Mid, logs.T, logs.TIncluded = s.MessageID, s.Timestamp, s.Closed
	}
	if e := q.End; e != nil {
		logs.Tmid, logs.Tt, logs.TtIncluded = e.MessageID, e.Timestamp, e.Closed
	}

	c := conv.client
	return await(ctx, c, func(done func([]*Message, error)) {
		c.sendCommand(&protocol.Command{Cmd: protocol.CmdLogs, Logs: logs}, func(reply *protocol.Command, err error) {
			if err != nil {
				done(nil, err)
				return
			}
			if reply.Logs == nil {
				done(nil, errs.ErrCommandInvalid)
				return
			}
			done(conv.historyResult(reply.Logs.Logs), nil)
		})
	})
}

// historyResult turns log items into messages, oldest first, and records
// them. Items without identity are skipped.
func (conv *Conversation) historyResult(items []protocol.LogItem) []*Message {
	msgs := make([]*Message, 0, len(items))
	for _, item := range items {
		if item.MsgID == "" || item.Timestamp == 0 {
			continue
		}
		msg := receivedMessage(messageFields{
			conversationID:   conv.id,
			currentClientID:  conv.clientID,
			fromClientID:     item.From,
			id:               item.MsgID,
			sentTimestamp:    item.Timestamp,
			patchedTimestamp: item.PatchTimestamp,
			content:          contentFrom(item.Data, item.BinaryMsg),
			allMentioned:     item.MentionAll,
			mentionedMembers: item.MentionPids,
		})
		msg.deliveredTimestamp = item.AckAt
		msg.readTimestamp = item.ReadAt
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].sentTimestamp != msgs[j].sentTimestamp {
			return msgs[i].sentTimestamp < msgs[j].sentTimestamp
		}
		return msgs[i].id < msgs[j].id
	})
	if len(msgs) == 0 {
		return msgs
	}

	conv.updateLastMessage(msgs[len(msgs)-1], true, true)
	if conv.persisted() {
		rows := make([]localcache.MessageRow, len(msgs))
		for i, msg := range msgs {
			rows[i] = msg.row()
		}
		if err := conv.client.store.UpsertMessages(context.Background(), rows); err != nil {
			conv.log().Warn("store history", zap.Error(err))
		}
	}
	return msgs
}

// ============================================================================
// Failed messages
// ============================================================================

// InsertFailedMessage keeps a message whose send failed in the local
// cache so it shows up in history and can be resent.
func (conv *Conversation) InsertFailedMessage(ctx context.Context, msg *Message) error {
	row, err := conv.failedRow(msg)
	if err != nil {
		return err
	}
	if err := conv.client.store.InsertFailedMessage(ctx, row); err != nil {
		return errs.Wrap(err, errs.CodeUnderlying, "insert failed message")
	}
	return nil
}

// RemoveFailedMessage drops a message stored by InsertFailedMessage.
func (conv *Conversation) RemoveFailedMessage(ctx context.Context, msg *Message) error {
	row, err := conv.failedRow(msg)
	if err != nil {
		return err
	}
	if err := conv.client.store.DeleteFailedMessage(ctx, conv.id, row.SentTimestamp, row.MessageID); err != nil {
		return errs.Wrap(err, errs.CodeUnderlying, "delete failed message")
	}
	return nil
}

func (conv *Conversation) failedRow(msg *Message) (localcache.MessageRow, error) {
	if err := conv.require(CapFailedMessageCache, "failed message cache"); err != nil {
		return localcache.MessageRow{}, err
	}
	if !conv.persisted() {
		return localcache.MessageRow{}, errNoLocalCache
	}
	msg.mu.RLock()
	status, cid := msg.status, msg.conversationID
	token, sendingAt := msg.dedupToken, msg.sendingTimestamp
	msg.mu.RUnlock()
	if status != StatusFailed || cid != conv.id || token == "" || sendingAt == 0 {
		return localcache.MessageRow{}, errs.Inconsistency("only a failed message of this conversation can be cached")
	}
	row := msg.row()
	row.MessageID, row.SentTimestamp = token, sendingAt
	return row, nil
}

// deleteFailed removes the stored copy of a failed message once a resend
// succeeded.
func (conv *Conversation) deleteFailed(token string, sendingAt int64) {
	if !conv.persisted() || !conv.Can(CapFailedMessageCache) || sendingAt == 0 {
		return
	}
	if err := conv.client.store.DeleteFailedMessage(context.Background(), conv.id, sendingAt, token); err != nil {
		conv.log().Warn("delete resent failed message", zap.Error(err))
	}
}
