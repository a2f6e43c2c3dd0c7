package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/transport/transporttest"
)

// openWithConversation opens a client and caches conversation c1 with
// alice and bob.
func openWithConversation(t *testing.T, srv *fakeServer, opts ...ClientOption) (*Client, *transporttest.Conn, *Conversation) {
	t.Helper()
	srv.addConversation(conversationRaw("c1", "alice", "bob"))
	c, d, _ := newTestClient(t, srv, opts...)
	conn := openClient(t, c, d)
	conv, err := c.Conversation(testContext(t), "c1")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	return c, conn, conv
}

func incoming(cid, id string, ts int64, text string) *protocol.Command {
	return &protocol.Command{
		Cmd:    protocol.CmdDirect,
		Direct: &protocol.DirectCommand{Cid: cid, ID: id, Timestamp: ts, FromPeerID: "bob", Msg: text},
	}
}

// ============================================================================
// Send
// ============================================================================

func TestSendMessage(t *testing.T) {
	srv := newFakeServer()
	c, _, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	msg := NewTextMessage("hello")
	if err := conv.Send(testContext(t), msg, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID() == "" || msg.SentTimestamp() == 0 || msg.Status() != StatusSent {
		t.Fatalf("message not acknowledged: id %q ts %d status %s", msg.ID(), msg.SentTimestamp(), msg.Status())
	}
	if msg.ConversationID() != "c1" || msg.FromClientID() != "alice" || msg.Incoming() {
		t.Fatalf("message identity not set up: %s %s", msg.ConversationID(), msg.FromClientID())
	}
	if conv.LastMessage() != msg {
		t.Fatal("sent message is not the last message")
	}
	ev := events.wait(t, EventLastMessageUpdated)
	if ev.Message != msg || !ev.NewMessage {
		t.Fatalf("unexpected last message event %+v", ev)
	}

	direct := srv.received(protocol.CmdDirect, "")[0].Direct
	if direct.Cid != "c1" || direct.Msg != "hello" || direct.DedupToken == "" {
		t.Fatalf("unexpected direct command %+v", direct)
	}

	if err := conv.Send(testContext(t), msg, nil); !errs.HasCode(err, errs.CodeInconsistency) {
		t.Fatalf("resending a sent message: %v", err)
	}
}

func TestTransientSendSkipsLastMessage(t *testing.T) {
	srv := newFakeServer()
	_, _, conv := openWithConversation(t, srv)

	msg := NewTextMessage("typing")
	if err := conv.Send(testContext(t), msg, &SendOptions{Transient: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if conv.LastMessage() != nil {
		t.Fatal("transient message became the last message")
	}
	direct := srv.received(protocol.CmdDirect, "")[0].Direct
	if !direct.Transient || direct.DedupToken != "" {
		t.Fatalf("unexpected direct command %+v", direct)
	}
}

func TestFailedSendCanBeRetried(t *testing.T) {
	srv := newFakeServer()
	srv.on(protocol.CmdDirect, "", func(conn *transporttest.Conn, cmd *protocol.Command) {
		conn.Reply(cmd, &protocol.Command{Cmd: protocol.CmdAck, Ack: &protocol.AckCommand{Code: 4301, Reason: "forbidden"}})
	})
	_, _, conv := openWithConversation(t, srv)

	msg := NewTextMessage("hello")
	err := conv.Send(testContext(t), msg, nil)
	var e *Error
	if !errors.As(err, &e) || e.Code != 4301 {
		t.Fatalf("Send = %v, want server code 4301", err)
	}
	if msg.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", msg.Status())
	}

	srv.on(protocol.CmdDirect, "", nil)
	if err := conv.Send(testContext(t), msg, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	sent := srv.received(protocol.CmdDirect, "")
	if len(sent) != 2 || sent[0].Direct.DedupToken != sent[1].Direct.DedupToken {
		t.Fatalf("retry should reuse the dedup token: %+v", sent)
	}
}

// ============================================================================
// Receipts
// ============================================================================

func TestReceipts(t *testing.T) {
	srv := newFakeServer()
	c, conn, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	msg := NewTextMessage("hello")
	if err := conv.Send(testContext(t), msg, &SendOptions{Receipt: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if d := srv.received(protocol.CmdDirect, "")[0].Direct; !d.Receipt {
		t.Fatal("receipt flag not sent")
	}
	sent := msg.SentTimestamp()

	conn.Push(&protocol.Command{Cmd: protocol.CmdRcp, Rcp: &protocol.RcpCommand{ID: msg.ID(), Cid: "c1", T: sent + 10, From: "bob"}})
	ev := events.wait(t, EventMessageDelivered)
	if ev.Message != msg || ev.MessageID != msg.ID() || ev.FromClientID != "bob" {
		t.Fatalf("unexpected delivered event %+v", ev)
	}
	if msg.DeliveredTimestamp() != sent+10 || conv.LastDeliveredAt() != sent+10 {
		t.Fatalf("delivered timestamps not advanced: %d %d", msg.DeliveredTimestamp(), conv.LastDeliveredAt())
	}

	// An older receipt changes nothing.
	conn.Push(&protocol.Command{Cmd: protocol.CmdRcp, Rcp: &protocol.RcpCommand{ID: msg.ID(), Cid: "c1", T: sent + 5}})
	events.none(t, EventMessageDelivered, 100*time.Millisecond)

	conn.Push(&protocol.Command{Cmd: protocol.CmdRcp, Rcp: &protocol.RcpCommand{ID: msg.ID(), Cid: "c1", T: sent + 20, Read: true}})
	ev = events.wait(t, EventMessageRead)
	if ev.Message != msg || msg.ReadTimestamp() != sent+20 || conv.LastReadAt() != sent+20 {
		t.Fatalf("read receipt not applied: %+v", ev)
	}
}

func TestFetchReceiptTimestamps(t *testing.T) {
	srv := newFakeServer()
	srv.on(protocol.CmdConv, protocol.OpMaxRead, func(conn *transporttest.Conn, cmd *protocol.Command) {
		conn.Reply(cmd, &protocol.Command{
			Cmd:  protocol.CmdConv,
			Op:   protocol.OpMaxRead,
			Conv: &protocol.ConvCommand{Cid: cmd.Conv.Cid, MaxAckTimestamp: 300, MaxReadTimestamp: 200},
		})
	})
	c, _, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	if err := conv.FetchReceiptTimestamps(testContext(t)); err != nil {
		t.Fatalf("FetchReceiptTimestamps: %v", err)
	}
	if conv.LastDeliveredAt() != 300 || conv.LastReadAt() != 200 {
		t.Fatalf("timestamps = %d/%d", conv.LastDeliveredAt(), conv.LastReadAt())
	}
	events.wait(t, EventLastDeliveredAtUpdated)
	events.wait(t, EventLastReadAtUpdated)
}

// ============================================================================
// Incoming messages
// ============================================================================

func TestIncomingMessage(t *testing.T) {
	srv := newFakeServer()
	c, conn, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	conn.Push(incoming("c1", "m1", baseServerTs+10, "hi alice"))
	ev := events.wait(t, EventMessageReceived)
	msg := ev.Message
	if ev.Conversation != conv || msg.ID() != "m1" || !msg.Incoming() || msg.Content().Text != "hi alice" {
		t.Fatalf("unexpected received event %+v", ev)
	}
	if conv.UnreadMessageCount() != 1 || conv.LastMessage() != msg {
		t.Fatalf("unread %d, last message %v", conv.UnreadMessageCount(), conv.LastMessage())
	}
	eventually(t, "ack", func() bool {
		for _, ack := range srv.received(protocol.CmdAck, "") {
			if ack.Ack.Cid == "c1" && ack.Ack.Mid == "m1" {
				return true
			}
		}
		return false
	})

	// The same message again is a refresh, not a new unread.
	conn.Push(incoming("c1", "m1", baseServerTs+10, "hi alice"))
	events.wait(t, EventMessageReceived)
	if conv.UnreadMessageCount() != 1 {
		t.Fatalf("duplicate counted as unread: %d", conv.UnreadMessageCount())
	}

	conv.Read(nil)
	eventually(t, "read command", func() bool {
		reads := srv.received(protocol.CmdRead, "")
		return len(reads) == 1 && reads[0].Read.Convs[0].Mid == "m1"
	})
}

func TestIncomingTransientMessageIsNotAcknowledged(t *testing.T) {
	srv := newFakeServer()
	c, conn, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	cmd := incoming("c1", "m1", baseServerTs+10, "typing")
	cmd.Direct.Transient = true
	conn.Push(cmd)
	events.wait(t, EventMessageReceived)
	flush(c)
	if n := len(srv.received(protocol.CmdAck, "")); n != 0 {
		t.Fatalf("transient message acknowledged %d times", n)
	}
	if conv.LastMessage() != nil || conv.UnreadMessageCount() != 0 {
		t.Fatal("transient message changed the conversation")
	}
}

func TestIncomingMessageForUnknownConversation(t *testing.T) {
	srv := newFakeServer()
	srv.addConversation(conversationRaw("c2", "alice", "bob"))
	c, d, _ := newTestClient(t, srv)
	events := recordEvents(c)
	conn := openClient(t, c, d)

	conn.Push(incoming("c2", "m1", baseServerTs+1, "first"))
	conn.Push(incoming("c2", "m2", baseServerTs+2, "second"))
	first := events.wait(t, EventMessageReceived)
	second := events.wait(t, EventMessageReceived)
	if first.Message.ID() != "m1" || second.Message.ID() != "m2" {
		t.Fatalf("messages out of order: %s, %s", first.Message.ID(), second.Message.ID())
	}
	if n := len(srv.received(protocol.CmdConv, protocol.OpQuery)); n != 1 {
		t.Fatalf("expected one conversation query, got %d", n)
	}
	if first.Conversation.UnreadMessageCount() != 2 {
		t.Fatalf("unread = %d", first.Conversation.UnreadMessageCount())
	}
}

func TestReadWithoutUnreadSendsNothing(t *testing.T) {
	srv := newFakeServer()
	c, _, conv := openWithConversation(t, srv)

	conv.Read(nil)
	flush(c)
	if n := len(srv.received(protocol.CmdRead, "")); n != 0 {
		t.Fatalf("read sent with nothing unread (%d)", n)
	}
}

// ============================================================================
// Unread counts
// ============================================================================

func TestUnreadBatches(t *testing.T) {
	srv := newFakeServer()
	srv.addConversation(conversationRaw("c2", "alice", "carol"))
	c, conn, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	conn.Push(&protocol.Command{Cmd: protocol.CmdUnread, Unread: &protocol.UnreadCommand{
		NotifTime: 100,
		Convs: []protocol.UnreadTuple{
			{Cid: "c1", Unread: 3, Mid: "m5", Timestamp: baseServerTs + 5, From: "bob", Data: "latest", Mentioned: true},
			{Cid: "c2", Unread: 1},
		},
	}})
	seen := map[string]bool{}
	for len(seen) < 2 {
		ev := events.wait(t, EventUnreadMessageCountUpdated)
		seen[ev.Conversation.ID()] = true
	}
	if conv.UnreadMessageCount() != 3 || !conv.Mentioned() {
		t.Fatalf("c1 unread %d mentioned %v", conv.UnreadMessageCount(), conv.Mentioned())
	}
	if last := conv.LastMessage(); last == nil || last.ID() != "m5" || last.Content().Text != "latest" {
		t.Fatalf("last message not taken from the unread tuple: %v", last)
	}
	eventually(t, "notify time commit", func() bool {
		var v int64
		c.q.Sync(func() { v = c.lastUnreadNotifTime })
		return v == 100
	})

	// Stale batch followed by a fresh one.
	conn.Push(&protocol.Command{Cmd: protocol.CmdUnread, Unread: &protocol.UnreadCommand{
		NotifTime: 50,
		Convs:     []protocol.UnreadTuple{{Cid: "c1", Unread: 9}},
	}})
	conn.Push(&protocol.Command{Cmd: protocol.CmdUnread, Unread: &protocol.UnreadCommand{
		NotifTime: 200,
		Convs:     []protocol.UnreadTuple{{Cid: "c2", Unread: 4}},
	}})
	for {
		ev := events.wait(t, EventUnreadMessageCountUpdated)
		if ev.Conversation.ID() == "c2" {
			break
		}
		t.Fatalf("stale batch applied to %s", ev.Conversation.ID())
	}
	if conv.UnreadMessageCount() != 3 {
		t.Fatalf("stale batch changed c1 to %d", conv.UnreadMessageCount())
	}
}

// ============================================================================
// Patches
// ============================================================================

func TestUpdateAndRecall(t *testing.T) {
	srv := newFakeServer()
	_, _, conv := openWithConversation(t, srv)

	original := NewTextMessage("v1")
	if err := conv.Send(testContext(t), original, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	edited := NewTextMessage("v2")
	if err := conv.Update(testContext(t), original, edited); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if edited.ID() != original.ID() || edited.SentTimestamp() != original.SentTimestamp() || edited.PatchedTimestamp() == 0 {
		t.Fatalf("edited message did not take over the identity: %s/%d", edited.ID(), edited.PatchedTimestamp())
	}
	if conv.LastMessage() != edited {
		t.Fatal("edited message is not the last message")
	}
	patch := srv.received(protocol.CmdPatch, protocol.OpModify)[0].Patch.Patches[0]
	if patch.Mid != original.ID() || patch.Data != "v2" || patch.Recall {
		t.Fatalf("unexpected patch %+v", patch)
	}

	recalled, err := conv.Recall(testContext(t), edited)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if !recalled.Recalled() || recalled.ID() != original.ID() {
		t.Fatalf("unexpected recalled message %+v", recalled)
	}
	if p := srv.received(protocol.CmdPatch, protocol.OpModify)[1].Patch.Patches[0]; !p.Recall {
		t.Fatal("recall flag not sent")
	}
}

func TestUpdateRejections(t *testing.T) {
	srv := newFakeServer()
	c, conn, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	err := conv.Update(testContext(t), NewTextMessage("unsent"), NewTextMessage("x"))
	if !errors.Is(err, ErrUpdatingMessageNotSent) {
		t.Fatalf("unsent: %v", err)
	}

	conn.Push(incoming("c1", "m1", baseServerTs+1, "from bob"))
	theirs := events.wait(t, EventMessageReceived).Message
	if err := conv.Update(testContext(t), theirs, NewTextMessage("x")); !errors.Is(err, ErrUpdatingMessageNotAllowed) {
		t.Fatalf("someone else's message: %v", err)
	}

	mine := NewTextMessage("mine")
	if err := conv.Send(testContext(t), mine, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := conv.Update(testContext(t), mine, mine); !errs.HasCode(err, errs.CodeInconsistency) {
		t.Fatalf("sent replacement: %v", err)
	}
	if n := len(srv.received(protocol.CmdPatch, protocol.OpModify)); n != 0 {
		t.Fatalf("rejected updates reached the server (%d)", n)
	}
}

func TestPatchNotification(t *testing.T) {
	srv := newFakeServer()
	srv.addConversation(conversationRaw("c2", "alice", "bob"))
	c, conn, conv := openWithConversation(t, srv)
	events := recordEvents(c)

	conn.Push(&protocol.Command{Cmd: protocol.CmdPatch, Op: protocol.OpModify, Patch: &protocol.PatchCommand{Patches: []protocol.PatchItem{
		{Cid: "c1", Mid: "m1", Timestamp: baseServerTs + 1, Data: "edited", PatchTimestamp: baseServerTs + 50, From: "bob", PatchCode: 1, PatchReason: "moderated"},
		{Cid: "c2", Mid: "m2", Timestamp: baseServerTs + 2, Recall: true, PatchTimestamp: baseServerTs + 60, From: "bob"},
	}}})

	updates := map[string]Event{}
	for len(updates) < 2 {
		ev := events.wait(t, EventMessageUpdated)
		updates[ev.Message.ID()] = ev
	}
	edited := updates["m1"]
	if edited.Conversation != conv || edited.Message.Content().Text != "edited" || edited.PatchedReason == nil || edited.PatchedReason.Reason != "moderated" {
		t.Fatalf("unexpected edit event %+v", edited)
	}
	if recalled := updates["m2"].Message; !recalled.Recalled() {
		t.Fatal("recall not applied")
	}
	eventually(t, "patch time record", func() bool {
		var v int64
		c.q.Sync(func() { v = c.record.LastPatchTimestamp })
		return v == baseServerTs+60
	})
}
