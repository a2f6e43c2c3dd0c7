package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// ============================================================================
// Notification buffer
// ============================================================================

func TestNotificationBufferOrdersByServerTime(t *testing.T) {
	buf := notificationBuffer{}
	mk := func(ts int64, op protocol.OpType) *protocol.Command {
		return &protocol.Command{Cmd: protocol.CmdConv, Op: op, ServerTs: ts}
	}
	buf.add("c1", mk(30, protocol.OpLeft))
	buf.add("c1", mk(10, protocol.OpJoined))
	buf.add("c1", mk(20, protocol.OpUpdated))
	buf.add("c1", mk(10, protocol.OpMembersJoin))
	buf.add("c2", mk(5, protocol.OpBlocked))

	var got []protocol.OpType
	for _, cmd := range buf["c1"] {
		got = append(got, cmd.Op)
	}
	want := []protocol.OpType{protocol.OpJoined, protocol.OpMembersJoin, protocol.OpUpdated, protocol.OpLeft}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if len(buf["c2"]) != 1 {
		t.Fatalf("c2 list = %v", buf["c2"])
	}
}

// ============================================================================
// Notification decoding
// ============================================================================

func TestNotificationCommand(t *testing.T) {
	tests := []struct {
		name string
		item map[string]any
		ok   bool
		cmd  protocol.CommandType
		op   protocol.OpType
	}{
		{
			name: "members joined",
			item: map[string]any{"cmd": "conv", "op": "members-joined", "cid": "c1", "serverTs": float64(100), "m": []any{"carol"}, "initBy": "bob", "udate": "2024-01-03T00:00:00.000Z"},
			ok:   true, cmd: protocol.CmdConv, op: protocol.OpMembersJoin,
		},
		{
			name: "member info",
			item: map[string]any{"cmd": "conv", "op": "member-info-changed", "cid": "c1", "serverTs": float64(100), "info": map[string]any{"pid": "carol", "role": "Manager"}},
			ok:   true, cmd: protocol.CmdConv, op: protocol.OpMemberInfoChanged,
		},
		{
			name: "receipt",
			item: map[string]any{"cmd": "rcp", "cid": "c1", "serverTs": float64(100), "id": "m1", "t": float64(90), "read": true, "from": "bob"},
			ok:   true, cmd: protocol.CmdRcp,
		},
		{
			name: "missing cid",
			item: map[string]any{"cmd": "conv", "op": "joined", "serverTs": float64(100)},
		},
		{
			name: "missing server time",
			item: map[string]any{"cmd": "conv", "op": "joined", "cid": "c1"},
		},
		{
			name: "op not replayed",
			item: map[string]any{"cmd": "conv", "op": "mute", "cid": "c1", "serverTs": float64(100)},
		},
		{
			name: "unknown command",
			item: map[string]any{"cmd": "direct", "cid": "c1", "serverTs": float64(100)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := notificationCommand(tt.item)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if n.Cmd != tt.cmd || n.Op != tt.op || n.ServerTs != 100 || n.convID() != "c1" {
				t.Fatalf("unexpected command %+v", n.Command)
			}
		})
	}

	n, _ := notificationCommand(tests[0].item)
	if len(n.Conv.M) != 1 || n.Conv.M[0] != "carol" || n.Conv.InitBy != "bob" {
		t.Fatalf("conv fields not copied: %+v", n.Conv)
	}
	n, _ = notificationCommand(tests[1].item)
	if n.Conv.Info == nil || n.Conv.Info.Pid != "carol" || n.Conv.Info.Role != "Manager" {
		t.Fatalf("member info not copied: %+v", n.Conv.Info)
	}
	n, _ = notificationCommand(tests[2].item)
	if n.Rcp.ID != "m1" || n.Rcp.T != 90 || !n.Rcp.Read || n.Rcp.From != "bob" {
		t.Fatalf("receipt fields not copied: %+v", n.Rcp)
	}
}

// ============================================================================
// Replay
// ============================================================================

type notificationEndpoint struct {
	mu       sync.Mutex
	requests []*http.Request
	response atomic.Value
}

func newNotificationEndpoint(t *testing.T, resp map[string]any) (*notificationEndpoint, *httptest.Server) {
	t.Helper()
	e := &notificationEndpoint{}
	e.response.Store(resp)
	mux := http.NewServeMux()
	mux.HandleFunc(notificationsPath, func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.requests = append(e.requests, r)
		e.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(e.response.Load())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return e, srv
}

func (e *notificationEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *notificationEndpoint) request(i int) *http.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[i]
}

func TestOfflineNotificationsReplayed(t *testing.T) {
	const since = baseServerTs - 1000
	endpoint, api := newNotificationEndpoint(t, map[string]any{
		"permanent": map[string]any{"notifications": []any{
			map[string]any{"cmd": "conv", "op": "members-joined", "cid": "c1", "serverTs": since + 10, "m": []string{"carol"}, "initBy": "bob", "udate": "2024-01-03T00:00:00.000Z"},
			map[string]any{"cmd": "rcp", "cid": "c1", "serverTs": since + 5, "id": "m9", "t": since + 4},
		}},
		"droppable": map[string]any{"notifications": []any{
			map[string]any{"cmd": "conv", "op": "updated", "cid": "c1", "serverTs": since + 20, "initBy": "bob",
				"attr": map[string]any{"name": "renamed"}, "attrModified": map[string]any{"name": "renamed"}, "udate": "2024-01-04T00:00:00.000Z"},
		}},
	})

	srv := newFakeServer()
	srv.addConversation(conversationRaw("c1", "alice", "bob"))
	c, d, _ := newTestClient(t, srv, WithAPIURL(api.URL))
	events := recordEvents(c)
	c.q.Sync(func() { c.record.LastServerTimestamp = since })
	openClient(t, c, d)

	events.wait(t, EventLastDeliveredAtUpdated)
	joined := events.wait(t, EventMembersJoined)
	updated := events.wait(t, EventDataUpdated)
	if joined.ByClientID != "bob" || updated.Conversation != joined.Conversation {
		t.Fatalf("unexpected events %+v / %+v", joined, updated)
	}
	conv := joined.Conversation
	if conv.Name() != "renamed" || !sameMembers(conv.Members(), "alice", "bob", "carol") {
		t.Fatalf("notifications not applied: %+v", conv.RawData())
	}
	if conv.LastDeliveredAt() != since+4 {
		t.Fatalf("lastDeliveredAt = %d", conv.LastDeliveredAt())
	}

	if endpoint.count() != 1 {
		t.Fatalf("expected one fetch, got %d", endpoint.count())
	}
	r := endpoint.request(0)
	q := r.URL.Query()
	if q.Get("client_id") != "alice" || q.Get("start_ts") != "1699999999000" {
		t.Fatalf("unexpected query %v", q)
	}
	if r.Header.Get("X-LC-IM-Session-Token") != testToken || r.Header.Get("X-LC-Id") != "app" {
		t.Fatalf("unexpected headers %v", r.Header)
	}
}

func TestNoFetchWithoutServerTimestamp(t *testing.T) {
	endpoint, api := newNotificationEndpoint(t, map[string]any{})
	srv := newFakeServer()
	c, d, _ := newTestClient(t, srv, WithAPIURL(api.URL))
	openClient(t, c, d)
	flush(c)
	if endpoint.count() != 0 {
		t.Fatalf("fetched notifications on first open (%d)", endpoint.count())
	}
}

func TestInvalidLocalCacheMarksConversationsOutdated(t *testing.T) {
	endpoint, api := newNotificationEndpoint(t, map[string]any{})
	srv := newFakeServer()
	srv.addConversation(conversationRaw("c1", "alice", "bob"))
	c, d, _ := newTestClient(t, srv, WithAPIURL(api.URL))

	openClient(t, c, d)
	conv, err := c.Conversation(testContext(t), "c1")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if err := c.Close(testContext(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c.q.Sync(func() { c.record.LastServerTimestamp = baseServerTs })

	endpoint.response.Store(map[string]any{
		"droppable": map[string]any{"invalidLocalConvCache": true},
	})
	if err := c.Open(testContext(t), OpenOptions{}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	eventually(t, "outdated conversation", conv.Outdated)
	if endpoint.count() != 1 {
		t.Fatalf("expected one fetch, got %d", endpoint.count())
	}
}
