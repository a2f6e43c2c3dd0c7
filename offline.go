package realtime

import (
	"context"
	"encoding/json"
	"strconv"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/filestore"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/rest"
)

// ============================================================================
// Local record
// ============================================================================

// localRecord holds the low-water marks of what the client has seen. Both
// values only advance.
type localRecord struct {
	LastPatchTimestamp  int64 `cbor:"lastPatchTimestamp,omitempty"`
	LastServerTimestamp int64 `cbor:"lastServerTimestamp,omitempty"`
}

func (r *localRecord) load(path string) error {
	_, err := filestore.Load(path, r)
	return err
}

// updateLocalRecord advances the marks; zero values are ignored. The
// record is saved when it changed and a storage directory is set.
func (c *Client) updateLocalRecord(serverTs, patchTs int64) {
	changed := false
	if serverTs > c.record.LastServerTimestamp {
		c.record.LastServerTimestamp = serverTs
		changed = true
	}
	if patchTs > c.record.LastPatchTimestamp {
		c.record.LastPatchTimestamp = patchTs
		changed = true
	}
	if !changed || c.cfg.storageDir == "" {
		return
	}
	if err := filestore.Save(c.recordPath(), c.record); err != nil {
		c.log.Warn("save local record", zap.Error(err))
	}
}

// ============================================================================
// Notification buffer
// ============================================================================

// notificationBuffer groups replayed commands by conversation, each list
// ordered by server timestamp. Equal timestamps keep arrival order.
type notificationBuffer map[string][]*protocol.Command

func (b notificationBuffer) add(cid string, cmd *protocol.Command) {
	list := b[cid]
	if n := len(list); n == 0 || cmd.ServerTs >= list[n-1].ServerTs {
		b[cid] = append(list, cmd)
		return
	}
	for i, existing := range list {
		if cmd.ServerTs < existing.ServerTs {
			list = append(list, nil)
			copy(list[i+1:], list[i:])
			list[i] = cmd
			break
		}
	}
	b[cid] = list
}

// ============================================================================
// Offline notifications
// ============================================================================

const notificationsPath = "/rtm/notifications"

type notificationList struct {
	Notifications []map[string]any `json:"notifications"`
}

type notificationsResponse struct {
	Permanent notificationList `json:"permanent"`
	Droppable struct {
		InvalidLocalConvCache bool             `json:"invalidLocalConvCache"`
		Notifications         []map[string]any `json:"notifications"`
	} `json:"droppable"`
}

// fetchOfflineNotifications pulls the conversation and receipt
// notifications missed since startTs. snapshot is the conversation cache
// at session open; changes arriving for those conversations while the
// fetch is in flight mark them outdated.
func (c *Client) fetchOfflineNotifications(startTs int64, snapshot map[string]*Conversation) {
	if c.api == nil {
		return
	}
	c.fetchingSnapshot = snapshot
	c.sessionTokenOnQueue(false, func(token string, err error) {
		if err != nil {
			c.fetchingSnapshot = nil
			c.log.Warn("offline notifications: session token", zap.Error(err))
			return
		}
		go func() {
			body, err := c.api.Get(context.Background(), notificationsPath,
				map[string]string{
					"client_id": c.id,
					"start_ts":  strconv.FormatInt(startTs, 10),
				},
				map[string]string{"X-LC-IM-Session-Token": token})
			var resp *notificationsResponse
			if err == nil {
				resp, err = rest.DecodeJSON[notificationsResponse](body)
			}
			c.q.Async(func() {
				c.fetchingSnapshot = nil
				if err != nil {
					c.log.Warn("fetch offline notifications", zap.Error(err))
					return
				}
				c.replayNotifications(resp, snapshot)
			})
		}()
	})
}

func (c *Client) replayNotifications(resp *notificationsResponse, snapshot map[string]*Conversation) {
	buffer := notificationBuffer{}
	collect := func(items []map[string]any) {
		for _, item := range items {
			cmd, ok := notificationCommand(item)
			if !ok {
				c.log.Debug("skipping malformed notification", zap.Any("notification", item))
				continue
			}
			buffer.add(cmd.convID(), cmd.Command)
		}
	}
	collect(resp.Permanent.Notifications)
	if resp.Droppable.InvalidLocalConvCache {
		for _, conv := range snapshot {
			conv.setOutdated(true)
			conv.persist(true)
		}
	} else {
		collect(resp.Droppable.Notifications)
	}
	if len(buffer) == 0 {
		return
	}

	replay := func(cid string) {
		for _, cmd := range buffer[cid] {
			c.dispatch(cmd)
		}
	}
	var ordinary, temporary []string
	for cid := range buffer {
		switch {
		case c.cachedConversation(cid) != nil:
			replay(cid)
		case isTemporaryID(cid):
			temporary = append(temporary, cid)
		default:
			ordinary = append(ordinary, cid)
		}
	}
	if len(ordinary)+len(temporary) == 0 {
		return
	}
	c.fetchGroups(ordinary, temporary, func(conv *Conversation) {
		replay(conv.id)
	}, func(err error) {
		if err != nil {
			c.log.Warn("resolve conversations of offline notifications", zap.Error(err))
		}
	})
}

// ============================================================================
// Notification decoding
// ============================================================================

type notification struct {
	*protocol.Command
}

func (n notification) convID() string {
	if n.Conv != nil {
		return n.Conv.Cid
	}
	return n.Rcp.Cid
}

// notificationCommand converts a JSON notification into the command a
// live push of the same change would carry.
func notificationCommand(item map[string]any) (notification, bool) {
	cid := strOr(item, "cid", "")
	serverTs := intOr(item, "serverTs", 0)
	if cid == "" || serverTs == 0 {
		return notification{}, false
	}
	cmd := &protocol.Command{ServerTs: serverTs}
	switch strOr(item, "cmd", "") {
	case "conv":
		op := protocol.OpType(strOr(item, "op", ""))
		if !notifiedConvOps[op] {
			return notification{}, false
		}
		cmd.Cmd, cmd.Op = protocol.CmdConv, op
		conv := &protocol.ConvCommand{
			Cid:    cid,
			Udate:  strOr(item, "udate", ""),
			InitBy: strOr(item, "initBy", ""),
			M:      stringSlice(item["m"]),
		}
		if attr, ok := item["attr"].(map[string]any); ok {
			conv.Attr = jsonObject(attr)
		}
		if modified, ok := item["attrModified"].(map[string]any); ok {
			conv.AttrModified = jsonObject(modified)
		}
		if info, ok := item["info"].(map[string]any); ok {
			conv.Info = &protocol.MemberInfo{Pid: strOr(info, "pid", ""), Role: strOr(info, "role", "")}
		}
		cmd.Conv = conv
	case "rcp":
		cmd.Cmd = protocol.CmdRcp
		cmd.Rcp = &protocol.RcpCommand{
			Cid:  cid,
			ID:   strOr(item, "id", ""),
			T:    intOr(item, "t", 0),
			Read: boolValue(item["read"]),
			From: strOr(item, "from", ""),
		}
	default:
		return notification{}, false
	}
	return notification{cmd}, true
}

var notifiedConvOps = map[protocol.OpType]bool{
	protocol.OpJoined:            true,
	protocol.OpLeft:              true,
	protocol.OpMembersJoin:       true,
	protocol.OpMembersLeft:       true,
	protocol.OpUpdated:           true,
	protocol.OpMemberInfoChanged: true,
	protocol.OpBlocked:           true,
	protocol.OpUnblocked:         true,
	protocol.OpMembersBlocked:    true,
	protocol.OpMembersUnblocked:  true,
	protocol.OpShutuped:          true,
	protocol.OpUnshutuped:        true,
	protocol.OpMembersShutuped:   true,
	protocol.OpMembersUnshutuped: true,
}

func jsonObject(v map[string]any) *protocol.JSONObject {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return &protocol.JSONObject{Data: string(data)}
}

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int64) int64 {
	if v, ok := intValue(m[key]); ok {
		return v
	}
	return fallback
}
