package realtime

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// ============================================================================
// Membership
// ============================================================================

// Join adds the current client to the conversation.
func (conv *Conversation) Join(ctx context.Context) error {
	result, err := conv.updateMembership(ctx, []string{conv.clientID}, true)
	return selfResult(result, err)
}

// Leave removes the current client from the conversation.
func (conv *Conversation) Leave(ctx context.Context) error {
	result, err := conv.updateMembership(ctx, []string{conv.clientID}, false)
	return selfResult(result, err)
}

func selfResult(result *MemberResult, err error) error {
	if err != nil {
		return err
	}
	if !result.AllSucceeded() {
		if e := result.Failures[0].Err; e != nil {
			return e
		}
		return errs.ErrMalformedData
	}
	return nil
}

// AddMembers invites members. Members the server refused are reported in
// the result, not as an error.
func (conv *Conversation) AddMembers(ctx context.Context, members []string) (*MemberResult, error) {
	return conv.updateMembership(ctx, members, true)
}

// RemoveMembers kicks members.
func (conv *Conversation) RemoveMembers(ctx context.Context, members []string) (*MemberResult, error) {
	return conv.updateMembership(ctx, members, false)
}

func (conv *Conversation) updateMembership(ctx context.Context, members []string, add bool) (*MemberResult, error) {
	if err := conv.require(CapMembership, "membership update"); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, errs.Inconsistency("parameter `members` should not be empty")
	}
	if err := validateMemberIDs(members); err != nil {
		return nil, err
	}
	members = union(nil, members)

	c := conv.client
	action, op := ActionAddMembers, protocol.OpAdd
	if !add {
		action, op = ActionRemoveMembers, protocol.OpRemove
	}
	return await(ctx, c, func(done func(*MemberResult, error)) {
		c.sign(SignatureRequest{
			Action:         action,
			ClientID:       c.id,
			ConversationID: conv.id,
			Members:        members,
		}, func(sig *Signature) {
			body := &protocol.ConvCommand{Cid: conv.id, M: members}
			if sig != nil {
				body.Signature, body.Timestamp, body.Nonce = sig.Signature, sig.Timestamp, sig.Nonce
			}
			cmd := &protocol.Command{Cmd: protocol.CmdConv, Op: op, Conv: body}
			c.sendCommand(cmd, func(reply *protocol.Command, err error) {
				if err != nil {
					done(nil, err)
					return
				}
				done(conv.membershipResult(reply))
			})
		})
	})
}

func (conv *Conversation) membershipResult(reply *protocol.Command) (*MemberResult, error) {
	body := reply.Conv
	if body == nil {
		return nil, errs.ErrCommandInvalid
	}
	result := &MemberResult{Succeeded: body.Allowed}
	for _, f := range body.Failed {
		result.Failures = append(result.Failures, MemberFailure{
			IDs: f.Pids,
			Err: errs.Server(int(f.Code), f.Reason, int(f.AppCode), ""),
		})
	}
	if len(body.Allowed) > 0 {
		switch reply.Op {
		case protocol.OpAdded:
			conv.execute(operation{kind: opAppendMembers, members: body.Allowed, udate: body.Udate})
		case protocol.OpRemoved:
			conv.execute(operation{kind: opRemoveMembers, members: body.Allowed, udate: body.Udate})
		}
	}
	return result, nil
}

// CountMembers asks the server for the member count.
func (conv *Conversation) CountMembers(ctx context.Context) (int, error) {
	if err := conv.require(CapCountMembers, "member count"); err != nil {
		return 0, err
	}
	c := conv.client
	return await(ctx, c, func(done func(int, error)) {
		cmd := &protocol.Command{Cmd: protocol.CmdConv, Op: protocol.OpCount, Conv: &protocol.ConvCommand{Cid: conv.id}}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err != nil {
				done(0, err)
				return
			}
			if reply.Conv == nil {
				done(0, errs.ErrCommandInvalid)
				return
			}
			done(int(reply.Conv.Count), nil)
		})
	})
}

// ============================================================================
// Mute and attributes
// ============================================================================

// Mute stops offline push notifications of the conversation for the
// current client.
func (conv *Conversation) Mute(ctx context.Context) error { return conv.setMuted(ctx, true) }

// Unmute reverses Mute.
func (conv *Conversation) Unmute(ctx context.Context) error { return conv.setMuted(ctx, false) }

func (conv *Conversation) setMuted(ctx context.Context, mute bool) error {
	if err := conv.require(CapMute, "mute"); err != nil {
		return err
	}
	op, kind := protocol.OpMute, opMute
	if !mute {
		op, kind = protocol.OpUnmute, opUnmute
	}
	c := conv.client
	return awaitErr(ctx, c, func(done func(error)) {
		cmd := &protocol.Command{Cmd: protocol.CmdConv, Op: op, Conv: &protocol.ConvCommand{Cid: conv.id}}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err != nil {
				done(err)
				return
			}
			if reply.Conv == nil {
				done(errs.ErrCommandInvalid)
				return
			}
			conv.execute(operation{kind: kind, udate: reply.Conv.Udate})
			done(nil)
		})
	})
}

// UpdateAttributes changes conversation data. Keys may be dotted paths
// such as "attr.topic"; the server's resulting values are applied to the
// cached data.
func (conv *Conversation) UpdateAttributes(ctx context.Context, data map[string]any) error {
	if err := conv.require(CapUpdateAttributes, "attribute update"); err != nil {
		return err
	}
	if len(data) == 0 {
		return errs.Inconsistency("parameter `data` should not be empty")
	}
	attr := jsonObject(data)
	if attr == nil {
		return errs.New(errs.CodeMalformedData, "attributes are not JSON encodable")
	}
	c := conv.client
	return awaitErr(ctx, c, func(done func(error)) {
		cmd := &protocol.Command{Cmd: protocol.CmdConv, Op: protocol.OpUpdate, Conv: &protocol.ConvCommand{Cid: conv.id, Attr: attr}}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err != nil {
				done(err)
				return
			}
			body := reply.Conv
			if body == nil || body.AttrModified == nil || body.Udate == "" {
				done(errs.ErrCommandInvalid)
				return
			}
			modified, err := decodeObject(body.AttrModified)
			if err != nil {
				done(err)
				return
			}
			conv.execute(operation{kind: opAttributesUpdated, attr: data, attrModified: modified, udate: body.Udate})
			done(nil)
		})
	})
}

func decodeObject(obj *protocol.JSONObject) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal([]byte(obj.Data), &out); err != nil {
		return nil, errs.Wrap(err, errs.CodeMalformedData, "decode JSON object")
	}
	return out, nil
}

// ============================================================================
// Conversation notifications
// ============================================================================

// membershipOps mark a conversation outdated when they arrive while
// offline notifications are being fetched.
var membershipOps = map[protocol.OpType]bool{
	protocol.OpJoined:      true,
	protocol.OpLeft:        true,
	protocol.OpMembersJoin: true,
	protocol.OpMembersLeft: true,
}

var noticeEvents = map[protocol.OpType]EventKind{
	protocol.OpBlocked:           EventBlocked,
	protocol.OpUnblocked:         EventUnblocked,
	protocol.OpMembersBlocked:    EventMembersBlocked,
	protocol.OpMembersUnblocked:  EventMembersUnblocked,
	protocol.OpShutuped:          EventMuted,
	protocol.OpUnshutuped:        EventUnmuted,
	protocol.OpMembersShutuped:   EventMembersMuted,
	protocol.OpMembersUnshutuped: EventMembersUnmuted,
}

func (c *Client) processConv(body *protocol.ConvCommand, op protocol.OpType, serverTs int64) {
	if body.Cid == "" {
		return
	}
	c.resolveConversation(body.Cid, func(conv *Conversation, err error) {
		if err != nil {
			c.log.Warn("conversation notification dropped", zap.String("cid", body.Cid), zap.String("op", string(op)), zap.Error(err))
			return
		}
		ev, ok := c.convEvent(conv, body, op, serverTs)
		if !ok {
			return
		}
		c.updateLocalRecord(serverTs, 0)
		c.events.emit(ev)
	})
}

func (c *Client) convEvent(conv *Conversation, body *protocol.ConvCommand, op protocol.OpType, serverTs int64) (Event, bool) {
	ev := Event{Conversation: conv, ByClientID: body.InitBy, At: serverTs}
	if t, ok := parseDate(body.Udate); ok {
		ev.At = t.UnixMilli()
	}

	if membershipOps[op] {
		if _, ok := c.fetchingSnapshot[conv.id]; ok {
			conv.setOutdated(true)
			conv.persist(true)
		}
	}

	switch op {
	case protocol.OpJoined:
		conv.execute(operation{kind: opAppendMembers, members: []string{c.id}, udate: body.Udate})
		ev.Kind = EventJoined
	case protocol.OpLeft:
		conv.execute(operation{kind: opRemoveMembers, members: []string{c.id}, udate: body.Udate})
		ev.Kind = EventLeft
	case protocol.OpMembersJoin:
		conv.execute(operation{kind: opAppendMembers, members: body.M, udate: body.Udate})
		ev.Kind, ev.Members = EventMembersJoined, body.M
	case protocol.OpMembersLeft:
		conv.execute(operation{kind: opRemoveMembers, members: body.M, udate: body.Udate})
		ev.Kind, ev.Members = EventMembersLeft, body.M

	case protocol.OpUpdated:
		if body.Attr == nil || body.AttrModified == nil {
			conv.log().Debug("updated notification without attributes")
			return Event{}, false
		}
		attr, err := decodeObject(body.Attr)
		if err != nil {
			conv.log().Warn("updated notification", zap.Error(err))
			return Event{}, false
		}
		modified, err := decodeObject(body.AttrModified)
		if err != nil {
			conv.log().Warn("updated notification", zap.Error(err))
			return Event{}, false
		}
		conv.execute(operation{kind: opAttributesUpdated, attr: attr, attrModified: modified, udate: body.Udate})
		ev.Kind, ev.Attributes, ev.UpdatedData = EventDataUpdated, attr, modified

	case protocol.OpMemberInfoChanged:
		info := body.Info
		if info == nil || info.Pid == "" || info.Role == "" {
			conv.log().Debug("member info notification without info")
			return Event{}, false
		}
		role := MemberRole(info.Role)
		if info.Pid == conv.CreatorID() {
			role = RoleOwner
		}
		mi := MemberInfo{ConversationID: conv.id, MemberID: info.Pid, Role: role}
		conv.execute(operation{kind: opMemberInfoChanged, info: &mi})
		ev.Kind, ev.MemberInfo, ev.At = EventMemberInfoChanged, &mi, serverTs

	default:
		kind, ok := noticeEvents[op]
		if !ok {
			c.log.Debug("ignoring conversation notification", zap.String("op", string(op)))
			return Event{}, false
		}
		ev.Kind, ev.Members, ev.At = kind, body.M, serverTs
	}
	return ev, true
}
