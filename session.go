package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/rtm"
)

// openRequest is the in-flight Open call. Its presence is the opening
// phase of the session.
type openRequest struct {
	done func(error)
}

// ============================================================================
// Open / Close
// ============================================================================

// Open opens the session. It connects if needed, signs the open command
// and returns once the server confirmed it. Opening twice, or while an
// open is in flight, fails with an inconsistency error.
func (c *Client) Open(ctx context.Context, opts OpenOptions) error {
	return awaitErr(ctx, c, func(done func(error)) {
		if c.opening != nil {
			done(errs.Inconsistency("in opening, cannot do repetitive operation"))
			return
		}
		if c.sessionToken != "" {
			done(errs.Inconsistency("session has been opened"))
			return
		}
		c.opening = &openRequest{done: done}
		c.openOptions = opts
		c.conn.Connect(c.id, delegateAdapter{c}, c.q)
	})
}

// Close closes the session and disconnects the client from the shared
// connection.
func (c *Client) Close(ctx context.Context) error {
	return awaitErr(ctx, c, func(done func(error)) {
		switch c.State() {
		case SessionOpened:
		case SessionClosing:
			done(errs.Inconsistency("in closing, cannot do repetitive operation"))
			return
		default:
			done(errs.ErrClientNotOpen)
			return
		}
		cmd := &protocol.Command{Cmd: protocol.CmdSession, Op: protocol.OpClose, Session: &protocol.SessionCommand{}}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err != nil {
				if c.State() == SessionClosing {
					c.setState(SessionOpened)
				}
				done(err)
				return
			}
			if reply.Cmd == protocol.CmdSession && reply.Op == protocol.OpClosed {
				c.sessionClosed(nil, done)
				return
			}
			done(errs.ErrCommandInvalid)
		})
		c.setState(SessionClosing)
	})
}

// SessionToken returns the session token, refreshing it when expired or
// when forceRefresh is set.
func (c *Client) SessionToken(ctx context.Context, forceRefresh bool) (string, error) {
	return await(ctx, c, func(done func(string, error)) {
		c.sessionTokenOnQueue(forceRefresh, done)
	})
}

func (c *Client) sessionTokenOnQueue(forceRefresh bool, done func(string, error)) {
	if c.sessionToken == "" {
		done("", errs.ErrClientNotOpen)
		return
	}
	if !forceRefresh && c.clock.Now().Before(c.sessionTokenExpiration) {
		done(c.sessionToken, nil)
		return
	}
	cmd := &protocol.Command{
		Cmd:     protocol.CmdSession,
		Op:      protocol.OpRefresh,
		Session: &protocol.SessionCommand{SessionToken: c.sessionToken},
	}
	c.sendCommand(cmd, func(reply *protocol.Command, err error) {
		if err != nil {
			done("", err)
			return
		}
		s := reply.Session
		if s == nil || s.SessionToken == "" || s.SessionTTL == 0 {
			done("", errs.ErrCommandInvalid)
			return
		}
		c.storeSessionToken(s.SessionToken, s.SessionTTL)
		done(s.SessionToken, nil)
	})
}

// QueryOnlineClients reports which of ids (1 to 20 of them) are online.
func (c *Client) QueryOnlineClients(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 || len(ids) > 20 {
		return nil, errs.Inconsistency("count of client IDs should be in 1...20")
	}
	return await(ctx, c, func(done func([]string, error)) {
		cmd := &protocol.Command{
			Cmd:     protocol.CmdSession,
			Op:      protocol.OpQuery,
			Session: &protocol.SessionCommand{SessionPeerIDs: append([]string(nil), ids...)},
		}
		c.sendCommand(cmd, func(reply *protocol.Command, err error) {
			if err != nil {
				done(nil, err)
				return
			}
			if reply.Session == nil {
				done(nil, errs.ErrCommandInvalid)
				return
			}
			done(reply.Session.OnlineSessionPeers, nil)
		})
	})
}

// ============================================================================
// Session commands
// ============================================================================

func (c *Client) storeSessionToken(token string, ttl int32) {
	c.sessionToken = token
	c.sessionTokenExpiration = c.clock.Now().Add(time.Duration(ttl) * time.Second)
}

func (c *Client) sessionOpenCommand(token string, reopen bool, sig *Signature) *protocol.Command {
	s := &protocol.SessionCommand{
		UA:            userAgent,
		ConfigBitmap:  protocol.SupportedConfigBitmap,
		DeviceToken:   c.deviceToken,
		Tag:           c.cfg.tag,
		Reopen:        reopen,
		LastPatchTime: c.record.LastPatchTimestamp,
		SessionToken:  token,
	}
	if c.cfg.variant == protocol.Unread {
		s.LastUnreadNotifTime = c.lastUnreadNotifTime
	}
	if sig != nil {
		s.Signature = sig.Signature
		s.Timestamp = sig.Timestamp
		s.Nonce = sig.Nonce
	}
	return &protocol.Command{
		Cmd:     protocol.CmdSession,
		Op:      protocol.OpOpen,
		AppID:   c.appID,
		PeerID:  c.id,
		Session: s,
	}
}

// buildOpenCommand signs unless a token is reused.
func (c *Client) buildOpenCommand(token string, reopen bool, then func(*protocol.Command)) {
	if token != "" {
		then(c.sessionOpenCommand(token, reopen, nil))
		return
	}
	c.sign(SignatureRequest{Action: ActionOpen, ClientID: c.id}, func(sig *Signature) {
		then(c.sessionOpenCommand("", reopen, sig))
	})
}

func (c *Client) sendOpen(req *openRequest) {
	c.buildOpenCommand("", c.openOptions.Reconnect, func(cmd *protocol.Command) {
		if c.opening != req {
			return
		}
		c.conn.Send(c.id, cmd, func(reply *protocol.Command, err error) {
			if c.opening != req {
				return
			}
			if err != nil {
				c.sessionClosed(err, req.done)
				return
			}
			c.handleOpenReply(reply, cmd, req.done)
		})
	})
}

// sendReopen resumes a session after a reconnect. retried is set once the
// command was re-signed after a token expiry.
func (c *Client) sendReopen(cmd *protocol.Command, retried bool) {
	c.conn.Send(c.id, cmd, func(reply *protocol.Command, err error) {
		if err == nil {
			c.handleOpenReply(reply, nil, nil)
			return
		}
		switch {
		case errs.HasCode(err, errs.CodeCommandTimeout):
			c.sendReopen(cmd, retried)
		case errs.HasCode(err, errs.CodeConnectionLost):
			c.log.Debug("reopen interrupted", zap.Error(err))
		case errs.HasCode(err, errs.CodeSessionTokenExpired) && !retried:
			c.buildOpenCommand("", true, func(fresh *protocol.Command) {
				c.sendReopen(fresh, true)
			})
		default:
			c.sessionClosed(err, nil)
		}
	})
}

// handleOpenReply completes an open or reopen. done is nil for reopens,
// which report through the session events instead.
func (c *Client) handleOpenReply(reply *protocol.Command, openCmd *protocol.Command, done func(error)) {
	switch {
	case reply.Cmd == protocol.CmdSession && reply.Op == protocol.OpOpened:
		c.opening = nil
		if s := reply.Session; s != nil && s.SessionToken != "" && s.SessionTTL != 0 {
			c.storeSessionToken(s.SessionToken, s.SessionTTL)
		}
		c.setState(SessionOpened)
		if c.record.LastServerTimestamp != 0 {
			c.fetchOfflineNotifications(c.record.LastServerTimestamp, c.conversationSnapshot())
		}
		if c.record.LastPatchTimestamp == 0 {
			c.updateLocalRecord(0, reply.ServerTs)
		}
		if openCmd != nil && c.deviceToken != "" && openCmd.Session.DeviceToken != c.deviceToken {
			c.reportDeviceToken()
		}
		if done != nil {
			done(nil)
		} else {
			c.events.emit(Event{Kind: EventSessionDidOpen})
		}
	case reply.Cmd == protocol.CmdSession && reply.Op == protocol.OpClosed:
		c.sessionClosed(sessionError(reply), done)
	default:
		c.sessionClosed(errs.ErrCommandInvalid, done)
	}
}

// sessionClosed ends the session locally. done, when set, receives err;
// otherwise a non-nil err is reported as SessionDidClose.
func (c *Client) sessionClosed(err error, done func(error)) {
	c.conn.Disconnect(c.id)
	c.sessionToken = ""
	c.sessionTokenExpiration = time.Time{}
	c.opening = nil
	c.setState(SessionClosed)
	switch {
	case done != nil:
		done(err)
	case err != nil:
		c.events.emit(Event{Kind: EventSessionDidClose, Err: err})
	}
}

func (c *Client) reportDeviceToken() {
	token := c.deviceToken
	if token == "" || token == c.reportedDeviceToken {
		return
	}
	cmd := &protocol.Command{
		Cmd:    protocol.CmdReport,
		Op:     protocol.OpUpload,
		Report: &protocol.ReportCommand{Initiative: true, Type: "token", Data: token},
	}
	c.sendCommand(cmd, func(_ *protocol.Command, err error) {
		if err != nil {
			c.log.Warn("report device token", zap.Error(err))
			return
		}
		c.reportedDeviceToken = token
	})
}

func sessionError(cmd *protocol.Command) error {
	if s := cmd.Session; s != nil && s.Code != 0 {
		return errs.Server(int(s.Code), s.Reason, 0, s.Detail)
	}
	return errs.ErrCommandInvalid
}

// ============================================================================
// Connection delegate
// ============================================================================

// delegateAdapter receives connection events on the client queue.
type delegateAdapter struct{ c *Client }

func (d delegateAdapter) ConnectionInConnecting(*rtm.Connection) {
	c := d.c
	if c.sessionToken == "" || c.State() == SessionResuming {
		return
	}
	c.setState(SessionResuming)
	c.events.emit(Event{Kind: EventSessionDidResume})
}

func (d delegateAdapter) ConnectionDidConnect(*rtm.Connection) {
	c := d.c
	if req := c.opening; req != nil {
		c.sendOpen(req)
		return
	}
	if c.sessionToken == "" {
		return
	}
	token := c.sessionToken
	if !c.clock.Now().Before(c.sessionTokenExpiration) {
		token = ""
	}
	c.buildOpenCommand(token, true, func(cmd *protocol.Command) {
		c.sendReopen(cmd, false)
	})
}

func (d delegateAdapter) ConnectionDidDisconnect(_ *rtm.Connection, err error) {
	c := d.c
	if req := c.opening; req != nil {
		c.sessionClosed(err, req.done)
		return
	}
	if c.sessionToken != "" && c.State() != SessionPaused {
		c.setState(SessionPaused)
		c.events.emit(Event{Kind: EventSessionDidPause, Err: err})
	}
}

func (d delegateAdapter) ConnectionDidReceive(_ *rtm.Connection, cmd *protocol.Command) {
	d.c.dispatch(cmd)
}

// dispatch routes a pushed command to its processor.
func (c *Client) dispatch(cmd *protocol.Command) {
	switch cmd.Cmd {
	case protocol.CmdSession:
		if cmd.Op == protocol.OpClosed {
			c.sessionClosed(sessionError(cmd), nil)
		}
	case protocol.CmdDirect:
		if cmd.Direct != nil {
			c.processDirect(cmd.Direct)
		}
	case protocol.CmdUnread:
		if cmd.Unread != nil {
			c.processUnread(cmd.Unread)
		}
	case protocol.CmdConv:
		if cmd.Conv != nil {
			c.processConv(cmd.Conv, cmd.Op, cmd.ServerTs)
		}
	case protocol.CmdPatch:
		if cmd.Op == protocol.OpModify && cmd.Patch != nil {
			c.processPatch(cmd.Patch)
		}
	case protocol.CmdRcp:
		if cmd.Rcp != nil {
			c.processReceipt(cmd.Rcp, cmd.ServerTs)
		}
	default:
		c.log.Debug("ignoring command", zap.String("cmd", string(cmd.Cmd)), zap.String("op", string(cmd.Op)))
	}
}
