// Package realtime is a real-time messaging client: it keeps a multiplexed
// socket to the messaging backend, runs the per-client session, caches
// conversations and messages in memory and optionally on disk, and reports
// everything that happens through ordered events.
//
// Example:
//
//	client, _ := realtime.NewClient("app-id", "alice",
//		realtime.WithRouterURL("https://router.example.com"),
//		realtime.WithLocalCache(true))
//	client.OnMessage(func(conv *realtime.Conversation, msg *realtime.Message) {
//		fmt.Println(conv.ID(), msg.Content().Text)
//	})
//	_ = client.Open(ctx, realtime.OpenOptions{})
//	conv, _ := client.CreateConversation(ctx, []string{"bob"}, nil)
//	_ = conv.Send(ctx, realtime.NewTextMessage("hi"), nil)
package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Event Kinds
// ============================================================================

// EventKind names a session, conversation or message event.
type EventKind string

// Session events.
const (
	EventSessionDidOpen   EventKind = "session.opened"
	EventSessionDidResume EventKind = "session.resuming"
	EventSessionDidPause  EventKind = "session.paused"
	EventSessionDidClose  EventKind = "session.closed"
)

// Conversation events.
const (
	EventJoined                    EventKind = "conversation.joined"
	EventLeft                      EventKind = "conversation.left"
	EventMembersJoined             EventKind = "conversation.members-joined"
	EventMembersLeft               EventKind = "conversation.members-left"
	EventMemberInfoChanged         EventKind = "conversation.member-info-changed"
	EventBlocked                   EventKind = "conversation.blocked"
	EventUnblocked                 EventKind = "conversation.unblocked"
	EventMembersBlocked            EventKind = "conversation.members-blocked"
	EventMembersUnblocked          EventKind = "conversation.members-unblocked"
	EventMuted                     EventKind = "conversation.muted"
	EventUnmuted                   EventKind = "conversation.unmuted"
	EventMembersMuted              EventKind = "conversation.members-muted"
	EventMembersUnmuted            EventKind = "conversation.members-unmuted"
	EventDataUpdated               EventKind = "conversation.data-updated"
	EventLastMessageUpdated        EventKind = "conversation.last-message-updated"
	EventLastDeliveredAtUpdated    EventKind = "conversation.last-delivered-at-updated"
	EventLastReadAtUpdated         EventKind = "conversation.last-read-at-updated"
	EventUnreadMessageCountUpdated EventKind = "conversation.unread-message-count-updated"
)

// Message events.
const (
	EventMessageReceived  EventKind = "message.received"
	EventMessageUpdated   EventKind = "message.updated"
	EventMessageDelivered EventKind = "message.delivered"
	EventMessageRead      EventKind = "message.read"
)

// Event is delivered to handlers on the client's event queue. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Err is the cause of a pause or close.
	Err error

	Conversation *Conversation
	// ByClientID is the member that triggered a membership or data change.
	ByClientID string
	Members    []string
	// At is the server time of the change, in milliseconds.
	At int64

	MemberInfo *MemberInfo
	// Attributes and UpdatedData describe a data update: the changed keys
	// as sent, and their resulting values.
	Attributes  map[string]any
	UpdatedData map[string]any

	Message       *Message
	PatchedReason *PatchedReason
	// NewMessage is set on last-message updates caused by a newer message
	// rather than a refresh of the current one.
	NewMessage bool

	// MessageID and FromClientID identify the message and reader of a
	// receipt.
	MessageID    string
	FromClientID string
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(Event)

type eventDispatcher struct {
	mu        sync.RWMutex
	generic   map[EventKind][]EventHandler
	any       []EventHandler
	onMessage []func(*Conversation, *Message)
	onSession []func(EventKind, error)

	exec func(task func())
	log  *zap.Logger
}

func newEventDispatcher(exec func(func()), log *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[EventKind][]EventHandler),
		exec:    exec,
		log:     log,
	}
}

func (d *eventDispatcher) on(kind EventKind, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generic[kind] = append(d.generic[kind], h)
}

func (d *eventDispatcher) onAny(h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.any = append(d.any, h)
}

func (d *eventDispatcher) onMessageReceived(h func(*Conversation, *Message)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = append(d.onMessage, h)
}

func (d *eventDispatcher) onSessionEvent(h func(EventKind, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSession = append(d.onSession, h)
}

// emit queues ev for every matching handler. Handlers registered after
// emit returns do not see ev.
func (d *eventDispatcher) emit(ev Event) {
	d.mu.RLock()
	generic := append([]EventHandler{}, d.generic[ev.Kind]...)
	generic = append(generic, d.any...)
	var messages []func(*Conversation, *Message)
	if ev.Kind == EventMessageReceived {
		messages = append(messages, d.onMessage...)
	}
	var sessions []func(EventKind, error)
	switch ev.Kind {
	case EventSessionDidOpen, EventSessionDidResume, EventSessionDidPause, EventSessionDidClose:
		sessions = append(sessions, d.onSession...)
	}
	d.mu.RUnlock()

	if len(generic)+len(messages)+len(sessions) == 0 {
		return
	}
	d.exec(func() {
		for _, h := range messages {
			d.call(ev.Kind, func() { h(ev.Conversation, ev.Message) })
		}
		for _, h := range sessions {
			d.call(ev.Kind, func() { h(ev.Kind, ev.Err) })
		}
		for _, h := range generic {
			d.call(ev.Kind, func() { h(ev) })
		}
	})
}

// call runs one handler; a panic is logged and does not stop the others.
func (d *eventDispatcher) call(kind EventKind, f func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in event handler", zap.String("event", string(kind)), zap.Any("panic", r))
		}
	}()
	f()
}

// ============================================================================
// Registration
// ============================================================================

// On registers a handler for one event kind.
func (c *Client) On(kind EventKind, h EventHandler) { c.events.on(kind, h) }

// OnAny registers a handler for every event.
func (c *Client) OnAny(h EventHandler) { c.events.onAny(h) }

// OnMessage registers a handler for received messages.
func (c *Client) OnMessage(h func(conv *Conversation, msg *Message)) {
	c.events.onMessageReceived(h)
}

// OnSessionEvent registers a handler for session open, resume, pause and
// close events. err is set for pause and close.
func (c *Client) OnSessionEvent(h func(kind EventKind, err error)) {
	c.events.onSessionEvent(h)
}
