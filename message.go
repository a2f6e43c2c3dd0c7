package realtime

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/leancloud/swift-sdk-sub001/internal/localcache"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// MessageStatus is the delivery state of a message. Delivered and Read
// annotate Sent once receipt timestamps are known.
type MessageStatus int

const (
	StatusFailed    MessageStatus = -1
	StatusNone      MessageStatus = 0
	StatusSending   MessageStatus = 1
	StatusSent      MessageStatus = 2
	StatusDelivered MessageStatus = 3
	StatusRead      MessageStatus = 4
)

func (s MessageStatus) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusNone:
		return "none"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return "unknown"
}

// Content is the payload of a message: text, or binary when Binary is
// non-nil.
type Content struct {
	Text   string
	Binary []byte
}

// IsBinary reports whether the content is binary.
func (c Content) IsBinary() bool { return c.Binary != nil }

// PatchedReason explains a server-side modification of a message.
type PatchedReason struct {
	Code   int
	Reason string
}

// recalledContent is the typed-message body of a recalled message.
const recalledContent = `{"_lctype":-127}`

const typedMessageKey = "_lctype"

// Message is a message in a conversation. It is safe for concurrent use;
// the client updates it as acknowledgements, patches and receipts arrive.
type Message struct {
	mu sync.RWMutex

	id              string
	conversationID  string
	fromClientID    string
	currentClientID string

	sentTimestamp      int64
	patchedTimestamp   int64
	deliveredTimestamp int64
	readTimestamp      int64

	content          Content
	allMentioned     bool
	mentionedMembers []string

	status    MessageStatus
	transient bool
	will      bool
	recalled  bool

	dedupToken       string
	sendingTimestamp int64
	breakpoint       bool
}

// NewTextMessage returns an unsent text message.
func NewTextMessage(text string) *Message {
	return &Message{content: Content{Text: text}}
}

// NewBinaryMessage returns an unsent binary message.
func NewBinaryMessage(data []byte) *Message {
	if data == nil {
		data = []byte{}
	}
	return &Message{content: Content{Binary: data}}
}

// NewRecalledMessage returns the placeholder that replaces a recalled
// message.
func NewRecalledMessage() *Message {
	return &Message{content: Content{Text: recalledContent}, recalled: true}
}

// ============================================================================
// Accessors
// ============================================================================

// ID is the server-assigned ID, empty until acknowledged.
func (m *Message) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// ConversationID returns the conversation the message belongs to.
func (m *Message) ConversationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversationID
}

// FromClientID returns the sender.
func (m *Message) FromClientID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fromClientID
}

// SentTimestamp is the server time of the message in milliseconds.
func (m *Message) SentTimestamp() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sentTimestamp
}

// PatchedTimestamp is the time of the last modification, or zero.
func (m *Message) PatchedTimestamp() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.patchedTimestamp
}

// DeliveredTimestamp is the delivery receipt time, or zero.
func (m *Message) DeliveredTimestamp() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deliveredTimestamp
}

// ReadTimestamp is the read receipt time, or zero.
func (m *Message) ReadTimestamp() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readTimestamp
}

// Content returns the payload.
func (m *Message) Content() Content {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.content
}

// Recalled reports whether the message is a recall placeholder.
func (m *Message) Recalled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recalled
}

// Transient reports whether the message was sent as transient.
func (m *Message) Transient() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transient
}

// DedupToken is the client token attached before acknowledgement.
func (m *Message) DedupToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dedupToken
}

// Status returns the underlying status, annotated with receipts.
func (m *Message) Status() MessageStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Message) statusLocked() MessageStatus {
	if m.status != StatusSent {
		return m.status
	}
	if m.readTimestamp != 0 {
		return StatusRead
	}
	if m.deliveredTimestamp != 0 {
		return StatusDelivered
	}
	return StatusSent
}

// Incoming reports whether the message was sent by someone else.
func (m *Message) Incoming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.incomingLocked()
}

func (m *Message) incomingLocked() bool {
	if m.fromClientID == "" || m.currentClientID == "" {
		return true
	}
	return m.fromClientID != m.currentClientID
}

// SetMentions sets who the message mentions. It must be called before
// sending.
func (m *Message) SetMentions(all bool, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allMentioned = all
	m.mentionedMembers = append([]string(nil), members...)
}

// Mentions returns the mention info.
func (m *Message) Mentions() (all bool, members []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allMentioned, append([]string(nil), m.mentionedMembers...)
}

// MentionsCurrentClient reports whether an incoming message mentions the
// receiving client.
func (m *Message) MentionsCurrentClient() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.incomingLocked() {
		return false
	}
	if m.allMentioned {
		return true
	}
	for _, id := range m.mentionedMembers {
		if id == m.currentClientID {
			return true
		}
	}
	return false
}

// ============================================================================
// Construction and transitions
// ============================================================================

type messageFields struct {
	conversationID   string
	currentClientID  string
	fromClientID     string
	id               string
	sentTimestamp    int64
	patchedTimestamp int64
	content          Content
	allMentioned     bool
	mentionedMembers []string
	transient        bool
}

// receivedMessage builds a message that already has a server identity.
func receivedMessage(f messageFields) *Message {
	m := &Message{
		id:               f.id,
		conversationID:   f.conversationID,
		fromClientID:     f.fromClientID,
		currentClientID:  f.currentClientID,
		sentTimestamp:    f.sentTimestamp,
		patchedTimestamp: f.patchedTimestamp,
		content:          f.content,
		allMentioned:     f.allMentioned,
		mentionedMembers: f.mentionedMembers,
		status:           StatusSent,
		transient:        f.transient,
	}
	m.recalled = isRecalledContent(f.content)
	return m
}

func isRecalledContent(c Content) bool {
	if c.IsBinary() || !strings.Contains(c.Text, typedMessageKey) {
		return false
	}
	var typed struct {
		Type int `json:"_lctype"`
	}
	return json.Unmarshal([]byte(c.Text), &typed) == nil && typed.Type == -127
}

// contentFrom picks the binary payload over the text one.
func contentFrom(text string, binary []byte) Content {
	if binary != nil {
		return Content{Binary: binary}
	}
	return Content{Text: text}
}

func (m *Message) setup(clientID, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fromClientID = clientID
	m.currentClientID = clientID
	m.conversationID = conversationID
}

func (m *Message) setStatus(s MessageStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

func (m *Message) markSent(id string, timestamp int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusSent
	m.id = id
	m.sentTimestamp = timestamp
}

func (m *Message) underlyingStatus() MessageStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// markDelivered and markRead only advance the receipt timestamps. They
// report whether anything changed.
func (m *Message) markDelivered(ts int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts <= m.deliveredTimestamp {
		return false
	}
	m.deliveredTimestamp = ts
	return true
}

func (m *Message) markRead(ts int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts <= m.readTimestamp {
		return false
	}
	m.readTimestamp = ts
	return true
}

// identity returns the ordering key of the message.
func (m *Message) identity() (int64, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sentTimestamp, m.id
}

// ============================================================================
// Wire and storage mapping
// ============================================================================

func (m *Message) directCommand(cid string, receipt bool, pushData string) *protocol.DirectCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := &protocol.DirectCommand{
		Cid:        cid,
		MentionAll: m.allMentioned,
		Receipt:    receipt,
		Transient:  m.transient,
		Will:       m.will,
		DedupToken: m.dedupToken,
		PushData:   pushData,
	}
	if len(m.mentionedMembers) > 0 {
		d.MentionPids = append([]string(nil), m.mentionedMembers...)
	}
	if m.content.IsBinary() {
		d.BinaryMsg = m.content.Binary
	} else {
		d.Msg = m.content.Text
	}
	return d
}

func (m *Message) row() localcache.MessageRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r := localcache.MessageRow{
		ConversationID:     m.conversationID,
		SentTimestamp:      m.sentTimestamp,
		MessageID:          m.id,
		FromPeerID:         m.fromClientID,
		DeliveredTimestamp: m.deliveredTimestamp,
		ReadTimestamp:      m.readTimestamp,
		PatchedTimestamp:   m.patchedTimestamp,
		AllMentioned:       m.allMentioned,
		MentionedList:      m.mentionedMembers,
		Status:             int(m.status),
		Breakpoint:         m.breakpoint,
	}
	if m.content.IsBinary() {
		r.Content, r.Binary = m.content.Binary, true
	} else {
		r.Content = []byte(m.content.Text)
	}
	return r
}

func messageFromRow(r localcache.MessageRow, currentClientID string) *Message {
	content := Content{Text: string(r.Content)}
	if r.Binary {
		content = Content{Binary: r.Content}
	}
	m := receivedMessage(messageFields{
		conversationID:   r.ConversationID,
		currentClientID:  currentClientID,
		fromClientID:     r.FromPeerID,
		id:               r.MessageID,
		sentTimestamp:    r.SentTimestamp,
		patchedTimestamp: r.PatchedTimestamp,
		content:          content,
		allMentioned:     r.AllMentioned,
		mentionedMembers: r.MentionedList,
	})
	m.deliveredTimestamp = r.DeliveredTimestamp
	m.readTimestamp = r.ReadTimestamp
	m.breakpoint = r.Breakpoint
	if r.Status == localcache.StatusFailed {
		m.status = StatusFailed
		m.id = ""
		m.dedupToken = r.MessageID
		m.sendingTimestamp = r.SentTimestamp
		m.sentTimestamp = 0
	}
	return m
}
