package realtime

import (
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
	"github.com/leancloud/swift-sdk-sub001/internal/rtm"
)

// ============================================================================
// Shared Types
// ============================================================================

// Protocol is the wire sub-protocol a client speaks.
type Protocol = protocol.Variant

const (
	// ProtocolLegacy frames commands as JSON and has no unread-count push.
	ProtocolLegacy = protocol.Legacy
	// ProtocolUnread frames commands as CBOR and receives unread counts
	// after the session opens.
	ProtocolUnread = protocol.Unread
)

// Registry shares connections between clients of the same application and
// protocol. Clients use a process-wide registry unless WithRegistry is
// given.
type Registry = rtm.Registry

// NewRegistry returns an independent registry.
func NewRegistry() *Registry { return rtm.NewRegistry() }

// ============================================================================
// Session Types
// ============================================================================

type SessionState int

const (
	SessionClosed SessionState = iota
	SessionOpened
	SessionResuming
	SessionPaused
	SessionClosing
)

func (s SessionState) String() string {
	switch s {
	case SessionOpened:
		return "opened"
	case SessionResuming:
		return "resuming"
	case SessionPaused:
		return "paused"
	case SessionClosing:
		return "closing"
	}
	return "closed"
}

// OpenOptions tune Open. The zero value opens forcibly, signing out other
// devices holding the same client ID and tag.
type OpenOptions struct {
	// Reconnect reopens without kicking other devices.
	Reconnect bool
}

// ============================================================================
// Conversation Types
// ============================================================================

type ConversationKind int

const (
	KindNormal    ConversationKind = 1
	KindTransient ConversationKind = 2
	KindSystem    ConversationKind = 3
	KindTemporary ConversationKind = 4
)

func (k ConversationKind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindTransient:
		return "transient"
	case KindSystem:
		return "system"
	case KindTemporary:
		return "temporary"
	}
	return "unknown"
}

type CreateOptions struct {
	Name       string
	Attributes map[string]any
	// Kind is one of KindNormal (default), KindTransient or KindTemporary.
	Kind   ConversationKind
	Unique bool
	// TemporaryTTL is the lifetime in seconds of a temporary conversation;
	// zero uses the server default.
	TemporaryTTL int32
}

type MemberRole string

const (
	RoleOwner   MemberRole = "Owner"
	RoleManager MemberRole = "Manager"
	RoleMember  MemberRole = "Member"
)

type MemberInfo struct {
	ConversationID string
	MemberID       string
	Role           MemberRole
}

// MemberFailure lists members an operation failed for, with the reason.
type MemberFailure struct {
	IDs []string
	Err error
}

// MemberResult is the outcome of adding or removing members.
type MemberResult struct {
	Succeeded []string
	Failures  []MemberFailure
}

// AllSucceeded reports whether no member failed.
func (r *MemberResult) AllSucceeded() bool { return len(r.Failures) == 0 }

// ============================================================================
// Message Types
// ============================================================================

type SendOptions struct {
	// Receipt asks for delivery and read receipts.
	Receipt bool
	// Transient messages are neither stored nor acknowledged by receivers.
	Transient bool
	// Will messages are delivered by the server if the sender goes offline
	// unexpectedly.
	Will     bool
	PushData map[string]any
}

type QueryPolicy int

const (
	// PolicyDefault reads the local cache when enabled and falls back to
	// the network for gaps; otherwise it is PolicyNetworkOnly.
	PolicyDefault QueryPolicy = iota
	PolicyNetworkOnly
	PolicyCacheOnly
	PolicyCacheThenNetwork
)

type Direction int

const (
	NewToOld Direction = iota
	OldToNew
)

// MessageEndpoint bounds a history query. Closed includes the endpoint.
type MessageEndpoint struct {
	MessageID string
	Timestamp int64
	Closed    bool
}

type MessageQuery struct {
	Start     *MessageEndpoint
	End       *MessageEndpoint
	Direction Direction
	// Limit is 1..100; zero means 20.
	Limit  int
	Policy QueryPolicy
}
