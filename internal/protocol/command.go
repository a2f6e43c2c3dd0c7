// Package protocol defines the command envelope exchanged with the
// messaging backend and the frame codecs of the supported sub-protocols.
package protocol

// CommandType is the top-level kind of a command.
type CommandType string

const (
	CmdSession CommandType = "session"
	CmdConv    CommandType = "conv"
	CmdDirect  CommandType = "direct"
	CmdAck     CommandType = "ack"
	CmdRcp     CommandType = "rcp"
	CmdUnread  CommandType = "unread"
	CmdRead    CommandType = "read"
	CmdPatch   CommandType = "patch"
	CmdLogs    CommandType = "logs"
	CmdReport  CommandType = "report"
	CmdGoaway  CommandType = "goaway"
	CmdError   CommandType = "error"
	CmdEcho    CommandType = "echo"
)

// OpType refines a command.
type OpType string

const (
	OpOpen      OpType = "open"
	OpOpened    OpType = "opened"
	OpClose     OpType = "close"
	OpClosed    OpType = "closed"
	OpRefresh   OpType = "refresh"
	OpRefreshed OpType = "refreshed"
	OpQuery     OpType = "query"
	OpQueryRes  OpType = "query-result"

	OpStart       OpType = "start"
	OpStarted     OpType = "started"
	OpAdd         OpType = "add"
	OpAdded       OpType = "added"
	OpRemove      OpType = "remove"
	OpRemoved     OpType = "removed"
	OpJoined      OpType = "joined"
	OpLeft        OpType = "left"
	OpMembersJoin OpType = "members-joined"
	OpMembersLeft OpType = "members-left"
	OpUpdate      OpType = "update"
	OpUpdated     OpType = "updated"
	OpCount       OpType = "count"
	OpResult      OpType = "result"
	OpMute        OpType = "mute"
	OpUnmute      OpType = "unmute"
	OpMaxRead     OpType = "max-read"

	OpMemberInfoChanged OpType = "member-info-changed"
	OpBlocked           OpType = "blocked"
	OpUnblocked         OpType = "unblocked"
	OpMembersBlocked    OpType = "members-blocked"
	OpMembersUnblocked  OpType = "members-unblocked"
	OpShutuped          OpType = "shutuped"
	OpUnshutuped        OpType = "unshutuped"
	OpMembersShutuped   OpType = "members-shutuped"
	OpMembersUnshutuped OpType = "members-unshutuped"

	OpModify   OpType = "modify"
	OpModified OpType = "modified"
	OpUpload   OpType = "upload"
	OpUploaded OpType = "uploaded"
)

// Command is the envelope of every frame. I is the correlation index; it is
// zero on pushed notifications. ServerTs is zero when absent.
type Command struct {
	Cmd      CommandType `json:"cmd"`
	Op       OpType      `json:"op,omitempty"`
	AppID    string      `json:"appId,omitempty"`
	PeerID   string      `json:"peerId,omitempty"`
	I        int32       `json:"i,omitempty"`
	ServerTs int64       `json:"serverTs,omitempty"`

	Session *SessionCommand `json:"sessionMessage,omitempty"`
	Direct  *DirectCommand  `json:"directMessage,omitempty"`
	Ack     *AckCommand     `json:"ackMessage,omitempty"`
	Conv    *ConvCommand    `json:"convMessage,omitempty"`
	Unread  *UnreadCommand  `json:"unreadMessage,omitempty"`
	Patch   *PatchCommand   `json:"patchMessage,omitempty"`
	Rcp     *RcpCommand     `json:"rcpMessage,omitempty"`
	Read    *ReadCommand    `json:"readMessage,omitempty"`
	Logs    *LogsCommand    `json:"logsMessage,omitempty"`
	Report  *ReportCommand  `json:"reportMessage,omitempty"`
	Error   *ErrorCommand   `json:"errorMessage,omitempty"`
}

// SessionCommand carries session open/close/refresh fields.
type SessionCommand struct {
	UA                  string   `json:"ua,omitempty"`
	DeviceToken         string   `json:"deviceToken,omitempty"`
	ConfigBitmap        int64    `json:"configBitmap,omitempty"`
	Tag                 string   `json:"tag,omitempty"`
	Reopen              bool     `json:"r,omitempty"`
	LastUnreadNotifTime int64    `json:"lastUnreadNotifTime,omitempty"`
	LastPatchTime       int64    `json:"lastPatchTime,omitempty"`
	SessionToken        string   `json:"st,omitempty"`
	SessionTTL          int32    `json:"stTtl,omitempty"`
	Signature           string   `json:"s,omitempty"`
	Timestamp           int64    `json:"t,omitempty"`
	Nonce               string   `json:"n,omitempty"`
	SessionPeerIDs      []string `json:"sessionPeerIds,omitempty"`
	OnlineSessionPeers  []string `json:"onlineSessionPeerIds,omitempty"`
	Code                int32    `json:"code,omitempty"`
	Reason              string   `json:"reason,omitempty"`
	Detail              string   `json:"detail,omitempty"`
}

// DirectCommand is an outgoing or incoming message.
type DirectCommand struct {
	Cid            string   `json:"cid,omitempty"`
	ID             string   `json:"id,omitempty"`
	Msg            string   `json:"msg,omitempty"`
	BinaryMsg      []byte   `json:"binaryMsg,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	FromPeerID     string   `json:"fromPeerId,omitempty"`
	PatchTimestamp int64    `json:"patchTimestamp,omitempty"`
	Transient      bool     `json:"transient,omitempty"`
	Will           bool     `json:"will,omitempty"`
	Receipt        bool     `json:"r,omitempty"`
	Offline        bool     `json:"offline,omitempty"`
	DedupToken     string   `json:"dt,omitempty"`
	MentionAll     bool     `json:"mentionAll,omitempty"`
	MentionPids    []string `json:"mentionPids,omitempty"`
	ConvType       int32    `json:"convType,omitempty"`
	PushData       string   `json:"pushData,omitempty"`
}

// AckCommand acknowledges a direct command, or is sent by the client to
// acknowledge a received one.
type AckCommand struct {
	Cid     string   `json:"cid,omitempty"`
	Mid     string   `json:"mid,omitempty"`
	UID     string   `json:"uid,omitempty"`
	T       int64    `json:"t,omitempty"`
	Ids     []string `json:"ids,omitempty"`
	Code    int32    `json:"code,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	AppCode int32    `json:"appCode,omitempty"`
}

// JSONObject is a JSON document embedded as text.
type JSONObject struct {
	Data string `json:"data"`
}

// ErrorInfo reports a partial failure.
type ErrorInfo struct {
	Code    int32    `json:"code"`
	Reason  string   `json:"reason,omitempty"`
	AppCode int32    `json:"appCode,omitempty"`
	Pids    []string `json:"pids,omitempty"`
}

// MemberInfo is a member role entry.
type MemberInfo struct {
	Pid  string `json:"pid"`
	Role string `json:"role,omitempty"`
}

// ConvCommand covers conversation creation, queries, mutations and their
// pushed notifications.
type ConvCommand struct {
	Cid              string      `json:"cid,omitempty"`
	Cids             []string    `json:"cids,omitempty"`
	TempConvIDs      []string    `json:"tempConvIds,omitempty"`
	M                []string    `json:"m,omitempty"`
	Unique           bool        `json:"unique,omitempty"`
	UniqueID         string      `json:"uniqueId,omitempty"`
	Transient        bool        `json:"transient,omitempty"`
	TempConv         bool        `json:"tempConv,omitempty"`
	TempConvTTL      int32       `json:"tempConvTTL,omitempty"`
	TempConvID       string      `json:"tempConvId,omitempty"`
	Cdate            string      `json:"cdate,omitempty"`
	Udate            string      `json:"udate,omitempty"`
	InitBy           string      `json:"initBy,omitempty"`
	Count            int32       `json:"count,omitempty"`
	Limit            int32       `json:"limit,omitempty"`
	Where            *JSONObject `json:"where,omitempty"`
	Attr             *JSONObject `json:"attr,omitempty"`
	AttrModified     *JSONObject `json:"attrModified,omitempty"`
	Results          *JSONObject `json:"results,omitempty"`
	Allowed          []string    `json:"allowedPids,omitempty"`
	Failed           []ErrorInfo `json:"failedPids,omitempty"`
	Info             *MemberInfo `json:"info,omitempty"`
	MaxReadTimestamp int64       `json:"maxReadTimestamp,omitempty"`
	MaxAckTimestamp  int64       `json:"maxAckTimestamp,omitempty"`
	Signature        string      `json:"s,omitempty"`
	Timestamp        int64       `json:"t,omitempty"`
	Nonce            string      `json:"n,omitempty"`
}

// UnreadTuple is one conversation entry of an unread push.
type UnreadTuple struct {
	Cid            string `json:"cid"`
	Unread         int32  `json:"unread"`
	Mid            string `json:"mid,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	From           string `json:"from,omitempty"`
	Data           string `json:"data,omitempty"`
	BinaryMsg      []byte `json:"binaryMsg,omitempty"`
	PatchTimestamp int64  `json:"patchTimestamp,omitempty"`
	Mentioned      bool   `json:"mentioned,omitempty"`
	ConvType       int32  `json:"convType,omitempty"`
}

// UnreadCommand pushes unread counts.
type UnreadCommand struct {
	Convs     []UnreadTuple `json:"convs,omitempty"`
	NotifTime int64         `json:"notifTime,omitempty"`
}

// PatchItem describes one modified or recalled message.
type PatchItem struct {
	Cid            string   `json:"cid"`
	Mid            string   `json:"mid"`
	Timestamp      int64    `json:"timestamp"`
	Recall         bool     `json:"recall,omitempty"`
	Data           string   `json:"data,omitempty"`
	BinaryMsg      []byte   `json:"binaryMsg,omitempty"`
	PatchTimestamp int64    `json:"patchTimestamp,omitempty"`
	From           string   `json:"from,omitempty"`
	MentionAll     bool     `json:"mentionAll,omitempty"`
	MentionPids    []string `json:"mentionPids,omitempty"`
	PatchCode      int32    `json:"patchCode,omitempty"`
	PatchReason    string   `json:"patchReason,omitempty"`
}

// PatchCommand carries patches in both directions.
type PatchCommand struct {
	Patches       []PatchItem `json:"patches,omitempty"`
	LastPatchTime int64       `json:"lastPatchTime,omitempty"`
}

// RcpCommand is a delivery or read receipt.
type RcpCommand struct {
	ID   string `json:"id,omitempty"`
	Cid  string `json:"cid,omitempty"`
	T    int64  `json:"t,omitempty"`
	Read bool   `json:"read,omitempty"`
	From string `json:"from,omitempty"`
}

// ReadTuple marks a conversation read up to a message.
type ReadTuple struct {
	Cid       string `json:"cid"`
	Mid       string `json:"mid,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ReadCommand reports read positions.
type ReadCommand struct {
	Convs []ReadTuple `json:"convs,omitempty"`
}

// LogItem is one message of a history query result.
type LogItem struct {
	From           string   `json:"from,omitempty"`
	Data           string   `json:"data,omitempty"`
	BinaryMsg      []byte   `json:"binaryMsg,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	MsgID          string   `json:"msgId"`
	AckAt          int64    `json:"ackAt,omitempty"`
	ReadAt         int64    `json:"readAt,omitempty"`
	PatchTimestamp int64    `json:"patchTimestamp,omitempty"`
	MentionAll     bool     `json:"mentionAll,omitempty"`
	MentionPids    []string `json:"mentionPids,omitempty"`
}

// Direction of a history query.
const (
	DirectionNewToOld int32 = 1
	DirectionOldToNew int32 = 2
)

// LogsCommand queries message history.
type LogsCommand struct {
	Cid        string    `json:"cid,omitempty"`
	Limit      int32     `json:"l,omitempty"`
	T          int64     `json:"t,omitempty"`
	Mid        string    `json:"mid,omitempty"`
	TIncluded  bool      `json:"tIncluded,omitempty"`
	Tt         int64     `json:"tt,omitempty"`
	Tmid       string    `json:"tmid,omitempty"`
	TtIncluded bool      `json:"ttIncluded,omitempty"`
	Direction  int32     `json:"direction,omitempty"`
	Logs       []LogItem `json:"logs,omitempty"`
}

// ReportCommand reports client data such as the device token.
type ReportCommand struct {
	Initiative bool   `json:"initiative,omitempty"`
	Type       string `json:"type,omitempty"`
	Data       string `json:"data,omitempty"`
}

// ErrorCommand is a command-level failure.
type ErrorCommand struct {
	Code    int32  `json:"code"`
	Reason  string `json:"reason,omitempty"`
	AppCode int32  `json:"appCode,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Session feature bits.
const (
	ConfigPatchMessage     int64 = 1 << 0
	ConfigTempConvMessage  int64 = 1 << 1
	ConfigAutoBind         int64 = 1 << 2
	ConfigTransientACK     int64 = 1 << 3
	ConfigKeepNotification int64 = 1 << 4
	ConfigPartialFailed    int64 = 1 << 5
	ConfigGroupChatReceipt int64 = 1 << 6
	ConfigOmitPeerID       int64 = 1 << 7
)

// SupportedConfigBitmap is the feature set announced on session open.
const SupportedConfigBitmap = ConfigPatchMessage |
	ConfigTempConvMessage |
	ConfigTransientACK |
	ConfigKeepNotification |
	ConfigPartialFailed |
	ConfigOmitPeerID
