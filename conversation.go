package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/localcache"
)

// Raw data keys of a conversation.
const (
	keyObjectID     = "objectId"
	keyUniqueID     = "uniqueId"
	keyName         = "name"
	keyCreator      = "c"
	keyCreatedAt    = "createdAt"
	keyUpdatedAt    = "updatedAt"
	keyAttributes   = "attr"
	keyMembers      = "m"
	keyMutedMembers = "mu"
	keyUnique       = "unique"
	keyTransient    = "tr"
	keySystem       = "sys"
	keyJoined       = "joined"
	keyJoinedAt     = "joinedAt"
	keyTemporary    = "temp"
	keyTemporaryTTL = "ttl"
	keyConvType     = "conv_type"

	keyLastMessageString         = "msg"
	keyLastMessageBinary         = "bin"
	keyLastMessageID             = "msg_mid"
	keyLastMessageFrom           = "msg_from"
	keyLastMessageTimestamp      = "msg_timestamp"
	keyLastMessagePatchTimestamp = "patch_timestamp"
	keyLastMessageMentionAll     = "mention_all"
	keyLastMessageMentionPids    = "mention_pids"
)

// temporaryIDPrefix marks temporary conversation IDs.
const temporaryIDPrefix = "_tmp:"

func isTemporaryID(id string) bool { return strings.HasPrefix(id, temporaryIDPrefix) }

// ============================================================================
// Capabilities
// ============================================================================

// Capability is an operation family a conversation kind may support.
type Capability uint

const (
	// CapMembership covers join, leave, add and remove.
	CapMembership Capability = 1 << iota
	CapCountMembers
	CapMute
	CapUpdateAttributes
	// CapReceipts covers read marking and receipt timestamps.
	CapReceipts
	CapFailedMessageCache
	CapMemberInfo
)

// Capabilities returns the operations the kind supports.
func (k ConversationKind) Capabilities() Capability {
	switch k {
	case KindTransient:
		return CapMembership | CapCountMembers | CapUpdateAttributes | CapMemberInfo
	case KindSystem:
		return CapMembership | CapMute | CapReceipts | CapFailedMessageCache
	case KindTemporary:
		return CapReceipts | CapFailedMessageCache
	}
	return CapMembership | CapCountMembers | CapMute | CapUpdateAttributes | CapReceipts | CapFailedMessageCache | CapMemberInfo
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is a cached conversation. Every client holds at most one
// instance per ID; it is updated in place as notifications arrive.
type Conversation struct {
	id       string
	clientID string
	kind     ConversationKind
	client   *Client

	mu              sync.RWMutex
	raw             map[string]any
	lastMessage     *Message
	unreadCount     int
	mentioned       bool
	outdated        bool
	lastDeliveredAt int64
	lastReadAt      int64
	memberInfo      map[string]MemberInfo
}

func newConversation(c *Client, raw map[string]any) (*Conversation, error) {
	id, _ := raw[keyObjectID].(string)
	if id == "" {
		return nil, errs.New(errs.CodeMalformedData, "conversation without objectId")
	}
	kind := kindFromRaw(id, raw)
	raw[keyConvType] = int(kind)
	conv := &Conversation{
		id:       id,
		clientID: c.id,
		kind:     kind,
		client:   c,
		raw:      raw,
	}
	conv.lastMessage = conv.decodeLastMessage(raw)
	return conv, nil
}

func kindFromRaw(id string, raw map[string]any) ConversationKind {
	if n, ok := intValue(raw[keyConvType]); ok && n >= int64(KindNormal) && n <= int64(KindTemporary) {
		return ConversationKind(n)
	}
	switch {
	case boolValue(raw[keyTransient]):
		return KindTransient
	case boolValue(raw[keySystem]):
		return KindSystem
	case boolValue(raw[keyTemporary]), isTemporaryID(id):
		return KindTemporary
	}
	return KindNormal
}

// Can reports whether the conversation supports cap.
func (conv *Conversation) Can(cap Capability) bool {
	return conv.kind.Capabilities()&cap != 0
}

func (conv *Conversation) require(cap Capability, op string) error {
	if conv.Can(cap) {
		return nil
	}
	return errs.Inconsistency("%s is not supported by %s conversations", op, conv.kind)
}

// persisted reports whether the conversation is mirrored to the local
// cache.
func (conv *Conversation) persisted() bool {
	return conv.client.store != nil && conv.kind != KindTemporary && conv.kind != KindTransient
}

// ============================================================================
// Accessors
// ============================================================================

func (conv *Conversation) ID() string             { return conv.id }
func (conv *Conversation) ClientID() string       { return conv.clientID }
func (conv *Conversation) Kind() ConversationKind { return conv.kind }

// Value returns a copy-free view of one raw data entry.
func (conv *Conversation) Value(key string) any {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.raw[key]
}

// RawData returns a shallow copy of the server data.
func (conv *Conversation) RawData() map[string]any {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	out := make(map[string]any, len(conv.raw))
	for k, v := range conv.raw {
		out[k] = v
	}
	return out
}

func (conv *Conversation) Name() string {
	s, _ := conv.Value(keyName).(string)
	return s
}

func (conv *Conversation) CreatorID() string {
	s, _ := conv.Value(keyCreator).(string)
	return s
}

func (conv *Conversation) UniqueID() string {
	s, _ := conv.Value(keyUniqueID).(string)
	return s
}

func (conv *Conversation) IsUnique() bool {
	return boolValue(conv.Value(keyUnique)) || conv.UniqueID() != ""
}

// Attributes returns the custom attributes. The map is a snapshot: later
// updates replace it rather than write to it.
func (conv *Conversation) Attributes() map[string]any {
	m, _ := conv.Value(keyAttributes).(map[string]any)
	return m
}

// Members returns the member IDs, or nil when unknown.
func (conv *Conversation) Members() []string {
	return stringSlice(conv.Value(keyMembers))
}

func (conv *Conversation) MutedMembers() []string {
	return stringSlice(conv.Value(keyMutedMembers))
}

// Muted reports whether the current client muted the conversation.
func (conv *Conversation) Muted() bool {
	for _, id := range conv.MutedMembers() {
		if id == conv.clientID {
			return true
		}
	}
	return false
}

// Joined is the subscription flag of system conversations.
func (conv *Conversation) Joined() bool { return boolValue(conv.Value(keyJoined)) }

// TemporaryTTL is the lifetime in seconds of a temporary conversation.
func (conv *Conversation) TemporaryTTL() int64 {
	n, _ := intValue(conv.Value(keyTemporaryTTL))
	return n
}

func (conv *Conversation) CreatedAt() time.Time {
	t, _ := parseDate(conv.Value(keyCreatedAt))
	return t
}

func (conv *Conversation) UpdatedAt() time.Time {
	t, _ := parseDate(conv.Value(keyUpdatedAt))
	return t
}

func (conv *Conversation) LastMessage() *Message {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.lastMessage
}

func (conv *Conversation) UnreadMessageCount() int {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.unreadCount
}

// Mentioned reports whether an unread message mentions the client.
func (conv *Conversation) Mentioned() bool {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.mentioned
}

// Outdated reports whether cached data is known to be stale and should be
// refreshed. Temporary conversations are never outdated.
func (conv *Conversation) Outdated() bool {
	if conv.kind == KindTemporary {
		return false
	}
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.outdated
}

// LastDeliveredAt is the newest delivery receipt time in milliseconds.
func (conv *Conversation) LastDeliveredAt() int64 {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.lastDeliveredAt
}

// LastReadAt is the newest read receipt time in milliseconds.
func (conv *Conversation) LastReadAt() int64 {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	return conv.lastReadAt
}

// MemberInfo returns the cached role of a member.
func (conv *Conversation) MemberInfo(memberID string) (MemberInfo, bool) {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	info, ok := conv.memberInfo[memberID]
	return info, ok
}

func (conv *Conversation) setOutdated(v bool) {
	conv.mu.Lock()
	conv.outdated = v
	conv.mu.Unlock()
}

// originDate is updatedAt, falling back to createdAt.
func (conv *Conversation) originDateLocked() (time.Time, bool) {
	if t, ok := parseDate(conv.raw[keyUpdatedAt]); ok {
		return t, true
	}
	return parseDate(conv.raw[keyCreatedAt])
}

// ============================================================================
// Operations
// ============================================================================

type operationKind int

const (
	opRawDataMerging operationKind = iota
	opRawDataReplaced
	opAppendMembers
	opRemoveMembers
	opAttributesUpdated
	opMemberInfoChanged
	opMute
	opUnmute
)

// operation is a mutation derived from a server reply or notification.
type operation struct {
	kind    operationKind
	raw     map[string]any
	members []string
	// udate is the server update time carried by the notification.
	udate        string
	attr         map[string]any
	attrModified map[string]any
	info         *MemberInfo
}

// execute applies op on the internal queue. It reports whether the
// conversation changed; stale operations are dropped.
func (conv *Conversation) execute(op operation) bool {
	switch op.kind {
	case opRawDataMerging:
		conv.mu.Lock()
		for k, v := range op.raw {
			conv.raw[k] = v
		}
		conv.mu.Unlock()
		conv.persist(false)
		return true

	case opRawDataReplaced:
		op.raw[keyConvType] = int(conv.kind)
		last := conv.decodeLastMessage(op.raw)
		conv.mu.Lock()
		conv.raw = op.raw
		conv.outdated = false
		conv.mu.Unlock()
		if last != nil {
			conv.updateLastMessage(last, true, true)
		}
		if conv.persisted() {
			if err := conv.client.store.UpsertConversation(context.Background(), conv.row()); err != nil {
				conv.log().Warn("store conversation", zap.Error(err))
			}
		}
		return true

	case opAppendMembers:
		return conv.updateMembers(op.members, op.udate, true)

	case opRemoveMembers:
		return conv.updateMembers(op.members, op.udate, false)

	case opAttributesUpdated:
		return conv.applyAttributes(op.attr, op.attrModified, op.udate)

	case opMemberInfoChanged:
		if op.info == nil {
			return false
		}
		conv.mu.Lock()
		defer conv.mu.Unlock()
		if conv.memberInfo == nil {
			conv.memberInfo = make(map[string]MemberInfo)
		}
		conv.memberInfo[op.info.MemberID] = *op.info
		return true

	case opMute, opUnmute:
		return conv.updateMuted(op.kind == opMute, op.udate)
	}
	return false
}

// acceptsMemberUpdateLocked gates membership changes: transient
// conversations ignore them, as do changes naming no member outside
// system conversations. Otherwise udate must not be older than the
// current state.
func (conv *Conversation) acceptsMemberUpdateLocked(members []string, udate string) bool {
	if conv.kind == KindTransient {
		return false
	}
	if conv.kind != KindSystem && len(members) == 0 {
		return false
	}
	newDate, ok := parseDate(udate)
	if !ok {
		return false
	}
	origin, ok := conv.originDateLocked()
	if !ok {
		return true
	}
	return !newDate.Before(origin)
}

// acceptsUpdateLocked is the gate of attribute and mute updates: both
// dates must be known and udate must not be older.
func (conv *Conversation) acceptsUpdateLocked(udate string) bool {
	newDate, ok := parseDate(udate)
	if !ok {
		return false
	}
	origin, ok := conv.originDateLocked()
	return ok && !newDate.Before(origin)
}

func (conv *Conversation) updateMembers(members []string, udate string, add bool) bool {
	conv.mu.Lock()
	if !conv.acceptsMemberUpdateLocked(members, udate) {
		conv.mu.Unlock()
		return false
	}
	if conv.kind == KindSystem {
		conv.raw[keyJoined] = add
	} else if add {
		conv.raw[keyMembers] = union(stringSlice(conv.raw[keyMembers]), members)
	} else {
		for _, id := range members {
			if id == conv.clientID {
				conv.outdated = true
				break
			}
		}
		conv.raw[keyMembers] = subtract(stringSlice(conv.raw[keyMembers]), members)
		for _, id := range members {
			delete(conv.memberInfo, id)
		}
	}
	conv.raw[keyUpdatedAt] = udate
	conv.mu.Unlock()
	conv.persist(!add)
	return true
}

func (conv *Conversation) applyAttributes(attr, attrModified map[string]any, udate string) bool {
	conv.mu.Lock()
	if !conv.acceptsUpdateLocked(udate) {
		conv.mu.Unlock()
		return false
	}
	for keyPath := range attr {
		keys := strings.Split(keyPath, ".")
		value, _ := lookupPath(attrModified, keys)
		setPath(conv.raw, keys, value)
	}
	conv.raw[keyUpdatedAt] = udate
	conv.mu.Unlock()
	conv.persist(false)
	return true
}

func (conv *Conversation) updateMuted(mute bool, udate string) bool {
	conv.mu.Lock()
	if !conv.acceptsUpdateLocked(udate) {
		conv.mu.Unlock()
		return false
	}
	muted := stringSlice(conv.raw[keyMutedMembers])
	if mute {
		muted = union(muted, []string{conv.clientID})
	} else {
		muted = subtract(muted, []string{conv.clientID})
	}
	conv.raw[keyMutedMembers] = muted
	conv.raw[keyUpdatedAt] = udate
	conv.mu.Unlock()
	conv.persist(false)
	return true
}

// persist writes raw data, the updated timestamp and, when withOutdated is
// set, the outdated flag to the local cache. Unknown rows are ignored.
func (conv *Conversation) persist(withOutdated bool) {
	if !conv.persisted() {
		return
	}
	conv.mu.RLock()
	data, err := json.Marshal(conv.raw)
	origin, hasOrigin := conv.originDateLocked()
	outdated := conv.outdated
	conv.mu.RUnlock()
	if err != nil {
		conv.log().Warn("encode conversation", zap.Error(err))
		return
	}
	u := localcache.ConversationUpdate{RawData: data}
	if hasOrigin {
		ms := origin.UnixMilli()
		u.UpdatedAt = &ms
	}
	if withOutdated {
		u.Outdated = &outdated
	}
	if err := conv.client.store.UpdateConversation(context.Background(), conv.id, u); err != nil {
		conv.log().Warn("update stored conversation", zap.Error(err))
	}
}

func (conv *Conversation) row() localcache.ConversationRow {
	conv.mu.RLock()
	defer conv.mu.RUnlock()
	data, _ := json.Marshal(conv.raw)
	row := localcache.ConversationRow{ID: conv.id, RawData: data, Outdated: conv.outdated}
	if t, ok := parseDate(conv.raw[keyCreatedAt]); ok {
		row.CreatedAt = t.UnixMilli()
	}
	if t, ok := parseDate(conv.raw[keyUpdatedAt]); ok {
		row.UpdatedAt = t.UnixMilli()
	}
	return row
}

func (conv *Conversation) log() *zap.Logger {
	return conv.client.log.With(zap.String("cid", conv.id))
}

// ============================================================================
// Last message
// ============================================================================

// updateLastMessage applies the last-message rule: msg replaces the
// current last message when it is newer by timestamp, or by ID on equal
// timestamps; the same timestamp and ID refreshes it without counting as
// new. It reports whether msg is a new incoming message.
func (conv *Conversation) updateLastMessage(msg *Message, caching, notifying bool) bool {
	msg.mu.RLock()
	skip := msg.transient || msg.will
	msg.mu.RUnlock()
	if skip || conv.kind == KindTransient {
		return false
	}

	newTs, newID := msg.identity()
	conv.mu.Lock()
	replace, isNew := false, false
	if old := conv.lastMessage; old == nil {
		replace, isNew = true, true
	} else {
		oldTs, oldID := old.identity()
		switch {
		case newTs > oldTs:
			replace, isNew = true, true
		case newTs == oldTs && newID > oldID:
			replace, isNew = true, true
		case newTs == oldTs && newID == oldID:
			replace = true
		}
	}
	if replace {
		conv.lastMessage = msg
	}
	conv.mu.Unlock()
	if !replace {
		return false
	}

	if caching && conv.client.store != nil && conv.kind != KindTemporary {
		if err := conv.client.store.UpsertLastMessage(context.Background(), msg.row()); err != nil {
			conv.log().Warn("store last message", zap.Error(err))
		}
	}
	if notifying {
		conv.client.events.emit(Event{Kind: EventLastMessageUpdated, Conversation: conv, Message: msg, NewMessage: isNew})
	}
	return isNew && msg.Incoming()
}

func (conv *Conversation) decodeLastMessage(raw map[string]any) *Message {
	if conv.kind == KindTransient {
		return nil
	}
	ts, ok := intValue(raw[keyLastMessageTimestamp])
	id, _ := raw[keyLastMessageID].(string)
	if !ok || id == "" {
		return nil
	}
	var content Content
	if s, ok := raw[keyLastMessageString].(string); ok {
		content = Content{Text: s}
		if boolValue(raw[keyLastMessageBinary]) {
			if data, err := base64.StdEncoding.DecodeString(s); err == nil {
				content = Content{Binary: data}
			}
		}
	}
	from, _ := raw[keyLastMessageFrom].(string)
	patched, _ := intValue(raw[keyLastMessagePatchTimestamp])
	return receivedMessage(messageFields{
		conversationID:   conv.id,
		currentClientID:  conv.clientID,
		fromClientID:     from,
		id:               id,
		sentTimestamp:    ts,
		patchedTimestamp: patched,
		content:          content,
		allMentioned:     boolValue(raw[keyLastMessageMentionAll]),
		mentionedMembers: stringSlice(raw[keyLastMessageMentionPids]),
	})
}

// ============================================================================
// Raw value helpers
// ============================================================================

func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// parseDate reads an ISO 8601 string or a {"__type":"Date","iso":...}
// object.
func parseDate(v any) (time.Time, bool) {
	var s string
	switch d := v.(type) {
	case string:
		s = d
	case map[string]any:
		s, _ = d["iso"].(string)
	}
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

func subtract(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func lookupPath(m map[string]any, keys []string) (any, bool) {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath stores value at the dotted path. Every nested object on the
// path is replaced by a copy, so maps already returned by accessors are
// never written to.
func setPath(m map[string]any, keys []string, value any) {
	for _, k := range keys[:len(keys)-1] {
		next := cloneObject(m[k])
		m[k] = next
		m = next
	}
	m[keys[len(keys)-1]] = value
}

func cloneObject(v any) map[string]any {
	src, _ := v.(map[string]any)
	out := make(map[string]any, len(src)+1)
	for k, e := range src {
		out[k] = e
	}
	return out
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
