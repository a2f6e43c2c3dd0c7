package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leancloud/swift-sdk-sub001/internal/errs"
	"github.com/leancloud/swift-sdk-sub001/internal/localcache"
	"github.com/leancloud/swift-sdk-sub001/internal/protocol"
)

// maxQueryBatch is the most conversations one query command may ask for.
const maxQueryBatch = 100

// ConversationOrder sorts StoredConversations.
type ConversationOrder = localcache.Order

const (
	OrderByLastMessage = localcache.ByLastMessageSentTimestamp
	OrderByUpdatedAt   = localcache.ByUpdatedTimestamp
	OrderByCreatedAt   = localcache.ByCreatedTimestamp
)

// ============================================================================
// Memory cache
// ============================================================================

// CachedConversation returns the in-memory conversation without network
// activity.
func (c *Client) CachedConversation(id string) (*Conversation, bool) {
	conv := c.cachedConversation(id)
	return conv, conv != nil
}

// RemoveCachedConversations drops conversations from memory. The next
// lookup fetches them again.
func (c *Client) RemoveCachedConversations(ids ...string) {
	c.convMu.Lock()
	defer c.convMu.Unlock()
	for _, id := range ids {
		delete(c.convs, id)
	}
}

func (c *Client) cachedConversation(id string) *Conversation {
	c.convMu.RLock()
	defer c.convMu.RUnlock()
	return c.convs[id]
}

func (c *Client) cacheConversation(conv *Conversation) {
	c.convMu.Lock()
	defer c.convMu.Unlock()
	c.convs[conv.id] = conv
}

func (c *Client) conversationSnapshot() map[string]*Conversation {
	c.convMu.RLock()
	defer c.convMu.RUnlock()
	out := make(map[string]*Conversation, len(c.convs))
	for id, conv := range c.convs {
		out[id] = conv
	}
	return out
}

// storeConversation writes a newly built conversation and its last
// message to the local cache.
func (c *Client) storeConversation(conv *Conversation) {
	if !conv.persisted() {
		return
	}
	ctx := context.Background()
	if err := c.store.UpsertConversation(ctx, conv.row()); err != nil {
		conv.log().Warn("store conversation", zap.Error(err))
		return
	}
	if last := conv.LastMessage(); last != nil {
		if err := c.store.UpsertLastMessage(ctx, last.row()); err != nil {
			conv.log().Warn("store last message", zap.Error(err))
		}
	}
}

// ============================================================================
// Lookup
// ============================================================================

// Conversation returns the conversation with id, fetching it when it is
// not cached. Concurrent lookups of the same ID share one query.
func (c *Client) Conversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, errs.Inconsistency("conversation ID is empty")
	}
	if conv := c.cachedConversation(id); conv != nil {
		return conv, nil
	}
	convs, err := c.fetchConversations(ctx, []string{id}, isTemporaryID(id))
	if err != nil {
		return nil, err
	}
	return convs[0], nil
}

// Conversations returns the conversations found among ids, fetching the
// uncached ones in batches. Unknown IDs are left out.
func (c *Client) Conversations(ctx context.Context, ids []string) ([]*Conversation, error) {
	found := make(map[string]*Conversation, len(ids))
	var ordinary, temporary []string
	for _, id := range union(nil, ids) {
		switch conv := c.cachedConversation(id); {
		case conv != nil:
			found[id] = conv
		case isTemporaryID(id):
			temporary = append(temporary, id)
		default:
			ordinary = append(ordinary, id)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan []*Conversation, len(ids)/maxQueryBatch+2)
	for _, group := range batches(ordinary, temporary) {
		group := group
		g.Go(func() error {
			convs, err := c.fetchConversations(gctx, group.ids, group.temporary)
			if errs.HasCode(err, errs.CodeConversationNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			results <- convs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)
	for convs := range results {
		for _, conv := range convs {
			found[conv.id] = conv
		}
	}

	out := make([]*Conversation, 0, len(found))
	for _, id := range union(nil, ids) {
		if conv, ok := found[id]; ok {
			out = append(out, conv)
		}
	}
	return out, nil
}

// Refresh replaces the cached data with the server's.
func (conv *Conversation) Refresh(ctx context.Context) error {
	_, err := conv.client.fetchConversations(ctx, []string{conv.id}, conv.kind == KindTemporary)
	return err
}

type idBatch struct {
	ids       []string
	temporary bool
}

func batches(ordinary, temporary []string) []idBatch {
	var out []idBatch
	for _, list := range []struct {
		ids  []string
		temp bool
	}{{ordinary, false}, {temporary, true}} {
		for start := 0; start < len(list.ids); start += maxQueryBatch {
			end := start + maxQueryBatch
			if end > len(list.ids) {
				end = len(list.ids)
			}
			out = append(out, idBatch{ids: list.ids[start:end], temporary: list.temp})
		}
	}
	return out
}

// fetchConversations queries ids through the single-flight group. It
// must not be called on the internal queue.
func (c *Client) fetchConversations(ctx context.Context, ids []string, temporary bool) ([]*Conversation, error) {
	key := "conv:"
	if temporary {
		key = "temp:"
	}
	key += strings.Join(sortedCopy(ids), ",")
	ch := c.flight.DoChan(key, func() (any, error) {
		return await(context.Background(), c, func(done func([]*Conversation, error)) {
			c.queryConversations(ids, temporary, done)
		})
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]*Conversation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// queryConversations sends one conv query on the internal queue. Results
// replace the data of cached conversations; new ones are cached.
func (c *Client) queryConversations(ids []string, temporary bool, done func([]*Conversation, error)) {
	if len(ids) == 0 || len(ids) > maxQueryBatch {
		done(nil, errs.Inconsistency("count of conversation IDs should be in 1...%d", maxQueryBatch))
		return
	}
	conv := &protocol.ConvCommand{Limit: int32(len(ids))}
	if temporary {
		conv.TempConvIDs = append([]string(nil), ids...)
	} else {
		var where map[string]any
		if len(ids) == 1 {
			where = map[string]any{keyObjectID: ids[0]}
		} else {
			where = map[string]any{keyObjectID: map[string]any{"$in": ids}}
		}
		conv.Where = jsonObject(where)
	}
	cmd := &protocol.Command{Cmd: protocol.CmdConv, Op: protocol.OpQuery, Conv: conv}
	c.sendCommand(cmd, func(reply *protocol.Command, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		if reply.Conv == nil || reply.Conv.Results == nil {
			done(nil, errs.ErrCommandInvalid)
			return
		}
		var results []map[string]any
		if err := json.Unmarshal([]byte(reply.Conv.Results.Data), &results); err != nil {
			done(nil, errs.Wrap(err, errs.CodeMalformedData, "decode conversation query results"))
			return
		}
		convs := make([]*Conversation, 0, len(results))
		for _, raw := range results {
			id, _ := raw[keyObjectID].(string)
			if id == "" {
				done(nil, errs.New(errs.CodeMalformedData, "conversation without objectId"))
				return
			}
			if cached := c.cachedConversation(id); cached != nil {
				cached.execute(operation{kind: opRawDataReplaced, raw: raw})
				convs = append(convs, cached)
				continue
			}
			fresh, err := newConversation(c, raw)
			if err != nil {
				done(nil, err)
				return
			}
			c.cacheConversation(fresh)
			c.storeConversation(fresh)
			convs = append(convs, fresh)
		}
		if len(convs) == 0 && len(ids) == 1 {
			done(nil, errs.Newf(errs.CodeConversationNotFound, "conversation %s not found", ids[0]))
			return
		}
		done(convs, nil)
	})
}

// resolveConversation calls then on the internal queue with the
// conversation, fetching it if needed. Callers waiting for the same ID
// run in the order they asked.
func (c *Client) resolveConversation(id string, then func(*Conversation, error)) {
	if conv := c.cachedConversation(id); conv != nil && len(c.resolving[id]) == 0 {
		then(conv, nil)
		return
	}
	c.resolving[id] = append(c.resolving[id], then)
	if len(c.resolving[id]) > 1 {
		return
	}
	go func() {
		convs, err := c.fetchConversations(context.Background(), []string{id}, isTemporaryID(id))
		c.q.Async(func() {
			waiters := c.resolving[id]
			delete(c.resolving, id)
			var conv *Conversation
			if err == nil {
				conv = convs[0]
			}
			for _, w := range waiters {
				w(conv, err)
			}
		})
	}()
}

// fetchGroups resolves uncached conversations in batches off the queue.
// each runs on the internal queue for every conversation found; finish
// runs after all of them with the first failure. Conversations the
// server does not know are not failures.
func (c *Client) fetchGroups(ordinary, temporary []string, each func(*Conversation), finish func(error)) {
	groups := batches(ordinary, temporary)
	go func() {
		var g errgroup.Group
		for _, group := range groups {
			group := group
			g.Go(func() error {
				convs, err := c.fetchConversations(context.Background(), group.ids, group.temporary)
				if errs.HasCode(err, errs.CodeConversationNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				c.q.Async(func() {
					for _, conv := range convs {
						each(conv)
					}
				})
				return nil
			})
		}
		err := g.Wait()
		c.q.Async(func() { finish(err) })
	}()
}

// ============================================================================
// Creation
// ============================================================================

// CreateConversation creates a conversation with members; the client
// itself is always a member. opts may be nil. A unique conversation that
// already exists is returned, merged into the cached instance.
func (c *Client) CreateConversation(ctx context.Context, members []string, opts *CreateOptions) (*Conversation, error) {
	if opts == nil {
		opts = &CreateOptions{}
	}
	kind := opts.Kind
	if kind == 0 {
		kind = KindNormal
	}
	if kind == KindSystem {
		return nil, errs.Inconsistency("system conversations cannot be created by clients")
	}
	if kind != KindTransient {
		if err := validateMemberIDs(members); err != nil {
			return nil, err
		}
		members = union(members, []string{c.id})
	} else {
		members = nil
	}

	attr := make(map[string]any)
	if opts.Name != "" {
		attr[keyName] = opts.Name
	}
	if len(opts.Attributes) > 0 {
		attr[keyAttributes] = opts.Attributes
	}

	start := &protocol.ConvCommand{M: members}
	switch kind {
	case KindTransient:
		start.Transient = true
	case KindTemporary:
		start.TempConv = true
		if opts.TemporaryTTL > 0 {
			start.TempConvTTL = opts.TemporaryTTL
		}
	default:
		start.Unique = opts.Unique
	}
	if len(attr) > 0 {
		start.Attr = jsonObject(attr)
	}

	return await(ctx, c, func(done func(*Conversation, error)) {
		send := func(sig *Signature) {
			if sig != nil {
				start.Signature, start.Timestamp, start.Nonce = sig.Signature, sig.Timestamp, sig.Nonce
			}
			cmd := &protocol.Command{Cmd: protocol.CmdConv, Op: protocol.OpStart, Conv: start}
			c.sendCommand(cmd, func(reply *protocol.Command, err error) {
				if err != nil {
					done(nil, err)
					return
				}
				done(c.createdConversation(reply, kind, members, attr, opts.Unique))
			})
		}
		if kind == KindTemporary {
			send(nil)
			return
		}
		c.sign(SignatureRequest{Action: ActionCreateConversation, ClientID: c.id, Members: members}, send)
	})
}

func (c *Client) createdConversation(reply *protocol.Command, kind ConversationKind, members []string, attr map[string]any, unique bool) (*Conversation, error) {
	started := reply.Conv
	if started == nil {
		return nil, errs.ErrCommandInvalid
	}
	id := started.Cid
	if id == "" {
		id = started.TempConvID
	}
	if id == "" {
		return nil, errs.ErrCommandInvalid
	}

	if existing := c.cachedConversation(id); existing != nil {
		existing.execute(operation{kind: opRawDataMerging, raw: attr})
		return existing, nil
	}

	raw := make(map[string]any, len(attr)+8)
	for k, v := range attr {
		raw[k] = v
	}
	raw[keyObjectID] = id
	raw[keyConvType] = int(kind)
	raw[keyCreator] = c.id
	if kind == KindTransient {
		raw[keyTransient] = true
	} else {
		raw[keyMembers] = members
	}
	if unique {
		raw[keyUnique] = true
	}
	if started.Cdate != "" {
		raw[keyCreatedAt] = started.Cdate
	}
	if started.UniqueID != "" {
		raw[keyUniqueID] = started.UniqueID
	}
	if kind == KindTemporary {
		raw[keyTemporary] = true
	}
	if started.TempConvTTL != 0 {
		raw[keyTemporaryTTL] = started.TempConvTTL
	}
	conv, err := newConversation(c, raw)
	if err != nil {
		return nil, err
	}
	c.cacheConversation(conv)
	c.storeConversation(conv)
	return conv, nil
}

// ============================================================================
// Local cache
// ============================================================================

var errNoLocalCache = errs.Inconsistency("local cache is not enabled")

// StoredConversations loads every conversation of the local cache into
// memory and returns them in order. Conversations already cached keep
// their in-memory state.
func (c *Client) StoredConversations(ctx context.Context, order ConversationOrder) ([]*Conversation, error) {
	if c.store == nil {
		return nil, errNoLocalCache
	}
	return await(ctx, c, func(done func([]*Conversation, error)) {
		rows, err := c.store.SelectConversations(ctx, order)
		if err != nil {
			done(nil, errs.Wrap(err, errs.CodeUnderlying, "select stored conversations"))
			return
		}
		out := make([]*Conversation, 0, len(rows))
		for _, row := range rows {
			if conv := c.cachedConversation(row.ID); conv != nil {
				out = append(out, conv)
				continue
			}
			var raw map[string]any
			if err := json.Unmarshal(row.RawData, &raw); err != nil {
				c.log.Warn("skipping undecodable stored conversation", zap.String("cid", row.ID), zap.Error(err))
				continue
			}
			conv, err := newConversation(c, raw)
			if err != nil {
				c.log.Warn("skipping stored conversation", zap.String("cid", row.ID), zap.Error(err))
				continue
			}
			conv.outdated = row.Outdated
			if row.LastMessage != nil {
				conv.lastMessage = messageFromRow(*row.LastMessage, c.id)
			}
			c.cacheConversation(conv)
			out = append(out, conv)
		}
		done(out, nil)
	})
}

// DeleteStoredConversations removes conversations, their last messages
// and their history from the local cache and from memory.
func (c *Client) DeleteStoredConversations(ctx context.Context, ids ...string) error {
	if c.store == nil {
		return errNoLocalCache
	}
	return awaitErr(ctx, c, func(done func(error)) {
		if err := c.store.DeleteConversations(ctx, ids); err != nil {
			done(errs.Wrap(err, errs.CodeUnderlying, "delete stored conversations"))
			return
		}
		c.RemoveCachedConversations(ids...)
		done(nil)
	})
}
