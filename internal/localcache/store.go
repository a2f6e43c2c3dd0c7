// Package localcache is the optional on-disk mirror of conversations and
// message history, backed by SQLite. Stored history carries breakpoint
// flags so that paginated reads can tell whether a range is known to be
// contiguous.
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/leancloud/swift-sdk-sub001/internal/logging"
)

// Status values persisted in message.status.
const (
	StatusFailed = -1
	StatusSent   = 2
)

// ConversationRow mirrors a conversation. RawData is the server JSON.
type ConversationRow struct {
	ID        string
	RawData   []byte
	UpdatedAt int64
	CreatedAt int64
	Outdated  bool
}

// MessageRow mirrors a stored message. Failed messages use the dedup token
// as MessageID and the sending timestamp as SentTimestamp.
type MessageRow struct {
	ConversationID     string   `json:"conversation_id"`
	SentTimestamp      int64    `json:"sent_timestamp"`
	MessageID          string   `json:"message_id"`
	FromPeerID         string   `json:"from_peer_id,omitempty"`
	Content            []byte   `json:"content,omitempty"`
	Binary             bool     `json:"binary,omitempty"`
	DeliveredTimestamp int64    `json:"delivered_timestamp,omitempty"`
	ReadTimestamp      int64    `json:"read_timestamp,omitempty"`
	PatchedTimestamp   int64    `json:"patched_timestamp,omitempty"`
	AllMentioned       bool     `json:"all_mentioned,omitempty"`
	MentionedList      []string `json:"mentioned_list,omitempty"`
	Status             int      `json:"status"`
	Breakpoint         bool     `json:"breakpoint"`
}

// StoredConversation is a conversation row joined with its last message.
type StoredConversation struct {
	ConversationRow
	LastMessage *MessageRow
}

// Store is a per-client SQLite database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open opens or creates the database at path and migrates its schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`)
	_, _ = db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:  db,
		log: logging.OrNop(logger).Named("localcache"),
		now: time.Now,
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ============================================================================
// Conversations
// ============================================================================

// UpsertConversation inserts or replaces a conversation. The stored row
// starts not outdated.
func (s *Store) UpsertConversation(ctx context.Context, row ConversationRow) error {
	updated := row.UpdatedAt
	if updated <= 0 {
		updated = row.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversation (id, raw_data, updated_timestamp, created_timestamp, outdated)
		VALUES (?, ?, ?, ?, 0)`,
		row.ID, row.RawData, updated, row.CreatedAt)
	return errors.Wrapf(err, "upsert conversation %s", row.ID)
}

// ConversationUpdate lists the columns to change; nil fields are left as is.
type ConversationUpdate struct {
	RawData   []byte
	UpdatedAt *int64
	Outdated  *bool
}

// UpdateConversation changes an existing conversation and ignores unknown
// IDs.
func (s *Store) UpdateConversation(ctx context.Context, id string, u ConversationUpdate) error {
	var (
		sets []string
		args []any
	)
	if u.RawData != nil {
		sets = append(sets, "raw_data = ?")
		args = append(args, u.RawData)
	}
	if u.UpdatedAt != nil {
		sets = append(sets, "updated_timestamp = ?")
		args = append(args, *u.UpdatedAt)
	}
	if u.Outdated != nil {
		sets = append(sets, "outdated = ?")
		args = append(args, *u.Outdated)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx,
		`UPDATE OR IGNORE conversation SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return errors.Wrapf(err, "update conversation %s", id)
}

// UpsertLastMessage records the last message of a conversation.
func (s *Store) UpsertLastMessage(ctx context.Context, msg MessageRow) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode last message")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO last_message (conversation_id, raw_data, sent_timestamp)
		VALUES (?, ?, ?)`,
		msg.ConversationID, data, msg.SentTimestamp)
	return errors.Wrapf(err, "upsert last message of %s", msg.ConversationID)
}

// OrderKey selects the column conversations are sorted by.
type OrderKey int

const (
	ByLastMessageSentTimestamp OrderKey = iota
	ByUpdatedTimestamp
	ByCreatedTimestamp
)

// Order sorts SelectConversations results.
type Order struct {
	Key        OrderKey
	Descending bool
}

// SelectConversations returns every stored conversation with its last
// message. When ordering by last message, conversations without one come
// last.
func (s *Store) SelectConversations(ctx context.Context, order Order) ([]StoredConversation, error) {
	dir := "ASC"
	if order.Descending {
		dir = "DESC"
	}
	var orderBy string
	switch order.Key {
	case ByUpdatedTimestamp:
		orderBy = "c.updated_timestamp " + dir
	case ByCreatedTimestamp:
		orderBy = "c.created_timestamp " + dir
	default:
		orderBy = "l.sent_timestamp IS NULL, l.sent_timestamp " + dir
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.raw_data, c.updated_timestamp, c.created_timestamp, c.outdated, l.raw_data
		FROM conversation c
		LEFT JOIN last_message l ON l.conversation_id = c.id
		ORDER BY `+orderBy)
	if err != nil {
		return nil, errors.Wrap(err, "select conversations")
	}
	defer rows.Close()

	var out []StoredConversation
	for rows.Next() {
		var (
			sc       StoredConversation
			updated  sql.NullInt64
			created  sql.NullInt64
			outdated sql.NullBool
			last     []byte
		)
		if err := rows.Scan(&sc.ID, &sc.RawData, &updated, &created, &outdated, &last); err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		sc.UpdatedAt = updated.Int64
		sc.CreatedAt = created.Int64
		sc.Outdated = outdated.Bool
		if len(last) > 0 {
			var msg MessageRow
			if err := json.Unmarshal(last, &msg); err != nil {
				s.log.Warn("dropping undecodable last message", zap.String("cid", sc.ID), zap.Error(err))
			} else {
				sc.LastMessage = &msg
			}
		}
		out = append(out, sc)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversations")
}

// DeleteConversations removes conversations with their last messages and
// history in one transaction.
func (s *Store) DeleteConversations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM conversation WHERE id IN (%s)`,
		`DELETE FROM last_message WHERE conversation_id IN (%s)`,
		`DELETE FROM message WHERE conversation_id IN (%s)`,
	} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(stmt, placeholders), args...); err != nil {
			return errors.Wrap(err, "delete conversations")
		}
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

// ============================================================================
// Messages
// ============================================================================

const upsertMessageSQL = `
	INSERT OR REPLACE INTO message (
		conversation_id, sent_timestamp, message_id, from_peer_id, content, binary,
		delivered_timestamp, read_timestamp, patched_timestamp, all_mentioned,
		mentioned_list, status, breakpoint
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, db execer, m MessageRow) error {
	mentioned, err := encodeMentions(m.MentionedList)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, upsertMessageSQL,
		m.ConversationID, m.SentTimestamp, m.MessageID, nullString(m.FromPeerID), m.Content, m.Binary,
		nullInt(m.DeliveredTimestamp), nullInt(m.ReadTimestamp), nullInt(m.PatchedTimestamp), m.AllMentioned,
		mentioned, m.Status, m.Breakpoint)
	return errors.Wrapf(err, "upsert message %s/%s", m.ConversationID, m.MessageID)
}

// UpsertMessages stores a contiguous batch of sent messages, as returned
// by one history query. Batches of fewer than three messages are ignored.
// Interior messages are stored as contiguous; the newest and the oldest
// get a breakpoint unless they overlap history already known to continue.
func (s *Store) UpsertMessages(ctx context.Context, batch []MessageRow) error {
	if len(batch) < 3 {
		return nil
	}
	newest, oldest := newestAndOldest(batch)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin upsert messages")
	}
	defer tx.Rollback()

	newestBreakpoint, err := breakpointFor(ctx, tx, batch[newest], true)
	if err != nil {
		return err
	}
	oldestBreakpoint, err := breakpointFor(ctx, tx, batch[oldest], false)
	if err != nil {
		return err
	}
	for i, m := range batch {
		m.Status = StatusSent
		switch i {
		case newest:
			m.Breakpoint = newestBreakpoint
		case oldest:
			m.Breakpoint = oldestBreakpoint
		default:
			m.Breakpoint = false
		}
		if err := insertMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "commit upsert messages")
}

// newestAndOldest compares only the first and last element; batches are
// ordered by the server in either direction.
func newestAndOldest(batch []MessageRow) (newest, oldest int) {
	first, last := batch[0], batch[len(batch)-1]
	if first.SentTimestamp > last.SentTimestamp ||
		(first.SentTimestamp == last.SentTimestamp && first.MessageID > last.MessageID) {
		return 0, len(batch) - 1
	}
	return len(batch) - 1, 0
}


type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// breakpointFor decides the flag of a batch boundary. The boundary is
// contiguous only when it is already stored and either its own flag is
// clear or the next stored row on the outer side has a clear flag.
func breakpointFor(ctx context.Context, db querier, m MessageRow, newest bool) (bool, error) {
	cmp, order := "<", "DESC"
	if newest {
		cmp, order = ">", "ASC"
	}
	query := fmt.Sprintf(`
		SELECT sent_timestamp, message_id, breakpoint
		FROM message
		WHERE conversation_id = ?
		AND ((sent_timestamp = ? AND message_id %[1]s= ?) OR sent_timestamp %[1]s ?)
		AND status != ?
		ORDER BY sent_timestamp %[2]s, message_id %[2]s
		LIMIT 2`, cmp, order)
	rows, err := db.QueryContext(ctx, query,
		m.ConversationID, m.SentTimestamp, m.MessageID, m.SentTimestamp, StatusFailed)
	if err != nil {
		return true, errors.Wrap(err, "select breakpoint neighbours")
	}
	defer rows.Close()

	for index := 0; rows.Next(); index++ {
		var (
			ts         int64
			id         string
			breakpoint sql.NullBool
		)
		if err := rows.Scan(&ts, &id, &breakpoint); err != nil {
			return true, errors.Wrap(err, "scan breakpoint neighbour")
		}
		if index == 0 {
			if ts != m.SentTimestamp || id != m.MessageID {
				return true, nil
			}
			if !breakpoint.Bool {
				return false, nil
			}
			continue
		}
		return breakpoint.Bool, nil
	}
	return true, errors.Wrap(rows.Err(), "iterate breakpoint neighbours")
}

// UpdateMessage rewrites the content of a stored message after a patch.
// Unknown messages are ignored.
func (s *Store) UpdateMessage(ctx context.Context, m MessageRow) error {
	mentioned, err := encodeMentions(m.MentionedList)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE OR IGNORE message
		SET from_peer_id = ?, content = ?, binary = ?, patched_timestamp = ?, all_mentioned = ?, mentioned_list = ?
		WHERE conversation_id = ? AND sent_timestamp = ? AND message_id = ?`,
		nullString(m.FromPeerID), m.Content, m.Binary, nullInt(m.PatchedTimestamp), m.AllMentioned, mentioned,
		m.ConversationID, m.SentTimestamp, m.MessageID)
	return errors.Wrapf(err, "update message %s/%s", m.ConversationID, m.MessageID)
}

// InsertFailedMessage stores a message whose send failed, keyed by its
// dedup token and sending timestamp.
func (s *Store) InsertFailedMessage(ctx context.Context, m MessageRow) error {
	m.Status = StatusFailed
	m.Breakpoint = false
	m.DeliveredTimestamp, m.ReadTimestamp, m.PatchedTimestamp = 0, 0, 0
	return insertMessage(ctx, s.db, m)
}

// DeleteFailedMessage removes a failed message stored by
// InsertFailedMessage.
func (s *Store) DeleteFailedMessage(ctx context.Context, conversationID string, sendingTimestamp int64, dedupToken string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM message
		WHERE conversation_id = ? AND sent_timestamp = ? AND message_id = ? AND status = ?`,
		conversationID, sendingTimestamp, dedupToken, StatusFailed)
	return errors.Wrapf(err, "delete failed message %s/%s", conversationID, dedupToken)
}

// ============================================================================
// Message queries
// ============================================================================

// Direction orders a history read.
type Direction int

const (
	NewToOld Direction = iota
	OldToNew
)

// Endpoint bounds a history read. MessageID breaks ties between messages
// sharing SentTimestamp; Closed includes the endpoint itself.
type Endpoint struct {
	MessageID     string
	SentTimestamp int64
	Closed        bool
}

// SelectMessages reads up to limit messages of a conversation between
// start and end, walking in direction. The result is always oldest first.
// hasBreakpoint reports that the range is not known to be contiguous: a
// returned row is a breakpoint, or nothing was found.
func (s *Store) SelectMessages(ctx context.Context, conversationID string, start, end *Endpoint, direction Direction, limit int) (messages []MessageRow, hasBreakpoint bool, err error) {
	cond, args := s.whereCondition(direction, start, end)
	order := "DESC"
	if direction == OldToNew {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT conversation_id, sent_timestamp, message_id, from_peer_id, content, binary,
			delivered_timestamp, read_timestamp, patched_timestamp, all_mentioned,
			mentioned_list, status, breakpoint
		FROM message
		WHERE conversation_id = ? AND (%s)
		ORDER BY sent_timestamp %s, message_id %s
		LIMIT ?`, cond, order, order)
	args = append([]any{conversationID}, args...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, errors.Wrap(err, "select messages")
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		if m.Breakpoint {
			hasBreakpoint = true
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "iterate messages")
	}
	if direction == NewToOld {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	if len(messages) == 0 {
		hasBreakpoint = true
	}
	return messages, hasBreakpoint, nil
}

// boundaries sorts the endpoints into the newer and the older bound.
func boundaries(direction Direction, start, end *Endpoint) (newest, oldest *Endpoint) {
	switch {
	case start != nil && end != nil:
		if start.SentTimestamp == end.SentTimestamp {
			if start.MessageID != "" && end.MessageID != "" && start.MessageID <= end.MessageID {
				return end, start
			}
			return start, end
		}
		if start.SentTimestamp > end.SentTimestamp {
			return start, end
		}
		return end, start
	case start != nil:
		if direction == NewToOld {
			return start, nil
		}
		return nil, start
	case end != nil:
		if direction == NewToOld {
			return nil, end
		}
		return end, nil
	}
	return nil, nil
}

func (s *Store) whereCondition(direction Direction, start, end *Endpoint) (string, []any) {
	newest, oldest := boundaries(direction, start, end)
	if newest == nil && oldest == nil {
		if direction == NewToOld {
			return "sent_timestamp < ?", []any{s.now().UnixMilli()}
		}
		return "sent_timestamp > ?", []any{int64(0)}
	}

	var args []any
	bound := func(e *Endpoint, isNewest bool) string {
		cmp := ">"
		if isNewest {
			cmp = "<"
		}
		inclusive := cmp
		if e.Closed {
			inclusive += "="
		}
		if e.MessageID == "" {
			args = append(args, e.SentTimestamp)
			return "sent_timestamp " + inclusive + " ?"
		}
		args = append(args, e.SentTimestamp, e.MessageID, e.SentTimestamp)
		return "(sent_timestamp = ? AND message_id " + inclusive + " ?) OR sent_timestamp " + cmp + " ?"
	}

	switch {
	case newest != nil && oldest != nil:
		n := bound(newest, true)
		o := bound(oldest, false)
		return "(" + n + ") AND (" + o + ")", args
	case newest != nil:
		return bound(newest, true), args
	default:
		return bound(oldest, false), args
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (MessageRow, error) {
	var (
		m                        MessageRow
		from                     sql.NullString
		binary, allMentioned, bp sql.NullBool
		delivered, read, patched sql.NullInt64
		mentioned                []byte
		status                   sql.NullInt64
	)
	if err := row.Scan(&m.ConversationID, &m.SentTimestamp, &m.MessageID, &from, &m.Content, &binary,
		&delivered, &read, &patched, &allMentioned, &mentioned, &status, &bp); err != nil {
		return m, errors.Wrap(err, "scan message")
	}
	m.FromPeerID = from.String
	m.Binary = binary.Bool
	m.DeliveredTimestamp = delivered.Int64
	m.ReadTimestamp = read.Int64
	m.PatchedTimestamp = patched.Int64
	m.AllMentioned = allMentioned.Bool
	m.Breakpoint = bp.Bool
	m.Status = StatusSent
	if status.Valid {
		m.Status = int(status.Int64)
	}
	if len(mentioned) > 0 {
		if err := json.Unmarshal(mentioned, &m.MentionedList); err != nil {
			return m, errors.Wrap(err, "decode mentioned list")
		}
	}
	return m, nil
}

func encodeMentions(list []string) (any, error) {
	if list == nil {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, errors.Wrap(err, "encode mentioned list")
	}
	return data, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
