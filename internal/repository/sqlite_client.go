package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"sms-inbox/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	phone_number    TEXT NOT NULL,
	owner_user_id   TEXT NOT NULL,
	unread_count    INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
	last_message_at TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	archived        INTEGER NOT NULL DEFAULT 0,
	deleted         INTEGER NOT NULL DEFAULT 0,
	customer_name   TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_phone
	ON conversations(phone_number) WHERE deleted = 0;

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id),
	content           TEXT NOT NULL,
	direction         TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
	phone_number      TEXT NOT NULL,
	status            TEXT NOT NULL,
	read              INTEGER NOT NULL DEFAULT 0,
	read_at           TEXT,
	read_by           TEXT NOT NULL DEFAULT '',
	timestamp         TEXT NOT NULL,
	external_id       TEXT UNIQUE,
	status_updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
	ON messages(conversation_id, timestamp);
`

const (
	conversationColumns = `id, phone_number, owner_user_id, unread_count, last_message_at,
		created_at, archived, deleted, customer_name`
	messageColumns = `rowid AS seq, id, conversation_id, content, direction, phone_number, status,
		read, read_at, read_by, timestamp, external_id, status_updated_at`
)

type conversationRow struct {
	ID            string `db:"id"`
	PhoneNumber   string `db:"phone_number"`
	OwnerUserID   string `db:"owner_user_id"`
	UnreadCount   int    `db:"unread_count"`
	LastMessageAt string `db:"last_message_at"`
	CreatedAt     string `db:"created_at"`
	Archived      bool   `db:"archived"`
	Deleted       bool   `db:"deleted"`
	CustomerName  string `db:"customer_name"`
}

type messageRow struct {
	Seq             int64          `db:"seq"`
	ID              string         `db:"id"`
	ConversationID  string         `db:"conversation_id"`
	Content         string         `db:"content"`
	Direction       string         `db:"direction"`
	PhoneNumber     string         `db:"phone_number"`
	Status          string         `db:"status"`
	Read            bool           `db:"read"`
	ReadAt          sql.NullString `db:"read_at"`
	ReadBy          string         `db:"read_by"`
	Timestamp       string         `db:"timestamp"`
	ExternalID      sql.NullString `db:"external_id"`
	StatusUpdatedAt sql.NullString `db:"status_updated_at"`
}

// SQLiteClient keeps conversations in a local SQLite database. A partial
// unique index on phone_number enforces one active conversation per number.
type SQLiteClient struct {
	db *sqlx.DB

	// beforeCommit runs inside every write transaction just before commit.
	// Tests use it to inject failures.
	beforeCommit func(op string) error
}

// NewSQLite opens (and if needed creates) the database at path. Use
// ":memory:" for a private in-memory database.
func NewSQLite(path string) (*SQLiteClient, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("repository: creating database directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += sqlitePragmas(dsn)

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: opening database: %w", err)
	}
	// One connection serialises writers and keeps :memory: a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: creating schema: %w", err)
	}
	return &SQLiteClient{db: db}, nil
}

func sqlitePragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Close releases the database.
func (s *SQLiteClient) Close() error {
	return s.db.Close()
}

func (s *SQLiteClient) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, err := s.getConversation(ctx, s.db, "id = ?", conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteClient) FindActiveConversationByPhone(ctx context.Context, phone string) (domain.Conversation, error) {
	conv, err := s.getConversation(ctx, s.db, "phone_number = ? AND deleted = 0", phone)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindActiveConversationByPhone: %w", err)
	}
	return conv, nil
}

func (s *SQLiteClient) CreateConversation(ctx context.Context, conv domain.Conversation, first *domain.Message) (domain.Conversation, error) {
	if conv.ID == "" || conv.PhoneNumber == "" {
		return domain.Conversation{}, errors.New("repository: CreateConversation: id and phone number are required")
	}
	conv.MessageIDs = []string{}
	conv.UnreadCount = 0

	var msg domain.Message
	if first != nil {
		msg = *first
		msg.ConversationID = conv.ID
		conv.MessageIDs = []string{msg.ID}
		conv.LastMessageAt = msg.Timestamp
		if msg.Unread() {
			conv.UnreadCount = 1
		}
	}

	err := s.withTx(ctx, "CreateConversation", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, conv.PhoneNumber, conv.OwnerUserID, conv.UnreadCount, formatTime(conv.LastMessageAt),
			formatTime(conv.CreatedAt), conv.Archived, conv.Deleted, conv.CustomerName)
		if err != nil {
			if isUniqueViolation(err, "conversations.phone_number") {
				return ErrConflict
			}
			return fmt.Errorf("insert conversation: %w", err)
		}
		if first != nil {
			return insertMessage(ctx, tx, msg)
		}
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *SQLiteClient) AppendMessage(ctx context.Context, msg domain.Message, owner string) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: AppendMessage: message id and conversation id are required")
	}
	inc := 0
	if msg.Unread() {
		inc = 1
	}
	return s.withTx(ctx, "AppendMessage", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations
			SET last_message_at = ?, unread_count = unread_count + ?,
				owner_user_id = COALESCE(NULLIF(?, ''), owner_user_id)
			WHERE id = ? AND deleted = 0`,
			formatTime(msg.Timestamp), inc, owner, msg.ConversationID)
		if err := expectRows(res, err); err != nil {
			if errors.Is(err, ErrNotFound) {
				return deletedOrMissing(ctx, tx, msg.ConversationID)
			}
			return err
		}
		return insertMessage(ctx, tx, msg)
	})
}

// deletedOrMissing explains a conversation update that matched no active
// row: ErrConflict if the conversation is soft-deleted, ErrNotFound if absent.
func deletedOrMissing(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	var n int
	if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("lookup conversation: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("conversation deleted: %w", ErrConflict)
	}
	return ErrNotFound
}

func (s *SQLiteClient) MarkMessageRead(ctx context.Context, conversationID, messageID, userID string, at time.Time) (bool, error) {
	changed := false
	err := s.withTx(ctx, "MarkMessageRead", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE messages SET read = 1, read_at = ?, read_by = ?
			WHERE id = ? AND conversation_id = ? AND read = 0 AND direction = 'inbound'`,
			formatTime(at), userID, messageID, conversationID)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM messages WHERE id = ? AND conversation_id = ?`,
				messageID, conversationID)
			if err != nil {
				return fmt.Errorf("lookup message: %w", err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return nil
		}
		res, err = tx.ExecContext(ctx, `UPDATE conversations SET unread_count = unread_count - 1
			WHERE id = ? AND unread_count >= 1`, conversationID)
		if err := expectRows(res, err); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrConflict
			}
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *SQLiteClient) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	ids := []string{}
	err := s.withTx(ctx, "MarkConversationRead", func(tx *sqlx.Tx) error {
		if _, err := s.getConversation(ctx, tx, "id = ?", conversationID); err != nil {
			return err
		}
		err := tx.SelectContext(ctx, &ids, `SELECT id FROM messages
			WHERE conversation_id = ? AND read = 0 AND direction = 'inbound'
			ORDER BY timestamp, rowid`, conversationID)
		if err != nil {
			return fmt.Errorf("select unread: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE messages SET read = 1, read_at = ?, read_by = ?
			WHERE conversation_id = ? AND read = 0 AND direction = 'inbound'`,
			formatTime(at), userID, conversationID)
		if err != nil {
			return fmt.Errorf("update messages: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = ?`, conversationID)
		if err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteClient) SetArchived(ctx context.Context, conversationID string, archived bool, at time.Time) (domain.Conversation, error) {
	return s.updateConversation(ctx, "SetArchived", conversationID,
		`UPDATE conversations SET archived = ?, last_message_at = ? WHERE id = ?`,
		archived, formatTime(at), conversationID)
}

func (s *SQLiteClient) SetCustomerName(ctx context.Context, conversationID, name string, at time.Time) (domain.Conversation, error) {
	return s.updateConversation(ctx, "SetCustomerName", conversationID,
		`UPDATE conversations SET customer_name = ?, last_message_at = ? WHERE id = ?`,
		name, formatTime(at), conversationID)
}

// SetDeleted soft-deletes or restores a conversation. Restoring fails with
// ErrConflict when another active conversation holds the number.
func (s *SQLiteClient) SetDeleted(ctx context.Context, conversationID string, deleted bool, at time.Time) (domain.Conversation, error) {
	return s.updateConversation(ctx, "SetDeleted", conversationID,
		`UPDATE conversations SET deleted = ?, last_message_at = ? WHERE id = ?`,
		deleted, formatTime(at), conversationID)
}

func (s *SQLiteClient) ListConversations(ctx context.Context, includeDeleted bool) ([]domain.ConversationView, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY last_message_at DESC, id`

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("repository: ListConversations: %w", err)
	}
	var msgRows []messageRow
	if err := s.db.SelectContext(ctx, &msgRows, `SELECT `+messageColumns+` FROM messages ORDER BY rowid`); err != nil {
		return nil, fmt.Errorf("repository: ListConversations messages: %w", err)
	}

	byConv := map[string][]domain.Message{}
	for _, r := range msgRows {
		m, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations: %w", err)
		}
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}

	views := make([]domain.ConversationView, 0, len(rows))
	for _, r := range rows {
		conv, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations: %w", err)
		}
		msgs := byConv[conv.ID]
		for _, m := range msgs {
			conv.MessageIDs = append(conv.MessageIDs, m.ID)
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		domain.SortByTimestamp(msgs)
		views = append(views, domain.ConversationView{Conversation: conv, Messages: msgs})
	}
	return views, nil
}

func (s *SQLiteClient) GetMessagesForConversation(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := s.getConversation(ctx, s.db, "id = ?", conversationID); err != nil {
		return nil, fmt.Errorf("repository: GetMessagesForConversation: %w", err)
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY timestamp, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("repository: GetMessagesForConversation: %w", err)
	}
	msgs := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("repository: GetMessagesForConversation: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *SQLiteClient) FindMessageByExternalID(ctx context.Context, externalID string) (domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID: %w", ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID: %w", err)
	}
	msg, err := row.toDomain()
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: FindMessageByExternalID: %w", err)
	}
	return msg, nil
}

func (s *SQLiteClient) UpdateMessageStatus(ctx context.Context, msg domain.Message, from, to domain.MessageStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, status_updated_at = ?
		WHERE id = ? AND status = ?`, string(to), formatTime(at), msg.ID, string(from))
	if err != nil {
		return false, fmt.Errorf("repository: UpdateMessageStatus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: UpdateMessageStatus: %w", err)
	}
	return n == 1, nil
}

// withTx runs fn in a transaction and prefixes any error with op.
func (s *SQLiteClient) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: %s begin: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	if s.beforeCommit != nil {
		if err := s.beforeCommit(op); err != nil {
			return fmt.Errorf("repository: %s: %w", op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: %s commit: %w", op, err)
	}
	return nil
}

func (s *SQLiteClient) updateConversation(ctx context.Context, op, conversationID, query string, args ...any) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.withTx(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil && isUniqueViolation(err, "conversations.phone_number") {
			return ErrConflict
		}
		if err := expectRows(res, err); err != nil {
			return err
		}
		conv, err = s.getConversation(ctx, tx, "id = ?", conversationID)
		return err
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (s *SQLiteClient) getConversation(ctx context.Context, q queryer, where string, args ...any) (domain.Conversation, error) {
	var row conversationRow
	err := q.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE `+where, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, ErrNotFound
		}
		return domain.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	conv, err := row.toDomain()
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := q.SelectContext(ctx, &conv.MessageIDs, `SELECT id FROM messages WHERE conversation_id = ? ORDER BY rowid`, conv.ID); err != nil {
		return domain.Conversation{}, fmt.Errorf("select message ids: %w", err)
	}
	return conv, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, content, direction, phone_number,
			status, read, read_at, read_by, timestamp, external_id, status_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Content, string(m.Direction), m.PhoneNumber,
		string(m.Status), m.Read, nullTime(m.ReadAt), m.ReadBy, formatTime(m.Timestamp),
		nullString(m.ExternalID), nullTime(m.StatusUpdatedAt))
	if err != nil {
		if isUniqueViolation(err, "messages.external_id") {
			return ErrDuplicate
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// expectRows maps a zero-row update to ErrNotFound.
func expectRows(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation matches SQLite's "UNIQUE constraint failed: table.col".
func isUniqueViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+column)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r conversationRow) toDomain() (domain.Conversation, error) {
	lastAt, err := parseTime(r.LastMessageAt)
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:            r.ID,
		PhoneNumber:   r.PhoneNumber,
		OwnerUserID:   r.OwnerUserID,
		MessageIDs:    []string{},
		UnreadCount:   r.UnreadCount,
		LastMessageAt: lastAt,
		CreatedAt:     createdAt,
		Archived:      r.Archived,
		Deleted:       r.Deleted,
		CustomerName:  r.CustomerName,
	}, nil
}

func (r messageRow) toDomain() (domain.Message, error) {
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return domain.Message{}, err
	}
	readAt, err := parseNullTime(r.ReadAt)
	if err != nil {
		return domain.Message{}, err
	}
	statusAt, err := parseNullTime(r.StatusUpdatedAt)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		Content:         r.Content,
		Direction:       domain.Direction(r.Direction),
		PhoneNumber:     r.PhoneNumber,
		Status:          domain.MessageStatus(r.Status),
		Read:            r.Read,
		ReadAt:          readAt,
		ReadBy:          r.ReadBy,
		Timestamp:       ts,
		ExternalID:      r.ExternalID.String,
		StatusUpdatedAt: statusAt,
	}, nil
}
