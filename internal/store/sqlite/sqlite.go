package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

const defaultPageLimit = 50

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== MessageStore implementation ====

const messageColumns = `id, channel_key, COALESCE(client_id, ''), sender_id, content, kind, sent_at, is_read`

// FetchMessages returns an ordered page of a channel's history.
func (s *SQLiteStore) FetchMessages(ctx context.Context, ch core.Channel, q store.PageQuery) ([]core.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}

	var (
		where strings.Builder
		args  = []interface{}{string(ch.Key)}
	)
	where.WriteString("channel_key = ?")

	switch {
	case q.Before != nil:
		ts := q.Before.SentAt.UnixNano()
		where.WriteString(" AND (sent_at < ? OR (sent_at = ? AND id < ?))")
		args = append(args, ts, ts, q.Before.ID)
	case q.After != nil:
		ts := q.After.SentAt.UnixNano()
		where.WriteString(" AND (sent_at > ? OR (sent_at = ? AND id > ?))")
		args = append(args, ts, ts, q.After.ID)
	case q.Since != nil:
		where.WriteString(" AND sent_at >= ?")
		args = append(args, q.Since.UnixNano())
	}

	order := "DESC"
	if q.Forward() {
		order = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE %s
		ORDER BY sent_at %s, id %s
		LIMIT ?
	`, messageColumns, where.String(), order, order)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if !q.Forward() {
		// Reverse to get chronological order
		for i := range len(messages) / 2 {
			messages[i], messages[len(messages)-1-i] = messages[len(messages)-1-i], messages[i]
		}
	}

	return messages, nil
}

// InsertMessage persists a message and returns the canonical row.
// A zero SentAt is stamped with the store clock.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg core.Message) (core.Message, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now()
	}
	if msg.Kind == "" {
		msg.Kind = core.KindText
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Message{}, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	var clientID interface{}
	if msg.ClientID != "" {
		clientID = msg.ClientID

		// A retried send whose first attempt already landed gets the stored row back.
		// The same client id under another channel or sender is never handed out.
		query := `SELECT ` + messageColumns + ` FROM messages WHERE client_id = ?`
		existing, err := scanMessage(tx.QueryRowContext(ctx, query, msg.ClientID))
		switch {
		case err == nil:
			if existing.Channel != msg.Channel || existing.SenderID != msg.SenderID {
				return core.Message{}, fmt.Errorf("client id %q: %w", msg.ClientID, store.ErrConflict)
			}
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return core.Message{}, fmt.Errorf("lookup client id: %w", err)
		}
	}

	query := `
		INSERT INTO messages (channel_key, client_id, sender_id, content, kind, sent_at, is_read)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query,
		string(msg.Channel), clientID, msg.SenderID, msg.Content, string(msg.Kind), msg.SentAt.UnixNano(), msg.Read)
	if err != nil {
		return core.Message{}, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return core.Message{}, fmt.Errorf("get last insert id: %w", err)
	}

	row, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return core.Message{}, fmt.Errorf("read inserted message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Message{}, fmt.Errorf("commit insert: %w", err)
	}
	return row, nil
}

// UpdateMessage applies a patch to an existing message and returns the updated row.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id int64, patch core.Patch) (core.Message, error) {
	if patch.Read != nil {
		result, err := s.db.ExecContext(ctx, `UPDATE messages SET is_read = ? WHERE id = ?`, *patch.Read, id)
		if err != nil {
			return core.Message{}, fmt.Errorf("update message: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return core.Message{}, fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return core.Message{}, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
		}
	}
	return s.GetMessage(ctx, id)
}

// GetMessage returns the message with id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (core.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Message{}, fmt.Errorf("message %d: %w", id, store.ErrNotFound)
		}
		return core.Message{}, err
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (core.Message, error) {
	var (
		msg     core.Message
		channel string
		kind    string
		sentAt  int64
	)
	err := row.Scan(&msg.ID, &channel, &msg.ClientID, &msg.SenderID, &msg.Content, &kind, &sentAt, &msg.Read)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Message{}, err
		}
		return core.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Channel = core.ChannelKey(channel)
	msg.Kind = core.MessageKind(kind)
	msg.SentAt = time.Unix(0, sentAt).UTC()
	msg.Status = core.StatusConfirmed
	return msg, nil
}
