// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides contact/session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS businesses (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT,
			business_type TEXT,
			address       TEXT,
			phone         TEXT,
			email         TEXT,
			website       TEXT,
			system_prompt TEXT,
			active        INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contacts (
			id           TEXT PRIMARY KEY,
			wa_id        TEXT NOT NULL UNIQUE,
			phone_number TEXT NOT NULL,
			name         TEXT NOT NULL,
			business_id  TEXT REFERENCES businesses(id),
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_wa_id ON contacts(wa_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			contact_id    TEXT NOT NULL REFERENCES contacts(id),
			business_id   TEXT REFERENCES businesses(id),
			started_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			ended_at      TEXT,
			status        TEXT NOT NULL,
			context       TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('open', 'completed', 'timed_out', 'closed_by_user'))
		);

		-- One open session per contact, enforced by the database so that
		-- concurrent webhook deliveries cannot create duplicates.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_contact_open
			ON sessions(contact_id) WHERE status = 'open';

		CREATE INDEX IF NOT EXISTS idx_sessions_status_activity
			ON sessions(status, last_activity);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			wa_message_id TEXT NOT NULL UNIQUE,
			contact_id    TEXT NOT NULL REFERENCES contacts(id),
			session_id    TEXT NOT NULL REFERENCES sessions(id),
			direction     TEXT NOT NULL,
			kind          TEXT NOT NULL,
			content       TEXT NOT NULL,
			status        TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			ai_processed  INTEGER NOT NULL DEFAULT 0,
			ai_response   TEXT,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (status IN ('received', 'sent', 'delivered', 'read', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_wa_id ON messages(wa_message_id);
		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateContact creates a new contact keyed by wa_id
func (s *SQLiteStore) CreateContact(ctx context.Context, contact *Contact) error {
	query := `
		INSERT INTO contacts (id, wa_id, phone_number, name, business_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		contact.ID,
		contact.WaID,
		contact.PhoneNumber,
		contact.Name,
		contact.BusinessID,
		contact.CreatedAt.UTC().Format(time.RFC3339),
		contact.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting contact: %w", err)
	}

	s.logger.Debug("created contact", "id", contact.ID, "wa_id", contact.WaID)
	return nil
}

// GetContactByWaID retrieves a contact by its WhatsApp id.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) GetContactByWaID(ctx context.Context, waID string) (*Contact, error) {
	query := `
		SELECT id, wa_id, phone_number, name, business_id, created_at, updated_at
		FROM contacts
		WHERE wa_id = ?
	`

	var contact Contact
	var businessID sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, waID).Scan(
		&contact.ID,
		&contact.WaID,
		&contact.PhoneNumber,
		&contact.Name,
		&businessID,
		&createdAtStr,
		&updatedAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying contact: %w", err)
	}

	if businessID.Valid {
		contact.BusinessID = &businessID.String
	}

	contact.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	contact.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &contact, nil
}

// UpdateContact updates an existing contact's name and business association.
// Returns ErrNotFound if the contact doesn't exist.
func (s *SQLiteStore) UpdateContact(ctx context.Context, contact *Contact) error {
	query := `
		UPDATE contacts
		SET name = ?, business_id = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		contact.Name,
		contact.BusinessID,
		time.Now().UTC().Format(time.RFC3339),
		contact.ID,
	)
	if err != nil {
		return fmt.Errorf("updating contact: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated contact", "id", contact.ID)
	return nil
}

// CreateSession creates a new session. If the contact already has an open
// session the partial unique index rejects the insert and
// ErrDuplicateOpenSession is returned.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, contact_id, business_id, started_at, last_activity, ended_at, status, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.ContactID,
		session.BusinessID,
		session.StartedAt.UTC().Format(time.RFC3339),
		session.LastActivity.UTC().Format(time.RFC3339),
		nullTime(session.EndedAt),
		session.Status,
		session.Context,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateOpenSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "contact_id", session.ContactID)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

// GetOpenSession retrieves the contact's open session, if any.
// Returns ErrNotFound if the contact has no open session.
func (s *SQLiteStore) GetOpenSession(ctx context.Context, contactID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		sessionSelect+` WHERE contact_id = ? AND status = ?`,
		contactID, SessionStatusOpen)
	return scanSession(row)
}

const sessionSelect = `
	SELECT id, contact_id, business_id, started_at, last_activity, ended_at, status, context
	FROM sessions`

// scanSession scans a single session row
func scanSession(row *sql.Row) (*Session, error) {
	var session Session
	var businessID, endedAtStr sql.NullString
	var startedAtStr, lastActivityStr string

	err := row.Scan(
		&session.ID,
		&session.ContactID,
		&businessID,
		&startedAtStr,
		&lastActivityStr,
		&endedAtStr,
		&session.Status,
		&session.Context,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if businessID.Valid {
		session.BusinessID = &businessID.String
	}

	session.StartedAt, err = time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}

	session.LastActivity, err = time.Parse(time.RFC3339, lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}

	if endedAtStr.Valid {
		t, err := time.Parse(time.RFC3339, endedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		session.EndedAt = &t
	}

	return &session, nil
}

// TouchSession advances a session's last-activity timestamp. The update is
// conditional on the session still being open, so a concurrent close wins
// and a closed session is never resurrected. Returns ErrSessionClosed when
// the session exists but is no longer open, ErrNotFound when it doesn't
// exist at all.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE sessions
		SET last_activity = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339),
		id,
		SessionStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionClosed
	}

	return nil
}

// CloseSession transitions an open session to the given closed status,
// recording the end time and optional summary. The update is conditional on
// the session being open, making closure idempotent: a second close leaves
// the row untouched and returns ErrSessionClosed.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, status string, endedAt time.Time, summary string) error {
	query := `
		UPDATE sessions
		SET status = ?, ended_at = ?,
		    context = CASE WHEN ? != '' THEN ? ELSE context END
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		status,
		endedAt.UTC().Format(time.RFC3339),
		summary, summary,
		id,
		SessionStatusOpen,
	)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionClosed
	}

	s.logger.Debug("closed session", "id", id, "status", status)
	return nil
}

// CloseExpiredSessions closes every open session whose last activity is
// older than cutoff, marking each as timed out. A single conditional UPDATE
// keeps the sweep atomic with respect to concurrent per-message closes.
// Returns the number of sessions closed.
func (s *SQLiteStore) CloseExpiredSessions(ctx context.Context, cutoff time.Time, endedAt time.Time) (int, error) {
	query := `
		UPDATE sessions
		SET status = ?, ended_at = ?
		WHERE status = ? AND last_activity < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		SessionStatusTimedOut,
		endedAt.UTC().Format(time.RFC3339),
		SessionStatusOpen,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("closing expired sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// messageTimeFormat is a fixed-width nanosecond layout. Message ordering is
// lexicographic on the TEXT column, and RFC3339Nano drops trailing fractional
// zeros, which breaks that ordering within a second ("...05.1Z" sorts after
// "...05.15Z"). Values written in either layout parse back with RFC3339Nano.
const messageTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SaveMessage saves a message. The wa_message_id unique index is the
// idempotency key for at-least-once webhook delivery; a redelivered message
// returns ErrDuplicateMessage instead of creating a second row.
// Message timestamps keep fixed-width nanosecond precision so that an inbound
// message and its reply written in the same second still order correctly.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, wa_message_id, contact_id, session_id, direction, kind,
			content, status, timestamp, created_at, ai_processed, ai_response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.WaMessageID,
		msg.ContactID,
		msg.SessionID,
		msg.Direction,
		msg.Kind,
		msg.Content,
		msg.Status,
		msg.Timestamp.UTC().Format(messageTimeFormat),
		msg.CreatedAt.UTC().Format(messageTimeFormat),
		msg.AIProcessed,
		nullString(msg.AIResponse),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "wa_message_id", msg.WaMessageID, "direction", msg.Direction)
	return nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for nil times, otherwise the RFC3339 representation
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// GetMessageByWaID retrieves a message by its WhatsApp message id.
// Returns ErrNotFound if no such message has been stored.
func (s *SQLiteStore) GetMessageByWaID(ctx context.Context, waMessageID string) (*Message, error) {
	query := `
		SELECT id, wa_message_id, contact_id, session_id, direction, kind,
			content, status, timestamp, created_at, ai_processed, ai_response
		FROM messages
		WHERE wa_message_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, waMessageID)

	var msg Message
	var timestampStr, createdAtStr string
	var aiResponse sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.WaMessageID,
		&msg.ContactID,
		&msg.SessionID,
		&msg.Direction,
		&msg.Kind,
		&msg.Content,
		&msg.Status,
		&timestampStr,
		&createdAtStr,
		&msg.AIProcessed,
		&aiResponse,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	if aiResponse.Valid {
		msg.AIResponse = aiResponse.String
	}

	msg.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}

	msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}

// messageStatusRank orders delivery statuses so late out-of-order callbacks
// never move a message backwards (the platform may deliver "delivered" after
// "read"). "failed" is terminal and outranks everything.
var messageStatusRank = map[string]int{
	MessageStatusReceived:  0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
	MessageStatusFailed:    4,
}

const messageStatusRankExpr = `CASE status
	WHEN 'received' THEN 0
	WHEN 'sent' THEN 1
	WHEN 'delivered' THEN 2
	WHEN 'read' THEN 3
	WHEN 'failed' THEN 4
	END`

// UpdateMessageStatus advances a message's delivery status, looked up by its
// WhatsApp message id. A callback carrying a status at or below the stored one
// is a no-op. Returns ErrNotFound for unknown ids.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, waMessageID string, status string) error {
	query := `UPDATE messages SET status = ? WHERE wa_message_id = ? AND ` + messageStatusRankExpr + ` < ?`

	result, err := s.db.ExecContext(ctx, query, status, waMessageID, messageStatusRank[status])
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetMessageByWaID(ctx, waMessageID); err != nil {
			return err
		}
		s.logger.Debug("stale status callback ignored", "wa_message_id", waMessageID, "status", status)
		return nil
	}

	s.logger.Debug("updated message status", "wa_message_id", waMessageID, "status", status)
	return nil
}

// GetSessionMessages retrieves messages for a session, limited to the most
// recent `limit` messages. Messages are returned in chronological order
// (oldest first). If limit is 0 or negative, all messages are returned.
// The query is scoped to a single session by design: history fed to the AI
// must never leak across session boundaries.
func (s *SQLiteStore) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT id, wa_message_id, contact_id, session_id, direction, kind,
				content, status, timestamp, created_at, ai_processed, ai_response
			FROM (
				SELECT id, wa_message_id, contact_id, session_id, direction, kind,
					content, status, timestamp, created_at, ai_processed, ai_response
				FROM messages
				WHERE session_id = ?
				ORDER BY created_at DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT id, wa_message_id, contact_id, session_id, direction, kind,
				content, status, timestamp, created_at, ai_processed, ai_response
			FROM messages
			WHERE session_id = ?
			ORDER BY created_at ASC
		`
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var timestampStr, createdAtStr string
		var aiResponse sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.WaMessageID,
			&msg.ContactID,
			&msg.SessionID,
			&msg.Direction,
			&msg.Kind,
			&msg.Content,
			&msg.Status,
			&timestampStr,
			&createdAtStr,
			&msg.AIProcessed,
			&aiResponse,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if aiResponse.Valid {
			msg.AIResponse = aiResponse.String
		}

		msg.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message timestamp: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
