// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversation aggregates commit in one transaction guarded by a version column

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

	// One connection: writes are serialized by SQLite anyway, and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			organization_id   TEXT NOT NULL,
			location_id       TEXT,
			channel           TEXT NOT NULL,
			external_id       TEXT,
			state             TEXT NOT NULL,
			locked_by         TEXT,
			locked_at         TEXT,
			assigned_to       TEXT,
			intent            TEXT,
			sentiment         TEXT,
			tags_json         TEXT,
			unread_count      INTEGER NOT NULL DEFAULT 0,
			last_seq          INTEGER NOT NULL DEFAULT 0,
			last_customer_seq INTEGER NOT NULL DEFAULT 0,
			resolved_at       TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			version           INTEGER NOT NULL DEFAULT 0,

			CHECK (channel IN ('website', 'whatsapp', 'instagram')),
			CHECK (state IN ('new', 'ai_handling', 'awaiting_user', 'human_handoff', 'resolved', 'archived'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_external
			ON conversations(organization_id, channel, external_id)
			WHERE external_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_conversations_org_state
			ON conversations(organization_id, state);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			seq              INTEGER NOT NULL,
			sender           TEXT NOT NULL,
			author_id        TEXT,
			content          TEXT NOT NULL,
			external_id      TEXT,
			confidence_score REAL,
			intent           TEXT,
			ai_metadata_json TEXT,
			is_read          INTEGER NOT NULL DEFAULT 0,
			read_at          TEXT,
			created_at       TEXT NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			UNIQUE (conversation_id, seq),
			CHECK (sender IN ('customer', 'ai', 'human', 'system'))
		);

		CREATE TABLE IF NOT EXISTS handoff_alerts (
			id                 TEXT PRIMARY KEY,
			conversation_id    TEXT NOT NULL,
			organization_id    TEXT NOT NULL,
			type               TEXT NOT NULL,
			priority           TEXT NOT NULL,
			status             TEXT NOT NULL,
			trigger_message_id TEXT,
			reason             TEXT,
			acknowledged_by    TEXT,
			acknowledged_at    TEXT,
			resolved_by        TEXT,
			resolved_at        TEXT,
			resolution_notes   TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			version            INTEGER NOT NULL DEFAULT 0,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (type IN ('low_confidence', 'explicit_request', 'complex_query', 'negative_sentiment', 'vip_customer')),
			CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
			CHECK (status IN ('pending', 'acknowledged', 'resolved'))
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_conversation ON handoff_alerts(conversation_id, status);
		CREATE INDEX IF NOT EXISTS idx_alerts_org_status ON handoff_alerts(organization_id, status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY constraint violation
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// timeLayout is fixed-width so stored timestamps compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicate if (organization, channel, external_id) is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tags, err := encodeJSON(conv.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	query := `
		INSERT INTO conversations (
			id, organization_id, location_id, channel, external_id, state,
			locked_by, locked_at, assigned_to, intent, sentiment, tags_json,
			unread_count, last_seq, last_customer_seq, resolved_at,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.OrganizationID,
		nullString(conv.LocationID),
		string(conv.Channel),
		nullString(conv.ExternalID),
		string(conv.State),
		nullString(conv.LockedBy),
		nullTime(conv.LockedAt),
		nullString(conv.AssignedTo),
		nullString(conv.Intent),
		nullString(conv.Sentiment),
		tags,
		conv.UnreadCount,
		conv.LastSeq,
		conv.LastCustomerSeq,
		nullTime(conv.ResolvedAt),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
		conv.Version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "channel", conv.Channel)
	return nil
}

const conversationColumns = `
	id, organization_id, location_id, channel, external_id, state,
	locked_by, locked_at, assigned_to, intent, sentiment, tags_json,
	unread_count, last_seq, last_customer_seq, resolved_at,
	created_at, updated_at, version
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var locationID, externalID, lockedBy, lockedAt, assignedTo, intent, sentiment, tags, resolvedAt sql.NullString
	var channel, state, createdAt, updatedAt string

	err := row.Scan(
		&conv.ID, &conv.OrganizationID, &locationID, &channel, &externalID, &state,
		&lockedBy, &lockedAt, &assignedTo, &intent, &sentiment, &tags,
		&conv.UnreadCount, &conv.LastSeq, &conv.LastCustomerSeq, &resolvedAt,
		&createdAt, &updatedAt, &conv.Version,
	)
	if err != nil {
		return nil, err
	}

	conv.LocationID = locationID.String
	conv.Channel = Channel(channel)
	conv.ExternalID = externalID.String
	conv.State = ConversationState(state)
	conv.LockedBy = lockedBy.String
	conv.AssignedTo = assignedTo.String
	conv.Intent = intent.String
	conv.Sentiment = sentiment.String

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &conv.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	if conv.LockedAt, err = parseNullTime(lockedAt); err != nil {
		return nil, fmt.Errorf("parsing locked_at: %w", err)
	}
	if conv.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetConversationByExternalID retrieves a conversation by its channel-side identity.
// Returns ErrNotFound if no conversation matches.
func (s *SQLiteStore) GetConversationByExternalID(ctx context.Context, organizationID string, channel Channel, externalID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE organization_id = ? AND channel = ? AND external_id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, organizationID, string(channel), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by external id: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations matching filter, most recently updated first.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.ResolvedBefore != nil {
		where = append(where, "resolved_at IS NOT NULL AND resolved_at < ?")
		args = append(args, formatTime(*filter.ResolvedBefore))
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// CommitConversation saves the conversation fields and appends msgs atomically.
func (s *SQLiteStore) CommitConversation(ctx context.Context, conv *Conversation, msgs ...*Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateConversationTx(ctx, tx, conv); err != nil {
		return err
	}

	for _, msg := range msgs {
		if err := insertMessageTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	conv.Version++
	s.logger.Debug("committed conversation",
		"id", conv.ID,
		"state", conv.State,
		"version", conv.Version,
		"appended", len(msgs))
	return nil
}

func updateConversationTx(ctx context.Context, tx *sql.Tx, conv *Conversation) error {
	tags, err := encodeJSON(conv.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	query := `
		UPDATE conversations SET
			location_id = ?, state = ?, locked_by = ?, locked_at = ?, assigned_to = ?,
			intent = ?, sentiment = ?, tags_json = ?, unread_count = ?,
			last_seq = ?, last_customer_seq = ?, resolved_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := tx.ExecContext(ctx, query,
		nullString(conv.LocationID),
		string(conv.State),
		nullString(conv.LockedBy),
		nullTime(conv.LockedAt),
		nullString(conv.AssignedTo),
		nullString(conv.Intent),
		nullString(conv.Sentiment),
		tags,
		conv.UnreadCount,
		conv.LastSeq,
		conv.LastCustomerSeq,
		nullTime(conv.ResolvedAt),
		formatTime(conv.UpdatedAt),
		conv.ID,
		conv.Version,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conv.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation existence: %w", err)
	}
	return ErrVersionConflict
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, msg *Message) error {
	meta, err := encodeJSON(msg.AIMetadata)
	if err != nil {
		return fmt.Errorf("encoding ai metadata: %w", err)
	}

	var confidence any
	if msg.ConfidenceScore != nil {
		confidence = *msg.ConfidenceScore
	}

	isRead := 0
	if msg.IsRead {
		isRead = 1
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, seq, sender, author_id, content, external_id,
			confidence_score, intent, ai_metadata_json, is_read, read_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		string(msg.Sender),
		nullString(msg.AuthorID),
		msg.Content,
		nullString(msg.ExternalID),
		confidence,
		nullString(msg.Intent),
		meta,
		isRead,
		nullTime(msg.ReadAt),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("appending message seq %d: %w", msg.Seq, ErrVersionConflict)
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

const messageColumns = `
	id, conversation_id, seq, sender, author_id, content, external_id,
	confidence_score, intent, ai_metadata_json, is_read, read_at, created_at
`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var sender, createdAt string
	var authorID, externalID, intent, meta, readAt sql.NullString
	var confidence sql.NullFloat64
	var isRead int

	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.Seq, &sender, &authorID, &msg.Content, &externalID,
		&confidence, &intent, &meta, &isRead, &readAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Sender = Sender(sender)
	msg.AuthorID = authorID.String
	msg.ExternalID = externalID.String
	msg.Intent = intent.String
	msg.IsRead = isRead != 0
	if confidence.Valid {
		score := confidence.Float64
		msg.ConfidenceScore = &score
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &msg.AIMetadata); err != nil {
			return nil, fmt.Errorf("decoding ai metadata: %w", err)
		}
	}
	if msg.ReadAt, err = parseNullTime(readAt); err != nil {
		return nil, fmt.Errorf("parsing read_at: %w", err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &msg, nil
}

// GetMessages retrieves messages for a conversation.
// Messages are returned in sequence order (oldest first).
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Newest N, returned oldest first
		query = `
			SELECT ` + messageColumns + `
			FROM (
				SELECT ` + messageColumns + `
				FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkConversationRead sets the read receipt on unread customer messages and
// clears the unread counter, with the same version check as CommitConversation.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conv *Conversation, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET is_read = 1, read_at = ?
		WHERE conversation_id = ? AND sender = 'customer' AND is_read = 0
	`, formatTime(at), conv.ID)
	if err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}

	conv.UnreadCount = 0
	conv.UpdatedAt = at
	if err := updateConversationTx(ctx, tx, conv); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing read receipt: %w", err)
	}
	conv.Version++
	return nil
}

// CreateAlert inserts a new handoff alert.
func (s *SQLiteStore) CreateAlert(ctx context.Context, alert *HandoffAlert) error {
	query := `
		INSERT INTO handoff_alerts (
			id, conversation_id, organization_id, type, priority, status,
			trigger_message_id, reason, acknowledged_by, acknowledged_at,
			resolved_by, resolved_at, resolution_notes, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		alert.ID,
		alert.ConversationID,
		alert.OrganizationID,
		string(alert.Type),
		string(alert.Priority),
		string(alert.Status),
		nullString(alert.TriggerMessageID),
		nullString(alert.Reason),
		nullString(alert.AcknowledgedBy),
		nullTime(alert.AcknowledgedAt),
		nullString(alert.ResolvedBy),
		nullTime(alert.ResolvedAt),
		nullString(alert.ResolutionNotes),
		formatTime(alert.CreatedAt),
		formatTime(alert.UpdatedAt),
		alert.Version,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting alert: %w", err)
	}

	s.logger.Debug("created alert", "id", alert.ID, "conversation_id", alert.ConversationID, "type", alert.Type)
	return nil
}

const alertColumns = `
	id, conversation_id, organization_id, type, priority, status,
	trigger_message_id, reason, acknowledged_by, acknowledged_at,
	resolved_by, resolved_at, resolution_notes, created_at, updated_at, version
`

func scanAlert(row rowScanner) (*HandoffAlert, error) {
	var alert HandoffAlert
	var alertType, priority, status, createdAt, updatedAt string
	var trigger, reason, ackBy, ackAt, resBy, resAt, notes sql.NullString

	err := row.Scan(
		&alert.ID, &alert.ConversationID, &alert.OrganizationID, &alertType, &priority, &status,
		&trigger, &reason, &ackBy, &ackAt,
		&resBy, &resAt, &notes, &createdAt, &updatedAt, &alert.Version,
	)
	if err != nil {
		return nil, err
	}

	alert.Type = AlertType(alertType)
	alert.Priority = AlertPriority(priority)
	alert.Status = AlertStatus(status)
	alert.TriggerMessageID = trigger.String
	alert.Reason = reason.String
	alert.AcknowledgedBy = ackBy.String
	alert.ResolvedBy = resBy.String
	alert.ResolutionNotes = notes.String

	if alert.AcknowledgedAt, err = parseNullTime(ackAt); err != nil {
		return nil, fmt.Errorf("parsing acknowledged_at: %w", err)
	}
	if alert.ResolvedAt, err = parseNullTime(resAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	if alert.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing alert created_at: %w", err)
	}
	if alert.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing alert updated_at: %w", err)
	}
	return &alert, nil
}

// GetAlert retrieves an alert by ID.
// Returns ErrNotFound if the alert doesn't exist.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*HandoffAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM handoff_alerts WHERE id = ?`

	alert, err := scanAlert(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying alert: %w", err)
	}
	return alert, nil
}

// UpdateAlert saves lifecycle fields with a version check.
// Type, priority and trigger are immutable and never written here.
func (s *SQLiteStore) UpdateAlert(ctx context.Context, alert *HandoffAlert) error {
	query := `
		UPDATE handoff_alerts SET
			status = ?, acknowledged_by = ?, acknowledged_at = ?,
			resolved_by = ?, resolved_at = ?, resolution_notes = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(alert.Status),
		nullString(alert.AcknowledgedBy),
		nullTime(alert.AcknowledgedAt),
		nullString(alert.ResolvedBy),
		nullTime(alert.ResolvedAt),
		nullString(alert.ResolutionNotes),
		formatTime(alert.UpdatedAt),
		alert.ID,
		alert.Version,
	)
	if err != nil {
		return fmt.Errorf("updating alert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetAlert(ctx, alert.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	alert.Version++
	return nil
}

// ListAlerts returns alerts matching filter, newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*HandoffAlert, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + alertColumns + ` FROM handoff_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*HandoffAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alert rows: %w", err)
	}
	return alerts, nil
}
