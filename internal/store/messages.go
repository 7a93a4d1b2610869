package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

const messageColumns = `SELECT id, conversation_id, sender_id, content, attachments, created_at, edited_at, deleted_at FROM messages`

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m               chat.Message
		attachments     string
		created         int64
		edited, deleted sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &attachments, &created, &edited, &deleted); err != nil {
		return chat.Message{}, err
	}
	if attachments != "" && attachments != "[]" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return chat.Message{}, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = fromMillis(created)
	m.EditedAt = fromNullMillis(edited)
	m.DeletedAt = fromNullMillis(deleted)
	m.Status = chat.Sent
	return m, nil
}

// InsertMessage stores a new message with its mentions.
func (db *DB) InsertMessage(m chat.Message) error {
	attachments := []byte("[]")
	if len(m.Attachments) > 0 {
		var err error
		if attachments, err = json.Marshal(m.Attachments); err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, attachments, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(attachments), toMillis(m.CreatedAt)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, uid := range m.MentionedUserIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO message_mentions (message_id, user_id, position) VALUES (?, ?, ?)`,
			m.ID, uid, i); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return tx.Commit()
}

// GetMessage returns one message with its mentions.
func (db *DB) GetMessage(id string) (chat.Message, error) {
	m, err := scanMessage(db.QueryRow(messageColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, &chat.UnknownReferenceError{MessageID: id}
	}
	if err != nil {
		return chat.Message{}, err
	}
	msgs := []chat.Message{m}
	if err := db.attachMentions(msgs); err != nil {
		return chat.Message{}, err
	}
	return msgs[0], nil
}

// GetMessages returns the page of up to limit messages strictly before
// cursor, or the most recent page when cursor is nil. Pages are ascending;
// deleted messages are included as tombstones.
func (db *DB) GetMessages(conversationID string, cursor *chat.Cursor, limit int) (chat.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	query := messageColumns + ` WHERE conversation_id = ?`
	args := []any{conversationID}
	if cursor != nil && !cursor.IsZero() {
		ms := toMillis(cursor.CreatedAt)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, ms, ms, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.Query(query, args...)
	if err != nil {
		return chat.Page{}, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return chat.Page{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Page{}, err
	}

	page := chat.Page{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)
	if err := db.attachMentions(msgs); err != nil {
		return chat.Page{}, err
	}
	page.Messages = msgs
	if len(msgs) > 0 {
		next := chat.CursorOf(msgs[0])
		page.NextCursor = &next
	}
	return page, nil
}

// LastMessage returns the latest non-deleted message, or nil.
func (db *DB) LastMessage(conversationID string) (*chat.Message, error) {
	m, err := scanMessage(db.QueryRow(messageColumns+`
		WHERE conversation_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs := []chat.Message{m}
	if err := db.attachMentions(msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func (db *DB) attachMentions(msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args[i] = m.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")
	rows, err := db.Query(`SELECT message_id, user_id FROM message_mentions WHERE message_id IN (`+placeholders+`) ORDER BY message_id, position`, args...)
	if err != nil {
		return fmt.Errorf("load mentions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var msgID, userID string
		if err := rows.Scan(&msgID, &userID); err != nil {
			return err
		}
		i := index[msgID]
		msgs[i].MentionedUserIDs = append(msgs[i].MentionedUserIDs, userID)
	}
	return rows.Err()
}

// mutable loads a message that editor may still change.
func (db *DB) mutable(id, editor string) (chat.Message, error) {
	m, err := db.GetMessage(id)
	if err != nil {
		return chat.Message{}, err
	}
	if m.DeletedAt != nil {
		return chat.Message{}, &chat.ConflictError{MessageID: id}
	}
	if m.SenderID != editor {
		return chat.Message{}, &chat.ValidationError{Field: "message", Reason: "only the sender may change a message"}
	}
	return m, nil
}

// EditMessage replaces the content of a message sent by editor.
func (db *DB) EditMessage(id, editor, content string, at time.Time) (chat.Message, error) {
	if _, err := db.mutable(id, editor); err != nil {
		return chat.Message{}, err
	}
	res, err := db.Exec(`UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL`,
		content, toMillis(at), id)
	if err != nil {
		return chat.Message{}, fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Message{}, &chat.ConflictError{MessageID: id}
	}
	return db.GetMessage(id)
}

// DeleteMessage tombstones a message sent by editor. Content, attachments
// and mentions are dropped; the row stays so pagination keeps its position.
func (db *DB) DeleteMessage(id, editor string, at time.Time) (chat.Message, error) {
	if _, err := db.mutable(id, editor); err != nil {
		return chat.Message{}, err
	}

	tx, err := db.Begin()
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`UPDATE messages SET content = '', attachments = '[]', deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		toMillis(at), id)
	if err != nil {
		return chat.Message{}, fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Message{}, &chat.ConflictError{MessageID: id}
	}
	if _, err := tx.Exec(`DELETE FROM message_mentions WHERE message_id = ?`, id); err != nil {
		return chat.Message{}, fmt.Errorf("delete mentions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit delete: %w", err)
	}
	return db.GetMessage(id)
}
