package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
)

// CreateConversation stores a conversation and its members in the given
// order, creating unknown users on the way. A DM between two users who
// already share one returns the existing id with created false.
func (db *DB) CreateConversation(id string, kind chat.Kind, name string, memberIDs []string, at time.Time) (string, bool, error) {
	if kind == chat.DM && len(memberIDs) == 2 {
		existing, err := db.findDM(memberIDs[0], memberIDs[1])
		if err != nil {
			return "", false, err
		}
		if existing != "" {
			return existing, false, nil
		}
	}

	tx, err := db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := toMillis(at)
	if _, err := tx.Exec(`INSERT INTO conversations (id, kind, name, created_at) VALUES (?, ?, ?, ?)`,
		id, string(kind), name, ms); err != nil {
		return "", false, fmt.Errorf("insert conversation: %w", err)
	}
	for i, uid := range memberIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO users (id, username, created_at) VALUES (?, ?, ?)`, uid, uid, ms); err != nil {
			return "", false, fmt.Errorf("ensure user %s: %w", uid, err)
		}
		if _, err := tx.Exec(`INSERT INTO members (conversation_id, user_id, position, joined_at) VALUES (?, ?, ?, ?)`,
			id, uid, i, ms); err != nil {
			return "", false, fmt.Errorf("insert member %s: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit conversation: %w", err)
	}
	return id, true, nil
}

func (db *DB) findDM(a, b string) (string, error) {
	var id string
	err := db.QueryRow(`
		SELECT c.id FROM conversations c
		JOIN members x ON x.conversation_id = c.id AND x.user_id = ?
		JOIN members y ON y.conversation_id = c.id AND y.user_id = ?
		WHERE c.kind = 'DM'
		LIMIT 1`, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// IsMember reports whether userID belongs to the conversation.
func (db *DB) IsMember(conversationID, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&n)
	return n > 0, err
}

// conversationColumns computes per-viewer counters: unread messages from
// others after last_viewed_at and open mentions after mentions_viewed_at.
const conversationColumns = `
	SELECT c.id, c.kind, c.name, m.last_viewed_at, m.mentions_viewed_at,
		(SELECT COUNT(*) FROM messages x
			WHERE x.conversation_id = c.id AND x.deleted_at IS NULL
			AND x.sender_id != m.user_id AND x.created_at > m.last_viewed_at),
		EXISTS (SELECT 1 FROM messages x JOIN message_mentions mm ON mm.message_id = x.id
			WHERE x.conversation_id = c.id AND mm.user_id = m.user_id AND x.deleted_at IS NULL
			AND x.sender_id != m.user_id AND x.created_at > m.mentions_viewed_at)
	FROM conversations c
	JOIN members m ON m.conversation_id = c.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (chat.Conversation, error) {
	var (
		c                        chat.Conversation
		kind                     string
		viewedAt, mentionsViewed int64
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &viewedAt, &mentionsViewed, &c.UnreadCount, &c.HasUnreadMention); err != nil {
		return chat.Conversation{}, err
	}
	c.Kind = chat.Kind(kind)
	c.LastViewedAt = fromMillis(viewedAt)
	c.MentionsViewedAt = fromMillis(mentionsViewed)
	return c, nil
}

// complete loads the members and the latest non-deleted message.
func (db *DB) complete(c *chat.Conversation) error {
	members, err := db.Members(c.ID)
	if err != nil {
		return err
	}
	c.Members = members
	c.LastMessage, err = db.LastMessage(c.ID)
	return err
}

// GetConversation returns a conversation as seen by viewer. Conversations
// the viewer does not belong to are reported as unknown.
func (db *DB) GetConversation(id, viewer string) (chat.Conversation, error) {
	c, err := scanConversation(db.QueryRow(conversationColumns+` WHERE c.id = ? AND m.user_id = ?`, id, viewer))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, &chat.UnknownReferenceError{ConversationID: id}
	}
	if err != nil {
		return chat.Conversation{}, err
	}
	if err := db.complete(&c); err != nil {
		return chat.Conversation{}, err
	}
	return c, nil
}

// ListConversations returns every conversation of viewer.
func (db *DB) ListConversations(viewer string) ([]chat.Conversation, error) {
	rows, err := db.Query(conversationColumns+` WHERE m.user_id = ? ORDER BY c.created_at DESC, c.id`, viewer)
	if err != nil {
		return nil, err
	}
	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range convs {
		if err := db.complete(&convs[i]); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// Members returns the members of a conversation in creation order.
func (db *DB) Members(conversationID string) ([]chat.Member, error) {
	rows, err := db.Query(`
		SELECT m.user_id, u.username, u.display_name, u.avatar_url, m.last_viewed_at
		FROM members m
		JOIN users u ON u.id = m.user_id
		WHERE m.conversation_id = ?
		ORDER BY m.position, m.user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Member
	for rows.Next() {
		m := chat.Member{ConversationID: conversationID}
		var viewed int64
		if err := rows.Scan(&m.UserID, &m.Username, &m.DisplayName, &m.AvatarURL, &viewed); err != nil {
			return nil, err
		}
		m.LastViewedAt = fromMillis(viewed)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkViewed moves the member's last-viewed marker forward to at.
func (db *DB) MarkViewed(conversationID, userID string, at time.Time) (time.Time, error) {
	return db.advanceMarker("last_viewed_at", conversationID, userID, at)
}

// MarkMentionsViewed moves the member's mentions-viewed marker forward to at.
func (db *DB) MarkMentionsViewed(conversationID, userID string, at time.Time) (time.Time, error) {
	return db.advanceMarker("mentions_viewed_at", conversationID, userID, at)
}

// advanceMarker never moves a marker backwards and returns the stored value.
func (db *DB) advanceMarker(column, conversationID, userID string, at time.Time) (time.Time, error) {
	res, err := db.Exec(`UPDATE members SET `+column+` = MAX(`+column+`, ?) WHERE conversation_id = ? AND user_id = ?`,
		toMillis(at), conversationID, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return time.Time{}, &chat.UnknownReferenceError{ConversationID: conversationID}
	}
	var stored int64
	if err := db.QueryRow(`SELECT `+column+` FROM members WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&stored); err != nil {
		return time.Time{}, err
	}
	return fromMillis(stored), nil
}
