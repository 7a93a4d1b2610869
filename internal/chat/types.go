package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes direct messages from group conversations.
type Kind string

const (
	DM    Kind = "DM"
	Group Kind = "GROUP"
)

// Status is the delivery state of a message.
type Status string

const (
	Pending Status = "pending"
	Sent    Status = "sent"
	Failed  Status = "failed"
)

// TempIDPrefix marks client-generated ids. Server ids never start with it.
const TempIDPrefix = "tmp:"

// NewTempID returns a fresh temporary message id.
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id was generated locally and is not yet confirmed.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Member is a conversation member with denormalized user display fields.
type Member struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	LastViewedAt   time.Time `json:"lastViewedAt,omitzero"`
}

// MemberKey identifies a membership record.
type MemberKey struct {
	ConversationID string
	UserID         string
}

// Key returns the membership key of m.
func (m Member) Key() MemberKey {
	return MemberKey{ConversationID: m.ConversationID, UserID: m.UserID}
}

// Name returns the best display name for the member.
func (m Member) Name() string {
	switch {
	case m.DisplayName != "":
		return m.DisplayName
	case m.Username != "":
		return m.Username
	default:
		return m.UserID
	}
}

// Conversation is a DM or GROUP thread.
type Conversation struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	Name             string    `json:"name,omitempty"`
	Members          []Member  `json:"members"`
	LastMessage      *Message  `json:"lastMessage,omitempty"`
	UnreadCount      int       `json:"unreadCount"`
	HasUnreadMention bool      `json:"hasUnreadMention"`
	LastViewedAt     time.Time `json:"lastViewedAt,omitzero"`
	MentionsViewedAt time.Time `json:"mentionsViewedAt,omitzero"`
}

// Validate checks the structural rules of a conversation.
func (c Conversation) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Reason: "empty"}
	}
	switch c.Kind {
	case DM:
		if c.Name != "" {
			return &ValidationError{Field: "name", Reason: "only group conversations carry a name"}
		}
	case Group:
	default:
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(c.Kind)}
	}
	if len(c.Members) == 0 {
		return &ValidationError{Field: "members", Reason: "empty"}
	}
	return nil
}

// Title returns the name shown for the conversation from the point of view of selfID.
func (c Conversation) Title(selfID string) string {
	if c.Name != "" {
		return c.Name
	}
	var names []string
	for _, m := range c.Members {
		if m.UserID == selfID && len(c.Members) > 1 {
			continue
		}
		names = append(names, m.Name())
	}
	if len(names) == 0 {
		return c.ID
	}
	return strings.Join(names, ", ")
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Members = slices.Clone(c.Members)
	if c.LastMessage != nil {
		lm := c.LastMessage.Clone()
		out.LastMessage = &lm
	}
	return out
}

// Attachment is attachment metadata. The bytes live in external storage.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single entry of a conversation log.
type Message struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversationId"`
	SenderID         string       `json:"senderId"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	MentionedUserIDs []string     `json:"mentionedUserIds,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	EditedAt         *time.Time   `json:"editedAt,omitempty"`
	DeletedAt        *time.Time   `json:"deletedAt,omitempty"`
	Status           Status       `json:"status,omitempty"`
}

// IsTemp reports whether the message still carries a temporary id.
func (m Message) IsTemp() bool {
	return IsTempID(m.ID)
}

// IsTombstoned reports whether the message was deleted.
func (m Message) IsTombstoned() bool {
	return m.DeletedAt != nil
}

// Mentions reports whether userID is in the mention set.
func (m Message) Mentions(userID string) bool {
	return userID != "" && slices.Contains(m.MentionedUserIDs, userID)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	out.Attachments = slices.Clone(m.Attachments)
	out.MentionedUserIDs = slices.Clone(m.MentionedUserIDs)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// Equal reports whether a and b carry the same observable state.
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.ConversationID == o.ConversationID &&
		m.SenderID == o.SenderID &&
		m.Content == o.Content &&
		m.CreatedAt.Equal(o.CreatedAt) &&
		m.Status == o.Status &&
		timePtrEqual(m.EditedAt, o.EditedAt) &&
		timePtrEqual(m.DeletedAt, o.DeletedAt) &&
		slices.Equal(m.Attachments, o.Attachments) &&
		slices.Equal(m.MentionedUserIDs, o.MentionedUserIDs)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Lifecycle is the user-facing state of a message.
type Lifecycle string

const (
	NotSent Lifecycle = "NOT_SENT"
	SentOK  Lifecycle = "SENT"
	Edited  Lifecycle = "EDITED"
	Deleted Lifecycle = "DELETED"
	FailedL Lifecycle = "FAILED"
)

// Lifecycle derives the message state: NOT_SENT -> SENT -> {EDITED, DELETED},
// NOT_SENT -> FAILED. DELETED and FAILED are terminal.
func (m Message) Lifecycle() Lifecycle {
	switch {
	case m.DeletedAt != nil:
		return Deleted
	case m.Status == Failed:
		return FailedL
	case m.Status == Pending:
		return NotSent
	case m.EditedAt != nil:
		return Edited
	default:
		return SentOK
	}
}

// Cursor is the (createdAt, id) position of the oldest loaded message.
type Cursor struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// CursorOf returns the position of m.
func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// OlderThan reports whether m sorts strictly before the cursor position.
func (m Message) OlderThan(c Cursor) bool {
	return compareKey(m.CreatedAt, m.ID, c.CreatedAt, c.ID) < 0
}

// Page is one backward page of history, ascending by (createdAt, id).
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor *Cursor   `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}
