package session

import (
	"errors"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
)

// Identity is the current user as seen by the sync engine. The engine only
// reads it; login and token refresh happen elsewhere.
type Identity struct {
	UserID      string
	Username    string
	DisplayName string
}

// FromConfig builds the identity configured for the client.
func FromConfig(cfg *config.Config) (Identity, error) {
	id := Identity{
		UserID:      cfg.Client.UserID,
		Username:    cfg.Client.Username,
		DisplayName: cfg.Client.DisplayName,
	}
	if id.UserID == "" {
		return Identity{}, errors.New("client.user_id is not configured")
	}
	if chat.IsTempID(id.UserID) {
		return Identity{}, errors.New("client.user_id must not use the temporary id prefix")
	}
	return id, nil
}

// Member returns the membership record of the identity in conversationID.
func (i Identity) Member(conversationID string) chat.Member {
	return chat.Member{
		ConversationID: conversationID,
		UserID:         i.UserID,
		Username:       i.Username,
		DisplayName:    i.DisplayName,
	}
}
