package domain

import "time"

// SystemOwner owns conversations opened by an inbound message before any
// operator has replied.
const SystemOwner = "system"

// Conversation is the thread of messages exchanged with one phone number.
type Conversation struct {
	ID            string    `json:"id"`
	PhoneNumber   string    `json:"phoneNumber"`
	OwnerUserID   string    `json:"ownerUserId"`
	MessageIDs    []string  `json:"messageIds"`
	UnreadCount   int       `json:"unreadCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	Archived      bool      `json:"archived"`
	Deleted       bool      `json:"deleted"`
	CustomerName  string    `json:"customerName,omitempty"`
}

// ConversationView is a conversation with its messages resolved in
// timestamp order.
type ConversationView struct {
	Conversation
	Messages []Message `json:"messages"`
}

// NewConversation returns an empty conversation for phone owned by owner.
func NewConversation(id, phone, owner string, now time.Time) Conversation {
	return Conversation{
		ID:            id,
		PhoneNumber:   phone,
		OwnerUserID:   owner,
		MessageIDs:    []string{},
		LastMessageAt: now,
		CreatedAt:     now,
	}
}
