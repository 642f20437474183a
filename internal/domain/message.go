package domain

import (
	"sort"
	"time"
)

// Direction is relative to this system.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus is the delivery lifecycle state of a message.
type MessageStatus string

const (
	StatusReceived    MessageStatus = "received"
	StatusSent        MessageStatus = "sent"
	StatusDelivered   MessageStatus = "delivered"
	StatusFailed      MessageStatus = "failed"
	StatusUndelivered MessageStatus = "undelivered"
)

// Terminal reports whether no further transition is possible from s.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusReceived, StatusDelivered, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// CanTransitionTo reports whether a delivery callback may move a message
// from s to next. Only sent messages move, and only to a terminal outcome.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s != StatusSent {
		return false
	}
	switch next {
	case StatusDelivered, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// Message is a single SMS in a conversation.
type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversationId"`
	Content         string        `json:"content"`
	Direction       Direction     `json:"direction"`
	PhoneNumber     string        `json:"phoneNumber"`
	Status          MessageStatus `json:"status"`
	Read            bool          `json:"read"`
	ReadAt          *time.Time    `json:"readAt,omitempty"`
	ReadBy          string        `json:"readBy,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	ExternalID      string        `json:"externalId"`
	StatusUpdatedAt *time.Time    `json:"statusUpdatedAt,omitempty"`
}

// Unread reports whether m counts towards its conversation's unread count.
func (m Message) Unread() bool {
	return m.Direction == DirectionInbound && !m.Read
}

// SortByTimestamp orders msgs oldest first. Messages sharing a timestamp
// keep their relative order.
func SortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// CountUnread returns the number of unread inbound messages in msgs.
func CountUnread(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Unread() {
			n++
		}
	}
	return n
}
