package domain

import "time"

// EventType names a real-time event pushed to connected clients.
type EventType string

const (
	EventNewMessage          EventType = "newMessage"
	EventMessageRead         EventType = "messageRead"
	EventMessageStatusUpdate EventType = "messageStatusUpdate"
)

// Event is a state change fanned out to every connected client.
type Event struct {
	Type           EventType     `json:"type"`
	ConversationID string        `json:"conversationId"`
	MessageID      string        `json:"messageId,omitempty"`
	MessageIDs     []string      `json:"messageIds,omitempty"`
	Message        *Message      `json:"message,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
	ReadBy         string        `json:"readBy,omitempty"`
	At             time.Time     `json:"at"`
}

// NewMessageEvent announces a message appended to a conversation.
func NewMessageEvent(m Message) Event {
	return Event{
		Type:           EventNewMessage,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Message:        &m,
		At:             m.Timestamp,
	}
}

// MessageReadEvent announces messages marked read by userID.
func MessageReadEvent(conversationID string, messageIDs []string, userID string, at time.Time) Event {
	e := Event{
		Type:           EventMessageRead,
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		ReadBy:         userID,
		At:             at,
	}
	if len(messageIDs) == 1 {
		e.MessageID = messageIDs[0]
	}
	return e
}

// StatusUpdateEvent announces a delivery status change.
func StatusUpdateEvent(m Message, status MessageStatus, at time.Time) Event {
	return Event{
		Type:           EventMessageStatusUpdate,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Status:         status,
		At:             at,
	}
}
