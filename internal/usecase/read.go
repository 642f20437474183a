package usecase

import (
	"context"
	"strings"

	"sms-inbox/internal/domain"
)

// MarkMessageRead marks one inbound message read by userID. It reports
// whether anything changed; repeats are silent.
func (s *Service) MarkMessageRead(ctx context.Context, conversationID, messageID, userID string) (bool, error) {
	if strings.TrimSpace(conversationID) == "" || strings.TrimSpace(messageID) == "" {
		return false, newError(ErrorValidation, "missing_message_ref", nil)
	}
	if strings.TrimSpace(userID) == "" {
		return false, newError(ErrorValidation, "missing_user", nil)
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	at := s.now()
	changed, err := s.store.MarkMessageRead(sctx, conversationID, messageID, userID, at)
	if err != nil {
		return false, storeError("mark_read_error", err)
	}
	if changed {
		s.publish(ctx, domain.MessageReadEvent(conversationID, []string{messageID}, userID, at))
	}
	return changed, nil
}

// MarkConversationRead marks every unread inbound message of a conversation
// read and returns their ids.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, newError(ErrorValidation, "missing_conversation_id", nil)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, newError(ErrorValidation, "missing_user", nil)
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	at := s.now()
	ids, err := s.store.MarkConversationRead(sctx, conversationID, userID, at)
	if err != nil {
		return nil, storeError("mark_conversation_read_error", err)
	}
	if len(ids) > 0 {
		s.publish(ctx, domain.MessageReadEvent(conversationID, ids, userID, at))
	}
	return ids, nil
}
