package usecase

import (
	"context"
	"strings"

	"sms-inbox/internal/domain"
)

// ConversationPatch carries the independent admin mutations. Nil fields are
// left alone.
type ConversationPatch struct {
	Archived     *bool
	Deleted      *bool
	CustomerName *string
}

func (p ConversationPatch) empty() bool {
	return p.Archived == nil && p.Deleted == nil && p.CustomerName == nil
}

func (s *Service) ListConversations(ctx context.Context, includeDeleted bool) ([]domain.ConversationView, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	views, err := s.store.ListConversations(sctx, includeDeleted)
	if err != nil {
		return nil, storeError("list_conversations_error", err)
	}
	return views, nil
}

func (s *Service) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, newError(ErrorValidation, "missing_conversation_id", nil)
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	msgs, err := s.store.GetMessagesForConversation(sctx, conversationID)
	if err != nil {
		return nil, storeError("get_messages_error", err)
	}
	return msgs, nil
}

// UpdateConversation applies each set field of patch in turn and returns
// the conversation after the last one. Restoring a conversation whose phone
// number has since gained another active conversation fails with CONFLICT.
func (s *Service) UpdateConversation(ctx context.Context, conversationID string, patch ConversationPatch) (domain.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.Conversation{}, newError(ErrorValidation, "missing_conversation_id", nil)
	}
	if patch.empty() {
		return domain.Conversation{}, newError(ErrorValidation, "empty_patch", nil)
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	var (
		conv domain.Conversation
		err  error
	)
	at := s.now()
	if patch.Archived != nil {
		if conv, err = s.store.SetArchived(sctx, conversationID, *patch.Archived, at); err != nil {
			return domain.Conversation{}, storeError("set_archived_error", err)
		}
	}
	if patch.Deleted != nil {
		if conv, err = s.store.SetDeleted(sctx, conversationID, *patch.Deleted, at); err != nil {
			return domain.Conversation{}, storeError("set_deleted_error", err)
		}
	}
	if patch.CustomerName != nil {
		name := strings.TrimSpace(*patch.CustomerName)
		if conv, err = s.store.SetCustomerName(sctx, conversationID, name, at); err != nil {
			return domain.Conversation{}, storeError("set_customer_name_error", err)
		}
	}
	return conv, nil
}
