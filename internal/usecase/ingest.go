package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"sms-inbox/internal/domain"
	"sms-inbox/internal/repository"
)

// maxResolveAttempts bounds how often a request re-resolves the active
// conversation after losing a create race.
const maxResolveAttempts = 3

type InboundSMS struct {
	ExternalID string
	From       string
	To         string
	Body       string
}

type InboundResult struct {
	Message   domain.Message
	Duplicate bool
}

// ReceiveInbound stores an inbound SMS in the active conversation for its
// sender, opening one if none exists. A redelivered provider id returns the
// stored message with Duplicate set and emits nothing.
func (s *Service) ReceiveInbound(ctx context.Context, in InboundSMS) (InboundResult, error) {
	from := strings.TrimSpace(in.From)
	if from == "" {
		return InboundResult{}, newError(ErrorValidation, "missing_from", nil)
	}
	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		return InboundResult{}, newError(ErrorValidation, "missing_message_sid", nil)
	}

	msg := domain.Message{
		ID:          s.newID(),
		Content:     in.Body,
		Direction:   domain.DirectionInbound,
		PhoneNumber: from,
		Status:      domain.StatusReceived,
		Timestamp:   s.now(),
		ExternalID:  externalID,
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	convID, err := s.storeInConversation(sctx, &msg, domain.SystemOwner, "")
	if errors.Is(err, repository.ErrDuplicate) {
		existing, ferr := s.store.FindMessageByExternalID(sctx, externalID)
		if ferr != nil {
			return InboundResult{}, storeError("duplicate_lookup_error", ferr)
		}
		s.logger.Info("duplicate inbound delivery dropped",
			zap.String("external_id", externalID),
			zap.String("conversation_id", existing.ConversationID),
		)
		return InboundResult{Message: existing, Duplicate: true}, nil
	}
	if err != nil {
		return InboundResult{}, storeError("inbound_write_error", err)
	}
	msg.ConversationID = convID

	s.publish(ctx, domain.NewMessageEvent(msg))
	return InboundResult{Message: msg}, nil
}

// storeInConversation appends msg to the active conversation for its phone
// number, or creates that conversation with msg as its first message. The
// new conversation is owned by createOwner; appends pass appendOwner to the
// store. It returns the conversation id.
func (s *Service) storeInConversation(ctx context.Context, msg *domain.Message, createOwner, appendOwner string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		conv, err := s.store.FindActiveConversationByPhone(ctx, msg.PhoneNumber)
		switch {
		case err == nil:
			msg.ConversationID = conv.ID
			err := s.store.AppendMessage(ctx, *msg, appendOwner)
			if errors.Is(err, repository.ErrConflict) {
				// Deleted since the lookup; the next pass opens a fresh one.
				s.logger.Debug("conversation deleted before append",
					zap.String("conversation_id", conv.ID),
					zap.Int("attempt", attempt+1),
				)
				lastErr = err
				continue
			}
			if err != nil {
				return "", err
			}
			return conv.ID, nil
		case errors.Is(err, repository.ErrNotFound):
			conv := domain.NewConversation(s.newID(), msg.PhoneNumber, createOwner, msg.Timestamp)
			msg.ConversationID = conv.ID
			created, err := s.store.CreateConversation(ctx, conv, msg)
			if errors.Is(err, repository.ErrConflict) {
				s.logger.Debug("lost conversation create race",
					zap.String("phone_number", msg.PhoneNumber),
					zap.Int("attempt", attempt+1),
				)
				lastErr = err
				continue
			}
			if err != nil {
				return "", err
			}
			return created.ID, nil
		default:
			return "", err
		}
	}
	return "", lastErr
}
