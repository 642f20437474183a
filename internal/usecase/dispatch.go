package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"sms-inbox/internal/domain"
	"sms-inbox/internal/repository"
)

type OutboundSMS struct {
	To             string
	Body           string
	ConversationID string
	SenderUserID   string
}

type OutboundResult struct {
	MessageID      string
	ExternalID     string
	ConversationID string
}

// SendOutbound submits an SMS through the provider and records it. Nothing
// is stored when the provider rejects the message.
func (s *Service) SendOutbound(ctx context.Context, in OutboundSMS) (OutboundResult, error) {
	to := strings.TrimSpace(in.To)
	if to == "" {
		return OutboundResult{}, newError(ErrorValidation, "missing_to", nil)
	}
	if strings.TrimSpace(in.Body) == "" {
		return OutboundResult{}, newError(ErrorValidation, "missing_message", nil)
	}
	sender := strings.TrimSpace(in.SenderUserID)
	if sender == "" {
		return OutboundResult{}, newError(ErrorValidation, "missing_sender", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)

	if convID != "" {
		sctx, cancel := s.storeContext(ctx)
		conv, err := s.store.GetConversation(sctx, convID)
		cancel()
		if err != nil {
			return OutboundResult{}, storeError("conversation_lookup_error", err)
		}
		if conv.Deleted {
			return OutboundResult{}, newError(ErrorConflict, "conversation_deleted", nil)
		}
	}

	externalID, err := s.submit(ctx, to, in.Body)
	if err != nil {
		return OutboundResult{}, err
	}

	msg := domain.Message{
		ID:             s.newID(),
		ConversationID: convID,
		Content:        in.Body,
		Direction:      domain.DirectionOutbound,
		PhoneNumber:    to,
		Status:         domain.StatusSent,
		Timestamp:      s.now(),
		ExternalID:     externalID,
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if convID != "" {
		err = s.store.AppendMessage(sctx, msg, sender)
		if errors.Is(err, repository.ErrConflict) {
			// Deleted after the provider accepted the message; file it
			// under the number's active conversation instead.
			s.logger.Warn("conversation deleted during send",
				zap.String("conversation_id", convID),
				zap.String("external_id", externalID),
			)
			msg.ConversationID = ""
			convID, err = s.storeInConversation(sctx, &msg, sender, sender)
		}
	} else {
		convID, err = s.storeInConversation(sctx, &msg, sender, sender)
	}
	if err != nil {
		// The provider accepted the message; log enough to reconcile by hand.
		s.logger.Error("outbound sms sent but not stored",
			zap.String("external_id", externalID),
			zap.String("to", to),
			zap.Error(err),
		)
		return OutboundResult{}, storeError("outbound_write_error", err)
	}
	msg.ConversationID = convID

	s.publish(ctx, domain.NewMessageEvent(msg))
	return OutboundResult{
		MessageID:      msg.ID,
		ExternalID:     externalID,
		ConversationID: convID,
	}, nil
}

func (s *Service) submit(ctx context.Context, to, body string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.channelTimeout)
	defer cancel()

	externalID, err := s.sms.Send(cctx, to, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", newError(ErrorTimeout, "sms_timeout", err)
		}
		return "", newError(ErrorChannel, "sms_rejected", err)
	}
	if externalID == "" {
		return "", newError(ErrorChannel, "sms_missing_id", nil)
	}
	return externalID, nil
}
