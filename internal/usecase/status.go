package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"sms-inbox/internal/domain"
	"sms-inbox/internal/repository"
)

type StatusCallback struct {
	ExternalID string
	Status     string
}

type StatusResult struct {
	Updated bool
	Message domain.Message
}

// ReconcileStatus applies a provider delivery callback. Unknown messages,
// unknown statuses and transitions the state machine forbids are no-ops.
func (s *Service) ReconcileStatus(ctx context.Context, in StatusCallback) (StatusResult, error) {
	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		return StatusResult{}, newError(ErrorValidation, "missing_message_sid", nil)
	}
	next := domain.MessageStatus(strings.ToLower(strings.TrimSpace(in.Status)))

	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	msg, err := s.store.FindMessageByExternalID(sctx, externalID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Debug("status for unknown message ignored", zap.String("external_id", externalID))
		return StatusResult{}, nil
	}
	if err != nil {
		return StatusResult{}, storeError("status_lookup_error", err)
	}
	if !msg.Status.CanTransitionTo(next) {
		s.logger.Debug("status transition ignored",
			zap.String("external_id", externalID),
			zap.String("from", string(msg.Status)),
			zap.String("to", string(next)),
		)
		return StatusResult{Message: msg}, nil
	}

	at := s.now()
	updated, err := s.store.UpdateMessageStatus(sctx, msg, msg.Status, next, at)
	if err != nil {
		return StatusResult{}, storeError("status_write_error", err)
	}
	if !updated {
		return StatusResult{Message: msg}, nil
	}
	msg.Status = next
	msg.StatusUpdatedAt = &at

	s.publish(ctx, domain.StatusUpdateEvent(msg, next, at))
	return StatusResult{Updated: true, Message: msg}, nil
}
