package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-inbox/internal/domain"
)

const (
	defaultStoreTimeout   = 5 * time.Second
	defaultChannelTimeout = 10 * time.Second
)

// Store persists conversations and messages. Implementations must make
// every multi-record mutation atomic and enforce one active conversation
// per phone number.
type Store interface {
	FindActiveConversationByPhone(ctx context.Context, phone string) (domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, conv domain.Conversation, first *domain.Message) (domain.Conversation, error)
	AppendMessage(ctx context.Context, msg domain.Message, owner string) error
	MarkMessageRead(ctx context.Context, conversationID, messageID, userID string, at time.Time) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)
	SetArchived(ctx context.Context, conversationID string, archived bool, at time.Time) (domain.Conversation, error)
	SetDeleted(ctx context.Context, conversationID string, deleted bool, at time.Time) (domain.Conversation, error)
	SetCustomerName(ctx context.Context, conversationID, name string, at time.Time) (domain.Conversation, error)
	ListConversations(ctx context.Context, includeDeleted bool) ([]domain.ConversationView, error)
	GetMessagesForConversation(ctx context.Context, conversationID string) ([]domain.Message, error)
	FindMessageByExternalID(ctx context.Context, externalID string) (domain.Message, error)
	UpdateMessageStatus(ctx context.Context, msg domain.Message, from, to domain.MessageStatus, at time.Time) (bool, error)
}

// SMSSender submits an outbound SMS and returns the provider message id.
type SMSSender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Broadcaster fans events out to connected clients.
type Broadcaster interface {
	Publish(ctx context.Context, e domain.Event) error
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func WithChannelTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.channelTimeout = d
		}
	}
}

// Service runs the inbox pipeline: ingestion, dispatch, status
// reconciliation, read tracking and conversation admin.
type Service struct {
	store  Store
	sms    SMSSender
	events Broadcaster
	logger *zap.Logger

	now            func() time.Time
	newID          func() string
	storeTimeout   time.Duration
	channelTimeout time.Duration
}

func NewService(store Store, sms SMSSender, events Broadcaster, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if sms == nil {
		return nil, errors.New("usecase: sms sender must not be nil")
	}
	if events == nil {
		return nil, errors.New("usecase: broadcaster must not be nil")
	}
	s := &Service{
		store:          store,
		sms:            sms,
		events:         events,
		logger:         zap.NewNop(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		storeTimeout:   defaultStoreTimeout,
		channelTimeout: defaultChannelTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "usecase"))
	return s, nil
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// publish is best effort; a broadcast failure never fails the operation.
func (s *Service) publish(ctx context.Context, e domain.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn("broadcast failed",
			zap.String("event", string(e.Type)),
			zap.String("conversation_id", e.ConversationID),
			zap.Error(err),
		)
	}
}
