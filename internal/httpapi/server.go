package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nrednav/cuid2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sms-inbox/internal/auth"
	"sms-inbox/internal/domain"
	"sms-inbox/internal/integrations/twilio"
	"sms-inbox/internal/usecase"
)

// CorrelationHeader carries the request id on every request and response.
const CorrelationHeader = "X-Correlation-Id"

// Inbox is the set of pipeline operations exposed over HTTP.
type Inbox interface {
	ReceiveInbound(ctx context.Context, in usecase.InboundSMS) (usecase.InboundResult, error)
	SendOutbound(ctx context.Context, in usecase.OutboundSMS) (usecase.OutboundResult, error)
	ReconcileStatus(ctx context.Context, in usecase.StatusCallback) (usecase.StatusResult, error)
	MarkMessageRead(ctx context.Context, conversationID, messageID, userID string) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID, userID string) ([]string, error)
	ListConversations(ctx context.Context, includeDeleted bool) ([]domain.ConversationView, error)
	GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	UpdateConversation(ctx context.Context, conversationID string, patch usecase.ConversationPatch) (domain.Conversation, error)
}

// EventSource yields the events pushed to real-time clients.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, string)
}

type Option func(*Server)

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithSignatureValidation rejects webhooks whose X-Twilio-Signature does not
// match. publicURL is the scheme and host the provider posts to.
func WithSignatureValidation(tokens twilio.TokenSource, publicURL string) Option {
	return func(s *Server) {
		s.webhookTokens = tokens
		s.publicURL = strings.TrimRight(publicURL, "/")
	}
}

// WithRegisterer sets where request and pipeline metrics are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) {
		if reg != nil {
			s.registerer = reg
		}
	}
}

type Server struct {
	echo     *echo.Echo
	inbox    Inbox
	events   EventSource
	verifier auth.TokenVerifier
	logger   *zap.Logger
	metrics  *metrics

	allowedOrigins []string
	webhookTokens  twilio.TokenSource
	publicURL      string
	registerer     prometheus.Registerer
}

func NewServer(inbox Inbox, events EventSource, verifier auth.TokenVerifier, logger *zap.Logger, opts ...Option) (*Server, error) {
	if inbox == nil {
		return nil, errors.New("httpapi: inbox is nil")
	}
	if events == nil {
		return nil, errors.New("httpapi: event source is nil")
	}
	if verifier == nil {
		return nil, errors.New("httpapi: token verifier is nil")
	}
	if logger == nil {
		return nil, errors.New("httpapi: logger is required for request tracking")
	}

	s := &Server{
		inbox:          inbox,
		events:         events,
		verifier:       verifier,
		logger:         logger.With(zap.String("component", "httpapi")),
		allowedOrigins: []string{"*"},
		registerer:     prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(s)
	}

	m, err := newMetrics(s.registerer)
	if err != nil {
		return nil, err
	}
	s.metrics = m

	promMiddleware, err := echoprometheus.MiddlewareConfig{
		Subsystem:  "sms_inbox",
		Registerer: s.registerer,
	}.ToMiddleware()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleHTTPError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
		TargetHeader: CorrelationHeader,
	}))
	e.Use(s.requestLogger)
	e.Use(promMiddleware)

	headers := []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, CorrelationHeader}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  s.allowedOrigins,
		AllowHeaders:  headers,
		ExposeHeaders: []string{CorrelationHeader},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
	}))

	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api")
	api.POST("/receive-sms", s.handleReceiveSMS)
	api.POST("/message-status", s.handleMessageStatus)

	protected := api.Group("", auth.Middleware(s.verifier))
	protected.POST("/send-sms", s.handleSendSMS)
	protected.GET("/conversations", s.handleListConversations)
	protected.GET("/conversations/:id/messages", s.handleGetMessages)
	protected.POST("/conversations/:id/read", s.handleMarkConversationRead)
	protected.PATCH("/conversations/:id", s.handleUpdateConversation)
	protected.GET("/ws", s.handleWebSocket)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(CorrelationHeader)),
		)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// Handler exposes the router, for httptest and the Lambda adapter.
func (s *Server) Handler() *echo.Echo {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
