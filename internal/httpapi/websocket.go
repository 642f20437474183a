package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"sms-inbox/internal/auth"
	"sms-inbox/internal/domain"
)

const (
	maxFrameSize = 4096
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second

	frameMarkMessageRead = "markMessageRead"
	frameError           = "error"
)

type serverFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type markReadFrame struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.allowedOrigins {
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		} else {
			opts.OriginPatterns = append(opts.OriginPatterns, origin)
		}
	}
	return opts
}

// handleWebSocket streams every event to the client and accepts read
// acknowledgements from it.
func (s *Server) handleWebSocket(c echo.Context) error {
	userID := auth.UserID(c)
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Subscribe before the handshake completes so no event published after
	// the client sees the upgrade is missed.
	events, subID := s.events.Subscribe(ctx)

	conn, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	s.metrics.wsClients.Inc()
	defer s.metrics.wsClients.Dec()

	log := s.logger.With(zap.String("user_id", userID), zap.String("sub_id", subID))
	log.Debug("websocket connected")

	go func() {
		defer cancel()
		s.readFrames(ctx, conn, userID, log)
	}()

	s.writeFrames(ctx, conn, events, log)
	log.Debug("websocket disconnected")
	return nil
}

func (s *Server) writeFrames(ctx context.Context, conn *websocket.Conn, events <-chan domain.Event, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeFrame(ctx, conn, string(e.Type), e); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) readFrames(ctx context.Context, conn *websocket.Conn, userID string, log *zap.Logger) {
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		switch frame.Event {
		case frameMarkMessageRead:
			var req markReadFrame
			if err := json.Unmarshal(frame.Data, &req); err != nil || req.MessageID == "" || req.ConversationID == "" {
				s.replyError(ctx, conn, errorResponse{Error: "VALIDATION_ERROR", Reason: "invalid_mark_read"})
				continue
			}
			if _, err := s.inbox.MarkMessageRead(ctx, req.ConversationID, req.MessageID, userID); err != nil {
				_, body := errorBody(err)
				s.replyError(ctx, conn, body)
			}
		default:
			s.replyError(ctx, conn, errorResponse{Error: "VALIDATION_ERROR", Reason: "unknown_event"})
		}
	}
}

func (s *Server) replyError(ctx context.Context, conn *websocket.Conn, body errorResponse) {
	if err := writeFrame(ctx, conn, frameError, body); err != nil {
		s.logger.Debug("websocket error reply failed", zap.Error(err))
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, event string, data any) error {
	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return wsjson.Write(wctx, conn, serverFrame{Event: event, Data: data})
}
