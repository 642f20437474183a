package httpapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"sms-inbox/internal/auth"
	"sms-inbox/internal/usecase"
)

type sendRequest struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

type sendResponse struct {
	Success        bool   `json:"success"`
	MessageID      string `json:"messageId"`
	ExternalID     string `json:"externalId"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) handleSendSMS(c echo.Context) error {
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return validationError(c, "invalid_body")
	}

	res, err := s.inbox.SendOutbound(c.Request().Context(), usecase.OutboundSMS{
		To:             req.To,
		Body:           req.Message,
		ConversationID: req.ConversationID,
		SenderUserID:   auth.UserID(c),
	})
	if err != nil {
		s.metrics.outbound.WithLabelValues(string(usecase.CodeOf(err))).Inc()
		return s.writeError(c, err)
	}
	s.metrics.outbound.WithLabelValues("sent").Inc()

	return c.JSON(http.StatusOK, sendResponse{
		Success:        true,
		MessageID:      res.MessageID,
		ExternalID:     res.ExternalID,
		ConversationID: res.ConversationID,
	})
}

func (s *Server) handleListConversations(c echo.Context) error {
	includeDeleted := false
	if raw := c.QueryParam("includeDeleted"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return validationError(c, "invalid_include_deleted")
		}
		includeDeleted = v
	}

	views, err := s.inbox.ListConversations(c.Request().Context(), includeDeleted)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetMessages(c echo.Context) error {
	msgs, err := s.inbox.GetMessages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

type markReadResponse struct {
	Success    bool     `json:"success"`
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleMarkConversationRead(c echo.Context) error {
	ids, err := s.inbox.MarkConversationRead(c.Request().Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		return s.writeError(c, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, markReadResponse{Success: true, MessageIDs: ids})
}

type patchRequest struct {
	Archived     *bool   `json:"archived"`
	Deleted      *bool   `json:"deleted"`
	CustomerName *string `json:"customerName"`
}

func (s *Server) handleUpdateConversation(c echo.Context) error {
	var req patchRequest
	if err := c.Bind(&req); err != nil {
		return validationError(c, "invalid_body")
	}

	conv, err := s.inbox.UpdateConversation(c.Request().Context(), c.Param("id"), usecase.ConversationPatch{
		Archived:     req.Archived,
		Deleted:      req.Deleted,
		CustomerName: req.CustomerName,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}
