package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"sms-inbox/internal/integrations/twilio"
	"sms-inbox/internal/usecase"
)

// verifySignature reports whether the webhook carries a valid provider
// signature. It always passes when validation is not configured.
func (s *Server) verifySignature(c echo.Context, params url.Values) bool {
	if s.webhookTokens == nil {
		return true
	}
	token, err := s.webhookTokens.Token(c.Request().Context())
	if err != nil {
		s.logger.Error("webhook token unavailable", zap.Error(err))
		return false
	}
	fullURL := s.publicURL + c.Request().RequestURI
	return twilio.ValidSignature(token, fullURL, params, c.Request().Header.Get(twilio.SignatureHeader))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleReceiveSMS(c echo.Context) error {
	params, err := c.FormParams()
	if err != nil {
		return validationError(c, "invalid_form")
	}
	if !s.verifySignature(c, params) {
		s.logger.Warn("rejected inbound webhook with bad signature")
		return c.JSON(http.StatusForbidden, errorResponse{Error: "FORBIDDEN", Reason: "invalid_signature"})
	}

	res, err := s.inbox.ReceiveInbound(c.Request().Context(), usecase.InboundSMS{
		ExternalID: firstNonEmpty(params.Get("MessageSid"), params.Get("SmsMessageSid"), params.Get("SmsSid")),
		From:       params.Get("From"),
		To:         params.Get("To"),
		Body:       params.Get("Body"),
	})
	if err != nil {
		s.metrics.inbound.WithLabelValues("error").Inc()
		return s.writeError(c, err)
	}

	result := "stored"
	if res.Duplicate {
		result = "duplicate"
	}
	s.metrics.inbound.WithLabelValues(result).Inc()
	return c.Blob(http.StatusOK, echo.MIMETextXMLCharsetUTF8, twilio.EmptyResponse())
}

type statusRequest struct {
	MessageSid    string `json:"MessageSid" form:"MessageSid"`
	SmsSid        string `json:"SmsSid" form:"SmsSid"`
	MessageStatus string `json:"MessageStatus" form:"MessageStatus"`
	SmsStatus     string `json:"SmsStatus" form:"SmsStatus"`
}

func (s *Server) handleMessageStatus(c echo.Context) error {
	var params url.Values
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		form, err := c.FormParams()
		if err != nil {
			return validationError(c, "invalid_form")
		}
		params = form
	}
	if !s.verifySignature(c, params) {
		s.logger.Warn("rejected status webhook with bad signature")
		return c.JSON(http.StatusForbidden, errorResponse{Error: "FORBIDDEN", Reason: "invalid_signature"})
	}

	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return validationError(c, "invalid_body")
	}

	res, err := s.inbox.ReconcileStatus(c.Request().Context(), usecase.StatusCallback{
		ExternalID: firstNonEmpty(req.MessageSid, req.SmsSid),
		Status:     firstNonEmpty(req.MessageStatus, req.SmsStatus),
	})
	if err != nil {
		s.metrics.statusUpdates.WithLabelValues("error").Inc()
		return s.writeError(c, err)
	}

	outcome := "ignored"
	if res.Updated {
		outcome = "applied"
	}
	s.metrics.statusUpdates.WithLabelValues(outcome).Inc()
	return c.String(http.StatusOK, "OK")
}
