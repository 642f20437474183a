package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"sms-inbox/internal/usecase"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// statusFor is the single mapping from error codes to HTTP statuses.
func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorChannel:
		return http.StatusBadGateway
	case usecase.ErrorTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody builds the response for err. Store failures keep their detail
// out of the body; channel failures surface the provider's message.
func errorBody(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		code := usecase.CodeOf(err)
		return statusFor(code), errorResponse{Error: string(code), Reason: "internal"}
	}

	reason := ue.Reason
	if ue.Code == usecase.ErrorChannel && ue.Err != nil {
		reason = ue.Reason + ": " + ue.Err.Error()
	}
	return statusFor(ue.Code), errorResponse{Error: string(ue.Code), Reason: reason}
}

func (s *Server) writeError(c echo.Context, err error) error {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("code", body.Error),
			zap.String("request_id", c.Response().Header().Get(CorrelationHeader)),
			zap.Error(err),
		)
	}
	return c.JSON(status, body)
}

func validationError(c echo.Context, reason string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorValidation), Reason: reason})
}

// handleHTTPError renders router and middleware errors in the API's error shape.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = s.writeError(c, err)
		return
	}

	code := "HTTP_ERROR"
	switch he.Code {
	case http.StatusNotFound:
		code = string(usecase.ErrorNotFound)
	case http.StatusBadRequest:
		code = string(usecase.ErrorValidation)
	}
	reason := http.StatusText(he.Code)
	if msg, ok := he.Message.(string); ok && msg != "" {
		reason = msg
	}
	_ = c.JSON(he.Code, errorResponse{Error: code, Reason: reason})
}
