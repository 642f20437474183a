package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const userIDKey = "auth.user_id"

// extractBearerToken returns the token from an Authorization header, or an
// error message.
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing_authorization"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid_authorization_format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty_token"
	}
	return token, ""
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Middleware rejects requests without a valid bearer token and stores the
// user id on the context. Browsers cannot set headers on a websocket
// upgrade, so a "token" query parameter is accepted as well.
func Middleware(verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, reason := extractBearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if reason != "" {
				if q := strings.TrimSpace(c.QueryParam("token")); q != "" {
					token, reason = q, ""
				}
			}
			if reason != "" {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Reason: reason})
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Reason: "invalid_token"})
			}
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

// UserID returns the authenticated user id, or "" outside Middleware.
func UserID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}
