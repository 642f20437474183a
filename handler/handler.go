package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	echoadapter "github.com/awslabs/aws-lambda-go-api-proxy/echo"
	"github.com/labstack/echo/v4"
)

const correlationHeader = "X-Correlation-Id"

// Handler serves API Gateway proxy events through the echo router so the
// Lambda deployment shares routing and middleware with the long-running server.
type Handler struct {
	adapter *echoadapter.EchoLambda
}

func NewHandler(e *echo.Echo) (*Handler, error) {
	if e == nil {
		return nil, errors.New("handler: echo router is nil")
	}
	return &Handler{adapter: echoadapter.New(e)}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	withCorrelationID(&event)

	resp, err := h.adapter.ProxyWithContext(ctx, event)
	if err != nil {
		// The router always writes a status, so only event conversion
		// fails here, e.g. a body flagged base64 that does not decode.
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"VALIDATION_ERROR","reason":"invalid_request"}`,
		}, nil
	}
	return resp, nil
}

// withCorrelationID defaults the correlation header to the gateway request id.
func withCorrelationID(event *events.APIGatewayProxyRequest) {
	id := event.RequestContext.RequestID
	if id == "" {
		return
	}
	for k, v := range event.Headers {
		if strings.EqualFold(k, correlationHeader) && v != "" {
			return
		}
	}
	for k, vs := range event.MultiValueHeaders {
		if strings.EqualFold(k, correlationHeader) && len(vs) > 0 {
			return
		}
	}

	if event.Headers == nil {
		event.Headers = map[string]string{}
	}
	event.Headers[correlationHeader] = id
	if event.MultiValueHeaders != nil {
		event.MultiValueHeaders[correlationHeader] = []string{id}
	}
}
