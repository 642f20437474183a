package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method string
	uri    string
	body   string
	header http.Header
}

func newRouter(c *captured) *echo.Echo {
	e := echo.New()
	record := func(ctx echo.Context) error {
		r := ctx.Request()
		b, _ := io.ReadAll(r.Body)
		c.method = r.Method
		c.uri = r.URL.RequestURI()
		c.body = string(b)
		c.header = r.Header.Clone()

		ctx.Response().Header().Set(correlationHeader, r.Header.Get(correlationHeader))
		return ctx.JSONBlob(http.StatusCreated, []byte(`{"ok":true}`))
	}
	e.POST("/api/send-sms", record)
	e.GET("/api/conversations", record)
	e.GET("/logo.png", func(ctx echo.Context) error {
		return ctx.Blob(http.StatusOK, "image/png", []byte{0x89, 0x50})
	})
	return e
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/api/send-sms",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID: "apigw-req-1",
		},
	}
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	var c captured
	h, err := NewHandler(newRouter(&c))
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"to":"+1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, `{"ok":true}`, resp.Body)
	require.False(t, resp.IsBase64Encoded)

	require.Equal(t, http.MethodPost, c.method)
	require.Equal(t, "/api/send-sms", c.uri)
	require.Equal(t, `{"to":"+1"}`, c.body)
	require.Equal(t, "application/json", c.header.Get("Content-Type"))
}

func TestHandle_QueryParameters(t *testing.T) {
	var c captured
	h, err := NewHandler(newRouter(&c))
	require.NoError(t, err)

	event := makeEvent("")
	event.HTTPMethod = http.MethodGet
	event.Path = "/api/conversations"
	event.QueryStringParameters = map[string]string{"includeDeleted": "true"}
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "/api/conversations?includeDeleted=true", c.uri)
}

func TestHandle_Base64Body(t *testing.T) {
	var c captured
	h, err := NewHandler(newRouter(&c))
	require.NoError(t, err)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte("From=%2B1&Body=hi")))
	event.IsBase64Encoded = true
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "From=%2B1&Body=hi", c.body)

	event.Body = "!!not base64"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	require.Equal(t, "VALIDATION_ERROR", body["error"])
}

func TestHandle_DefaultsCorrelationIDToGatewayRequestID(t *testing.T) {
	var c captured
	h, err := NewHandler(newRouter(&c))
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "apigw-req-1", c.header.Get(correlationHeader))
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	var c captured
	h, err := NewHandler(newRouter(&c))
	require.NoError(t, err)

	event := makeEvent(`{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, []string{"corr-123"}, c.header.Values(correlationHeader))
}

func TestWithCorrelationID_MultiValueHeaders(t *testing.T) {
	event := makeEvent("")
	event.MultiValueHeaders = map[string][]string{"Content-Type": {"application/json"}}
	withCorrelationID(&event)
	require.Equal(t, []string{"apigw-req-1"}, event.MultiValueHeaders[correlationHeader])

	event = makeEvent("")
	event.MultiValueHeaders = map[string][]string{"X-CORRELATION-ID": {"corr-9"}}
	withCorrelationID(&event)
	require.NotContains(t, event.Headers, correlationHeader)
}

func TestHandle_BinaryResponseIsBase64(t *testing.T) {
	h, err := NewHandler(newRouter(&captured{}))
	require.NoError(t, err)

	event := makeEvent("")
	event.HTTPMethod = http.MethodGet
	event.Path = "/logo.png"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, resp.IsBase64Encoded)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x89, 0x50}), resp.Body)
}
