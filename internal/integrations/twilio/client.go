package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	twilioapi "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TokenSource supplies the account auth token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a token known at startup.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("twilio: auth token is empty")
	}
	return string(t), nil
}

// HTTPStatusError captures non-2xx responses from the REST API.
type HTTPStatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio: status %d: %d %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twilio: status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends SMS through the Twilio Messages API.
type Client struct {
	httpClient     *http.Client
	accountSID     string
	from           string
	statusCallback string
	token          TokenSource
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithStatusCallback asks Twilio to post delivery updates to callbackURL.
func WithStatusCallback(callbackURL string) Option {
	return func(c *Client) {
		c.statusCallback = strings.TrimSpace(callbackURL)
	}
}

// NewClient creates a Client sending from the given number.
func NewClient(accountSID, from string, token TokenSource, opts ...Option) (*Client, error) {
	accountSID = strings.TrimSpace(accountSID)
	if accountSID == "" {
		return nil, errors.New("twilio: account sid must not be empty")
	}
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("twilio: from number must not be empty")
	}
	if token == nil {
		return nil, errors.New("twilio: token source must not be nil")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		accountSID: accountSID,
		from:       from,
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// restClient builds an SDK client for one call. The auth token may rotate,
// and ctx is bound to every request the SDK makes.
func (c *Client) restClient(ctx context.Context, token string) *twilioapi.RestClient {
	base := c.httpClient
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	hc := *base
	hc.Transport = contextTransport{ctx: ctx, next: base.Transport}

	sdk := &twclient.Client{
		Credentials: twclient.NewCredentials(c.accountSID, token),
		HTTPClient:  &hc,
	}
	sdk.SetAccountSid(c.accountSID)
	return twilioapi.NewRestClientWithParams(twilioapi.ClientParams{Client: sdk})
}

// Send submits one SMS and returns the Twilio message SID.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	token, err := c.token.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twilio: resolve auth token: %w", err)
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	msg, err := c.restClient(ctx, token).Api.CreateMessage(params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("twilio: request failed: %w", ctxErr)
		}
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) {
			return "", &HTTPStatusError{StatusCode: restErr.Status, Code: restErr.Code, Message: restErr.Message}
		}
		return "", fmt.Errorf("twilio: request failed: %w", err)
	}
	if msg == nil || msg.Sid == nil || *msg.Sid == "" {
		return "", errors.New("twilio: response missing sid")
	}
	return *msg.Sid, nil
}

// contextTransport attaches ctx to requests issued by the SDK, which has no
// context parameter of its own.
type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t contextTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(r.WithContext(t.ctx))
}
