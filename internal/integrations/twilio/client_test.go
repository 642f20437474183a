package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token string
	err   error
	calls int
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.calls++
	return f.token, f.err
}

// redirect sends every SDK request to the test server.
type redirect struct {
	target *url.URL
}

func (r redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	req.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func mustNewClient(t *testing.T, serverURL string, opts ...Option) *Client {
	t.Helper()
	target, err := url.Parse(serverURL)
	require.NoError(t, err)
	hc := &http.Client{Timeout: 5 * time.Second, Transport: redirect{target: target}}
	c, err := NewClient("AC123", "+15550000000", StaticToken("tok"), append([]Option{WithHTTPClient(hc)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", "+1", StaticToken("t"))
	require.ErrorContains(t, err, "account sid")
	_, err = NewClient("AC1", " ", StaticToken("t"))
	require.ErrorContains(t, err, "from number")
	_, err = NewClient("AC1", "+1", nil)
	require.ErrorContains(t, err, "token source")
}

func TestSend_HappyPath(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "AC123", user)
		require.Equal(t, "tok", pass)
		require.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM42","status":"queued"}`))
	}))
	defer srv.Close()

	c := mustNewClient(t, srv.URL, WithStatusCallback("https://inbox.example.com/api/message-status"))
	sid, err := c.Send(context.Background(), "+15551234567", "Hello")
	require.NoError(t, err)
	require.Equal(t, "SM42", sid)
	require.Equal(t, "+15551234567", got.Get("To"))
	require.Equal(t, "+15550000000", got.Get("From"))
	require.Equal(t, "Hello", got.Get("Body"))
	require.Equal(t, "https://inbox.example.com/api/message-status", got.Get("StatusCallback"))
}

func TestSend_NoCallbackOmitsField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Empty(t, r.PostForm.Get("StatusCallback"))
		_, _ = w.Write([]byte(`{"sid":"SM1"}`))
	}))
	defer srv.Close()

	_, err := mustNewClient(t, srv.URL).Send(context.Background(), "+1", "hi")
	require.NoError(t, err)
}

func TestSend_RejectionSurfacesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number +1 is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	_, err := mustNewClient(t, srv.URL).Send(context.Background(), "+1", "hi")
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.Equal(t, 21211, statusErr.Code)
	require.Contains(t, err.Error(), "not a valid phone number")
}

func TestSend_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := mustNewClient(t, srv.URL).Send(context.Background(), "+1", "hi")
	require.ErrorContains(t, err, "twilio: request failed")
}

func TestSend_MissingSID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	_, err := mustNewClient(t, srv.URL).Send(context.Background(), "+1", "hi")
	require.ErrorContains(t, err, "missing sid")
}

func TestSend_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mustNewClient(t, srv.URL).Send(ctx, "+1", "hi")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSend_TokenFailure(t *testing.T) {
	tokens := &fakeTokens{err: errors.New("ssm throttled")}
	c, err := NewClient("AC1", "+1", tokens)
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "+2", "hi")
	require.ErrorContains(t, err, "ssm throttled")
	require.Equal(t, 1, tokens.calls)
}

func TestStaticToken_Empty(t *testing.T) {
	_, err := StaticToken(" ").Token(context.Background())
	require.Error(t, err)
}

// sign computes the webhook signature the provider attaches: base64 of
// HMAC-SHA1 over the URL followed by the sorted key/value pairs.
func sign(token, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k + params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidSignature(t *testing.T) {
	params := url.Values{}
	params.Set("MessageSid", "SM1234567890ABCDE")
	params.Set("From", "+12349013030")
	params.Set("To", "+18005551212")
	params.Set("Body", "Hello there")
	fullURL := "https://inbox.example.com/api/receive-sms"

	sig := sign("12345", fullURL, params)
	require.True(t, ValidSignature("12345", fullURL, params, sig))
	require.False(t, ValidSignature("12345", fullURL, params, "bogus"))
	require.False(t, ValidSignature("other", fullURL, params, sig))
	require.False(t, ValidSignature("", fullURL, params, sig))

	params.Set("Body", "tampered")
	require.False(t, ValidSignature("12345", fullURL, params, sig))
}

func TestEmptyResponse(t *testing.T) {
	out := string(EmptyResponse())
	require.True(t, strings.HasPrefix(out, "<?xml"))
	require.Contains(t, out, "<Response></Response>")
}
