package twilio

import (
	"encoding/xml"
	"net/url"

	twclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the request signature on every webhook.
const SignatureHeader = "X-Twilio-Signature"

// ValidSignature reports whether signature matches a webhook posted to
// fullURL with the given form parameters. Repeated keys keep their first
// value, matching what the provider signs for SMS callbacks.
func ValidSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	flat := make(map[string]string, len(params))
	for k, vs := range params {
		if len(vs) > 0 {
			flat[k] = vs[0]
		}
	}
	validator := twclient.NewRequestValidator(authToken)
	return validator.Validate(fullURL, flat, signature)
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
}

// EmptyResponse is the TwiML acknowledgement that sends no reply.
func EmptyResponse() []byte {
	out, _ := xml.Marshal(twimlResponse{})
	return append([]byte(xml.Header), out...)
}
