package reportmail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func TestFormatRFC2822_EncodesHeadersAndBodyAsBase64URL(t *testing.T) {
	raw, err := formatRFC2822("ltm@example.com", "dev@example.com", "xfstests results", "all good")
	require.NoError(t, err)

	decoded, err := base64.URLEncoding.DecodeString(raw)
	require.NoError(t, err)

	msg := string(decoded)
	require.Contains(t, msg, "From: ltm@example.com\n")
	require.Contains(t, msg, "To: dev@example.com\n")
	require.Contains(t, msg, "Subject: xfstests results\n")
	require.True(t, strings.HasSuffix(msg, "all good"))
}

// captureTransport mocks the http.Client's RoundTripper so Send can be
// exercised without a live Gmail API endpoint, grounded on go/email's
// myTransport test fake.
type captureTransport struct {
	t           *testing.T
	requestBody gmail.Message
}

func (c *captureTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	require.NoError(c.t, json.NewDecoder(r.Body).Decode(&c.requestBody))
	buf := bytes.NewBufferString("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"id\": \"some-id\"}")
	return http.ReadResponse(bufio.NewReader(buf), r)
}

func TestGMail_Send_PostsRawMessageToGmailAPI(t *testing.T) {
	transport := &captureTransport{t: t}
	client := &http.Client{Transport: transport}

	service, err := gmail.NewService(context.Background(),
		option.WithHTTPClient(client),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	g := NewGMail(service)
	err = g.Send(context.Background(), "ltm@example.com", "dev@example.com", "subject", "body text")
	require.NoError(t, err)

	decoded, err := base64.URLEncoding.DecodeString(transport.requestBody.Raw)
	require.NoError(t, err)
	require.Contains(t, string(decoded), "Subject: subject\n")
}
