// Package reportmail sends a finished run's report by email over the
// Gmail API. Failures here are logged and ignored by the caller.
package reportmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/tytso/xfstests-bld/go/skerr"
)

// Sender delivers a plain-text report email. Implementations must treat
// every error as non-fatal to the caller.
type Sender interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

// GMail sends report emails through the Gmail API, authenticated as a
// single service/user account whose access token is supplied by the
// caller (e.g. via golang.org/x/oauth2/google application-default
// credentials).
type GMail struct {
	service *gmail.Service
}

// NewGMail wraps an already-authenticated gmail.Service.
func NewGMail(service *gmail.Service) *GMail {
	return &GMail{service: service}
}

// Send implements Sender by formatting body as a plain-text RFC 2822
// message and calling users.messages.send.
func (g *GMail) Send(ctx context.Context, from, to, subject, body string) error {
	raw, err := formatRFC2822(from, to, subject, body)
	if err != nil {
		return skerr.Wrap(err)
	}
	msg := &gmail.Message{Raw: raw}
	_, err = g.service.Users.Messages.Send(from, msg).Context(ctx).Do()
	if err != nil {
		return skerr.Wrapf(err, "sending report email from %q to %q", from, to)
	}
	return nil
}

// formatRFC2822 builds a minimal plain-text message and base64url-encodes
// it the way the Gmail API's Message.Raw field requires.
func formatRFC2822(from, to, subject, body string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\n", from)
	fmt.Fprintf(&sb, "To: %s\n", to)
	fmt.Fprintf(&sb, "Subject: %s\n", subject)
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\n\n")
	sb.WriteString(body)
	return base64.URLEncoding.EncodeToString([]byte(sb.String())), nil
}
