package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

const (
	defaultSMTPAddr = "smtp.gmail.com:587"
	reportSubject   = "Forum Summary Report"
	senderName      = "Mass Dialogue"

	mimeBoundary = "massdialogue-report-part"
)

// TokenSource hands out a valid OAuth2 access token for the SMTP exchange.
type TokenSource interface {
	AccessToken() (string, error)
}

// Dispatcher mails a precomputed report, one message per recipient. Each
// recipient's outcome is logged independently; a failed send never aborts
// the remaining ones.
type Dispatcher struct {
	Sender   string
	SMTPAddr string
	tokens   TokenSource
}

func NewDispatcher(sender string, tokens TokenSource) *Dispatcher {
	return &Dispatcher{
		Sender:   sender,
		SMTPAddr: defaultSMTPAddr,
		tokens:   tokens,
	}
}

// SendReport sends the report to every recipient and returns the addresses
// that failed. The error is non-nil only when no send could be attempted
// at all (credential refresh failed).
func (d *Dispatcher) SendReport(ctx context.Context, recipients []string, reportText string) ([]string, error) {
	token, err := d.tokens.AccessToken()
	if err != nil {
		return recipients, fmt.Errorf("acquiring access token: %w", err)
	}
	auth := NewXOAuth2(d.Sender, token)

	var failed []string
	for _, recipient := range recipients {
		if ctx.Err() != nil {
			failed = append(failed, recipient)
			continue
		}
		msg := BuildMessage(d.Sender, recipient, reportSubject, reportText)
		if err := smtp.SendMail(d.SMTPAddr, auth, d.Sender, []string{recipient}, msg); err != nil {
			slog.Error("[Dispatcher] Failed to send report",
				slog.String("recipient", recipient),
				slog.String("error", err.Error()))
			failed = append(failed, recipient)
			continue
		}
		slog.Info("[Dispatcher] Report sent", slog.String("recipient", recipient))
	}
	return failed, nil
}

// BuildMessage assembles a multipart/alternative message carrying the
// report as plain text plus an HTML rendering.
func BuildMessage(sender, recipient, subject, body string) []byte {
	html := blackfriday.Run([]byte(body), blackfriday.WithNoExtensions())

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", senderName, sender)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", mimeBoundary)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s\r\n", mimeBoundary)
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.Write(html)
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)
	return []byte(b.String())
}
