// Package smtpmail sends tenant email over SMTP using the tenant's own
// account credentials. Gmail and Outlook accounts map to their provider
// submission hosts; generic SMTP tenants supply a host.
package smtpmail

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/retrypolicy"
)

// Message is one outbound email. MessageID is generated here and returned
// so the caller can record it for reply threading.
type Message struct {
	FromName  string
	FromEmail string
	To        string
	ReplyTo   string
	Subject   string
	HTMLBody  string

	// Threading headers for follow-ups in an existing conversation.
	InReplyTo  string
	References string
}

// Sender dials the tenant's SMTP host per message. Connections are not
// pooled; per-tenant volume is throttled well below where pooling matters.
type Sender struct {
	// DialTimeout bounds the TCP connect; the deadline also covers the
	// SMTP conversation.
	DialTimeout time.Duration

	// Host overrides provider detection, for tests against a local server.
	Host string
}

func NewSender() *Sender {
	return &Sender{DialTimeout: 30 * time.Second}
}

// hostFor maps the tenant's account type to its SMTP submission endpoint.
func hostFor(t domain.AccountType) (string, error) {
	switch t {
	case domain.AccountGmail:
		return "smtp.gmail.com:587", nil
	case domain.AccountOutlook:
		return "smtp.office365.com:587", nil
	default:
		return "", fmt.Errorf("no smtp host for account type %q", t)
	}
}

// Send delivers the message using the given credentials and returns the
// Message-ID written into the headers. Authentication rejections come back
// wrapped so the dispatcher pauses the channel instead of burning retries.
func (s *Sender) Send(ctx context.Context, accountType domain.AccountType, accountEmail, password string, msg Message) (string, error) {
	host := s.Host
	if host == "" {
		var err error
		host, err = hostFor(accountType)
		if err != nil {
			return "", fmt.Errorf("%w: %v", retrypolicy.ErrDataIntegrity, err)
		}
	}

	domainPart := accountEmail
	if i := strings.Index(accountEmail, "@"); i >= 0 {
		domainPart = accountEmail[i+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.New(), domainPart)

	raw := buildMIME(msg, messageID)

	dialer := net.Dialer{Timeout: s.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return "", fmt.Errorf("smtp dial %s: %w", host, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.DialTimeout))
	}

	hostname := host
	if i := strings.Index(host, ":"); i >= 0 {
		hostname = host[:i]
	}
	client, err := smtp.NewClient(conn, hostname)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: hostname}); err != nil {
			return "", fmt.Errorf("smtp starttls: %w", err)
		}
	}

	auth := smtp.PlainAuth("", accountEmail, password, hostname)
	if err := client.Auth(auth); err != nil {
		return "", fmt.Errorf("%w: smtp auth for %s: %v", retrypolicy.ErrAuth, accountEmail, err)
	}

	if err := client.Mail(accountEmail); err != nil {
		return "", fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return "", classifyRcpt(err)
	}
	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp close data: %w", err)
	}
	if err := client.Quit(); err != nil {
		// Delivery already accepted; a failed QUIT is not a send failure.
		return messageID, nil
	}
	return messageID, nil
}

// classifyRcpt maps recipient rejections: permanent 5xx codes mean the
// address is bad, anything else is worth a retry.
func classifyRcpt(err error) error {
	msg := err.Error()
	if strings.HasPrefix(msg, "550") || strings.HasPrefix(msg, "551") || strings.HasPrefix(msg, "553") {
		return fmt.Errorf("%w: recipient rejected: %v", retrypolicy.ErrPermanent, err)
	}
	return fmt.Errorf("smtp rcpt: %w", err)
}

func buildMIME(msg Message, messageID string) []byte {
	var b strings.Builder
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromEmail)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	if msg.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msg.InReplyTo)
		refs := msg.References
		if refs == "" {
			refs = msg.InReplyTo
		}
		fmt.Fprintf(&b, "References: %s\r\n", refs)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTMLBody)
	b.WriteString("\r\n")
	return []byte(b.String())
}
