package smtpmail

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/retrypolicy"
)

func TestHostFor(t *testing.T) {
	host, err := hostFor(domain.AccountGmail)
	require.NoError(t, err)
	assert.Equal(t, "smtp.gmail.com:587", host)

	host, err = hostFor(domain.AccountOutlook)
	require.NoError(t, err)
	assert.Equal(t, "smtp.office365.com:587", host)

	_, err = hostFor(domain.AccountSES)
	assert.Error(t, err)
}

// starttlsServer speaks the plaintext half of an SMTP session that
// advertises STARTTLS, then reports whether the client opened a TLS
// handshake after the 220 go-ahead. A TLS record starts with byte 0x16.
func starttlsServer(t *testing.T) (addr string, handshake <-chan bool) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan bool, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			ch <- false
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		r := bufio.NewReader(conn)
		conn.Write([]byte("220 test ESMTP\r\n"))
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				ch <- false
				return
			}
			switch {
			case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
				conn.Write([]byte("250-test\r\n250 STARTTLS\r\n"))
			case strings.HasPrefix(line, "STARTTLS"):
				conn.Write([]byte("220 ready for TLS\r\n"))
				b, err := r.ReadByte()
				ch <- err == nil && b == 0x16
				return
			default:
				conn.Write([]byte("250 ok\r\n"))
			}
		}
	}()
	return ln.Addr().String(), ch
}

func TestSendNegotiatesStartTLS(t *testing.T) {
	addr, handshake := starttlsServer(t)

	s := &Sender{DialTimeout: 5 * time.Second, Host: addr}
	_, err := s.Send(context.Background(), domain.AccountGmail, "sam@acme.com", "pw", Message{
		To:       "lead@example.com",
		Subject:  "hi",
		HTMLBody: "x",
	})

	// The server has no certificate, so the handshake itself fails; what
	// matters is that the client got far enough to start one.
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "ServerName or InsecureSkipVerify")
	assert.True(t, <-handshake, "client never began the TLS handshake")
}

func TestClassifyRcpt(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"550 no such user", errors.New("550 5.1.1 no such user"), true},
		{"551 user not local", errors.New("551 user not local"), true},
		{"553 mailbox name invalid", errors.New("553 mailbox name not allowed"), true},
		{"452 over quota", errors.New("452 4.2.2 mailbox full"), false},
		{"421 try later", errors.New("421 service not available"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyRcpt(tt.err)
			assert.Equal(t, tt.permanent, errors.Is(got, retrypolicy.ErrPermanent))
		})
	}
}

func TestBuildMIME(t *testing.T) {
	raw := string(buildMIME(Message{
		FromName:  "Sam Rivera",
		FromEmail: "sam@acme.com",
		To:        "lead@example.com",
		ReplyTo:   "reply+abc@mail.acme.com",
		Subject:   "Quick question",
		HTMLBody:  "<p>Hi there</p>",
	}, "<id-1@acme.com>"))

	headers, body, found := strings.Cut(raw, "\r\n\r\n")
	require.True(t, found)

	assert.Contains(t, headers, "From: Sam Rivera <sam@acme.com>")
	assert.Contains(t, headers, "To: lead@example.com")
	assert.Contains(t, headers, "Subject: Quick question")
	assert.Contains(t, headers, "Message-ID: <id-1@acme.com>")
	assert.Contains(t, headers, "Reply-To: reply+abc@mail.acme.com")
	assert.Contains(t, headers, "Content-Type: text/html; charset=utf-8")
	assert.NotContains(t, headers, "In-Reply-To")
	assert.Contains(t, body, "<p>Hi there</p>")
}

func TestBuildMIMEThreadingHeaders(t *testing.T) {
	raw := string(buildMIME(Message{
		FromEmail: "sam@acme.com",
		To:        "lead@example.com",
		Subject:   "Re: Quick question",
		HTMLBody:  "<p>Following up</p>",
		InReplyTo: "<first@acme.com>",
	}, "<id-2@acme.com>"))

	assert.Contains(t, raw, "In-Reply-To: <first@acme.com>")
	// References defaults to the replied-to id when not given.
	assert.Contains(t, raw, "References: <first@acme.com>")
}

func TestBuildMIMEEncodesNonASCII(t *testing.T) {
	raw := string(buildMIME(Message{
		FromName:  "Søren Ødegård",
		FromEmail: "soren@acme.com",
		To:        "lead@example.com",
		Subject:   "Møde næste uge?",
		HTMLBody:  "x",
	}, "<id-3@acme.com>"))

	assert.Contains(t, raw, "=?utf-8?q?")
	assert.NotContains(t, strings.SplitN(raw, "\r\n\r\n", 2)[0], "Møde")
}
