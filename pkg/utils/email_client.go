package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// EmailMessage is one outbound message plus the SMTP server that delivers it
type EmailMessage struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string

	From    string
	To      []string
	Subject string
	Body    string
}

// SMTPSender delivers messages over SMTP
type SMTPSender struct {
	// Timeout bounds dialing when the context carries no deadline
	Timeout time.Duration

	now func() time.Time
}

// NewSMTPSender creates a sender
func NewSMTPSender(timeout time.Duration) *SMTPSender {
	return &SMTPSender{Timeout: timeout, now: time.Now}
}

// Send delivers msg. Implicit TLS is used when UseTLS is set, STARTTLS otherwise when offered.
func (s *SMTPSender) Send(ctx context.Context, msg EmailMessage) error {
	if msg.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	port := msg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(msg.Host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: s.Timeout}
	var conn net.Conn
	var err error
	if msg.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: msg.Host}}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, msg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer client.Close()

	if !msg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: msg.Host}); err != nil {
				return fmt.Errorf("starttls failed: %w", err)
			}
		}
	}
	if msg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(smtp.PlainAuth("", msg.Username, msg.Password, msg.Host)); err != nil {
				return fmt.Errorf("smtp auth failed: %w", err)
			}
		}
	}

	if err := client.Mail(msg.From); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", err)
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s rejected: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", err)
	}
	if _, err := w.Write(s.compose(msg)); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return client.Quit()
}

func (s *SMTPSender) compose(msg EmailMessage) []byte {
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "\r\n")
	buf.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return buf.Bytes()
}
