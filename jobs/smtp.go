package jobs

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig locates the outgoing mail relay.
type SMTPConfig struct {
	Host string
	Port int
	From string
	// Username enables PLAIN auth when set.
	Username string
	Password string
}

// SMTPSender delivers mail through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

// NewSMTPSender constructs an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, payload SendEmailPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(payload.To, "\r\n") || strings.ContainsAny(payload.Subject, "\r\n") {
		return fmt.Errorf("smtp: header injection rejected")
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := s.send(addr, auth, s.cfg.From, []string{payload.To}, s.message(payload)); err != nil {
		return fmt.Errorf("smtp: send: %w", err)
	}
	return nil
}

func (s *SMTPSender) message(payload SendEmailPayload) []byte {
	var b strings.Builder
	b.WriteString("From: " + s.cfg.From + "\r\n")
	b.WriteString("To: " + payload.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", payload.Subject) + "\r\n")
	b.WriteString("Date: " + s.now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(payload.Body, "\n", "\r\n"))
	return []byte(b.String())
}
