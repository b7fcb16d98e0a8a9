package sqlguard

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Enabled   bool           `yaml:"enabled" json:"enabled"`
	Host      string         `yaml:"host" json:"host"`
	Port      int            `yaml:"port" json:"port"`
	From      string         `yaml:"from" json:"from"`
	ToDefault string         `yaml:"toDefault" json:"toDefault"`
	Username  string         `yaml:"username" json:"username,omitempty"`
	Password  string         `yaml:"password" json:"-"`
	StartTLS  bool           `yaml:"starttls" json:"starttls"`
	SSL       bool           `yaml:"ssl" json:"ssl"`
	Admins    AdminDirectory `yaml:"admins" json:"-"`
}

// EmailSender delivers findings over SMTP. The payload recipient wins over
// the configured default address.
type EmailSender struct {
	cfg    EmailConfig
	dialer *net.Dialer
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 25
		if cfg.SSL {
			cfg.Port = 465
		}
	}
	return &EmailSender{cfg: cfg, dialer: &net.Dialer{Timeout: 10 * time.Second}}
}

func (s *EmailSender) Name() Channel {
	return ChannelEmail
}

// Recipient returns override when set, otherwise the configured default.
func (s *EmailSender) Recipient(override string) string {
	if to := strings.TrimSpace(override); to != "" {
		return to
	}
	return strings.TrimSpace(s.cfg.ToDefault)
}

func (s *EmailSender) Send(ctx context.Context, payload *NotificationPayload) error {
	to := s.Recipient(payload.Recipient)
	if to == "" {
		return deliveryErrorf("CONFIG", "email recipient is not configured (toDefault is empty)")
	}
	if strings.TrimSpace(s.cfg.Host) == "" {
		return deliveryErrorf("CONFIG", "smtp host is not configured")
	}
	from := s.cfg.From
	if from == "" {
		from = s.cfg.Username
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return &DeliveryError{Code: "TRANSPORT", Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return &DeliveryError{Code: "SMTP", Err: err}
	}
	defer client.Close()

	if err := s.exchange(client, from, to, buildMessage(from, to, payload.Subject, payload.Message)); err != nil {
		return &DeliveryError{Code: "SMTP", Err: err}
	}
	return nil
}

func (s *EmailSender) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.cfg.SSL {
		d := &tls.Dialer{NetDialer: s.dialer, Config: &tls.Config{ServerName: s.cfg.Host}}
		return d.DialContext(ctx, "tcp", addr)
	}
	return s.dialer.DialContext(ctx, "tcp", addr)
}

func (s *EmailSender) exchange(c *smtp.Client, from, to string, msg []byte) error {
	if s.cfg.StartTLS && !s.cfg.SSL {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp server %s does not support STARTTLS", s.cfg.Host)
		}
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	var b bytes.Buffer
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}
