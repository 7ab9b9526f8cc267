package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPProvider submits messages over SMTP.
type SMTPProvider struct {
	cfg  Config
	addr string
}

func NewSMTPProvider(cfg Config) (*SMTPProvider, error) {
	host := strings.TrimSpace(cfg.SMTP.Host)
	if host == "" {
		return nil, errors.New("mail.smtp.host is required")
	}
	if _, err := netmail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("mail.from: %w", err)
	}
	port := cfg.SMTP.Port
	if port == 0 {
		port = 587
	}
	return &SMTPProvider{cfg: cfg, addr: net.JoinHostPort(host, strconv.Itoa(port))}, nil
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Send(ctx context.Context, m Message) (string, error) {
	to, err := netmail.ParseAddress(m.To)
	if err != nil {
		if strings.TrimSpace(m.To) == "" {
			return "", ErrNoRecipient
		}
		return "", permanent(fmt.Errorf("recipient %q: %w", m.To, err))
	}
	from, _ := netmail.ParseAddress(p.cfg.From)
	if p.cfg.FromName != "" {
		from.Name = p.cfg.FromName
	}
	if m.ToName != "" {
		to.Name = m.ToName
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.cfg.SMTP.Host)
	body, err := buildMIME(from, to, id, m)
	if err != nil {
		return "", permanent(err)
	}
	_, err = withRetry(ctx, p.cfg, func(ctx context.Context) (string, error) {
		return "", p.submit(ctx, from.Address, to.Address, body)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *SMTPProvider) submit(ctx context.Context, from, to string, body []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}
	c, err := smtp.NewClient(conn, p.cfg.SMTP.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: p.cfg.SMTP.Host}); err != nil {
			return err
		}
	}
	if p.cfg.SMTP.Username != "" {
		auth := smtp.PlainAuth("", p.cfg.SMTP.Username, p.cfg.SMTP.Password, p.cfg.SMTP.Host)
		if err := c.Auth(auth); err != nil {
			return permanent(err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return permanent(err)
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMIME(from, to *netmail.Address, messageID string, m Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	hdr("From", from.String())
	hdr("To", to.String())
	hdr("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	hdr("Date", time.Now().Format(time.RFC1123Z))
	hdr("Message-ID", messageID)
	hdr("MIME-Version", "1.0")
	if m.IdempotencyKey != "" {
		hdr("X-Idempotency-Key", m.IdempotencyKey)
	}
	hdr("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	parts := []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", m.Text},
		{"text/html; charset=utf-8", m.HTML},
	}
	for _, part := range parts {
		if part.body == "" {
			continue
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", part.ctype)
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
