package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/knadh/smtppool/v2"
)

// SMTPConfig configures the pooled SMTP adapter, following the same
// server/auth/TLS shape the messenger pack builds its smtppool.Opt from.
type SMTPConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	AuthProtocol  string // "login", "plain", "cram", or "" for none
	TLSType       string // "TLS", "STARTTLS", or "none"
	TLSSkipVerify bool
	MaxConns      int
}

// smtpError wraps a delivery failure with its §7 retry classification.
type smtpError struct {
	err  error
	kind ErrorKind
}

func (e *smtpError) Error() string        { return e.err.Error() }
func (e *smtpError) Unwrap() error        { return e.err }
func (e *smtpError) ErrorKind() ErrorKind { return e.kind }

// SMTPMailer is the default Mailer adapter: a pooled SMTP connection set
// behind the opaque Mailer interface. It never dials per Send call.
type SMTPMailer struct {
	pool *smtppool.Pool
}

// NewSMTPMailer builds a pooled SMTP mailer from cfg.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	password := strings.ReplaceAll(cfg.Password, " ", "")

	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, password, cfg.Host)
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: password}
	case "", "none":
	default:
		return nil, fmt.Errorf("mailer: unknown smtp auth protocol %q", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host: cfg.Host,
		Port: cfg.Port,
		Auth: auth,
		SSL:  smtppool.SSLNone,
	}
	if cfg.MaxConns > 0 {
		opt.MaxConns = cfg.MaxConns
	}
	if cfg.TLSType != "" && cfg.TLSType != "none" {
		tlsCfg := &tls.Config{}
		if cfg.TLSSkipVerify {
			tlsCfg.InsecureSkipVerify = true //nolint:gosec
		} else {
			tlsCfg.ServerName = cfg.Host
		}
		opt.TLSConfig = tlsCfg
		switch cfg.TLSType {
		case "TLS":
			opt.SSL = smtppool.SSLTLS
		case "STARTTLS":
			opt.SSL = smtppool.SSLSTARTTLS
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, fmt.Errorf("mailer: build smtp pool: %w", err)
	}
	return &SMTPMailer{pool: pool}, nil
}

// Send implements Mailer. ctx cancellation is checked before handing the
// message to the pool; smtppool.Pool.Send itself blocks on the
// underlying connection's own timeouts rather than ctx.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	email := smtppool.Email{
		From:    fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail),
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    []byte(msg.HTMLBody),
		Headers: textproto.MIMEHeader{
			"X-Bulkmail-Job-Id":      []string{msg.JobID},
			"X-Bulkmail-Campaign-Id": []string{msg.CampaignID},
		},
	}
	for _, a := range msg.Attachments {
		email.Attachments = append(email.Attachments, smtppool.Attachment{
			Filename: a.Filename,
			Content:  a.Bytes,
			Header: textproto.MIMEHeader{
				"Content-Type": []string{a.ContentType},
			},
		})
	}

	if err := m.pool.Send(email); err != nil {
		return "", classifySMTPError(err)
	}
	return msg.JobID, nil
}

// Close releases pooled connections. Safe to call once during shutdown.
func (m *SMTPMailer) Close() {
	m.pool.Close()
}

// classifySMTPError inspects an SMTP reply code: 4xx is a transient
// upstream condition (greylisting, throttling), 5xx is a permanent
// rejection (bad recipient, policy refusal). Dial failures and timeouts
// carry no reply code and are treated as transient so the job retries.
func classifySMTPError(err error) *smtpError {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch {
		case protoErr.Code >= 500:
			return &smtpError{err: err, kind: Permanent}
		case protoErr.Code >= 400:
			return &smtpError{err: err, kind: Transient}
		}
	}
	return &smtpError{err: err, kind: Transient}
}
