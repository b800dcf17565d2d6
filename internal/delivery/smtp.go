package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/config"
	"github.com/example/ingestion-service/internal/models"
)

// SMTPOption configures the behaviour of the SMTP transport.
type SMTPOption func(*SMTPTransport)

// WithSMTPTLSConfig overrides the TLS configuration used when negotiating
// STARTTLS.
func WithSMTPTLSConfig(cfg *tls.Config) SMTPOption {
	return func(t *SMTPTransport) {
		t.tlsConfig = cfg
	}
}

// WithSMTPDialer swaps the network dialer used to establish SMTP connections.
func WithSMTPDialer(d Dialer) SMTPOption {
	return func(t *SMTPTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithSMTPAuth supplies a custom SMTP auth strategy. When omitted the
// transport uses the credentials from the supplied configuration.
func WithSMTPAuth(auth smtp.Auth) SMTPOption {
	return func(t *SMTPTransport) {
		t.auth = auth
	}
}

// WithSMTPClock replaces the clock used for Date headers.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(t *SMTPTransport) {
		if now != nil {
			t.now = now
		}
	}
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPTransport implements Transport against a real SMTP backend. The sender
// identity is supplied per send call; the transport holds only connection
// level state.
type SMTPTransport struct {
	logger    zerolog.Logger
	host      string
	port      int
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// NewSMTPTransport constructs a Transport backed by an SMTP server.
func NewSMTPTransport(cfg config.SMTPConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp transport: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp transport: invalid port %d", cfg.Port)
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	t := &SMTPTransport{
		logger:    logger.With().Str("component", "smtp_transport").Logger(),
		host:      cfg.Host,
		port:      cfg.Port,
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
		helloName: "localhost",
	}
	if strings.TrimSpace(cfg.HelloName) != "" {
		t.helloName = strings.TrimSpace(cfg.HelloName)
	}
	if strings.TrimSpace(cfg.User) != "" {
		t.auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	t.tlsConfig = &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// Send delivers one HTML message from the supplied sender identity. Failures
// are reported as *TransportError carrying the SMTP status when available.
func (t *SMTPTransport) Send(ctx context.Context, from models.SenderIdentity, to, subject, htmlBody string) error {
	if strings.TrimSpace(from.Address) == "" {
		return &TransportError{Message: "sender address is required"}
	}
	if strings.TrimSpace(to) == "" {
		return &TransportError{Message: "recipient address is required"}
	}

	message := t.buildMessage(from, to, subject, htmlBody)
	if err := t.deliver(ctx, from.Address, to, message); err != nil {
		return classifyTransportError(err)
	}
	return nil
}

func (t *SMTPTransport) deliver(ctx context.Context, from, to string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(t.helloName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if cfg := t.sessionTLSConfig(); cfg != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(cfg); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if t.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(t.auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to %s: %w", to, err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("quit: %w", err)
	}

	return ctx.Err()
}

func (t *SMTPTransport) buildMessage(from models.SenderIdentity, to, subject, htmlBody string) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, "From", from.Format())
	writeHeader(&buf, "To", to)
	writeHeader(&buf, "Subject", subject)
	writeHeader(&buf, "Date", t.now().UTC().Format(time.RFC1123Z))
	writeHeader(&buf, "MIME-Version", "1.0")
	writeHeader(&buf, "Content-Type", "text/html; charset=UTF-8")
	buf.WriteString("\r\n")
	buf.WriteString(normalizeBody(htmlBody))
	return buf.Bytes()
}

func (t *SMTPTransport) sessionTLSConfig() *tls.Config {
	if t.tlsConfig == nil {
		return nil
	}
	cfg := t.tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = t.host
	}
	return cfg
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	value = sanitizeHeaderValue(value)
	if value == "" {
		return
	}
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func normalizeBody(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func classifyTransportError(err error) *TransportError {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &TransportError{Code: tpErr.Code, Message: strings.TrimSpace(tpErr.Msg)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Message: "smtp timeout: " + err.Error()}
	}

	return &TransportError{Message: err.Error()}
}
