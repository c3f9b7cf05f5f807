package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// DialContextFunc opens the raw connection to a relay.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SMTPTransport implements Transport on top of go-smtp. Create it with
// NewSMTPTransport.
type SMTPTransport struct {
	settings Settings
	dial     DialContextFunc

	conn   net.Conn
	client *smtp.Client
	host   string
}

// NewSMTPTransport returns an unconnected transport. dial may be nil, in
// which case a net.Dialer is used.
func NewSMTPTransport(s Settings, dial DialContextFunc) *SMTPTransport {
	if dial == nil {
		d := &net.Dialer{Timeout: s.Timeout}
		dial = d.DialContext
	}
	return &SMTPTransport{settings: s, dial: dial}
}

// DefaultTransport is the TransportFactory used when none is configured.
func DefaultTransport(s Settings) Transport {
	return NewSMTPTransport(s, nil)
}

func (t *SMTPTransport) tlsConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: t.settings.SkipCertVerification,
		MinVersion:         tls.VersionTLS12,
	}
}

// watch applies the configured deadline and aborts in-flight I/O when ctx
// is done. The returned func must be called once the step completes.
func (t *SMTPTransport) watch(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	if t.conn == nil {
		return func() {}, ErrNotConnected
	}
	var deadline time.Time
	if t.settings.Timeout > 0 {
		deadline = time.Now().Add(t.settings.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return func() {}, err
	}
	conn := t.conn
	stop := context.AfterFunc(ctx, func() {
		// go-smtp resets the deadline before every command, so a deadline
		// alone can't hold. Closing fails any pending or later I/O.
		conn.SetDeadline(time.Now())
		conn.Close()
	})
	return func() { stop() }, nil
}

// interrupted prefers the context error over the I/O error it caused.
func interrupted(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

// Connect implements Transport.
func (t *SMTPTransport) Connect(ctx context.Context, host string, port int, mode SecurityMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	host = strings.TrimSpace(host)
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("can't dial %v: %w", addr, err)
	}
	if mode == SSLOnConnect {
		conn = tls.Client(conn, t.tlsConfig(host))
	}
	t.conn = conn
	t.host = host

	done, err := t.watch(ctx)
	defer done()
	if err != nil {
		t.Close()
		return err
	}

	if err := t.handshake(mode); err != nil {
		t.Close()
		return interrupted(ctx, err)
	}
	return nil
}

func (t *SMTPTransport) handshake(mode SecurityMode) error {
	c, err := smtp.NewClient(t.conn, t.host)
	if err != nil {
		return fmt.Errorf("can't read the server greeting: %w", err)
	}
	t.client = c
	if t.settings.Timeout > 0 {
		c.CommandTimeout = t.settings.Timeout
		c.SubmissionTimeout = t.settings.Timeout
	}

	if t.settings.Domain != "" {
		if err := c.Hello(t.settings.Domain); err != nil {
			return fmt.Errorf("EHLO rejected: %w", err)
		}
	}

	switch mode {
	case StartTLS, StartTLSWhenAvailable:
		ok, _ := c.Extension("STARTTLS")
		if !ok {
			if mode == StartTLS {
				return ErrStartTLSUnsupported
			}
			return nil
		}
		if err := c.StartTLS(t.tlsConfig(t.host)); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	return nil
}

// Authenticate implements Transport. PLAIN is preferred; LOGIN is used
// when it is the only mechanism the server offers. The domain was already
// announced in EHLO, so it is not part of the SASL exchange.
func (t *SMTPTransport) Authenticate(ctx context.Context, username, password, _ string) error {
	if t.client == nil {
		return ErrNotConnected
	}
	done, err := t.watch(ctx)
	defer done()
	if err != nil {
		return err
	}

	var a sasl.Client
	_, mechs := t.client.Extension("AUTH")
	if offers(mechs, sasl.Plain) || !offers(mechs, "LOGIN") {
		a = sasl.NewPlainClient("", username, password)
	} else {
		a = sasl.NewLoginClient(username, password)
	}
	return interrupted(ctx, t.client.Auth(a))
}

func offers(mechs, mech string) bool {
	for _, m := range strings.Fields(mechs) {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// Send implements Transport.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if t.client == nil {
		return ErrNotConnected
	}
	from, to, err := envelope(msg)
	if err != nil {
		return err
	}

	buf := &bytes.Buffer{}
	if _, err := msg.WriteTo(buf); err != nil {
		return fmt.Errorf("can't serialize the message: %w", err)
	}
	if err := t.checkSize(int64(buf.Len())); err != nil {
		return err
	}

	done, err := t.watch(ctx)
	defer done()
	if err != nil {
		return err
	}

	if err := t.client.Mail(from, nil); err != nil {
		return interrupted(ctx, fmt.Errorf("MAIL FROM rejected: %w", err))
	}
	for _, r := range to {
		if err := t.client.Rcpt(r); err != nil {
			return interrupted(ctx, fmt.Errorf("RCPT TO %v rejected: %w", r, err))
		}
	}
	w, err := t.client.Data()
	if err != nil {
		return interrupted(ctx, fmt.Errorf("DATA rejected: %w", err))
	}
	if _, err := io.Copy(w, buf); err != nil {
		w.Close()
		return interrupted(ctx, fmt.Errorf("can't write the message: %w", err))
	}
	return interrupted(ctx, w.Close())
}

func (t *SMTPTransport) checkSize(n int64) error {
	if limit := int64(t.settings.MaxMessageSize); limit > 0 && n > limit {
		return fmt.Errorf("%w: %v bytes, limit is %v", ErrMessageTooLarge, n, t.settings.MaxMessageSize)
	}
	if ok, v := t.client.Extension("SIZE"); ok {
		if limit, err := strconv.ParseInt(v, 10, 64); err == nil && limit > 0 && n > limit {
			return fmt.Errorf("%w: %v bytes, server accepts %v", ErrMessageTooLarge, n, limit)
		}
	}
	return nil
}

// Disconnect implements Transport.
func (t *SMTPTransport) Disconnect(ctx context.Context) error {
	if t.client == nil {
		return ErrNotConnected
	}
	done, err := t.watch(ctx)
	defer done()
	if err != nil {
		return err
	}
	// Quit only closes the connection when the server answers 221.
	if err = t.client.Quit(); err != nil {
		t.Close()
		return interrupted(ctx, err)
	}
	t.client = nil
	t.conn = nil
	return nil
}

// Close implements Transport.
func (t *SMTPTransport) Close() error {
	var err error
	switch {
	case t.client != nil:
		err = t.client.Close()
	case t.conn != nil:
		err = t.conn.Close()
	}
	t.client = nil
	t.conn = nil
	return err
}
