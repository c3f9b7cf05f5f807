package email

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"reflect"
)

// Message is a fully formed email. *gomail.Message satisfies it.
// Implementations must not write a Bcc header in WriteTo.
type Message interface {
	io.WriterTo
	GetHeader(field string) []string
}

// Transport is one SMTP session. A Sender creates a fresh Transport for
// every call and closes it on the way out, so implementations don't need
// to be safe for concurrent use.
type Transport interface {
	// Connect dials the relay and negotiates TLS according to mode.
	Connect(ctx context.Context, host string, port int, mode SecurityMode) error
	// Authenticate logs in on an open connection.
	Authenticate(ctx context.Context, username, password, domain string) error
	// Send transmits msg to the recipients named in its headers.
	Send(ctx context.Context, msg Message) error
	// Disconnect ends the session politely with QUIT.
	Disconnect(ctx context.Context) error
	// Close releases the connection without QUIT. Safe to call more than
	// once, and after Disconnect.
	Close() error
}

// TransportFactory returns a new, unconnected Transport.
type TransportFactory func(Settings) Transport

func isNil(msg Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func:
		return v.IsNil()
	}
	return false
}

// envelope derives MAIL FROM and RCPT TO from the message headers. Sender
// takes precedence over From.
func envelope(msg Message) (from string, to []string, err error) {
	f := msg.GetHeader("Sender")
	if len(f) == 0 {
		f = msg.GetHeader("From")
	}
	if len(f) == 0 || f[0] == "" {
		return "", nil, ErrNoSender
	}
	a, err := mail.ParseAddress(f[0])
	if err != nil {
		return "", nil, fmt.Errorf("invalid sender address %q: %w", f[0], err)
	}
	from = a.Address

	seen := make(map[string]struct{})
	for _, field := range []string{"To", "Cc", "Bcc"} {
		for _, v := range msg.GetHeader(field) {
			if v == "" {
				continue
			}
			l, err := mail.ParseAddressList(v)
			if err != nil {
				return "", nil, fmt.Errorf("invalid %v address %q: %w", field, v, err)
			}
			for _, r := range l {
				if _, ok := seen[r.Address]; ok {
					continue
				}
				seen[r.Address] = struct{}{}
				to = append(to, r.Address)
			}
		}
	}
	if len(to) == 0 {
		return "", nil, ErrNoRecipients
	}
	return from, to, nil
}
