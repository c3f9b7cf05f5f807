package smtptest

import (
	"net/mail"
	"strings"
)

// ParseEmail reads the headers of a raw message body as received by the
// server, so tests can check what went over the wire.
func ParseEmail(body string) (*mail.Message, error) {
	return mail.ReadMessage(strings.NewReader(body))
}
