package email

import (
	"errors"
	"fmt"
)

var (
	// ErrNilMessage is returned when Send is called without a message. It is
	// a programming error, so it is returned rather than reported as a
	// Failure.
	ErrNilMessage = errors.New("message can not be nil")

	// ErrEmptyHost is carried by the Failure returned for a blank host.
	ErrEmptyHost = errors.New("Host can not be empty")

	// ErrEmptyUsername is carried by the Failure returned for a blank user
	// name.
	ErrEmptyUsername = errors.New("UserName can not be empty")

	// ErrStartTLSUnsupported means STARTTLS was required but the server did
	// not advertise it.
	ErrStartTLSUnsupported = errors.New("server does not support STARTTLS")

	// ErrMessageTooLarge means the serialized message exceeds the configured
	// limit or the size advertised by the server.
	ErrMessageTooLarge = errors.New("message exceeds the maximum size")

	// ErrNoSender means the message has neither a Sender nor a From header.
	ErrNoSender = errors.New(`message has no "Sender" or "From" header`)

	// ErrNoRecipients means the message has no To, Cc or Bcc addresses.
	ErrNoRecipients = errors.New("message has no recipients")

	// ErrNotConnected is returned by transport calls made out of order.
	ErrNotConnected = errors.New("not connected to an SMTP server")
)

// Stage names a step of the delivery sequence.
type Stage string

const (
	StageConnect      Stage = "connect"
	StageAuthenticate Stage = "authenticate"
	StageSend         Stage = "send"
	StageDisconnect   Stage = "disconnect"
)

// StageError records which step of the delivery sequence failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("smtp %v failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(s Stage, err error) *StageError {
	return &StageError{Stage: s, Err: err}
}
