package email

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender delivers one message per call to the relay described by its
// Settings. It holds no per-call state and may be shared between
// goroutines.
type Sender struct {
	settings  Settings
	policy    SecurityPolicy
	transport TransportFactory
	logger    zerolog.Logger
}

// Option customizes a Sender.
type Option func(*Sender)

// WithTransport replaces the go-smtp transport, e.g., with a test double.
func WithTransport(f TransportFactory) Option {
	return func(s *Sender) { s.transport = f }
}

// WithLogger sets the logger used for per-step debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sender) { s.logger = l }
}

// WithSecurityPolicy replaces the default host allow-list. Entries from
// Settings.ForceStartTLSHosts are still appended.
func WithSecurityPolicy(p SecurityPolicy) Option {
	return func(s *Sender) { s.policy = p }
}

// NewSender returns a Sender that owns a copy of settings.
func NewSender(settings Settings, opts ...Option) *Sender {
	s := &Sender{
		settings:  settings,
		policy:    DefaultSecurityPolicy(),
		transport: DefaultTransport,
		logger:    log.Logger,
	}
	s.settings.ForceStartTLSHosts = append([]string(nil), settings.ForceStartTLSHosts...)
	for _, o := range opts {
		o(s)
	}
	for _, h := range s.settings.ForceStartTLSHosts {
		s.policy = s.policy.With(HostRule{Substring: h, Mode: StartTLS})
	}
	return s
}

// Outcome is what SendAsync delivers: exactly one of Result and Err is set.
type Outcome struct {
	Result Result
	Err    error
}

// Send delivers msg and blocks until the session is over. Cancellation is
// not observed; use SendContext for that.
//
// Validation problems and errors while sending or disconnecting come back
// as a Failure. Errors while connecting or authenticating are returned as
// a *StageError instead, as is ErrNilMessage.
func (s *Sender) Send(msg Message) (Result, error) {
	return s.run(context.Background(), msg, blocking{})
}

// SendContext is Send with cooperative cancellation: ctx is checked before
// every network step and aborts the step in progress when it is done.
func (s *Sender) SendContext(ctx context.Context, msg Message) (Result, error) {
	return s.run(ctx, msg, cooperative{})
}

// SendAsync runs SendContext on its own goroutine. The channel receives a
// single Outcome and is then closed.
func (s *Sender) SendAsync(ctx context.Context, msg Message) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		r, err := s.SendContext(ctx, msg)
		ch <- Outcome{Result: r, Err: err}
	}()
	return ch
}

// suspension decides how the delivery sequence waits on network steps.
type suspension interface {
	// bind returns the context handed to the transport.
	bind(ctx context.Context) context.Context
	// enter runs before each network step; an error skips the step.
	enter(ctx context.Context) error
}

type blocking struct{}

func (blocking) bind(context.Context) context.Context { return context.Background() }

func (blocking) enter(context.Context) error { return nil }

type cooperative struct{}

func (cooperative) bind(ctx context.Context) context.Context { return ctx }

func (cooperative) enter(ctx context.Context) error { return ctx.Err() }

// run is the delivery sequence shared by every entry point.
func (s *Sender) run(ctx context.Context, msg Message, sp suspension) (Result, error) {
	if isNil(msg) {
		return nil, ErrNilMessage
	}
	ctx = sp.bind(ctx)

	c := s.settings.Credential
	host := strings.TrimSpace(c.Host)
	if host == "" {
		s.logger.Warn().Msg("not sending: no SMTP host configured")
		return Failure{Reason: ErrEmptyHost.Error(), Err: ErrEmptyHost}, nil
	}

	mode := s.policy.Resolve(host, c.UseSSL)
	l := s.logger.With().
		Str("host", host).
		Int("port", c.Port).
		Str("mode", mode.String()).
		Logger()

	t := s.transport(s.settings)
	defer func() {
		if err := t.Close(); err != nil {
			l.Debug().Err(err).Msg("error closing the SMTP connection")
		}
	}()

	l.Debug().Msg("connecting")
	if err := sp.enter(ctx); err != nil {
		return nil, stageErr(StageConnect, err)
	}
	if err := t.Connect(ctx, host, c.Port, mode); err != nil {
		l.Error().Err(err).Msg("can't connect to the SMTP server")
		return nil, stageErr(StageConnect, err)
	}

	if c.UserName == "" {
		l.Warn().Msg("not sending: no SMTP user name configured")
		return Failure{Reason: ErrEmptyUsername.Error(), Err: ErrEmptyUsername}, nil
	}

	l.Debug().Str("user", c.UserName).Msg("authenticating")
	if err := sp.enter(ctx); err != nil {
		return nil, stageErr(StageAuthenticate, err)
	}
	if err := t.Authenticate(ctx, c.UserName, c.Password, c.Domain); err != nil {
		l.Error().Err(err).Msg("SMTP authentication failed")
		return nil, stageErr(StageAuthenticate, err)
	}

	if err := s.deliver(ctx, t, msg, sp); err != nil {
		l.Warn().Err(err).Msg("message was not delivered")
		return failWith(err), nil
	}

	l.Info().Msg("message delivered")
	return Success{}, nil
}

// deliver runs the send and disconnect steps, whose errors become a
// Failure rather than escaping to the caller.
func (s *Sender) deliver(ctx context.Context, t Transport, msg Message, sp suspension) error {
	if err := sp.enter(ctx); err != nil {
		return stageErr(StageSend, err)
	}
	if err := t.Send(ctx, msg); err != nil {
		return stageErr(StageSend, err)
	}
	if err := sp.enter(ctx); err != nil {
		return stageErr(StageDisconnect, err)
	}
	if err := t.Disconnect(ctx); err != nil {
		return stageErr(StageDisconnect, err)
	}
	return nil
}
