package email

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/units"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "gopkg.in/gomail.v2"

	"github.com/ptgott/smtpsend/smtptest"
)

// serverSettings points Settings at srv. The host is a loopback address so
// the default dialer reaches the server.
func serverSettings(t *testing.T, srv *smtptest.InProcessServer) Settings {
	t.Helper()
	h, p, err := net.SplitHostPort(srv.Address())
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return Settings{
		Credential: Credential{
			Host:     h,
			Port:     port,
			UserName: "myuser",
			Password: "mypassword",
		},
		// since it's a self-signed cert
		SkipCertVerification: true,
	}
}

// viaServer routes every dial to srv, whatever host name the Sender asks for.
func viaServer(srv *smtptest.InProcessServer) Option {
	return WithTransport(func(s Settings) Transport {
		return NewSMTPTransport(s, srv.Dialer())
	})
}

func newSMTPSender(s Settings, opts ...Option) *Sender {
	return NewSender(s, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

// TestSMTPSend is meant to test the minimal expected behavior of a full
// session: STARTTLS is negotiated when offered, then AUTH, then DATA.
func TestSMTPSend(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{})
	s := newSMTPSender(serverSettings(t, srv))

	r, err := s.Send(testMessage())
	require.NoError(t, err)
	require.Equal(t, Success{}, r)

	b, err := srv.RetrieveEmails(0)
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Contains(t, b[0], "Hello this is my email body")

	ms := srv.Messages()
	require.Len(t, ms, 1)
	assert.Equal(t, "me@example.com", ms[0].From)
	assert.Equal(t, []string{"you@example.com"}, ms[0].To)
	assert.Equal(t, "myuser", ms[0].Username)
}

func TestSMTPSendWithDomain(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{})
	st := serverSettings(t, srv)
	st.Domain = "client.example.com"

	r, err := newSMTPSender(st).Send(testMessage())
	require.NoError(t, err)
	assert.Equal(t, Success{}, r)
}

func TestSMTPForcedStartTLS(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{})
	st := serverSettings(t, srv)
	st.Host = "smtp.mailtrap.io"
	st.Port = 2525
	// useSsl would mean implicit TLS, which the server doesn't speak. The
	// allow-list has to win for this to work.
	st.UseSSL = true

	r, err := newSMTPSender(st, viaServer(srv)).Send(testMessage())
	require.NoError(t, err)
	assert.Equal(t, Success{}, r)
	assert.Len(t, srv.Messages(), 1)
}

func TestSMTPForcedStartTLSUnsupported(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{NoSTARTTLS: true})
	st := serverSettings(t, srv)
	st.Host = "smtp.ethereal.email"

	r, err := newSMTPSender(st, viaServer(srv)).Send(testMessage())
	assert.Nil(t, r)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageConnect, se.Stage)
	assert.ErrorIs(t, err, ErrStartTLSUnsupported)
	assert.Zero(t, srv.Logins())
}

func TestSMTPPlaintextWhenSTARTTLSMissing(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{NoSTARTTLS: true})

	r, err := newSMTPSender(serverSettings(t, srv)).Send(testMessage())
	require.NoError(t, err)
	assert.Equal(t, Success{}, r)
}

func TestSMTPImplicitTLS(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{ImplicitTLS: true})
	st := serverSettings(t, srv)
	st.UseSSL = true

	r, err := newSMTPSender(st).Send(testMessage())
	require.NoError(t, err)
	assert.Equal(t, Success{}, r)
	assert.Len(t, srv.Messages(), 1)
}

func TestSMTPBadCredentials(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{
		Users: map[string]string{"myuser": "the-real-password"},
	})

	r, err := newSMTPSender(serverSettings(t, srv)).Send(testMessage())
	assert.Nil(t, r)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageAuthenticate, se.Stage)
	assert.Equal(t, 1, srv.Logins())
	assert.Empty(t, srv.Messages())
}

func TestSMTPEmptyUsername(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{})
	st := serverSettings(t, srv)
	st.UserName = ""

	r, err := newSMTPSender(st).Send(testMessage())
	require.NoError(t, err)
	assert.Equal(t, Failure{Reason: "UserName can not be empty", Err: ErrEmptyUsername}, r)
	// The connection was made before the user name was checked.
	assert.Equal(t, 1, srv.Connections())
	assert.Zero(t, srv.Logins())
}

func TestSMTPEmptyHostMakesNoConnection(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{})
	st := serverSettings(t, srv)
	st.Host = ""

	r, err := newSMTPSender(st, viaServer(srv)).Send(testMessage())
	require.NoError(t, err)
	assert.Equal(t, Failure{Reason: "Host can not be empty", Err: ErrEmptyHost}, r)
	assert.Zero(t, srv.Connections())
}

func TestSMTPBccNotTransmitted(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{})

	m := testMessage()
	m.SetHeader("Cc", "cc@example.com")
	m.SetHeader("Bcc", "hidden@example.com")

	r, err := newSMTPSender(serverSettings(t, srv)).Send(m)
	require.NoError(t, err)
	require.Equal(t, Success{}, r)

	ms := srv.Messages()
	require.Len(t, ms, 1)
	assert.ElementsMatch(t,
		[]string{"you@example.com", "cc@example.com", "hidden@example.com"},
		ms[0].To,
	)

	p, err := smtptest.ParseEmail(ms[0].Body)
	require.NoError(t, err)
	assert.Empty(t, p.Header.Get("Bcc"))
	assert.Equal(t, "cc@example.com", p.Header.Get("Cc"))
}

func TestSMTPMessageTooLarge(t *testing.T) {
	big := gomail.NewMessage()
	big.SetHeader("From", "me@example.com")
	big.SetHeader("To", "you@example.com")
	big.SetBody("text/plain", strings.Repeat("a", 4096))

	testCases := []struct {
		description string
		opts        smtptest.Options
		limit       units.Base2Bytes
	}{
		{
			description: "configured limit",
			limit:       units.KiB,
		},
		{
			description: "limit advertised by the server",
			opts:        smtptest.Options{MaxMessageBytes: 1024},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			srv := smtptest.Run(t, tc.opts)
			st := serverSettings(t, srv)
			st.MaxMessageSize = tc.limit

			r, err := newSMTPSender(st).Send(big)
			require.NoError(t, err)
			f, ok := r.(Failure)
			require.True(t, ok, "expected a Failure but got %T", r)
			assert.ErrorIs(t, f, ErrMessageTooLarge)
			assert.Empty(t, srv.Messages())
		})
	}
}

func TestSMTPSendContext(t *testing.T) {
	srv := smtptest.Run(t, smtptest.Options{})
	s := newSMTPSender(serverSettings(t, srv))

	o := <-s.SendAsync(context.Background(), testMessage())
	require.NoError(t, o.Err)
	assert.Equal(t, Success{}, o.Result)

	r, err := s.SendContext(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, Success{}, r)
	assert.Len(t, srv.Messages(), 2)
	assert.Equal(t, 2, srv.Connections())
}

func TestSMTPTransportOutOfOrder(t *testing.T) {
	tr := NewSMTPTransport(Settings{}, nil)
	ctx := context.Background()
	assert.ErrorIs(t, tr.Authenticate(ctx, "u", "p", ""), ErrNotConnected)
	assert.ErrorIs(t, tr.Send(ctx, testMessage()), ErrNotConnected)
	assert.ErrorIs(t, tr.Disconnect(ctx), ErrNotConnected)
	assert.NoError(t, tr.Close())
}

// relaySettings points Settings at a ScriptedRelay, which speaks plaintext.
func relaySettings() Settings {
	return Settings{
		Credential: Credential{
			Host:     "smtp.example.com",
			Port:     25,
			UserName: "myuser",
			Password: "mypassword",
		},
	}
}

func viaRelay(r *smtptest.ScriptedRelay, dial DialContextFunc) Option {
	if dial == nil {
		dial = r.Dialer()
	}
	return WithTransport(func(s Settings) Transport {
		return NewSMTPTransport(s, dial)
	})
}

// closeRecorder notes whether the client closed its end.
type closeRecorder struct {
	net.Conn
	closed *atomic.Bool
}

func (c closeRecorder) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func TestSMTPRejectedQuitClosesConnection(t *testing.T) {
	relay := smtptest.NewScriptedRelay(t, smtptest.Script{QuitReply: "421 4.3.2 busy"})

	var closed atomic.Bool
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		c, err := relay.Dialer()(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return closeRecorder{Conn: c, closed: &closed}, nil
	}

	r, err := newSMTPSender(relaySettings(), viaRelay(relay, dial)).Send(testMessage())
	require.NoError(t, err)
	f, ok := r.(Failure)
	require.True(t, ok, "expected a Failure but got %T", r)

	var se *StageError
	require.ErrorAs(t, f, &se)
	assert.Equal(t, StageDisconnect, se.Stage)
	assert.Equal(t, 1, relay.Messages())
	assert.True(t, closed.Load(), "connection left open after QUIT was rejected")
}

func TestSMTPAuthMechanism(t *testing.T) {
	testCases := []struct {
		description string
		offered     []string
		expected    string
	}{
		{
			description: "LOGIN when it is the only mechanism",
			offered:     []string{"LOGIN"},
			expected:    "LOGIN",
		},
		{
			description: "PLAIN preferred over LOGIN",
			offered:     []string{"LOGIN", "PLAIN"},
			expected:    "PLAIN",
		},
		{
			description: "PLAIN alone",
			offered:     []string{"PLAIN"},
			expected:    "PLAIN",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			relay := smtptest.NewScriptedRelay(t, smtptest.Script{AuthMechanisms: tc.offered})

			r, err := newSMTPSender(relaySettings(), viaRelay(relay, nil)).Send(testMessage())
			require.NoError(t, err)
			require.Equal(t, Success{}, r)
			assert.Equal(t,
				[]smtptest.Auth{{Mechanism: tc.expected, Username: "myuser"}},
				relay.Auths(),
			)
		})
	}
}

func TestSMTPCancelWhileConnecting(t *testing.T) {
	relay := smtptest.NewScriptedRelay(t, smtptest.Script{NoGreeting: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	r, err := newSMTPSender(relaySettings(), viaRelay(relay, nil)).SendContext(ctx, testMessage())
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Nil(t, r)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageConnect, se.Stage)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSMTPTimeoutWhileConnecting(t *testing.T) {
	relay := smtptest.NewScriptedRelay(t, smtptest.Script{NoGreeting: true})
	st := relaySettings()
	st.Timeout = 100 * time.Millisecond

	start := time.Now()
	r, err := newSMTPSender(st, viaRelay(relay, nil)).Send(testMessage())
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Nil(t, r)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageConnect, se.Stage)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestInterruptedKeepsBothErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ioErr := &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}

	err := interrupted(ctx, ioErr)
	assert.ErrorIs(t, err, context.Canceled)
	var oe *net.OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "read", oe.Op)

	assert.Equal(t, ioErr, interrupted(context.Background(), ioErr))
	assert.NoError(t, interrupted(ctx, nil))
	assert.False(t, errors.Is(interrupted(context.Background(), ioErr), context.Canceled))
}
