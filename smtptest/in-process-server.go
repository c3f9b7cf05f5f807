package smtptest

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// Message is a single DATA transaction as the server saw it.
type Message struct {
	Created  time.Time
	From     string
	To       []string
	Body     string
	Username string
}

// Options changes how an InProcessServer negotiates TLS and AUTH.
type Options struct {
	// ImplicitTLS wraps the listener in TLS so clients must connect with
	// TLS from the first byte.
	ImplicitTLS bool
	// NoSTARTTLS stops the server from advertising STARTTLS. AUTH is then
	// allowed over plaintext.
	NoSTARTTLS bool
	// MaxMessageBytes is advertised through the SIZE extension. Zero means
	// the default cap.
	MaxMessageBytes int
	// Users restricts AUTH to these username/password pairs. A nil map
	// accepts any non-empty pair.
	Users map[string]string
}

// Backend implements smtp.Backend. It's a thin authentication wrapper
// for an InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
	users map[string]string
}

// Login implements smtp.Backend.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	be.logins.Add(1)
	if username == "" || password == "" {
		return nil, errors.New("no username or password provided")
	}
	if be.users != nil {
		if p, ok := be.users[username]; !ok || p != password {
			return nil, errors.New("invalid username or password")
		}
	}
	return &session{store: be.InMemoryEmailStore, username: username}, nil
}

// AnonymousLogin implements smtp.Backend. Not supported since we want to
// enforce AUTH.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

// session implements smtp.Session for one authenticated connection.
type session struct {
	store    *InMemoryEmailStore
	username string
	from     string
	to       []string
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }

func (s *session) Mail(from string, _ smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	s.to = append(s.to, to)
	return nil
}

// Data stores the message in memory for retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	// doubtful we'll get an email this big, but we need a limit
	var maxEmailSize int64 = 100 * units.MiB
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	str := &strings.Builder{}
	if _, err := str.Write(buf); err != nil {
		return err
	}
	s.store.saveEmail(Message{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Body:     str.String(),
		Username: s.username,
	})
	return nil
}

// InMemoryEmailStore retains messages in memory for comparison against
// a test's expected output. Goroutine safe, since every client connection
// is served on its own goroutine.
type InMemoryEmailStore struct {
	mu       sync.Mutex
	messages []Message
	logins   atomic.Int64
	conns    atomic.Int64
}

// saveEmail stores the message along with a timestamp created just prior
// to saving.
func (es *InMemoryEmailStore) saveEmail(m Message) {
	es.mu.Lock()
	defer es.mu.Unlock()

	m.Created = time.Now()
	es.messages = append(es.messages, m)
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// sent after epoch nanoseconds t.
// Satisfies smtptest.Server but isn't expected to return an error.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	ms := es.Messages()
	r := make([]string, 0, len(ms))
	for _, m := range ms {
		if m.Created.UnixNano() >= t {
			r = append(r, m.Body)
		}
	}
	return r, nil
}

// Messages returns a copy of every message received so far.
func (es *InMemoryEmailStore) Messages() []Message {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]Message(nil), es.messages...)
}

// Logins is the number of AUTH attempts, successful or not.
func (es *InMemoryEmailStore) Logins() int { return int(es.logins.Load()) }

// Connections is the number of accepted TCP connections.
func (es *InMemoryEmailStore) Connections() int { return int(es.conns.Load()) }

// countingListener counts accepted connections on behalf of the store.
type countingListener struct {
	net.Listener
	store *InMemoryEmailStore
}

func (l countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.store.conns.Add(1)
	}
	return c, err
}

// InProcessServer is an SMTP server that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer.
type InProcessServer struct {
	*smtp.Server
	*InMemoryEmailStore
	listener net.Listener
}

// NewInProcessServer creates an InProcessServer listening on a random
// loopback port, including configuring its SMTP server to store incoming
// messages in memory. Must provide the paths to the key and cert used for
// TLS.
func NewInProcessServer(keypath string, certpath string, opts Options) *InProcessServer {
	is := &InMemoryEmailStore{}

	srv := smtp.NewServer(&Backend{
		InMemoryEmailStore: is,
		users:              opts.Users,
	})

	srv.Domain = "localhost"
	srv.AuthDisabled = false // need AUTH here
	// Strict enforces <address> syntax in MAIL and RCPT.
	srv.Strict = true
	srv.MaxMessageBytes = opts.MaxMessageBytes
	if srv.MaxMessageBytes == 0 {
		srv.MaxMessageBytes = 10 * units.MiB
	}

	cert, err := tls.LoadX509KeyPair(certpath, keypath)

	// No way to carry on without a cert, so we panic. We're in a test
	// suite, so this should be fine.
	if err != nil {
		panic(err)
	}
	tlsc := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	var ln net.Listener = countingListener{Listener: l, store: is}

	switch {
	case opts.ImplicitTLS:
		ln = tls.NewListener(ln, tlsc)
		srv.TLSConfig = tlsc
	case opts.NoSTARTTLS:
		srv.AllowInsecureAuth = true
	default:
		srv.TLSConfig = tlsc
		srv.AllowInsecureAuth = false // clients must upgrade before AUTH
	}
	srv.Addr = l.Addr().String()

	return &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		listener:           ln,
	}
}

// Start starts the test server. Blocking.
func (is *InProcessServer) Start() error {
	return is.Server.Serve(is.listener)
}

// Close shuts down the test server daemon. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.Server.Close()
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.Server.Addr
}

// Dialer returns a dial func that connects to the server whatever address
// it is asked for, so tests can use real provider host names.
func (is *InProcessServer) Dialer() func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, is.Address())
	}
}
