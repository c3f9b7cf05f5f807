package smtptest

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
)

// Script controls the replies of a ScriptedRelay. The zero value greets,
// offers AUTH PLAIN over plaintext and accepts everything.
type Script struct {
	// NoGreeting keeps connections open without ever sending the 220
	// greeting.
	NoGreeting bool
	// AuthMechanisms are advertised in the EHLO reply. Empty means PLAIN.
	AuthMechanisms []string
	// QuitReply is the full reply line to QUIT. Empty means a normal 221.
	// Any other code leaves the connection open.
	QuitReply string
}

// Auth is one successful AUTH exchange seen by a ScriptedRelay.
type Auth struct {
	Mechanism string
	Username  string
}

// ScriptedRelay is a bare SMTP relay for the replies go-smtp's server
// won't produce: a withheld greeting, a LOGIN-only AUTH offer or a
// rejected QUIT. Create it with NewScriptedRelay.
type ScriptedRelay struct {
	script   Script
	listener net.Listener

	mu       sync.Mutex
	auths    []Auth
	messages int
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewScriptedRelay starts a relay on a random loopback port and stops it
// when the test ends.
func NewScriptedRelay(t *testing.T, s Script) *ScriptedRelay {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("can't listen for the scripted relay: %v", err)
	}
	r := &ScriptedRelay{
		script:   s,
		listener: l,
		conns:    make(map[net.Conn]struct{}),
	}
	r.wg.Add(1)
	go r.accept()
	t.Cleanup(r.Close)
	return r
}

func (r *ScriptedRelay) accept() {
	defer r.wg.Done()
	for {
		c, err := r.listener.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			c.Close()
			return
		}
		r.conns[c] = struct{}{}
		r.mu.Unlock()
		r.wg.Add(1)
		go r.serve(c)
	}
}

func (r *ScriptedRelay) serve(c net.Conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		c.Close()
	}()

	if r.script.NoGreeting {
		// Hold the connection until the client gives up.
		io.Copy(io.Discard, c)
		return
	}

	tc := textproto.NewConn(c)
	tc.PrintfLine("220 localhost ESMTP scripted")
	for {
		line, err := tc.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO", "HELO":
			mechs := r.script.AuthMechanisms
			if len(mechs) == 0 {
				mechs = []string{"PLAIN"}
			}
			tc.PrintfLine("250-localhost")
			tc.PrintfLine("250 AUTH %v", strings.Join(mechs, " "))
		case "AUTH":
			if !r.auth(tc, arg) {
				tc.PrintfLine("535 5.7.8 Authentication failed")
				continue
			}
			tc.PrintfLine("235 2.7.0 Authentication succeeded")
		case "MAIL", "RCPT", "RSET", "NOOP":
			tc.PrintfLine("250 2.0.0 OK")
		case "DATA":
			tc.PrintfLine("354 Go ahead")
			if _, err := tc.ReadDotBytes(); err != nil {
				return
			}
			r.mu.Lock()
			r.messages++
			r.mu.Unlock()
			tc.PrintfLine("250 2.0.0 OK: queued")
		case "QUIT":
			reply := r.script.QuitReply
			if reply == "" {
				reply = "221 2.0.0 Bye"
			}
			tc.PrintfLine("%v", reply)
			if strings.HasPrefix(reply, "221") {
				return
			}
		default:
			tc.PrintfLine("502 5.5.2 Command not recognized")
		}
	}
}

// auth runs one PLAIN or LOGIN exchange. Any non-empty credentials pass.
func (r *ScriptedRelay) auth(tc *textproto.Conn, arg string) bool {
	mech, ir, _ := strings.Cut(arg, " ")
	mech = strings.ToUpper(mech)
	if !r.offers(mech) {
		return false
	}

	var username, password string
	switch mech {
	case "PLAIN":
		b, err := base64.StdEncoding.DecodeString(ir)
		if err != nil {
			return false
		}
		parts := strings.Split(string(b), "\x00")
		if len(parts) != 3 {
			return false
		}
		username, password = parts[1], parts[2]
	case "LOGIN":
		if ir == "" {
			var ok bool
			if ir, ok = challenge(tc, "Username:"); !ok {
				return false
			}
		}
		u, err := base64.StdEncoding.DecodeString(ir)
		if err != nil {
			return false
		}
		p, ok := challenge(tc, "Password:")
		if !ok {
			return false
		}
		pb, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return false
		}
		username, password = string(u), string(pb)
	default:
		return false
	}

	if username == "" || password == "" {
		return false
	}
	r.mu.Lock()
	r.auths = append(r.auths, Auth{Mechanism: mech, Username: username})
	r.mu.Unlock()
	return true
}

func challenge(tc *textproto.Conn, prompt string) (string, bool) {
	tc.PrintfLine("334 %v", base64.StdEncoding.EncodeToString([]byte(prompt)))
	l, err := tc.ReadLine()
	return l, err == nil
}

func (r *ScriptedRelay) offers(mech string) bool {
	mechs := r.script.AuthMechanisms
	if len(mechs) == 0 {
		mechs = []string{"PLAIN"}
	}
	for _, m := range mechs {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// Auths returns every successful AUTH exchange so far.
func (r *ScriptedRelay) Auths() []Auth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Auth(nil), r.auths...)
}

// Messages is the number of DATA transactions accepted.
func (r *ScriptedRelay) Messages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages
}

// Address returns the host:port of the relay.
func (r *ScriptedRelay) Address() string {
	return r.listener.Addr().String()
}

// Dialer returns a dial func that connects to the relay whatever address
// it is asked for.
func (r *ScriptedRelay) Dialer() func(ctx context.Context, network, address string) (net.Conn, error) {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, r.Address())
	}
}

// Close stops the relay and drops any open connections.
func (r *ScriptedRelay) Close() {
	r.listener.Close()
	r.mu.Lock()
	r.closed = true
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
