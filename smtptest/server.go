package smtptest

// Server contains state information for an SMTP server used by a test. The
// server should be able to return the payloads of messages sent to it during
// the test. The server is meant to start during a test (or test suite) and
// stop right after.
type Server interface {
	// Start serves connections and blocks until Close is called.
	Start() error

	// Close terminates the server. It does not return an error so it's
	// easier to use with defer.
	Close()

	// RetrieveEmails returns the payloads of all email messages sent to the
	// server after time t in Unix epoch nanoseconds.
	RetrieveEmails(t int64) ([]string, error)

	// Address returns the host:port of the server.
	Address() string
}
