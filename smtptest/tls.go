package smtptest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// GenerateTLSFiles writes a TLS key and certificate to a temporary test
// directory that is removed after the test finishes. It returns the file
// paths of the key and certificate. The certificate is a root cert issued
// for 127.0.0.1.
func GenerateTLSFiles(t *testing.T) (keyPath string, certPath string, err error) {
	t.Helper()
	host := "127.0.0.1"
	d := t.TempDir()
	err = testcert.GenerateCert(
		host,
		"",                         // defaults to now
		time.Duration(1)*time.Hour, // the test suite won't run for this long
		true,                       // is a CA cert
		2048,                       // usually seen in online tutorials
		"",                         // using the default ecdsa curve,
		d+string(filepath.Separator),
	)

	if err != nil {
		return
	}

	// These file names are hardcoded into testcert.GenerateCert, which
	// prepends the directory prefix as-is.
	keyPath = filepath.Join(d, host+".key.pem")
	certPath = filepath.Join(d, host+".cert.pem")

	return
}

// Run generates certificates, starts an InProcessServer with opts and
// stops it when the test ends.
func Run(t *testing.T, opts Options) *InProcessServer {
	t.Helper()
	k, c, err := GenerateTLSFiles(t)
	if err != nil {
		t.Fatalf("can't generate TLS files: %v", err)
	}
	srv := NewInProcessServer(k, c, opts)
	go func(srv *InProcessServer) {
		// Serve returns nil once Close is called.
		if err := srv.Start(); err != nil {
			t.Logf("the test SMTP server stopped: %v", err)
		}
	}(srv)
	t.Cleanup(srv.Close)
	return srv
}
