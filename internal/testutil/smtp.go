package testutil

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// TestSMTPServer runs an SMTP server around the given backend on a random
// port, for exercising the ingest path end to end.
type TestSMTPServer struct {
	Server  *smtp.Server
	Address string
}

// NewTestSMTPServer starts an SMTP server for the backend. The server is
// shut down when the test finishes.
func NewTestSMTPServer(t *testing.T, backend smtp.Backend) *TestSMTPServer {
	t.Helper()

	s := smtp.NewServer(backend)
	s.Addr = ":0"
	s.Domain = "localhost"
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	addr := listener.Addr().String()

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("SMTP server error: %v", err)
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("Failed to close SMTP server: %v", err)
		}
	})

	return &TestSMTPServer{Server: s, Address: addr}
}

// Send delivers one message through the server as an SMTP client would.
func (s *TestSMTPServer) Send(t *testing.T, from string, to []string, data string) error {
	t.Helper()

	c, err := smtp.Dial(s.Address)
	if err != nil {
		t.Fatalf("Failed to dial SMTP server: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Hello("client.localhost"); err != nil {
		t.Fatalf("Failed to greet SMTP server: %v", err)
	}
	return c.SendMail(from, to, strings.NewReader(data))
}
