// Package tunnelsrv implements the server side of the tunnel: it
// accepts TCP connections, drives the SMTP masquerade handshake, and
// on reaching binary mode hands the transport to internal/mux,
// dialing outbound connections on behalf of the client for each
// CONNECT it receives.
package tunnelsrv

import (
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtptunnel/internal/users"
	"blitiri.com.ar/go/systemd"
)

// Server represents a tunnel server instance.
type Server struct {
	// Hostname advertised in the SMTP greeting and EHLO responses.
	Hostname string

	// User table, shared-read / exclusive-write; Reload swaps it.
	Users *users.Table

	// UsersFile is the path Reload re-reads from.
	UsersFile string

	// Timeouts, all with the defaults recommended in spec.md §5.
	HandshakeTimeout  time.Duration
	DialTimeout       time.Duration
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	AuthMaxAge        time.Duration

	tlsConfig *tls.Config

	addrs     []string
	listeners []net.Listener
}

// NewServer returns a new, empty Server with the timeouts spec.md §5
// recommends.
func NewServer(hostname string) *Server {
	return &Server{
		Hostname: hostname,
		Users:    users.NewTable(),

		HandshakeTimeout:  30 * time.Second,
		DialTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		AuthMaxAge:        300 * time.Second,

		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// AddCerts loads a TLS certificate/key pair for STARTTLS.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on with net.Listen.
func (s *Server) AddAddr(addr string) {
	s.addrs = append(s.addrs, addr)
}

// AddSystemdListeners adds any listeners passed in by systemd socket
// activation, under the given socket name.
func (s *Server) AddSystemdListeners(name string) error {
	all, err := systemd.Listeners()
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, all[name]...)
	return nil
}

// LoadUsers loads the users file for the first time.
func (s *Server) LoadUsers(path string) error {
	s.UsersFile = path
	return s.Users.Load(path)
}

// Reload re-reads the users file. Any error is returned to the caller
// rather than being fatal, since a bad edit to the users file
// shouldn't bring down a running server; the previous snapshot stays
// live until a valid reload succeeds.
func (s *Server) Reload() error {
	return s.Users.Load(s.UsersFile)
}

// ListenAndServe on the addresses and listeners previously added.
// This function does not return unless every listener's Accept loop
// has exited.
func (s *Server) ListenAndServe() error {
	if len(s.tlsConfig.Certificates) == 0 {
		log.Fatalf("At least one TLS certificate is needed")
	}

	errCh := make(chan error, len(s.addrs)+len(s.listeners))

	for _, addr := range s.addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Infof("Server listening on %s", addr)
		go s.serve(l, errCh)
	}

	for _, l := range s.listeners {
		log.Infof("Server listening on %s (via systemd)", l.Addr())
		go s.serve(l, errCh)
	}

	return <-errCh
}

func (s *Server) serve(l net.Listener, errCh chan<- error) {
	for {
		conn, err := l.Accept()
		if err != nil {
			errCh <- err
			return
		}

		c := &Conn{
			server: s,
			conn:   conn,
		}
		go c.Handle()
	}
}
