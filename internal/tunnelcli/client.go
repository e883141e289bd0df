// Package tunnelcli implements the client side of the tunnel: it
// dials the server, drives the SMTP masquerade handshake (including
// the real TLS upgrade the reference implementation left stubbed
// out), and on success exposes the tunnel to local applications as a
// SOCKS5 proxy. A connection that drops is retried with exponential
// backoff, without ever unbinding the SOCKS5 listener.
package tunnelcli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtptunnel/internal/config"
	"blitiri.com.ar/go/smtptunnel/internal/mux"
	"blitiri.com.ar/go/smtptunnel/internal/socks5"
)

const (
	initialReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Client is one configured tunnel client instance.
type Client struct {
	Config *config.Client

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	OpenTimeout       time.Duration

	tlsConfig *tls.Config
}

// New builds a Client from a loaded configuration, preparing the TLS
// configuration used for the STARTTLS upgrade.
func New(cfg *config.Client) (*Client, error) {
	tlsConfig := &tls.Config{
		ServerName: cfg.ServerHost,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("tunnelcli: reading CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tunnelcli: no certificates found in %q", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	return &Client{
		Config: cfg,

		DialTimeout:       10 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		OpenTimeout:       15 * time.Second,

		tlsConfig: tlsConfig,
	}, nil
}

// Run binds the SOCKS5 listener and keeps the tunnel connected until
// ctx is cancelled or the SOCKS5 listener itself fails irrecoverably.
func (c *Client) Run(ctx context.Context) error {
	opener := &dynamicOpener{}
	socksAddr := net.JoinHostPort(c.Config.SocksHost, strconv.Itoa(c.Config.SocksPort))
	srv := socks5.NewServer(socksAddr, opener)

	socksErrCh := make(chan error, 1)
	go func() { socksErrCh <- srv.ListenAndServe() }()

	delay := initialReconnectDelay
	for {
		select {
		case err := <-socksErrCh:
			return fmt.Errorf("tunnelcli: SOCKS5 listener failed: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sess, err := c.connect()
		if err != nil {
			log.Errorf("tunnelcli: connect failed: %v; retrying in %s", err, delay)
			if !sleepOrDone(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay)
			continue
		}

		opener.set(sess)
		log.Infof("tunnelcli: connected to %s:%d, serving SOCKS5 on %s",
			c.Config.ServerHost, c.Config.ServerPort, socksAddr)
		delay = initialReconnectDelay

		engineDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				sess.engine.Close()
			case <-engineDone:
			}
		}()

		err = sess.engine.Run()
		close(engineDone)
		opener.set(nil)

		if err != nil && !errors.Is(err, io.EOF) {
			log.Errorf("tunnelcli: session ended: %v", err)
		} else {
			log.Infof("tunnelcli: connection closed gracefully")
		}

		if !sleepOrDone(ctx, delay) {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, io.EOF) {
			delay = nextDelay(delay)
		}
	}
}

// connect dials and performs the handshake, returning a session ready
// to have its engine run.
func (c *Client) connect() (*session, error) {
	conn, err := c.handshake(c.DialTimeout)
	if err != nil {
		return nil, err
	}

	engine := mux.NewEngine(conn, mux.Dispatch{}, c.KeepaliveInterval, c.IdleTimeout)
	return &session{
		engine:      engine,
		ids:         newIDAllocator(),
		openTimeout: c.OpenTimeout,
	}, nil
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

// sleepOrDone waits for d or ctx cancellation, returning false if ctx
// was cancelled first.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
