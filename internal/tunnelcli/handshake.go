package tunnelcli

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"blitiri.com.ar/go/smtptunnel/internal/authtoken"
	"blitiri.com.ar/go/smtptunnel/internal/smtpmask"
)

// handshake dials the tunnel server and drives it through the SMTP
// masquerade up to BINARY, returning the now-TLS-wrapped connection
// ready for mux framing.
func (c *Client) handshake(dialTimeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(c.Config.ServerHost, strconv.Itoa(c.Config.ServerPort))

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tunnelcli: dial %s: %w", addr, err)
	}
	conn.SetDeadline(time.Now().Add(c.HandshakeTimeout))

	r := bufio.NewReader(conn)

	if err := expect(r, smtpmask.CodeGreeting); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelcli: greeting: %w", err)
	}

	if err := sendAndExpect(conn, r, "EHLO tunnel-client.local", smtpmask.CodeEhloOK); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelcli: EHLO: %w", err)
	}

	if err := sendAndExpect(conn, r, "STARTTLS", smtpmask.CodeStartTLSReady); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelcli: STARTTLS: %w", err)
	}

	tlsConn := tls.Client(conn, c.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelcli: TLS handshake: %w", err)
	}
	conn = tlsConn
	r = bufio.NewReader(conn)

	if err := sendAndExpect(conn, r, "EHLO tunnel-client.local", smtpmask.CodeEhloOK); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelcli: EHLO (post-TLS): %w", err)
	}

	token := authtoken.GenerateNow([]byte(c.Config.Secret), c.Config.Username)
	if err := sendAndExpect(conn, r, "AUTH PLAIN "+token, smtpmask.CodeAuthSuccess); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelcli: AUTH: %w", err)
	}

	if err := sendAndExpect(conn, r, "BINARY", smtpmask.CodeBinaryModeActive); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelcli: BINARY: %w", err)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

func sendAndExpect(conn net.Conn, r *bufio.Reader, line string, want int) error {
	if err := smtpmask.WriteLine(conn, line); err != nil {
		return err
	}
	return expect(r, want)
}

// expect reads one (possibly multi-line) response and checks its
// code against want.
func expect(r *bufio.Reader, want int) error {
	code, err := readResponse(r)
	if err != nil {
		return err
	}
	if code != want {
		return fmt.Errorf("server replied %d, want %d", code, want)
	}
	return nil
}

func readResponse(r *bufio.Reader) (int, error) {
	for {
		line, err := smtpmask.ReadLine(r)
		if err != nil {
			return 0, err
		}
		if len(line) < 4 {
			return 0, fmt.Errorf("malformed response line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, fmt.Errorf("malformed response code in %q", line)
		}
		if line[3] == ' ' {
			return code, nil
		}
		if line[3] != '-' {
			return 0, fmt.Errorf("malformed response line %q", line)
		}
	}
}
