package tunnelsrv

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtptunnel/internal/authtoken"
	"blitiri.com.ar/go/smtptunnel/internal/frame"
	"blitiri.com.ar/go/smtptunnel/internal/mux"
	"blitiri.com.ar/go/smtptunnel/internal/smtpmask"
	"blitiri.com.ar/go/smtptunnel/internal/trace"
)

// state is the per-connection SMTP masquerade state, per spec.md §3.
type state int

const (
	stateGreeted state = iota
	stateTLSStarted
	stateAuthenticated
	stateBinaryMode
	stateQuit
)

// Conn handles one accepted connection end to end: the SMTP
// masquerade handshake, then (on success) the binary mux session.
type Conn struct {
	server *Server
	conn   net.Conn

	reader *bufio.Reader
	writer *bufio.Writer

	state state
	tlsOn bool

	username string
	tr       *trace.Trace

	// errCount bounds how many protocol errors (unknown verb, bad
	// sequence) this connection tolerates before it is dropped,
	// mirroring the teacher's own abort-after-repeated-errors guard.
	errCount int
}

const maxProtocolErrors = 3

// Handle drives one connection from greeting through QUIT or binary
// mode takeover.
func (c *Conn) Handle() {
	defer c.conn.Close()

	c.tr = trace.New("Tunnel.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()

	c.conn.SetDeadline(time.Now().Add(c.server.HandshakeTimeout))
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	c.writeResponse(smtpmask.CodeGreeting,
		fmt.Sprintf("%s ESMTP Postfix (Ubuntu)", c.server.Hostname))
	c.state = stateGreeted

	for c.state != stateQuit && c.state != stateBinaryMode {
		verb, params, err := smtpmask.ReadCommand(c.reader)
		if err != nil {
			c.tr.Debugf("read error: %v", err)
			return
		}
		if !c.dispatch(verb, params) {
			return
		}
	}

	if c.state == stateBinaryMode {
		c.runMux()
	}
}

// dispatch handles one command line. It returns false if the
// connection should be torn down immediately (transport-level
// failure, or too many protocol errors).
func (c *Conn) dispatch(verb, params string) bool {
	switch verb {
	case "EHLO", "HELO":
		return c.handleEhlo()
	case "STARTTLS":
		return c.handleStartTLS()
	case "AUTH":
		return c.handleAuth(params)
	case "BINARY":
		return c.handleBinary()
	case "QUIT":
		c.writeResponse(smtpmask.CodeQuit, "Bye")
		c.state = stateQuit
		return true
	default:
		c.tr.Debugf("unrecognized command: %q", verb)
		return c.protocolError(smtpmask.CodeCommandUnknown, "Command not recognized")
	}
}

func (c *Conn) protocolError(code int, msg string) bool {
	log.Debugf("tunnelsrv: protocol error from %s: %d %s", c.conn.RemoteAddr(), code, msg)
	c.writeResponse(code, msg)
	c.errCount++
	return c.errCount < maxProtocolErrors
}

func (c *Conn) handleEhlo() bool {
	if c.state != stateGreeted && c.state != stateTLSStarted {
		return c.protocolError(smtpmask.CodeBadSequence, "Bad sequence of commands")
	}

	if c.tlsOn {
		c.writeResponse(smtpmask.CodeEhloOK,
			c.server.Hostname+"\nAUTH PLAIN LOGIN\n8BITMIME")
	} else {
		c.writeResponse(smtpmask.CodeEhloOK,
			c.server.Hostname+"\nSTARTTLS\nAUTH PLAIN LOGIN\n8BITMIME")
	}
	return true
}

func (c *Conn) handleStartTLS() bool {
	if c.state != stateGreeted || c.tlsOn {
		return c.protocolError(smtpmask.CodeBadSequence, "Bad sequence of commands")
	}

	c.writeResponse(smtpmask.CodeStartTLSReady, "2.0.0 Ready to start TLS")

	tlsConn := tls.Server(c.conn, c.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.tr.Errorf("TLS handshake failed: %v", err)
		return false
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.tlsOn = true
	c.state = stateTLSStarted
	return true
}

func (c *Conn) handleAuth(params string) bool {
	// Resolves spec.md §9's "post-handshake binary over plain TCP"
	// concern at its root: AUTH itself is refused without TLS.
	if !c.tlsOn {
		return c.protocolError(smtpmask.CodeAuthFailure, "5.7.8 Authentication failed")
	}

	parts := strings.SplitN(params, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "PLAIN") {
		c.writeResponse(smtpmask.CodeAuthFailure, "5.7.8 Authentication failed")
		return true
	}

	ok, username, err := authtoken.Verify(
		parts[1], c.server.Users.SecretLookup, c.server.AuthMaxAge, time.Now())
	if !ok {
		c.tr.Debugf("auth failed for token: %v", err)
		c.writeResponse(smtpmask.CodeAuthFailure, "5.7.8 Authentication failed")
		return true
	}

	remoteIP := c.remoteIP()
	if !c.server.Users.Authorized(username, remoteIP) {
		log.Infof("auth: user %q from %q is not in the allowlist", username, remoteIP)
		c.writeResponse(smtpmask.CodeAuthFailure, "5.7.8 Authentication failed")
		return true
	}

	c.username = username
	c.state = stateAuthenticated

	if rec, ok := c.server.Users.Lookup(username); !ok || rec.Logging {
		log.Infof("auth: user %q authenticated from %q", username, remoteIP)
	} else {
		log.Infof("auth: a user authenticated from %q", remoteIP)
	}

	c.writeResponse(smtpmask.CodeAuthSuccess, "2.7.0 Authentication successful")
	return true
}

func (c *Conn) remoteIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

func (c *Conn) handleBinary() bool {
	if c.state != stateAuthenticated {
		return c.protocolError(smtpmask.CodeBadSequence, "Bad sequence of commands")
	}
	c.writeResponse(smtpmask.CodeBinaryModeActive, "Binary mode activated")
	c.state = stateBinaryMode
	return true
}

// runMux hands the connection off to the multiplexer once binary
// mode has been reached, dialing outbound TCP for each CONNECT.
func (c *Conn) runMux() {
	c.conn.SetDeadline(time.Time{})

	var engine *mux.Engine
	dispatch := mux.Dispatch{
		OnConnect: func(id uint16, host string, port uint16) {
			c.handleConnect(engine, id, host, port)
		},
	}
	engine = mux.NewEngine(c.conn, dispatch, c.server.KeepaliveInterval, c.server.IdleTimeout)

	if err := engine.Run(); err != nil && !errors.Is(err, io.EOF) {
		c.tr.Debugf("mux session ended: %v", err)
	}
}

// handleConnect dials out to (host, port) on behalf of the client and
// pumps bytes bidirectionally between the dialled socket and the
// channel once open. It runs on its own goroutine so the engine's
// single reader goroutine is never blocked by a slow dial.
func (c *Conn) handleConnect(engine *mux.Engine, id uint16, host string, port uint16) {
	go func() {
		addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
		dialConn, err := net.DialTimeout("tcp", addr, c.server.DialTimeout)
		if err != nil {
			c.tr.Debugf("dial %s failed: %v", addr, err)
			engine.Send(frame.Frame{
				Type: frame.ConnectFail, ChannelID: id,
				Payload: []byte(err.Error()),
			})
			return
		}

		ch := engine.NewChannel(id)
		if err := engine.Send(frame.Frame{Type: frame.ConnectOK, ChannelID: id}); err != nil {
			dialConn.Close()
			return
		}

		done := make(chan struct{})
		go func() {
			io.Copy(ch, dialConn)
			dialConn.Close()
			close(done)
		}()
		io.Copy(dialConn, ch)
		dialConn.Close()
		<-done
		ch.Close()
	}()
}

func (c *Conn) writeResponse(code int, msg string) {
	defer c.writer.Flush()
	if err := smtpmask.WriteResponse(c.writer, code, msg); err != nil {
		c.tr.Debugf("write error: %v", err)
	}
}
