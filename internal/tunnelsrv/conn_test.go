package tunnelsrv

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"blitiri.com.ar/go/smtptunnel/internal/authtoken"
	"blitiri.com.ar/go/smtptunnel/internal/frame"
	"blitiri.com.ar/go/smtptunnel/internal/testlib"
	"blitiri.com.ar/go/smtptunnel/internal/users"
)

// handshakeClient drives the SMTP masquerade handshake up to (and
// including) BINARY, returning the now-encrypted connection ready for
// raw frame traffic.
func handshakeClient(t *testing.T, addr string, clientTLS *tls.Config, username, secret string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	r := bufio.NewReader(conn)
	w := conn

	readResponse(t, r) // 220 greeting

	io.WriteString(w, "EHLO client.example.com\r\n")
	readResponse(t, r) // 250 ... (no AUTH yet, STARTTLS offered)

	io.WriteString(w, "STARTTLS\r\n")
	readResponse(t, r) // 220 ready

	tlsConn := tls.Client(conn, clientTLS)
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake: %v", err)
	}
	conn = tlsConn
	r = bufio.NewReader(conn)

	io.WriteString(conn, "EHLO client.example.com\r\n")
	readResponse(t, r) // 250 ... (AUTH offered now)

	token := authtoken.GenerateNow([]byte(secret), username)
	io.WriteString(conn, "AUTH PLAIN "+token+"\r\n")
	if code := readResponse(t, r); code != 235 {
		t.Fatalf("AUTH got code %d, want 235", code)
	}

	io.WriteString(conn, "BINARY\r\n")
	if code := readResponse(t, r); code != 299 {
		t.Fatalf("BINARY got code %d, want 299", code)
	}

	// Hand the still-buffered reader's unread bytes back isn't needed:
	// at this point the client has consumed exactly the handshake
	// bytes, and the next read is the first mux frame.
	return conn
}

// readResponse reads one (possibly multi-line) SMTP-shaped response
// and returns its code.
func readResponse(t *testing.T, r *bufio.Reader) int {
	t.Helper()
	var code int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading response: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			t.Fatalf("malformed response line %q", line)
		}
		var n int
		for n = 0; n < 3; n++ {
			code = code*10 + int(line[n]-'0')
			if line[n] < '0' || line[n] > '9' {
				t.Fatalf("malformed response line %q", line)
			}
		}
		if line[3] == ' ' {
			return code
		}
		code = 0
	}
}

func startTestServer(t *testing.T) (addr string, clientTLS *tls.Config) {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	clientTLS, err := testlib.GenerateCert(dir)
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	usersPath := dir + "/users.yaml"
	if err := users.WriteFile(usersPath, []*users.Record{
		{Username: "alice", Secret: "s3cret"},
	}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv := NewServer("mail.example.com")
	srv.HandshakeTimeout = 5 * time.Second
	srv.DialTimeout = 2 * time.Second
	if err := srv.AddCerts(dir+"/cert.pem", dir+"/key.pem"); err != nil {
		t.Fatalf("AddCerts: %v", err)
	}
	if err := srv.LoadUsers(usersPath); err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}

	addr = testlib.GetFreePort()
	srv.AddAddr(addr)
	go srv.ListenAndServe()

	// Give the listener a moment to come up.
	time.Sleep(50 * time.Millisecond)

	return addr, clientTLS
}

func TestHandshakeAndConnect(t *testing.T) {
	addr, clientTLS := startTestServer(t)

	// A plain TCP echo target for the tunnel to CONNECT to.
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer echoLn.Close()
	go func() {
		c, err := echoLn.Accept()
		if err != nil {
			return
		}
		io.Copy(c, c)
		c.Close()
	}()

	conn := handshakeClient(t, addr, clientTLS, "alice", "s3cret")
	defer conn.Close()

	echoHost, echoPortStr, _ := net.SplitHostPort(echoLn.Addr().String())
	echoPortNum, err := strconv.Atoi(echoPortStr)
	if err != nil {
		t.Fatalf("parsing echo port: %v", err)
	}
	echoPort := uint16(echoPortNum)

	connectPayload, err := frame.EncodeConnect(echoHost, echoPort)
	if err != nil {
		t.Fatalf("EncodeConnect: %v", err)
	}
	if _, err := conn.Write(frame.Encode(frame.Frame{
		Type: frame.Connect, ChannelID: 1, Payload: connectPayload,
	})); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	dec := &frame.Decoder{}
	f := readFrame(t, conn, dec)
	if f.Type != frame.ConnectOK || f.ChannelID != 1 {
		t.Fatalf("got frame %+v, want CONNECT_OK on channel 1", f)
	}

	payload := []byte("hello through the tunnel")
	if _, err := conn.Write(frame.Encode(frame.Frame{
		Type: frame.Data, ChannelID: 1, Payload: payload,
	})); err != nil {
		t.Fatalf("write DATA: %v", err)
	}

	f = readFrame(t, conn, dec)
	if f.Type != frame.Data || string(f.Payload) != string(payload) {
		t.Fatalf("got frame %+v, want echoed DATA", f)
	}

	if _, err := conn.Write(frame.Encode(frame.Frame{
		Type: frame.Close, ChannelID: 1,
	})); err != nil {
		t.Fatalf("write CLOSE: %v", err)
	}
}

func TestAuthRejectedBeforeTLS(t *testing.T) {
	addr, _ := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	readResponse(t, r) // greeting

	io.WriteString(conn, "EHLO client.example.com\r\n")
	readResponse(t, r)

	token := authtoken.GenerateNow([]byte("s3cret"), "alice")
	io.WriteString(conn, "AUTH PLAIN "+token+"\r\n")
	if code := readResponse(t, r); code != 535 {
		t.Fatalf("AUTH before STARTTLS got %d, want 535", code)
	}
}

// readFrame reads from conn until dec has a complete frame buffered.
func readFrame(t *testing.T, conn net.Conn, dec *frame.Decoder) frame.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	for {
		if f, ok, err := dec.Next(); err != nil {
			t.Fatalf("decode: %v", err)
		} else if ok {
			return f
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		dec.Feed(buf[:n])
	}
}
