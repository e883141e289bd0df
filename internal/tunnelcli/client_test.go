package tunnelcli

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"blitiri.com.ar/go/smtptunnel/internal/config"
	"blitiri.com.ar/go/smtptunnel/internal/testlib"
	"blitiri.com.ar/go/smtptunnel/internal/tunnelsrv"
	"blitiri.com.ar/go/smtptunnel/internal/users"
)

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	if err != nil {
		t.Fatalf("parsing port %q: %v", s, err)
	}
	return n
}

func startTunnelServer(t *testing.T) (addr string, caCertPath string) {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })

	if _, err := testlib.GenerateCert(dir); err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	usersPath := dir + "/users.yaml"
	if err := users.WriteFile(usersPath, []*users.Record{
		{Username: "alice", Secret: "s3cret"},
	}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	srv := tunnelsrv.NewServer("mail.example.com")
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
	time.Sleep(50 * time.Millisecond)

	return addr, dir + "/cert.pem"
}

func TestClientConnectAndOpenChannel(t *testing.T) {
	addr, caCert := startTunnelServer(t)
	host, port, _ := net.SplitHostPort(addr)

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

	portNum := mustAtoi(t, port)

	cli, err := New(&config.Client{
		ServerHost: host,
		ServerPort: portNum,
		Username:   "alice",
		Secret:     "s3cret",
		CACert:     caCert,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cli.tlsConfig.ServerName = "localhost"

	sess, err := cli.connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	go sess.engine.Run()

	echoHost, echoPortStr, _ := net.SplitHostPort(echoLn.Addr().String())
	echoPort := uint16(mustAtoi(t, echoPortStr))

	rwc, err := sess.Open(echoHost, echoPort)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rwc.Close()

	msg := []byte("through the tunnel")
	if _, err := rwc.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(rwc, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

func TestSessionOpenClosesEngineOnExhaustion(t *testing.T) {
	addr, caCert := startTunnelServer(t)
	host, port, _ := net.SplitHostPort(addr)

	cli, err := New(&config.Client{
		ServerHost: host,
		ServerPort: mustAtoi(t, port),
		Username:   "alice",
		Secret:     "s3cret",
		CACert:     caCert,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cli.tlsConfig.ServerName = "localhost"

	sess, err := cli.connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sess.ids.next = 0x10000 // already exhausted

	runErr := make(chan error, 1)
	go func() { runErr <- sess.engine.Run() }()

	if _, err := sess.Open("example.com", 80); err == nil {
		t.Fatal("expected Open to fail once the ID space is exhausted")
	}

	select {
	case <-runErr:
		// engine.Run returned, meaning exhaustion tore the session down.
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not close after ID space exhaustion")
	}
}

func TestIDAllocatorSkipsZeroAndExhausts(t *testing.T) {
	a := &idAllocator{}
	a.next = 1
	first, err := a.Next()
	if err != nil || first != 1 {
		t.Fatalf("first id = (%d, %v), want (1, nil)", first, err)
	}

	a.next = 0x10000
	if _, err := a.Next(); err == nil {
		t.Fatal("expected an error once the ID space is exhausted")
	}
}

func TestRunExitsOnContextCancellation(t *testing.T) {
	addr, caCert := startTunnelServer(t)
	host, portStr, _ := net.SplitHostPort(addr)
	port := mustAtoi(t, portStr)

	cli, err := New(&config.Client{
		ServerHost: host,
		ServerPort: port,
		SocksHost:  "127.0.0.1",
		SocksPort:  0,
		Username:   "alice",
		Secret:     "s3cret",
		CACert:     caCert,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cli.tlsConfig.ServerName = "localhost"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cli.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return a context-cancellation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
