package mux

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"blitiri.com.ar/go/smtptunnel/internal/frame"
)

func TestOpenDataClose(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var serverEngine *Engine
	serverDispatch := Dispatch{
		OnConnect: func(id uint16, host string, port uint16) {
			go func() {
				ch := serverEngine.NewChannel(id)
				if host != "example.com" || port != 443 {
					t.Errorf("server got CONNECT(%q, %d), want (example.com, 443)", host, port)
				}
				if err := serverEngine.Send(frame.Frame{Type: frame.ConnectOK, ChannelID: id}); err != nil {
					return
				}
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		},
	}
	serverEngine = NewEngine(serverConn, serverDispatch, 0, 0)
	go serverEngine.Run()

	clientEngine := NewEngine(clientConn, Dispatch{}, 0, 0)
	go clientEngine.Run()
	defer clientEngine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := clientEngine.OpenChannel(ctx, 1, "example.com", 443)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}

	want := []byte("hello through the tunnel")
	if _, err := ch.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(want))
	readDeadline := time.After(2 * time.Second)
	n := 0
	for n < len(got) {
		select {
		case <-readDeadline:
			t.Fatalf("timed out reading echoed bytes, got %d/%d", n, len(got))
		default:
		}
		m, err := ch.Read(got[n:])
		n += m
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}

	if !bytes.Equal(got, want) {
		t.Errorf("echoed bytes = %q, want %q", got, want)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConnectFailSurfacesError(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var serverEngine *Engine
	serverDispatch := Dispatch{
		OnConnect: func(id uint16, host string, port uint16) {
			_ = serverEngine.Send(frame.Frame{
				Type:      frame.ConnectFail,
				ChannelID: id,
				Payload:   []byte("dial failed"),
			})
		},
	}
	serverEngine = NewEngine(serverConn, serverDispatch, 0, 0)
	go serverEngine.Run()

	clientEngine := NewEngine(clientConn, Dispatch{}, 0, 0)
	go clientEngine.Run()
	defer clientEngine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := clientEngine.OpenChannel(ctx, 1, "nonexistent.invalid", 1)
	if err == nil {
		t.Fatal("expected OpenChannel to fail")
	}
}

func TestDataOnUnknownChannelFailsSession(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serverEngine := NewEngine(serverConn, Dispatch{}, 0, 0)
	errCh := make(chan error, 1)
	go func() { errCh <- serverEngine.Run() }()

	go clientConn.Write(frame.Encode(frame.Frame{
		Type:      frame.Data,
		ChannelID: 99,
		Payload:   []byte("x"),
	}))

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected session to fail on DATA for unknown channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to fail")
	}
}

func TestKeepaliveAnsweredAutomatically(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverEngine := NewEngine(serverConn, Dispatch{}, 0, 0)
	go serverEngine.Run()
	defer serverEngine.Close()

	go clientConn.Write(frame.Encode(frame.Frame{Type: frame.Keepalive}))

	buf := make([]byte, frame.HeaderSize)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(clientConn, buf); err != nil {
		t.Fatalf("reading KEEPALIVE_ACK: %v", err)
	}
	if frame.Type(buf[0]) != frame.KeepaliveAck {
		t.Fatalf("got frame type %v, want KEEPALIVE_ACK", frame.Type(buf[0]))
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
