package tunnelcli

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/smtptunnel/internal/mux"
)

// idAllocator hands out monotonic client-side channel IDs, skipping
// 0 (reserved) and never wrapping: once the 16-bit ID space is
// exhausted the session must be torn down and reconnected rather than
// reuse an ID that might still be live on the peer.
type idAllocator struct {
	next uint32
}

func newIDAllocator() *idAllocator {
	a := &idAllocator{}
	atomic.StoreUint32(&a.next, 1)
	return a
}

func (a *idAllocator) Next() (uint16, error) {
	v := atomic.AddUint32(&a.next, 1) - 1
	if v > 0xFFFF {
		return 0, errors.New("tunnelcli: channel ID space exhausted, reconnect required")
	}
	return uint16(v), nil
}

// session is one connected tunnel: a running mux engine plus the
// channel ID allocator scoped to it.
type session struct {
	engine     *mux.Engine
	ids        *idAllocator
	openTimeout time.Duration
}

// Open implements socks5.Opener by allocating a fresh channel ID and
// opening it over the mux engine. Exhausting the 16-bit ID space is a
// hard session error: the engine is closed so Run() returns and the
// client's reconnect-with-backoff loop takes over, rather than leaving
// a session alive that can never open another channel.
func (s *session) Open(host string, port uint16) (io.ReadWriteCloser, error) {
	id, err := s.ids.Next()
	if err != nil {
		s.engine.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.openTimeout)
	defer cancel()

	ch, err := s.engine.OpenChannel(ctx, id, host, port)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// dynamicOpener forwards Open calls to whichever session is currently
// connected, so the SOCKS5 listener can stay bound across reconnects
// while in-flight requests fail over once the underlying session
// changes or disappears.
type dynamicOpener struct {
	v atomic.Value // *session
}

func (d *dynamicOpener) set(s *session) {
	d.v.Store(sessionBox{s})
}

func (d *dynamicOpener) Open(host string, port uint16) (io.ReadWriteCloser, error) {
	box, _ := d.v.Load().(sessionBox)
	if box.s == nil {
		return nil, errors.New("tunnelcli: not connected to the tunnel server")
	}
	return box.s.Open(host, port)
}

// sessionBox lets dynamicOpener store a possibly-nil *session in an
// atomic.Value, which requires every Store to use the same concrete
// type.
type sessionBox struct {
	s *session
}
