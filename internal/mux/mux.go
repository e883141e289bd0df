// Package mux implements the channel multiplexer that both tunnel
// endpoints run once the SMTP masquerade has handed off to binary
// mode: one reader, one writer, and a table of logical channels
// sharing the single underlying transport.
//
// Neither endpoint is symmetric in which frames it originates: the
// client allocates channel IDs and sends CONNECT; the server receives
// CONNECT and answers CONNECT_OK/CONNECT_FAIL. Engine is shared by
// both roles; the difference is expressed entirely through the
// Dispatch callbacks supplied at construction.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/smtptunnel/internal/frame"
)

// Channel states.
const (
	StateOpening int32 = iota
	StateOpen
	StateClosed
	StateFailed
)

// inboundQueueFrames bounds the per-channel inbound queue depth. The
// specification permits head-of-line blocking across channels as a
// compliant simplification instead of per-channel flow-control
// windows; a full inbound queue simply blocks the single shared
// reader goroutine until the slow consumer drains.
const inboundQueueFrames = 64

// Channel is a full-duplex logical stream multiplexed over a Session
// transport. It implements io.ReadWriteCloser so callers can pump
// bytes to and from it with io.Copy.
type Channel struct {
	id     uint16
	engine *Engine

	inbound     chan []byte
	pending     []byte
	closeInbound sync.Once

	// opened carries the result of a pending CONNECT, for channels
	// created via Engine.OpenChannel (client role only). nil for
	// channels the server creates in response to an inbound CONNECT.
	opened chan error

	state     int32
	closeOnce sync.Once
}

// ID returns the channel's 16-bit identifier.
func (c *Channel) ID() uint16 { return c.id }

// State returns the channel's current lifecycle state.
func (c *Channel) State() int32 { return atomic.LoadInt32(&c.state) }

// Read returns bytes delivered as DATA frames for this channel, in
// the order they were sent. It returns io.EOF once the channel has
// been closed and all buffered data drained.
func (c *Channel) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		select {
		case b, ok := <-c.inbound:
			if !ok {
				return 0, io.EOF
			}
			c.pending = b
		case <-c.engine.done:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write slices p into DATA frames of at most frame.MaxPayload bytes
// and sends them in order.
func (c *Channel) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > frame.MaxPayload {
			n = frame.MaxPayload
		}
		err := c.engine.Send(frame.Frame{Type: frame.Data, ChannelID: c.id, Payload: p[:n]})
		if err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// Close sends CLOSE for this channel (idempotently) and releases its
// local state.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.engine.Send(frame.Frame{Type: frame.Close, ChannelID: c.id})
		atomic.StoreInt32(&c.state, StateClosed)
		c.engine.removeChannel(c.id)
		c.closeInboundChan()
	})
	return err
}

func (c *Channel) closeInboundChan() {
	c.closeInbound.Do(func() { close(c.inbound) })
}

// deliver is called by the engine's reader goroutine with a DATA
// frame's payload. It may block (by design: that is the head-of-line
// blocking the specification permits).
func (c *Channel) deliver(payload []byte) {
	// The decoder's payload slice aliases its internal buffer; copy
	// it out before handing it across goroutines.
	b := append([]byte(nil), payload...)
	select {
	case c.inbound <- b:
	case <-c.engine.done:
	}
}

func (c *Channel) markOpen() {
	atomic.StoreInt32(&c.state, StateOpen)
	if c.opened != nil {
		select {
		case c.opened <- nil:
		default:
		}
	}
}

func (c *Channel) markFailed(reason string) {
	atomic.StoreInt32(&c.state, StateFailed)
	c.closeInboundChan()
	if c.opened != nil {
		select {
		case c.opened <- fmt.Errorf("mux: connect failed: %s", reason):
		default:
		}
	}
}

// forceClose is used for channels torn down by the peer (CLOSE
// frame) or by whole-session teardown; unlike Close it never sends a
// CLOSE frame of its own.
func (c *Channel) forceClose() {
	atomic.StoreInt32(&c.state, StateClosed)
	c.closeInboundChan()
}

// Dispatch routes frames the engine can't handle generically to the
// owning role. A nil field means that role never expects the
// corresponding frame; receiving one anyway is a protocol error.
//
// Callbacks run on the engine's reader goroutine and must not block;
// OnConnect in particular should hand off to its own goroutine before
// dialing out.
type Dispatch struct {
	OnConnect     func(id uint16, host string, port uint16)
	OnConnectOK   func(id uint16)
	OnConnectFail func(id uint16, reason string)
}

// Engine runs the reader/writer pair for one session's transport and
// owns its channel table.
type Engine struct {
	conn     net.Conn
	dispatch Dispatch

	writeCh chan frame.Frame

	mu       sync.Mutex
	channels map[uint16]*Channel

	done      chan struct{}
	closeOnce sync.Once
	fatalErr  error

	lastActivity      int64 // unix nanoseconds, atomic
	keepaliveInterval time.Duration
	idleTimeout       time.Duration

	wg sync.WaitGroup
}

// NewEngine constructs an Engine over conn. keepaliveInterval <= 0
// disables the keepalive/idle-timeout ticker entirely (used in tests
// that drive the engine directly).
func NewEngine(conn net.Conn, dispatch Dispatch, keepaliveInterval, idleTimeout time.Duration) *Engine {
	return &Engine{
		conn:              conn,
		dispatch:          dispatch,
		writeCh:           make(chan frame.Frame, 256),
		channels:          map[uint16]*Channel{},
		done:              make(chan struct{}),
		keepaliveInterval: keepaliveInterval,
		idleTimeout:       idleTimeout,
	}
}

// LocalAddr returns the transport's local endpoint, used to fill in
// the SOCKS5 CONNECT reply's bound address.
func (e *Engine) LocalAddr() net.Addr { return e.conn.LocalAddr() }

func (e *Engine) touch() {
	atomic.StoreInt64(&e.lastActivity, time.Now().UnixNano())
}

// Run drives the engine until the transport fails or is closed,
// blocking the calling goroutine. It returns the error that ended the
// session (nil only if Close was never called and the peer never
// erred, which in practice doesn't happen — EOF is always returned on
// graceful shutdown).
func (e *Engine) Run() error {
	e.touch()

	e.wg.Add(1)
	go e.writerLoop()

	if e.keepaliveInterval > 0 {
		e.wg.Add(1)
		go e.keepaliveLoop()
	}

	err := e.readerLoop()
	e.fail(err)
	e.wg.Wait()
	return err
}

func (e *Engine) writerLoop() {
	defer e.wg.Done()
	for {
		select {
		case f, ok := <-e.writeCh:
			if !ok {
				return
			}
			if _, err := e.conn.Write(frame.Encode(f)); err != nil {
				e.fail(err)
				return
			}
		case <-e.done:
			return
		}
	}
}

// Send enqueues a frame for the writer goroutine. It returns an error
// once the engine has failed or been closed.
func (e *Engine) Send(f frame.Frame) error {
	select {
	case e.writeCh <- f:
		return nil
	case <-e.done:
		if e.fatalErr != nil {
			return e.fatalErr
		}
		return errors.New("mux: engine closed")
	}
}

func (e *Engine) readerLoop() error {
	var dec frame.Decoder
	buf := make([]byte, 32*1024)
	for {
		n, err := e.conn.Read(buf)
		if n > 0 {
			e.touch()
			dec.Feed(buf[:n])
			for {
				f, ok, derr := dec.Next()
				if derr != nil {
					return derr
				}
				if !ok {
					break
				}
				if derr := e.dispatchFrame(f); derr != nil {
					return derr
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) dispatchFrame(f frame.Frame) error {
	switch f.Type {
	case frame.Keepalive:
		return e.Send(frame.Frame{Type: frame.KeepaliveAck})

	case frame.KeepaliveAck:
		return nil

	case frame.Data:
		ch, ok := e.lookupChannel(f.ChannelID)
		if !ok {
			return fmt.Errorf("mux: DATA on unknown channel %d", f.ChannelID)
		}
		ch.deliver(f.Payload)
		return nil

	case frame.Connect:
		if e.dispatch.OnConnect == nil {
			return errors.New("mux: unexpected CONNECT frame")
		}
		host, port, err := frame.DecodeConnect(f.Payload)
		if err != nil {
			return err
		}
		e.dispatch.OnConnect(f.ChannelID, host, port)
		return nil

	case frame.ConnectOK:
		if ch, ok := e.lookupChannel(f.ChannelID); ok {
			ch.markOpen()
		}
		if e.dispatch.OnConnectOK != nil {
			e.dispatch.OnConnectOK(f.ChannelID)
		}
		return nil

	case frame.ConnectFail:
		reason := string(f.Payload)
		if ch, ok := e.lookupChannel(f.ChannelID); ok {
			ch.markFailed(reason)
			e.removeChannel(f.ChannelID)
		}
		if e.dispatch.OnConnectFail != nil {
			e.dispatch.OnConnectFail(f.ChannelID, reason)
		}
		return nil

	case frame.Close:
		// Receiving CLOSE for an unknown channel is ignored, per the
		// multiplexer's idempotent-close contract.
		if ch, ok := e.lookupChannel(f.ChannelID); ok {
			ch.forceClose()
			e.removeChannel(f.ChannelID)
		}
		return nil
	}

	return fmt.Errorf("mux: unhandled frame type %v", f.Type)
}

// NewChannel registers and returns a new Channel for id, for use by
// the server side on receiving CONNECT: the caller is expected to
// dial out and then Send a CONNECT_OK or CONNECT_FAIL itself.
func (e *Engine) NewChannel(id uint16) *Channel {
	ch := &Channel{id: id, engine: e, inbound: make(chan []byte, inboundQueueFrames)}
	e.mu.Lock()
	e.channels[id] = ch
	e.mu.Unlock()
	return ch
}

// OpenChannel allocates channel id, sends CONNECT(host, port), and
// blocks until CONNECT_OK, CONNECT_FAIL, engine closure, or ctx
// cancellation. Used by the client-role SOCKS5 ingress.
func (e *Engine) OpenChannel(ctx context.Context, id uint16, host string, port uint16) (*Channel, error) {
	payload, err := frame.EncodeConnect(host, port)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		id:      id,
		engine:  e,
		inbound: make(chan []byte, inboundQueueFrames),
		opened:  make(chan error, 1),
	}
	e.mu.Lock()
	e.channels[id] = ch
	e.mu.Unlock()

	if err := e.Send(frame.Frame{Type: frame.Connect, ChannelID: id, Payload: payload}); err != nil {
		e.removeChannel(id)
		return nil, err
	}

	select {
	case err := <-ch.opened:
		if err != nil {
			e.removeChannel(id)
			return nil, err
		}
		return ch, nil
	case <-ctx.Done():
		e.removeChannel(id)
		return nil, ctx.Err()
	case <-e.done:
		e.removeChannel(id)
		if e.fatalErr != nil {
			return nil, e.fatalErr
		}
		return nil, errors.New("mux: engine closed")
	}
}

func (e *Engine) lookupChannel(id uint16) (*Channel, bool) {
	e.mu.Lock()
	ch, ok := e.channels[id]
	e.mu.Unlock()
	return ch, ok
}

func (e *Engine) removeChannel(id uint16) {
	e.mu.Lock()
	delete(e.channels, id)
	e.mu.Unlock()
}

func (e *Engine) keepaliveLoop() {
	defer e.wg.Done()
	interval := e.keepaliveInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&e.lastActivity))
			idle := time.Since(last)
			if e.idleTimeout > 0 && idle > e.idleTimeout {
				e.fail(errors.New("mux: idle timeout exceeded"))
				return
			}
			if idle > interval {
				if err := e.Send(frame.Frame{Type: frame.Keepalive}); err != nil {
					return
				}
			}
		case <-e.done:
			return
		}
	}
}

// fail tears the engine and every live channel down, exactly once.
func (e *Engine) fail(err error) {
	e.closeOnce.Do(func() {
		e.fatalErr = err
		close(e.done)
		e.conn.Close()

		e.mu.Lock()
		chans := make([]*Channel, 0, len(e.channels))
		for _, ch := range e.channels {
			chans = append(chans, ch)
		}
		e.channels = map[uint16]*Channel{}
		e.mu.Unlock()

		for _, ch := range chans {
			ch.forceClose()
		}

		if err != nil && err != io.EOF {
			log.Debugf("mux: session ended: %v", err)
		}
	})
}

// Close terminates the engine and all of its channels.
func (e *Engine) Close() error {
	e.fail(errors.New("mux: engine closed"))
	return nil
}
