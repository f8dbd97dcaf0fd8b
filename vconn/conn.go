package vconn

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/10088/haproxy/sched"
	"github.com/10088/haproxy/wire"
)

var (
	// ErrShutdown is returned when sending on a conn whose write side is
	// already closed.
	ErrShutdown = errors.New("vconn: connection shut down")
	// ErrBacklog is returned when the outbound queue cannot take another
	// message without blocking.
	ErrBacklog = errors.New("vconn: outbound backlog full")
)

type connFlags uint8

const (
	flagShutRead connFlags = 1 << iota
	flagShutWrite
	flagConnected
	flagStopped
)

// Conn is a one-shot client connection whose state lives on a scheduler
// loop. Everything except Connect and the accessors documented otherwise
// must be called from the loop goroutine; the socket goroutines reach the
// conn only by posting closures.
type Conn struct {
	loop  *sched.Loop
	route *Route
	dst   netip.AddrPort

	logger    *slog.Logger
	readChunk int

	// Loop-owned.
	in     *wire.Message
	p      parser
	nc     net.Conn
	waiter *sched.Task
	flags  connFlags
	err    error
	staged [][]byte

	wrCh     chan []byte
	stop     chan struct{}
	rdResume chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger used for connection events.
// Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = log
	}
}

// WithInbound sets the message that receives decoded response blocks.
// Default is a plain 16 KiB area.
func WithInbound(m *wire.Message) Option {
	return func(c *Conn) {
		c.in = m
	}
}

// WithReadChunk sets the socket read size.
func WithReadChunk(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readChunk = n
		}
	}
}

// New builds a conn for one request/response exchange with dst over
// route. Nothing happens until Connect.
func New(loop *sched.Loop, route *Route, dst netip.AddrPort, opts ...Option) (*Conn, error) {
	if loop == nil {
		return nil, errors.New("vconn: loop must not be nil")
	}
	if route == nil {
		return nil, errors.New("vconn: route must not be nil")
	}
	if !dst.IsValid() {
		return nil, fmt.Errorf("vconn: invalid destination %q", dst)
	}

	c := &Conn{
		loop:      loop,
		route:     route,
		dst:       dst,
		logger:    slog.Default(),
		readChunk: defaultReadChunk,
		wrCh:      make(chan []byte, 4),
		stop:      make(chan struct{}),
		rdResume:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.in == nil {
		c.in = wire.New(make([]byte, 16<<10))
	}

	return c, nil
}

// SetWaiter names the task woken on connection events. Set it before
// Connect, or from the loop goroutine after.
func (c *Conn) SetWaiter(t *sched.Task) { c.waiter = t }

// In returns the inbound message. Loop goroutine only.
func (c *Conn) In() *wire.Message { return c.in }

// Err returns the first transport error seen, if any. Loop goroutine only.
func (c *Conn) Err() error { return c.err }

// ReadClosed reports whether the read side is shut. Loop goroutine only.
func (c *Conn) ReadClosed() bool { return c.flags&flagShutRead != 0 }

// WriteClosed reports whether the write side is shut. Loop goroutine only.
func (c *Conn) WriteClosed() bool { return c.flags&flagShutWrite != 0 }

// Connected reports whether the dial has completed. Loop goroutine only.
func (c *Conn) Connected() bool { return c.flags&flagConnected != 0 }

// DetachInbound hands the inbound message to the caller, typically so it
// can be released to its pool. Loop goroutine only.
func (c *Conn) DetachInbound() *wire.Message {
	m := c.in
	c.in = nil
	return m
}

// Connect dials dst in the background. Completion, failure and inbound
// data all surface by waking the waiter; the conn's flags say which.
// Callable from any goroutine, once.
func (c *Conn) Connect() {
	go c.run()
}

func (c *Conn) run() {
	nc, err := c.route.dial(c.dst)
	if err != nil {
		c.loop.Post(func() { c.fail(err) })
		return
	}

	proceed := make(chan bool, 1)
	c.loop.Post(func() {
		if c.flags&(flagShutRead|flagShutWrite) != 0 {
			nc.Close()
			proceed <- false
			return
		}
		c.nc = nc
		c.flags |= flagConnected
		for _, b := range c.staged {
			if err := c.enqueue(b); err != nil {
				c.fail(err)
				proceed <- false
				return
			}
		}
		c.staged = nil
		c.notify()
		proceed <- true
	})
	select {
	case ok := <-proceed:
		if !ok {
			return
		}
	case <-c.stop:
		nc.Close()
		return
	}

	var g errgroup.Group
	g.Go(func() error { return c.readLoop(nc) })
	g.Go(func() error { return c.writeLoop(nc) })
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("connection io finished", "dst", c.dst, "error", err)
	}
}

func (c *Conn) readLoop(nc net.Conn) error {
	buf := make([]byte, c.readChunk)

	for {
		if c.route.idle > 0 {
			if err := nc.SetReadDeadline(time.Now().Add(c.route.idle)); err != nil {
				c.postEOF(err)
				return err
			}
		}

		n, err := nc.Read(buf)
		if n > 0 && c.deliver(buf[:n]) {
			// Parser is out of message area; hold further reads until
			// the consumer frees some.
			select {
			case <-c.rdResume:
			case <-c.stop:
				return nil
			}
		}
		if err != nil {
			c.postEOF(err)
			return err
		}
	}
}

// deliver hands freshly read bytes to the loop and reports whether the
// parser is stalled on message-area room.
func (c *Conn) deliver(p []byte) (stalled bool) {
	res := make(chan bool, 1)
	c.loop.Post(func() {
		if err := c.p.feed(p); err != nil {
			c.fail(err)
			res <- false
			return
		}
		c.pump()
		res <- c.p.roomBlocked
	})

	select {
	case stalled = <-res:
		return stalled
	case <-c.stop:
		return false
	}
}

func (c *Conn) postEOF(err error) {
	c.loop.Post(func() {
		c.p.eof = true
		c.pump()
		c.shutRead(err)
	})
}

func (c *Conn) writeLoop(nc net.Conn) error {
	for {
		select {
		case b := <-c.wrCh:
			if c.route.idle > 0 {
				if err := nc.SetWriteDeadline(time.Now().Add(c.route.idle)); err != nil {
					return err
				}
			}
			if _, err := nc.Write(b); err != nil {
				c.loop.Post(func() { c.shutWrite(err) })
				return err
			}
		case <-c.stop:
			return nil
		}
	}
}

// Pump moves parsed blocks into the inbound message. Consumers call it
// after dropping blocks so stalled input resumes. Loop goroutine only.
func (c *Conn) Pump() { c.pump() }

func (c *Conn) pump() {
	if c.in == nil || c.p.err != nil {
		return
	}

	progress := c.p.scan(c.in)
	if c.p.err != nil {
		c.fail(fmt.Errorf("decoding response from %s: %w", c.dst, c.p.err))
		return
	}
	if !c.p.roomBlocked {
		select {
		case c.rdResume <- struct{}{}:
		default:
		}
	}
	if progress {
		c.notify()
	}
}

// Send encodes m onto the outbound side in one shot, consuming its
// blocks. Bytes are staged if the dial has not completed yet. Loop
// goroutine only.
func (c *Conn) Send(m *wire.Message) error {
	if c.flags&flagShutWrite != 0 {
		return ErrShutdown
	}

	// A HEAD exchange gets a bodyless response no matter what the
	// headers claim; the parser needs to know before it sees them.
	if blk := m.First(); blk != nil && blk.Kind() == wire.KindReqLine {
		if string(m.Method(blk)) == "HEAD" {
			c.p.headReq = true
		}
	}

	b := encodeMessage(m)
	if c.flags&flagConnected == 0 {
		c.staged = append(c.staged, b)
		return nil
	}

	return c.enqueue(b)
}

func (c *Conn) enqueue(b []byte) error {
	select {
	case c.wrCh <- b:
		return nil
	default:
		return ErrBacklog
	}
}

// Shutdown closes both directions without lingering. Loop goroutine only,
// idempotent.
func (c *Conn) Shutdown() {
	c.flags |= flagShutRead | flagShutWrite
	c.closeIO()
}

func (c *Conn) shutRead(err error) {
	if c.flags&flagShutRead != 0 {
		c.notify()
		return
	}
	c.flags |= flagShutRead
	if c.err == nil && !harmlessReadError(err) {
		c.err = err
		c.logger.Debug("read side closed", "dst", c.dst, "error", err)
	}
	c.notify()
}

func (c *Conn) shutWrite(err error) {
	if c.flags&flagShutWrite != 0 {
		return
	}
	c.flags |= flagShutWrite
	if c.err == nil && !errors.Is(err, net.ErrClosed) {
		c.err = err
		c.logger.Debug("write side closed", "dst", c.dst, "error", err)
	}
	c.notify()
}

func (c *Conn) fail(err error) {
	if c.err == nil {
		c.err = err
		c.logger.Error("connection failed", "dst", c.dst, "error", err)
	}
	c.flags |= flagShutRead | flagShutWrite
	c.closeIO()
	c.notify()
}

func (c *Conn) closeIO() {
	if c.flags&flagStopped == 0 {
		c.flags |= flagStopped
		close(c.stop)
	}
	if c.nc != nil {
		if tc, ok := c.nc.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		c.nc.Close()
		c.nc = nil
	}
}

func (c *Conn) notify() {
	if c.waiter != nil {
		c.waiter.Wake()
	}
}

func harmlessReadError(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
