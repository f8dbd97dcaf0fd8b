package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/10088/haproxy/buf"
	"github.com/10088/haproxy/sched"
	"github.com/10088/haproxy/vconn"
	"github.com/10088/haproxy/wire"
)

// resXferChunk caps how much ResXfer moves per call.
const resXferChunk = 1024

// Handle carries one request/response exchange. The caller builds and
// starts it; a dedicated task then drives the response asynchronously,
// feeding the observer. Handle and task hold weak references to each
// other: the task clears its side when it exits, so Destroy never has to
// reach into a live task.
//
// Concurrency: between Start and the task's exit, handle state belongs
// to the loop goroutine; observers run there and may use the accessors
// and ResXfer freely. Other goroutines must go through Loop.Post. Once
// OnEnd has fired and the task detached, the caller may touch the handle
// from anywhere.
type Handle struct {
	c      *Client
	id     uuid.UUID
	caller any
	obs    Observer

	req struct {
		method string
		url    string
		msg    *wire.Message
	}
	res struct {
		status  int
		version string
		reason  string
		headers []Header
		buf     *buf.Buffer
	}

	dst  netip.AddrPort
	conn *vconn.Conn
	task *sched.Task
	span trace.Span
	err  error

	started     bool
	autoDestroy bool
	detached    atomic.Bool
}

// ID returns the handle's unique id.
func (h *Handle) ID() uuid.UUID { return h.id }

// Caller returns the opaque reference given to New.
func (h *Handle) Caller() any { return h.caller }

// Method returns the request method.
func (h *Handle) Method() string { return h.req.method }

// URL returns the request URL.
func (h *Handle) URL() string { return h.req.url }

// Dst returns the literal destination resolved by Start, the zero value
// before that.
func (h *Handle) Dst() netip.AddrPort { return h.dst }

// Status returns the response status code, zero before the status line
// arrived.
func (h *Handle) Status() int { return h.res.status }

// Version returns the response protocol version.
func (h *Handle) Version() string { return h.res.version }

// Reason returns the response reason phrase.
func (h *Handle) Reason() string { return h.res.reason }

// Headers returns the captured response headers in arrival order.
func (h *Handle) Headers() []Header { return h.res.headers }

// Err returns what cut the response short, if anything: ErrHeaderLimit,
// or the transport error behind a forced termination.
func (h *Handle) Err() error { return h.err }

// Buffered returns how many body bytes wait in the response buffer.
func (h *Handle) Buffered() int {
	if h.res.buf == nil {
		return 0
	}
	return h.res.buf.Data()
}

// SetObserver replaces the observer. Call before Start.
func (h *Handle) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	h.obs = o
}

// GenRequest builds the request into the handle's arena: an
// absolute-form HTTP/1.1 request line, a Host header derived from the
// URL authority, then the supplied headers verbatim in order. A nil
// headers slice sends the engine's default headers. On failure the arena
// content is undefined and Start must not be called.
func (h *Handle) GenRequest(rawURL, method string, headers []Header) error {
	if !supportedMethod(method) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q", ErrNoAuthority, rawURL)
	}

	h.req.method = method
	h.req.url = rawURL

	m := h.req.msg
	m.Reset()

	lf := wire.LineV11 | wire.LineBodyless | wire.LineXferLen |
		wire.LineNormalizedURI | wire.LineHasScheme
	if err := m.AddRequestLine(method, rawURL, "HTTP/1.1", lf); err != nil {
		return fmt.Errorf("adding request line: %w", err)
	}
	if err := m.AddHeader("Host", u.Host); err != nil {
		return fmt.Errorf("adding host header: %w", err)
	}

	if headers == nil {
		headers = h.c.defaultHeaders
	}
	for _, hd := range headers {
		if err := m.AddHeader(hd.Name, hd.Value); err != nil {
			return fmt.Errorf("adding header %q: %w", hd.Name, err)
		}
	}

	if err := m.AddEOH(); err != nil {
		return fmt.Errorf("adding end of headers: %w", err)
	}
	m.AddFlags(wire.FlagEOM)

	return nil
}

// Start resolves the URL to a literal destination, binds a fresh
// connection and task, and schedules the exchange. On success the
// returned task is already woken; the first step sends the request. Any
// partial failure releases whatever was created and returns a nil task.
func (h *Handle) Start() (*sched.Task, error) {
	if h.started {
		return nil, errors.New("httpclient: handle already started")
	}
	if h.req.msg == nil || h.req.msg.Empty() {
		return nil, ErrNoRequest
	}

	u, err := url.Parse(h.req.url)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	route, err := h.c.routeFor(u.Scheme)
	if err != nil {
		return nil, err
	}

	dst, err := literalAddrPort(u)
	if err != nil {
		return nil, err
	}

	if !route.Admit() {
		return nil, fmt.Errorf("%w: %s route", ErrAdmissionDenied, route.Scheme())
	}

	arena, err := wire.NewFromPool(h.c.connPool)
	if err != nil {
		return nil, fmt.Errorf("allocating connection area: %w", err)
	}

	conn, err := vconn.New(h.c.loop, route, dst,
		vconn.WithInbound(arena),
		vconn.WithLogger(h.c.log))
	if err != nil {
		arena.Release()
		return nil, fmt.Errorf("building connection: %w", err)
	}

	task := h.c.loop.NewTask(&decoder{h: h}, "httpclient/"+shortID(h.id))
	h.dst = dst
	h.conn = conn
	h.task = task
	h.started = true
	conn.SetWaiter(task)

	_, h.span = h.c.tracer.Start(context.Background(), "httpclient.request",
		trace.WithAttributes(
			attribute.String("http.method", h.req.method),
			attribute.String("http.url", h.req.url),
			attribute.String("handle.id", h.id.String()),
		))

	h.c.loop.Post(func() { h.c.handles[h] = struct{}{} })
	conn.Connect()
	task.Wake()

	h.c.log.Debug("request started",
		"id", h.id, "method", h.req.method, "dst", h.dst, "scheme", u.Scheme)

	return task, nil
}

// ResXfer moves up to 1 KiB from the response buffer into dst and
// returns the count. Emptying the buffer wakes the decoder, which is
// what resumes a body paused on backpressure.
func (h *Handle) ResXfer(dst []byte) int {
	if h.res.buf == nil {
		return 0
	}
	if len(dst) > resXferChunk {
		dst = dst[:resXferChunk]
	}

	n := h.res.buf.Read(dst)
	if n > 0 && h.res.buf.Empty() && h.task != nil {
		h.task.Wake()
	}

	return n
}

// Destroy releases the handle's buffers. Legal once the task has
// detached, which happens just before OnEnd fires; destroying a handle
// whose task is still attached is refused. Use StopAndDestroy to abort
// a live exchange.
func (h *Handle) Destroy() {
	if h.started && !h.detached.Load() {
		h.c.log.Error("refusing to destroy a handle with a live task", "id", h.id)
		return
	}
	h.releaseBuffers()
}

// StopAndDestroy aborts the exchange wherever it stands and arranges for
// the handle to be destroyed once the task detaches. Loop goroutine
// only; safe whether or not a task is attached.
func (h *Handle) StopAndDestroy() {
	if !h.started || h.detached.Load() {
		h.releaseBuffers()
		return
	}

	h.autoDestroy = true
	if h.task != nil {
		h.task.Kill()
	}
}

func (h *Handle) releaseBuffers() {
	if h.req.msg != nil {
		h.req.msg.Release()
		h.req.msg = nil
	}
	if h.res.buf != nil {
		h.res.buf.Release()
		h.res.buf = nil
	}
}

func supportedMethod(m string) bool {
	switch m {
	case "GET", "HEAD", "OPTIONS", "POST", "PUT", "DELETE", "TRACE", "CONNECT":
		return true
	}
	return false
}

// literalAddrPort extracts the destination from a URL whose host must be
// a literal IP; there is no resolver behind this client.
func literalAddrPort(u *url.URL) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrNotLiteralAddr, u.Host)
	}

	port := 0
	switch p := u.Port(); p {
	case "":
		if u.Scheme == "https" {
			port = 443
		} else {
			port = 80
		}
	default:
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return netip.AddrPort{}, fmt.Errorf("%w: port %q", ErrNotLiteralAddr, p)
		}
	}

	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
