package vconn_test

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/10088/haproxy/sched"
	"github.com/10088/haproxy/vconn"
	"github.com/10088/haproxy/wire"
)

// collector is a bare-bones consumer task: it sends one request, drains
// inbound blocks as they appear, and exits at end of message or loss of
// the read side.
type collector struct {
	conn *vconn.Conn
	req  *wire.Message

	sent   bool
	status int
	body   bytes.Buffer
	done   chan struct{}
}

func (cl *collector) Step(t *sched.Task) sched.Action {
	if !cl.sent {
		if err := cl.conn.Send(cl.req); err != nil {
			return sched.Exit
		}
		cl.sent = true
	}

	in := cl.conn.In()
	for {
		drained := false
		for blk := in.First(); blk != nil; blk = in.First() {
			switch blk.Kind() {
			case wire.KindStatusLine:
				cl.status = blk.Status()
			case wire.KindData:
				cl.body.Write(in.Payload(blk))
			}
			in.Drop()
			drained = true
		}
		if !drained {
			break
		}
		cl.conn.Pump()
	}

	if in.Flags()&wire.FlagEOM != 0 && in.Empty() {
		return sched.Exit
	}
	if cl.conn.ReadClosed() && in.Empty() {
		return sched.Exit
	}

	return sched.Park
}

func (cl *collector) Release(t *sched.Task) {
	cl.conn.Shutdown()
	close(cl.done)
}

func runExchange(t *testing.T, loop *sched.Loop, conn *vconn.Conn, req *wire.Message) *collector {
	t.Helper()

	cl := &collector{conn: conn, req: req, done: make(chan struct{})}
	task := loop.NewTask(cl, "collector")
	conn.SetWaiter(task)
	conn.Connect()
	task.Wake()

	select {
	case <-cl.done:
	case <-time.After(10 * time.Second):
		t.Fatal("exchange did not finish")
	}

	return cl
}

func startLoop(t *testing.T) *sched.Loop {
	t.Helper()

	loop := sched.New()
	done := make(chan error, 1)
	go func() {
		done <- loop.Run(t.Context())
	}()
	t.Cleanup(func() {
		if err := <-done; err != nil {
			t.Errorf("loop returned error: %v", err)
		}
	})

	return loop
}

func getRequest(t *testing.T, uri, host string) *wire.Message {
	t.Helper()

	m := wire.New(make([]byte, 1024))
	if err := m.AddRequestLine("GET", uri, "HTTP/1.1", wire.LineV11); err != nil {
		t.Fatalf("failed to add request line: %v", err)
	}
	if err := m.AddHeader("Host", host); err != nil {
		t.Fatalf("failed to add host header: %v", err)
	}
	if err := m.AddEOH(); err != nil {
		t.Fatalf("failed to add end of headers: %v", err)
	}
	m.AddFlags(wire.FlagEOM)

	return m
}

// rawServer accepts one connection, reads the request head, writes the
// canned response and closes.
func rawServer(t *testing.T, response string) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()

		var head []byte
		buf := make([]byte, 1024)
		for !bytes.Contains(head, []byte("\r\n\r\n")) {
			n, err := nc.Read(buf)
			if err != nil {
				return
			}
			head = append(head, buf[:n]...)
		}
		nc.Write([]byte(response))
	}()

	return netip.MustParseAddrPort(ln.Addr().String())
}

func TestConn_Exchange(t *testing.T) {
	loop := startLoop(t)
	dst := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")

	route, err := vconn.NewRoute("http", vconn.RouteConfig{})
	if err != nil {
		t.Fatalf("failed to build route: %v", err)
	}
	conn, err := vconn.New(loop, route, dst)
	if err != nil {
		t.Fatalf("failed to build conn: %v", err)
	}

	cl := runExchange(t, loop, conn, getRequest(t, "/", dst.String()))

	if cl.status != 200 {
		t.Errorf("status = %d, want 200", cl.status)
	}
	if got := cl.body.String(); got != "ok" {
		t.Errorf("body = %q, want %q", got, "ok")
	}

	// Connection state is loop-owned, so read it from a posted closure.
	var connected, writeClosed bool
	read := make(chan struct{})
	loop.Post(func() {
		connected = conn.Connected()
		writeClosed = conn.WriteClosed()
		close(read)
	})
	<-read
	if !connected {
		t.Error("conn not marked connected after a completed exchange")
	}
	if !writeClosed {
		t.Error("write side still open after the consumer released the conn")
	}
}

func TestConn_BodyLargerThanInboundArea(t *testing.T) {
	loop := startLoop(t)

	want := strings.Repeat("0123456789", 100)
	dst := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n"+want)

	route, err := vconn.NewRoute("http", vconn.RouteConfig{})
	if err != nil {
		t.Fatalf("failed to build route: %v", err)
	}
	conn, err := vconn.New(loop, route, dst,
		vconn.WithInbound(wire.New(make([]byte, 128))))
	if err != nil {
		t.Fatalf("failed to build conn: %v", err)
	}

	cl := runExchange(t, loop, conn, getRequest(t, "/", dst.String()))

	if got := cl.body.String(); got != want {
		t.Errorf("streamed body corrupted: got %d bytes, want %d", len(got), len(want))
	}
}

func TestConn_DialFailure(t *testing.T) {
	loop := startLoop(t)

	// A freshly closed listener gives a port that refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	dst := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	route, err := vconn.NewRoute("http", vconn.RouteConfig{ConnectTimeout: vconn.Duration(2 * time.Second)})
	if err != nil {
		t.Fatalf("failed to build route: %v", err)
	}
	conn, err := vconn.New(loop, route, dst)
	if err != nil {
		t.Fatalf("failed to build conn: %v", err)
	}

	cl := runExchange(t, loop, conn, getRequest(t, "/", dst.String()))

	if cl.status != 0 {
		t.Errorf("status = %d for failed dial, want 0", cl.status)
	}

	var connected bool
	errCh := make(chan error, 1)
	loop.Post(func() {
		connected = conn.Connected()
		errCh <- conn.Err()
	})
	if err := <-errCh; err == nil {
		t.Error("conn.Err() = nil after refused connection")
	}
	if connected {
		t.Error("conn marked connected after a refused connection")
	}
}

func TestConn_TLSRoute(t *testing.T) {
	loop := startLoop(t)

	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secure"))
	}))
	t.Cleanup(ts.Close)

	tlsConf := ts.Client().Transport.(*http.Transport).TLSClientConfig
	route, err := vconn.NewRoute("https", vconn.RouteConfig{TLS: tlsConf})
	if err != nil {
		t.Fatalf("failed to build route: %v", err)
	}

	dst := netip.MustParseAddrPort(ts.Listener.Addr().String())
	conn, err := vconn.New(loop, route, dst)
	if err != nil {
		t.Fatalf("failed to build conn: %v", err)
	}

	cl := runExchange(t, loop, conn, getRequest(t, "/", dst.String()))

	if cl.status != 200 {
		t.Errorf("status = %d, want 200", cl.status)
	}
	if got := cl.body.String(); got != "secure" {
		t.Errorf("body = %q, want %q", got, "secure")
	}
}
