package vconn

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/10088/haproxy/wire"
)

// drain reads every pending block out of m into a flat description,
// dropping as it goes, the way the decoder consumes a conn.
func drain(t *testing.T, m *wire.Message) (headers [][2]string, body string, status int) {
	t.Helper()

	for blk := m.First(); blk != nil; blk = m.First() {
		switch blk.Kind() {
		case wire.KindStatusLine:
			status = blk.Status()
		case wire.KindHeader:
			headers = append(headers, [2]string{string(m.Name(blk)), string(m.Value(blk))})
		case wire.KindData:
			body += string(m.Payload(blk))
		}
		m.Drop()
	}

	return headers, body, status
}

func feed(t *testing.T, p *parser, m *wire.Message, input string) {
	t.Helper()

	if err := p.feed([]byte(input)); err != nil {
		t.Fatalf("failed to feed parser: %v", err)
	}
	p.scan(m)
	if p.err != nil {
		t.Fatalf("parser failed: %v", p.err)
	}
}

func TestParser_ContentLengthResponse(t *testing.T) {
	var p parser
	m := wire.New(make([]byte, 1024))

	feed(t, &p, m, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nX-Test: yes\r\n\r\nok")

	if m.Flags()&wire.FlagEOM == 0 {
		t.Error("EOM flag not set for complete response")
	}

	headers, body, status := drain(t, m)
	if status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
	wantHeaders := [][2]string{{"Content-Length", "2"}, {"X-Test", "yes"}}
	if diff := cmp.Diff(wantHeaders, headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if body != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}
}

func TestParser_SplitAcrossFeeds(t *testing.T) {
	var p parser
	m := wire.New(make([]byte, 1024))

	// Byte at a time, the worst segmentation TCP can produce.
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	for i := 0; i < len(raw); i++ {
		feed(t, &p, m, raw[i:i+1])
	}

	_, body, status := drain(t, m)
	if status != 200 {
		t.Errorf("status = %d, want 200", status)
	}
	if body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
	if m.Flags()&wire.FlagEOM == 0 {
		t.Error("EOM flag not set")
	}
}

func TestParser_ChunkedResponse(t *testing.T) {
	var p parser
	m := wire.New(make([]byte, 1024))

	feed(t, &p, m, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\n\r\n")

	_, body, _ := drain(t, m)
	if body != "hello world" {
		t.Errorf("body = %q, want %q", body, "hello world")
	}
	if m.Flags()&wire.FlagEOM == 0 {
		t.Error("EOM flag not set after last chunk")
	}
}

func TestParser_EOFTerminatedBody(t *testing.T) {
	var p parser
	m := wire.New(make([]byte, 1024))

	feed(t, &p, m, "HTTP/1.1 200 OK\r\n\r\npartial")
	if m.Flags()&wire.FlagEOM != 0 {
		t.Fatal("EOM set before EOF on a length-less response")
	}

	p.eof = true
	p.scan(m)

	_, body, _ := drain(t, m)
	if body != "partial" {
		t.Errorf("body = %q, want %q", body, "partial")
	}
	if m.Flags()&wire.FlagEOM == 0 {
		t.Error("EOM flag not set after EOF")
	}
}

func TestParser_InterimResponseSkipped(t *testing.T) {
	var p parser
	m := wire.New(make([]byte, 1024))

	feed(t, &p, m, "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 204 No Content\r\n\r\n")

	_, _, status := drain(t, m)
	if status != 204 {
		t.Errorf("status = %d, want 204", status)
	}
	if m.Flags()&wire.FlagEOM == 0 {
		t.Error("EOM flag not set for 204")
	}
}

func TestParser_HeadResponseHasNoBody(t *testing.T) {
	p := parser{headReq: true}
	m := wire.New(make([]byte, 1024))

	feed(t, &p, m, "HTTP/1.1 200 OK\r\nContent-Length: 99\r\n\r\n")

	if m.Flags()&wire.FlagEOM == 0 {
		t.Error("EOM flag not set for HEAD response despite content-length")
	}
	if p.phase != phDone {
		t.Errorf("phase = %v, want done", p.phase)
	}
}

func TestParser_StallsOnFullArea(t *testing.T) {
	var p parser

	// Room for the head but not the whole body.
	m := wire.New(make([]byte, 96))

	if err := p.feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 200\r\n\r\n")); err != nil {
		t.Fatalf("failed to feed head: %v", err)
	}
	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	if err := p.feed(big); err != nil {
		t.Fatalf("failed to feed body: %v", err)
	}

	p.scan(m)
	if !p.roomBlocked {
		t.Fatal("parser not room-blocked with a full message area")
	}

	// Consume and rescan until the body has streamed through.
	var got int
	for got < 200 {
		blk := m.First()
		if blk == nil {
			t.Fatalf("no block pending after %d of 200 bytes", got)
		}
		if blk.Kind() == wire.KindData {
			got += len(m.Payload(blk))
		}
		m.Drop()
		p.scan(m)
	}

	if m.Flags()&wire.FlagEOM == 0 {
		t.Error("EOM flag not set once the full body streamed through")
	}
}

func TestParser_MalformedStatusLine(t *testing.T) {
	var p parser
	m := wire.New(make([]byte, 256))

	if err := p.feed([]byte("NOPE 200 OK\r\n\r\n")); err != nil {
		t.Fatalf("failed to feed parser: %v", err)
	}
	p.scan(m)

	if !errors.Is(p.err, errMalformedResponse) {
		t.Errorf("parser error = %v, want errMalformedResponse", p.err)
	}
}

func TestParser_RejectsOversizedHeadLine(t *testing.T) {
	var p parser

	huge := make([]byte, maxRawBuffer+1)
	if err := p.feed(huge); !errors.Is(err, errHeadTooLarge) {
		t.Errorf("feed = %v, want errHeadTooLarge", err)
	}
}

func TestEncodeMessage(t *testing.T) {
	m := wire.New(make([]byte, 512))

	if err := m.AddRequestLine("GET", "http://example.com/x", "HTTP/1.1", wire.LineV11); err != nil {
		t.Fatalf("failed to add request line: %v", err)
	}
	if err := m.AddHeader("Host", "example.com"); err != nil {
		t.Fatalf("failed to add header: %v", err)
	}
	if err := m.AddEOH(); err != nil {
		t.Fatalf("failed to add end of headers: %v", err)
	}

	got := string(encodeMessage(m))
	want := "GET http://example.com/x HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if got != want {
		t.Errorf("encoded request = %q, want %q", got, want)
	}
	if !m.Empty() {
		t.Errorf("message not consumed by encoding, %d blocks left", m.Len())
	}
}
