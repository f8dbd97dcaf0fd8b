package vconn

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/10088/haproxy/wire"
)

const (
	defaultReadChunk = 8 << 10

	// maxRawBuffer bounds bytes held while waiting for a parsable unit,
	// which in practice means one head or chunk-size line.
	maxRawBuffer = 64 << 10
)

var (
	errHeadTooLarge      = errors.New("vconn: response head too large")
	errMalformedResponse = errors.New("vconn: malformed response")
)

type phase int

const (
	phStatus phase = iota
	phHeader
	phBodyLength
	phBodyEOF
	phChunkSize
	phChunkData
	phChunkCRLF
	phTrailer
	phDone
)

// parser turns raw socket bytes into inbound message blocks, one HTTP/1
// response per connection. It is incremental: feed appends input, scan
// emits whatever blocks both the input and the message area allow, and
// leftovers wait in raw for the next pass.
type parser struct {
	raw   []byte
	phase phase

	status  int
	interim bool // consuming a 1xx head, nothing emitted
	headReq bool // response to HEAD, no body follows

	hasLen  bool
	chunked bool
	remain  int64 // body or chunk bytes outstanding

	eof         bool // read side saw EOF
	roomBlocked bool // last scan stopped on a full message area
	err         error
}

func (p *parser) feed(b []byte) error {
	if len(p.raw)+len(b) > maxRawBuffer {
		return errHeadTooLarge
	}
	p.raw = append(p.raw, b...)
	return nil
}

// scan emits blocks into in until input or area runs out. It reports
// whether anything was produced; roomBlocked records whether the stop was
// due to the area, which is what gates socket-read backpressure.
func (p *parser) scan(in *wire.Message) (progress bool) {
	p.roomBlocked = false

	for {
		switch p.phase {
		case phStatus:
			line, rest, ok := cutLine(p.raw)
			if !ok {
				return progress
			}
			version, status, reason, err := parseStatusLine(line)
			if err != nil {
				p.err = err
				p.phase = phDone
				return progress
			}
			if status >= 100 && status < 200 {
				// Interim response: swallow its head and wait for
				// the real one.
				p.interim = true
				p.raw = rest
				p.phase = phHeader
				progress = true
				continue
			}
			if err := in.AddStatusLine(version, status, reason); err != nil {
				p.stop(err)
				return progress
			}
			p.status = status
			p.raw = rest
			p.phase = phHeader
			progress = true

		case phHeader:
			line, rest, ok := cutLine(p.raw)
			if !ok {
				return progress
			}
			if len(line) == 0 {
				if p.interim {
					p.interim = false
					p.raw = rest
					p.phase = phStatus
					progress = true
					continue
				}
				if err := in.AddEOH(); err != nil {
					p.stop(err)
					return progress
				}
				p.raw = rest
				p.phase = p.bodyPhase()
				if p.phase == phDone {
					in.AddFlags(wire.FlagEOM)
				}
				progress = true
				continue
			}
			name, value, err := parseHeaderLine(line)
			if err != nil {
				p.err = err
				p.phase = phDone
				return progress
			}
			if p.interim {
				p.raw = rest
				progress = true
				continue
			}
			if err := p.noteHeader(name, value); err != nil {
				p.err = err
				p.phase = phDone
				return progress
			}
			if err := in.AddHeader(name, value); err != nil {
				p.stop(err)
				return progress
			}
			p.raw = rest
			progress = true

		case phBodyLength:
			if len(p.raw) == 0 {
				return progress
			}
			n := in.AddData(capLen(p.raw, p.remain))
			if n == 0 {
				p.roomBlocked = true
				return progress
			}
			p.raw = p.raw[n:]
			p.remain -= int64(n)
			progress = true
			if p.remain == 0 {
				in.AddFlags(wire.FlagEOM)
				p.phase = phDone
			}

		case phBodyEOF:
			if len(p.raw) > 0 {
				n := in.AddData(p.raw)
				if n == 0 {
					p.roomBlocked = true
					return progress
				}
				p.raw = p.raw[n:]
				progress = true
				continue
			}
			if p.eof {
				in.AddFlags(wire.FlagEOM)
				p.phase = phDone
				progress = true
				continue
			}
			return progress

		case phChunkSize:
			line, rest, ok := cutLine(p.raw)
			if !ok {
				return progress
			}
			size, err := parseChunkSize(line)
			if err != nil {
				p.err = err
				p.phase = phDone
				return progress
			}
			p.raw = rest
			progress = true
			if size == 0 {
				p.phase = phTrailer
			} else {
				p.remain = size
				p.phase = phChunkData
			}

		case phChunkData:
			if len(p.raw) == 0 {
				return progress
			}
			n := in.AddData(capLen(p.raw, p.remain))
			if n == 0 {
				p.roomBlocked = true
				return progress
			}
			p.raw = p.raw[n:]
			p.remain -= int64(n)
			progress = true
			if p.remain == 0 {
				p.phase = phChunkCRLF
			}

		case phChunkCRLF:
			if len(p.raw) < 2 {
				return progress
			}
			if p.raw[0] != '\r' || p.raw[1] != '\n' {
				p.err = fmt.Errorf("%w: missing chunk terminator", errMalformedResponse)
				p.phase = phDone
				return progress
			}
			p.raw = p.raw[2:]
			p.phase = phChunkSize
			progress = true

		case phTrailer:
			line, rest, ok := cutLine(p.raw)
			if !ok {
				return progress
			}
			p.raw = rest
			progress = true
			if len(line) == 0 {
				in.AddFlags(wire.FlagEOM)
				p.phase = phDone
			}

		case phDone:
			return progress
		}
	}
}

// stop classifies an Add failure: a full area is backpressure, anything
// else poisons the parse.
func (p *parser) stop(err error) {
	if errors.Is(err, wire.ErrFull) {
		p.roomBlocked = true
		return
	}
	p.err = err
	p.phase = phDone
}

func (p *parser) bodyPhase() phase {
	switch {
	case p.headReq, p.status == 204, p.status == 304:
		return phDone
	case p.chunked:
		return phChunkSize
	case p.hasLen:
		if p.remain == 0 {
			return phDone
		}
		return phBodyLength
	default:
		return phBodyEOF
	}
}

func (p *parser) noteHeader(name, value string) error {
	switch {
	case strings.EqualFold(name, "Content-Length"):
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: content-length %q", errMalformedResponse, value)
		}
		p.hasLen = true
		p.remain = n
	case strings.EqualFold(name, "Transfer-Encoding"):
		if strings.Contains(strings.ToLower(value), "chunked") {
			p.chunked = true
		}
	}
	return nil
}

// cutLine splits raw at the first CRLF. ok is false while the line is
// still incomplete.
func cutLine(raw []byte) (line, rest []byte, ok bool) {
	i := bytes.Index(raw, []byte("\r\n"))
	if i < 0 {
		return nil, raw, false
	}
	return raw[:i], raw[i+2:], true
}

func parseStatusLine(line []byte) (version string, status int, reason string, err error) {
	sp := bytes.IndexByte(line, ' ')
	if sp < 0 || !bytes.HasPrefix(line, []byte("HTTP/")) {
		return "", 0, "", fmt.Errorf("%w: status line %q", errMalformedResponse, line)
	}
	version = string(line[:sp])

	rest := line[sp+1:]
	code := rest
	if sp = bytes.IndexByte(rest, ' '); sp >= 0 {
		code = rest[:sp]
		reason = string(rest[sp+1:])
	}
	status, aerr := strconv.Atoi(string(code))
	if aerr != nil || status < 100 || status > 599 {
		return "", 0, "", fmt.Errorf("%w: status code %q", errMalformedResponse, code)
	}

	return version, status, reason, nil
}

func parseHeaderLine(line []byte) (name, value string, err error) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", fmt.Errorf("%w: header line %q", errMalformedResponse, line)
	}
	rawName := line[:colon]
	if rawName[len(rawName)-1] == ' ' || rawName[len(rawName)-1] == '\t' {
		return "", "", fmt.Errorf("%w: space before colon in %q", errMalformedResponse, line)
	}

	return string(rawName), string(bytes.Trim(line[colon+1:], " \t")), nil
}

func parseChunkSize(line []byte) (int64, error) {
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	line = bytes.TrimSpace(line)
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: chunk size %q", errMalformedResponse, line)
	}
	return n, nil
}

func capLen(b []byte, n int64) []byte {
	if int64(len(b)) > n {
		return b[:n]
	}
	return b
}

// encodeMessage renders m as HTTP/1 bytes, consuming its blocks.
func encodeMessage(m *wire.Message) []byte {
	var b bytes.Buffer
	b.Grow(256)

	for blk := m.First(); blk != nil; blk = m.First() {
		switch blk.Kind() {
		case wire.KindReqLine:
			b.Write(m.Method(blk))
			b.WriteByte(' ')
			b.Write(m.URI(blk))
			b.WriteByte(' ')
			b.Write(m.Version(blk))
			b.WriteString("\r\n")
		case wire.KindStatusLine:
			b.Write(m.Version(blk))
			fmt.Fprintf(&b, " %d ", blk.Status())
			b.Write(m.Reason(blk))
			b.WriteString("\r\n")
		case wire.KindHeader:
			b.Write(m.Name(blk))
			b.WriteString(": ")
			b.Write(m.Value(blk))
			b.WriteString("\r\n")
		case wire.KindEOH:
			b.WriteString("\r\n")
		case wire.KindData:
			b.Write(m.Payload(blk))
		}
		m.Drop()
	}

	return b.Bytes()
}
