package httpclient

import (
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"

	"github.com/10088/haproxy/sched"
	"github.com/10088/haproxy/wire"
)

// decodeState tracks where an exchange stands. States only advance.
type decodeState int

const (
	stReq    decodeState = iota // request not sent yet
	stStline                    // waiting for the status line
	stHdr                       // collecting headers
	stBody                      // moving body bytes to the response buffer
	stEnd                       // exchange over, cleanup pending
)

// decoder is the task handler behind a started handle. Every wake walks
// the state machine as far as the available input and response-buffer
// room allow, then parks. Connection errors and premature closes force
// the END state so OnEnd always fires.
type decoder struct {
	h     *Handle
	state decodeState
	done  bool
}

func (d *decoder) Step(t *sched.Task) sched.Action {
	h := d.h

	for {
		switch d.state {
		case stReq:
			if err := h.conn.Send(h.req.msg); err != nil {
				h.err = err
				d.state = stEnd
				continue
			}
			d.state = stStline

		case stStline:
			m := h.conn.In()
			blk := m.First()
			if blk == nil {
				if d.forcedEnd() {
					continue
				}
				return sched.Park
			}
			if blk.Kind() != wire.KindStatusLine {
				h.err = fmt.Errorf("httpclient: %s block where a status line was due", blk.Kind())
				d.state = stEnd
				continue
			}
			h.res.status = blk.Status()
			h.res.version = string(m.Version(blk))
			h.res.reason = string(m.Reason(blk))
			m.Drop()
			h.conn.Pump()
			h.obs.OnStatusLine(h)
			d.state = stHdr

		case stHdr:
			m := h.conn.In()
			blk := m.First()
			if blk == nil {
				if d.forcedEnd() {
					continue
				}
				return sched.Park
			}
			switch blk.Kind() {
			case wire.KindHeader:
				if len(h.res.headers) >= h.c.cfg.MaxHeaders {
					h.err = ErrHeaderLimit
					d.state = stEnd
					continue
				}
				h.res.headers = append(h.res.headers, Header{
					Name:  string(m.Name(blk)),
					Value: string(m.Value(blk)),
				})
				m.Drop()
				h.conn.Pump()
			case wire.KindEOH:
				m.Drop()
				h.conn.Pump()
				// An empty header section goes unreported.
				if len(h.res.headers) > 0 {
					h.obs.OnHeaders(h)
				}
				if m.Empty() && m.Flags()&wire.FlagEOM != 0 {
					d.state = stEnd
				} else {
					d.state = stBody
				}
			default:
				h.err = fmt.Errorf("httpclient: %s block inside the header section", blk.Kind())
				d.state = stEnd
			}

		case stBody:
			m := h.conn.In()
			for {
				blk := m.First()
				if blk == nil {
					break
				}
				if blk.Kind() != wire.KindData {
					// Anything that is not payload is dropped without
					// reaching a callback.
					m.Drop()
					h.conn.Pump()
					continue
				}
				if !d.takeBody(m, blk) {
					// Short on room; ResXfer wakes us once the consumer
					// drains the buffer.
					return sched.Park
				}
				h.conn.Pump()
				h.obs.OnBodyChunk(h)
			}
			if m.Flags()&wire.FlagEOM != 0 {
				d.state = stEnd
				continue
			}
			if d.forcedEnd() {
				continue
			}
			return sched.Park

		case stEnd:
			d.finish()
			return sched.Exit
		}
	}
}

// takeBody moves a leading data block into the response buffer. Blocks
// move whole or not at all: one that exceeds the free room stays queued
// until the consumer makes room. Reports whether the block moved.
func (d *decoder) takeBody(m *wire.Message, blk *wire.Block) bool {
	p := m.Payload(blk)
	if d.h.res.buf.Room() < len(p) {
		return false
	}
	d.h.res.buf.Put(p)
	m.Drop()
	return true
}

// Release runs when the task leaves the loop for any reason, including a
// kill or loop shutdown. Step usually finished the exchange already;
// this covers kills that never reached END.
func (d *decoder) Release(*sched.Task) {
	d.finish()
}

// forcedEnd reports whether the exchange must terminate because the
// input the current state is waiting for can never arrive, recording the
// cause and switching to END when so.
func (d *decoder) forcedEnd() bool {
	h := d.h

	if err := h.conn.Err(); err != nil {
		h.err = err
		d.state = stEnd
		return true
	}
	if h.conn.ReadClosed() {
		h.err = io.ErrUnexpectedEOF
		d.state = stEnd
		return true
	}
	return false
}

// finish tears the exchange down exactly once: shut the connection,
// return the inbound arena, end the span, detach from the handle and
// fire OnEnd. The detach comes first so the handle is free to be
// destroyed the moment OnEnd returns.
func (d *decoder) finish() {
	if d.done {
		return
	}
	d.done = true

	h := d.h
	if h.conn != nil {
		h.conn.Shutdown()
		if in := h.conn.DetachInbound(); in != nil {
			in.Release()
		}
		h.conn = nil
	}

	if h.span != nil {
		if h.err != nil {
			h.span.RecordError(h.err)
		}
		h.span.SetAttributes(attribute.Int("http.status_code", h.res.status))
		h.span.End()
	}

	delete(h.c.handles, h)
	h.task = nil
	h.detached.Store(true)

	h.c.log.Debug("exchange finished",
		"id", h.id, "status", h.res.status, "buffered", h.Buffered(), "error", h.err)
	h.obs.OnEnd(h)

	if h.autoDestroy {
		h.releaseBuffers()
	}
}
