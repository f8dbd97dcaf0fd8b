package httpclient

import (
	"fmt"
	"io"
)

// BodySink is an Observer that drains the response body into an
// io.Writer as it arrives and signals completion, which is usually all a
// caller who just wants the payload needs. A nil writer discards the
// body while still keeping the exchange moving.
type BodySink struct {
	NopObserver

	w       io.Writer
	written int64
	err     error
	done    chan struct{}
}

// NewBodySink returns a sink writing body bytes to w.
func NewBodySink(w io.Writer) *BodySink {
	return &BodySink{w: w, done: make(chan struct{})}
}

// Done is closed after OnEnd ran; Err and Written are stable once it is.
func (s *BodySink) Done() <-chan struct{} { return s.done }

// Err returns the write error or, failing that, whatever cut the
// exchange short.
func (s *BodySink) Err() error { return s.err }

// Written returns how many body bytes were drained.
func (s *BodySink) Written() int64 { return s.written }

func (s *BodySink) OnBodyChunk(h *Handle) { s.drain(h) }

func (s *BodySink) OnEnd(h *Handle) {
	s.drain(h)
	if s.err == nil {
		s.err = h.Err()
	}
	close(s.done)
}

// drain empties the response buffer through ResXfer. It keeps consuming
// after a write error so the exchange is never wedged on a full buffer.
func (s *BodySink) drain(h *Handle) {
	var tmp [resXferChunk]byte

	for {
		n := h.ResXfer(tmp[:])
		if n == 0 {
			return
		}
		s.written += int64(n)
		if s.err != nil || s.w == nil {
			continue
		}
		if _, err := s.w.Write(tmp[:n]); err != nil {
			s.err = fmt.Errorf("writing body: %w", err)
		}
	}
}
