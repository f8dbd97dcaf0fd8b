package httpclient

import (
	"fmt"

	"github.com/10088/haproxy/cli"
)

// Relay flags, set by observer callbacks as response pieces land and
// cleared by the runner once the piece reached the session output.
const (
	relayStline = 1 << iota
	relayHdr
	relayBody
	relayEnd
)

// CLICommand exposes the engine on the admin socket as
// "httpclient <method> <URI>". The response is relayed as it arrives:
// status line, then headers, then body, and the command only finishes
// once the exchange ended and everything before that drained.
func CLICommand(c *Client) cli.Command {
	return cli.Command{
		Name:  "httpclient",
		Usage: "httpclient <method> <URI>",
		Help:  "issue an HTTP request through the internal client",
		Start: func(s *cli.Session, args []string) (cli.Runner, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("expected <method> <URI>")
			}

			h, err := c.New(s, args[0], args[1])
			if err != nil {
				return nil, err
			}

			r := &relayRunner{h: h, s: s}
			h.SetObserver(r)

			if err := h.GenRequest(args[1], args[0], nil); err != nil {
				h.Destroy()
				return nil, err
			}
			if _, err := h.Start(); err != nil {
				h.Destroy()
				return nil, err
			}

			return r, nil
		},
	}
}

// relayRunner bridges one handle to one session. Both live on the same
// loop, so flags need no locking: callbacks mark what became available
// and wake the session, Step moves it out in a fixed order, stopping at
// the first piece the output has no room for.
type relayRunner struct {
	h *Handle
	s *cli.Session

	flags  int
	hdrIdx int
	tmp    [resXferChunk]byte
}

func (r *relayRunner) OnStatusLine(*Handle) {
	r.flags |= relayStline
	r.s.Wake()
}

func (r *relayRunner) OnHeaders(*Handle) {
	r.flags |= relayHdr
	r.s.Wake()
}

func (r *relayRunner) OnBodyChunk(*Handle) {
	r.flags |= relayBody
	r.s.Wake()
}

func (r *relayRunner) OnEnd(*Handle) {
	// A final body drain runs even on empty bodies so leftovers are
	// never stranded behind the end marker.
	r.flags |= relayBody | relayEnd
	r.s.Wake()
}

func (r *relayRunner) Step(s *cli.Session) bool {
	h := r.h

	if r.flags&relayStline != 0 {
		if !s.Printf("%s %d %s\n", h.Version(), h.Status(), h.Reason()) {
			return false
		}
		r.flags &^= relayStline
	}

	if r.flags&relayHdr != 0 {
		hdrs := h.Headers()
		for r.hdrIdx < len(hdrs) {
			if !s.Printf("%s: %s\r\n", hdrs[r.hdrIdx].Name, hdrs[r.hdrIdx].Value) {
				return false
			}
			r.hdrIdx++
		}
		if !s.Put([]byte("\r\n")) {
			return false
		}
		r.flags &^= relayHdr
	}

	if r.flags&relayBody != 0 {
		for {
			m := min(s.Room(), len(r.tmp))
			if m == 0 {
				return false
			}
			n := h.ResXfer(r.tmp[:m])
			if n == 0 {
				r.flags &^= relayBody
				break
			}
			s.Put(r.tmp[:n])
		}
	}

	if r.flags&relayEnd != 0 {
		if err := h.Err(); err != nil {
			s.Printf("request failed: %v\n", err)
		}
		return true
	}

	return false
}

func (r *relayRunner) Release(*cli.Session) {
	r.h.StopAndDestroy()
}
