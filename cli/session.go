package cli

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/10088/haproxy/buf"
	"github.com/10088/haproxy/sched"
)

// Session runs the commands of one admin connection. It reads a single
// line, executes each semicolon-separated command in order, drains its
// output and closes, so every connection gets a deterministic end of
// stream.
//
// All session state belongs to the loop goroutine. The reader and
// writer goroutines touch it only through posted closures.
type Session struct {
	srv  *Server
	conn net.Conn
	task *sched.Task
	out  *buf.Buffer

	pending  [][]string
	runner   Runner
	lineDone bool
	inflight bool

	wrKick chan struct{}
	stop   chan struct{}
}

// Put appends p to the session output, all or nothing. A false return
// means no room; the session re-steps its runner after the writer
// drains, so retrying the same write later is the expected pattern.
func (s *Session) Put(p []byte) bool {
	if s.out == nil {
		return false
	}
	if s.out.Room() < len(p) {
		s.kickWriter()
		return false
	}

	s.out.Put(p)

	return true
}

// Printf formats into the session output with Put semantics.
func (s *Session) Printf(format string, a ...any) bool {
	return s.Put(fmt.Appendf(nil, format, a...))
}

// Room returns how many output bytes fit right now.
func (s *Session) Room() int {
	if s.out == nil {
		return 0
	}
	return s.out.Room()
}

// Wake schedules another Step. Safe from any goroutine.
func (s *Session) Wake() {
	if s.task != nil {
		s.task.Wake()
	}
}

func (s *Session) Step(t *sched.Task) sched.Action {
	for {
		if s.runner != nil {
			done := s.runner.Step(s)
			s.kickWriter()
			if !done {
				return sched.Park
			}
			s.runner.Release(s)
			s.runner = nil
			continue
		}

		if len(s.pending) > 0 {
			words := s.pending[0]
			s.pending = s.pending[1:]
			s.dispatch(words)
			continue
		}

		if s.lineDone {
			if !s.out.Empty() {
				s.kickWriter()
				return sched.Park
			}
			if s.inflight {
				return sched.Park
			}
			return sched.Exit
		}

		return sched.Park
	}
}

// Release tears the session down: active runner first, then the
// connection, then the pooled output buffer.
func (s *Session) Release(*sched.Task) {
	if s.runner != nil {
		s.runner.Release(s)
		s.runner = nil
	}

	close(s.stop)
	s.conn.Close()

	if s.out != nil {
		s.out.Release()
		s.out = nil
	}

	delete(s.srv.sessions, s)
	s.srv.logger.Debug("admin session closed")
}

func (s *Session) dispatch(words []string) {
	cmd, args, ok := s.srv.lookup(words)
	if !ok {
		s.Printf("unknown command %q; try \"help\"\n", strings.Join(words, " "))
		return
	}

	r, err := cmd.Start(s, args)
	if err != nil {
		s.Printf("%s: %v\n", cmd.Name, err)
		return
	}
	s.runner = r
}

func (s *Session) kickWriter() {
	if s.out == nil || s.out.Empty() {
		return
	}
	select {
	case s.wrKick <- struct{}{}:
	default:
	}
}

// readLoop feeds the command line to the loop, then lingers so a client
// abort still tears the session down.
func (s *Session) readLoop() {
	sc := bufio.NewScanner(s.conn)

	var line string
	if sc.Scan() {
		line = sc.Text()
	}
	s.srv.loop.Post(func() {
		s.pending = parseLine(line)
		s.lineDone = true
		if s.task != nil {
			s.task.Wake()
		}
	})

	io.Copy(io.Discard, s.conn)
	s.srv.loop.Post(func() {
		if s.task != nil {
			s.task.Kill()
		}
	})
}

// writeLoop moves output buffer content onto the wire. Each drained
// chunk wakes the session so a room-blocked runner continues.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.wrKick:
		case <-s.stop:
			return
		}

		for {
			chunk, ok := s.takeChunk()
			if !ok {
				return
			}
			if len(chunk) == 0 {
				break
			}
			if _, err := s.conn.Write(chunk); err != nil {
				s.srv.loop.Post(func() {
					if s.task != nil {
						s.task.Kill()
					}
				})
				return
			}
			s.srv.loop.Post(s.noteWritten)
		}
	}
}

func (s *Session) takeChunk() ([]byte, bool) {
	res := make(chan []byte, 1)
	s.srv.loop.Post(func() {
		if s.out == nil {
			res <- nil
			return
		}
		p := make([]byte, s.out.Data())
		s.out.Read(p)
		if len(p) > 0 {
			s.inflight = true
		}
		res <- p
	})

	select {
	case p := <-res:
		return p, true
	case <-s.stop:
		return nil, false
	}
}

func (s *Session) noteWritten() {
	s.inflight = false
	if s.task != nil {
		s.task.Wake()
	}
}

// parseLine splits a command line into semicolon-separated commands,
// each broken into words.
func parseLine(line string) [][]string {
	var cmds [][]string
	for _, part := range strings.Split(line, ";") {
		words := strings.Fields(part)
		if len(words) > 0 {
			cmds = append(cmds, words)
		}
	}

	return cmds
}
