package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/10088/haproxy/buf"
	"github.com/10088/haproxy/pool"
	"github.com/10088/haproxy/sched"
)

// DefaultOutSize is the per-session output buffer size.
const DefaultOutSize = 16 << 10

// Command describes one admin-socket verb. Names may span two words,
// as in "show pools"; lookup prefers the two-word form.
type Command struct {
	Name  string
	Usage string
	Help  string

	// Start parses args and begins execution on the loop goroutine.
	// Commands that finish in one shot write their output and return
	// (nil, nil); long-running ones return a Runner the session steps
	// until it reports done.
	Start func(s *Session, args []string) (Runner, error)
}

// Runner is the long-running half of a command.
type Runner interface {
	// Step writes whatever is ready into the session and reports
	// whether the command finished. Returning false parks the session;
	// it resumes when output drains or something calls [Session.Wake].
	Step(s *Session) (done bool)

	// Release runs exactly once when the command ends or the session
	// dies with the command still active.
	Release(s *Session)
}

// Server accepts admin connections and runs their sessions as tasks on
// the loop. Register commands before calling Run.
type Server struct {
	logger  *slog.Logger
	loop    *sched.Loop
	network string
	addr    string
	outPool *pool.Pool

	commands map[string]Command
	sessions map[*Session]struct{} // loop-owned

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

type options struct {
	logger  *slog.Logger
	network string
	addr    string
	outSize int
}

// Option tweaks server construction.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithAddr sets the listening network and address, for example
// ("unix", "/run/admin.sock") or ("tcp", "127.0.0.1:9999").
func WithAddr(network, addr string) Option {
	return func(o *options) { o.network, o.addr = network, addr }
}

// WithOutSize overrides the per-session output buffer size.
func WithOutSize(n int) Option {
	return func(o *options) { o.outSize = n }
}

// New builds a server whose session buffers come from reg. The built-in
// help and quit commands are pre-registered.
func New(loop *sched.Loop, reg *pool.Registry, opts ...Option) *Server {
	o := options{
		logger:  slog.Default(),
		network: "tcp",
		addr:    "127.0.0.1:9999",
		outSize: DefaultOutSize,
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		logger:   o.logger,
		loop:     loop,
		network:  o.network,
		addr:     o.addr,
		outPool:  reg.Create("cli-out", o.outSize, pool.Shared),
		commands: make(map[string]Command),
		sessions: make(map[*Session]struct{}),
	}

	s.Register(helpCommand(s))
	s.Register(quitCommand())

	return s
}

// Register adds a command. Call before Run; duplicate names are
// rejected.
func (s *Server) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Start == nil {
		return errors.New("cli: command needs a name and a start function")
	}
	if _, ok := s.commands[cmd.Name]; ok {
		return fmt.Errorf("cli: command %q already registered", cmd.Name)
	}

	s.commands[cmd.Name] = cmd

	return nil
}

// Addr returns the bound listener address, nil before Run got there.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run listens and serves admin sessions until ctx is canceled, then
// shuts down and returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.network, s.addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("admin socket ready", "network", s.network, "addr", ln.Addr())

	acceptErrs := make(chan error, 1)
	go func() { acceptErrs <- s.accept(ln) }()

	select {
	case err := <-acceptErrs:
		return err

	case <-ctx.Done():
		s.Shutdown()
		<-acceptErrs
		return nil
	}
}

func (s *Server) accept(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting admin connection: %w", err)
		}
		s.attach(conn)
	}
}

// Shutdown closes the listener and kills every live session. Safe from
// any goroutine, idempotent.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	s.loop.Post(func() {
		for sess := range s.sessions {
			sess.task.Kill()
		}
	})

	s.logger.Info("admin socket closed")
}

func (s *Server) attach(conn net.Conn) {
	s.loop.Post(func() {
		out, err := buf.NewFromPool(s.outPool)
		if err != nil {
			s.logger.Error("rejecting admin session",
				"remote", conn.RemoteAddr(), "error", err)
			go func() {
				conn.Write([]byte("too many sessions\n"))
				conn.Close()
			}()
			return
		}

		sess := &Session{
			srv:    s,
			conn:   conn,
			out:    out,
			wrKick: make(chan struct{}, 1),
			stop:   make(chan struct{}),
		}
		sess.task = s.loop.NewTask(sess, "cli/session")
		s.sessions[sess] = struct{}{}

		go sess.readLoop()
		go sess.writeLoop()

		s.logger.Debug("admin session opened", "remote", conn.RemoteAddr())
	})
}

func (s *Server) lookup(words []string) (Command, []string, bool) {
	if len(words) >= 2 {
		if cmd, ok := s.commands[words[0]+" "+words[1]]; ok {
			return cmd, words[2:], true
		}
	}
	if cmd, ok := s.commands[words[0]]; ok {
		return cmd, words[1:], true
	}

	return Command{}, nil, false
}
