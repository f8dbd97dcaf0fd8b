package haproxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/10088/haproxy/cli"
	"github.com/10088/haproxy/httpclient"
	"github.com/10088/haproxy/pool"
	"github.com/10088/haproxy/sched"
)

// Runtime assembles one process: a pool registry, the scheduler loop,
// the HTTP client engine on top of it, and the admin socket with the
// standard commands registered.
type Runtime struct {
	cfg    Config
	log    *slog.Logger
	pools  *pool.Registry
	loop   *sched.Loop
	client *httpclient.Client
	admin  *cli.Server

	stop      chan struct{}
	closeOnce sync.Once
}

type options struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// Option tweaks runtime construction.
type Option func(*options)

// WithLogger overrides the logger built from cfg.Log.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithTracer records request spans on the given tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// New wires up a runtime from cfg. Nothing moves until Run.
func New(cfg Config, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = cfg.Log.NewLogger()
	}

	pools := pool.NewRegistry(pool.WithLogger(log))
	loop := sched.New(sched.WithLogger(log))

	clientOpts := []httpclient.Option{
		httpclient.WithLogger(log),
		httpclient.WithConfig(cfg.Client),
	}
	if o.tracer != nil {
		clientOpts = append(clientOpts, httpclient.WithTracer(o.tracer))
	}

	client, err := httpclient.Build(loop, pools, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("building http client engine: %w", err)
	}

	adminOpts := []cli.Option{cli.WithLogger(log)}
	if cfg.Admin.Addr != "" {
		network := cfg.Admin.Network
		if network == "" {
			network = "tcp"
		}
		adminOpts = append(adminOpts, cli.WithAddr(network, cfg.Admin.Addr))
	}

	admin := cli.New(loop, pools, adminOpts...)
	if err := admin.Register(cli.PoolsCommand(pools)); err != nil {
		return nil, err
	}
	if err := admin.Register(cli.TasksCommand(loop)); err != nil {
		return nil, err
	}
	if err := admin.Register(httpclient.CLICommand(client)); err != nil {
		return nil, err
	}

	return &Runtime{
		cfg:    cfg,
		log:    log,
		pools:  pools,
		loop:   loop,
		client: client,
		admin:  admin,
		stop:   make(chan struct{}),
	}, nil
}

// Client returns the HTTP client engine.
func (r *Runtime) Client() *httpclient.Client { return r.client }

// Loop returns the scheduler loop everything runs on.
func (r *Runtime) Loop() *sched.Loop { return r.loop }

// Pools returns the buffer pool registry.
func (r *Runtime) Pools() *pool.Registry { return r.pools }

// Admin returns the admin socket server.
func (r *Runtime) Admin() *cli.Server { return r.admin }

// Run drives the runtime until ctx is canceled or Close is called, then
// tears it down in dependency order: admin sessions first, then in-flight
// requests, then the loop itself, so every release still runs on a live
// loop. The pool registry is swept last, once nothing can allocate.
func (r *Runtime) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.loop.Run(loopCtx) })
	g.Go(func() error { return r.admin.Run(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-r.stop:
		}
		r.admin.Shutdown()
		r.client.Close()
		stopLoop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	r.pools.GC()

	r.log.Info("runtime stopped")

	return nil
}

// Close asks a running Run to tear down and return. Safe from any
// goroutine, idempotent, and a no-op once Run has already returned.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
}
