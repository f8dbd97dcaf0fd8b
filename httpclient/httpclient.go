package httpclient

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/10088/haproxy/buf"
	"github.com/10088/haproxy/pool"
	"github.com/10088/haproxy/sched"
	"github.com/10088/haproxy/vconn"
	"github.com/10088/haproxy/wire"
)

// Client is the outbound HTTP engine. One engine serves many concurrent
// requests, each carried by a [Handle] and driven by its own task on the
// engine's scheduler loop.
type Client struct {
	log    *slog.Logger
	tracer trace.Tracer
	loop   *sched.Loop
	id     uuid.UUID

	cfg            Config
	defaultHeaders []Header

	reqPool  *pool.Pool
	resPool  *pool.Pool
	connPool *pool.Pool

	plain  *vconn.Route
	secure *vconn.Route

	handles map[*Handle]struct{} // loop-owned
}

// Build assembles an engine on the given loop and pool registry. A
// *ConfigError reports rejected configuration; treat it as fatal at
// startup.
func Build(loop *sched.Loop, pools *pool.Registry, opts ...Option) (*Client, error) {
	if loop == nil {
		return nil, &ConfigError{Err: errors.New("loop must not be nil")}
	}
	if pools == nil {
		return nil, &ConfigError{Err: errors.New("pool registry must not be nil")}
	}

	o := options{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("httpclient"),
		defaultHeaders: []Header{
			{Name: "User-Agent", Value: "haproxy-httpclient"},
		},
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}
	o.cfg.applyDefaults()

	if err := Validate(o.cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}

	plain, err := vconn.NewRoute("http", o.cfg.Plain, vconn.WithRouteLogger(o.logger))
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("building http route: %w", err)}
	}
	secure, err := vconn.NewRoute("https", o.cfg.Secure, vconn.WithRouteLogger(o.logger))
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("building https route: %w", err)}
	}

	c := &Client{
		log:            o.logger,
		tracer:         o.tracer,
		loop:           loop,
		id:             uuid.New(),
		cfg:            o.cfg,
		defaultHeaders: o.defaultHeaders,
		plain:          plain,
		secure:         secure,
		handles:        make(map[*Handle]struct{}),
	}

	// Same size and all shared: the registry folds these into one pool,
	// the name recording whoever registered first.
	c.reqPool = pools.Create("client-req", c.cfg.BufSize, pool.Shared)
	c.resPool = pools.Create("client-res", c.cfg.BufSize, pool.Shared)
	c.connPool = pools.Create("client-conn", c.cfg.BufSize, pool.Shared)

	c.log.Debug("http client engine ready",
		"id", c.id, "bufsize", c.cfg.BufSize, "max_headers", c.cfg.MaxHeaders)

	return c, nil
}

// New allocates a handle for one request. The method and url are kept
// for Start; GenRequest may restate them. Callers own the handle until
// Start hands it to a task, and must Destroy it when done with the
// response.
func (c *Client) New(caller any, method, url string) (*Handle, error) {
	h := &Handle{
		c:      c,
		id:     uuid.New(),
		caller: caller,
		obs:    NopObserver{},
	}
	h.req.method = method
	h.req.url = url

	msg, err := wire.NewFromPool(c.reqPool)
	if err != nil {
		return nil, fmt.Errorf("allocating request arena: %w", err)
	}

	rb, err := buf.NewFromPool(c.resPool)
	if err != nil {
		msg.Release()
		return nil, fmt.Errorf("allocating response buffer: %w", err)
	}

	h.req.msg = msg
	h.res.buf = rb

	c.log.Debug("handle created", "id", h.id, "method", method, "url", url)

	return h, nil
}

// Close aborts every in-flight request. It must run before the loop
// stops; final resource release happens on the following loop cycles,
// completed by loop shutdown at the latest.
func (c *Client) Close() {
	done := make(chan struct{})
	c.loop.Post(func() {
		for h := range c.handles {
			h.StopAndDestroy()
		}
		close(done)
	})
	<-done

	c.log.Debug("http client engine closed", "id", c.id)
}

func (c *Client) routeFor(scheme string) (*vconn.Route, error) {
	switch scheme {
	case "http":
		return c.plain, nil
	case "https":
		return c.secure, nil
	default:
		return nil, fmt.Errorf("%w: %q", vconn.ErrUnknownScheme, scheme)
	}
}
