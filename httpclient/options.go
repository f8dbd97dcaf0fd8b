package httpclient

import (
	"crypto/tls"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/10088/haproxy/vconn"
)

// Defaults applied to zero Config fields.
const (
	DefaultBufSize    = 16 << 10
	DefaultMaxHeaders = 101
)

// Config carries the engine tuning knobs. The zero value gets defaults.
type Config struct {
	// BufSize is the fixed capacity of request arenas, response buffers
	// and inbound connection areas.
	BufSize int `yaml:"bufsize" validate:"omitempty,gte=1024,lte=1048576"`

	// MaxHeaders caps captured response headers; one more aborts the
	// response with ErrHeaderLimit.
	MaxHeaders int `yaml:"max_headers" validate:"omitempty,gte=1,lte=32767"`

	// Plain tunes the http route, Secure the https route.
	Plain  vconn.RouteConfig `yaml:"plain"`
	Secure vconn.RouteConfig `yaml:"secure"`
}

func (c *Config) applyDefaults() {
	if c.BufSize == 0 {
		c.BufSize = DefaultBufSize
	}
	if c.MaxHeaders == 0 {
		c.MaxHeaders = DefaultMaxHeaders
	}
}

// Option is a functional option for configuring a [Client] via [Build].
type Option func(*options) error
type options struct {
	logger         *slog.Logger
	tracer         trace.Tracer
	cfg            Config
	defaultHeaders []Header
}

// WithLogger injects a custom [slog.Logger] into the [Client].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		o.logger = logger
		return nil
	}
}

// WithTracer records a span per request on the given tracer. The default
// is a no-op tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) error {
		if tracer == nil {
			return errors.New("tracer must not be nil")
		}
		o.tracer = tracer
		return nil
	}
}

// WithConfig replaces the whole engine configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) error {
		o.cfg = cfg
		return nil
	}
}

// WithBufSize sets the fixed buffer capacity used throughout the engine.
func WithBufSize(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.New("bufsize must be positive")
		}
		o.cfg.BufSize = n
		return nil
	}
}

// WithMaxHeaders caps how many response headers a handle captures.
func WithMaxHeaders(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.New("max headers must be positive")
		}
		o.cfg.MaxHeaders = n
		return nil
	}
}

// WithPlainRoute tunes the http route.
func WithPlainRoute(cfg vconn.RouteConfig) Option {
	return func(o *options) error {
		o.cfg.Plain = cfg
		return nil
	}
}

// WithSecureRoute tunes the https route.
func WithSecureRoute(cfg vconn.RouteConfig) Option {
	return func(o *options) error {
		o.cfg.Secure = cfg
		return nil
	}
}

// WithTLSConfig sets the TLS client configuration of the https route.
func WithTLSConfig(tc *tls.Config) Option {
	return func(o *options) error {
		if tc == nil {
			return errors.New("tls config must not be nil")
		}
		o.cfg.Secure.TLS = tc
		return nil
	}
}

// WithDefaultHeaders replaces the headers sent when a request is
// generated with none supplied.
func WithDefaultHeaders(hdrs ...Header) Option {
	return func(o *options) error {
		for _, h := range hdrs {
			if h.Name == "" {
				return errors.New("default header name must not be empty")
			}
		}
		o.defaultHeaders = hdrs
		return nil
	}
}
