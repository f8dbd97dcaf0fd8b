package vconn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ErrUnknownScheme is returned for schemes no route can carry.
var ErrUnknownScheme = errors.New("vconn: unknown scheme")

// Defaults applied to zero RouteConfig fields.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
)

// Duration is a [time.Duration] that yaml configs spell the usual way,
// like "5s" or "1m30s".
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(y *yaml.Node) error {
	var s string
	if err := y.Decode(&s); err != nil {
		return err
	}

	p, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(p)

	return nil
}

// RouteConfig tunes one upstream route. The zero value gets defaults for
// the timeouts and no admission limit.
type RouteConfig struct {
	// ConnectTimeout bounds dialing, TLS handshake included.
	ConnectTimeout Duration `yaml:"connect_timeout" validate:"min=0"`

	// IdleTimeout bounds the gap between reads on an established
	// connection. Zero keeps the default; negative disables it.
	IdleTimeout Duration `yaml:"idle_timeout" validate:"min=0"`

	// RateLimit caps admitted connection starts per second. Zero means
	// unlimited.
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`

	// RateBurst is the admission burst size, defaulting to 1 when a
	// limit is set.
	RateBurst int `yaml:"rate_burst" validate:"min=0"`

	// TLS is used by the https route. Ignored on the plain route.
	TLS *tls.Config `yaml:"-" validate:"-"`
}

// Route describes how connections to one scheme are made: plain or TLS,
// with which timeouts, behind which admission limiter.
type Route struct {
	scheme  string
	connect time.Duration
	idle    time.Duration
	tlsConf *tls.Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// RouteOption configures a Route.
type RouteOption func(*Route)

// WithRouteLogger sets the logger used for dial events.
// Default is slog.Default().
func WithRouteLogger(log *slog.Logger) RouteOption {
	return func(r *Route) {
		r.logger = log
	}
}

// NewRoute builds the route for scheme, which must be "http" or "https".
func NewRoute(scheme string, cfg RouteConfig, opts ...RouteOption) (*Route, error) {
	r := &Route{
		scheme:  scheme,
		connect: time.Duration(cfg.ConnectTimeout),
		idle:    time.Duration(cfg.IdleTimeout),
		logger:  slog.Default(),
	}

	switch scheme {
	case "http":
	case "https":
		r.tlsConf = cfg.TLS
		if r.tlsConf == nil {
			r.tlsConf = &tls.Config{}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}

	if r.connect == 0 {
		r.connect = DefaultConnectTimeout
	}
	if r.idle == 0 {
		r.idle = DefaultIdleTimeout
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Scheme returns the scheme this route serves.
func (r *Route) Scheme() string { return r.scheme }

// Admit reports whether a new connection may start now. It never waits;
// callers refuse the request when the admission budget is spent.
func (r *Route) Admit() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}

// dial connects to dst, completing the TLS handshake on the https route.
// The connect timeout covers both.
func (r *Route) dial(dst netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{Timeout: r.connect}

	nc, err := d.Dial("tcp", dst.String())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", dst, err)
	}

	if r.tlsConf == nil {
		return nc, nil
	}

	cfg := r.tlsConf.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = dst.Addr().String()
	}

	tc := tls.Client(nc, cfg)
	if err := nc.SetDeadline(time.Now().Add(r.connect)); err == nil {
		err = tc.Handshake()
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", dst, err)
	}
	if err := nc.SetDeadline(time.Time{}); err != nil {
		tc.Close()
		return nil, fmt.Errorf("clearing handshake deadline: %w", err)
	}

	return tc, nil
}
