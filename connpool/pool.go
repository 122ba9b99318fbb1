// Package connpool implements fixed-size connection pools to a static set of
// cache server endpoints. Every pool is filled at construction time and
// keeps the same number of connections for its whole lifetime; a server that
// cannot be dialed is a construction error, never a partially filled pool.
//
// Connections are checked out exclusively: a connection handed out by Get is
// owned by the caller until Release, so request/response exchanges never
// interleave on one socket.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/cachekit/cachekit/endpoint"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	// ErrNoServers is returned when building a Registry from an empty server
	// list.
	ErrNoServers = errors.New("empty server list")

	// ErrUnknownEndpoint is returned by Registry.Pool for an endpoint the
	// Registry was not built with.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrClosed is returned by Pool.Get after the Registry has been closed.
	ErrClosed = errors.New("connection pool is closed")
)

// UnreachableError is returned when a configured server's connections could
// not be established at startup.
type UnreachableError struct {
	Endpoint endpoint.Endpoint
	Err      error
}

// Error implements error.
func (e *UnreachableError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying dial error.
func (e *UnreachableError) Unwrap() error { return e.Err }

// A Dialer opens transport connections to cache servers. *net.Dialer
// implements Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server describes one cache server to pool connections for.
type Server struct {
	// Endpoint of the server. Required.
	Endpoint endpoint.Endpoint

	// Size is the number of connections to open to the server. Required;
	// must be at least 1.
	Size int
}

// Options configures options for a Registry.
type Options struct {
	// Optional logging interface.
	Log log.Logger

	// Dialer used to open connections. Defaults to a plain net.Dialer.
	Dialer Dialer

	// Timeout for each connection opened at startup.
	DialTimeout time.Duration
}

// DefaultOptions holds default options for creating registries.
var DefaultOptions = Options{
	DialTimeout: 5 * time.Second,
}

// A Registry holds one fixed-size connection Pool per configured endpoint.
// Registries are goroutine safe; the pool set never changes after
// construction.
type Registry struct {
	log   log.Logger
	m     *metrics
	pools map[endpoint.Endpoint]*Pool

	endpoints []endpoint.Endpoint
}

// New creates a Registry, opening every connection for every server before
// returning. If any connection cannot be established, the already-opened
// pools are closed and an *UnreachableError is returned.
func New(ctx context.Context, opts Options, servers []Server) (*Registry, error) {
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	l := opts.Log
	if l == nil {
		l = log.NewNopLogger()
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions.DialTimeout
	}

	r := &Registry{
		log:   l,
		m:     newMetrics(),
		pools: make(map[endpoint.Endpoint]*Pool, len(servers)),
	}

	for _, srv := range servers {
		if srv.Size < 1 {
			_ = r.Close()
			return nil, fmt.Errorf("pool size for %s must be at least 1, got %d", srv.Endpoint, srv.Size)
		}
		if _, exist := r.pools[srv.Endpoint]; exist {
			_ = r.Close()
			return nil, fmt.Errorf("duplicate server %s", srv.Endpoint)
		}

		p, err := newPool(ctx, opts, srv, r.m)
		if err != nil {
			if cerr := r.Close(); cerr != nil {
				level.Warn(l).Log("msg", "failed to close pools after startup error", "err", cerr)
			}
			return nil, err
		}
		r.pools[srv.Endpoint] = p
		r.endpoints = append(r.endpoints, srv.Endpoint)
	}

	sort.Slice(r.endpoints, func(i, j int) bool {
		return r.endpoints[i].Addr() < r.endpoints[j].Addr()
	})

	level.Debug(l).Log("msg", "connection pools established", "endpoints", len(r.endpoints))
	return r, nil
}

// Pool returns the connection pool for ep. It fails with ErrUnknownEndpoint
// if ep is not one of the endpoints the Registry was built with.
func (r *Registry) Pool(ep endpoint.Endpoint) (*Pool, error) {
	p, ok := r.pools[ep]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep)
	}
	return p, nil
}

// Endpoints returns the endpoints the Registry pools connections for,
// sorted by address. The returned slice must not be modified.
func (r *Registry) Endpoints() []endpoint.Endpoint { return r.endpoints }

// Metrics returns metrics for the Registry.
func (r *Registry) Metrics() prometheus.Collector { return r.m }

// Close closes every pooled connection. Connections currently checked out
// are closed when they are released. Close may be called more than once.
func (r *Registry) Close() error {
	var errs *multierror.Error
	for _, p := range r.pools {
		if err := p.close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// A Pool is a fixed set of connections to one endpoint.
type Pool struct {
	ep   endpoint.Endpoint
	size int
	m    *metrics

	free   chan *Conn
	done   chan struct{}
	closed atomic.Bool
}

func newPool(ctx context.Context, opts Options, srv Server, m *metrics) (*Pool, error) {
	p := &Pool{
		ep:   srv.Endpoint,
		size: srv.Size,
		m:    m,
		free: make(chan *Conn, srv.Size),
		done: make(chan struct{}),
	}

	for i := 0; i < srv.Size; i++ {
		dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		nc, err := opts.Dialer.DialContext(dialCtx, "tcp", srv.Endpoint.Addr())
		cancel()
		if err != nil {
			m.dialsTotal.WithLabelValues("error").Inc()
			_ = p.close()
			return nil, &UnreachableError{Endpoint: srv.Endpoint, Err: err}
		}
		m.dialsTotal.WithLabelValues("success").Inc()
		m.conns.Inc()
		p.free <- &Conn{Conn: nc, pool: p}
	}

	return p, nil
}

// Endpoint returns the endpoint p holds connections to.
func (p *Pool) Endpoint() endpoint.Endpoint { return p.ep }

// Size returns the number of connections p was built with.
func (p *Pool) Size() int { return p.size }

// Get checks a connection out of the pool, blocking until one is free or
// ctx is canceled. The caller owns the connection exclusively until calling
// Release on it. Connections are handed out in the order they were
// released, so callers cycle through the pool round-robin.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	if p.closed.Load() {
		p.m.checkoutsTotal.WithLabelValues("closed").Inc()
		return nil, ErrClosed
	}

	timer := prometheus.NewTimer(p.m.checkoutWait)
	defer timer.ObserveDuration()

	select {
	case c := <-p.free:
		if p.closed.Load() {
			_ = c.Conn.Close()
			p.m.conns.Dec()
			p.m.checkoutsTotal.WithLabelValues("closed").Inc()
			return nil, ErrClosed
		}
		p.m.checkedOut.Inc()
		p.m.checkoutsTotal.WithLabelValues("success").Inc()
		return c, nil
	case <-p.done:
		p.m.checkoutsTotal.WithLabelValues("closed").Inc()
		return nil, ErrClosed
	case <-ctx.Done():
		p.m.checkoutsTotal.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	}
}

// close closes all idle connections and wakes callers blocked in Get.
// Checked-out connections are closed on Release.
func (p *Pool) close() error {
	if !p.closed.CAS(false, true) {
		return nil
	}
	close(p.done)

	var errs *multierror.Error
	for {
		select {
		case c := <-p.free:
			p.m.conns.Dec()
			if err := c.Conn.Close(); err != nil {
				errs = multierror.Append(errs, err)
			}
		default:
			return errs.ErrorOrNil()
		}
	}
}

// A Conn is one pooled connection, checked out of its Pool. The embedded
// net.Conn is for the transport layer to use; the holder must call Release
// exactly once when the exchange is done, and must not use the connection
// afterwards.
type Conn struct {
	net.Conn
	pool *Pool
}

// Endpoint returns the endpoint c is connected to.
func (c *Conn) Endpoint() endpoint.Endpoint { return c.pool.ep }

// Release returns c to its pool. If the pool has been closed, the
// connection is closed instead.
func (c *Conn) Release() {
	c.pool.m.checkedOut.Dec()
	if c.pool.closed.Load() {
		_ = c.Conn.Close()
		c.pool.m.conns.Dec()
		return
	}
	c.pool.free <- c
}
