package cachekit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cachekit/cachekit/connpool"
	"github.com/cachekit/cachekit/endpoint"
	"github.com/cachekit/cachekit/ring"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrEmptyKey is returned when resolving an empty key.
	ErrEmptyKey = errors.New("empty key")

	// ErrNoTransport is returned by Get and Set when the Router was built
	// without a Transport.
	ErrNoTransport = errors.New("no transport configured")
)

// Server describes one cache server in the fleet.
type Server struct {
	// Network address of the server, without the port. Required.
	Host string

	// TCP port the server listens on. Required.
	Port int

	// PoolSize is the number of connections to keep open to the server.
	// Required; must be at least 1.
	PoolSize int

	// VirtualNodes is the number of ring positions the server occupies.
	// Defaults to ring.DefaultVirtualNodes. Independent of PoolSize.
	VirtualNodes int
}

func (s Server) endpoint() endpoint.Endpoint {
	return endpoint.New(s.Host, s.Port)
}

// A Transport performs the cache protocol exchange over a resolved
// connection. Implementations own framing, timeouts, and how a broken
// connection is surfaced; the Router only picks which connection to use.
type Transport interface {
	// Get reads the value for key over conn.
	Get(ctx context.Context, conn net.Conn, key string) ([]byte, error)

	// Set writes value for key over conn.
	Set(ctx context.Context, conn net.Conn, key string, value []byte) error
}

// Config configures a Router.
type Config struct {
	// Servers is the cache server fleet to route across. Required.
	Servers []Server

	// Hash used for ring positions and keys. Defaults to ring.MD5.
	Hash ring.Hash128

	// Optional logger to use.
	Log log.Logger

	// Optional dialer used to open pooled connections.
	Dialer connpool.Dialer

	// Timeout for each connection opened at startup.
	DialTimeout time.Duration

	// Transport used by Get and Set. Optional; a Router without a Transport
	// can still Resolve connections for a caller-side protocol layer.
	Transport Transport
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return ring.ErrNoServers
	}
	if c.Log == nil {
		c.Log = log.NewNopLogger()
	}
	return nil
}

// A Router resolves keys to pooled connections. The ring and the pools are
// built once from the same server list; a Router is goroutine safe and all
// of its lookups are non-blocking in-memory work.
type Router struct {
	log      log.Logger
	ring     *ring.Ring
	registry *connpool.Registry

	transport Transport
}

// New creates a Router, establishing every pooled connection before
// returning. New fails with ring.ErrNoServers if cfg.Servers is empty, and
// with a *connpool.UnreachableError if any server cannot be dialed.
func New(ctx context.Context, cfg Config) (*Router, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ringServers := make([]ring.Server, len(cfg.Servers))
	poolServers := make([]connpool.Server, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		ep := srv.endpoint()
		ringServers[i] = ring.Server{Endpoint: ep, VirtualNodes: srv.VirtualNodes}
		poolServers[i] = connpool.Server{Endpoint: ep, Size: srv.PoolSize}
	}

	r, err := ring.New(ringServers, cfg.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to build ring: %w", err)
	}

	registry, err := connpool.New(ctx, connpool.Options{
		Log:         cfg.Log,
		Dialer:      cfg.Dialer,
		DialTimeout: cfg.DialTimeout,
	}, poolServers)
	if err != nil {
		return nil, err
	}

	level.Debug(cfg.Log).Log(
		"msg", "cache ring built",
		"servers", len(cfg.Servers),
		"entries", r.Len(),
		"fingerprint", fmt.Sprintf("%016x", r.Fingerprint()),
	)

	return &Router{
		log:       cfg.Log,
		ring:      r,
		registry:  registry,
		transport: cfg.Transport,
	}, nil
}

// Endpoint returns the endpoint that owns key without touching the pools.
func (rt *Router) Endpoint(key string) (endpoint.Endpoint, error) {
	if key == "" {
		return endpoint.Endpoint{}, ErrEmptyKey
	}
	return rt.ring.LocateString(key), nil
}

// Resolve returns an exclusively held connection to the server that owns
// key, blocking until one is free or ctx is canceled. The caller must
// Release the connection once the exchange is done.
func (rt *Router) Resolve(ctx context.Context, key string) (*connpool.Conn, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	ep := rt.ring.LocateString(key)
	pool, err := rt.registry.Pool(ep)
	if err != nil {
		// The ring and the registry are built from the same server list, so
		// every endpoint the ring returns must have a pool.
		panic(fmt.Sprintf("cachekit: ring returned endpoint %s with no pool: %v", ep, err))
	}
	return pool.Get(ctx)
}

// Get resolves key and reads its value through the configured Transport.
func (rt *Router) Get(ctx context.Context, key string) ([]byte, error) {
	if rt.transport == nil {
		return nil, ErrNoTransport
	}
	conn, err := rt.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	return rt.transport.Get(ctx, conn, key)
}

// Set resolves key and writes value through the configured Transport.
func (rt *Router) Set(ctx context.Context, key string, value []byte) error {
	if rt.transport == nil {
		return ErrNoTransport
	}
	conn, err := rt.Resolve(ctx, key)
	if err != nil {
		return err
	}
	defer conn.Release()

	return rt.transport.Set(ctx, conn, key, value)
}

// Ring returns the Router's hash ring for ring-only consumers such as
// status pages.
func (rt *Router) Ring() *ring.Ring { return rt.ring }

// Metrics returns metrics for the Router's connection pools.
func (rt *Router) Metrics() prometheus.Collector { return rt.registry.Metrics() }

// Close closes every pooled connection. Connections currently checked out
// are closed when they are released.
func (rt *Router) Close() error { return rt.registry.Close() }
