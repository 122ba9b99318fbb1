package connpool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cachekit/cachekit/endpoint"
	"github.com/cachekit/cachekit/internal/testlogger"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRegistry(t *testing.T) {
	server, accepted := newTestServer(t)

	t.Run("pool holds exactly the configured connections", func(t *testing.T) {
		accepted.Store(0)
		r := newTestRegistry(t, []Server{{Endpoint: server, Size: 4}})

		p, err := r.Pool(server)
		require.NoError(t, err)
		require.Equal(t, 4, p.Size())
		require.Equal(t, server, p.Endpoint())

		require.Eventually(t, func() bool {
			return accepted.Load() == 4
		}, time.Second, 10*time.Millisecond, "server did not see all pooled connections")
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		r := newTestRegistry(t, []Server{{Endpoint: server, Size: 1}})

		_, err := r.Pool(endpoint.New("10.255.0.1", 11211))
		require.ErrorIs(t, err, ErrUnknownEndpoint)
	})

	t.Run("empty server list", func(t *testing.T) {
		_, err := New(context.Background(), DefaultOptions, nil)
		require.ErrorIs(t, err, ErrNoServers)
	})

	t.Run("invalid pool size", func(t *testing.T) {
		_, err := New(context.Background(), DefaultOptions, []Server{
			{Endpoint: server, Size: 0},
		})
		require.Error(t, err)
	})

	t.Run("duplicate server", func(t *testing.T) {
		_, err := New(context.Background(), DefaultOptions, []Server{
			{Endpoint: server, Size: 1},
			{Endpoint: server, Size: 1},
		})
		require.Error(t, err)
	})
}

func TestRegistry_Unreachable(t *testing.T) {
	// Grab a port with nothing listening on it by closing a listener.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead, err := endpoint.Parse(lis.Addr().String())
	require.NoError(t, err)
	require.NoError(t, lis.Close())

	_, err = New(context.Background(), DefaultOptions, []Server{
		{Endpoint: dead, Size: 1},
	})

	var ue *UnreachableError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, dead, ue.Endpoint)
	require.Error(t, ue.Unwrap())
}

func TestPool_ExclusiveCheckout(t *testing.T) {
	server, _ := newTestServer(t)
	r := newTestRegistry(t, []Server{{Endpoint: server, Size: 1}})

	p, err := r.Pool(server)
	require.NoError(t, err)

	c1, err := p.Get(context.Background())
	require.NoError(t, err)

	// The only connection is checked out; a second Get must block until it
	// comes back.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c1.Release()
	c2, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Same(t, c1, c2, "expected the released connection back")
	c2.Release()
}

func TestPool_RoundRobin(t *testing.T) {
	server, _ := newTestServer(t)
	r := newTestRegistry(t, []Server{{Endpoint: server, Size: 2}})

	p, err := r.Pool(server)
	require.NoError(t, err)

	c1, err := p.Get(context.Background())
	require.NoError(t, err)
	c2, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NotSame(t, c1, c2, "checkout handed out the same connection twice")

	c1.Release()
	c2.Release()

	// Released first, handed out first.
	c3, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Same(t, c1, c3)
	c3.Release()
}

func TestPool_GetCanceled(t *testing.T) {
	server, _ := newTestServer(t)
	r := newTestRegistry(t, []Server{{Endpoint: server, Size: 1}})

	p, err := r.Pool(server)
	require.NoError(t, err)

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	defer c.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_CloseUnblocksWaiters(t *testing.T) {
	server, _ := newTestServer(t)

	r, err := New(context.Background(), Options{Log: testlogger.New(t)}, []Server{
		{Endpoint: server, Size: 1},
	})
	require.NoError(t, err)

	p, err := r.Pool(server)
	require.NoError(t, err)

	held, err := p.Get(context.Background())
	require.NoError(t, err)

	// Park a second caller on the exhausted pool with a context that never
	// cancels; closing the registry must be what wakes it.
	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Get(context.Background())
		waiterErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, r.Close())

	select {
	case err := <-waiterErr:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after pool close")
	}

	held.Release()
}

func TestRegistry_Close(t *testing.T) {
	server, _ := newTestServer(t)

	r, err := New(context.Background(), Options{Log: testlogger.New(t)}, []Server{
		{Endpoint: server, Size: 2},
	})
	require.NoError(t, err)

	p, err := r.Pool(server)
	require.NoError(t, err)

	// Hold one connection across the close.
	held, err := p.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close must be safe to call twice")

	_, err = p.Get(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	// Releasing after close must close the connection rather than pool it.
	held.Release()
	_, err = held.Read(make([]byte, 1))
	require.ErrorIs(t, err, net.ErrClosed)
}

func newTestServer(t *testing.T) (endpoint.Endpoint, *atomic.Int64) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = lis.Close() })

	var (
		accepted = atomic.NewInt64(0)

		connsMut sync.Mutex
		conns    []net.Conn
	)
	t.Cleanup(func() {
		connsMut.Lock()
		defer connsMut.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			accepted.Inc()
			connsMut.Lock()
			conns = append(conns, conn)
			connsMut.Unlock()
		}
	}()

	ep, err := endpoint.Parse(lis.Addr().String())
	require.NoError(t, err)
	return ep, accepted
}

func newTestRegistry(t *testing.T, servers []Server) *Registry {
	t.Helper()

	opts := DefaultOptions
	opts.Log = testlogger.New(t)

	r, err := New(context.Background(), opts, servers)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := r.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.Errorf("failed to close registry: %v", err)
		}
	})
	return r
}
