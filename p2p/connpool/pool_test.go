package connpool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/meshsync/go-meshsync/p2p/asock"
)

// echoServer answers every frame with the same frame. With once it closes
// the connection after the first answer.
func echoServer(t *testing.T, once bool) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				s := asock.FromConn(conn, asock.Options{})
				defer s.Close()
				for {
					msg, err := s.Receive(context.Background(), 0)
					if err != nil {
						return
					}
					if err = s.Send(context.Background(), msg, time.Second); err != nil || once {
						return
					}
				}
			}()
		}
	}()

	return ln.Addr().String()
}

func roundTrip(t *testing.T, ps *PooledSocket, data string) {
	ctx := context.Background()
	require.NoError(t, ps.Send(ctx, []byte(data), time.Second))
	msg, err := ps.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, data, string(msg))
}

func TestPool_Reuse(t *testing.T) {
	addr := echoServer(t, false)
	p := New(Config{MaxSockets: 2})
	defer p.Stop()

	ctx := context.Background()
	ps, err := p.Acquire(ctx, addr, time.Second)
	require.NoError(t, err)
	roundTrip(t, ps, "hello")
	first := ps.Socket

	assert.Equal(t, Stats{Max: 2, Leased: 1, Idle: 0, Available: 1}, p.Stats())
	require.NoError(t, p.Release(ps))
	assert.Equal(t, Stats{Max: 2, Leased: 0, Idle: 1, Available: 2}, p.Stats())

	ps, err = p.Acquire(ctx, addr, time.Second)
	require.NoError(t, err)
	assert.Same(t, first, ps.Socket)
	roundTrip(t, ps, "again")
	require.NoError(t, p.Release(ps))
}

func TestPool_ExhaustionThenRecovery(t *testing.T) {
	addrA := echoServer(t, false)
	addrB := echoServer(t, false)

	p := New(Config{MaxSockets: 1})
	defer p.Stop()

	ctx := context.Background()
	psA, err := p.Acquire(ctx, addrA, time.Second)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, addrB, 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrPoolExhausted), "%v", err)

	got := make(chan error, 1)
	go func() {
		ps, err := p.Acquire(ctx, addrB, 2*time.Second)
		if err == nil {
			err = p.Release(ps)
		}
		got <- err
	}()

	select {
	case err = <-got:
		t.Fatalf("acquire should block, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Release(psA))

	select {
	case err = <-got:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not proceed after release")
	}

	stats := p.Stats()
	assert.Equal(t, 0, stats.Leased)
	// the idle socket of A was evicted to make room for B
	assert.Equal(t, 1, stats.Idle)
}

func TestPool_CapacityInvariant(t *testing.T) {
	addrs := []string{echoServer(t, false), echoServer(t, false), echoServer(t, false)}

	const capacity = 3
	p := New(Config{MaxSockets: capacity})
	defer p.Stop()

	var current, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			ps, err := p.Acquire(context.Background(), addrs[i%len(addrs)], 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}

			n := current.Inc()
			for {
				old := peak.Load()
				if n <= old || peak.CAS(old, n) {
					break
				}
			}

			stats := p.Stats()
			assert.Equal(t, capacity, stats.Leased+stats.Available)

			roundTrip(t, ps, "x")
			current.Dec()
			assert.NoError(t, p.Release(ps))
		}(i)
	}
	wg.Wait()

	assert.True(t, peak.Load() <= capacity, "peak %d", peak.Load())
	stats := p.Stats()
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, capacity, stats.Available)
	assert.True(t, stats.Idle <= capacity)
}

func TestPool_NoDoubleServing(t *testing.T) {
	addr := echoServer(t, false)
	p := New(Config{MaxSockets: 4})
	defer p.Stop()

	var mu sync.Mutex
	inUse := make(map[*asock.Socket]bool)
	var wg sync.WaitGroup

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ps, err := p.Acquire(context.Background(), addr, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			assert.False(t, inUse[ps.Socket], "socket served twice")
			inUse[ps.Socket] = true
			mu.Unlock()

			roundTrip(t, ps, "y")

			mu.Lock()
			delete(inUse, ps.Socket)
			mu.Unlock()

			assert.NoError(t, p.Release(ps))
		}()
	}
	wg.Wait()
}

func TestPool_ReleaseUnknown(t *testing.T) {
	addr := echoServer(t, false)
	p := New(Config{MaxSockets: 2})
	defer p.Stop()

	assert.Equal(t, ErrUnknownSocket, p.Release(nil))

	foreign := &PooledSocket{Socket: asock.New(asock.Options{}), Endpoint: addr, index: 0}
	assert.Equal(t, ErrUnknownSocket, p.Release(foreign))

	ps, err := p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(ps))
	assert.Equal(t, ErrUnknownSocket, p.Release(ps))

	stats := p.Stats()
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, 2, stats.Available)

	// the pool keeps working
	ps, err = p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, p.Release(ps))
}

func TestPool_ReleaseFailed(t *testing.T) {
	addr := echoServer(t, false)
	p := New(Config{MaxSockets: 2})
	defer p.Stop()

	ps, err := p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)

	_, err = ps.Receive(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, asock.Failed, ps.State())

	require.NoError(t, p.Release(ps))
	assert.Equal(t, asock.Closed, ps.State())
	assert.Equal(t, Stats{Max: 2, Available: 2}, p.Stats())
}

func TestPool_ReconnectUnhealthyIdle(t *testing.T) {
	addr := echoServer(t, true)
	p := New(Config{MaxSockets: 2})
	defer p.Stop()

	ctx := context.Background()
	ps, err := p.Acquire(ctx, addr, time.Second)
	require.NoError(t, err)
	roundTrip(t, ps, "one")
	first := ps.Socket
	require.NoError(t, p.Release(ps))

	// the server closed its side after answering
	time.Sleep(50 * time.Millisecond)

	ps, err = p.Acquire(ctx, addr, time.Second)
	require.NoError(t, err)
	assert.NotSame(t, first, ps.Socket)
	assert.Equal(t, asock.Closed, first.State())
	roundTrip(t, ps, "two")
	require.NoError(t, p.Release(ps))
}

func TestPool_AcquireDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	p := New(Config{MaxSockets: 1, ConnectTimeout: time.Second})
	defer p.Stop()

	_, err = p.Acquire(context.Background(), addr, time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPoolExhausted))
	assert.Equal(t, Stats{Max: 1, Available: 1}, p.Stats())
}

func TestPool_AcquireCanceled(t *testing.T) {
	addr := echoServer(t, false)
	p := New(Config{MaxSockets: 1})
	defer p.Stop()

	ps, err := p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)
	defer p.Release(ps)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err = p.Acquire(ctx, addr, 5*time.Second)
	assert.True(t, asock.IsCanceled(err), "%v", err)
}

func TestPool_Clear(t *testing.T) {
	addrs := []string{echoServer(t, false), echoServer(t, false), echoServer(t, false)}
	p := New(Config{MaxSockets: 4, MinIdle: 1})
	defer p.Stop()

	for _, addr := range addrs {
		ps, err := p.Acquire(context.Background(), addr, time.Second)
		require.NoError(t, err)
		require.NoError(t, p.Release(ps))
	}
	assert.Equal(t, 3, p.Stats().Idle)

	assert.Equal(t, 2, p.Clear(true))
	assert.Equal(t, 1, p.Stats().Idle)

	assert.Equal(t, 1, p.Clear(false))
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestPool_Stopped(t *testing.T) {
	addr := echoServer(t, false)
	p := New(Config{MaxSockets: 1})

	ps, err := p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)

	p.Stop()

	_, err = p.Acquire(context.Background(), addr, time.Second)
	assert.Equal(t, ErrPoolStopped, err)

	// released after stop: closed, slot returned
	require.NoError(t, p.Release(ps))
	assert.Equal(t, asock.Closed, ps.State())
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestPool_BackgroundRecovery(t *testing.T) {
	addr := echoServer(t, true)

	var dials atomic.Int32
	p := New(Config{
		MaxSockets:      2,
		BackgroundReset: true,
		Dial: func(ctx context.Context, endpoint string, timeout time.Duration, opts asock.Options) (*asock.Socket, error) {
			dials.Inc()
			return asock.Dial(ctx, endpoint, timeout, opts)
		},
	})
	p.Start()
	defer p.Stop()

	ps, err := p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)
	roundTrip(t, ps, "x")
	first := ps.Socket

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Release(ps))

	require.Eventually(t, func() bool {
		return dials.Load() == 2 && p.Stats().Idle == 1
	}, 2*time.Second, 10*time.Millisecond)

	ps, err = p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)
	assert.NotSame(t, first, ps.Socket)
	roundTrip(t, ps, "y")
	require.NoError(t, p.Release(ps))
}

func TestPool_StopCancelsRecovery(t *testing.T) {
	addr := echoServer(t, true)

	blocked := make(chan struct{})
	var dials atomic.Int32
	p := New(Config{
		MaxSockets:      2,
		BackgroundReset: true,
		Dial: func(ctx context.Context, endpoint string, timeout time.Duration, opts asock.Options) (*asock.Socket, error) {
			if dials.Inc() == 1 {
				return asock.Dial(ctx, endpoint, timeout, opts)
			}
			close(blocked)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	p.Start()

	ps, err := p.Acquire(context.Background(), addr, time.Second)
	require.NoError(t, err)
	roundTrip(t, ps, "x")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Release(ps))

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("recovery did not start")
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop blocked on recovery")
	}

	assert.Equal(t, asock.Closed, ps.State())
	assert.Equal(t, 0, p.Stats().Idle)
	p.mu.Lock()
	assert.Equal(t, 0, p.arena.size())
	p.mu.Unlock()
}

func TestArena_Generation(t *testing.T) {
	var a arena
	i := a.alloc("x")
	gen := a.entries[i].gen
	assert.NotNil(t, a.get(i, gen))

	a.drop(i)
	assert.Nil(t, a.get(i, gen))

	j := a.alloc("y")
	assert.Equal(t, i, j)
	assert.Nil(t, a.get(i, gen))
	assert.NotNil(t, a.get(j, a.entries[j].gen))
	assert.Equal(t, 1, a.size())
	assert.Equal(t, "never pooled", a.entries[j].state.String())
}

func TestPool_StaleReleaseAfterReuse(t *testing.T) {
	addr := echoServer(t, false)
	p := New(Config{MaxSockets: 2})
	defer p.Stop()

	ctx := context.Background()
	a, err := p.Acquire(ctx, addr, time.Second)
	require.NoError(t, err)
	stale := *a
	require.NoError(t, p.Release(a))

	b, err := p.Acquire(ctx, addr, time.Second)
	require.NoError(t, err)
	require.Same(t, stale.Socket, b.Socket)

	// the earlier lease must not hand b's socket back
	assert.Equal(t, ErrUnknownSocket, p.Release(&stale))
	assert.Equal(t, Stats{Max: 2, Leased: 1, Idle: 0, Available: 1}, p.Stats())

	c, err := p.Acquire(ctx, addr, time.Second)
	require.NoError(t, err)
	assert.NotSame(t, b.Socket, c.Socket)

	roundTrip(t, b, "b")
	roundTrip(t, c, "c")
	require.NoError(t, p.Release(b))
	require.NoError(t, p.Release(c))
}

func TestPool_OneDialPerEndpoint(t *testing.T) {
	addrA := echoServer(t, false)
	addrB := echoServer(t, false)

	var mu sync.Mutex
	inflight := make(map[string]int)
	peak := make(map[string]int)
	var total, totalPeak int

	p := New(Config{
		MaxSockets: 8,
		Dial: func(ctx context.Context, endpoint string, timeout time.Duration, opts asock.Options) (*asock.Socket, error) {
			mu.Lock()
			inflight[endpoint]++
			total++
			if inflight[endpoint] > peak[endpoint] {
				peak[endpoint] = inflight[endpoint]
			}
			if total > totalPeak {
				totalPeak = total
			}
			mu.Unlock()

			time.Sleep(50 * time.Millisecond)

			mu.Lock()
			inflight[endpoint]--
			total--
			mu.Unlock()

			return asock.Dial(ctx, endpoint, timeout, opts)
		},
	})
	defer p.Stop()

	var wg sync.WaitGroup
	leased := make(chan *PooledSocket, 6)
	for _, addr := range []string{addrA, addrA, addrA, addrB, addrB, addrB} {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			ps, err := p.Acquire(context.Background(), addr, 5*time.Second)
			if assert.NoError(t, err) {
				leased <- ps
			}
		}()
	}
	wg.Wait()
	close(leased)

	for ps := range leased {
		assert.NoError(t, p.Release(ps))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak[addrA])
	assert.Equal(t, 1, peak[addrB])
	assert.Equal(t, 2, totalPeak)
}
