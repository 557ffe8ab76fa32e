/*
 * Copyright 2019 The go-meshsync Authors
 * This file is part of the go-meshsync library.
 *
 * The go-meshsync library is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Lesser General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * The go-meshsync library is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Lesser General Public License for more details.
 *
 * You should have received a copy of the GNU Lesser General Public License
 * along with the go-meshsync library. If not, see <http://www.gnu.org/licenses/>.
 */

// Package connpool keeps leased and idle sockets per remote endpoint and bounds
// the number of sockets in use with a counting semaphore.
package connpool

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/meshsync/go-meshsync/p2p/asock"
)

var (
	ErrPoolExhausted = errors.New("too many concurrent users of the pool")
	ErrUnknownSocket = errors.New("socket is not leased from this pool")
	ErrPoolStopped   = errors.New("pool is stopped")
)

var poolLog = log15.New("module", "connpool")

// PooledSocket is a leased socket. It must be handed back with Pool.Release exactly once.
type PooledSocket struct {
	*asock.Socket

	Endpoint string

	index int
	gen   uint32
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Max       int
	Leased    int
	Idle      int
	Available int
}

type endpointLock struct {
	ch   chan struct{}
	refs int
}

type Pool struct {
	cfg Config

	sem    *semaphore.Weighted
	leased atomic.Int32

	mu         sync.Mutex
	arena      arena
	idle       map[string][]int
	taken      map[string]map[int]struct{}
	locks      map[string]*endpointLock
	closed     bool

	recoverCh chan recoverJob
	running   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	log log15.Logger
}

// New create a pool, the recovery worker runs only after Start
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()

	return &Pool{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxSockets)),
		idle:      make(map[string][]int),
		taken:     make(map[string]map[int]struct{}),
		locks:     make(map[string]*endpointLock),
		recoverCh: make(chan recoverJob, recoveryQueueLength),
		log:       poolLog,
	}
}

func (p *Pool) Config() Config {
	return p.cfg
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := 0
	for _, list := range p.idle {
		idle += len(list)
	}
	p.mu.Unlock()

	leased := int(p.leased.Load())
	return Stats{
		Max:       p.cfg.MaxSockets,
		Leased:    leased,
		Idle:      idle,
		Available: p.cfg.MaxSockets - leased,
	}
}

// lockEndpoint serializes takes for the same endpoint, waiting is bounded by ctx
func (p *Pool) lockEndpoint(ctx context.Context, endpoint string) (unlock func(), err error) {
	p.mu.Lock()
	l, ok := p.locks[endpoint]
	if !ok {
		l = &endpointLock{ch: make(chan struct{}, 1)}
		p.locks[endpoint] = l
	}
	l.refs++
	p.mu.Unlock()

	deref := func() {
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, endpoint)
		}
		p.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			deref()
		}, nil
	case <-ctx.Done():
		deref()
		return nil, ctx.Err()
	}
}

// Acquire lease a socket to endpoint. It waits at most timeout for a free slot,
// then reuses an idle socket or connects a new one.
func (p *Pool) Acquire(ctx context.Context, endpoint string, timeout time.Duration) (ps *PooledSocket, err error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolStopped
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err = p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(asock.ErrCanceled, "acquire")
		}
		return nil, errors.Wrapf(ErrPoolExhausted, "%d sockets in use", p.cfg.MaxSockets)
	}
	p.leased.Inc()

	defer func() {
		if err != nil {
			p.leased.Dec()
			p.sem.Release(1)
		}
	}()

	unlock, err := p.lockEndpoint(actx, endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(asock.ErrCanceled, "acquire")
		}
		return nil, errors.Wrapf(asock.ErrTimeout, "wait for endpoint %s", endpoint)
	}
	defer unlock()

	index, gen, sock, stale, evicted := p.take(endpoint)
	if evicted != nil {
		_ = evicted.Close()
	}

	if sock != nil && !stale && sock.Healthy() {
		return &PooledSocket{Socket: sock, Endpoint: endpoint, index: index, gen: gen}, nil
	}

	if sock != nil {
		p.log.Debug("reconnect idle socket", "endpoint", endpoint, "state", sock.State())
		_ = sock.Close()
	}

	sock, err = p.cfg.Dial(ctx, endpoint, p.cfg.ConnectTimeout, p.cfg.Socket)
	if err != nil {
		p.mu.Lock()
		p.untake(endpoint, index)
		p.arena.drop(index)
		p.mu.Unlock()

		if sock != nil {
			_ = sock.Close()
		}
		return nil, err
	}

	p.mu.Lock()
	p.arena.entries[index].sock = sock
	p.mu.Unlock()

	return &PooledSocket{Socket: sock, Endpoint: endpoint, index: index, gen: gen}, nil
}

// take moves the newest idle entry of endpoint to the leased registry, or
// allocates a fresh entry. An idle socket of another endpoint may be evicted
// to keep the number of open sockets within MaxSockets.
func (p *Pool) take(endpoint string) (index int, gen uint32, sock *asock.Socket, stale bool, evicted *asock.Socket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.idle[endpoint]; len(list) > 0 {
		index = list[len(list)-1]
		p.popIdle(endpoint, len(list)-1)

		e := &p.arena.entries[index]
		// handles of earlier leases must not match this one
		e.gen++
		e.state = TakenFromPool
		stale = time.Since(e.idleAt) > p.cfg.IdleTimeout
		p.markTaken(endpoint, index)

		return index, e.gen, e.sock, stale, nil
	}

	if p.arena.size() >= p.cfg.MaxSockets {
		if victim, ok := p.oldestIdle(); ok {
			p.removeIdle(victim)
			evicted = p.arena.drop(victim)
		}
	}

	index = p.arena.alloc(endpoint)
	p.markTaken(endpoint, index)

	return index, p.arena.entries[index].gen, nil, false, evicted
}

func (p *Pool) markTaken(endpoint string, index int) {
	set, ok := p.taken[endpoint]
	if !ok {
		set = make(map[int]struct{})
		p.taken[endpoint] = set
	}
	set[index] = struct{}{}
}

func (p *Pool) untake(endpoint string, index int) bool {
	set, ok := p.taken[endpoint]
	if !ok {
		return false
	}
	if _, ok = set[index]; !ok {
		return false
	}

	delete(set, index)
	if len(set) == 0 {
		delete(p.taken, endpoint)
	}
	return true
}

func (p *Pool) popIdle(endpoint string, i int) {
	list := p.idle[endpoint]
	list = append(list[:i], list[i+1:]...)
	if len(list) == 0 {
		delete(p.idle, endpoint)
	} else {
		p.idle[endpoint] = list
	}
}

func (p *Pool) removeIdle(index int) bool {
	endpoint := p.arena.entries[index].endpoint
	for i, idx := range p.idle[endpoint] {
		if idx == index {
			p.popIdle(endpoint, i)
			return true
		}
	}
	return false
}

func (p *Pool) oldestIdle() (index int, ok bool) {
	var oldest time.Time
	for _, list := range p.idle {
		for _, i := range list {
			e := &p.arena.entries[i]
			if !ok || e.idleAt.Before(oldest) {
				index, oldest, ok = i, e.idleAt, true
			}
		}
	}
	return
}

// Release hand a leased socket back. Healthy sockets become idle, the others are
// closed. The capacity slot is returned in both cases.
func (p *Pool) Release(ps *PooledSocket) error {
	if ps == nil {
		return ErrUnknownSocket
	}

	p.mu.Lock()
	e := p.arena.get(ps.index, ps.gen)
	if e == nil || e.sock != ps.Socket || !p.untake(ps.Endpoint, ps.index) {
		p.mu.Unlock()
		p.log.Crit("release of a socket the pool does not lease", "endpoint", ps.Endpoint, "index", ps.index)
		return ErrUnknownSocket
	}

	defer func() {
		p.leased.Dec()
		p.sem.Release(1)
	}()

	healthy := !p.closed && ps.Socket.State().Open()
	var gen uint32
	if healthy {
		e.state = InPool
		e.idleAt = time.Now()
		gen = e.gen
		p.idle[ps.Endpoint] = append(p.idle[ps.Endpoint], ps.index)
	} else {
		p.arena.drop(ps.index)
	}
	p.mu.Unlock()

	if !healthy {
		_ = ps.Socket.Close()
		return nil
	}

	if p.cfg.BackgroundReset && p.running.Load() {
		select {
		case p.recoverCh <- recoverJob{index: ps.index, gen: gen}:
		default:
			p.log.Debug("recovery queue is full", "endpoint", ps.Endpoint)
		}
	}

	return nil
}

// Clear drains idle sockets. With respectMinimum it stops once leased+idle
// would drop to MinIdle.
func (p *Pool) Clear(respectMinimum bool) int {
	floor := 0
	if respectMinimum {
		floor = p.cfg.MinIdle
	}

	var socks []*asock.Socket

	p.mu.Lock()
	total := int(p.leased.Load())
	for _, list := range p.idle {
		total += len(list)
	}

	for total > floor {
		index, ok := p.oldestIdle()
		if !ok {
			break
		}
		p.removeIdle(index)
		if sock := p.arena.drop(index); sock != nil {
			socks = append(socks, sock)
		}
		total--
	}
	p.mu.Unlock()

	for _, sock := range socks {
		_ = sock.Close()
	}

	if len(socks) > 0 {
		p.log.Info("clear pool", "closed", len(socks), "floor", floor)
	}

	return len(socks)
}

// Start runs the recovery worker when BackgroundReset is enabled
func (p *Pool) Start() {
	if !p.cfg.BackgroundReset || !p.running.CAS(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go p.recoveryLoop(ctx)
}

// Stop ends the worker, closes idle sockets and rejects further Acquire.
// Leased sockets are closed when they are released.
func (p *Pool) Stop() {
	if p.running.CAS(true, false) {
		p.cancel()
		p.wg.Wait()
	}

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.Clear(false)
}
