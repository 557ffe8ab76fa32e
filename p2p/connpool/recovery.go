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

package connpool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// recoverJob names an idle entry to revalidate
type recoverJob struct {
	index int
	gen   uint32
}

// recoveryLoop is the single consumer of recoverCh. Jobs are collected into
// batches, and cancellation is checked between batches.
func (p *Pool) recoveryLoop(ctx context.Context) {
	defer p.wg.Done()

	batch := make([]recoverJob, 0, p.cfg.RecoveryBatch)

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.recoverCh:
			batch = append(batch[:0], job)
		}

	drain:
		for len(batch) < p.cfg.RecoveryBatch {
			select {
			case job := <-p.recoverCh:
				batch = append(batch, job)
			default:
				break drain
			}
		}

		p.recoverBatch(ctx, batch)
	}
}

func (p *Pool) recoverBatch(ctx context.Context, batch []recoverJob) {
	var g errgroup.Group
	for _, job := range batch {
		job := job
		g.Go(func() error {
			p.recover(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

// recover takes an idle socket out of the pool, reconnects it if the health
// check fails, and puts it back. A socket that cannot be recovered is closed.
func (p *Pool) recover(ctx context.Context, job recoverJob) {
	p.mu.Lock()
	e := p.arena.get(job.index, job.gen)
	if e == nil || e.state != InPool || !p.removeIdle(job.index) {
		// leased or dropped meanwhile
		p.mu.Unlock()
		return
	}
	sock, endpoint := e.sock, e.endpoint
	p.mu.Unlock()

	if !sock.Healthy() {
		_ = sock.Close()

		var err error
		sock, err = p.cfg.Dial(ctx, endpoint, p.cfg.ConnectTimeout, p.cfg.Socket)
		if err != nil {
			if sock != nil {
				_ = sock.Close()
			}
			p.mu.Lock()
			p.arena.drop(job.index)
			p.mu.Unlock()

			p.log.Debug("drop unrecoverable socket", "endpoint", endpoint, "err", err)
			return
		}
	}

	p.mu.Lock()
	if p.closed || ctx.Err() != nil {
		p.arena.drop(job.index)
		p.mu.Unlock()

		_ = sock.Close()
		return
	}

	e = &p.arena.entries[job.index]
	e.sock = sock
	e.state = InPool
	e.idleAt = time.Now()
	p.idle[endpoint] = append(p.idle[endpoint], job.index)
	p.mu.Unlock()
}
