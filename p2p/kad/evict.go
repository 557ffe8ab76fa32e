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

package kad

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/meshsync/go-meshsync/p2p/vnode"
)

const DefaultEvictThreshold = 3
const DefaultFailureWindow = 10 * time.Minute

// Evictor counts consecutive RPC failures per peer. A counter decays after
// the failure window without new failures. Crossing the threshold hands the
// peer to the eviction hook and restarts its count.
type Evictor struct {
	mu        sync.Mutex
	counters  *cache.Cache
	threshold int
	onEvict   func(id vnode.PeerID)
}

func NewEvictor(threshold int, window time.Duration, onEvict func(id vnode.PeerID)) *Evictor {
	if threshold <= 0 {
		threshold = DefaultEvictThreshold
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}

	return &Evictor{
		counters:  cache.New(window, window),
		threshold: threshold,
		onEvict:   onEvict,
	}
}

// RecordFailure increments the counter of id and return the new count
func (e *Evictor) RecordFailure(id vnode.PeerID) int {
	key := id.String()

	e.mu.Lock()
	n := 1
	if v, ok := e.counters.Get(key); ok {
		n = v.(int) + 1
	}

	evict := n >= e.threshold
	if evict {
		e.counters.Delete(key)
	} else {
		e.counters.SetDefault(key, n)
	}
	e.mu.Unlock()

	if evict {
		kadLog.Info("evict unreachable peer", "id", id.Brief(), "failures", n)
		if e.onEvict != nil {
			e.onEvict(id)
		}
	}

	return n
}

func (e *Evictor) ResetFailures(id vnode.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.counters.Delete(id.String())
}

func (e *Evictor) Failures(id vnode.PeerID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.counters.Get(id.String()); ok {
		return v.(int)
	}
	return 0
}
