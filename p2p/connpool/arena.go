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
	"time"

	"github.com/meshsync/go-meshsync/p2p/asock"
)

// PoolState is the pool membership of an entry
type PoolState byte

const (
	NeverPooled PoolState = iota
	TakenFromPool
	InPool
	Failed
)

var poolStateStrs = [...]string{
	NeverPooled:   "never pooled",
	TakenFromPool: "taken from pool",
	InPool:        "in pool",
	Failed:        "failed",
}

func (s PoolState) String() string {
	if int(s) < len(poolStateStrs) {
		return poolStateStrs[s]
	}
	return "unknown"
}

// entry owns the mutable pool state of one socket. Handles refer to it by
// index and generation, the generation changes on every lease and every reuse of the slot.
type entry struct {
	gen      uint32
	inUse    bool
	endpoint string
	sock     *asock.Socket
	state    PoolState
	idleAt   time.Time
}

// arena is not safe for concurrent use, Pool guards it with its mutex
type arena struct {
	entries []entry
	free    []int
}

func (a *arena) alloc(endpoint string) int {
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.entries = append(a.entries, entry{})
		i = len(a.entries) - 1
	}

	e := &a.entries[i]
	e.inUse = true
	e.endpoint = endpoint
	e.sock = nil
	e.state = NeverPooled
	e.idleAt = time.Time{}

	return i
}

// get return the entry only if the handle generation still matches
func (a *arena) get(i int, gen uint32) *entry {
	if i < 0 || i >= len(a.entries) {
		return nil
	}

	e := &a.entries[i]
	if !e.inUse || e.gen != gen {
		return nil
	}
	return e
}

// drop frees slot i and return the socket it held
func (a *arena) drop(i int) *asock.Socket {
	e := &a.entries[i]
	sock := e.sock

	e.inUse = false
	e.gen++
	e.sock = nil
	e.state = Failed
	e.endpoint = ""

	a.free = append(a.free, i)
	return sock
}

func (a *arena) size() int {
	return len(a.entries) - len(a.free)
}
