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
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meshsync/go-meshsync/p2p/vnode"
)

// Alpha is the number of parallel FindNode requests of one lookup round
const Alpha = 3

// Lookup is an iterative node lookup: every round asks the Alpha closest
// unqueried contacts for their neighbors of target, until the k closest known
// contacts have all been queried. It returns the closest contacts which answered.
// learn is invoked for every contact which answered.
func Lookup(ctx context.Context, client *Client, table *Table, target vnode.PeerID, k int, learn func(*vnode.Contact)) []*vnode.Contact {
	if k <= 0 {
		k = DefaultBucketSize
	}

	self := client.local.ID
	shortlist := table.Closest(target, k)

	seen := map[vnode.PeerID]bool{self: true}
	queried := make(map[vnode.PeerID]bool)
	answered := make(map[vnode.PeerID]bool)
	for _, c := range shortlist {
		seen[c.ID] = true
	}

	var mu sync.Mutex

	for ctx.Err() == nil {
		var round []*vnode.Contact
		for _, c := range shortlist {
			if !queried[c.ID] {
				queried[c.ID] = true
				round = append(round, c)
				if len(round) == Alpha {
					break
				}
			}
		}
		if len(round) == 0 {
			break
		}

		var found []*vnode.Contact
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range round {
			c := c
			g.Go(func() error {
				contacts, outcome, err := client.FindNode(gctx, c, target, k)
				if err != nil || outcome.HasError() {
					kadLog.Debug("lookup query failed", "peer", c, "outcome", outcome, "err", err)
					return nil
				}

				mu.Lock()
				answered[c.ID] = true
				found = append(found, contacts...)
				mu.Unlock()

				if learn != nil {
					learn(c)
				}
				return nil
			})
		}
		_ = g.Wait()

		for _, c := range found {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			shortlist = append(shortlist, c)
		}

		sortContacts(target, shortlist)
		// drop the contacts which failed, keep k candidates
		kept := shortlist[:0]
		for _, c := range shortlist {
			if queried[c.ID] && !answered[c.ID] {
				continue
			}
			kept = append(kept, c)
		}
		shortlist = kept
		if len(shortlist) > k {
			shortlist = shortlist[:k]
		}
	}

	result := make([]*vnode.Contact, 0, len(shortlist))
	for _, c := range shortlist {
		if answered[c.ID] {
			result = append(result, c)
		}
	}

	return result
}

func sortContacts(target vnode.PeerID, contacts []*vnode.Contact) {
	nes := closet{
		contacts: make([]*vnode.Contact, 0, len(contacts)),
		pivot:    target,
	}
	for _, c := range contacts {
		nes.push(c)
	}
	copy(contacts, nes.contacts)
}
