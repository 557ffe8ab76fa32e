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
	"sort"
	"sync"

	"github.com/meshsync/go-meshsync/p2p/vnode"
)

// DefaultBucketSize is k, the number of contacts one bucket keeps
const DefaultBucketSize = 20

type element struct {
	*vnode.Contact
	next *element
}

// listBucket keeps contacts sharing the same prefix length with the table id,
// from least recently active at head to most recently active at tail.
// It has no lock of its own, the table lock guards it.
type listBucket struct {
	// first item is an nil-element as head
	head *element
	tail *element

	cap   int
	count int
}

func newListBucket(max int) *listBucket {
	e := &element{}

	return &listBucket{
		head: e,
		tail: e,
		cap:  max,
	}
}

func (b *listBucket) iterate(fn func(*vnode.Contact)) {
	for c := b.head.next; c != nil; c = c.next {
		fn(c.Contact)
	}
}

func (b *listBucket) reset() {
	b.count = 0
	b.head.next = nil
	b.tail = b.head
}

func (b *listBucket) replace(id vnode.PeerID, c *vnode.Contact) bool {
	for current := b.head.next; current != nil; current = current.next {
		if current.ID == id {
			current.Contact = c
			return true
		}
	}

	return false
}

// bubble moves the contact to tail
func (b *listBucket) bubble(id vnode.PeerID) bool {
	if b.count == 0 {
		return false
	}

	if b.tail.ID == id {
		return true
	}

	for prev, current := b.head, b.head.next; current != nil; prev, current = current, current.next {
		if current.ID == id {
			prev.next = current.next
			current.next = nil

			b.tail.next = current
			b.tail = current
			return true
		}
	}

	return false
}

// add appends c at tail if the bucket is not full. If a contact with the same id
// exists it is returned as existed, if the bucket is full the head is returned
// as oldest, waiting to be checked.
func (b *listBucket) add(c *vnode.Contact) (existed, oldest *vnode.Contact) {
	if e := b.resolve(c.ID); e != nil {
		return e, nil
	}

	if b.count < b.cap {
		e := &element{
			Contact: c,
		}
		b.tail.next = e
		b.tail = e
		b.count++
		return nil, nil
	}

	return nil, b.oldest()
}

func (b *listBucket) remove(id vnode.PeerID) (c *vnode.Contact) {
	for prev, current := b.head, b.head.next; current != nil; prev, current = current, current.next {
		if current.ID == id {
			c = current.Contact

			prev.next = current.next
			if b.tail == current {
				b.tail = prev
			}

			b.count--
			return
		}
	}

	return nil
}

func (b *listBucket) oldest() *vnode.Contact {
	if e := b.head.next; e != nil {
		return e.Contact
	}

	return nil
}

func (b *listBucket) resolve(id vnode.PeerID) *vnode.Contact {
	for current := b.head.next; current != nil; current = current.next {
		if current.ID == id {
			return current.Contact
		}
	}

	return nil
}

func (b *listBucket) size() int {
	return b.count
}

// Table is the peer table of one node, buckets are indexed by the common prefix
// length of a contact id and the table id.
type Table struct {
	rw sync.RWMutex

	id         vnode.PeerID
	bucketSize int
	buckets    []*listBucket
}

func NewTable(id vnode.PeerID, bucketSize int) *Table {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}

	tab := &Table{
		id:         id,
		bucketSize: bucketSize,
		buckets:    make([]*listBucket, vnode.IDBits),
	}

	for i := range tab.buckets {
		tab.buckets[i] = newListBucket(bucketSize)
	}

	return tab
}

func (tab *Table) ID() vnode.PeerID {
	return tab.id
}

func (tab *Table) getBucket(id vnode.PeerID) *listBucket {
	n := vnode.CommonPrefixLen(tab.id, id)
	if n >= len(tab.buckets) {
		n = len(tab.buckets) - 1
	}
	return tab.buckets[n]
}

// Add inserts c or merges it into the known contact with the same id, which
// becomes the most recently active of its bucket. When the bucket is full the
// least recently active contact is returned, the caller decides whether it
// should be replaced.
func (tab *Table) Add(c *vnode.Contact) (oldest *vnode.Contact) {
	if c == nil || c.ID == tab.id {
		return nil
	}

	tab.rw.Lock()
	defer tab.rw.Unlock()

	bkt := tab.getBucket(c.ID)
	existed, oldest := bkt.add(c)
	if existed != nil {
		existed.Merge(c)
		bkt.bubble(c.ID)
	}

	return oldest
}

// Replace swaps the contact old for c. It return false and keeps old if old
// is gone, or if c belongs to another bucket which is full.
func (tab *Table) Replace(old vnode.PeerID, c *vnode.Contact) bool {
	tab.rw.Lock()
	defer tab.rw.Unlock()

	bkt := tab.getBucket(old)
	if vnode.CommonPrefixLen(tab.id, old) != vnode.CommonPrefixLen(tab.id, c.ID) {
		if bkt.resolve(old) == nil {
			return false
		}

		target := tab.getBucket(c.ID)
		existed := target.resolve(c.ID)
		if existed == nil && target.size() >= target.cap {
			return false
		}

		bkt.remove(old)
		if existed != nil {
			existed.Merge(c)
			target.bubble(c.ID)
		} else {
			_, _ = target.add(c)
		}
		return true
	}

	if !bkt.replace(old, c) {
		return false
	}
	bkt.bubble(c.ID)
	return true
}

// Bubble marks the contact as the most recently active of its bucket
func (tab *Table) Bubble(id vnode.PeerID) bool {
	tab.rw.Lock()
	defer tab.rw.Unlock()

	return tab.getBucket(id).bubble(id)
}

func (tab *Table) Remove(id vnode.PeerID) *vnode.Contact {
	tab.rw.Lock()
	defer tab.rw.Unlock()

	return tab.getBucket(id).remove(id)
}

func (tab *Table) Resolve(id vnode.PeerID) *vnode.Contact {
	tab.rw.RLock()
	defer tab.rw.RUnlock()

	return tab.getBucket(id).resolve(id)
}

// ResolveMachine find the contact announced by machineID
func (tab *Table) ResolveMachine(machineID string) (c *vnode.Contact) {
	tab.rw.RLock()
	defer tab.rw.RUnlock()

	for _, bkt := range tab.buckets {
		bkt.iterate(func(contact *vnode.Contact) {
			if c == nil && contact.MachineID == machineID {
				c = contact
			}
		})
		if c != nil {
			return
		}
	}

	return
}

// Closest return at most count contacts sorted from near to far of target
func (tab *Table) Closest(target vnode.PeerID, count int) []*vnode.Contact {
	if count <= 0 {
		return nil
	}

	nes := closet{
		contacts: make([]*vnode.Contact, 0, count),
		pivot:    target,
	}

	tab.rw.RLock()
	defer tab.rw.RUnlock()

	for _, bkt := range tab.buckets {
		bkt.iterate(nes.push)
	}

	return nes.contacts
}

// Contacts return all contacts, from the farthest bucket to the nearest
func (tab *Table) Contacts() (contacts []*vnode.Contact) {
	tab.rw.RLock()
	defer tab.rw.RUnlock()

	for _, bkt := range tab.buckets {
		bkt.iterate(func(c *vnode.Contact) {
			contacts = append(contacts, c)
		})
	}

	return
}

func (tab *Table) Size() int {
	tab.rw.RLock()
	defer tab.rw.RUnlock()

	count := 0
	for _, bkt := range tab.buckets {
		count += bkt.size()
	}

	return count
}

func (tab *Table) Reset() {
	tab.rw.Lock()
	defer tab.rw.Unlock()

	for _, bkt := range tab.buckets {
		bkt.reset()
	}
}

// closet keeps the contacts nearest to pivot, sorted
type closet struct {
	contacts []*vnode.Contact
	pivot    vnode.PeerID
}

func (c *closet) push(n *vnode.Contact) {
	if n == nil {
		return
	}

	length := len(c.contacts)

	dist := vnode.Distance(c.pivot, n.ID)
	further := sort.Search(length, func(i int) bool {
		return vnode.Distance(c.pivot, c.contacts[i].ID).Cmp(dist) > 0
	})

	if length >= cap(c.contacts) {
		if further >= length {
			return
		}
		// drop the farthest one
		copy(c.contacts[further+1:], c.contacts[further:length-1])
		c.contacts[further] = n
		return
	}

	c.contacts = append(c.contacts, nil)
	copy(c.contacts[further+1:], c.contacts[further:])
	c.contacts[further] = n
}
