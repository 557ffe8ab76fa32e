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

package vnode

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// MaxAddresses bounds the candidate address list of a contact
const MaxAddresses = 8

// Contact is the addressing and liveness record of a remote peer.
// ID, MachineID and Port are fixed after creation, the rest is guarded by mu.
type Contact struct {
	ID        PeerID
	MachineID string
	Port      int

	mu         sync.RWMutex
	addrs      []net.IP
	lastActive net.IP
	lastSeen   time.Time
}

func NewContact(id PeerID, machineID string, port int, addrs ...net.IP) *Contact {
	c := &Contact{
		ID:        id,
		MachineID: machineID,
		Port:      port,
	}
	for _, ip := range addrs {
		c.addAddressLocked(ip)
	}
	return c
}

func normalizeIP(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

func (c *Contact) indexOf(ip net.IP) int {
	for i, addr := range c.addrs {
		if addr.Equal(ip) {
			return i
		}
	}
	return -1
}

// addAddressLocked return true if ip is new
func (c *Contact) addAddressLocked(ip net.IP) bool {
	if len(ip) == 0 || ip.IsUnspecified() {
		return false
	}
	ip = normalizeIP(ip)
	if c.indexOf(ip) >= 0 {
		return false
	}

	if len(c.addrs) >= MaxAddresses {
		// drop the oldest address which is not the active one
		for i, addr := range c.addrs {
			if !addr.Equal(c.lastActive) {
				c.addrs = append(c.addrs[:i], c.addrs[i+1:]...)
				break
			}
		}
	}

	c.addrs = append(c.addrs, ip)
	return true
}

// AddAddress records a newly observed address, return true if it was unknown
func (c *Contact) AddAddress(ip net.IP) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.addAddressLocked(ip)
}

// MarkActive stamps a successful exchange through ip
func (c *Contact) MarkActive(ip net.IP) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ip) > 0 {
		c.addAddressLocked(ip)
		c.lastActive = normalizeIP(ip)
	}
	c.lastSeen = time.Now()
}

func (c *Contact) LastActive() net.IP {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastActive
}

func (c *Contact) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastSeen
}

// SetLastSeen is used when a contact is restored from storage
func (c *Contact) SetLastSeen(t time.Time) {
	c.mu.Lock()
	c.lastSeen = t
	c.mu.Unlock()
}

// Addresses return a copy of the known addresses in insertion order
func (c *Contact) Addresses() []net.IP {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]net.IP(nil), c.addrs...)
}

// CandidateAddrs return the addresses to try, the most recently successful first
func (c *Contact) CandidateAddrs() []net.IP {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ips := make([]net.IP, 0, len(c.addrs))
	if c.lastActive != nil {
		ips = append(ips, c.lastActive)
	}
	for _, ip := range c.addrs {
		if !ip.Equal(c.lastActive) {
			ips = append(ips, ip)
		}
	}

	return ips
}

// Endpoints is CandidateAddrs joined with the contact port
func (c *Contact) Endpoints() []Endpoint {
	ips := c.CandidateAddrs()
	eps := make([]Endpoint, len(ips))
	for i, ip := range ips {
		eps[i] = Endpoint{IP: ip, Port: c.Port}
	}
	return eps
}

// Merge copies the addresses of c2 into c
func (c *Contact) Merge(c2 *Contact) {
	if c == c2 {
		return
	}
	for _, ip := range c2.Addresses() {
		c.AddAddress(ip)
	}
	if t := c2.LastSeen(); t.After(c.LastSeen()) {
		c.SetLastSeen(t)
	}
}

func (c *Contact) String() string {
	return fmt.Sprintf("%s@%s:%d", c.ID.Brief(), c.MachineID, c.Port)
}
