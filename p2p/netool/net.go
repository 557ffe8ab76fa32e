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

package netool

import (
	"net"
	"sync"
)

// Subnets is a set of networks that may be dialed directly
type Subnets struct {
	mu   sync.RWMutex
	nets []*net.IPNet
}

// NewSubnets parses CIDR strings, eg. "192.168.1.0/24"
func NewSubnets(cidrs ...string) (*Subnets, error) {
	s := new(Subnets)
	for _, str := range cidrs {
		_, n, err := net.ParseCIDR(str)
		if err != nil {
			return nil, err
		}
		s.nets = append(s.nets, n)
	}
	return s, nil
}

// LocalSubnets return the networks of all up interfaces of this host
func LocalSubnets() (*Subnets, error) {
	s := new(Subnets)
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh reloads the networks from the interfaces of this host
func (s *Subnets) Refresh() error {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return err
	}

	var nets []*net.IPNet
	for _, addr := range addrs {
		if n, ok := addr.(*net.IPNet); ok {
			nets = append(nets, n)
		}
	}

	s.mu.Lock()
	s.nets = nets
	s.mu.Unlock()

	return nil
}

// Contains reports whether ip is a loopback address or lies in one of the networks
func (s *Subnets) Contains(ip net.IP) bool {
	if ip == nil || ip.IsUnspecified() {
		return false
	}
	if ip.IsLoopback() {
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// LocalIPs return the unicast addresses of up, non-loopback interfaces,
// they are announced to other peers
func LocalIPs() (ips []net.IP) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			n, ok := addr.(*net.IPNet)
			if !ok || n.IP.IsLinkLocalUnicast() {
				continue
			}
			if ip4 := n.IP.To4(); ip4 != nil {
				ips = append(ips, ip4)
			} else {
				ips = append(ips, n.IP)
			}
		}
	}
	return
}
