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
	"net"
	"strconv"

	"github.com/pkg/errors"
)

var errMissHost = errors.New("missing Host")
var errInvalidHost = errors.New("invalid IP")
var errInvalidPort = errors.New("invalid port")

// Endpoint is the TCP address of a peer, it keys the connection pool
type Endpoint struct {
	IP   net.IP
	Port int
}

// String is formatted `IP:Port` or `[IPv6]:Port`
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{
		IP:   e.IP,
		Port: e.Port,
	}
}

func (e Endpoint) Equal(e2 Endpoint) bool {
	return e.Port == e2.Port && e.IP.Equal(e2.IP)
}

func (e Endpoint) MarshalText() (text []byte, err error) {
	return []byte(e.String()), nil
}

func (e *Endpoint) UnmarshalText(text []byte) (err error) {
	*e, err = ParseEndpoint(string(text))
	return
}

// ParseEndpoint parse `IP:Port`, hostnames are not resolved
func ParseEndpoint(str string) (e Endpoint, err error) {
	host, port, err := net.SplitHostPort(str)
	if err != nil {
		return
	}

	if host == "" {
		err = errMissHost
		return
	}

	e.IP = net.ParseIP(host)
	if e.IP == nil {
		err = errors.Wrap(errInvalidHost, host)
		return
	}
	if ip4 := e.IP.To4(); ip4 != nil {
		e.IP = ip4
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		err = errors.Wrap(errInvalidPort, port)
		return
	}
	e.Port = int(p)

	return
}
