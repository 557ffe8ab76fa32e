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

package asock

import (
	"context"
	"net"
	"time"
)

type deadlineListener interface {
	net.Listener
	SetDeadline(t time.Time) error
}

// Accept waits for the next inbound connection on ln. The returned socket
// is Accepted on success and Failed otherwise.
func Accept(ctx context.Context, ln net.Listener, timeout time.Duration, opts Options) (*Socket, error) {
	s := New(opts)
	s.state.Store(int32(Accepting))

	if err := ctx.Err(); err != nil {
		s.state.Store(int32(Failed))
		return s, classify(ctx, "accept", err)
	}

	if dl, ok := ln.(deadlineListener); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		_ = dl.SetDeadline(deadline)

		stop := context.AfterFunc(ctx, func() {
			_ = dl.SetDeadline(aLongTimeAgo)
		})
		defer stop()
	}

	conn, err := ln.Accept()
	if err != nil {
		s.state.Store(int32(Failed))
		return s, classify(ctx, "accept", err)
	}

	s.setConn(conn)
	s.state.Store(int32(Accepted))

	return s, nil
}
