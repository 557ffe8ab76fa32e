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

// State is the lifecycle position of a Socket.
//
// Created --> Accepting --> Accepted
// Created --> Connecting --> Connected
// open --> SendingBytes --> SentBytes
// open --> Reading --> AlreadyRead
// open --> Disconnecting --> Disconnected
// any --> Closing --> Closed
// in-flight --> Failed
//
// States from Accepted up to AlreadyRead are "open", send and receive are only
// accepted there. Nothing but Close is accepted at or after Closing.
type State int32

const (
	Created State = iota
	Accepting
	Connecting
	Accepted
	Connected
	SendingBytes
	SentBytes
	Reading
	AlreadyRead
	Disconnecting
	Disconnected
	Closing
	Closed
	Failed
)

var stateStrs = [...]string{
	Created:       "created",
	Accepting:     "accepting",
	Connecting:    "connecting",
	Accepted:      "accepted",
	Connected:     "connected",
	SendingBytes:  "sending",
	SentBytes:     "sent",
	Reading:       "reading",
	AlreadyRead:   "read",
	Disconnecting: "disconnecting",
	Disconnected:  "disconnected",
	Closing:       "closing",
	Closed:        "closed",
	Failed:        "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateStrs) {
		return stateStrs[s]
	}
	return "unknown"
}

// Open states carry a live connection with no operation in flight
func (s State) Open() bool {
	switch s {
	case Accepted, Connected, SentBytes, AlreadyRead:
		return true
	}
	return false
}

// Usable reports whether the socket has a live connection, in flight or not
func (s State) Usable() bool {
	return s >= Accepted && s < Disconnecting
}

// Terminal reports whether only Close is accepted
func (s State) Terminal() bool {
	return s >= Closing
}

func (s State) connectable() bool {
	return s == Created || s == Disconnected
}
