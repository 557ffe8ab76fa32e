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

// ErrorCode is carried by an error frame
type ErrorCode byte

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeUnsupported
	ErrCodeMalformed
	ErrCodeNotFound
	ErrCodeInternal
	ErrCodeGroupMismatch
)

var errCodeStr = map[ErrorCode]string{
	ErrCodeUnknown:       "unknown error",
	ErrCodeUnsupported:   "unsupported operation",
	ErrCodeMalformed:     "malformed request",
	ErrCodeNotFound:      "not found",
	ErrCodeInternal:      "internal error",
	ErrCodeGroupMismatch: "no common group",
}

func (e ErrorCode) String() string {
	str, ok := errCodeStr[e]
	if ok {
		return str
	}

	return "unknown error"
}

// Outcome classifies one RPC. Transport and timeout failures of every
// candidate address are folded in here instead of being returned as errors.
type Outcome struct {
	Timeout             bool
	PeerError           bool
	ErrorMessage        string
	CorrelationMismatch bool
}

func (o Outcome) HasError() bool {
	return o.Timeout || o.PeerError || o.CorrelationMismatch
}

func (o Outcome) String() string {
	switch {
	case !o.HasError():
		return "ok"
	case o.CorrelationMismatch:
		return "correlation id mismatch"
	case o.Timeout:
		return "timeout: " + o.ErrorMessage
	default:
		return "peer error: " + o.ErrorMessage
	}
}
