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

	"github.com/pkg/errors"
)

var (
	ErrTimeout         = errors.New("socket operation timed out")
	ErrCanceled        = errors.New("socket operation canceled")
	ErrInvalidState    = errors.New("invalid socket state")
	ErrNotConnected    = errors.New("socket is not connected")
	ErrMessageTooLarge = errors.New("message exceeds the maximum size")
	ErrClosed          = errors.New("socket is closed")
)

// IsTimeout reports whether err is a hard timeout of a socket operation
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCanceled reports whether err comes from a canceled context
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify turns the raw error of op into one of the package errors when possible.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	switch ctx.Err() {
	case context.Canceled:
		return errors.Wrap(ErrCanceled, op)
	case context.DeadlineExceeded:
		return errors.Wrap(ErrTimeout, op)
	}

	if isNetTimeout(err) {
		return errors.Wrap(ErrTimeout, op)
	}

	return errors.Wrap(err, op)
}
