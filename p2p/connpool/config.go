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
	"context"
	"time"

	"github.com/meshsync/go-meshsync/p2p/asock"
)

const (
	DefaultMaxSockets     = 64
	DefaultMinIdle        = 4
	DefaultConnectTimeout = 5 * time.Second
	DefaultIdleTimeout    = 2 * time.Minute
	DefaultRecoveryBatch  = 16
	recoveryQueueLength   = 256
)

// DialFunc opens a socket to endpoint, asock.Dial by default
type DialFunc func(ctx context.Context, endpoint string, timeout time.Duration, opts asock.Options) (*asock.Socket, error)

// Config is the essential configuration to create a Pool
type Config struct {
	// MaxSockets bounds the sockets leased at once, and the sockets open at once
	MaxSockets int

	// MinIdle is the floor Clear keeps when asked to respect it
	MinIdle int

	// BackgroundReset revalidates every released socket in a worker goroutine
	BackgroundReset bool

	ConnectTimeout time.Duration

	// IdleTimeout is how long a socket may sit idle before it is reconnected on reuse
	IdleTimeout time.Duration

	// RecoveryBatch is the most sockets the worker revalidates at once
	RecoveryBatch int

	Socket asock.Options

	Dial DialFunc
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxSockets <= 0 {
		cfg.MaxSockets = DefaultMaxSockets
	}
	if cfg.MinIdle < 0 {
		cfg.MinIdle = 0
	}
	if cfg.MinIdle > cfg.MaxSockets {
		cfg.MinIdle = cfg.MaxSockets
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = DefaultRecoveryBatch
	}
	if cfg.Dial == nil {
		cfg.Dial = asock.Dial
	}
	return cfg
}
