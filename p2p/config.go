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

package p2p

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/meshsync/go-meshsync/p2p/connpool"
	"github.com/meshsync/go-meshsync/p2p/discovery"
	"github.com/meshsync/go-meshsync/p2p/kad"
	"github.com/meshsync/go-meshsync/p2p/vnode"
)

const (
	DefaultPort       = 8483
	DefaultDBVersion  = 1
	DefaultLookupSize = kad.DefaultBucketSize
	DirName           = "p2p"
	peerIDFile        = "peer.id"
)

var errMissingMachineID = errors.New("missing machine id")

// Config is the essential configuration to create a Node
type Config struct {
	// DataDir keeps the peer id and the database, everything is in memory when empty
	DataDir string

	// ListenAddress of the TCP server, eg. "0.0.0.0:8483"
	ListenAddress string

	// Addresses announced to peers, the addresses of local interfaces when empty
	Addresses []string

	// Subnets limit the addresses dialed, the networks of local interfaces when empty
	Subnets []string

	Pool   connpool.Config
	Client kad.ClientConfig

	// IdleTimeout closes inbound connections without requests
	IdleTimeout time.Duration

	BucketSize     int
	EvictThreshold int
	FailureWindow  time.Duration

	// Discover enables the UDP discovery
	Discover  bool
	Discovery discovery.Config
}

func (cfg Config) withDefaults() Config {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "0.0.0.0:" + strconv.Itoa(DefaultPort)
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = kad.DefaultBucketSize
	}
	if cfg.EvictThreshold <= 0 {
		cfg.EvictThreshold = kad.DefaultEvictThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = kad.DefaultFailureWindow
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = kad.DefaultIdleTimeout
	}
	return cfg
}

func (cfg Config) dbPath() string {
	if cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(cfg.DataDir, DirName, "contacts")
}

// peerID read the peer id from DataDir, a new one is generated and written
// at the first run
func (cfg Config) peerID() (id vnode.PeerID, err error) {
	if cfg.DataDir == "" {
		return vnode.RandomPeerID(), nil
	}

	dir := filepath.Join(cfg.DataDir, DirName)
	file := filepath.Join(dir, peerIDFile)

	data, err := os.ReadFile(file)
	if err == nil {
		id, err = vnode.Hex2PeerID(strings.TrimSpace(string(data)))
		if err == nil {
			return
		}
		p2pLog.Warn("invalid peer id file, generate a new one", "file", file, "err", err)
	} else if !os.IsNotExist(err) {
		return id, errors.Wrap(err, "read peer id")
	}

	if err = os.MkdirAll(dir, 0700); err != nil {
		return id, err
	}

	id = vnode.RandomPeerID()
	if err = os.WriteFile(file, []byte(id.String()), 0600); err != nil {
		return id, errors.Wrap(err, "write peer id")
	}

	return id, nil
}
