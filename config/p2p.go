package config

import (
	"strconv"

	"github.com/meshsync/go-meshsync/common"
)

type P2P struct {
	// `ListenAddress` is the TCP address of the peer server, eg. "0.0.0.0:8483"
	ListenAddress string `json:"ListenAddress"`

	// `Addresses` are announced to peers, addresses of local interfaces when empty
	Addresses []string `json:"Addresses"`

	// `Subnets` limit the dialed addresses, networks of local interfaces when empty
	Subnets []string `json:"Subnets"`

	// `Groups` this machine belongs to, peers sharing no group are ignored
	Groups []string `json:"Groups"`

	// `MaxSockets` is the maximum number of sockets open at once
	MaxSockets uint `json:"MaxSockets"`

	// `MinIdle` idle sockets are kept when the pool is cleared
	MinIdle uint `json:"MinIdle"`

	// `BackgroundReset` revalidates released sockets in a background worker
	BackgroundReset bool `json:"BackgroundReset"`

	// timeouts in milliseconds
	ConnectTimeout uint `json:"ConnectTimeout"`
	SendTimeout    uint `json:"SendTimeout"`
	ReceiveTimeout uint `json:"ReceiveTimeout"`
	IdleTimeout    uint `json:"IdleTimeout"`

	// `PollAttempts` × `PollInterval` (milliseconds) is the soft wait of a response
	PollAttempts uint `json:"PollAttempts"`
	PollInterval uint `json:"PollInterval"`

	BucketSize     uint `json:"BucketSize"`
	EvictThreshold uint `json:"EvictThreshold"`

	Discover bool `json:"Discover"`

	// `Multicast` group of the discovery, empty disables multicast
	Multicast string `json:"Multicast"`

	// `DiscoveryAddress` is the local UDP address, the port of `Multicast` when empty
	DiscoveryAddress string `json:"DiscoveryAddress"`

	// `Seeds` are UDP addresses receiving announcements by unicast
	Seeds []string `json:"Seeds"`

	// `AnnounceInterval` in seconds
	AnnounceInterval uint `json:"AnnounceInterval"`
}

var DefaultP2P = P2P{
	ListenAddress:    "0.0.0.0:" + strconv.Itoa(common.DefaultP2PPort),
	MaxSockets:       64,
	MinIdle:          4,
	BackgroundReset:  true,
	ConnectTimeout:   5000,
	SendTimeout:      5000,
	ReceiveTimeout:   10000,
	IdleTimeout:      120000,
	PollAttempts:     10,
	PollInterval:     20,
	BucketSize:       20,
	EvictThreshold:   3,
	Discover:         true,
	Multicast:        "239.255.77.77:8484",
	AnnounceInterval: 30,
}

// MergeP2PConfig fills the zero fields of cfg with DefaultP2P
func MergeP2PConfig(cfg *P2P) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultP2P.ListenAddress
	}
	if cfg.MaxSockets == 0 {
		cfg.MaxSockets = DefaultP2P.MaxSockets
	}
	if cfg.MinIdle > cfg.MaxSockets {
		cfg.MinIdle = cfg.MaxSockets
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultP2P.ConnectTimeout
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = DefaultP2P.SendTimeout
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = DefaultP2P.ReceiveTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultP2P.IdleTimeout
	}
	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = DefaultP2P.PollAttempts
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultP2P.PollInterval
	}
	if cfg.BucketSize == 0 {
		cfg.BucketSize = DefaultP2P.BucketSize
	}
	if cfg.EvictThreshold == 0 {
		cfg.EvictThreshold = DefaultP2P.EvictThreshold
	}
	if cfg.AnnounceInterval == 0 {
		cfg.AnnounceInterval = DefaultP2P.AnnounceInterval
	}
}
