package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/meshsync/go-meshsync/common"
	"github.com/meshsync/go-meshsync/p2p"
	"github.com/meshsync/go-meshsync/p2p/connpool"
	"github.com/meshsync/go-meshsync/p2p/discovery"
	"github.com/meshsync/go-meshsync/p2p/kad"
)

const DefaultConfigFileName = "meshsync.config.json"

type Config struct {
	Name    string `json:"ConfigName"`
	DataDir string `json:"DataDir"`

	// MachineID identifies this host to other peers, the hostname when empty
	MachineID string `json:"MachineID"`

	LogLevel string `json:"LogLevel"`
	Console  bool   `json:"Console"`

	P2P P2P `json:"P2P"`
}

var DefaultConfig = Config{
	Name:     "meshsync",
	DataDir:  common.DefaultDataDir(),
	LogLevel: "info",
	P2P:      DefaultP2P,
}

// Load reads a JSON config file, missing fields take the default values.
// It return the default config if file does not exist.
func Load(file string) (*Config, error) {
	cfg := DefaultConfig

	text, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, errors.Wrap(err, "read config file")
	}

	if err = json.Unmarshal(text, &cfg); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config file %s", file)
	}

	cfg.merge()
	return &cfg, nil
}

func (c *Config) merge() {
	if c.DataDir == "" {
		c.DataDir = DefaultConfig.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultConfig.LogLevel
	}
	MergeP2PConfig(&c.P2P)
}

func (c *Config) RunLogDir() string {
	return filepath.Join(c.DataDir, "runlog")
}

// ResolveMachineID return MachineID, or the id of this host
func (c *Config) ResolveMachineID() (string, error) {
	if c.MachineID != "" {
		return c.MachineID, nil
	}
	return common.MachineID(c.DataDir)
}

func millis(ms uint) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// MakeP2PConfig converts the file config to the config of p2p.Node
func (c *Config) MakeP2PConfig() (cfg p2p.Config, err error) {
	c.merge()
	pc := c.P2P

	cfg = p2p.Config{
		DataDir:       c.DataDir,
		ListenAddress: pc.ListenAddress,
		Addresses:     pc.Addresses,
		Subnets:       pc.Subnets,
		Pool: connpool.Config{
			MaxSockets:      int(pc.MaxSockets),
			MinIdle:         int(pc.MinIdle),
			BackgroundReset: pc.BackgroundReset,
			ConnectTimeout:  millis(pc.ConnectTimeout),
			IdleTimeout:     millis(pc.IdleTimeout),
		},
		Client: kad.ClientConfig{
			PollAttempts:   int(pc.PollAttempts),
			PollInterval:   millis(pc.PollInterval),
			AcquireTimeout: millis(pc.ConnectTimeout),
			SendTimeout:    millis(pc.SendTimeout),
			ReceiveTimeout: millis(pc.ReceiveTimeout),
		},
		IdleTimeout:    millis(pc.IdleTimeout),
		BucketSize:     int(pc.BucketSize),
		EvictThreshold: int(pc.EvictThreshold),
		Discover:       pc.Discover,
		Discovery: discovery.Config{
			ListenAddr:       pc.DiscoveryAddress,
			Loopback:         true,
			AnnounceInterval: time.Duration(pc.AnnounceInterval) * time.Second,
		},
	}

	if pc.Multicast != "" {
		if cfg.Discovery.Group, err = discovery.ParseGroup(pc.Multicast); err != nil {
			return
		}
	}

	for _, str := range pc.Seeds {
		var seed *net.UDPAddr
		if seed, err = net.ResolveUDPAddr("udp", str); err != nil {
			return cfg, errors.Wrapf(err, "seed %s", str)
		}
		cfg.Discovery.Seeds = append(cfg.Discovery.Seeds, seed)
	}

	return cfg, nil
}
