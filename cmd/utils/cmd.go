package utils

import (
	"os"
	"os/signal"
	"syscall"

	mapset "github.com/deckarep/golang-set"
	"github.com/inconshreveable/log15"

	"github.com/meshsync/go-meshsync/config"
	"github.com/meshsync/go-meshsync/p2p"
)

var log = log15.New("module", "cmd")

// MakeNode creates the node described by cfg
func MakeNode(cfg *config.Config) (*p2p.Node, error) {
	p2pCfg, err := cfg.MakeP2PConfig()
	if err != nil {
		return nil, err
	}

	machineID, err := cfg.ResolveMachineID()
	if err != nil {
		return nil, err
	}

	groups := mapset.NewSet()
	for _, g := range cfg.P2P.Groups {
		groups.Add(g)
	}

	return p2p.New(p2pCfg, machineID, groups)
}

// RunNode starts node and blocks until SIGINT or SIGTERM, then stops it
func RunNode(node *p2p.Node) error {
	if err := node.Start(); err != nil {
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	<-c
	log.Info("Got interrupt, shutting down...")

	done := make(chan struct{})
	go func() {
		_ = node.Stop()
		close(done)
	}()

	for i := 10; i > 0; i-- {
		select {
		case <-done:
			return nil
		case <-c:
			if i > 1 {
				log.Warn("Already shutting down, interrupt more to panic.", "times", i-1)
			}
		}
	}
	log.Crit("force exit")
	os.Exit(1)
	return nil
}
