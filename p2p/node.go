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
	"context"
	"net"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/meshsync/go-meshsync/common"
	"github.com/meshsync/go-meshsync/p2p/connpool"
	"github.com/meshsync/go-meshsync/p2p/database"
	"github.com/meshsync/go-meshsync/p2p/discovery"
	"github.com/meshsync/go-meshsync/p2p/kad"
	"github.com/meshsync/go-meshsync/p2p/netool"
	"github.com/meshsync/go-meshsync/p2p/vnode"
)

const seedMaxAge = 7 * 24 * time.Hour  // contacts not seen for seedMaxAge are not loaded from db
const tRefresh = time.Hour             // find nodes at tRefresh intervals
const storeInterval = 15 * time.Minute // store contacts in table to db at storeInterval intervals
const checkInterval = 10 * time.Second // ping the stale contacts at checkInterval intervals
const checkExpiration = time.Hour      // a contact is stale if it is not seen within checkExpiration
const dbCleanInterval = time.Hour
const onlineExpiration = 5 * time.Minute
const maxChecking = 8
const pingConcurrency = 16

var p2pLog = log15.New("module", "p2p")

var errNodeStarted = errors.New("node has started")
var errNodeStopped = errors.New("node not started")

// Node owns the peer table, the connection pool, the TCP server and the UDP
// discovery of this machine
type Node struct {
	cfg       Config
	machineID string
	groups    mapset.Set

	id       vnode.PeerID
	db       *database.DB
	table    *kad.Table
	pool     *connpool.Pool
	evictor  *kad.Evictor
	server   *kad.Server
	client   *kad.Client
	discv    *discovery.Discovery
	subnets  *netool.Subnets

	pmu      sync.Mutex
	provider kad.ChunkProvider

	checking atomic.Int32

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	term    chan struct{}
	wg      sync.WaitGroup

	log log15.Logger
}

// New creates a Node, groups is the set of group names (string) this machine
// belongs to, an empty set matches every peer
func New(cfg Config, machineID string, groups mapset.Set) (*Node, error) {
	if machineID == "" {
		return nil, errMissingMachineID
	}
	if groups == nil {
		groups = mapset.NewSet()
	}

	return &Node{
		cfg:       cfg.withDefaults(),
		machineID: machineID,
		groups:    groups,
		log:       p2pLog.New("machine", machineID),
	}, nil
}

func (n *Node) Start() (err error) {
	if !n.running.CAS(false, true) {
		return errNodeStarted
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.term = make(chan struct{})
	n.db, n.pool, n.server, n.discv = nil, nil, nil, nil

	defer func() {
		if err != nil {
			n.teardown()
			n.running.Store(false)
		}
	}()

	if n.id, err = n.cfg.peerID(); err != nil {
		return
	}

	if n.db, err = database.New(n.cfg.dbPath(), DefaultDBVersion, n.id); err != nil {
		return errors.Wrap(err, "open database")
	}

	if len(n.cfg.Subnets) > 0 {
		n.subnets, err = netool.NewSubnets(n.cfg.Subnets...)
	} else {
		n.subnets, err = netool.LocalSubnets()
	}
	if err != nil {
		return errors.Wrap(err, "subnets")
	}

	ln, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	local, err := n.makeLocal(ln.Addr().(*net.TCPAddr).Port)
	if err != nil {
		_ = ln.Close()
		return
	}

	n.table = kad.NewTable(n.id, n.cfg.BucketSize)
	n.evictor = kad.NewEvictor(n.cfg.EvictThreshold, n.cfg.FailureWindow, n.evict)

	n.pool = connpool.New(n.cfg.Pool)
	n.pool.Start()

	clientCfg := n.cfg.Client
	if clientCfg.Reachable == nil {
		clientCfg.Reachable = n.subnets.Contains
	}
	n.client = kad.NewClient(local, n.pool, n.evictor, clientCfg)

	n.boot()

	server := kad.NewServer(local, n.table, n.db, kad.ServerConfig{
		Socket:      n.cfg.Pool.Socket,
		IdleTimeout: n.cfg.IdleTimeout,
		BucketSize:  n.cfg.BucketSize,
		Learn:       n.learn,
	})
	n.pmu.Lock()
	if n.provider != nil {
		server.SetChunkProvider(n.provider)
	}
	n.server = server
	n.pmu.Unlock()

	if err = server.Serve(ln); err != nil {
		_ = ln.Close()
		return errors.Wrap(err, "start server")
	}

	if n.cfg.Discover {
		n.discv = discovery.New(n.cfg.Discovery, n.machineID, local.Port, n.onDiscovered)
		if err = n.discv.Start(); err != nil {
			return errors.Wrap(err, "start discovery")
		}
	}

	n.wg.Add(1)
	common.Go(n.tableLoop)

	n.log.Info("node started", "id", n.id, "port", local.Port, "contacts", n.table.Size())

	return nil
}

func (n *Node) Stop() error {
	if !n.running.CAS(true, false) {
		return errNodeStopped
	}

	n.teardown()
	n.log.Info("node stopped")

	return nil
}

// teardown stops the started components in reverse order
func (n *Node) teardown() {
	close(n.term)
	n.cancel()

	if n.discv != nil {
		_ = n.discv.Stop()
	}

	if n.server != nil {
		_ = n.server.Stop()
	}

	n.wg.Wait()

	if n.pool != nil {
		n.pool.Clear(false)
		n.pool.Stop()
	}

	if n.db != nil {
		if n.table != nil {
			n.storeTable()
		}
		_ = n.db.Close()
	}
}

func (n *Node) makeLocal(port int) (local kad.Local, err error) {
	local = kad.Local{
		ID:        n.id,
		MachineID: n.machineID,
		Port:      port,
	}

	for _, g := range n.groups.ToSlice() {
		if str, ok := g.(string); ok {
			local.Groups = append(local.Groups, str)
		}
	}
	sort.Strings(local.Groups)

	if len(n.cfg.Addresses) > 0 {
		for _, str := range n.cfg.Addresses {
			ip := net.ParseIP(str)
			if ip == nil {
				return local, errors.Errorf("invalid address %q", str)
			}
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			local.Addresses = append(local.Addresses, ip)
		}
	} else {
		local.Addresses = netool.LocalIPs()
	}

	return local, nil
}

// boot fills the table with the contacts stored in db
func (n *Node) boot() {
	contacts := n.db.ReadContacts(n.cfg.BucketSize*4, seedMaxAge)
	for _, c := range contacts {
		n.table.Add(c)
	}
}

func (n *Node) ID() vnode.PeerID {
	return n.id
}

func (n *Node) MachineID() string {
	return n.machineID
}

// Local is the description of this node announced to peers, it is valid after Start
func (n *Node) Local() kad.Local {
	return n.server.Local()
}

// SetChunkProvider serves chunk requests from p, it can be called before or after Start
func (n *Node) SetChunkProvider(p kad.ChunkProvider) {
	n.pmu.Lock()
	defer n.pmu.Unlock()

	n.provider = p
	if n.server != nil {
		n.server.SetChunkProvider(p)
	}
}

// matchGroups reports whether a peer of groups can join us, both sides
// must share a group unless either side has none
func (n *Node) matchGroups(groups []string) bool {
	if n.groups.Cardinality() == 0 || len(groups) == 0 {
		return true
	}

	for _, g := range groups {
		if n.groups.Contains(g) {
			return true
		}
	}
	return false
}

// learn is invoked by the server for every pinging peer
func (n *Node) learn(c *vnode.Contact, groups []string) bool {
	if !n.matchGroups(groups) {
		n.log.Debug("ignore peer of other groups", "peer", c, "groups", groups)
		return false
	}

	n.addContact(c)
	return true
}

// addContact puts c into the table, when the bucket is full the oldest
// contact is pinged and replaced by c if it does not answer
func (n *Node) addContact(c *vnode.Contact) {
	if c.ID == n.id {
		return
	}

	oldest := n.table.Add(c)
	if oldest == nil {
		return
	}

	n.spawn(func(ctx context.Context) {
		_, outcome, err := n.client.Ping(ctx, oldest)
		if err == nil && outcome.HasError() {
			n.table.Replace(oldest.ID, c)
		}
	})
}

func (n *Node) evict(id vnode.PeerID) {
	n.table.Remove(id)
	if n.db != nil {
		n.db.RemoveContact(id)
	}
	n.log.Info("evict contact", "id", id.Brief())
}

// spawn runs fn in a tracked goroutine, fn is canceled by Stop
func (n *Node) spawn(fn func(ctx context.Context)) {
	select {
	case <-n.term:
		return
	default:
	}

	n.wg.Add(1)
	common.Go(func() {
		defer n.wg.Done()
		fn(n.ctx)
	})
}

// onDiscovered is invoked by discovery for every announcement of another machine
func (n *Node) onDiscovered(machineID string, ip net.IP, port int) {
	if known := n.table.ResolveMachine(machineID); known != nil && known.Port == port {
		known.AddAddress(ip)
		return
	}

	n.spawn(func(ctx context.Context) {
		c, groups, outcome, err := n.client.PingAddress(ctx, machineID, ip, port)
		if err != nil || outcome.HasError() {
			n.log.Debug("ping of discovered machine failed", "machine", machineID, "ip", ip, "port", port, "outcome", outcome, "err", err)
			return
		}

		if n.matchGroups(groups) {
			n.addContact(c)
		}
	})
}

func (n *Node) tableLoop() {
	defer n.wg.Done()

	checkTicker := time.NewTicker(checkInterval)
	refreshTicker := time.NewTicker(tRefresh)
	storeTicker := time.NewTicker(storeInterval)
	dbTicker := time.NewTicker(dbCleanInterval)

	defer checkTicker.Stop()
	defer refreshTicker.Stop()
	defer storeTicker.Stop()
	defer dbTicker.Stop()

	n.spawn(func(ctx context.Context) {
		_, _ = n.TryFindAllNodes(ctx)
	})

Loop:
	for {
		select {
		case <-n.term:
			break Loop

		case <-checkTicker.C:
			n.checkStale()

		case <-refreshTicker.C:
			_ = n.subnets.Refresh()
			n.spawn(func(ctx context.Context) {
				_, _ = n.TryFindAllNodes(ctx)
			})

		case <-storeTicker.C:
			n.storeTable()

		case <-dbTicker.C:
			if removed := n.db.Clean(seedMaxAge); removed > 0 {
				n.log.Info("clean database", "removed", removed)
			}
		}
	}
}

// checkStale pings the contacts not seen within checkExpiration, failures
// are counted by the evictor
func (n *Node) checkStale() {
	now := time.Now()
	for _, c := range n.table.Contacts() {
		if now.Sub(c.LastSeen()) < checkExpiration {
			continue
		}
		if n.checking.Inc() > maxChecking {
			n.checking.Dec()
			return
		}

		c := c
		n.spawn(func(ctx context.Context) {
			defer n.checking.Dec()
			_, _, _ = n.client.Ping(ctx, c)
		})
	}
}

func (n *Node) storeTable() {
	var stored int
	for _, c := range n.table.Contacts() {
		if c.LastSeen().IsZero() {
			continue
		}
		if err := n.db.StoreContact(c); err != nil {
			n.log.Warn("store contact", "peer", c, "err", err)
			continue
		}
		stored++
	}
	n.log.Debug("store table", "contacts", stored)
}

// OnlineContacts return the contacts seen within the last few minutes, the
// most recently seen first
func (n *Node) OnlineContacts() []*vnode.Contact {
	now := time.Now()
	var online []*vnode.Contact
	for _, c := range n.table.Contacts() {
		if now.Sub(c.LastSeen()) <= onlineExpiration {
			online = append(online, c)
		}
	}

	sort.Slice(online, func(i, j int) bool {
		return online[i].LastSeen().After(online[j].LastSeen())
	})

	return online
}

// Contacts return every contact of the table
func (n *Node) Contacts() []*vnode.Contact {
	return n.table.Contacts()
}

// TryFindAllNodes queries the LAN, looks up our own id and a random id of
// every non-empty distance, then pings every known contact. It return the
// contacts online afterwards.
func (n *Node) TryFindAllNodes(ctx context.Context) ([]*vnode.Contact, error) {
	if !n.running.Load() {
		return nil, errNodeStopped
	}

	if n.discv != nil {
		if err := n.discv.Query(); err != nil {
			n.log.Debug("discovery query", "err", err)
		}
	}

	targets := []vnode.PeerID{n.id}
	prefixes := make(map[int]struct{})
	for _, c := range n.table.Contacts() {
		prefixes[vnode.CommonPrefixLen(n.id, c.ID)] = struct{}{}
	}
	for prefix := range prefixes {
		targets = append(targets, vnode.RandFromPrefix(n.id, prefix))
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kad.Lookup(ctx, n.client, n.table, target, n.cfg.BucketSize, n.addContact)
	}

	var g errgroup.Group
	g.SetLimit(pingConcurrency)
	for _, c := range n.table.Contacts() {
		c := c
		g.Go(func() error {
			_, _, err := n.client.Ping(ctx, c)
			return err
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return n.OnlineContacts(), nil
}

func (n *Node) Ping(ctx context.Context, c *vnode.Contact) (kad.Outcome, error) {
	_, outcome, err := n.client.Ping(ctx, c)
	return outcome, err
}

func (n *Node) Store(ctx context.Context, c *vnode.Contact, key vnode.PeerID, value []byte) (kad.Outcome, error) {
	return n.client.Store(ctx, c, key, value)
}

func (n *Node) FindValue(ctx context.Context, c *vnode.Contact, key vnode.PeerID) (*kad.ValueBody, kad.Outcome, error) {
	return n.client.FindValue(ctx, c, key)
}

func (n *Node) FindNode(ctx context.Context, c *vnode.Contact, target vnode.PeerID) ([]*vnode.Contact, kad.Outcome, error) {
	return n.client.FindNode(ctx, c, target, n.cfg.BucketSize)
}

func (n *Node) RequestChunk(ctx context.Context, c *vnode.Contact, file string, index uint32) ([]byte, kad.Outcome, error) {
	return n.client.RequestChunk(ctx, c, file, index)
}

// Stats of the connection pool
func (n *Node) Stats() connpool.Stats {
	return n.pool.Stats()
}
