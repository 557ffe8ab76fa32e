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

// Package discovery finds peers on the local network with UDP multicast
// announcements, plus unicast announcements to configured seeds.
package discovery

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/net/ipv4"

	"github.com/meshsync/go-meshsync/common"
)

const (
	DefaultGroup            = "239.255.77.77:8484"
	DefaultAnnounceInterval = 30 * time.Second
	seenCacheSize           = 1024
	socketQueueLength       = 32
)

var errDiscoveryIsRunning = errors.New("discovery is running")
var errDiscoveryIsStopped = errors.New("discovery is stopped")
var errIncompleteMessage = errors.New("incomplete message")
var errNotMulticast = errors.New("not a multicast address")

var discvLog = log15.New("module", "discovery")

// Handler receives the machine id, source address and TCP port of every new
// packet of another machine
type Handler func(machineID string, ip net.IP, tcpPort int)

type Config struct {
	// ListenAddr is the local UDP address, the port of Group on all interfaces when empty
	ListenAddr string

	// Group is the multicast group, multicast is disabled when nil
	Group *net.UDPAddr

	// Interface joins the group on a specific interface, nil for the system default
	Interface *net.Interface

	// Loopback delivers multicast packets to sockets on this host
	Loopback bool

	// Seeds get every announcement and query by unicast
	Seeds []*net.UDPAddr

	AnnounceInterval time.Duration
}

type event struct {
	pkt  *Packet
	from *net.UDPAddr
}

// Discovery announces this machine and reports the other ones to a Handler
type Discovery struct {
	cfg       Config
	machineID string
	tcpPort   int
	handler   Handler

	conn *net.UDPConn
	pc   *ipv4.PacketConn

	// (machine id, message id) of handled packets
	seen  *lru.Cache
	msgID atomic.Uint32

	running atomic.Bool
	queue   chan event
	term    chan struct{}
	wg      sync.WaitGroup

	log log15.Logger
}

func New(cfg Config, machineID string, tcpPort int, handler Handler) *Discovery {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}

	seen, _ := lru.New(seenCacheSize)

	d := &Discovery{
		cfg:       cfg,
		machineID: machineID,
		tcpPort:   tcpPort,
		handler:   handler,
		seen:      seen,
		log:       discvLog.New("machine", machineID),
	}
	d.msgID.Store(rand.Uint32())

	return d
}

// ParseGroup resolves a multicast group, eg. "239.255.77.77:8484"
func ParseGroup(addr string) (*net.UDPAddr, error) {
	udp, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	if !udp.IP.IsMulticast() {
		return nil, errors.Wrap(errNotMulticast, addr)
	}
	return udp, nil
}

func (d *Discovery) Start() (err error) {
	if !d.running.CAS(false, true) {
		return errDiscoveryIsRunning
	}
	defer func() {
		if err != nil {
			d.running.Store(false)
		}
	}()

	var udp *net.UDPAddr
	if d.cfg.ListenAddr == "" && d.cfg.Group != nil {
		// a multicast local address binds the wildcard address with
		// SO_REUSEADDR, so several processes of one host can share the port
		udp = &net.UDPAddr{IP: d.cfg.Group.IP, Port: d.cfg.Group.Port}
	} else if udp, err = net.ResolveUDPAddr("udp4", d.cfg.ListenAddr); err != nil {
		return err
	}

	d.conn, err = net.ListenUDP("udp4", udp)
	if err != nil {
		return errors.Wrap(err, "failed to start udp server")
	}

	if d.cfg.Group != nil {
		if err = d.joinGroup(); err != nil {
			_ = d.conn.Close()
			return err
		}
	}

	d.term = make(chan struct{})
	d.queue = make(chan event, socketQueueLength)

	d.wg.Add(1)
	common.Go(d.readLoop)

	d.wg.Add(1)
	common.Go(d.handleLoop)

	d.wg.Add(1)
	common.Go(d.announceLoop)

	d.log.Info("discovery started", "addr", d.conn.LocalAddr(), "group", d.cfg.Group)
	return nil
}

func (d *Discovery) joinGroup() (err error) {
	d.pc = ipv4.NewPacketConn(d.conn)

	if err = d.pc.JoinGroup(d.cfg.Interface, &net.UDPAddr{IP: d.cfg.Group.IP}); err != nil {
		return errors.Wrapf(err, "failed to join multicast group %s", d.cfg.Group)
	}
	if d.cfg.Interface != nil {
		if err = d.pc.SetMulticastInterface(d.cfg.Interface); err != nil {
			return err
		}
	}
	// stay on the local network
	if err = d.pc.SetMulticastTTL(1); err != nil {
		return err
	}

	return d.pc.SetMulticastLoopback(d.cfg.Loopback)
}

func (d *Discovery) Stop() (err error) {
	if !d.running.CAS(true, false) {
		return errDiscoveryIsStopped
	}

	close(d.term)
	if d.pc != nil {
		_ = d.pc.LeaveGroup(d.cfg.Interface, &net.UDPAddr{IP: d.cfg.Group.IP})
	}
	err = d.conn.Close()
	d.wg.Wait()

	return
}

// LocalAddr is the bound UDP address, nil before Start
func (d *Discovery) LocalAddr() *net.UDPAddr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// Announce sends an announcement to the group and every seed
func (d *Discovery) Announce() error {
	return d.broadcast(Announce)
}

// Query asks the group and every seed to announce themselves
func (d *Discovery) Query() error {
	return d.broadcast(Query)
}

func (d *Discovery) packet(tag Tag) *Packet {
	return &Packet{
		Tag:       tag,
		MessageID: d.msgID.Inc(),
		Version:   ProtocolVersion,
		MachineID: d.machineID,
		TCPPort:   uint32(d.tcpPort),
	}
}

func (d *Discovery) broadcast(tag Tag) (err error) {
	if !d.running.Load() {
		return errDiscoveryIsStopped
	}

	data, err := d.packet(tag).Encode()
	if err != nil {
		return
	}

	var targets []*net.UDPAddr
	if d.cfg.Group != nil {
		targets = append(targets, d.cfg.Group)
	}
	targets = append(targets, d.cfg.Seeds...)

	for _, to := range targets {
		if e := d.write(data, to); e != nil {
			d.log.Debug("send packet", "tag", tag, "to", to, "err", e)
			err = e
		}
	}

	return
}

func (d *Discovery) write(data []byte, to *net.UDPAddr) error {
	n, err := d.conn.WriteToUDP(data, to)
	if err != nil {
		return err
	}
	if n != len(data) {
		return errIncompleteMessage
	}
	return nil
}

func (d *Discovery) announceLoop() {
	defer d.wg.Done()

	// ask who is there, then tell them about us
	_ = d.Query()

	ticker := time.NewTicker(d.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.term:
			return
		case <-ticker.C:
			_ = d.Announce()
		}
	}
}

func (d *Discovery) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, maxPacketLength)

	var tempDelay time.Duration
	var maxDelay = time.Second

	for {
		n, addr, err := d.conn.ReadFromUDP(buf)

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if tempDelay > maxDelay {
					tempDelay = maxDelay
				}

				time.Sleep(tempDelay)

				continue
			}
			return
		}

		tempDelay = 0

		if n == 0 {
			continue
		}

		pkt, err := DecodePacket(buf[:n])
		if err != nil {
			d.log.Debug("drop packet", "from", addr, "err", err)
			continue
		}

		if !d.accept(pkt) {
			continue
		}

		select {
		case d.queue <- event{pkt, addr}:
		default:
			d.log.Warn("discovery queue is full", "from", addr)
		}
	}
}

// accept filters own, foreign version and already handled packets
func (d *Discovery) accept(pkt *Packet) bool {
	if pkt.MachineID == d.machineID || pkt.Version != ProtocolVersion {
		return false
	}

	key := fmt.Sprintf("%s/%d", pkt.MachineID, pkt.MessageID)
	seen, _ := d.seen.ContainsOrAdd(key, struct{}{})
	return !seen
}

func (d *Discovery) handleLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.term:
			return
		case e := <-d.queue:
			d.handle(e)
		}
	}
}

func (d *Discovery) handle(e event) {
	if e.pkt.Tag == Query {
		data, err := d.packet(Announce).Encode()
		if err == nil {
			err = d.write(data, e.from)
		}
		if err != nil {
			d.log.Debug("answer query", "to", e.from, "err", err)
		}
	}

	if d.handler != nil && e.pkt.TCPPort > 0 && e.pkt.TCPPort <= 0xffff {
		d.handler(e.pkt.MachineID, e.from.IP, int(e.pkt.TCPPort))
	}
}
