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

import (
	"context"
	"net"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/meshsync/go-meshsync/p2p/asock"
	"github.com/meshsync/go-meshsync/p2p/connpool"
	"github.com/meshsync/go-meshsync/p2p/vnode"
)

var kadLog = log15.New("module", "kad")

const (
	DefaultPollAttempts   = 10
	DefaultPollInterval   = 20 * time.Millisecond
	DefaultAcquireTimeout = 5 * time.Second
	DefaultSendTimeout    = 5 * time.Second
	DefaultReceiveTimeout = 10 * time.Second
)

var errUnexpectedResponse = errors.New("kad: unexpected response")

// Local describes this node, it is sent with Ping and Pong
type Local struct {
	ID        vnode.PeerID
	MachineID string
	Port      int
	Groups    []string
	Addresses []net.IP
}

func (l Local) announce() announce {
	return announce{
		MachineID: l.MachineID,
		Port:      uint32(l.Port),
		Groups:    l.Groups,
		Addresses: l.Addresses,
	}
}

type ClientConfig struct {
	// PollAttempts and PollInterval bound the soft wait for a response, the
	// receive after it is bounded by ReceiveTimeout
	PollAttempts   int
	PollInterval   time.Duration
	AcquireTimeout time.Duration
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration

	// Reachable filters candidate addresses, nil accepts all
	Reachable func(ip net.IP) bool
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	return cfg
}

// Client sends requests to contacts through the connection pool
type Client struct {
	local   Local
	pool    *connpool.Pool
	evictor *Evictor
	cfg     ClientConfig
	log     log15.Logger
}

func NewClient(local Local, pool *connpool.Pool, evictor *Evictor, cfg ClientConfig) *Client {
	return &Client{
		local:   local,
		pool:    pool,
		evictor: evictor,
		cfg:     cfg.withDefaults(),
		log:     kadLog.New("side", "client"),
	}
}

// Call sends body to contact, trying its addresses from the most recently
// successful one, and stops at the first address that answers with the
// matching correlation id. Transport failures are reported in the Outcome.
// The error is non-nil for encode and decode failures, a full pool, and
// cancellation of ctx; those do not count against the contact.
func (c *Client) Call(ctx context.Context, contact *vnode.Contact, body Body) (*Message, Outcome, error) {
	req := NewMessage(c.local.ID, body)
	data, err := req.Encode()
	if err != nil {
		return nil, Outcome{}, err
	}

	outcome := Outcome{PeerError: true, ErrorMessage: "no known address"}
	for _, ep := range contact.Endpoints() {
		var resp *Message
		resp, outcome, err = c.attempt(ctx, ep, req, data)
		if err != nil {
			return nil, outcome, err
		}

		if resp != nil && !outcome.CorrelationMismatch {
			c.finalize(contact, ep.IP, outcome)
			return resp, outcome, nil
		}

		c.log.Debug("attempt failed", "peer", contact, "endpoint", ep, "outcome", outcome)
	}

	c.finalize(contact, nil, outcome)
	return nil, outcome, nil
}

func (c *Client) attempt(ctx context.Context, ep vnode.Endpoint, req *Message, data []byte) (*Message, Outcome, error) {
	if c.cfg.Reachable != nil && !c.cfg.Reachable(ep.IP) {
		return nil, Outcome{PeerError: true, ErrorMessage: "address " + ep.IP.String() + " is not in a local subnet"}, nil
	}

	ps, err := c.pool.Acquire(ctx, ep.String(), c.cfg.AcquireTimeout)
	if err != nil {
		return c.transportOutcome(ctx, err)
	}
	defer func() {
		_ = c.pool.Release(ps)
	}()

	if err = ps.Send(ctx, data, c.cfg.SendTimeout); err != nil {
		return c.transportOutcome(ctx, err)
	}

	frame, err := c.awaitResponse(ctx, ps.Socket)
	if err != nil {
		return c.transportOutcome(ctx, err)
	}

	resp, err := Decode(frame)
	if err != nil {
		// the stream can not be trusted after a bad frame
		_ = ps.Close()
		return nil, Outcome{}, err
	}

	outcome := classify(req, resp)
	if outcome.CorrelationMismatch {
		_ = ps.Close()
	}

	return resp, outcome, nil
}

// awaitResponse polls a bounded number of times for the first bytes of the
// response, then receives it with the hard timeout
func (c *Client) awaitResponse(ctx context.Context, sock *asock.Socket) ([]byte, error) {
	for i := 0; i < c.cfg.PollAttempts; i++ {
		ready, err := sock.Poll(ctx, c.cfg.PollInterval)
		if err != nil {
			return nil, err
		}
		if ready {
			break
		}
	}

	return sock.Receive(ctx, c.cfg.ReceiveTimeout)
}

// transportOutcome folds a failed attempt into the Outcome, pool and
// cancellation errors are returned as they are not the fault of the peer
func (c *Client) transportOutcome(ctx context.Context, err error) (*Message, Outcome, error) {
	switch {
	case errors.Is(err, connpool.ErrPoolExhausted), errors.Is(err, connpool.ErrPoolStopped):
		return nil, Outcome{}, err
	case asock.IsCanceled(err) || ctx.Err() != nil:
		return nil, Outcome{}, errors.Wrap(asock.ErrCanceled, err.Error())
	case asock.IsTimeout(err):
		return nil, Outcome{Timeout: true, ErrorMessage: err.Error()}, nil
	default:
		return nil, Outcome{PeerError: true, ErrorMessage: err.Error()}, nil
	}
}

func classify(req, resp *Message) (o Outcome) {
	if resp.CorrelationID != req.CorrelationID {
		o.CorrelationMismatch = true
	}

	if eb, ok := resp.Body.(*ErrorBody); ok {
		o.PeerError = true
		o.ErrorMessage = eb.Error()
	}

	return
}

func (c *Client) finalize(contact *vnode.Contact, ip net.IP, outcome Outcome) {
	if !outcome.HasError() {
		contact.MarkActive(ip)
		if c.evictor != nil && !contact.ID.IsZero() {
			c.evictor.ResetFailures(contact.ID)
		}
		return
	}

	if c.evictor != nil && !contact.ID.IsZero() {
		c.evictor.RecordFailure(contact.ID)
	}
}

func expect[T Body](resp *Message, outcome Outcome, err error) (body T, _ Outcome, _ error) {
	if err != nil || outcome.HasError() || resp == nil {
		return body, outcome, err
	}

	body, ok := resp.Body.(T)
	if !ok {
		return body, outcome, errors.Wrapf(errUnexpectedResponse, "got %s", resp.Op())
	}
	return body, outcome, nil
}

// Ping exchanges announcements with contact, the addresses and port it
// reports are merged into contact
func (c *Client) Ping(ctx context.Context, contact *vnode.Contact) (*PongBody, Outcome, error) {
	pong, outcome, err := expect[*PongBody](c.Call(ctx, contact, &PingBody{c.local.announce()}))
	if pong != nil {
		for _, ip := range pong.Addresses {
			contact.AddAddress(ip)
		}
	}
	return pong, outcome, err
}

// PingAddress pings a machine whose peer id is not known yet, eg. one reported by
// discovery. The returned contact carries the id and addresses of the pong.
func (c *Client) PingAddress(ctx context.Context, machineID string, ip net.IP, port int) (*vnode.Contact, []string, Outcome, error) {
	target := vnode.NewContact(vnode.ZERO, machineID, port, ip)

	resp, outcome, err := c.Call(ctx, target, &PingBody{c.local.announce()})
	pong, outcome, err := expect[*PongBody](resp, outcome, err)
	if pong == nil {
		return nil, nil, outcome, err
	}

	contact := vnode.NewContact(resp.Sender, pong.MachineID, int(pong.Port), pong.Addresses...)
	contact.MarkActive(ip)
	return contact, pong.Groups, outcome, nil
}

func (c *Client) Store(ctx context.Context, contact *vnode.Contact, key vnode.PeerID, value []byte) (Outcome, error) {
	_, outcome, err := expect[*AckBody](c.Call(ctx, contact, &StoreBody{Key: key, Value: value}))
	return outcome, err
}

func (c *Client) FindNode(ctx context.Context, contact *vnode.Contact, target vnode.PeerID, count int) ([]*vnode.Contact, Outcome, error) {
	nodes, outcome, err := expect[*NodesBody](c.Call(ctx, contact, &FindNodeBody{Target: target, Count: uint16(count)}))
	if nodes == nil {
		return nil, outcome, err
	}

	contacts := make([]*vnode.Contact, 0, len(nodes.Contacts))
	for _, ci := range nodes.Contacts {
		contacts = append(contacts, ci.Contact())
	}
	return contacts, outcome, nil
}

func (c *Client) FindValue(ctx context.Context, contact *vnode.Contact, key vnode.PeerID) (*ValueBody, Outcome, error) {
	return expect[*ValueBody](c.Call(ctx, contact, &FindValueBody{Key: key}))
}

func (c *Client) RequestChunk(ctx context.Context, contact *vnode.Contact, file string, index uint32) ([]byte, Outcome, error) {
	chunk, outcome, err := expect[*ChunkDataBody](c.Call(ctx, contact, &ChunkRequestBody{File: file, Index: index}))
	if chunk == nil {
		return nil, outcome, err
	}
	if chunk.File != file || chunk.Index != index {
		return nil, outcome, errors.Wrapf(errUnexpectedResponse, "chunk %s#%d", chunk.File, chunk.Index)
	}
	return chunk.Data, outcome, nil
}
