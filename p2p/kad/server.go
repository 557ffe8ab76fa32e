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
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/meshsync/go-meshsync/common"
	"github.com/meshsync/go-meshsync/p2p/asock"
	"github.com/meshsync/go-meshsync/p2p/vnode"
)

const DefaultIdleTimeout = 2 * time.Minute

var errServerStarted = errors.New("kad: server has started")
var errServerNotStarted = errors.New("kad: server not started")

type ServerConfig struct {
	Socket asock.Options
	// IdleTimeout closes a connection which sends no request for that long
	IdleTimeout time.Duration
	SendTimeout time.Duration
	BucketSize  int

	// Learn is invoked with the contact of every pinging peer and the groups it
	// announced, returning false rejects the peer. Nil adds it to the table.
	Learn func(c *vnode.Contact, groups []string) bool
}

func (cfg ServerConfig) withDefaults() ServerConfig {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	return cfg
}

// Server answers requests of remote peers
type Server struct {
	local  Local
	table  *Table
	values ValueStore
	cfg    ServerConfig

	pmu      sync.RWMutex
	provider ChunkProvider

	running atomic.Bool
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cmu   sync.Mutex
	conns map[*asock.Socket]struct{}

	log log15.Logger
}

func NewServer(local Local, table *Table, values ValueStore, cfg ServerConfig) *Server {
	return &Server{
		local:  local,
		table:  table,
		values: values,
		cfg:    cfg.withDefaults(),
		conns:  make(map[*asock.Socket]struct{}),
		log:    kadLog.New("side", "server"),
	}
}

func (s *Server) SetChunkProvider(p ChunkProvider) {
	s.pmu.Lock()
	s.provider = p
	s.pmu.Unlock()
}

func (s *Server) chunkProvider() ChunkProvider {
	s.pmu.RLock()
	defer s.pmu.RUnlock()

	return s.provider
}

// Start listens on addr, eg. ":8483"
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	if err = s.Serve(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// Serve accepts connections from ln until Stop, ln is closed by Stop
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CAS(false, true) {
		return errServerStarted
	}

	s.ln = ln
	if s.local.Port == 0 {
		s.local.Port = ln.Addr().(*net.TCPAddr).Port
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	common.Go(s.loop)

	s.log.Info("server started", "addr", ln.Addr())
	return nil
}

// Local return the description of this node, Port is known after Start
func (s *Server) Local() Local {
	return s.local
}

// Addr is the listening address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Stop() error {
	if !s.running.CAS(true, false) {
		return errServerNotStarted
	}

	s.cancel()
	err := s.ln.Close()

	s.cmu.Lock()
	for sock := range s.conns {
		_ = sock.Close()
	}
	s.cmu.Unlock()

	s.wg.Wait()
	s.log.Info("server stopped")

	return err
}

func (s *Server) loop() {
	defer s.wg.Done()

	var tempDelay time.Duration
	var maxDelay = time.Second

	for {
		sock, err := asock.Accept(s.ctx, s.ln, 0, s.cfg.Socket)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
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

			s.log.Warn("stop listen", "err", err)
			return
		}
		tempDelay = 0

		s.cmu.Lock()
		s.conns[sock] = struct{}{}
		s.cmu.Unlock()

		s.wg.Add(1)
		common.Go(func() {
			defer s.wg.Done()
			s.serve(sock)
		})
	}
}

// serve answers the frames of one connection until it fails, idles or the server stops
func (s *Server) serve(sock *asock.Socket) {
	defer func() {
		_ = sock.Close()

		s.cmu.Lock()
		delete(s.conns, sock)
		s.cmu.Unlock()
	}()

	var ip net.IP
	if addr, ok := sock.RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP
	}

	for {
		frame, err := sock.Receive(s.ctx, s.cfg.IdleTimeout)
		if err != nil {
			s.log.Debug("connection done", "remote", sock.RemoteAddr(), "err", err)
			return
		}

		resp := s.handle(frame, ip)

		data, err := resp.Encode()
		if err != nil {
			s.log.Error("encode response", "op", resp.Op(), "err", err)
			return
		}

		if err = sock.Send(s.ctx, data, s.cfg.SendTimeout); err != nil {
			s.log.Debug("send response", "remote", sock.RemoteAddr(), "err", err)
			return
		}
	}
}

func (s *Server) errorReply(req *Message, code ErrorCode, msg string) *Message {
	var id uint32
	if req != nil {
		id = req.CorrelationID
	}

	return &Message{
		Version:       Version,
		CorrelationID: id,
		Sender:        s.local.ID,
		Body:          &ErrorBody{Code: code, Message: msg},
	}
}

// handle decodes one request and builds its response, failures become error frames
func (s *Server) handle(frame []byte, ip net.IP) *Message {
	req, err := Decode(frame)
	if err != nil {
		code := ErrCodeMalformed
		if errors.Is(err, ErrUnknownOp) {
			code = ErrCodeUnsupported
		}
		s.log.Debug("bad request", "from", ip, "err", err)
		return s.errorReply(nil, code, err.Error())
	}

	if _, ok := req.Body.(*PingBody); !ok {
		if c := s.table.Resolve(req.Sender); c != nil {
			c.MarkActive(ip)
			s.table.Bubble(c.ID)
		}
	}

	switch body := req.Body.(type) {
	case *PingBody:
		c := vnode.NewContact(req.Sender, body.MachineID, int(body.Port), body.Addresses...)
		c.MarkActive(ip)
		if !s.learn(c, body.Groups) {
			return s.errorReply(req, ErrCodeGroupMismatch, "")
		}
		return reply(req, s.local.ID, &PongBody{s.local.announce()})

	case *StoreBody:
		if err = s.values.StoreValue(body.Key, body.Value); err != nil {
			s.log.Error("store value", "key", body.Key.Brief(), "err", err)
			return s.errorReply(req, ErrCodeInternal, "store failed")
		}
		return reply(req, s.local.ID, &AckBody{})

	case *FindNodeBody:
		return reply(req, s.local.ID, &NodesBody{Contacts: s.closest(body.Target, int(body.Count), req.Sender)})

	case *FindValueBody:
		value, err := s.values.RetrieveValue(body.Key)
		if err != nil {
			s.log.Error("retrieve value", "key", body.Key.Brief(), "err", err)
			return s.errorReply(req, ErrCodeInternal, "retrieve failed")
		}
		if value != nil {
			return reply(req, s.local.ID, &ValueBody{Found: true, Value: value})
		}
		return reply(req, s.local.ID, &ValueBody{Contacts: s.closest(body.Key, 0, req.Sender)})

	case *ChunkRequestBody:
		p := s.chunkProvider()
		if p == nil {
			return s.errorReply(req, ErrCodeNotFound, "no chunk provider")
		}

		data, err := p.Chunk(body.File, body.Index)
		if errors.Is(err, ErrChunkNotFound) {
			return s.errorReply(req, ErrCodeNotFound, err.Error())
		}
		if err != nil {
			s.log.Error("read chunk", "file", body.File, "index", body.Index, "err", err)
			return s.errorReply(req, ErrCodeInternal, "read chunk failed")
		}
		return reply(req, s.local.ID, &ChunkDataBody{File: body.File, Index: body.Index, Data: data})

	default:
		return s.errorReply(req, ErrCodeUnsupported, req.Op().String()+" is not a request")
	}
}

func (s *Server) learn(c *vnode.Contact, groups []string) bool {
	if s.cfg.Learn != nil {
		return s.cfg.Learn(c, groups)
	}

	s.table.Add(c)
	return true
}

// closest return the contacts nearest to target, without the requester
func (s *Server) closest(target vnode.PeerID, count int, requester vnode.PeerID) []ContactInfo {
	if count <= 0 || count > s.cfg.BucketSize {
		count = s.cfg.BucketSize
	}

	contacts := s.table.Closest(target, count+1)
	infos := make([]ContactInfo, 0, count)
	for _, c := range contacts {
		if c.ID == requester {
			continue
		}
		if len(infos) == count {
			break
		}
		infos = append(infos, NewContactInfo(c))
	}

	return infos
}
