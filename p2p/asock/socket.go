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

// Package asock wraps a TCP connection with an explicit state machine and
// context aware, timeout bounded operations.
package asock

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const frameHeadLength = 4

const (
	DefaultChunkSize      = 16 * 1024
	DefaultMaxMessageSize = 8 * 1024 * 1024
)

// drainTimeout bounds Disconnect when the caller gives no timeout
const drainTimeout = time.Second

var aLongTimeAgo = time.Unix(1, 0)

var sockLog = log15.New("module", "asock")

// Options configures framing limits of a Socket
type Options struct {
	// ChunkSize is the most bytes read from the connection in one step
	ChunkSize int
	// MaxMessageSize bounds a single frame body, both directions
	MaxMessageSize int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	return o
}

// Socket is a single TCP connection driven through State.
// Operations must not overlap, a concurrent operation fails with ErrInvalidState.
type Socket struct {
	opts Options

	state atomic.Int32

	// conn and reader change only in Connect and Accept, which own the socket
	// while in Connecting/Accepting. connMu orders them against Close.
	connMu sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
	closeErr  error

	log log15.Logger
}

// New create a socket in state Created
func New(opts Options) *Socket {
	s := &Socket{
		opts: opts.withDefaults(),
		log:  sockLog,
	}
	s.state.Store(int32(Created))
	return s
}

// FromConn wraps an established connection, the socket starts as Connected
func FromConn(conn net.Conn, opts Options) *Socket {
	s := New(opts)
	s.setConn(conn)
	s.state.Store(int32(Connected))
	return s
}

// Dial create a socket and connect it to addr
func Dial(ctx context.Context, addr string, timeout time.Duration, opts Options) (*Socket, error) {
	s := New(opts)
	if err := s.Connect(ctx, addr, timeout); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Socket) setConn(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.conn = conn
	s.reader = bufio.NewReaderSize(conn, s.opts.ChunkSize)
	s.log = sockLog.New("remote", conn.RemoteAddr().String())
}

func (s *Socket) State() State {
	return State(s.state.Load())
}

func (s *Socket) RemoteAddr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

func (s *Socket) LocalAddr() net.Addr {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Socket) String() string {
	if addr := s.RemoteAddr(); addr != nil {
		return addr.String() + "/" + s.State().String()
	}
	return s.State().String()
}

// begin moves the socket from a state accepted by allow into to,
// return the state it left.
func (s *Socket) begin(allow func(State) bool, to State) (State, error) {
	for {
		cur := s.State()
		if !allow(cur) {
			switch {
			case cur.Terminal():
				return cur, errors.Wrapf(ErrClosed, "state %s", cur)
			case cur == Created || cur == Disconnected:
				return cur, ErrNotConnected
			default:
				return cur, errors.Wrapf(ErrInvalidState, "%s while %s", to, cur)
			}
		}

		if s.state.CAS(int32(cur), int32(to)) {
			return cur, nil
		}
	}
}

// finish moves from to next, unless Close took over meanwhile
func (s *Socket) finish(from, next State) bool {
	return s.state.CAS(int32(from), int32(next))
}

// guard applies timeout and ctx to the connection during fn
func (s *Socket) guard(ctx context.Context, timeout time.Duration, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = s.conn.SetDeadline(deadline)

	conn := s.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	return fn()
}

// Connect dials addr, allowed in state Created or Disconnected
func (s *Socket) Connect(ctx context.Context, addr string, timeout time.Duration) error {
	if _, err := s.begin(State.connectable, Connecting); err != nil {
		if errors.Is(err, ErrNotConnected) {
			err = errors.Wrapf(ErrInvalidState, "connect while %s", s.State())
		}
		return err
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.finish(Connecting, Failed)
		return classify(ctx, "connect "+addr, err)
	}

	s.setConn(conn)
	if !s.finish(Connecting, Connected) {
		_ = conn.Close()
		return errors.Wrapf(ErrClosed, "connect %s", addr)
	}

	return nil
}

// Send writes data as one length-prefixed frame
func (s *Socket) Send(ctx context.Context, data []byte, timeout time.Duration) error {
	if len(data) > s.opts.MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "send %d bytes", len(data))
	}

	if _, err := s.begin(State.Open, SendingBytes); err != nil {
		return err
	}

	frame := make([]byte, frameHeadLength+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeadLength:], data)

	err := s.guard(ctx, timeout, func() error {
		_, err := s.conn.Write(frame)
		return err
	})
	if err != nil {
		s.finish(SendingBytes, Failed)
		return classify(ctx, "send", err)
	}

	s.finish(SendingBytes, SentBytes)
	return nil
}

// Receive reads one frame, chunk by chunk. A frame larger than MaxMessageSize fails
// the socket before its body is read, nothing is returned in that case.
func (s *Socket) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if _, err := s.begin(State.Open, Reading); err != nil {
		return nil, err
	}

	var msg []byte
	err := s.guard(ctx, timeout, func() error {
		var head [frameHeadLength]byte
		if _, err := io.ReadFull(s.reader, head[:]); err != nil {
			return err
		}

		length := int(binary.BigEndian.Uint32(head[:]))
		if length > s.opts.MaxMessageSize {
			return errors.Wrapf(ErrMessageTooLarge, "frame of %d bytes", length)
		}

		msg = make([]byte, 0, min(length, s.opts.ChunkSize))
		for len(msg) < length {
			n := min(s.opts.ChunkSize, length-len(msg))
			start := len(msg)
			msg = append(msg, make([]byte, n)...)
			if _, err := io.ReadFull(s.reader, msg[start:]); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		s.finish(Reading, Failed)
		if errors.Is(err, ErrMessageTooLarge) {
			s.log.Warn("drop oversized frame", "err", err)
			return nil, err
		}
		return nil, classify(ctx, "receive", err)
	}

	s.finish(Reading, AlreadyRead)
	return msg, nil
}

// Poll reports whether a frame has started arriving, waiting at most wait.
// No data is consumed.
func (s *Socket) Poll(ctx context.Context, wait time.Duration) (bool, error) {
	prev, err := s.begin(State.Open, Reading)
	if err != nil {
		return false, err
	}

	if s.reader.Buffered() > 0 {
		s.finish(Reading, prev)
		return true, nil
	}

	if wait <= 0 {
		wait = time.Millisecond
	}

	err = s.guard(ctx, wait, func() error {
		_, err := s.reader.Peek(1)
		return err
	})

	switch {
	case err == nil:
		s.finish(Reading, prev)
		return true, nil
	case ctx.Err() == nil && isNetTimeout(err):
		s.finish(Reading, prev)
		return false, nil
	}

	s.finish(Reading, Failed)
	return false, classify(ctx, "poll", err)
}

// Healthy checks an idle socket: it must be open, with no unsolicited bytes
// and no pending EOF.
func (s *Socket) Healthy() bool {
	if !s.State().Open() {
		return false
	}

	ready, err := s.Poll(context.Background(), time.Millisecond)
	if err != nil {
		return false
	}

	// a request/response socket has nothing to read while idle
	return !ready
}

// Disconnect half-closes the connection and releases it, the socket can Connect again.
// A zero timeout waits at most drainTimeout for the peer to close.
func (s *Socket) Disconnect(ctx context.Context, timeout time.Duration) error {
	if _, err := s.begin(State.Open, Disconnecting); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = drainTimeout
	}

	err := s.guard(ctx, timeout, func() error {
		if tc, ok := s.conn.(*net.TCPConn); ok {
			if err := tc.CloseWrite(); err != nil {
				return err
			}
			// drain until the peer closes too, or the deadline
			_, err := io.Copy(io.Discard, s.reader)
			if err != nil && !isNetTimeout(err) {
				return err
			}
		}
		return nil
	})
	_ = s.conn.Close()

	if err != nil && ctx.Err() != nil {
		s.finish(Disconnecting, Failed)
		return classify(ctx, "disconnect", err)
	}

	s.finish(Disconnecting, Disconnected)
	return nil
}

// Close releases the connection. It is idempotent and safe for concurrent use,
// the socket reaches Closed exactly once.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(Closing))

		s.connMu.Lock()
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
		s.connMu.Unlock()

		s.state.Store(int32(Closed))
	})

	return s.closeErr
}
