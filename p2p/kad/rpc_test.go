package kad

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsync/go-meshsync/p2p/asock"
	"github.com/meshsync/go-meshsync/p2p/connpool"
	"github.com/meshsync/go-meshsync/p2p/vnode"
)

var loopback = net.IPv4(127, 0, 0, 1).To4()

type memStore struct {
	mu     sync.Mutex
	values map[vnode.PeerID][]byte
}

func newMemStore() *memStore {
	return &memStore{values: make(map[vnode.PeerID][]byte)}
}

func (m *memStore) StoreValue(key vnode.PeerID, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
	return nil
}

func (m *memStore) RetrieveValue(key vnode.PeerID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.values[key], nil
}

type testPeer struct {
	local   Local
	table   *Table
	store   *memStore
	server  *Server
	pool    *connpool.Pool
	evictor *Evictor
	client  *Client
}

func newTestPeer(t *testing.T, cfg ClientConfig) *testPeer {
	id := vnode.RandomPeerID()
	p := &testPeer{
		table: NewTable(id, 0),
		store: newMemStore(),
		pool:  connpool.New(connpool.Config{MaxSockets: 8}),
	}

	p.server = NewServer(Local{ID: id, MachineID: "m-" + id.Brief(), Groups: []string{"g"}}, p.table, p.store, ServerConfig{})
	require.NoError(t, p.server.Start("127.0.0.1:0"))
	p.local = p.server.Local()

	p.evictor = NewEvictor(3, time.Minute, func(id vnode.PeerID) {
		p.table.Remove(id)
	})
	p.client = NewClient(p.local, p.pool, p.evictor, cfg)

	t.Cleanup(func() {
		p.pool.Stop()
		_ = p.server.Stop()
	})

	return p
}

func (p *testPeer) contact() *vnode.Contact {
	return vnode.NewContact(p.local.ID, p.local.MachineID, p.local.Port, loopback)
}

// fakePeer answers every request with respond, a nil reply sends nothing
func fakePeer(t *testing.T, respond func(req *Message) []byte) *vnode.Contact {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sock := asock.FromConn(conn, asock.Options{})
				defer sock.Close()

				for {
					frame, err := sock.Receive(context.Background(), 0)
					if err != nil {
						return
					}
					req, err := Decode(frame)
					if err != nil {
						return
					}
					if data := respond(req); data != nil {
						_ = sock.Send(context.Background(), data, time.Second)
					}
				}
			}()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	return vnode.NewContact(vnode.RandomPeerID(), "fake", port, loopback)
}

func encode(t *testing.T, m *Message) []byte {
	data, err := m.Encode()
	require.NoError(t, err)
	return data
}

func TestRPC_PingSuccess(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	b := newTestPeer(t, ClientConfig{})

	contact := b.contact()
	a.evictor.RecordFailure(contact.ID)

	pong, outcome, err := a.client.Ping(context.Background(), contact)
	require.NoError(t, err)
	assert.False(t, outcome.HasError(), outcome.String())
	assert.Equal(t, b.local.MachineID, pong.MachineID)
	assert.Equal(t, uint32(b.local.Port), pong.Port)
	assert.Equal(t, []string{"g"}, pong.Groups)

	assert.Equal(t, 0, a.evictor.Failures(contact.ID))
	assert.True(t, contact.LastActive().Equal(loopback))
	assert.False(t, contact.LastSeen().IsZero())

	// b learned a from the ping
	learned := b.table.Resolve(a.local.ID)
	require.NotNil(t, learned)
	assert.Equal(t, a.local.Port, learned.Port)
	assert.True(t, learned.LastActive().Equal(loopback))
}

func TestRPC_Unreachable(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	contact := vnode.NewContact(vnode.RandomPeerID(), "gone", port, loopback)

	start := time.Now()
	_, outcome, err := a.client.Ping(context.Background(), contact)
	require.NoError(t, err)
	assert.True(t, outcome.Timeout || outcome.PeerError)
	assert.True(t, time.Since(start) < connpool.DefaultConnectTimeout)
	assert.Equal(t, 1, a.evictor.Failures(contact.ID))
	assert.Nil(t, contact.LastActive())
}

func TestRPC_SecondAddress(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	b := newTestPeer(t, ClientConfig{})

	// nothing listens on 127.0.0.2
	contact := vnode.NewContact(b.local.ID, b.local.MachineID, b.local.Port, net.IPv4(127, 0, 0, 2), loopback)

	_, outcome, err := a.client.Ping(context.Background(), contact)
	require.NoError(t, err)
	assert.False(t, outcome.HasError(), outcome.String())
	assert.True(t, contact.LastActive().Equal(loopback))
	assert.True(t, contact.CandidateAddrs()[0].Equal(loopback))
	assert.Equal(t, 0, a.evictor.Failures(contact.ID))
}

func TestRPC_NotReachableSubnet(t *testing.T) {
	a := newTestPeer(t, ClientConfig{
		Reachable: func(ip net.IP) bool { return false },
	})
	b := newTestPeer(t, ClientConfig{})

	_, outcome, err := a.client.Ping(context.Background(), b.contact())
	require.NoError(t, err)
	assert.True(t, outcome.PeerError)
	assert.Contains(t, outcome.ErrorMessage, "local subnet")
	assert.Equal(t, 0, b.table.Size())
}

func TestRPC_StoreAndFindValue(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	b := newTestPeer(t, ClientConfig{})
	ctx := context.Background()

	key := vnode.RandomPeerID()
	value := bytes.Repeat([]byte("chunk-index;"), 200)

	outcome, err := a.client.Store(ctx, b.contact(), key, value)
	require.NoError(t, err)
	assert.False(t, outcome.HasError(), outcome.String())
	stored, _ := b.store.RetrieveValue(key)
	assert.Equal(t, value, stored)

	found, outcome, err := a.client.FindValue(ctx, b.contact(), key)
	require.NoError(t, err)
	assert.False(t, outcome.HasError())
	assert.True(t, found.Found)
	assert.Equal(t, value, found.Value)

	other := newContactFromPrefix(b.local.ID, 5)
	b.table.Add(other)

	missing, outcome, err := a.client.FindValue(ctx, b.contact(), vnode.RandomPeerID())
	require.NoError(t, err)
	assert.False(t, outcome.HasError())
	assert.False(t, missing.Found)
	require.Len(t, missing.Contacts, 1)
	assert.Equal(t, other.ID, missing.Contacts[0].ID)
}

func TestRPC_FindNode(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	b := newTestPeer(t, ClientConfig{})

	// a itself is known to b and must not be returned
	b.table.Add(a.contact())
	for i := 0; i < 5; i++ {
		b.table.Add(newContactFromPrefix(b.local.ID, i))
	}

	target := vnode.RandomPeerID()
	contacts, outcome, err := a.client.FindNode(context.Background(), b.contact(), target, 3)
	require.NoError(t, err)
	assert.False(t, outcome.HasError())
	require.Len(t, contacts, 3)

	for i, c := range contacts {
		assert.NotEqual(t, a.local.ID, c.ID)
		if i > 0 {
			assert.True(t, vnode.Closer(target, contacts[i-1].ID, c.ID))
		}
	}
}

func TestRPC_Chunk(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	b := newTestPeer(t, ClientConfig{})
	ctx := context.Background()

	_, outcome, err := a.client.RequestChunk(ctx, b.contact(), "a.txt", 1)
	require.NoError(t, err)
	assert.True(t, outcome.PeerError)
	assert.Equal(t, "not found: no chunk provider", outcome.ErrorMessage)
	assert.Equal(t, 1, a.evictor.Failures(b.local.ID))

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	data := bytes.Repeat([]byte{7}, 4096)
	provider := NewMockChunkProvider(ctrl)
	provider.EXPECT().Chunk("a.txt", uint32(1)).Return(data, nil)
	provider.EXPECT().Chunk("a.txt", uint32(2)).Return(nil, errors.Wrap(ErrChunkNotFound, "a.txt#2"))
	provider.EXPECT().Chunk("a.txt", uint32(3)).Return(nil, errors.New("disk failure"))
	b.server.SetChunkProvider(provider)

	got, outcome, err := a.client.RequestChunk(ctx, b.contact(), "a.txt", 1)
	require.NoError(t, err)
	assert.False(t, outcome.HasError())
	assert.Equal(t, data, got)
	assert.Equal(t, 0, a.evictor.Failures(b.local.ID))

	_, outcome, err = a.client.RequestChunk(ctx, b.contact(), "a.txt", 2)
	require.NoError(t, err)
	assert.True(t, outcome.PeerError)
	assert.Contains(t, outcome.ErrorMessage, ErrCodeNotFound.String())

	_, outcome, err = a.client.RequestChunk(ctx, b.contact(), "a.txt", 3)
	require.NoError(t, err)
	assert.True(t, outcome.PeerError)
	assert.Equal(t, "internal error: read chunk failed", outcome.ErrorMessage)
}

func TestRPC_CorrelationMismatch(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	contact := fakePeer(t, func(req *Message) []byte {
		resp := reply(req, vnode.RandomPeerID(), &PongBody{})
		resp.CorrelationID++
		return encode(t, resp)
	})

	pong, outcome, err := a.client.Ping(context.Background(), contact)
	require.NoError(t, err)
	assert.Nil(t, pong)
	assert.True(t, outcome.CorrelationMismatch)
	assert.False(t, outcome.Timeout)
	assert.True(t, outcome.HasError())
	assert.Equal(t, 1, a.evictor.Failures(contact.ID))
	assert.Equal(t, 0, a.pool.Stats().Idle)
}

func TestRPC_ProtocolError(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	contact := fakePeer(t, func(req *Message) []byte {
		return []byte{0x42, 1, 2, 3}
	})

	_, _, err := a.client.Ping(context.Background(), contact)
	assert.True(t, errors.Is(err, ErrUnknownOp), "%v", err)
	assert.Equal(t, 0, a.evictor.Failures(contact.ID))
}

func TestRPC_SoftTimeout(t *testing.T) {
	a := newTestPeer(t, ClientConfig{
		PollAttempts:   2,
		PollInterval:   10 * time.Millisecond,
		ReceiveTimeout: 2 * time.Second,
	})

	slow := fakePeer(t, func(req *Message) []byte {
		time.Sleep(150 * time.Millisecond)
		return encode(t, reply(req, vnode.RandomPeerID(), &AckBody{}))
	})

	outcome, err := a.client.Store(context.Background(), slow, vnode.RandomPeerID(), []byte("v"))
	require.NoError(t, err)
	assert.False(t, outcome.HasError(), outcome.String())
}

func TestRPC_HardTimeout(t *testing.T) {
	a := newTestPeer(t, ClientConfig{
		PollAttempts:   2,
		PollInterval:   10 * time.Millisecond,
		ReceiveTimeout: 100 * time.Millisecond,
	})

	silent := fakePeer(t, func(req *Message) []byte {
		return nil
	})

	outcome, err := a.client.Store(context.Background(), silent, vnode.RandomPeerID(), []byte("v"))
	require.NoError(t, err)
	assert.True(t, outcome.Timeout)
	assert.Equal(t, 1, a.evictor.Failures(silent.ID))
	assert.Equal(t, connpool.Stats{Max: 8, Available: 8}, a.pool.Stats())
}

func TestRPC_Canceled(t *testing.T) {
	a := newTestPeer(t, ClientConfig{ReceiveTimeout: 5 * time.Second})
	silent := fakePeer(t, func(req *Message) []byte {
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.client.Store(ctx, silent, vnode.RandomPeerID(), []byte("v"))
	assert.True(t, asock.IsCanceled(err), "%v", err)
	assert.Equal(t, 0, a.evictor.Failures(silent.ID))
}

func TestServer_BadRequest(t *testing.T) {
	b := newTestPeer(t, ClientConfig{})

	sock, err := asock.Dial(context.Background(), b.contact().Endpoints()[0].String(), time.Second, asock.Options{})
	require.NoError(t, err)
	defer sock.Close()

	require.NoError(t, sock.Send(context.Background(), []byte{0x42}, time.Second))
	frame, err := sock.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	resp, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, OpLocalError, resp.Op())
	assert.Equal(t, ErrCodeUnsupported, resp.Body.(*ErrorBody).Code)

	// a response op is not a request
	data := encode(t, NewMessage(vnode.RandomPeerID(), &AckBody{}))
	require.NoError(t, sock.Send(context.Background(), data, time.Second))
	frame, err = sock.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	resp, err = Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, ErrCodeUnsupported, resp.Body.(*ErrorBody).Code)
}

func TestServer_GroupMismatch(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})

	id := vnode.RandomPeerID()
	table := NewTable(id, 0)
	b := NewServer(Local{ID: id, MachineID: "b"}, table, newMemStore(), ServerConfig{
		Learn: func(c *vnode.Contact, groups []string) bool {
			return false
		},
	})
	require.NoError(t, b.Start("127.0.0.1:0"))
	defer b.Stop()

	contact := vnode.NewContact(id, "b", b.Local().Port, loopback)
	_, outcome, err := a.client.Ping(context.Background(), contact)
	require.NoError(t, err)
	assert.True(t, outcome.PeerError)
	assert.Equal(t, ErrCodeGroupMismatch.String(), outcome.ErrorMessage)
	assert.Equal(t, 0, table.Size())
}

func TestRPC_PingAddress(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})
	b := newTestPeer(t, ClientConfig{})

	contact, groups, outcome, err := a.client.PingAddress(context.Background(), b.local.MachineID, loopback, b.local.Port)
	require.NoError(t, err)
	require.False(t, outcome.HasError(), outcome.String())
	require.NotNil(t, contact)

	assert.Equal(t, b.local.ID, contact.ID)
	assert.Equal(t, b.local.MachineID, contact.MachineID)
	assert.Equal(t, b.local.Port, contact.Port)
	assert.True(t, contact.LastActive().Equal(loopback))
	assert.Equal(t, []string{"g"}, groups)
}

func TestRPC_PingAddressUnreachable(t *testing.T) {
	a := newTestPeer(t, ClientConfig{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	contact, _, outcome, err := a.client.PingAddress(context.Background(), "gone", loopback, port)
	require.NoError(t, err)
	assert.Nil(t, contact)
	assert.True(t, outcome.HasError())
	assert.Equal(t, 0, a.evictor.Failures(vnode.ZERO))
}
