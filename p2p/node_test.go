package p2p

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/meshsync/go-meshsync/p2p/connpool"
	"github.com/meshsync/go-meshsync/p2p/kad"
	"github.com/meshsync/go-meshsync/p2p/vnode"
)

var loopback = net.IPv4(127, 0, 0, 1).To4()

var machineSeq atomic.Int32

func testConfig(dataDir string) Config {
	return Config{
		DataDir:       dataDir,
		ListenAddress: "127.0.0.1:0",
		Addresses:     []string{"127.0.0.1"},
		Pool:          connpool.Config{MaxSockets: 8},
	}
}

func newTestNode(t *testing.T, cfg Config, groups ...string) *Node {
	set := mapset.NewSet()
	for _, g := range groups {
		set.Add(g)
	}

	n, err := New(cfg, "machine-"+strconv.Itoa(int(machineSeq.Inc())), set)
	require.NoError(t, err)
	require.NoError(t, n.Start())

	t.Cleanup(func() {
		_ = n.Stop()
	})

	return n
}

func contactOf(n *Node) *vnode.Contact {
	return vnode.NewContact(n.ID(), n.MachineID(), n.Local().Port, loopback)
}

func knows(n *Node, id vnode.PeerID) func() bool {
	return func() bool {
		return n.table.Resolve(id) != nil
	}
}

func TestNew_MissingMachineID(t *testing.T) {
	_, err := New(Config{}, "", nil)
	assert.Error(t, err)
}

func TestNode_StartStop(t *testing.T) {
	n, err := New(testConfig(""), "machine-a", nil)
	require.NoError(t, err)

	require.NoError(t, n.Start())
	assert.Error(t, n.Start())
	assert.NotZero(t, n.Local().Port)
	assert.Equal(t, []net.IP{loopback}, n.Local().Addresses)

	require.NoError(t, n.Stop())
	assert.Error(t, n.Stop())

	_, err = n.TryFindAllNodes(context.Background())
	assert.Error(t, err)
}

func TestNode_Discovered(t *testing.T) {
	a := newTestNode(t, testConfig(""), "g")
	b := newTestNode(t, testConfig(""), "g", "h")

	b.onDiscovered(a.MachineID(), loopback, a.Local().Port)

	require.Eventually(t, knows(b, a.ID()), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, knows(a, b.ID()), 2*time.Second, 10*time.Millisecond)

	online := b.OnlineContacts()
	require.Len(t, online, 1)
	assert.Equal(t, a.MachineID(), online[0].MachineID)
	assert.True(t, online[0].LastActive().Equal(loopback))
}

func TestNode_GroupMismatch(t *testing.T) {
	a := newTestNode(t, testConfig(""), "x")
	b := newTestNode(t, testConfig(""), "y")

	b.onDiscovered(a.MachineID(), loopback, a.Local().Port)

	assert.Never(t, func() bool {
		return a.table.Size() > 0 || b.table.Size() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestNode_MatchGroups(t *testing.T) {
	n, err := New(testConfig(""), "machine-a", mapset.NewSetFromSlice([]interface{}{"a", "b"}))
	require.NoError(t, err)

	assert.True(t, n.matchGroups([]string{"b", "c"}))
	assert.True(t, n.matchGroups(nil))
	assert.False(t, n.matchGroups([]string{"c"}))

	n, err = New(testConfig(""), "machine-a", nil)
	require.NoError(t, err)
	assert.True(t, n.matchGroups([]string{"c"}))
}

func TestNode_TryFindAllNodes(t *testing.T) {
	a := newTestNode(t, testConfig(""))
	b := newTestNode(t, testConfig(""))
	c := newTestNode(t, testConfig(""))

	c.onDiscovered(b.MachineID(), loopback, b.Local().Port)
	require.Eventually(t, knows(b, c.ID()), 2*time.Second, 10*time.Millisecond)

	a.addContact(contactOf(b))

	online, err := a.TryFindAllNodes(context.Background())
	require.NoError(t, err)

	ids := make(map[vnode.PeerID]bool)
	for _, contact := range online {
		ids[contact.ID] = true
	}
	assert.True(t, ids[b.ID()])
	assert.True(t, ids[c.ID()])
	assert.False(t, ids[a.ID()])
}

func TestNode_EvictDeadContact(t *testing.T) {
	cfg := testConfig("")
	cfg.EvictThreshold = 2
	a := newTestNode(t, cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	dead := vnode.NewContact(vnode.RandomPeerID(), "dead", port, loopback)
	a.addContact(dead)
	require.NoError(t, a.db.StoreContact(dead))

	for i := 0; i < 2; i++ {
		outcome, err := a.Ping(context.Background(), dead)
		require.NoError(t, err)
		assert.True(t, outcome.HasError())
	}

	assert.Nil(t, a.table.Resolve(dead.ID))
	_, err = a.db.RetrieveContact(dead.ID)
	assert.Error(t, err)
}

func TestNode_Persist(t *testing.T) {
	dir := t.TempDir()

	a := newTestNode(t, testConfig(""))

	b, err := New(testConfig(dir), "machine-b", nil)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	id := b.ID()

	outcome, err := b.Ping(context.Background(), contactOf(a))
	require.NoError(t, err)
	require.False(t, outcome.HasError(), outcome.String())
	b.addContact(contactOf(a))
	b.table.Resolve(a.ID()).MarkActive(loopback)
	require.NoError(t, b.Stop())

	require.NoError(t, b.Start())
	defer b.Stop()

	assert.Equal(t, id, b.ID())
	restored := b.table.Resolve(a.ID())
	require.NotNil(t, restored)
	assert.Equal(t, a.Local().Port, restored.Port)
	assert.True(t, restored.LastActive().Equal(loopback))
}

func TestNode_StoreFindValue(t *testing.T) {
	a := newTestNode(t, testConfig(""))
	b := newTestNode(t, testConfig(""))

	key := vnode.RandomPeerID()
	outcome, err := a.Store(context.Background(), contactOf(b), key, []byte("value"))
	require.NoError(t, err)
	require.False(t, outcome.HasError(), outcome.String())

	value, outcome, err := a.FindValue(context.Background(), contactOf(b), key)
	require.NoError(t, err)
	require.False(t, outcome.HasError(), outcome.String())
	assert.True(t, value.Found)
	assert.Equal(t, []byte("value"), value.Value)
}

func TestNode_RequestChunk(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	provider := kad.NewMockChunkProvider(ctrl)
	provider.EXPECT().Chunk("file", uint32(2)).Return([]byte("chunk"), nil)

	a := newTestNode(t, testConfig(""))
	a.SetChunkProvider(provider)
	b := newTestNode(t, testConfig(""))

	data, outcome, err := b.RequestChunk(context.Background(), contactOf(a), "file", 2)
	require.NoError(t, err)
	require.False(t, outcome.HasError(), outcome.String())
	assert.Equal(t, []byte("chunk"), data)
	assert.Equal(t, 0, b.Stats().Leased)
}

func TestConfig_PeerID(t *testing.T) {
	cfg := testConfig(t.TempDir())

	id, err := cfg.peerID()
	require.NoError(t, err)
	id2, err := cfg.peerID()
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	cfg.DataDir = ""
	id3, err := cfg.peerID()
	require.NoError(t, err)
	assert.NotEqual(t, id, id3)
}
