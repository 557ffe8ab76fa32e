package kad

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meshsync/go-meshsync/p2p/vnode"
)

func TestEvictor_Threshold(t *testing.T) {
	var evicted []vnode.PeerID
	e := NewEvictor(3, time.Minute, func(id vnode.PeerID) {
		evicted = append(evicted, id)
	})

	id := vnode.RandomPeerID()
	assert.Equal(t, 1, e.RecordFailure(id))
	assert.Equal(t, 2, e.RecordFailure(id))
	assert.Empty(t, evicted)

	assert.Equal(t, 3, e.RecordFailure(id))
	assert.Equal(t, []vnode.PeerID{id}, evicted)
	assert.Equal(t, 0, e.Failures(id))
}

func TestEvictor_Reset(t *testing.T) {
	e := NewEvictor(2, time.Minute, nil)
	id := vnode.RandomPeerID()

	e.RecordFailure(id)
	e.ResetFailures(id)
	assert.Equal(t, 0, e.Failures(id))
	assert.Equal(t, 1, e.RecordFailure(id))
}

func TestEvictor_Decay(t *testing.T) {
	e := NewEvictor(2, 50*time.Millisecond, nil)
	id := vnode.RandomPeerID()

	e.RecordFailure(id)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, e.Failures(id))
	assert.Equal(t, 1, e.RecordFailure(id))
}

func TestEvictor_Concurrent(t *testing.T) {
	e := NewEvictor(10000, time.Minute, nil)
	id := vnode.RandomPeerID()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.RecordFailure(id)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = e.Failures(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 400, e.Failures(id))

	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			e.RecordFailure(id)
		}
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			e.ResetFailures(id)
		}
	}()
	wg.Wait()

	e.ResetFailures(id)
	assert.Equal(t, 0, e.Failures(id))
	assert.LessOrEqual(t, e.RecordFailure(id), 1)
}
