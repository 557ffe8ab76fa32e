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
	"github.com/pkg/errors"

	"github.com/meshsync/go-meshsync/p2p/vnode"
)

//go:generate mockgen -destination=mock_provider.go -package=kad github.com/meshsync/go-meshsync/p2p/kad ChunkProvider

// ErrChunkNotFound is returned by a ChunkProvider which does not have the chunk
var ErrChunkNotFound = errors.New("kad: chunk not found")

// ChunkProvider serves file chunks to remote peers
type ChunkProvider interface {
	Chunk(file string, index uint32) ([]byte, error)
}

// ValueStore keeps the values peers Store with us.
// RetrieveValue return nil, nil for a missing key.
type ValueStore interface {
	StoreValue(key vnode.PeerID, value []byte) error
	RetrieveValue(key vnode.PeerID) ([]byte, error)
}
