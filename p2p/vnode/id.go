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

package vnode

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// IDBits is the bit width of every PeerID.
const IDBits = 160

// IDLength is the byte length of every PeerID.
const IDLength = IDBits / 8

var errUnmatchedLength = errors.New("needs 40 hex chars")
var errIDOverflow = errors.New("integer does not fit in a peer id")

// ZERO is the zero-value of PeerID type
var ZERO PeerID

// PeerID identifies a node, it is a fixed width unsigned integer stored big-endian.
type PeerID [IDLength]byte

// RandomPeerID draws a PeerID from crypto/rand
func RandomPeerID() (id PeerID) {
	_, _ = rand.Read(id[:])
	return
}

// String return a hex coded string of PeerID
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Brief return the first 4 bytes hex coded
func (id PeerID) Brief() string {
	return id.String()[:8]
}

func (id PeerID) Bytes() []byte {
	return id[:]
}

// Big return the arbitrary-precision value of id
func (id PeerID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// IsZero validate whether a PeerID is zero-value
func (id PeerID) IsZero() bool {
	return id == ZERO
}

// Cmp compares id and id2 as unsigned integers
func (id PeerID) Cmp(id2 PeerID) int {
	return bytes.Compare(id[:], id2[:])
}

// FromBig convert a non-negative integer to PeerID
func FromBig(v *big.Int) (id PeerID, err error) {
	if v.Sign() < 0 || v.BitLen() > IDBits {
		return id, errIDOverflow
	}

	v.FillBytes(id[:])
	return
}

// Hex2PeerID parse a hex coded string to PeerID
func Hex2PeerID(str string) (id PeerID, err error) {
	buf, err := hex.DecodeString(strings.TrimPrefix(str, "0x"))
	if err != nil {
		return
	}

	return Bytes2PeerID(buf)
}

// Bytes2PeerID turn a slice to PeerID
func Bytes2PeerID(buf []byte) (id PeerID, err error) {
	if len(buf) != len(id) {
		return id, errUnmatchedLength
	}

	copy(id[:], buf)
	return
}

// Distance is the XOR metric, the result compares by unsigned magnitude with Cmp
func Distance(a, b PeerID) (d PeerID) {
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return
}

// CommonPrefixLen is the count of leading bits a and b share, from left to right, eg:
// a: 0000 1111
// b: 0100 0011
// CommonPrefixLen(a, b) == 1
func CommonPrefixLen(a, b PeerID) int {
	for i := range a {
		xor := a[i] ^ b[i]
		if xor == 0 {
			continue
		}

		n := i * 8
		for xor&0x80 == 0 {
			n++
			xor <<= 1
		}
		return n
	}

	return IDBits
}

// Closer reports whether a is strictly closer to target than b
func Closer(target, a, b PeerID) bool {
	return Distance(target, a).Cmp(Distance(target, b)) < 0
}

// RandFromPrefix generate a random PeerID sharing exactly prefix leading bits with id
func RandFromPrefix(id PeerID, prefix int) (rid PeerID) {
	if prefix >= IDBits {
		return id
	}
	if prefix < 0 {
		prefix = 0
	}

	rid = RandomPeerID()

	byt, bit := prefix/8, uint(prefix%8)
	copy(rid[:byt], id[:byt])

	// keep the left `bit` bits of id, flip the next one
	mask := byte(0xff) << (8 - bit)
	flip := byte(0x80) >> bit
	rid[byt] = (id[byt] & mask) | (rid[byt] &^ mask)
	rid[byt] = (rid[byt] &^ flip) | (^id[byt] & flip)

	return
}

// SortByDistance orders ids from near to far relative to target
func SortByDistance(target PeerID, ids []PeerID) {
	sort.Slice(ids, func(i, j int) bool {
		return Closer(target, ids[i], ids[j])
	})
}
