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

package discovery

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/meshsync/go-meshsync/wire"
)

// ProtocolVersion of discovery packets, packets of other versions are ignored
const ProtocolVersion uint32 = 1

// a packet is far smaller than one MTU
const maxPacketLength = 512

var errUnknownTag = errors.New("discovery: unknown packet tag")
var errTrailingBytes = errors.New("discovery: trailing bytes")

// Tag tells announcements from queries
type Tag byte

const (
	// Announce tells the receivers about the sender
	Announce Tag = 1
	// Query asks the receivers to announce themselves to the sender
	Query Tag = 2
)

func (t Tag) String() string {
	switch t {
	case Announce:
		return "announce"
	case Query:
		return "query"
	default:
		return fmt.Sprintf("tag(%d)", byte(t))
	}
}

// Packet is one UDP datagram
type Packet struct {
	Tag       Tag
	MessageID uint32
	Version   uint32
	MachineID string
	TCPPort   uint32
}

func (p *Packet) Encode() ([]byte, error) {
	w := wire.NewWriter()
	_ = w.WriteByte(byte(p.Tag))
	_ = w.WriteUint32(p.MessageID)
	_ = w.WriteUint32(p.Version)
	if err := w.WriteASCIIString(p.MachineID); err != nil {
		return nil, err
	}
	_ = w.WriteUint32(p.TCPPort)

	return w.Bytes(), nil
}

func DecodePacket(data []byte) (p *Packet, err error) {
	r := wire.NewReader(data)
	p = new(Packet)

	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	p.Tag = Tag(b)
	if p.Tag != Announce && p.Tag != Query {
		return nil, errors.Wrap(errUnknownTag, p.Tag.String())
	}

	if p.MessageID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if p.Version, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if p.MachineID, err = r.ReadASCIIString(); err != nil {
		return nil, err
	}
	if p.TCPPort, err = r.ReadUint32(); err != nil {
		return nil, err
	}

	if r.Remaining() > 0 {
		return nil, errors.Wrapf(errTrailingBytes, "%d bytes", r.Remaining())
	}

	return p, nil
}
