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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/meshsync/go-meshsync/p2p/asock"
	"github.com/meshsync/go-meshsync/p2p/vnode"
	"github.com/meshsync/go-meshsync/wire"
)

// Version is the protocol version carried by every frame, frames of other
// versions are rejected on decode
const Version uint32 = 1

// Op is the leading byte of every frame
type Op byte

const (
	OpPing Op = iota + 1
	OpPong
	OpStore
	OpFindNode
	OpNodes
	OpFindValue
	OpValue
	OpChunkRequest
	OpChunkData
	OpAck
	// OpLocalError marks an application error frame
	OpLocalError Op = 0xff
)

var opStrs = map[Op]string{
	OpPing:         "ping",
	OpPong:         "pong",
	OpStore:        "store",
	OpFindNode:     "findnode",
	OpNodes:        "nodes",
	OpFindValue:    "findvalue",
	OpValue:        "value",
	OpChunkRequest: "chunkrequest",
	OpChunkData:    "chunkdata",
	OpAck:          "ack",
	OpLocalError:   "error",
}

func (op Op) String() string {
	if str, ok := opStrs[op]; ok {
		return str
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

const maxContactsPerFrame = 64
const minCompressLength = 512

// maxPayloadLength bounds a decompressed payload
const maxPayloadLength = asock.DefaultMaxMessageSize

var (
	ErrVersionMismatch = errors.New("kad: protocol version mismatch")
	ErrUnknownOp       = errors.New("kad: unknown message operation")
	ErrMalformed       = errors.New("kad: malformed message")
)

// Body is the operation specific part of a Message
type Body interface {
	Op() Op
	encode(w *wire.Writer) error
	decode(r *wire.Reader) error
}

// Message is one request or response frame
type Message struct {
	Version       uint32
	CorrelationID uint32
	Sender        vnode.PeerID
	Body          Body
}

// NewMessage builds a message of the current version with a random correlation id
func NewMessage(sender vnode.PeerID, body Body) *Message {
	return &Message{
		Version:       Version,
		CorrelationID: randomCorrelationID(),
		Sender:        sender,
		Body:          body,
	}
}

// reply builds the response to m, it keeps the correlation id
func reply(m *Message, self vnode.PeerID, body Body) *Message {
	return &Message{
		Version:       Version,
		CorrelationID: m.CorrelationID,
		Sender:        self,
		Body:          body,
	}
}

func randomCorrelationID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (m *Message) Op() Op {
	return m.Body.Op()
}

// Encode serializes m: op, version, correlation id, sender, body
func (m *Message) Encode() ([]byte, error) {
	if m.Body == nil {
		return nil, errors.Wrap(ErrMalformed, "message without body")
	}

	w := wire.NewWriter()
	_ = w.WriteByte(byte(m.Body.Op()))
	_ = w.WriteUint32(m.Version)
	_ = w.WriteUint32(m.CorrelationID)
	if err := w.WriteBigInt(m.Sender.Big()); err != nil {
		return nil, err
	}

	if err := m.Body.encode(w); err != nil {
		return nil, errors.Wrapf(err, "encode %s", m.Body.Op())
	}

	return w.Bytes(), nil
}

func newBody(op Op) (Body, error) {
	switch op {
	case OpPing:
		return new(PingBody), nil
	case OpPong:
		return new(PongBody), nil
	case OpStore:
		return new(StoreBody), nil
	case OpFindNode:
		return new(FindNodeBody), nil
	case OpNodes:
		return new(NodesBody), nil
	case OpFindValue:
		return new(FindValueBody), nil
	case OpValue:
		return new(ValueBody), nil
	case OpChunkRequest:
		return new(ChunkRequestBody), nil
	case OpChunkData:
		return new(ChunkDataBody), nil
	case OpAck:
		return new(AckBody), nil
	case OpLocalError:
		return new(ErrorBody), nil
	default:
		return nil, errors.Wrapf(ErrUnknownOp, "op byte %d", byte(op))
	}
}

// Decode parses a frame. A foreign version fails with ErrVersionMismatch
// before the body is read.
func Decode(data []byte) (*Message, error) {
	r := wire.NewReader(data)

	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	op := Op(b)

	body, err := newBody(op)
	if err != nil {
		return nil, err
	}

	m := &Message{Body: body}
	if m.Version, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.Version != Version {
		return nil, errors.Wrapf(ErrVersionMismatch, "got %d, want %d", m.Version, Version)
	}

	if m.CorrelationID, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.Sender, err = readPeerID(r); err != nil {
		return nil, err
	}

	if err = body.decode(r); err != nil {
		return nil, errors.Wrapf(err, "decode %s", op)
	}
	if r.Remaining() > 0 {
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes after %s", r.Remaining(), op)
	}

	return m, nil
}

func writePeerID(w *wire.Writer, id vnode.PeerID) error {
	return w.WriteBigInt(id.Big())
}

func readPeerID(r *wire.Reader) (id vnode.PeerID, err error) {
	v, err := r.ReadBigInt()
	if err != nil {
		return
	}
	if id, err = vnode.FromBig(v); err != nil {
		err = errors.Wrap(ErrMalformed, err.Error())
	}
	return
}

func writeIPs(w *wire.Writer, ips []net.IP) error {
	return wire.WriteEnumerable(w, ips, func(w *wire.Writer, ip net.IP) error {
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		return w.WriteByteLengthPrefixedBytes(ip)
	})
}

func readIPs(r *wire.Reader) ([]net.IP, error) {
	return wire.ReadEnumerable(r, func(r *wire.Reader) (net.IP, error) {
		b, err := r.ReadByteLengthPrefixedBytes()
		if err != nil {
			return nil, err
		}
		if len(b) != net.IPv4len && len(b) != net.IPv6len {
			return nil, errors.Wrapf(ErrMalformed, "ip of %d bytes", len(b))
		}
		return net.IP(b), nil
	})
}

func writeStrings(w *wire.Writer, strs []string) error {
	return wire.WriteEnumerable(w, strs, (*wire.Writer).WriteUTF32String)
}

func readStrings(r *wire.Reader) ([]string, error) {
	return wire.ReadEnumerable(r, (*wire.Reader).ReadUTF32String)
}

// writePayload compresses data with snappy when it gets smaller
func writePayload(w *wire.Writer, data []byte) error {
	compressed := false
	if len(data) > minCompressLength {
		if enc := snappy.Encode(nil, data); len(enc) < len(data) {
			data = enc
			compressed = true
		}
	}

	_ = w.WriteBool(compressed)
	return w.WriteBytes(data)
}

func readPayload(r *wire.Reader) ([]byte, error) {
	compressed, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	data, err := r.ReadBytes()
	if err != nil || !compressed {
		return data, err
	}

	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if n > maxPayloadLength {
		return nil, errors.Wrapf(ErrMalformed, "payload of %d bytes", n)
	}

	if data, err = snappy.Decode(nil, data); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return data, nil
}

// announce is shared by Ping and Pong
type announce struct {
	MachineID string
	Port      uint32
	Groups    []string
	Addresses []net.IP
}

func (a *announce) encode(w *wire.Writer) error {
	if err := w.WriteASCIIString(a.MachineID); err != nil {
		return err
	}
	_ = w.WriteUint32(a.Port)
	if err := writeStrings(w, a.Groups); err != nil {
		return err
	}
	return writeIPs(w, a.Addresses)
}

func (a *announce) decode(r *wire.Reader) (err error) {
	if a.MachineID, err = r.ReadASCIIString(); err != nil {
		return
	}
	if a.Port, err = r.ReadUint32(); err != nil {
		return
	}
	if a.Groups, err = readStrings(r); err != nil {
		return
	}
	a.Addresses, err = readIPs(r)
	return
}

// PingBody introduces the sender, the receiver answers with PongBody
type PingBody struct {
	announce
}

func (*PingBody) Op() Op { return OpPing }

type PongBody struct {
	announce
}

func (*PongBody) Op() Op { return OpPong }

// StoreBody asks the receiver to keep Value under Key
type StoreBody struct {
	Key   vnode.PeerID
	Value []byte
}

func (*StoreBody) Op() Op { return OpStore }

func (s *StoreBody) encode(w *wire.Writer) error {
	if err := writePeerID(w, s.Key); err != nil {
		return err
	}
	return writePayload(w, s.Value)
}

func (s *StoreBody) decode(r *wire.Reader) (err error) {
	if s.Key, err = readPeerID(r); err != nil {
		return
	}
	s.Value, err = readPayload(r)
	return
}

type FindNodeBody struct {
	Target vnode.PeerID
	Count  uint16
}

func (*FindNodeBody) Op() Op { return OpFindNode }

func (f *FindNodeBody) encode(w *wire.Writer) error {
	if err := writePeerID(w, f.Target); err != nil {
		return err
	}
	return w.WriteUint16(f.Count)
}

func (f *FindNodeBody) decode(r *wire.Reader) (err error) {
	if f.Target, err = readPeerID(r); err != nil {
		return
	}
	f.Count, err = r.ReadUint16()
	return
}

// ContactInfo is the wire form of a contact
type ContactInfo struct {
	ID        vnode.PeerID
	MachineID string
	Port      uint32
	Addresses []net.IP
}

func NewContactInfo(c *vnode.Contact) ContactInfo {
	return ContactInfo{
		ID:        c.ID,
		MachineID: c.MachineID,
		Port:      uint32(c.Port),
		Addresses: c.CandidateAddrs(),
	}
}

func (ci ContactInfo) Contact() *vnode.Contact {
	return vnode.NewContact(ci.ID, ci.MachineID, int(ci.Port), ci.Addresses...)
}

func writeContacts(w *wire.Writer, contacts []ContactInfo) error {
	if len(contacts) > maxContactsPerFrame {
		contacts = contacts[:maxContactsPerFrame]
	}

	return wire.WriteEnumerable(w, contacts, func(w *wire.Writer, ci ContactInfo) error {
		if err := writePeerID(w, ci.ID); err != nil {
			return err
		}
		if err := w.WriteASCIIString(ci.MachineID); err != nil {
			return err
		}
		_ = w.WriteUint32(ci.Port)
		return writeIPs(w, ci.Addresses)
	})
}

func readContacts(r *wire.Reader) ([]ContactInfo, error) {
	contacts, err := wire.ReadEnumerable(r, func(r *wire.Reader) (ci ContactInfo, err error) {
		if ci.ID, err = readPeerID(r); err != nil {
			return
		}
		if ci.MachineID, err = r.ReadASCIIString(); err != nil {
			return
		}
		if ci.Port, err = r.ReadUint32(); err != nil {
			return
		}
		ci.Addresses, err = readIPs(r)
		return
	})
	if err != nil {
		return nil, err
	}
	if len(contacts) > maxContactsPerFrame {
		return nil, errors.Wrapf(ErrMalformed, "%d contacts in one frame", len(contacts))
	}
	return contacts, nil
}

// NodesBody answers FindNode with the closest known contacts
type NodesBody struct {
	Contacts []ContactInfo
}

func (*NodesBody) Op() Op { return OpNodes }

func (n *NodesBody) encode(w *wire.Writer) error {
	return writeContacts(w, n.Contacts)
}

func (n *NodesBody) decode(r *wire.Reader) (err error) {
	n.Contacts, err = readContacts(r)
	return
}

type FindValueBody struct {
	Key vnode.PeerID
}

func (*FindValueBody) Op() Op { return OpFindValue }

func (f *FindValueBody) encode(w *wire.Writer) error {
	return writePeerID(w, f.Key)
}

func (f *FindValueBody) decode(r *wire.Reader) (err error) {
	f.Key, err = readPeerID(r)
	return
}

// ValueBody answers FindValue. Without the value it carries closer contacts.
type ValueBody struct {
	Found    bool
	Value    []byte
	Contacts []ContactInfo
}

func (*ValueBody) Op() Op { return OpValue }

func (v *ValueBody) encode(w *wire.Writer) error {
	_ = w.WriteBool(v.Found)
	if v.Found {
		return writePayload(w, v.Value)
	}
	return writeContacts(w, v.Contacts)
}

func (v *ValueBody) decode(r *wire.Reader) (err error) {
	if v.Found, err = r.ReadBool(); err != nil {
		return
	}
	if v.Found {
		v.Value, err = readPayload(r)
		return
	}
	v.Contacts, err = readContacts(r)
	return
}

// ChunkRequestBody asks for one chunk of a file
type ChunkRequestBody struct {
	File  string
	Index uint32
}

func (*ChunkRequestBody) Op() Op { return OpChunkRequest }

func (c *ChunkRequestBody) encode(w *wire.Writer) error {
	if err := w.WriteUTF32String(c.File); err != nil {
		return err
	}
	return w.WriteUint32(c.Index)
}

func (c *ChunkRequestBody) decode(r *wire.Reader) (err error) {
	if c.File, err = r.ReadUTF32String(); err != nil {
		return
	}
	c.Index, err = r.ReadUint32()
	return
}

type ChunkDataBody struct {
	File  string
	Index uint32
	Data  []byte
}

func (*ChunkDataBody) Op() Op { return OpChunkData }

func (c *ChunkDataBody) encode(w *wire.Writer) error {
	if err := w.WriteUTF32String(c.File); err != nil {
		return err
	}
	_ = w.WriteUint32(c.Index)
	return writePayload(w, c.Data)
}

func (c *ChunkDataBody) decode(r *wire.Reader) (err error) {
	if c.File, err = r.ReadUTF32String(); err != nil {
		return
	}
	if c.Index, err = r.ReadUint32(); err != nil {
		return
	}
	c.Data, err = readPayload(r)
	return
}

// AckBody confirms a Store
type AckBody struct{}

func (*AckBody) Op() Op { return OpAck }

func (*AckBody) encode(*wire.Writer) error { return nil }

func (*AckBody) decode(*wire.Reader) error { return nil }

// ErrorBody is sent in place of the expected response
type ErrorBody struct {
	Code    ErrorCode
	Message string
}

func (*ErrorBody) Op() Op { return OpLocalError }

func (e *ErrorBody) encode(w *wire.Writer) error {
	_ = w.WriteByte(byte(e.Code))
	return w.WriteUTF32String(e.Message)
}

func (e *ErrorBody) decode(r *wire.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	e.Code = ErrorCode(b)
	e.Message, err = r.ReadUTF32String()
	return err
}

func (e *ErrorBody) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Message
}
