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

// Package database persists contacts and stored values in leveldb
package database

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/meshsync/go-meshsync/p2p/vnode"
	"github.com/meshsync/go-meshsync/wire"
)

var dbLog = log15.New("module", "database")

// key -> value
// version -> version
// contact:data:ID -> contact	// machine id, port, addresses
// contact:active:ID -> int64	// last seen time, easy to compare time and clean
// value:KEY -> value			// values stored by peers
var (
	versionKey          = []byte("version")
	contactDataPrefix   = []byte("contact:data:")
	contactActivePrefix = []byte("contact:active:")
	valuePrefix         = []byte("value:")
)

// DB is the node database, a leveldb in memory when path is empty
type DB struct {
	*leveldb.DB
	id vnode.PeerID
}

func New(path string, version int, id vnode.PeerID) (db *DB, err error) {
	if path == "" {
		db, err = newMemDB(id)
	} else {
		db, err = newFileDB(path, version, id)
	}

	if err != nil {
		return nil, err
	}

	return
}

func newMemDB(id vnode.PeerID) (*DB, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &DB{
		DB: ldb,
		id: id,
	}, nil
}

// newFileDB opens the database at path, it is recreated when it was written
// by another version
func newFileDB(path string, version int, id vnode.PeerID) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if _, ok := err.(*lerrors.ErrCorrupted); ok {
		dbLog.Warn("recover corrupted database", "path", path, "err", err)
		ldb, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	vBytes := encodeVarint(int64(version))
	oldVBytes, err := ldb.Get(versionKey, nil)

	if err == leveldb.ErrNotFound {
		err = ldb.Put(versionKey, vBytes, nil)

		if err != nil {
			_ = ldb.Close()
			return nil, err
		}
		return &DB{
			DB: ldb,
			id: id,
		}, nil
	} else if err == nil {
		if bytes.Equal(oldVBytes, vBytes) {
			return &DB{
				DB: ldb,
				id: id,
			}, nil
		}

		dbLog.Info("database version changed, recreate it", "path", path, "old", decodeVarint(oldVBytes), "new", version)
		_ = ldb.Close()
		err = os.RemoveAll(path)
		if err != nil {
			return nil, err
		}
		return newFileDB(path, version, id)
	}

	return nil, err
}

func decodeVarint(varint []byte) int64 {
	i, n := binary.Varint(varint)
	if n <= 0 {
		return 0
	}
	return i
}

func encodeVarint(i int64) []byte {
	data := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(data, i)
	return data[:n]
}

func makeKey(prefix []byte, id []byte) []byte {
	key := make([]byte, len(prefix)+len(id))
	copy(key, prefix)
	copy(key[len(prefix):], id)
	return key
}

func encodeContact(c *vnode.Contact) ([]byte, error) {
	w := wire.NewWriter()
	_ = w.WriteByteLengthPrefixedBytes(c.ID.Bytes())
	if err := w.WriteASCIIString(c.MachineID); err != nil {
		return nil, err
	}
	_ = w.WriteUint32(uint32(c.Port))

	err := wire.WriteEnumerable(w, c.CandidateAddrs(), func(w *wire.Writer, ip net.IP) error {
		return w.WriteByteLengthPrefixedBytes(ip)
	})
	if err != nil {
		return nil, err
	}

	return w.Bytes(), nil
}

// decodeContact restores a contact, the first address is the last active one
func decodeContact(data []byte) (c *vnode.Contact, err error) {
	r := wire.NewReader(data)

	b, err := r.ReadByteLengthPrefixedBytes()
	if err != nil {
		return
	}
	id, err := vnode.Bytes2PeerID(b)
	if err != nil {
		return
	}

	machineID, err := r.ReadASCIIString()
	if err != nil {
		return
	}
	port, err := r.ReadUint32()
	if err != nil {
		return
	}

	addrs, err := wire.ReadEnumerable(r, func(r *wire.Reader) (net.IP, error) {
		b, err := r.ReadByteLengthPrefixedBytes()
		return net.IP(b), err
	})
	if err != nil {
		return
	}

	c = vnode.NewContact(id, machineID, int(port), addrs...)
	if len(addrs) > 0 {
		c.MarkActive(addrs[0])
	}
	return c, nil
}

// RetrieveContact return the contact stored with id, with its last seen time
func (db *DB) RetrieveContact(id vnode.PeerID) (c *vnode.Contact, err error) {
	data, err := db.Get(makeKey(contactDataPrefix, id.Bytes()), nil)
	if err != nil {
		return
	}

	c, err = decodeContact(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode contact %s", id.Brief())
	}

	c.SetLastSeen(time.Unix(db.retrieveInt64(makeKey(contactActivePrefix, id.Bytes())), 0))
	return
}

// StoreContact keeps c and its last seen time
func (db *DB) StoreContact(c *vnode.Contact) error {
	if c.ID == db.id {
		return nil
	}

	data, err := encodeContact(c)
	if err != nil {
		return err
	}

	id := c.ID.Bytes()
	batch := new(leveldb.Batch)
	batch.Put(makeKey(contactDataPrefix, id), data)
	batch.Put(makeKey(contactActivePrefix, id), encodeVarint(c.LastSeen().Unix()))

	return db.Write(batch, nil)
}

// RemoveContact delete data about the specific PeerID
func (db *DB) RemoveContact(id vnode.PeerID) {
	batch := new(leveldb.Batch)
	batch.Delete(makeKey(contactDataPrefix, id.Bytes()))
	batch.Delete(makeKey(contactActivePrefix, id.Bytes()))

	_ = db.Write(batch, nil)
}

// ReadContacts return at most count contacts seen within maxAge, older ones are removed
func (db *DB) ReadContacts(count int, maxAge time.Duration) []*vnode.Contact {
	itr := db.NewIterator(util.BytesPrefix(contactActivePrefix), nil)
	defer itr.Release()

	contacts := make([]*vnode.Contact, 0, count)
	now := time.Now()
	prefixLen := len(contactActivePrefix)

	for itr.Next() {
		key := itr.Key()
		id, err := vnode.Bytes2PeerID(key[prefixLen:])
		if err != nil {
			_ = db.Delete(key, nil)
			continue
		}

		if now.Sub(time.Unix(decodeVarint(itr.Value()), 0)) > maxAge {
			db.RemoveContact(id)
			continue
		}

		c, err := db.RetrieveContact(id)
		if err != nil {
			db.RemoveContact(id)
			continue
		}

		contacts = append(contacts, c)

		if len(contacts) >= count {
			break
		}
	}

	return contacts
}

// Clean removes contacts not seen within expiration
func (db *DB) Clean(expiration time.Duration) (removed int) {
	itr := db.NewIterator(util.BytesPrefix(contactActivePrefix), nil)
	defer itr.Release()

	now := time.Now()
	prefixLen := len(contactActivePrefix)

	for itr.Next() {
		key := itr.Key()
		id, err := vnode.Bytes2PeerID(key[prefixLen:])
		if err != nil {
			_ = db.Delete(key, nil)
			continue
		}

		if now.Sub(time.Unix(decodeVarint(itr.Value()), 0)) > expiration {
			db.RemoveContact(id)
			removed++
		}
	}

	return
}

func (db *DB) retrieveInt64(key []byte) int64 {
	buf, err := db.Get(key, nil)
	if err != nil {
		return 0
	}

	return decodeVarint(buf)
}

func (db *DB) StoreValue(key vnode.PeerID, value []byte) error {
	return db.Put(makeKey(valuePrefix, key.Bytes()), value, nil)
}

// RetrieveValue return nil, nil if key is unknown
func (db *DB) RetrieveValue(key vnode.PeerID) ([]byte, error) {
	value, err := db.Get(makeKey(valuePrefix, key.Bytes()), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return value, err
}
