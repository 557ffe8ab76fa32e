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

// Package wire implements the compact binary format shared by every UDP and TCP
// payload: fixed width big-endian integers, length-prefixed strings and byte slices,
// arbitrary-precision integers and counted sequences.
package wire

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// MaxShortLength is the largest payload a one-byte length prefix can describe.
const MaxShortLength = 255

// DefaultMaxElements bounds counted sequences and long byte strings on the read side.
const DefaultMaxElements = 1 << 20

var (
	ErrEndOfStream  = errors.New("wire: unexpected end of stream")
	ErrTooLong      = errors.New("wire: value too long for its length prefix")
	ErrNotASCII     = errors.New("wire: string contains non-ASCII characters")
	ErrInvalidASCII = errors.New("wire: decoded bytes are not valid ASCII")
	ErrInvalidRune  = errors.New("wire: invalid UTF-32 code point")
	ErrInvalidUTF8  = errors.New("wire: string is not valid UTF-8")
	ErrInvalidBool  = errors.New("wire: invalid boolean byte")
	ErrNegative     = errors.New("wire: negative big integer")
	ErrTooMany      = errors.New("wire: element count exceeds limit")
)

// Writer appends encoded values to an in-memory buffer.
// The zero value is ready to use.
type Writer struct {
	buf bytes.Buffer
	tmp [8]byte
}

func NewWriter() *Writer {
	return new(Writer)
}

// Bytes return the encoded data, the slice aliases the internal buffer.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len is the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

func (w *Writer) Reset() {
	w.buf.Reset()
}

func (w *Writer) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

func (w *Writer) WriteUint16(v uint16) error {
	binary.BigEndian.PutUint16(w.tmp[:2], v)
	_, err := w.buf.Write(w.tmp[:2])
	return err
}

func (w *Writer) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(w.tmp[:4], v)
	_, err := w.buf.Write(w.tmp[:4])
	return err
}

func (w *Writer) WriteUint64(v uint64) error {
	binary.BigEndian.PutUint64(w.tmp[:8], v)
	_, err := w.buf.Write(w.tmp[:8])
	return err
}

func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

// WriteBigInt writes a non-negative integer as a 2-byte length followed by
// its big-endian magnitude.
func (w *Writer) WriteBigInt(v *big.Int) error {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		return ErrNegative
	}

	mag := v.Bytes()
	if len(mag) > 0xffff {
		return errors.Wrapf(ErrTooLong, "big integer of %d bytes", len(mag))
	}

	if err := w.WriteUint16(uint16(len(mag))); err != nil {
		return err
	}
	_, err := w.buf.Write(mag)
	return err
}

// WriteBytes writes data with a 4-byte length prefix.
func (w *Writer) WriteBytes(data []byte) error {
	if uint64(len(data)) > 0xffffffff {
		return errors.Wrapf(ErrTooLong, "%d bytes", len(data))
	}
	if err := w.WriteUint32(uint32(len(data))); err != nil {
		return err
	}
	_, err := w.buf.Write(data)
	return err
}

// WriteByteLengthPrefixedBytes writes data with a 1-byte length prefix,
// data longer than MaxShortLength is rejected.
func (w *Writer) WriteByteLengthPrefixedBytes(data []byte) error {
	if len(data) > MaxShortLength {
		return errors.Wrapf(ErrTooLong, "%d bytes", len(data))
	}
	if err := w.WriteByte(byte(len(data))); err != nil {
		return err
	}
	_, err := w.buf.Write(data)
	return err
}

// WriteASCIIString writes a 7-bit ASCII string with a 1-byte length prefix.
func (w *Writer) WriteASCIIString(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return errors.Wrapf(ErrNotASCII, "byte 0x%x at offset %d", s[i], i)
		}
	}
	return w.WriteByteLengthPrefixedBytes([]byte(s))
}

// WriteUTF32String writes the rune count as 4 bytes, then every rune as 4 bytes.
func (w *Writer) WriteUTF32String(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}

	if err := w.WriteUint32(uint32(utf8.RuneCountInString(s))); err != nil {
		return err
	}
	for _, r := range s {
		if err := w.WriteUint32(uint32(r)); err != nil {
			return err
		}
	}
	return nil
}

// WriteEnumerable writes a 4-byte element count followed by every element.
func WriteEnumerable[T any](w *Writer, items []T, fn func(*Writer, T) error) error {
	if err := w.WriteUint32(uint32(len(items))); err != nil {
		return err
	}
	for i, item := range items {
		if err := fn(w, item); err != nil {
			return errors.Wrapf(err, "element %d", i)
		}
	}
	return nil
}

// Reader decodes values from a byte slice and tracks the read position.
type Reader struct {
	data []byte
	pos  int

	// MaxElements bounds counted sequences and 4-byte prefixed byte strings.
	MaxElements int
}

func NewReader(data []byte) *Reader {
	return &Reader{
		data:        data,
		MaxElements: DefaultMaxElements,
	}
}

// Pos is the number of bytes consumed so far.
func (r *Reader) Pos() int {
	return r.pos
}

// Remaining is the number of bytes not consumed yet.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, errors.Wrapf(ErrEndOfStream, "need %d bytes at offset %d, have %d", n, r.pos, r.Remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, errors.Wrapf(ErrInvalidBool, "0x%x at offset %d", b, r.pos-1)
}

func (r *Reader) ReadBigInt() (*big.Int, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	mag, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(mag), nil
}

// ReadBytes reads a 4-byte length prefixed byte string, the result is a copy.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if r.MaxElements > 0 && uint64(n) > uint64(r.MaxElements) {
		return nil, errors.Wrapf(ErrTooMany, "byte string of %d bytes", n)
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *Reader) ReadByteLengthPrefixedBytes() ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (r *Reader) ReadASCIIString() (string, error) {
	start := r.pos
	b, err := r.ReadByteLengthPrefixedBytes()
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c > 0x7f {
			return "", errors.Wrapf(ErrInvalidASCII, "byte 0x%x at offset %d", c, start+1+i)
		}
	}
	return string(b), nil
}

func (r *Reader) ReadUTF32String() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if uint64(n)*4 > uint64(r.Remaining()) {
		return "", errors.Wrapf(ErrEndOfStream, "%d runes at offset %d", n, r.pos)
	}

	runes := make([]rune, n)
	for i := range runes {
		v, err := r.ReadUint32()
		if err != nil {
			return "", err
		}
		if v > utf8.MaxRune || !utf8.ValidRune(rune(v)) {
			return "", errors.Wrapf(ErrInvalidRune, "0x%x", v)
		}
		runes[i] = rune(v)
	}
	return string(runes), nil
}

// ReadEnumerable reads a 4-byte count then count elements with fn.
func ReadEnumerable[T any](r *Reader, fn func(*Reader) (T, error)) ([]T, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if r.MaxElements > 0 && uint64(n) > uint64(r.MaxElements) {
		return nil, errors.Wrapf(ErrTooMany, "%d elements", n)
	}
	// every element takes at least one byte
	if int64(n) > int64(r.Remaining()) {
		return nil, errors.Wrapf(ErrEndOfStream, "%d elements with %d bytes left", n, r.Remaining())
	}

	items := make([]T, 0, n)
	for i := uint32(0); i < n; i++ {
		item, err := fn(r)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		items = append(items, item)
	}
	return items, nil
}
