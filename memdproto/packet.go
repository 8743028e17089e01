/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package memdproto implements framing for the memcached binary protocol used
// to talk to the data service.  Every operation kind shares the same 24 byte
// header and only differs in the layout of its extras.
package memdproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/couchbase/gocbcore/v10/memd"
)

const (
	// HeaderLength is the size of the fixed packet header.
	HeaderLength = 24

	// MaxKeyLength is the longest key the data service accepts.
	MaxKeyLength = 250

	// MaxExtrasLength is bounded by the single byte extlen header field.
	MaxExtrasLength = 255

	// MaxBodyLength is the sanity ceiling applied to the body of any packet,
	// it matches the largest document plus some room for extras and key.
	MaxBodyLength = 20*1024*1024 + 1024
)

var (
	ErrPayloadTooLarge = errors.New("packet payload too large")
	ErrMalformed       = errors.New("malformed packet")
	ErrIncomplete      = errors.New("incomplete packet")
)

// Packet is a single decoded memcached binary protocol packet.  Vbucket is
// only meaningful for requests and Status only for responses, they share
// the same slot on the wire.
type Packet struct {
	Magic    memd.CmdMagic
	Command  memd.CmdCode
	Datatype uint8
	Vbucket  uint16
	Status   memd.StatusCode
	Opaque   uint32
	Cas      uint64
	Extras   []byte
	Key      []byte
	Value    []byte
}

func (p *Packet) IsResponse() bool {
	return p.Magic == memd.CmdMagicRes
}

// BodyLength validates the packet sizes and returns the total_body_length
// header value that would be written for it.
func (p *Packet) BodyLength() (int, error) {
	if len(p.Key) > MaxKeyLength {
		return 0, fmt.Errorf("%w: key length %d exceeds %d", ErrPayloadTooLarge, len(p.Key), MaxKeyLength)
	}
	if len(p.Extras) > MaxExtrasLength {
		return 0, fmt.Errorf("%w: extras length %d exceeds %d", ErrPayloadTooLarge, len(p.Extras), MaxExtrasLength)
	}

	bodyLen := len(p.Extras) + len(p.Key) + len(p.Value)
	if bodyLen > MaxBodyLength {
		return 0, fmt.Errorf("%w: body length %d exceeds %d", ErrPayloadTooLarge, bodyLen, MaxBodyLength)
	}

	return bodyLen, nil
}

// EncodedLength returns the number of bytes Encode will produce.
func (p *Packet) EncodedLength() (int, error) {
	bodyLen, err := p.BodyLength()
	if err != nil {
		return 0, err
	}

	return HeaderLength + bodyLen, nil
}

func (p *Packet) putHeader(hdr []byte, bodyLen int) error {
	switch p.Magic {
	case memd.CmdMagicReq:
		binary.BigEndian.PutUint16(hdr[6:], p.Vbucket)
	case memd.CmdMagicRes:
		binary.BigEndian.PutUint16(hdr[6:], uint16(p.Status))
	default:
		return fmt.Errorf("%w: unsupported magic %02x", ErrMalformed, uint8(p.Magic))
	}

	hdr[0] = uint8(p.Magic)
	hdr[1] = uint8(p.Command)
	binary.BigEndian.PutUint16(hdr[2:], uint16(len(p.Key)))
	hdr[4] = uint8(len(p.Extras))
	hdr[5] = p.Datatype
	binary.BigEndian.PutUint32(hdr[8:], uint32(bodyLen))
	binary.BigEndian.PutUint32(hdr[12:], p.Opaque)
	binary.BigEndian.PutUint64(hdr[16:], p.Cas)
	return nil
}

// EncodeTo writes the header and then each body section to w as separate
// chunks, the body sections are never copied into an intermediate buffer.
func EncodeTo(w io.Writer, p *Packet) error {
	bodyLen, err := p.BodyLength()
	if err != nil {
		return err
	}

	var hdr [HeaderLength]byte
	err = p.putHeader(hdr[:], bodyLen)
	if err != nil {
		return err
	}

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	for _, section := range [][]byte{p.Extras, p.Key, p.Value} {
		if len(section) == 0 {
			continue
		}

		if _, err := w.Write(section); err != nil {
			return err
		}
	}

	return nil
}

// Encode serializes the packet into a freshly allocated buffer.
func Encode(p *Packet) ([]byte, error) {
	bodyLen, err := p.BodyLength()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderLength, HeaderLength+bodyLen)
	err = p.putHeader(buf, bodyLen)
	if err != nil {
		return nil, err
	}

	buf = append(buf, p.Extras...)
	buf = append(buf, p.Key...)
	buf = append(buf, p.Value...)
	return buf, nil
}

// FrameLength inspects the header at the front of buf and returns the total
// length of the packet it introduces.  ErrIncomplete is returned until the
// full header is available.
func FrameLength(buf []byte) (int, error) {
	if len(buf) < HeaderLength {
		return 0, ErrIncomplete
	}

	magic := memd.CmdMagic(buf[0])
	if magic != memd.CmdMagicReq && magic != memd.CmdMagicRes {
		return 0, fmt.Errorf("%w: unexpected magic %02x", ErrMalformed, buf[0])
	}

	keyLen := int(binary.BigEndian.Uint16(buf[2:]))
	extLen := int(buf[4])
	bodyLen := int(binary.BigEndian.Uint32(buf[8:]))

	if bodyLen > MaxBodyLength {
		return 0, fmt.Errorf("%w: declared body length %d exceeds %d", ErrMalformed, bodyLen, MaxBodyLength)
	}
	if keyLen+extLen > bodyLen {
		return 0, fmt.Errorf("%w: key (%d) and extras (%d) overflow body (%d)", ErrMalformed, keyLen, extLen, bodyLen)
	}

	return HeaderLength + bodyLen, nil
}

// Decode parses a single packet from the front of buf.  It returns the packet
// and the number of bytes it occupied.  When buf holds only part of a packet
// ErrIncomplete is returned and the caller should buffer more data.  The
// returned packet references buf directly.
func Decode(buf []byte) (*Packet, int, error) {
	frameLen, err := FrameLength(buf)
	if err != nil {
		return nil, 0, err
	}

	if len(buf) < frameLen {
		return nil, 0, ErrIncomplete
	}

	keyLen := int(binary.BigEndian.Uint16(buf[2:]))
	extLen := int(buf[4])

	pak := &Packet{
		Magic:    memd.CmdMagic(buf[0]),
		Command:  memd.CmdCode(buf[1]),
		Datatype: buf[5],
		Opaque:   binary.BigEndian.Uint32(buf[12:]),
		Cas:      binary.BigEndian.Uint64(buf[16:]),
	}

	if pak.Magic == memd.CmdMagicReq {
		pak.Vbucket = binary.BigEndian.Uint16(buf[6:])
	} else {
		pak.Status = memd.StatusCode(binary.BigEndian.Uint16(buf[6:]))
	}

	pos := HeaderLength
	pak.Extras = sliceOrNil(buf[pos : pos+extLen])
	pos += extLen
	pak.Key = sliceOrNil(buf[pos : pos+keyLen])
	pos += keyLen
	pak.Value = sliceOrNil(buf[pos:frameLen])

	return pak, frameLen, nil
}

func sliceOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
