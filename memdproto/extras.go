/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memdproto

import (
	"encoding/binary"
	"fmt"
)

// NoCreateExpiry is the special arithmetic expiry telling the server to fail
// rather than create a missing counter.
const NoCreateExpiry = 0xffffffff

// ArithmeticExtras is the extras layout of increment and decrement requests.
type ArithmeticExtras struct {
	Delta   uint64
	Initial uint64
	Expiry  uint32
}

func (e ArithmeticExtras) Encode() []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:], e.Delta)
	binary.BigEndian.PutUint64(buf[8:], e.Initial)
	binary.BigEndian.PutUint32(buf[16:], e.Expiry)
	return buf
}

func DecodeArithmeticExtras(buf []byte) (ArithmeticExtras, error) {
	if len(buf) != 20 {
		return ArithmeticExtras{}, fmt.Errorf("%w: arithmetic extras must be 20 bytes, got %d", ErrMalformed, len(buf))
	}

	return ArithmeticExtras{
		Delta:   binary.BigEndian.Uint64(buf[0:]),
		Initial: binary.BigEndian.Uint64(buf[8:]),
		Expiry:  binary.BigEndian.Uint32(buf[16:]),
	}, nil
}

// StoreExtras is the extras layout of set, add and replace requests.
type StoreExtras struct {
	Flags  uint32
	Expiry uint32
}

func (e StoreExtras) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:], e.Flags)
	binary.BigEndian.PutUint32(buf[4:], e.Expiry)
	return buf
}

func DecodeStoreExtras(buf []byte) (StoreExtras, error) {
	if len(buf) != 8 {
		return StoreExtras{}, fmt.Errorf("%w: store extras must be 8 bytes, got %d", ErrMalformed, len(buf))
	}

	return StoreExtras{
		Flags:  binary.BigEndian.Uint32(buf[0:]),
		Expiry: binary.BigEndian.Uint32(buf[4:]),
	}, nil
}

// DecodeCounterValue parses the value of a successful arithmetic response.
func DecodeCounterValue(value []byte) (uint64, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("%w: counter value must be 8 bytes, got %d", ErrMalformed, len(value))
	}

	return binary.BigEndian.Uint64(value), nil
}

// DecodeGetFlags parses the extras of a successful get response.
func DecodeGetFlags(extras []byte) (uint32, error) {
	if len(extras) == 0 {
		return 0, nil
	}
	if len(extras) != 4 {
		return 0, fmt.Errorf("%w: get extras must be 4 bytes, got %d", ErrMalformed, len(extras))
	}

	return binary.BigEndian.Uint32(extras), nil
}
