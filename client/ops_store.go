/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package client

import (
	"fmt"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvpipe/memdproto"
	"github.com/golang/snappy"
)

type StoreMode int

const (
	// StoreSet writes the document whether or not it exists.
	StoreSet StoreMode = iota

	// StoreAdd fails with ErrCasMismatch if the document exists.
	StoreAdd

	// StoreReplace fails with ErrDocNotFound if the document is missing.
	StoreReplace
)

func (m StoreMode) command() (memd.CmdCode, error) {
	switch m {
	case StoreSet:
		return memd.CmdSet, nil
	case StoreAdd:
		return memd.CmdAdd, nil
	case StoreReplace:
		return memd.CmdReplace, nil
	}
	return 0, fmt.Errorf("%w: unknown store mode %d", ErrInvalidArgument, int(m))
}

type StoreOptions struct {
	Mode   StoreMode
	Key    []byte
	Value  []byte
	Flags  uint32
	Expiry uint32
	Cas    uint64
	Cookie interface{}
}

// Store queues a write of a document.
func (i *Instance) Store(opts *StoreOptions, cb Callback) (*Op, error) {
	command, err := opts.Mode.command()
	if err != nil {
		return nil, err
	}

	if opts.Mode == StoreAdd && opts.Cas != 0 {
		return nil, fmt.Errorf("%w: add cannot be conditional on cas", ErrInvalidArgument)
	}

	extras := memdproto.StoreExtras{
		Flags:  opts.Flags,
		Expiry: opts.Expiry,
	}

	value := opts.Value
	var datatype uint8
	if i.compressValues && len(value) > 0 {
		compressed := snappy.Encode(nil, value)
		if len(compressed) < len(value) {
			value = compressed
			datatype |= uint8(memd.DatatypeFlagCompressed)
		}
	}

	return i.issue(&issueRequest{
		spanName: "kv.store",
		packet: &memdproto.Packet{
			Command:  command,
			Datatype: datatype,
			Cas:      opts.Cas,
			Key:      opts.Key,
			Extras:   extras.Encode(),
			Value:    value,
		},
		cookie:   opts.Cookie,
		callback: cb,
	})
}
