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

type GetOptions struct {
	Key    []byte
	Cookie interface{}
}

// Get queues a read of a document.  Compressed values are inflated before
// being delivered.
func (i *Instance) Get(opts *GetOptions, cb Callback) (*Op, error) {
	return i.issue(&issueRequest{
		spanName: "kv.get",
		packet: &memdproto.Packet{
			Command: memd.CmdGet,
			Key:     opts.Key,
		},
		cookie:   opts.Cookie,
		parse:    parseGetResponse,
		callback: cb,
	})
}

func parseGetResponse(res *Result, pak *memdproto.Packet) error {
	flags, err := memdproto.DecodeGetFlags(pak.Extras)
	if err != nil {
		return err
	}
	res.Flags = flags

	value := pak.Value
	if pak.Datatype&uint8(memd.DatatypeFlagCompressed) != 0 {
		value, err = snappy.Decode(nil, value)
		if err != nil {
			return fmt.Errorf("failed to decompress value: %w", err)
		}
	}
	res.Value = value

	return nil
}
