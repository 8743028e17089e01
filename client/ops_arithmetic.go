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
	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvpipe/memdproto"
)

type ArithmeticOptions struct {
	Key []byte

	// Delta is added to the counter.  Negative deltas decrement it, the
	// server floors the result at zero.
	Delta int64

	// Initial is the value stored when the counter does not exist and
	// Create is set.  Without Create a missing counter fails with
	// ErrDocNotFound.
	Initial uint64
	Create  bool
	Expiry  uint32
	Cookie  interface{}
}

// Arithmetic queues an increment or decrement of a counter document.  The
// new counter value is delivered in Result.Counter.
func (i *Instance) Arithmetic(opts *ArithmeticOptions, cb Callback) (*Op, error) {
	command := memd.CmdIncrement
	delta := uint64(opts.Delta)
	if opts.Delta < 0 {
		command = memd.CmdDecrement
		delta = uint64(-opts.Delta)
	}

	expiry := opts.Expiry
	if !opts.Create {
		expiry = memdproto.NoCreateExpiry
	}

	extras := memdproto.ArithmeticExtras{
		Delta:   delta,
		Initial: opts.Initial,
		Expiry:  expiry,
	}

	return i.issue(&issueRequest{
		spanName: "kv.arithmetic",
		packet: &memdproto.Packet{
			Command: command,
			Key:     opts.Key,
			Extras:  extras.Encode(),
		},
		cookie: opts.Cookie,
		parse: func(res *Result, pak *memdproto.Packet) error {
			counter, err := memdproto.DecodeCounterValue(pak.Value)
			if err != nil {
				return err
			}
			res.Counter = counter
			return nil
		},
		callback: cb,
	})
}
