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

type DeleteOptions struct {
	Key []byte

	// Cas makes the delete conditional on the document's current cas.
	// Zero deletes unconditionally.
	Cas    uint64
	Cookie interface{}
}

// Delete queues removal of a document.
func (i *Instance) Delete(opts *DeleteOptions, cb Callback) (*Op, error) {
	return i.issue(&issueRequest{
		spanName: "kv.delete",
		packet: &memdproto.Packet{
			Command: memd.CmdDelete,
			Cas:     opts.Cas,
			Key:     opts.Key,
		},
		cookie:   opts.Cookie,
		callback: cb,
	})
}
