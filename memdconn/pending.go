/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memdconn

import (
	"fmt"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvpipe/memdproto"
)

// PendingOp is an operation that has been queued to a node and is waiting
// for its reply.  Callback is invoked exactly once unless the operation was
// cancelled after its packet was written.
type PendingOp struct {
	Opaque   uint32
	Command  memd.CmdCode
	Vbucket  uint16
	Key      []byte
	Cookie   interface{}
	IssuedAt time.Time
	Callback func(pak *memdproto.Packet, err error)

	packet    *outboundPacket
	sent      bool
	cancelled bool
	completed bool
}

// Sent reports whether the packet for this op has been fully written.
func (op *PendingOp) Sent() bool {
	return op.sent
}

func (op *PendingOp) Cancelled() bool {
	return op.cancelled
}

func (op *PendingOp) Completed() bool {
	return op.completed
}

// Complete resolves the op.  Subsequent calls are ignored.
func (op *PendingOp) Complete(pak *memdproto.Packet, err error) {
	if op.completed {
		return
	}
	op.completed = true

	if op.cancelled || op.Callback == nil {
		return
	}
	op.Callback(pak, err)
}

func (n *Node) addPending(op *PendingOp, pak *outboundPacket) error {
	if _, ok := n.pending[op.Opaque]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOpaque, op.Opaque)
	}

	op.packet = pak
	n.pending[op.Opaque] = op
	return nil
}

// AddPending registers an op that has no packet of its own on this node's
// queue, such as one whose request was written out of band.
func (n *Node) AddPending(op *PendingOp) error {
	op.sent = true
	return n.addPending(op, nil)
}
