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
	"errors"
	"fmt"
)

var ErrBuilderDone = errors.New("packet builder already committed or aborted")

// PacketBuilder assembles a single packet destined for a node.  The bytes are
// staged privately and only appended to the node's outbound queue as a unit
// on Commit, so an abandoned builder leaves the queue untouched.
type PacketBuilder struct {
	node *Node
	size int
	buf  []byte
	done bool
}

// Write stages p as the next bytes of the packet.
func (b *PacketBuilder) Write(p []byte) (int, error) {
	if b.done {
		return 0, ErrBuilderDone
	}
	if len(b.buf)+len(p) > b.size {
		return 0, fmt.Errorf("%w: writing %d bytes into %d of %d reserved",
			ErrIncompletePacket, len(p), len(b.buf), b.size)
	}

	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *PacketBuilder) Len() int {
	return len(b.buf)
}

func (b *PacketBuilder) Size() int {
	return b.size
}

// Commit publishes the packet to the outbound queue.  When op is non-nil it
// is registered in the pending table in the same step, keyed by its opaque.
func (b *PacketBuilder) Commit(op *PendingOp) error {
	if b.done {
		return ErrBuilderDone
	}
	if len(b.buf) != b.size {
		return fmt.Errorf("%w: %d of %d bytes written", ErrIncompletePacket, len(b.buf), b.size)
	}

	pak := &outboundPacket{
		data: b.buf,
		op:   op,
	}

	if op != nil {
		if err := b.node.addPending(op, pak); err != nil {
			return err
		}
	}

	b.done = true
	b.node.enqueue(pak)
	return nil
}

// Abort discards the staged bytes.  It is safe to call after Commit.
func (b *PacketBuilder) Abort() {
	b.done = true
	b.buf = nil
}
