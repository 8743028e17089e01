/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package memdconn implements the per-node half of the command pipeline: the
// outbound packet queue with its resumable send path, the inbound buffer with
// its resumable decode path and the table of operations awaiting a reply.
//
// A Node performs no I/O scheduling of its own and is not safe for concurrent
// use; it is driven entirely by its owning client instance.
package memdconn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/couchbase/kvpipe/memdproto"
	"github.com/edwingeng/deque/v2"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// DefaultMaxOutboundQueue bounds the bytes waiting to be written to a node.
const DefaultMaxOutboundQueue = 64 * 1024 * 1024

var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrWouldBlock       = errors.New("operation would block")
	ErrQueueFull        = errors.New("outbound queue full")
	ErrIncompletePacket = errors.New("packet size does not match reservation")
	ErrDuplicateOpaque  = errors.New("opaque already in use")
)

type NodeState int

const (
	NodeDisconnected NodeState = iota
	NodeConnecting
	NodeConnected
	NodeDead
)

func (s NodeState) String() string {
	switch s {
	case NodeDisconnected:
		return "disconnected"
	case NodeConnecting:
		return "connecting"
	case NodeConnected:
		return "connected"
	case NodeDead:
		return "dead"
	}
	return fmt.Sprintf("NodeState(%d)", int(s))
}

type outboundPacket struct {
	data      []byte
	op        *PendingOp
	withdrawn bool
}

type NodeOptions struct {
	Logger           *zap.Logger
	Address          string
	Index            int
	MaxOutboundQueue int
}

type Node struct {
	logger      *zap.Logger
	address     string
	index       int
	maxOutbound int

	state   NodeState
	deadErr error
	token   uint32
	conn    net.Conn

	outbound    *deque.Deque[*outboundPacket]
	current     *outboundPacket
	written     int
	queuedBytes int

	inbound []byte
	pending map[uint32]*PendingOp
}

func NewNode(opts *NodeOptions) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxOutbound := opts.MaxOutboundQueue
	if maxOutbound <= 0 {
		maxOutbound = DefaultMaxOutboundQueue
	}

	return &Node{
		logger:      logger,
		address:     opts.Address,
		index:       opts.Index,
		maxOutbound: maxOutbound,
		outbound:    deque.NewDeque[*outboundPacket](),
		pending:     make(map[uint32]*PendingOp),
	}
}

func (n *Node) Address() string {
	return n.address
}

func (n *Node) Index() int {
	return n.index
}

// SetIndex updates the position of the node in the current topology.
func (n *Node) SetIndex(index int) {
	n.index = index
}

func (n *Node) State() NodeState {
	return n.state
}

// IsAlive reports whether the node may still be routed to.
func (n *Node) IsAlive() bool {
	return n.state != NodeDead
}

// Err returns the error that killed the node, if any.
func (n *Node) Err() error {
	return n.deadErr
}

func (n *Node) Token() uint32 {
	return n.token
}

func (n *Node) Conn() net.Conn {
	return n.conn
}

// MarkConnecting records the reactor token of an in-progress connect.
func (n *Node) MarkConnecting(token uint32) {
	n.state = NodeConnecting
	n.token = token
	n.conn = nil
}

// Attach binds an established connection to the node.
func (n *Node) Attach(token uint32, conn net.Conn) {
	n.state = NodeConnected
	n.token = token
	n.conn = conn
	n.logger.Debug("node connected",
		zap.String("address", n.address),
		zap.Stringer("local", conn.LocalAddr()))
}

// MarkDead excludes the node from routing.  The caller is expected to follow
// up with FailAll to release the operations still owned by the node.
func (n *Node) MarkDead(err error) {
	n.state = NodeDead
	n.deadErr = err
	n.conn = nil
}

// Revive returns a dead node to the disconnected state so that it can be
// connected again.  Nothing queued before the node died survives.
func (n *Node) Revive() {
	if n.state != NodeDead {
		return
	}

	n.state = NodeDisconnected
	n.deadErr = nil
	n.resetBuffers()
}

func (n *Node) resetBuffers() {
	n.outbound = deque.NewDeque[*outboundPacket]()
	n.current = nil
	n.written = 0
	n.queuedBytes = 0
	n.inbound = nil
}

// HasOutput reports whether bytes are waiting to be written.
func (n *Node) HasOutput() bool {
	return n.queuedBytes > 0
}

func (n *Node) QueuedBytes() int {
	return n.queuedBytes
}

func (n *Node) InboundLen() int {
	return len(n.inbound)
}

// BeginPacket reserves a packet of exactly size bytes on the outbound queue.
// Nothing becomes visible on the queue until the builder is committed.
func (n *Node) BeginPacket(size int) (*PacketBuilder, error) {
	if n.state == NodeDead {
		return nil, fmt.Errorf("%w: node %s is dead: %v", ErrConnectionLost, n.address, n.deadErr)
	}
	if n.queuedBytes+size > n.maxOutbound {
		return nil, fmt.Errorf("%w: %d bytes queued to %s", ErrQueueFull, n.queuedBytes, n.address)
	}

	return &PacketBuilder{
		node: n,
		size: size,
		buf:  make([]byte, 0, size),
	}, nil
}

func (n *Node) enqueue(pak *outboundPacket) {
	n.outbound.PushFront(pak)
	n.queuedBytes += len(pak.data)
}

// SendStep writes as much of the outbound queue as w accepts.  A short write
// accompanied by ErrWouldBlock or a deadline error is not a failure, the
// position is kept and the next call resumes from it.  It returns true once
// the queue has fully drained.
func (n *Node) SendStep(w io.Writer) (bool, error) {
	for {
		if n.current == nil {
			if n.outbound.Len() == 0 {
				return true, nil
			}

			n.current = n.outbound.PopBack()
			n.written = 0
			if n.current.withdrawn {
				n.current = nil
				continue
			}
		}

		remaining := n.current.data[n.written:]
		written, err := w.Write(remaining)
		n.written += written
		n.queuedBytes -= written

		if n.written == len(n.current.data) {
			if n.current.op != nil {
				n.current.op.sent = true
			}
			n.current = nil
			n.written = 0
		}

		if err != nil {
			if isWouldBlock(err) {
				return false, nil
			}
			return false, err
		}

		if written < len(remaining) {
			// a short write without an error is treated as backpressure
			return false, nil
		}
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, os.ErrDeadlineExceeded)
}

// RecvStep appends newly read bytes to the inbound buffer and hands every
// complete packet to dispatch in arrival order.  Consumed bytes are removed
// from the buffer; a trailing partial packet is kept for the next call.
func (n *Node) RecvStep(data []byte, dispatch func(pak *memdproto.Packet)) error {
	n.inbound = append(n.inbound, data...)

	consumed := 0
	for {
		frameLen, err := memdproto.FrameLength(n.inbound[consumed:])
		if errors.Is(err, memdproto.ErrIncomplete) {
			break
		} else if err != nil {
			return err
		}

		if len(n.inbound)-consumed < frameLen {
			break
		}

		// the frame is copied out so dispatched packets never alias the
		// inbound buffer which is compacted below
		frame := bytes.Clone(n.inbound[consumed : consumed+frameLen])
		pak, _, err := memdproto.Decode(frame)
		if err != nil {
			return err
		}
		consumed += frameLen

		n.logger.Debug("received packet",
			zap.String("address", n.address),
			zap.Stringer("packet", memdproto.PacketStringer{Packet: pak}))

		dispatch(pak)
	}

	if consumed > 0 {
		remaining := copy(n.inbound, n.inbound[consumed:])
		n.inbound = n.inbound[:remaining]
	}

	return nil
}

// TakePending removes and returns the operation waiting on opaque, or nil
// when there is none.
func (n *Node) TakePending(opaque uint32) *PendingOp {
	op, ok := n.pending[opaque]
	if !ok {
		return nil
	}

	delete(n.pending, opaque)
	return op
}

func (n *Node) HasPending(opaque uint32) bool {
	_, ok := n.pending[opaque]
	return ok
}

func (n *Node) PendingCount() int {
	return len(n.pending)
}

// Withdraw pulls op out of the node.  When the packet has not started to be
// written it is dropped from the queue and true is returned.  Otherwise the
// op is only marked cancelled: its reply will still be consumed but nothing
// is delivered to its callback.
func (n *Node) Withdraw(op *PendingOp) bool {
	if _, ok := n.pending[op.Opaque]; !ok {
		return false
	}

	if !n.dropUnsent(op) {
		op.cancelled = true
		return false
	}

	delete(n.pending, op.Opaque)
	return true
}

// dropUnsent removes the packet of op from the outbound queue unless some
// of it has already been written.
func (n *Node) dropUnsent(op *PendingOp) bool {
	pak := op.packet
	if op.sent || pak == nil {
		return false
	}
	if pak == n.current && n.written > 0 {
		return false
	}

	if !pak.withdrawn {
		pak.withdrawn = true
		if pak == n.current {
			n.current = nil
		}
		n.queuedBytes -= len(pak.data)
	}
	return true
}

// Expire fails a single operation with err.  Its packet is withdrawn if it
// was never written; a reply arriving later for it will find no pending op.
func (n *Node) Expire(op *PendingOp, err error) {
	if _, ok := n.pending[op.Opaque]; !ok {
		return
	}

	delete(n.pending, op.Opaque)
	n.dropUnsent(op)
	op.Complete(nil, err)
}

// FailAll completes every pending operation with err and discards both
// buffers.  Callbacks run in opaque order.
func (n *Node) FailAll(err error) int {
	ops := n.pending
	n.pending = make(map[uint32]*PendingOp)
	n.resetBuffers()

	opaques := make([]uint32, 0, len(ops))
	for opaque := range ops {
		opaques = append(opaques, opaque)
	}
	slices.Sort(opaques)

	for _, opaque := range opaques {
		ops[opaque].Complete(nil, err)
	}

	if len(opaques) > 0 {
		n.logger.Debug("failed pending operations",
			zap.String("address", n.address),
			zap.Int("count", len(opaques)),
			zap.Error(err))
	}

	return len(opaques)
}
