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
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/couchbase/kvpipe/memdconn"
	"github.com/couchbase/kvpipe/memdproto"
	"github.com/couchbase/kvpipe/reactor"
	"go.uber.org/zap"
)

// Wait drives network progress until the given ops have completed, or until
// nothing is outstanding when no ops are given.
//
// When the context deadline (or the default timeout) elapses, every op still
// being waited for is failed with ErrTimeout and ErrTimeout is returned.  A
// cancelled context returns its error and leaves the ops outstanding.  A
// fatal instance error ends the wait with that error, ops included.
func (i *Instance) Wait(ctx context.Context, ops ...*Op) error {
	if i.state == StateClosed {
		return ErrClosed
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline && i.defaultTimeout > 0 {
		deadline = time.Now().Add(i.defaultTimeout)
		hasDeadline = true
	}

	defer func() {
		if i.state != StateDraining {
			return
		}
		if i.hasConnected {
			i.state = StateReady
		} else {
			i.state = StateConnecting
		}
	}()

	for {
		if i.fatalErr != nil {
			return i.fatalErr
		}

		_, _ = i.syncTopology()

		if i.waitSatisfied(ops) {
			return nil
		}
		i.state = StateDraining

		i.flush()
		if i.waitSatisfied(ops) {
			return nil
		}

		now := time.Now()
		if hasDeadline && !now.Before(deadline) {
			i.expire(ops, ErrTimeout)
			return ErrTimeout
		}

		var waitUntil time.Time
		if hasDeadline {
			waitUntil = deadline
		}
		if i.hasOutput() {
			pollUntil := now.Add(i.pollInterval)
			if waitUntil.IsZero() || pollUntil.Before(waitUntil) {
				waitUntil = pollUntil
			}
		}

		events, err := i.reactor.Wait(ctx, waitUntil)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && hasDeadline {
				// handled as a timeout on the next iteration
				continue
			}
			if ctx.Err() != nil {
				return err
			}

			i.reportFatal(fmt.Errorf("%w: %w", ErrReactorFailed, err))
			continue
		}

		for _, evt := range events {
			i.handleEvent(evt)
		}
	}
}

func (i *Instance) waitSatisfied(ops []*Op) bool {
	if len(ops) == 0 {
		return i.outstanding() == 0
	}

	for _, op := range ops {
		if !op.done {
			return false
		}
	}
	return true
}

func (i *Instance) outstanding() int {
	count := 0
	for _, op := range i.live {
		if !op.done {
			count++
		}
	}
	return count
}

// PendingCount is the number of operations which have not completed.
func (i *Instance) PendingCount() int {
	return i.outstanding()
}

func (i *Instance) hasOutput() bool {
	for _, node := range i.nodes {
		if node.State() == memdconn.NodeConnected && node.HasOutput() {
			return true
		}
	}
	return false
}

// flush writes queued packets to every connected node, giving each socket a
// bounded slice of time before moving on.
func (i *Instance) flush() {
	for _, node := range i.nodes {
		if node.State() != memdconn.NodeConnected || !node.HasOutput() {
			continue
		}

		conn := node.Conn()
		if err := conn.SetWriteDeadline(time.Now().Add(i.writeTimeslice)); err != nil {
			i.failNode(node, fmt.Errorf("%w: %w", memdconn.ErrConnectionLost, err))
			continue
		}

		if _, err := node.SendStep(conn); err != nil {
			i.failNode(node, fmt.Errorf("%w: %w", memdconn.ErrConnectionLost, err))
		}
	}
}

func (i *Instance) expire(ops []*Op, err error) {
	if len(ops) == 0 {
		for _, op := range i.live {
			ops = append(ops, op)
		}
		sort.Slice(ops, func(a, b int) bool {
			return ops[a].opaque < ops[b].opaque
		})
	}

	for _, op := range ops {
		if op.done {
			continue
		}

		i.logger.Debug("operation timed out",
			zap.Uint32("opaque", op.opaque),
			zap.String("command", op.command.Name()),
			zap.Bool("sent", op.pending.Sent()))

		op.node.Expire(op.pending, err)

		// the node no longer tracks the op when it was already failed
		if !op.done {
			i.completeOp(op, nil, err)
		}
	}
}

func (i *Instance) handleEvent(evt reactor.Event) {
	node := i.nodesByToken[evt.Token]
	if node == nil {
		if evt.Conn != nil {
			_ = evt.Conn.Close()
		}
		return
	}

	switch evt.Kind {
	case reactor.EventConnected:
		if node.State() != memdconn.NodeConnecting {
			_ = evt.Conn.Close()
			return
		}

		if err := i.reactor.Register(evt.Token, evt.Conn); err != nil {
			_ = evt.Conn.Close()
			i.failNode(node, fmt.Errorf("%w: %w", memdconn.ErrConnectionLost, err))
			return
		}

		node.Attach(evt.Token, evt.Conn)
		i.metrics.NodeConnections.Add(context.Background(), 1)
		i.hasConnected = true

	case reactor.EventData:
		err := node.RecvStep(evt.Data, func(pak *memdproto.Packet) {
			i.handlePacket(node, pak)
		})
		if err != nil {
			i.failNode(node, fmt.Errorf("%w: %w", memdconn.ErrConnectionLost, err))
		}

	case reactor.EventClosed:
		err := evt.Err
		if err == nil {
			err = errors.New("connection closed by peer")
		}
		i.failNode(node, fmt.Errorf("%w: %w", memdconn.ErrConnectionLost, err))
	}
}

func (i *Instance) handlePacket(node *memdconn.Node, pak *memdproto.Packet) {
	if !pak.IsResponse() {
		i.logger.Warn("received request packet from server",
			zap.String("address", node.Address()),
			zap.Error(ErrProtocolDesync),
			zap.Stringer("packet", memdproto.PacketStringer{Packet: pak}))
		i.metrics.DesyncedPackets.Add(context.Background(), 1)
		return
	}

	pending := node.TakePending(pak.Opaque)
	if pending == nil {
		i.logger.Warn("received response for unknown opaque",
			zap.String("address", node.Address()),
			zap.Uint32("opaque", pak.Opaque),
			zap.String("command", pak.Command.Name()),
			zap.Error(ErrProtocolDesync))
		i.metrics.DesyncedPackets.Add(context.Background(), 1)
		return
	}

	delete(i.live, pak.Opaque)

	if pak.Command != pending.Command {
		i.logger.Warn("response command does not match request",
			zap.String("address", node.Address()),
			zap.Uint32("opaque", pak.Opaque),
			zap.String("expected", pending.Command.Name()),
			zap.String("received", pak.Command.Name()))
		pending.Complete(nil, fmt.Errorf("%w: expected %s but received %s",
			ErrProtocolDesync, pending.Command.Name(), pak.Command.Name()))
		return
	}

	pending.Complete(pak, nil)
}

// Cancel stops an operation.  An op whose packet has not yet been written
// is removed from its node's queue and its callback receives ErrCancelled.
// An op already on the wire is only marked done: its response is discarded
// and its callback is never invoked.
func (i *Instance) Cancel(op *Op) {
	if op.done {
		return
	}

	if op.node.Withdraw(op.pending) {
		i.completeOp(op, nil, ErrCancelled)
		return
	}

	op.done = true
	op.cancelled = true
	i.metrics.PendingOps.Add(context.Background(), -1)
	op.span.AddEvent("cancelled")
	op.span.End()
}
