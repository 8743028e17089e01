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
	"strings"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvpipe/memdconn"
	"github.com/couchbase/kvpipe/memdproto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Result is delivered to an operation's callback exactly once.
type Result struct {
	Cookie  interface{}
	Key     []byte
	Status  memd.StatusCode
	Cas     uint64
	Value   []byte
	Flags   uint32
	Counter uint64
	Err     error
}

type Callback func(res *Result)

type responseParser func(res *Result, pak *memdproto.Packet) error

// Op is a handle to an issued operation.  It can be passed to Wait to wait
// for that specific operation, or to Cancel.
type Op struct {
	opaque   uint32
	command  memd.CmdCode
	key      []byte
	cookie   interface{}
	vbucket  uint16
	node     *memdconn.Node
	pending  *memdconn.PendingOp
	issuedAt time.Time
	span     trace.Span
	parse    responseParser
	callback Callback

	done      bool
	cancelled bool
	result    *Result
}

func (op *Op) Opaque() uint32 {
	return op.opaque
}

func (op *Op) Vbucket() uint16 {
	return op.vbucket
}

// NodeIndex is the index of the node the op was routed to, as of the
// topology in effect when it was issued.
func (op *Op) NodeIndex() int {
	return op.node.Index()
}

// Done reports whether the operation has completed or been cancelled.
func (op *Op) Done() bool {
	return op.done
}

// Result returns the outcome of a completed operation, or nil.
func (op *Op) Result() *Result {
	return op.result
}

type issueRequest struct {
	spanName string
	packet   *memdproto.Packet
	cookie   interface{}
	parse    responseParser
	callback Callback
}

func (i *Instance) allocateOpaque() uint32 {
	for {
		i.nextOpaque++
		if _, ok := i.live[i.nextOpaque]; !ok {
			return i.nextOpaque
		}
	}
}

// issue routes, encodes and queues a request.  Nothing is written to the
// network until Wait is called.
func (i *Instance) issue(req *issueRequest) (*Op, error) {
	switch i.state {
	case StateClosed:
		return nil, ErrClosed
	case StateDisconnected:
		return nil, fmt.Errorf("%w: %w", ErrTopologyUnavailable, ErrNotConnected)
	}
	if i.fatalErr != nil {
		return nil, i.fatalErr
	}

	pak := req.packet
	if len(pak.Key) == 0 {
		return nil, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	vbMap, err := i.syncTopology()
	if err != nil {
		return nil, err
	}

	vbucket, nodeIdx := vbMap.Resolve(pak.Key)
	node := i.nodes[nodeIdx]
	if !node.IsAlive() {
		return nil, fmt.Errorf("%w: node %s is not alive: %w", memdconn.ErrConnectionLost, node.Address(), node.Err())
	}

	pak.Magic = memd.CmdMagicReq
	pak.Vbucket = vbucket

	size, err := pak.EncodedLength()
	if err != nil {
		return nil, err
	}

	builder, err := node.BeginPacket(size)
	if err != nil {
		return nil, err
	}

	opaque := i.allocateOpaque()
	pak.Opaque = opaque

	if err := memdproto.EncodeTo(builder, pak); err != nil {
		builder.Abort()
		return nil, err
	}

	op := &Op{
		opaque:   opaque,
		command:  pak.Command,
		key:      pak.Key,
		cookie:   req.cookie,
		vbucket:  vbucket,
		node:     node,
		issuedAt: time.Now(),
		parse:    req.parse,
		callback: req.callback,
	}
	op.pending = &memdconn.PendingOp{
		Opaque:   opaque,
		Command:  pak.Command,
		Vbucket:  vbucket,
		Key:      pak.Key,
		Cookie:   req.cookie,
		IssuedAt: op.issuedAt,
		Callback: func(resp *memdproto.Packet, err error) {
			i.completeOp(op, resp, err)
		},
	}

	if err := builder.Commit(op.pending); err != nil {
		builder.Abort()
		return nil, err
	}

	_, op.span = i.tracer.Start(context.Background(), req.spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "couchbase"),
			attribute.String("db.operation", strings.ToLower(pak.Command.Name())),
			attribute.Int("db.couchbase.vbucket", int(vbucket)),
			attribute.Int64("db.couchbase.opaque", int64(opaque)),
			attribute.String("server.address", node.Address()),
		))

	i.live[opaque] = op
	i.metrics.PendingOps.Add(context.Background(), 1)

	if node.State() == memdconn.NodeDisconnected {
		i.connectNode(node)
	}

	i.logger.Debug("queued operation",
		zap.String("command", pak.Command.Name()),
		zap.Uint32("opaque", opaque),
		zap.Uint16("vbucket", vbucket),
		zap.String("address", node.Address()))

	return op, nil
}

// completeOp is reached through the node's pending op, whether the
// operation received a response or was failed locally.
func (i *Instance) completeOp(op *Op, pak *memdproto.Packet, err error) {
	delete(i.live, op.opaque)
	if op.done {
		return
	}
	op.done = true

	res := &Result{
		Cookie: op.cookie,
		Key:    op.key,
	}

	elapsed := time.Since(op.issuedAt)
	statusName := "client_error"

	if pak != nil {
		res.Status = pak.Status
		res.Cas = pak.Cas
		statusName = pak.Status.String()

		if i.timings != nil {
			i.timings.Record(elapsed)
		}

		err = statusToError(op.command, pak.Status, pak.Value)
		if err == nil && op.parse != nil {
			err = op.parse(res, pak)
		}

		if errors.Is(err, ErrNotMyVbucket) {
			i.stale.Store(true)
			i.reportError(fmt.Errorf("%w: vbucket %d on %s", ErrNotMyVbucket, op.vbucket, op.node.Address()))
		}
	}
	res.Err = err

	attrs := metric.WithAttributes(
		attribute.String("opcode", op.command.Name()),
		attribute.String("status", statusName))
	i.metrics.OpsTotal.Add(context.Background(), 1, attrs)
	i.metrics.OpDuration.Record(context.Background(), elapsed.Seconds(), attrs)
	i.metrics.PendingOps.Add(context.Background(), -1)

	if err != nil {
		op.span.RecordError(err)
		op.span.SetStatus(codes.Error, err.Error())
	}
	op.span.End()

	op.result = res
	if op.callback != nil {
		op.callback(res)
	}
}
