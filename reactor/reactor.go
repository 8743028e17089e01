/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package reactor provides the readiness source that drives client
// instances.  Sockets are owned by background pumps which only ever report
// what happened through events; all protocol state stays with the consumer
// of Wait.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrReactorClosed = errors.New("reactor closed")
	ErrUnknownToken  = errors.New("unknown reactor token")
)

type EventKind int

const (
	// EventConnected carries the connection established for a token.
	EventConnected EventKind = iota

	// EventData carries bytes read from a registered connection.
	EventData

	// EventClosed reports that a connect attempt failed or that a
	// registered connection stopped producing data.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

type Event struct {
	Token uint32
	Kind  EventKind
	Conn  net.Conn
	Data  []byte
	Err   error
}

type Reactor interface {
	// Connect starts an asynchronous connect to address.  Its outcome is
	// reported as an EventConnected or EventClosed for token.
	Connect(token uint32, address string)

	// Register starts delivering reads from conn as events for token.
	Register(token uint32, conn net.Conn) error

	// Deregister stops watching token and closes its connection.
	Deregister(token uint32)

	// Wait blocks until at least one event is available, the deadline
	// passes or ctx is done.  A zero deadline waits without a time limit.
	// Reaching the deadline returns no events and no error.
	Wait(ctx context.Context, deadline time.Time) ([]Event, error)

	Close() error
}
