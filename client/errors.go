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
	"errors"
	"fmt"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvpipe/memdconn"
	"github.com/couchbase/kvpipe/vbucketmap"
)

var (
	ErrTimeout          = errors.New("operation timed out")
	ErrProtocolDesync   = errors.New("response does not match any outstanding request")
	ErrCancelled        = errors.New("operation cancelled")
	ErrClosed           = errors.New("instance closed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotConnected     = errors.New("instance not connected")
	ErrTimingsDisabled  = errors.New("timings are not enabled")
	ErrWatchUnsupported = errors.New("topology provider cannot be watched")
	ErrReactorFailed    = errors.New("reactor failed")

	ErrDocNotFound   = errors.New("document not found")
	ErrCasMismatch   = errors.New("cas mismatch")
	ErrNotMyVbucket  = errors.New("vbucket not owned by node")
	ErrValueTooLarge = errors.New("value too large")
	ErrBadDelta      = errors.New("bad arithmetic delta")
	ErrNotStored     = errors.New("document not stored")
)

// These are re-exported so that callers only need to import this package to
// inspect operation errors.
var (
	ErrConnectionLost      = memdconn.ErrConnectionLost
	ErrTopologyUnavailable = vbucketmap.ErrTopologyUnavailable
)

// ServerError is returned for response statuses which have no dedicated
// error.
type ServerError struct {
	Status  memd.StatusCode
	Command memd.CmdCode
	Message string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error for %s: %s (%s)", e.Command.Name(), e.Status.String(), e.Message)
	}
	return fmt.Sprintf("server error for %s: %s", e.Command.Name(), e.Status.String())
}

func statusToError(cmd memd.CmdCode, status memd.StatusCode, value []byte) error {
	switch status {
	case memd.StatusSuccess:
		return nil
	case memd.StatusKeyNotFound:
		return ErrDocNotFound
	case memd.StatusKeyExists:
		return ErrCasMismatch
	case memd.StatusNotMyVBucket:
		return ErrNotMyVbucket
	case memd.StatusTooBig:
		return ErrValueTooLarge
	case memd.StatusBadDelta:
		return ErrBadDelta
	case memd.StatusNotStored:
		return ErrNotStored
	}

	return &ServerError{
		Status:  status,
		Command: cmd,
		Message: string(value),
	}
}
