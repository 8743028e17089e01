/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdtopology

import (
	"context"
	"testing"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDialOptions(t *testing.T) {
	assert.Len(t, DialOptions(zap.NewNop()), 3)
}

func TestZapInterceptorLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := zapInterceptorLogger(zap.New(core))

	l.Log(context.Background(), logging.LevelInfo, "finished call",
		"grpc.method", "Range",
		"grpc.code", "OK",
		"attempt", 2,
		"retried", true)
	l.Log(context.Background(), logging.LevelError, "finished call",
		"grpc.code", "Unavailable")

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "Range", fields["grpc.method"])
	assert.Equal(t, "OK", fields["grpc.code"])
	assert.Equal(t, int64(2), fields["attempt"])
	assert.Equal(t, true, fields["retried"])

	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "Unavailable", entries[1].ContextMap()["grpc.code"])
}
