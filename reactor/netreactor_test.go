/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package reactor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startEchoListener(t *testing.T) net.Listener {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = lis.Close()
	})

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}

			go func() {
				defer conn.Close()
				buf := make([]byte, 1024)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					if _, err := conn.Write(buf[:n]); err != nil {
						return
					}
				}
			}()
		}
	}()

	return lis
}

func newTestReactor(t *testing.T) *NetReactor {
	r := NewNetReactor(&NetReactorOptions{
		Logger:         zaptest.NewLogger(t),
		ConnectTimeout: 2 * time.Second,
	})
	t.Cleanup(func() {
		_ = r.Close()
	})
	return r
}

func waitForEvent(t *testing.T, r Reactor, token uint32, kind EventKind) Event {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := r.Wait(context.Background(), deadline)
		require.NoError(t, err)

		for _, evt := range events {
			if evt.Token == token && evt.Kind == kind {
				return evt
			}
		}
	}

	t.Fatalf("timed out waiting for %s event on token %d", kind, token)
	return Event{}
}

func TestConnectAndEcho(t *testing.T) {
	lis := startEchoListener(t)
	r := newTestReactor(t)

	r.Connect(1, lis.Addr().String())
	evt := waitForEvent(t, r, 1, EventConnected)
	require.NotNil(t, evt.Conn)

	require.NoError(t, r.Register(1, evt.Conn))

	_, err := evt.Conn.Write([]byte("hello"))
	require.NoError(t, err)

	var received []byte
	for len(received) < 5 {
		evt := waitForEvent(t, r, 1, EventData)
		received = append(received, evt.Data...)
	}
	assert.Equal(t, []byte("hello"), received)
}

func TestConnectFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	r := newTestReactor(t)
	r.Connect(7, addr)

	evt := waitForEvent(t, r, 7, EventClosed)
	assert.Error(t, evt.Err)
	assert.Nil(t, evt.Conn)
}

func TestPeerCloseReported(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	r := newTestReactor(t)
	r.Connect(2, lis.Addr().String())
	evt := waitForEvent(t, r, 2, EventConnected)
	require.NoError(t, r.Register(2, evt.Conn))

	closed := waitForEvent(t, r, 2, EventClosed)
	assert.Error(t, closed.Err)
}

func TestDeregisterSuppressesEvents(t *testing.T) {
	lis := startEchoListener(t)
	r := newTestReactor(t)

	r.Connect(3, lis.Addr().String())
	evt := waitForEvent(t, r, 3, EventConnected)
	require.NoError(t, r.Register(3, evt.Conn))

	r.Deregister(3)

	events, err := r.Wait(context.Background(), time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)
	for _, evt := range events {
		assert.NotEqual(t, uint32(3), evt.Token)
	}
}

func TestWaitDeadline(t *testing.T) {
	r := newTestReactor(t)

	start := time.Now()
	events, err := r.Wait(context.Background(), start.Add(50*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitContextCancelled(t *testing.T) {
	r := newTestReactor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Wait(ctx, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose(t *testing.T) {
	lis := startEchoListener(t)
	r := NewNetReactor(nil)

	r.Connect(1, lis.Addr().String())
	evt := waitForEvent(t, r, 1, EventConnected)
	require.NoError(t, r.Register(1, evt.Conn))

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Wait(context.Background(), time.Time{})
	assert.ErrorIs(t, err, ErrReactorClosed)
	assert.ErrorIs(t, r.Register(2, evt.Conn), ErrReactorClosed)
}
