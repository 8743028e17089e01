/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cbtopology

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchbase/kvpipe/contrib/cbconfig"
	"github.com/couchbase/kvpipe/vbucketmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testConfigServer struct {
	rev      atomic.Int64
	failing  atomic.Bool
	requests atomic.Int64
}

func (s *testConfigServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)

	if s.failing.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if r.URL.Path != "/pools/default/b/default" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rev := s.rev.Load()
	servers := `"$HOST:11210", "10.0.0.2:11210"`
	if rev >= 2 {
		servers = `"$HOST:11210", "10.0.0.3:11210"`
	}

	_, _ = fmt.Fprintf(w, `{
		"rev": %d,
		"name": "default",
		"nodeLocator": "vbucket",
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": 1,
			"serverList": [%s],
			"vBucketMap": [[0, 1], [0, 1], [0, 1], [1, 0]]
		}
	}`, rev, servers)
}

func newTestProvider(t *testing.T, handler http.Handler, bucket string) *PollingProvider {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	provider, err := NewPollingProvider(PollingProviderOptions{
		Fetcher: cbconfig.NewFetcher(cbconfig.FetcherOptions{
			Host: srv.URL,
		}),
		BucketName:   bucket,
		Logger:       zaptest.NewLogger(t),
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return provider
}

func TestFetchTopology(t *testing.T) {
	cfgSrv := &testConfigServer{}
	cfgSrv.rev.Store(1)
	provider := newTestProvider(t, cfgSrv, "default")

	m, err := provider.FetchTopology(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m.Revision())
	assert.Equal(t, 4, m.NumVbuckets())
	assert.Equal(t, []string{"127.0.0.1:11210", "10.0.0.2:11210"}, m.Nodes())

	vb, nodeIdx := m.Resolve([]byte("foo"))
	assert.Equal(t, uint16(3), vb)
	assert.Equal(t, 1, nodeIdx)

	vb, nodeIdx = m.Resolve([]byte("counter"))
	assert.Equal(t, uint16(2), vb)
	assert.Equal(t, 0, nodeIdx)
}

func TestFetchTopologyFailures(t *testing.T) {
	cfgSrv := &testConfigServer{}
	cfgSrv.failing.Store(true)
	provider := newTestProvider(t, cfgSrv, "default")

	_, err := provider.FetchTopology(context.Background())
	assert.ErrorIs(t, err, vbucketmap.ErrTopologyUnavailable)

	missing := newTestProvider(t, &testConfigServer{}, "other")
	_, err = missing.FetchTopology(context.Background())
	assert.ErrorIs(t, err, vbucketmap.ErrTopologyUnavailable)
	assert.ErrorIs(t, err, cbconfig.ErrUnexpectedStatus)
}

func TestParseBucketConfig(t *testing.T) {
	valid := func() *cbconfig.TerseConfigJson {
		return &cbconfig.TerseConfigJson{
			Rev:         7,
			RevEpoch:    1,
			NodeLocator: "vbucket",
			VBucketServerMap: &cbconfig.VBucketServerMapJson{
				HashAlgorithm: "CRC",
				ServerList:    []string{"a:11210", "b:11210"},
				VBucketMap:    [][]int{{1, 0}, {0, 1}},
			},
		}
	}

	m, err := ParseBucketConfig(valid())
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<32|7, m.Revision())
	nodeIdx, err := m.NodeByVbucket(0)
	require.NoError(t, err)
	assert.Equal(t, 1, nodeIdx)

	testCases := []struct {
		name   string
		mutate func(config *cbconfig.TerseConfigJson)
		err    error
	}{
		{
			name:   "Ketama",
			mutate: func(config *cbconfig.TerseConfigJson) { config.NodeLocator = "ketama" },
			err:    ErrUnsupportedLocator,
		},
		{
			name:   "MissingServerMap",
			mutate: func(config *cbconfig.TerseConfigJson) { config.VBucketServerMap = nil },
			err:    ErrMissingVbucketMap,
		},
		{
			name:   "UnknownHash",
			mutate: func(config *cbconfig.TerseConfigJson) { config.VBucketServerMap.HashAlgorithm = "MD5" },
			err:    ErrUnsupportedHashAlgo,
		},
		{
			name:   "EmptyRow",
			mutate: func(config *cbconfig.TerseConfigJson) { config.VBucketServerMap.VBucketMap[1] = nil },
			err:    vbucketmap.ErrInvalidMap,
		},
		{
			name:   "NoActive",
			mutate: func(config *cbconfig.TerseConfigJson) { config.VBucketServerMap.VBucketMap[0] = []int{-1, 0} },
			err:    vbucketmap.ErrInvalidMap,
		},
		{
			name:   "OutOfRange",
			mutate: func(config *cbconfig.TerseConfigJson) { config.VBucketServerMap.VBucketMap[0] = []int{5} },
			err:    vbucketmap.ErrInvalidMap,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := valid()
			tc.mutate(config)

			_, err := ParseBucketConfig(config)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestWatchTopology(t *testing.T) {
	cfgSrv := &testConfigServer{}
	cfgSrv.rev.Store(1)
	provider := newTestProvider(t, cfgSrv, "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mapsCh, err := provider.WatchTopology(ctx)
	require.NoError(t, err)

	first := <-mapsCh
	assert.Equal(t, uint64(1), first.Revision())

	// a failing endpoint is retried rather than ending the watch
	cfgSrv.failing.Store(true)
	failedAt := cfgSrv.requests.Load()
	require.Eventually(t, func() bool {
		return cfgSrv.requests.Load() > failedAt+1
	}, 5*time.Second, 10*time.Millisecond)

	cfgSrv.rev.Store(2)
	cfgSrv.failing.Store(false)

	select {
	case second := <-mapsCh:
		assert.Equal(t, uint64(2), second.Revision())
		assert.Equal(t, "10.0.0.3:11210", second.NodeAddress(1))
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for updated topology")
	}

	cancel()

	closeDeadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-mapsCh:
			if !ok {
				return
			}
		case <-closeDeadline:
			t.Fatalf("failed to close the stream")
		}
	}
}

func TestMapChanged(t *testing.T) {
	mk := func(rev uint64, nodes ...string) *vbucketmap.Map {
		m, err := vbucketmap.NewMap(rev, nodes, []int{0})
		require.NoError(t, err)
		return m
	}

	assert.True(t, mapChanged(mk(1, "a"), mk(2, "a")))
	assert.False(t, mapChanged(mk(2, "a"), mk(2, "b")))
	assert.False(t, mapChanged(mk(3, "a"), mk(1, "a")))
	assert.True(t, mapChanged(mk(3, "a"), mk(1, "b")))
}
