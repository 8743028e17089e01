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
	"sync"
	"testing"
	"time"

	"github.com/couchbase/kvpipe/vbucketmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

type fakeEtcd struct {
	lock    sync.Mutex
	values  map[string][]byte
	rev     int64
	watchCh chan clientv3.WatchResponse
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{
		values:  make(map[string][]byte),
		watchCh: make(chan clientv3.WatchResponse, 16),
	}
}

func (f *fakeEtcd) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	resp := &clientv3.GetResponse{}
	if value, ok := f.values[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: value, ModRevision: f.rev}}
	}
	return resp, nil
}

func (f *fakeEtcd) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.rev++
	f.values[key] = []byte(val)
	f.watchCh <- clientv3.WatchResponse{
		Events: []*clientv3.Event{{
			Type: clientv3.EventTypePut,
			Kv:   &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val), ModRevision: f.rev},
		}},
	}
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan {
	// drop anything published before the watch started
	for len(f.watchCh) > 0 {
		<-f.watchCh
	}
	return f.watchCh
}

func testMap(t *testing.T, revision uint64, nodes []string) *vbucketmap.Map {
	vbuckets := make([]int, 4)
	for vbID := range vbuckets {
		vbuckets[vbID] = vbID % len(nodes)
	}

	m, err := vbucketmap.NewMap(revision, nodes, vbuckets)
	require.NoError(t, err)
	return m
}

func newTestProvider(t *testing.T, kv KV) *EtcdProvider {
	p, err := NewEtcdProvider(EtcdProviderOptions{
		EtcdClient: kv,
		Key:        "/kvpipe/topology/default",
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return p
}

func TestPublishAndFetch(t *testing.T) {
	kv := newFakeEtcd()
	p := newTestProvider(t, kv)

	_, err := p.FetchTopology(context.Background())
	require.ErrorIs(t, err, vbucketmap.ErrTopologyUnavailable)
	require.ErrorIs(t, err, ErrNoTopology)

	published := testMap(t, 7, []string{"10.0.0.1:11210", "10.0.0.2:11210"})
	require.NoError(t, p.PublishTopology(context.Background(), published))

	m, err := p.FetchTopology(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.Revision())
	assert.Equal(t, published.Nodes(), m.Nodes())
	for vbID := 0; vbID < 4; vbID++ {
		expected, _ := published.NodeByVbucket(uint16(vbID))
		actual, err := m.NodeByVbucket(uint16(vbID))
		require.NoError(t, err)
		assert.Equal(t, expected, actual)
	}
}

func TestFetchInvalidTopology(t *testing.T) {
	kv := newFakeEtcd()
	p := newTestProvider(t, kv)

	kv.values["/kvpipe/topology/default"] = []byte(`{"revision":1,"nodes":["a:1"],"vbuckets":[0,3]}`)

	_, err := p.FetchTopology(context.Background())
	require.ErrorIs(t, err, vbucketmap.ErrTopologyUnavailable)
	require.ErrorIs(t, err, vbucketmap.ErrInvalidMap)
}

func TestWatchTopology(t *testing.T) {
	kv := newFakeEtcd()
	p := newTestProvider(t, kv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.PublishTopology(ctx, testMap(t, 1, []string{"a:1"})))

	mapsCh, err := p.WatchTopology(ctx)
	require.NoError(t, err)

	first := <-mapsCh
	assert.Equal(t, uint64(1), first.Revision())

	// older revisions are ignored
	require.NoError(t, p.PublishTopology(ctx, testMap(t, 1, []string{"b:1"})))
	require.NoError(t, p.PublishTopology(ctx, testMap(t, 2, []string{"a:1", "b:1"})))

	select {
	case next := <-mapsCh:
		assert.Equal(t, uint64(2), next.Revision())
		assert.Equal(t, []string{"a:1", "b:1"}, next.Nodes())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the published topology")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-mapsCh:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
