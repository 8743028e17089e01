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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/couchbase/kvpipe/utils/latestonlychannel"
	"github.com/couchbase/kvpipe/vbucketmap"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var ErrNoTopology = errors.New("no topology has been published")

type jsonEtcdTopology struct {
	Revision uint64   `json:"revision"`
	Nodes    []string `json:"nodes"`
	Vbuckets []int    `json:"vbuckets"`
}

// KV is the part of the etcd client used by the provider, *clientv3.Client
// implements it.
type KV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

type EtcdProviderOptions struct {
	EtcdClient KV
	Key        string
	Logger     *zap.Logger
}

// EtcdProvider shares vbucket maps between processes through a single etcd
// key.  One process publishes, any number watch.
type EtcdProvider struct {
	etcdClient KV
	key        string
	logger     *zap.Logger
}

func NewEtcdProvider(opts EtcdProviderOptions) (*EtcdProvider, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client is required")
	}
	if opts.Key == "" {
		return nil, errors.New("a topology key is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdProvider{
		etcdClient: opts.EtcdClient,
		key:        opts.Key,
		logger:     logger,
	}, nil
}

func encodeMap(m *vbucketmap.Map) ([]byte, error) {
	vbuckets := make([]int, m.NumVbuckets())
	for vbID := range vbuckets {
		nodeIdx, err := m.NodeByVbucket(uint16(vbID))
		if err != nil {
			return nil, err
		}
		vbuckets[vbID] = nodeIdx
	}

	return json.Marshal(jsonEtcdTopology{
		Revision: m.Revision(),
		Nodes:    m.Nodes(),
		Vbuckets: vbuckets,
	})
}

func decodeMap(data []byte) (*vbucketmap.Map, error) {
	var topology jsonEtcdTopology
	err := json.Unmarshal(data, &topology)
	if err != nil {
		return nil, err
	}

	return vbucketmap.NewMap(topology.Revision, topology.Nodes, topology.Vbuckets)
}

// PublishTopology writes m to the topology key.
func (p *EtcdProvider) PublishTopology(ctx context.Context, m *vbucketmap.Map) error {
	data, err := encodeMap(m)
	if err != nil {
		return err
	}

	_, err = p.etcdClient.Put(ctx, p.key, string(data))
	if err != nil {
		return fmt.Errorf("failed to publish topology: %w", err)
	}

	p.logger.Debug("published topology",
		zap.String("key", p.key),
		zap.Uint64("revision", m.Revision()))

	return nil
}

func (p *EtcdProvider) fetch(ctx context.Context) (*vbucketmap.Map, int64, error) {
	resp, err := p.etcdClient.Get(ctx, p.key)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", vbucketmap.ErrTopologyUnavailable, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, 0, fmt.Errorf("%w: %w", vbucketmap.ErrTopologyUnavailable, ErrNoTopology)
	}

	m, err := decodeMap(resp.Kvs[0].Value)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", vbucketmap.ErrTopologyUnavailable, err)
	}

	return m, resp.Header.GetRevision(), nil
}

func (p *EtcdProvider) FetchTopology(ctx context.Context) (*vbucketmap.Map, error) {
	m, _, err := p.fetch(ctx)
	return m, err
}

// WatchTopology returns the published map followed by every newer map
// written to the key.  Maps which fail to parse, or which do not move the
// revision forward, are logged and skipped.
func (p *EtcdProvider) WatchTopology(ctx context.Context) (<-chan *vbucketmap.Map, error) {
	m, etcdRev, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}

	watchCh := p.etcdClient.Watch(ctx, p.key, clientv3.WithRev(etcdRev+1))

	inputCh := make(chan *vbucketmap.Map)
	outputCh := latestonlychannel.Wrap(ctx, inputCh)

	go func() {
		defer close(inputCh)

		select {
		case inputCh <- m:
		case <-ctx.Done():
			return
		}
		lastMap := m

		for {
			var wresp clientv3.WatchResponse
			var ok bool
			select {
			case wresp, ok = <-watchCh:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}

			if err := wresp.Err(); err != nil {
				p.logger.Warn("topology watch failed", zap.String("key", p.key), zap.Error(err))
				return
			}

			for _, evt := range wresp.Events {
				if evt.Type != clientv3.EventTypePut {
					p.logger.Warn("topology key was deleted", zap.String("key", p.key))
					continue
				}

				next, err := decodeMap(evt.Kv.Value)
				if err != nil {
					p.logger.Warn("failed to parse published topology",
						zap.String("key", p.key),
						zap.Error(err))
					continue
				}

				if next.Revision() <= lastMap.Revision() {
					continue
				}

				select {
				case inputCh <- next:
				case <-ctx.Done():
					return
				}
				lastMap = next
			}
		}
	}()

	return outputCh, nil
}
