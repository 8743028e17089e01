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
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbase/kvpipe/contrib/cbconfig"
	"github.com/couchbase/kvpipe/utils/latestonlychannel"
	"github.com/couchbase/kvpipe/vbucketmap"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const DefaultPollInterval = 2500 * time.Millisecond

var (
	ErrMissingVbucketMap   = errors.New("bucket config has no vbucket server map")
	ErrUnsupportedLocator  = errors.New("unsupported node locator")
	ErrUnsupportedHashAlgo = errors.New("unsupported vbucket hash algorithm")
)

type PollingProviderOptions struct {
	Fetcher      *cbconfig.Fetcher
	BucketName   string
	Logger       *zap.Logger
	PollInterval time.Duration
}

// PollingProvider builds vbucket maps from the terse bucket configuration
// and keeps polling it for changes.
type PollingProvider struct {
	fetcher      *cbconfig.Fetcher
	bucketName   string
	logger       *zap.Logger
	pollInterval time.Duration
}

func NewPollingProvider(opts PollingProviderOptions) (*PollingProvider, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("a config fetcher is required")
	}
	if opts.BucketName == "" {
		return nil, errors.New("a bucket name is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	return &PollingProvider{
		fetcher:      opts.Fetcher,
		bucketName:   opts.BucketName,
		logger:       logger,
		pollInterval: pollInterval,
	}, nil
}

// ParseBucketConfig converts a terse bucket config into a routing map.  The
// first entry of every vBucketMap row is the active owner.
func ParseBucketConfig(config *cbconfig.TerseConfigJson) (*vbucketmap.Map, error) {
	if config.NodeLocator != "" && config.NodeLocator != "vbucket" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocator, config.NodeLocator)
	}

	serverMap := config.VBucketServerMap
	if serverMap == nil {
		return nil, ErrMissingVbucketMap
	}

	if serverMap.HashAlgorithm != "" && serverMap.HashAlgorithm != "CRC" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHashAlgo, serverMap.HashAlgorithm)
	}

	vbToNode := make([]int, len(serverMap.VBucketMap))
	for vbIdx, vbReplicas := range serverMap.VBucketMap {
		if len(vbReplicas) == 0 {
			return nil, fmt.Errorf("%w: vbucket %d has no servers", vbucketmap.ErrInvalidMap, vbIdx)
		}
		vbToNode[vbIdx] = vbReplicas[0]
	}

	revision := uint64(config.RevEpoch)<<32 | uint64(uint32(config.Rev))
	return vbucketmap.NewMap(revision, serverMap.ServerList, vbToNode)
}

func (p *PollingProvider) FetchTopology(ctx context.Context) (*vbucketmap.Map, error) {
	config, err := p.fetcher.FetchTerseBucket(ctx, p.bucketName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vbucketmap.ErrTopologyUnavailable, err)
	}

	m, err := ParseBucketConfig(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vbucketmap.ErrTopologyUnavailable, err)
	}

	return m, nil
}

func mapChanged(last, next *vbucketmap.Map) bool {
	if next.Revision() > last.Revision() {
		return true
	}

	// a server side reset can move the revision backwards, in which case we
	// only care if the routing itself changed
	return next.Revision() < last.Revision() && !slices.Equal(next.Nodes(), last.Nodes())
}

// WatchTopology fetches the current map and then keeps polling for newer
// ones until ctx is done.  Failed polls are retried with an exponential
// backoff.  Consumers which fall behind only ever see the latest map.
func (p *PollingProvider) WatchTopology(ctx context.Context) (<-chan *vbucketmap.Map, error) {
	m, err := p.FetchTopology(ctx)
	if err != nil {
		return nil, err
	}

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

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		b.Reset()

		for {
			select {
			case <-time.After(p.pollInterval):
			case <-ctx.Done():
				return
			}

			m, err := p.FetchTopology(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}

				delay := b.NextBackOff()
				p.logger.Warn("failed to poll bucket config",
					zap.String("bucket", p.bucketName),
					zap.Duration("retryIn", delay),
					zap.Error(err))

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				continue
			}
			b.Reset()

			if !mapChanged(lastMap, m) {
				continue
			}

			p.logger.Debug("bucket config changed",
				zap.String("bucket", p.bucketName),
				zap.Uint64("revision", m.Revision()))

			select {
			case inputCh <- m:
			case <-ctx.Done():
				return
			}
			lastMap = m
		}
	}()

	return outputCh, nil
}
