/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memdmock

import (
	"testing"

	"github.com/couchbase/kvpipe/vbucketmap"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Cluster is a set of servers sharing one bucket.
type Cluster struct {
	Bucket  *Bucket
	Servers []*Server
}

// StartCluster starts numNodes servers which are shut down when the test
// ends.
func StartCluster(t *testing.T, numNodes int) *Cluster {
	logger := zaptest.NewLogger(t)
	bucket := NewBucket()

	cluster := &Cluster{
		Bucket: bucket,
	}

	for nodeIdx := 0; nodeIdx < numNodes; nodeIdx++ {
		server, err := NewServer(&ServerOptions{
			Logger: logger.Named("memdmock"),
			Bucket: bucket,
		})
		require.NoError(t, err)

		cluster.Servers = append(cluster.Servers, server)
	}

	t.Cleanup(func() {
		for _, server := range cluster.Servers {
			_ = server.Close()
		}
	})

	return cluster
}

func (c *Cluster) Addresses() []string {
	addresses := make([]string, len(c.Servers))
	for idx, server := range c.Servers {
		addresses[idx] = server.Address()
	}
	return addresses
}

// VbucketMap builds a map over the cluster's servers with the given
// vbucket to server assignment.
func (c *Cluster) VbucketMap(t *testing.T, revision uint64, vbToNode []int) *vbucketmap.Map {
	m, err := vbucketmap.NewMap(revision, c.Addresses(), vbToNode)
	require.NoError(t, err)
	return m
}
