/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package vbucketmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVbucketHash(t *testing.T) {
	vbToNode := make([]int, 1024)
	m, err := NewMap(1, []string{"127.0.0.1:11210"}, vbToNode)
	require.NoError(t, err)

	// expected values match the data service crc32 based hashing
	require.Equal(t, uint16(290), m.VbucketByKey([]byte("counter")))
	require.Equal(t, uint16(115), m.VbucketByKey([]byte("foo")))
	require.Equal(t, uint16(767), m.VbucketByKey([]byte("bar")))

	small, err := NewMap(1, []string{"a", "b"}, []int{0, 0, 0, 1})
	require.NoError(t, err)
	require.Equal(t, uint16(2), small.VbucketByKey([]byte("counter")))
	require.Equal(t, uint16(3), small.VbucketByKey([]byte("foo")))
	require.Equal(t, uint16(0), small.VbucketByKey([]byte("key1")))
}

func TestResolve(t *testing.T) {
	m, err := NewMap(1, []string{"node0", "node1"}, []int{0, 0, 1, 1})
	require.NoError(t, err)

	vbID, nodeIdx := m.Resolve([]byte("foo"))
	require.Equal(t, uint16(3), vbID)
	require.Equal(t, 1, nodeIdx)
	require.Equal(t, "node1", m.NodeAddress(nodeIdx))

	vbID, nodeIdx = m.Resolve([]byte("key1"))
	require.Equal(t, uint16(0), vbID)
	require.Equal(t, 0, nodeIdx)

	_, err = m.NodeByVbucket(4)
	require.ErrorIs(t, err, ErrInvalidMap)
}

func TestResolveStable(t *testing.T) {
	m, err := NewMap(1, []string{"a", "b", "c"}, func() []int {
		vbs := make([]int, 1024)
		for i := range vbs {
			vbs[i] = i % 3
		}
		return vbs
	}())
	require.NoError(t, err)

	keys := []string{"alpha", "beta", "gamma", "delta", "counter", "foo"}
	first := make(map[string]int)
	for _, key := range keys {
		_, nodeIdx := m.Resolve([]byte(key))
		first[key] = nodeIdx
	}

	// resolve again in the opposite order
	for i := len(keys) - 1; i >= 0; i-- {
		_, nodeIdx := m.Resolve([]byte(keys[i]))
		require.Equal(t, first[keys[i]], nodeIdx)
	}
}

func TestNewMapValidation(t *testing.T) {
	_, err := NewMap(1, []string{"a"}, nil)
	require.ErrorIs(t, err, ErrInvalidMap)

	_, err = NewMap(1, []string{"a"}, []int{0, 1})
	require.ErrorIs(t, err, ErrInvalidMap)

	_, err = NewMap(1, []string{"a"}, []int{0, -1})
	require.ErrorIs(t, err, ErrInvalidMap)

	_, err = NewMap(1, []string{"a"}, make([]int, MaxVbuckets+1))
	require.ErrorIs(t, err, ErrInvalidMap)
}

func TestMapIsCopied(t *testing.T) {
	nodes := []string{"a", "b"}
	vbs := []int{0, 1}
	m, err := NewMap(1, nodes, vbs)
	require.NoError(t, err)

	nodes[0] = "changed"
	vbs[0] = 1

	require.Equal(t, "a", m.NodeAddress(0))
	nodeIdx, err := m.NodeByVbucket(0)
	require.NoError(t, err)
	require.Equal(t, 0, nodeIdx)
}

func TestHolder(t *testing.T) {
	var h Holder

	_, err := h.Load()
	require.ErrorIs(t, err, ErrTopologyUnavailable)

	m1, err := NewMap(1, []string{"a"}, []int{0})
	require.NoError(t, err)
	m2, err := NewMap(2, []string{"b"}, []int{0})
	require.NoError(t, err)

	h.Store(m1)
	loaded, err := h.Load()
	require.NoError(t, err)
	require.Same(t, m1, loaded)

	require.False(t, h.CompareAndSwap(m2, m1))
	require.True(t, h.CompareAndSwap(m1, m2))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				loaded, err := h.Load()
				if err != nil || loaded.NumNodes() != 1 {
					t.Errorf("observed an inconsistent map")
					return
				}
			}
		}()
	}
	for j := 0; j < 1000; j++ {
		if j%2 == 0 {
			h.Store(m1)
		} else {
			h.Store(m2)
		}
	}
	wg.Wait()
}
