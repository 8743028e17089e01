/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package vbucketmap holds the immutable vbucket to node routing table used to
// pick the node that owns a key.
package vbucketmap

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sync/atomic"
)

// MaxVbuckets is bounded by the two byte vbucket header field.
const MaxVbuckets = 65536

var (
	ErrTopologyUnavailable = errors.New("topology unavailable")
	ErrInvalidMap          = errors.New("invalid vbucket map")
)

// Map is a snapshot of the vbucket ownership of a bucket.  It is never
// modified once built, a refresh produces a brand new Map.
type Map struct {
	revision uint64
	nodes    []string
	vbToNode []int
}

// NewMap builds a routing snapshot.  nodes lists the data service addresses
// and vbToNode the index into nodes of the active owner of every vbucket.
func NewMap(revision uint64, nodes []string, vbToNode []int) (*Map, error) {
	if len(vbToNode) == 0 {
		return nil, fmt.Errorf("%w: no vbuckets", ErrInvalidMap)
	}
	if len(vbToNode) > MaxVbuckets {
		return nil, fmt.Errorf("%w: %d vbuckets exceeds %d", ErrInvalidMap, len(vbToNode), MaxVbuckets)
	}

	for vbID, nodeIdx := range vbToNode {
		if nodeIdx < 0 || nodeIdx >= len(nodes) {
			return nil, fmt.Errorf("%w: vbucket %d references node %d of %d", ErrInvalidMap, vbID, nodeIdx, len(nodes))
		}
	}

	return &Map{
		revision: revision,
		nodes:    append([]string(nil), nodes...),
		vbToNode: append([]int(nil), vbToNode...),
	}, nil
}

func (m *Map) Revision() uint64 {
	return m.revision
}

func (m *Map) NumVbuckets() int {
	return len(m.vbToNode)
}

func (m *Map) NumNodes() int {
	return len(m.nodes)
}

// Nodes returns a copy of the node address list.
func (m *Map) Nodes() []string {
	return append([]string(nil), m.nodes...)
}

func (m *Map) NodeAddress(nodeIdx int) string {
	return m.nodes[nodeIdx]
}

// VbucketByKey hashes a key the same way the data service does.
func (m *Map) VbucketByKey(key []byte) uint16 {
	crc := crc32.ChecksumIEEE(key)
	return uint16(((crc >> 16) & 0x7fff) % uint32(len(m.vbToNode)))
}

func (m *Map) NodeByVbucket(vbID uint16) (int, error) {
	if int(vbID) >= len(m.vbToNode) {
		return 0, fmt.Errorf("%w: vbucket %d out of range", ErrInvalidMap, vbID)
	}

	return m.vbToNode[vbID], nil
}

// Resolve returns the vbucket of a key and the index of the node owning it.
func (m *Map) Resolve(key []byte) (uint16, int) {
	vbID := m.VbucketByKey(key)
	return vbID, m.vbToNode[vbID]
}

// Holder publishes the current Map.  Readers always observe a complete
// snapshot and may load concurrently with a Store from a watcher goroutine.
type Holder struct {
	value atomic.Pointer[Map]
}

func (h *Holder) Load() (*Map, error) {
	m := h.value.Load()
	if m == nil {
		return nil, ErrTopologyUnavailable
	}

	return m, nil
}

func (h *Holder) Store(m *Map) {
	h.value.Store(m)
}

// CompareAndSwap installs m only if the current snapshot is still old.
func (h *Holder) CompareAndSwap(old, new *Map) bool {
	return h.value.CompareAndSwap(old, new)
}
