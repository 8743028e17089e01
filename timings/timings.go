/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package timings implements the operation latency histogram.  Buckets grow
// geometrically from a minimum resolution so a small fixed number of them
// covers everything from sub-millisecond replies to multi-second stalls.
package timings

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Unit int

const (
	Nanoseconds Unit = iota
	Microseconds
	Milliseconds
	Seconds
)

func (u Unit) Duration() time.Duration {
	switch u {
	case Nanoseconds:
		return time.Nanosecond
	case Microseconds:
		return time.Microsecond
	case Milliseconds:
		return time.Millisecond
	case Seconds:
		return time.Second
	}
	return time.Microsecond
}

func (u Unit) String() string {
	switch u {
	case Nanoseconds:
		return "ns"
	case Microseconds:
		return "us"
	case Milliseconds:
		return "ms"
	case Seconds:
		return "s"
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

const (
	DefaultUnit       = Microseconds
	DefaultResolution = 1
	DefaultNumBuckets = 24
)

type Options struct {
	Unit Unit

	// Resolution is the upper bound of the first bucket, expressed in Unit.
	Resolution uint64

	// NumBuckets includes the leading [0, Resolution) bucket and the trailing
	// bucket which absorbs every sample beyond the configured range.  It is
	// capped where doubling the bound would overflow a uint64.
	NumBuckets int
}

// Bucket describes the half-open range [Lower, Upper) in the histogram unit.
// The last bucket is open ended, its Upper is OpenUpperBound.
type Bucket struct {
	Lower uint64
	Upper uint64
	Count uint64
}

// OpenUpperBound marks the bucket which takes every sample past the range.
const OpenUpperBound = math.MaxUint64

// Visitor receives one call per non-empty bucket.
type Visitor func(unit Unit, lower, upper, count, total uint64)

type Histogram struct {
	lock    sync.Mutex
	unit    Unit
	enabled bool
	bounds  []uint64
	counts  []uint64
	total   uint64
}

// New creates an enabled histogram.
func New(opts Options) *Histogram {
	resolution := opts.Resolution
	if resolution == 0 {
		resolution = DefaultResolution
	}

	numBuckets := opts.NumBuckets
	if numBuckets < 2 {
		numBuckets = DefaultNumBuckets
	}

	// bounds[i] is the exclusive upper bound of bucket i
	bounds := make([]uint64, 0, numBuckets)
	bound := resolution
	for len(bounds) < numBuckets-1 {
		bounds = append(bounds, bound)
		if bound > math.MaxUint64/2 {
			break
		}
		bound *= 2
	}
	if bounds[len(bounds)-1] != OpenUpperBound {
		bounds = append(bounds, OpenUpperBound)
	}

	return &Histogram{
		unit:    opts.Unit,
		enabled: true,
		bounds:  bounds,
		counts:  make([]uint64, len(bounds)),
	}
}

func NewDefault() *Histogram {
	return New(Options{
		Unit:       DefaultUnit,
		Resolution: DefaultResolution,
		NumBuckets: DefaultNumBuckets,
	})
}

func (h *Histogram) Unit() Unit {
	return h.unit
}

func (h *Histogram) bucketIndex(value uint64) int {
	for i, bound := range h.bounds {
		if value < bound {
			return i
		}
	}
	return len(h.bounds) - 1
}

func (h *Histogram) lowerBound(idx int) uint64 {
	if idx == 0 {
		return 0
	}
	return h.bounds[idx-1]
}

// Record adds an elapsed duration, negative durations count as zero.
func (h *Histogram) Record(elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}

	h.RecordValue(uint64(elapsed / h.unit.Duration()))
}

// RecordValue adds a sample already expressed in the histogram unit.
func (h *Histogram) RecordValue(value uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.enabled {
		return
	}

	h.counts[h.bucketIndex(value)]++
	h.total++
}

func (h *Histogram) Enable() {
	h.lock.Lock()
	h.enabled = true
	h.lock.Unlock()
}

// Disable stops recording, the samples recorded so far are kept.
func (h *Histogram) Disable() {
	h.lock.Lock()
	h.enabled = false
	h.lock.Unlock()
}

func (h *Histogram) Enabled() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.enabled
}

func (h *Histogram) Reset() {
	h.lock.Lock()
	defer h.lock.Unlock()

	for i := range h.counts {
		h.counts[i] = 0
	}
	h.total = 0
}

func (h *Histogram) Total() uint64 {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.total
}

// Buckets returns a copy of every bucket, including the empty ones.
func (h *Histogram) Buckets() []Bucket {
	buckets, _ := h.snapshot()
	return buckets
}

func (h *Histogram) snapshot() ([]Bucket, uint64) {
	h.lock.Lock()
	defer h.lock.Unlock()

	buckets := make([]Bucket, len(h.counts))
	for i := range h.counts {
		buckets[i] = Bucket{
			Lower: h.lowerBound(i),
			Upper: h.bounds[i],
			Count: h.counts[i],
		}
	}
	return buckets, h.total
}

// Report calls visitor for every non-empty bucket in ascending order.  The
// buckets are snapshotted first so the visitor may call back into h.
func (h *Histogram) Report(visitor Visitor) {
	buckets, total := h.snapshot()
	for _, bucket := range buckets {
		if bucket.Count == 0 {
			continue
		}

		visitor(h.unit, bucket.Lower, bucket.Upper, bucket.Count, total)
	}
}

const barWidth = 20

// WriteText renders the histogram as a bar chart, one row per non-empty
// bucket, with bars scaled against the most populated bucket.
func (h *Histogram) WriteText(w io.Writer) error {
	buckets, _ := h.snapshot()

	var maxCount uint64
	for _, bucket := range buckets {
		if bucket.Count > maxCount {
			maxCount = bucket.Count
		}
	}

	for _, bucket := range buckets {
		if bucket.Count == 0 {
			continue
		}

		upper := "inf"
		if bucket.Upper != OpenUpperBound {
			upper = strconv.FormatUint(bucket.Upper, 10)
		}

		numHashes := int(barWidth * bucket.Count / maxCount)
		_, err := fmt.Fprintf(w, "[%4d - %4s]%-2s |%-*s - %d\n",
			bucket.Lower, upper, h.unit.String(), barWidth, strings.Repeat("#", numHashes), bucket.Count)
		if err != nil {
			return err
		}
	}

	return nil
}
