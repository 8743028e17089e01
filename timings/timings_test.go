/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package timings

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketBoundaries(t *testing.T) {
	h := New(Options{Unit: Microseconds, Resolution: 1, NumBuckets: 6})

	buckets := h.Buckets()
	require.Len(t, buckets, 6)
	require.Equal(t, []Bucket{
		{Lower: 0, Upper: 1},
		{Lower: 1, Upper: 2},
		{Lower: 2, Upper: 4},
		{Lower: 4, Upper: 8},
		{Lower: 8, Upper: 16},
		{Lower: 16, Upper: OpenUpperBound},
	}, buckets)
}

func TestBucketCountCapped(t *testing.T) {
	h := New(Options{Unit: Nanoseconds, Resolution: 1, NumBuckets: 100})

	buckets := h.Buckets()
	// 2^0 .. 2^63 plus the open bucket
	require.Len(t, buckets, 65)
	for i := 1; i < len(buckets); i++ {
		require.Equal(t, buckets[i-1].Upper, buckets[i].Lower, "bucket %d", i)
		require.Greater(t, buckets[i].Upper, buckets[i].Lower, "bucket %d", i)
	}
	require.Equal(t, uint64(1)<<63, buckets[64].Lower)
	require.Equal(t, uint64(OpenUpperBound), buckets[64].Upper)

	h.RecordValue(math.MaxUint64)
	h.RecordValue(1 << 62)
	require.Equal(t, uint64(1), h.Buckets()[64].Count)
	require.Equal(t, uint64(1), h.Buckets()[63].Count)
}

func TestGeometricSamples(t *testing.T) {
	h := New(Options{Unit: Microseconds, Resolution: 1, NumBuckets: 8})

	samples := []uint64{0, 1, 2, 4, 8, 16, 32, 64, 128, 3, 5, 1000}
	for _, sample := range samples {
		h.RecordValue(sample)
	}

	// manual binning against [0,1) [1,2) [2,4) [4,8) [8,16) [16,32) [32,64) [64,inf)
	expected := []uint64{1, 1, 2, 2, 1, 1, 1, 3}
	for i, bucket := range h.Buckets() {
		require.Equal(t, expected[i], bucket.Count, "bucket %d", i)
	}
	require.Equal(t, uint64(len(samples)), h.Total())
}

func TestRecordDuration(t *testing.T) {
	h := New(Options{Unit: Milliseconds, Resolution: 1, NumBuckets: 4})

	h.Record(500 * time.Microsecond)
	h.Record(3 * time.Millisecond)
	h.Record(-time.Second)
	h.Record(time.Hour)

	buckets := h.Buckets()
	require.Equal(t, uint64(2), buckets[0].Count)
	require.Equal(t, uint64(1), buckets[2].Count)
	require.Equal(t, uint64(1), buckets[3].Count)
	require.Equal(t, uint64(4), h.Total())
}

func TestReport(t *testing.T) {
	h := New(Options{Unit: Microseconds, Resolution: 10, NumBuckets: 5})
	h.RecordValue(5)
	h.RecordValue(15)
	h.RecordValue(15)
	h.RecordValue(100000)

	type row struct {
		lower, upper, count, total uint64
	}
	var rows []row
	h.Report(func(unit Unit, lower, upper, count, total uint64) {
		require.Equal(t, Microseconds, unit)
		rows = append(rows, row{lower, upper, count, total})
	})

	require.Equal(t, []row{
		{0, 10, 1, 4},
		{10, 20, 2, 4},
		{80, OpenUpperBound, 1, 4},
	}, rows)
}

func TestEnableDisableReset(t *testing.T) {
	h := NewDefault()
	require.True(t, h.Enabled())

	h.RecordValue(3)
	h.Disable()
	require.False(t, h.Enabled())
	h.RecordValue(3)
	require.Equal(t, uint64(1), h.Total())

	h.Enable()
	h.RecordValue(3)
	require.Equal(t, uint64(2), h.Total())

	h.Reset()
	require.Equal(t, uint64(0), h.Total())
	for _, bucket := range h.Buckets() {
		require.Zero(t, bucket.Count)
	}

	called := false
	h.Report(func(Unit, uint64, uint64, uint64, uint64) {
		called = true
	})
	require.False(t, called)
}

func TestWriteText(t *testing.T) {
	h := New(Options{Unit: Microseconds, Resolution: 1, NumBuckets: 4})
	h.RecordValue(1)
	h.RecordValue(1)
	h.RecordValue(2)

	var buf bytes.Buffer
	require.NoError(t, h.WriteText(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], strings.Repeat("#", barWidth)+" - 2")
	require.Contains(t, lines[1], strings.Repeat("#", barWidth/2)+" ")
	require.Contains(t, lines[1], "us")

	h.RecordValue(1000)
	buf.Reset()
	require.NoError(t, h.WriteText(&buf))
	require.Contains(t, buf.String(), "[   4 -  inf]us |")
}

func TestUnits(t *testing.T) {
	require.Equal(t, "ns", Nanoseconds.String())
	require.Equal(t, "s", Seconds.String())
	require.Equal(t, time.Millisecond, Milliseconds.Duration())
}
