/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package client

import (
	"github.com/couchbase/kvpipe/timings"
)

// EnableTimings starts recording operation latencies, creating a default
// histogram if the instance was built without one.
func (i *Instance) EnableTimings() {
	if i.timings == nil {
		i.timings = timings.NewDefault()
		return
	}
	i.timings.Enable()
}

// DisableTimings stops recording and discards everything collected so far.
func (i *Instance) DisableTimings() {
	if i.timings == nil {
		return
	}
	i.timings.Disable()
	i.timings.Reset()
}

// GetTimings reports every non-empty latency bucket in ascending order.
func (i *Instance) GetTimings(visitor timings.Visitor) error {
	if i.timings == nil || !i.timings.Enabled() {
		return ErrTimingsDisabled
	}

	i.timings.Report(visitor)
	return nil
}

// Timings returns the histogram backing the instance, or nil if timings
// were never enabled.
func (i *Instance) Timings() *timings.Histogram {
	return i.timings
}
