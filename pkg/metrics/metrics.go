/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type KvMetrics struct {
	OpsTotal        metric.Int64Counter
	OpDuration      metric.Float64Histogram
	PendingOps      metric.Int64UpDownCounter
	NodeConnections metric.Int64UpDownCounter
	DesyncedPackets metric.Int64Counter
}

var (
	kvMetrics     *KvMetrics
	kvMetricsLock sync.Mutex
)

func GetKvMetrics() *KvMetrics {
	kvMetricsLock.Lock()

	if kvMetrics != nil {
		kvMetricsLock.Unlock()
		return kvMetrics
	}

	kvMetrics = newKvMetrics()

	kvMetricsLock.Unlock()
	return kvMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/kvpipe")

func BuildVersion() string {
	return buildVersion
}

func newKvMetrics() *KvMetrics {
	meter := otel.Meter(
		"com.couchbase.kvpipe",
		metric.WithInstrumentationVersion(buildVersion))

	opsTotal, _ := meter.Int64Counter("kv_ops_total")
	opDuration, _ := meter.Float64Histogram("kv_op_duration_seconds",
		metric.WithUnit("s"))
	pendingOps, _ := meter.Int64UpDownCounter("kv_pending_ops")
	nodeConnections, _ := meter.Int64UpDownCounter("kv_node_connections")
	desyncedPackets, _ := meter.Int64Counter("kv_desynced_packets_total")

	return &KvMetrics{
		OpsTotal:        opsTotal,
		OpDuration:      opDuration,
		PendingOps:      pendingOps,
		NodeConnections: nodeConnections,
		DesyncedPackets: desyncedPackets,
	}
}
