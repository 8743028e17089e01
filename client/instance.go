/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package client implements the dispatch core of the key-value pipeline.  An
// Instance routes operations to nodes using the current vbucket map, queues
// their packets and drives all network progress from within Wait.
//
// An Instance is single-threaded: issuing operations, waiting, cancelling and
// closing must all happen from the same goroutine.  Only topology updates may
// be published from elsewhere, see WatchTopology.
package client

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/couchbase/kvpipe/memdconn"
	"github.com/couchbase/kvpipe/pkg/metrics"
	"github.com/couchbase/kvpipe/reactor"
	"github.com/couchbase/kvpipe/timings"
	"github.com/couchbase/kvpipe/vbucketmap"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultWriteTimeslice = 10 * time.Millisecond
	DefaultPollInterval   = 5 * time.Millisecond
)

type InstanceState int

const (
	StateDisconnected InstanceState = iota
	StateConnecting
	StateReady
	StateDraining
	StateClosed
)

func (s InstanceState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("InstanceState(%d)", int(s))
}

type TopologyProvider interface {
	FetchTopology(ctx context.Context) (*vbucketmap.Map, error)
}

// TopologyWatcher is implemented by providers which can stream topology
// updates.
type TopologyWatcher interface {
	WatchTopology(ctx context.Context) (<-chan *vbucketmap.Map, error)
}

// StaticTopologyProvider always returns the same map.
type StaticTopologyProvider struct {
	Map *vbucketmap.Map
}

var _ TopologyProvider = (*StaticTopologyProvider)(nil)

func (p *StaticTopologyProvider) FetchTopology(ctx context.Context) (*vbucketmap.Map, error) {
	if p.Map == nil {
		return nil, vbucketmap.ErrTopologyUnavailable
	}
	return p.Map, nil
}

type InstanceOptions struct {
	Logger           *zap.Logger
	Reactor          reactor.Reactor
	TopologyProvider TopologyProvider

	// Timings receives the latency of every completed operation while it
	// is enabled.  When nil, EnableTimings creates a default histogram.
	Timings *timings.Histogram
	Metrics *metrics.KvMetrics
	Tracer  trace.Tracer

	// ErrorCallback is told about conditions which are not tied to a
	// single operation, such as failing to fetch a topology.
	ErrorCallback func(err error)

	// DefaultTimeout bounds Wait when its context carries no deadline.
	DefaultTimeout time.Duration

	// CompressValues stores values snappy compressed with the snappy
	// datatype bit set.  No HELLO feature negotiation takes place, so the
	// server must accept snappy datatypes unconditionally.
	CompressValues bool

	MaxOutboundQueue int
	WriteTimeslice   time.Duration
	PollInterval     time.Duration
}

type Instance struct {
	id               string
	logger           *zap.Logger
	reactor          reactor.Reactor
	ownsReactor      bool
	provider         TopologyProvider
	timings          *timings.Histogram
	metrics          *metrics.KvMetrics
	tracer           trace.Tracer
	errorCallback    func(err error)
	defaultTimeout   time.Duration
	compressValues   bool
	maxOutboundQueue int
	writeTimeslice   time.Duration
	pollInterval     time.Duration

	state        InstanceState
	hasConnected bool
	fatalErr     error
	topology     vbucketmap.Holder
	applied      *vbucketmap.Map
	stale        atomic.Bool

	nodes        []*memdconn.Node
	nodesByToken map[uint32]*memdconn.Node
	nextToken    uint32

	nextOpaque uint32
	live       map[uint32]*Op
}

func NewInstance(opts *InstanceOptions) (*Instance, error) {
	if opts == nil {
		opts = &InstanceOptions{}
	}

	if opts.TopologyProvider == nil {
		return nil, fmt.Errorf("%w: a topology provider is required", ErrInvalidArgument)
	}

	id := uuid.NewString()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("instance", id))

	rctr := opts.Reactor
	ownsReactor := false
	if rctr == nil {
		rctr = reactor.NewNetReactor(&reactor.NetReactorOptions{
			Logger: logger.Named("reactor"),
		})
		ownsReactor = true
	}

	kvMetrics := opts.Metrics
	if kvMetrics == nil {
		kvMetrics = metrics.GetKvMetrics()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("com.couchbase.kvpipe")
	}

	writeTimeslice := opts.WriteTimeslice
	if writeTimeslice <= 0 {
		writeTimeslice = DefaultWriteTimeslice
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	if opts.CompressValues {
		logger.Warn("value compression enabled without snappy feature negotiation")
	}

	return &Instance{
		id:               id,
		logger:           logger,
		reactor:          rctr,
		ownsReactor:      ownsReactor,
		provider:         opts.TopologyProvider,
		timings:          opts.Timings,
		metrics:          kvMetrics,
		tracer:           tracer,
		errorCallback:    opts.ErrorCallback,
		defaultTimeout:   opts.DefaultTimeout,
		compressValues:   opts.CompressValues,
		maxOutboundQueue: opts.MaxOutboundQueue,
		writeTimeslice:   writeTimeslice,
		pollInterval:     pollInterval,
		state:            StateDisconnected,
		nodesByToken:     make(map[uint32]*memdconn.Node),
		live:             make(map[uint32]*Op),
	}, nil
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) State() InstanceState {
	return i.state
}

// Connect fetches the initial topology.  Connections to nodes are only
// established once an operation is routed to them.
func (i *Instance) Connect(ctx context.Context) error {
	switch i.state {
	case StateClosed:
		return ErrClosed
	case StateDisconnected:
	default:
		return nil
	}

	if err := i.RefreshTopology(ctx); err != nil {
		return err
	}

	i.state = StateConnecting
	return nil
}

// RefreshTopology fetches a new map from the provider and applies it.  Nodes
// which were marked dead but remain in the map are returned to service.
func (i *Instance) RefreshTopology(ctx context.Context) error {
	if i.state == StateClosed {
		return ErrClosed
	}

	m, err := i.provider.FetchTopology(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", vbucketmap.ErrTopologyUnavailable, err)
		i.reportError(err)
		return err
	}

	i.topology.Store(m)
	i.applied = nil
	_, _ = i.syncTopology()
	return nil
}

// WatchTopology publishes every map produced by the provider until ctx is
// done.  It may be called from any goroutine; the maps are applied by the
// goroutine driving the instance on its next operation or wait iteration.
func (i *Instance) WatchTopology(ctx context.Context) error {
	watcher, ok := i.provider.(TopologyWatcher)
	if !ok {
		return ErrWatchUnsupported
	}

	mapsCh, err := watcher.WatchTopology(ctx)
	if err != nil {
		return err
	}

	for m := range mapsCh {
		i.topology.Store(m)
	}

	return ctx.Err()
}

// IsTopologyStale reports whether a node has rejected an operation because
// the map we hold is out of date.
func (i *Instance) IsTopologyStale() bool {
	return i.stale.Load()
}

func (i *Instance) NodeAlive(index int) bool {
	if index < 0 || index >= len(i.nodes) {
		return false
	}
	return i.nodes[index].IsAlive()
}

func (i *Instance) NumNodes() int {
	return len(i.nodes)
}

// ReconnectNode returns a dead node to service.  The next operation routed
// to it triggers a new connection.
func (i *Instance) ReconnectNode(index int) error {
	if index < 0 || index >= len(i.nodes) {
		return fmt.Errorf("%w: node index %d out of range", ErrInvalidArgument, index)
	}

	i.nodes[index].Revive()
	return nil
}

func (i *Instance) reportError(err error) {
	i.logger.Warn("instance error", zap.Error(err))

	if i.errorCallback != nil {
		i.errorCallback(err)
	}
}

// reportFatal records a condition the instance cannot recover from.  Wait
// returns it and no further operations are accepted; only Close remains.
func (i *Instance) reportFatal(err error) {
	if i.fatalErr != nil {
		return
	}

	i.fatalErr = err
	i.reportError(err)
}

// Err returns the fatal error which stopped the instance, if any.
func (i *Instance) Err() error {
	return i.fatalErr
}

// syncTopology applies the newest stored map and returns the map the node
// list was built from.  Routing must use that map rather than reloading the
// holder, which a watcher may have replaced in the meantime.
func (i *Instance) syncTopology() (*vbucketmap.Map, error) {
	m, err := i.topology.Load()
	if err == nil && m != i.applied {
		i.applyTopology(m)
	}

	if i.applied == nil {
		return nil, vbucketmap.ErrTopologyUnavailable
	}
	return i.applied, nil
}

func (i *Instance) applyTopology(m *vbucketmap.Map) {
	existing := make(map[string]*memdconn.Node, len(i.nodes))
	for _, node := range i.nodes {
		existing[node.Address()] = node
	}

	nodes := make([]*memdconn.Node, m.NumNodes())
	for idx, address := range m.Nodes() {
		node, ok := existing[address]
		if ok {
			delete(existing, address)
			node.SetIndex(idx)
			node.Revive()
		} else {
			node = memdconn.NewNode(&memdconn.NodeOptions{
				Logger:           i.logger.Named("node"),
				Address:          address,
				Index:            idx,
				MaxOutboundQueue: i.maxOutboundQueue,
			})
		}
		nodes[idx] = node
	}

	for address, node := range existing {
		i.failNode(node, fmt.Errorf("%w: node %s removed from topology", memdconn.ErrConnectionLost, address))
	}

	i.nodes = nodes
	i.applied = m
	i.stale.Store(false)

	i.logger.Info("applied topology",
		zap.Uint64("revision", m.Revision()),
		zap.Int("nodes", m.NumNodes()),
		zap.Int("vbuckets", m.NumVbuckets()))
}

func (i *Instance) connectNode(node *memdconn.Node) {
	i.nextToken++
	token := i.nextToken

	i.nodesByToken[token] = node
	node.MarkConnecting(token)
	i.reactor.Connect(token, node.Address())

	i.logger.Debug("connecting to node",
		zap.String("address", node.Address()),
		zap.Uint32("token", token))
}

func (i *Instance) releaseToken(node *memdconn.Node) {
	token := node.Token()
	if i.nodesByToken[token] != node {
		return
	}

	delete(i.nodesByToken, token)
	i.reactor.Deregister(token)
	if node.State() == memdconn.NodeConnected {
		i.metrics.NodeConnections.Add(context.Background(), -1)
	}
}

// failNode takes the node out of service and fails everything it owns.
// Operations routed to other nodes are not affected.
func (i *Instance) failNode(node *memdconn.Node, err error) {
	if !node.IsAlive() {
		return
	}

	i.releaseToken(node)
	node.MarkDead(err)

	i.logger.Warn("node failed",
		zap.String("address", node.Address()),
		zap.Int("pending", node.PendingCount()),
		zap.Error(err))

	node.FailAll(err)
	i.forgetNode(node)
}

// forgetNode drops live entries still pointing at node.  These are ops
// which were cancelled after being sent and so were not completed by
// FailAll.
func (i *Instance) forgetNode(node *memdconn.Node) {
	for opaque, op := range i.live {
		if op.node == node {
			delete(i.live, opaque)
		}
	}
}

// Close fails every outstanding operation with ErrClosed and releases all
// sockets.
func (i *Instance) Close() error {
	if i.state == StateClosed {
		return nil
	}
	i.state = StateClosed

	for _, node := range i.nodes {
		if !node.IsAlive() {
			continue
		}
		i.releaseToken(node)
		node.MarkDead(ErrClosed)
		node.FailAll(ErrClosed)
		i.forgetNode(node)
	}

	// connects still in flight for nodes no longer in the map
	for token := range i.nodesByToken {
		i.reactor.Deregister(token)
		delete(i.nodesByToken, token)
	}

	if i.ownsReactor {
		return i.reactor.Close()
	}
	return nil
}
