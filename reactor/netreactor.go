/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package reactor

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReadBufferSize = 16 * 1024
	DefaultEventBacklog   = 1024
	DefaultConnectTimeout = 7 * time.Second
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type NetReactorOptions struct {
	Logger         *zap.Logger
	Dialer         Dialer
	ConnectTimeout time.Duration
	ReadBufferSize int
	EventBacklog   int
}

type watchedConn struct {
	conn    net.Conn
	closeCh chan struct{}
}

// NetReactor is a Reactor over real network connections.  Each registered
// connection has a read pump goroutine which forwards data as events.
type NetReactor struct {
	logger         *zap.Logger
	dialer         Dialer
	connectTimeout time.Duration
	readBufferSize int

	lock     sync.Mutex
	conns    map[uint32]*watchedConn
	dialing  map[uint32]context.CancelFunc
	isClosed bool

	eventsCh chan Event
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

var _ Reactor = (*NetReactor)(nil)

func NewNetReactor(opts *NetReactorOptions) *NetReactor {
	if opts == nil {
		opts = &NetReactorOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	readBufferSize := opts.ReadBufferSize
	if readBufferSize <= 0 {
		readBufferSize = DefaultReadBufferSize
	}

	eventBacklog := opts.EventBacklog
	if eventBacklog <= 0 {
		eventBacklog = DefaultEventBacklog
	}

	return &NetReactor{
		logger:         logger,
		dialer:         dialer,
		connectTimeout: connectTimeout,
		readBufferSize: readBufferSize,
		conns:          make(map[uint32]*watchedConn),
		dialing:        make(map[uint32]context.CancelFunc),
		eventsCh:       make(chan Event, eventBacklog),
		closeCh:        make(chan struct{}),
	}
}

func (r *NetReactor) post(evt Event) bool {
	select {
	case r.eventsCh <- evt:
		return true
	case <-r.closeCh:
		return false
	}
}

func (r *NetReactor) Connect(token uint32, address string) {
	r.lock.Lock()
	if r.isClosed {
		r.lock.Unlock()
		go r.post(Event{Token: token, Kind: EventClosed, Err: ErrReactorClosed})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
	r.dialing[token] = cancel
	r.wg.Add(1)
	r.lock.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()

		r.logger.Debug("dialing", zap.Uint32("token", token), zap.String("address", address))

		conn, err := r.dialer.DialContext(ctx, "tcp", address)

		r.lock.Lock()
		_, stillWanted := r.dialing[token]
		delete(r.dialing, token)
		r.lock.Unlock()

		if !stillWanted {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		if err != nil {
			r.post(Event{Token: token, Kind: EventClosed, Err: err})
			return
		}

		if !r.post(Event{Token: token, Kind: EventConnected, Conn: conn}) {
			_ = conn.Close()
		}
	}()
}

func (r *NetReactor) Register(token uint32, conn net.Conn) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.isClosed {
		return ErrReactorClosed
	}

	if old, ok := r.conns[token]; ok {
		close(old.closeCh)
		_ = old.conn.Close()
	}

	wconn := &watchedConn{
		conn:    conn,
		closeCh: make(chan struct{}),
	}
	r.conns[token] = wconn

	r.wg.Add(1)
	go r.readPump(token, wconn)

	return nil
}

func (r *NetReactor) readPump(token uint32, wconn *watchedConn) {
	defer r.wg.Done()

	buf := make([]byte, r.readBufferSize)
	for {
		n, err := wconn.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			select {
			case r.eventsCh <- Event{Token: token, Kind: EventData, Data: data}:
			case <-wconn.closeCh:
				return
			case <-r.closeCh:
				return
			}
		}

		if err != nil {
			select {
			case <-wconn.closeCh:
				// deregistered, the consumer is no longer interested
				return
			default:
			}

			r.logger.Debug("connection read failed",
				zap.Uint32("token", token),
				zap.Error(err))

			select {
			case r.eventsCh <- Event{Token: token, Kind: EventClosed, Err: err}:
			case <-wconn.closeCh:
			case <-r.closeCh:
			}
			return
		}
	}
}

func (r *NetReactor) Deregister(token uint32) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if cancel, ok := r.dialing[token]; ok {
		delete(r.dialing, token)
		cancel()
	}

	wconn, ok := r.conns[token]
	if !ok {
		return
	}
	delete(r.conns, token)

	close(wconn.closeCh)
	_ = wconn.conn.Close()
}

func (r *NetReactor) Wait(ctx context.Context, deadline time.Time) ([]Event, error) {
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var events []Event
	select {
	case evt := <-r.eventsCh:
		events = append(events, evt)
	case <-timeoutCh:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closeCh:
		return nil, ErrReactorClosed
	}

	for {
		select {
		case evt := <-r.eventsCh:
			events = append(events, evt)
		default:
			return events, nil
		}
	}
}

func (r *NetReactor) Close() error {
	r.lock.Lock()
	if r.isClosed {
		r.lock.Unlock()
		return nil
	}
	r.isClosed = true

	for token, cancel := range r.dialing {
		cancel()
		delete(r.dialing, token)
	}

	var errs []error
	for token, wconn := range r.conns {
		close(wconn.closeCh)
		if err := wconn.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(r.conns, token)
	}

	close(r.closeCh)
	r.lock.Unlock()

	r.wg.Wait()
	return errors.Join(errs...)
}
