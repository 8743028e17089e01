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
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/couchbase/gocbcore/v10/memd"
	"go.uber.org/zap"
)

// RequestHook is consulted for every request before it is executed.  It
// returns true when it has handled the request itself, in which case no
// response is sent on its behalf.
type RequestHook func(c *Client, pak *memd.Packet) bool

type ServerOptions struct {
	Logger *zap.Logger
	Bucket *Bucket
}

type Server struct {
	logger   *zap.Logger
	bucket   *Bucket
	listener net.Listener

	lock     sync.Mutex
	hook     RequestHook
	closed   bool
	clients  []*Client
	requests []*memd.Packet
	wg       sync.WaitGroup
}

// NewServer starts a server listening on an ephemeral loopback port.
func NewServer(opts *ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bucket := opts.Bucket
	if bucket == nil {
		bucket = NewBucket()
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:   logger,
		bucket:   bucket,
		listener: lis,
	}

	s.wg.Add(1)
	go s.serve()

	return s, nil
}

func (s *Server) Address() string {
	return s.listener.Addr().String()
}

func (s *Server) Bucket() *Bucket {
	return s.bucket
}

func (s *Server) SetHook(hook RequestHook) {
	s.lock.Lock()
	s.hook = hook
	s.lock.Unlock()
}

// Requests returns every request received so far, in arrival order.
func (s *Server) Requests() []*memd.Packet {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]*memd.Packet(nil), s.requests...)
}

func (s *Server) NumClients() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.clients)
}

// DisconnectAll drops every client connection without closing the
// listener.
func (s *Server) DisconnectAll() {
	s.lock.Lock()
	clients := append([]*Client(nil), s.clients...)
	s.lock.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

func (s *Server) Close() error {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()

	err := s.listener.Close()
	s.DisconnectAll()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("failed to accept client", zap.Error(err))
			}
			return
		}

		client := &Client{
			server: s,
			logger: s.logger.With(zap.Stringer("address", conn.RemoteAddr())),
			conn:   conn,
			memdConn: memd.NewConn(wrappedReadWriter{
				Reader: bufio.NewReader(conn),
				Writer: conn,
			}),
		}

		s.lock.Lock()
		if s.closed {
			s.lock.Unlock()
			_ = conn.Close()
			return
		}
		s.clients = append(s.clients, client)
		s.lock.Unlock()

		s.wg.Add(1)
		go client.procThread()
	}
}

func (s *Server) removeClient(client *Client) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for idx, iterClient := range s.clients {
		if iterClient == client {
			s.clients[idx] = s.clients[len(s.clients)-1]
			s.clients = s.clients[:len(s.clients)-1]
			return
		}
	}
}

type wrappedReadWriter struct {
	*bufio.Reader
	io.Writer
}

type Client struct {
	server   *Server
	logger   *zap.Logger
	conn     net.Conn
	memdConn *memd.Conn

	writeLock sync.Mutex
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

func (c *Client) procThread() {
	defer c.server.wg.Done()

	for {
		pak, _, err := c.memdConn.ReadPacket()
		if err != nil {
			if !isClosedErr(err) {
				c.logger.Warn("unexpected read error", zap.Error(err))
			}
			break
		}

		c.handlePacket(pak)
	}

	_ = c.conn.Close()
	c.server.removeClient(c)
}

func (c *Client) handlePacket(pak *memd.Packet) {
	c.server.lock.Lock()
	c.server.requests = append(c.server.requests, pak)
	hook := c.server.hook
	c.server.lock.Unlock()

	if hook != nil && hook(c, pak) {
		return
	}

	if pak.Magic != memd.CmdMagicReq {
		c.logger.Debug("ignoring non-request packet")
		return
	}

	resp := c.server.bucket.execute(pak)
	c.Reply(pak, resp.status, resp.cas, resp.datatype, resp.extras, resp.value)
}

// Reply writes a response to req.
func (c *Client) Reply(
	req *memd.Packet,
	status memd.StatusCode,
	cas uint64,
	datatype uint8,
	extras, value []byte,
) {
	err := c.WritePacket(&memd.Packet{
		Magic:    memd.CmdMagicRes,
		Command:  req.Command,
		Datatype: datatype,
		Status:   status,
		Opaque:   req.Opaque,
		Cas:      cas,
		Extras:   extras,
		Value:    value,
	})
	if err != nil {
		c.logger.Debug("failed to write packet", zap.Error(err))
	}
}

func (c *Client) WritePacket(pak *memd.Packet) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	return c.memdConn.WritePacket(pak)
}

// Close drops the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
