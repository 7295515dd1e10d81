// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server is a Modbus TCP server answering Read Input Registers requests from
// a DataSource. Every connection carries exactly one request and one response.
type Server struct {
	source DataSource
	opts   *serverOptions
	sink   RequestSink

	mu       sync.Mutex
	listener net.Listener
	active   int
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// NewServer creates a new Modbus TCP server reading channel values from source.
func NewServer(source DataSource, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &Server{
		source:  source,
		opts:    options,
		metrics: NewServerMetrics(),
	}
	switch len(options.sinks) {
	case 0:
	case 1:
		s.sink = options.sinks[0]
	default:
		s.sink = multiSink(options.sinks)
	}
	return s
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// Start binds addr and serves it on a new goroutine. A bind failure is
// returned to the caller; the server is not started in that case.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := s.Serve(listener); err != nil && !errors.Is(err, ErrServerClosed) {
			s.opts.logger.Error("serve error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// ListenAndServe binds addr and serves it until Close.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeContext binds addr and serves it until ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	return s.Serve(listener)
}

// Serve accepts connections on listener, handling each on its own goroutine.
// It always returns a non-nil error; after Close it returns ErrServerClosed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		if !s.admit(conn) {
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.handleConn(conn)
	}
}

// admit registers conn as active, or closes it when the server is closing or
// the connection cap is reached. wg.Add must stay under mu, after the closed
// check: Shutdown waits only once no further Add can happen.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	if s.opts.maxConns > 0 && s.active >= s.opts.maxConns {
		s.mu.Unlock()
		s.metrics.Rejected.Add(1)
		s.opts.logger.Warn("max connections reached, rejecting",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
	s.active++
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ActiveConns.Add(1)
	s.metrics.TotalConns.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// Close stops accepting connections and closes the listener. Connections
// already accepted run to completion.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Unlock()

	s.opts.logger.Info("server stopped")
	return err
}

// Shutdown closes the server and waits for in-flight connections to finish
// or for ctx to be done, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of connections being handled.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		// Recover from panic to prevent server crash
		if r := recover(); r != nil {
			s.metrics.RequestsErrors.Add(1)
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		s.metrics.ActiveConns.Add(-1)
		s.wg.Done()
	}()

	if s.opts.readTimeout > 0 {
		conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
	}

	req, err := ReadRequest(conn)
	if err != nil {
		s.metrics.Aborted.Add(1)
		s.opts.logger.Debug("request aborted",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		return
	}

	start := timeNow()
	s.metrics.RequestsTotal.Add(1)
	if s.sink != nil {
		s.sink.HandleRequest(RequestEvent{
			Time:          start,
			Remote:        remote,
			TransactionID: req.Header.TransactionID,
			UnitID:        req.Header.UnitID,
			FunctionCode:  req.FunctionCode,
			Address:       req.Address,
			Count:         req.Count,
		})
	}

	s.opts.logger.Debug("processing request",
		slog.String("remote", remote),
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(req.Header.UnitID)),
		slog.String("func", req.FunctionCode.String()),
		slog.Uint64("addr", uint64(req.Address)),
		slog.Uint64("count", uint64(req.Count)))

	resp, exception, err := s.buildResponse(req)
	if err != nil {
		s.metrics.RequestsErrors.Add(1)
		s.opts.logger.Error("encode error",
			slog.String("remote", remote),
			slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
			slog.String("error", err.Error()))
		return
	}

	if s.opts.writeTimeout > 0 {
		conn.SetWriteDeadline(timeNow().Add(s.opts.writeTimeout))
	}

	if _, err := conn.Write(resp); err != nil {
		s.metrics.RequestsErrors.Add(1)
		s.opts.logger.Debug("write error",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		return
	}

	if exception {
		s.metrics.Exceptions.Add(1)
	} else {
		s.metrics.RequestsSuccess.Add(1)
	}
	s.metrics.Latency.Observe(timeNow().Sub(start))
}

// buildResponse answers req. exception reports whether resp is an exception frame.
func (s *Server) buildResponse(req *Request) (resp []byte, exception bool, err error) {
	tx, unit := req.Header.TransactionID, req.Header.UnitID

	if req.FunctionCode != FuncReadInputRegisters {
		return EncodeException(tx, unit, req.FunctionCode, ExceptionIllegalFunction), true, nil
	}
	if s.opts.maxRegisters > 0 && int(req.Count) > s.opts.maxRegisters {
		return EncodeException(tx, unit, req.FunctionCode, ExceptionIllegalDataValue), true, nil
	}

	regs := ResolveRegisters(req.Address, req.Count, s.source.Snapshot())
	resp, err = EncodeResponse(tx, unit, req.FunctionCode, regs)
	if err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

// timeNow is a variable for testing
var timeNow = time.Now
