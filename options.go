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
	"log/slog"
	"time"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	unitID  UnitID
	timeout time.Duration
	logger  *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		unitID:  1,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithUnitID sets the unit ID sent with every request.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout sets the dial and I/O timeout used when the context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger       *slog.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxConns     int
	maxRegisters int
	sinks        []RequestSink
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:       slog.Default(),
		readTimeout:  DefaultTimeout,
		writeTimeout: DefaultTimeout,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithReadTimeout bounds the wait for the request frame.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithWriteTimeout bounds the write of the response. Zero disables the deadline.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.writeTimeout = d
	}
}

// WithMaxConnections caps the number of connections handled at once. Excess
// connections are closed right after accept. Zero means no limit.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithMaxRegisters caps the register count of a request. Larger requests are
// answered with an illegal data value exception. Zero means no limit.
func WithMaxRegisters(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxRegisters = n
	}
}

// WithRequestSink adds a sink receiving every decoded request.
func WithRequestSink(sink RequestSink) ServerOption {
	return func(o *serverOptions) {
		o.sinks = append(o.sinks, sink)
	}
}
