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
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// RequestEvent describes one decoded request, emitted before the server
// decides how to answer it.
type RequestEvent struct {
	Time          time.Time
	Remote        string
	TransactionID uint16
	UnitID        UnitID
	FunctionCode  FunctionCode
	Address       uint16
	Count         uint16
}

// String formats the event as a single log line:
//
//	[15:04:05] 10.0.0.7 - FC4 addr=1000 count=8
func (e RequestEvent) String() string {
	host := e.Remote
	if h, _, err := net.SplitHostPort(e.Remote); err == nil {
		host = h
	}
	return fmt.Sprintf("[%s] %s - FC%d addr=%d count=%d",
		e.Time.Format("15:04:05"), host, uint8(e.FunctionCode), e.Address, e.Count)
}

// RequestSink receives request events. HandleRequest is called from
// connection goroutines before the response is written; it must be safe for
// concurrent use and return promptly.
type RequestSink interface {
	HandleRequest(RequestEvent)
}

// RequestSinkFunc adapts a function to the RequestSink interface.
type RequestSinkFunc func(RequestEvent)

// HandleRequest calls f.
func (f RequestSinkFunc) HandleRequest(e RequestEvent) {
	f(e)
}

// LineSink writes one line per request event to an io.Writer.
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineSink creates a LineSink writing to w.
func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// HandleRequest writes the event line.
func (s *LineSink) HandleRequest(e RequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, e.String())
}

type multiSink []RequestSink

func (m multiSink) HandleRequest(e RequestEvent) {
	for _, s := range m {
		s.HandleRequest(e)
	}
}
