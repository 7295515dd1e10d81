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
	"io"
	"log/slog"
	"net"
	"time"
)

// Client polls a Modbus TCP server with Read Input Registers requests. Each
// request uses a fresh connection, matching servers that close the
// connection after every response. A Client is safe for concurrent use.
type Client struct {
	addr    string
	unitID  UnitID
	opts    *clientOptions
	txIDGen TransactionIDGenerator
	logger  *slog.Logger
}

// NewClient creates a new Modbus TCP client for addr (host:port).
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Client{
		addr:   addr,
		unitID: options.unitID,
		opts:   options,
		logger: options.logger,
	}, nil
}

// Address returns the server address.
func (c *Client) Address() string {
	return c.addr
}

// UnitID returns the unit ID sent with every request.
func (c *Client) UnitID() UnitID {
	return c.unitID
}

// ReadInputRegisters reads count input registers starting at addr (FC04).
func (c *Client) ReadInputRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	if count < 1 || count > MaxResponseRegisters {
		return nil, fmt.Errorf("%w: quantity must be 1-%d", ErrResponseTooLarge, MaxResponseRegisters)
	}
	if uint32(addr)+uint32(count) > 65536 {
		return nil, fmt.Errorf("%w: address range exceeds 65535", ErrInvalidAddress)
	}

	req := NewReadInputRegistersRequest(c.txIDGen.Next(), c.unitID, addr, count)
	return c.roundTrip(ctx, req)
}

// ReadChannel reads the register pair of channel i.
func (c *Client) ReadChannel(ctx context.Context, i int) (Reading, error) {
	if err := checkChannel(i); err != nil {
		return Reading{}, err
	}
	regs, err := c.ReadInputRegisters(ctx, ChannelAddress(i), RegistersPerChannel)
	if err != nil {
		return Reading{}, err
	}
	r := DecodeReading(regs[0])
	r.Channel = i
	return r, nil
}

// ReadChannels reads all channels with a single request.
func (c *Client) ReadChannels(ctx context.Context) ([NumChannels]Reading, error) {
	var out [NumChannels]Reading
	regs, err := c.ReadInputRegisters(ctx, RegisterBase, NumChannels*RegistersPerChannel)
	if err != nil {
		return out, err
	}
	for i := range out {
		out[i] = DecodeReading(regs[i*RegistersPerChannel])
		out[i].Channel = i
	}
	return out, nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request) ([]uint16, error) {
	dialer := &net.Dialer{Timeout: c.opts.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("tcp connect: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	c.logger.Debug("sending request",
		slog.String("addr", c.addr),
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(req.Header.UnitID)),
		slog.Uint64("start", uint64(req.Address)),
		slog.Uint64("count", uint64(req.Count)))

	if _, err := conn.Write(req.Encode()); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	return readResponse(conn, req)
}

// readResponse reads and validates the response to req from r.
func readResponse(r io.Reader, req *Request) ([]uint16, error) {
	buf := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h, err := ParseResponseHeader(buf)
	if err != nil {
		return nil, err
	}

	if h.TransactionID != req.Header.TransactionID {
		return nil, fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, req.Header.TransactionID, h.TransactionID)
	}
	if h.IsException() {
		return nil, h.Exception()
	}
	if h.FunctionCode != req.FunctionCode {
		return nil, fmt.Errorf("%w: unexpected function code 0x%02X", ErrInvalidResponse, uint8(h.FunctionCode))
	}
	if int(h.ByteCount) != int(req.Count)*2 {
		return nil, fmt.Errorf("%w: unexpected byte count: expected %d, got %d",
			ErrInvalidResponse, int(req.Count)*2, h.ByteCount)
	}

	data := make([]byte, h.ByteCount)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	return ParseRegisters(data)
}

// Reading is a decoded channel value.
type Reading struct {
	Channel  int
	Raw      int16
	Disabled bool
}

// DecodeReading reinterprets a value register as signed and recognises the
// disabled sentinel.
func DecodeReading(raw uint16) Reading {
	v := int16(raw)
	return Reading{Raw: v, Disabled: v == DisabledValue}
}

// Weight returns the reading as a float, reporting a disabled channel as 0.
// A disabled channel and a channel reading zero are indistinguishable here;
// check Disabled to tell them apart.
func (r Reading) Weight() float64 {
	if r.Disabled {
		return 0
	}
	return float64(r.Raw)
}

// String returns the reading in human-readable form.
func (r Reading) String() string {
	if r.Disabled {
		return ChannelLabel(r.Channel) + ": disabled"
	}
	return fmt.Sprintf("%s: %d", ChannelLabel(r.Channel), r.Raw)
}
