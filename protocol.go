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
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	h.put(buf)
	return buf
}

func (h *MBAPHeader) put(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidResponse)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// TransactionIDGenerator generates unique transaction IDs.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Request is a decoded Read Input Registers request frame.
//
// Header.ProtocolID and Header.Length are carried as received and are not
// checked against the frame content.
type Request struct {
	Header       MBAPHeader
	FunctionCode FunctionCode
	Address      uint16
	Count        uint16
}

// DecodeRequest decodes the first RequestSize bytes of data.
func DecodeRequest(data []byte) (*Request, error) {
	if len(data) < RequestSize {
		return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRequest, len(data), RequestSize)
	}
	var req Request
	if err := req.Header.Decode(data[:MBAPHeaderSize]); err != nil {
		return nil, err
	}
	req.FunctionCode = FunctionCode(data[7])
	req.Address = binary.BigEndian.Uint16(data[8:10])
	req.Count = binary.BigEndian.Uint16(data[10:12])
	return &req, nil
}

// ReadRequest reads exactly one request frame from r. A short read is
// reported as ErrShortRequest wrapping the underlying read error.
func ReadRequest(r io.Reader) (*Request, error) {
	buf := make([]byte, RequestSize)
	if n, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: got %d of %d bytes: %w", ErrShortRequest, n, RequestSize, err)
	}
	return DecodeRequest(buf)
}

// Encode encodes the request to its 12-byte wire form. Header.Length is always
// written as 6 (unit id + function code + address + count).
func (r *Request) Encode() []byte {
	buf := make([]byte, RequestSize)
	h := r.Header
	h.Length = RequestSize - MBAPHeaderSize + 1
	h.put(buf)
	buf[7] = byte(r.FunctionCode)
	binary.BigEndian.PutUint16(buf[8:10], r.Address)
	binary.BigEndian.PutUint16(buf[10:12], r.Count)
	return buf
}

// NewReadInputRegistersRequest builds a function code 04 request.
func NewReadInputRegistersRequest(txID uint16, unitID UnitID, addr, count uint16) *Request {
	return &Request{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        unitID,
		},
		FunctionCode: FuncReadInputRegisters,
		Address:      addr,
		Count:        count,
	}
}

// EncodeResponse encodes a successful response carrying regs. Value registers
// are packed as signed 16-bit integers and fillers as unsigned zero.
func EncodeResponse(txID uint16, unitID UnitID, fc FunctionCode, regs []Register) ([]byte, error) {
	byteCount := 2 * len(regs)
	if byteCount > 0xFF {
		return nil, fmt.Errorf("%w: %d registers", ErrResponseTooLarge, len(regs))
	}

	buf := make([]byte, ResponseHeaderSize+byteCount)
	h := MBAPHeader{
		TransactionID: txID,
		ProtocolID:    ProtocolID,
		Length:        uint16(byteCount + 3), // Unit ID + function code + byte count
		UnitID:        unitID,
	}
	h.put(buf)
	buf[7] = byte(fc)
	buf[8] = byte(byteCount)
	for i, reg := range regs {
		binary.BigEndian.PutUint16(buf[ResponseHeaderSize+i*2:], reg.Word())
	}
	return buf, nil
}

// EncodeException encodes the 9-byte exception response for fc.
func EncodeException(txID uint16, unitID UnitID, fc FunctionCode, ec ExceptionCode) []byte {
	buf := make([]byte, ResponseHeaderSize)
	h := MBAPHeader{
		TransactionID: txID,
		ProtocolID:    ProtocolID,
		Length:        3,
		UnitID:        unitID,
	}
	h.put(buf)
	buf[7] = byte(fc) | 0x80
	buf[8] = byte(ec)
	return buf
}

// ResponseHeader is the fixed 9-byte prefix of a response. For an exception
// response the last byte is the exception code instead of the byte count.
type ResponseHeader struct {
	MBAPHeader
	FunctionCode FunctionCode
	ByteCount    uint8
}

// ParseResponseHeader parses the first ResponseHeaderSize bytes of data.
func ParseResponseHeader(data []byte) (*ResponseHeader, error) {
	if len(data) < ResponseHeaderSize {
		return nil, fmt.Errorf("%w: header too short (%d bytes)", ErrInvalidResponse, len(data))
	}
	var h ResponseHeader
	if err := h.MBAPHeader.Decode(data); err != nil {
		return nil, err
	}
	h.FunctionCode = FunctionCode(data[7])
	h.ByteCount = data[8]
	return &h, nil
}

// IsException reports whether the function code has its high bit set.
func (h *ResponseHeader) IsException() bool {
	return h.FunctionCode&0x80 != 0
}

// Exception returns the exception carried by an exception response.
func (h *ResponseHeader) Exception() *ModbusError {
	return NewModbusError(h.FunctionCode&0x7F, ExceptionCode(h.ByteCount))
}

// ParseRegisters splits register data into big-endian 16-bit words.
func ParseRegisters(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd register data length %d", ErrInvalidResponse, len(data))
	}
	values := make([]uint16, len(data)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return values, nil
}
