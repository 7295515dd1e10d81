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
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	result := header.Encode()

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestMBAPHeader_Decode_TooShort(t *testing.T) {
	var header MBAPHeader
	if err := header.Decode([]byte{0x00, 0x01, 0x00}); err == nil {
		t.Error("Expected error for short data")
	}
}

func TestDecodeRequest(t *testing.T) {
	data := []byte{
		0x12, 0x34, // Transaction ID
		0x00, 0x07, // Protocol ID (not validated)
		0x00, 0x63, // Length (not validated)
		0x11,       // Unit ID
		0x04,       // Function code
		0x03, 0xE8, // Start address 1000
		0x00, 0x08, // Count 8
	}

	req, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}

	if req.Header.TransactionID != 0x1234 {
		t.Errorf("TransactionID: expected 0x1234, got 0x%04X", req.Header.TransactionID)
	}
	if req.Header.ProtocolID != 7 {
		t.Errorf("ProtocolID: expected 7, got %d", req.Header.ProtocolID)
	}
	if req.Header.Length != 0x63 {
		t.Errorf("Length: expected 0x63, got 0x%04X", req.Header.Length)
	}
	if req.Header.UnitID != 0x11 {
		t.Errorf("UnitID: expected 0x11, got 0x%02X", req.Header.UnitID)
	}
	if req.FunctionCode != FuncReadInputRegisters {
		t.Errorf("FunctionCode: expected 4, got %d", req.FunctionCode)
	}
	if req.Address != 1000 {
		t.Errorf("Address: expected 1000, got %d", req.Address)
	}
	if req.Count != 8 {
		t.Errorf("Count: expected 8, got %d", req.Count)
	}
}

func TestDecodeRequest_Short(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 11} {
		_, err := DecodeRequest(make([]byte, n))
		if !errors.Is(err, ErrShortRequest) {
			t.Errorf("%d bytes: expected ErrShortRequest, got %v", n, err)
		}
	}
}

func TestDecodeRequest_IgnoresTrailingBytes(t *testing.T) {
	data := append(NewReadInputRegistersRequest(9, 1, 1006, 2).Encode(), 0xFF, 0xFF)
	req, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if req.Address != 1006 || req.Count != 2 {
		t.Errorf("Expected addr=1006 count=2, got addr=%d count=%d", req.Address, req.Count)
	}
}

func TestReadRequest_Short(t *testing.T) {
	_, err := ReadRequest(bytes.NewReader(make([]byte, 8)))
	if !errors.Is(err, ErrShortRequest) {
		t.Fatalf("Expected ErrShortRequest, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected wrapped io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestRequest_Encode(t *testing.T) {
	req := NewReadInputRegistersRequest(1, 1, 1000, 6)
	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x04, 0x03, 0xE8, 0x00, 0x06}

	if result := req.Encode(); !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestEncodeResponse_ScenarioA(t *testing.T) {
	snap := Snapshot{150, -200, 0, DisabledValue}
	regs := ResolveRegisters(1000, 8, snap)

	result, err := EncodeResponse(0x0001, 0x01, FuncReadInputRegisters, regs)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}

	expected := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x13, // Length = 16 + 3
		0x01,       // Unit ID
		0x04,       // Function code
		0x10,       // Byte count
		0x00, 0x96, 0x00, 0x00, // A = 150
		0xFF, 0x38, 0x00, 0x00, // B = -200
		0x00, 0x00, 0x00, 0x00, // C = 0
		0x80, 0x01, 0x00, 0x00, // D = disabled
	}
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestEncodeResponse_Empty(t *testing.T) {
	result, err := EncodeResponse(7, 2, FuncReadInputRegisters, nil)
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	expected := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x03, 0x02, 0x04, 0x00}
	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestEncodeResponse_TooLarge(t *testing.T) {
	if _, err := EncodeResponse(1, 1, FuncReadInputRegisters, make([]Register, MaxResponseRegisters)); err != nil {
		t.Fatalf("%d registers should encode: %v", MaxResponseRegisters, err)
	}
	_, err := EncodeResponse(1, 1, FuncReadInputRegisters, make([]Register, MaxResponseRegisters+1))
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("Expected ErrResponseTooLarge, got %v", err)
	}
}

func TestEncodeException(t *testing.T) {
	result := EncodeException(0xABCD, 0x05, FuncReadHoldingRegisters, ExceptionIllegalFunction)
	expected := []byte{0xAB, 0xCD, 0x00, 0x00, 0x00, 0x03, 0x05, 0x83, 0x01}

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestParseResponseHeader(t *testing.T) {
	h, err := ParseResponseHeader([]byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x07, 0x01, 0x04, 0x04})
	if err != nil {
		t.Fatalf("ParseResponseHeader failed: %v", err)
	}
	if h.TransactionID != 2 || h.Length != 7 || h.UnitID != 1 {
		t.Errorf("Unexpected header: %+v", h.MBAPHeader)
	}
	if h.IsException() {
		t.Error("Should not be an exception")
	}
	if h.ByteCount != 4 {
		t.Errorf("ByteCount: expected 4, got %d", h.ByteCount)
	}

	h, err = ParseResponseHeader(EncodeException(3, 1, FuncReadCoils, ExceptionIllegalFunction))
	if err != nil {
		t.Fatalf("ParseResponseHeader failed: %v", err)
	}
	if !h.IsException() {
		t.Fatal("Should be an exception")
	}
	modbusErr := h.Exception()
	if modbusErr.FunctionCode != FuncReadCoils {
		t.Errorf("FunctionCode: expected 0x01, got 0x%02X", modbusErr.FunctionCode)
	}
	if modbusErr.ExceptionCode != ExceptionIllegalFunction {
		t.Errorf("ExceptionCode: expected 0x01, got 0x%02X", modbusErr.ExceptionCode)
	}
}

func TestParseResponseHeader_TooShort(t *testing.T) {
	_, err := ParseResponseHeader(make([]byte, 8))
	if !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestParseRegisters(t *testing.T) {
	values, err := ParseRegisters([]byte{0x00, 0x96, 0xFF, 0x38, 0x80, 0x01})
	if err != nil {
		t.Fatalf("ParseRegisters failed: %v", err)
	}
	expected := []uint16{0x0096, 0xFF38, 0x8001}
	for i, v := range expected {
		if values[i] != v {
			t.Errorf("values[%d]: expected 0x%04X, got 0x%04X", i, v, values[i])
		}
	}

	if _, err := ParseRegisters([]byte{0x00}); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse for odd length, got %v", err)
	}
}

func TestTransactionIDGenerator(t *testing.T) {
	var g TransactionIDGenerator
	first := g.Next()
	second := g.Next()
	if second != first+1 {
		t.Errorf("Expected consecutive IDs, got %d then %d", first, second)
	}
}
