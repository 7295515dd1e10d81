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
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithTimeout(2 * time.Second), WithLogger(discardLogger())}, opts...)
	client, err := NewClient(addr, opts...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(""); err == nil {
		t.Error("Expected error for empty address")
	}

	client, err := NewClient("localhost:502", WithUnitID(7))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.Address() != "localhost:502" {
		t.Errorf("Address: expected localhost:502, got %s", client.Address())
	}
	if client.UnitID() != 7 {
		t.Errorf("UnitID: expected 7, got %d", client.UnitID())
	}
}

func TestClient_ReadInputRegisters_Validation(t *testing.T) {
	client := newTestClient(t, "127.0.0.1:1")
	ctx := context.Background()

	if _, err := client.ReadInputRegisters(ctx, 1000, 0); !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("count 0: expected ErrResponseTooLarge, got %v", err)
	}
	if _, err := client.ReadInputRegisters(ctx, 1000, MaxResponseRegisters+1); !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("count %d: expected ErrResponseTooLarge, got %v", MaxResponseRegisters+1, err)
	}
	if _, err := client.ReadInputRegisters(ctx, 65535, 2); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
	if _, err := client.ReadChannel(ctx, NumChannels); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("Expected ErrInvalidChannel, got %v", err)
	}
}

func TestReadResponse(t *testing.T) {
	req := NewReadInputRegistersRequest(5, 1, 1000, 2)
	regs := ResolveRegisters(1000, 2, Snapshot{-200, 0, 0, 0})
	resp, _ := EncodeResponse(5, 1, FuncReadInputRegisters, regs)

	values, err := readResponse(bytes.NewReader(resp), req)
	if err != nil {
		t.Fatalf("readResponse failed: %v", err)
	}
	if len(values) != 2 || values[0] != 0xFF38 || values[1] != 0 {
		t.Errorf("Unexpected values %v", values)
	}
}

func TestReadResponse_Exception(t *testing.T) {
	req := NewReadInputRegistersRequest(5, 1, 1000, 2)
	resp := EncodeException(5, 1, FuncReadInputRegisters, ExceptionIllegalDataAddress)

	_, err := readResponse(bytes.NewReader(resp), req)
	var modbusErr *ModbusError
	if !errors.As(err, &modbusErr) {
		t.Fatalf("Expected *ModbusError, got %v", err)
	}
	if modbusErr.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("Expected illegal data address, got %s", modbusErr.ExceptionCode)
	}
	if modbusErr.FunctionCode != FuncReadInputRegisters {
		t.Errorf("Expected FC4, got %s", modbusErr.FunctionCode)
	}
}

func TestReadResponse_Mismatch(t *testing.T) {
	req := NewReadInputRegistersRequest(5, 1, 1000, 2)

	wrongTx, _ := EncodeResponse(6, 1, FuncReadInputRegisters, make([]Register, 2))
	wrongCount, _ := EncodeResponse(5, 1, FuncReadInputRegisters, make([]Register, 3))
	wrongFC, _ := EncodeResponse(5, 1, FuncReadHoldingRegisters, make([]Register, 2))

	tests := []struct {
		name string
		resp []byte
	}{
		{"transaction id", wrongTx},
		{"byte count", wrongCount},
		{"function code", wrongFC},
	}
	for _, tt := range tests {
		if _, err := readResponse(bytes.NewReader(tt.resp), req); !errors.Is(err, ErrInvalidResponse) {
			t.Errorf("%s: expected ErrInvalidResponse, got %v", tt.name, err)
		}
	}
}

func TestReadResponse_Truncated(t *testing.T) {
	req := NewReadInputRegistersRequest(5, 1, 1000, 2)
	resp, _ := EncodeResponse(5, 1, FuncReadInputRegisters, make([]Register, 2))

	if _, err := readResponse(bytes.NewReader(resp[:len(resp)-1]), req); err == nil {
		t.Error("Expected error for truncated data")
	}
	if _, err := readResponse(bytes.NewReader(resp[:5]), req); err == nil {
		t.Error("Expected error for truncated header")
	}
}

func TestDecodeReading(t *testing.T) {
	tests := []struct {
		raw      uint16
		value    int16
		disabled bool
		weight   float64
	}{
		{0x0000, 0, false, 0},
		{0x0096, 150, false, 150},
		{0x7FFF, 32767, false, 32767},
		{0xFF38, -200, false, -200},
		{0x8001, -32767, true, 0},
		{0x8000, -32768, false, -32768},
		{0xFFFF, -1, false, -1},
	}

	for _, tt := range tests {
		r := DecodeReading(tt.raw)
		if r.Raw != tt.value {
			t.Errorf("DecodeReading(0x%04X).Raw = %d, expected %d", tt.raw, r.Raw, tt.value)
		}
		if r.Disabled != tt.disabled {
			t.Errorf("DecodeReading(0x%04X).Disabled = %v, expected %v", tt.raw, r.Disabled, tt.disabled)
		}
		if r.Weight() != tt.weight {
			t.Errorf("DecodeReading(0x%04X).Weight() = %v, expected %v", tt.raw, r.Weight(), tt.weight)
		}
	}
}

func TestReading_String(t *testing.T) {
	if s := (Reading{Channel: 1, Raw: -200}).String(); s != "B: -200" {
		t.Errorf("Unexpected string %q", s)
	}
	if s := (Reading{Channel: 3, Raw: DisabledValue, Disabled: true}).String(); s != "D: disabled" {
		t.Errorf("Unexpected string %q", s)
	}
}

func TestClient_ReadChannels(t *testing.T) {
	server := startTestServer(t, scenarioBank())
	client := newTestClient(t, server.Addr().String())

	readings, err := client.ReadChannels(context.Background())
	if err != nil {
		t.Fatalf("ReadChannels failed: %v", err)
	}

	expected := []struct {
		raw      int16
		disabled bool
	}{
		{150, false},
		{-200, false},
		{0, false},
		{DisabledValue, true},
	}
	for i, want := range expected {
		r := readings[i]
		if r.Channel != i || r.Raw != want.raw || r.Disabled != want.disabled {
			t.Errorf("Channel %d: expected %+v, got %+v", i, want, r)
		}
	}
}

func TestClient_ReadChannel(t *testing.T) {
	server := startTestServer(t, scenarioBank())
	client := newTestClient(t, server.Addr().String())

	r, err := client.ReadChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("ReadChannel failed: %v", err)
	}
	if r.Channel != 1 || r.Raw != -200 {
		t.Errorf("Unexpected reading %+v", r)
	}

	r, err = client.ReadChannel(context.Background(), 3)
	if err != nil {
		t.Fatalf("ReadChannel failed: %v", err)
	}
	if !r.Disabled || r.Weight() != 0 {
		t.Errorf("Expected disabled reading, got %+v", r)
	}
}

func TestClient_RoundTripValues(t *testing.T) {
	bank := NewChannelBank()
	server := startTestServer(t, bank)
	client := newTestClient(t, server.Addr().String())

	sets := [][NumChannels]int{
		{-32767, 32767, -1, 12345},
		{0, 1, -32766, -200},
		{150, -200, 0, 7},
	}
	const end = RegisterBase + NumChannels*RegistersPerChannel
	for _, values := range sets {
		bank.SetAll(values)
		for start := RegisterBase; start < end; start++ {
			for count := 1; start+count <= end; count++ {
				regs, err := client.ReadInputRegisters(context.Background(), uint16(start), uint16(count))
				if err != nil {
					t.Fatalf("ReadInputRegisters(%d, %d) failed: %v", start, count, err)
				}
				if len(regs) != count {
					t.Fatalf("ReadInputRegisters(%d, %d): expected %d registers, got %d", start, count, count, len(regs))
				}
				for k, raw := range regs {
					off := start + k - RegisterBase
					want := 0
					if off%2 == 0 {
						want = values[off/2]
					}
					if got := int(int16(raw)); got != want {
						t.Errorf("values %v: register %d read via (%d, %d) decoded as %d, expected %d",
							values, start+k, start, count, got, want)
					}
				}
			}
		}
	}
}

func TestClient_ExceptionFromServer(t *testing.T) {
	server := startTestServer(t, scenarioBank(), WithMaxRegisters(4))
	client := newTestClient(t, server.Addr().String())

	_, err := client.ReadInputRegisters(context.Background(), 1000, 8)
	if !IsException(err, ExceptionIllegalDataValue) {
		t.Errorf("Expected illegal data value exception, got %v", err)
	}
}

func TestClient_TransactionIDsIncrement(t *testing.T) {
	var mu sync.Mutex
	var ids []uint16
	sink := RequestSinkFunc(func(e RequestEvent) {
		mu.Lock()
		ids = append(ids, e.TransactionID)
		mu.Unlock()
	})
	server := startTestServer(t, scenarioBank(), WithRequestSink(sink))
	client := newTestClient(t, server.Addr().String(), WithUnitID(3))

	for i := 0; i < 3; i++ {
		if _, err := client.ReadChannel(context.Background(), 0); err != nil {
			t.Fatalf("ReadChannel failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			t.Errorf("Transaction ids not consecutive: %v", ids)
		}
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	// Accept and never answer.
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	client := newTestClient(t, listener.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := client.ReadChannels(ctx); err == nil {
		t.Fatal("Expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Deadline not honoured, took %v", elapsed)
	}
}
