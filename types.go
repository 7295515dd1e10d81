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

// Package modbus implements a minimal Modbus TCP server that serves a bank of
// four signed channels through function code 04 (Read Input Registers), and
// the matching client used to poll it.
package modbus

import "time"

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes. Only FuncReadInputRegisters is served; the others are named
// so that rejected requests log readably.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// String returns the string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// Protocol constants.
const (
	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// RequestSize is the size of a Read Input Registers request frame
	// (MBAP header + function code + start address + register count).
	RequestSize = 12

	// ResponseHeaderSize is the fixed prefix of every response frame: the MBAP
	// header, the function code and either the byte count or the exception code.
	ResponseHeaderSize = 9

	// MaxResponseRegisters is the largest register count whose byte count still
	// fits the one-byte field of the response.
	MaxResponseRegisters = 127

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultTimeout is the default read and write timeout of a connection.
	DefaultTimeout = 5 * time.Second
)

// Register map constants.
const (
	// RegisterBase is the address of the first register of channel 0.
	RegisterBase = 1000

	// NumChannels is the number of channels exposed by the register map.
	NumChannels = 4

	// RegistersPerChannel is the number of consecutive registers backing one channel.
	RegistersPerChannel = 2

	// DisabledValue is the sentinel reported by a disabled channel.
	DisabledValue int16 = -32767

	// MinValue and MaxValue bound every channel value.
	MinValue int16 = -32767
	MaxValue int16 = 32767
)

// Snapshot is a point-in-time copy of the channel values, disabled channels
// already replaced by DisabledValue.
type Snapshot [NumChannels]int16

// DataSource supplies the current channel values to the server. Snapshot is
// called once per served request and must be safe for concurrent use.
type DataSource interface {
	Snapshot() Snapshot
}

// DataSourceFunc adapts a plain function to the DataSource interface.
type DataSourceFunc func() Snapshot

// Snapshot calls f.
func (f DataSourceFunc) Snapshot() Snapshot {
	return f()
}

// ChannelLabel returns the conventional label (A-D) of a channel index.
func ChannelLabel(i int) string {
	if i < 0 || i >= NumChannels {
		return "?"
	}
	return string(rune('A' + i))
}

// ChannelAddress returns the address of the value register of channel i.
func ChannelAddress(i int) uint16 {
	return uint16(RegisterBase + i*RegistersPerChannel)
}
