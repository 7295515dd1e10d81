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

// RegisterKind tells the encoder how a register is packed on the wire.
type RegisterKind uint8

const (
	// RegisterFiller is packed as an unsigned zero.
	RegisterFiller RegisterKind = iota
	// RegisterValue carries a channel value packed as a signed 16-bit integer.
	RegisterValue
)

// Register is one resolved input register.
type Register struct {
	Kind  RegisterKind
	Value int16
}

// Word returns the 16-bit wire representation of the register.
func (r Register) Word() uint16 {
	if r.Kind != RegisterValue {
		return 0
	}
	return uint16(r.Value)
}

// LocateRegister maps an address onto its channel index and slot within the
// channel's register pair. Division floors toward negative infinity, so an
// address below RegisterBase always yields a negative channel and a slot in
// {0, 1}. The address is an int so that start+i never wraps.
func LocateRegister(addr int) (channel, slot int) {
	offset := addr - RegisterBase
	channel = offset / RegistersPerChannel
	slot = offset % RegistersPerChannel
	if slot < 0 {
		slot += RegistersPerChannel
		channel--
	}
	return channel, slot
}

// ResolveRegisters returns count registers starting at start. Slot 0 of
// channels 0..NumChannels-1 carries the snapshot value; every other position,
// including channels outside the map, is a filler.
func ResolveRegisters(start, count uint16, snap Snapshot) []Register {
	regs := make([]Register, count)
	for i := range regs {
		channel, slot := LocateRegister(int(start) + i)
		if channel >= 0 && channel < NumChannels && slot == 0 {
			regs[i] = Register{Kind: RegisterValue, Value: snap[channel]}
		}
	}
	return regs
}
