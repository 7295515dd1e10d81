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
	"strconv"
	"strings"
	"sync"
)

// Channel is a read-only view of one channel.
type Channel struct {
	Index   int
	Label   string
	Value   int16
	Enabled bool
}

// Reported returns the value a client observes for the channel.
func (c Channel) Reported() int16 {
	if !c.Enabled {
		return DisabledValue
	}
	return c.Value
}

// ChannelBank owns the channel values served over the register map. It is the
// DataSource of the server and is safe for concurrent use.
type ChannelBank struct {
	mu      sync.RWMutex
	values  [NumChannels]int16
	enabled [NumChannels]bool
}

// NewChannelBank creates a bank with every channel enabled at zero.
func NewChannelBank() *ChannelBank {
	b := &ChannelBank{}
	for i := range b.enabled {
		b.enabled[i] = true
	}
	return b
}

// Clamp limits v to [MinValue, MaxValue].
func Clamp(v int) int16 {
	if v < int(MinValue) {
		return MinValue
	}
	if v > int(MaxValue) {
		return MaxValue
	}
	return int16(v)
}

// ParseChannel accepts a channel label (A-D, case-insensitive) or index (0-3).
func ParseChannel(s string) (int, error) {
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		c := strings.ToUpper(s)[0]
		if c >= 'A' && c < 'A'+NumChannels {
			return int(c - 'A'), nil
		}
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= NumChannels {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return i, nil
}

func checkChannel(i int) error {
	if i < 0 || i >= NumChannels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, i)
	}
	return nil
}

// Snapshot returns a copy of the reported values.
func (b *ChannelBank) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var snap Snapshot
	for i := range snap {
		if b.enabled[i] {
			snap[i] = b.values[i]
		} else {
			snap[i] = DisabledValue
		}
	}
	return snap
}

// Channel returns channel i.
func (b *ChannelBank) Channel(i int) (Channel, error) {
	if err := checkChannel(i); err != nil {
		return Channel{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channelLocked(i), nil
}

// Channels returns every channel in index order.
func (b *ChannelBank) Channels() []Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Channel, NumChannels)
	for i := range out {
		out[i] = b.channelLocked(i)
	}
	return out
}

func (b *ChannelBank) channelLocked(i int) Channel {
	return Channel{
		Index:   i,
		Label:   ChannelLabel(i),
		Value:   b.values[i],
		Enabled: b.enabled[i],
	}
}

// Set stores v, clamped, and returns the stored value. A disabled channel is
// left untouched and keeps reporting DisabledValue.
func (b *ChannelBank) Set(i, v int) (int16, error) {
	if err := checkChannel(i); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled[i] {
		return DisabledValue, nil
	}
	b.values[i] = Clamp(v)
	return b.values[i], nil
}

// Adjust adds delta to channel i, clamping the result. A disabled channel is
// left untouched.
func (b *ChannelBank) Adjust(i, delta int) (int16, error) {
	if err := checkChannel(i); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled[i] {
		return DisabledValue, nil
	}
	// Saturate delta so the sum cannot overflow int.
	const span = int(MaxValue) - int(MinValue)
	if delta > span {
		delta = span
	} else if delta < -span {
		delta = -span
	}
	b.values[i] = Clamp(int(b.values[i]) + delta)
	return b.values[i], nil
}

// SetAll stores every value of values, clamped, in one step. Disabled
// channels are left untouched.
func (b *ChannelBank) SetAll(values [NumChannels]int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, v := range values {
		if b.enabled[i] {
			b.values[i] = Clamp(v)
		}
	}
}

// SetEnabled enables or disables channel i. Both transitions reset the stored
// value to zero, so a re-enabled channel always starts from 0.
func (b *ChannelBank) SetEnabled(i int, enabled bool) error {
	if err := checkChannel(i); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.enabled[i] = enabled
	b.values[i] = 0
	return nil
}

// Total sums the values of enabled channels.
func (b *ChannelBank) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for i, v := range b.values {
		if b.enabled[i] && v != DisabledValue {
			total += int(v)
		}
	}
	return total
}
