// Copyright 2024 The Swapboot Authors. All Rights Reserved.
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

// Package testonly provides support for flash tests.
package testonly

import (
	"fmt"
	"testing"

	"github.com/swapboot/swapboot/flash"
)

// ErrPowerLoss is returned by a MemDev when an injected power cut interrupts
// an operation. The interrupted operation is not applied, and a dead device
// stays dead: every further operation fails until the next "boot" re-arms
// the hooks.
var ErrPowerLoss = fmt.Errorf("power loss")

// MemDev is a simple in-memory flash device. It enforces real NOR-style
// discipline: writes may only target erased bytes, erases are sector-sized.
type MemDev struct {
	sectorSize int
	data       []byte

	// OnWrite, if set, is called before each write is applied and may
	// return an error to simulate power loss at that boundary.
	OnWrite func(off int64, n int) error
	// OnErase, if set, is called before each sector erase is applied.
	OnErase func(off int64) error
}

// NewMemDev creates a fully-erased in-memory flash device.
func NewMemDev(t *testing.T, sectors, sectorSize int) *MemDev {
	t.Helper()
	d := &MemDev{
		sectorSize: sectorSize,
		data:       make([]byte, sectors*sectorSize),
	}
	for i := range d.data {
		d.data[i] = flash.ErasedByte
	}
	return d
}

// SectorSize returns the erase unit of the device.
func (d *MemDev) SectorSize() int {
	return d.sectorSize
}

// Size returns the total capacity of the device.
func (d *MemDev) Size() int64 {
	return int64(len(d.data))
}

// Read reads len(b) bytes at off.
func (d *MemDev) Read(off int64, b []byte) error {
	if off < 0 || off+int64(len(b)) > int64(len(d.data)) {
		return fmt.Errorf("read of %d bytes @ %#x outside device of %d bytes", len(b), off, len(d.data))
	}
	copy(b, d.data[off:])
	return nil
}

// Write writes b at off. Every target byte must currently be erased.
func (d *MemDev) Write(off int64, b []byte) error {
	if off < 0 || off+int64(len(b)) > int64(len(d.data)) {
		return fmt.Errorf("write of %d bytes @ %#x outside device of %d bytes", len(b), off, len(d.data))
	}
	for i := range b {
		if d.data[off+int64(i)] != flash.ErasedByte {
			return fmt.Errorf("write to non-erased byte @ %#x", off+int64(i))
		}
	}
	if d.OnWrite != nil {
		if err := d.OnWrite(off, len(b)); err != nil {
			return err
		}
	}
	copy(d.data[off:], b)
	return nil
}

// Erase resets the given sector range to the erased state.
func (d *MemDev) Erase(off, n int64) error {
	ss := int64(d.sectorSize)
	if off%ss != 0 || n%ss != 0 {
		return &flash.AlignmentError{Op: "erase", Offset: off, Length: n, Sector: d.sectorSize}
	}
	if off < 0 || off+n > int64(len(d.data)) {
		return fmt.Errorf("erase of %d bytes @ %#x outside device of %d bytes", n, off, len(d.data))
	}
	for ; n > 0; n -= ss {
		if d.OnErase != nil {
			if err := d.OnErase(off); err != nil {
				return err
			}
		}
		for i := int64(0); i < ss; i++ {
			d.data[off+i] = flash.ErasedByte
		}
		off += ss
	}
	return nil
}

// Snapshot returns a copy of the device contents, for bit-identical
// comparisons across simulated boots.
func (d *MemDev) Snapshot() []byte {
	s := make([]byte, len(d.data))
	copy(s, d.data)
	return s
}

// FailAfter installs hooks that let n-1 further mutating operations (writes
// or erases) through and then cut power: the n-th and every later operation
// fail with ErrPowerLoss without being applied. It returns a function
// reporting whether the cut fired. Calling FailAfter again re-arms the
// device, simulating the next boot.
func (d *MemDev) FailAfter(n int) func() bool {
	fired := false
	count := 0
	tick := func() error {
		count++
		if count >= n {
			fired = true
			return ErrPowerLoss
		}
		return nil
	}
	d.OnWrite = func(int64, int) error { return tick() }
	d.OnErase = func(int64) error { return tick() }
	return func() bool { return fired }
}

// ClearHooks removes any installed fault-injection hooks.
func (d *MemDev) ClearHooks() {
	d.OnWrite = nil
	d.OnErase = nil
}

// Inject overwrites device content directly, bypassing erase discipline and
// hooks. Tests use it to plant corruption.
func (d *MemDev) Inject(off int64, b []byte) {
	copy(d.data[off:], b)
}
