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

// Package flash provides low-level access to the fixed flash regions used by
// the bootloader: the two image slots and the scratch area.
//
// Note that these are very low-level primitives, and care must be taken when
// using them: writes are never preceded by an implicit erase, matching real
// flash semantics, and every write or erase must be assumed interruptible at
// any point by power loss.
package flash

import (
	"fmt"
)

// ErasedByte is the value every byte of a sector holds after an erase.
const ErasedByte = 0xff

// StatusSectors is the number of sectors reserved at the end of each image
// slot for the bootloader's persisted status records; image content never
// extends into this area. Two sectors let the status journal alternate
// between them, so an erase never destroys the only copy of a record.
const StatusSectors = 2

// Device models an addressable, erasable, byte-writable storage device.
//
// Reads may target any offset and length. Writes may target any offset, but
// only bytes in the erased state may be written; overwriting non-blank
// content without an intervening erase is a caller bug. Erases operate on
// whole sectors only.
type Device interface {
	// SectorSize returns the erase unit of the device in bytes.
	SectorSize() int
	// Size returns the total capacity of the device in bytes.
	Size() int64
	// Read reads len(b) bytes at the given offset.
	Read(off int64, b []byte) error
	// Write writes b at the given offset. The target range must have been
	// erased since it was last written.
	Write(off int64, b []byte) error
	// Erase resets n bytes at the given offset to the erased state. Both
	// off and n must be multiples of the sector size; implementations
	// return *AlignmentError otherwise.
	Erase(off, n int64) error
}

// AlignmentError reports a write or erase whose offset or length does not
// respect the device's sector alignment requirements.
type AlignmentError struct {
	Op     string
	Offset int64
	Length int64
	Sector int
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("%s of %d bytes @ %#x not aligned to %d byte sectors", e.Op, e.Length, e.Offset, e.Sector)
}

// Region is a fixed window over a Device, addressed with region-relative
// offsets. The bootloader's slots and scratch area are all Regions.
type Region struct {
	dev  Device
	off  int64
	size int64
}

// NewRegion returns a Region covering [off, off+size) of dev.
// off and size must be sector-aligned and within the device.
func NewRegion(dev Device, off, size int64) (*Region, error) {
	ss := int64(dev.SectorSize())
	if off%ss != 0 || size%ss != 0 {
		return nil, &AlignmentError{Op: "region", Offset: off, Length: size, Sector: dev.SectorSize()}
	}
	if size <= 0 || off < 0 || off+size > dev.Size() {
		return nil, fmt.Errorf("region [%#x, %#x) outside device of %d bytes", off, off+size, dev.Size())
	}
	return &Region{dev: dev, off: off, size: size}, nil
}

// SectorSize returns the erase unit of the underlying device.
func (r *Region) SectorSize() int {
	return r.dev.SectorSize()
}

// Size returns the region length in bytes.
func (r *Region) Size() int64 {
	return r.size
}

// Sectors returns the number of sectors covered by the region.
func (r *Region) Sectors() int {
	return int(r.size / int64(r.dev.SectorSize()))
}

func (r *Region) bounds(op string, off int64, n int64) error {
	if off < 0 || n < 0 || off+n > r.size {
		return fmt.Errorf("%s of %d bytes @ %#x outside region of %d bytes", op, n, off, r.size)
	}
	return nil
}

// Read reads len(b) bytes at the given region-relative offset.
func (r *Region) Read(off int64, b []byte) error {
	if err := r.bounds("read", off, int64(len(b))); err != nil {
		return err
	}
	return r.dev.Read(r.off+off, b)
}

// Write writes b at the given region-relative offset. The caller must have
// erased the target sectors beforehand if they held non-blank content.
func (r *Region) Write(off int64, b []byte) error {
	if err := r.bounds("write", off, int64(len(b))); err != nil {
		return err
	}
	return r.dev.Write(r.off+off, b)
}

// Erase resets n bytes at the given region-relative offset; both must be
// sector-aligned.
func (r *Region) Erase(off, n int64) error {
	if err := r.bounds("erase", off, n); err != nil {
		return err
	}
	ss := int64(r.dev.SectorSize())
	if off%ss != 0 || n%ss != 0 {
		return &AlignmentError{Op: "erase", Offset: off, Length: n, Sector: r.dev.SectorSize()}
	}
	return r.dev.Erase(r.off+off, n)
}

// EraseSector erases the i-th sector of the region.
func (r *Region) EraseSector(i int) error {
	ss := int64(r.dev.SectorSize())
	return r.Erase(int64(i)*ss, ss)
}

// ReadSector reads the i-th sector of the region into b, which must be
// exactly one sector long.
func (r *Region) ReadSector(i int, b []byte) error {
	if len(b) != r.dev.SectorSize() {
		return fmt.Errorf("sector read buffer is %d bytes, want %d", len(b), r.dev.SectorSize())
	}
	return r.Read(int64(i)*int64(len(b)), b)
}

// WriteSector writes b, which must be exactly one sector long, to the i-th
// sector of the region. The sector must be blank.
func (r *Region) WriteSector(i int, b []byte) error {
	if len(b) != r.dev.SectorSize() {
		return fmt.Errorf("sector write buffer is %d bytes, want %d", len(b), r.dev.SectorSize())
	}
	return r.Write(int64(i)*int64(len(b)), b)
}

// Layout describes the fixed flash geometry the bootloader operates on.
// Slot addresses are platform configuration, set once at startup.
type Layout struct {
	Primary   *Region
	Secondary *Region
	Scratch   *Region
}

// NewLayout carves the primary, secondary and scratch regions out of dev at
// the given offsets. Both slots must have the same size; the scratch region
// must hold at least one sector.
func NewLayout(dev Device, primaryOff, secondaryOff, slotSize, scratchOff, scratchSize int64) (*Layout, error) {
	p, err := NewRegion(dev, primaryOff, slotSize)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	s, err := NewRegion(dev, secondaryOff, slotSize)
	if err != nil {
		return nil, fmt.Errorf("secondary: %w", err)
	}
	sc, err := NewRegion(dev, scratchOff, scratchSize)
	if err != nil {
		return nil, fmt.Errorf("scratch: %w", err)
	}
	l := &Layout{Primary: p, Secondary: s, Scratch: sc}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks that the layout is self-consistent.
func (l *Layout) Validate() error {
	if l.Primary == nil || l.Secondary == nil || l.Scratch == nil {
		return fmt.Errorf("invalid layout: missing region")
	}
	if p, s := l.Primary.Size(), l.Secondary.Size(); p != s {
		return fmt.Errorf("invalid layout: slot sizes differ (%d vs %d bytes)", p, s)
	}
	if p, s, sc := l.Primary.SectorSize(), l.Secondary.SectorSize(), l.Scratch.SectorSize(); p != s || p != sc {
		return fmt.Errorf("invalid layout: sector sizes differ (%d/%d/%d bytes)", p, s, sc)
	}
	if l.Primary.Sectors() < StatusSectors+1 {
		return fmt.Errorf("invalid layout: slots need at least %d sectors, have %d", StatusSectors+1, l.Primary.Sectors())
	}
	if l.Scratch.Sectors() < 1 {
		return fmt.Errorf("invalid layout: scratch smaller than one sector")
	}
	regions := []*Region{l.Primary, l.Secondary, l.Scratch}
	for i, a := range regions {
		for _, b := range regions[i+1:] {
			if a.dev == b.dev && a.off < b.off+b.size && b.off < a.off+a.size {
				return fmt.Errorf("invalid layout: regions [%#x, %#x) and [%#x, %#x) overlap",
					a.off, a.off+a.size, b.off, b.off+b.size)
			}
		}
	}
	return nil
}
