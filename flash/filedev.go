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

package flash

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// FileDevice is a Device backed by a regular file, used by the host-side
// tooling to simulate a flash part. A freshly created file is fully erased.
type FileDevice struct {
	f          *os.File
	sectorSize int
	size       int64
}

// OpenFileDevice opens (or creates) a file-backed flash device of the given
// geometry. An existing file must match the requested size exactly.
func OpenFileDevice(path string, sectors, sectorSize int) (*FileDevice, error) {
	if sectors <= 0 || sectorSize <= 0 {
		return nil, fmt.Errorf("invalid geometry: %d sectors of %d bytes", sectors, sectorSize)
	}
	size := int64(sectors) * int64(sectorSize)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if os.IsNotExist(err) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to create flash file %q: %w", path, err)
		}
		blank := make([]byte, sectorSize)
		for i := range blank {
			blank[i] = ErasedByte
		}
		for s := 0; s < sectors; s++ {
			if _, err := f.WriteAt(blank, int64(s)*int64(sectorSize)); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to initialise flash file %q: %w", path, err)
			}
		}
		klog.Infof("Created blank flash file %q (%d sectors of %d bytes)", path, sectors, sectorSize)
	} else if err != nil {
		return nil, fmt.Errorf("failed to open flash file %q: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() != size {
		f.Close()
		return nil, fmt.Errorf("flash file %q is %d bytes, want %d", path, st.Size(), size)
	}

	return &FileDevice{f: f, sectorSize: sectorSize, size: size}, nil
}

// SectorSize returns the erase unit of the device.
func (d *FileDevice) SectorSize() int {
	return d.sectorSize
}

// Size returns the total capacity of the device.
func (d *FileDevice) Size() int64 {
	return d.size
}

// Read reads len(b) bytes at off.
func (d *FileDevice) Read(off int64, b []byte) error {
	if _, err := d.f.ReadAt(b, off); err != nil {
		return fmt.Errorf("flash read of %d bytes @ %#x: %w", len(b), off, err)
	}
	return nil
}

// Write writes b at off and syncs the backing file so the data survives the
// simulated power loss of a host process exit.
func (d *FileDevice) Write(off int64, b []byte) error {
	if _, err := d.f.WriteAt(b, off); err != nil {
		return fmt.Errorf("flash write of %d bytes @ %#x: %w", len(b), off, err)
	}
	return d.f.Sync()
}

// Erase resets the given sector range to the erased state.
func (d *FileDevice) Erase(off, n int64) error {
	ss := int64(d.sectorSize)
	if off%ss != 0 || n%ss != 0 {
		return &AlignmentError{Op: "erase", Offset: off, Length: n, Sector: d.sectorSize}
	}
	blank := make([]byte, d.sectorSize)
	for i := range blank {
		blank[i] = ErasedByte
	}
	for ; n > 0; n -= ss {
		if _, err := d.f.WriteAt(blank, off); err != nil {
			return fmt.Errorf("flash erase @ %#x: %w", off, err)
		}
		off += ss
	}
	return d.f.Sync()
}

// Close releases the backing file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
