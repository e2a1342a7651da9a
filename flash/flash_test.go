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

package flash_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/swapboot/swapboot/flash"
	"github.com/swapboot/swapboot/flash/testonly"
)

const sectorSize = 512

func TestNewRegion(t *testing.T) {
	dev := testonly.NewMemDev(t, 8, sectorSize)

	for _, test := range []struct {
		name      string
		off, size int64
		wantErr   bool
	}{
		{
			name: "whole device",
			off:  0, size: 8 * sectorSize,
		}, {
			name: "inner sectors",
			off:  sectorSize, size: 2 * sectorSize,
		}, {
			name: "unaligned offset",
			off:  100, size: sectorSize,
			wantErr: true,
		}, {
			name: "unaligned size",
			off:  0, size: sectorSize + 1,
			wantErr: true,
		}, {
			name: "past device end",
			off:  7 * sectorSize, size: 2 * sectorSize,
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := flash.NewRegion(dev, test.off, test.size)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("NewRegion(%d, %d) = %v, wantErr %t", test.off, test.size, err, test.wantErr)
			}
		})
	}
}

func TestRegionReadWrite(t *testing.T) {
	dev := testonly.NewMemDev(t, 8, sectorSize)
	r, err := flash.NewRegion(dev, 2*sectorSize, 4*sectorSize)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	want := []byte("firmware bytes")
	if err := r.Write(sectorSize, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(want))
	if err := r.Read(sectorSize, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Read got diff: %s", diff)
	}

	// Region offsets are relative: the same bytes live at device offset
	// region start + offset.
	abs := make([]byte, len(want))
	if err := dev.Read(3*sectorSize, abs); err != nil {
		t.Fatalf("device Read: %v", err)
	}
	if !bytes.Equal(abs, want) {
		t.Fatalf("device holds %q, want %q", abs, want)
	}

	if err := r.Read(4*sectorSize-4, make([]byte, 8)); err == nil {
		t.Fatal("Read past region end unexpectedly succeeded")
	}
	if err := r.Write(-1, []byte{1}); err == nil {
		t.Fatal("Write at negative offset unexpectedly succeeded")
	}
}

func TestRegionEraseAlignment(t *testing.T) {
	dev := testonly.NewMemDev(t, 8, sectorSize)
	r, err := flash.NewRegion(dev, 0, 4*sectorSize)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	var alignErr *flash.AlignmentError
	if err := r.Erase(10, sectorSize); !errors.As(err, &alignErr) {
		t.Fatalf("Erase(10, %d) = %v, want AlignmentError", sectorSize, err)
	}
	if err := r.Erase(0, sectorSize/2); !errors.As(err, &alignErr) {
		t.Fatalf("Erase(0, %d) = %v, want AlignmentError", sectorSize/2, err)
	}
	if err := r.Erase(0, sectorSize); err != nil {
		t.Fatalf("Erase(0, %d) = %v", sectorSize, err)
	}
}

func TestWriteRequiresErase(t *testing.T) {
	dev := testonly.NewMemDev(t, 8, sectorSize)
	r, err := flash.NewRegion(dev, 0, 4*sectorSize)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}

	if err := r.Write(0, []byte{0xab}); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := r.Write(0, []byte{0xcd}); err == nil {
		t.Fatal("overwrite without erase unexpectedly succeeded")
	}
	if err := r.EraseSector(0); err != nil {
		t.Fatalf("EraseSector: %v", err)
	}
	if err := r.Write(0, []byte{0xcd}); err != nil {
		t.Fatalf("Write after erase: %v", err)
	}
}

func TestNewLayout(t *testing.T) {
	for _, test := range []struct {
		name            string
		priOff, secOff  int64
		slotSize        int64
		scrOff, scrSize int64
		wantErr         bool
	}{
		{
			name:   "valid",
			priOff: 0, secOff: 4 * sectorSize, slotSize: 4 * sectorSize,
			scrOff: 8 * sectorSize, scrSize: sectorSize,
		}, {
			name:   "slots overlap",
			priOff: 0, secOff: 2 * sectorSize, slotSize: 4 * sectorSize,
			scrOff: 8 * sectorSize, scrSize: sectorSize,
			wantErr: true,
		}, {
			name:   "scratch overlaps slot",
			priOff: 0, secOff: 4 * sectorSize, slotSize: 4 * sectorSize,
			scrOff: 5 * sectorSize, scrSize: sectorSize,
			wantErr: true,
		}, {
			name:   "single sector slots",
			priOff: 0, secOff: sectorSize, slotSize: sectorSize,
			scrOff: 2 * sectorSize, scrSize: sectorSize,
			wantErr: true,
		}, {
			// Slots must fit the two-sector status area plus content.
			name:   "no room for image content",
			priOff: 0, secOff: 2 * sectorSize, slotSize: 2 * sectorSize,
			scrOff: 4 * sectorSize, scrSize: sectorSize,
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dev := testonly.NewMemDev(t, 16, sectorSize)
			_, err := flash.NewLayout(dev, test.priOff, test.secOff, test.slotSize, test.scrOff, test.scrSize)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("NewLayout = %v, wantErr %t", err, test.wantErr)
			}
		})
	}
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")

	d, err := flash.OpenFileDevice(path, 8, sectorSize)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}

	// A fresh device reads fully erased.
	b := make([]byte, sectorSize)
	if err := d.Read(0, b); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, v := range b {
		if v != flash.ErasedByte {
			t.Fatalf("byte %d = %#x, want erased", i, v)
		}
	}

	want := []byte("persisted")
	if err := d.Write(sectorSize, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Contents survive reopening, and geometry is checked.
	d, err = flash.OpenFileDevice(path, 8, sectorSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	got := make([]byte, len(want))
	if err := d.Read(sectorSize, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reopened device holds %q, want %q", got, want)
	}

	if _, err := flash.OpenFileDevice(path, 16, sectorSize); err == nil {
		t.Fatal("OpenFileDevice with wrong geometry unexpectedly succeeded")
	}
}
