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

package swap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"k8s.io/klog/v2"

	"github.com/swapboot/swapboot/flash"
)

// Type is the persisted swap type of a slot's status record.
type Type uint8

const (
	// TypeNone means no swap is staged, running or pending.
	TypeNone Type = iota
	// TypeTest requests a swap that must be confirmed after boot, and
	// is reverted automatically otherwise.
	TypeTest
	// TypePermanent requests a swap that is final once complete.
	TypePermanent
	// TypeRevert marks a revert exchange in progress.
	TypeRevert
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeTest:
		return "test"
	case TypePermanent:
		return "permanent"
	case TypeRevert:
		return "revert"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Exchange phases within one sector of a swap. Each phase's source data
// stays intact until the following phase begins, so re-running the current
// phase after power loss is always safe.
const (
	// phaseStart: nothing done for this sector yet.
	phaseStart = 0
	// phaseScratched: primary sector copied to scratch.
	phaseScratched = 1
	// phasePrimaryDone: secondary sector copied into primary.
	phasePrimaryDone = 2
)

// ErrInconsistent means a persisted status record contradicts itself or the
// slot contents. The state machine fails closed on it.
var ErrInconsistent = errors.New("inconsistent swap status record")

// Record is a slot's swap status: the only state the bootloader itself
// persists across boots. Illegal flag combinations are rejected at decode
// time rather than being interpreted.
type Record struct {
	Type     Type
	CopyDone bool
	ImageOK  bool

	// Phase and Cursor form the resume point of an exchange in
	// progress: sectors below Cursor are fully exchanged.
	Phase  uint8
	Cursor uint32
	// Count is the total number of sectors the exchange covers. It is
	// captured when the exchange starts, since the slot headers are no
	// longer a reliable source once sectors start moving.
	Count uint32
}

// InProgress reports whether the record describes an unfinished exchange.
func (r Record) InProgress() bool {
	return r.Type != TypeNone && !r.CopyDone
}

func (r Record) String() string {
	return fmt.Sprintf("type:%v copy_done:%t image_ok:%t cursor:%d/%d phase:%d",
		r.Type, r.CopyDone, r.ImageOK, r.Cursor, r.Count, r.Phase)
}

// validate rejects flag combinations that no legal transition produces.
func (r Record) validate() error {
	if r.Type > TypeRevert || r.Phase > phasePrimaryDone {
		return fmt.Errorf("%w: %v", ErrInconsistent, r)
	}
	if r.CopyDone && r.Phase != phaseStart {
		return fmt.Errorf("%w: copy done with phase %d: %v", ErrInconsistent, r.Phase, r)
	}
	if r.ImageOK && !r.CopyDone {
		return fmt.Errorf("%w: image_ok before copy completed: %v", ErrInconsistent, r)
	}
	if r.Type == TypeNone && (r.CopyDone || r.ImageOK || r.Phase != 0 || r.Cursor != 0 || r.Count != 0) {
		return fmt.Errorf("%w: flags set on empty record: %v", ErrInconsistent, r)
	}
	if r.Type == TypeRevert && r.ImageOK {
		return fmt.Errorf("%w: image_ok on revert: %v", ErrInconsistent, r)
	}
	if r.Cursor > r.Count {
		return fmt.Errorf("%w: cursor past count: %v", ErrInconsistent, r)
	}
	return nil
}

const (
	recordMagic = 0x5257a913

	// cellSize is the stride of record cells within a status sector.
	// Each update appends a fresh cell, so the sector wears evenly and a
	// torn write only costs the newest revision.
	cellSize = 32

	// encodedLen is the number of meaningful bytes in a cell.
	encodedLen = 24
)

func encodeRecord(r Record, revision uint32) []byte {
	b := make([]byte, encodedLen)
	binary.LittleEndian.PutUint32(b[0:4], recordMagic)
	binary.LittleEndian.PutUint32(b[4:8], revision)
	b[8] = uint8(r.Type)
	if r.CopyDone {
		b[9] = 1
	}
	if r.ImageOK {
		b[10] = 1
	}
	b[11] = r.Phase
	binary.LittleEndian.PutUint32(b[12:16], r.Cursor)
	binary.LittleEndian.PutUint32(b[16:20], r.Count)
	binary.LittleEndian.PutUint32(b[20:24], crc32.ChecksumIEEE(b[0:20]))
	return b
}

// decodeCell returns the record and revision held in a cell, or ok=false if
// the cell is blank, torn, or otherwise unparseable. Structural damage is
// not an error: the journal simply falls back to the previous revision.
func decodeCell(b []byte) (r Record, revision uint32, ok bool) {
	if binary.LittleEndian.Uint32(b[0:4]) != recordMagic {
		return Record{}, 0, false
	}
	if crc32.ChecksumIEEE(b[0:20]) != binary.LittleEndian.Uint32(b[20:24]) {
		return Record{}, 0, false
	}
	if b[9] > 1 || b[10] > 1 {
		return Record{}, 0, false
	}
	r = Record{
		Type:     Type(b[8]),
		CopyDone: b[9] == 1,
		ImageOK:  b[10] == 1,
		Phase:    b[11],
		Cursor:   binary.LittleEndian.Uint32(b[12:16]),
		Count:    binary.LittleEndian.Uint32(b[16:20]),
	}
	return r, binary.LittleEndian.Uint32(b[4:8]), true
}

// Journal persists a slot's swap status record in the slot's final two
// sectors.
//
// Updates append a new cell with a monotonically increasing revision; the
// reader takes the highest valid revision across both sectors. A write
// interrupted by power loss leaves a cell that fails its checksum and is
// ignored, so the journal always yields the last record that was fully
// written. When the active sector fills, the next revision is written into
// the other sector and the stale one is erased on the following switch:
// the erase only ever targets the sector that does not hold the current
// record, so reclamation has no window in which the journal is empty.
type Journal struct {
	slot *flash.Region
}

// OpenJournal returns the status journal of the given slot.
func OpenJournal(slot *flash.Region) *Journal {
	return &Journal{slot: slot}
}

func (j *Journal) sectorOff(i int) int64 {
	return j.slot.Size() - int64((flash.StatusSectors-i)*j.slot.SectorSize())
}

// scanState is the journal's view of its status sectors: the current
// record, which sector holds it, and where the next cell may go.
type scanState struct {
	cur    Record
	curRev uint32
	found  bool

	// active is the sector holding the current record (0 when empty);
	// nextCell is its first blank cell, or the cell count when full.
	active   int
	nextCell int
	// erased reports whether each status sector is entirely blank.
	erased [flash.StatusSectors]bool
}

// scan reads both status sectors and locates the current record.
func (j *Journal) scan() (scanState, error) {
	s := scanState{}
	cells := j.slot.SectorSize() / cellSize
	var firstBlank [flash.StatusSectors]int

	buf := make([]byte, j.slot.SectorSize())
	for sec := 0; sec < flash.StatusSectors; sec++ {
		if err := j.slot.Read(j.sectorOff(sec), buf); err != nil {
			return scanState{}, fmt.Errorf("failed to read status sector %d: %w", sec, err)
		}
		firstBlank[sec] = cells
		s.erased[sec] = true
		for c := 0; c < cells; c++ {
			cell := buf[c*cellSize : c*cellSize+encodedLen]
			if blank(cell) {
				if c < firstBlank[sec] {
					firstBlank[sec] = c
				}
				continue
			}
			s.erased[sec] = false
			r, rev, ok := decodeCell(cell)
			if !ok {
				continue
			}
			if !s.found || rev > s.curRev {
				s.cur, s.curRev, s.found = r, rev, true
				s.active = sec
			}
		}
	}
	s.nextCell = firstBlank[s.active]
	return s, nil
}

func blank(b []byte) bool {
	for _, v := range b {
		if v != flash.ErasedByte {
			return false
		}
	}
	return true
}

// Read returns the slot's current status record. A slot with no valid
// record is reported as TypeNone. A valid record with an illegal flag
// combination returns ErrInconsistent.
func (j *Journal) Read() (Record, error) {
	s, err := j.scan()
	if err != nil {
		return Record{}, err
	}
	if !s.found {
		return Record{Type: TypeNone}, nil
	}
	if err := s.cur.validate(); err != nil {
		return Record{}, err
	}
	return s.cur, nil
}

// Write persists r as the slot's new current record.
func (j *Journal) Write(r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	s, err := j.scan()
	if err != nil {
		return err
	}

	rev := uint32(1)
	if s.found {
		rev = s.curRev + 1
	}

	sector, cell := s.active, s.nextCell
	if cell >= j.slot.SectorSize()/cellSize {
		// Active sector full: the new revision goes into the other
		// sector. The record being superseded stays readable until the
		// write below lands, so power loss anywhere in the switch still
		// leaves a valid record behind.
		sector, cell = 1-s.active, 0
		if !s.erased[sector] {
			klog.V(2).Infof("Status journal: reclaiming stale sector @ %#x", j.sectorOff(sector))
			if err := j.slot.Erase(j.sectorOff(sector), int64(j.slot.SectorSize())); err != nil {
				return fmt.Errorf("failed to reclaim status sector: %w", err)
			}
		}
	}

	klog.V(2).Infof("Status journal: writing rev %d sector %d cell %d: %v", rev, sector, cell, r)
	off := j.sectorOff(sector) + int64(cell*cellSize)
	if err := j.slot.Write(off, encodeRecord(r, rev)); err != nil {
		return fmt.Errorf("failed to write status record: %w", err)
	}
	return nil
}

// Reset erases the journal entirely, dropping all revisions. Used when a
// slot is reflashed wholesale.
func (j *Journal) Reset() error {
	return j.slot.Erase(j.sectorOff(0), int64(flash.StatusSectors*j.slot.SectorSize()))
}
