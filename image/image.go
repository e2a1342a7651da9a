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

// Package image parses and validates the header and trailer metadata of a
// firmware image resident in a flash slot. It is a read-only view over the
// slot, re-derived on every boot, and never mutates flash.
package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/swapboot/swapboot/flash"
)

const (
	// HeaderMagic identifies a slot holding an image header.
	HeaderMagic = 0x3db8a5c7
	// TrailerMagic terminates an image's signature trailer.
	TrailerMagic = 0x7e50c2f1

	// DefaultHeaderSize is the header size baked into images by the
	// reference build. The header size declared by an image must match
	// the size the bootloader was configured with at build time.
	DefaultHeaderSize = 0x200

	// minHeaderSize is the smallest header able to precede a vector
	// table at a power-of-two boundary.
	minHeaderSize = 0x100

	// rawHeaderLen is the number of encoded header bytes at slot
	// offset 0; the remainder of the header area is padding.
	rawHeaderLen = 32

	// trailerFixedLen is the encoded trailer length excluding the
	// signature bytes: algorithm tag, signature length and magic.
	trailerFixedLen = 12

	// MaxSignatureLen bounds the signature field: large enough for
	// RSA-2048 (256 bytes) and DER-encoded ECDSA-P256 (~72 bytes).
	MaxSignatureLen = 512
)

var (
	// ErrAbsent means the slot holds no image at all. This is a
	// legitimate state, e.g. the secondary slot before a first upgrade.
	ErrAbsent = errors.New("no image present")
	// ErrCorrupt means the slot holds something image-shaped that fails
	// structural validation; the slot is unusable as-is.
	ErrCorrupt = errors.New("image corrupt")
)

// Version is a firmware image version. Ordering is semver-style over
// major.minor.revision with the build number breaking ties.
type Version struct {
	Major    uint8
	Minor    uint8
	Revision uint16
	Build    uint32
}

// Semver returns the semver rendering of the version, with the build number
// carried as metadata.
func (v Version) Semver() semver.Version {
	return semver.Version{
		Major:    int64(v.Major),
		Minor:    int64(v.Minor),
		Patch:    int64(v.Revision),
		Metadata: fmt.Sprintf("%d", v.Build),
	}
}

// Compare returns -1, 0 or 1 as v orders before, equal to, or after o.
// Build metadata is outside semver ordering, so the build number breaks
// ties explicitly.
func (v Version) Compare(o Version) int {
	if c := v.Semver().Compare(o.Semver()); c != 0 {
		return c
	}
	switch {
	case v.Build < o.Build:
		return -1
	case v.Build > o.Build:
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d+%d", v.Major, v.Minor, v.Revision, v.Build)
}

// Header is the fixed-offset structure at the start of a slot.
type Header struct {
	LoadAddr   uint32
	HeaderSize int
	ImageSize  int
	Version    Version
	Flags      uint32
}

// Trailer is the signature block appended after the image payload.
type Trailer struct {
	// Alg is the raw algorithm tag from flash; interpreted by the
	// signature verifier, never trusted here.
	Alg uint32
	// Signature holds the raw signature bytes.
	Signature []byte
}

// Info describes a validated image resident in a slot.
type Info struct {
	Header  Header
	Trailer Trailer

	// TrailerOffset is the slot offset of the trailer, immediately after
	// the payload.
	TrailerOffset int64
	// End is the slot offset one past the trailer's magic: the extent of
	// slot content that participates in a swap.
	End int64
}

// SignedLength returns the number of bytes covered by the image signature:
// the full header area plus the payload.
func (i *Info) SignedLength() int64 {
	return int64(i.Header.HeaderSize) + int64(i.Header.ImageSize)
}

// Load reads and validates the image metadata in the given slot.
//
// A header magic mismatch returns ErrAbsent. A present header whose declared
// geometry cannot fit the slot, or whose header size disagrees with the
// compiled-in headerSize, returns ErrCorrupt, as does a malformed trailer.
// The final sectors of every slot are reserved for the swap status journal
// and are not available to image content.
func Load(slot *flash.Region, headerSize int) (*Info, error) {
	var raw [rawHeaderLen]byte
	if err := slot.Read(0, raw[:]); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	if m := binary.LittleEndian.Uint32(raw[0:4]); m != HeaderMagic {
		return nil, ErrAbsent
	}

	h := Header{
		LoadAddr:   binary.LittleEndian.Uint32(raw[4:8]),
		HeaderSize: int(binary.LittleEndian.Uint16(raw[8:10])),
		ImageSize:  int(binary.LittleEndian.Uint32(raw[12:16])),
		Version: Version{
			Major:    raw[16],
			Minor:    raw[17],
			Revision: binary.LittleEndian.Uint16(raw[18:20]),
			Build:    binary.LittleEndian.Uint32(raw[20:24]),
		},
		Flags: binary.LittleEndian.Uint32(raw[24:28]),
	}

	if h.HeaderSize < minHeaderSize || h.HeaderSize&(h.HeaderSize-1) != 0 {
		return nil, fmt.Errorf("%w: header size %#x not a power of two >= %#x", ErrCorrupt, h.HeaderSize, minHeaderSize)
	}
	if h.HeaderSize != headerSize {
		return nil, fmt.Errorf("%w: header size %#x, bootloader built for %#x", ErrCorrupt, h.HeaderSize, headerSize)
	}

	// The final sectors are the slot's status area; image content must
	// stay clear of them.
	usable := slot.Size() - int64(flash.StatusSectors*slot.SectorSize())
	trailerOff := int64(h.HeaderSize) + int64(h.ImageSize)
	if h.ImageSize <= 0 || trailerOff+trailerFixedLen > usable {
		return nil, fmt.Errorf("%w: image size %d overflows slot", ErrCorrupt, h.ImageSize)
	}

	t, end, err := loadTrailer(slot, trailerOff, usable)
	if err != nil {
		return nil, err
	}

	return &Info{
		Header:        h,
		Trailer:       *t,
		TrailerOffset: trailerOff,
		End:           end,
	}, nil
}

func loadTrailer(slot *flash.Region, off, usable int64) (*Trailer, int64, error) {
	var fixed [8]byte
	if err := slot.Read(off, fixed[:]); err != nil {
		return nil, 0, fmt.Errorf("failed to read trailer: %w", err)
	}

	alg := binary.LittleEndian.Uint32(fixed[0:4])
	sigLen := int64(binary.LittleEndian.Uint32(fixed[4:8]))
	if sigLen == 0 || sigLen > MaxSignatureLen || off+8+sigLen+4 > usable {
		return nil, 0, fmt.Errorf("%w: bad signature length %d", ErrCorrupt, sigLen)
	}

	sig := make([]byte, sigLen)
	if err := slot.Read(off+8, sig); err != nil {
		return nil, 0, fmt.Errorf("failed to read signature: %w", err)
	}

	var magic [4]byte
	if err := slot.Read(off+8+sigLen, magic[:]); err != nil {
		return nil, 0, fmt.Errorf("failed to read trailer magic: %w", err)
	}
	if m := binary.LittleEndian.Uint32(magic[:]); m != TrailerMagic {
		return nil, 0, fmt.Errorf("%w: trailer magic %#x", ErrCorrupt, m)
	}

	return &Trailer{Alg: alg, Signature: sig}, off + 8 + sigLen + 4, nil
}

// EncodeHeader serialises h into a headerSize-byte block, the layout Load
// expects at slot offset 0. Bytes beyond the raw header are left erased so
// the block can be written to blank flash in one pass.
func EncodeHeader(h Header) ([]byte, error) {
	if h.HeaderSize < minHeaderSize || h.HeaderSize&(h.HeaderSize-1) != 0 {
		return nil, fmt.Errorf("header size %#x not a power of two >= %#x", h.HeaderSize, minHeaderSize)
	}
	b := make([]byte, h.HeaderSize)
	for i := range b {
		b[i] = flash.ErasedByte
	}
	binary.LittleEndian.PutUint32(b[0:4], HeaderMagic)
	binary.LittleEndian.PutUint32(b[4:8], h.LoadAddr)
	binary.LittleEndian.PutUint16(b[8:10], uint16(h.HeaderSize))
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.ImageSize))
	b[16] = h.Version.Major
	b[17] = h.Version.Minor
	binary.LittleEndian.PutUint16(b[18:20], h.Version.Revision)
	binary.LittleEndian.PutUint32(b[20:24], h.Version.Build)
	binary.LittleEndian.PutUint32(b[24:28], h.Flags)
	return b, nil
}

// EncodeTrailer serialises the signature block that follows an image
// payload.
func EncodeTrailer(t Trailer) ([]byte, error) {
	if len(t.Signature) == 0 || len(t.Signature) > MaxSignatureLen {
		return nil, fmt.Errorf("bad signature length %d", len(t.Signature))
	}
	b := make([]byte, 8+len(t.Signature)+4)
	binary.LittleEndian.PutUint32(b[0:4], t.Alg)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(t.Signature)))
	copy(b[8:], t.Signature)
	binary.LittleEndian.PutUint32(b[8+len(t.Signature):], TrailerMagic)
	return b, nil
}
