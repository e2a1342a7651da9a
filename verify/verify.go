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

// Package verify checks an image's cryptographic trailer against the
// bootloader's compiled-in trust anchor.
//
// Verification is fully local and deterministic: the digest is recomputed
// from flash content on every call, no key material is ever read from the
// device, and any mismatch, including a foreign signature algorithm,
// collapses to ErrInvalid rather than a crash.
package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/swapboot/swapboot/flash"
	"github.com/swapboot/swapboot/image"
)

// Algorithm selects the signature scheme a bootloader build trusts.
// Exactly one algorithm is active per build.
type Algorithm uint32

const (
	// AlgRSA2048 is RSA-2048 with PKCS#1 v1.5 padding over SHA-256.
	AlgRSA2048 Algorithm = 1
	// AlgECDSAP256 is ECDSA over NIST P-256 with SHA-256, DER signatures.
	AlgECDSAP256 Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case AlgRSA2048:
		return "RSA-2048"
	case AlgECDSAP256:
		return "ECDSA-P256"
	}
	return fmt.Sprintf("unknown(%d)", uint32(a))
}

// ErrInvalid means signature verification failed. Wrong key, wrong
// algorithm and corrupted payload are deliberately indistinguishable.
var ErrInvalid = errors.New("signature verification failed")

// Anchor is the bootloader's trust anchor: one public key for one
// algorithm, fixed at build time and passed explicitly so the verifier
// stays pure and testable with multiple anchors in one binary.
type Anchor struct {
	Alg   Algorithm
	RSA   *rsa.PublicKey
	ECDSA *ecdsa.PublicKey
}

// Validate checks that the anchor carries a usable key for its algorithm.
func (a Anchor) Validate() error {
	switch a.Alg {
	case AlgRSA2048:
		if a.RSA == nil {
			return errors.New("anchor: missing RSA key")
		}
		if bits := a.RSA.N.BitLen(); bits != 2048 {
			return fmt.Errorf("anchor: RSA key is %d bits, want 2048", bits)
		}
	case AlgECDSAP256:
		if a.ECDSA == nil {
			return errors.New("anchor: missing ECDSA key")
		}
		if a.ECDSA.Curve != elliptic.P256() {
			return errors.New("anchor: ECDSA key not on P-256")
		}
	default:
		return fmt.Errorf("anchor: unknown algorithm %d", a.Alg)
	}
	return nil
}

// readChunk is the read granularity while digesting image content.
const readChunk = 4096

// Digest computes the SHA-256 digest over the signed extent of the image:
// the full header area plus the payload, excluding the trailer.
func Digest(slot *flash.Region, info *image.Info) ([]byte, error) {
	h := sha256.New()
	buf := make([]byte, readChunk)
	for off, rem := int64(0), info.SignedLength(); rem > 0; {
		n := int64(len(buf))
		if n > rem {
			n = rem
		}
		if err := slot.Read(off, buf[:n]); err != nil {
			return nil, fmt.Errorf("failed to read image content: %w", err)
		}
		h.Write(buf[:n])
		off += n
		rem -= n
	}
	return h.Sum(nil), nil
}

// Image verifies the image's trailer signature against the anchor.
//
// Any failure, including an algorithm tag that doesn't match the anchor,
// returns an error wrapping ErrInvalid: a foreign image is refused, never
// a fault.
func Image(anchor Anchor, slot *flash.Region, info *image.Info) error {
	if err := anchor.Validate(); err != nil {
		return err
	}
	if alg := Algorithm(info.Trailer.Alg); alg != anchor.Alg {
		return fmt.Errorf("%w: image signed with %v, bootloader trusts %v", ErrInvalid, alg, anchor.Alg)
	}

	digest, err := Digest(slot, info)
	if err != nil {
		return err
	}

	switch anchor.Alg {
	case AlgRSA2048:
		if err := rsa.VerifyPKCS1v15(anchor.RSA, crypto.SHA256, digest, info.Trailer.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	case AlgECDSAP256:
		r, s, err := parseECDSASignature(info.Trailer.Signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if !ecdsa.Verify(anchor.ECDSA, digest, r, s) {
			return ErrInvalid
		}
	}
	return nil
}

// parseECDSASignature strictly decodes a DER ECDSA-Sig-Value, rejecting
// trailing garbage and non-minimal encodings.
func parseECDSASignature(sig []byte) (r, s *big.Int, err error) {
	r, s = new(big.Int), new(big.Int)
	input := cryptobyte.String(sig)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, cbasn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, nil, errors.New("malformed ECDSA signature")
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return nil, nil, errors.New("non-positive ECDSA signature component")
	}
	return r, s, nil
}
