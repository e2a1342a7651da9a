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

// Package sign builds signed slot images: header, payload and signature
// trailer, laid out exactly as the bootloader expects to find them in
// flash. It stands in for the external signing tool in tests and in the
// host-side staging command.
package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/swapboot/swapboot/image"
	"github.com/swapboot/swapboot/verify"
)

// Signer produces an image signature over a SHA-256 digest.
type Signer interface {
	// Algorithm returns the tag recorded in the image trailer.
	Algorithm() verify.Algorithm
	// Sign signs the given digest.
	Sign(digest []byte) ([]byte, error)
}

type rsaSigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner returns a Signer using RSA-2048 PKCS#1 v1.5.
func NewRSASigner(key *rsa.PrivateKey) Signer {
	return &rsaSigner{key: key}
}

func (s *rsaSigner) Algorithm() verify.Algorithm {
	return verify.AlgRSA2048
}

func (s *rsaSigner) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest)
}

type ecdsaSigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner returns a Signer using ECDSA-P256 with DER signatures.
func NewECDSASigner(key *ecdsa.PrivateKey) Signer {
	return &ecdsaSigner{key: key}
}

func (s *ecdsaSigner) Algorithm() verify.Algorithm {
	return verify.AlgECDSAP256
}

func (s *ecdsaSigner) Sign(digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, s.key, digest)
}

// Params carries the header fields supplied by the application build.
type Params struct {
	LoadAddr uint32
	Version  image.Version
	Flags    uint32
	// HeaderSize must match the size the target bootloader was built
	// with; zero selects image.DefaultHeaderSize.
	HeaderSize int
}

// Image assembles a signed slot image for the given payload: header area,
// payload, then the signature trailer. The result is written to a slot
// starting at offset 0.
func Image(payload []byte, p Params, s Signer) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if p.HeaderSize == 0 {
		p.HeaderSize = image.DefaultHeaderSize
	}

	hdr, err := image.EncodeHeader(image.Header{
		LoadAddr:   p.LoadAddr,
		HeaderSize: p.HeaderSize,
		ImageSize:  len(payload),
		Version:    p.Version,
		Flags:      p.Flags,
	})
	if err != nil {
		return nil, err
	}

	signed := make([]byte, 0, len(hdr)+len(payload))
	signed = append(signed, hdr...)
	signed = append(signed, payload...)

	digest := sha256.Sum256(signed)
	sig, err := s.Sign(digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}

	tlr, err := image.EncodeTrailer(image.Trailer{
		Alg:       uint32(s.Algorithm()),
		Signature: sig,
	})
	if err != nil {
		return nil, err
	}

	return append(signed, tlr...), nil
}
