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

// swapctl is the host-side companion of the bootloader engine: it signs
// firmware payloads, stages them into the secondary slot of a file-backed
// flash device, confirms a booted upgrade, and dumps slot state.
package main

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/cheggaaa/pb/v3"
	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/swapboot/swapboot/flash"
	"github.com/swapboot/swapboot/image"
	"github.com/swapboot/swapboot/sign"
	"github.com/swapboot/swapboot/swap"
)

var (
	mode = flag.String("mode", "", "one of: sign, stage, confirm, status")

	// sign
	payloadPath = flag.String("payload", "", "unsigned firmware payload to sign")
	outPath     = flag.String("out", "", "output path for the signed image")
	keyPath     = flag.String("key", "", "PEM file holding the signing private key")
	versionStr  = flag.String("version", "0.0.0", "image version, e.g. 1.2.3+7")
	loadAddr    = flag.Uint64("load-addr", 0, "image load address")

	// stage / confirm / status
	flashPath      = flag.String("flash", "flash.img", "path to the file-backed flash device")
	sectorSize     = flag.Int("sector-size", 4096, "flash sector size in bytes")
	slotSectors    = flag.Int("slot-sectors", 64, "sectors per image slot")
	scratchSectors = flag.Int("scratch-sectors", 1, "sectors in the scratch region")
	imagePath      = flag.String("image", "", "signed image to stage")
	swapType       = flag.String("swap-type", "test", "staged swap type: test or permanent")
)

func parseVersion(s string) (image.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return image.Version{}, fmt.Errorf("bad version %q: %w", s, err)
	}
	build := uint64(0)
	if v.Metadata != "" {
		if build, err = strconv.ParseUint(v.Metadata, 10, 32); err != nil {
			return image.Version{}, fmt.Errorf("bad build number %q: %w", v.Metadata, err)
		}
	}
	if v.Major > 255 || v.Minor > 255 || v.Patch > 65535 {
		return image.Version{}, fmt.Errorf("version %q out of range", s)
	}
	return image.Version{
		Major:    uint8(v.Major),
		Minor:    uint8(v.Minor),
		Revision: uint16(v.Patch),
		Build:    uint32(build),
	}, nil
}

func loadSigner(path string) (sign.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", path, err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %q", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return sign.NewRSASigner(k), nil
		case *ecdsa.PrivateKey:
			return sign.NewECDSASigner(k), nil
		}
		return nil, fmt.Errorf("unsupported key type in %q", path)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return sign.NewRSASigner(k), nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return sign.NewECDSASigner(k), nil
	}
	return nil, fmt.Errorf("failed to parse private key in %q", path)
}

func openLayout() (*flash.Layout, *flash.FileDevice, error) {
	slotBytes := int64(*slotSectors) * int64(*sectorSize)
	scratchBytes := int64(*scratchSectors) * int64(*sectorSize)
	totalSectors := 2**slotSectors + *scratchSectors

	dev, err := flash.OpenFileDevice(*flashPath, totalSectors, *sectorSize)
	if err != nil {
		return nil, nil, err
	}
	layout, err := flash.NewLayout(dev, 0, slotBytes, slotBytes, 2*slotBytes, scratchBytes)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return layout, dev, nil
}

func signImage() error {
	payload, err := os.ReadFile(*payloadPath)
	if err != nil {
		return fmt.Errorf("failed to read payload %q: %w", *payloadPath, err)
	}
	v, err := parseVersion(*versionStr)
	if err != nil {
		return err
	}
	signer, err := loadSigner(*keyPath)
	if err != nil {
		return err
	}

	blob, err := sign.Image(payload, sign.Params{
		LoadAddr: uint32(*loadAddr),
		Version:  v,
	}, signer)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outPath, blob, 0o644); err != nil {
		return fmt.Errorf("failed to write %q: %w", *outPath, err)
	}
	fmt.Printf("signed %s v%v (%d bytes) -> %s\n", *payloadPath, v, len(blob), *outPath)
	return nil
}

// stageImage writes the signed image into the secondary slot chunk by
// chunk, with a progress bar, then records the swap request.
func stageImage() error {
	blob, err := os.ReadFile(*imagePath)
	if err != nil {
		return fmt.Errorf("failed to read image %q: %w", *imagePath, err)
	}

	var t swap.Type
	switch *swapType {
	case "test":
		t = swap.TypeTest
	case "permanent":
		t = swap.TypePermanent
	default:
		return fmt.Errorf("unknown swap type %q", *swapType)
	}

	layout, dev, err := openLayout()
	if err != nil {
		return err
	}
	defer dev.Close()

	sec := layout.Secondary
	if usable := sec.Size() - int64(flash.StatusSectors*sec.SectorSize()); int64(len(blob)) > usable {
		return fmt.Errorf("image of %d bytes exceeds usable slot size %d", len(blob), usable)
	}

	if err := sec.Erase(0, sec.Size()); err != nil {
		return err
	}

	bar := pb.Full.Start64(int64(len(blob)))
	chunk := int64(sec.SectorSize())
	for off := int64(0); off < int64(len(blob)); off += chunk {
		end := off + chunk
		if end > int64(len(blob)) {
			end = int64(len(blob))
		}
		if err := sec.Write(off, blob[off:end]); err != nil {
			return err
		}
		bar.Add64(end - off)
	}
	bar.Finish()

	if err := swap.OpenJournal(sec).Write(swap.Record{Type: t}); err != nil {
		return err
	}
	fmt.Printf("staged %s as %v upgrade for next boot\n", *imagePath, t)
	return nil
}

func confirm() error {
	layout, dev, err := openLayout()
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := swap.MarkPermanent(layout.Primary); err != nil {
		return err
	}
	fmt.Println("running image marked good")
	return nil
}

func status() error {
	layout, dev, err := openLayout()
	if err != nil {
		return err
	}
	defer dev.Close()

	for _, s := range []struct {
		name string
		slot *flash.Region
	}{
		{"primary", layout.Primary},
		{"secondary", layout.Secondary},
	} {
		info, err := image.Load(s.slot, image.DefaultHeaderSize)
		switch {
		case err == nil:
			fmt.Printf("%s: v%v, %d byte image @ load addr %#x\n",
				s.name, info.Header.Version, info.Header.ImageSize, info.Header.LoadAddr)
		case errors.Is(err, image.ErrAbsent):
			fmt.Printf("%s: empty\n", s.name)
		default:
			fmt.Printf("%s: %v\n", s.name, err)
		}

		rec, err := swap.OpenJournal(s.slot).Read()
		if err != nil {
			fmt.Printf("%s record: %v\n", s.name, err)
			continue
		}
		fmt.Printf("%s record: %v\n", s.name, rec)
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var err error
	switch *mode {
	case "sign":
		err = signImage()
	case "stage":
		err = stageImage()
	case "confirm":
		err = confirm()
	case "status":
		err = status()
	default:
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err != nil {
		klog.Exitf("%s failed: %v", *mode, err)
	}
}
