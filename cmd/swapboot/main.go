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

// swapboot runs one boot decision of the bootloader engine over a
// file-backed flash device, standing in for the on-device boot ROM glue.
// Each invocation is one power cycle: killing the process mid-swap and
// re-running it exercises the resume path exactly like a power cut would.
package main

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/swapboot/swapboot/boot"
	"github.com/swapboot/swapboot/flash"
	"github.com/swapboot/swapboot/swap"
	"github.com/swapboot/swapboot/verify"
)

var (
	flashPath      = flag.String("flash", "flash.img", "path to the file-backed flash device")
	sectorSize     = flag.Int("sector-size", 4096, "flash sector size in bytes")
	slotSectors    = flag.Int("slot-sectors", 64, "sectors per image slot")
	scratchSectors = flag.Int("scratch-sectors", 1, "sectors in the scratch region")
	strategy       = flag.String("strategy", "swap", "upgrade strategy: swap or overwrite")
	validate       = flag.Bool("validate-primary", true, "verify the primary image signature before boot")
	noDowngrade    = flag.Bool("prevent-downgrade", false, "refuse candidates older than the running image")
	pubKeyPath     = flag.String("pub", "", "PEM file holding the trust anchor public key")
)

func loadAnchor(path string) (verify.Anchor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return verify.Anchor{}, fmt.Errorf("failed to read trust anchor %q: %w", path, err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return verify.Anchor{}, fmt.Errorf("no PEM block in %q", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return verify.Anchor{}, fmt.Errorf("failed to parse public key in %q: %w", path, err)
	}
	switch k := key.(type) {
	case *rsa.PublicKey:
		return verify.Anchor{Alg: verify.AlgRSA2048, RSA: k}, nil
	case *ecdsa.PublicKey:
		return verify.Anchor{Alg: verify.AlgECDSAP256, ECDSA: k}, nil
	}
	return verify.Anchor{}, fmt.Errorf("unsupported key type in %q", path)
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

func run() error {
	anchor, err := loadAnchor(*pubKeyPath)
	if err != nil {
		return err
	}

	policy := swap.Policy{
		ValidatePrimary:  *validate,
		PreventDowngrade: *noDowngrade,
	}
	switch *strategy {
	case "swap":
		policy.Strategy = swap.StrategySwap
	case "overwrite":
		policy.Strategy = swap.StrategyOverwriteOnly
	default:
		return fmt.Errorf("unknown strategy %q", *strategy)
	}

	layout, dev, err := openLayout()
	if err != nil {
		return err
	}
	defer dev.Close()

	l := &boot.Loader{
		Layout: layout,
		Anchor: anchor,
		Policy: policy,
		Handoff: func(o *boot.Outcome) error {
			// A real platform jumps to the image entry point here,
			// interrupts disabled, and never returns.
			fmt.Printf("would execute: %v\n", o)
			return nil
		},
	}

	out, err := l.Boot()
	if err != nil {
		return err
	}
	fmt.Printf("boot action: %v\n", out.Action)
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if err := run(); err != nil {
		if boot.IsFailClosed(err) {
			klog.Errorf("No bootable image, halting: %v", err)
			os.Exit(1)
		}
		klog.Exitf("Boot error: %v", err)
	}
}
