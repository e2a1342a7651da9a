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

// Package boot composes image parsing, signature verification and the
// swap/revert state machine into the single per-boot decision, then hands
// control to the winning image.
package boot

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/swapboot/swapboot/flash"
	"github.com/swapboot/swapboot/image"
	"github.com/swapboot/swapboot/swap"
	"github.com/swapboot/swapboot/verify"
)

// Outcome is the final boot decision handed to the platform.
type Outcome struct {
	// Action records how the primary slot came to hold the chosen image.
	Action swap.Action
	// Image describes the chosen image; nil in best-effort mode when the
	// primary slot is unreadable.
	Image *image.Info
	// Slot is the flash region to execute from: always the primary slot.
	Slot *flash.Region
}

func (o *Outcome) String() string {
	if o.Image == nil {
		return fmt.Sprintf("%v (blind)", o.Action)
	}
	return fmt.Sprintf("%v image %v load_addr %#x", o.Action, o.Image.Header.Version, o.Image.Header.LoadAddr)
}

// Handoff transfers control to the chosen image. It only returns on
// failure; a platform implementation jumps to the image's entry point with
// interrupts disabled and never comes back.
type Handoff func(*Outcome) error

// Loader is the boot decision orchestrator.
type Loader struct {
	Layout *flash.Layout
	Anchor verify.Anchor
	Policy swap.Policy
	// HeaderSize is the compiled-in image header size; zero selects
	// image.DefaultHeaderSize.
	HeaderSize int
	// Handoff, if set, receives the outcome for execution. Left nil, Boot
	// stops after the decision, which is what the host-side tooling and
	// the tests want.
	Handoff Handoff
}

// Boot runs the boot decision once and, when a Handoff is configured,
// transfers control to the chosen image.
//
// On any unrecoverable condition it returns an error wrapping
// swap.ErrNoBootableImage without invoking the Handoff: an unverified
// instruction stream is never executed, the platform is expected to halt
// or reset.
func (l *Loader) Boot() (*Outcome, error) {
	m := &swap.Machine{
		Layout:     l.Layout,
		Anchor:     l.Anchor,
		Policy:     l.Policy,
		HeaderSize: l.HeaderSize,
	}

	res, err := m.Step()
	if err != nil {
		if res != nil && res.Action == swap.ActionHalt {
			klog.Errorf("Boot failed closed: %v", err)
			return nil, err
		}
		return nil, err
	}

	out := &Outcome{
		Action: res.Action,
		Image:  res.Primary,
		Slot:   l.Layout.Primary,
	}
	klog.Infof("Boot decision: %v", out)

	if l.Handoff != nil {
		if err := l.Handoff(out); err != nil {
			return nil, fmt.Errorf("handoff failed: %w", err)
		}
	}
	return out, nil
}

// Confirm marks the currently running image permanently good, preventing
// the next boot from reverting it. Applications call this after their
// post-upgrade self-test succeeds.
func (l *Loader) Confirm() error {
	return swap.MarkPermanent(l.Layout.Primary)
}

// IsFailClosed reports whether err is the fail-closed boot outcome.
func IsFailClosed(err error) bool {
	return errors.Is(err, swap.ErrNoBootableImage)
}
