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

// Package swap implements the bootloader's slot-swap/revert state machine.
//
// The machine runs once per boot over the persisted swap status records of
// the two image slots and decides whether to run the primary image as-is,
// promote a staged upgrade from the secondary slot, or roll back a prior
// unconfirmed swap. Every multi-sector flash move is driven by a progress
// cursor persisted in the primary slot's status journal, so an exchange
// interrupted by power loss resumes on the next boot instead of restarting
// or corrupting either image.
package swap

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/swapboot/swapboot/flash"
	"github.com/swapboot/swapboot/image"
	"github.com/swapboot/swapboot/verify"
)

// Strategy selects how a staged upgrade reaches the primary slot.
type Strategy int

const (
	// StrategySwap exchanges the slots through scratch, keeping the old
	// image available for automatic revert.
	StrategySwap Strategy = iota
	// StrategyOverwriteOnly copies the upgrade over the primary slot
	// directly. Irreversible: no revert is possible in this mode.
	StrategyOverwriteOnly
)

func (s Strategy) String() string {
	switch s {
	case StrategySwap:
		return "swap"
	case StrategyOverwriteOnly:
		return "overwrite-only"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Policy is the compile-time upgrade policy of a bootloader build.
type Policy struct {
	Strategy Strategy
	// ValidatePrimary controls signature verification of the primary
	// image. When false the bootloader attempts to run whatever the
	// primary slot holds, best-effort.
	ValidatePrimary bool
	// PreventDowngrade refuses staged candidates whose version orders
	// below the current primary image.
	PreventDowngrade bool
}

// Action is the boot decision the machine arrived at.
type Action int

const (
	// ActionBootPrimary runs the primary image unchanged.
	ActionBootPrimary Action = iota
	// ActionSwapped promoted a staged upgrade into the primary slot.
	ActionSwapped
	// ActionReverted rolled back an unconfirmed upgrade.
	ActionReverted
	// ActionOverwritten promoted a staged upgrade irreversibly.
	ActionOverwritten
	// ActionHalt means no trustworthy image exists anywhere; nothing
	// must be executed.
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionBootPrimary:
		return "boot-primary"
	case ActionSwapped:
		return "swapped"
	case ActionReverted:
		return "reverted"
	case ActionOverwritten:
		return "overwritten"
	case ActionHalt:
		return "halt"
	}
	return fmt.Sprintf("unknown(%d)", int(a))
}

// ErrNoBootableImage means the machine failed closed: no slot holds a
// verifiably complete, trusted image.
var ErrNoBootableImage = errors.New("no bootable image")

// Result reports the outcome of one boot's worth of state machine work.
type Result struct {
	Action Action
	// Primary describes the image now in the primary slot. Nil when the
	// slot is unreadable and policy still allows a best-effort boot.
	Primary *image.Info
}

// Machine is the swap/revert state machine. All fields are fixed platform
// configuration; the only mutable state is in flash.
type Machine struct {
	Layout *flash.Layout
	Anchor verify.Anchor
	Policy Policy
	// HeaderSize is the compiled-in image header size; zero selects
	// image.DefaultHeaderSize.
	HeaderSize int
}

func (m *Machine) headerSize() int {
	if m.HeaderSize == 0 {
		return image.DefaultHeaderSize
	}
	return m.HeaderSize
}

// maxExchangeSectors is the number of slot sectors an exchange may cover:
// everything except the status area.
func (m *Machine) maxExchangeSectors() uint32 {
	return uint32(m.Layout.Primary.Sectors() - flash.StatusSectors)
}

// Step evaluates the decision table once and executes whatever flash moves
// it calls for. It is the per-boot entry point: running it again on the
// resulting flash state is idempotent unless a new upgrade is staged.
//
// On ActionHalt the returned error describes why no image may run.
func (m *Machine) Step() (*Result, error) {
	if err := m.Layout.Validate(); err != nil {
		return nil, err
	}

	priJ := OpenJournal(m.Layout.Primary)
	secJ := OpenJournal(m.Layout.Secondary)

	priRec, err := priJ.Read()
	if err != nil {
		// A record we cannot interpret means flash state and code
		// disagree; fail closed rather than guess.
		return &Result{Action: ActionHalt}, err
	}
	secRec, err := secJ.Read()
	if err != nil {
		return &Result{Action: ActionHalt}, err
	}

	klog.V(1).Infof("Boot records: primary{%v} secondary{%v}", priRec, secRec)

	// An exchange interrupted by power loss resumes before anything else
	// is considered.
	if priRec.InProgress() {
		res, err := m.resume(priJ, secJ, priRec)
		if err != nil {
			return &Result{Action: ActionHalt}, err
		}
		return m.finishBoot(res)
	}

	// A staged upgrade request takes precedence: it is consumed (and its
	// record cleared) the moment its exchange completes, so it can only
	// be observed here when genuinely new.
	if secRec.InProgress() && secRec.Type != TypeRevert {
		if res, handled, err := m.tryUpgrade(priJ, secJ, secRec); err != nil {
			return &Result{Action: ActionHalt}, err
		} else if handled {
			return m.finishBoot(res)
		}
		// Candidate rejected: fall through and keep running the
		// existing primary, records untouched.
	}

	if priRec.CopyDone {
		switch {
		case priRec.Type == TypeTest && !priRec.ImageOK:
			// The swapped-in image never confirmed itself good:
			// automatic rollback.
			klog.Infof("Unconfirmed upgrade (record %v), reverting", priRec)
			res, err := m.revert(priJ, secJ, priRec)
			if err != nil {
				return &Result{Action: ActionHalt}, err
			}
			return m.finishBoot(res)
		case priRec.Type == TypePermanent, priRec.Type == TypeTest && priRec.ImageOK:
			// Confirmed: the decision is final, clear the record.
			klog.V(1).Infof("Upgrade confirmed (record %v)", priRec)
			if err := priJ.Write(Record{Type: TypeNone}); err != nil {
				return &Result{Action: ActionHalt}, err
			}
		}
	}

	return m.finishBoot(&Result{Action: ActionBootPrimary})
}

// tryUpgrade validates a staged candidate and, if trustworthy, runs the
// upgrade. handled is false when the candidate was rejected; rejection is
// a no-op on all persisted state.
func (m *Machine) tryUpgrade(priJ, secJ *Journal, secRec Record) (res *Result, handled bool, err error) {
	cand, err := image.Load(m.Layout.Secondary, m.headerSize())
	if err != nil {
		if errors.Is(err, image.ErrAbsent) || errors.Is(err, image.ErrCorrupt) {
			klog.Warningf("Swap requested but secondary slot unusable: %v", err)
			return nil, false, nil
		}
		return nil, false, err
	}

	if err := verify.Image(m.Anchor, m.Layout.Secondary, cand); err != nil {
		if errors.Is(err, verify.ErrInvalid) {
			klog.Warningf("Rejecting staged candidate %v: %v", cand.Header.Version, err)
			return nil, false, nil
		}
		return nil, false, err
	}

	cur, err := image.Load(m.Layout.Primary, m.headerSize())
	switch {
	case err == nil:
		if m.Policy.PreventDowngrade && cand.Header.Version.Compare(cur.Header.Version) < 0 {
			klog.Warningf("Rejecting staged candidate %v: downgrade from %v", cand.Header.Version, cur.Header.Version)
			return nil, false, nil
		}
	case errors.Is(err, image.ErrAbsent), errors.Is(err, image.ErrCorrupt):
		// No usable primary to protect; the candidate stands alone.
		cur = nil
	default:
		return nil, false, err
	}

	count := m.sectorsCovering(cand, cur)
	if count == 0 || count > m.maxExchangeSectors() {
		return nil, false, fmt.Errorf("%w: exchange of %d sectors exceeds slot", ErrInconsistent, count)
	}

	klog.Infof("Promoting staged candidate %v (%v, %d sectors, strategy %v)",
		cand.Header.Version, secRec.Type, count, m.Policy.Strategy)

	start := Record{Type: secRec.Type, Count: count}
	if err := priJ.Write(start); err != nil {
		return nil, false, err
	}
	res, err = m.resume(priJ, secJ, start)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

// sectorsCovering returns the sector count an exchange must move so both
// images travel whole.
func (m *Machine) sectorsCovering(a, b *image.Info) uint32 {
	ss := int64(m.Layout.Primary.SectorSize())
	var max int64
	for _, i := range []*image.Info{a, b} {
		if i != nil && i.End > max {
			max = i.End
		}
	}
	return uint32((max + ss - 1) / ss)
}

// revert rolls back an unconfirmed swap by running the exchange again.
func (m *Machine) revert(priJ, secJ *Journal, priRec Record) (*Result, error) {
	start := Record{Type: TypeRevert, Count: priRec.Count}
	if err := priJ.Write(start); err != nil {
		return nil, err
	}
	return m.resume(priJ, secJ, start)
}

// resume drives an in-progress exchange from its persisted cursor to
// completion, then settles both status records. It is the single execution
// path for fresh swaps, fresh reverts and power-loss resumption.
func (m *Machine) resume(priJ, secJ *Journal, rec Record) (*Result, error) {
	if rec.Count == 0 || rec.Count > m.maxExchangeSectors() {
		return nil, fmt.Errorf("%w: exchange of %d sectors exceeds slot", ErrInconsistent, rec.Count)
	}

	var err error
	if m.Policy.Strategy == StrategyOverwriteOnly && rec.Type != TypeRevert {
		err = m.runOverwrite(priJ, rec)
	} else {
		err = m.runExchange(priJ, rec)
	}
	if err != nil {
		return nil, err
	}

	// Settlement order matters: the staged request in the secondary
	// journal is cleared before the primary record flips, so a power cut
	// in between is healed by re-running this (idempotent) tail.
	if err := secJ.Write(Record{Type: TypeNone}); err != nil {
		return nil, err
	}

	switch {
	case rec.Type == TypeRevert:
		klog.Infof("Revert complete, original image restored")
		if err := priJ.Write(Record{Type: TypeNone}); err != nil {
			return nil, err
		}
		return &Result{Action: ActionReverted}, nil
	case m.Policy.Strategy == StrategyOverwriteOnly:
		klog.Infof("Overwrite upgrade complete")
		if err := priJ.Write(Record{Type: TypeNone}); err != nil {
			return nil, err
		}
		return &Result{Action: ActionOverwritten}, nil
	default:
		klog.Infof("Swap complete (%v), awaiting confirmation", rec.Type)
		if err := priJ.Write(Record{Type: rec.Type, CopyDone: true, Count: rec.Count}); err != nil {
			return nil, err
		}
		return &Result{Action: ActionSwapped}, nil
	}
}

// runExchange moves the slots' contents past each other sector by sector,
// through the first scratch sector, persisting the cursor after every
// phase. The three phases per sector each leave their source intact until
// the next phase starts, which is what makes blind re-execution after
// power loss safe.
func (m *Machine) runExchange(priJ *Journal, rec Record) error {
	pri, sec, scr := m.Layout.Primary, m.Layout.Secondary, m.Layout.Scratch
	ss := scr.SectorSize()
	buf := make([]byte, ss)

	step := func(r Record) error {
		return priJ.Write(r)
	}

	phase := rec.Phase
	for i := rec.Cursor; i < rec.Count; i++ {
		klog.V(2).Infof("Exchanging sector %d/%d (phase %d)", i, rec.Count, phase)

		if phase <= phaseStart {
			if err := scr.EraseSector(0); err != nil {
				return err
			}
			if err := copySector(pri, scr, int(i), 0, buf); err != nil {
				return err
			}
			if err := step(Record{Type: rec.Type, Phase: phaseScratched, Cursor: i, Count: rec.Count}); err != nil {
				return err
			}
		}
		if phase <= phaseScratched {
			if err := pri.EraseSector(int(i)); err != nil {
				return err
			}
			if err := copySector(sec, pri, int(i), int(i), buf); err != nil {
				return err
			}
			if err := step(Record{Type: rec.Type, Phase: phasePrimaryDone, Cursor: i, Count: rec.Count}); err != nil {
				return err
			}
		}
		if err := sec.EraseSector(int(i)); err != nil {
			return err
		}
		if err := copySector(scr, sec, 0, int(i), buf); err != nil {
			return err
		}
		if err := step(Record{Type: rec.Type, Phase: phaseStart, Cursor: i + 1, Count: rec.Count}); err != nil {
			return err
		}
		phase = phaseStart
	}

	// Scratch must be fully consumed after the exchange.
	return scr.EraseSector(0)
}

// runOverwrite copies the staged upgrade straight over the primary slot.
// One phase per sector; the source slot is never modified, so resumption
// simply re-copies the cursor sector.
func (m *Machine) runOverwrite(priJ *Journal, rec Record) error {
	pri, sec := m.Layout.Primary, m.Layout.Secondary
	buf := make([]byte, pri.SectorSize())

	for i := rec.Cursor; i < rec.Count; i++ {
		klog.V(2).Infof("Overwriting sector %d/%d", i, rec.Count)
		if err := pri.EraseSector(int(i)); err != nil {
			return err
		}
		if err := copySector(sec, pri, int(i), int(i), buf); err != nil {
			return err
		}
		if err := priJ.Write(Record{Type: rec.Type, Cursor: i + 1, Count: rec.Count}); err != nil {
			return err
		}
	}
	return nil
}

func copySector(src, dst *flash.Region, srcIdx, dstIdx int, buf []byte) error {
	if err := src.ReadSector(srcIdx, buf); err != nil {
		return err
	}
	return dst.WriteSector(dstIdx, buf)
}

// finishBoot applies the primary validation policy to the machine's
// decision and produces the final boot result.
func (m *Machine) finishBoot(res *Result) (*Result, error) {
	info, err := image.Load(m.Layout.Primary, m.headerSize())

	if !m.Policy.ValidatePrimary {
		// Best-effort mode: attempt the primary image regardless of
		// header or trailer state. Corruption may still fault at
		// runtime; that is documented behavior, not a bootloader bug.
		if err != nil {
			klog.Warningf("Primary validation disabled, attempting boot despite: %v", err)
			res.Primary = nil
			return res, nil
		}
		res.Primary = info
		return res, nil
	}

	if err != nil {
		return &Result{Action: ActionHalt}, fmt.Errorf("%w: primary: %v", ErrNoBootableImage, err)
	}
	if err := verify.Image(m.Anchor, m.Layout.Primary, info); err != nil {
		return &Result{Action: ActionHalt}, fmt.Errorf("%w: primary: %v", ErrNoBootableImage, err)
	}

	res.Primary = info
	return res, nil
}

// Stage writes a signed slot image into the secondary slot and records the
// swap request for the next boot. It stands in for the external flashing
// tool. t must be TypeTest or TypePermanent.
func Stage(secondary *flash.Region, blob []byte, t Type) error {
	if t != TypeTest && t != TypePermanent {
		return fmt.Errorf("cannot stage with swap type %v", t)
	}
	usable := secondary.Size() - int64(flash.StatusSectors*secondary.SectorSize())
	if int64(len(blob)) > usable {
		return fmt.Errorf("image of %d bytes exceeds usable slot size %d", len(blob), usable)
	}

	if err := secondary.Erase(0, secondary.Size()); err != nil {
		return err
	}
	if err := secondary.Write(0, blob); err != nil {
		return err
	}
	return OpenJournal(secondary).Write(Record{Type: t})
}

// MarkPermanent is the confirmation primitive: applications call it after
// post-upgrade self-test succeeds to stop the next boot from reverting.
// It is a no-op when no unconfirmed swap is pending.
func MarkPermanent(primary *flash.Region) error {
	j := OpenJournal(primary)
	rec, err := j.Read()
	if err != nil {
		return err
	}
	if !rec.CopyDone || rec.Type != TypeTest || rec.ImageOK {
		return nil
	}
	rec.ImageOK = true
	return j.Write(rec)
}
