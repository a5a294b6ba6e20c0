// USB DFU flash zone table
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package zone describes the compile-time table of flash regions exposed by
// the DFU interface, one per alternate setting.
package zone

import "fmt"

// Chip identifies a SPI NOR flash device attached to the board.
type Chip int

const (
	// Internal is the board's primary SPI NOR flash.
	Internal Chip = iota
	// Cart is a secondary, typically removable, SPI NOR flash.
	Cart
)

func (c Chip) String() string {
	switch c {
	case Internal:
		return "internal"
	case Cart:
		return "cart"
	default:
		return "unknown"
	}
}

// Zone is a single (chip, start, end) region selectable through a DFU
// alternate setting.
type Zone struct {
	Chip  Chip
	Start uint32
	End   uint32
}

// Size returns the number of bytes covered by the zone.
func (z Zone) Size() uint32 {
	return z.End - z.Start
}

// Table is the alternate-setting indexed list of flash zones.
type Table []Zone

// Default is the shipped flash zone table (spec §6).
var Default = Table{
	{Chip: Internal, Start: 0x00200000, End: 0x01000000},
	{Chip: Internal, Start: 0x00340000, End: 0x00380000},
	{Chip: Internal, Start: 0x00380000, End: 0x01000000},
	{Chip: Internal, Start: 0x00400000, End: 0x01000000},
	{Chip: Internal, Start: 0x00800000, End: 0x01000000},
	{Chip: Internal, Start: 0x00000000, End: 0x00200000},
	{Chip: Cart, Start: 0x00000000, End: 0x00000100},
}

// Find returns the zone for the given alternate setting.
func (t Table) Find(alt uint8) (Zone, error) {
	if int(alt) >= len(t) {
		return Zone{}, fmt.Errorf("zone: no zone for alternate setting %d", alt)
	}

	return t[alt], nil
}

// Validate checks that every zone is well formed and sector aligned,
// failing fast on a malformed table rather than letting the DFU state
// machine misbehave at runtime.
//
// Start must always land on a sector boundary, since the writer always
// begins erasing/programming a zone from its Start. End is held to the
// same rule only for zones at least one sector large: a zone smaller than
// a sector (such as the cart's 256-byte region) is exempt. The writer
// still verifies and, when needed, erases the whole 4 KiB sector that
// contains such a zone.
func (t Table) Validate() error {
	const sector = 4096

	for i, z := range t {
		if z.End <= z.Start {
			return fmt.Errorf("zone: alt %d has end %#x <= start %#x", i, z.End, z.Start)
		}

		if z.Start%sector != 0 {
			return fmt.Errorf("zone: alt %d start %#x is not sector aligned", i, z.Start)
		}

		if z.Size() >= sector && z.End%sector != 0 {
			return fmt.Errorf("zone: alt %d end %#x is not sector aligned", i, z.End)
		}
	}

	return nil
}
