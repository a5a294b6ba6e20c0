// JEDEC SPI NOR flash driver
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package flash wraps package spi with standard JEDEC SPI NOR command
// sequences: status, write-enable, read, page-program, and the three erase
// granularities (package writer uses the 4 KiB sector erase).
package flash

import (
	"fmt"

	"github.com/usbarmory/dfu-spi-bootloader/spi"
	"github.com/usbarmory/dfu-spi-bootloader/zone"
)

// SPI NOR command opcodes (spec §6).
const (
	opWriteEnable    = 0x06
	opReadStatus1    = 0x05
	opRead           = 0x03
	opPageProgram    = 0x02
	opSectorErase4K  = 0x20
	opBlockErase32K  = 0x52
	opBlockErase64K  = 0xD8
	opWakeUp         = 0xAB
	opResetEnable    = 0x66
	opResetExecute   = 0x99
	opQPIExit        = 0xFF
	opJEDECID        = 0x9F
)

// StatusBusy is bit 0 of status register 1.
const StatusBusy = 1 << 0

// PageSize is the 256-byte page-program boundary.
const PageSize = 256

// Driver issues JEDEC command sequences over a spi.Transport. One Driver
// instance multiplexes between the board's flash chips the way spec §4.B's
// chip_select(id) does: Select switches which chip select line subsequent
// commands use.
type Driver struct {
	bus      *spi.Transport
	cs       map[zone.Chip]int
	selected zone.Chip
}

// New returns a Driver addressing the given chips over bus, where cs maps
// each logical chip to the SPI controller's chip-select line.
func New(bus *spi.Transport, cs map[zone.Chip]int) *Driver {
	return &Driver{bus: bus, cs: cs}
}

// Select switches the active flash chip (internal vs. cart).
func (d *Driver) Select(chip zone.Chip) {
	d.selected = chip
}

func (d *Driver) line() int {
	return d.cs[d.selected]
}

func addr24(addr uint32) []byte {
	return []byte{byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// ReadStatus reads status register 1; bit 0 (StatusBusy) is the busy flag.
func (d *Driver) ReadStatus() uint8 {
	cmd := []byte{opReadStatus1}
	resp := make([]byte, 1)

	d.bus.Xfer(d.line(), []spi.Chunk{
		{Buffer: cmd, Len: len(cmd), DoWrite: true},
		{Buffer: resp, Len: len(resp), DoRead: true},
	})

	return resp[0]
}

// Busy reports whether the flash is still executing a prior command.
func (d *Driver) Busy() bool {
	return d.ReadStatus()&StatusBusy != 0
}

// WriteEnable issues the write-enable latch, required before any program or
// erase command.
func (d *Driver) WriteEnable() {
	cmd := []byte{opWriteEnable}

	d.bus.Xfer(d.line(), []spi.Chunk{
		{Buffer: cmd, Len: len(cmd), DoWrite: true},
	})
}

// Read reads len(dst) bytes starting at the given 24-bit address.
func (d *Driver) Read(dst []byte, addr uint32) {
	cmd := append([]byte{opRead}, addr24(addr)...)

	d.bus.Xfer(d.line(), []spi.Chunk{
		{Buffer: cmd, Len: len(cmd), DoWrite: true},
		{Buffer: dst, Len: len(dst), DoRead: true},
	})
}

// Verify reads len(src) bytes at addr and classifies them against src,
// returning the 2-bit code documented on spi.Transport.XferVerify.
func (d *Driver) Verify(src []byte, addr uint32) uint8 {
	cmd := append([]byte{opRead}, addr24(addr)...)

	return d.bus.XferVerify(d.line(), []spi.Chunk{
		{Buffer: cmd, Len: len(cmd), DoWrite: true},
		{Buffer: src, Len: len(src)},
	})
}

// PageProgram issues a page-program command. The caller must ensure
// len(src) <= PageSize and that addr and addr+len(src)-1 fall within the
// same 256-byte page; violating either is a programming error in the
// caller (package writer), not a recoverable flash condition.
func (d *Driver) PageProgram(src []byte, addr uint32) error {
	if len(src) > PageSize {
		return fmt.Errorf("flash: page program length %d exceeds page size %d", len(src), PageSize)
	}

	if addr/PageSize != (addr+uint32(len(src))-1)/PageSize {
		return fmt.Errorf("flash: page program at %#x length %d crosses a page boundary", addr, len(src))
	}

	cmd := append([]byte{opPageProgram}, addr24(addr)...)

	d.bus.Xfer(d.line(), []spi.Chunk{
		{Buffer: cmd, Len: len(cmd), DoWrite: true},
		{Buffer: src, Len: len(src), DoWrite: true},
	})

	return nil
}

// SectorErase4K erases the 4 KiB sector containing addr.
func (d *Driver) SectorErase4K(addr uint32) {
	d.erase(opSectorErase4K, addr)
}

// BlockErase32K erases the 32 KiB block containing addr.
func (d *Driver) BlockErase32K(addr uint32) {
	d.erase(opBlockErase32K, addr)
}

// BlockErase64K erases the 64 KiB block containing addr.
func (d *Driver) BlockErase64K(addr uint32) {
	d.erase(opBlockErase64K, addr)
}

func (d *Driver) erase(op byte, addr uint32) {
	cmd := append([]byte{op}, addr24(addr)...)

	d.bus.Xfer(d.line(), []spi.Chunk{
		{Buffer: cmd, Len: len(cmd), DoWrite: true},
	})
}

// Wake issues the SPI NOR wake-up sequence and, for chips left in QPI mode
// by a prior boot stage, the QPI-exit byte, followed by a soft reset. This
// mirrors the bring-up sequence the original firmware runs once at boot.
func (d *Driver) Wake() {
	d.bus.Xfer(d.line(), []spi.Chunk{{Buffer: []byte{opWakeUp}, Len: 1, DoWrite: true}})
	d.bus.Xfer(d.line(), []spi.Chunk{{Buffer: []byte{opQPIExit}, Len: 1, DoWrite: true}})
	d.bus.Xfer(d.line(), []spi.Chunk{{Buffer: []byte{opResetEnable}, Len: 1, DoWrite: true}})
	d.bus.Xfer(d.line(), []spi.Chunk{{Buffer: []byte{opResetExecute}, Len: 1, DoWrite: true}})
}

// JEDECID reads the 3-byte manufacturer/device identification.
func (d *Driver) JEDECID() []byte {
	cmd := []byte{opJEDECID}
	resp := make([]byte, 3)

	d.bus.Xfer(d.line(), []spi.Chunk{
		{Buffer: cmd, Len: len(cmd), DoWrite: true},
		{Buffer: resp, Len: len(resp), DoRead: true},
	})

	return resp
}
