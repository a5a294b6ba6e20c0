// Flash writer task
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package writer implements the cooperative erase/verify/program state
// machine of spec §4.D: pop a buffer, verify the target region, erase if
// required, re-verify/program, retry up to a bound, advance the write
// cursor.
package writer

import (
	"fmt"

	"github.com/usbarmory/dfu-spi-bootloader/dbuf"
	"github.com/usbarmory/dfu-spi-bootloader/flash"
	"github.com/usbarmory/dfu-spi-bootloader/zone"
)

// Op is the writer's current step.
type Op int

const (
	Idle Op = iota
	Erase
	Program
)

func (o Op) String() string {
	switch o {
	case Idle:
		return "idle"
	case Erase:
		return "erase"
	case Program:
		return "program"
	default:
		return "unknown"
	}
}

// initialRetry is the per-buffer attempt budget (spec §4.D "Retry bound").
const initialRetry = 4

// Rebooter is the external fatal-condition escape hatch: when a buffer
// exhausts its retry budget the writer gives up and asks the board to
// reboot, on the theory that the chip is write-protected or failing and the
// host will observe the device disappear from the bus (spec §7).
type Rebooter interface {
	Reboot()
}

// eraseOp binds the compile-time erase granularity to both the flash
// driver method it calls and the size it advances addr_erase by,
// constructed once per spec §9's "parameterizable writer" design note.
type eraseOp struct {
	size uint32
	do   func(d *flash.Driver, addr uint32)
}

// eraseOps only lists 4 KiB sector erase: the writer's program loop slices
// directly into a single dbuf page (Buffer.Peek returns *[dbuf.PageSize]byte),
// so an erase granularity wider than one page would require accumulating
// several committed buffers before the first re-verify, which this writer
// does not do. flash.Driver still exposes BlockErase32K/BlockErase64K for
// direct use (e.g. a host tool bulk-erasing a zone ahead of a DFU session);
// they are simply not wired into this state machine.
var eraseOps = map[uint32]eraseOp{
	4096: {size: 4096, do: func(d *flash.Driver, addr uint32) { d.SectorErase4K(addr) }},
}

// Stats is a read-only progress snapshot, exposed through the DFU core's
// vendor-request scratch path for instrumentation.
type Stats struct {
	BytesProgrammed  uint64
	EraseCount       uint64
	RetryExhaustions uint64
}

// Writer is the flash writer task. It performs at most one SPI operation
// per Tick in steady state; the single transitional tick where an ERASE
// step discovers no erase is needed and falls through into a first
// PROGRAM page is the one case, per the literal algorithm in spec §4.D,
// where a verify and a page-program both occur in the same Tick.
type Writer struct {
	flashDrv *flash.Driver
	buf      *dbuf.Buffer
	reboot   Rebooter
	erase    eraseOp

	op        Op
	opOfs     uint32
	opLen     uint32
	retry     int
	should    uint8
	selected  zone.Chip
	addrProg  uint32
	addrErase uint32

	stats Stats
}

// New returns a Writer programming through flashDrv, consuming committed
// pages from buf, with the given compile-time erase granularity. Only 4096
// (the dbuf page size) is currently supported -- see the eraseOps comment
// -- and 0 defaults to it per spec §4.D's CPU RAM constraint note.
func New(flashDrv *flash.Driver, buf *dbuf.Buffer, reboot Rebooter, eraseSize uint32) (*Writer, error) {
	if eraseSize == 0 {
		eraseSize = 4096
	}

	op, ok := eraseOps[eraseSize]
	if !ok {
		return nil, fmt.Errorf("writer: unsupported erase size %d (only 4096 is wired into this writer)", eraseSize)
	}

	return &Writer{
		flashDrv: flashDrv,
		buf:      buf,
		reboot:   reboot,
		erase:    op,
		retry:    initialRetry,
		opLen:    op.size,
	}, nil
}

// Reset reassigns the writer to a newly selected zone, as SET_INTERFACE
// does in spec §4.E: cursors go to start, the writer returns to idle.
func (w *Writer) Reset(chip zone.Chip, start uint32) {
	w.selected = chip
	w.addrProg = start
	w.addrErase = start
	w.op = Idle
	w.opOfs = 0
	w.opLen = w.erase.size
	w.retry = initialRetry
}

// AddrProg is the next byte offset the writer will program.
func (w *Writer) AddrProg() uint32 {
	return w.addrProg
}

// Stats returns a snapshot of writer progress counters.
func (w *Writer) Stats() Stats {
	return w.stats
}

// Counters exposes the same snapshot as three values rather than a
// writer.Stats, so package dfu can read it through its own narrow Writer
// interface without importing this package for the struct type.
func (w *Writer) Counters() (bytesProgrammed, eraseCount, retryExhaustions uint64) {
	return w.stats.BytesProgrammed, w.stats.EraseCount, w.stats.RetryExhaustions
}

// Tick performs one cooperative step. It must be called at a bounded rate
// (spec §4.D targets >= 200 Hz) or pumped synchronously by DrainUntilEmpty.
func (w *Writer) Tick() {
	if w.op == Idle {
		if w.buf.Empty() {
			return
		}

		w.op = Erase
		w.opLen = w.erase.size
		w.opOfs = 0
	} else if w.flashDrv.Busy() {
		return
	}

	w.flashDrv.Select(w.selected)

	if w.retry == 0 {
		w.op = Idle
		w.buf.Release()
		w.stats.RetryExhaustions++
		w.reboot.Reboot()
		return
	}

	if w.op == Erase {
		slot := w.buf.Peek()
		w.should = w.flashDrv.Verify(slot[:], w.addrProg)

		if w.should&1 == 0 {
			w.addrErase = w.addrProg + w.erase.size
			w.op = Program
		} else {
			w.retry--
			w.addrErase = w.addrProg
			w.flashDrv.WriteEnable()
			w.erase.do(w.flashDrv, w.addrErase)
			w.addrErase += w.erase.size
			w.stats.EraseCount++
		}
	}

	if w.op == Program {
		switch {
		case w.should&2 == 0:
			w.retry = initialRetry
			w.addrProg += w.opLen
			w.stats.BytesProgrammed += uint64(w.opLen)
			w.buf.Release()
			w.op = Idle
		case w.opOfs == w.opLen:
			w.retry--
			w.opLen = w.erase.size
			w.opOfs = 0
			w.op = Idle
		default:
			l := w.opLen - w.opOfs
			if page := flash.PageSize - ((w.addrProg + w.opOfs) & (flash.PageSize - 1)); page < l {
				l = page
			}

			slot := w.buf.Peek()
			w.flashDrv.WriteEnable()
			w.flashDrv.PageProgram(slot[w.opOfs:w.opOfs+l], w.addrProg+w.opOfs)
			w.opOfs += l
		}
	}
}

// DrainUntilEmpty pumps Tick synchronously until the buffer has released
// every committed page. It is used by the DFU core's GETSTATUS manifest
// shortcut (spec §4.E) so the host never observes DNBUSY after the final
// zero-length DNLOAD.
func (w *Writer) DrainUntilEmpty() {
	for !w.buf.Empty() || w.op != Idle {
		w.Tick()
	}
}
