// Double buffer between the USB control-endpoint producer and the flash
// writer consumer
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dbuf implements the two-slot, statically sized page buffer
// described in spec §4.C. There is no dynamic allocation: both 4 KiB pages
// are fields of Buffer, in the spirit of the teacher's dma package keeping
// DMA-visible memory in a single pre-committed region rather than handed out
// by a general-purpose allocator.
package dbuf

// PageSize is the fixed slot size: one USB control-transfer data phase,
// one flash sector.
const PageSize = 4096

// Buffer is two PageSize pages with producer/consumer indices and an
// occupancy count in {0, 1, 2}.
//
// Under the cooperative, single-threaded execution model of spec §5, used
// is a plain int; a port to a preemptive platform must guard it with a lock
// or atomic adjustments and must order "buffer fully written" before
// "used++" (spec §9).
type Buffer struct {
	data [2][PageSize]byte
	used int
	wr   int
	rd   int
}

// Used returns the current occupancy, always in {0, 1, 2}.
func (b *Buffer) Used() int {
	return b.used
}

// Full reports whether both slots are occupied.
func (b *Buffer) Full() bool {
	return b.used == 2
}

// Empty reports whether no slot is occupied.
func (b *Buffer) Empty() bool {
	return b.used == 0
}

// Reserve returns the write slot for the producer to fill. The tail beyond
// n valid bytes should be padded with 0xFF by the caller before Commit, per
// spec §3's short-transfer padding rule.
func (b *Buffer) Reserve() *[PageSize]byte {
	return &b.data[b.wr]
}

// Commit flips the write index and increments occupancy after the producer
// has finished filling the reserved slot. It panics if called while the
// buffer is already full: the USB stack must not begin a data phase without
// a free slot (spec §8 scenario 2).
func (b *Buffer) Commit() {
	if b.used == 2 {
		panic("dbuf: commit with no free slot")
	}

	b.wr ^= 1
	b.used++
}

// Peek returns the read slot for the consumer to inspect without releasing
// it. It panics if the buffer is empty.
func (b *Buffer) Peek() *[PageSize]byte {
	if b.used == 0 {
		panic("dbuf: peek on empty buffer")
	}

	return &b.data[b.rd]
}

// Release flips the read index and decrements occupancy after the consumer
// has finished with the peeked slot. It panics if called on an empty
// buffer.
func (b *Buffer) Release() {
	if b.used == 0 {
		panic("dbuf: release on empty buffer")
	}

	b.rd ^= 1
	b.used--
}
