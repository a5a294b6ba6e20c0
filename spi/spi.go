// SPI transport
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spi implements the chip-select aware, byte-serial transfer layer
// used by package flash to talk to SPI NOR devices. It is deliberately thin:
// the actual bit-banging or peripheral register programming is delegated to
// a Controller, an external collaborator outside this module's scope.
package spi

// Controller is the narrow interface this package requires from the board's
// SPI peripheral driver. Select and Deselect bracket a transaction with chip
// select; Exchange drives one byte out while simultaneously capturing one
// byte in, as on a full-duplex shift register.
type Controller interface {
	Select(cs int)
	Deselect(cs int)
	Exchange(out byte) (in byte)
}

// Chunk describes one leg of a transfer: Buffer[:Len] is driven onto the
// bus when DoWrite is set (0x00 is driven otherwise), and readback is
// captured into Buffer[:Len] when DoRead is set.
//
// A command phase (opcode and address bytes) is DoWrite=true, DoRead=false.
// A response phase (payload read back from the device) is DoWrite=false,
// DoRead=true.
type Chunk struct {
	Buffer  []byte
	Len     int
	DoRead  bool
	DoWrite bool
}

// Verify classification codes returned by Transport.XferVerify. Code 1
// (erase needed, no byte differs) is never produced: the erase-needed bit
// always implies the write-needed bit, see XferVerify.
const (
	VerifyEqual      = 0
	verifyEraseOnly  = 1 // unreachable, kept only to document the 2-bit shape
	VerifyWriteOnly  = 2
	VerifyEraseWrite = 3
)

// Transport drives chunked transfers over a Controller.
type Transport struct {
	Bus Controller
}

// New returns a Transport wrapping the given board SPI controller.
func New(bus Controller) *Transport {
	return &Transport{Bus: bus}
}

// Xfer asserts cs, drives/captures every chunk in order, then releases cs.
func (t *Transport) Xfer(cs int, chunks []Chunk) {
	t.Bus.Select(cs)
	defer t.Bus.Deselect(cs)

	for _, c := range chunks {
		for i := 0; i < c.Len; i++ {
			var out byte

			if c.DoWrite {
				out = c.Buffer[i]
			}

			in := t.Bus.Exchange(out)

			if c.DoRead {
				c.Buffer[i] = in
			}
		}
	}
}

// XferVerify behaves like Xfer, but for every response-phase byte (DoWrite
// false) it classifies the readback against the caller-supplied buffer
// content without disturbing that buffer unless the chunk also requests
// capture via DoRead.
//
// Let e be the expected byte already in Buffer[i] and a the byte actually
// read from the device:
//   - bit 0 ("erase needed") is set if any byte has (e & a) != e: some bit
//     the caller wants as 1 is currently 0, and only an erase can flip it.
//   - bit 1 ("write needed") is set if any byte has e != a.
//
// The erase-needed bit always implies write-needed, so the returned code is
// one of VerifyEqual, VerifyWriteOnly or VerifyEraseWrite; the degenerate
// erase-only code is promoted to VerifyEraseWrite before returning and is
// never returned.
func (t *Transport) XferVerify(cs int, chunks []Chunk) uint8 {
	var code uint8

	t.Bus.Select(cs)
	defer t.Bus.Deselect(cs)

	for _, c := range chunks {
		for i := 0; i < c.Len; i++ {
			var out byte

			if c.DoWrite {
				out = c.Buffer[i]
			}

			a := t.Bus.Exchange(out)

			if !c.DoWrite {
				e := c.Buffer[i]

				if (e & a) != e {
					code |= 1
				}

				if e != a {
					code |= 2
				}
			}

			if c.DoRead {
				c.Buffer[i] = a
			}
		}
	}

	if code&1 != 0 {
		code |= 2
	}

	return code
}
