// External hook interfaces
// https://github.com/usbarmory/dfu-spi-bootloader
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build linux

package main

import (
	"time"

	"github.com/usbarmory/dfu-spi-bootloader/dbuf"
	"github.com/usbarmory/dfu-spi-bootloader/dfu"
)

// Clock is the monotonic tick source used only for debug logging, never
// for protocol timing: poll timeouts are reported as a fixed constant by
// package dfu, not measured against a clock.
type Clock interface {
	Now() uint64
}

// systemClock reports milliseconds since this process started.
type systemClock struct {
	start time.Time
}

func newSystemClock() *systemClock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Now() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}

// FunctionDriver is the bundle of callbacks a concrete USB gadget stack
// installs to drive a dfu.Core: bus reset, configuration state change,
// a single control-request dispatcher, and the two interface accessors.
// No implementation ships in this module -- wiring a real USB gadget
// backend (e.g. Linux configfs/libusbgadget on the host, or a board's
// USB device-mode peripheral) is the one integration point this harness
// leaves to the product build, per DESIGN.md.
type FunctionDriver interface {
	Install(
		busReset func(),
		stateChange func(configured bool),
		controlRequest func(req dfu.Request, scratch [2]*[dbuf.PageSize]byte) dfu.Result,
		setInterface func(intf, alt uint8) error,
		getInterface func(intf uint8) (uint8, error),
	)
}
